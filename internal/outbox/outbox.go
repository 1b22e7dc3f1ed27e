// Package outbox implements the durable side of the transactional outbox:
// rows are appended inside the same transaction as the aggregate mutation
// that produced them, then fetched and marked delivered by the relay in a
// separate transaction.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskwell/internal/domain"
)

var ErrNotFound = errors.New("outbox entry not found")

// Entry is one durable, independently dispatchable event row.
type Entry struct {
	Seq         int64
	ID          uuid.UUID
	AggregateID uuid.UUID
	Kind        domain.EventKind
	Payload     json.RawMessage
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

// Store reads and writes outbox rows. Appends require the caller's
// transaction; fetch/mark run in their own.
type Store struct {
	DB *sql.DB
}

// Append inserts one row per event inside tx, preserving event order via the
// autoincrement seq column.
func (s Store) Append(ctx context.Context, tx *sql.Tx, events []domain.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox(id, aggregate_id, kind, payload, created_at) VALUES (?,?,?,?,?)`,
			ev.ID.String(), ev.AggregateID.String(), string(ev.Kind), string(payload),
			ev.OccurredAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}
	}
	return nil
}

// FetchUndelivered returns undelivered rows in insertion order.
func (s Store) FetchUndelivered(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq, id, aggregate_id, kind, payload, created_at, delivered, delivered_at
		 FROM outbox WHERE delivered=0 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns rows in insertion order, optionally including delivered ones.
func (s Store) List(ctx context.Context, includeDelivered bool, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, id, aggregate_id, kind, payload, created_at, delivered, delivered_at
		FROM outbox WHERE delivered=0 ORDER BY seq ASC LIMIT ?`
	if includeDelivered {
		query = `SELECT seq, id, aggregate_id, kind, payload, created_at, delivered, delivered_at
		FROM outbox ORDER BY seq ASC LIMIT ?`
	}
	rows, err := s.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkDelivered flags a row as delivered. Only the relay calls this, after
// consumer acknowledgment; marking an already delivered row is a no-op so
// redelivery after a relay crash stays safe.
func (s Store) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox SET delivered=1, delivered_at=? WHERE id=?`, now, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM outbox WHERE id=?`, id.String()).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			id, aggID   string
			kind        string
			payload     string
			createdAt   string
			delivered   int
			deliveredAt sql.NullString
		)
		if err := rows.Scan(&e.Seq, &id, &aggID, &kind, &payload, &createdAt, &delivered, &deliveredAt); err != nil {
			return nil, err
		}
		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", e.Seq, err)
		}
		parsedAgg, err := uuid.Parse(aggID)
		if err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", e.Seq, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", e.Seq, err)
		}
		e.ID = parsedID
		e.AggregateID = parsedAgg
		e.Kind = domain.EventKind(kind)
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = ts
		e.Delivered = delivered != 0
		if deliveredAt.Valid {
			if dts, err := time.Parse(time.RFC3339Nano, deliveredAt.String); err == nil {
				e.DeliveredAt = &dts
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
