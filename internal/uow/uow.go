// Package uow scopes one transaction per logical operation. On commit it
// drains every tracked aggregate's event buffer into the outbox inside the
// same transaction, so an observer never sees a state change without its
// events or events without their state change.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskwell/internal/domain"
	"taskwell/internal/outbox"
)

var (
	// ErrDone is returned when a completed unit of work is reused. One unit
	// of work maps to exactly one transaction.
	ErrDone = errors.New("unit of work already completed")
	// ErrNotBegun is returned when Commit or Rollback is called before Begin.
	ErrNotBegun = errors.New("unit of work not begun")
	ErrBegun    = errors.New("unit of work already begun")
)

// EventSource is any aggregate that buffers domain events.
type EventSource interface {
	DrainEvents() []domain.Event
}

// UnitOfWork owns one *sql.Tx for its whole lifetime.
type UnitOfWork struct {
	db      *sql.DB
	store   outbox.Store
	tx      *sql.Tx
	done    bool
	tracked []EventSource
}

func New(db *sql.DB) *UnitOfWork {
	return &UnitOfWork{db: db, store: outbox.Store{DB: db}}
}

// Begin opens the transaction. A unit of work begins at most once.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	if u.done {
		return ErrDone
	}
	if u.tx != nil {
		return ErrBegun
	}
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	u.tx = tx
	return nil
}

// Tx exposes the transaction handle for repository calls within the scope.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
}

// Track registers a mutated aggregate whose buffered events must be flushed
// to the outbox on commit.
func (u *UnitOfWork) Track(src EventSource) {
	u.tracked = append(u.tracked, src)
}

// Commit drains each tracked aggregate's buffer into the outbox, then
// commits. Any failure rolls the whole transaction back; the buffers are
// drained only on the success path so a failed commit leaves nothing
// half-flushed.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrDone
	}
	if u.tx == nil {
		return ErrNotBegun
	}
	u.done = true
	for _, src := range u.tracked {
		events := src.DrainEvents()
		if err := u.store.Append(ctx, u.tx, events); err != nil {
			u.tx.Rollback()
			return fmt.Errorf("flush outbox: %w", err)
		}
	}
	if err := u.tx.Commit(); err != nil {
		return err
	}
	return nil
}

// Rollback aborts the transaction. Safe to defer after Begin: once Commit
// has run, it reports ErrDone without touching the finished transaction.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return ErrDone
	}
	if u.tx == nil {
		return ErrNotBegun
	}
	u.done = true
	return u.tx.Rollback()
}

// Run executes fn inside a fresh unit of work, committing when fn returns
// nil and rolling back otherwise. This is the scoped form every use case
// goes through.
func Run(ctx context.Context, db *sql.DB, fn func(ctx context.Context, u *UnitOfWork) error) error {
	u := New(db)
	if err := u.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx, u); err != nil {
		u.Rollback()
		return err
	}
	return u.Commit(ctx)
}
