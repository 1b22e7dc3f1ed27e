package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskwell/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals an optimistic-concurrency failure: another unit of
	// work committed a newer version of the aggregate. Retryable by the caller.
	ErrConflict = errors.New("concurrent modification conflict")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo persists Project aggregates as rows: one projects row, one todos row
// per member plus todo_deps edge rows.
type Repo struct {
	DB     *sql.DB
	Limits domain.Limits
	Now    func() time.Time
}

func (r Repo) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

// GetProject loads and rehydrates a full aggregate.
func (r Repo) GetProject(ctx context.Context, q DBTX, id uuid.UUID) (*domain.Project, error) {
	var (
		name      string
		desc      sql.NullString
		version   int64
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT name, description, version, created_at, updated_at FROM projects WHERE id=?`,
		id.String()).Scan(&name, &desc, &version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	todos, err := r.loadTodos(ctx, q, id)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("project %s created_at: %w", id, err)
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("project %s updated_at: %w", id, err)
	}
	return domain.RehydrateProject(id, name, desc.String, todos, version, created, updated, r.Limits, r.clock()), nil
}

func (r Repo) loadTodos(ctx context.Context, q DBTX, projectID uuid.UUID) ([]*domain.Todo, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, title, description, status, created_at, updated_at, completed_at
		 FROM todos WHERE project_id=? ORDER BY position ASC`, projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type todoRow struct {
		id          uuid.UUID
		title       string
		description string
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt *time.Time
	}
	var raw []todoRow
	for rows.Next() {
		var (
			idStr       string
			title       string
			desc        sql.NullString
			status      string
			createdAt   string
			updatedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&idStr, &title, &desc, &status, &createdAt, &updatedAt, &completedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("todo id %s: %w", idStr, err)
		}
		created, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("todo %s created_at: %w", idStr, err)
		}
		updated, err := parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("todo %s updated_at: %w", idStr, err)
		}
		row := todoRow{id: id, title: title, description: desc.String, status: status, createdAt: created, updatedAt: updated}
		if completedAt.Valid {
			done, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("todo %s completed_at: %w", idStr, err)
			}
			row.completedAt = &done
		}
		raw = append(raw, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps, err := r.loadDeps(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	todos := make([]*domain.Todo, 0, len(raw))
	for _, row := range raw {
		todos = append(todos, domain.RehydrateTodo(row.id, projectID, row.title, row.description,
			domain.TodoStatus(row.status), deps[row.id], row.createdAt, row.updatedAt, row.completedAt))
	}
	return todos, nil
}

func (r Repo) loadDeps(ctx context.Context, q DBTX, projectID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT d.todo_id, d.depends_on_todo_id FROM todo_deps d
		 JOIN todos t ON t.id = d.todo_id WHERE t.project_id=?`, projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := map[uuid.UUID][]uuid.UUID{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		fromID, err := uuid.Parse(from)
		if err != nil {
			return nil, err
		}
		toID, err := uuid.Parse(to)
		if err != nil {
			return nil, err
		}
		deps[fromID] = append(deps[fromID], toID)
	}
	return deps, rows.Err()
}

// SaveProject writes the aggregate back inside tx. New aggregates insert at
// version 1; existing ones update with a version guard: zero rows affected
// means another transaction won, surfaced as ErrConflict. Member rows use
// replace semantics so the stored graph always matches the aggregate.
func (r Repo) SaveProject(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	if p.Version() == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects(id, name, description, version, created_at, updated_at) VALUES (?,?,?,1,?,?)`,
			p.ID().String(), p.Name(), nullable(p.Description()),
			formatTime(p.CreatedAt()), formatTime(p.UpdatedAt())); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET name=?, description=?, version=?, updated_at=? WHERE id=? AND version=?`,
			p.Name(), nullable(p.Description()), p.Version()+1,
			formatTime(p.UpdatedAt()), p.ID().String(), p.Version())
		if err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, p.ID().String()).Scan(&exists); err == sql.ErrNoRows {
				return ErrNotFound
			}
			return ErrConflict
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM todo_deps WHERE todo_id IN (SELECT id FROM todos WHERE project_id=?)`,
		p.ID().String()); err != nil {
		return fmt.Errorf("clear todo deps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE project_id=?`, p.ID().String()); err != nil {
		return fmt.Errorf("clear todos: %w", err)
	}
	for i, t := range p.Todos() {
		var completedAt any
		if ts := t.CompletedAt(); ts != nil {
			completedAt = formatTime(*ts)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todos(id, project_id, title, description, status, position, created_at, updated_at, completed_at)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			t.ID().String(), p.ID().String(), t.Title(), nullable(t.Description()),
			string(t.Status()), i, formatTime(t.CreatedAt()), formatTime(t.UpdatedAt()), completedAt); err != nil {
			return fmt.Errorf("insert todo %s: %w", t.ID(), err)
		}
	}
	for _, t := range p.Todos() {
		for _, dep := range t.Dependencies() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO todo_deps(todo_id, depends_on_todo_id) VALUES (?,?)`,
				t.ID().String(), dep.String()); err != nil {
				return fmt.Errorf("insert dep %s -> %s: %w", t.ID(), dep, err)
			}
		}
	}
	return nil
}

// DeleteProject removes the aggregate rows. Foreign keys cascade the todos
// and edges.
func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectSummary is a read-model row for listings; it skips todo hydration.
type ProjectSummary struct {
	ID          uuid.UUID
	Name        string
	Description string
	TodoCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListProjects returns summaries ordered by creation time, newest first.
func (r Repo) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT p.id, p.name, COALESCE(p.description,''), COUNT(t.id), p.created_at, p.updated_at
		 FROM projects p LEFT JOIN todos t ON t.project_id = p.id
		 GROUP BY p.id ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProjectSummary
	for rows.Next() {
		var (
			idStr     string
			s         ProjectSummary
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&idStr, &s.Name, &s.Description, &s.TodoCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		s.ID = id
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
