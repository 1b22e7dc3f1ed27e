// Package engine is the use-case layer: each mutating operation loads the
// aggregate, applies one domain operation, and saves it inside a single unit
// of work so the state change and its outbox rows commit atomically.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"taskwell/internal/config"
	"taskwell/internal/domain"
	"taskwell/internal/outbox"
	"taskwell/internal/repo"
	"taskwell/internal/uow"
)

type Engine struct {
	DB     *sql.DB
	Outbox outbox.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Outbox: outbox.Store{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) repo() repo.Repo {
	return repo.Repo{DB: e.DB, Limits: e.Config.DomainLimits(), Now: e.Now}
}

func (e Engine) clock() func() time.Time {
	if e.Now != nil {
		return e.Now
	}
	return time.Now
}

// CreateProject creates a project aggregate and commits it together with its
// ProjectCreated event.
func (e Engine) CreateProject(ctx context.Context, name, description string) (*domain.Project, error) {
	p, err := domain.NewProject(name, description, e.Config.DomainLimits(), e.clock())
	if err != nil {
		return nil, err
	}
	r := e.repo()
	err = uow.Run(ctx, e.DB, func(ctx context.Context, u *uow.UnitOfWork) error {
		if err := r.SaveProject(ctx, u.Tx(), p); err != nil {
			return err
		}
		u.Track(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProjectPatch carries a partial update of project fields.
type ProjectPatch struct {
	Name        *string
	Description *string
}

// UpdateProject renames or re-describes a project.
func (e Engine) UpdateProject(ctx context.Context, id uuid.UUID, patch ProjectPatch) (*domain.Project, error) {
	return e.mutate(ctx, id, func(p *domain.Project) error {
		if patch.Name != nil {
			if err := p.Rename(*patch.Name); err != nil {
				return err
			}
		}
		if patch.Description != nil {
			if err := p.SetDescription(*patch.Description); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProject removes a project after the deletion policy allows it. The
// ProjectDeleted event commits in the same transaction as the row removal.
func (e Engine) DeleteProject(ctx context.Context, id uuid.UUID) error {
	r := e.repo()
	return uow.Run(ctx, e.DB, func(ctx context.Context, u *uow.UnitOfWork) error {
		p, err := r.GetProject(ctx, u.Tx(), id)
		if err != nil {
			return notFound(err, domain.ErrProjectNotFound)
		}
		if err := p.Delete(); err != nil {
			return err
		}
		if err := r.DeleteProject(ctx, u.Tx(), id); err != nil {
			return notFound(err, domain.ErrProjectNotFound)
		}
		u.Track(p)
		return nil
	})
}

// GetProject is a pure read outside any unit of work.
func (e Engine) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	r := e.repo()
	p, err := r.GetProject(ctx, e.DB, id)
	if err != nil {
		return nil, notFound(err, domain.ErrProjectNotFound)
	}
	return p, nil
}

// ListProjects returns project summaries.
func (e Engine) ListProjects(ctx context.Context) ([]repo.ProjectSummary, error) {
	return e.repo().ListProjects(ctx)
}

// TodoCreateOptions are parameters for adding a todo to a project.
type TodoCreateOptions struct {
	Title        string
	Description  string
	Dependencies []uuid.UUID
}

// AddTodo adds a todo through the aggregate root.
func (e Engine) AddTodo(ctx context.Context, projectID uuid.UUID, opts TodoCreateOptions) (*domain.Todo, error) {
	var t *domain.Todo
	_, err := e.mutate(ctx, projectID, func(p *domain.Project) error {
		var err error
		t, err = p.AddTodo(opts.Title, opts.Description, opts.Dependencies)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTodo applies a partial todo update through the aggregate root.
func (e Engine) UpdateTodo(ctx context.Context, projectID, todoID uuid.UUID, patch domain.TodoPatch) (*domain.Todo, error) {
	var t *domain.Todo
	_, err := e.mutate(ctx, projectID, func(p *domain.Project) error {
		var err error
		t, err = p.UpdateTodo(todoID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// StartTodo transitions a todo to in_progress.
func (e Engine) StartTodo(ctx context.Context, projectID, todoID uuid.UUID) (*domain.Todo, error) {
	var t *domain.Todo
	_, err := e.mutate(ctx, projectID, func(p *domain.Project) error {
		var err error
		t, err = p.StartTodo(todoID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CompleteTodo transitions a todo to completed.
func (e Engine) CompleteTodo(ctx context.Context, projectID, todoID uuid.UUID) (*domain.Todo, error) {
	var t *domain.Todo
	_, err := e.mutate(ctx, projectID, func(p *domain.Project) error {
		var err error
		t, err = p.CompleteTodo(todoID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RemoveTodo removes a todo unless a sibling still depends on it.
func (e Engine) RemoveTodo(ctx context.Context, projectID, todoID uuid.UUID) error {
	_, err := e.mutate(ctx, projectID, func(p *domain.Project) error {
		return p.RemoveTodo(todoID)
	})
	return err
}

// GetTodo is a pure read.
func (e Engine) GetTodo(ctx context.Context, projectID, todoID uuid.UUID) (*domain.Todo, error) {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.GetTodo(todoID)
}

// ListTodos returns a project's todos in creation order.
func (e Engine) ListTodos(ctx context.Context, projectID uuid.UUID) ([]*domain.Todo, error) {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.Todos(), nil
}

// mutate runs one aggregate operation inside a unit of work: load, apply,
// save, track for outbox flush. A failed operation rolls everything back.
func (e Engine) mutate(ctx context.Context, projectID uuid.UUID, op func(p *domain.Project) error) (*domain.Project, error) {
	r := e.repo()
	var p *domain.Project
	err := uow.Run(ctx, e.DB, func(ctx context.Context, u *uow.UnitOfWork) error {
		var err error
		p, err = r.GetProject(ctx, u.Tx(), projectID)
		if err != nil {
			return notFound(err, domain.ErrProjectNotFound)
		}
		if err := op(p); err != nil {
			return err
		}
		if err := r.SaveProject(ctx, u.Tx(), p); err != nil {
			return err
		}
		u.Track(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func notFound(err, kind error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return kind
	}
	return err
}
