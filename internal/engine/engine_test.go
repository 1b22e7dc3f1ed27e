package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskwell/internal/config"
	"taskwell/internal/db"
	"taskwell/internal/domain"
	"taskwell/internal/engine"
	"taskwell/internal/migrate"
	"taskwell/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return testEnv{Engine: eng, DB: conn, Ctx: context.Background()}
}

func (env testEnv) outboxKinds(t *testing.T) []domain.EventKind {
	t.Helper()
	entries, err := env.Engine.Outbox.List(env.Ctx, true, 0)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	kinds := make([]domain.EventKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Launch", "ship the thing")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	loaded, err := env.Engine.GetProject(env.Ctx, p.ID())
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if loaded.Name() != "Launch" || loaded.Description() != "ship the thing" {
		t.Fatalf("loaded %q/%q", loaded.Name(), loaded.Description())
	}
	if loaded.Version() != 1 {
		t.Fatalf("version %d after create, want 1", loaded.Version())
	}

	newName := "Launch v2"
	if _, err := env.Engine.UpdateProject(env.Ctx, p.ID(), engine.ProjectPatch{Name: &newName}); err != nil {
		t.Fatalf("update project: %v", err)
	}
	loaded, err = env.Engine.GetProject(env.Ctx, p.ID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name() != "Launch v2" {
		t.Fatalf("name %q after rename", loaded.Name())
	}
	if loaded.Version() != 2 {
		t.Fatalf("version %d after rename, want 2", loaded.Version())
	}

	summaries, err := env.Engine.ListProjects(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].Name != "Launch v2" {
		t.Fatalf("summaries: %+v", summaries)
	}

	if err := env.Engine.DeleteProject(env.Ctx, p.ID()); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, p.ID()); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("get deleted project: %v", err)
	}
}

func TestTodoFlowCommitsEventsInOrder(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Pipeline", "")
	if err != nil {
		t.Fatal(err)
	}
	dep, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "design"})
	if err != nil {
		t.Fatalf("add dep: %v", err)
	}
	todo, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{
		Title:        "build",
		Dependencies: []uuid.UUID{dep.ID()},
	})
	if err != nil {
		t.Fatalf("add todo: %v", err)
	}

	// build cannot start while design is incomplete.
	_, err = env.Engine.StartTodo(env.Ctx, p.ID(), todo.ID())
	var blocked domain.DependencyNotCompletedError
	if !errors.As(err, &blocked) {
		t.Fatalf("start with incomplete dep: %v", err)
	}

	if _, err := env.Engine.StartTodo(env.Ctx, p.ID(), dep.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTodo(env.Ctx, p.ID(), dep.ID()); err != nil {
		t.Fatal(err)
	}
	started, err := env.Engine.StartTodo(env.Ctx, p.ID(), todo.ID())
	if err != nil {
		t.Fatalf("start after dep completed: %v", err)
	}
	if started.Status() != domain.TodoInProgress {
		t.Fatalf("status %s", started.Status())
	}

	want := []domain.EventKind{
		domain.EventProjectCreated,
		domain.EventTodoCreated,
		domain.EventTodoAddedToProject,
		domain.EventTodoCreated,
		domain.EventTodoAddedToProject,
		domain.EventTodoStarted,
		domain.EventTodoCompleted,
		domain.EventTodoStarted,
	}
	got := env.outboxKinds(t)
	if len(got) != len(want) {
		t.Fatalf("outbox kinds %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outbox[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Atomic", "")
	if err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	before := len(env.outboxKinds(t))

	// Duplicate title rejects the whole operation.
	_, err = env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "a"})
	var dup domain.DuplicateTitleError
	if !errors.As(err, &dup) {
		t.Fatalf("duplicate title: %v", err)
	}

	// Self dependency likewise.
	_, err = env.Engine.UpdateTodo(env.Ctx, p.ID(), a.ID(), domain.TodoPatch{
		Dependencies: []uuid.UUID{a.ID()},
	})
	if !errors.Is(err, domain.ErrSelfDependency) {
		t.Fatalf("self dependency: %v", err)
	}

	todos, err := env.Engine.ListTodos(env.Ctx, p.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(todos) != 1 {
		t.Fatalf("%d todos persisted, want 1", len(todos))
	}
	if after := len(env.outboxKinds(t)); after != before {
		t.Fatalf("rejected operations wrote %d outbox rows", after-before)
	}
}

func TestNoOpUpdateWritesNothing(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Quiet", "")
	if err != nil {
		t.Fatal(err)
	}
	todo, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "t", Description: "d"})
	if err != nil {
		t.Fatal(err)
	}
	before := len(env.outboxKinds(t))

	title := todo.Title()
	desc := todo.Description()
	if _, err := env.Engine.UpdateTodo(env.Ctx, p.ID(), todo.ID(), domain.TodoPatch{
		Title:       &title,
		Description: &desc,
	}); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if after := len(env.outboxKinds(t)); after != before {
		t.Fatalf("no-op update emitted %d events", after-before)
	}
}

func TestRemoveTodoBlockedByDependent(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Graph", "")
	if err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{
		Title:        "b",
		Dependencies: []uuid.UUID{a.ID()},
	}); err != nil {
		t.Fatal(err)
	}

	err = env.Engine.RemoveTodo(env.Ctx, p.ID(), a.ID())
	var blocked domain.RemovalBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("remove with dependent: %v", err)
	}
	if len(blocked.Dependents) != 1 {
		t.Fatalf("dependents: %v", blocked.Dependents)
	}
}

func TestDeleteProjectBlockedByInProgressTodo(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Busy", "")
	if err != nil {
		t.Fatal(err)
	}
	todo, err := env.Engine.AddTodo(env.Ctx, p.ID(), engine.TodoCreateOptions{Title: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTodo(env.Ctx, p.ID(), todo.ID()); err != nil {
		t.Fatal(err)
	}

	err = env.Engine.DeleteProject(env.Ctx, p.ID())
	var blocked domain.DeletionBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("delete with in_progress todo: %v", err)
	}

	if _, err := env.Engine.CompleteTodo(env.Ctx, p.ID(), todo.ID()); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, p.ID()); err != nil {
		t.Fatalf("delete after completion: %v", err)
	}
	kinds := env.outboxKinds(t)
	if kinds[len(kinds)-1] != domain.EventProjectDeleted {
		t.Fatalf("last outbox kind %s", kinds[len(kinds)-1])
	}
}

func TestNotFoundMapping(t *testing.T) {
	env := newTestEnv(t)

	missing := uuid.New()
	if _, err := env.Engine.GetProject(env.Ctx, missing); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("get missing project: %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, missing); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("delete missing project: %v", err)
	}

	p, err := env.Engine.CreateProject(env.Ctx, "P", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTodo(env.Ctx, p.ID(), uuid.New()); !errors.Is(err, domain.ErrTodoNotFound) {
		t.Fatalf("get missing todo: %v", err)
	}
}

func TestConcurrentSaveConflicts(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Race", "")
	if err != nil {
		t.Fatal(err)
	}

	// Load a stale copy, let another writer bump the version, then try to
	// save the stale one through the repository directly.
	r := repo.Repo{DB: env.DB, Limits: domain.DefaultLimits, Now: env.Engine.Now}
	stale, err := r.GetProject(env.Ctx, env.DB, p.ID())
	if err != nil {
		t.Fatal(err)
	}
	name := "winner"
	if _, err := env.Engine.UpdateProject(env.Ctx, p.ID(), engine.ProjectPatch{Name: &name}); err != nil {
		t.Fatal(err)
	}

	if err := stale.Rename("loser"); err != nil {
		t.Fatal(err)
	}
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.SaveProject(env.Ctx, tx, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale save: %v", err)
	}
}

func TestOutboxPayloadCarriesAggregateID(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Engine.CreateProject(env.Ctx, "Tagged", "")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Outbox.List(env.Ctx, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d entries", len(entries))
	}
	e := entries[0]
	if e.AggregateID != p.ID() {
		t.Fatalf("aggregate id %s, want %s", e.AggregateID, p.ID())
	}
	if e.Delivered {
		t.Fatal("fresh entry marked delivered")
	}
	if e.ID == uuid.Nil {
		t.Fatal("entry id is nil")
	}
}
