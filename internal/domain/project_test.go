package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestProject(t *testing.T) *Project {
	t.Helper()
	p, err := NewProject("P", "", Limits{MaxTodos: 10, MaxDependencies: 10}, testClock())
	if err != nil {
		t.Fatalf("new project: %v", err)
	}
	p.DrainEvents() // discard ProjectCreated
	return p
}

func TestNewProjectValidation(t *testing.T) {
	if _, err := NewProject("", "", DefaultLimits, nil); !errors.Is(err, ErrEmptyProjectName) {
		t.Fatalf("expected empty name error, got %v", err)
	}
	if _, err := NewProject(strings.Repeat("x", 101), "", DefaultLimits, nil); !errors.Is(err, ErrProjectNameTooLong) {
		t.Fatalf("expected name length error, got %v", err)
	}
	p, err := NewProject("P", "desc", DefaultLimits, nil)
	if err != nil {
		t.Fatalf("new project: %v", err)
	}
	events := p.Events()
	if len(events) != 1 || events[0].Kind != EventProjectCreated {
		t.Fatalf("expected single ProjectCreated event, got %v", events)
	}
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	p := newTestProject(t)
	a, err := p.AddTodo("A", "", nil)
	if err != nil {
		t.Fatalf("add A: %v", err)
	}
	b, err := p.AddTodo("B", "", []uuid.UUID{a.ID()})
	if err != nil {
		t.Fatalf("add B: %v", err)
	}
	p.DrainEvents()

	_, err = p.UpdateTodo(a.ID(), TodoPatch{Dependencies: []uuid.UUID{b.ID()}})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
	if len(a.Dependencies()) != 0 {
		t.Fatalf("A's dependencies changed: %v", a.Dependencies())
	}
	if got := b.Dependencies(); len(got) != 1 || got[0] != a.ID() {
		t.Fatalf("B's dependencies changed: %v", got)
	}
	if events := p.Events(); len(events) != 0 {
		t.Fatalf("rejected update buffered events: %v", events)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)
	_, err := p.UpdateTodo(a.ID(), TodoPatch{Dependencies: []uuid.UUID{a.ID()}})
	if !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("expected self dependency error, got %v", err)
	}
}

func TestDependencyCapRejectsWholeTodo(t *testing.T) {
	p, err := NewProject("P", "", Limits{MaxTodos: 50, MaxDependencies: 10}, testClock())
	if err != nil {
		t.Fatal(err)
	}
	deps := make([]uuid.UUID, 0, 11)
	for i := 0; i < 11; i++ {
		todo, err := p.AddTodo(string(rune('a'+i)), "", nil)
		if err != nil {
			t.Fatalf("add dep %d: %v", i, err)
		}
		deps = append(deps, todo.ID())
	}
	p.DrainEvents()

	_, err = p.AddTodo("C", "", deps)
	if !errors.Is(err, ErrTooManyDependencies) {
		t.Fatalf("expected too many dependencies error, got %v", err)
	}
	if _, e := p.GetTodo(deps[0]); e != nil {
		t.Fatalf("existing todos disturbed: %v", e)
	}
	if len(p.Todos()) != 11 {
		t.Fatalf("C was created despite rejection")
	}
	if events := p.Events(); len(events) != 0 {
		t.Fatalf("rejected add buffered events: %v", events)
	}
}

func TestTodoCapRejected(t *testing.T) {
	p, err := NewProject("P", "", Limits{MaxTodos: 2, MaxDependencies: 10}, testClock())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.AddTodo("one", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AddTodo("two", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AddTodo("three", "", nil); !errors.Is(err, ErrTooManyTodos) {
		t.Fatalf("expected todo cap error, got %v", err)
	}
}

func TestStartBlockedByIncompleteDependency(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)
	b, _ := p.AddTodo("B", "", []uuid.UUID{a.ID()})
	p.DrainEvents()

	_, err := p.StartTodo(b.ID())
	var blocked DependencyNotCompletedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected dependency-not-completed error, got %v", err)
	}
	if len(blocked.Blocking) != 1 || blocked.Blocking[0] != a.ID() {
		t.Fatalf("unexpected blocking set: %v", blocked.Blocking)
	}
	if b.Status() != TodoPending {
		t.Fatalf("B left pending state: %s", b.Status())
	}
	if events := p.Events(); len(events) != 0 {
		t.Fatalf("rejected start buffered events: %v", events)
	}
}

func TestCompleteThenStartEventOrder(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)
	b, _ := p.AddTodo("B", "", []uuid.UUID{a.ID()})
	p.DrainEvents()

	if _, err := p.StartTodo(a.ID()); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if _, err := p.CompleteTodo(a.ID()); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if _, err := p.StartTodo(b.ID()); err != nil {
		t.Fatalf("start B after A completed: %v", err)
	}

	events := p.DrainEvents()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	want := []EventKind{EventTodoStarted, EventTodoCompleted, EventTodoStarted}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, kinds[i], want[i])
		}
	}
	if a.CompletedAt() == nil {
		t.Fatal("completedAt not stamped")
	}
	if len(p.Events()) != 0 {
		t.Fatal("drain did not clear the buffer")
	}
}

func TestStartAndCompleteTransitionErrors(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)

	if _, err := p.CompleteTodo(a.ID()); !errors.Is(err, ErrTodoNotStarted) {
		t.Fatalf("expected not-started error, got %v", err)
	}
	if _, err := p.StartTodo(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.StartTodo(a.ID()); !errors.Is(err, ErrTodoAlreadyStarted) {
		t.Fatalf("expected already-started error, got %v", err)
	}
	if _, err := p.CompleteTodo(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CompleteTodo(a.ID()); !errors.Is(err, ErrTodoAlreadyCompleted) {
		t.Fatalf("expected already-completed error, got %v", err)
	}
	if _, err := p.StartTodo(a.ID()); !errors.Is(err, ErrTodoAlreadyCompleted) {
		t.Fatalf("expected already-completed error on restart, got %v", err)
	}
}

func TestRemoveBlockedByDependent(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)
	b, _ := p.AddTodo("B", "", []uuid.UUID{a.ID()})

	err := p.RemoveTodo(a.ID())
	var blocked RemovalBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected removal-blocked error, got %v", err)
	}
	if len(blocked.Dependents) != 1 || blocked.Dependents[0] != b.ID() {
		t.Fatalf("unexpected dependents: %v", blocked.Dependents)
	}
	if _, err := p.GetTodo(a.ID()); err != nil {
		t.Fatalf("A was removed despite rejection: %v", err)
	}

	if err := p.RemoveTodo(b.ID()); err != nil {
		t.Fatalf("remove B: %v", err)
	}
	if err := p.RemoveTodo(a.ID()); err != nil {
		t.Fatalf("remove A after B gone: %v", err)
	}
	if _, err := p.GetTodo(a.ID()); !errors.Is(err, ErrTodoNotFound) {
		t.Fatalf("expected not found after removal, got %v", err)
	}
}

func TestDuplicateTitleRejected(t *testing.T) {
	p := newTestProject(t)
	if _, err := p.AddTodo("A", "", nil); err != nil {
		t.Fatal(err)
	}
	_, err := p.AddTodo("A", "other", nil)
	var dupe DuplicateTitleError
	if !errors.As(err, &dupe) || dupe.Title != "A" {
		t.Fatalf("expected duplicate title error for A, got %v", err)
	}

	b, err := p.AddTodo("B", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	title := "A"
	if _, err := p.UpdateTodo(b.ID(), TodoPatch{Title: &title}); !errors.As(err, &dupe) {
		t.Fatalf("expected duplicate title error on rename, got %v", err)
	}
	// Renaming to its own current title is not a collision.
	own := "B"
	if _, err := p.UpdateTodo(b.ID(), TodoPatch{Title: &own}); err != nil {
		t.Fatalf("self rename rejected: %v", err)
	}
}

func TestNoOpUpdateEmitsNothing(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "keep", nil)
	p.DrainEvents()

	title := "A"
	desc := "keep"
	if _, err := p.UpdateTodo(a.ID(), TodoPatch{Title: &title, Description: &desc, Dependencies: []uuid.UUID{}}); err != nil {
		t.Fatalf("no-op update failed: %v", err)
	}
	if events := p.Events(); len(events) != 0 {
		t.Fatalf("no-op update buffered events: %v", events)
	}

	changed := "A2"
	if _, err := p.UpdateTodo(a.ID(), TodoPatch{Title: &changed}); err != nil {
		t.Fatal(err)
	}
	events := p.Events()
	if len(events) != 1 || events[0].Kind != EventTodoUpdated {
		t.Fatalf("expected single TodoUpdated, got %v", events)
	}
	if events[0].Payload["title"] != "A2" {
		t.Fatalf("changed fields missing from payload: %v", events[0].Payload)
	}
}

func TestTitleAndDescriptionBounds(t *testing.T) {
	p := newTestProject(t)
	if _, err := p.AddTodo("", "", nil); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected empty title error, got %v", err)
	}
	if _, err := p.AddTodo(strings.Repeat("t", 101), "", nil); !errors.Is(err, ErrTitleTooLong) {
		t.Fatalf("expected title length error, got %v", err)
	}
	if _, err := p.AddTodo("ok", strings.Repeat("d", 1001), nil); !errors.Is(err, ErrDescriptionTooLong) {
		t.Fatalf("expected description length error, got %v", err)
	}
	if _, err := p.AddTodo(strings.Repeat("t", 100), strings.Repeat("d", 1000), nil); err != nil {
		t.Fatalf("at-limit todo rejected: %v", err)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	p := newTestProject(t)
	ghost := uuid.New()
	_, err := p.AddTodo("A", "", []uuid.UUID{ghost})
	var missing DependencyNotFoundError
	if !errors.As(err, &missing) || missing.ID != ghost {
		t.Fatalf("expected dependency-not-found for %s, got %v", ghost, err)
	}
}

func TestAddedToProjectEventOnlyWhenPersisted(t *testing.T) {
	p := newTestProject(t)
	if _, err := p.AddTodo("fresh", "", nil); err != nil {
		t.Fatal(err)
	}
	for _, e := range p.DrainEvents() {
		if e.Kind == EventTodoAddedToProject {
			t.Fatal("unpersisted project emitted TodoAddedToProject")
		}
	}

	rehydrated := RehydrateProject(p.ID(), p.Name(), "", nil, 1, p.CreatedAt(), p.UpdatedAt(), Limits{MaxTodos: 10, MaxDependencies: 10}, testClock())
	if _, err := rehydrated.AddTodo("later", "", nil); err != nil {
		t.Fatal(err)
	}
	events := rehydrated.DrainEvents()
	if len(events) != 2 || events[0].Kind != EventTodoCreated || events[1].Kind != EventTodoAddedToProject {
		t.Fatalf("expected TodoCreated then TodoAddedToProject, got %v", events)
	}
}

func TestDeletePolicy(t *testing.T) {
	p := newTestProject(t)
	a, _ := p.AddTodo("A", "", nil)
	p.DrainEvents()

	if _, err := p.StartTodo(a.ID()); err != nil {
		t.Fatal(err)
	}
	err := p.Delete()
	var blocked DeletionBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected deletion-blocked error, got %v", err)
	}
	if len(blocked.InProgress) != 1 || blocked.InProgress[0] != a.ID() {
		t.Fatalf("unexpected in-progress set: %v", blocked.InProgress)
	}

	if _, err := p.CompleteTodo(a.ID()); err != nil {
		t.Fatal(err)
	}
	if err := p.Delete(); err != nil {
		t.Fatalf("delete with completed todos rejected: %v", err)
	}
	events := p.DrainEvents()
	if events[len(events)-1].Kind != EventProjectDeleted {
		t.Fatalf("ProjectDeleted not buffered last: %v", events)
	}
}

func TestEventsAreCopies(t *testing.T) {
	p := newTestProject(t)
	if _, err := p.AddTodo("A", "", nil); err != nil {
		t.Fatal(err)
	}
	first := p.Events()
	first[0].Kind = "tampered"
	if p.Events()[0].Kind != EventTodoCreated {
		t.Fatal("Events returned aliased slice")
	}
}
