package domain

import (
	"time"

	"github.com/google/uuid"
)

// Project is the aggregate root for a set of todos and their dependency
// graph. All mutations pass through it; each successful mutation appends the
// events it produced to an in-memory buffer that the unit of work drains into
// the outbox on commit. A failed operation leaves both state and buffer
// untouched.
type Project struct {
	id          uuid.UUID
	name        string
	description string
	todos       map[uuid.UUID]*Todo
	order       []uuid.UUID
	limits      Limits
	version     int64
	persisted   bool
	createdAt   time.Time
	updatedAt   time.Time
	events      []Event
	now         func() time.Time
}

// NewProject creates a project and buffers ProjectCreated. clock may be nil.
func NewProject(name, description string, limits Limits, clock func() time.Time) (*Project, error) {
	if name == "" {
		return nil, ErrEmptyProjectName
	}
	if len(name) > maxTitleLen {
		return nil, ErrProjectNameTooLong
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	if limits.MaxTodos == 0 {
		limits = DefaultLimits
	}
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	p := &Project{
		id:          uuid.New(),
		name:        name,
		description: description,
		todos:       map[uuid.UUID]*Todo{},
		limits:      limits,
		createdAt:   now,
		updatedAt:   now,
		now:         clock,
	}
	p.record(EventProjectCreated, p.id, map[string]any{
		"project_id":  p.id.String(),
		"name":        p.name,
		"description": p.description,
	})
	return p, nil
}

// RehydrateProject rebuilds a project from persisted rows. Only the
// repository layer should call it. Rehydrated projects buffer no events.
func RehydrateProject(id uuid.UUID, name, description string, todos []*Todo,
	version int64, createdAt, updatedAt time.Time, limits Limits, clock func() time.Time) *Project {
	if limits.MaxTodos == 0 {
		limits = DefaultLimits
	}
	if clock == nil {
		clock = time.Now
	}
	p := &Project{
		id:          id,
		name:        name,
		description: description,
		todos:       make(map[uuid.UUID]*Todo, len(todos)),
		order:       make([]uuid.UUID, 0, len(todos)),
		limits:      limits,
		version:     version,
		persisted:   true,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
		now:         clock,
	}
	for _, t := range todos {
		p.todos[t.id] = t
		p.order = append(p.order, t.id)
	}
	return p
}

func (p *Project) ID() uuid.UUID        { return p.id }
func (p *Project) Name() string         { return p.name }
func (p *Project) Description() string  { return p.description }
func (p *Project) Version() int64       { return p.version }
func (p *Project) CreatedAt() time.Time { return p.createdAt }
func (p *Project) UpdatedAt() time.Time { return p.updatedAt }

// Todos lists the project's todos in creation order.
func (p *Project) Todos() []*Todo {
	out := make([]*Todo, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.todos[id])
	}
	return out
}

// GetTodo is a pure read; it never touches the event buffer.
func (p *Project) GetTodo(id uuid.UUID) (*Todo, error) {
	t, ok := p.todos[id]
	if !ok {
		return nil, ErrTodoNotFound
	}
	return t, nil
}

// Rename updates the project name.
func (p *Project) Rename(name string) error {
	if name == "" {
		return ErrEmptyProjectName
	}
	if len(name) > maxTitleLen {
		return ErrProjectNameTooLong
	}
	p.name = name
	p.touch()
	return nil
}

// SetDescription updates the project description.
func (p *Project) SetDescription(description string) error {
	if err := validateDescription(description); err != nil {
		return err
	}
	p.description = description
	p.touch()
	return nil
}

// AddTodo creates a todo in pending status after validating the title and
// the proposed dependency set. All checks run before any mutation.
func (p *Project) AddTodo(title, description string, dependencies []uuid.UUID) (*Todo, error) {
	if len(p.todos) >= p.limits.MaxTodos {
		return nil, ErrTooManyTodos
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	if err := p.ensureUniqueTitle(title, uuid.Nil); err != nil {
		return nil, err
	}
	deps := dedupeIDs(dependencies)
	if err := p.ensureDependenciesExist(deps); err != nil {
		return nil, err
	}
	id := uuid.New()
	if err := ValidateDependencies(id, deps, p.edges(), p.limits.MaxDependencies); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	t := &Todo{
		id:           id,
		projectID:    p.id,
		title:        title,
		description:  description,
		status:       TodoPending,
		dependencies: deps,
		createdAt:    now,
		updatedAt:    now,
	}
	p.todos[t.id] = t
	p.order = append(p.order, t.id)
	p.touch()

	depStrings := make([]string, len(deps))
	for i, d := range deps {
		depStrings[i] = d.String()
	}
	p.record(EventTodoCreated, p.id, map[string]any{
		"todo_id":      t.id.String(),
		"project_id":   p.id.String(),
		"title":        t.title,
		"description":  t.description,
		"dependencies": depStrings,
	})
	if p.persisted {
		p.record(EventTodoAddedToProject, p.id, map[string]any{
			"project_id": p.id.String(),
			"todo_id":    t.id.String(),
			"todo_title": t.title,
		})
	}
	return t, nil
}

// TodoPatch carries a partial update; nil fields are left unchanged.
type TodoPatch struct {
	Title        *string
	Description  *string
	Dependencies []uuid.UUID // nil means unchanged; empty slice clears
}

// UpdateTodo applies a partial update, re-validating only the supplied
// fields. TodoUpdated is buffered only when at least one field actually
// changed value.
func (p *Project) UpdateTodo(id uuid.UUID, patch TodoPatch) (*Todo, error) {
	t, ok := p.todos[id]
	if !ok {
		return nil, ErrTodoNotFound
	}

	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return nil, err
		}
		if err := p.ensureUniqueTitle(*patch.Title, id); err != nil {
			return nil, err
		}
	}
	if patch.Description != nil {
		if err := validateDescription(*patch.Description); err != nil {
			return nil, err
		}
	}
	var newDeps []uuid.UUID
	if patch.Dependencies != nil {
		newDeps = dedupeIDs(patch.Dependencies)
		if err := p.ensureDependenciesExist(newDeps); err != nil {
			return nil, err
		}
		if err := ValidateDependencies(id, newDeps, p.edges(), p.limits.MaxDependencies); err != nil {
			return nil, err
		}
	}

	changed := map[string]any{}
	if patch.Title != nil && *patch.Title != t.title {
		t.title = *patch.Title
		changed["title"] = t.title
	}
	if patch.Description != nil && *patch.Description != t.description {
		t.description = *patch.Description
		changed["description"] = t.description
	}
	if patch.Dependencies != nil && !sameIDSet(newDeps, t.dependencies) {
		t.dependencies = newDeps
		depStrings := make([]string, len(newDeps))
		for i, d := range newDeps {
			depStrings[i] = d.String()
		}
		changed["dependencies"] = depStrings
	}
	if len(changed) == 0 {
		return t, nil
	}

	t.updatedAt = p.now().UTC()
	p.touch()
	changed["todo_id"] = t.id.String()
	changed["project_id"] = p.id.String()
	p.record(EventTodoUpdated, p.id, changed)
	return t, nil
}

// StartTodo transitions a pending todo to in_progress once every dependency
// is completed.
func (p *Project) StartTodo(id uuid.UUID) (*Todo, error) {
	t, ok := p.todos[id]
	if !ok {
		return nil, ErrTodoNotFound
	}
	switch t.status {
	case TodoInProgress:
		return nil, ErrTodoAlreadyStarted
	case TodoCompleted:
		return nil, ErrTodoAlreadyCompleted
	}
	var blocking []uuid.UUID
	for _, depID := range t.dependencies {
		dep, ok := p.todos[depID]
		if !ok || dep.status != TodoCompleted {
			blocking = append(blocking, depID)
		}
	}
	if len(blocking) > 0 {
		return nil, DependencyNotCompletedError{Blocking: blocking}
	}

	t.status = TodoInProgress
	t.updatedAt = p.now().UTC()
	p.touch()
	p.record(EventTodoStarted, p.id, map[string]any{
		"todo_id":    t.id.String(),
		"project_id": p.id.String(),
	})
	return t, nil
}

// CompleteTodo transitions an in_progress todo to completed and stamps the
// completion time. Completed is terminal.
func (p *Project) CompleteTodo(id uuid.UUID) (*Todo, error) {
	t, ok := p.todos[id]
	if !ok {
		return nil, ErrTodoNotFound
	}
	switch t.status {
	case TodoCompleted:
		return nil, ErrTodoAlreadyCompleted
	case TodoPending:
		return nil, ErrTodoNotStarted
	}

	now := p.now().UTC()
	t.status = TodoCompleted
	t.completedAt = &now
	t.updatedAt = now
	p.touch()
	p.record(EventTodoCompleted, p.id, map[string]any{
		"todo_id":      t.id.String(),
		"project_id":   p.id.String(),
		"completed_at": now.Format(time.RFC3339Nano),
	})
	return t, nil
}

// RemoveTodo deletes a todo unless another todo still depends on it.
func (p *Project) RemoveTodo(id uuid.UUID) error {
	if _, ok := p.todos[id]; !ok {
		return ErrTodoNotFound
	}
	var dependents []uuid.UUID
	for _, other := range p.Todos() {
		if other.id != id && other.dependsOn(id) {
			dependents = append(dependents, other.id)
		}
	}
	if len(dependents) > 0 {
		return RemovalBlockedError{TodoID: id, Dependents: dependents}
	}

	delete(p.todos, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.touch()
	return nil
}

// Delete checks the deletion policy and buffers ProjectDeleted. Todos that
// are still in progress block deletion; pending and completed ones do not.
func (p *Project) Delete() error {
	var inProgress []uuid.UUID
	for _, id := range p.order {
		if p.todos[id].status == TodoInProgress {
			inProgress = append(inProgress, id)
		}
	}
	if len(inProgress) > 0 {
		return DeletionBlockedError{ProjectID: p.id, InProgress: inProgress}
	}
	p.record(EventProjectDeleted, p.id, map[string]any{
		"project_id":  p.id.String(),
		"name":        p.name,
		"description": p.description,
	})
	return nil
}

// Events returns a copy of the buffered events in the order they were
// produced.
func (p *Project) Events() []Event {
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// DrainEvents returns the buffered events and clears the buffer. The unit of
// work calls it exactly once per successful transaction.
func (p *Project) DrainEvents() []Event {
	out := p.events
	p.events = nil
	return out
}

func (p *Project) record(kind EventKind, aggregateID uuid.UUID, payload map[string]any) {
	p.events = append(p.events, newEvent(kind, aggregateID, p.now().UTC(), payload))
}

func (p *Project) touch() {
	p.updatedAt = p.now().UTC()
}

// edges snapshots the current dependency relation as plain id mappings for
// the graph validator.
func (p *Project) edges() map[uuid.UUID][]uuid.UUID {
	edges := make(map[uuid.UUID][]uuid.UUID, len(p.todos))
	for id, t := range p.todos {
		edges[id] = t.dependencies
	}
	return edges
}

func (p *Project) ensureUniqueTitle(title string, exclude uuid.UUID) error {
	for id, t := range p.todos {
		if id != exclude && t.title == title {
			return DuplicateTitleError{Title: title}
		}
	}
	return nil
}

func (p *Project) ensureDependenciesExist(deps []uuid.UUID) error {
	for _, d := range deps {
		if _, ok := p.todos[d]; !ok {
			return DependencyNotFoundError{ID: d}
		}
	}
	return nil
}
