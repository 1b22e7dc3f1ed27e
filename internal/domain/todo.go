package domain

import (
	"time"

	"github.com/google/uuid"
)

// TodoStatus is the lifecycle state of a todo.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

const (
	maxTitleLen       = 100
	maxDescriptionLen = 1000
)

// Todo is an entity owned by a Project. It carries no public mutators; every
// state change goes through the owning aggregate root.
type Todo struct {
	id           uuid.UUID
	projectID    uuid.UUID
	title        string
	description  string
	status       TodoStatus
	dependencies []uuid.UUID
	createdAt    time.Time
	updatedAt    time.Time
	completedAt  *time.Time
}

func (t *Todo) ID() uuid.UUID        { return t.id }
func (t *Todo) ProjectID() uuid.UUID { return t.projectID }
func (t *Todo) Title() string        { return t.title }
func (t *Todo) Description() string  { return t.description }
func (t *Todo) Status() TodoStatus   { return t.status }
func (t *Todo) CreatedAt() time.Time { return t.createdAt }
func (t *Todo) UpdatedAt() time.Time { return t.updatedAt }

// CompletedAt returns the completion time, or nil while not completed.
func (t *Todo) CompletedAt() *time.Time {
	if t.completedAt == nil {
		return nil
	}
	ts := *t.completedAt
	return &ts
}

// Dependencies returns a copy of the dependency id set in insertion order.
func (t *Todo) Dependencies() []uuid.UUID {
	out := make([]uuid.UUID, len(t.dependencies))
	copy(out, t.dependencies)
	return out
}

func (t *Todo) dependsOn(id uuid.UUID) bool {
	for _, d := range t.dependencies {
		if d == id {
			return true
		}
	}
	return false
}

func validateTitle(title string) error {
	if title == "" {
		return ErrEmptyTitle
	}
	if len(title) > maxTitleLen {
		return ErrTitleTooLong
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLen {
		return ErrDescriptionTooLong
	}
	return nil
}

// RehydrateTodo rebuilds a todo from persisted state. Only the repository
// layer should call it.
func RehydrateTodo(id, projectID uuid.UUID, title, description string, status TodoStatus,
	dependencies []uuid.UUID, createdAt, updatedAt time.Time, completedAt *time.Time) *Todo {
	return &Todo{
		id:           id,
		projectID:    projectID,
		title:        title,
		description:  description,
		status:       status,
		dependencies: dedupeIDs(dependencies),
		createdAt:    createdAt,
		updatedAt:    updatedAt,
		completedAt:  completedAt,
	}
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sameIDSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
