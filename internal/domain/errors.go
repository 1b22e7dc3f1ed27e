package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrTodoNotFound    = errors.New("todo not found")

	ErrEmptyTitle         = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title must be 100 characters or less")
	ErrDescriptionTooLong = errors.New("description must be 1000 characters or less")
	ErrEmptyProjectName   = errors.New("project name is required")
	ErrProjectNameTooLong = errors.New("project name must be 100 characters or less")

	ErrSelfDependency      = errors.New("todo cannot depend on itself")
	ErrCircularDependency  = errors.New("dependency would create a cycle")
	ErrTooManyDependencies = errors.New("too many dependencies")
	ErrTooManyTodos        = errors.New("project todo limit reached")

	ErrTodoAlreadyStarted   = errors.New("todo already started")
	ErrTodoAlreadyCompleted = errors.New("todo already completed")
	ErrTodoNotStarted       = errors.New("todo not started")
)

// DuplicateTitleError is returned when a sibling todo already uses the title.
type DuplicateTitleError struct {
	Title string
}

func (e DuplicateTitleError) Error() string {
	return fmt.Sprintf("todo title %q already exists in project", e.Title)
}

// DependencyNotFoundError is returned when a referenced dependency id does
// not belong to the project.
type DependencyNotFoundError struct {
	ID uuid.UUID
}

func (e DependencyNotFoundError) Error() string {
	return fmt.Sprintf("dependency %s not found in project", e.ID)
}

// DependencyNotCompletedError blocks the pending -> in_progress transition
// while any dependency is still incomplete.
type DependencyNotCompletedError struct {
	Blocking []uuid.UUID
}

func (e DependencyNotCompletedError) Error() string {
	return fmt.Sprintf("dependencies not completed: %s", joinIDs(e.Blocking))
}

// RemovalBlockedError is returned when other todos still depend on the one
// being removed.
type RemovalBlockedError struct {
	TodoID     uuid.UUID
	Dependents []uuid.UUID
}

func (e RemovalBlockedError) Error() string {
	return fmt.Sprintf("todo %s cannot be removed; required by %s", e.TodoID, joinIDs(e.Dependents))
}

// DeletionBlockedError is returned when a project still holds in-progress
// todos and therefore cannot be deleted.
type DeletionBlockedError struct {
	ProjectID  uuid.UUID
	InProgress []uuid.UUID
}

func (e DeletionBlockedError) Error() string {
	return fmt.Sprintf("project %s cannot be deleted; todos in progress: %s", e.ProjectID, joinIDs(e.InProgress))
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
