package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies one of the closed set of domain event types.
type EventKind string

const (
	EventProjectCreated     EventKind = "ProjectCreated"
	EventProjectDeleted     EventKind = "ProjectDeleted"
	EventTodoCreated        EventKind = "TodoCreated"
	EventTodoAddedToProject EventKind = "TodoAddedToProject"
	EventTodoUpdated        EventKind = "TodoUpdated"
	EventTodoStarted        EventKind = "TodoStarted"
	EventTodoCompleted      EventKind = "TodoCompleted"
)

// Event is an immutable record of a fact produced by an aggregate mutation.
// Events accumulate in the aggregate's buffer and are copied into the outbox
// by the unit of work that commits the mutation.
type Event struct {
	ID          uuid.UUID
	Kind        EventKind
	AggregateID uuid.UUID
	Payload     map[string]any
	OccurredAt  time.Time
}

func newEvent(kind EventKind, aggregateID uuid.UUID, at time.Time, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:          uuid.New(),
		Kind:        kind,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  at,
	}
}
