package server

import (
	"encoding/json"

	"taskwell/internal/domain"
	"taskwell/internal/outbox"
	"taskwell/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateTodoRequest struct {
	Title        string   `json:"title"`
	Description  *string  `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type UpdateTodoRequest struct {
	Title        *string  `json:"title,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Todos       []TodoResponse `json:"todos"`
	Version     int64          `json:"version"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type ProjectSummaryResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TodoCount   int    `json:"todo_count"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type TodoResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status" enum:"pending,in_progress,completed"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

type OutboxEntryResponse struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	Delivered   bool            `json:"delivered"`
	DeliveredAt *string         `json:"delivered_at,omitempty" format:"date-time"`
}

func projectResponse(p *domain.Project) ProjectResponse {
	todos := p.Todos()
	out := ProjectResponse{
		ID:          p.ID().String(),
		Name:        p.Name(),
		Description: p.Description(),
		Todos:       make([]TodoResponse, 0, len(todos)),
		Version:     p.Version(),
		CreatedAt:   formatTime(p.CreatedAt()),
		UpdatedAt:   formatTime(p.UpdatedAt()),
	}
	for _, t := range todos {
		out.Todos = append(out.Todos, todoResponse(t))
	}
	return out
}

func todoResponse(t *domain.Todo) TodoResponse {
	out := TodoResponse{
		ID:          t.ID().String(),
		ProjectID:   t.ProjectID().String(),
		Title:       t.Title(),
		Description: t.Description(),
		Status:      string(t.Status()),
		CreatedAt:   formatTime(t.CreatedAt()),
		UpdatedAt:   formatTime(t.UpdatedAt()),
	}
	for _, d := range t.Dependencies() {
		out.Dependencies = append(out.Dependencies, d.String())
	}
	if done := t.CompletedAt(); done != nil {
		s := formatTime(*done)
		out.CompletedAt = &s
	}
	return out
}

func summaryResponse(s repo.ProjectSummary) ProjectSummaryResponse {
	return ProjectSummaryResponse{
		ID:          s.ID.String(),
		Name:        s.Name,
		Description: s.Description,
		TodoCount:   s.TodoCount,
		CreatedAt:   formatTime(s.CreatedAt),
		UpdatedAt:   formatTime(s.UpdatedAt),
	}
}

func outboxResponse(e outbox.Entry) OutboxEntryResponse {
	out := OutboxEntryResponse{
		Seq:         e.Seq,
		ID:          e.ID.String(),
		AggregateID: e.AggregateID.String(),
		Kind:        string(e.Kind),
		Payload:     e.Payload,
		CreatedAt:   formatTime(e.CreatedAt),
		Delivered:   e.Delivered,
	}
	if e.DeliveredAt != nil {
		s := formatTime(*e.DeliveredAt)
		out.DeliveredAt = &s
	}
	return out
}
