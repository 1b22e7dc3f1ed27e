// Package server exposes the task-tracking API over HTTP using huma on a
// chi router. Error responses use a single envelope with a machine-readable
// code so clients can branch without parsing messages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"taskwell/internal/domain"
	"taskwell/internal/engine"
	"taskwell/internal/outbox"
	"taskwell/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_title"`
	Message string         `json:"message" example:"todo title already used in project"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskwell API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request validation is a malformed request, not a
			// domain rule violation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Taskwell API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTodos(group, cfg.Engine)
	registerOutbox(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain and storage errors onto HTTP statuses. Not-found
// kinds become 404, uniqueness and lifecycle blocks become 409, rule
// violations on otherwise well-formed requests become 422.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var dupe domain.DuplicateTitleError
	if errors.As(err, &dupe) {
		return newAPIError(http.StatusConflict, "duplicate_title", err.Error(), map[string]any{"title": dupe.Title})
	}
	var removal domain.RemovalBlockedError
	if errors.As(err, &removal) {
		return newAPIError(http.StatusConflict, "removal_blocked", err.Error(), map[string]any{"dependents": idStrings(removal.Dependents)})
	}
	var deletion domain.DeletionBlockedError
	if errors.As(err, &deletion) {
		return newAPIError(http.StatusConflict, "deletion_blocked", err.Error(), map[string]any{"in_progress": idStrings(deletion.InProgress)})
	}
	var depMissing domain.DependencyNotFoundError
	if errors.As(err, &depMissing) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"dependency": depMissing.ID.String()})
	}
	var blocked domain.DependencyNotCompletedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"blocking": idStrings(blocked.Blocking)})
	}
	switch {
	case errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrTodoNotFound),
		errors.Is(err, repo.ErrNotFound),
		errors.Is(err, outbox.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrSelfDependency),
		errors.Is(err, domain.ErrCircularDependency),
		errors.Is(err, domain.ErrTooManyDependencies),
		errors.Is(err, domain.ErrTooManyTodos),
		errors.Is(err, domain.ErrTodoAlreadyStarted),
		errors.Is(err, domain.ErrTodoAlreadyCompleted),
		errors.Is(err, domain.ErrTodoNotStarted):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrEmptyTitle),
		errors.Is(err, domain.ErrTitleTooLong),
		errors.Is(err, domain.ErrDescriptionTooLong),
		errors.Is(err, domain.ErrEmptyProjectName),
		errors.Is(err, domain.ErrProjectNameTooLong):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseID(raw, field string) (uuid.UUID, huma.StatusError) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid %s", field), map[string]any{field: raw})
	}
	return id, nil
}

func parseIDs(raw []string, field string) ([]uuid.UUID, huma.StatusError) {
	if raw == nil {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid id in %s", field), map[string]any{field: r})
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parsePair(projectRaw, todoRaw string) (uuid.UUID, uuid.UUID, huma.StatusError) {
	projectID, herr := parseID(projectRaw, "project_id")
	if herr != nil {
		return uuid.Nil, uuid.Nil, herr
	}
	todoID, herr := parseID(todoRaw, "todo_id")
	if herr != nil {
		return uuid.Nil, uuid.Nil, herr
	}
	return projectID, todoID, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, input.Body.Name, desc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectSummaryResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectSummaryResponse, 0, len(items))
		for _, s := range items {
			out = append(out, summaryResponse(s))
		}
		return &struct {
			Body []ProjectSummaryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		id, herr := parseID(input.ProjectID, "project_id")
		if herr != nil {
			return nil, herr
		}
		p, err := e.GetProject(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		id, herr := parseID(input.ProjectID, "project_id")
		if herr != nil {
			return nil, herr
		}
		p, err := e.UpdateProject(ctx, id, engine.ProjectPatch{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		id, herr := parseID(input.ProjectID, "project_id")
		if herr != nil {
			return nil, herr
		}
		if err := e.DeleteProject(ctx, id); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTodos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-todo",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/todos",
		Summary:       "Add todo",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTodoRequest `json:"body"`
	}) (*struct {
		Body TodoResponse `json:"body"`
	}, error) {
		projectID, herr := parseID(input.ProjectID, "project_id")
		if herr != nil {
			return nil, herr
		}
		deps, herr := parseIDs(input.Body.Dependencies, "dependencies")
		if herr != nil {
			return nil, herr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		t, err := e.AddTodo(ctx, projectID, engine.TodoCreateOptions{
			Title:        input.Body.Title,
			Description:  desc,
			Dependencies: deps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodoResponse `json:"body"`
		}{Body: todoResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-todos",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/todos",
		Summary:     "List todos",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []TodoResponse `json:"body"`
	}, error) {
		projectID, herr := parseID(input.ProjectID, "project_id")
		if herr != nil {
			return nil, herr
		}
		todos, err := e.ListTodos(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TodoResponse, 0, len(todos))
		for _, t := range todos {
			out = append(out, todoResponse(t))
		}
		return &struct {
			Body []TodoResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-todo",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/todos/{todo_id}",
		Summary:     "Get todo",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TodoID    string `path:"todo_id"`
	}) (*struct {
		Body TodoResponse `json:"body"`
	}, error) {
		projectID, todoID, herr := parsePair(input.ProjectID, input.TodoID)
		if herr != nil {
			return nil, herr
		}
		t, err := e.GetTodo(ctx, projectID, todoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodoResponse `json:"body"`
		}{Body: todoResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-todo",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/todos/{todo_id}",
		Summary:     "Update todo",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		TodoID    string            `path:"todo_id"`
		Body      UpdateTodoRequest `json:"body"`
	}) (*struct {
		Body TodoResponse `json:"body"`
	}, error) {
		projectID, todoID, herr := parsePair(input.ProjectID, input.TodoID)
		if herr != nil {
			return nil, herr
		}
		deps, herr := parseIDs(input.Body.Dependencies, "dependencies")
		if herr != nil {
			return nil, herr
		}
		t, err := e.UpdateTodo(ctx, projectID, todoID, domain.TodoPatch{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Dependencies: deps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodoResponse `json:"body"`
		}{Body: todoResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-todo",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/todos/{todo_id}/start",
		Summary:     "Start todo",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TodoID    string `path:"todo_id"`
	}) (*struct {
		Body TodoResponse `json:"body"`
	}, error) {
		projectID, todoID, herr := parsePair(input.ProjectID, input.TodoID)
		if herr != nil {
			return nil, herr
		}
		t, err := e.StartTodo(ctx, projectID, todoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodoResponse `json:"body"`
		}{Body: todoResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-todo",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/todos/{todo_id}/complete",
		Summary:     "Complete todo",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TodoID    string `path:"todo_id"`
	}) (*struct {
		Body TodoResponse `json:"body"`
	}, error) {
		projectID, todoID, herr := parsePair(input.ProjectID, input.TodoID)
		if herr != nil {
			return nil, herr
		}
		t, err := e.CompleteTodo(ctx, projectID, todoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodoResponse `json:"body"`
		}{Body: todoResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-todo",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/todos/{todo_id}",
		Summary:       "Remove todo",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TodoID    string `path:"todo_id"`
	}) (*struct{}, error) {
		projectID, todoID, herr := parsePair(input.ProjectID, input.TodoID)
		if herr != nil {
			return nil, herr
		}
		if err := e.RemoveTodo(ctx, projectID, todoID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "Inspect outbox entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Delivered bool `query:"delivered" default:"false"`
		Limit     int  `query:"limit" default:"100"`
	}) (*struct {
		Body []OutboxEntryResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		entries, err := e.Outbox.List(ctx, input.Delivered, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OutboxEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, outboxResponse(entry))
		}
		return &struct {
			Body []OutboxEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskwell API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
