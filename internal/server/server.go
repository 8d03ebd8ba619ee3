package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskline/internal/approval"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/ledger"
	"taskline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskline API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerTrust(group, cfg.Engine)
	registerLedger(group, cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrClaimHeld) || errors.Is(err, store.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "claim") && (strings.Contains(lowered, "held") || strings.Contains(lowered, "claimed")):
		return newAPIError(http.StatusConflict, "claim_conflict", msg, nil)
	case strings.Contains(lowered, "not allowed") || strings.Contains(lowered, "terminal"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "not awaiting approval"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Store.CountTasksByStatus(ctx, input.Department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"task_counts": counts}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Type             string  `json:"type"`
			Priority         string  `json:"priority,omitempty"`
			Department       string  `json:"department,omitempty"`
			Content          string  `json:"content,omitempty"`
			ApprovalRequired bool    `json:"approval_required,omitempty"`
			Confidence       float64 `json:"confidence,omitempty" minimum:"0" maximum:"1"`
			Risk             float64 `json:"risk,omitempty" minimum:"0" maximum:"1"`
		} `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Type:             input.Body.Type,
			Priority:         input.Body.Priority,
			Department:       input.Body.Department,
			Content:          input.Body.Content,
			ApprovalRequired: input.Body.ApprovalRequired,
			ConfidenceScore:  input.Body.Confidence,
			RiskFactor:       input.Body.Risk,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Department string `query:"department"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		f := store.TaskFilters{Department: input.Department, Type: input.Type, Limit: input.Limit}
		if input.Status != "" {
			f.Statuses = []string{input.Status}
		}
		tasks, err := e.Store.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerApprovals(api huma.API, e *engine.Engine) {
	gate := approval.New(e)

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := gate.ListPending(ctx, input.Department)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/approve",
		Summary:     "Approve a gated task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := gate.Approve(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/reject",
		Summary:     "Reject a gated task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := gate.Reject(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerTrust(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trust",
		Method:      http.MethodGet,
		Path:        "/trust",
		Summary:     "Department trust records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TrustRecord `json:"body"`
	}, error) {
		records, err := e.Store.ListTrustRecords(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.TrustRecord{}
		}
		return &struct {
			Body []domain.TrustRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerLedger(api huma.API, e *engine.Engine) {
	reader := ledger.Reader{DB: e.DB}
	huma.Register(api, huma.Operation{
		OperationID: "tail-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Latest ledger entries",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		TaskID     string `query:"task_id"`
		Department string `query:"department"`
		Day        string `query:"day"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.LedgerEntry `json:"body"`
	}, error) {
		entries, err := reader.Latest(ctx, ledger.Filters{
			Type:       input.Type,
			TaskID:     input.TaskID,
			Department: input.Department,
			Day:        input.Day,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.LedgerEntry{}
		}
		return &struct {
			Body []domain.LedgerEntry `json:"body"`
		}{Body: entries}, nil
	})
}
