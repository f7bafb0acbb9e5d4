// Package server exposes the orchestrator over HTTP. Submissions are
// asynchronous: a job is accepted, polled via its status, and the loop runs
// in the engine's own goroutines.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reelforge/internal/config"
	"reelforge/internal/orchestrator"
	"reelforge/internal/policy"
	"reelforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *orchestrator.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"schedule_locked"`
	Message string         `json:"message" example:"schedule key is held by another job"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ReelForge API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("ReelForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMemories(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	registerDocs(router, basePath)

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
	var locked orchestrator.ScheduleLockedError
	if errors.As(err, &locked) {
		return newAPIError(http.StatusConflict, "schedule_locked", err.Error(),
			map[string]any{"schedule_key": locked.Key, "holder": locked.Holder})
	}
	var missing policy.NotFoundError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusNotFound, "policy_missing", err.Error(),
			map[string]any{"platform": missing.Platform})
	}
	if errors.Is(err, orchestrator.ErrTenantBusy) {
		return newAPIError(http.StatusTooManyRequests, "tenant_busy", err.Error(), nil)
	}
	if errors.Is(err, orchestrator.ErrJobTerminal) {
		return newAPIError(http.StatusConflict, "job_terminal", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusTooManyRequests:
		return "tenant_busy"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerJobs(api huma.API, e *orchestrator.Engine) {
	type jobPath struct {
		JobID string `path:"job_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a video job",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		Body SubmitJobResponse `json:"body"`
	}, error) {
		res, err := e.Submit(ctx, orchestrator.SubmitRequest{
			Platform:    input.Body.Platform,
			Topic:       input.Body.Topic,
			Audience:    input.Body.Audience,
			ScheduleKey: input.Body.ScheduleKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitJobResponse `json:"body"`
		}{Body: SubmitJobResponse{Job: res.Job, Deduped: res.Deduped}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body orchestrator.Status `json:"body"`
	}, error) {
		st, err := e.GetStatus(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state" enum:"queued,running,accepted,failed,cancelled" required:"false"`
		Platform string `query:"platform" required:"false"`
		Limit    int    `query:"limit" required:"false"`
		Cursor   string `query:"cursor" required:"false"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		f := repo.JobFilters{State: input.State, Platform: input.Platform, Limit: limit}
		if input.Cursor != "" {
			createdAt, id, err := decodeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt = createdAt
			f.CursorID = id
		}
		jobs, err := e.Repo.ListJobs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := JobListResponse{Jobs: jobs}
		if len(jobs) == limit {
			last := jobs[len(jobs)-1]
			out.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		job, err := e.Cancel(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"job_id": job.ID, "cancel_requested": true}}, nil
	})
}

func registerEvents(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string `query:"job_id" required:"false"`
		Type  string `query:"type" required:"false"`
		After int64  `query:"after" required:"false"`
		Limit int    `query:"limit" required:"false"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var err error
		var out EventListResponse
		if input.After > 0 {
			out.Events, err = e.Repo.EventsAfter(ctx, limit, input.After, input.JobID)
		} else {
			out.Events, err = e.Repo.LatestEvents(ctx, limit, input.JobID, input.Type, "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		if n := len(out.Events); n > 0 {
			out.NextCursor = out.Events[n-1].ID
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerMemories(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-memories",
		Method:      http.MethodGet,
		Path:        "/memories",
		Summary:     "Inspect creative memory",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type" enum:"hook,persona,emotion_curve" required:"false"`
		Platform string `query:"platform" required:"false"`
		Limit    int    `query:"limit" required:"false"`
	}) (*struct {
		Body MemoryListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		mems, err := e.Repo.ListMemories(ctx, repo.MemoryFilters{
			Type:     input.Type,
			Platform: input.Platform,
			Limit:    limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemoryListResponse `json:"body"`
		}{Body: MemoryListResponse{Memories: mems}}, nil
	})
}

func registerPolicies(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List platform policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyListResponse `json:"body"`
	}, error) {
		var out PolicyListResponse
		for _, platform := range e.Policies.Platforms() {
			pol, err := e.Policies.Get(platform)
			if err != nil {
				return nil, handleError(err)
			}
			out.Policies = append(out.Policies, toPolicyResponse(platform, pol))
		}
		return &struct {
			Body PolicyListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{platform}",
		Summary:     "Platform policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Platform string `path:"platform"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		pol, err := e.Policies.Get(input.Platform)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: toPolicyResponse(input.Platform, pol)}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ReelForge API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func toPolicyResponse(platform string, pol config.PlatformPolicy) PolicyResponse {
	return PolicyResponse{
		Platform:             platform,
		IdealDurationSeconds: pol.IdealDurationSeconds,
		HookWindowSeconds:    pol.HookWindowSeconds,
		LoopWeight:           pol.LoopWeight,
		Threshold:            pol.Threshold,
		PriorityMetrics:      pol.PriorityMetrics,
		DimensionWeights:     pol.DimensionWeights,
	}
}

func encodeCursor(createdAt, id string) string {
	return fmt.Sprintf("%s|%s", createdAt, id)
}

func decodeCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}
