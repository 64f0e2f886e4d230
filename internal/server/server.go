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

	"storyline/internal/capability"
	"storyline/internal/engine"
	"storyline/internal/repo"
	"storyline/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"preconditions failed at designing: plan not ready"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerCapabilities(group, cfg.Engine)
	registerStories(group, cfg.Engine)
	registerRounds(group, cfg.Engine)
	registerStream(router, basePath, cfg.Engine)
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

// handleError maps engine failures onto status codes. Blocked advances are
// 422, illegal or conflicting state is 409, missing capabilities are 503.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pre engine.PreconditionError
	if errors.As(err, &pre) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(),
			map[string]any{"stage": pre.Stage, "problems": pre.Problems})
	}
	var post engine.PostconditionError
	if errors.As(err, &post) {
		return newAPIError(http.StatusUnprocessableEntity, "postcondition_failed", err.Error(),
			map[string]any{"stage": post.Stage, "problems": post.Problems})
	}
	var capErr engine.CapabilityError
	if errors.As(err, &capErr) {
		return newAPIError(http.StatusServiceUnavailable, "capability_unavailable", err.Error(),
			map[string]any{"stage": capErr.Stage, "problems": capErr.Problems})
	}
	var tr engine.TransitionError
	if errors.As(err, &tr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "task_running", err.Error(),
			map[string]any{"round_id": conflict.RoundID, "task": conflict.TaskName})
	}
	var exec engine.ExecutionError
	if errors.As(err, &exec) {
		return newAPIError(http.StatusInternalServerError, "execution_failed", err.Error(),
			map[string]any{"stage": exec.Stage})
	}
	if errors.Is(err, capability.ErrNotConfigured) {
		return newAPIError(http.StatusServiceUnavailable, "capability_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
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
	case http.StatusServiceUnavailable:
		return "capability_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Storyline API Docs</title>
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

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := e.CreateProject(ctx, input.Body.Name, input.Body.RepoURL, input.Body.Description)
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
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerCapabilities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-capability-overrides",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/capabilities",
		Summary:     "List capability overrides",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []CapabilityOverrideResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCapabilityOverrides(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CapabilityOverrideResponse `json:"body"`
		}{Body: mapOverrides(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-capability-override",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/capabilities/{capability}",
		Summary:     "Set capability override",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                    `path:"project_id"`
		Capability string                    `path:"capability"`
		Body       CapabilityOverrideRequest `json:"body"`
	}) (*struct {
		Body CapabilityOverrideResponse `json:"body"`
	}, error) {
		ov, err := e.SetCapabilityOverride(ctx, input.ProjectID, input.Capability,
			input.Body.Provider, input.Body.Settings, input.Body.Disabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapabilityOverrideResponse `json:"body"`
		}{Body: overrideResponse(ov)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-capability-override",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/capabilities/{capability}",
		Summary:     "Delete capability override",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Capability string `path:"capability"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteCapabilityOverride(ctx, input.ProjectID, input.Capability); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capability-health",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/capabilities/{capability}/health",
		Summary:     "Check capability health",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Capability string `path:"capability"`
		Force      bool   `query:"force"`
	}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		status, err := e.Caps.Health(ctx, capability.Name(input.Capability), input.ProjectID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: healthResponse(input.Capability, status)}, nil
	})
}

func registerStories(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.RawInput) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "raw_input is required", nil)
		}
		s, err := e.CreateStory(ctx, input.ProjectID, input.Body.Title, input.Body.RawInput)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stories",
		Summary:     "List stories",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `query:"stage"`
	}) (*struct {
		Body []StoryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStories(ctx, input.ProjectID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StoryResponse `json:"body"`
		}{Body: mapStories(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/advance",
		Summary:     "Advance story",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string               `path:"story_id"`
		Body    stage.AdvancePayload `json:"body"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		res, err := e.Advance(ctx, input.StoryID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: advanceResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/rollback",
		Summary:     "Roll back story",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string          `path:"story_id"`
		Body    RollbackRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.Rollback(ctx, input.StoryID, input.Body.Mode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/stop",
		Summary:     "Stop background work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body StopResponse `json:"body"`
	}, error) {
		stopped, err := e.Stop(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopResponse `json:"body"`
		}{Body: StopResponse{Stopped: stopped}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "story-preflight",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/preflight",
		Summary:     "Preflight capability report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body PreflightResponse `json:"body"`
	}, error) {
		report, err := e.Preflight(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreflightResponse `json:"body"`
		}{Body: preflightResponse(report)}, nil
	})
}

func registerRounds(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rounds",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/rounds",
		Summary:     "List rounds",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body []RoundResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetStory(ctx, input.StoryID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRounds(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoundResponse `json:"body"`
		}{Body: mapRounds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-round-messages",
		Method:      http.MethodGet,
		Path:        "/rounds/{round_id}/messages",
		Summary:     "List round messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoundID  string `path:"round_id"`
		AfterSeq int64  `query:"after_seq"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRound(ctx, input.RoundID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMessages(ctx, input.RoundID, input.AfterSeq)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-round-pull-requests",
		Method:      http.MethodGet,
		Path:        "/rounds/{round_id}/pull-requests",
		Summary:     "List round pull requests",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoundID string `path:"round_id"`
	}) (*struct {
		Body []PullRequestResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRound(ctx, input.RoundID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPullRequests(ctx, input.RoundID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PullRequestResponse `json:"body"`
		}{Body: mapPullRequests(items)}, nil
	})
}
