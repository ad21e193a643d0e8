package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"truecoding/internal/domain"
	"truecoding/internal/engine"
	"truecoding/internal/engine/auth"
	"truecoding/internal/migrate"
	"truecoding/internal/repo"
	"truecoding/internal/stream"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// DevLogin exposes POST /auth/dev/login. Never enable it in production.
	DevLogin bool
	Logger   *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"ux\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the run orchestrator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Every huma error, including request validation, renders as {"error":{...}}.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are the caller's input, not a prerequisite.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthenticator(basePath, cfg.Auth, cfg.Engine.Repo).middleware)
	hcfg := huma.DefaultConfig("Truecoding API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: cfg.logger()}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerProjects(group, h)
	registerRuns(group, h)
	registerRunControl(group, h)
	registerStream(group, h)
	if cfg.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine engine.Engine
	logger *log.Logger
}

// fail maps err to the envelope, logging anything that becomes a 500.
func (h handlers) fail(err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() == http.StatusInternalServerError {
		h.logger.Printf("server: internal error: %v", err)
	}
	return se
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

// handleError maps domain errors 1:1 to a status and a stable code.
// Internal failures never leak their message.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", "caller does not own this project", map[string]any{"project_id": fe.ProjectID})
	}
	var pe engine.PrerequisiteError
	if errors.As(err, &pe) {
		var details map[string]any
		if len(pe.Missing) > 0 {
			details = map[string]any{"missing": pe.Missing}
		}
		return newAPIError(http.StatusUnprocessableEntity, "prerequisite_not_met", pe.Error(), details)
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", te.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, auth.ErrProjectNotFound):
		return newAPIError(http.StatusNotFound, "project_not_found", "project not found", nil)
	case errors.Is(err, engine.ErrRunNotFound):
		return newAPIError(http.StatusNotFound, "run_not_found", "run not found", nil)
	case errors.Is(err, engine.ErrIterationNotFound):
		return newAPIError(http.StatusNotFound, "iteration_not_found", "iteration not found", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, engine.ErrInvalidPlan):
		return newAPIError(http.StatusBadRequest, "invalid_plan", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, engine.ErrExecutionDisabled):
		return newAPIError(http.StatusConflict, "execution_disabled", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRecoverable):
		return newAPIError(http.StatusConflict, "run_not_recoverable", err.Error(), nil)
	case errors.Is(err, engine.ErrRunActive):
		return newAPIError(http.StatusConflict, "run_active", err.Error(), nil)
	case errors.Is(err, engine.ErrRunNotRunning):
		return newAPIError(http.StatusConflict, "run_not_running", err.Error(), nil)
	case errors.Is(err, migrate.ErrSchemaNotApplied):
		return newAPIError(http.StatusServiceUnavailable, "migration_required", "database schema is not applied; run `tc migrate`", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
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
    <title>Truecoding API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, errUnauthenticated()
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerProjects(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-plan",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/plans/{kind}",
		Summary:     "Record a business, technical or ux plan",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Kind      string         `path:"kind" enum:"business,technical,ux"`
		Body      SetPlanRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectPlan `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		content := rawBodyMap(ctx)["content"]
		if len(content) == 0 || isNullRaw(content) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "content is required", nil)
		}
		plan, err := e.SetPlan(ctx, input.ProjectID, actorID, domain.PlanKind(input.Kind), content)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.ProjectPlan `json:"body"`
		}{Body: plan}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type runPath struct {
	ProjectID string `path:"project_id"`
	RunID     string `path:"run_id"`
}

func registerRuns(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "start-run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs",
		Summary:     "Start a development run, or return the active one",
		Description: "Returns 201 with the new run, or 200 with already_active=true when the project already has an active run.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      *StartRunRequest `json:"body" required:"false"`
	}) (*StartRunOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := rawBodyMap(ctx)
		res, err := e.CreateRun(ctx, engine.StartRunInput{
			ProjectID:  input.ProjectID,
			CallerID:   actorID,
			Assessment: nonNullRaw(raw["assessment"]),
			Iterations: nonNullRaw(raw["iterations"]),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		out := &StartRunOutput{Status: http.StatusCreated}
		if res.AlreadyActive {
			out.Status = http.StatusOK
		}
		out.Body = StartRunResponse{Run: runView(e, res.Run), AlreadyActive: res.AlreadyActive}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List the most recent runs",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		runs, err := e.ListRuns(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.RunView `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.GetRun(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.RunView `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/iterations",
		Summary:     "List iterations with their gate results",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body IterationListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		its, err := e.ListIterations(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body IterationListResponse `json:"body"`
		}{Body: IterationListResponse{Items: nonNil(its)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/events",
		Summary:     "Read the run's event log after a sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evts, err := e.ListEvents(ctx, input.ProjectID, input.RunID, actorID, input.After, input.Limit)
		if err != nil {
			return nil, h.fail(err)
		}
		page := EventPage{Items: nonNil(evts), NextAfter: input.After}
		if n := len(evts); n > 0 {
			page.NextAfter = evts[n-1].Sequence
		}
		return &struct {
			Body EventPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerRunControl(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "checkpoint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/iterations/{index}/checkpoint",
		Summary:     "Pause, resume or approve a run at an iteration",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		RunID     string            `path:"run_id"`
		Index     int               `path:"index"`
		Body      CheckpointRequest `json:"body"`
	}) (*struct {
		Body engine.CheckpointResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Checkpoint(ctx, engine.CheckpointInput{
			ProjectID:      input.ProjectID,
			RunID:          input.RunID,
			CallerID:       actorID,
			IterationIndex: input.Index,
			Action:         engine.CheckpointAction(input.Body.Action),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.CheckpointResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/recover",
		Summary:     "Re-dispatch a stalled run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.RecoverResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Recover(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.RecoverResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/retry",
		Summary:     "Retry a failed run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.RunView `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Retry(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.RunView `json:"body"`
		}{Body: runView(e, run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/cancel",
		Summary:     "Cancel a run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		RunID     string         `path:"run_id"`
		Body      *CancelRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.RunView `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = strings.TrimSpace(input.Body.Reason)
		}
		run, err := e.Cancel(ctx, input.ProjectID, input.RunID, actorID, reason)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body engine.RunView `json:"body"`
		}{Body: runView(e, run)}, nil
	})
}

func registerStream(api huma.API, h handlers) {
	e := h.engine
	gw := stream.Gateway{Source: stream.RepoSource{Repo: e.Repo}, Logger: h.logger}
	if e.Config != nil {
		gw.Interval = e.Config.Stream.PollInterval
		gw.BatchSize = e.Config.Stream.BatchSize
	}
	huma.Register(api, huma.Operation{
		OperationID: "stream-run",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/stream",
		Summary:     "Stream run events as server-sent events",
		Description: "Frames carry `id: <sequence>` and `event: <event_type>`. The stream ends with a `done` frame once the run is terminal, or an `error` frame.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		RunID       string `path:"run_id"`
		After       string `query:"after"`
		LastEventID string `header:"Last-Event-ID"`
	}) (*huma.StreamResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		after, err := parseCursor(input.After, input.LastEventID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
		}
		run, err := e.AuthorizeRun(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, h.fail(err)
		}
		cursor, err := gw.StartCursor(ctx, run.ID, after)
		if err != nil {
			return nil, h.fail(err)
		}
		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				hctx.SetHeader("Content-Type", "text/event-stream")
				hctx.SetHeader("Cache-Control", "no-cache")
				hctx.SetHeader("Connection", "keep-alive")
				hctx.SetHeader("X-Accel-Buffering", "no")
				hctx.SetStatus(http.StatusOK)
				sink := newSSESink(hctx.BodyWriter())
				if err := sink.comment("stream " + run.ID); err != nil {
					return
				}
				if err := gw.Serve(hctx.Context(), run.ID, cursor, sink); err != nil {
					h.logger.Printf("server: stream %s ended: %v", run.ID, err)
				}
			},
		}, nil
	})
}

// parseCursor prefers the explicit query cursor over Last-Event-ID.
func parseCursor(query, lastEventID string) (int64, error) {
	raw := strings.TrimSpace(query)
	name := "after"
	if raw == "" {
		raw = strings.TrimSpace(lastEventID)
		name = "Last-Event-ID"
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		issuer, err := newTokenIssuer(authCfg)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		token, err := issuer.issue(actor, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func runView(e engine.Engine, run domain.DevelopmentRun) engine.RunView {
	return engine.RunView{DevelopmentRun: run, IsStale: e.IsStale(run)}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// rawBodyMap keeps untyped fields as raw JSON so the plan validator sees
// exactly what the caller sent.
func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func nonNullRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || isNullRaw(raw) {
		return nil
	}
	return raw
}
