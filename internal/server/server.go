package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"briefloop/internal/autopilot"
	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/metrics"
	"briefloop/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Machine  *autopilot.Machine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Debounce coalesces answer edits received over a WebSocket.
	Debounce time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: SENT -> DRAFT"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const briefUnavailable = "brief unavailable"

// New returns an HTTP handler exposing the briefloop API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Engine.Hub == nil {
		return nil, errors.New("engine has no subscription hub")
	}
	debounce := cfg.Debounce
	if debounce <= 0 && cfg.Engine.Config != nil {
		debounce = cfg.Engine.Config.Intake.Debounce
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
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("briefloop API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerStrategies(group, cfg.Engine)
	registerIntake(group, cfg.Engine)
	registerPublicBrief(group, cfg.Engine)
	if cfg.Machine != nil {
		registerCycle(group, cfg.Machine)
	}
	registerEvents(group, cfg.Engine)
	registerSockets(router, basePath, socketConfig{engine: cfg.Engine, debounce: debounce, logger: logger})
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrSecurityMismatch):
		return newAPIError(http.StatusNotFound, "not_found", briefUnavailable, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrLocked):
		return newAPIError(http.StatusConflict, "locked", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrUpstreamGeneration):
		return newAPIError(http.StatusBadGateway, "upstream_generation", msg, nil)
	case errors.Is(err, repo.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "record store unavailable", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// publicError hides why a public link failed to resolve.
func publicError(err error) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, engine.ErrSecurityMismatch) {
		return newAPIError(http.StatusNotFound, "not_found", briefUnavailable, nil)
	}
	return handleError(err)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	publicPrefix := path.Join("/", basePath, "public") + "/"
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if route == healthPath || strings.HasPrefix(route, publicPrefix) {
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
    <title>briefloop API Docs</title>
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
      Staff routes need Authorization: Bearer &lt;token&gt;. Public brief routes are keyed by the link token.
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-project",
		Method:      http.MethodPost,
		Path:        "/projects",
		Summary:     "Create project",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:             input.Body.ID,
			ClientID:       input.Body.ClientID,
			Name:           input.Body.Name,
			Sector:         input.Body.Sector,
			RotationPeriod: input.Body.RotationPeriod,
			ActorID:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
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
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-workflow-event",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/events",
		Summary:     "Apply a workflow event to a project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      WorkflowEventRequest `json:"body"`
	}) (*struct {
		Body struct {
			Project domain.Project `json:"project"`
			Moved   bool           `json:"moved"`
		} `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, moved, err := e.ApplyEvent(ctx, input.ProjectID, input.Body.Event, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Project domain.Project `json:"project"`
				Moved   bool           `json:"moved"`
			} `json:"body"`
		}{}
		out.Body.Project = p
		out.Body.Moved = moved
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-workflow",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/advance",
		Summary:     "Move a project to its next stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AdvanceStage(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerStrategies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-strategy",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/strategies",
		Summary:     "Draft a strategy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateStrategyRequest `json:"body"`
	}) (*struct {
		Body domain.Strategy `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStrategy(ctx, input.ProjectID, input.Body.Title, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Strategy `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-strategies",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/strategies",
		Summary:     "List strategies",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Strategy `json:"body"`
	}, error) {
		items, err := e.ListStrategies(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Strategy{}
		}
		return &struct {
			Body []domain.Strategy `json:"body"`
		}{Body: items}, nil
	})
}

type recordOutput struct {
	Body domain.IntakeRecord `json:"body"`
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-intake",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/intake",
		Summary:     "Create an intake record or reuse the open one",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateIntakeRequest `json:"body"`
	}) (*recordOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.CreateOrReuse(ctx, engine.IntakeRequest{
			ClientID:  input.Body.ClientID,
			ProjectID: input.ProjectID,
			Config: domain.IntakeConfig{
				SectorName:          input.Body.SectorName,
				DistributionContext: input.Body.DistributionContext,
				Channels:            input.Body.Channels,
			},
			Dispatch: input.Body.DispatchMethod,
			ActorID:  actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intake",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/intake",
		Summary:     "List intake records of a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" doc:"Comma separated statuses"`
	}) (*struct {
		Body IntakeList `json:"body"`
	}, error) {
		filter := repo.IntakeFilter{ProjectID: input.ProjectID}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				filter.Statuses = append(filter.Statuses, s)
			}
		}
		items, err := e.List(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.IntakeRecord{}
		}
		return &struct {
			Body IntakeList `json:"body"`
		}{Body: IntakeList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intake",
		Method:      http.MethodGet,
		Path:        "/intake/{token}",
		Summary:     "Get intake record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*recordOutput, error) {
		rec, err := e.Get(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-intake",
		Method:        http.MethodDelete,
		Path:          "/intake/{token}",
		Summary:       "Delete intake record",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct{}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.Token, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-intake-focus",
		Method:      http.MethodPost,
		Path:        "/intake/{token}/focus",
		Summary:     "Claim or release the editing focus",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string       `path:"token"`
		Body  FocusRequest `json:"body"`
	}) (*recordOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.Role
		if role == "" {
			role = domain.FocusAgency
		}
		var rec domain.IntakeRecord
		var err error
		if input.Body.Release {
			rec, err = e.ReleaseFocus(ctx, input.Token, role, actor)
		} else {
			rec, err = e.ClaimFocus(ctx, input.Token, role, actor)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-intake-answers",
		Method:      http.MethodPut,
		Path:        "/intake/{token}/answers",
		Summary:     "Replace all answers",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Token string         `path:"token"`
		Body  AnswersRequest `json:"body"`
	}) (*recordOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		answers, err := rawAnswers(input.Body.Answers)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rec, err := e.SaveAnswers(ctx, input.Token, answers, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-intake-answers",
		Method:      http.MethodPatch,
		Path:        "/intake/{token}/answers",
		Summary:     "Merge answers field by field",
		Description: "Each field is written unless a newer edit already landed. A null value removes the answer.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Token string              `path:"token"`
		Body  MergeAnswersRequest `json:"body"`
	}) (*recordOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var at time.Time
		if input.Body.At != "" {
			parsed, err := time.Parse(time.RFC3339Nano, input.Body.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at timestamp", map[string]any{"at": input.Body.At})
			}
			at = parsed
		}
		patch, err := rawAnswers(input.Body.Answers)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rec, err := e.MergeAnswers(ctx, input.Token, patch, at, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-intake",
		Method:      http.MethodPost,
		Path:        "/intake/{token}/validate",
		Summary:     "Complete and lock the intake record",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*recordOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Validate(ctx, input.Token, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-intake",
		Method:      http.MethodPost,
		Path:        "/intake/{token}/dispatch",
		Summary:     "Mark the record sent and build the mail composer link",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, mailto, err := e.Dispatch(ctx, input.Token, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{Record: rec, Mailto: mailto}}, nil
	})
}

func registerPublicBrief(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-brief",
		Method:      http.MethodGet,
		Path:        "/public/brief/{project_id}/{token}",
		Summary:     "Open a brief from its public link",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Token     string `path:"token"`
	}) (*struct {
		Body BriefResponse `json:"body"`
	}, error) {
		rec, form, err := e.Form(ctx, input.ProjectID, input.Token)
		if err != nil {
			return nil, publicError(err)
		}
		return &struct {
			Body BriefResponse `json:"body"`
		}{Body: BriefResponse{Record: rec, Form: form}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-brief-answers",
		Method:      http.MethodPut,
		Path:        "/public/brief/{project_id}/{token}/answers",
		Summary:     "Save the client's answers",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Token     string         `path:"token"`
		Body      AnswersRequest `json:"body"`
	}) (*recordOutput, error) {
		if _, err := e.Open(ctx, input.ProjectID, input.Token); err != nil {
			return nil, publicError(err)
		}
		answers, err := rawAnswers(input.Body.Answers)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rec, err := e.SaveAnswers(ctx, input.Token, answers, ClientActor)
		if err != nil {
			return nil, publicError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-brief-focus",
		Method:      http.MethodPost,
		Path:        "/public/brief/{project_id}/{token}/focus",
		Summary:     "Claim or release the client's editing focus",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Token     string       `path:"token"`
		Body      FocusRequest `json:"body"`
	}) (*recordOutput, error) {
		if _, err := e.Open(ctx, input.ProjectID, input.Token); err != nil {
			return nil, publicError(err)
		}
		var rec domain.IntakeRecord
		var err error
		if input.Body.Release {
			rec, err = e.ReleaseFocus(ctx, input.Token, domain.FocusClient, ClientActor)
		} else {
			rec, err = e.ClaimFocus(ctx, input.Token, domain.FocusClient, ClientActor)
		}
		if err != nil {
			return nil, publicError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-brief",
		Method:      http.MethodPost,
		Path:        "/public/brief/{project_id}/{token}/validate",
		Summary:     "Submit the brief",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Token     string `path:"token"`
	}) (*recordOutput, error) {
		if _, err := e.Open(ctx, input.ProjectID, input.Token); err != nil {
			return nil, publicError(err)
		}
		rec, err := e.Validate(ctx, input.Token, ClientActor)
		if err != nil {
			return nil, publicError(err)
		}
		return &recordOutput{Body: rec}, nil
	})
}

type cycleOutput struct {
	Body domain.CycleState `json:"body"`
}

func registerCycle(api huma.API, m *autopilot.Machine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycle",
		Summary:     "Current cycle state and log",
	}, func(ctx context.Context, _ *struct{}) (*cycleOutput, error) {
		st, err := m.State(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &cycleOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-cycle",
		Method:      http.MethodPost,
		Path:        "/cycle/advance",
		Summary:     "Advance the cycle one stage",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CycleAdvanceResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage, err := m.Advance(autopilot.WithActor(ctx, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleAdvanceResponse `json:"body"`
		}{Body: CycleAdvanceResponse{Stage: stage}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollover-cycle",
		Method:      http.MethodPost,
		Path:        "/cycle/rollover",
		Summary:     "Close the cycle and start the next one",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body RolloverRequest `json:"body,omitempty" required:"false"`
	}) (*cycleOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := m.Rollover(autopilot.WithActor(ctx, actor), autopilot.RolloverOptions{SkipRetrospective: input.Body.SkipRetrospective})
		if err != nil {
			return nil, handleError(err)
		}
		return &cycleOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-cycle",
		Method:      http.MethodPost,
		Path:        "/cycle/toggle",
		Summary:     "Enable or disable the autopilot",
	}, func(ctx context.Context, input *struct {
		Body ToggleRequest `json:"body"`
	}) (*cycleOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := m.Toggle(autopilot.WithActor(ctx, actor), input.Body.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &cycleOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-cycle-metrics",
		Method:      http.MethodPut,
		Path:        "/cycle/metrics",
		Summary:     "Record the previous period metrics",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MetricsRequest `json:"body"`
	}) (*cycleOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, err := json.Marshal(input.Body.Metrics)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		st, err := m.RecordMetrics(autopilot.WithActor(ctx, actor), data)
		if err != nil {
			return nil, handleError(err)
		}
		return &cycleOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-retrospectives",
		Method:      http.MethodGet,
		Path:        "/cycle/retrospectives",
		Summary:     "List retrospectives, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body RetrospectiveList `json:"body"`
	}, error) {
		items, err := m.Retrospectives(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Retrospective{}
		}
		return &struct {
			Body RetrospectiveList `json:"body"`
		}{Body: RetrospectiveList{Items: items}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,strategy,intake,cycle"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
