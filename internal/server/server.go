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

	"mizan/internal/catalog"
	"mizan/internal/domain"
	"mizan/internal/engine"
	"mizan/internal/engine/auth"
	"mizan/internal/errs"
	"mizan/internal/lineage"
	"mizan/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dangling_reference"`
	Message string         `json:"message" example:"risk references an inactive control"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mizan API. The context bounds the
// background webhook dispatcher; cancelling it stops event delivery.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Mizan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerFeeds(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Engine)

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

// handleError maps engine errors to the envelope. The pipeline error
// taxonomy drives the code field so clients can branch without parsing
// messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve errs.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var de errs.DanglingReferenceError
	if errors.As(err, &de) {
		return newAPIError(http.StatusUnprocessableEntity, "dangling_reference", err.Error(), map[string]any{
			"kind":       de.Kind,
			"ref_id":     de.RefID,
			"control_id": de.ControlID,
		})
	}
	var ge errs.GateRejected
	if errors.As(err, &ge) {
		return newAPIError(http.StatusConflict, "gate_rejected", err.Error(), map[string]any{"phase_id": ge.PhaseID})
	}
	var xe errs.ExternalFailure
	if errors.As(err, &xe) {
		return newAPIError(http.StatusBadGateway, "external_failure", err.Error(), map[string]any{"op": xe.Op})
	}
	var fe auth.ForbiddenGateError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"desk_id": fe.DeskID})
	}
	var ie errs.InvariantViolation
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "invariant_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, catalog.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Mizan API Docs</title>
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

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog-list",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List catalog controls",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body catalogResponse `json:"body"`
	}, error) {
		return &struct {
			Body catalogResponse `json:"body"`
		}{Body: catalogResponse{Version: e.Catalog.Version, Controls: e.Catalog.All()}}, nil
	})

	type controlPath struct {
		ControlID string `path:"control_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "catalog-get",
		Method:      http.MethodGet,
		Path:        "/catalog/{control_id}",
		Summary:     "Show one catalog control",
	}, func(ctx context.Context, input *controlPath) (*struct {
		Body controlResponse `json:"body"`
	}, error) {
		ctrl, err := e.Catalog.Get(input.ControlID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body controlResponse `json:"body"`
		}{Body: controlResponse{Control: ctrl}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-submit",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Submit a pipeline run for a deal",
	}, func(ctx context.Context, input *struct {
		Body submitRunRequest `json:"body"`
	}) (*struct {
		Body runResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.SubmitRun(ctx, engine.SubmitOptions{
			DeskID:  input.Body.DeskID,
			Deal:    input.Body.Deal,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runResponse `json:"body"`
		}{Body: runResponse{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-list",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		DeskID string `query:"desk_id"`
		DealID string `query:"deal_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body runListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.RunFilters{
			DeskID: input.DeskID,
			DealID: input.DealID,
			Status: input.Status,
			Limit:  limit + 1,
		}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "malformed cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		runs, err := e.Repo.ListRuns(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := runListResponse{}
		if len(runs) > limit {
			runs = runs[:limit]
			last := runs[len(runs)-1]
			resp.NextCursor = last.CreatedAt + "|" + last.ID
		}
		resp.Runs = runs
		return &struct {
			Body runListResponse `json:"body"`
		}{Body: resp}, nil
	})

	type runPath struct {
		RunID string `path:"run_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "run-get",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Show a run with its phases",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body runResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runResponse `json:"body"`
		}{Body: runResponse{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-cancel",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body runResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CancelRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runResponse `json:"body"`
		}{Body: runResponse{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-controls",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/controls",
		Summary:     "Show the run's activated control set",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body activatedControlsResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		controls, err := controlsFromRun(run)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body activatedControlsResponse `json:"body"`
		}{Body: activatedControlsResponse{
			RunID:          run.ID,
			CatalogVersion: run.CatalogVersion,
			Controls:       controls,
		}}, nil
	})
}

// controlsFromRun extracts the control-designer output from a run's phases.
func controlsFromRun(run domain.WorkflowExecution) ([]domain.ActivatedControl, error) {
	for _, phase := range run.Phases {
		if phase.ID != "control-designer" {
			continue
		}
		if phase.Status != domain.PhaseCompleted || phase.OutputJSON == nil {
			return nil, errs.ValidationError{Field: "run_id", Message: "control designer has not completed for this run"}
		}
		var out struct {
			Controls []domain.ActivatedControl `json:"controls"`
		}
		if err := json.Unmarshal([]byte(*phase.OutputJSON), &out); err != nil {
			return nil, err
		}
		return out.Controls, nil
	}
	return nil, repo.ErrNotFound
}

func registerGates(api huma.API, e engine.Engine) {
	type GatePath struct {
		RunID   string `path:"run_id"`
		PhaseID string `path:"phase_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "gate-decide",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/gates/{phase_id}",
		Summary:     "Approve or reject a pending gate",
	}, func(ctx context.Context, input *struct {
		GatePath
		Body gateDecisionRequest `json:"body"`
	}) (*struct {
		Body runResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.ResolveGate(ctx, engine.GateDecision{
			RunID:    input.RunID,
			PhaseID:  input.PhaseID,
			Approve:  input.Body.Approve,
			ActorID:  actorID,
			Feedback: input.Body.Feedback,
			Reason:   input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runResponse `json:"body"`
		}{Body: runResponse{Run: run}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type runPath struct {
		RunID string `path:"run_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "run-tasks",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/tasks",
		Summary:     "List tasks published by a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body taskListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskListResponse `json:"body"`
		}{Body: taskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-lineage",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/lineage",
		Summary:     "Resolve lineage for every task of a run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body runLineageResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		chains, err := lineage.Tracker{Repo: e.Repo}.ResolveRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runLineageResponse `json:"body"`
		}{Body: runLineageResponse{Chains: chains}}, nil
	})

	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-lineage",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/lineage",
		Summary:     "Resolve the provenance chain for one task",
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body lineageResponse `json:"body"`
	}, error) {
		chain, err := e.Lineage(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body lineageResponse `json:"body"`
		}{Body: lineageResponse{Chain: chain}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "event-list",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		RunID      string `query:"run_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body eventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.RunID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventListResponse `json:"body"`
		}{Body: eventListResponse{Events: evts}}, nil
	})
}

func registerFeeds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "feed-import",
		Method:      http.MethodPost,
		Path:        "/feeds",
		Summary:     "Import an obligation feed",
	}, func(ctx context.Context, input *struct {
		Body feedImportRequest `json:"body"`
	}) (*struct {
		Body feedImportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		regulator, err := e.ImportFeed(ctx, []byte(input.Body.PayloadYAML), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body feedImportResponse `json:"body"`
		}{Body: feedImportResponse{Regulator: regulator}}, nil
	})
}
