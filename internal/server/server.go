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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"filmdesk/internal/domain"
	"filmdesk/internal/engine"
	"filmdesk/internal/inventory"
	"filmdesk/internal/repo"
	"filmdesk/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task status transition scheduled -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"scheduled\",\"to\":\"completed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Filmdesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Filmdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerClients(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerInterventions(group, cfg.Engine)
	registerMaterials(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startNotifier(cfg.Engine)

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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var ite status.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": string(ite.From),
			"to":   string(ite.To),
		})
	}
	var pe status.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"value": pe.Value})
	}
	var aie engine.ActiveInterventionError
	if errors.As(err, &aie) {
		return newAPIError(http.StatusConflict, "active_intervention", err.Error(), map[string]any{
			"task_id":         aie.TaskID,
			"intervention_id": aie.InterventionID,
		})
	}
	var ive engine.InterventionTerminalError
	if errors.As(err, &ive) {
		return newAPIError(http.StatusConflict, "intervention_terminal", err.Error(), map[string]any{
			"intervention_id": ive.InterventionID,
			"status":          ive.Status,
		})
	}
	var soe engine.StepOutOfOrderError
	if errors.As(err, &soe) {
		return newAPIError(http.StatusUnprocessableEntity, "step_out_of_order", err.Error(), map[string]any{
			"step":     soe.Step,
			"blocking": soe.Blocking,
		})
	}
	var mse engine.MandatoryStepsError
	if errors.As(err, &mse) {
		return newAPIError(http.StatusUnprocessableEntity, "mandatory_steps_incomplete", err.Error(), map[string]any{
			"missing": mse.Missing,
		})
	}
	var ise inventory.InsufficientStockError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_stock", err.Error(), map[string]any{
			"current": ise.Current,
			"delta":   ise.Delta,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	// anything else may carry storage or driver text; log it here and keep
	// the response opaque
	log.Printf("server: internal error: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
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
    <title>Filmdesk API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "shop-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Shop status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilter{})
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		low, err := e.LowStock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"shop_id":     e.Config.Shop.ID,
			"task_counts": counts,
			"low_stock":   low,
		}}, nil
	})
}

func registerClients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Create client",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c, err := e.CreateClient(ctx, engine.ClientCreateOptions{
			ID:           deref(input.Body.ID),
			Name:         input.Body.Name,
			Phone:        input.Body.Phone,
			Email:        input.Body.Email,
			VehiclePlate: input.Body.VehiclePlate,
			VehicleModel: input.Body.VehicleModel,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Client `json:"body"`
	}, error) {
		items, err := e.Repo.ListClients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Client `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-client",
		Method:      http.MethodGet,
		Path:        "/clients/{client_id}",
		Summary:     "Get client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClientID string `path:"client_id"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		c, err := e.Repo.GetClient(ctx, input.ClientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             deref(input.Body.ID),
			Title:          input.Body.Title,
			Priority:       input.Body.Priority,
			TechnicianID:   deref(input.Body.TechnicianID),
			ClientID:       deref(input.Body.ClientID),
			Workflow:       input.Body.Workflow,
			ScheduledStart: deref(input.Body.ScheduledStart),
			ScheduledEnd:   deref(input.Body.ScheduledEnd),
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
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		TechnicianID string `query:"technician_id"`
		ClientID     string `query:"client_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if input.Status != "" {
			if _, err := status.ParseTaskStatus(input.Status); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilter{
			Status:       input.Status,
			TechnicianID: input.TechnicianID,
			ClientID:     input.ClientID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:             input.TaskID,
			Title:          input.Body.Title,
			Priority:       input.Body.Priority,
			TechnicianID:   input.Body.TechnicianID,
			ClientID:       input.Body.ClientID,
			ScheduledStart: input.Body.ScheduledStart,
			ScheduledEnd:   input.Body.ScheduledEnd,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Transition task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   TransitionTaskRequest `json:"body"`
	}) (*struct {
		Body TaskTransitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		res, err := e.TransitionTask(ctx, input.TaskID, input.Body.Status, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskTransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.TaskHistory `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTaskHistory(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskHistory `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerInterventions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-intervention",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/interventions",
		Summary:       "Start intervention",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                   `path:"task_id"`
		Body   StartInterventionRequest `json:"body"`
	}) (*struct {
		Body InterventionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		technicianID := input.Body.TechnicianID
		if technicianID == "" {
			if actor, authErr := actorIDFromContext(ctx); authErr == nil {
				technicianID = actor
			}
		}
		iv, steps, err := e.StartIntervention(ctx, engine.StartInterventionOptions{
			TaskID:       input.TaskID,
			TechnicianID: technicianID,
			Workflow:     input.Body.Workflow,
			Steps:        stepSpecs(input.Body.Steps),
			Materials:    plannedMaterials(input.Body.Materials),
			Observations: input.Body.Observations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterventionResponse `json:"body"`
		}{Body: interventionResponse(iv, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-intervention",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/interventions/active",
		Summary:     "Active intervention for task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body InterventionResponse `json:"body"`
	}, error) {
		iv, steps, err := e.ActiveInterventionByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterventionResponse `json:"body"`
		}{Body: interventionResponse(iv, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-interventions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/interventions",
		Summary:     "List interventions for task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.Intervention `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListInterventionsByTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Intervention `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intervention",
		Method:      http.MethodGet,
		Path:        "/interventions/{intervention_id}",
		Summary:     "Get intervention",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InterventionID string `path:"intervention_id"`
	}) (*struct {
		Body InterventionResponse `json:"body"`
	}, error) {
		iv, steps, err := e.GetIntervention(ctx, input.InterventionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterventionResponse `json:"body"`
		}{Body: interventionResponse(iv, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-intervention",
		Method:      http.MethodPatch,
		Path:        "/interventions/{intervention_id}",
		Summary:     "Update intervention data",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InterventionID string                    `path:"intervention_id"`
		Body           UpdateInterventionRequest `json:"body"`
	}) (*struct {
		Body InterventionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		iv, err := e.UpdateIntervention(ctx, engine.InterventionUpdateOptions{
			ID:           input.InterventionID,
			Observations: input.Body.Observations,
			Photos:       input.Body.Photos,
			CompleteStep: input.Body.CompleteStep,
			StepNotes:    input.Body.StepNotes,
			Materials:    plannedMaterials(input.Body.Materials),
		})
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, iv.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterventionResponse `json:"body"`
		}{Body: interventionResponse(iv, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-intervention",
		Method:      http.MethodPost,
		Path:        "/interventions/{intervention_id}/finalize",
		Summary:     "Finalize intervention",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InterventionID string                      `path:"intervention_id"`
		Body           FinalizeInterventionRequest `json:"body"`
	}) (*struct {
		Body InterventionResponse `json:"body"`
	}, error) {
		iv, err := e.FinalizeIntervention(ctx, engine.FinalizeInterventionOptions{
			ID:           input.InterventionID,
			Observations: input.Body.Observations,
			Photos:       input.Body.Photos,
			Satisfaction: input.Body.Satisfaction,
			Quality:      input.Body.Quality,
			Signature:    input.Body.Signature,
		})
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, iv.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterventionResponse `json:"body"`
		}{Body: interventionResponse(iv, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-intervention",
		Method:      http.MethodDelete,
		Path:        "/interventions/{intervention_id}",
		Summary:     "Delete intervention",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		InterventionID string `path:"intervention_id"`
	}) (*struct{}, error) {
		if err := e.DeleteIntervention(ctx, input.InterventionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMaterials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-material",
		Method:        http.MethodPost,
		Path:          "/materials",
		Summary:       "Create material",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMaterialRequest `json:"body"`
	}) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireRole(ctx, RoleManager); err != nil {
			return nil, handleError(err)
		}
		m, err := e.CreateMaterial(ctx, engine.MaterialCreateOptions{
			ID:           deref(input.Body.ID),
			Name:         input.Body.Name,
			Type:         input.Body.Type,
			Unit:         input.Body.Unit,
			InitialStock: input.Body.InitialStock,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/materials",
		Summary:     "List materials",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Material `json:"body"`
	}, error) {
		items, err := e.Repo.ListMaterials(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Material `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-material",
		Method:      http.MethodGet,
		Path:        "/materials/{material_id}",
		Summary:     "Get material",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MaterialID string `path:"material_id"`
	}) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		m, err := e.Repo.GetMaterial(ctx, input.MaterialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-stock",
		Method:      http.MethodPost,
		Path:        "/materials/{material_id}/adjust",
		Summary:     "Adjust stock level",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MaterialID string             `path:"material_id"`
		Body       AdjustStockRequest `json:"body"`
	}) (*struct {
		Body domain.Material `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireRole(ctx, RoleManager); err != nil {
			return nil, handleError(err)
		}
		m, err := e.AdjustStock(ctx, input.MaterialID, input.Body.Delta, "manual", "", input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Material `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "material-movements",
		Method:      http.MethodGet,
		Path:        "/materials/{material_id}/movements",
		Summary:     "Stock movement ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MaterialID string `path:"material_id"`
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.InventoryMovement `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMaterial(ctx, input.MaterialID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.ListMovements(ctx, input.MaterialID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InventoryMovement `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-stock",
		Method:      http.MethodGet,
		Path:        "/materials/reconcile",
		Summary:     "Reconcile stock against the movement ledger",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.StockReconciliation `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleManager); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ReconcileStock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.StockReconciliation `json:"body"`
		}{Body: items}, nil
	})
}
