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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"expectline/internal/domain"
	"expectline/internal/engine"
	"expectline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_permitted_at_level"`
	Message string         `json:"message" example:"not permitted at this level"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expectation_id\":\"3f2c\"}"`
}

// apiError is the error envelope every operation returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the expectation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Expectline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExpectations(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerInjects(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.ExpectationID != "" {
			details["expectation_id"] = ve.ExpectationID
		}
		if ve.Role != "" {
			details["role"] = string(ve.Role)
		}
		if len(details) == 0 {
			details = nil
		}
		if ve.NotPermittedAtLevel() {
			return newAPIError(http.StatusUnprocessableEntity, "not_permitted_at_level", err.Error(), details)
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var ie engine.IntegrityError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "integrity_fault", "expectation could not be placed in its hierarchy", map[string]any{
			"expectation_id": ie.ExpectationID,
			"inject_id":      ie.InjectID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", "concurrent update; retry the request", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Expectline API Docs</title>
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

func registerExpectations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-expectations",
		Method:      http.MethodGet,
		Path:        "/expectations",
		Summary:     "List expectations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InjectID     string `query:"inject_id"`
		Type         string `query:"type"`
		AgentID      string `query:"agent_id"`
		AssetID      string `query:"asset_id"`
		AssetGroupID string `query:"asset_group_id"`
		UserID       string `query:"user_id"`
		TeamID       string `query:"team_id"`
		Resolved     string `query:"resolved" enum:"true,false"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedExpectations `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.ExpectationFilters{
			InjectID:        input.InjectID,
			Type:            input.Type,
			AgentID:         input.AgentID,
			AssetID:         input.AssetID,
			AssetGroupID:    input.AssetGroupID,
			UserID:          input.UserID,
			TeamID:          input.TeamID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Resolved != "" {
			resolved := input.Resolved == "true"
			filter.Resolved = &resolved
		}
		items, err := e.ListExpectations(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedExpectations{Items: []ExpectationResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = mapExpectations(items)
		return &struct {
			Body paginatedExpectations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-expectation",
		Method:      http.MethodGet,
		Path:        "/expectations/{id}",
		Summary:     "Get expectation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		exp, err := e.GetExpectation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-expectations",
		Method:        http.MethodPost,
		Path:          "/expectations",
		Summary:       "Create the expectations of an inject",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.BuildRequest
	}) (*struct {
		Body expectationList `json:"body"`
	}, error) {
		created, err := e.BuildExpectations(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body expectationList `json:"body"`
		}{Body: expectationList{Items: mapExpectations(created)}}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-observation",
		Method:      http.MethodPut,
		Path:        "/expectations/{id}/results/{source_id}",
		Summary:     "Record a technical observation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		SourceID string `path:"source_id"`
		Body     ObservationRequest
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		exp, err := e.RecordTechnicalObservation(ctx, input.ID, input.Body.observation(input.SourceID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-verdict",
		Method:      http.MethodPut,
		Path:        "/expectations/{id}/verdict",
		Summary:     "Grade a human-response expectation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body VerdictRequest
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		source := input.Body.Source
		if source == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			source = actorID
		}
		exp, err := e.RecordHumanVerdict(ctx, input.ID, source, input.Body.Score)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-record-observations",
		Method:      http.MethodPost,
		Path:        "/expectations/results:bulk",
		Summary:     "Record many technical observations in one pass",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body BulkObservationRequest
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		batch := make(map[string]engine.Observation, len(input.Body.Items))
		for _, item := range input.Body.Items {
			if item.ExpectationID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "expectation_id is required", nil)
			}
			if _, dup := batch[item.ExpectationID]; dup {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "duplicate expectation in batch", map[string]any{"expectation_id": item.ExpectationID})
			}
			batch[item.ExpectationID] = item.ObservationRequest.observation(item.SourceID)
		}
		if err := e.BulkRecordTechnicalObservations(ctx, batch); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"recorded": len(batch)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-result",
		Method:      http.MethodDelete,
		Path:        "/expectations/{id}/results/{source_id}",
		Summary:     "Remove one source's result",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		SourceID string `path:"source_id"`
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		exp, err := e.DeleteResult(ctx, input.ID, input.SourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-expired",
		Method:      http.MethodPost,
		Path:        "/expectations/sweep",
		Summary:     "Expire overdue technical expectations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest
	}) (*struct {
		Body sweepResponse `json:"body"`
	}, error) {
		types := domain.TechnicalTypes
		if input.Body.Type != "" {
			types = []domain.ExpectationType{domain.ExpectationType(input.Body.Type)}
		}
		resp := sweepResponse{Reports: []engine.SweepReport{}}
		for _, t := range types {
			report, err := e.SweepExpired(ctx, engine.SweepOptions{
				Type:          t,
				CutoffMinutes: input.Body.CutoffMinutes,
				SourceID:      input.Body.SourceID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			resp.Reports = append(resp.Reports, report)
		}
		return &struct {
			Body sweepResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerInjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "delete-inject-expectations",
		Method:      http.MethodDelete,
		Path:        "/injects/{inject_id}/expectations",
		Summary:     "Delete every expectation of an inject",
	}, func(ctx context.Context, input *struct {
		InjectID string `path:"inject_id"`
	}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		n, err := e.DeleteInjectExpectations(ctx, input.InjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"deleted": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-signature",
		Method:        http.MethodPost,
		Path:          "/injects/{inject_id}/agents/{agent_id}/signatures",
		Summary:       "Record an execution start or end marker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InjectID string `path:"inject_id"`
		AgentID  string `path:"agent_id"`
		Body     SignatureRequest
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		sig, err := e.RecordSignature(ctx, domain.Signature{
			InjectID: input.InjectID,
			AgentID:  input.AgentID,
			Kind:     domain.SignatureKind(input.Body.Kind),
			At:       input.Body.At,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signatures",
		Method:      http.MethodGet,
		Path:        "/injects/{inject_id}/signatures",
		Summary:     "List execution markers of an inject",
	}, func(ctx context.Context, input *struct {
		InjectID string `path:"inject_id"`
	}) (*struct {
		Body signatureList `json:"body"`
	}, error) {
		sigs, err := e.Repo.ListSignatures(ctx, input.InjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if sigs == nil {
			sigs = []domain.Signature{}
		}
		return &struct {
			Body signatureList `json:"body"`
		}{Body: signatureList{Items: sigs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inject-events",
		Method:      http.MethodGet,
		Path:        "/injects/{inject_id}/events",
		Summary:     "List recent events of an inject",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InjectID string `path:"inject_id"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
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
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			InjectID: input.InjectID,
			Type:     input.Type,
			EntityID: input.EntityID,
			Cursor:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
