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
	"github.com/sirupsen/logrus"

	"siteorder/internal/cart"
	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/engine/auth"
	"siteorder/internal/repo"
	"siteorder/internal/speech"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Transcriber and Synthesizer back the audio endpoints; nil disables them.
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Log         logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"Not assigned to this project"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"projectId\":\"proj-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the siteorder API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "server")
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
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, log))
	hcfg := huma.DefaultConfig("Siteorder API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOrders(group, cfg.Engine)
	registerFavorites(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerCart(group, cfg.Engine)
	registerCatalogue(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerVoice(router, basePath, voiceHandlers{
		engine:      cfg.Engine,
		transcriber: cfg.Transcriber,
		synthesizer: cfg.Synthesizer,
		log:         log,
	})
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", rec.status).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Debug("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"projectId": fe.ProjectID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", ve.Error(), map[string]any{"field": ve.Field})
	}
	var tl speech.TextTooLongError
	if errors.As(err, &tl) {
		return newAPIError(http.StatusBadRequest, "text_too_long", err.Error(), map[string]any{"length": tl.Length, "max": tl.Max})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrEmptyTranscript),
		errors.Is(err, speech.ErrEmptyText),
		errors.Is(err, speech.ErrEmptyAudio),
		errors.Is(err, cart.ErrInvalidPriority):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func priority(s string) domain.Priority {
	return domain.Priority(strings.ToLower(strings.TrimSpace(s)))
}

// projectFor picks the project of a request: the explicit value, then the
// X-Project-Id header, then the configured project.
func projectFor(ctx context.Context, e engine.Engine, explicit, header string) (string, huma.StatusError) {
	for _, v := range []string{explicit, header} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	if e.Config != nil && e.Config.Project.ID != "" {
		return e.Config.Project.ID, nil
	}
	return "", newAPIError(http.StatusBadRequest, "bad_request", "projectId is required", nil)
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
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
    <title>Siteorder API Docs</title>
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
      The audio endpoints under /voice are not listed here.
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
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current worker",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		projects, err := e.Access().Projects(ctx, principal.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			WorkerID: principal.WorkerID,
			Source:   principal.Source,
			Projects: nonNilSlice(projects),
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a worker JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		worker := strings.TrimSpace(input.Body.WorkerID)
		var ttl time.Duration
		if input.Body.TTL != "" {
			d, err := time.ParseDuration(input.Body.TTL)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid ttl", map[string]any{"ttl": input.Body.TTL})
			}
			ttl = d
		}
		token, exp, err := SignToken(authCfg.JWTSecret, worker, ttl, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Submit an order",
		Description:   "Prices items from the catalogue and auto-approves within the project threshold. A repeated Idempotency-Key returns the first receipt.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.OrderReceipt `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := make([]engine.OrderItemRequest, len(input.Body.Items))
		for i, it := range input.Body.Items {
			items[i] = engine.OrderItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
		}
		receipt, err := e.PlaceOrder(ctx, engine.OrderRequest{
			WorkerID:  worker,
			ProjectID: input.Body.ProjectID,
			Items:     items,
			Notes:     input.Body.Notes,
			Priority:  priority(input.Body.Priority),
			ClientRef: strings.TrimSpace(input.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrderReceipt `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerFavorites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-favorites",
		Method:      http.MethodGet,
		Path:        "/voice/favorites",
		Summary:     "Most used products of the worker",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"projectId"`
		Header    string `header:"X-Project-Id"`
	}) (*struct {
		Body FavoritesResponse `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID, perr := projectFor(ctx, e, input.ProjectID, input.Header)
		if perr != nil {
			return nil, perr
		}
		favs, err := e.Favorites(ctx, worker, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FavoritesResponse `json:"body"`
		}{Body: FavoritesResponse{Favorites: favs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-favorite",
		Method:      http.MethodPost,
		Path:        "/voice/favorites",
		Summary:     "Record product usage",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Header string                `header:"X-Project-Id"`
		Body   RecordFavoriteRequest `json:"body"`
	}) (*struct {
		Body RecordFavoriteResponse `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID, perr := projectFor(ctx, e, input.Body.ProjectID, input.Header)
		if perr != nil {
			return nil, perr
		}
		qty := input.Body.Quantity
		if qty < 1 {
			qty = 1
		}
		created, err := e.RecordFavorite(ctx, worker, projectID, input.Body.ProductID, qty)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordFavoriteResponse `json:"body"`
		}{Body: RecordFavoriteResponse{Success: true, Created: created}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "order-history",
		Method:      http.MethodGet,
		Path:        "/voice/order-history",
		Summary:     "Past orders, optionally narrowed by a spoken date reference",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"projectId"`
		DateRef   string `query:"dateRef" example:"last tuesday"`
		Limit     int    `query:"limit" default:"5" minimum:"1" maximum:"50"`
		Header    string `header:"X-Project-Id"`
	}) (*struct {
		Body OrderHistoryResponse `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID, perr := projectFor(ctx, e, input.ProjectID, input.Header)
		if perr != nil {
			return nil, perr
		}
		page, err := e.OrderHistory(ctx, engine.HistoryQuery{
			WorkerID:      worker,
			ProjectID:     projectID,
			DateReference: input.DateRef,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderHistoryResponse `json:"body"`
		}{Body: historyResponse(page)}, nil
	})
}

func registerCart(api huma.API, e engine.Engine) {
	type cartInput struct {
		ProjectID string `query:"projectId"`
		Header    string `header:"X-Project-Id"`
	}
	open := func(ctx context.Context, in *cartInput) (*cart.Session, string, huma.StatusError) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, "", authErr
		}
		projectID, perr := projectFor(ctx, e, in.ProjectID, in.Header)
		if perr != nil {
			return nil, "", perr
		}
		if err := e.Access().RequireAssignment(ctx, nil, projectID, worker); err != nil {
			return nil, "", handleError(err)
		}
		s, err := e.OpenCart(ctx, worker, projectID)
		if err != nil {
			return nil, "", handleError(err)
		}
		return s, worker, nil
	}
	reply := func(s *cart.Session, worker string) *struct {
		Body CartResponse `json:"body"`
	} {
		st := s.State()
		st.Items = nonNilSlice(st.Items)
		return &struct {
			Body CartResponse `json:"body"`
		}{Body: CartResponse{WorkerID: worker, Cart: st, TotalCents: s.Total()}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-cart",
		Method:      http.MethodGet,
		Path:        "/voice/cart",
		Summary:     "Server-side cart of the worker",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cartInput) (*struct {
		Body CartResponse `json:"body"`
	}, error) {
		s, worker, serr := open(ctx, input)
		if serr != nil {
			return nil, serr
		}
		return reply(s, worker), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-cart",
		Method:      http.MethodDelete,
		Path:        "/voice/cart",
		Summary:     "Empty the cart and reset note and priority",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *cartInput) (*struct {
		Body CartResponse `json:"body"`
	}, error) {
		s, worker, serr := open(ctx, input)
		if serr != nil {
			return nil, serr
		}
		if err := s.Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		return reply(s, worker), nil
	})
}

func registerCatalogue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/products",
		Summary:     "Project catalogue",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body ProductsResponse `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Access().RequireAssignment(ctx, nil, input.ProjectID, worker); err != nil {
			return nil, handleError(err)
		}
		products, err := e.Repo.ProjectProducts(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductsResponse `json:"body"`
		}{Body: ProductsResponse{Products: nonNilSlice(products)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project event log",
		Description: "Newest first; with after, events following that id oldest first.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		After     int64  `query:"after"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		worker, authErr := workerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Access().RequireAssignment(ctx, nil, input.ProjectID, worker); err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if input.After > 0 {
			items, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			for _, evt := range items {
				if input.Type != "" && evt.Type != input.Type {
					continue
				}
				resp.Items = append(resp.Items, eventResponse(evt))
			}
			if len(items) == input.Limit {
				resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
			}
		} else {
			items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{ProjectID: input.ProjectID, Type: input.Type, Limit: input.Limit})
			if err != nil {
				return nil, handleError(err)
			}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
			}
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
