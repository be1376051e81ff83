package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appsubs "github.com/tsgfulfillment/questionnaire-api/internal/application/submissions"
	notifydom "github.com/tsgfulfillment/questionnaire-api/internal/domain/notifyerrors"
	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
	"github.com/tsgfulfillment/questionnaire-api/internal/middleware"
)

type Router struct {
	svc *appsubs.Service
	log *zap.SugaredLogger
}

// NewRouter mounts the intake endpoint, the admin read surface, and the ops
// endpoints. The submit endpoint is public; admin routes require an API key.
func NewRouter(svc *appsubs.Service, log *zap.SugaredLogger, corsOrigins []string, apiKeys map[string]string, checkers map[string]middleware.HealthChecker) http.Handler {
	rt := &Router{svc: svc, log: log}
	mux := chi.NewRouter()

	if len(corsOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	mux.Use(middleware.LoggingMiddleware(log))
	mux.Use(middleware.MetricsMiddleware)

	mux.Get("/health", middleware.HealthHandler(checkers))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Group(func(g chi.Router) {
		g.Use(middleware.RateLimitMiddleware(20, 5))
		g.Post("/submit", rt.wrap(rt.handleSubmit))
		g.Post("/submit/", rt.wrap(rt.handleSubmit))
	})

	if len(apiKeys) > 0 {
		mux.Route("/admin", func(ar chi.Router) {
			ar.Use(middleware.APIKeyAuth(apiKeys))
			ar.Use(rt.logOperator)
			ar.Get("/submissions", rt.wrap(rt.handleList))
			ar.Get("/submissions/{id}", rt.wrap(rt.handleGet))
			ar.Get("/submissions/{id}/errors", rt.wrap(rt.handleNotifyErrors))
		})
	}

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// logOperator records which operator touched the admin surface. Runs after
// APIKeyAuth, so the operator name is always present in the context.
func (rt *Router) logOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rt.log.Infow("admin access",
			"operator", middleware.GetOperatorFromContext(req.Context()),
			"method", req.Method,
			"path", req.URL.Path,
		)
		next.ServeHTTP(w, req)
	})
}

// badRequestError carries a client-safe message for a 400 response.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

// wrap maps error kinds to statuses with sanitized messages. Internal error
// text is logged, never returned to the client.
func (rt *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var badReq *badRequestError
		switch {
		case errors.Is(err, domain.ErrInvalidJSON):
			writeError(w, http.StatusBadRequest, "Invalid JSON data")
		case errors.As(err, &badReq):
			writeError(w, http.StatusBadRequest, badReq.msg)
		case errors.Is(err, sql.ErrNoRows):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, domain.ErrPersistence), errors.Is(err, domain.ErrBlob):
			rt.log.Errorw("submission storage failed", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to store submission")
		default:
			rt.log.Errorw("request failed", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /submit/
// Accepts JSON, urlencoded, or multipart bodies with fields email,
// questionnaire_data, and (multipart only) file.
func (rt *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	cmd, err := parseSubmitRequest(req)
	if err != nil {
		middleware.IncrementSubmissionsFailed()
		return err
	}

	res, err := rt.svc.Submit(req.Context(), cmd)
	if err != nil {
		middleware.IncrementSubmissionsFailed()
		return err
	}

	middleware.IncrementSubmissions()
	return writeJSON(w, http.StatusCreated, res)
}

func parseSubmitRequest(req *http.Request) (appsubs.SubmitCommand, error) {
	var cmd appsubs.SubmitCommand

	mediaType := req.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}

	switch {
	case mediaType == "multipart/form-data":
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			return cmd, &badRequestError{msg: "malformed multipart body"}
		}
		cmd.Email = middleware.SanitizeString(req.FormValue("email"))

		data, err := parseDataString(req.FormValue("questionnaire_data"))
		if err != nil {
			return cmd, err
		}
		cmd.Data = data

		file, header, err := req.FormFile("file")
		switch {
		case err == nil:
			name, err := middleware.SanitizeFilename(header.Filename)
			if err != nil {
				return cmd, &badRequestError{msg: "invalid file name"}
			}
			cmd.File = file
			cmd.FileName = name
			cmd.FileType = header.Header.Get("Content-Type")
			cmd.FileSize = header.Size
		case errors.Is(err, http.ErrMissingFile):
			// file is optional
		default:
			return cmd, &badRequestError{msg: "malformed file upload"}
		}

	case mediaType == "application/x-www-form-urlencoded":
		if err := req.ParseForm(); err != nil {
			return cmd, &badRequestError{msg: "malformed form body"}
		}
		cmd.Email = middleware.SanitizeString(req.FormValue("email"))

		data, err := parseDataString(req.FormValue("questionnaire_data"))
		if err != nil {
			return cmd, err
		}
		cmd.Data = data

	default:
		var body struct {
			Email             string          `json:"email"`
			QuestionnaireData json.RawMessage `json:"questionnaire_data"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return cmd, domain.ErrInvalidJSON
		}
		cmd.Email = middleware.SanitizeString(body.Email)

		data, err := parseRawData(body.QuestionnaireData)
		if err != nil {
			return cmd, err
		}
		cmd.Data = data
	}

	return cmd, nil
}

// parseDataString handles form fields, where questionnaire_data is always a
// JSON-encoded string.
func parseDataString(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, domain.ErrInvalidJSON
	}
	return data, nil
}

// parseRawData handles JSON bodies, where questionnaire_data may arrive
// either as an object or as a JSON-encoded string that itself contains JSON.
func parseRawData(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, domain.ErrInvalidJSON
	}
	if s, ok := data.(string); ok {
		return parseDataString(s)
	}
	return data, nil
}

// GET /admin/submissions?page=&page_size=&email=&search=&since=&until=
func (rt *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	size := middleware.ValidateLimit(atoiDefault(req.URL.Query().Get("page_size")))

	filters := map[string]interface{}{}
	if email := strings.TrimSpace(req.URL.Query().Get("email")); email != "" {
		filters[domain.FilterEmail] = email
	}
	if search := middleware.SanitizeString(req.URL.Query().Get("search")); search != "" {
		filters[domain.FilterSearch] = search
	}
	since, err := middleware.ParseDate(req.URL.Query().Get("since"))
	if err != nil {
		return &badRequestError{msg: err.Error()}
	}
	until, err := middleware.ParseDate(req.URL.Query().Get("until"))
	if err != nil {
		return &badRequestError{msg: err.Error()}
	}
	filters = domain.SinceUntil(filters, since, until)

	list, err := rt.svc.List(req.Context(), page, size, filters)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /admin/submissions/{id}
func (rt *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := parseID(req)
	if err != nil {
		return err
	}
	sub, err := rt.svc.Get(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, sub)
}

// GET /admin/submissions/{id}/errors
func (rt *Router) handleNotifyErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := parseID(req)
	if err != nil {
		return err
	}
	limit := middleware.ValidateLimit(atoiDefault(req.URL.Query().Get("limit")))
	list, err := rt.svc.NotifyErrors(req.Context(), id, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*notifydom.NotifyError{}
	}
	return writeJSON(w, http.StatusOK, list)
}

func parseID(req *http.Request) (domain.SubmissionID, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{msg: "invalid submission id"}
	}
	return domain.SubmissionID(id), nil
}

func atoiDefault(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
