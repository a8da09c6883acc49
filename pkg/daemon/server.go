package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/middleware"
	"github.com/afterdarksys/querycached/pkg/querycache"
)

const version = "0.1.0"

// Handler serves the admin API over an App.
type Handler struct {
	app     *App
	started time.Time
	limiter *middleware.RateLimiter
}

func NewHandler(app *App) *Handler {
	return &Handler{
		app:     app,
		started: time.Now(),
		limiter: middleware.NewRateLimiter(app.Config.Server.RefetchRate, app.Config.Server.RefetchBurst),
	}
}

// Close stops the refetch limiter.
func (h *Handler) Close() {
	h.limiter.Close()
}

// Routes builds the admin router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.observe)
	r.Use(middleware.SecureHeaders)
	r.Use(chimiddleware.Compress(5, "application/json"))

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.app.Metrics.Handler())
	r.Get("/cache/stats", h.handleCacheStats)
	r.Route("/queries/{key}", func(r chi.Router) {
		r.Get("/", h.handleQuery)
		// refetches hit the primary store
		r.With(h.limiter.Middleware, middleware.BodySizeLimiter(1<<10)).Post("/refetch", h.handleRefetch)
	})
	return r
}

// observe logs and counts every request by route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		h.app.Metrics.RecordRequest(r.Method, route, ww.Status(), time.Since(start))
		h.app.Logger.Debug("HTTP Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(h.started).Seconds(),
	})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tiers":      h.app.Chain.Stats(r.Context()),
		"precompute": h.app.Runner.Stats(),
	})
}

type queryResponse struct {
	Key         string   `json:"key"`
	Sort        string   `json:"sort"`
	Precomputed bool     `json:"precomputed"`
	IDs         []string `json:"ids"`
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) (*querycache.Query, bool) {
	q, err := h.app.Listings.FromKey(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return q, true
}

// handleQuery returns the cached ids of a listing. Responses carry a weak
// ETag so pollers can revalidate.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	if err := q.Fetch(r.Context(), false); err != nil {
		h.app.Logger.Warn("Failed to fetch query", zap.String("key", q.Key()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	h.writeQuery(w, r, q)
}

// handleRefetch recomputes a listing from the primary store.
func (h *Handler) handleRefetch(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	if err := q.Update(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, querycache.ErrNoStore) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.writeQuery(w, r, q)
}

func (h *Handler) writeQuery(w http.ResponseWriter, r *http.Request, q *querycache.Query) {
	body, err := json.Marshal(queryResponse{
		Key:         q.Key(),
		Sort:        q.Sort().String(),
		Precomputed: q.IsPrecomputed(),
		IDs:         nonNil(q.IDs()),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	etag := weakETag(body)
	w.Header().Set("ETag", etag)
	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func weakETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:])[:16])
}

func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
