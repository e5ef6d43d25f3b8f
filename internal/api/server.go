package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/frontier"
	"github.com/JakeFAU/recoverable-crawler/internal/metrics"
)

// StatsSource reports combined store counts.
type StatsSource interface {
	Stats(ctx context.Context) (crawler.Stats, error)
}

// Seeder adds seed URLs to the frontier.
type Seeder interface {
	Seed(ctx context.Context, rawURL, task string, depth, priority int) (int64, error)
}

// TaskLister lists registered task names.
type TaskLister interface {
	Names() []string
}

// Config holds seed defaults.
type Config struct {
	DefaultTask     string
	DefaultDepth    int
	DefaultPriority int
	RequestTimeout  time.Duration
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	stats  StatsSource
	seeder Seeder
	tasks  TaskLister
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(stats StatsSource, seeder Seeder, tasks TaskLister, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		stats:  stats,
		seeder: seeder,
		tasks:  tasks,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/tasks", s.listTasks)
		r.Post("/seeds", s.submitSeeds)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.stats.Stats(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	names := s.tasks.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tasks": names})
}

type seedRequest struct {
	URLs     []string `json:"urls"`
	Task     string   `json:"task"`
	Depth    *int     `json:"depth"`
	Priority *int     `json:"priority"`
}

type seedResult struct {
	URL        string `json:"url"`
	ResourceID int64  `json:"resource_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) submitSeeds(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	task := req.Task
	if task == "" {
		task = s.cfg.DefaultTask
	}
	depth := valueOrDefault(req.Depth, s.cfg.DefaultDepth)
	priority := valueOrDefault(req.Priority, s.cfg.DefaultPriority)

	results := make([]seedResult, 0, len(req.URLs))
	status := http.StatusAccepted
	for _, raw := range req.URLs {
		id, err := s.seeder.Seed(r.Context(), raw, task, depth, priority)
		if err != nil {
			code := seedErrorStatus(err)
			if code == http.StatusInternalServerError {
				s.logger.Error("seed failed", zap.String("url", raw), zap.Error(err))
			}
			if code > status {
				status = code
			}
			results = append(results, seedResult{URL: raw, Error: err.Error()})
			continue
		}
		results = append(results, seedResult{URL: raw, ResourceID: id})
	}
	writeJSON(w, status, map[string]any{"task": task, "seeds": results})
}

func seedErrorStatus(err error) int {
	var urlErr *url.Error
	switch {
	case errors.Is(err, crawler.ErrUnknownTask),
		errors.Is(err, frontier.ErrNotAbsolute),
		errors.As(err, &urlErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
