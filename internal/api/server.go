package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/controller"
	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultExportLimit  = 100
	requestTimeout      = 60 * time.Second
)

// Options tunes the handlers.
type Options struct {
	// Self is the local peer id, used as initiator of URLs stacked via the API.
	Self string
	// FetchTimeout bounds POST /v1/fetch when the request names none.
	FetchTimeout time.Duration
	// ExportLimit caps how many URLs one peer may take per feed request.
	ExportLimit int
	// Events serves GET /v1/events; the route answers 404 when nil.
	Events RecentEvents
}

// RecentEvents lists the newest worker task events.
type RecentEvents interface {
	Recent(limit int) []progress.Event
}

// Server wires HTTP handlers to the crawl queues.
type Server struct {
	router  chi.Router
	queues  *controller.CrawlQueues
	stacker crawler.Stacker
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queues *controller.CrawlQueues, stacker crawler.Stacker, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.ExportLimit <= 0 {
		opts.ExportLimit = defaultExportLimit
	}
	s := &Server{
		queues:  queues,
		stacker: stacker,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/frontier", s.frontierStats)
		r.Get("/workers", s.workers)
		r.Get("/events", s.events)
		r.Put("/caution", s.setCaution)
		r.Post("/fetch", s.fetch)
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
		})
		r.Route("/urls", func(r chi.Router) {
			r.Post("/", s.stackURL)
			r.Route("/{hash}", func(r chi.Router) {
				r.Get("/", s.getURL)
				r.Delete("/", s.removeURL)
				r.Post("/delegate", s.delegateURL)
			})
		})
	})
	r.Post("/yacy/urls.xml", s.remoteCrawlFeed)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestIDKey struct{}

// RequestID returns the id requestIDMiddleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
