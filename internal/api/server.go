package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
	"github.com/JakeFAU/doris-feishu-pusher/internal/feishu"
	"github.com/JakeFAU/doris-feishu-pusher/internal/metrics"
	pubmemory "github.com/JakeFAU/doris-feishu-pusher/internal/publisher/memory"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	"github.com/JakeFAU/doris-feishu-pusher/internal/scheduler"
)

// Scheduler is the part of the cron scheduler the API reads and keeps in sync.
type Scheduler interface {
	Running() bool
	Schedule(task push.Task) error
	Unschedule(taskID string)
	Entries() []scheduler.Entry
}

// TextSender delivers ad-hoc Feishu text messages.
type TextSender interface {
	SendText(ctx context.Context, target feishu.Target, text string) error
}

// EventLog lists recently published run events, newest first.
type EventLog interface {
	Recent(limit int) []pubmemory.PublishedMessage
}

// QueueDepth reports how many runs wait for a worker.
type QueueDepth interface {
	Len() int
}

// Deps are the collaborators the HTTP handlers call into. Events and Queue
// are optional.
type Deps struct {
	Store     push.Repository
	Submitter push.Submitter
	Scheduler Scheduler
	Querier   push.Querier
	Feishu    TextSender
	Clock     push.Clock
	Events    EventLog
	Queue     QueueDepth
}

// Server wires HTTP handlers to the run pipeline and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(newCORS(cfg.CORS))
	if cfg.Server.RequestTimeoutSeconds > 0 {
		r.Use(s.timeoutMiddleware(time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second))
	}

	r.NotFound(s.handle(func(_ http.ResponseWriter, r *http.Request) error {
		return NewHTTPError(http.StatusNotFound, "not found: %s", r.URL.Path)
	}))
	r.MethodNotAllowed(s.handle(func(_ http.ResponseWriter, r *http.Request) error {
		return NewHTTPError(http.StatusMethodNotAllowed, "method %s not allowed on %s", r.Method, r.URL.Path)
	}))

	s.mountStatic(r)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}
	r.Route("/api", s.mountAPI)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// recoverMiddleware routes panics into the 500 error tier.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.internalError(w, r, fmt.Errorf("panic: %v", rec), zap.Stack("stack"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware puts a deadline on the request context. Handlers that
// return after the deadline without writing get a 503 HTTPError.
func (s *Server) timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			tw := &trackingWriter{ResponseWriter: w}
			r = r.WithContext(ctx)
			next.ServeHTTP(tw, r)
			if !tw.wrote && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.writeError(w, r, NewHTTPError(http.StatusServiceUnavailable, "request timed out after %s", d))
			}
		})
	}
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) success(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, map[string]any{"status": "success", "data": data})
}
