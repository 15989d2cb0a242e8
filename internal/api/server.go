package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/config"
	"github.com/JakeFAU/runprogress/internal/metrics"
	"github.com/JakeFAU/runprogress/internal/policy/ratelimit"
	"github.com/JakeFAU/runprogress/internal/runstate"
	"github.com/JakeFAU/runprogress/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readinessTimeout      = 2 * time.Second
)

// RunController starts, inspects and cancels runs.
type RunController interface {
	StartRun(ctx context.Context) (runstate.Snapshot, error)
	CurrentProgress() runstate.Snapshot
	CancelRun() error
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Options carries the optional collaborators of a Server.
type Options struct {
	Auth config.AuthConfig
	// History backs /v1/runs; nil makes those routes answer 503.
	History store.RunRepository
	// Metrics instruments every request when set.
	Metrics *metrics.HTTP
	// MetricsHandler serves /metrics; defaults to the global Prometheus handler.
	MetricsHandler http.Handler
	Ready          ReadinessCheck
	// StartLimiter throttles POST /v1/run per client address when set.
	StartLimiter   *ratelimit.Limiter
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the run coordinator and run history.
type Server struct {
	router  chi.Router
	runs    RunController
	history *HistoryHandler
	ready   ReadinessCheck
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunController, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = metrics.Handler(nil)
	}
	s := &Server{
		runs:    runs,
		history: NewHistoryHandler(opts.History, opts.Logger),
		ready:   opts.Ready,
		metrics: opts.MetricsHandler,
		logger:  opts.Logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(opts.Logger))
	r.Use(recoverMiddleware(opts.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.Auth.Enabled {
		r.Use(apiKeyMiddleware(opts.Auth.APIKey, opts.Logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.serveMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/run", func(r chi.Router) {
			r.With(startLimitMiddleware(opts.StartLimiter, opts.Logger)).Post("/", s.startRun)
			r.Get("/", s.currentProgress)
			r.Post("/cancel", s.cancelRun)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.history.ListRuns)
			r.Get("/{run_id}", s.history.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(s.logger, w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.ServeHTTP(w, r)
}

// statusClientClosedRequest reports a sync run aborted because the caller went
// away before it settled.
const statusClientClosedRequest = 499

// startRun handles POST /v1/run. A run still in flight answers 409 with the
// current snapshot. In sync execution the response waits for the run to
// settle and the request context acts as its cancellation token. A run aborted
// by that context answers 499, or 408 on deadline, with the settled snapshot.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.StartRun(r.Context())
	switch {
	case errors.Is(err, runstate.ErrAlreadyRunning):
		writeJSON(s.logger, w, http.StatusConflict, map[string]any{
			"error": runstate.ErrAlreadyRunning.Error(),
			"run":   snap,
		})
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status := statusClientClosedRequest
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Info("run aborted with request", zap.String("run_id", snap.RunID), zap.Error(err))
		writeJSON(s.logger, w, status, map[string]any{
			"error": "run aborted",
			"run":   snap,
		})
		return
	case err != nil:
		s.logger.Error("start run failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to start run")
		return
	}
	status := http.StatusAccepted
	if !snap.Running {
		status = http.StatusOK
	}
	writeJSON(s.logger, w, status, map[string]any{"run": snap})
}

func (s *Server) currentProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": s.runs.CurrentProgress()})
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if err := s.runs.CancelRun(); err != nil {
		if errors.Is(err, runstate.ErrNotRunning) {
			writeError(s.logger, w, http.StatusConflict, runstate.ErrNotRunning.Error())
			return
		}
		s.logger.Error("cancel run failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": s.runs.CurrentProgress()})
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

// RequestID returns the request identifier assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
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
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func startLimitMiddleware(limiter *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			if !limiter.Allow(client) {
				logger.Warn("run start throttled", zap.String("client", client), zap.String("request_id", RequestID(r.Context())))
				w.Header().Set("Retry-After", "1")
				writeError(logger, w, http.StatusTooManyRequests, "too many run starts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(logger, w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Int("status", status), zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
