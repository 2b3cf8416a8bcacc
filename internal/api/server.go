package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/clock/system"
	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/id/uuid"
	"github.com/JakeFAU/extraction-supervisor/internal/metrics"
	"github.com/JakeFAU/extraction-supervisor/internal/statscache"
	"github.com/JakeFAU/extraction-supervisor/internal/supervisor"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readinessTimeout      = 2 * time.Second
	requestIDHeader       = "X-Request-ID"
	apiKeyHeader          = "X-API-Key"
)

// Service is the supervisor surface the handlers drive.
type Service interface {
	GetAllProgress(ctx context.Context, userID string) ([]supervisor.View, error)
	GetProgress(ctx context.Context, key extraction.Key) (supervisor.View, error)
	StartExtraction(ctx context.Context, key extraction.Key, totalItems *int64) (extraction.Record, error)
	Heartbeat(ctx context.Context, key extraction.Key, hb extraction.Heartbeat) (extraction.Record, error)
	CompleteExtraction(ctx context.Context, key extraction.Key, at time.Time) (extraction.Record, error)
	FailExtraction(ctx context.Context, key extraction.Key, message string, at time.Time) (extraction.Record, error)
	PauseExtraction(ctx context.Context, key extraction.Key) (extraction.Record, error)
	ResetProgress(ctx context.Context, key extraction.Key, clearDownstream bool) (extraction.Record, error)
	ResetStaleExtractions(ctx context.Context) (supervisor.SweepReport, error)
	Summarize(ctx context.Context) (supervisor.Summary, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the server.
type Config struct {
	// APIKey guards /v1 when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// StatsTTL is how long /v1/admin/stats serves a cached summary.
	StatsTTL time.Duration
	Clock    extraction.Clock
	// Readiness is pinged by /readyz; nil reports ready.
	Readiness Pinger
	// Metrics records request and sweep metrics when set.
	Metrics *metrics.Collectors
	// MetricsHandler serves /metrics; nil disables the route.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the supervisor.
type Server struct {
	router    chi.Router
	handler   http.Handler
	svc       Service
	stats     *statscache.Cache[supervisor.Summary]
	readiness Pinger
	metrics   *metrics.Collectors
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, errors.New("supervisor service is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:       svc,
		stats:     statscache.New[supervisor.Summary](cfg.StatsTTL, cfg.Clock),
		readiness: cfg.Readiness,
		metrics:   cfg.Metrics,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(s.apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/users/{user_id}/extractions", func(r chi.Router) {
			r.Get("/", s.listProgress)
			r.Route("/{source}", func(r chi.Router) {
				r.Get("/", s.getProgress)
				r.Post("/start", s.startExtraction)
				r.Post("/heartbeat", s.heartbeat)
				r.Post("/complete", s.completeExtraction)
				r.Post("/fail", s.failExtraction)
				r.Post("/pause", s.pauseExtraction)
				r.Post("/reset", s.resetProgress)
			})
		})
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", s.sweep)
			r.Get("/stats", s.summary)
		})
	})

	s.router = r
	s.handler = otelhttp.NewHandler(r, "extraction-supervisor",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s, nil
}

// Handler returns the traced router for use with http.Server. Spans use the
// global tracer provider.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// InvalidateStats drops the cached summary so the next stats request
// reloads it. Sweeps that run outside the API call it after recovering
// records.
func (s *Server) InvalidateStats() {
	s.stats.Invalidate()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.readiness.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if !uuid.Valid(reqID) {
			reqID = uuid.RequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		level := zap.DebugLevel
		if ww.status >= http.StatusInternalServerError {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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
