package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObservabilityConfig controls metric naming and request logging.
type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
}

// Observability carries the prometheus registry and the request middleware.
// Responses gain X-Request-ID (the chi request id, which doubles as the
// trace id on error bodies) and X-Process-Time.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry

	// Domain counters incremented by the handlers and workers.
	Reservations   *prometheus.CounterVec
	RateLimited    prometheus.Counter
	SweeperRelease prometheus.Counter
}

// NewObservability builds the registry and counters.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "flashsale"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "flashsale"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "reservations_total",
		Help:      "Reserve attempts segmented by outcome.",
	}, []string{"outcome"})
	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
	sweeperRelease := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "sweeper_released_total",
		Help:      "Reservations released by the expiry sweeper.",
	})
	registry.MustRegister(requests, durations, reservations, rateLimited, sweeperRelease)
	return &Observability{
		cfg:            cfg,
		logger:         logger,
		requests:       requests,
		durations:      durations,
		registry:       registry,
		Reservations:   reservations,
		RateLimited:    rateLimited,
		SweeperRelease: sweeperRelease,
	}
}

// Middleware records metrics and stamps the tracing headers.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				w.Header().Set("X-Request-ID", reqID)
			}
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: start}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
			if o.cfg.LogRequests {
				o.logger.Info("request",
					"method", r.Method, "path", r.URL.Path,
					"status", recorder.status, "duration_ms", duration*1000,
					"trace_id", chimw.GetReqID(r.Context()))
			}
		})
	}
}

// MetricsHandler serves the prometheus registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.wroteHeader = true
		s.status = code
		s.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(s.start).Seconds()))
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
