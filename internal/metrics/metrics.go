// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EvaluationsTotal counts vault evaluations by outcome
	// (healthy, liquidatable, error).
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_margin_evaluations_total",
		Help: "Total number of vault evaluations",
	}, []string{"outcome"})

	// EvaluationLatency tracks end-to-end evaluation time by operation.
	EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_margin_evaluation_latency_seconds",
		Help:    "Vault evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// IVSolves counts implied-volatility solves run by portfolio margin.
	IVSolves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_margin_iv_solves_total",
		Help: "Implied volatility solves performed",
	})

	// SettledPositions counts positions folded into collateral.
	SettledPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_margin_settled_positions_total",
		Help: "Positions removed by settlement",
	})

	// EngineErrors counts failed evaluations by error class.
	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_margin_engine_errors_total",
		Help: "Engine errors by class",
	}, []string{"class"})

	// PriceSnapshotAge is the age of the price snapshot at evaluation time.
	PriceSnapshotAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_margin_price_snapshot_age_seconds",
		Help: "Age of the latest price snapshot used for evaluation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps identity path params out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
