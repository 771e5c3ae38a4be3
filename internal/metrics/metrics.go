// Package metrics provides Prometheus instrumentation for the wheel engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// ImportRows counts imported rows by outcome: accepted, duplicate, rejected.
	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheel_import_rows_total",
		Help: "Imported rows by outcome",
	}, []string{"result"})

	// ImportBatches counts import batches by kind (append, replace).
	ImportBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheel_import_batches_total",
		Help: "Import batches processed",
	}, []string{"kind"})

	// Rebuilds counts cycle reconstructions by resulting cycle status.
	Rebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheel_rebuilds_total",
		Help: "Cycle reconstructions by resulting status",
	}, []string{"status"})

	// RebuildLatency tracks load + replay + commit time for one cycle.
	RebuildLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wheel_rebuild_latency_seconds",
		Help:    "Cycle reconstruction latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// CyclesByStatus tracks stored cycles per status, refreshed by the sweep.
	CyclesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wheel_cycles",
		Help: "Number of cycles by status",
	}, []string{"status"})

	// UnappliedEvents tracks events awaiting review across all cycles.
	UnappliedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wheel_unapplied_events",
		Help: "Events with no valid transition, across all cycles",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wheel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wheel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wheel_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern labels by chi route pattern so cycle keys do not explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets the websocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
