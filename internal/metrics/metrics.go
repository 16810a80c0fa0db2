// Package metrics provides Prometheus instrumentation for the challenge engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts submitted orders by side and terminal status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockquest_orders_total",
		Help: "Total number of orders submitted",
	}, []string{"side", "status"})

	// OrderLatency tracks order submission latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockquest_order_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ActiveSessions tracks the number of ACTIVE challenge sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockquest_active_sessions",
		Help: "Number of currently active challenge sessions",
	})

	// SessionsClosed counts session closes by outcome.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockquest_sessions_closed_total",
		Help: "Total sessions closed",
	}, []string{"outcome"}) // "closed", "forfeited", "auto"

	// LeaderboardRecomputes counts leaderboard recomputations by result.
	LeaderboardRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockquest_leaderboard_recomputes_total",
		Help: "Total leaderboard recomputations",
	}, []string{"result"})

	// LeaderboardDuration tracks recompute duration.
	LeaderboardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockquest_leaderboard_recompute_seconds",
		Help:    "Leaderboard recomputation duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockquest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockquest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockquest_http_request_duration_seconds",
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

		// Use the raw path for the label; id segments keep cardinality
		// bounded by the number of sessions, acceptable for this service.
		path := r.URL.Path
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
