// Package metrics provides Prometheus instrumentation for the match engine.
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
	// ActiveMatches tracks matches with a live session.
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockguessr_active_matches",
		Help: "Number of matches with a running session",
	})

	// PhaseTransitions counts scheduler transitions by the phase entered.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockguessr_phase_transitions_total",
		Help: "Round phase transitions, partitioned by phase entered",
	}, []string{"phase"})

	// TradesTotal counts settled trades by action and kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockguessr_trades_total",
		Help: "Total number of settled trades",
	}, []string{"action", "kind"})

	// TradeRejections counts rejected intents by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockguessr_trade_rejections_total",
		Help: "Trade intents rejected, partitioned by reason",
	}, []string{"reason"})

	// TradeLatency tracks time spent settling one intent.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockguessr_trade_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"action"})

	// MatchesCompleted counts matches that reached the completed phase.
	MatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockguessr_matches_completed_total",
		Help: "Matches that ended, partitioned by outcome",
	}, []string{"outcome"})

	// PersistenceFailures counts match results that could not be saved.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockguessr_result_persistence_failures_total",
		Help: "Match results that failed to persist",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockguessr_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WebSocketRateLimited counts inbound frames dropped by the per-client limiter.
	WebSocketRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockguessr_websocket_rate_limited_total",
		Help: "Inbound WebSocket messages dropped by rate limiting",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockguessr_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockguessr_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers chi's matched pattern over the raw path to keep
// label cardinality bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
