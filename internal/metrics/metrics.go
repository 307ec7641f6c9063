// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// LedgerEntries counts ledger postings by reference type and whether the
	// idempotency key had already been used.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_ledger_entries_total",
		Help: "Ledger entries recorded",
	}, []string{"reference_type", "duplicate"})

	// Executions counts tryExecuteOrder outcomes: filled, not_fillable,
	// rejected, already_committed, gated, failed.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_executions_total",
		Help: "Order execution attempts by outcome",
	}, []string{"outcome"})

	ExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "papertrade_execution_latency_seconds",
		Help:    "Execution transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// JournalTransitions counts WAL records reaching each status.
	JournalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_journal_transitions_total",
		Help: "Write-ahead journal records by status reached",
	}, []string{"status"})

	// Ticks counts price ticks by result: accepted, stale, invalid.
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_mtm_ticks_total",
		Help: "Price ticks seen by the MTM engine",
	}, []string{"result"})

	Revaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_mtm_revaluations_total",
		Help: "User revaluations performed",
	})

	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_mtm_flush_failures_total",
		Help: "Failed wallet flushes",
	})

	DirtyUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_mtm_dirty_users",
		Help: "Users waiting for a wallet flush",
	})

	TrackedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_mtm_tracked_users",
		Help: "Users held in the MTM cache",
	})

	LiquidationHandoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_liquidation_handoffs_total",
		Help: "Risk snapshots handed to the liquidation evaluator by account state",
	}, []string{"state"})

	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_feed_subscriptions",
		Help: "Instrument tokens subscribed on the price feed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack passes websocket upgrades through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
