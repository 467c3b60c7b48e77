// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
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
	// TradesPlaced counts admitted trades, partitioned by direction.
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_placed_total",
		Help: "Total number of trades admitted",
	}, []string{"direction"})

	// PlacementRejections counts rejected placements by reason.
	PlacementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_placement_rejections_total",
		Help: "Trade placements rejected before admission",
	}, []string{"reason"})

	// Settlements counts terminal transitions by outcome and actor kind
	// ("system" or "admin").
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_settlements_total",
		Help: "Trades moved to a terminal state",
	}, []string{"outcome", "actor"})

	// SettlementLag tracks settled-at minus expires-at for scheduled settlements.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_settlement_lag_seconds",
		Help:    "Delay between trade expiry and settlement commit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// PriceRetries counts failed price fetches that were retried.
	PriceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_price_retries_total",
		Help: "Price oracle lookups retried during settlement",
	})

	// ClaimsLost counts settlement attempts that found the trade already claimed.
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_claims_lost_total",
		Help: "Settlement attempts that lost the claim race",
	})

	// PersistenceFailures counts settlement commits that failed and were left
	// for the recovery sweep.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_persistence_failures_total",
		Help: "Settlement commits that could not be recorded",
	})

	// PendingExpiries tracks the size of the scheduler's expiry index.
	PendingExpiries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pending_expiries",
		Help: "Trades waiting in the expiry index",
	})

	// StuckTrades tracks trades past their grace period without settlement.
	StuckTrades = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_stuck_trades",
		Help: "Trades past expiry plus grace that are not terminal",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ActorKind collapses an actor id to a low-cardinality label.
func ActorKind(actor string) string {
	if actor == "system" {
		return "system"
	}
	return "admin"
}

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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
