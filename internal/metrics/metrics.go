// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// SignalsTotal counts raw signals emitted, partitioned by strategy and direction.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_total",
		Help: "Total raw signals emitted by strategies",
	}, []string{"strategy", "direction"})

	// ConflictsTotal counts decision cycles dropped by the conflict rule.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signal_conflicts_total",
		Help: "Decision cycles dropped because signals disagreed in direction",
	}, []string{"symbol"})

	// RejectionsTotal counts validation rejections by reason.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rejections_total",
		Help: "Intents rejected before execution",
	}, []string{"reason"})

	// DecisionLatency tracks the full signal-to-resolution cycle latency.
	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_decision_latency_seconds",
		Help:    "Decision cycle latency from collection to execution resolution",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"symbol"})

	// BreakerState publishes the circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	})

	// BreakerTripsTotal counts breaker trips by rule.
	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_breaker_trips_total",
		Help: "Circuit breaker trips",
	}, []string{"reason"})

	// OrdersTotal counts child orders submitted, by side and terminal status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Exchange child orders by terminal status",
	}, []string{"side", "status"})

	// OrderRetriesTotal counts transient-error retries on order submission.
	OrderRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_order_retries_total",
		Help: "Order submissions retried after transient errors",
	})

	// OpenPositions tracks currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Number of currently open positions",
	})

	// RealizedPnL tracks cumulative daily realized PnL in quote units.
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_daily_realized_pnl",
		Help: "Daily realized PnL in quote currency",
	})

	// FeedTradesTotal counts trade prints accepted vs deduplicated.
	FeedTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_feed_trades_total",
		Help: "Trade prints from the market data feed",
	}, []string{"result"}) // accepted | duplicate | malformed

	// HTTPRequestsTotal counts ops API requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks ops API request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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
