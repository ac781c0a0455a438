package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Crank metrics collector.

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all crank metrics
type Collector struct {
	// Poll loop metrics
	PollsTotal        prometheus.Counter
	PollDuration      prometheus.Histogram
	ConsecutiveErrors prometheus.Gauge
	CircuitBreaker    prometheus.Gauge
	ServiceState      *prometheus.GaugeVec

	// Matching metrics
	MatchAttemptsTotal  prometheus.Counter
	MatchSuccessesTotal prometheus.Counter
	MatchFailuresTotal  *prometheus.CounterVec
	PriceMismatchTotal  prometheus.Counter
	PendingMatches      prometheus.Gauge
	OpenOrders          *prometheus.GaugeVec
	MatchDuration       prometheus.Histogram

	// RPC metrics
	RPCRequestsTotal *prometheus.CounterVec
	RPCLatency       *prometheus.HistogramVec
	RPCErrorsTotal   *prometheus.CounterVec

	// MPC metrics
	MPCComputationsTotal *prometheus.CounterVec
	MPCLatency           *prometheus.HistogramVec
	MPCTimeoutsTotal     prometheus.Counter
	MPCCallbackDupes     prometheus.Counter

	// Transaction metrics
	TxSubmittedTotal *prometheus.CounterVec
	TxConfirmedTotal *prometheus.CounterVec
	TxExpiredTotal   prometheus.Counter

	// Persistence metrics
	PendingOpsByStatus *prometheus.GaugeVec
	StaleLocksReleased prometheus.Counter
	LockAcquireFailed  *prometheus.CounterVec

	// Boundary validation
	ValidationErrors *prometheus.CounterVec

	// System metrics
	WalletBalance     prometheus.Gauge
	BlockhashAge      prometheus.Gauge
	WSReconnectsTotal prometheus.Counter
	SlotHeight        prometheus.Gauge

	// In-process mirrors of the matching counters. Prometheus counters
	// cannot be read back cheaply, and the status endpoint needs them.
	polls          atomic.Uint64
	matchAttempts  atomic.Uint64
	matchSuccesses atomic.Uint64
	matchFailures  atomic.Uint64
}

// MatchingSnapshot is the counter view served by the status endpoint.
type MatchingSnapshot struct {
	Polls          uint64 `json:"polls"`
	MatchAttempts  uint64 `json:"matchAttempts"`
	MatchSuccesses uint64 `json:"matchSuccesses"`
	MatchFailures  uint64 `json:"matchFailures"`
}

// Snapshot returns the current matching counters.
func (c *Collector) Snapshot() MatchingSnapshot {
	return MatchingSnapshot{
		Polls:          c.polls.Load(),
		MatchAttempts:  c.matchAttempts.Load(),
		MatchSuccesses: c.matchSuccesses.Load(),
		MatchFailures:  c.matchFailures.Load(),
	}
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	// Poll loop metrics
	c.PollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "poll",
			Name:      "total",
			Help:      "Total number of poll ticks executed",
		},
	)

	c.PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crank",
			Subsystem: "poll",
			Name:      "duration_ms",
			Help:      "Poll tick duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	c.ConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "poll",
			Name:      "consecutive_errors",
			Help:      "Current consecutive poll error count",
		},
	)

	c.CircuitBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "poll",
			Name:      "circuit_breaker_active",
			Help:      "1 when the circuit breaker is pausing the poll loop",
		},
	)

	c.ServiceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "service",
			Name:      "state",
			Help:      "1 for the current service state, 0 otherwise",
		},
		[]string{"state"},
	)

	// Matching metrics
	c.MatchAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "attempts_total",
			Help:      "Total match attempts started",
		},
	)

	c.MatchSuccessesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "successes_total",
			Help:      "Total matches settled on-chain",
		},
	)

	c.MatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "failures_total",
			Help:      "Total match attempts that failed",
		},
		[]string{"reason"},
	)

	c.PriceMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "price_mismatch_total",
			Help:      "Total candidates rejected by the compare-prices computation",
		},
	)

	c.PendingMatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "pending",
			Help:      "Number of matches currently in flight",
		},
	)

	c.OpenOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "orders",
			Name:      "open",
			Help:      "Number of matchable open orders",
		},
		[]string{"side"},
	)

	c.MatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crank",
			Subsystem: "matching",
			Name:      "duration_ms",
			Help:      "End-to-end match pipeline duration in milliseconds",
			Buckets:   []float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
	)

	// RPC metrics
	c.RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests by method",
		},
		[]string{"method"},
	)

	c.RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crank",
			Subsystem: "rpc",
			Name:      "latency_ms",
			Help:      "RPC request latency in milliseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"method"},
	)

	c.RPCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total RPC errors by method",
		},
		[]string{"method"},
	)

	// MPC metrics
	c.MPCComputationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "mpc",
			Name:      "computations_total",
			Help:      "Total MPC computations submitted",
		},
		[]string{"type"},
	)

	c.MPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crank",
			Subsystem: "mpc",
			Name:      "latency_ms",
			Help:      "Submit-to-finalization latency in milliseconds",
			Buckets:   []float64{1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"type"},
	)

	c.MPCTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "mpc",
			Name:      "timeouts_total",
			Help:      "Total MPC computations that expired unfinalized",
		},
	)

	c.MPCCallbackDupes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "mpc",
			Name:      "callback_duplicates_total",
			Help:      "Total replayed MPC callbacks suppressed by idempotency",
		},
	)

	// Transaction metrics
	c.TxSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "tx",
			Name:      "submitted_total",
			Help:      "Total transactions submitted",
		},
		[]string{"type"},
	)

	c.TxConfirmedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "tx",
			Name:      "confirmed_total",
			Help:      "Total transactions confirmed",
		},
		[]string{"type"},
	)

	c.TxExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "tx",
			Name:      "expired_total",
			Help:      "Total transactions whose blockhash expired before confirmation",
		},
	)

	// Persistence metrics
	c.PendingOpsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "store",
			Name:      "pending_ops",
			Help:      "Pending operations by status",
		},
		[]string{"status"},
	)

	c.StaleLocksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "store",
			Name:      "stale_locks_released_total",
			Help:      "Total stale pending-op locks released",
		},
	)

	c.LockAcquireFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "store",
			Name:      "lock_acquire_failed_total",
			Help:      "Total failed distributed lock acquisitions",
		},
		[]string{"lock"},
	)

	c.ValidationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "boundary",
			Name:      "validation_errors_total",
			Help:      "Total malformed payloads rejected at a decode boundary",
		},
		[]string{"source"},
	)

	// System metrics
	c.WalletBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "system",
			Name:      "wallet_balance_lamports",
			Help:      "Crank wallet balance in lamports",
		},
	)

	c.BlockhashAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "system",
			Name:      "blockhash_age_seconds",
			Help:      "Age of the freshest cached blockhash",
		},
	)

	c.WSReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crank",
			Subsystem: "system",
			Name:      "ws_reconnects_total",
			Help:      "Total WebSocket reconnect attempts",
		},
	)

	c.SlotHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crank",
			Subsystem: "system",
			Name:      "slot_height",
			Help:      "Latest observed slot",
		},
	)

	c.registerAll()

	return c
}

// registerAll registers all metrics with Prometheus
func (c *Collector) registerAll() {
	prometheus.MustRegister(c.PollsTotal)
	prometheus.MustRegister(c.PollDuration)
	prometheus.MustRegister(c.ConsecutiveErrors)
	prometheus.MustRegister(c.CircuitBreaker)
	prometheus.MustRegister(c.ServiceState)

	prometheus.MustRegister(c.MatchAttemptsTotal)
	prometheus.MustRegister(c.MatchSuccessesTotal)
	prometheus.MustRegister(c.MatchFailuresTotal)
	prometheus.MustRegister(c.PriceMismatchTotal)
	prometheus.MustRegister(c.PendingMatches)
	prometheus.MustRegister(c.OpenOrders)
	prometheus.MustRegister(c.MatchDuration)

	prometheus.MustRegister(c.RPCRequestsTotal)
	prometheus.MustRegister(c.RPCLatency)
	prometheus.MustRegister(c.RPCErrorsTotal)

	prometheus.MustRegister(c.MPCComputationsTotal)
	prometheus.MustRegister(c.MPCLatency)
	prometheus.MustRegister(c.MPCTimeoutsTotal)
	prometheus.MustRegister(c.MPCCallbackDupes)

	prometheus.MustRegister(c.TxSubmittedTotal)
	prometheus.MustRegister(c.TxConfirmedTotal)
	prometheus.MustRegister(c.TxExpiredTotal)

	prometheus.MustRegister(c.PendingOpsByStatus)
	prometheus.MustRegister(c.StaleLocksReleased)
	prometheus.MustRegister(c.LockAcquireFailed)
	prometheus.MustRegister(c.ValidationErrors)

	prometheus.MustRegister(c.WalletBalance)
	prometheus.MustRegister(c.BlockhashAge)
	prometheus.MustRegister(c.WSReconnectsTotal)
	prometheus.MustRegister(c.SlotHeight)
}

// ============ Recording Helpers ============

// RecordPoll records one completed poll tick
func (c *Collector) RecordPoll(durationMs float64) {
	c.PollsTotal.Inc()
	c.PollDuration.Observe(durationMs)
	c.polls.Add(1)
}

// RecordMatchAttempt records the start of a match attempt
func (c *Collector) RecordMatchAttempt() {
	c.MatchAttemptsTotal.Inc()
	c.matchAttempts.Add(1)
}

// RecordMatchSuccess records a settled match
func (c *Collector) RecordMatchSuccess(durationMs float64) {
	c.MatchSuccessesTotal.Inc()
	c.MatchDuration.Observe(durationMs)
	c.matchSuccesses.Add(1)
}

// RecordMatchFailure records a failed match attempt
func (c *Collector) RecordMatchFailure(reason string) {
	c.MatchFailuresTotal.WithLabelValues(reason).Inc()
	c.matchFailures.Add(1)
}

// RecordValidationError counts a malformed payload rejected at source
func (c *Collector) RecordValidationError(source string) {
	c.ValidationErrors.WithLabelValues(source).Inc()
}

// RecordRPC records one RPC round-trip
func (c *Collector) RecordRPC(method string, latencyMs float64, err error) {
	c.RPCRequestsTotal.WithLabelValues(method).Inc()
	c.RPCLatency.WithLabelValues(method).Observe(latencyMs)
	if err != nil {
		c.RPCErrorsTotal.WithLabelValues(method).Inc()
	}
}

// RecordMPC records one finalized computation
func (c *Collector) RecordMPC(computationType string, latencyMs float64) {
	c.MPCComputationsTotal.WithLabelValues(computationType).Inc()
	c.MPCLatency.WithLabelValues(computationType).Observe(latencyMs)
}

// RecordTx records a submitted transaction and its eventual outcome
func (c *Collector) RecordTx(txType, status string) {
	switch status {
	case "submitted":
		c.TxSubmittedTotal.WithLabelValues(txType).Inc()
	case "confirmed":
		c.TxConfirmedTotal.WithLabelValues(txType).Inc()
	case "expired":
		c.TxExpiredTotal.Inc()
	}
}

// SetServiceState marks state as the single active service state
func (c *Collector) SetServiceState(state string) {
	for _, s := range []string{"stopped", "starting", "running", "paused", "error"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.ServiceState.WithLabelValues(s).Set(v)
	}
}

// SetOpenOrders updates the per-side open order gauges
func (c *Collector) SetOpenOrders(buys, sells int) {
	c.OpenOrders.WithLabelValues("buy").Set(float64(buys))
	c.OpenOrders.WithLabelValues("sell").Set(float64(sells))
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
