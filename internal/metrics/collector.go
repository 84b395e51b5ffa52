package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes the mediation core's running state as Prometheus
// gauges and counters.
type Collector struct {
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheHitRatio *prometheus.GaugeVec

	circuitState *prometheus.GaugeVec

	limiterInFlight *prometheus.GaugeVec

	budgetUtilization *prometheus.GaugeVec

	logger *zap.Logger
}

// Circuit state values recorded on the circuitState gauge.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// NewCollector registers every metric under namespace and returns the
// Collector. Call once per process.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{},
	)

	c.cacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_ratio",
			Help:      "Running cache hit ratio (0-1)",
		},
		[]string{},
	)

	c.circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider: 0=closed 1=half_open 2=open",
		},
		[]string{"provider"},
	)

	c.limiterInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_in_flight",
			Help:      "Current in-flight request count per provider load limiter",
		},
		[]string{"provider"},
	)

	c.budgetUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_utilization_ratio",
			Help:      "Used/limit ratio per budget scope",
		},
		[]string{"scope", "scope_key"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordCacheHit increments the hit counter for tier and refreshes the
// running hit ratio gauge given the totals observed so far.
func (c *Collector) RecordCacheHit(tier string, totalHits, totalRequests int64) {
	c.cacheHits.WithLabelValues(tier).Inc()
	c.updateHitRatio(totalHits, totalRequests)
}

// RecordCacheMiss increments the miss counter and refreshes the hit ratio.
func (c *Collector) RecordCacheMiss(totalHits, totalRequests int64) {
	c.cacheMisses.WithLabelValues().Inc()
	c.updateHitRatio(totalHits, totalRequests)
}

func (c *Collector) updateHitRatio(totalHits, totalRequests int64) {
	if totalRequests <= 0 {
		c.cacheHitRatio.WithLabelValues().Set(0)
		return
	}
	c.cacheHitRatio.WithLabelValues().Set(float64(totalHits) / float64(totalRequests))
}

// SetCircuitState records provider's current breaker state.
func (c *Collector) SetCircuitState(provider string, state int) {
	c.circuitState.WithLabelValues(provider).Set(float64(state))
}

// SetLimiterInFlight records provider's current load-limiter occupancy.
func (c *Collector) SetLimiterInFlight(provider string, inFlight int) {
	c.limiterInFlight.WithLabelValues(provider).Set(float64(inFlight))
}

// SetBudgetUtilization records the used/limit ratio for one budget scope.
func (c *Collector) SetBudgetUtilization(scope, scopeKey string, ratio float64) {
	c.budgetUtilization.WithLabelValues(scope, scopeKey).Set(ratio)
}
