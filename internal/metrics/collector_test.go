package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.cacheHits)
	assert.NotNil(t, collector.cacheMisses)
	assert.NotNil(t, collector.cacheHitRatio)
	assert.NotNil(t, collector.circuitState)
	assert.NotNil(t, collector.limiterInFlight)
	assert.NotNil(t, collector.budgetUtilization)
}

func TestCollector_RecordCacheHit(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("memory", 1, 1)

	count := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, count, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheHitRatio.WithLabelValues()))
}

func TestCollector_RecordCacheMiss(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("memory", 1, 2)
	collector.RecordCacheMiss(1, 2)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)
	assert.Equal(t, float64(0.5), testutil.ToFloat64(collector.cacheHitRatio.WithLabelValues()))
}

func TestCollector_RecordCacheMiss_NoRequestsYieldsZeroRatio(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheMiss(0, 0)

	assert.Equal(t, float64(0), testutil.ToFloat64(collector.cacheHitRatio.WithLabelValues()))
}

func TestCollector_SetCircuitState(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetCircuitState("provA", CircuitOpen)

	assert.Equal(t, float64(CircuitOpen), testutil.ToFloat64(collector.circuitState.WithLabelValues("provA")))
}

func TestCollector_SetLimiterInFlight(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetLimiterInFlight("provA", 7)

	assert.Equal(t, float64(7), testutil.ToFloat64(collector.limiterInFlight.WithLabelValues("provA")))
}

func TestCollector_SetBudgetUtilization(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetBudgetUtilization("daily", "", 0.42)

	assert.Equal(t, float64(0.42), testutil.ToFloat64(collector.budgetUtilization.WithLabelValues("daily", "")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordCacheHit("memory", 1, 1)
			collector.SetCircuitState("provA", CircuitClosed)
			collector.SetLimiterInFlight("provA", 3)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	registry.MustRegister(collector.cacheHits)

	collector.RecordCacheHit("memory", 1, 1)

	count := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, count, 0)
}
