/*
Package metrics exposes the mediation core's running state as Prometheus
gauges and counters, covering cache, circuit breaker, load limiter and
budget dimensions.

# Core types

  - Collector: the metrics collector, holding the Counter and Gauge
    vectors grouped by domain.

# Capabilities

  - Cache metrics: hit/miss counts by tier, a running hit-rate gauge.
  - Circuit breaker metrics: per-provider current state gauge
    (closed/half_open/open).
  - Load limiter metrics: per-provider in-flight request count gauge.
  - Budget metrics: per-scope utilization ratio gauge.
*/
package metrics
