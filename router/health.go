package router

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthChecker periodically probes every registered provider's lightweight
// liveness endpoint and folds the result into its HealthRecord. It runs
// entirely independently of the dispatch path: a probe never touches a
// provider's circuit breaker or load limiter, so a slow or failing health
// probe can never itself block or fail a live request (§7).
type HealthChecker struct {
	dispatcher *Dispatcher
	interval   time.Duration
	timeout    time.Duration
	logger     *zap.Logger
	stopCh     chan struct{}
}

// NewHealthChecker builds a HealthChecker over d. Each tick probes every
// provider registered with d at that moment, including ones registered after
// construction. interval defaults to 30s and timeout to 10s if unset.
func NewHealthChecker(d *Dispatcher, interval, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		dispatcher: d,
		interval:   interval,
		timeout:    timeout,
		logger:     logger.With(zap.String("component", "health_checker")),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is cancelled or Stop is called.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkAll(ctx)
		}
	}
}

// Stop halts the probe loop. Safe to call at most once.
func (h *HealthChecker) Stop() {
	close(h.stopCh)
}

func (h *HealthChecker) checkAll(ctx context.Context) {
	for _, entry := range h.dispatcher.snapshotEntries() {
		h.checkOne(ctx, entry)
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, entry *ProviderEntry) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	status, err := entry.Adapter.Health(probeCtx)
	latency := time.Since(start)

	healthy := err == nil
	if err == nil && status.Latency > 0 {
		latency = status.Latency
	}
	if err == nil {
		healthy = status.Healthy
	}

	if err != nil {
		h.logger.Warn("provider health probe failed",
			zap.String("provider", entry.Name), zap.Duration("latency", latency), zap.Error(err))
	}

	entry.Health.Observe(latency, healthy)
}
