package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/llmcore/mediator/adapter"
	"github.com/llmcore/mediator/cache"
	"github.com/llmcore/mediator/circuit"
	"github.com/llmcore/mediator/ledger"
	"github.com/llmcore/mediator/types"
)

// RetryConfig tunes the dispatch loop's backoff and attempt ceiling.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns §4.5's stated defaults: 1s initial, 2x
// multiplier, 10s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// backoffDelay computes attempt n's (1-indexed) exponential delay with
// ±25% jitter, floored at InitialDelay and capped at MaxDelay.
func backoffDelay(c RetryConfig, attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(c.InitialDelay) {
		delay = float64(c.InitialDelay)
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// DispatchRequest is one caller request to mediate across providers.
type DispatchRequest struct {
	Provider         string
	Model            string
	Messages         []types.Message
	Sampling         cache.SamplingParams
	RequireVision    bool
	RequireTools     bool
	RequireJSON      bool
	RequireGrounding bool

	EstimatedInputTokens int
	MaxOutputTokens      int
	Timeout              time.Duration

	UserID        string
	OverrideToken string
}

func (r DispatchRequest) requiredCapabilities() []adapter.Capability {
	var caps []adapter.Capability
	if r.RequireVision {
		caps = append(caps, adapter.CapVision)
	}
	if r.RequireTools {
		caps = append(caps, adapter.CapTools)
	}
	if r.RequireJSON {
		caps = append(caps, adapter.CapJSON)
	}
	if r.RequireGrounding {
		caps = append(caps, adapter.CapGrounding)
	}
	return caps
}

// trackingSink wraps a caller-provided Sink so the dispatcher can tell,
// call-wide, whether any fragment has reached the caller yet — the fact
// that gates whether a mid-stream error may still fail over (§4.5
// Streaming: failover is permitted only before the first delivered byte).
type trackingSink struct {
	inner     adapter.Sink
	delivered atomic.Bool
}

func (s *trackingSink) Push(ctx context.Context, frag adapter.Fragment) error {
	s.delivered.Store(true)
	return s.inner.Push(ctx, frag)
}

// Dispatcher wires provider selection, the cache engine, the usage ledger
// and per-provider circuit breakers into the C5 dispatch loop.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]*ProviderEntry
	order   []string

	cache    *cache.Engine
	ledger   *ledger.Ledger
	selector *Selector
	retry    RetryConfig
	logger   *zap.Logger

	// OnEvent receives every routing/circuit/failover observability event
	// this package emits (§4.5 Observability events). Cache and ledger
	// events are emitted by their own packages via their own OnEvent hooks.
	OnEvent func(name string, fields map[string]any)
}

// NewDispatcher builds a Dispatcher. retry is normalized with withDefaults.
func NewDispatcher(cacheEngine *cache.Engine, ledg *ledger.Ledger, selector *Selector, retry RetryConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		entries: make(map[string]*ProviderEntry),
		cache:   cacheEngine,
		ledger:  ledg,
		selector: selector,
		retry:   retry.withDefaults(),
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// Register adds a provider to the routing table with its own circuit
// breaker and load limiter (§4.4: breaker/limiter state is per provider).
func (d *Dispatcher) Register(name string, prov adapter.Provider, breakerCfg circuit.Config, maxConcurrent int, weight float64) *ProviderEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := &ProviderEntry{
		Name:     name,
		Adapter:  prov,
		Breaker:  circuit.New(name, breakerCfg, d.logger),
		Limiter:  circuit.NewLimiter(maxConcurrent),
		Weight:   weight,
		Health:   &HealthRecord{},
		describe: prov.Describe(),
	}
	if _, exists := d.entries[name]; !exists {
		d.order = append(d.order, name)
	}
	d.entries[name] = entry
	return entry
}

// Provider returns the registered entry for name, if any.
func (d *Dispatcher) Provider(name string) (*ProviderEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	return e, ok
}

func (d *Dispatcher) snapshotEntries() []*ProviderEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*ProviderEntry, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.entries[name])
	}
	return out
}

func (d *Dispatcher) emit(name string, fields map[string]any) {
	if d.OnEvent != nil {
		d.OnEvent(name, fields)
	}
}

// Dispatch runs the C5 dispatch loop for a blocking call (§4.5).
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (adapter.Response, error) {
	return d.dispatch(ctx, req, nil)
}

// DispatchStreaming runs the dispatch loop with fragments forwarded to sink
// as they arrive. Once sink has received any fragment, a subsequent error
// is surfaced as DispatchFailed with no further failover (§4.5 Streaming).
func (d *Dispatcher) DispatchStreaming(ctx context.Context, req DispatchRequest, sink adapter.Sink) (adapter.Response, error) {
	tracked := &trackingSink{inner: sink}
	return d.dispatch(ctx, req, tracked)
}

func (d *Dispatcher) dispatch(ctx context.Context, req DispatchRequest, sink *trackingSink) (adapter.Response, error) {
	if exceeded, scope, err := d.ledger.CheckBudgets(ctx, req.UserID, req.OverrideToken); err != nil {
		d.logger.Warn("budget check failed, admitting request", zap.Error(err))
	} else if exceeded {
		d.emit("budget:refused", map[string]any{"scope": scope, "userID": req.UserID})
		return adapter.Response{}, &types.Error{Code: types.ErrBudgetExceeded, Message: fmt.Sprintf("%s budget exceeded", scope), Retryable: false}
	}

	selReq := SelectionRequest{
		ExplicitProvider:      req.Provider,
		Model:                 req.Model,
		RequiredCapabilities:  req.requiredCapabilities(),
		EstimatedInputTokens:  req.EstimatedInputTokens,
		EstimatedOutputTokens: req.MaxOutputTokens,
	}
	attempts := d.selector.Select(d.snapshotEntries(), selReq)
	if len(attempts) == 0 {
		return adapter.Response{}, &types.Error{Code: types.ErrProviderUnavailable, Message: "no eligible provider", Retryable: false}
	}
	d.emit("routing:selected", map[string]any{"provider": attempts[0].Name, "strategy": string(d.selector.strategy)})

	var lastErr error
	var previousProvider string

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		idx := attempt
		if idx >= len(attempts) {
			idx = len(attempts) - 1
		}
		entry := attempts[idx]

		if attempt > 0 {
			d.emit("failover:attempt", map[string]any{"from": previousProvider, "to": entry.Name, "attempt": attempt})
		}
		previousProvider = entry.Name

		resp, done, err := d.attempt(ctx, entry, req, sink)
		if done {
			return resp, err
		}
		lastErr = err

		if attempt < d.retry.MaxRetries {
			delay := backoffDelay(d.retry, attempt+1)
			select {
			case <-ctx.Done():
				return adapter.Response{}, &types.Error{Code: types.ErrCancelled, Message: "dispatch cancelled", Cause: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	return adapter.Response{}, &types.Error{Code: types.ErrDispatchFailed, Message: "exhausted retries across all eligible providers", Cause: lastErr}
}

// attempt runs exactly one provider attempt: cache lookup, admission,
// execution and outcome handling. done is true when the loop must stop
// (success, non-retryable error, cancellation, or mid-stream failure).
func (d *Dispatcher) attempt(ctx context.Context, entry *ProviderEntry, req DispatchRequest, sink *trackingSink) (adapter.Response, bool, error) {
	key := cache.NewKey(entry.Name, req.Model, req.Messages, req.Sampling)

	if result, err := d.cache.Get(ctx, key); err == nil && result.Hit {
		d.recordCacheHit(ctx, entry.Name, req, result.Entry.InputTokens)
		return adapter.Response{Content: string(result.Entry.Payload)}, true, nil
	}

	admitted, release := entry.Breaker.Admit()
	if !admitted {
		return adapter.Response{}, false, &types.Error{Code: types.ErrProviderUnavailable, Provider: entry.Name, Message: "circuit open", Retryable: true}
	}
	if !entry.Limiter.Admit() {
		entry.Breaker.Abort()
		return adapter.Response{}, false, &types.Error{Code: types.ErrProviderUnavailable, Provider: entry.Name, Message: "load limit exceeded", Retryable: true}
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	adapterReq := adapter.Request{
		Model:                entry.pickModel(req.Model),
		Messages:             req.Messages,
		Temperature:          req.Sampling.Temperature,
		MaxOutputTokens:      req.MaxOutputTokens,
		RequireTools:         req.RequireTools,
		RequireVision:        req.RequireVision,
		RequireGrounding:     req.RequireGrounding,
		RequireJSON:          req.RequireJSON,
		EstimatedInputTokens: req.EstimatedInputTokens,
		Timeout:              req.Timeout,
	}

	start := time.Now()
	var resp adapter.Response
	var err error
	if sink != nil {
		resp, err = entry.Adapter.ExecuteStreaming(attemptCtx, adapterReq, sink)
	} else {
		resp, err = entry.Adapter.ExecuteBlocking(attemptCtx, adapterReq)
	}
	if cancel != nil {
		cancel()
	}
	latency := time.Since(start)
	entry.Limiter.Release()

	if err == nil {
		release(true)
		entry.Health.Observe(latency, true)
		d.onSuccess(ctx, entry.Name, req, resp, latency)
		return resp, true, nil
	}

	release(false)
	entry.Health.Observe(latency, false)
	failRow := types.UsageRow{Provider: entry.Name, Model: req.Model, UserID: req.UserID, LatencyMs: latency.Milliseconds(), Success: false}
	if rerr := d.ledger.Record(ctx, failRow); rerr != nil {
		d.logger.Warn("failed to record usage row", zap.Error(rerr))
	}

	if ctx.Err() != nil {
		return adapter.Response{}, true, &types.Error{Code: types.ErrCancelled, Message: "dispatch cancelled", Cause: ctx.Err()}
	}

	if sink != nil && sink.delivered.Load() {
		return adapter.Response{}, true, &types.Error{Code: types.ErrDispatchFailed, Provider: entry.Name, Message: "stream failed after fragments delivered", Cause: err}
	}

	class, retryable := classifyAdapterError(err)
	if !retryable {
		return adapter.Response{}, true, mapNonRetryable(class, entry.Name, err)
	}

	return adapter.Response{}, false, err
}

func (d *Dispatcher) recordCacheHit(ctx context.Context, provider string, req DispatchRequest, estimatedInputTokens int) {
	d.emit("cache:hit", map[string]any{"provider": provider})
	row := types.UsageRow{
		Provider:     provider,
		Model:        req.Model,
		UserID:       req.UserID,
		InputTokens:  estimatedInputTokens,
		OutputTokens: 0,
		Cost:         0,
		Success:      true,
		Cache:        true,
	}
	if err := d.ledger.Record(ctx, row); err != nil {
		d.logger.Warn("failed to record cache-hit usage row", zap.Error(err))
	}
}

// onSuccess fires the cache write-through and ledger record independently
// (§9: the source leaves their ordering undefined and each failure is
// absorbed on its own — neither may block or gate the other).
func (d *Dispatcher) onSuccess(ctx context.Context, provider string, req DispatchRequest, resp adapter.Response, latency time.Duration) {
	key := cache.NewKey(provider, req.Model, req.Messages, req.Sampling)

	go func() {
		putCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		entry := types.CacheEntry{
			Payload:      []byte(resp.Content),
			Provider:     provider,
			Model:        req.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
		if err := d.cache.Put(putCtx, key, entry); err != nil {
			d.logger.Warn("cache write-through failed", zap.Error(err))
		}
	}()

	cost := ledger.Compute(d.selector.priceBook, provider, req.Model, resp.Usage, resp.NativeCost, 0)
	row := types.UsageRow{
		Provider:          provider,
		Model:             req.Model,
		UserID:            req.UserID,
		InputTokens:       resp.Usage.InputTokens,
		OutputTokens:      resp.Usage.OutputTokens,
		ReasoningTokens:   resp.Usage.ReasoningTokens,
		CachedInputTokens: resp.Usage.CachedInputTokens,
		Cost:              cost,
		LatencyMs:         latency.Milliseconds(),
		Success:           true,
	}
	if err := d.ledger.Record(ctx, row); err != nil {
		d.logger.Warn("failed to record usage row", zap.Error(err))
	}
}

func classifyAdapterError(err error) (adapter.ErrorClass, bool) {
	if ae, ok := err.(*adapter.Error); ok {
		return ae.Class, ae.Class.Retryable()
	}
	return adapter.ClassTransient, true
}

func mapNonRetryable(class adapter.ErrorClass, provider string, cause error) error {
	code := types.ErrDispatchFailed
	switch class {
	case adapter.ClassAuthFailure:
		code = types.ErrAuthFailure
	case adapter.ClassBadRequest:
		code = types.ErrBadRequest
	case adapter.ClassCancelled:
		code = types.ErrCancelled
	}
	return &types.Error{Code: code, Provider: provider, Message: "non-retryable provider error", Cause: cause, Retryable: false}
}
