package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/mediator/adapter"
	"github.com/llmcore/mediator/cache"
	"github.com/llmcore/mediator/cache/memory"
	"github.com/llmcore/mediator/circuit"
	"github.com/llmcore/mediator/internal/database"
	"github.com/llmcore/mediator/ledger"
	"github.com/llmcore/mediator/types"
)

// fakeProvider is an in-memory adapter.Provider stand-in: each call pops the
// next scripted outcome, supporting tests that need a provider to fail N
// times then succeed, or to fail every time.
type fakeProvider struct {
	name     string
	describe adapter.Describe

	calls int32

	outcomes []func() (adapter.Response, error)
	onCall   func(callIndex int)

	streamFragmentsBeforeErr int
	streamErr                error
}

func newFakeProvider(name string, caps ...adapter.Capability) *fakeProvider {
	capSet := make(map[adapter.Capability]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	return &fakeProvider{
		name: name,
		describe: adapter.Describe{
			Name:         name,
			Capabilities: capSet,
			Models:       map[string]adapter.ModelSpec{"m": {ID: "m", MaxTokens: 4096}},
		},
	}
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) Describe() adapter.Describe { return p.describe }

func (p *fakeProvider) ExecuteBlocking(ctx context.Context, req adapter.Request) (adapter.Response, error) {
	idx := int(atomic.AddInt32(&p.calls, 1)) - 1
	if p.onCall != nil {
		p.onCall(idx)
	}
	if idx < len(p.outcomes) {
		return p.outcomes[idx]()
	}
	return p.outcomes[len(p.outcomes)-1]()
}

func (p *fakeProvider) ExecuteStreaming(ctx context.Context, req adapter.Request, sink adapter.Sink) (adapter.Response, error) {
	for i := 0; i < p.streamFragmentsBeforeErr; i++ {
		if err := sink.Push(ctx, adapter.Fragment{Kind: adapter.FragmentText, Text: "chunk"}); err != nil {
			return adapter.Response{}, err
		}
	}
	if p.streamErr != nil {
		return adapter.Response{}, p.streamErr
	}
	return p.ExecuteBlocking(ctx, req)
}

func (p *fakeProvider) Health(ctx context.Context) (adapter.HealthStatus, error) {
	return adapter.HealthStatus{Healthy: true}, nil
}

func retryableErr(msg string) error {
	return &adapter.Error{Class: adapter.ClassTransient, Message: msg}
}

func rateLimitedErr(msg string) error {
	return &adapter.Error{Class: adapter.ClassRateLimited, Message: msg}
}

func authErr(msg string) error {
	return &adapter.Error{Class: adapter.ClassAuthFailure, Message: msg}
}

func succeed(content string, usage adapter.Usage) func() (adapter.Response, error) {
	return func() (adapter.Response, error) { return adapter.Response{Content: content, Usage: usage}, nil }
}

func fail(err error) func() (adapter.Response, error) {
	return func() (adapter.Response, error) { return adapter.Response{}, err }
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return newTestLedgerWithConfig(t, ledger.Config{}, nil)
}

func newTestLedgerWithConfig(t *testing.T, cfg ledger.Config, override *ledger.OverrideVerifier) *ledger.Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	l := ledger.New(pool, ledger.NewPriceBook(), cfg, override, zap.NewNop())
	require.NoError(t, l.AutoMigrate())
	return l
}

func newTestDispatcher(t *testing.T, retry RetryConfig) *Dispatcher {
	t.Helper()
	return newTestDispatcherWithLedger(t, retry, newTestLedger(t))
}

func newTestDispatcherWithLedger(t *testing.T, retry RetryConfig, ledg *ledger.Ledger) *Dispatcher {
	t.Helper()
	eng := cache.New(memory.NewStore(100, time.Hour), nil, nil, cache.SimilarityConfig{}, nil, zap.NewNop())
	sel := NewSelector(StrategyCostBased, ledger.NewPriceBook(), 1)
	return NewDispatcher(eng, ledg, sel, retry, zap.NewNop())
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

// TestDispatch_CacheHitReturnsWithoutCallingAdapter encodes spec scenario 1:
// a prompt already cached under the attempted provider returns immediately
// with no adapter call and a synthetic, zero-cost cache usage row.
func TestDispatch_CacheHitReturnsWithoutCallingAdapter(t *testing.T) {
	d := newTestDispatcher(t, fastRetry())
	prov := newFakeProvider("provA", adapter.CapChat)
	d.Register("provA", prov, circuit.DefaultConfig(), 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hello")}}

	key := cache.NewKey("provA", "m", req.Messages, req.Sampling)
	require.NoError(t, d.cache.Put(context.Background(), key, types.CacheEntry{Payload: []byte("cached answer"), InputTokens: 5}))

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", resp.Content)
	assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls), "a cache hit must never reach the adapter")
}

// TestDispatch_CircuitTripsAfterFiveFailures encodes spec scenario 2: after
// the breaker opens, a subsequent dispatch gets ProviderUnavailable without
// the adapter being invoked again.
func TestDispatch_CircuitTripsAfterFiveFailures(t *testing.T) {
	d := newTestDispatcher(t, RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	prov := newFakeProvider("provA", adapter.CapChat)
	prov.outcomes = []func() (adapter.Response, error){fail(retryableErr("boom"))}
	entry := d.Register("provA", prov, circuit.Config{FailureThreshold: 5, OpenTimeout: time.Hour, SuccessThreshold: 2, ProbeCap: 3}, 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}

	for i := 0; i < 5; i++ {
		_, err := d.Dispatch(context.Background(), req)
		require.Error(t, err)
	}
	require.Equal(t, circuit.StateOpen, entry.Breaker.State())

	callsBefore := atomic.LoadInt32(&prov.calls)
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrProviderUnavailable, typed.Code)
	assert.Equal(t, callsBefore, atomic.LoadInt32(&prov.calls), "an open circuit must not invoke the adapter")
}

// TestDispatch_FailsOverOnRateLimit encodes spec scenario 3: provA rate
// limits, provB (next in the latency-ranked list) serves the request.
func TestDispatch_FailsOverOnRateLimit(t *testing.T) {
	d := newTestDispatcher(t, fastRetry())
	d.selector = NewSelector(StrategyLatencyBased, ledger.NewPriceBook(), 1)

	provA := newFakeProvider("provA", adapter.CapChat)
	provA.outcomes = []func() (adapter.Response, error){fail(rateLimitedErr("rate limited"))}
	provB := newFakeProvider("provB", adapter.CapChat)
	provB.outcomes = []func() (adapter.Response, error){succeed("from B", adapter.Usage{InputTokens: 10, OutputTokens: 5})}

	d.Register("provA", provA, circuit.DefaultConfig(), 10, 1)
	d.Register("provB", provB, circuit.DefaultConfig(), 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	var events []string
	d.OnEvent = func(name string, fields map[string]any) { events = append(events, name) }

	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "from B", resp.Content)
	assert.Contains(t, events, "failover:attempt")
}

// TestDispatch_SingleProviderExhaustsRetriesBeforeFailing encodes B2: a
// single-provider attempt list retries maxRetries times against that one
// provider before surfacing DispatchFailed.
func TestDispatch_SingleProviderExhaustsRetriesBeforeFailing(t *testing.T) {
	d := newTestDispatcher(t, RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	prov := newFakeProvider("provA", adapter.CapChat)
	prov.outcomes = []func() (adapter.Response, error){fail(retryableErr("boom"))}
	d.Register("provA", prov, circuit.Config{FailureThreshold: 1000, OpenTimeout: time.Hour, SuccessThreshold: 2, ProbeCap: 3}, 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrDispatchFailed, typed.Code)
	assert.Equal(t, int32(4), atomic.LoadInt32(&prov.calls), "maxRetries=3 means 4 total attempts against the sole provider")
}

// TestDispatchStreaming_MidStreamFailureIsNotRetried encodes spec scenario
// 6: once any fragment has reached the caller, an error must terminate the
// call as DispatchFailed with no further failover.
func TestDispatchStreaming_MidStreamFailureIsNotRetried(t *testing.T) {
	d := newTestDispatcher(t, fastRetry())

	provA := newFakeProvider("provA", adapter.CapChat)
	provA.streamFragmentsBeforeErr = 2
	provA.streamErr = retryableErr("connection reset")
	provB := newFakeProvider("provB", adapter.CapChat)
	provB.outcomes = []func() (adapter.Response, error){succeed("from B", adapter.Usage{})}

	d.Register("provA", provA, circuit.DefaultConfig(), 10, 1)
	d.Register("provB", provB, circuit.DefaultConfig(), 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}

	var fragments []string
	sink := sinkFunc(func(ctx context.Context, frag adapter.Fragment) error {
		fragments = append(fragments, frag.Text)
		return nil
	})

	_, err := d.DispatchStreaming(context.Background(), req, sink)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrDispatchFailed, typed.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&provB.calls), "must not fail over once fragments were delivered")
	assert.Len(t, fragments, 2)
}

// TestProperty_OpenCircuitNeverReachesAdapter is the router-level
// counterpart of P1: once a provider's breaker is open, no further dispatch
// calls its adapter, regardless of how many attempts are made.
func TestProperty_OpenCircuitNeverReachesAdapter(t *testing.T) {
	d := newTestDispatcher(t, RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	prov := newFakeProvider("provA", adapter.CapChat)
	prov.outcomes = []func() (adapter.Response, error){fail(retryableErr("boom"))}
	entry := d.Register("provA", prov, circuit.Config{FailureThreshold: 1, OpenTimeout: time.Hour, SuccessThreshold: 2, ProbeCap: 3}, 10, 1)

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, circuit.StateOpen, entry.Breaker.State())

	callsAtOpen := atomic.LoadInt32(&prov.calls)
	for i := 0; i < 20; i++ {
		_, err := d.Dispatch(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, callsAtOpen, atomic.LoadInt32(&prov.calls))
}

// TestDispatch_SkipsProviderAtConcurrencyCeiling encodes P4 at the router
// level: a provider with no spare load-limiter capacity is excluded from
// selection entirely, and the exclusion never registers as a breaker
// success or failure for that provider.
func TestDispatch_SkipsProviderAtConcurrencyCeiling(t *testing.T) {
	d := newTestDispatcher(t, RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	prov := newFakeProvider("provA", adapter.CapChat)
	entry := d.Register("provA", prov, circuit.DefaultConfig(), 1, 1)
	require.True(t, entry.Limiter.Admit(), "saturate the only concurrency slot")

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, circuit.StateClosed, entry.Breaker.State(), "a load-limiter rejection must never be mistaken for a breaker failure")
	assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls))
}

type sinkFunc func(ctx context.Context, frag adapter.Fragment) error

func (f sinkFunc) Push(ctx context.Context, frag adapter.Fragment) error { return f(ctx, frag) }

func ptr(f float64) *float64 { return &f }

// TestDispatch_RefusesOnceBudgetExceeded encodes spec scenario 4: once a
// daily budget's exceeded flag is set, further dispatches are refused
// up-front with BudgetExceeded and never reach the adapter, unless the
// caller presents a token that verifies against the exceeded scope.
func TestDispatch_RefusesOnceBudgetExceeded(t *testing.T) {
	override := ledger.NewOverrideVerifier([]byte("test-secret"))
	ledg := newTestLedgerWithConfig(t, ledger.Config{DailyLimit: ptr(1.0), AlertThreshold: 0.8}, override)
	d := newTestDispatcherWithLedger(t, fastRetry(), ledg)

	prov := newFakeProvider("provA", adapter.CapChat)
	prov.outcomes = []func() (adapter.Response, error){succeed("ok", adapter.Usage{})}
	d.Register("provA", prov, circuit.DefaultConfig(), 10, 1)

	require.NoError(t, ledg.Record(context.Background(), types.UsageRow{Provider: "provA", Model: "m", Cost: 1.05}))

	req := DispatchRequest{Provider: "provA", Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}}
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrBudgetExceeded, typed.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&prov.calls), "a refused dispatch must never reach the adapter")

	token, err := override.Issue(types.ScopeDaily, "", time.Hour, "test")
	require.NoError(t, err)
	req.OverrideToken = token
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err, "a verified override token must bypass the exceeded scope")
	assert.NotEmpty(t, resp.Content)
}
