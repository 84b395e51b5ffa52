package mediator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmcore/mediator/adapter"
	"github.com/llmcore/mediator/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Strategy: "cost-based",
		Providers: map[string]config.ProviderConfig{
			"test-provider": {Enabled: true, Weight: 1, MaxConcurrent: 5},
		},
		Cache: config.CacheConfig{
			Memory:  config.MemoryCacheConfig{MaxEntries: 100, TTLMs: 60_000},
			Durable: config.DurableCacheConfig{Path: filepath.Join(dir, "cache.db"), TTLMs: 3_600_000},
		},
		Ledger: config.LedgerConfig{Path: filepath.Join(dir, "ledger.db")},
		Events: config.EventConfig{Sink: "log"},
	}
}

func TestNew_WiresAllComponents(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	cfg := testConfig(t)

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, c.Cache)
	assert.NotNil(t, c.Ledger)
	assert.NotNil(t, c.Dispatcher)
	assert.NotNil(t, c.Health)
	assert.NotNil(t, c.Retention)
	assert.NotNil(t, c.Prefix)
	assert.NotNil(t, c.Events)
	assert.NotNil(t, c.Metrics)
}

func TestRegisterProvider_SeedsPriceBookAndCircuitState(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	cfg := testConfig(t)

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	td := adapter.NewTestDouble("test-provider", adapter.ModelSpec{
		ID:        "test-model",
		MaxTokens: 4096,
		Pricing:   adapter.Pricing{InputPrice: 0.001, OutputPrice: 0.002},
	})

	entry := c.RegisterProvider("test-provider", td)
	require.NotNil(t, entry)

	_, ok := c.priceBook.Price("test-provider", "test-model")
	assert.True(t, ok)

	_, ok = c.Dispatcher.Provider("test-provider")
	assert.True(t, ok)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	cfg := testConfig(t)
	cfg.HealthCheck = config.HealthCheckConfig{IntervalMs: 10, TimeoutMs: 5}

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Serve(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestClose_NoDistributedTierIsNoop(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	cfg := testConfig(t)

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, c.Close(context.Background()))
}

func TestWireEventSink_RejectsUnknownSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events = config.EventConfig{Sink: "bogus"}

	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}
