package cache

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/mediator/cache/durable"
	"github.com/llmcore/mediator/cache/memory"
	"github.com/llmcore/mediator/cache/similarity"
	"github.com/llmcore/mediator/internal/database"
	"github.com/llmcore/mediator/types"
)

func newTestDurableStore(t *testing.T) *durable.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	s := durable.Open(pool, 24*time.Hour, zap.NewNop())
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestEngine_GetMissOnEmptyEngine(t *testing.T) {
	e := New(memory.NewStore(10, time.Hour), nil, nil, SimilarityConfig{}, nil, zap.NewNop())
	result, err := e.Get(context.Background(), Key{Provider: "p", Model: "m", NormalizedPrompt: "hello"})
	require.NoError(t, err)
	assert.False(t, result.Hit)
	assert.Equal(t, int64(1), e.Stats().Misses)
}

func TestEngine_PutThenGetHitsMemoryTier(t *testing.T) {
	e := New(memory.NewStore(10, time.Hour), nil, nil, SimilarityConfig{}, nil, zap.NewNop())
	ctx := context.Background()
	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "hello"}

	require.NoError(t, e.Put(ctx, key, types.CacheEntry{Payload: []byte("response")}))

	result, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Hit)
	assert.Equal(t, TierMemory, result.Tier)
	assert.Equal(t, "response", string(result.Entry.Payload))
}

func TestEngine_PromotesDurableHitToMemory(t *testing.T) {
	dur := newTestDurableStore(t)
	e := New(memory.NewStore(10, time.Hour), dur, nil, SimilarityConfig{}, nil, zap.NewNop())
	ctx := context.Background()
	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "hello"}
	fp := key.Fingerprint()

	require.NoError(t, dur.Set(ctx, types.CacheEntry{Key: "mediator:cache:" + fp, Payload: []byte("durable-response"), Provider: "p", CreatedAt: time.Now()}))

	result, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Hit)
	assert.Equal(t, TierDurable, result.Tier)

	memResult, ok := e.memory.Get("mediator:cache:"+fp, time.Now())
	require.True(t, ok, "durable hit should be promoted into the memory tier")
	assert.Equal(t, "durable-response", string(memResult.Payload))
}

// TestEngine_SemanticThresholdIsStrict encodes B3: a candidate whose
// similarity score exactly equals the configured threshold must not count
// as a hit.
func TestEngine_SemanticThresholdIsStrict(t *testing.T) {
	dur := newTestDurableStore(t)
	sim := SimilarityConfig{Enabled: true, Algorithm: similarity.Jaccard, Threshold: 1.0}
	e := New(memory.NewStore(10, time.Hour), dur, nil, sim, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, dur.Set(ctx, types.CacheEntry{
		Key: "mediator:cache:other", Payload: []byte("cached"), Provider: "p",
		NormalizedPrompt: "identical text", CreatedAt: time.Now(),
	}))

	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "identical text"}
	result, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, result.Hit, "a similarity score equal to the threshold must not be a hit")
}

func TestEngine_SemanticHitAboveThreshold(t *testing.T) {
	dur := newTestDurableStore(t)
	sim := SimilarityConfig{Enabled: true, Algorithm: similarity.Jaccard, Threshold: 0.5}
	e := New(memory.NewStore(10, time.Hour), dur, nil, sim, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, dur.Set(ctx, types.CacheEntry{
		Key: "mediator:cache:other", Payload: []byte("cached"), Provider: "p",
		NormalizedPrompt: "summarize the quarterly revenue report", CreatedAt: time.Now(),
	}))

	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "summarize the quarterly revenue results"}
	result, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Hit)
	assert.Equal(t, TierSemantic, result.Tier)
	assert.Greater(t, result.Similarity, 0.5)
}

func TestEngine_SemanticDisabledNeverFallsBack(t *testing.T) {
	dur := newTestDurableStore(t)
	e := New(memory.NewStore(10, time.Hour), dur, nil, SimilarityConfig{Enabled: false}, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, dur.Set(ctx, types.CacheEntry{
		Key: "mediator:cache:other", Payload: []byte("cached"), Provider: "p",
		NormalizedPrompt: "identical text", CreatedAt: time.Now(),
	}))

	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "identical text"}
	result, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, result.Hit)
}

func TestEngine_CoalesceRunsFunctionOnceAndReturnsItsValue(t *testing.T) {
	e := New(memory.NewStore(10, time.Hour), nil, nil, SimilarityConfig{}, nil, zap.NewNop())

	calls := 0
	fn := func() (any, error) {
		calls++
		return "value", nil
	}

	v1, err1, _ := e.Coalesce("same-key", fn)
	require.NoError(t, err1)
	assert.Equal(t, "value", v1)
	assert.Equal(t, 1, calls)
}

func TestEngine_StatsReflectsHitsAndMisses(t *testing.T) {
	e := New(memory.NewStore(10, time.Hour), nil, nil, SimilarityConfig{}, nil, zap.NewNop())
	ctx := context.Background()
	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "hello"}

	_, _ = e.Get(ctx, key) // miss
	require.NoError(t, e.Put(ctx, key, types.CacheEntry{Payload: []byte("x")}))
	_, _ = e.Get(ctx, key) // hit

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.HitsByTier[TierMemory])
	assert.Equal(t, int64(1), stats.Writes)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestEngine_StatsTracksAverageLookupLatency(t *testing.T) {
	e := New(memory.NewStore(10, time.Hour), nil, nil, SimilarityConfig{}, nil, zap.NewNop())
	ctx := context.Background()
	key := Key{Provider: "p", Model: "m", NormalizedPrompt: "hello"}

	assert.Equal(t, time.Duration(0), e.Stats().AverageLookupLatency, "no lookups yet")

	_, _ = e.Get(ctx, key)
	_, _ = e.Get(ctx, key)

	stats := e.Stats()
	assert.Greater(t, stats.AverageLookupLatency, time.Duration(0))
}
