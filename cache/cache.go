package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/llmcore/mediator/cache/distributed"
	"github.com/llmcore/mediator/cache/durable"
	"github.com/llmcore/mediator/cache/memory"
	"github.com/llmcore/mediator/cache/similarity"
	"github.com/llmcore/mediator/types"
)

// Tier names used in stats and emitted events.
const (
	TierMemory      = "memory"
	TierDurable     = "durable"
	TierDistributed = "distributed"
	TierSemantic    = "semantic"
)

// SimilarityConfig configures the semantic fallback tier.
type SimilarityConfig struct {
	Enabled    bool
	Algorithm  similarity.Algorithm
	Threshold  float64
	ScanWindow int
}

// Result is the outcome of a Get call.
type Result struct {
	Entry      types.CacheEntry
	Hit        bool
	Tier       string
	Similarity float64 // set only when Tier == TierSemantic
}

// Stats is a snapshot of the cache engine's running counters (§4.2).
type Stats struct {
	Requests             int64
	HitsByTier           map[string]int64
	Misses               int64
	SemanticHits         int64
	Writes               int64
	Evictions            int64
	AverageLookupLatency time.Duration
}

// Engine is the three-tier cache with semantic fallback (§4.2). Durable and
// distributed tiers are optional; a nil tier is skipped.
type Engine struct {
	memory      *memory.Store
	durable     *durable.Store
	distributed *distributed.Store
	similarity  SimilarityConfig
	strategy    Strategy

	group  singleflight.Group
	logger *zap.Logger

	OnEvent func(name string, fields map[string]any)

	mu            sync.Mutex
	requests      int64
	hitsByTier    map[string]int64
	misses        int64
	semanticHits  int64
	writes        int64
	evictions     int64
	lookups       int64
	lookupLatency time.Duration
}

// New builds a cache Engine. memory must not be nil; durable/distributed
// may be nil to disable those tiers.
func New(mem *memory.Store, dur *durable.Store, dist *distributed.Store, sim SimilarityConfig, strategy Strategy, logger *zap.Logger) *Engine {
	if strategy == nil {
		strategy = FingerprintStrategy{}
	}
	return &Engine{
		memory:      mem,
		durable:     dur,
		distributed: dist,
		similarity:  sim,
		strategy:    strategy,
		logger:      logger.With(zap.String("component", "cache_engine")),
		hitsByTier:  make(map[string]int64),
	}
}

func (e *Engine) emit(name string, fields map[string]any) {
	if e.OnEvent != nil {
		e.OnEvent(name, fields)
	}
}

func (e *Engine) recordHit(tier string) {
	e.mu.Lock()
	e.requests++
	e.hitsByTier[tier]++
	e.mu.Unlock()
}

func (e *Engine) recordMiss() {
	e.mu.Lock()
	e.requests++
	e.misses++
	e.mu.Unlock()
}

func (e *Engine) recordSemanticHit() {
	e.mu.Lock()
	e.requests++
	e.semanticHits++
	e.mu.Unlock()
}

func (e *Engine) recordWrite() {
	e.mu.Lock()
	e.writes++
	e.mu.Unlock()
}

func (e *Engine) recordLookupLatency(d time.Duration) {
	e.mu.Lock()
	e.lookups++
	e.lookupLatency += d
	e.mu.Unlock()
}

// Get looks up key across tiers in order, promoting on a slower-tier hit and
// falling back to semantic similarity search when no tier has an exact hit.
func (e *Engine) Get(ctx context.Context, key Key) (Result, error) {
	fp := e.strategy.GenerateKey(key)
	now := time.Now()
	defer func() { e.recordLookupLatency(time.Since(now)) }()

	if entry, ok := e.memory.Get(fp, now); ok {
		e.recordHit(TierMemory)
		e.emit("cache:hit", map[string]any{"tier": TierMemory, "key": fp})
		return Result{Entry: entry, Hit: true, Tier: TierMemory}, nil
	}

	if e.durable != nil {
		entry, err := e.durable.Get(ctx, fp)
		if err == nil {
			e.promote(entry, 1)
			e.recordHit(TierDurable)
			e.emit("cache:hit", map[string]any{"tier": TierDurable, "key": fp})
			return Result{Entry: entry, Hit: true, Tier: TierDurable}, nil
		} else if err != durable.ErrNotFound {
			e.logger.Warn("durable tier lookup failed", zap.Error(err))
		}
	}

	if e.distributed != nil {
		entry, err := e.distributed.Get(ctx, fp)
		if err == nil {
			e.promote(entry, 2)
			e.recordHit(TierDistributed)
			e.emit("cache:hit", map[string]any{"tier": TierDistributed, "key": fp})
			return Result{Entry: entry, Hit: true, Tier: TierDistributed}, nil
		} else if err != distributed.ErrNotFound {
			e.logger.Warn("distributed tier lookup failed", zap.Error(err))
		}
	}

	if e.similarity.Enabled && e.durable != nil {
		if result, ok := e.semanticLookup(ctx, key, fp); ok {
			e.recordSemanticHit()
			e.emit("cache:semantic-hit", map[string]any{"similarity": result.Similarity, "key": fp})
			e.promote(result.Entry, 0)
			return result, nil
		}
	}

	e.recordMiss()
	e.emit("cache:miss", map[string]any{"key": fp})
	return Result{Hit: false}, nil
}

// semanticLookup scans a bounded, deterministically ordered window of
// non-expired durable entries for the same provider and returns the
// highest-scoring candidate that strictly exceeds the configured threshold
// (B3: equality does not count).
func (e *Engine) semanticLookup(ctx context.Context, key Key, fp string) (Result, bool) {
	window := e.similarity.ScanWindow
	if window <= 0 {
		window = 100
	}
	candidates, err := e.durable.SimilarityCandidates(ctx, key.Provider, window)
	if err != nil {
		e.logger.Warn("similarity scan failed", zap.Error(err))
		return Result{}, false
	}

	var best types.CacheEntry
	bestScore := -1.0
	for _, c := range candidates {
		score := similarity.Score(e.similarity.Algorithm, key.NormalizedPrompt, c.NormalizedPrompt)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}

	if bestScore <= e.similarity.Threshold {
		return Result{}, false
	}

	return Result{Entry: best, Hit: true, Tier: TierSemantic, Similarity: bestScore}, true
}

// promote synchronously re-inserts entry into tiers 1..n-1 above the tier
// it was found in (§4.2 Promotion).
func (e *Engine) promote(entry types.CacheEntry, foundAtTier int) {
	// foundAtTier: 0 = semantic/durable scan, 1 = durable, 2 = distributed.
	e.memory.Set(entry.Key, entry)
	if foundAtTier >= 2 && e.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.durable.Set(ctx, entry); err != nil {
			e.logger.Warn("promotion to durable tier failed", zap.Error(err))
		}
	}
}

// Put writes entry write-through: synchronously to the fastest tier, then
// asynchronously (in order) to slower tiers. It never blocks the request
// path on the distributed tier.
func (e *Engine) Put(ctx context.Context, key Key, entry types.CacheEntry) error {
	fp := e.strategy.GenerateKey(key)
	entry.Key = fp
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Provider == "" {
		entry.Provider = key.Provider
	}
	if entry.Model == "" {
		entry.Model = key.Model
	}
	if entry.NormalizedPrompt == "" {
		entry.NormalizedPrompt = key.NormalizedPrompt
	}

	e.memory.Set(fp, entry)
	e.recordWrite()

	if e.durable == nil && e.distributed == nil {
		return nil
	}

	go func(entry types.CacheEntry) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if e.durable != nil {
			if err := e.durable.Set(ctx, entry); err != nil {
				e.logger.Warn("durable tier write failed", zap.Error(err))
			}
		}
		if e.distributed != nil {
			if err := e.distributed.Set(ctx, entry); err != nil {
				e.logger.Warn("distributed tier write failed", zap.Error(err))
			}
		}
	}(entry)

	return nil
}

// Coalesce runs fn for fingerprint fp, ensuring concurrent callers for the
// same key await a single in-flight execution (§4.2's recommended
// coalescing; correctness does not depend on it).
func (e *Engine) Coalesce(fp string, fn func() (any, error)) (any, error, bool) {
	v, err, shared := e.group.Do(fp, fn)
	return v, err, shared
}

// Stats returns a snapshot of the engine's running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	byTier := make(map[string]int64, len(e.hitsByTier))
	for k, v := range e.hitsByTier {
		byTier[k] = v
	}
	memStats := e.memory.Stats()
	var avgLatency time.Duration
	if e.lookups > 0 {
		avgLatency = e.lookupLatency / time.Duration(e.lookups)
	}
	return Stats{
		Requests:             e.requests,
		HitsByTier:           byTier,
		Misses:               e.misses,
		SemanticHits:         e.semanticHits,
		Writes:               e.writes,
		Evictions:            e.evictions + memStats.Evictions,
		AverageLookupLatency: avgLatency,
	}
}

// HitRate returns the rolling overall hit rate across all tiers, including
// semantic hits.
func (s Stats) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	var hits int64
	for _, v := range s.HitsByTier {
		hits += v
	}
	hits += s.SemanticHits
	return float64(hits) / float64(s.Requests)
}
