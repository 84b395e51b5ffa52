// Package router implements C5: strategy-based provider selection and the
// failover dispatch loop that sits on top of the cache engine, ledger and
// per-provider circuit breakers (§4.5).
package router

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmcore/mediator/adapter"
	"github.com/llmcore/mediator/circuit"
	"github.com/llmcore/mediator/ledger"
)

// StrategyName selects which scoring function ranks eligible providers.
type StrategyName string

const (
	StrategyCostBased    StrategyName = "cost-based"
	StrategyLatencyBased StrategyName = "latency-based"
	StrategyQualityBased StrategyName = "quality-based"
	StrategyRoundRobin   StrategyName = "round-robin"
	StrategyWeighted     StrategyName = "weighted"
)

const healthEMAAlpha = 0.2

// HealthRecord tracks a provider's rolling latency and success rate, fed by
// both live dispatch outcomes and the independent health-check loop. Reads
// and writes never touch circuit breaker state (§7: the health loop must
// never propagate into live requests).
type HealthRecord struct {
	mu          sync.Mutex
	latencyEMA  time.Duration
	successRate float64
	initialized bool
}

// Observe folds one outcome into the rolling averages.
func (r *HealthRecord) Observe(latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs := 0.0
	if success {
		obs = 1.0
	}
	if !r.initialized {
		r.latencyEMA = latency
		r.successRate = obs
		r.initialized = true
		return
	}
	r.latencyEMA = time.Duration(float64(r.latencyEMA)*(1-healthEMAAlpha) + float64(latency)*healthEMAAlpha)
	r.successRate = r.successRate*(1-healthEMAAlpha) + obs*healthEMAAlpha
}

// Snapshot returns the current rolling latency and success rate.
func (r *HealthRecord) Snapshot() (latency time.Duration, successRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latencyEMA, r.successRate
}

// ProviderEntry is one registered provider: its adapter, its own breaker and
// load limiter (C4 is per-provider, §4.4), and its rolling health.
type ProviderEntry struct {
	Name     string
	Adapter  adapter.Provider
	Breaker  *circuit.Breaker
	Limiter  *circuit.Limiter
	Weight   float64
	Health   *HealthRecord
	describe adapter.Describe
}

func (e *ProviderEntry) hasCapabilities(required []adapter.Capability) bool {
	for _, c := range required {
		if !e.describe.HasCapability(c) {
			return false
		}
	}
	return true
}

// pickModel resolves the model the caller asked for. Providers that don't
// enumerate the id in their catalog are still passed it verbatim — some
// adapters accept arbitrary model ids.
func (e *ProviderEntry) pickModel(requested string) string {
	return requested
}

// SelectionRequest is the input to one Selection pass (§4.5 step 1-2).
type SelectionRequest struct {
	ExplicitProvider      string
	Model                 string
	RequiredCapabilities  []adapter.Capability
	EstimatedInputTokens  int
	EstimatedOutputTokens int
}

// Eligible filters entries down to those currently admittable by both their
// breaker and load limiter, and that declare every required capability
// (§4.5 Selection step 1). It never mutates breaker/limiter state.
func Eligible(entries []*ProviderEntry, required []adapter.Capability) []*ProviderEntry {
	out := make([]*ProviderEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Breaker.PeekAdmittable() || !e.Limiter.CanAdmit() {
			continue
		}
		if !e.hasCapabilities(required) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Selector ranks eligible providers into an ordered attempt list per §4.5
// Selection step 2: an explicit/eligible provider goes first, the remaining
// eligible providers form the failover tail in strategy order.
type Selector struct {
	strategy  StrategyName
	priceBook *ledger.PriceBook
	rrCounter uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector builds a Selector. seed only matters for the weighted
// strategy's sampling order; pass a fixed seed for deterministic tests.
func NewSelector(strategy StrategyName, priceBook *ledger.PriceBook, seed int64) *Selector {
	return &Selector{
		strategy:  strategy,
		priceBook: priceBook,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Select builds the ordered attempt list for req over entries. Returns nil
// if no provider is currently eligible.
func (s *Selector) Select(entries []*ProviderEntry, req SelectionRequest) []*ProviderEntry {
	eligible := Eligible(entries, req.RequiredCapabilities)
	if len(eligible) == 0 {
		return nil
	}

	if req.ExplicitProvider != "" {
		for i, e := range eligible {
			if e.Name == req.ExplicitProvider {
				rest := make([]*ProviderEntry, 0, len(eligible)-1)
				rest = append(rest, eligible[:i]...)
				rest = append(rest, eligible[i+1:]...)
				return append([]*ProviderEntry{e}, s.rank(rest, req)...)
			}
		}
		// Named provider is absent or currently ineligible: fall through to
		// ordinary strategy-based selection over the rest (§4.5 step 2).
	}

	return s.rank(eligible, req)
}

func (s *Selector) rank(entries []*ProviderEntry, req SelectionRequest) []*ProviderEntry {
	if len(entries) == 0 {
		return nil
	}
	switch s.strategy {
	case StrategyLatencyBased:
		return s.rankLatency(entries)
	case StrategyQualityBased:
		return s.rankQuality(entries)
	case StrategyRoundRobin:
		return s.rankRoundRobin(entries)
	case StrategyWeighted:
		return s.rankWeighted(entries)
	default:
		return s.rankCost(entries, req)
	}
}

func sortedCopy(entries []*ProviderEntry, less func(a, b *ProviderEntry) bool) []*ProviderEntry {
	out := make([]*ProviderEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// rankCost orders by estimated cost ascending (cheapest first), tie-broken
// by lower rolling latency then by name for full determinism.
func (s *Selector) rankCost(entries []*ProviderEntry, req SelectionRequest) []*ProviderEntry {
	usage := adapter.Usage{InputTokens: req.EstimatedInputTokens, OutputTokens: req.EstimatedOutputTokens}
	cost := make(map[string]float64, len(entries))
	latency := make(map[string]time.Duration, len(entries))
	for _, e := range entries {
		cost[e.Name] = ledger.Compute(s.priceBook, e.Name, req.Model, usage, nil, 0)
		l, _ := e.Health.Snapshot()
		latency[e.Name] = l
	}
	return sortedCopy(entries, func(a, b *ProviderEntry) bool {
		if cost[a.Name] != cost[b.Name] {
			return cost[a.Name] < cost[b.Name]
		}
		if latency[a.Name] != latency[b.Name] {
			return latency[a.Name] < latency[b.Name]
		}
		return a.Name < b.Name
	})
}

// rankLatency orders by rolling latency ascending, tie-broken by higher
// rolling success rate then by name.
func (s *Selector) rankLatency(entries []*ProviderEntry) []*ProviderEntry {
	latency := make(map[string]time.Duration, len(entries))
	success := make(map[string]float64, len(entries))
	for _, e := range entries {
		l, sr := e.Health.Snapshot()
		latency[e.Name], success[e.Name] = l, sr
	}
	return sortedCopy(entries, func(a, b *ProviderEntry) bool {
		if latency[a.Name] != latency[b.Name] {
			return latency[a.Name] < latency[b.Name]
		}
		if success[a.Name] != success[b.Name] {
			return success[a.Name] > success[b.Name]
		}
		return a.Name < b.Name
	})
}

// rankQuality orders by rolling success rate descending, tie-broken by
// lower rolling latency then by name.
func (s *Selector) rankQuality(entries []*ProviderEntry) []*ProviderEntry {
	latency := make(map[string]time.Duration, len(entries))
	success := make(map[string]float64, len(entries))
	for _, e := range entries {
		l, sr := e.Health.Snapshot()
		latency[e.Name], success[e.Name] = l, sr
	}
	return sortedCopy(entries, func(a, b *ProviderEntry) bool {
		if success[a.Name] != success[b.Name] {
			return success[a.Name] > success[b.Name]
		}
		if latency[a.Name] != latency[b.Name] {
			return latency[a.Name] < latency[b.Name]
		}
		return a.Name < b.Name
	})
}

// rankRoundRobin orders entries by name for a stable base ordering, then
// rotates that ordering by an atomically advancing counter so consecutive
// calls cycle through providers.
func (s *Selector) rankRoundRobin(entries []*ProviderEntry) []*ProviderEntry {
	base := sortedCopy(entries, func(a, b *ProviderEntry) bool { return a.Name < b.Name })
	n := len(base)
	start := int(atomic.AddUint64(&s.rrCounter, 1)-1) % n
	out := make([]*ProviderEntry, n)
	for i := 0; i < n; i++ {
		out[i] = base[(start+i)%n]
	}
	return out
}

// rankWeighted samples without replacement using each entry's Weight (§4.5
// "weighted" strategy), falling back to an equal weight of 1 for entries
// with a non-positive Weight.
func (s *Selector) rankWeighted(entries []*ProviderEntry) []*ProviderEntry {
	remaining := make([]*ProviderEntry, len(entries))
	copy(remaining, entries)
	out := make([]*ProviderEntry, 0, len(entries))

	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	for len(remaining) > 0 {
		total := 0.0
		for _, e := range remaining {
			total += weightOf(e)
		}
		pick := s.rng.Float64() * total
		idx := len(remaining) - 1
		cursor := 0.0
		for i, e := range remaining {
			cursor += weightOf(e)
			if pick < cursor {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func weightOf(e *ProviderEntry) float64 {
	if e.Weight > 0 {
		return e.Weight
	}
	return 1
}
