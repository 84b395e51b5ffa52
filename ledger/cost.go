package ledger

import (
	"sync"

	"github.com/llmcore/mediator/adapter"
)

// PriceBook holds per-(provider, model) pricing, looked up by the cost
// formula in §4.3.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]adapter.Pricing
}

// NewPriceBook creates an empty PriceBook. Callers seed it with
// SetPrice or load pricing from adapter.Describe() calls.
func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[string]adapter.Pricing)}
}

func priceKey(provider, model string) string { return provider + ":" + model }

// SetPrice registers pricing for provider/model.
func (b *PriceBook) SetPrice(provider, model string, pricing adapter.Pricing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[priceKey(provider, model)] = pricing
}

// Price returns the pricing for provider/model, if known.
func (b *PriceBook) Price(provider, model string) (adapter.Pricing, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[priceKey(provider, model)]
	return p, ok
}

// LoadFromDescribe seeds the book from a provider's static model catalog.
func (b *PriceBook) LoadFromDescribe(d adapter.Describe) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, spec := range d.Models {
		b.prices[priceKey(d.Name, id)] = spec.Pricing
	}
}

// Compute implements the §4.3 cost formula. If nativeCost is non-nil it is
// preferred over the formula.
func Compute(book *PriceBook, provider, model string, usage adapter.Usage, nativeCost *float64, multimodalUnits float64) float64 {
	if nativeCost != nil {
		return *nativeCost
	}

	pricing, ok := book.Price(provider, model)
	if !ok {
		return 0
	}

	cost := float64(usage.InputTokens)*pricing.InputPrice + float64(usage.OutputTokens)*pricing.OutputPrice
	if usage.ReasoningTokens > 0 && pricing.ReasoningPrice != nil {
		cost += float64(usage.ReasoningTokens) * *pricing.ReasoningPrice
	}
	if usage.CachedInputTokens > 0 && pricing.CachedInputPrice != nil {
		cost += float64(usage.CachedInputTokens) * *pricing.CachedInputPrice
	}
	if multimodalUnits > 0 && pricing.MultimodalPrice != nil {
		cost += multimodalUnits * *pricing.MultimodalPrice
	}
	return cost
}
