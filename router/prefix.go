package router

import "strings"

// PrefixRule maps a model id prefix straight to a provider, bypassing
// strategy-based scoring entirely.
type PrefixRule struct {
	Prefix   string
	Provider string
}

// PrefixRouter resolves a model id to a provider by longest-prefix match.
type PrefixRouter struct {
	rules []PrefixRule
}

// NewPrefixRouter builds a PrefixRouter. Rules are sorted by descending
// prefix length so the most specific rule always wins.
func NewPrefixRouter(rules []PrefixRule) *PrefixRouter {
	sorted := make([]PrefixRule, len(rules))
	copy(sorted, rules)
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if len(sorted[j].Prefix) < len(sorted[j+1].Prefix) {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}
	return &PrefixRouter{rules: sorted}
}

// Resolve returns the provider bound to the longest matching prefix of
// modelID, if any.
func (r *PrefixRouter) Resolve(modelID string) (string, bool) {
	if r == nil || modelID == "" {
		return "", false
	}
	for _, rule := range r.rules {
		if strings.HasPrefix(modelID, rule.Prefix) {
			return rule.Provider, true
		}
	}
	return "", false
}

// Rules returns the router's rules in match order, for diagnostics.
func (r *PrefixRouter) Rules() []PrefixRule {
	if r == nil {
		return nil
	}
	return r.rules
}
