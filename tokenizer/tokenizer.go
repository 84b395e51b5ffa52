// Package tokenizer estimates the input token count of a request without a
// round trip to the provider. The router and ledger do not call it: the
// dispatcher takes its estimate from DispatchRequest.EstimatedInputTokens,
// and the ledger's budget checks read only each scope's exceeded flag.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/llmcore/mediator/types"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the given text.
	CountTokens(text string) (int, error)

	// CountMessages returns the total token count for a message list,
	// including per-message overhead (role markers, separators, etc.).
	CountMessages(messages []types.Message) (int, error)

	// Encode converts text into a list of token IDs.
	Encode(text string) ([]int, error)

	// Decode converts token IDs back into text.
	Decode(tokens []int) (string, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns a human-readable tokenizer name.
	Name() string
}

var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer registers a tokenizer for the given model name.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer returns the tokenizer registered for the given model. It also
// attempts prefix matching (e.g. "gpt-4o" matches "gpt-4o-mini").
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}
	for prefix, t := range modelTokenizers {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator returns the registered tokenizer for the model,
// falling back to a generic character-based estimator if none is registered.
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model, 0)
	}
	return t
}

// EstimateInputTokens is a convenience entry point: count the tokens of
// messages using whatever tokenizer is registered for model, falling back
// to the estimator. Errors from a misbehaving registered
// tokenizer fall back to the estimator too, since an estimate is always
// preferable to refusing to route or budget-check the request.
func EstimateInputTokens(model string, messages []types.Message) int {
	t := GetTokenizerOrEstimator(model)
	count, err := t.CountMessages(messages)
	if err != nil {
		count, _ = NewEstimatorTokenizer(model, 0).CountMessages(messages)
	}
	return count
}
