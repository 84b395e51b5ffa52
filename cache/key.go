// Package cache implements the three-tier cache engine (memory, durable,
// distributed) with semantic-similarity fallback described in §4.2.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/llmcore/mediator/types"
)

// SamplingParams are the sampling knobs that influence output and therefore
// participate in the prompt key fingerprint.
type SamplingParams struct {
	Temperature float32
	MaxTokens   int
}

// NormalizedMessage is one (role, normalized-content) pair, the unit the
// fingerprint serializes for structured message lists.
type NormalizedMessage struct {
	Role    string
	Content string
}

// NormalizeContent trims, collapses whitespace runs, normalizes line
// endings and lowercases text (§3 Prompt Key). Idempotent: applying it
// twice yields the same result as applying it once (P7).
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ToLower(s)
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// NormalizeMessages converts a message slice into its canonical form.
func NormalizeMessages(msgs []types.Message) []NormalizedMessage {
	out := make([]NormalizedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = NormalizedMessage{Role: string(m.Role), Content: NormalizeContent(m.Content)}
	}
	return out
}

// Key is a canonical fingerprint of a request (§3 Prompt Key): provider,
// model, the normalized prompt, and the sampling parameters that influence
// output.
type Key struct {
	Provider         string
	Model            string
	NormalizedPrompt string // flattened normalized message sequence, retained for similarity search
	Sampling         SamplingParams
}

// NewKey builds a Key from a request, normalizing the message list and
// flattening it into the retained normalized-prompt text.
func NewKey(provider, model string, msgs []types.Message, sampling SamplingParams) Key {
	normalized := NormalizeMessages(msgs)
	var b strings.Builder
	for i, m := range normalized {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
	}
	return Key{
		Provider:         provider,
		Model:            model,
		NormalizedPrompt: b.String(),
		Sampling:         sampling,
	}
}

// Fingerprint returns the cryptographic digest over the canonical
// serialization — the actual cache key used by every tier.
func (k Key) Fingerprint() string {
	var b strings.Builder
	b.WriteString(k.Provider)
	b.WriteByte('|')
	b.WriteString(k.Model)
	b.WriteByte('|')
	b.WriteString(k.NormalizedPrompt)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(float64(k.Sampling.Temperature), 'f', 4, 32))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.Sampling.MaxTokens))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Strategy generates a lookup key for a request. FingerprintStrategy is the
// default, hashing the full request; HierarchicalStrategy is an alternative
// that lets multi-turn conversations share a cache-key prefix across turns.
type Strategy interface {
	GenerateKey(k Key) string
	Name() string
}

// FingerprintStrategy is the default strategy: the full canonical digest.
type FingerprintStrategy struct{}

func (FingerprintStrategy) Name() string { return "fingerprint" }

func (FingerprintStrategy) GenerateKey(k Key) string {
	return "mediator:cache:" + k.Fingerprint()
}

// HierarchicalStrategy keys on provider:model plus a hash of every message
// but the last, so the first N-1 turns of a conversation can share a cache
// prefix even as the final user turn changes.
type HierarchicalStrategy struct{}

func (HierarchicalStrategy) Name() string { return "hierarchical" }

func (HierarchicalStrategy) GenerateKey(k Key) string {
	base := "mediator:cache:" + k.Provider + ":" + k.Model
	lines := strings.Split(k.NormalizedPrompt, "\n")
	if len(lines) <= 1 {
		return base + ":initial"
	}
	history := strings.Join(lines[:len(lines)-1], "\n")
	sum := sha256.Sum256([]byte(history))
	return base + ":" + hex.EncodeToString(sum[:12])
}
