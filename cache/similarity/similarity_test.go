package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine_IdenticalText(t *testing.T) {
	assert.InDelta(t, 1.0, cosine("summarize the quarterly revenue report", "summarize the quarterly revenue report"), 1e-9)
}

func TestCosine_DisjointText(t *testing.T) {
	assert.Equal(t, 0.0, cosine("alpha beta gamma", "delta epsilon zeta"))
}

func TestCosine_CloseVariant(t *testing.T) {
	score := cosine("summarize the quarterly revenue report", "please summarize the quarterly revenue report")
	assert.Greater(t, score, 0.85)
	assert.Less(t, score, 1.0)
}

func TestJaccard_IdenticalText(t *testing.T) {
	assert.Equal(t, 1.0, jaccard("hello world", "hello world"))
}

func TestNormalizedLevenshtein_IdenticalText(t *testing.T) {
	assert.Equal(t, 1.0, normalizedLevenshtein("abcdef", "abcdef"))
}

func TestNormalizedLevenshtein_EmptyStrings(t *testing.T) {
	assert.Equal(t, 0.0, normalizedLevenshtein("", ""))
}

func TestScore_Dispatch(t *testing.T) {
	assert.Equal(t, cosine("a b", "a c"), Score(Cosine, "a b", "a c"))
	assert.Equal(t, jaccard("a b", "a c"), Score(Jaccard, "a b", "a c"))
	assert.Equal(t, normalizedLevenshtein("ab", "ac"), Score(Levenshtein, "ab", "ac"))
	assert.Equal(t, cosine("a b", "a c"), Score("unknown-algo", "a b", "a c"), "unknown algorithm falls back to cosine")
}
