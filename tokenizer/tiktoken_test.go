package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmcore/mediator/types"
)

func TestNewTiktokenTokenizer_KnownModel(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "o200k_base", tok.encoding)
	assert.Equal(t, 128000, tok.MaxTokens())
}

func TestNewTiktokenTokenizer_PrefixMatch(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4o-2024-08-06")
	require.NoError(t, err)
	assert.Equal(t, "o200k_base", tok.encoding)
}

func TestNewTiktokenTokenizer_UnknownModelFallsBackToCl100k(t *testing.T) {
	tok, err := NewTiktokenTokenizer("some-unknown-model")
	require.NoError(t, err)
	assert.Equal(t, "cl100k_base", tok.encoding)
	assert.Equal(t, 8192, tok.MaxTokens())
}

func TestTiktokenTokenizer_CountTokens(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4")
	require.NoError(t, err)

	count, err := tok.CountTokens("hello, world!")
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestTiktokenTokenizer_CountMessages_IncludesOverhead(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4")
	require.NoError(t, err)

	messages := []types.Message{
		{Role: types.RoleUser, Content: "hello"},
	}

	total, err := tok.CountMessages(messages)
	require.NoError(t, err)

	bare, err := tok.CountTokens("hello")
	require.NoError(t, err)
	assert.Greater(t, total, bare)
}

func TestTiktokenTokenizer_EncodeDecodeRoundTrip(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4")
	require.NoError(t, err)

	ids, err := tok.Encode("round trip test")
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "round trip test", text)
}

func TestTiktokenTokenizer_Name(t *testing.T) {
	tok, err := NewTiktokenTokenizer("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[cl100k_base]", tok.Name())
}

func TestRegisterOpenAITokenizers(t *testing.T) {
	RegisterOpenAITokenizers()

	tok, err := GetTokenizer("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[o200k_base]", tok.Name())
}
