package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerArgs(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{
			"comma separated with embedded space",
			"--max-tokens=256,--temp=0.5,--chat-template=/a b/c.txt",
			[]string{"--max-tokens=256", "--temp=0.5", "--chat-template=/a b/c.txt"},
		},
		{
			"whitespace legacy fallback",
			"--max-tokens=256 --temp=0.5",
			[]string{"--max-tokens=256", "--temp=0.5"},
		},
		{"empty", "", nil},
		{"comma with blanks", "--a=1, ,--b=2,", []string{"--a=1", "--b=2"}},
		{"single token", "--trust-remote-code", []string{"--trust-remote-code"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseServerArgs(tt.raw))
		})
	}
}

func TestArgSet_FlagForms(t *testing.T) {
	set := NewArgSet([]string{
		"--decode-concurrency=64",
		"--prompt-concurrency", "8",
		"--trust-remote-code",
	})

	assert.True(t, set.Has("--decode-concurrency"))
	value, ok := set.Value("--decode-concurrency")
	require.True(t, ok)
	assert.Equal(t, "64", value)

	assert.True(t, set.Has("--prompt-concurrency"))
	value, ok = set.Value("--prompt-concurrency")
	require.True(t, ok)
	assert.Equal(t, "8", value)

	assert.True(t, set.Has("--trust-remote-code"))
	assert.False(t, set.Has("--missing"))
}

func TestArgSet_TokensPreserved(t *testing.T) {
	tokens := []string{"--temp=0.5", "--chat-template=/a b/c.txt"}
	set := NewArgSet(tokens)
	assert.Equal(t, tokens, set.Tokens())
}
