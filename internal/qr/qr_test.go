package qr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.NotEmpty(t, tok)
		assert.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}

func TestPNG(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)

	png, err := PNG("sess-1", tok, 256)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "PNG magic bytes")
}

func TestPNGDefaultSize(t *testing.T) {
	png, err := PNG("sess-1", "tok", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}
