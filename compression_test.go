package websocket

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCompressor(t *testing.T, takeover bool) *FlateCompressor {
	t.Helper()
	c, err := NewFlateCompressor(defaultCompressionLevel, 0, takeover)
	require.NoError(t, err)
	return c
}

func TestNewFlateCompressorLevelBounds(t *testing.T) {
	for _, level := range []int{-2, 0, 9} {
		_, err := NewFlateCompressor(level, 0, false)
		assert.NoError(t, err, "level %d", level)
	}
	for _, level := range []int{-3, 10} {
		_, err := NewFlateCompressor(level, 0, false)
		assert.Error(t, err, "level %d", level)
	}
}

func TestFlateCompressorAccessors(t *testing.T) {
	c, err := NewFlateCompressor(defaultCompressionLevel, 64, false)
	require.NoError(t, err)
	assert.Equal(t, byte(rsv1Bit), c.RSV())
	assert.Equal(t, 64, c.Threshold())
}

func TestFlateCompressorRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"short text", "Hello, world"},
		{"empty", ""},
		{"repetitive", strings.Repeat("compress me ", 500)},
		{"binary-ish", string(bytes.Repeat([]byte{0, 1, 2, 0xff}, 300))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCompressor(t, false)
			compressed, err := c.Compress([]byte(tt.payload), true)
			require.NoError(t, err)

			out, err := c.Decompress(compressed, true)
			require.NoError(t, err)
			assert.Equal(t, []byte(tt.payload), out)
		})
	}
}

func TestFlateCompressorStripsTrailer(t *testing.T) {
	c := newTestCompressor(t, false)
	compressed, err := c.Compress([]byte("Hello"), true)
	require.NoError(t, err)
	assert.False(t, bytes.HasSuffix(compressed, deflateTrailer))
}

func TestFlateCompressorFragmented(t *testing.T) {
	c := newTestCompressor(t, false)

	part1, err := c.Compress([]byte("Hello, "), false)
	require.NoError(t, err)
	part2, err := c.Compress([]byte("world"), true)
	require.NoError(t, err)

	// The receiver accumulates the compressed fragments and inflates once.
	out, err := c.Decompress(append(part1, part2...), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello, world"), out)
}

func TestFlateCompressorAccumulatesFragments(t *testing.T) {
	c := newTestCompressor(t, false)
	compressed, err := c.Compress([]byte("split me"), true)
	require.NoError(t, err)

	mid := len(compressed) / 2
	out, err := c.Decompress(compressed[:mid], false)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = c.Decompress(compressed[mid:], true)
	require.NoError(t, err)
	assert.Equal(t, []byte("split me"), out)
}

func TestFlateCompressorContextTakeover(t *testing.T) {
	for _, takeover := range []bool{true, false} {
		name := "without takeover"
		if takeover {
			name = "with takeover"
		}
		t.Run(name, func(t *testing.T) {
			c := newTestCompressor(t, takeover)
			messages := []string{
				"a common prefix for every message",
				"a common prefix for every message, again",
				"a common prefix for every message, third time",
			}
			for _, msg := range messages {
				compressed, err := c.Compress([]byte(msg), true)
				require.NoError(t, err)
				out, err := c.Decompress(compressed, true)
				require.NoError(t, err)
				require.Equal(t, []byte(msg), out)
			}
		})
	}
}

func TestFlateCompressorCorruptInput(t *testing.T) {
	c := newTestCompressor(t, false)
	_, err := c.Decompress([]byte{0xde, 0xad, 0xbe, 0xef, 0xff, 0xff}, true)
	assert.Error(t, err)
}
