package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	c := New(800, 100)
	assert.Empty(t, c.Split(""))
}

func TestSplitShortText(t *testing.T) {
	c := New(800, 100)
	chunks := c.Split("hello world")

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].CharStart)
	assert.Equal(t, 11, chunks[0].CharEnd)
}

func TestSplitCoverage(t *testing.T) {
	tests := []struct {
		name    string
		window  int
		overlap int
		text    string
	}{
		{"even words", 20, 5, strings.Repeat("alpha beta gamma ", 40)},
		{"long unbroken run", 20, 5, strings.Repeat("x", 500)},
		{"single paragraph", 50, 10, "The quick brown fox jumps over the lazy dog. " + strings.Repeat("Again and again. ", 30)},
		{"multibyte runes", 20, 5, strings.Repeat("héllo wörld ünïcode ", 25)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.window, tt.overlap)
			chunks := c.Split(tt.text)
			require.NotEmpty(t, chunks)

			runes := []rune(tt.text)

			// Spans must cover [0, len) with no gaps.
			assert.Equal(t, 0, chunks[0].CharStart)
			assert.Equal(t, len(runes), chunks[len(chunks)-1].CharEnd)
			for i := 1; i < len(chunks); i++ {
				assert.LessOrEqual(t, chunks[i].CharStart, chunks[i-1].CharEnd,
					"gap between chunk %d and %d", i-1, i)
				assert.Greater(t, chunks[i].CharEnd, chunks[i-1].CharEnd,
					"chunk %d does not advance", i)
			}

			// Ordinals are contiguous from zero.
			for i, chunk := range chunks {
				assert.Equal(t, i, chunk.Ordinal)
				assert.NotEmpty(t, chunk.Text)
			}
		})
	}
}

func TestSplitRoundTrip(t *testing.T) {
	text := strings.Repeat("Stray thoughts on craft and revision. ", 60)
	c := New(100, 20)

	runes := []rune(text)
	for _, chunk := range c.Split(text) {
		assert.Equal(t, string(runes[chunk.CharStart:chunk.CharEnd]), chunk.Text)
	}
}

func TestSplitOverlap(t *testing.T) {
	// Word length 4 plus a space: every window edge lands right after a space,
	// so windows never extend and successive chunks overlap by exactly the
	// configured amount.
	text := strings.Repeat("abcd ", 40)
	c := New(15, 5)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 2)
	for i := 1; i < len(chunks)-1; i++ {
		assert.Equal(t, c.OverlapChars, chunks[i-1].CharEnd-chunks[i].CharStart)
	}
}

func TestSplitWordExtension(t *testing.T) {
	// A long word straddling the window edge pulls the window forward to the
	// next whitespace.
	text := "aaa " + strings.Repeat("b", 18) + " ccc ddd eee fff ggg hhh"
	c := New(20, 5)

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	first := chunks[0]
	assert.True(t, strings.HasSuffix(first.Text, strings.Repeat("b", 18)),
		"window should extend through the long word, got %q", first.Text)
}

func TestSplitHardCap(t *testing.T) {
	// A word longer than window*1.25 is split at the cap.
	c := New(20, 5)
	text := strings.Repeat("z", 100)

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, chunk.CharEnd-chunk.CharStart, 25)
	}
}

func TestChunksRestartable(t *testing.T) {
	text := strings.Repeat("one two three four five ", 20)
	c := New(30, 10)

	seq := c.Chunks(text)
	first := make([]Chunk, 0)
	for chunk := range seq {
		first = append(first, chunk)
	}
	second := make([]Chunk, 0)
	for chunk := range seq {
		second = append(second, chunk)
	}
	assert.Equal(t, first, second)
}

func TestChunksEarlyStop(t *testing.T) {
	text := strings.Repeat("word ", 200)
	c := New(30, 10)

	count := 0
	for range c.Chunks(text) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}
