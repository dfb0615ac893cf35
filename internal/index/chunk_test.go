package index

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	assert.Nil(t, SplitText("   ", 10, 2))
	assert.Equal(t, []string{"hello"}, SplitText(" hello ", 10, 2))
}

func TestSplitTextRespectsSizeAndOverlap(t *testing.T) {
	words := make([]string, 400)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	chunks := SplitText(text, 100, 20)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
	}
	// 隣接チャンクは重なりを持つ
	first, second := chunks[0], chunks[1]
	tail := first[len(first)-10:]
	assert.Contains(t, second, strings.TrimSpace(tail))
}

func TestSplitTextPrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 70) + "\n\n" + strings.Repeat("b", 70)
	chunks := SplitText(text, 100, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 70), chunks[0])
	assert.Equal(t, strings.Repeat("b", 70), chunks[1])
}

func TestSplitTextMultibyte(t *testing.T) {
	text := strings.Repeat("日本語の文書です", 50)
	chunks := SplitText(text, 60, 10)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 60)
	}
}
