package index

import (
	"strings"
	"unicode/utf8"
)

// 既定の分割サイズ（文字数）と重なり。
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var separators = []string{"\n\n", "\n", "。", ". ", " "}

// SplitText は text を size 文字以内のチャンクに分割します。隣接チャンクは overlap 文字程度重なります。
// 区切りは段落、改行、文末、空白の順に探し、見つからない場合は文字数で切ります。
func SplitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint は [start, end) の後半にある区切り位置を返します。見つからなければ end です。
func breakPoint(runes []rune, start, end int) int {
	window := string(runes[start:end])
	minCut := len(window) / 2
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= minCut {
			return start + utf8.RuneCountInString(window[:i+len(sep)])
		}
	}
	return end
}
