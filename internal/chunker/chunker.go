// Package chunker splits long memory content into ordered, overlapping
// chunks and reassembles them.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultMaxLength = 4000
	DefaultOverlap   = 200
)

// Chunk is one slice of a longer text. Offsets are rune offsets into the
// original content; End is exclusive.
type Chunk struct {
	Index   int
	Content string
	Start   int
	End     int
}

// Split cuts content into chunks of at most maxLen runes. Every chunk after
// the first starts with exactly the last overlap runes of its predecessor, so
// Join can reconstruct the input. Cuts prefer whitespace in the second half
// of a window. Content that fits in one chunk is returned as a single chunk.
func Split(content string, maxLen, overlap int) []Chunk {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	overlap = clampOverlap(maxLen, overlap)

	runes := []rune(content)
	total := len(runes)
	if total <= maxLen {
		return []Chunk{{Index: 0, Content: content, Start: 0, End: total}}
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + maxLen
		if end >= total {
			end = total
		} else {
			end = breakPoint(runes, start, end)
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Content: string(runes[start:end]),
			Start:   start,
			End:     end,
		})
		if end == total {
			break
		}
		start = end - overlap
	}
	return chunks
}

// Join reverses Split: it concatenates the chunk contents, dropping the
// leading overlap runes of every chunk but the first.
func Join(contents []string, overlap int) string {
	var b strings.Builder
	for i, c := range contents {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		r := []rune(c)
		if overlap >= len(r) {
			continue
		}
		b.WriteString(string(r[overlap:]))
	}
	return b.String()
}

// EffectiveOverlap is the overlap Split actually uses for maxLen.
func EffectiveOverlap(maxLen, overlap int) int {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return clampOverlap(maxLen, overlap)
}

func clampOverlap(maxLen, overlap int) int {
	if overlap < 0 {
		return 0
	}
	if limit := maxLen / 2; overlap > limit {
		return limit
	}
	return overlap
}

// breakPoint returns the cut position for a window [start, end): just after
// the last whitespace rune in the window's second half, or end itself.
func breakPoint(runes []rune, start, end int) int {
	floor := start + (end-start)/2 + 1
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}
