package chunker

import (
	"strings"
	"testing"
)

func TestSplit_SmallContent(t *testing.T) {
	chunks := Split("short text", 100, 10)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "short text" {
		t.Errorf("content mismatch: got %q", chunks[0].Content)
	}
}

func TestSplit_RespectsMaxLength(t *testing.T) {
	content := strings.Repeat("abcdefghij ", 100)
	chunks := Split(content, 120, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if n := len([]rune(c.Content)); n > 120 {
			t.Errorf("chunk %d has %d runes, max 120", c.Index, n)
		}
	}
}

func TestSplit_OverlapIsExact(t *testing.T) {
	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	chunks := Split(content, 200, 30)
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Content)
		cur := []rune(chunks[i].Content)
		tail := string(prev[len(prev)-30:])
		head := string(cur[:30])
		if tail != head {
			t.Errorf("chunk %d does not begin with the previous chunk's tail:\n tail %q\n head %q", i, tail, head)
		}
	}
}

func TestSplitJoin_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		overlap int
	}{
		{"words", strings.Repeat("lorem ipsum dolor sit amet ", 200), 500, 50},
		{"no whitespace", strings.Repeat("x", 1234), 100, 10},
		{"unicode", strings.Repeat("héllo wörld - ünïcode ", 80), 90, 15},
		{"zero overlap", strings.Repeat("abc def ", 300), 64, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.content, tt.max, tt.overlap)
			parts := make([]string, len(chunks))
			for i, c := range chunks {
				parts[i] = c.Content
			}
			got := Join(parts, EffectiveOverlap(tt.max, tt.overlap))
			if got != tt.content {
				t.Errorf("round trip mismatch: got %d runes, want %d", len([]rune(got)), len([]rune(tt.content)))
			}
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	content := strings.Repeat("deterministic chunking ", 100)
	a := Split(content, 150, 25)
	b := Split(content, 150, 25)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs", i)
		}
	}
}

func TestEffectiveOverlap_Clamps(t *testing.T) {
	if got := EffectiveOverlap(100, 80); got != 50 {
		t.Errorf("EffectiveOverlap(100, 80) = %d, want 50", got)
	}
	if got := EffectiveOverlap(100, -1); got != 0 {
		t.Errorf("EffectiveOverlap(100, -1) = %d, want 0", got)
	}
}
