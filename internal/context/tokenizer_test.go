package context

import "testing"

func TestHeuristic_Count(t *testing.T) {
	tests := []struct {
		name string
		cpt  float64
		in   string
		want int
	}{
		{"empty", 4, "", 0},
		{"rounds up", 4, "hello", 2},
		{"exact", 4, "abcdabcd", 2},
		{"default ratio", 0, "abcd", 1},
		{"counts runes", 2, "héllo", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Heuristic{CharsPerToken: tt.cpt}).Count(tt.in); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestTikToken_Count(t *testing.T) {
	tok, err := NewTikToken("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	if n := tok.Count("Hello, world!"); n <= 0 {
		t.Errorf("expected positive token count, got %d", n)
	}
	if n := tok.Count(""); n != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", n)
	}
}

func TestNewTokenizer(t *testing.T) {
	tok, err := NewTokenizer("", 3)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	if h, ok := tok.(Heuristic); !ok || h.CharsPerToken != 3 {
		t.Errorf("default tokenizer: %#v", tok)
	}
	if _, err := NewTokenizer("wordpiece", 0); err == nil {
		t.Error("expected error for unknown tokenizer")
	}
}
