// Package context assembles token-budgeted context windows from a
// namespace's memories.
package context

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates how many model tokens a piece of text costs.
type Tokenizer interface {
	Count(s string) int
}

// DefaultCharsPerToken is the heuristic ratio used when nothing better is
// configured.
const DefaultCharsPerToken = 4.0

// Heuristic counts one token per CharsPerToken runes, rounded up.
type Heuristic struct {
	CharsPerToken float64
}

// Count returns the estimated token count of s.
func (h Heuristic) Count(s string) int {
	if s == "" {
		return 0
	}
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / cpt))
}

// TikToken counts tokens with a BPE encoding.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

// NewTikToken loads encoding, cl100k_base when empty.
func NewTikToken(encoding string) (*TikToken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: get encoding: %w", err)
	}
	return &TikToken{enc: enc}, nil
}

// Count returns the exact number of tokens in s.
func (t *TikToken) Count(s string) int {
	if s == "" {
		return 0
	}
	return len(t.enc.Encode(s, nil, nil))
}

// NewTokenizer builds the tokenizer named kind: "heuristic" (or empty) or
// "tiktoken".
func NewTokenizer(kind string, charsPerToken float64) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "heuristic", "chars":
		return Heuristic{CharsPerToken: charsPerToken}, nil
	case "tiktoken":
		return NewTikToken("")
	}
	return nil, fmt.Errorf("tokenizer: unknown kind %q", kind)
}
