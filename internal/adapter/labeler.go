package adapter

import (
	"context"
	"fmt"
	"strings"
)

const labelSystemPrompt = `You name groups of related notes written by a coding assistant.
Reply with a short label of two to five words and nothing else.`

// maxLabelRunes caps generated labels.
const maxLabelRunes = 60

// Labeler names memory clusters with a completion model.
type Labeler struct {
	c     Completer
	model string
}

// NewLabeler returns a Labeler that asks c, using model when set.
func NewLabeler(c Completer, model string) *Labeler {
	return &Labeler{c: c, model: model}
}

// Label returns a short name for the group the samples come from.
func (l *Labeler) Label(ctx context.Context, samples []string) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("labeler: no samples")
	}
	var b strings.Builder
	b.WriteString("Notes:\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(s))
	}
	out, err := l.c.Complete(ctx, CompletionRequest{
		SystemPrompt: labelSystemPrompt,
		UserMessage:  b.String(),
		Model:        l.model,
		MaxTokens:    16,
		Temperature:  0,
	})
	if err != nil {
		return "", fmt.Errorf("labeler: %w", err)
	}
	label := cleanLabel(out)
	if label == "" {
		return "", fmt.Errorf("labeler: empty label")
	}
	return label, nil
}

func cleanLabel(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*. ")
	if r := []rune(s); len(r) > maxLabelRunes {
		s = string(r[:maxLabelRunes])
	}
	return s
}
