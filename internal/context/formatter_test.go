package context

import (
	"strings"
	"testing"

	"github.com/memvra/mnemos/internal/memory"
)

func entry(content string, sec Section) Entry {
	return Entry{
		Memory:  memory.Memory{ID: content, Content: content, MemoryType: memory.TypeSemantic, Importance: memory.ImportanceHigh},
		Section: sec,
		Score:   0.87,
		Reason:  "because",
	}
}

func TestFormat(t *testing.T) {
	f := NewFormatter()
	w := &Window{
		Query:       "how do we deploy",
		MaxTokens:   100,
		Core:        []Entry{entry("Deploys go through staging", SectionCore)},
		Chain:       []Entry{entry("Step two", SectionChain)},
		TotalTokens: 12,
		Stats:       Stats{Dropped: 2},
	}

	result := f.Format(w)
	checks := []string{
		`# Context for "how do we deploy"`,
		"## Relevant Memories",
		"- [semantic/high] Deploys go through staging",
		"## Reasoning Chains",
		"_12/100 tokens, 2 memories over budget_",
	}
	for _, check := range checks {
		if !strings.Contains(result, check) {
			t.Errorf("missing %q in:\n%s", check, result)
		}
	}
	if strings.Contains(result, "Associated Memories") {
		t.Error("empty sections should be omitted")
	}
	if strings.Contains(result, "0.87") {
		t.Error("scores should be hidden by default")
	}
}

func TestFormatSection_Scores(t *testing.T) {
	f := &Formatter{ShowScores: true}
	result := f.FormatSection("Core", []Entry{entry("a", SectionCore)})
	if !strings.Contains(result, "_(0.87; because)_") {
		t.Errorf("missing score: %q", result)
	}
	if got := f.FormatSection("Empty", nil); got != "" {
		t.Errorf("expected empty string for no entries, got %q", got)
	}
}
