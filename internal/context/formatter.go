package context

import (
	"fmt"
	"strings"
)

// Formatter renders windows into prompt-ready markdown.
type Formatter struct {
	// ShowScores appends the score and reason to each entry.
	ShowScores bool
}

// NewFormatter creates a Formatter.
func NewFormatter() *Formatter { return &Formatter{} }

var sectionTitles = []struct {
	sec   Section
	title string
}{
	{SectionCore, "Relevant Memories"},
	{SectionAssociated, "Associated Memories"},
	{SectionChain, "Reasoning Chains"},
	{SectionContextual, "Related Context"},
}

// Format renders every non-empty section of w.
func (f *Formatter) Format(w *Window) string {
	var b strings.Builder
	if w.Query != "" {
		fmt.Fprintf(&b, "# Context for %q\n\n", w.Query)
	}
	for _, st := range sectionTitles {
		b.WriteString(f.FormatSection(st.title, w.section(st.sec)))
	}
	fmt.Fprintf(&b, "_%d/%d tokens", w.TotalTokens, w.MaxTokens)
	if w.Stats.Dropped > 0 {
		fmt.Fprintf(&b, ", %d memories over budget", w.Stats.Dropped)
	}
	b.WriteString("_\n")
	return b.String()
}

// FormatSection renders entries as a markdown list under title.
func (f *Formatter) FormatSection(title string, entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", title)
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s/%s] %s", e.Memory.MemoryType, e.Memory.Importance, e.Memory.Content)
		if f.ShowScores {
			fmt.Fprintf(&b, " _(%.2f", e.Score)
			if e.Reason != "" {
				fmt.Fprintf(&b, "; %s", e.Reason)
			}
			b.WriteString(")_")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (w *Window) section(s Section) []Entry {
	switch s {
	case SectionCore:
		return w.Core
	case SectionAssociated:
		return w.Associated
	case SectionChain:
		return w.Chain
	case SectionContextual:
		return w.Contextual
	}
	return nil
}
