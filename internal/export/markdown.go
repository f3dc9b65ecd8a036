package export

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memvra/mnemos/internal/memory"
)

// MarkdownExporter renders a namespace as a readable markdown document.
type MarkdownExporter struct{}

var typeHeadings = []struct {
	heading string
	mt      memory.MemoryType
}{
	{"Knowledge", memory.TypeSemantic},
	{"Procedures", memory.TypeProcedural},
	{"Episodes", memory.TypeEpisodic},
	{"Working Notes", memory.TypeWorking},
	{"Consolidated", memory.TypeConsolidated},
}

func (e *MarkdownExporter) Export(data ExportData) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Memory Export\n\n", data.Namespace)
	fmt.Fprintf(&b, "_%d memories, %d associations, %d chains; generated %s_\n\n",
		len(data.Memories), len(data.Associations), len(data.Chains),
		data.GeneratedAt.Format("2006-01-02 15:04 UTC"))

	for _, section := range typeHeadings {
		b.WriteString(memorySection(section.heading, byType(data.Memories, section.mt), data.GeneratedAt))
	}
	b.WriteString(chainSection(data))
	b.WriteString(associationSection(data.Associations))
	return b.String(), nil
}

// memorySection renders memories as a markdown list block.
func memorySection(heading string, items []memory.Memory, now time.Time) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", heading)
	for _, m := range items {
		fmt.Fprintf(&b, "- **%s** %s", m.Importance, oneLine(m.Content))
		if len(m.Tags) > 0 {
			fmt.Fprintf(&b, " `%s`", strings.Join(m.Tags, ", "))
		}
		if m.Expired || !m.Active(now) {
			b.WriteString(" _(expired)_")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func chainSection(data ExportData) string {
	if len(data.Chains) == 0 {
		return ""
	}
	content := make(map[string]string, len(data.Memories))
	for _, m := range data.Memories {
		content[m.ID] = m.Content
	}
	var b strings.Builder
	b.WriteString("## Reasoning Chains\n\n")
	for _, ch := range data.Chains {
		fmt.Fprintf(&b, "### %s (%s)\n\n", ch.Name, ch.ChainType)
		if ch.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ch.Description)
		}
		for i, id := range ch.MemberIDs {
			text, ok := content[id]
			if !ok {
				text = id
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(oneLine(text), 120))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func associationSection(edges []memory.Association) string {
	if len(edges) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, e := range edges {
		counts[e.RelationType]++
	}
	rels := make([]string, 0, len(counts))
	for r := range counts {
		rels = append(rels, r)
	}
	sort.Strings(rels)

	var b strings.Builder
	b.WriteString("## Associations\n\n| Relation | Edges |\n|---|---|\n")
	for _, r := range rels {
		fmt.Fprintf(&b, "| %s | %d |\n", r, counts[r])
	}
	b.WriteString("\n")
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
