// Package export renders a namespace's memories for humans and other tools.
package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/memory"
)

// ExportData is passed to every Exporter.
type ExportData struct {
	Namespace    string
	GeneratedAt  time.Time
	Memories     []memory.Memory
	Associations []memory.Association
	Chains       []memory.Chain
}

// Exporter renders ExportData to a string in a specific format.
type Exporter interface {
	Export(data ExportData) (string, error)
}

// registry maps format names to Exporter implementations.
var registry = map[string]Exporter{
	"markdown": &MarkdownExporter{},
	"json":     &JSONExporter{},
}

// Get returns the Exporter registered under name, and whether it was found.
func Get(name string) (Exporter, bool) {
	e, ok := registry[strings.ToLower(name)]
	return e, ok
}

// ValidFormats returns the supported export format names, sorted.
func ValidFormats() []string {
	formats := make([]string, 0, len(registry))
	for k := range registry {
		formats = append(formats, k)
	}
	sort.Strings(formats)
	return formats
}

const maxChains = 1000

// Collect reads everything an export needs from svc's namespace. Expired
// memories are included only when includeExpired is set.
func Collect(ctx context.Context, svc *memory.Service, includeExpired bool) (ExportData, error) {
	ns := svc.Namespace
	data := ExportData{Namespace: ns, GeneratedAt: svc.Store.Now()}

	page := memory.Page{Limit: memory.MaxPageLimit, OrderBy: "created_at", Asc: true}
	for {
		res, err := svc.Store.Query(ctx, ns, memory.Filter{IncludeExpired: includeExpired}, page)
		if err != nil {
			return data, fmt.Errorf("export: memories: %w", err)
		}
		data.Memories = append(data.Memories, res.Memories...)
		if !res.HasMore {
			break
		}
		page.Offset += len(res.Memories)
	}

	edges, err := svc.Graph.AllEdges(ctx, ns)
	if err != nil {
		return data, fmt.Errorf("export: associations: %w", err)
	}
	data.Associations = edges

	found, err := svc.Chains.Execute(ctx, ns, memory.NewFindOp(memory.FindChains{Limit: maxChains}))
	if err != nil {
		return data, fmt.Errorf("export: chains: %w", err)
	}
	data.Chains = found.Chains
	return data, nil
}

// byType returns the memories of type mt, preserving order.
func byType(memories []memory.Memory, mt memory.MemoryType) []memory.Memory {
	var items []memory.Memory
	for _, m := range memories {
		if m.MemoryType == mt {
			items = append(items, m)
		}
	}
	return items
}
