// Package memory is the semantic memory core: persistence, similarity search,
// forgetting-curve strength, the association graph, spatial organisation,
// reasoning chains and consolidation. Every operation is scoped to one
// namespace.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies a stored memory.
type MemoryType string

const (
	TypeEpisodic     MemoryType = "episodic"
	TypeSemantic     MemoryType = "semantic"
	TypeProcedural   MemoryType = "procedural"
	TypeWorking      MemoryType = "working"
	TypeConsolidated MemoryType = "consolidated"
)

// MemoryTypes lists every valid memory type.
var MemoryTypes = []MemoryType{TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking, TypeConsolidated}

// ValidMemoryType returns true if t is a recognised memory type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking, TypeConsolidated:
		return true
	}
	return false
}

// Importance is a totally ordered priority tier.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
	ImportanceTrivial  Importance = "trivial"
)

// Importances lists every tier from highest to lowest.
var Importances = []Importance{ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow, ImportanceTrivial}

// Rank orders importances: critical is 5, trivial is 1, unknown values are 0.
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 5
	case ImportanceHigh:
		return 4
	case ImportanceMedium:
		return 3
	case ImportanceLow:
		return 2
	case ImportanceTrivial:
		return 1
	}
	return 0
}

// Valid reports whether i is a known tier.
func (i Importance) Valid() bool { return i.Rank() > 0 }

// ParseImportance accepts a tier name in any case.
func ParseImportance(s string) (Importance, error) {
	i := Importance(strings.ToLower(strings.TrimSpace(s)))
	if !i.Valid() {
		return "", fmt.Errorf("unknown importance %q", s)
	}
	return i, nil
}

// MaxImportance returns the higher of a and b.
func MaxImportance(a, b Importance) Importance {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Memory is a single stored memory record.
type Memory struct {
	ID               string         `json:"id"`
	Namespace        string         `json:"namespace"`
	Content          string         `json:"content"`
	MemoryType       MemoryType     `json:"memory_type"`
	Importance       Importance     `json:"importance"`
	Tags             []string       `json:"tags"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Embedding        []float32      `json:"-"`
	Image            []byte         `json:"-"`
	ImageMIME        string         `json:"image_mime,omitempty"`
	AccessCount      int            `json:"access_count"`
	LastAccessedAt   *time.Time     `json:"last_accessed_at,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	ConsolidatedFrom []string       `json:"consolidated_from,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Expired is set on reads that explicitly asked for inactive memories.
	Expired bool `json:"expired,omitempty"`
}

// Active reports whether the memory is visible at now.
func (m Memory) Active(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// HasEmbedding reports whether the memory can take part in similarity search.
func (m Memory) HasEmbedding() bool { return len(m.Embedding) > 0 }

// Metadata keys written by the store for chunked content.
const (
	MetaChunkParent  = "chunk_parent"
	MetaChunkIndex   = "chunk_index"
	MetaChunkCount   = "chunk_count"
	MetaChunkOverlap = "chunk_overlap"

	// TagChunked marks every chunk of a split memory.
	TagChunked = "chunked"
)

// Relation types created by the engines themselves.
const (
	RelationRelated          = "related"
	RelationSimilar          = "similar"
	RelationNextChunk        = "next_chunk"
	RelationConsolidatedFrom = "consolidated_from"
)

// NormalizeTags trims, deduplicates and sorts tags, dropping empty ones.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sortStrings(out)
	return out
}
