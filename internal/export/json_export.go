package export

import (
	"encoding/json"
	"time"

	"github.com/memvra/mnemos/internal/memory"
)

// JSONExporter renders ExportData as structured JSON.
type JSONExporter struct{}

type jsonOutput struct {
	Namespace    string                  `json:"namespace"`
	GeneratedAt  time.Time               `json:"generated_at"`
	Counts       jsonCounts              `json:"counts"`
	Memories     map[string][]jsonMemory `json:"memories"`
	Associations []memory.Association    `json:"associations"`
	Chains       []memory.Chain          `json:"chains"`
}

type jsonCounts struct {
	Memories     int `json:"memories"`
	Associations int `json:"associations"`
	Chains       int `json:"chains"`
}

type jsonMemory struct {
	ID               string         `json:"id"`
	Content          string         `json:"content"`
	Importance       string         `json:"importance"`
	Tags             []string       `json:"tags"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	HasEmbedding     bool           `json:"has_embedding"`
	AccessCount      int            `json:"access_count"`
	ConsolidatedFrom []string       `json:"consolidated_from,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
}

func (e *JSONExporter) Export(data ExportData) (string, error) {
	out := jsonOutput{
		Namespace:   data.Namespace,
		GeneratedAt: data.GeneratedAt,
		Counts: jsonCounts{
			Memories:     len(data.Memories),
			Associations: len(data.Associations),
			Chains:       len(data.Chains),
		},
		Memories:     groupMemoriesByType(data.Memories),
		Associations: data.Associations,
		Chains:       data.Chains,
	}
	if out.Associations == nil {
		out.Associations = []memory.Association{}
	}
	if out.Chains == nil {
		out.Chains = []memory.Chain{}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

func groupMemoriesByType(memories []memory.Memory) map[string][]jsonMemory {
	groups := make(map[string][]jsonMemory)
	for _, m := range memories {
		key := string(m.MemoryType)
		groups[key] = append(groups[key], jsonMemory{
			ID:               m.ID,
			Content:          m.Content,
			Importance:       string(m.Importance),
			Tags:             m.Tags,
			Metadata:         m.Metadata,
			HasEmbedding:     m.HasEmbedding(),
			AccessCount:      m.AccessCount,
			ConsolidatedFrom: m.ConsolidatedFrom,
			CreatedAt:        m.CreatedAt,
			ExpiresAt:        m.ExpiresAt,
		})
	}
	return groups
}
