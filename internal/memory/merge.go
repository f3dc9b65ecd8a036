package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/memvra/mnemos/internal/errs"
)

// ConsolidationResult reports a merge. On a dry run only the selection and
// preview fields are filled and nothing is written.
type ConsolidationResult struct {
	DryRun         bool               `json:"dry_run"`
	SourceIDs      []string           `json:"source_ids"`
	Similarities   map[string]float64 `json:"similarities"`
	AvgSimilarity  float64            `json:"avg_similarity"`
	ConsolidatedID string             `json:"consolidated_id,omitempty"`
	Content        string             `json:"content"`
	Tags           []string           `json:"tags"`
	Importance     Importance         `json:"importance"`
	EdgesCreated   int                `json:"edges_created"`
}

// Summary is a one-line human readable report.
func (r ConsolidationResult) Summary() string {
	if r.DryRun {
		return fmt.Sprintf("would consolidate %d memories (avg similarity %.3f)", len(r.SourceIDs), r.AvgSimilarity)
	}
	return fmt.Sprintf("consolidated %d memories into %s", len(r.SourceIDs), r.ConsolidatedID)
}

// Merge folds the members of cl into one consolidated memory. Members must
// be at least two distinct active memories of ns. A real run inserts the new
// memory, soft-deletes the sources and records consolidated_from edges from
// the new memory to each source, all in one transaction.
func (c *Consolidator) Merge(ctx context.Context, ns string, cl ConsolidationCluster, dryRun bool) (ConsolidationResult, error) {
	if err := checkNamespace(ns); err != nil {
		return ConsolidationResult{}, err
	}
	ids := dedupe(cl.MemberIDs)
	if len(ids) < 2 {
		return ConsolidationResult{}, errs.Invalid("a consolidation cluster needs at least 2 members")
	}
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return ConsolidationResult{}, err
		}
	}
	st := cl.Strategy
	if st == "" {
		st = StrategySimilarity
	}
	if _, err := ParseStrategy(string(st)); err != nil {
		return ConsolidationResult{}, err
	}

	if dryRun {
		members, err := c.loadMembers(ctx, c.store.db.Conn(), ns, ids)
		if err != nil {
			return ConsolidationResult{}, err
		}
		res, _ := c.plan(ns, st, members)
		res.DryRun = true
		return res, nil
	}

	var res ConsolidationResult
	err := c.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		members, err := c.loadMembers(ctx, tx, ns, ids)
		if err != nil {
			return err
		}
		var merged Memory
		res, merged = c.plan(ns, st, members)

		if err := insertMemory(ctx, tx, merged); err != nil {
			return err
		}
		if err := insertStrength(ctx, tx, c.strength.Initial(merged.ID, merged.Importance, merged.CreatedAt)); err != nil {
			return err
		}
		if err := c.store.expire(ctx, tx, ns, ids, merged.CreatedAt); err != nil {
			return err
		}
		for _, src := range ids {
			if _, err := upsertEdge(ctx, tx, ns, merged.ID, src, RelationConsolidatedFrom, 1.0, false, merged.CreatedAt); err != nil {
				return err
			}
			res.EdgesCreated++
		}
		if merged.HasEmbedding() {
			if err := upsertVector(ctx, tx, c.store.db, ns, merged.ID, merged.Embedding); err != nil {
				return err
			}
		}
		res.ConsolidatedID = merged.ID
		return nil
	})
	if err != nil {
		return ConsolidationResult{}, err
	}
	return res, nil
}

func (c *Consolidator) loadMembers(ctx context.Context, q querier, ns string, ids []string) ([]Memory, error) {
	found, err := c.store.getMany(ctx, q, ns, ids, true)
	if err != nil {
		return nil, err
	}
	members := make([]Memory, 0, len(ids))
	for _, id := range ids {
		m, ok := found[id]
		if !ok {
			return nil, errs.NotFound("consolidate: member memory %q", id)
		}
		members = append(members, m)
	}
	return members, nil
}

// plan computes the scores and the merged memory without touching storage.
func (c *Consolidator) plan(ns string, st Strategy, members []Memory) (ConsolidationResult, Memory) {
	scored := scoreCluster(st, members, st.similarity())
	now := c.store.Now()

	var vecs [][]float32
	imp := members[0].Importance
	for _, m := range members {
		imp = MaxImportance(imp, m.Importance)
		if m.HasEmbedding() {
			vecs = append(vecs, m.Embedding)
		}
	}
	var emb []float32
	if mean := Mean(vecs); mean != nil {
		emb = Normalize(mean)
	}

	merged := Memory{
		ID:         NewID(),
		Namespace:  ns,
		Content:    mergeContent(members, c.cfg.MinSentenceLength),
		MemoryType: TypeConsolidated,
		Importance: imp,
		Tags:       mergeTags(members, c.cfg.MaxTags),
		Metadata: map[string]any{
			"consolidation_strategy": string(st),
			"source_count":           len(members),
			"avg_similarity":         scored.AvgSimilarity,
		},
		Embedding:        emb,
		ConsolidatedFrom: scored.MemberIDs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	res := ConsolidationResult{
		SourceIDs:     scored.MemberIDs,
		Similarities:  scored.Similarities,
		AvgSimilarity: scored.AvgSimilarity,
		Content:       merged.Content,
		Tags:          merged.Tags,
		Importance:    merged.Importance,
	}
	return res, merged
}

// mergeContent joins every distinct sentence of the members in order.
// Sentences shorter than minLen runes are dropped; repeats are detected
// case-insensitively with whitespace collapsed. If nothing survives the
// member contents are joined verbatim.
func mergeContent(members []Memory, minLen int) string {
	seen := map[string]bool{}
	var kept []string
	for _, m := range members {
		for _, s := range splitSentences(m.Content) {
			if len([]rune(s)) < minLen {
				continue
			}
			if seen[s] {
				continue
			}
			seen[s] = true
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		parts := make([]string, 0, len(members))
		for _, m := range members {
			if t := strings.TrimSpace(m.Content); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return strings.Join(kept, " ")
}

// splitSentences cuts text after '.', '!' or '?' when followed by
// whitespace or the end of input. Trailing text without terminal
// punctuation is kept as a final sentence.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// mergeTags unions member tags ranked by how many members carry them,
// alphabetically on ties, capped at limit.
func mergeTags(members []Memory, limit int) []string {
	freq := map[string]int{}
	for _, m := range members {
		for _, t := range NormalizeTags(m.Tags) {
			freq[t]++
		}
	}
	tags := make([]string, 0, len(freq))
	for t := range freq {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if freq[tags[i]] != freq[tags[j]] {
			return freq[tags[i]] > freq[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
