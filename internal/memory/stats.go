package memory

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TagCount is one entry of Stats.TopTags.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarises one namespace.
type Stats struct {
	Namespace          string             `json:"namespace"`
	Total              int                `json:"total"`
	Active             int                `json:"active"`
	Expired            int                `json:"expired"`
	WithEmbedding      int                `json:"with_embedding"`
	WithoutEmbedding   int                `json:"without_embedding"`
	ByType             map[MemoryType]int `json:"by_type"`
	ByImportance       map[Importance]int `json:"by_importance"`
	TopTags            []TagCount         `json:"top_tags"`
	AvgRetrievability  float64            `json:"avg_retrievability"`
	AvgStability       float64            `json:"avg_stability"`
	Associations       map[string]int     `json:"associations"`
	Chains             int                `json:"chains"`
	Quadrants          int                `json:"quadrants"`
	Clusters           int                `json:"clusters"`
	HotPaths           int                `json:"hot_paths"`
	VectorIndex        bool               `json:"vector_index"`
	VectorIndexError   string             `json:"vector_index_error,omitempty"`
	EmbeddingDimension int                `json:"embedding_dimension"`
}

const statsTopTags = 10

// Stats collects counts across every engine for the namespace.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ns := s.Namespace
	now := s.Store.Now()
	conn := s.Store.db.Conn()
	st := Stats{
		Namespace:          ns,
		ByType:             map[MemoryType]int{},
		ByImportance:       map[Importance]int{},
		VectorIndex:        s.Store.db.VectorsEnabled(),
		EmbeddingDimension: s.Store.db.Dimension(),
	}
	if err := s.Store.db.VectorError(); err != nil {
		st.VectorIndexError = err.Error()
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT memory_type, importance,
		        CASE WHEN `+activeClause+` THEN 1 ELSE 0 END,
		        CASE WHEN m.embedding IS NULL THEN 0 ELSE 1 END,
		        m.tags
		 FROM memories m WHERE m.namespace = ?`, formatTime(now), ns)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: memories: %w", err)
	}
	tags := map[string]int{}
	for rows.Next() {
		var typ, imp, tagJSON string
		var active, embedded int
		if err := rows.Scan(&typ, &imp, &active, &embedded, &tagJSON); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.Total++
		if active == 0 {
			st.Expired++
			continue
		}
		st.Active++
		st.ByType[MemoryType(typ)]++
		st.ByImportance[Importance(imp)]++
		if embedded == 1 {
			st.WithEmbedding++
		} else {
			st.WithoutEmbedding++
		}
		for _, t := range decodeTags(tagJSON) {
			tags[t]++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Stats{}, err
	}
	rows.Close()
	st.TopTags = rankTags(tags, statsTopTags)

	if st.AvgRetrievability, st.AvgStability, err = s.averageStrength(ctx, now); err != nil {
		return Stats{}, err
	}
	if st.Associations, err = s.Graph.AssociationCounts(ctx, ns); err != nil {
		return Stats{}, err
	}
	if st.Chains, err = s.Chains.Count(ctx, ns); err != nil {
		return Stats{}, err
	}
	quads, err := s.Spatial.Quadrants(ctx, ns)
	if err != nil {
		return Stats{}, err
	}
	st.Quadrants = len(quads)
	clusters, err := s.Spatial.Clusters(ctx, ns)
	if err != nil {
		return Stats{}, err
	}
	st.Clusters = len(clusters)
	if st.HotPaths, err = s.Spatial.HotPathCount(ctx, ns); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// averageStrength averages current retrievability and stability over
// active memories that have a strength row.
func (s *Service) averageStrength(ctx context.Context, now time.Time) (float64, float64, error) {
	rows, err := s.Store.db.Conn().QueryContext(ctx,
		`SELECT ms.stability, ms.last_review
		 FROM memory_strength ms JOIN memories m ON m.id = ms.memory_id
		 WHERE m.namespace = ? AND `+activeClause, s.Namespace, formatTime(now))
	if err != nil {
		return 0, 0, fmt.Errorf("stats: strength: %w", err)
	}
	defer rows.Close()

	var sumR, sumS float64
	var n int
	for rows.Next() {
		var stability float64
		var last string
		if err := rows.Scan(&stability, &last); err != nil {
			return 0, 0, err
		}
		sumR += Retrievability(daysBetween(parseTime(last), now), stability)
		sumS += stability
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sumR / float64(n), sumS / float64(n), nil
}

func rankTags(counts map[string]int, n int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TagCount{Tag: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
