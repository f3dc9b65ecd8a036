package memory

import (
	"context"
	"sort"

	"github.com/memvra/mnemos/internal/errs"
)

// Strategy selects how consolidation candidates are grouped.
type Strategy string

const (
	StrategySimilarity Strategy = "similarity"
	StrategyTemporal   Strategy = "temporal"
	StrategyTagBased   Strategy = "tag_based"
	StrategyImportance Strategy = "importance"
)

// Strategies lists every consolidation strategy.
var Strategies = []Strategy{StrategySimilarity, StrategyTemporal, StrategyTagBased, StrategyImportance}

// ParseStrategy validates s; empty means similarity.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategySimilarity, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errs.Invalid("unknown consolidation strategy %q", s)
}

// ConsolidationConfig tunes cluster discovery and merging.
type ConsolidationConfig struct {
	Threshold         float64
	TagThreshold      float64
	MaxClusterSize    int
	MaxTags           int
	MinSentenceLength int
	PoolLimit         int
}

// DefaultConsolidationConfig returns the stock settings.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		Threshold:         0.85,
		TagThreshold:      0.5,
		MaxClusterSize:    10,
		MaxTags:           10,
		MinSentenceLength: 10,
		PoolLimit:         500,
	}
}

// FindOptions parameterises FindClusters. Zero values take the configured
// defaults.
type FindOptions struct {
	Strategy       Strategy
	Threshold      float64
	MaxClusterSize int
	Types          []MemoryType
}

// ConsolidationCluster is a proposed merge group. It is never persisted.
type ConsolidationCluster struct {
	Strategy      Strategy           `json:"strategy"`
	MemberIDs     []string           `json:"member_ids"`
	CentroidID    string             `json:"centroid_id"`
	AvgSimilarity float64            `json:"avg_similarity"`
	Similarities  map[string]float64 `json:"similarities"`
}

// Consolidator finds and merges redundant memories.
type Consolidator struct {
	store    *Store
	strength *StrengthEngine
	cfg      ConsolidationConfig
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(store *Store, strength *StrengthEngine, cfg ConsolidationConfig) *Consolidator {
	def := DefaultConsolidationConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.TagThreshold <= 0 || cfg.TagThreshold > 1 {
		cfg.TagThreshold = def.TagThreshold
	}
	if cfg.MaxClusterSize < 2 {
		cfg.MaxClusterSize = def.MaxClusterSize
	}
	if cfg.MaxTags <= 0 {
		cfg.MaxTags = def.MaxTags
	}
	if cfg.MinSentenceLength <= 0 {
		cfg.MinSentenceLength = def.MinSentenceLength
	}
	if cfg.PoolLimit <= 0 {
		cfg.PoolLimit = def.PoolLimit
	}
	return &Consolidator{store: store, strength: strength, cfg: cfg}
}

// similarityFunc scores two memories for a strategy.
type similarityFunc func(a, b Memory) float64

func cosineOf(a, b Memory) float64  { return CosineSimilarity(a.Embedding, b.Embedding) }
func jaccardOf(a, b Memory) float64 { return Jaccard(a.Tags, b.Tags) }

func (st Strategy) similarity() similarityFunc {
	if st == StrategyTagBased {
		return jaccardOf
	}
	return cosineOf
}

// FindClusters proposes merge groups among the active memories of ns.
// Candidates are read oldest first in windows of PoolLimit until the
// namespace is exhausted, and groups never span two windows. Within a window
// each unassigned candidate seeds a cluster that absorbs later unassigned
// candidates scoring at least the threshold against the seed, up to the
// maximum size. Groups of one are discarded and their seed is not retried.
func (c *Consolidator) FindClusters(ctx context.Context, ns string, opts FindOptions) ([]ConsolidationCluster, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategySimilarity
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, errs.Invalid("similarity threshold %v outside [0,1]", opts.Threshold)
	}
	if opts.Threshold == 0 {
		opts.Threshold = c.cfg.Threshold
		if opts.Strategy == StrategyTagBased {
			opts.Threshold = c.cfg.TagThreshold
		}
	}
	if opts.MaxClusterSize <= 0 {
		opts.MaxClusterSize = c.cfg.MaxClusterSize
	}
	if opts.MaxClusterSize < 2 {
		return nil, errs.Invalid("max cluster size must be at least 2")
	}
	for _, t := range opts.Types {
		if !ValidMemoryType(t) {
			return nil, errs.Invalid("unknown memory type %q", t)
		}
	}

	filter := CandidateFilter{
		Types:            opts.Types,
		RequireEmbedding: opts.Strategy != StrategyTagBased,
		Limit:            c.cfg.PoolLimit,
	}
	if opts.Strategy == StrategyImportance {
		filter.Importances = []Importance{ImportanceCritical, ImportanceHigh}
	}
	sim := opts.Strategy.similarity()
	var out []ConsolidationCluster
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.store.Candidates(ctx, ns, filter)
		if err != nil {
			return nil, errs.Fatal(err)
		}
		pool := page
		if opts.Strategy == StrategyTagBased {
			pool = withTags(pool)
		}
		if opts.Strategy == StrategyTemporal {
			for _, bucket := range byDay(pool) {
				out = append(out, greedyClusters(bucket, sim, opts)...)
			}
		} else {
			out = append(out, greedyClusters(pool, sim, opts)...)
		}
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += filter.Limit
	}
	if out == nil {
		out = []ConsolidationCluster{}
	}
	return out, nil
}

func withTags(mems []Memory) []Memory {
	out := mems[:0:0]
	for _, m := range mems {
		if len(m.Tags) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// byDay buckets memories by UTC calendar day of creation, oldest day first.
// Order within a bucket is preserved.
func byDay(mems []Memory) [][]Memory {
	idx := map[string]int{}
	var days []string
	var buckets [][]Memory
	for _, m := range mems {
		day := m.CreatedAt.UTC().Format("2006-01-02")
		i, ok := idx[day]
		if !ok {
			i = len(buckets)
			idx[day] = i
			days = append(days, day)
			buckets = append(buckets, nil)
		}
		buckets[i] = append(buckets[i], m)
	}
	order := make([]int, len(days))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return days[order[a]] < days[order[b]] })
	out := make([][]Memory, len(order))
	for i, o := range order {
		out[i] = buckets[o]
	}
	return out
}

func greedyClusters(pool []Memory, sim similarityFunc, opts FindOptions) []ConsolidationCluster {
	assigned := make([]bool, len(pool))
	var out []ConsolidationCluster
	for i := range pool {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		members := []Memory{pool[i]}
		for j := i + 1; j < len(pool) && len(members) < opts.MaxClusterSize; j++ {
			if assigned[j] {
				continue
			}
			if sim(pool[i], pool[j]) >= opts.Threshold {
				assigned[j] = true
				members = append(members, pool[j])
			}
		}
		if len(members) < 2 {
			continue
		}
		out = append(out, scoreCluster(opts.Strategy, members, sim))
	}
	return out
}

// scoreCluster computes the similarity annotations for members, whose first
// element is the seed. Merge uses the same function so dry and real runs
// report identical scores.
func scoreCluster(st Strategy, members []Memory, sim similarityFunc) ConsolidationCluster {
	cl := ConsolidationCluster{
		Strategy:     st,
		MemberIDs:    make([]string, len(members)),
		CentroidID:   members[0].ID,
		Similarities: make(map[string]float64, len(members)-1),
	}
	for i, m := range members {
		cl.MemberIDs[i] = m.ID
		if i > 0 {
			cl.Similarities[m.ID] = sim(members[0], m)
		}
	}
	var total float64
	pairs := 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			total += sim(members[i], members[j])
			pairs++
		}
	}
	if pairs > 0 {
		cl.AvgSimilarity = total / float64(pairs)
	}
	return cl
}
