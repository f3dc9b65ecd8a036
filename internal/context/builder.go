package context

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/logger"
	"github.com/memvra/mnemos/internal/memory"
)

// Stages that may degrade without failing the window.
const (
	StageAssociations = "associations"
	StageChains       = "chains"
	StageCoAccess     = "co_access"
	StageSpatial      = "spatial"
	StageRecent       = "recent"
)

// Section names the part of a window an entry belongs to. Sections are
// filled in declaration order.
type Section string

const (
	SectionCore       Section = "core"
	SectionAssociated Section = "associated"
	SectionChain      Section = "chain"
	SectionContextual Section = "contextual"
)

// Options controls how a window is assembled.
type Options struct {
	MaxTokens           int
	TopK                int
	MinRelevance        float64
	IncludeAssociations bool
	MaxAssociationDepth int
	IncludeChains       bool
	IncludeContextual   bool
	// ImportanceBoost and RecencyBoost re-rank the core section after the
	// budget has been applied.
	ImportanceBoost float64
	RecencyBoost    float64
	Timeout         time.Duration
}

// DefaultOptions enables every section with a 4000 token budget.
func DefaultOptions() Options {
	return Options{
		MaxTokens:           4000,
		TopK:                10,
		MinRelevance:        0.3,
		IncludeAssociations: true,
		MaxAssociationDepth: 2,
		IncludeChains:       true,
		IncludeContextual:   true,
		Timeout:             memory.DefaultSearchTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxTokens == 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.TopK == 0 {
		o.TopK = d.TopK
	}
	if o.MaxAssociationDepth == 0 {
		o.MaxAssociationDepth = d.MaxAssociationDepth
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.MaxTokens < 0:
		return errs.Invalid("max tokens must be positive, got %d", o.MaxTokens)
	case o.TopK < 0:
		return errs.Invalid("top k must be positive, got %d", o.TopK)
	case o.MinRelevance < 0 || o.MinRelevance > 1:
		return errs.Invalid("min relevance must be in [0,1], got %v", o.MinRelevance)
	case o.MaxAssociationDepth < 0:
		return errs.Invalid("association depth must be positive, got %d", o.MaxAssociationDepth)
	case o.ImportanceBoost < 0 || o.RecencyBoost < 0:
		return errs.Invalid("boosts must not be negative")
	}
	return nil
}

// Entry is one memory placed in a window.
type Entry struct {
	Memory  memory.Memory `json:"memory"`
	Section Section       `json:"section"`
	// Score is the similarity for core entries (plus any boost), the path
	// strength for associated ones and the transition probability or region
	// similarity for contextual ones.
	Score  float64 `json:"score"`
	Boost  float64 `json:"boost,omitempty"`
	Tokens int     `json:"tokens"`
	Reason string  `json:"reason,omitempty"`
}

// Stats describes how a window was filled.
type Stats struct {
	Candidates map[Section]int `json:"candidates"`
	Included   map[Section]int `json:"included"`
	Dropped    int             `json:"dropped"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Window is an assembled context window.
type Window struct {
	Query       string             `json:"query"`
	MaxTokens   int                `json:"max_tokens"`
	Core        []Entry            `json:"core"`
	Associated  []Entry            `json:"associated"`
	Chain       []Entry            `json:"chain"`
	Contextual  []Entry            `json:"contextual"`
	TotalTokens int                `json:"total_tokens"`
	Stats       Stats              `json:"stats"`
	StageErrors []*errs.StageError `json:"stage_errors,omitempty"`
}

// Entries returns every entry in section order.
func (w *Window) Entries() []Entry {
	out := make([]Entry, 0, len(w.Core)+len(w.Associated)+len(w.Chain)+len(w.Contextual))
	out = append(out, w.Core...)
	out = append(out, w.Associated...)
	out = append(out, w.Chain...)
	return append(out, w.Contextual...)
}

// Degraded reports whether any optional stage failed.
func (w *Window) Degraded() bool { return len(w.StageErrors) > 0 }

// Assembler builds context windows for one namespace.
type Assembler struct {
	svc *memory.Service
	tok Tokenizer
	log *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTokenizer replaces the default heuristic tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(a *Assembler) {
		if t != nil {
			a.tok = t
		}
	}
}

// WithLogger sets the logger used for degraded stages.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAssembler creates an Assembler over svc.
func NewAssembler(svc *memory.Service, opts ...Option) *Assembler {
	a := &Assembler{svc: svc, tok: Heuristic{}, log: svc.Logger()}
	if a.log == nil {
		a.log = logger.Nop()
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// budget admits whole memories until the token limit would be crossed.
// Each memory is considered once across all sections.
type budget struct {
	tok     Tokenizer
	max     int
	used    int
	dropped int
	seen    map[string]bool
}

func (b *budget) add(dst *[]Entry, e Entry) {
	if b.seen[e.Memory.ID] {
		return
	}
	b.seen[e.Memory.ID] = true
	e.Tokens = b.tok.Count(e.Memory.Content)
	if b.used+e.Tokens > b.max {
		b.dropped++
		return
	}
	b.used += e.Tokens
	*dst = append(*dst, e)
}

func (b *budget) full() bool { return b.used >= b.max }

// BuildContextWindow ranks memories against the query and fills the window
// with core, associated, chain and contextual memories in that order. The
// query is embedded when embedding is empty. Embedding and the core search
// are fatal on failure; every other source degrades into StageErrors.
func (a *Assembler) BuildContextWindow(ctx context.Context, query string, embedding []float32, opts Options) (*Window, error) {
	started := time.Now()
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if len(embedding) == 0 {
		var err error
		if embedding, err = a.svc.QueryEmbedding(ctx, query); err != nil {
			return nil, err
		}
	}
	ns := a.svc.Namespace
	hits, err := a.svc.Vectors.Search(ctx, ns, embedding, memory.SearchFilter{
		Limit:         opts.TopK,
		MinSimilarity: opts.MinRelevance,
	})
	if err != nil {
		return nil, fmt.Errorf("context: core search: %w", err)
	}

	w := &Window{
		Query:     query,
		MaxTokens: opts.MaxTokens,
		Stats: Stats{
			Candidates: map[Section]int{SectionCore: len(hits)},
			Included:   map[Section]int{},
		},
	}
	b := &budget{tok: a.tok, max: opts.MaxTokens, seen: make(map[string]bool)}
	for _, h := range hits {
		b.add(&w.Core, Entry{Memory: h.Memory, Section: SectionCore, Score: h.Similarity})
	}
	// Expansion starts from every core candidate, including ones that did
	// not fit, so a single large hit does not hide its neighbours.
	seeds := make([]string, len(hits))
	for i, h := range hits {
		seeds[i] = h.ID
	}

	if opts.IncludeAssociations {
		a.stage(ctx, w, b, StageAssociations, SectionAssociated, &w.Associated, func(ctx context.Context) ([]Entry, error) {
			return a.associated(ctx, seeds, opts.MaxAssociationDepth)
		})
	}
	if opts.IncludeChains {
		a.stage(ctx, w, b, StageChains, SectionChain, &w.Chain, func(ctx context.Context) ([]Entry, error) {
			return a.chains(ctx, seeds)
		})
	}
	if opts.IncludeContextual {
		a.stage(ctx, w, b, StageCoAccess, SectionContextual, &w.Contextual, func(ctx context.Context) ([]Entry, error) {
			return a.coAccessed(ctx, seeds)
		})
		a.stage(ctx, w, b, StageSpatial, SectionContextual, &w.Contextual, func(ctx context.Context) ([]Entry, error) {
			return a.regionMates(ctx, seeds, opts.TopK)
		})
		a.stage(ctx, w, b, StageRecent, SectionContextual, &w.Contextual, func(ctx context.Context) ([]Entry, error) {
			return a.recent(ctx, opts.TopK)
		})
	}

	if opts.ImportanceBoost > 0 || opts.RecencyBoost > 0 {
		boost(w.Core, opts, a.svc.Store.Now())
	}

	w.TotalTokens = b.used
	w.Stats.Dropped = b.dropped
	w.Stats.Included[SectionCore] = len(w.Core)
	w.Stats.Included[SectionAssociated] = len(w.Associated)
	w.Stats.Included[SectionChain] = len(w.Chain)
	w.Stats.Included[SectionContextual] = len(w.Contextual)
	w.Stats.Elapsed = time.Since(started)
	return w, nil
}

// stage gathers candidates from one source and admits them. A failing
// source contributes nothing. Sources are skipped once the budget is full.
func (a *Assembler) stage(ctx context.Context, w *Window, b *budget, name string, sec Section, dst *[]Entry, gather func(context.Context) ([]Entry, error)) {
	if b.full() {
		return
	}
	if err := ctx.Err(); err != nil {
		a.partial(w, name, err)
		return
	}
	cands, err := gather(ctx)
	if err != nil {
		a.partial(w, name, err)
		return
	}
	w.Stats.Candidates[sec] += len(cands)
	for _, e := range cands {
		e.Section = sec
		b.add(dst, e)
	}
}

func (a *Assembler) partial(w *Window, stage string, err error) {
	w.StageErrors = append(w.StageErrors, errs.Partial(stage, err))
	a.log.Warn("context stage degraded", "stage", stage, "err", err)
}

func (a *Assembler) associated(ctx context.Context, seeds []string, depth int) ([]Entry, error) {
	best := make(map[string]memory.Related)
	var order []string
	for _, id := range seeds {
		rel, err := a.svc.Graph.GetRelated(ctx, a.svc.Namespace, id, depth)
		if err != nil {
			return nil, err
		}
		for _, r := range rel {
			cur, ok := best[r.Memory.ID]
			if !ok {
				order = append(order, r.Memory.ID)
			}
			if !ok || r.Strength > cur.Strength {
				best[r.Memory.ID] = r
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return best[order[i]].Strength > best[order[j]].Strength })

	out := make([]Entry, 0, len(order))
	for _, id := range order {
		r := best[id]
		out = append(out, Entry{
			Memory: r.Memory,
			Score:  r.Strength,
			Reason: fmt.Sprintf("%s of %s (depth %d)", r.RelationType, r.Via, r.Depth),
		})
	}
	return out, nil
}

// chains returns the members of every chain containing a seed, chain by
// chain in member order.
func (a *Assembler) chains(ctx context.Context, seeds []string) ([]Entry, error) {
	ns := a.svc.Namespace
	seenChain := make(map[string]bool)
	reason := make(map[string]string)
	var order []string
	for _, id := range seeds {
		chains, err := a.svc.Chains.ChainsContaining(ctx, ns, id)
		if err != nil {
			return nil, err
		}
		for _, ch := range chains {
			if seenChain[ch.ID] {
				continue
			}
			seenChain[ch.ID] = true
			for i, mid := range ch.MemberIDs {
				if _, dup := reason[mid]; dup {
					continue
				}
				reason[mid] = fmt.Sprintf("step %d of %s chain %q", i+1, ch.ChainType, ch.Name)
				order = append(order, mid)
			}
		}
	}
	if len(order) == 0 {
		return nil, nil
	}
	mems, err := a.svc.Store.GetMany(ctx, ns, order, true)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(order))
	for _, id := range order {
		if m, ok := mems[id]; ok {
			out = append(out, Entry{Memory: m, Reason: reason[id]})
		}
	}
	return out, nil
}

const predictionsPerSeed = 3

func (a *Assembler) coAccessed(ctx context.Context, seeds []string) ([]Entry, error) {
	var out []Entry
	for _, id := range seeds {
		preds, err := a.svc.Spatial.PredictNext(ctx, a.svc.Namespace, id, predictionsPerSeed)
		if err != nil {
			return nil, err
		}
		for _, p := range preds {
			out = append(out, Entry{
				Memory: p.Memory,
				Score:  p.Probability,
				Reason: fmt.Sprintf("often read after %s", id),
			})
		}
	}
	return out, nil
}

// regionMates returns memories sharing the top seed's cluster, or its
// quadrant when it is not clustered.
func (a *Assembler) regionMates(ctx context.Context, seeds []string, limit int) ([]Entry, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	ns := a.svc.Namespace
	region, ok, err := a.svc.Spatial.RegionOf(ctx, ns, seeds[0])
	if err != nil || !ok {
		return nil, err
	}
	var (
		mates []memory.Scored
		label string
	)
	switch {
	case region.ClusterID != "":
		mates, err = a.svc.Spatial.SearchCluster(ctx, ns, region.ClusterID, limit)
		label = "same cluster as " + seeds[0]
	case region.QuadrantCode != "":
		mates, err = a.svc.Spatial.SearchQuadrant(ctx, ns, region.QuadrantCode, limit)
		label = "same quadrant as " + seeds[0]
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(mates))
	for _, m := range mates {
		out = append(out, Entry{Memory: m.Memory, Score: m.Similarity, Reason: label})
	}
	return out, nil
}

func (a *Assembler) recent(ctx context.Context, limit int) ([]Entry, error) {
	mems, err := a.svc.Store.Recent(ctx, a.svc.Namespace, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(mems))
	for i, m := range mems {
		out[i] = Entry{Memory: m, Reason: "recently used"}
	}
	return out, nil
}

// boost adds importance and recency weights to core scores and re-sorts.
// Importance adds up to ImportanceBoost for critical memories; recency adds
// RecencyBoost / (1 + days since last access).
func boost(entries []Entry, opts Options, now time.Time) {
	for i := range entries {
		e := &entries[i]
		e.Boost = opts.ImportanceBoost * float64(e.Memory.Importance.Rank()) / float64(memory.ImportanceCritical.Rank())
		if opts.RecencyBoost > 0 {
			last := e.Memory.CreatedAt
			if e.Memory.LastAccessedAt != nil {
				last = *e.Memory.LastAccessedAt
			}
			days := now.Sub(last).Hours() / 24
			if days < 0 {
				days = 0
			}
			e.Boost += opts.RecencyBoost / (1 + days)
		}
		e.Score += e.Boost
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
}
