package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/retry"
)

// Search pipeline stage names, reported in StageErrors.
const (
	StageEmbed   = "embed"
	StageCore    = "core"
	StageRelated = "related"
	StageChains  = "chains"
	StageRescore = "rescore"
)

// DefaultSearchTimeout is the shared deadline of one search.
const DefaultSearchTimeout = 30 * time.Second

// SearchRequest describes a similarity search.
type SearchRequest struct {
	Query          string
	Embedding      []float32 // used instead of embedding Query when set
	Limit          int
	MinSimilarity  float64
	Types          []MemoryType
	Importances    []Importance
	Tags           []string
	IncludeRelated bool
	IncludeChains  bool
	Rescore        bool
	Timeout        time.Duration
}

// ChainRef names a chain that contains a hit.
type ChainRef struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     ChainType `json:"type"`
	Position int       `json:"position"`
}

// SearchHit is one search result with its enrichments.
type SearchHit struct {
	Memory         Memory     `json:"memory"`
	Similarity     float64    `json:"similarity"`
	Score          float64    `json:"score"`
	Retrievability *float64   `json:"retrievability,omitempty"`
	Related        []Related  `json:"related,omitempty"`
	Chains         []ChainRef `json:"chains,omitempty"`
}

// SearchResponse is the result of Search. StageErrors lists enrichment
// stages that failed or ran out of time; their hits are still returned.
type SearchResponse struct {
	Hits        []SearchHit        `json:"hits"`
	StageErrors []*errs.StageError `json:"stage_errors,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`
}

// Degraded reports whether any enrichment stage failed.
func (r SearchResponse) Degraded() bool { return len(r.StageErrors) > 0 }

// QueryEmbedding embeds text for search, retrying transient failures within
// ctx's deadline.
func (s *Service) QueryEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, errs.Invalid("no embedder configured; pass a query embedding")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.Invalid("query is required")
	}
	var vec []float32
	err := retry.Do(ctx, s.opts.SearchRetry, func(ctx context.Context) error {
		vecs, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return fmt.Errorf("embedder returned no vector")
		}
		vec = vecs[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	return vec, nil
}

// Search runs the similarity pipeline: embed the query, rank memories by
// cosine similarity, then optionally attach related memories and
// containing chains and rescore by current strength. Every stage draws on
// one shared deadline. Embedding and the core ranking are fatal on failure;
// the later stages degrade into StageErrors.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	started := time.Now()
	if req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		return SearchResponse{}, errs.Invalid("similarity threshold %v outside [0,1]", req.MinSimilarity)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := req.Embedding
	if len(query) == 0 {
		var err error
		if query, err = s.QueryEmbedding(ctx, req.Query); err != nil {
			return SearchResponse{}, err
		}
	}

	scored, err := s.Vectors.Search(ctx, s.Namespace, query, SearchFilter{
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
		Types:         req.Types,
		Importances:   req.Importances,
		Tags:          req.Tags,
	})
	if err != nil {
		return SearchResponse{}, fmt.Errorf("search: %w", err)
	}

	resp := SearchResponse{Hits: make([]SearchHit, len(scored))}
	ids := make([]string, len(scored))
	for i, sc := range scored {
		resp.Hits[i] = SearchHit{Memory: sc.Memory, Similarity: sc.Similarity, Score: sc.Similarity}
		ids[i] = sc.ID
	}
	if len(ids) > 0 {
		if err := s.Store.Touch(ctx, s.Namespace, ids...); err != nil {
			s.log.Warn("touch search hits failed", "err", err)
		}
	}

	stage := func(name string, fn func() error) {
		if err := ctx.Err(); err != nil {
			s.partial(&resp, name, err)
			return
		}
		if err := fn(); err != nil {
			s.partial(&resp, name, err)
		}
	}
	if req.IncludeRelated {
		stage(StageRelated, func() error { return s.attachRelated(ctx, resp.Hits) })
	}
	if req.IncludeChains {
		stage(StageChains, func() error { return s.attachChains(ctx, resp.Hits) })
	}
	if req.Rescore {
		stage(StageRescore, func() error { return s.rescore(ctx, resp.Hits) })
	}

	resp.Elapsed = time.Since(started)
	return resp, nil
}

func (s *Service) partial(resp *SearchResponse, stage string, err error) {
	resp.StageErrors = append(resp.StageErrors, errs.Partial(stage, err))
	s.log.Warn("search stage degraded", "stage", stage, "err", err)
}

const relatedPerHit = 3

func (s *Service) attachRelated(ctx context.Context, hits []SearchHit) error {
	for i := range hits {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := s.Graph.GetRelated(ctx, s.Namespace, hits[i].Memory.ID, 1)
		if err != nil {
			return err
		}
		if len(rel) > relatedPerHit {
			rel = rel[:relatedPerHit]
		}
		hits[i].Related = rel
	}
	return nil
}

func (s *Service) attachChains(ctx context.Context, hits []SearchHit) error {
	for i := range hits {
		if err := ctx.Err(); err != nil {
			return err
		}
		chains, err := s.Chains.ChainsContaining(ctx, s.Namespace, hits[i].Memory.ID)
		if err != nil {
			return err
		}
		for _, ch := range chains {
			pos := 0
			for p, id := range ch.MemberIDs {
				if id == hits[i].Memory.ID {
					pos = p
					break
				}
			}
			hits[i].Chains = append(hits[i].Chains, ChainRef{ID: ch.ID, Name: ch.Name, Type: ch.ChainType, Position: pos})
		}
	}
	return nil
}

// rescore weights similarity by current retrievability:
// score = similarity * (0.7 + 0.3 * R).
func (s *Service) rescore(ctx context.Context, hits []SearchHit) error {
	now := s.Store.Now()
	for i := range hits {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := hits[i].Memory
		st, found, err := loadStrength(ctx, s.Store.db.Conn(), m.ID)
		if err != nil {
			return err
		}
		if !found {
			st = s.Strength.Initial(m.ID, m.Importance, m.CreatedAt)
		}
		r := st.RetrievabilityAt(now)
		hits[i].Retrievability = &r
		hits[i].Score = hits[i].Similarity * (0.7 + 0.3*r)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	return nil
}
