package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/chunker"
	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/logger"
	"github.com/memvra/mnemos/internal/retry"
)

// DefaultEmbedTimeout bounds one embedding call.
const DefaultEmbedTimeout = 30 * time.Second

// Options configures a Service. Zero values take package defaults.
type Options struct {
	Embedder     adapter.Embedder // nil disables embedding; memories are stored without vectors
	Logger       *slog.Logger
	Clock        func() time.Time
	EmbedTimeout time.Duration
	// SearchRetry applies to query embedding on search paths.
	SearchRetry retry.Policy

	ChunkMaxLength int
	ChunkOverlap   int

	Strength      StrengthConfig
	Consolidation ConsolidationConfig

	HopDecay   float64
	MaxRelated int

	QuadrantCount   int
	CoAccessWindow  time.Duration
	Labeler         Labeler
	ClusterProgress func(done, total int)
}

// DefaultSearchRetry is three attempts with exponential backoff from 200ms.
func DefaultSearchRetry(timeout time.Duration) retry.Policy {
	return retry.Policy{Timeout: timeout, Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Service is the namespace-bound facade over every engine.
type Service struct {
	Namespace    string
	Store        *Store
	Vectors      *VectorStore
	Strength     *StrengthEngine
	Graph        *Graph
	Spatial      *Spatial
	Chains       *Chains
	Consolidator *Consolidator

	embedder adapter.Embedder
	log      *slog.Logger
	opts     Options
}

// NewService wires the engines for namespace ns over database.
func NewService(database *db.DB, ns string, opts Options) (*Service, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultEmbedTimeout
	}
	if opts.SearchRetry.Attempts == 0 {
		opts.SearchRetry = DefaultSearchRetry(opts.EmbedTimeout)
	}
	if opts.ChunkMaxLength <= 0 {
		opts.ChunkMaxLength = chunker.DefaultMaxLength
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}

	var storeOpts []StoreOption
	if opts.Clock != nil {
		storeOpts = append(storeOpts, WithClock(opts.Clock))
	}
	store := NewStore(database, storeOpts...)
	vectors := NewVectorStore(store)
	strength := NewStrengthEngine(store, opts.Strength)
	log := opts.Logger.With("namespace", ns)

	return &Service{
		Namespace: ns,
		Store:     store,
		Vectors:   vectors,
		Strength:  strength,
		Graph:     NewGraph(store, vectors,
			WithHopDecay(opts.HopDecay),
			WithMaxRelated(opts.MaxRelated),
			WithGraphLogger(log),
		),
		Spatial: NewSpatial(store, vectors,
			WithQuadrantCount(opts.QuadrantCount),
			WithCoAccessWindow(opts.CoAccessWindow),
			WithLabeler(opts.Labeler),
			WithClusterProgress(opts.ClusterProgress),
			WithSpatialLogger(log),
		),
		Chains:       NewChains(store),
		Consolidator: NewConsolidator(store, strength, opts.Consolidation),
		embedder:     opts.Embedder,
		log:          log,
		opts:         opts,
	}, nil
}

// Embedder returns the configured embedder, or nil.
func (s *Service) Embedder() adapter.Embedder { return s.embedder }

// Logger returns the namespace-scoped logger.
func (s *Service) Logger() *slog.Logger { return s.log }

// StoreRequest describes a memory to store.
type StoreRequest struct {
	Content    string         `json:"content"`
	MemoryType MemoryType     `json:"memory_type,omitempty"`
	Importance Importance     `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Embedding  []float32      `json:"-"`
	Image      []byte         `json:"-"`
	ImageMIME  string         `json:"image_mime,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// StoreResult reports a store.
type StoreResult struct {
	ID             string   `json:"id"`
	IDs            []string `json:"ids"`
	Chunked        bool     `json:"chunked"`
	Embedded       int      `json:"embedded"`
	EmbeddingError string   `json:"embedding_error,omitempty"`
	Quadrant       string   `json:"quadrant,omitempty"`
}

// Summary is a one-line human readable report.
func (r StoreResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stored %s", r.ID)
	if r.Chunked {
		fmt.Fprintf(&b, " as %d chunks", len(r.IDs))
	}
	if r.Embedded < len(r.IDs) {
		b.WriteString(" (without embedding)")
	}
	return b.String()
}

func (s *Service) validateStore(req *StoreRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return errs.Invalid("content is required")
	}
	if req.MemoryType == "" {
		req.MemoryType = TypeSemantic
	}
	if !ValidMemoryType(req.MemoryType) {
		return errs.Invalid("unknown memory type %q", req.MemoryType)
	}
	if req.Importance == "" {
		req.Importance = ImportanceMedium
	}
	if !req.Importance.Valid() {
		return errs.Invalid("unknown importance %q", req.Importance)
	}
	if len(req.Image) > 0 && req.ImageMIME == "" {
		return errs.Invalid("image requires a MIME type")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.Store.Now()) {
		return errs.Invalid("expiry %s is not in the future", req.ExpiresAt.Format(time.RFC3339))
	}
	req.Tags = NormalizeTags(req.Tags)
	return nil
}

// Remember persists a memory. Content longer than the configured maximum is
// split into ordered chunks that share a parent marker, carry the "chunked"
// tag and are linked by next_chunk edges; all chunks and their links are
// written in one transaction. Embedding is best-effort with a single timed
// attempt: on failure the memory is stored without a vector and the error is
// reported in the result.
func (s *Service) Remember(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if err := s.validateStore(&req); err != nil {
		return StoreResult{}, err
	}

	chunks := chunker.Split(req.Content, s.opts.ChunkMaxLength, s.opts.ChunkOverlap)
	overlap := chunker.EffectiveOverlap(s.opts.ChunkMaxLength, s.opts.ChunkOverlap)
	now := s.Store.Now()

	mems := make([]Memory, len(chunks))
	for i, c := range chunks {
		m := Memory{
			ID:         NewID(),
			Namespace:  s.Namespace,
			Content:    c.Content,
			MemoryType: req.MemoryType,
			Importance: req.Importance,
			Tags:       req.Tags,
			Metadata:   copyMetadata(req.Metadata),
			ExpiresAt:  req.ExpiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if i == 0 {
			m.Image = req.Image
			m.ImageMIME = req.ImageMIME
		}
		mems[i] = m
	}
	if len(chunks) > 1 {
		tags := NormalizeTags(append(append([]string{}, req.Tags...), TagChunked))
		for i := range mems {
			if mems[i].Metadata == nil {
				mems[i].Metadata = map[string]any{}
			}
			mems[i].Tags = tags
			mems[i].Metadata[MetaChunkParent] = mems[0].ID
			mems[i].Metadata[MetaChunkIndex] = i
			mems[i].Metadata[MetaChunkCount] = len(chunks)
			mems[i].Metadata[MetaChunkOverlap] = overlap
		}
	}

	res := StoreResult{ID: mems[0].ID, Chunked: len(chunks) > 1}
	if len(req.Embedding) > 0 {
		mems[0].Embedding = Normalize(req.Embedding)
	}
	if err := s.embedMissing(ctx, mems); err != nil {
		res.EmbeddingError = err.Error()
		s.log.Warn("embedding failed; storing without vector", "stage", "embed", "err", err)
	}

	err := s.Store.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, m := range mems {
			if err := insertMemory(ctx, tx, m); err != nil {
				return err
			}
			if err := insertStrength(ctx, tx, s.Strength.Initial(m.ID, m.Importance, now)); err != nil {
				return err
			}
			if m.HasEmbedding() {
				if err := upsertVector(ctx, tx, s.Store.db, s.Namespace, m.ID, m.Embedding); err != nil {
					return err
				}
			}
			if i > 0 {
				if _, err := upsertEdge(ctx, tx, s.Namespace, mems[i-1].ID, m.ID, RelationNextChunk, 1.0, false, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return StoreResult{}, errs.Fatal(fmt.Errorf("store: %w", err))
	}

	for _, m := range mems {
		res.IDs = append(res.IDs, m.ID)
		if !m.HasEmbedding() {
			continue
		}
		res.Embedded++
		code, err := s.Spatial.Assign(ctx, s.Namespace, m.ID)
		switch {
		case err == nil:
			if m.ID == res.ID {
				res.Quadrant = code
			}
		case errors.Is(err, errs.ErrNotFound):
			// quadrants not initialised yet
		default:
			s.log.Warn("quadrant assignment failed", "stage", "assign", "id", m.ID, "err", err)
		}
	}
	return res, nil
}

// embedMissing fills Embedding for every memory that lacks one with a
// single timed attempt.
func (s *Service) embedMissing(ctx context.Context, mems []Memory) error {
	if s.embedder == nil {
		return nil
	}
	var idx []int
	var texts []string
	for i, m := range mems {
		if !m.HasEmbedding() {
			idx = append(idx, i)
			texts = append(texts, m.Content)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := retry.Value(ctx, retry.Once(s.opts.EmbedTimeout), func(ctx context.Context) ([][]float32, error) {
		return s.embedder.Embed(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for j, i := range idx {
		if len(vecs[j]) > 0 {
			mems[i].Embedding = Normalize(vecs[j])
		}
	}
	return nil
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetOptions tunes Get.
type GetOptions struct {
	// IncludeExpired returns soft-deleted memories flagged Expired instead of
	// NotFound. Expired reads do not count as accesses.
	IncludeExpired bool
}

// Get returns memory id. An active read increments its access count,
// reinforces its strength and feeds the co-access statistics.
func (s *Service) Get(ctx context.Context, id string, opts GetOptions) (Memory, error) {
	if err := checkID(id); err != nil {
		return Memory{}, err
	}
	m, ok, err := s.Store.Find(ctx, s.Namespace, id, opts.IncludeExpired)
	if err != nil {
		return Memory{}, err
	}
	if !ok {
		return Memory{}, errs.NotFound("memory %q", id)
	}
	if m.Expired {
		return m, nil
	}

	now := s.Store.Now()
	if err := s.Store.touch(ctx, s.Store.db.Conn(), s.Namespace, []string{id}, now); err != nil {
		return Memory{}, errs.Fatal(err)
	}
	m.AccessCount++
	m.LastAccessedAt = &now

	if _, err := s.Strength.UpdateStrength(ctx, s.Namespace, id, true, ""); err != nil {
		s.log.Warn("strength reinforcement failed", "stage", "strength", "id", id, "err", err)
	}
	if err := s.Spatial.RecordAccess(ctx, s.Namespace, id); err != nil {
		s.log.Warn("access recording failed", "stage", "hotpath", "id", id, "err", err)
	}
	return m, nil
}

// Reassemble follows next_chunk edges from the first chunk and rebuilds the
// original content.
func (s *Service) Reassemble(ctx context.Context, firstID string) (string, []string, error) {
	first, err := s.Store.Get(ctx, s.Namespace, firstID)
	if err != nil {
		return "", nil, err
	}
	overlap := 0
	if v, ok := first.Metadata[MetaChunkOverlap]; ok {
		if f, ok := v.(float64); ok {
			overlap = int(f)
		}
	}

	contents := []string{first.Content}
	ids := []string{first.ID}
	seen := map[string]bool{first.ID: true}
	cur := first.ID
	for {
		next, err := queryStrings(ctx, s.Store.db.Conn(),
			`SELECT target_id FROM associations
			 WHERE namespace = ? AND source_id = ? AND relation_type = ? ORDER BY target_id LIMIT 1`,
			s.Namespace, cur, RelationNextChunk)
		if err != nil {
			return "", nil, fmt.Errorf("reassemble: %w", err)
		}
		if len(next) == 0 || seen[next[0]] {
			break
		}
		m, ok, err := s.Store.Find(ctx, s.Namespace, next[0], true)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			break
		}
		seen[m.ID] = true
		contents = append(contents, m.Content)
		ids = append(ids, m.ID)
		cur = m.ID
	}
	return chunker.Join(contents, overlap), ids, nil
}
