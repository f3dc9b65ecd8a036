// Package registry owns the process-wide resources (database, embedder,
// embedding cache) and hands out one memory service per namespace.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/config"
	mctx "github.com/memvra/mnemos/internal/context"
	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/logger"
	"github.com/memvra/mnemos/internal/memory"
	"github.com/memvra/mnemos/internal/retry"
)

// Registry maps namespaces to services. Services for different namespaces
// never share state other than the database handle and the embedding cache,
// whose keys include the namespace.
type Registry struct {
	mu       sync.Mutex
	cfg      config.Config
	db       *db.DB
	embedder adapter.Embedder
	cache    *adapter.Cache
	labeler  memory.Labeler
	tok      mctx.Tokenizer
	log      *slog.Logger
	clock    func() time.Time
	progress func(done, total int)
	services map[string]*memory.Service
	closed   bool
}

// Option configures Open.
type Option func(*Registry)

// WithLogger sets the logger handed to every service.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithEmbedder overrides the configured embedding provider.
func WithEmbedder(e adapter.Embedder) Option {
	return func(r *Registry) { r.embedder = e }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

// WithClusterProgress reports clustering progress for every service.
func WithClusterProgress(fn func(done, total int)) Option {
	return func(r *Registry) { r.progress = fn }
}

// Open opens the database named by cfg and prepares the shared resources.
func Open(cfg config.Config, opts ...Option) (*Registry, error) {
	r := &Registry{cfg: cfg, services: make(map[string]*memory.Service)}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.Nop()
	}

	if r.embedder == nil {
		e, err := adapter.NewEmbedder(adapter.Config{
			Provider:   cfg.Embedding.Provider,
			Model:      cfg.Embedding.Model,
			APIKey:     apiKey(cfg, cfg.Embedding.Provider),
			OllamaHost: cfg.Embedding.OllamaHost,
			Dimension:  cfg.Storage.Dimension,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		r.embedder = e
	}

	if cfg.Labels.Provider != "" {
		c, err := adapter.NewCompleter(adapter.Config{
			Provider:   cfg.Labels.Provider,
			Model:      cfg.Labels.Model,
			APIKey:     apiKey(cfg, cfg.Labels.Provider),
			OllamaHost: cfg.Embedding.OllamaHost,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		r.labeler = adapter.NewLabeler(c, cfg.Labels.Model)
	}

	tok, err := mctx.NewTokenizer(cfg.Context.Tokenizer, cfg.Context.CharsPerToken)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r.tok = tok

	cache, err := adapter.NewCache(cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r.cache = cache

	database, err := db.Open(cfg.Storage.DBPath, db.WithDimension(cfg.Storage.Dimension))
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}
	r.db = database
	if verr := database.VectorError(); verr != nil {
		r.log.Warn("vector index unavailable, falling back to full scans", "err", verr)
	}
	return r, nil
}

func apiKey(cfg config.Config, provider string) string {
	switch strings.ToLower(provider) {
	case adapter.ProviderOpenAI:
		return cfg.Keys.OpenAI
	case adapter.ProviderClaude:
		return cfg.Keys.Anthropic
	}
	return ""
}

// DB returns the shared database.
func (r *Registry) DB() *db.DB { return r.db }

// Config returns the configuration services are currently built from.
func (r *Registry) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Service returns the service for ns, creating it on first use.
func (r *Registry) Service(ns string) (*memory.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry: closed")
	}
	if svc, ok := r.services[ns]; ok {
		return svc, nil
	}
	svc, err := memory.NewService(r.db, ns, r.serviceOptions(ns))
	if err != nil {
		return nil, err
	}
	r.services[ns] = svc
	return svc, nil
}

// Assembler returns a context assembler over the service for ns.
func (r *Registry) Assembler(ns string) (*mctx.Assembler, error) {
	svc, err := r.Service(ns)
	if err != nil {
		return nil, err
	}
	return mctx.NewAssembler(svc, mctx.WithTokenizer(r.tok), mctx.WithLogger(svc.Logger())), nil
}

// ContextOptions are the configured assembler defaults.
func (r *Registry) ContextOptions() mctx.Options {
	c := r.Config().Context
	return mctx.Options{
		MaxTokens:           c.MaxTokens,
		TopK:                c.TopK,
		MinRelevance:        c.MinRelevance,
		IncludeAssociations: c.IncludeAssociations,
		MaxAssociationDepth: c.AssociationDepth,
		IncludeChains:       c.IncludeChains,
		IncludeContextual:   c.IncludeContextual,
		ImportanceBoost:     c.ImportanceBoost,
		RecencyBoost:        c.RecencyBoost,
		Timeout:             c.PipelineTimeout,
	}
}

// MaintainOptions are the configured maintenance defaults.
func (r *Registry) MaintainOptions() memory.MaintainOptions {
	cfg := r.Config()
	opts := memory.DefaultMaintainOptions()
	if cfg.Graph.MaxAgeDays > 0 {
		opts.AssociationMaxAgeDays = cfg.Graph.MaxAgeDays
	}
	if cfg.Spatial.HeatHalfLifeDays > 0 {
		opts.HeatHalfLifeDays = cfg.Spatial.HeatHalfLifeDays
	}
	return opts
}

// Reload swaps in cfg for tunables. Existing services are dropped and
// rebuilt on next use; storage and provider changes need a restart.
func (r *Registry) Reload(cfg config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Storage != r.cfg.Storage || cfg.Embedding.Provider != r.cfg.Embedding.Provider || cfg.Embedding.Model != r.cfg.Embedding.Model {
		r.log.Warn("storage and embedding provider changes apply after restart")
		cfg.Storage = r.cfg.Storage
		cfg.Embedding.Provider = r.cfg.Embedding.Provider
		cfg.Embedding.Model = r.cfg.Embedding.Model
	}
	r.cfg = cfg
	r.services = make(map[string]*memory.Service)
	r.log.Info("config reloaded")
}

func (r *Registry) serviceOptions(ns string) memory.Options {
	c := r.cfg
	var emb adapter.Embedder
	if r.embedder != nil {
		emb = adapter.WithCache(r.embedder, r.cache, ns)
	}

	strength := memory.DefaultStrengthConfig()
	overlayTiers(strength.InitialStability, c.Strength.InitialStability)
	overlayTiers(strength.Growth, c.Strength.Growth)
	strength.AssociationDecay = c.Graph.DecayFactor
	strength.AssociationFloor = c.Graph.AssociationFloor

	consolidation := memory.DefaultConsolidationConfig()
	consolidation.Threshold = c.Consolidation.Threshold
	consolidation.MaxClusterSize = c.Consolidation.MaxClusterSize
	consolidation.MaxTags = c.Consolidation.MaxTags
	consolidation.MinSentenceLength = c.Consolidation.MinSentenceLength

	return memory.Options{
		Embedder:     emb,
		Logger:       r.log,
		Clock:        r.clock,
		EmbedTimeout: c.Embedding.Timeout,
		SearchRetry: retry.Policy{
			Timeout:   c.Embedding.Timeout,
			Attempts:  c.Embedding.Retries,
			BaseDelay: c.Embedding.Backoff,
			MaxDelay:  16 * c.Embedding.Backoff,
		},
		ChunkMaxLength:  c.Chunking.MaxLength,
		ChunkOverlap:    c.Chunking.Overlap,
		Strength:        strength,
		Consolidation:   consolidation,
		HopDecay:        c.Graph.HopDecay,
		MaxRelated:      c.Graph.MaxRelated,
		QuadrantCount:   c.Spatial.QuadrantCount,
		CoAccessWindow:  c.Spatial.CoAccessWindow,
		Labeler:         r.labeler,
		ClusterProgress: r.progress,
	}
}

// overlayTiers copies known importance tiers from src into dst.
func overlayTiers(dst map[memory.Importance]float64, src map[string]float64) {
	for k, v := range src {
		imp, err := memory.ParseImportance(k)
		if err != nil || v <= 0 {
			continue
		}
		dst[imp] = v
	}
}

// Close releases the cache and the database. Services handed out earlier
// must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.services = nil
	r.cache.Close()
	return r.db.Close()
}
