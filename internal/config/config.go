// Package config manages global (~/.config/mnemos/config.toml) and
// per-namespace (.mnemos/config.toml) configuration for mnemos.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable. The zero value of a field means "use the
// default" after Load.
type Config struct {
	Storage       StorageConfig       `toml:"storage"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
	Keys          KeysConfig          `toml:"keys"`
	Chunking      ChunkingConfig      `toml:"chunking"`
	Strength      StrengthConfig      `toml:"strength"`
	Graph         GraphConfig         `toml:"graph"`
	Spatial       SpatialConfig       `toml:"spatial"`
	Context       ContextConfig       `toml:"context"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Labels        LabelsConfig        `toml:"labels"`
	Log           LogConfig           `toml:"log"`
}

type StorageConfig struct {
	DBPath    string `toml:"db_path"`
	Namespace string `toml:"namespace"`
	Dimension int    `toml:"dimension"`
}

type EmbeddingConfig struct {
	Provider   string        `toml:"provider"`
	Model      string        `toml:"model"`
	OllamaHost string        `toml:"ollama_host"`
	Timeout    time.Duration `toml:"timeout"`
	Retries    int           `toml:"retries"`
	Backoff    time.Duration `toml:"backoff"`
	CacheSize  int64         `toml:"cache_size"`
}

type KeysConfig struct {
	Anthropic string `toml:"anthropic"`
	OpenAI    string `toml:"openai"`
}

type ChunkingConfig struct {
	MaxLength int `toml:"max_length"`
	Overlap   int `toml:"overlap"`
}

// StrengthConfig tunes the forgetting curve. Map keys are importance tiers.
type StrengthConfig struct {
	InitialStability map[string]float64 `toml:"initial_stability"`
	Growth           map[string]float64 `toml:"growth"`
	FadingThreshold  float64            `toml:"fading_threshold"`
}

type GraphConfig struct {
	HopDecay         float64 `toml:"hop_decay"`
	MaxRelated       int     `toml:"max_related"`
	AssociationFloor float64 `toml:"association_floor"`
	DecayFactor      float64 `toml:"decay_factor"`
	MaxAgeDays       float64 `toml:"max_age_days"`
}

type SpatialConfig struct {
	QuadrantCount    int           `toml:"quadrant_count"`
	ClusterCount     int           `toml:"cluster_count"`
	MinClusterSize   int           `toml:"min_cluster_size"`
	HeatHalfLifeDays float64       `toml:"heat_half_life_days"`
	CoAccessWindow   time.Duration `toml:"co_access_window"`
}

type ContextConfig struct {
	MaxTokens           int           `toml:"max_tokens"`
	TopK                int           `toml:"top_k"`
	MinRelevance        float64       `toml:"min_relevance"`
	AssociationDepth    int           `toml:"association_depth"`
	CharsPerToken       float64       `toml:"chars_per_token"`
	Tokenizer           string        `toml:"tokenizer"`
	ImportanceBoost     float64       `toml:"importance_boost"`
	RecencyBoost        float64       `toml:"recency_boost"`
	PipelineTimeout     time.Duration `toml:"pipeline_timeout"`
	IncludeAssociations bool          `toml:"include_associations"`
	IncludeChains       bool          `toml:"include_chains"`
	IncludeContextual   bool          `toml:"include_contextual"`
}

type ConsolidationConfig struct {
	Strategy          string  `toml:"strategy"`
	Threshold         float64 `toml:"threshold"`
	MaxClusterSize    int     `toml:"max_cluster_size"`
	MaxTags           int     `toml:"max_tags"`
	MinSentenceLength int     `toml:"min_sentence_length"`
}

// LabelsConfig enables LLM-generated cluster labels. An empty provider
// keeps tag-derived labels.
type LabelsConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "auto", "pretty" or "json"
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Dimension: 768,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaHost: "http://localhost:11434",
			Timeout:    30 * time.Second,
			Retries:    3,
			Backoff:    200 * time.Millisecond,
			CacheSize:  10_000,
		},
		Chunking: ChunkingConfig{
			MaxLength: 4000,
			Overlap:   200,
		},
		Strength: StrengthConfig{
			FadingThreshold: 0.3,
		},
		Graph: GraphConfig{
			HopDecay:         0.7,
			MaxRelated:       50,
			AssociationFloor: 0.1,
			DecayFactor:      0.5,
			MaxAgeDays:       30,
		},
		Spatial: SpatialConfig{
			QuadrantCount:    4,
			ClusterCount:     8,
			MinClusterSize:   2,
			HeatHalfLifeDays: 7,
			CoAccessWindow:   30 * time.Minute,
		},
		Context: ContextConfig{
			MaxTokens:           4000,
			TopK:                10,
			MinRelevance:        0.3,
			AssociationDepth:    2,
			CharsPerToken:       4,
			Tokenizer:           "heuristic",
			PipelineTimeout:     30 * time.Second,
			IncludeAssociations: true,
			IncludeChains:       true,
			IncludeContextual:   true,
		},
		Consolidation: ConsolidationConfig{
			Strategy:          "similarity",
			Threshold:         0.85,
			MaxClusterSize:    10,
			MaxTags:           10,
			MinSentenceLength: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	if dir := os.Getenv("MNEMOS_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mnemos", "config.toml"), nil
}

// ProjectConfigPath returns the override file under a namespace root.
func ProjectConfigPath(root string) string {
	return filepath.Join(root, ".mnemos", "config.toml")
}

// DefaultDBPath is the database used when storage.db_path is unset.
func DefaultDBPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "mnemos", "mnemos.db")
	}
	return "mnemos.db"
}

// decodeFile overlays path onto cfg. A missing file is not an error.
func decodeFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// LoadFile returns defaults overlaid with path and the environment.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Load returns the effective config: defaults, then the global file, then
// root's project file when root is set, then environment overrides.
func Load(root string) (Config, error) {
	cfg := Default()
	if path, err := GlobalConfigPath(); err == nil {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if root != "" {
		if err := decodeFile(ProjectConfigPath(root), &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MNEMOS_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("MNEMOS_NAMESPACE"); v != "" {
		cfg.Storage.Namespace = v
	}
	if v := os.Getenv("MNEMOS_EMBEDDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		cfg.Embedding.OllamaHost = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Keys.Anthropic = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Keys.OpenAI = v
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = DefaultDBPath()
	}
}

// Validate rejects values no component could work with.
func (c Config) Validate() error {
	switch {
	case c.Storage.Dimension <= 0:
		return fmt.Errorf("config: storage.dimension must be positive, got %d", c.Storage.Dimension)
	case c.Chunking.MaxLength <= 0:
		return fmt.Errorf("config: chunking.max_length must be positive, got %d", c.Chunking.MaxLength)
	case c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxLength:
		return fmt.Errorf("config: chunking.overlap must be in [0, max_length), got %d", c.Chunking.Overlap)
	case c.Context.MinRelevance < 0 || c.Context.MinRelevance > 1:
		return fmt.Errorf("config: context.min_relevance must be in [0,1], got %v", c.Context.MinRelevance)
	case c.Consolidation.Threshold < 0 || c.Consolidation.Threshold > 1:
		return fmt.Errorf("config: consolidation.threshold must be in [0,1], got %v", c.Consolidation.Threshold)
	case c.Strength.FadingThreshold < 0 || c.Strength.FadingThreshold > 1:
		return fmt.Errorf("config: strength.fading_threshold must be in [0,1], got %v", c.Strength.FadingThreshold)
	}
	return nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
