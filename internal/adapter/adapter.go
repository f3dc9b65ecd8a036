// Package adapter provides embedders and completion clients for the
// supported providers.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider name constants.
const (
	ProviderLocal  = "local"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding space; vectors from different models
	// are never compared.
	Model() string
}

// CompletionRequest holds the parameters for a completion call.
type CompletionRequest struct {
	SystemPrompt string
	UserMessage  string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Completer produces a single text completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	APIKey     string
	OllamaHost string
	Dimension  int           // local embedder only
	Timeout    time.Duration // HTTP client timeout, 0 = none
}

// NewEmbedder constructs the embedder for cfg.Provider.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		return NewOllama(cfg.OllamaHost, cfg.Model, cfg.Timeout), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	case ProviderLocal:
		return NewLocal(cfg.Dimension), nil
	case ProviderClaude:
		return nil, fmt.Errorf("adapter: %s does not provide embeddings; use ollama, openai or local", cfg.Provider)
	default:
		return nil, fmt.Errorf("adapter: unknown embedding provider %q; valid providers: ollama, openai, local", cfg.Provider)
	}
}

// NewCompleter constructs the completion client for cfg.Provider.
func NewCompleter(cfg Config) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderClaude:
		return NewClaude(cfg.APIKey, cfg.Model), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, ""), nil
	case ProviderOllama:
		return NewOllama(cfg.OllamaHost, "", cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("adapter: unknown completion provider %q; valid providers: claude, openai, ollama", cfg.Provider)
	}
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("adapter: %s returned %d embeddings for 1 input", e.Model(), len(vecs))
	}
	return vecs[0], nil
}
