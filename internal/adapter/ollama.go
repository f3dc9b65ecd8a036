package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaEmbed = "nomic-embed-text"
	defaultOllamaChat  = "llama3.2"
)

// Ollama embeds and completes through a local Ollama server.
type Ollama struct {
	host       string
	embedModel string
	client     *http.Client
}

// NewOllama creates an Ollama adapter. Empty host and model select the
// local defaults.
func NewOllama(host, embedModel string, timeout time.Duration) *Ollama {
	if host == "" {
		host = defaultOllamaHost
	}
	if embedModel == "" {
		embedModel = defaultOllamaEmbed
	}
	return &Ollama{
		host:       strings.TrimRight(host, "/"),
		embedModel: embedModel,
		client:     &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Model() string { return ProviderOllama + "/" + o.embedModel }

// ollamaEmbedRequest is the request body for the Ollama embed API.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the response from the Ollama embed API.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result ollamaEmbedResponse
	if err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: o.embedModel, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if err := checkCount(ProviderOllama, len(result.Embeddings), len(texts)); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

// ollamaChatRequest is the request body for the Ollama chat API.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = defaultOllamaChat
	}

	messages := []ollamaChatMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: req.UserMessage})

	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	var resp ollamaChatResponse
	if err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: model, Messages: messages, Options: opts}, &resp); err != nil {
		return "", fmt.Errorf("ollama complete: %w", err)
	}
	return resp.Message.Content, nil
}

// post sends body as JSON and decodes a 200 response into out. Network
// failures and 429/5xx responses come back marked transient.
func (o *Ollama) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(&statusError{Provider: ProviderOllama, Status: resp.StatusCode})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
