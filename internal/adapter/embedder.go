package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/memvra/mnemos/internal/errs"
)

// statusError is a non-200 HTTP response from a provider.
type statusError struct {
	Provider string
	Status   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Status)
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classify marks provider errors that are worth retrying with
// errs.ErrTransient. Anything else is returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, errs.ErrTransient) {
		return err
	}

	var se *statusError
	if errors.As(err, &se) && transientStatus(se.Status) {
		return errs.Transient(err)
	}

	var oaAPI *openai.APIError
	if errors.As(err, &oaAPI) && transientStatus(oaAPI.HTTPStatusCode) {
		return errs.Transient(err)
	}
	var oaReq *openai.RequestError
	if errors.As(err, &oaReq) && transientStatus(oaReq.HTTPStatusCode) {
		return errs.Transient(err)
	}

	var anAPI *anthropic.APIError
	if errors.As(err, &anAPI) && (anAPI.IsRateLimitErr() || anAPI.IsOverloadedErr() || anAPI.IsApiErr()) {
		return errs.Transient(err)
	}

	if errs.IsTransient(err) {
		return errs.Transient(err)
	}
	return err
}

// checkCount guards against providers returning fewer vectors than inputs.
func checkCount(provider string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s embed: got %d embeddings for %d inputs", provider, got, want)
	}
	return nil
}

// Func adapts a function to the Embedder interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, texts []string) ([][]float32, error)
}

// Embed calls f.Fn.
func (f Func) Embed(ctx context.Context, texts []string) ([][]float32, error) { return f.Fn(ctx, texts) }

// Model returns f.Name.
func (f Func) Model() string { return f.Name }
