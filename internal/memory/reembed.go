package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/retry"
)

// DefaultReembedBatch is the number of texts sent per embedding call.
const DefaultReembedBatch = 16

// ReembedResult reports a ReembedMissing run.
type ReembedResult struct {
	Total    int      `json:"total"`
	Embedded int      `json:"embedded"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ReembedMissing embeds every active memory in the namespace that has no
// vector. Batches that still fail after retries are counted and skipped;
// the run continues with the next batch. progress, when non-nil, is called
// after each batch.
func (s *Service) ReembedMissing(ctx context.Context, batch int, progress func(done, total int)) (ReembedResult, error) {
	if s.embedder == nil {
		return ReembedResult{}, errs.Invalid("no embedder configured")
	}
	if batch <= 0 {
		batch = DefaultReembedBatch
	}
	total, err := s.Store.CountMissingEmbeddings(ctx, s.Namespace)
	if err != nil {
		return ReembedResult{}, err
	}
	pending, err := s.Store.MissingEmbeddings(ctx, s.Namespace, total)
	if err != nil {
		return ReembedResult{}, err
	}

	res := ReembedResult{Total: len(pending)}
	for start := 0; start < len(pending); start += batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+batch, len(pending))
		group := pending[start:end]
		texts := make([]string, len(group))
		for i, m := range group {
			texts[i] = m.Content
		}

		vecs, err := retry.Value(ctx, s.opts.SearchRetry, func(ctx context.Context) ([][]float32, error) {
			return s.embedder.Embed(ctx, texts)
		})
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		if err != nil {
			res.Failed += len(group)
			res.Errors = append(res.Errors, err.Error())
			s.log.Warn("re-embed batch failed", "stage", "reembed", "from", start, "count", len(group), "err", err)
		} else {
			for i, m := range group {
				if len(vecs[i]) == 0 {
					res.Failed++
					continue
				}
				if err := s.Vectors.SaveEmbedding(ctx, s.Namespace, m.ID, vecs[i]); err != nil {
					res.Failed++
					res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", m.ID, err))
					continue
				}
				res.Embedded++
				if _, err := s.Spatial.Assign(ctx, s.Namespace, m.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
					s.log.Warn("quadrant assignment failed", "stage", "assign", "id", m.ID, "err", err)
				}
			}
		}
		if progress != nil {
			progress(end, len(pending))
		}
	}
	return res, nil
}
