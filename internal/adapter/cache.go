package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cache memoises embeddings keyed by namespace, model and text, so two
// namespaces never share entries even when their texts match.
type Cache struct {
	c *ristretto.Cache
}

// NewCache creates a cache holding roughly maxEntries vectors.
func NewCache(maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cache{c: c}, nil
}

func cacheKey(ns, model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return ns + "\x00" + model + "\x00" + hex.EncodeToString(sum[:])
}

// Get returns a cached vector.
func (c *Cache) Get(ns, model, text string) ([]float32, bool) {
	v, ok := c.c.Get(cacheKey(ns, model, text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Set stores a vector. Writes become visible asynchronously.
func (c *Cache) Set(ns, model, text string, vec []float32) {
	c.c.Set(cacheKey(ns, model, text), vec, 1)
}

// Wait blocks until pending writes are applied.
func (c *Cache) Wait() { c.c.Wait() }

// Close releases the cache's goroutines.
func (c *Cache) Close() { c.c.Close() }

// Cached wraps an Embedder with a namespace-scoped view of a Cache.
type Cached struct {
	next  Embedder
	cache *Cache
	ns    string
}

// WithCache returns e backed by cache for namespace ns. A nil cache returns
// e unchanged.
func WithCache(e Embedder, cache *Cache, ns string) Embedder {
	if cache == nil {
		return e
	}
	return &Cached{next: e, cache: cache, ns: ns}
}

func (c *Cached) Model() string { return c.next.Model() }

// Embed serves hits from the cache and sends only misses to the wrapped
// embedder, preserving input order.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.next.Model()
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string
	for i, t := range texts {
		if v, ok := c.cache.Get(c.ns, model, t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missText)
	if err != nil {
		return nil, err
	}
	if err := checkCount(model, len(vecs), len(missText)); err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(c.ns, model, missText[j], vecs[j])
	}
	return out, nil
}
