package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultLocalDimension is the vector size of the local embedder.
const DefaultLocalDimension = 256

// Local is an offline feature-hashing embedder. Each lowercase word and
// each adjacent word pair is hashed with FNV-1a into a signed bucket and the
// result is scaled to unit length. Texts sharing vocabulary land close
// together, which is enough for tests and air-gapped use.
type Local struct {
	dim int
}

// NewLocal creates a local embedder; dim <= 0 selects DefaultLocalDimension.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = DefaultLocalDimension
	}
	return &Local{dim: dim}
}

func (l *Local) Model() string { return fmt.Sprintf("%s/hash-%d", ProviderLocal, l.dim) }

// Dimension is the length of every vector Embed returns.
func (l *Local) Dimension() int { return l.dim }

func (l *Local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(t)
	}
	return out, nil
}

func (l *Local) vector(text string) []float32 {
	acc := make([]float64, l.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	add := func(feature string, weight float64) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dim))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		acc[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, x := range acc {
		norm += x * x
	}
	v := make([]float32, l.dim)
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i, x := range acc {
		v[i] = float32(x / norm)
	}
	return v
}
