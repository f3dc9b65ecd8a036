package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/errs"
)

// maxKNN is the largest k passed to a vec0 MATCH query.
var maxKNN = 4096

// VectorStore provides similarity search. The embedding blob on the memory
// row is authoritative; the sqlite-vec vec_memories table is a KNN index over
// it and is skipped when unavailable or when dimensions differ.
type VectorStore struct {
	store *Store
}

// NewVectorStore creates a VectorStore over store.
func NewVectorStore(store *Store) *VectorStore {
	return &VectorStore{store: store}
}

func indexable(database *db.DB, embedding []float32) bool {
	return database.VectorsEnabled() && len(embedding) == database.Dimension()
}

// upsertVector writes embedding into the namespace's index partition. vec0
// does not support UPSERT, so the row is replaced.
func upsertVector(ctx context.Context, q querier, database *db.DB, ns, id string, embedding []float32) error {
	if !indexable(database, embedding) {
		return nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM vec_memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("vector: clear memory embedding: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO vec_memories (id, namespace, embedding) VALUES (?, ?, ?)`,
		id, ns, float32SliceToBlob(embedding)); err != nil {
		return fmt.Errorf("vector: insert memory embedding: %w", err)
	}
	return nil
}

func deleteVectors(ctx context.Context, q querier, database *db.DB, ids []string) error {
	if !database.VectorsEnabled() || len(ids) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx,
		`DELETE FROM vec_memories WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("vector: delete embeddings: %w", err)
	}
	return nil
}

// SaveEmbedding normalises embedding and stores it on the memory row and in
// the index within one transaction.
func (v *VectorStore) SaveEmbedding(ctx context.Context, ns, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return errs.Invalid("empty embedding")
	}
	unit := Normalize(embedding)
	return v.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET embedding = ?, updated_at = ? WHERE id = ? AND namespace = ?`,
			float32SliceToBlob(unit), formatTime(v.store.Now()), id, ns)
		if err != nil {
			return fmt.Errorf("vector: save embedding: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("vector: memory %q", id)
		}
		return upsertVector(ctx, tx, v.store.db, ns, id, unit)
	})
}

// SearchFilter constrains a similarity search.
type SearchFilter struct {
	Limit         int
	MinSimilarity float64
	Types         []MemoryType
	Importances   []Importance
	Tags          []string // any-of
	ExcludeIDs    []string
}

// Scored is a memory with its cosine similarity to the query.
type Scored struct {
	Memory
	Similarity float64 `json:"similarity"`
}

// Search returns active memories in ns ordered by descending similarity to
// query. The vec0 index proposes candidates from the namespace's partition
// when usable; scores are always recomputed from the stored blobs so both
// paths rank identically. When the index answer was capped and the filters
// leave too few hits, the namespace is scanned in full.
func (v *VectorStore) Search(ctx context.Context, ns string, query []float32, f SearchFilter) ([]Scored, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, errs.Invalid("empty query embedding")
	}
	if f.MinSimilarity < 0 || f.MinSimilarity > 1 {
		return nil, errs.Invalid("similarity threshold %v outside [0,1]", f.MinSimilarity)
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	unit := Normalize(query)

	res, err := v.knn(ctx, ns, unit)
	if err == nil && res.ok {
		byID, err := v.store.GetMany(ctx, ns, res.ids, true)
		if err != nil {
			return nil, errs.Fatal(err)
		}
		candidates := make([]Memory, 0, len(res.ids))
		for _, id := range res.ids {
			if m, found := byID[id]; found {
				candidates = append(candidates, m)
			}
		}
		hits := rank(candidates, unit, f)
		if !res.capped || len(hits) >= f.Limit {
			return hits, nil
		}
	}

	candidates, err := v.store.Candidates(ctx, ns, CandidateFilter{RequireEmbedding: true})
	if err != nil {
		return nil, errs.Fatal(err)
	}
	return rank(candidates, unit, f), nil
}

type knnResult struct {
	ids    []string
	ok     bool // the index served the query
	capped bool // the partition holds more rows than were returned
}

// knn asks the vec0 index for the rows of ns nearest to query, up to maxKNN.
func (v *VectorStore) knn(ctx context.Context, ns string, query []float32) (knnResult, error) {
	database := v.store.db
	if !indexable(database, query) {
		return knnResult{}, nil
	}
	var n int
	if err := database.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vec_memories WHERE namespace = ?`, ns).Scan(&n); err != nil {
		return knnResult{}, err
	}
	if n == 0 {
		return knnResult{ok: true}, nil
	}
	k := min(n, maxKNN)
	ids, err := queryStrings(ctx, database.Conn(),
		`SELECT id FROM vec_memories WHERE embedding MATCH ? AND k = ? AND namespace = ? ORDER BY distance`,
		float32SliceToBlob(query), k, ns)
	if err != nil {
		return knnResult{}, err
	}
	return knnResult{ids: ids, ok: true, capped: n > k}, nil
}

func rank(candidates []Memory, query []float32, f SearchFilter) []Scored {
	exclude := make(map[string]bool, len(f.ExcludeIDs))
	for _, id := range f.ExcludeIDs {
		exclude[id] = true
	}
	out := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		if exclude[m.ID] || !m.HasEmbedding() || !matchesSearchFilter(m, f) {
			continue
		}
		sim := CosineSimilarity(query, m.Embedding)
		if sim < f.MinSimilarity {
			continue
		}
		out = append(out, Scored{Memory: m, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func matchesSearchFilter(m Memory, f SearchFilter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, m.MemoryType) {
		return false
	}
	if len(f.Importances) > 0 {
		ok := false
		for _, i := range f.Importances {
			if i == m.Importance {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, want := range f.Tags {
			for _, have := range m.Tags {
				if want == have {
					ok = true
				}
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsType(types []MemoryType, t MemoryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// float32SliceToBlob serialises a float32 slice to a little-endian byte blob.
// This is the format expected by sqlite-vec's BLOB column input.
func float32SliceToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BlobToFloat32Slice deserialises a little-endian byte blob to a float32 slice.
func BlobToFloat32Slice(b []byte) []float32 {
	result := make([]float32, len(b)/4)
	for i := range result {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		result[i] = math.Float32frombits(bits)
	}
	return result
}
