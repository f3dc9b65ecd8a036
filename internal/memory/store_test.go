package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/errs"
)

const testDim = 8

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), db.WithDimension(testDim))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// newTestService opens a fresh database and a service for ns driven by
// clock and the local hashing embedder.
func newTestService(t *testing.T, ns string, clock *fakeClock) *Service {
	t.Helper()
	return serviceOn(t, setupTestDB(t), ns, clock)
}

func serviceOn(t *testing.T, database *db.DB, ns string, clock *fakeClock) *Service {
	t.Helper()
	svc, err := NewService(database, ns, Options{
		Embedder: adapter.NewLocal(testDim),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// vec builds a testDim vector with the given leading components.
func vec(xs ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, xs)
	return v
}

func mustStore(t *testing.T, svc *Service, req StoreRequest) string {
	t.Helper()
	res, err := svc.Remember(context.Background(), req)
	if err != nil {
		t.Fatalf("Store(%q): %v", req.Content, err)
	}
	return res.ID
}

func TestService_StoreAndGet(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()

	res, err := svc.Remember(ctx, StoreRequest{
		Content:    "The API uses JWT tokens",
		MemoryType: TypeSemantic,
		Importance: ImportanceHigh,
		Tags:       []string{"auth", " api ", "auth"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Chunked || len(res.IDs) != 1 {
		t.Fatalf("unexpected chunking: %+v", res)
	}
	if res.Embedded != 1 {
		t.Errorf("expected the local embedder to embed the memory, got %d", res.Embedded)
	}

	before, err := svc.Store.Get(ctx, "proj", res.ID)
	if err != nil {
		t.Fatalf("Store.Get: %v", err)
	}
	if before.AccessCount != 0 {
		t.Errorf("access count before read: got %d, want 0", before.AccessCount)
	}
	if len(before.Tags) != 2 || before.Tags[0] != "api" || before.Tags[1] != "auth" {
		t.Errorf("tags not normalised: %v", before.Tags)
	}

	got, err := svc.Get(ctx, res.ID, GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "The API uses JWT tokens" {
		t.Errorf("content: got %q", got.Content)
	}
	if got.AccessCount != 1 || got.LastAccessedAt == nil {
		t.Errorf("access not recorded: count=%d last=%v", got.AccessCount, got.LastAccessedAt)
	}

	stored, _ := svc.Store.Get(ctx, "proj", res.ID)
	if stored.AccessCount != 1 {
		t.Errorf("persisted access count: got %d, want 1", stored.AccessCount)
	}
}

func TestService_StoreValidation(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	past := clock.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  StoreRequest
	}{
		{"empty content", StoreRequest{Content: "   "}},
		{"bad type", StoreRequest{Content: "x", MemoryType: "dream"}},
		{"bad importance", StoreRequest{Content: "x", Importance: "urgent"}},
		{"image without mime", StoreRequest{Content: "x", Image: []byte{1, 2}}},
		{"expiry in the past", StoreRequest{Content: "x", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Remember(context.Background(), tt.req)
			if !errors.Is(err, errs.ErrInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestService_StoreWithoutEmbedder(t *testing.T) {
	database := setupTestDB(t)
	svc, err := NewService(database, "proj", Options{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	res, err := svc.Remember(context.Background(), StoreRequest{Content: "no vectors here"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Embedded != 0 || res.EmbeddingError != "" {
		t.Errorf("unexpected embedding result: %+v", res)
	}
	n, _ := svc.Store.CountMissingEmbeddings(context.Background(), "proj")
	if n != 1 {
		t.Errorf("missing embeddings: got %d, want 1", n)
	}
}

func TestService_StoreEmbeddingFailureStillStores(t *testing.T) {
	database := setupTestDB(t)
	failing := adapter.Func{Name: "broken", Fn: func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errs.Transient(errors.New("service unavailable"))
	}}
	svc, err := NewService(database, "proj", Options{Embedder: failing, EmbedTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	res, err := svc.Remember(context.Background(), StoreRequest{Content: "kept despite the embedder"})
	if err != nil {
		t.Fatalf("Store should succeed without a vector: %v", err)
	}
	if res.EmbeddingError == "" {
		t.Error("expected the embedding error to be reported")
	}
	if _, err := svc.Store.Get(context.Background(), "proj", res.ID); err != nil {
		t.Errorf("memory not persisted: %v", err)
	}
}

func TestService_NamespaceIsolation(t *testing.T) {
	database := setupTestDB(t)
	clock := newFakeClock()
	a := serviceOn(t, database, "alpha", clock)
	b := serviceOn(t, database, "beta", clock)
	ctx := context.Background()

	id := mustStore(t, a, StoreRequest{Content: "alpha secret"})

	if _, err := b.Get(ctx, id, GetOptions{}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("other namespace read: expected not found, got %v", err)
	}
	res, err := b.Store.DeleteByID(ctx, "beta", id, false)
	if err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("cross-namespace delete removed %d memories", res.Count)
	}
	if _, err := a.Store.Get(ctx, "alpha", id); err != nil {
		t.Errorf("memory vanished after foreign delete: %v", err)
	}

	hits, err := b.Search(ctx, SearchRequest{Query: "alpha secret", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits.Hits) != 0 {
		t.Errorf("search leaked %d memories across namespaces", len(hits.Hits))
	}
}

func TestService_GetMissing(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	_, err := svc.Get(context.Background(), uuid.NewString(), GetOptions{})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	_, err = svc.Get(context.Background(), "not-a-uuid", GetOptions{})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected invalid id, got %v", err)
	}
}

func TestService_ExpiredMemories(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour)
	id := mustStore(t, svc, StoreRequest{Content: "short lived", ExpiresAt: &exp})
	clock.Advance(2 * time.Hour)

	if _, err := svc.Get(ctx, id, GetOptions{}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expired memory should be hidden, got %v", err)
	}
	m, err := svc.Get(ctx, id, GetOptions{IncludeExpired: true})
	if err != nil {
		t.Fatalf("Get(IncludeExpired): %v", err)
	}
	if !m.Expired || m.AccessCount != 0 {
		t.Errorf("expired read: expired=%v access=%d", m.Expired, m.AccessCount)
	}

	res, err := svc.Store.PurgeExpired(ctx, "proj", time.Hour, false)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("purged %d, want 1", res.Count)
	}
}

func TestStore_Query(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()

	for i, c := range []string{"first note", "second note", "third note"} {
		imp := ImportanceLow
		if i == 1 {
			imp = ImportanceCritical
		}
		mustStore(t, svc, StoreRequest{Content: c, Importance: imp, Tags: []string{"notes"}})
		clock.Advance(time.Minute)
	}
	mustStore(t, svc, StoreRequest{Content: "a task", MemoryType: TypeProcedural})

	res, err := svc.Store.Query(ctx, "proj", Filter{Tags: []string{"notes"}}, Page{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 3 || len(res.Memories) != 2 || !res.HasMore {
		t.Errorf("pagination: total=%d len=%d more=%v", res.Total, len(res.Memories), res.HasMore)
	}
	if res.Memories[0].Content != "third note" {
		t.Errorf("default order should be newest first, got %q", res.Memories[0].Content)
	}

	res, err = svc.Store.Query(ctx, "proj", Filter{}, Page{OrderBy: "importance"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Memories[0].Importance != ImportanceCritical {
		t.Errorf("importance order: first is %q", res.Memories[0].Importance)
	}

	res, err = svc.Store.Query(ctx, "proj", Filter{Types: []MemoryType{TypeProcedural}, Contains: "TASK"}, Page{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("type + contains filter: got %d", res.Total)
	}

	if _, err := svc.Store.Query(ctx, "proj", Filter{}, Page{OrderBy: "content; DROP TABLE"}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("unknown order column should be rejected, got %v", err)
	}
}

func TestStore_DeleteByCriteria(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()

	old := mustStore(t, svc, StoreRequest{Content: "old scratch", Tags: []string{"scratch"}})
	clock.Advance(48 * time.Hour)
	keep := mustStore(t, svc, StoreRequest{Content: "fresh scratch", Tags: []string{"scratch"}})

	if _, err := svc.Store.DeleteByCriteria(ctx, "proj", DeleteCriteria{}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("empty criteria should be rejected, got %v", err)
	}

	dry, err := svc.Store.DeleteByCriteria(ctx, "proj", DeleteCriteria{Tags: []string{"scratch"}, OlderThan: 24 * time.Hour, DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Count != 1 || dry.IDs[0] != old || !dry.DryRun {
		t.Fatalf("dry run result: %+v", dry)
	}
	if _, err := svc.Store.Get(ctx, "proj", old); err != nil {
		t.Errorf("dry run deleted the memory: %v", err)
	}

	res, err := svc.Store.DeleteByCriteria(ctx, "proj", DeleteCriteria{Tags: []string{"scratch"}, OlderThan: 24 * time.Hour})
	if err != nil {
		t.Fatalf("DeleteByCriteria: %v", err)
	}
	if res.Count != dry.Count {
		t.Errorf("real delete count %d differs from dry run %d", res.Count, dry.Count)
	}
	if _, err := svc.Store.Get(ctx, "proj", old); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("old memory still present: %v", err)
	}
	if _, err := svc.Store.Get(ctx, "proj", keep); err != nil {
		t.Errorf("fresh memory removed: %v", err)
	}
}

func TestService_ChunkedRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	svc, err := NewService(database, "proj", Options{
		Embedder:       adapter.NewLocal(testDim),
		ChunkMaxLength: 60,
		ChunkOverlap:   10,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	content := "Sentence one about the cache layer. Sentence two about eviction. " +
		"Sentence three about TTLs and warmup. Sentence four about metrics and alerts."
	res, err := svc.Remember(ctx, StoreRequest{Content: content, Tags: []string{"design"}})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !res.Chunked || len(res.IDs) < 2 {
		t.Fatalf("expected chunking, got %+v", res)
	}

	for i, id := range res.IDs {
		m, err := svc.Store.Get(ctx, "proj", id)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if m.Metadata[MetaChunkParent] != res.ID {
			t.Errorf("chunk %d parent: %v", i, m.Metadata[MetaChunkParent])
		}
		if got, _ := m.Metadata[MetaChunkIndex].(float64); int(got) != i {
			t.Errorf("chunk %d index: %v", i, m.Metadata[MetaChunkIndex])
		}
		hasTag := false
		for _, tag := range m.Tags {
			hasTag = hasTag || tag == TagChunked
		}
		if !hasTag {
			t.Errorf("chunk %d missing %q tag: %v", i, TagChunked, m.Tags)
		}
	}

	got, ids, err := svc.Reassemble(ctx, res.ID)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if got != content {
		t.Errorf("round trip mismatch:\n got: %q\nwant: %q", got, content)
	}
	if len(ids) != len(res.IDs) {
		t.Errorf("reassembled %d chunks, stored %d", len(ids), len(res.IDs))
	}
}

func TestStore_Namespaces(t *testing.T) {
	database := setupTestDB(t)
	clock := newFakeClock()
	mustStore(t, serviceOn(t, database, "a", clock), StoreRequest{Content: "one"})
	b := serviceOn(t, database, "b", clock)
	mustStore(t, b, StoreRequest{Content: "two"})
	mustStore(t, b, StoreRequest{Content: "three"})

	got, err := b.Store.Namespaces(context.Background())
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	if len(got) != 2 || got[0].Namespace != "a" || got[1].Memories != 2 {
		t.Errorf("unexpected namespaces: %+v", got)
	}
}
