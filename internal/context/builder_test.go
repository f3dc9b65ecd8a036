package context

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/memory"
)

const testDim = 8

func axis(i int, offset float32) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	v[i+4] = offset
	return v
}

func setupService(t *testing.T) *memory.Service {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), db.WithDimension(testDim))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := memory.NewService(database, "proj", memory.Options{
		Embedder: adapter.NewLocal(testDim),
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func store(t *testing.T, svc *memory.Service, req memory.StoreRequest) string {
	t.Helper()
	res, err := svc.Remember(context.Background(), req)
	if err != nil {
		t.Fatalf("Store(%q): %v", req.Content, err)
	}
	return res.ID
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Memory.ID
	}
	return out
}

func TestBuildContextWindow_Sections(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	core := store(t, svc, memory.StoreRequest{Content: "core memory", Embedding: axis(0, 0.1)})
	near := store(t, svc, memory.StoreRequest{Content: "near memory", Embedding: axis(0, 0.2)})
	linked := store(t, svc, memory.StoreRequest{Content: "linked memory", Embedding: axis(1, 0.1)})
	step := store(t, svc, memory.StoreRequest{Content: "chain step", Embedding: axis(2, 0.1)})

	if _, err := svc.Graph.Link(ctx, "proj", memory.LinkRequest{SourceID: core, TargetIDs: []string{linked}}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := svc.Chains.Execute(ctx, "proj", memory.NewCreateOp(memory.CreateChain{
		Name: "rollout", MemberIDs: []string{core, step},
	})); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	a := NewAssembler(svc)
	opts := DefaultOptions()
	opts.MinRelevance = 0.9
	w, err := a.BuildContextWindow(ctx, "", axis(0, 0.1), opts)
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if got := ids(w.Core); len(got) != 2 || got[0] != core || got[1] != near {
		t.Errorf("core: %v", got)
	}
	if got := ids(w.Associated); len(got) != 1 || got[0] != linked {
		t.Errorf("associated: %v", got)
	}
	if got := ids(w.Chain); len(got) != 1 || got[0] != step {
		t.Errorf("chain: %v", got)
	}
	if w.Degraded() {
		t.Errorf("stage errors: %v", w.StageErrors)
	}

	seen := map[string]bool{}
	for _, e := range w.Entries() {
		if seen[e.Memory.ID] {
			t.Errorf("memory %s appears twice", e.Memory.ID)
		}
		seen[e.Memory.ID] = true
	}
	if w.Stats.Included[SectionCore] != 2 {
		t.Errorf("stats: %+v", w.Stats)
	}
}

func TestBuildContextWindow_RespectsBudget(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	for i, off := range []float32{0.1, 0.2, 0.3, 0.4} {
		store(t, svc, memory.StoreRequest{
			Content:   strings.Repeat("x", 40) + string(rune('a'+i)),
			Embedding: axis(0, off),
		})
	}

	a := NewAssembler(svc, WithTokenizer(Heuristic{CharsPerToken: 1}))
	w, err := a.BuildContextWindow(ctx, "", axis(0, 0.1), Options{MaxTokens: 100, MinRelevance: 0.5})
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if w.TotalTokens > 100 {
		t.Errorf("total tokens %d exceed the budget", w.TotalTokens)
	}
	if len(w.Core) != 2 || w.Stats.Dropped != 2 {
		t.Errorf("core=%d dropped=%d", len(w.Core), w.Stats.Dropped)
	}
	for _, e := range w.Core {
		if e.Tokens != 41 || len(e.Memory.Content) != 41 {
			t.Errorf("entry truncated: %+v", e)
		}
	}
}

func TestBuildContextWindow_BoostOnlyReorders(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	top := store(t, svc, memory.StoreRequest{Content: "top", Embedding: axis(0, 0.1), Importance: memory.ImportanceTrivial})
	crit := store(t, svc, memory.StoreRequest{Content: "crit", Embedding: axis(0, 0.3), Importance: memory.ImportanceCritical})

	a := NewAssembler(svc)
	plain, err := a.BuildContextWindow(ctx, "", axis(0, 0.1), Options{MinRelevance: 0.5})
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if got := ids(plain.Core); len(got) != 2 || got[0] != top {
		t.Fatalf("unboosted order: %v", got)
	}

	boosted, err := a.BuildContextWindow(ctx, "", axis(0, 0.1), Options{MinRelevance: 0.5, ImportanceBoost: 1})
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if got := ids(boosted.Core); len(got) != 2 || got[0] != crit {
		t.Errorf("boosted order: %v", got)
	}
	if boosted.TotalTokens != plain.TotalTokens {
		t.Errorf("boost changed membership: %d vs %d tokens", boosted.TotalTokens, plain.TotalTokens)
	}
}

func TestBuildContextWindow_Validation(t *testing.T) {
	svc := setupService(t)
	a := NewAssembler(svc)
	ctx := context.Background()

	tests := []struct {
		name string
		opts Options
	}{
		{"relevance above one", Options{MinRelevance: 1.5}},
		{"negative budget", Options{MaxTokens: -1}},
		{"negative boost", Options{RecencyBoost: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.BuildContextWindow(ctx, "q", axis(0, 0), tt.opts); !errors.Is(err, errs.ErrInvalidInput) {
				t.Errorf("got %v, want invalid input", err)
			}
		})
	}
	if _, err := a.BuildContextWindow(ctx, "  ", nil, Options{}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("empty query without embedding: %v", err)
	}
}

func TestBuildContextWindow_EmbedsQuery(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	id := store(t, svc, memory.StoreRequest{Content: "the deploy runbook"})

	w, err := NewAssembler(svc).BuildContextWindow(ctx, "the deploy runbook", nil, Options{MinRelevance: 0.99})
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if got := ids(w.Core); len(got) != 1 || got[0] != id {
		t.Errorf("core: %v", got)
	}
}
