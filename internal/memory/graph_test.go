package memory

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/logger"
)

func TestGraph_LinkIsIdempotent(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})

	req := LinkRequest{SourceID: a, TargetIDs: []string{b}, Bidirectional: true, Strength: LinkStrength(0.7)}
	first, err := svc.Graph.Link(ctx, "proj", req)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if first.Created != 2 || first.Updated != 0 {
		t.Errorf("first link: %+v", first)
	}
	second, err := svc.Graph.Link(ctx, "proj", req)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if second.Created != 0 || second.Updated != 2 {
		t.Errorf("second link: %+v", second)
	}
	edges, _ := svc.Graph.Edges(ctx, "proj", a)
	if len(edges) != 2 {
		t.Errorf("expected 2 directed edges, got %d", len(edges))
	}
}

func TestGraph_LinkStrength(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	c := mustStore(t, svc, StoreRequest{Content: "c"})

	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}, Strength: LinkStrength(0)}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{c}}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	edges, err := svc.Graph.Edges(ctx, "proj", a)
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	got := map[string]float64{}
	for _, e := range edges {
		got[e.TargetID] = e.Strength
	}
	if s, ok := got[b]; !ok || s != 0 {
		t.Errorf("explicit zero strength stored as %v (present=%v)", s, ok)
	}
	if got[c] != 1 {
		t.Errorf("omitted strength stored as %v, want 1", got[c])
	}

	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}, Strength: LinkStrength(1.5)}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("out of range strength: %v", err)
	}
}

func TestGraph_LinkSkipsInvalidTargets(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	missing := uuid.NewString()

	res, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{a, missing}})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !res.NoValidTargets || len(res.Skipped) != 1 || res.Skipped[0] != missing {
		t.Errorf("result: %+v", res)
	}
	if res.Summary() != "no valid targets" {
		t.Errorf("summary: %q", res.Summary())
	}

	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: missing, TargetIDs: []string{a}}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing source: %v", err)
	}
}

func TestGraph_GetRelatedDecaysPerHop(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	c := mustStore(t, svc, StoreRequest{Content: "c"})

	svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}, Strength: LinkStrength(0.5)})
	svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: b, TargetIDs: []string{c}, Strength: LinkStrength(0.5)})

	shallow, err := svc.Graph.GetRelated(ctx, "proj", a, 1)
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(shallow) != 1 || shallow[0].Memory.ID != b {
		t.Fatalf("depth 1: %+v", shallow)
	}

	deep, err := svc.Graph.GetRelated(ctx, "proj", a, 2)
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(deep) != 2 {
		t.Fatalf("depth 2: got %d results", len(deep))
	}
	if deep[1].Memory.ID != c || deep[1].Depth != 2 || deep[1].Via != b {
		t.Errorf("second hop: %+v", deep[1])
	}
	want := 0.5 * 0.5 * DefaultHopDecay
	if math.Abs(deep[1].Strength-want) > 1e-9 {
		t.Errorf("hop strength: got %v, want %v", deep[1].Strength, want)
	}

	// Edges are walked in both directions.
	back, _ := svc.Graph.GetRelated(ctx, "proj", c, 1)
	if len(back) != 1 || back[0].Memory.ID != b {
		t.Errorf("reverse traversal: %+v", back)
	}
}

func TestGraph_UnlinkAndExpiredNodes(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	c := mustStore(t, svc, StoreRequest{Content: "c"})
	svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b, c}, Bidirectional: true})

	if err := svc.Store.expire(ctx, svc.Store.DB().Conn(), "proj", []string{c}, svc.Store.Now()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	rel, _ := svc.Graph.GetRelated(ctx, "proj", a, 2)
	if len(rel) != 1 || rel[0].Memory.ID != b {
		t.Errorf("expired neighbour returned: %+v", rel)
	}

	n, err := svc.Graph.Unlink(ctx, "proj", a, b, true)
	if err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d edges, want 2", n)
	}
}

func TestGraph_FindLinkableAndAutoLink(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a", Embedding: vec(1, 0)})
	b := mustStore(t, svc, StoreRequest{Content: "b", Embedding: vec(1, 0.1)})
	mustStore(t, svc, StoreRequest{Content: "c", Embedding: vec(0, 1)})

	cands, err := svc.Graph.FindLinkable(ctx, "proj", a, 0.8, 10)
	if err != nil {
		t.Fatalf("FindLinkable: %v", err)
	}
	if len(cands) != 1 || cands[0].Memory.ID != b || cands[0].AlreadyLinked {
		t.Fatalf("candidates: %+v", cands)
	}

	res, err := svc.Graph.AutoLink(ctx, "proj", a, 0.8, 5)
	if err != nil {
		t.Fatalf("AutoLink: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("auto link created %d edges, want 2", res.Created)
	}
	edges, _ := svc.Graph.Edges(ctx, "proj", a)
	for _, e := range edges {
		if e.RelationType != RelationSimilar || math.Abs(e.Strength-cands[0].Similarity) > 1e-9 {
			t.Errorf("edge: %+v", e)
		}
	}

	again, _ := svc.Graph.FindLinkable(ctx, "proj", a, 0.8, 10)
	if len(again) != 1 || !again[0].AlreadyLinked {
		t.Errorf("after auto link: %+v", again)
	}

	bare := mustStore(t, svc, StoreRequest{Content: "d"})
	svc.Store.DB().Conn().ExecContext(ctx, `UPDATE memories SET embedding = NULL WHERE id = ?`, bare)
	if _, err := svc.Graph.FindLinkable(ctx, "proj", bare, 0.8, 10); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("memory without embedding: %v", err)
	}
}

func TestGraph_GetRelatedLogsActivationFailure(t *testing.T) {
	var buf bytes.Buffer
	database := setupTestDB(t)
	svc, err := NewService(database, "proj", Options{
		Embedder: adapter.NewLocal(testDim),
		Logger:   logger.New(logger.WithWriter(&buf)),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := database.Conn().Exec(`CREATE TRIGGER no_activation BEFORE UPDATE ON associations
		BEGIN SELECT RAISE(ABORT, 'associations are read-only'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	rel, err := svc.Graph.GetRelated(ctx, "proj", a, 1)
	if err != nil {
		t.Fatalf("GetRelated: %v", err)
	}
	if len(rel) != 1 {
		t.Errorf("related = %+v", rel)
	}
	if !strings.Contains(buf.String(), "edge activation failed") {
		t.Errorf("expected a warning, log was %q", buf.String())
	}
}

func TestGraph_AutoLinkLooksPastLinkedNeighbours(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "anchor", Embedding: vec(1)})

	var near []string
	for i := 1; i <= 6; i++ {
		near = append(near, mustStore(t, svc, StoreRequest{
			Content:   "neighbour " + string(rune('0'+i)),
			Embedding: vec(1, float32(i)*0.05),
		}))
	}
	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: near[:4]}); err != nil {
		t.Fatalf("Link: %v", err)
	}

	res, err := svc.Graph.AutoLink(ctx, "proj", a, 0.8, 1)
	if err != nil {
		t.Fatalf("AutoLink: %v", err)
	}
	if res.Created != 2 || len(res.Edges) != 2 {
		t.Fatalf("result: %+v", res)
	}
	if res.Edges[0].TargetID != near[4] {
		t.Errorf("linked %s, want the closest unlinked neighbour %s", res.Edges[0].TargetID, near[4])
	}
}
