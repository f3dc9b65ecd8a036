package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memvra/mnemos/internal/errs"
)

const day = 24 * time.Hour

func TestRetrievability(t *testing.T) {
	if got := Retrievability(0, 5); got != 1 {
		t.Errorf("R at t=0: got %v, want 1", got)
	}
	if got := Retrievability(7, 7); math.Abs(got-math.Exp(-1)) > 1e-9 {
		t.Errorf("R at t=S: got %v, want 1/e", got)
	}
	if got := Retrievability(1, 0); got < 0 || got > 1 {
		t.Errorf("zero stability must stay in [0,1], got %v", got)
	}
	prev := 1.0
	for d := 1.0; d <= 30; d++ {
		r := Retrievability(d, 3)
		if r > prev {
			t.Fatalf("retrievability increased at day %v", d)
		}
		prev = r
	}
}

func TestUpdateStrength_SuccessGrowsStability(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	id := mustStore(t, svc, StoreRequest{Content: "remember me", Importance: ImportanceHigh})

	before, err := svc.Strength.Get(ctx, "proj", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(3 * day)

	after, err := svc.Strength.UpdateStrength(ctx, "proj", id, true, "")
	if err != nil {
		t.Fatalf("UpdateStrength: %v", err)
	}
	if after.Stability <= before.Stability {
		t.Errorf("stability did not grow: %v -> %v", before.Stability, after.Stability)
	}
	if after.Retrievability != 1 || after.ReviewCount != 1 {
		t.Errorf("after success: R=%v reviews=%d", after.Retrievability, after.ReviewCount)
	}
	if !after.LastReview.Equal(clock.Now()) {
		t.Errorf("last review not reset: %v", after.LastReview)
	}
}

func TestUpdateStrength_FadedMemoryGrowsMore(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	fresh := mustStore(t, svc, StoreRequest{Content: "fresh"})
	faded := mustStore(t, svc, StoreRequest{Content: "faded"})

	a, _ := svc.Strength.UpdateStrength(ctx, "proj", fresh, true, "")
	clock.Advance(20 * day)
	b, _ := svc.Strength.UpdateStrength(ctx, "proj", faded, true, "")

	if b.Stability <= a.Stability {
		t.Errorf("recall after fading should grow stability more: fresh=%v faded=%v", a.Stability, b.Stability)
	}
}

func TestUpdateStrength_FailureKeepsStability(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	id := mustStore(t, svc, StoreRequest{Content: "hard to recall"})

	before, _ := svc.Strength.Get(ctx, "proj", id)
	clock.Advance(5 * day)
	after, err := svc.Strength.UpdateStrength(ctx, "proj", id, false, "")
	if err != nil {
		t.Fatalf("UpdateStrength: %v", err)
	}
	if after.Stability != before.Stability {
		t.Errorf("failure changed stability: %v -> %v", before.Stability, after.Stability)
	}
	if after.Lapses != 1 || after.Retrievability >= 1 {
		t.Errorf("after failure: lapses=%d R=%v", after.Lapses, after.Retrievability)
	}
	if !after.LastReview.Equal(before.LastReview) {
		t.Error("failure must not reset the review clock")
	}
}

func TestUpdateStrength_Errors(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	if _, err := svc.Strength.UpdateStrength(ctx, "proj", uuid.NewString(), true, ""); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing memory: %v", err)
	}
	id := mustStore(t, svc, StoreRequest{Content: "x"})
	if _, err := svc.Strength.UpdateStrength(ctx, "proj", id, true, "extreme"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("bad importance: %v", err)
	}
}

func TestGetFadingMemories(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()

	weak := mustStore(t, svc, StoreRequest{Content: "weak"})
	strong := mustStore(t, svc, StoreRequest{Content: "strong"})
	conn := svc.Store.DB().Conn()
	if err := insertStrength(ctx, conn, Strength{MemoryID: weak, Retrievability: 1, Stability: 1, LastReview: clock.Now()}); err != nil {
		t.Fatalf("insertStrength: %v", err)
	}
	if err := insertStrength(ctx, conn, Strength{MemoryID: strong, Retrievability: 1, Stability: 1000, LastReview: clock.Now()}); err != nil {
		t.Fatalf("insertStrength: %v", err)
	}
	clock.Advance(10 * day)

	fading, err := svc.Strength.GetFadingMemories(ctx, "proj", 0.3, 10)
	if err != nil {
		t.Fatalf("GetFadingMemories: %v", err)
	}
	if len(fading) != 1 || fading[0].Memory.ID != weak {
		t.Fatalf("fading: %+v", fading)
	}
	if fading[0].Retrievability >= 0.3 {
		t.Errorf("reported R %v above threshold", fading[0].Retrievability)
	}
	if math.Abs(fading[0].DaysSinceAccess-10) > 1e-6 {
		t.Errorf("days since access: %v", fading[0].DaysSinceAccess)
	}

	if _, err := svc.Strength.GetFadingMemories(ctx, "proj", 1.2, 10); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("threshold out of range: %v", err)
	}
}

func TestDecayStrengths(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	id := mustStore(t, svc, StoreRequest{Content: "decays"})

	if n, err := svc.Strength.DecayStrengths(ctx, "proj"); err != nil || n != 0 {
		t.Fatalf("no time elapsed: n=%d err=%v", n, err)
	}
	clock.Advance(4 * day)
	n, err := svc.Strength.DecayStrengths(ctx, "proj")
	if err != nil {
		t.Fatalf("DecayStrengths: %v", err)
	}
	if n != 1 {
		t.Errorf("updated %d rows, want 1", n)
	}
	s, _, _ := loadStrength(ctx, svc.Store.DB().Conn(), id)
	if s.Retrievability >= 1 {
		t.Errorf("stored retrievability not decayed: %v", s.Retrievability)
	}
}

func TestDecayAssociations(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	c := mustStore(t, svc, StoreRequest{Content: "c"})

	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}, Strength: LinkStrength(0.9)}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{c}, Strength: LinkStrength(0.15)}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	clock.Advance(40 * day)

	rep, err := svc.Strength.DecayAssociations(ctx, "proj", 30)
	if err != nil {
		t.Fatalf("DecayAssociations: %v", err)
	}
	if rep.Weakened != 1 || rep.Removed != 1 {
		t.Errorf("report: %+v", rep)
	}
	edges, _ := svc.Graph.Edges(ctx, "proj", a)
	if len(edges) != 1 || math.Abs(edges[0].Strength-0.45) > 1e-9 {
		t.Errorf("remaining edges: %+v", edges)
	}

	rep, _ = svc.Strength.DecayAssociations(ctx, "proj", 30)
	if rep.Affected() != 0 {
		t.Errorf("second sweep touched %d edges", rep.Affected())
	}
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})

	before, err := svc.Strength.Get(ctx, "proj", a)
	if err != nil {
		t.Fatalf("Get strength: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	errc := make(chan error, 3*n)
	created := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := svc.Get(ctx, a, GetOptions{}); err != nil {
				errc <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.Strength.UpdateStrength(ctx, "proj", a, false, ""); err != nil {
				errc <- err
			}
		}()
		go func() {
			defer wg.Done()
			res, err := svc.Graph.Link(ctx, "proj", LinkRequest{SourceID: a, TargetIDs: []string{b}})
			if err != nil {
				errc <- err
				return
			}
			created <- res.Created
		}()
	}
	wg.Wait()
	close(errc)
	close(created)
	for err := range errc {
		t.Fatalf("concurrent call: %v", err)
	}

	m, err := svc.Store.Get(ctx, "proj", a)
	if err != nil {
		t.Fatalf("Store.Get: %v", err)
	}
	if m.AccessCount != n {
		t.Errorf("access count = %d, want %d", m.AccessCount, n)
	}
	after, err := svc.Strength.Get(ctx, "proj", a)
	if err != nil {
		t.Fatalf("Get strength: %v", err)
	}
	if after.Lapses != before.Lapses+n {
		t.Errorf("lapses = %d, want %d", after.Lapses, before.Lapses+n)
	}
	if after.ReviewCount != before.ReviewCount+n {
		t.Errorf("review count = %d, want %d", after.ReviewCount, before.ReviewCount+n)
	}

	total := 0
	for c := range created {
		total += c
	}
	if total != 1 {
		t.Errorf("edges created across calls = %d, want 1", total)
	}
	var rows int
	if err := svc.Store.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM associations WHERE source_id = ? AND target_id = ?`, a, b).Scan(&rows); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if rows != 1 {
		t.Errorf("edge rows = %d, want 1", rows)
	}
}
