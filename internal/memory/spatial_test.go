package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memvra/mnemos/internal/errs"
)

// axis returns a unit-ish vector along dimension i with a small private
// offset in dimension i+4, so members of different axes are orthogonal.
func axis(i int, offset float32) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	v[i+4] = offset
	return v
}

func TestKMeans_SeparatesOrthogonalGroups(t *testing.T) {
	vectors := [][]float32{
		Normalize(axis(0, 0.1)), Normalize(axis(1, 0.1)),
		Normalize(axis(0, 0.2)), Normalize(axis(1, 0.2)),
		Normalize(axis(2, 0.1)),
	}
	km := kmeans(vectors, 3)
	if len(km.Centroids) != 3 {
		t.Fatalf("centroids: %d", len(km.Centroids))
	}
	a := km.Assignment
	if a[0] != a[2] || a[1] != a[3] || a[0] == a[1] || a[4] == a[0] || a[4] == a[1] {
		t.Errorf("assignment: %v", a)
	}
	if got := kmeans(vectors[:2], 5); len(got.Centroids) != 2 {
		t.Errorf("k should clamp to n, got %d centroids", len(got.Centroids))
	}
}

func TestSpatial_QuadrantsAndAssign(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()

	if _, err := svc.Spatial.InitQuadrants(ctx, "proj", false); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("too few memories: %v", err)
	}

	var groups [4][]string
	for i := 0; i < 4; i++ {
		for _, off := range []float32{0.1, 0.2} {
			groups[i] = append(groups[i], mustStore(t, svc, StoreRequest{Content: "m", Embedding: axis(i, off)}))
			clock.Advance(time.Second)
		}
	}

	quads, err := svc.Spatial.InitQuadrants(ctx, "proj", false)
	if err != nil {
		t.Fatalf("InitQuadrants: %v", err)
	}
	if len(quads) != 4 {
		t.Fatalf("quadrants: %d", len(quads))
	}
	for _, q := range quads {
		if !strings.HasPrefix(q.Code, "Q") || q.MemberCount != 2 {
			t.Errorf("quadrant %+v", q)
		}
	}

	region, ok, err := svc.Spatial.RegionOf(ctx, "proj", groups[0][0])
	if err != nil || !ok {
		t.Fatalf("RegionOf: ok=%v err=%v", ok, err)
	}
	res, err := svc.Remember(ctx, StoreRequest{Content: "newcomer", Embedding: axis(0, 0.15)})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Quadrant != region.QuadrantCode {
		t.Errorf("new memory placed in %q, neighbours are in %q", res.Quadrant, region.QuadrantCode)
	}

	members, err := svc.Spatial.SearchQuadrant(ctx, "proj", strings.ToLower(region.QuadrantCode), 10)
	if err != nil {
		t.Fatalf("SearchQuadrant: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("quadrant members: %d", len(members))
	}
	if _, err := svc.Spatial.SearchQuadrant(ctx, "proj", "Q9", 10); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unknown quadrant: %v", err)
	}

	again, _ := svc.Spatial.InitQuadrants(ctx, "proj", false)
	if !again[0].CreatedAt.Equal(quads[0].CreatedAt) {
		t.Error("InitQuadrants without force should keep existing quadrants")
	}
}

func TestSpatial_RunClusteringDissolvesSmallGroups(t *testing.T) {
	clock := newFakeClock()
	var progress []int
	database := setupTestDB(t)
	svc, err := NewService(database, "proj", Options{
		Clock:           clock.Now,
		ClusterProgress: func(done, total int) { progress = append(progress, done) },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	var x, y []string
	for _, off := range []float32{0.1, 0.2, 0.3} {
		x = append(x, mustStore(t, svc, StoreRequest{Content: "x", Embedding: axis(0, off), Tags: []string{"db"}}))
		clock.Advance(time.Second)
	}
	for _, off := range []float32{0.1, 0.2} {
		y = append(y, mustStore(t, svc, StoreRequest{Content: "y", Embedding: axis(1, off), Tags: []string{"ui"}}))
		clock.Advance(time.Second)
	}
	lonely := mustStore(t, svc, StoreRequest{Content: "z", Embedding: axis(2, 0.1)})

	run, err := svc.Spatial.RunClustering(ctx, "proj", 3, 2)
	if err != nil {
		t.Fatalf("RunClustering: %v", err)
	}
	if len(run.Clusters) != 2 || run.Dissolved != 1 || run.Unclustered != 1 {
		t.Fatalf("run: clusters=%d dissolved=%d unclustered=%d", len(run.Clusters), run.Dissolved, run.Unclustered)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 6 {
		t.Errorf("progress: %v", progress)
	}

	rx, _, _ := svc.Spatial.RegionOf(ctx, "proj", x[0])
	ry, _, _ := svc.Spatial.RegionOf(ctx, "proj", y[0])
	rz, _, _ := svc.Spatial.RegionOf(ctx, "proj", lonely)
	if rx.ClusterID == "" || rx.ClusterID == ry.ClusterID {
		t.Errorf("x and y should land in distinct clusters: %q %q", rx.ClusterID, ry.ClusterID)
	}
	if rz.ClusterID != "" {
		t.Errorf("dissolved member still clustered: %q", rz.ClusterID)
	}

	members, err := svc.Spatial.SearchCluster(ctx, "proj", rx.ClusterID, 10)
	if err != nil {
		t.Fatalf("SearchCluster: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("cluster members: %d", len(members))
	}
	clusters, _ := svc.Spatial.Clusters(ctx, "proj")
	if len(clusters) != 2 || clusters[0].Label != "db" {
		t.Errorf("clusters: %+v", clusters)
	}

	// A second run replaces the first.
	if _, err := svc.Spatial.RunClustering(ctx, "proj", 3, 2); err != nil {
		t.Fatalf("second run: %v", err)
	}
	clusters, _ = svc.Spatial.Clusters(ctx, "proj")
	if len(clusters) != 2 {
		t.Errorf("clusters after rerun: %d", len(clusters))
	}
	if _, err := svc.Spatial.SearchCluster(ctx, "proj", rx.ClusterID, 10); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("old cluster still present: %v", err)
	}
}

func TestSpatial_Neighborhood(t *testing.T) {
	svc := newTestService(t, "proj", newFakeClock())
	ctx := context.Background()
	center := mustStore(t, svc, StoreRequest{Content: "c", Embedding: axis(0, 0.1)})
	near := mustStore(t, svc, StoreRequest{Content: "n", Embedding: axis(0, 0.3)})
	mustStore(t, svc, StoreRequest{Content: "f", Embedding: axis(1, 0.1)})

	got, err := svc.Spatial.Neighborhood(ctx, "proj", center, 0.9, 10)
	if err != nil {
		t.Fatalf("Neighborhood: %v", err)
	}
	if len(got) != 1 || got[0].ID != near {
		t.Errorf("neighbourhood: %+v", got)
	}
	if _, err := svc.Spatial.Neighborhood(ctx, "proj", center, 2, 10); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("bad radius: %v", err)
	}
}

func TestHotPaths_PredictAndDecay(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})
	c := mustStore(t, svc, StoreRequest{Content: "c"})

	if got, err := svc.Spatial.PredictNext(ctx, "proj", a, 5); err != nil || len(got) != 0 {
		t.Fatalf("no history: got %v err=%v", got, err)
	}

	for _, id := range []string{a, b, a, b} {
		if _, err := svc.Get(ctx, id, GetOptions{}); err != nil {
			t.Fatalf("Get: %v", err)
		}
		clock.Advance(time.Minute)
	}
	clock.Advance(2 * time.Hour)
	svc.Get(ctx, c, GetOptions{})

	preds, err := svc.Spatial.PredictNext(ctx, "proj", a, 5)
	if err != nil {
		t.Fatalf("PredictNext: %v", err)
	}
	if len(preds) != 1 || preds[0].Memory.ID != b || preds[0].Transitions != 2 || preds[0].Probability != 1 {
		t.Errorf("predictions after a: %+v", preds)
	}
	if got, _ := svc.Spatial.PredictNext(ctx, "proj", c, 5); len(got) != 0 {
		t.Errorf("c has no successors: %+v", got)
	}
	if got, _ := svc.Spatial.PredictNext(ctx, "proj", uuid.NewString(), 5); len(got) != 0 {
		t.Errorf("unknown memory: %+v", got)
	}

	clock.Advance(7 * day)
	rep, err := svc.Spatial.DecayHeat(ctx, "proj", 7)
	if err != nil {
		t.Fatalf("DecayHeat: %v", err)
	}
	if rep.Weakened != 2 || rep.Removed != 0 {
		t.Errorf("first decay: %+v", rep)
	}
	var w float64
	svc.Store.DB().Conn().QueryRowContext(ctx,
		`SELECT weight FROM hot_paths WHERE from_id = ? AND to_id = ?`, a, b).Scan(&w)
	if w >= 2 || w <= 0.5 {
		t.Errorf("a->b weight after one half-life: %v", w)
	}

	clock.Advance(70 * day)
	rep, _ = svc.Spatial.DecayHeat(ctx, "proj", 7)
	if rep.Removed != 2 {
		t.Errorf("cold paths should be removed: %+v", rep)
	}
	if n, _ := svc.Spatial.HotPathCount(ctx, "proj"); n != 0 {
		t.Errorf("hot paths left: %d", n)
	}
	if _, err := svc.Spatial.DecayHeat(ctx, "proj", 0); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("zero half-life: %v", err)
	}
}

func TestSpatial_DecayHeatCountsFromLastDecay(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, "proj", clock)
	ctx := context.Background()
	a := mustStore(t, svc, StoreRequest{Content: "a"})
	b := mustStore(t, svc, StoreRequest{Content: "b"})

	svc.Get(ctx, a, GetOptions{})
	clock.Advance(time.Minute)
	svc.Get(ctx, b, GetOptions{})

	clock.Advance(7 * day)
	svc.Get(ctx, a, GetOptions{})
	clock.Advance(time.Minute)
	svc.Get(ctx, b, GetOptions{})

	rep, err := svc.Spatial.DecayHeat(ctx, "proj", 7)
	if err != nil {
		t.Fatalf("DecayHeat: %v", err)
	}
	if rep.Weakened != 1 {
		t.Errorf("report: %+v", rep)
	}
	var w float64
	svc.Store.DB().Conn().QueryRowContext(ctx,
		`SELECT weight FROM hot_paths WHERE from_id = ? AND to_id = ?`, a, b).Scan(&w)
	if w >= 1.5 {
		t.Errorf("weight %v kept the heat of the week before reuse", w)
	}
}
