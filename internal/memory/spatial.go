package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/logger"
)

// Spatial defaults.
const (
	DefaultQuadrantCount  = 4
	DefaultMinClusterSize = 2
	regionBatchSize       = 50
)

// Quadrant is a coarse region of embedding space.
type Quadrant struct {
	Namespace   string    `json:"namespace"`
	Code        string    `json:"code"`
	Label       string    `json:"label"`
	Centroid    []float32 `json:"-"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cluster is a fine-grained group of similar memories.
type Cluster struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	Label       string    `json:"label"`
	Centroid    []float32 `json:"-"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClusterRun reports one RunClustering pass.
type ClusterRun struct {
	Clusters    []Cluster `json:"clusters"`
	Dissolved   int       `json:"dissolved"`
	Unclustered int       `json:"unclustered"`
	Iterations  int       `json:"iterations"`
}

// Region is the spatial placement of one memory.
type Region struct {
	MemoryID     string `json:"memory_id"`
	QuadrantCode string `json:"quadrant_code,omitempty"`
	ClusterID    string `json:"cluster_id,omitempty"`
}

// Labeler produces a short human readable label for a group of memories.
type Labeler interface {
	Label(ctx context.Context, samples []string) (string, error)
}

// Spatial partitions the embedding space into quadrants and clusters and
// tracks co-access hot paths.
type Spatial struct {
	store     *Store
	vectors   *VectorStore
	quadrants int
	labeler   Labeler
	progress  func(done, total int)
	log       *slog.Logger
	coAccess  time.Duration
}

// SpatialOption configures a Spatial.
type SpatialOption func(*Spatial)

// WithQuadrantCount sets how many quadrants InitQuadrants creates.
func WithQuadrantCount(n int) SpatialOption {
	return func(s *Spatial) {
		if n > 0 {
			s.quadrants = n
		}
	}
}

// WithLabeler enables generated cluster labels.
func WithLabeler(l Labeler) SpatialOption {
	return func(s *Spatial) { s.labeler = l }
}

// WithClusterProgress reports region assignment progress during clustering.
func WithClusterProgress(fn func(done, total int)) SpatialOption {
	return func(s *Spatial) { s.progress = fn }
}

// WithSpatialLogger sets the logger for best-effort failures.
func WithSpatialLogger(l *slog.Logger) SpatialOption {
	return func(s *Spatial) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCoAccessWindow sets how close two reads must be to count as a
// transition.
func WithCoAccessWindow(d time.Duration) SpatialOption {
	return func(s *Spatial) {
		if d > 0 {
			s.coAccess = d
		}
	}
}

// NewSpatial creates a Spatial organiser.
func NewSpatial(store *Store, vectors *VectorStore, opts ...SpatialOption) *Spatial {
	s := &Spatial{
		store:     store,
		vectors:   vectors,
		quadrants: DefaultQuadrantCount,
		log:       logger.Nop(),
		coAccess:  DefaultCoAccessWindow,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Quadrants lists the quadrants of ns with their member counts.
func (s *Spatial) Quadrants(ctx context.Context, ns string) ([]Quadrant, error) {
	return loadQuadrants(ctx, s.store.db.Conn(), ns)
}

func loadQuadrants(ctx context.Context, q querier, ns string) ([]Quadrant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT q.namespace, q.code, q.label, q.centroid, q.created_at,
			(SELECT COUNT(*) FROM memory_regions r WHERE r.namespace = q.namespace AND r.quadrant_code = q.code)
		 FROM quadrants q WHERE q.namespace = ? ORDER BY q.code`, ns)
	if err != nil {
		return nil, fmt.Errorf("spatial: quadrants: %w", err)
	}
	defer rows.Close()

	var out []Quadrant
	for rows.Next() {
		var qd Quadrant
		var blob []byte
		var created string
		if err := rows.Scan(&qd.Namespace, &qd.Code, &qd.Label, &blob, &created, &qd.MemberCount); err != nil {
			return nil, err
		}
		qd.Centroid = BlobToFloat32Slice(blob)
		qd.CreatedAt = parseTime(created)
		out = append(out, qd)
	}
	return out, rows.Err()
}

// InitQuadrants partitions the active embedded memories of ns into the
// configured number of quadrants and assigns every one of them. Existing
// quadrants are returned unchanged unless force is set.
func (s *Spatial) InitQuadrants(ctx context.Context, ns string, force bool) ([]Quadrant, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	existing, err := s.Quadrants(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && !force {
		return existing, nil
	}

	mems, err := s.store.Candidates(ctx, ns, CandidateFilter{RequireEmbedding: true})
	if err != nil {
		return nil, err
	}
	mems = sameDimension(mems)
	if len(mems) < s.quadrants {
		return nil, errs.Invalid("need at least %d embedded memories to initialise quadrants, have %d", s.quadrants, len(mems))
	}

	vecs := make([][]float32, len(mems))
	for i, m := range mems {
		vecs[i] = Normalize(m.Embedding)
	}
	km := kmeans(vecs, s.quadrants)
	groups := make([][]Memory, len(km.Centroids))
	for i, c := range km.Assignment {
		groups[c] = append(groups[c], mems[i])
	}

	now := s.store.Now()
	err = s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM quadrants WHERE namespace = ?`, ns); err != nil {
			return fmt.Errorf("spatial: clear quadrants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE memory_regions SET quadrant_code = NULL WHERE namespace = ?`, ns); err != nil {
			return fmt.Errorf("spatial: clear quadrant assignments: %w", err)
		}
		for c, centroid := range km.Centroids {
			code := fmt.Sprintf("Q%d", c+1)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO quadrants (namespace, code, label, centroid, created_at) VALUES (?, ?, ?, ?, ?)`,
				ns, code, tagLabel(groups[c], code), float32SliceToBlob(centroid), formatTime(now)); err != nil {
				return fmt.Errorf("spatial: insert quadrant: %w", err)
			}
			for _, m := range groups[c] {
				if err := setQuadrant(ctx, tx, ns, m.ID, code, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Quadrants(ctx, ns)
}

// sameDimension keeps memories whose embedding length matches the most
// common one.
func sameDimension(mems []Memory) []Memory {
	counts := map[int]int{}
	for _, m := range mems {
		counts[len(m.Embedding)]++
	}
	dim, best := 0, 0
	for d, n := range counts {
		if n > best || (n == best && d < dim) {
			dim, best = d, n
		}
	}
	out := mems[:0:0]
	for _, m := range mems {
		if len(m.Embedding) == dim {
			out = append(out, m)
		}
	}
	return out
}

func setQuadrant(ctx context.Context, q querier, ns, id, code string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO memory_regions (memory_id, namespace, quadrant_code, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET quadrant_code = excluded.quadrant_code, updated_at = excluded.updated_at`,
		id, ns, code, formatTime(now))
	if err != nil {
		return fmt.Errorf("spatial: assign quadrant: %w", err)
	}
	return nil
}

func setCluster(ctx context.Context, q querier, ns, id string, clusterID any, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO memory_regions (memory_id, namespace, cluster_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET cluster_id = excluded.cluster_id, updated_at = excluded.updated_at`,
		id, ns, clusterID, formatTime(now))
	if err != nil {
		return fmt.Errorf("spatial: assign cluster: %w", err)
	}
	return nil
}

// Assign places memory id into its nearest quadrant and returns the code.
func (s *Spatial) Assign(ctx context.Context, ns, id string) (string, error) {
	if err := checkNamespace(ns); err != nil {
		return "", err
	}
	if err := checkID(id); err != nil {
		return "", err
	}
	m, ok, err := s.store.Find(ctx, ns, id, false)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.NotFound("spatial: memory %q", id)
	}
	if !m.HasEmbedding() {
		return "", errs.Invalid("memory %q has no embedding and cannot be assigned", id)
	}
	quads, err := s.Quadrants(ctx, ns)
	if err != nil {
		return "", err
	}
	if len(quads) == 0 {
		return "", errs.NotFound("spatial: quadrants for namespace %q", ns)
	}

	code, best := "", -2.0
	for _, q := range quads {
		if sim := CosineSimilarity(m.Embedding, q.Centroid); sim > best {
			code, best = q.Code, sim
		}
	}
	if err := setQuadrant(ctx, s.store.db.Conn(), ns, id, code, s.store.Now()); err != nil {
		return "", err
	}
	return code, nil
}

// RegionOf returns the quadrant and cluster of id, if any.
func (s *Spatial) RegionOf(ctx context.Context, ns, id string) (Region, bool, error) {
	var quad, cluster sql.NullString
	err := s.store.db.Conn().QueryRowContext(ctx,
		`SELECT quadrant_code, cluster_id FROM memory_regions WHERE namespace = ? AND memory_id = ?`, ns, id).
		Scan(&quad, &cluster)
	if err == sql.ErrNoRows {
		return Region{MemoryID: id}, false, nil
	}
	if err != nil {
		return Region{}, false, fmt.Errorf("spatial: region: %w", err)
	}
	return Region{MemoryID: id, QuadrantCode: quad.String, ClusterID: cluster.String}, true, nil
}

// SearchQuadrant returns active members of quadrant code, most central first.
func (s *Spatial) SearchQuadrant(ctx context.Context, ns, code string, limit int) ([]Scored, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, errs.Invalid("quadrant code is required")
	}
	var blob []byte
	err := s.store.db.Conn().QueryRowContext(ctx,
		`SELECT centroid FROM quadrants WHERE namespace = ? AND code = ?`, ns, code).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("spatial: quadrant %q", code)
	}
	if err != nil {
		return nil, fmt.Errorf("spatial: quadrant: %w", err)
	}
	return s.regionMembers(ctx, ns, `r.quadrant_code = ?`, code, BlobToFloat32Slice(blob), limit)
}

// SearchCluster returns active members of cluster clusterID, most central
// first.
func (s *Spatial) SearchCluster(ctx context.Context, ns, clusterID string, limit int) ([]Scored, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := checkID(clusterID); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.store.db.Conn().QueryRowContext(ctx,
		`SELECT centroid FROM clusters WHERE namespace = ? AND id = ?`, ns, clusterID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("spatial: cluster %q", clusterID)
	}
	if err != nil {
		return nil, fmt.Errorf("spatial: cluster: %w", err)
	}
	return s.regionMembers(ctx, ns, `r.cluster_id = ?`, clusterID, BlobToFloat32Slice(blob), limit)
}

func (s *Spatial) regionMembers(ctx context.Context, ns, cond, arg string, centroid []float32, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 20
	}
	mems, err := queryMemories(ctx, s.store.db.Conn(),
		`SELECT `+memoryColumns+` FROM memories m JOIN memory_regions r ON r.memory_id = m.id
		 WHERE m.namespace = ? AND `+cond+` AND `+activeClause,
		ns, arg, formatTime(s.store.Now()))
	if err != nil {
		return nil, fmt.Errorf("spatial: region members: %w", err)
	}
	out := make([]Scored, 0, len(mems))
	for _, m := range mems {
		out = append(out, Scored{Memory: m, Similarity: CosineSimilarity(m.Embedding, centroid)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Neighborhood returns memories whose similarity to id is at least radius,
// excluding id itself, most similar first.
func (s *Spatial) Neighborhood(ctx context.Context, ns, id string, radius float64, limit int) ([]Scored, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if radius < 0 || radius > 1 {
		return nil, errs.Invalid("radius %v outside [0,1]", radius)
	}
	m, ok, err := s.store.Find(ctx, ns, id, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("spatial: memory %q", id)
	}
	if !m.HasEmbedding() {
		return nil, errs.Invalid("memory %q has no embedding", id)
	}
	return s.vectors.Search(ctx, ns, m.Embedding, SearchFilter{
		Limit:         limit,
		MinSimilarity: radius,
		ExcludeIDs:    []string{id},
	})
}

// Clusters lists the clusters of ns, largest first.
func (s *Spatial) Clusters(ctx context.Context, ns string) ([]Cluster, error) {
	rows, err := s.store.db.Conn().QueryContext(ctx,
		`SELECT id, namespace, label, centroid, member_count, created_at
		 FROM clusters WHERE namespace = ? ORDER BY member_count DESC, id`, ns)
	if err != nil {
		return nil, fmt.Errorf("spatial: clusters: %w", err)
	}
	defer rows.Close()

	var out []Cluster
	for rows.Next() {
		var c Cluster
		var blob []byte
		var created string
		if err := rows.Scan(&c.ID, &c.Namespace, &c.Label, &blob, &c.MemberCount, &created); err != nil {
			return nil, err
		}
		c.Centroid = BlobToFloat32Slice(blob)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RunClustering recomputes the clusters of ns over every active embedded
// memory. Groups smaller than minClusterSize are dissolved and their members
// left unclustered until the next run. New clusters are written first,
// member assignments are replaced in small batches, and the previous
// clusters are removed last, so concurrent readers never see a half-built
// table. numClusters <= 0 picks sqrt(n/2).
func (s *Spatial) RunClustering(ctx context.Context, ns string, numClusters, minClusterSize int) (ClusterRun, error) {
	if err := checkNamespace(ns); err != nil {
		return ClusterRun{}, err
	}
	if minClusterSize <= 0 {
		minClusterSize = DefaultMinClusterSize
	}

	mems, err := s.store.Candidates(ctx, ns, CandidateFilter{RequireEmbedding: true})
	if err != nil {
		return ClusterRun{}, err
	}
	mems = sameDimension(mems)
	if numClusters <= 0 {
		numClusters = max(1, int(math.Sqrt(float64(len(mems))/2)))
	}

	oldIDs, err := queryStrings(ctx, s.store.db.Conn(), `SELECT id FROM clusters WHERE namespace = ?`, ns)
	if err != nil {
		return ClusterRun{}, fmt.Errorf("spatial: previous clusters: %w", err)
	}

	vecs := make([][]float32, len(mems))
	for i, m := range mems {
		vecs[i] = Normalize(m.Embedding)
	}
	km := kmeans(vecs, numClusters)
	groups := make([][]Memory, len(km.Centroids))
	for i, c := range km.Assignment {
		groups[c] = append(groups[c], mems[i])
	}

	run := ClusterRun{Clusters: []Cluster{}, Iterations: km.Iterations}
	now := s.store.Now()
	assignment := make(map[string]any, len(mems))
	for c, members := range groups {
		if len(members) < minClusterSize {
			if len(members) > 0 {
				run.Dissolved++
			}
			for _, m := range members {
				assignment[m.ID] = nil
				run.Unclustered++
			}
			continue
		}
		cl := Cluster{
			ID:          NewID(),
			Namespace:   ns,
			Label:       s.clusterLabel(ctx, members, fmt.Sprintf("cluster-%d", len(run.Clusters)+1)),
			Centroid:    km.Centroids[c],
			MemberCount: len(members),
			CreatedAt:   now,
		}
		run.Clusters = append(run.Clusters, cl)
		for _, m := range members {
			assignment[m.ID] = cl.ID
		}
	}

	err = s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, cl := range run.Clusters {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO clusters (id, namespace, label, centroid, member_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				cl.ID, ns, cl.Label, float32SliceToBlob(cl.Centroid), cl.MemberCount, formatTime(now)); err != nil {
				return fmt.Errorf("spatial: insert cluster: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ClusterRun{}, err
	}

	ids := make([]string, 0, len(mems))
	for _, m := range mems {
		ids = append(ids, m.ID)
	}
	for start := 0; start < len(ids); start += regionBatchSize {
		part := ids[start:min(start+regionBatchSize, len(ids))]
		err := s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, id := range part {
				if err := setCluster(ctx, tx, ns, id, assignment[id], now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return run, err
		}
		if s.progress != nil {
			s.progress(start+len(part), len(ids))
		}
	}

	err = s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		if len(oldIDs) > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM clusters WHERE namespace = ? AND id IN (`+placeholders(len(oldIDs))+`)`,
				append([]any{ns}, stringArgs(oldIDs)...)...); err != nil {
				return fmt.Errorf("spatial: drop previous clusters: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_regions SET cluster_id = NULL
			 WHERE namespace = ? AND cluster_id IS NOT NULL
			 AND cluster_id NOT IN (SELECT id FROM clusters WHERE namespace = ?)`, ns, ns); err != nil {
			return fmt.Errorf("spatial: clear stale assignments: %w", err)
		}
		return nil
	})
	if err != nil {
		return run, err
	}
	return run, nil
}

func (s *Spatial) clusterLabel(ctx context.Context, members []Memory, fallback string) string {
	if s.labeler != nil {
		samples := make([]string, 0, 5)
		for _, m := range members {
			if len(samples) == cap(samples) {
				break
			}
			samples = append(samples, truncateRunes(m.Content, 200))
		}
		label, err := s.labeler.Label(ctx, samples)
		if err == nil && strings.TrimSpace(label) != "" {
			return strings.TrimSpace(label)
		}
		if err != nil {
			s.log.Warn("cluster label failed", "stage", "label", "err", err)
		}
	}
	return tagLabel(members, fallback)
}

// tagLabel joins the three most frequent tags of members.
func tagLabel(members []Memory, fallback string) string {
	top := topTags(members, 3)
	if len(top) == 0 {
		return fallback
	}
	return strings.Join(top, ", ")
}

// topTags ranks tags by frequency across members, alphabetically on ties.
func topTags(members []Memory, n int) []string {
	freq := map[string]int{}
	for _, m := range members {
		for _, t := range m.Tags {
			if t == TagChunked {
				continue
			}
			freq[t]++
		}
	}
	tags := make([]string, 0, len(freq))
	for t := range freq {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if freq[tags[i]] != freq[tags[j]] {
			return freq[tags[i]] > freq[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if n > 0 && len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
