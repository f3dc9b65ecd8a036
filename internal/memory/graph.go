package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/logger"
)

// Graph tuning defaults.
const (
	DefaultHopDecay   = 0.8
	DefaultMaxRelated = 50
	MaxTraversalDepth = 5
)

// Association is a typed, weighted edge between two memories.
type Association struct {
	SourceID        string     `json:"source_id"`
	TargetID        string     `json:"target_id"`
	RelationType    string     `json:"relation_type"`
	Strength        float64    `json:"strength"`
	Bidirectional   bool       `json:"bidirectional"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastActivatedAt *time.Time `json:"last_activated_at,omitempty"`
}

// LinkRequest describes one link call.
type LinkRequest struct {
	SourceID      string
	TargetIDs     []string
	Bidirectional bool
	RelationType  string   // defaults to "related"
	Strength      *float64 // in [0,1]; nil means 1.0
}

// LinkStrength returns a Strength value for a LinkRequest.
func LinkStrength(v float64) *float64 { return &v }

// LinkResult reports the edges written by Link.
type LinkResult struct {
	Edges          []Association `json:"edges"`
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	Skipped        []string      `json:"skipped,omitempty"`
	NoValidTargets bool          `json:"no_valid_targets"`
}

// Summary is a one-line human readable report.
func (r LinkResult) Summary() string {
	if r.NoValidTargets {
		return "no valid targets"
	}
	return fmt.Sprintf("%d edge(s) created, %d updated, %d target(s) skipped", r.Created, r.Updated, len(r.Skipped))
}

// Graph manages the association table.
type Graph struct {
	store      *Store
	vectors    *VectorStore
	hopDecay   float64
	maxResults int
	log        *slog.Logger
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithHopDecay sets the per-hop strength multiplier.
func WithHopDecay(f float64) GraphOption {
	return func(g *Graph) {
		if f > 0 && f <= 1 {
			g.hopDecay = f
		}
	}
}

// WithMaxRelated caps GetRelated results.
func WithMaxRelated(n int) GraphOption {
	return func(g *Graph) {
		if n > 0 {
			g.maxResults = n
		}
	}
}

// WithGraphLogger sets the logger for best-effort failures.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGraph creates a Graph.
func NewGraph(store *Store, vectors *VectorStore, opts ...GraphOption) *Graph {
	g := &Graph{store: store, vectors: vectors, hopDecay: DefaultHopDecay, maxResults: DefaultMaxRelated, log: logger.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Link creates or updates edges from req.SourceID to each target. Self links
// and targets that are missing, inactive or in another namespace are dropped;
// if none remain the result reports NoValidTargets. Re-linking a pair under
// the same relation updates its strength in place.
func (g *Graph) Link(ctx context.Context, ns string, req LinkRequest) (LinkResult, error) {
	if err := checkNamespace(ns); err != nil {
		return LinkResult{}, err
	}
	if err := checkID(req.SourceID); err != nil {
		return LinkResult{}, err
	}
	if s := req.Strength; s != nil && (*s < 0 || *s > 1) {
		return LinkResult{}, errs.Invalid("link strength %v outside [0,1]", *s)
	}
	if len(req.TargetIDs) == 0 {
		return LinkResult{}, errs.Invalid("no target ids")
	}
	for _, id := range req.TargetIDs {
		if err := checkID(id); err != nil {
			return LinkResult{}, err
		}
	}

	var res LinkResult
	err := g.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = linkTx(ctx, tx, g.store, ns, req)
		return err
	})
	return res, err
}

// linkTx is Link inside an open transaction.
func linkTx(ctx context.Context, tx *sql.Tx, store *Store, ns string, req LinkRequest) (LinkResult, error) {
	rel := req.RelationType
	if rel == "" {
		rel = RelationRelated
	}
	strength := 1.0
	if req.Strength != nil {
		strength = *req.Strength
	}
	res := LinkResult{Edges: []Association{}}

	if _, ok, err := store.find(ctx, tx, ns, req.SourceID, false); err != nil {
		return res, err
	} else if !ok {
		return res, errs.NotFound("graph: source memory %q", req.SourceID)
	}

	seen := map[string]bool{req.SourceID: true}
	var candidates []string
	for _, id := range req.TargetIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		candidates = append(candidates, id)
	}
	valid, err := store.getMany(ctx, tx, ns, candidates, true)
	if err != nil {
		return res, err
	}

	now := store.Now()
	for _, target := range candidates {
		if _, ok := valid[target]; !ok {
			res.Skipped = append(res.Skipped, target)
			continue
		}
		pairs := [][2]string{{req.SourceID, target}}
		if req.Bidirectional {
			pairs = append(pairs, [2]string{target, req.SourceID})
		}
		for _, p := range pairs {
			created, err := upsertEdge(ctx, tx, ns, p[0], p[1], rel, strength, req.Bidirectional, now)
			if err != nil {
				return res, err
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
			res.Edges = append(res.Edges, Association{
				SourceID: p[0], TargetID: p[1], RelationType: rel, Strength: strength,
				Bidirectional: req.Bidirectional, CreatedAt: now, UpdatedAt: now, LastActivatedAt: &now,
			})
		}
	}
	res.NoValidTargets = len(res.Edges) == 0
	return res, nil
}

func upsertEdge(ctx context.Context, q querier, ns, src, tgt, rel string, strength float64, bidi bool, now time.Time) (bool, error) {
	var exists int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM associations WHERE source_id = ? AND target_id = ? AND relation_type = ?`,
		src, tgt, rel).Scan(&exists); err != nil {
		return false, fmt.Errorf("graph: check edge: %w", err)
	}
	ts := formatTime(now)
	_, err := q.ExecContext(ctx,
		`INSERT INTO associations (namespace, source_id, target_id, relation_type, strength, bidirectional, created_at, updated_at, last_activated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, relation_type) DO UPDATE SET
			strength          = excluded.strength,
			bidirectional     = excluded.bidirectional,
			updated_at        = excluded.updated_at,
			last_activated_at = excluded.last_activated_at`,
		ns, src, tgt, rel, strength, boolInt(bidi), ts, ts, ts)
	if err != nil {
		return false, fmt.Errorf("graph: upsert edge: %w", err)
	}
	return exists == 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Unlink removes every edge from source to target (and target to source when
// bidirectional) in ns. It returns the number of edges removed.
func (g *Graph) Unlink(ctx context.Context, ns, source, target string, bidirectional bool) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	if err := checkID(source); err != nil {
		return 0, err
	}
	if err := checkID(target); err != nil {
		return 0, err
	}

	removed := 0
	err := g.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `DELETE FROM associations WHERE namespace = ? AND source_id = ? AND target_id = ?`
		args := []any{ns, source, target}
		if bidirectional {
			query = `DELETE FROM associations WHERE namespace = ?
				AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))`
			args = []any{ns, source, target, target, source}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("graph: unlink: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// Edges returns every edge touching id in ns, in either direction.
func (g *Graph) Edges(ctx context.Context, ns, id string) ([]Association, error) {
	return edgesOf(ctx, g.store.db.Conn(), ns, id)
}

func edgesOf(ctx context.Context, q querier, ns, id string) ([]Association, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+associationColumns+` FROM associations
		 WHERE namespace = ? AND (source_id = ? OR target_id = ?)
		 ORDER BY strength DESC, source_id, target_id, relation_type`, ns, id, id)
	if err != nil {
		return nil, fmt.Errorf("graph: edges: %w", err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

// AllEdges returns every association in ns.
func (g *Graph) AllEdges(ctx context.Context, ns string) ([]Association, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	rows, err := g.store.db.Conn().QueryContext(ctx,
		`SELECT `+associationColumns+` FROM associations
		 WHERE namespace = ?
		 ORDER BY source_id, target_id, relation_type`, ns)
	if err != nil {
		return nil, fmt.Errorf("graph: all edges: %w", err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

const associationColumns = `source_id, target_id, relation_type, strength, bidirectional, created_at, updated_at, last_activated_at`

func scanAssociations(rows *sql.Rows) ([]Association, error) {
	var out []Association
	for rows.Next() {
		var a Association
		var bidi int
		var created, updated string
		var activated sql.NullString
		if err := rows.Scan(&a.SourceID, &a.TargetID, &a.RelationType, &a.Strength, &bidi, &created, &updated, &activated); err != nil {
			return nil, err
		}
		a.Bidirectional = bidi == 1
		a.CreatedAt = parseTime(created)
		a.UpdatedAt = parseTime(updated)
		a.LastActivatedAt = parseNullTime(activated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Related is one result of GetRelated.
type Related struct {
	Memory       Memory  `json:"memory"`
	Depth        int     `json:"depth"`
	Strength     float64 `json:"strength"`
	RelationType string  `json:"relation_type"`
	Via          string  `json:"via"`
}

// GetRelated walks the graph breadth-first from id up to depth hops over
// edges in both directions. Each hop past the first multiplies the path
// strength by the hop decay. Every memory is reported once at its shallowest
// depth with its strongest path at that depth. Inactive memories are neither
// returned nor traversed through.
func (g *Graph) GetRelated(ctx context.Context, ns, id string, depth int) ([]Related, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if depth < 1 {
		depth = 1
	}
	if depth > MaxTraversalDepth {
		depth = MaxTraversalDepth
	}
	if _, ok, err := g.store.Find(ctx, ns, id, false); err != nil {
		return nil, err
	} else if !ok {
		return nil, errs.NotFound("graph: memory %q", id)
	}

	conn := g.store.db.Conn()
	type hit struct {
		depth    int
		strength float64
		rel      string
		via      string
	}
	found := map[string]hit{}
	visited := map[string]bool{id: true}
	frontier := map[string]float64{id: 1}
	var direct []string

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		level := map[string]hit{}
		for _, from := range sortedKeys(frontier) {
			edges, err := edgesOf(ctx, conn, ns, from)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				next := e.TargetID
				if next == from {
					next = e.SourceID
				}
				if visited[next] {
					continue
				}
				s := e.Strength
				if d > 1 {
					s = frontier[from] * e.Strength * g.hopDecay
				}
				if cur, ok := level[next]; !ok || s > cur.strength {
					level[next] = hit{depth: d, strength: s, rel: e.RelationType, via: from}
				}
			}
		}
		if len(level) == 0 {
			break
		}

		ids := sortedKeys(level)
		active, err := g.store.GetMany(ctx, ns, ids, true)
		if err != nil {
			return nil, err
		}
		frontier = map[string]float64{}
		for _, nid := range ids {
			visited[nid] = true
			if _, ok := active[nid]; !ok {
				continue
			}
			h := level[nid]
			found[nid] = h
			frontier[nid] = h.strength
			if d == 1 {
				direct = append(direct, nid)
			}
		}
	}

	if len(found) == 0 {
		return []Related{}, nil
	}
	mems, err := g.store.GetMany(ctx, ns, sortedKeys(found), true)
	if err != nil {
		return nil, err
	}
	out := make([]Related, 0, len(found))
	for nid, h := range found {
		m, ok := mems[nid]
		if !ok {
			continue
		}
		out = append(out, Related{Memory: m, Depth: h.depth, Strength: h.strength, RelationType: h.rel, Via: h.via})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if len(out) > g.maxResults {
		out = out[:g.maxResults]
	}

	// Traversed edges count as activity for association decay.
	if len(direct) > 0 {
		args := append([]any{formatTime(g.store.Now()), ns, id, id}, stringArgs(direct)...)
		args = append(args, stringArgs(direct)...)
		if _, err := conn.ExecContext(ctx,
			`UPDATE associations SET last_activated_at = ?
			 WHERE namespace = ? AND (source_id = ? OR target_id = ?)
			 AND (source_id IN (`+placeholders(len(direct))+`) OR target_id IN (`+placeholders(len(direct))+`))`,
			args...); err != nil {
			g.log.Warn("edge activation failed", "stage", "graph", "id", id, "err", err)
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LinkCandidate is a proposed link from FindLinkable.
type LinkCandidate struct {
	Memory        Memory  `json:"memory"`
	Similarity    float64 `json:"similarity"`
	AlreadyLinked bool    `json:"already_linked"`
}

// FindLinkable proposes memories whose embedding similarity to id is at
// least threshold, best first, marking those already linked in either
// direction.
func (g *Graph) FindLinkable(ctx context.Context, ns, id string, threshold float64, limit int) ([]LinkCandidate, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 {
		return nil, errs.Invalid("similarity threshold %v outside [0,1]", threshold)
	}
	if limit <= 0 {
		limit = 20
	}
	m, ok, err := g.store.Find(ctx, ns, id, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("graph: memory %q", id)
	}
	if !m.HasEmbedding() {
		return nil, errs.Invalid("memory %q has no embedding", id)
	}

	hits, err := g.vectors.Search(ctx, ns, m.Embedding, SearchFilter{
		Limit:         limit,
		MinSimilarity: threshold,
		ExcludeIDs:    []string{id},
	})
	if err != nil {
		return nil, err
	}
	edges, err := g.Edges(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	linked := map[string]bool{}
	for _, e := range edges {
		linked[e.SourceID] = true
		linked[e.TargetID] = true
	}

	out := make([]LinkCandidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, LinkCandidate{Memory: h.Memory, Similarity: h.Similarity, AlreadyLinked: linked[h.ID]})
	}
	return out, nil
}

// AutoLink links id to its maxLinks most similar unlinked memories above
// threshold, bidirectionally under the "similar" relation, using the
// similarity as edge strength. The candidate window widens until maxLinks
// unlinked memories are found or the candidates run out.
func (g *Graph) AutoLink(ctx context.Context, ns, id string, threshold float64, maxLinks int) (LinkResult, error) {
	if maxLinks <= 0 {
		maxLinks = 5
	}

	var targets []LinkCandidate
	for window := maxLinks * 4; ; window *= 2 {
		cands, err := g.FindLinkable(ctx, ns, id, threshold, window)
		if err != nil {
			return LinkResult{}, err
		}
		targets = targets[:0]
		for _, c := range cands {
			if c.AlreadyLinked {
				continue
			}
			targets = append(targets, c)
			if len(targets) == maxLinks {
				break
			}
		}
		if len(targets) == maxLinks || len(cands) < window {
			break
		}
	}

	res := LinkResult{Edges: []Association{}, NoValidTargets: true}
	if len(targets) == 0 {
		return res, nil
	}

	err := g.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range targets {
			r, err := linkTx(ctx, tx, g.store, ns, LinkRequest{
				SourceID:      id,
				TargetIDs:     []string{c.Memory.ID},
				Bidirectional: true,
				RelationType:  RelationSimilar,
				Strength:      LinkStrength(clamp01(c.Similarity)),
			})
			if err != nil {
				return err
			}
			res.Edges = append(res.Edges, r.Edges...)
			res.Created += r.Created
			res.Updated += r.Updated
			res.Skipped = append(res.Skipped, r.Skipped...)
		}
		return nil
	})
	if err != nil {
		return LinkResult{}, err
	}
	res.NoValidTargets = len(res.Edges) == 0
	return res, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// AssociationCounts returns the number of edges in ns by relation type.
func (g *Graph) AssociationCounts(ctx context.Context, ns string) (map[string]int, error) {
	rows, err := g.store.db.Conn().QueryContext(ctx,
		`SELECT relation_type, COUNT(*) FROM associations WHERE namespace = ? GROUP BY relation_type`, ns)
	if err != nil {
		return nil, fmt.Errorf("graph: count: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var rel string
		var n int
		if err := rows.Scan(&rel, &n); err != nil {
			return nil, err
		}
		out[rel] = n
	}
	return out, rows.Err()
}
