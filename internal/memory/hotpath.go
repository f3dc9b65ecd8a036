package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/memvra/mnemos/internal/errs"
)

const (
	// DefaultCoAccessWindow is the longest gap between two reads that still
	// counts as a transition.
	DefaultCoAccessWindow = 30 * time.Minute
	// DefaultHeatHalfLife is the hot path half-life in days.
	DefaultHeatHalfLife = 7.0
	// minHeat removes hot paths that have cooled below it.
	minHeat = 0.05
)

// Prediction is a likely next memory after the current one.
type Prediction struct {
	Memory      Memory  `json:"memory"`
	Probability float64 `json:"probability"`
	Transitions int     `json:"transitions"`
}

// RecordAccess appends a read of id to the access log. When the previous
// read in ns was of a different memory and happened within the co-access
// window, the transition previous -> id is reinforced.
func (s *Spatial) RecordAccess(ctx context.Context, ns, id string) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	now := s.store.Now()
	return s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		var prevID, prevAt string
		err := tx.QueryRowContext(ctx,
			`SELECT memory_id, accessed_at FROM access_log WHERE namespace = ? ORDER BY id DESC LIMIT 1`, ns).
			Scan(&prevID, &prevAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("hotpath: previous access: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_log (namespace, memory_id, accessed_at) VALUES (?, ?, ?)`,
			ns, id, formatTime(now)); err != nil {
			return fmt.Errorf("hotpath: log access: %w", err)
		}

		if prevID == "" || prevID == id || now.Sub(parseTime(prevAt)) > s.coAccess {
			return nil
		}
		ts := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hot_paths (namespace, from_id, to_id, weight, transitions, last_used_at, last_decayed_at)
			 VALUES (?, ?, ?, 1, 1, ?, ?)
			 ON CONFLICT(from_id, to_id) DO UPDATE SET
				weight       = hot_paths.weight + 1,
				transitions  = hot_paths.transitions + 1,
				last_used_at = excluded.last_used_at`,
			ns, prevID, id, ts, ts); err != nil {
			return fmt.Errorf("hotpath: reinforce: %w", err)
		}
		return nil
	})
}

// PredictNext ranks the memories most often read right after id. The
// probability of each is its share of the outgoing hot path weight. No
// history yields an empty list.
func (s *Spatial) PredictNext(ctx context.Context, ns, id string, limit int) ([]Prediction, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.store.db.Conn().QueryContext(ctx,
		`SELECT to_id, weight, transitions FROM hot_paths
		 WHERE namespace = ? AND from_id = ? AND weight > 0`, ns, id)
	if err != nil {
		return nil, fmt.Errorf("hotpath: predict: %w", err)
	}
	type edge struct {
		to          string
		weight      float64
		transitions int
	}
	var edges []edge
	var total float64
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.to, &e.weight, &e.transitions); err != nil {
			rows.Close()
			return nil, err
		}
		edges = append(edges, e)
		total += e.weight
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(edges) == 0 || total <= 0 {
		return []Prediction{}, nil
	}

	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.to
	}
	active, err := s.store.GetMany(ctx, ns, ids, true)
	if err != nil {
		return nil, err
	}

	out := make([]Prediction, 0, len(edges))
	for _, e := range edges {
		m, ok := active[e.to]
		if !ok {
			continue
		}
		out = append(out, Prediction{Memory: m, Probability: e.weight / total, Transitions: e.transitions})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecayHeat cools every hot path in ns by 0.5^(elapsed/halfLifeDays) since
// its last decay, whether or not it was used in between, and removes paths
// that fall below the minimum heat. It returns the number of paths touched.
func (s *Spatial) DecayHeat(ctx context.Context, ns string, halfLifeDays float64) (DecayReport, error) {
	if err := checkNamespace(ns); err != nil {
		return DecayReport{}, err
	}
	if halfLifeDays <= 0 {
		return DecayReport{}, errs.Invalid("half-life must be positive, got %v", halfLifeDays)
	}
	now := s.store.Now()

	var rep DecayReport
	err := s.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT from_id, to_id, weight, last_decayed_at FROM hot_paths WHERE namespace = ?`, ns)
		if err != nil {
			return fmt.Errorf("hotpath: scan: %w", err)
		}
		type path struct {
			from, to string
			weight   float64
		}
		var cooled []path
		for rows.Next() {
			var p path
			var decayed string
			if err := rows.Scan(&p.from, &p.to, &p.weight, &decayed); err != nil {
				rows.Close()
				return err
			}
			elapsed := daysBetween(parseTime(decayed), now)
			if elapsed <= 0 {
				continue
			}
			p.weight *= math.Pow(0.5, elapsed/halfLifeDays)
			cooled = append(cooled, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ts := formatTime(now)
		for _, p := range cooled {
			if p.weight < minHeat {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM hot_paths WHERE from_id = ? AND to_id = ?`, p.from, p.to); err != nil {
					return fmt.Errorf("hotpath: remove: %w", err)
				}
				rep.Removed++
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE hot_paths SET weight = ?, last_decayed_at = ? WHERE from_id = ? AND to_id = ?`,
				p.weight, ts, p.from, p.to); err != nil {
				return fmt.Errorf("hotpath: cool: %w", err)
			}
			rep.Weakened++
		}
		return nil
	})
	return rep, err
}

// PruneAccessLog removes access log rows in ns older than olderThan.
func (s *Spatial) PruneAccessLog(ctx context.Context, ns string, olderThan time.Duration) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	cutoff := formatTime(s.store.Now().Add(-olderThan))
	res, err := s.store.db.Conn().ExecContext(ctx,
		`DELETE FROM access_log WHERE namespace = ? AND accessed_at < ?`, ns, cutoff)
	if err != nil {
		return 0, fmt.Errorf("hotpath: prune access log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// HotPathCount returns the number of hot paths in ns.
func (s *Spatial) HotPathCount(ctx context.Context, ns string) (int, error) {
	var n int
	if err := s.store.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hot_paths WHERE namespace = ?`, ns).Scan(&n); err != nil {
		return 0, fmt.Errorf("hotpath: count: %w", err)
	}
	return n, nil
}
