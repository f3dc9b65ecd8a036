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

// MinStability keeps the decay denominator positive.
const MinStability = 1e-6

// StrengthConfig tunes the forgetting curve.
type StrengthConfig struct {
	// InitialStability is the starting stability in days per importance tier.
	InitialStability map[Importance]float64
	// Growth scales the stability gain of a successful recall per tier.
	Growth map[Importance]float64
	// AssociationDecay multiplies the strength of stale edges.
	AssociationDecay float64
	// AssociationFloor removes stale edges whose strength falls below it.
	AssociationFloor float64
}

// DefaultStrengthConfig returns the stock curve parameters.
func DefaultStrengthConfig() StrengthConfig {
	return StrengthConfig{
		InitialStability: map[Importance]float64{
			ImportanceCritical: 30,
			ImportanceHigh:     14,
			ImportanceMedium:   7,
			ImportanceLow:      3,
			ImportanceTrivial:  1,
		},
		Growth: map[Importance]float64{
			ImportanceCritical: 1.0,
			ImportanceHigh:     0.8,
			ImportanceMedium:   0.6,
			ImportanceLow:      0.4,
			ImportanceTrivial:  0.2,
		},
		AssociationDecay: 0.5,
		AssociationFloor: 0.1,
	}
}

// Strength is the forgetting-curve state of one memory.
type Strength struct {
	MemoryID       string    `json:"memory_id"`
	Retrievability float64   `json:"retrievability"`
	Stability      float64   `json:"stability"`
	LastReview     time.Time `json:"last_review"`
	ReviewCount    int       `json:"review_count"`
	Lapses         int       `json:"lapses"`
}

// RetrievabilityAt evaluates the curve at now.
func (s Strength) RetrievabilityAt(now time.Time) float64 {
	return Retrievability(daysBetween(s.LastReview, now), s.Stability)
}

// Retrievability is exp(-elapsedDays / stability), with stability clamped
// to MinStability.
func Retrievability(elapsedDays, stability float64) float64 {
	if elapsedDays <= 0 {
		return 1
	}
	if stability < MinStability || math.IsNaN(stability) {
		stability = MinStability
	}
	r := math.Exp(-elapsedDays / stability)
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	return r
}

// StrengthEngine maintains memory_strength rows.
type StrengthEngine struct {
	store *Store
	cfg   StrengthConfig
}

// NewStrengthEngine creates a StrengthEngine.
func NewStrengthEngine(store *Store, cfg StrengthConfig) *StrengthEngine {
	def := DefaultStrengthConfig()
	if cfg.InitialStability == nil {
		cfg.InitialStability = def.InitialStability
	}
	if cfg.Growth == nil {
		cfg.Growth = def.Growth
	}
	if cfg.AssociationDecay <= 0 || cfg.AssociationDecay >= 1 {
		cfg.AssociationDecay = def.AssociationDecay
	}
	if cfg.AssociationFloor <= 0 {
		cfg.AssociationFloor = def.AssociationFloor
	}
	return &StrengthEngine{store: store, cfg: cfg}
}

// Initial returns the strength a new memory of importance imp starts with.
func (e *StrengthEngine) Initial(id string, imp Importance, now time.Time) Strength {
	s, ok := e.cfg.InitialStability[imp]
	if !ok || s <= 0 {
		s = e.cfg.InitialStability[ImportanceMedium]
	}
	return Strength{MemoryID: id, Retrievability: 1, Stability: math.Max(s, MinStability), LastReview: now}
}

func (e *StrengthEngine) growth(imp Importance) float64 {
	if g, ok := e.cfg.Growth[imp]; ok {
		return g
	}
	return e.cfg.Growth[ImportanceMedium]
}

func insertStrength(ctx context.Context, q querier, s Strength) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO memory_strength (memory_id, retrievability, stability, last_review, review_count, lapses)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET
			retrievability = excluded.retrievability,
			stability      = excluded.stability,
			last_review    = excluded.last_review,
			review_count   = excluded.review_count,
			lapses         = excluded.lapses`,
		s.MemoryID, s.Retrievability, s.Stability, formatTime(s.LastReview), s.ReviewCount, s.Lapses)
	if err != nil {
		return fmt.Errorf("strength: save: %w", err)
	}
	return nil
}

func loadStrength(ctx context.Context, q querier, id string) (Strength, bool, error) {
	var s Strength
	var last string
	err := q.QueryRowContext(ctx,
		`SELECT memory_id, retrievability, stability, last_review, review_count, lapses
		 FROM memory_strength WHERE memory_id = ?`, id).
		Scan(&s.MemoryID, &s.Retrievability, &s.Stability, &last, &s.ReviewCount, &s.Lapses)
	if errors.Is(err, sql.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("strength: load: %w", err)
	}
	s.LastReview = parseTime(last)
	return s, true, nil
}

// Get returns the strength of a memory, creating it lazily if missing.
func (e *StrengthEngine) Get(ctx context.Context, ns, id string) (Strength, error) {
	var out Strength
	err := e.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, ok, err := e.store.find(ctx, tx, ns, id, true)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound("strength: memory %q", id)
		}
		s, found, err := loadStrength(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			s = e.Initial(id, m.Importance, m.CreatedAt)
			if err := insertStrength(ctx, tx, s); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	return out, err
}

// UpdateStrength applies one recall event. A successful recall grows
// stability by an importance-scaled factor (more when the memory had already
// faded) and resets retrievability to 1. A failed recall leaves stability
// and the review clock alone and stores the decayed retrievability. An empty
// importance uses the memory's own. The read-modify-write runs in one
// transaction.
func (e *StrengthEngine) UpdateStrength(ctx context.Context, ns, id string, success bool, importance Importance) (Strength, error) {
	if err := checkNamespace(ns); err != nil {
		return Strength{}, err
	}
	if err := checkID(id); err != nil {
		return Strength{}, err
	}
	if importance != "" && !importance.Valid() {
		return Strength{}, errs.Invalid("unknown importance %q", importance)
	}

	now := e.store.Now()
	var out Strength
	err := e.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		m, ok, err := e.store.find(ctx, tx, ns, id, false)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound("strength: memory %q", id)
		}
		imp := importance
		if imp == "" {
			imp = m.Importance
		}

		s, found, err := loadStrength(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			s = e.Initial(id, m.Importance, m.CreatedAt)
		}
		if s.Stability < MinStability {
			s.Stability = MinStability
		}

		current := s.RetrievabilityAt(now)
		if success {
			s.Stability *= 1 + e.growth(imp)*(1+(1-current))
			s.Retrievability = 1
			s.LastReview = now
			s.ReviewCount++
		} else {
			s.Retrievability = current
			s.Lapses++
		}
		if err := insertStrength(ctx, tx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// FadingMemory is an at-risk memory reported by GetFadingMemories.
type FadingMemory struct {
	Memory          Memory   `json:"memory"`
	Strength        Strength `json:"strength"`
	Retrievability  float64  `json:"retrievability"`
	DaysSinceAccess float64  `json:"days_since_access"`
}

// GetFadingMemories returns active memories whose current retrievability is
// below threshold, most at risk first. Memories without a strength row are
// evaluated with their initial strength from creation time.
func (e *StrengthEngine) GetFadingMemories(ctx context.Context, ns string, threshold float64, limit int) ([]FadingMemory, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 {
		return nil, errs.Invalid("threshold %v outside [0,1]", threshold)
	}
	if limit <= 0 {
		limit = 20
	}

	now := e.store.Now()
	rows, err := e.store.db.Conn().QueryContext(ctx,
		`SELECT `+memoryColumns+`, s.retrievability, s.stability, s.last_review, s.review_count, s.lapses
		 FROM memories m LEFT JOIN memory_strength s ON s.memory_id = m.id
		 WHERE m.namespace = ? AND `+activeClause, ns, formatTime(now))
	if err != nil {
		return nil, errs.Fatal(fmt.Errorf("strength: fading: %w", err))
	}
	defer rows.Close()

	var out []FadingMemory
	for rows.Next() {
		var (
			r, st         sql.NullFloat64
			last          sql.NullString
			reviews, laps sql.NullInt64
		)
		m, err := scanMemory(rowScanner{rows: rows, extra: []any{&r, &st, &last, &reviews, &laps}})
		if err != nil {
			return nil, err
		}
		s := e.Initial(m.ID, m.Importance, m.CreatedAt)
		if st.Valid {
			s = Strength{
				MemoryID:       m.ID,
				Retrievability: r.Float64,
				Stability:      st.Float64,
				LastReview:     parseTime(last.String),
				ReviewCount:    int(reviews.Int64),
				Lapses:         int(laps.Int64),
			}
		}
		cur := s.RetrievabilityAt(now)
		if cur >= threshold {
			continue
		}
		lastAccess := m.CreatedAt
		if m.LastAccessedAt != nil {
			lastAccess = *m.LastAccessedAt
		}
		out = append(out, FadingMemory{
			Memory:          m,
			Strength:        s,
			Retrievability:  cur,
			DaysSinceAccess: daysBetween(lastAccess, now),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Retrievability != out[j].Retrievability {
			return out[i].Retrievability < out[j].Retrievability
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// rowScanner appends extra destinations after the memory columns.
type rowScanner struct {
	rows  *sql.Rows
	extra []any
}

func (r rowScanner) Scan(dest ...any) error {
	return r.rows.Scan(append(dest, r.extra...)...)
}

// DecayStrengths refreshes the stored retrievability of every strength row
// in ns from elapsed time. It returns the number of rows updated.
func (e *StrengthEngine) DecayStrengths(ctx context.Context, ns string) (int, error) {
	if err := checkNamespace(ns); err != nil {
		return 0, err
	}
	now := e.store.Now()

	type row struct {
		id   string
		s    Strength
		last string
	}
	rows, err := e.store.db.Conn().QueryContext(ctx,
		`SELECT s.memory_id, s.stability, s.last_review, s.retrievability
		 FROM memory_strength s JOIN memories m ON m.id = s.memory_id
		 WHERE m.namespace = ?`, ns)
	if err != nil {
		return 0, fmt.Errorf("strength: decay scan: %w", err)
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.s.Stability, &r.last, &r.s.Retrievability); err != nil {
			rows.Close()
			return 0, err
		}
		r.s.LastReview = parseTime(r.last)
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	updated := 0
	const batch = 200
	for start := 0; start < len(pending); start += batch {
		part := pending[start:min(start+batch, len(pending))]
		err := e.store.db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, r := range part {
				cur := r.s.RetrievabilityAt(now)
				if math.Abs(cur-r.s.Retrievability) < 1e-9 {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE memory_strength SET retrievability = ? WHERE memory_id = ?`, cur, r.id); err != nil {
					return fmt.Errorf("strength: decay update: %w", err)
				}
				updated++
			}
			return nil
		})
		if err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// DecayReport summarises an association decay sweep.
type DecayReport struct {
	Weakened int `json:"weakened"`
	Removed  int `json:"removed"`
}

// Affected is the total number of edges touched.
func (r DecayReport) Affected() int { return r.Weakened + r.Removed }

// DecayAssociations weakens edges in ns not activated for more than
// maxAgeDays, removing those that fall below the floor. Weakened edges get a
// fresh activation stamp so one sweep decays them once. Structural edges
// (next_chunk, consolidated_from) never decay.
func (e *StrengthEngine) DecayAssociations(ctx context.Context, ns string, maxAgeDays float64) (DecayReport, error) {
	if err := checkNamespace(ns); err != nil {
		return DecayReport{}, err
	}
	if maxAgeDays < 0 {
		return DecayReport{}, errs.Invalid("negative max age %v", maxAgeDays)
	}
	now := e.store.Now()
	cutoff := formatTime(now.Add(-time.Duration(maxAgeDays * 24 * float64(time.Hour))))

	var rep DecayReport
	err := e.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM associations
			 WHERE namespace = ? AND last_activated_at < ? AND strength * ? < ?
			   AND relation_type NOT IN (?, ?)`,
			ns, cutoff, e.cfg.AssociationDecay, e.cfg.AssociationFloor,
			RelationNextChunk, RelationConsolidatedFrom)
		if err != nil {
			return fmt.Errorf("strength: prune associations: %w", err)
		}
		n, _ := res.RowsAffected()
		rep.Removed = int(n)

		res, err = tx.ExecContext(ctx,
			`UPDATE associations SET strength = strength * ?, updated_at = ?, last_activated_at = ?
			 WHERE namespace = ? AND last_activated_at < ? AND relation_type NOT IN (?, ?)`,
			e.cfg.AssociationDecay, formatTime(now), formatTime(now), ns, cutoff,
			RelationNextChunk, RelationConsolidatedFrom)
		if err != nil {
			return fmt.Errorf("strength: weaken associations: %w", err)
		}
		n, _ = res.RowsAffected()
		rep.Weakened = int(n)
		return nil
	})
	return rep, err
}
