package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/errs"
)

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	Types          []MemoryType
	Importances    []Importance
	Tags           []string // any-of
	Contains       string   // case-insensitive substring of content
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeExpired bool
	OnlyExpired    bool
}

// Page is offset pagination plus ordering.
type Page struct {
	Limit   int
	Offset  int
	OrderBy string // created_at, updated_at, importance, access_count, last_accessed_at
	Asc     bool
}

// QueryResult is one page of a query.
type QueryResult struct {
	Memories []Memory `json:"memories"`
	Total    int      `json:"total"`
	HasMore  bool     `json:"has_more"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 500
)

var orderColumns = map[string]string{
	"":                 "m.created_at",
	"created_at":       "m.created_at",
	"updated_at":       "m.updated_at",
	"access_count":     "m.access_count",
	"last_accessed_at": "COALESCE(m.last_accessed_at, m.created_at)",
	"importance": `CASE m.importance WHEN 'critical' THEN 5 WHEN 'high' THEN 4
		WHEN 'medium' THEN 3 WHEN 'low' THEN 2 WHEN 'trivial' THEN 1 ELSE 0 END`,
}

func (s *Store) filterClause(ns string, f Filter) (string, []any) {
	now := formatTime(s.Now())
	where := []string{`m.namespace = ?`}
	args := []any{ns}

	switch {
	case f.OnlyExpired:
		where = append(where, `m.expires_at IS NOT NULL AND m.expires_at <= ?`)
		args = append(args, now)
	case !f.IncludeExpired:
		where = append(where, activeClause)
		args = append(args, now)
	}
	if len(f.Types) > 0 {
		where = append(where, `m.memory_type IN (`+placeholders(len(f.Types))+`)`)
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Importances) > 0 {
		where = append(where, `m.importance IN (`+placeholders(len(f.Importances))+`)`)
		for _, i := range f.Importances {
			args = append(args, string(i))
		}
	}
	if len(f.Tags) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(m.tags) WHERE json_each.value IN (`+placeholders(len(f.Tags))+`))`)
		args = append(args, stringArgs(f.Tags)...)
	}
	if f.Contains != "" {
		where = append(where, `LOWER(m.content) LIKE ?`)
		args = append(args, "%"+strings.ToLower(f.Contains)+"%")
	}
	if f.CreatedAfter != nil {
		where = append(where, `m.created_at >= ?`)
		args = append(args, formatTime(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, `m.created_at < ?`)
		args = append(args, formatTime(*f.CreatedBefore))
	}
	return strings.Join(where, " AND "), args
}

// Query returns one page of memories in ns matching f.
func (s *Store) Query(ctx context.Context, ns string, f Filter, p Page) (QueryResult, error) {
	if err := checkNamespace(ns); err != nil {
		return QueryResult{}, err
	}
	order, ok := orderColumns[p.OrderBy]
	if !ok {
		return QueryResult{}, errs.Invalid("unknown order field %q", p.OrderBy)
	}
	if p.Offset < 0 {
		return QueryResult{}, errs.Invalid("negative offset %d", p.Offset)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	where, args := s.filterClause(ns, f)

	var total int
	if err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories m WHERE `+where, args...).Scan(&total); err != nil {
		return QueryResult{}, errs.Fatal(fmt.Errorf("store: count query: %w", err))
	}

	dir := "DESC"
	if p.Asc {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s ORDER BY %s %s, m.id ASC LIMIT ? OFFSET ?`,
		memoryColumns, where, order, dir)
	mems, err := queryMemories(ctx, s.db.Conn(), query, append(args, limit, p.Offset)...)
	if err != nil {
		return QueryResult{}, errs.Fatal(fmt.Errorf("store: query: %w", err))
	}

	now := s.Now()
	for i := range mems {
		mems[i].Expired = !mems[i].Active(now)
	}
	if mems == nil {
		mems = []Memory{}
	}
	return QueryResult{
		Memories: mems,
		Total:    total,
		HasMore:  p.Offset+len(mems) < total,
	}, nil
}
