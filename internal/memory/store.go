package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memvra/mnemos/internal/db"
	"github.com/memvra/mnemos/internal/errs"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database with namespace-scoped memory CRUD.
//
// The pool holds a single connection, so every helper drains and closes its
// rows before returning, and code running inside a transaction only talks to
// the *sql.Tx.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by the given DB.
func NewStore(database *db.DB, opts ...StoreOption) *Store {
	s := &Store{db: database, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying database handle.
func (s *Store) DB() *db.DB { return s.db }

// Now is the store's clock in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

// NewID returns a fresh memory/chain/cluster identifier.
func NewID() string { return uuid.NewString() }

func checkNamespace(ns string) error {
	if strings.TrimSpace(ns) == "" {
		return errs.Invalid("namespace is required")
	}
	return nil
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errs.Invalid("malformed id %q", id)
	}
	return nil
}

const memoryColumns = `m.id, m.namespace, m.content, m.memory_type, m.importance, m.tags, m.metadata,
	m.embedding, m.image, m.image_mime, m.access_count, m.last_accessed_at, m.expires_at,
	m.consolidated_from, m.created_at, m.updated_at`

// activeClause must be paired with one formatted "now" argument.
const activeClause = `(m.expires_at IS NULL OR m.expires_at > ?)`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner) (Memory, error) {
	var m Memory
	var mt, imp, tags, meta, createdAt, updatedAt string
	var emb, img []byte
	var mime, lastAccessed, expires, consolidated sql.NullString
	if err := sc.Scan(&m.ID, &m.Namespace, &m.Content, &mt, &imp, &tags, &meta,
		&emb, &img, &mime, &m.AccessCount, &lastAccessed, &expires,
		&consolidated, &createdAt, &updatedAt); err != nil {
		return m, err
	}
	m.MemoryType = MemoryType(mt)
	m.Importance = Importance(imp)
	m.Tags = decodeTags(tags)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &m.Metadata)
	}
	if len(emb) > 0 {
		m.Embedding = BlobToFloat32Slice(emb)
	}
	m.Image = img
	m.ImageMIME = mime.String
	m.LastAccessedAt = parseNullTime(lastAccessed)
	m.ExpiresAt = parseNullTime(expires)
	if consolidated.Valid && consolidated.String != "" {
		_ = json.Unmarshal([]byte(consolidated.String), &m.ConsolidatedFrom)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func decodeTags(raw string) []string {
	tags := []string{}
	if raw != "" && raw != "[]" {
		_ = json.Unmarshal([]byte(raw), &tags)
	}
	return tags
}

// queryMemories runs query and returns every row, closing the cursor.
func queryMemories(ctx context.Context, q querier, query string, args ...any) ([]Memory, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func encodeJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

// insertMemory writes m as-is. Callers fill ID, namespace and timestamps.
func insertMemory(ctx context.Context, q querier, m Memory) error {
	var emb []byte
	if len(m.Embedding) > 0 {
		emb = float32SliceToBlob(m.Embedding)
	}
	var consolidated any
	if len(m.ConsolidatedFrom) > 0 {
		consolidated = encodeJSON(m.ConsolidatedFrom, "[]")
	}
	var mime any
	if m.ImageMIME != "" {
		mime = m.ImageMIME
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO memories (id, namespace, content, memory_type, importance, tags, metadata,
			embedding, image, image_mime, access_count, last_accessed_at, expires_at,
			consolidated_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Namespace, m.Content, string(m.MemoryType), string(m.Importance),
		encodeJSON(tags, "[]"), encodeJSON(m.Metadata, "{}"),
		emb, m.Image, mime, m.AccessCount, nullTime(m.LastAccessedAt), nullTime(m.ExpiresAt),
		consolidated, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert memory: %w", err)
	}
	return nil
}

// Find is the comma-ok lookup: found is false when the memory does not exist
// in ns or is inactive and includeExpired is false.
func (s *Store) Find(ctx context.Context, ns, id string, includeExpired bool) (Memory, bool, error) {
	return s.find(ctx, s.db.Conn(), ns, id, includeExpired)
}

func (s *Store) find(ctx context.Context, q querier, ns, id string, includeExpired bool) (Memory, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id = ? AND m.namespace = ?`, id, ns)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, errs.Fatal(fmt.Errorf("store: get memory: %w", err))
	}
	if !m.Active(s.Now()) {
		if !includeExpired {
			return Memory{}, false, nil
		}
		m.Expired = true
	}
	return m, true, nil
}

// Get returns an active memory or an error wrapping errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, ns, id string) (Memory, error) {
	if err := checkNamespace(ns); err != nil {
		return Memory{}, err
	}
	if err := checkID(id); err != nil {
		return Memory{}, err
	}
	m, ok, err := s.Find(ctx, ns, id, false)
	if err != nil {
		return Memory{}, err
	}
	if !ok {
		return Memory{}, errs.NotFound("store: memory %q", id)
	}
	return m, nil
}

// GetMany loads the listed memories from ns keyed by ID. Missing (and, when
// activeOnly, inactive) IDs are absent from the map.
func (s *Store) GetMany(ctx context.Context, ns string, ids []string, activeOnly bool) (map[string]Memory, error) {
	return s.getMany(ctx, s.db.Conn(), ns, ids, activeOnly)
}

func (s *Store) getMany(ctx context.Context, q querier, ns string, ids []string, activeOnly bool) (map[string]Memory, error) {
	out := make(map[string]Memory, len(ids))
	const batch = 400
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		part := ids[start:end]

		query := `SELECT ` + memoryColumns + ` FROM memories m WHERE m.namespace = ? AND m.id IN (` + placeholders(len(part)) + `)`
		args := append([]any{ns}, stringArgs(part)...)
		if activeOnly {
			query += ` AND ` + activeClause
			args = append(args, formatTime(s.Now()))
		}
		mems, err := queryMemories(ctx, q, query, args...)
		if err != nil {
			return nil, fmt.Errorf("store: get memories: %w", err)
		}
		for _, m := range mems {
			out[m.ID] = m
		}
	}
	return out, nil
}

// touch increments access counters for ids in ns.
func (s *Store) touch(ctx context.Context, q querier, ns string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{formatTime(at), ns}, stringArgs(ids)...)
	_, err := q.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE namespace = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: touch: %w", err)
	}
	return nil
}

// Touch records a read of every listed memory.
func (s *Store) Touch(ctx context.Context, ns string, ids ...string) error {
	return s.touch(ctx, s.db.Conn(), ns, ids, s.Now())
}

// expire soft-deletes ids by setting expires_at.
func (s *Store) expire(ctx context.Context, q querier, ns string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ts := formatTime(at)
	args := append([]any{ts, ts, ns}, stringArgs(ids)...)
	_, err := q.ExecContext(ctx,
		`UPDATE memories SET expires_at = ?, updated_at = ?
		 WHERE namespace = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: expire: %w", err)
	}
	return nil
}

// CandidateFilter selects active memories for the analysis engines.
type CandidateFilter struct {
	Types            []MemoryType
	Importances      []Importance
	RequireEmbedding bool
	Limit            int
	Offset           int
}

// Candidates returns active memories in ns, oldest first, for clustering,
// consolidation and brute-force similarity scans.
func (s *Store) Candidates(ctx context.Context, ns string, f CandidateFilter) ([]Memory, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	where := []string{`m.namespace = ?`, activeClause}
	args := []any{ns, formatTime(s.Now())}
	if f.RequireEmbedding {
		where = append(where, `m.embedding IS NOT NULL`)
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
	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY m.created_at ASC, m.id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, max(f.Offset, 0))
	}
	mems, err := queryMemories(ctx, s.db.Conn(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	return mems, nil
}

// Recent returns active memories ordered by most recent access (or creation).
func (s *Store) Recent(ctx context.Context, ns string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	mems, err := queryMemories(ctx, s.db.Conn(),
		`SELECT `+memoryColumns+` FROM memories m
		 WHERE m.namespace = ? AND `+activeClause+`
		 ORDER BY COALESCE(m.last_accessed_at, m.created_at) DESC, m.id ASC
		 LIMIT ?`, ns, formatTime(s.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	return mems, nil
}

// MissingEmbeddings returns active memories that still need a vector.
func (s *Store) MissingEmbeddings(ctx context.Context, ns string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	mems, err := queryMemories(ctx, s.db.Conn(),
		`SELECT `+memoryColumns+` FROM memories m
		 WHERE m.namespace = ? AND m.embedding IS NULL AND `+activeClause+`
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`, ns, formatTime(s.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("store: missing embeddings: %w", err)
	}
	return mems, nil
}

// CountMissingEmbeddings counts active memories without a vector.
func (s *Store) CountMissingEmbeddings(ctx context.Context, ns string) (int, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories m WHERE m.namespace = ? AND m.embedding IS NULL AND `+activeClause,
		ns, formatTime(s.Now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count missing embeddings: %w", err)
	}
	return n, nil
}

// NamespaceCount is one row of Namespaces.
type NamespaceCount struct {
	Namespace string `json:"namespace"`
	Memories  int    `json:"memories"`
}

// Namespaces lists every namespace with its memory count.
func (s *Store) Namespaces(ctx context.Context) ([]NamespaceCount, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT namespace, COUNT(*) FROM memories GROUP BY namespace ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("store: namespaces: %w", err)
	}
	defer rows.Close()

	var out []NamespaceCount
	for rows.Next() {
		var nc NamespaceCount
		if err := rows.Scan(&nc.Namespace, &nc.Memories); err != nil {
			return nil, err
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}
