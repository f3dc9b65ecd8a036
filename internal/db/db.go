package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register sqlite-vec as an auto-extension so every SQLite connection
	// opened by this process has the vec0 virtual table module available.
	vec.Auto()
}

const (
	// DefaultEmbeddingDimension matches nomic-embed-text, the default Ollama
	// embed model.
	DefaultEmbeddingDimension = 768
)

// DB wraps a *sql.DB and exposes helpers.
type DB struct {
	conn      *sql.DB
	dimension int
	vectors   bool
	vecErr    error
}

// Option configures Open.
type Option func(*DB)

// WithDimension sets the vec0 index dimension. Embeddings of any other length
// are still stored on the memory row but are searched without the index.
func WithDimension(n int) Option {
	return func(d *DB) {
		if n > 0 {
			d.dimension = n
		}
	}
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{dimension: DefaultEmbeddingDimension}
	for _, o := range opts {
		o(d)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", absPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer; concurrent callers queue on the pool.
	conn.SetMaxOpenConns(1)

	if err := applyMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if err := applyVectorTables(conn, d.dimension); err != nil {
		// Non-fatal: similarity search falls back to scanning stored blobs.
		d.vecErr = err
	} else {
		d.vectors = true
	}

	d.conn = conn
	return d, nil
}

// Conn returns the underlying *sql.DB for use by store/vector layers.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dimension is the vec0 index dimension.
func (d *DB) Dimension() int { return d.dimension }

// VectorsEnabled reports whether the vec0 index table is usable.
func (d *DB) VectorsEnabled() bool { return d.vectors }

// VectorError returns why the vec0 index is unavailable, if it is.
func (d *DB) VectorError() error { return d.vecErr }

// WithTx runs fn inside a transaction, committing on success.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping checks the connection is live.
func (d *DB) Ping() error {
	return d.conn.Ping()
}
