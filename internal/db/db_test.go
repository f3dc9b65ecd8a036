package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpen_CreatesDatabase(t *testing.T) {
	database := openTestDB(t)
	if err := database.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpen_CreatesParentDirs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	database, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()
}

func TestOpen_TablesExist(t *testing.T) {
	database := openTestDB(t)

	tables := []string{
		"memories", "memory_strength", "associations", "chains", "chain_members",
		"quadrants", "clusters", "memory_regions", "access_log", "hot_paths", "schema_migrations",
	}
	for _, table := range tables {
		var count int
		err := database.Conn().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("query table %q: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %q not found", table)
		}
	}
}

func TestOpen_MigrationsRecorded(t *testing.T) {
	database := openTestDB(t)

	var count int
	if err := database.Conn().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	var count int
	db2.Conn().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='memories'`).Scan(&count)
	if count != 1 {
		t.Error("memories table missing after re-open")
	}
}

func TestOpen_VectorTable(t *testing.T) {
	database := openTestDB(t, WithDimension(8))
	if database.Dimension() != 8 {
		t.Errorf("dimension = %d, want 8", database.Dimension())
	}
	// The vec0 module may be missing in some build configurations; Open
	// must still succeed and report it.
	if !database.VectorsEnabled() {
		t.Logf("vector index unavailable: %v", database.VectorError())
	}
}

func TestOpen_RebuildsUnpartitionedVectorTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	first, err := Open(path, WithDimension(2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !first.VectorsEnabled() {
		first.Close()
		t.Skipf("vector index unavailable: %v", first.VectorError())
	}
	conn := first.Conn()
	mustExec(t, conn, `DROP TABLE vec_memories`)
	mustExec(t, conn, `CREATE VIRTUAL TABLE vec_memories USING vec0(id TEXT PRIMARY KEY, embedding float[2])`)
	mustExec(t, conn, `INSERT INTO memories (id, namespace, content, memory_type, embedding, created_at, updated_at)
		VALUES ('m1', 'ns', 'x', 'semantic', X'0000803F00000000', 'now', 'now')`)
	first.Close()

	second, err := Open(path, WithDimension(2))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if !second.VectorsEnabled() {
		t.Fatalf("vector index lost: %v", second.VectorError())
	}
	var ns string
	if err := second.Conn().QueryRow(`SELECT namespace FROM vec_memories WHERE id = 'm1'`).Scan(&ns); err != nil {
		t.Fatalf("backfilled row: %v", err)
	}
	if ns != "ns" {
		t.Errorf("namespace = %q, want ns", ns)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO memories (id, namespace, content, memory_type, created_at, updated_at)
			VALUES ('m1', 'ns', 'x', 'semantic', 'now', 'now')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	var count int
	database.Conn().QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count)
	if count != 0 {
		t.Errorf("row survived rollback: count = %d", count)
	}
}

func TestForeignKeys_CascadeStrength(t *testing.T) {
	database := openTestDB(t)
	conn := database.Conn()

	mustExec(t, conn, `INSERT INTO memories (id, namespace, content, memory_type, created_at, updated_at)
		VALUES ('m1', 'ns', 'x', 'semantic', 'now', 'now')`)
	mustExec(t, conn, `INSERT INTO memory_strength (memory_id, last_review) VALUES ('m1', 'now')`)
	mustExec(t, conn, `DELETE FROM memories WHERE id = 'm1'`)

	var count int
	conn.QueryRow(`SELECT COUNT(*) FROM memory_strength`).Scan(&count)
	if count != 0 {
		t.Errorf("strength row not cascaded: count = %d", count)
	}
}

func TestClose(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := database.Ping(); err == nil {
		t.Error("expected Ping to fail after Close")
	}
}

func mustExec(t *testing.T, conn *sql.DB, stmt string) {
	t.Helper()
	if _, err := conn.Exec(stmt); err != nil {
		t.Fatalf("exec %q: %v", stmt, err)
	}
}
