package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// migrations is an ordered list of SQL migration statements.
// Each entry is applied once in order. New migrations are appended at the end.
var migrations = []string{
	// Migration 0: memories
	`CREATE TABLE IF NOT EXISTS memories (
		id                TEXT PRIMARY KEY,
		namespace         TEXT NOT NULL,
		content           TEXT NOT NULL,
		memory_type       TEXT NOT NULL,
		importance        TEXT NOT NULL DEFAULT 'medium',
		tags              TEXT NOT NULL DEFAULT '[]',
		metadata          TEXT NOT NULL DEFAULT '{}',
		embedding         BLOB,
		image             BLOB,
		image_mime        TEXT,
		access_count      INTEGER NOT NULL DEFAULT 0,
		last_accessed_at  TEXT,
		expires_at        TEXT,
		consolidated_from TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_ns_created ON memories(namespace, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_ns_type    ON memories(namespace, memory_type)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_expires    ON memories(namespace, expires_at)`,

	// Migration 4: forgetting-curve state, 1:1 with memories
	`CREATE TABLE IF NOT EXISTS memory_strength (
		memory_id      TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		retrievability REAL NOT NULL DEFAULT 1.0,
		stability      REAL NOT NULL DEFAULT 1.0,
		last_review    TEXT NOT NULL,
		review_count   INTEGER NOT NULL DEFAULT 0,
		lapses         INTEGER NOT NULL DEFAULT 0
	)`,

	// Migration 5: association graph (edge list)
	`CREATE TABLE IF NOT EXISTS associations (
		namespace         TEXT NOT NULL,
		source_id         TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		target_id         TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		relation_type     TEXT NOT NULL,
		strength          REAL NOT NULL DEFAULT 0.5,
		bidirectional     INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		last_activated_at TEXT NOT NULL,
		PRIMARY KEY (source_id, target_id, relation_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_associations_target ON associations(target_id)`,
	`CREATE INDEX IF NOT EXISTS idx_associations_ns     ON associations(namespace, last_activated_at)`,

	// Migration 8: reasoning chains
	`CREATE TABLE IF NOT EXISTS chains (
		id               TEXT PRIMARY KEY,
		namespace        TEXT NOT NULL,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		chain_type       TEXT NOT NULL,
		importance       TEXT NOT NULL DEFAULT 'medium',
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chain_members (
		chain_id  TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		PRIMARY KEY (chain_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_members_memory ON chain_members(memory_id)`,

	// Migration 11: spatial organisation
	`CREATE TABLE IF NOT EXISTS quadrants (
		namespace    TEXT NOT NULL,
		code         TEXT NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		centroid     BLOB NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (namespace, code)
	)`,
	`CREATE TABLE IF NOT EXISTS clusters (
		id           TEXT PRIMARY KEY,
		namespace    TEXT NOT NULL,
		label        TEXT NOT NULL DEFAULT '',
		centroid     BLOB NOT NULL,
		member_count INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_regions (
		memory_id     TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		namespace     TEXT NOT NULL,
		quadrant_code TEXT,
		cluster_id    TEXT,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_regions_quadrant ON memory_regions(namespace, quadrant_code)`,
	`CREATE INDEX IF NOT EXISTS idx_regions_cluster  ON memory_regions(cluster_id)`,

	// Migration 16: co-access statistics
	`CREATE TABLE IF NOT EXISTS access_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace   TEXT NOT NULL,
		memory_id   TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		accessed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_access_log_ns ON access_log(namespace, id DESC)`,
	`CREATE TABLE IF NOT EXISTS hot_paths (
		namespace       TEXT NOT NULL,
		from_id         TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		to_id           TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		weight          REAL NOT NULL DEFAULT 0,
		transitions     INTEGER NOT NULL DEFAULT 0,
		last_used_at    TEXT NOT NULL,
		last_decayed_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hot_paths_ns ON hot_paths(namespace)`,
}

// applyMigrations runs any migrations that have not yet been applied.
func applyMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		var count int
		row := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, i)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", i, err)
		}
		if count > 0 {
			continue
		}

		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}

		if _, err := conn.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i); err != nil {
			return fmt.Errorf("record migration %d: %w", i, err)
		}
	}

	return nil
}

// applyVectorTables creates the sqlite-vec KNN index over memory embeddings,
// partitioned by namespace. An index created without the partition column is
// dropped and rebuilt from the embedding blobs on the memory rows.
func applyVectorTables(conn *sql.DB, dimension int) error {
	var ddl string
	err := conn.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'vec_memories'`).Scan(&ddl)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("inspect vector table: %w", err)
	case !strings.Contains(ddl, "partition key"):
		if _, err := conn.Exec(`DROP TABLE vec_memories`); err != nil {
			return fmt.Errorf("drop unpartitioned vector table: %w", err)
		}
	default:
		return nil
	}

	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE vec_memories USING vec0(
		id TEXT PRIMARY KEY,
		namespace TEXT partition key,
		embedding float[%d]
	)`, dimension)
	if _, err := conn.Exec(stmt); err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	if _, err := conn.Exec(`INSERT INTO vec_memories (id, namespace, embedding)
		SELECT id, namespace, embedding FROM memories
		WHERE embedding IS NOT NULL AND length(embedding) = ?`, dimension*4); err != nil {
		return fmt.Errorf("backfill vector table: %w", err)
	}
	return nil
}
