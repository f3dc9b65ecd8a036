package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/memvra/mnemos/internal/errs"
)

// DeleteCriteria selects memories for bulk deletion. At least one of Tags,
// OlderThan or ExpiredOnly must be set.
type DeleteCriteria struct {
	Tags        []string      // any-of
	OlderThan   time.Duration // created more than this long ago
	ExpiredOnly bool          // only soft-deleted memories
	ExpiredFor  time.Duration // with ExpiredOnly: expired at least this long ago
	DryRun      bool
}

// DeleteResult reports what a delete removed, or would remove on a dry run.
type DeleteResult struct {
	Count  int      `json:"count"`
	IDs    []string `json:"ids"`
	DryRun bool     `json:"dry_run"`
}

// DeleteByID hard-deletes one memory from ns. An ID that lives in another
// namespace (or nowhere) yields a zero count, not an error.
func (s *Store) DeleteByID(ctx context.Context, ns, id string, dryRun bool) (DeleteResult, error) {
	return s.DeleteByIDs(ctx, ns, []string{id}, dryRun)
}

// DeleteByIDs hard-deletes the listed memories that belong to ns. Edges,
// strength rows, chain membership, region assignments and hot paths are
// removed by foreign-key cascade; vector index rows are removed explicitly.
func (s *Store) DeleteByIDs(ctx context.Context, ns string, ids []string, dryRun bool) (DeleteResult, error) {
	if err := checkNamespace(ns); err != nil {
		return DeleteResult{}, err
	}
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return DeleteResult{}, err
		}
	}
	res := DeleteResult{DryRun: dryRun, IDs: []string{}}
	if len(ids) == 0 {
		return res, nil
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		owned, err := queryStrings(ctx, tx,
			`SELECT id FROM memories WHERE namespace = ? AND id IN (`+placeholders(len(ids))+`) ORDER BY id`,
			append([]any{ns}, stringArgs(ids)...)...)
		if err != nil {
			return fmt.Errorf("store: resolve delete ids: %w", err)
		}
		res.IDs = append(res.IDs, owned...)
		res.Count = len(owned)
		if dryRun || len(owned) == 0 {
			return nil
		}
		return s.deleteOwned(ctx, tx, ns, owned)
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

// DeleteByCriteria hard-deletes every memory in ns matching c.
func (s *Store) DeleteByCriteria(ctx context.Context, ns string, c DeleteCriteria) (DeleteResult, error) {
	if err := checkNamespace(ns); err != nil {
		return DeleteResult{}, err
	}
	if len(c.Tags) == 0 && c.OlderThan <= 0 && !c.ExpiredOnly {
		return DeleteResult{}, errs.Invalid("delete criteria: need tags, an age, or expired-only")
	}
	if c.OlderThan < 0 || c.ExpiredFor < 0 {
		return DeleteResult{}, errs.Invalid("delete criteria: negative duration")
	}

	now := s.Now()
	where := []string{`m.namespace = ?`}
	args := []any{ns}
	if len(c.Tags) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(m.tags) WHERE json_each.value IN (`+placeholders(len(c.Tags))+`))`)
		args = append(args, stringArgs(c.Tags)...)
	}
	if c.OlderThan > 0 {
		where = append(where, `m.created_at < ?`)
		args = append(args, formatTime(now.Add(-c.OlderThan)))
	}
	if c.ExpiredOnly {
		where = append(where, `m.expires_at IS NOT NULL AND m.expires_at <= ?`)
		args = append(args, formatTime(now.Add(-c.ExpiredFor)))
	}

	res := DeleteResult{DryRun: c.DryRun, IDs: []string{}}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryStrings(ctx, tx,
			`SELECT m.id FROM memories m WHERE `+strings.Join(where, " AND ")+` ORDER BY m.id`, args...)
		if err != nil {
			return fmt.Errorf("store: select for delete: %w", err)
		}
		res.IDs = append(res.IDs, ids...)
		res.Count = len(ids)
		if c.DryRun || len(ids) == 0 {
			return nil
		}
		return s.deleteOwned(ctx, tx, ns, ids)
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

func (s *Store) deleteOwned(ctx context.Context, tx *sql.Tx, ns string, ids []string) error {
	if err := deleteVectors(ctx, tx, s.db, ids); err != nil {
		return err
	}
	// Cluster member counts are refreshed on the next clustering pass.
	_, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE namespace = ? AND id IN (`+placeholders(len(ids))+`)`,
		append([]any{ns}, stringArgs(ids)...)...)
	if err != nil {
		return fmt.Errorf("store: delete memories: %w", err)
	}
	return nil
}

// PurgeExpired hard-deletes memories in ns that expired more than olderThan
// ago.
func (s *Store) PurgeExpired(ctx context.Context, ns string, olderThan time.Duration, dryRun bool) (DeleteResult, error) {
	return s.DeleteByCriteria(ctx, ns, DeleteCriteria{ExpiredOnly: true, ExpiredFor: olderThan, DryRun: dryRun})
}
