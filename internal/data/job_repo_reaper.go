package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Two-arg pg_try_advisory_xact_lock(major, minor); major 4100 is reserved for the dispatch reaper.
const (
	advisoryLockReaperMajor  = 4100
	advisoryLockReaperDelete = 1
)

// DeleteTerminalBefore deletes up to BatchSize unqueued jobs in the given
// statuses last updated before the cutoff. Concurrent reapers skip the pass
// instead of blocking. Returns the number of jobs deleted.
func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, params core.DeleteTerminalParams) (int64, error) {
	if len(params.Statuses) == 0 {
		return 0, errors.New("at least one status is required")
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	statuses := make([]string, len(params.Statuses))
	for i, s := range params.Statuses {
		if !s.Valid() {
			return 0, fmt.Errorf("invalid job status: %s", s)
		}
		statuses[i] = string(s)
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				r.logger.DebugContext(ctx, "reaper lock held elsewhere, skipping pass")
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = ANY($1)
					  AND queue_ref IS NULL
					  AND updated_at < $2
					ORDER BY updated_at
					LIMIT $3
				)
			`, statuses, params.Before.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete terminal jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
