package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsgrid/deviceops/internal/data/pgxutil"
)

// Advisory lock keys so only one reaper instance sweeps at a time.
const (
	advisoryLockMajor       int64 = 2101
	advisoryLockFailExpired int64 = 1
	advisoryLockStaleQueued int64 = 2
	advisoryLockRetention   int64 = 3
)

// FailExpired finalizes up to batchSize jobs whose lease expired before the
// given time. Expired jobs are failed rather than requeued: a dead worker
// may already have dispatched a non-idempotent set or operate call, and
// re-executing it against the device is worse than surfacing the failure.
func (r *JobRepo) FailExpired(ctx context.Context, before time.Time, batchSize int) (int, error) {
	now := r.timeProvider.Now().UTC()
	return r.sweep(ctx, advisoryLockFailExpired, `
		UPDATE op_jobs
		SET status = 'failed',
		    last_error = 'worker lease expired',
		    completed_at = $1,
		    updated_at = $1,
		    lease_expires_at = NULL
		WHERE id IN (
		  SELECT id FROM op_jobs
		  WHERE status IN ('running', 'cancelling')
		    AND lease_expires_at IS NOT NULL
		    AND lease_expires_at < $2
		  LIMIT $3
		  FOR UPDATE SKIP LOCKED
		)
	`, now, before.UTC(), normalizeBatchSize(batchSize))
}

// FailStaleQueued finalizes up to batchSize jobs that sat queued past the
// retention horizon without ever being claimed.
func (r *JobRepo) FailStaleQueued(ctx context.Context, olderThan time.Time, batchSize int) (int, error) {
	now := r.timeProvider.Now().UTC()
	return r.sweep(ctx, advisoryLockStaleQueued, `
		UPDATE op_jobs
		SET status = 'failed',
		    last_error = 'queued past retention limit',
		    completed_at = $1,
		    updated_at = $1
		WHERE id IN (
		  SELECT id FROM op_jobs
		  WHERE status = 'queued'
		    AND created_at < $2
		  LIMIT $3
		  FOR UPDATE SKIP LOCKED
		)
	`, now, olderThan.UTC(), normalizeBatchSize(batchSize))
}

// DeleteTerminalBefore removes up to batchSize terminal jobs that completed
// before the cutoff. Results and progress events go with them via
// ON DELETE CASCADE.
func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return r.sweep(ctx, advisoryLockRetention, `
		DELETE FROM op_jobs
		WHERE id IN (
		  SELECT id FROM op_jobs
		  WHERE status IN ('completed', 'failed', 'cancelled')
		    AND completed_at IS NOT NULL
		    AND completed_at < $1
		  LIMIT $2
		  FOR UPDATE SKIP LOCKED
		)
	`, cutoff.UTC(), normalizeBatchSize(batchSize))
}

// sweep runs one reaper statement under a transaction-scoped advisory lock.
// A second reaper instance observing the lock held skips the sweep instead
// of queueing behind it.
func (r *JobRepo) sweep(ctx context.Context, lockKey int64, query string, args ...any) (int, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockMajor, lockKey,
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("run sweep: %w", err)
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
	return int(rowsAffected), nil
}

func normalizeBatchSize(batchSize int) int {
	if batchSize < 1 {
		return 1000
	}
	return batchSize
}
