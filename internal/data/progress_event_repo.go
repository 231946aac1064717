package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsgrid/deviceops/internal/data/pgxutil"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// Advisory lock namespace serializing appends per job.
const advisoryLockProgressMajor int64 = 2102

// ProgressEventRepo persists the per-job append-only progress log. Sequence
// numbers are dense per job: 0, 1, 2, ... with no gaps.
type ProgressEventRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewProgressEventRepo creates a new ProgressEventRepo.
func NewProgressEventRepo(db *sql.DB, cfg RepoConfig) *ProgressEventRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ProgressEventRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

func advisoryLockProgressMinor(jobID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// Append assigns the next sequence number for the job and inserts the event.
// A per-job advisory lock serializes concurrent appends so the MAX(seq)+1
// assignment cannot race.
func (r *ProgressEventRepo) Append(ctx context.Context, event *model.ProgressEvent) (*model.ProgressEvent, error) {
	if event == nil {
		return nil, errors.New("progress event is required")
	}
	if event.JobID == "" {
		return nil, ErrJobIDRequired
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var saved *model.ProgressEvent
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}

			if _, execErr := tx.Exec(ctx,
				"SELECT pg_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockProgressMajor, advisoryLockProgressMinor(event.JobID),
			); execErr != nil {
				return fmt.Errorf("acquire append lock: %w", execErr)
			}

			row := tx.QueryRow(ctx, `
        INSERT INTO progress_events(job_id, seq, tenant_id, phase, percent, message, detail, created_at)
        SELECT $1, COALESCE(MAX(seq) + 1, 0), $2, $3, $4, $5, $6, $7
        FROM progress_events
        WHERE job_id = $1
        RETURNING job_id, seq, tenant_id, phase, percent, message, detail, created_at
      `,
				event.JobID, scope.TenantID, event.Phase, event.Percent,
				event.Message, nullableJSON(event.Detail), r.timeProvider.Now().UTC(),
			)

			var scanErr error
			saved, scanErr = scanProgressEvent(row)
			if scanErr != nil {
				return fmt.Errorf("append progress event: %w", scanErr)
			}
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return saved, nil
}

// ListFrom returns the job's events with seq >= fromSeq in sequence order,
// scoped to the caller's tenant.
func (r *ProgressEventRepo) ListFrom(ctx context.Context, jobID string, fromSeq int64) ([]*model.ProgressEvent, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_id, seq, tenant_id, phase, percent, message, detail, created_at
		FROM progress_events
		WHERE job_id = $1 AND tenant_id = $2 AND seq >= $3
		ORDER BY seq ASC
	`, jobID, scope.TenantID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	defer rows.Close()

	var events []*model.ProgressEvent
	for rows.Next() {
		event, scanErr := scanProgressEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan progress event: %w", scanErr)
		}
		events = append(events, event)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return events, nil
}

// DeleteForJobsBefore removes progress logs belonging to terminal jobs that
// completed before the cutoff. Used by retention sweeps.
func (r *ProgressEventRepo) DeleteForJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM progress_events pe
		USING op_jobs j
		WHERE pe.job_id = j.id
		  AND j.status IN ('completed', 'failed', 'cancelled')
		  AND j.completed_at IS NOT NULL
		  AND j.completed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete progress events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

type progressRowScanner interface {
	Scan(dest ...any) error
}

func scanProgressEvent(scanner progressRowScanner) (*model.ProgressEvent, error) {
	event := &model.ProgressEvent{}
	var message sql.NullString
	var detail []byte
	if err := scanner.Scan(
		&event.JobID,
		&event.Seq,
		&event.TenantID,
		&event.Phase,
		&event.Percent,
		&message,
		&detail,
		&event.CreatedAt,
	); err != nil {
		return nil, err
	}
	if message.Valid {
		event.Message = message.String
	}
	if len(detail) > 0 {
		event.Detail = cloneJSON(detail)
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}
