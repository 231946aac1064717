package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/opsgrid/deviceops/internal/data/pgxutil"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// jobAddedChannel is the pg_notify channel workers listen on for queue wakeups.
const jobAddedChannel = "op_job_added"

// SQL used by ClaimNext to atomically move the oldest queued job to running.
// FOR UPDATE SKIP LOCKED guarantees exactly one claimant wins a given row.
const claimNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM op_jobs
    WHERE status = 'queued'
    ORDER BY created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE op_jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $1),
    lease_expires_at = $2,
    updated_at = $3
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.protocol, j.operation, j.device_id, j.params, j.tenant_id, j.user_id, j.status, j.progress_percent, j.cancel_requested, j.started_at, j.completed_at, j.last_error, j.lease_expires_at, j.created_at, j.updated_at`

// Create inserts a new queued job and notifies waiting workers. The tenant
// scope in the context must match the request's tenant.
func (r *JobRepo) Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if scope.TenantID != req.TenantID {
		return nil, fmt.Errorf("enqueue tenant %s does not match scope tenant %s", req.TenantID, scope.TenantID)
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}

			rows, qerr := tx.Query(ctx, `
        INSERT INTO op_jobs(protocol, operation, device_id, params, tenant_id, user_id, status)
        VALUES ($1, $2, $3, $4, $5, $6, 'queued')
        RETURNING `+jobColumns, req.Protocol, req.Operation, req.DeviceID, []byte(req.Params), req.TenantID, req.UserID)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, j.ID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}

			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued job under a lease. Claiming
// is queue machinery and runs unscoped; the caller adopts the returned job's
// tenant scope before doing any further work on its behalf.
func (r *JobRepo) ClaimNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, claimNextUpdateSQL, now, leaseExpiresAt, now)
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a job the worker is still executing.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return false, err
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiration := now.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE op_jobs
		SET lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1 AND tenant_id = $2 AND status IN ('running', 'cancelling')
	`, jobID, scope.TenantID, leaseExpiration, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RequestCancel applies a cancellation request and returns the job's status
// after the request. A queued job finalizes straight to cancelled; a running
// job parks in cancelling for the worker's next checkpoint; anything else is
// a no-op. Only the owning tenant's scope can see or cancel the job.
func (r *JobRepo) RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error) {
	if jobID == "" {
		return "", ErrJobIDRequired
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return "", err
	}

	var status model.JobStatus
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}
			now := r.timeProvider.Now().UTC()

			// Queued job: no worker owns it, finalize directly.
			row := tx.QueryRow(ctx, `
				UPDATE op_jobs
				SET status = 'cancelled', cancel_requested = TRUE, completed_at = $3, updated_at = $3
				WHERE id = $1 AND tenant_id = $2 AND status = 'queued'
				RETURNING status
			`, jobID, scope.TenantID, now)
			if scanErr := row.Scan(&status); scanErr == nil {
				return nil
			} else if !errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("cancel queued job: %w", scanErr)
			}

			// Running job: flag it and let the worker observe the request.
			row = tx.QueryRow(ctx, `
				UPDATE op_jobs
				SET status = 'cancelling', cancel_requested = TRUE, updated_at = $3
				WHERE id = $1 AND tenant_id = $2 AND status = 'running'
				RETURNING status
			`, jobID, scope.TenantID, now)
			if scanErr := row.Scan(&status); scanErr == nil {
				return nil
			} else if !errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("cancel running job: %w", scanErr)
			}

			// Already cancelling or terminal: idempotent no-op.
			row = tx.QueryRow(ctx, `
				SELECT status FROM op_jobs WHERE id = $1 AND tenant_id = $2
			`, jobID, scope.TenantID)
			if scanErr := row.Scan(&status); scanErr != nil {
				if errors.Is(scanErr, pgx.ErrNoRows) {
					return ErrJobNotFound
				}
				return fmt.Errorf("load job status: %w", scanErr)
			}
			return nil
		},
	})
	if txErr != nil {
		return "", txErr
	}
	return status, nil
}

// CancelRequested reports whether cancellation has been requested for the job.
// Workers poll this at each checkpoint.
func (r *JobRepo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return false, err
	}

	var requested bool
	err = r.DB.QueryRowContext(ctx, `
		SELECT cancel_requested FROM op_jobs WHERE id = $1 AND tenant_id = $2
	`, jobID, scope.TenantID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel requested: %w", err)
	}
	return requested, nil
}

// SetProgress records the coarse completion estimate for a non-terminal job.
// Progress never decreases.
func (r *JobRepo) SetProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("invalid progress percent: %d", percent)
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx, `
		UPDATE op_jobs
		SET progress_percent = GREATEST(progress_percent, $3),
		    updated_at = $4
		WHERE id = $1 AND tenant_id = $2 AND status IN ('running', 'cancelling')
	`, jobID, scope.TenantID, percent, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a job as completed. Returns false when the job was
// not in an executable state (already terminal, or never claimed).
func (r *JobRepo) MarkCompleted(ctx context.Context, jobID string) (bool, error) {
	return r.finalize(ctx, jobID, model.JobStatusCompleted, nil)
}

// MarkFailed finalizes a job as failed with the terminating error message.
func (r *JobRepo) MarkFailed(ctx context.Context, jobID, errMsg string) (bool, error) {
	return r.finalize(ctx, jobID, model.JobStatusFailed, &errMsg)
}

// MarkCancelled finalizes a job as cancelled after the worker observed the
// cancellation request at a checkpoint.
func (r *JobRepo) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	return r.finalize(ctx, jobID, model.JobStatusCancelled, nil)
}

// finalize moves a running or cancelling job to a terminal state. Completion
// racing a cancellation request is settled here: whichever terminal update
// lands first wins, and no transition ever leaves a terminal state.
func (r *JobRepo) finalize(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) (bool, error) {
	if jobID == "" {
		return false, ErrJobIDRequired
	}
	if !status.Terminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return false, err
	}

	var updated bool
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}
			now := r.timeProvider.Now().UTC()
			tag, execErr := tx.Exec(ctx, `
				UPDATE op_jobs
				SET status = $3,
				    completed_at = $4,
				    updated_at = $4,
				    lease_expires_at = NULL,
				    progress_percent = CASE WHEN $3 = 'completed' THEN 100 ELSE progress_percent END,
				    last_error = $5
				WHERE id = $1 AND tenant_id = $2 AND status IN ('running', 'cancelling')
			`, jobID, scope.TenantID, status, now, errMsg)
			if execErr != nil {
				return fmt.Errorf("finalize job: %w", execErr)
			}
			updated = tag.RowsAffected() > 0
			return nil
		},
	})
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}

// Stats returns counts of jobs in each state for the caller's tenant.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var s model.JobStats
	err = r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')     AS queued,
    count(*) FILTER (WHERE status = 'running')    AS running,
    count(*) FILTER (WHERE status = 'cancelling') AS cancelling,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM op_jobs
  WHERE tenant_id = $1
  `, scope.TenantID).Scan(
		&s.Queued,
		&s.Running,
		&s.Cancelling,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until the queue signals that a job was added or
// the context ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{jobAddedChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobAddedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job visible to the caller's tenant.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var job *model.Job
	err = pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM op_jobs
			WHERE id = $1 AND tenant_id = $2
		`, id, scope.TenantID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		job, qerr = collectJobFromRows(rows)
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListRecent returns the caller tenant's most recently created jobs, newest
// first. Limit is clamped to 1..100.
func (r *JobRepo) ListRecent(ctx context.Context, limit int) ([]*model.Job, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	var jobs []*model.Job
	err = pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM op_jobs
			WHERE tenant_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, scope.TenantID, limit)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	return jobs, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	params                                 []byte
	lastError                              sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Protocol,
		&job.Operation,
		&job.DeviceID,
		&d.params,
		&job.TenantID,
		&job.UserID,
		&job.Status,
		&job.ProgressPercent,
		&job.CancelRequested,
		&d.startedAt,
		&d.completedAt,
		&d.lastError,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Params = cloneJSON(d.params)
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
