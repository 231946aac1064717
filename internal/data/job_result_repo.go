package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/data/pgxutil"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// JobResultRepo persists terminal job outcomes. Results are insert-once: the
// unique index on job_id makes a second insert a conflict, never an
// overwrite.
type JobResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobResultRepo creates a new JobResultRepo.
func NewJobResultRepo(db *sql.DB, cfg RepoConfig) *JobResultRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobResultRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobResultColumns = `
  id,
  job_id,
  tenant_id,
  success,
  output,
  error_kind,
  error_message,
  effect_uncertain,
  endpoint,
  attempts,
  created_at
`

// Insert persists the result for a job reaching a terminal state.
func (r *JobResultRepo) Insert(ctx context.Context, result *model.JobResult) error {
	if result == nil {
		return errors.New("job result is required")
	}
	if result.JobID == "" {
		return ErrJobIDRequired
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return err
	}
	if scope.TenantID != result.TenantID {
		return fmt.Errorf("result tenant %s does not match scope tenant %s", result.TenantID, scope.TenantID)
	}

	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}
			_, execErr := tx.Exec(ctx, `
        INSERT INTO op_job_results(job_id, tenant_id, success, output, error_kind, error_message, effect_uncertain, endpoint, attempts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
      `,
				result.JobID,
				result.TenantID,
				result.Success,
				nullableJSON(result.Output),
				result.ErrorKind,
				result.ErrorMessage,
				result.EffectUncertain,
				nullableJSON(result.Endpoint),
				result.Attempts,
			)
			return execErr
		},
	})
	if txErr != nil {
		return apperrors.MapDBError(txErr)
	}
	return nil
}

// GetByJobID retrieves the result for a job, scoped to the caller's tenant.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	result := &model.JobResult{}
	var output, endpoint []byte
	err = r.DB.QueryRowContext(ctx, `
		SELECT `+jobResultColumns+`
		FROM op_job_results
		WHERE job_id = $1 AND tenant_id = $2
	`, jobID, scope.TenantID).Scan(
		&result.ID,
		&result.JobID,
		&result.TenantID,
		&result.Success,
		&output,
		&result.ErrorKind,
		&result.ErrorMessage,
		&result.EffectUncertain,
		&endpoint,
		&result.Attempts,
		&result.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}

	if len(output) > 0 {
		result.Output = cloneJSON(output)
	}
	if len(endpoint) > 0 {
		result.Endpoint = cloneJSON(endpoint)
	}
	return result, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
