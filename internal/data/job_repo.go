// Package data implements the core repository ports on PostgreSQL via pgx.
package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrJobNotFound is returned when a job is not found or not visible to the caller's tenant.
	ErrJobNotFound = errors.New("job not found")
	// ErrEndpointNotFound is returned when no endpoint record exists for a (device, protocol) pair.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrJobResultNotFound is returned when a job has no persisted result.
	ErrJobResultNotFound = errors.New("job result not found")
	// ErrJobIDRequired is returned when an operation is missing the job id.
	ErrJobIDRequired = errors.New("job_id is required")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for the device-operation job queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  protocol,
  operation,
  device_id,
  params,
  tenant_id,
  user_id,
  status,
  progress_percent,
  cancel_requested,
  started_at,
  completed_at,
  last_error,
  lease_expires_at,
  created_at,
  updated_at
`
