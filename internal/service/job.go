package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsgrid/deviceops/internal/core"
	domainjob "github.com/opsgrid/deviceops/internal/domain/job"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/observability/notify"
	"github.com/opsgrid/deviceops/internal/progress"
	"github.com/opsgrid/deviceops/internal/service/failurenotifier"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Results         core.JobResultRepository  // Required: job result repository
	DefaultLease    time.Duration             // Required: default lease duration for claimed jobs
	Progress        *progress.Publisher       // Optional: progress event publisher
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for device-operation jobs.
//
// This service manages:
// - Enqueue, status, and result reads scoped by the caller's tenant
// - Cooperative cancellation requests
// - Job claiming and lease management for workers
// - Pub/sub notification of queue availability
// - Graceful shutdown of background listeners.
type JobService struct {
	repo            core.JobRepository
	results         core.JobResultRepository
	progress        *progress.Publisher
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Results == nil {
		return nil, errors.New("JobResultRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:            opts.Repo,
		results:         opts.Results,
		progress:        opts.Progress,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Enqueue accepts a device operation, persists it as a queued job, and
// returns immediately with the job id. The first progress event of the job's
// log is appended here, before any worker sees the job.
func (s *JobService) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate enqueue request: %w", err)
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.publishPhase(ctx, job, model.PhaseQueued, 0, "")

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job enqueued",
			"id", job.ID,
			"protocol", job.Protocol,
			"operation", job.Operation,
			"device_id", job.DeviceID,
		)
	}

	return job, nil
}

// ClaimNext claims the next queued job for a worker under a lease.
func (s *JobService) ClaimNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	seconds, clamped := s.leasePolicy.Resolve(lease)
	if clamped && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", lease)
	}

	job, err := s.repo.ClaimNext(ctx, seconds)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"id", job.ID,
			"protocol", job.Protocol,
			"operation", job.Operation,
			"lease_seconds", seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for queue availability wakeups.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context) error {
	return s.repo.WaitForNotification(ctx)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	seconds, clamped := s.leasePolicy.Resolve(extend)
	if clamped && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", extend,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", seconds)
	}

	return updated, nil
}

// RequestCancel requests cooperative cancellation of a job. Against a queued
// job the transition to cancelled happens here, including the terminal
// result and progress event; against a running job only the flag flips and
// the executing worker finalises at its next checkpoint. Terminal jobs are
// left untouched. The returned status is the job's status after the call.
func (s *JobService) RequestCancel(ctx context.Context, id string) (model.JobStatus, error) {
	status, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return "", fmt.Errorf("request cancel for job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "cancel requested", "id", id, "status", status)
	}

	// A queued job never reached a worker, so nobody else will write its
	// terminal record.
	if status == model.JobStatusCancelled {
		s.recordPreClaimCancel(ctx, id)
	}

	return status, nil
}

// recordPreClaimCancel writes the terminal result and progress event for a
// job cancelled before any worker claimed it.
func (s *JobService) recordPreClaimCancel(ctx context.Context, id string) {
	scope, _ := tenant.FromContext(ctx)

	result := &model.JobResult{
		JobID:        id,
		TenantID:     scope.TenantID,
		Success:      false,
		ErrorKind:    "cancelled",
		ErrorMessage: "cancelled before execution",
	}
	if err := s.results.Insert(ctx, result); err != nil && s.logger != nil {
		// Insert is once-only; a conflict means the record already exists.
		s.logger.WarnContext(ctx, "record pre-claim cancel result failed",
			"job_id", id, "error", err)
	}

	s.publishPhase(ctx, &model.Job{ID: id, TenantID: scope.TenantID}, model.PhaseCancelled, 0, "cancelled before execution")
}

// CancelRequested reports whether cancellation has been requested for a job.
// Workers poll this at checkpoints.
func (s *JobService) CancelRequested(ctx context.Context, id string) (bool, error) {
	requested, err := s.repo.CancelRequested(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check cancel requested for job %s: %w", id, err)
	}
	return requested, nil
}

// SetProgress persists the coarse completion percentage on the job row.
func (s *JobService) SetProgress(ctx context.Context, id string, percent int) error {
	if err := s.repo.SetProgress(ctx, id, percent); err != nil {
		return fmt.Errorf("set progress for job %s: %w", id, err)
	}
	return nil
}

// Complete marks a job as completed successfully.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.MarkCompleted(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	ErrorKind  string
	Metadata   map[string]string
	Severity   string
	OccurredAt time.Time
}

// Fail marks a job as failed with the given error message.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// FailWithDetails marks a job as failed and propagates optional metadata to the notifier.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	id, errMsg string,
	details JobFailureDetails,
) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier != nil {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", id, "error", err)
		}
	}

	failed, err := s.repo.MarkFailed(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	if failed && s.failureNotifier != nil {
		payload := buildJobFailurePayload(id, job, errMsg, details)
		s.failureNotifier.NotifyJobFailure(ctx, payload)
	}

	return failed, nil
}

// MarkCancelled finalises a running or cancelling job as cancelled.
func (s *JobService) MarkCancelled(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark job %s cancelled: %w", id, err)
	}

	if s.logger != nil && cancelled {
		s.logger.DebugContext(ctx, "job cancelled", "id", id)
	}

	return cancelled, nil
}

// GetStatus returns the status information for a specific job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusResponse{
		ID:              job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CancelRequested: job.CancelRequested,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		LastError:       job.LastError,
	}, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetResult returns the persisted result of a terminal job.
func (s *JobService) GetResult(ctx context.Context, id string) (*model.JobResult, error) {
	result, err := s.results.GetByJobID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get result for job %s: %w", id, err)
	}
	return result, nil
}

// StreamProgress returns the job's ordered progress events from fromSeq on:
// persisted history first, then the live tail. The channel closes after a
// terminal event.
func (s *JobService) StreamProgress(
	ctx context.Context,
	id string,
	fromSeq int64,
) (<-chan *model.ProgressEvent, func(), error) {
	if s.progress == nil {
		return nil, nil, errors.New("progress publisher not configured")
	}
	return s.progress.Stream(ctx, id, fromSeq)
}

// Stats returns statistics about jobs in each state.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListRecent returns the caller tenant's newest jobs for operator views.
func (s *JobService) ListRecent(ctx context.Context, limit int) ([]*model.Job, error) {
	jobs, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	return jobs, nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *JobService) publishPhase(
	ctx context.Context,
	job *model.Job,
	phase model.ProgressPhase,
	percent int,
	message string,
) {
	if s.progress == nil {
		return
	}
	_, err := s.progress.Publish(ctx, &model.ProgressEvent{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Phase:    phase,
		Percent:  percent,
		Message:  message,
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "publish progress event failed",
			"job_id", job.ID,
			"phase", phase,
			"error", err,
		)
	}
}

func buildJobFailurePayload(
	id string,
	job *model.Job,
	errMsg string,
	details JobFailureDetails,
) notify.JobFailurePayload {
	payload := notify.JobFailurePayload{
		JobID:      id,
		Error:      errMsg,
		ErrorKind:  details.ErrorKind,
		Severity:   details.Severity,
		OccurredAt: details.OccurredAt,
		Metadata:   copyMetadata(details.Metadata),
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}

	if job != nil {
		payload.Protocol = string(job.Protocol)
		payload.Operation = string(job.Operation)
		payload.DeviceID = job.DeviceID
		payload.TenantID = job.TenantID
	}

	return payload
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}
