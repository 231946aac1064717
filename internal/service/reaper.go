package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/core"
	obserrors "github.com/opsgrid/deviceops/internal/observability/errors"
	"github.com/opsgrid/deviceops/internal/observability/metrics"
	"github.com/opsgrid/deviceops/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository        // Required: reaper sweep repository
	Events  core.ProgressEventRepository // Optional: progress log retention
	Config  config.ReaperConfig          // Required: reaper configuration
	Logger  *slog.Logger                 // Optional: structured logger
	Metrics statsd.Sink                  // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides queue hygiene operations.
//
// This service manages:
// - Failing running jobs whose worker lease expired (the worker died).
// - Failing queued jobs that aged out without ever being claimed.
// - Deleting old terminal jobs with their results and progress logs.
type ReaperService struct {
	repo    core.ReaperRepository
	events  core.ProgressEventRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"queued_max_age", opts.Config.QueuedMaxAge,
			"terminal_max_age", opts.Config.TerminalMaxAge,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		events:  opts.Events,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// It performs cleanup operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run cleanup immediately after jitter
	if err := s.RunCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the cleanup loop until context is cancelled.
func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

// RunCleanup performs one full sweep of all cleanup operations.
func (s *ReaperService) RunCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		metricsData        = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.failExpiredLeases,
			label:     "fail expired-lease jobs",
			count:     &metricsData.ExpiredCount,
			metricErr: &metricsData.ExpiredErr,
		},
		{
			fn:        s.failStaleQueuedJobs,
			label:     "fail stale queued jobs",
			count:     &metricsData.StaleQueuedCount,
			metricErr: &metricsData.StaleQueuedErr,
		},
		{
			fn:        s.trimProgressEvents,
			label:     "trim old progress events",
			count:     &metricsData.EventsCount,
			metricErr: &metricsData.EventsErr,
		},
		{
			fn:        s.deleteOldTerminalJobs,
			label:     "delete old terminal jobs",
			count:     &metricsData.TerminalCount,
			metricErr: &metricsData.TerminalErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	metricsData.Elapsed = time.Since(start)
	s.emitCleanupMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	count     *int64
	metricErr *error
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// failExpiredLeases fails running jobs whose worker lease expired. The job
// is failed rather than requeued because a dead worker may already have
// dispatched a non-idempotent device call.
func (s *ReaperService) failExpiredLeases(ctx context.Context) (int64, error) {
	totalCount, err := s.batchSweep(ctx, func(ctx context.Context) (int, error) {
		return s.repo.FailExpired(ctx, time.Now(), s.config.BatchSize)
	})
	if err != nil {
		return totalCount, err
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed expired-lease jobs", "count", totalCount)
	}

	return totalCount, nil
}

// failStaleQueuedJobs fails queued jobs older than the configured max age.
func (s *ReaperService) failStaleQueuedJobs(ctx context.Context) (int64, error) {
	olderThan := time.Now().Add(-s.config.QueuedMaxAge)
	totalCount, err := s.batchSweep(ctx, func(ctx context.Context) (int, error) {
		return s.repo.FailStaleQueued(ctx, olderThan, s.config.BatchSize)
	})
	if err != nil {
		return totalCount, err
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale queued jobs",
			"count", totalCount,
			"max_age", s.config.QueuedMaxAge,
		)
	}

	return totalCount, nil
}

// trimProgressEvents drops progress logs of terminal jobs past retention
// ahead of job deletion, keeping the high-volume table lean between sweeps.
func (s *ReaperService) trimProgressEvents(ctx context.Context) (int64, error) {
	if s.events == nil {
		return 0, nil
	}

	cutoff := time.Now().Add(-s.config.TerminalMaxAge)
	count, err := s.events.DeleteForJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "trimmed old progress events", "count", count)
	}

	return int64(count), nil
}

// deleteOldTerminalJobs deletes terminal jobs older than the configured max
// age; results and remaining progress events cascade with them.
func (s *ReaperService) deleteOldTerminalJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.TerminalMaxAge)
	totalCount, err := s.batchSweep(ctx, func(ctx context.Context) (int, error) {
		return s.repo.DeleteTerminalBefore(ctx, cutoff, s.config.BatchSize)
	})
	if err != nil {
		return totalCount, err
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old terminal jobs",
			"count", totalCount,
			"max_age", s.config.TerminalMaxAge,
		)
	}

	return totalCount, nil
}

// batchSweep loops one sweep until it reports no more rows, checking the
// context between batches.
func (s *ReaperService) batchSweep(
	ctx context.Context,
	sweep func(context.Context) (int, error),
) (int64, error) {
	var totalCount int64
	for {
		count, err := sweep(ctx)
		if err != nil {
			return totalCount, err
		}
		totalCount += int64(count)
		if count == 0 {
			return totalCount, nil
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}
}

type cleanupMetrics struct {
	ExpiredCount     int64
	ExpiredErr       error
	StaleQueuedCount int64
	StaleQueuedErr   error
	EventsCount      int64
	EventsErr        error
	TerminalCount    int64
	TerminalErr      error
	Elapsed          time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.ExpiredCount + m.StaleQueuedCount + m.EventsCount + m.TerminalCount
	firstErr := firstError(m.ExpiredErr, m.StaleQueuedErr, m.EventsErr, m.TerminalErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitCleanupOperationMetric("fail_expired_lease", m.ExpiredCount, m.ExpiredErr)
	s.emitCleanupOperationMetric("fail_stale_queued", m.StaleQueuedCount, m.StaleQueuedErr)
	s.emitCleanupOperationMetric("trim_progress_events", m.EventsCount, m.EventsErr)
	s.emitCleanupOperationMetric("delete_terminal", m.TerminalCount, m.TerminalErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
