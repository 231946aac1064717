// Package worker pulls device-operation jobs off the queue and executes
// them against protocol clients, publishing progress and persisting results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/core"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/observability/statsd"
	"github.com/opsgrid/deviceops/internal/progress"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/service"
)

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Jobs     *service.JobService      // Required: job service
	Resolver *service.Resolver        // Required: endpoint resolver
	Registry *protocol.Registry       // Required: protocol client registry
	Progress *progress.Publisher      // Required: progress event publisher
	Results  core.JobResultRepository // Required: job result repository

	Worker   config.WorkerConfig   // Worker pool settings
	Protocol config.ProtocolConfig // Per-call protocol defaults

	Logger  *slog.Logger // Optional: structured logger
	Metrics statsd.Sink  // Optional: metrics sink (StatsD-compatible)
}

// Runner claims jobs and executes them with a bounded pool of worker
// goroutines. Workers sleep on queue wakeups rather than polling; a wakeup
// is a hint and a failed claim just puts the worker back to sleep.
type Runner struct {
	jobs     *service.JobService
	resolver *service.Resolver
	registry *protocol.Registry
	progress *progress.Publisher
	results  core.JobResultRepository
	worker   config.WorkerConfig
	protocol config.ProtocolConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("Resolver is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("protocol Registry is required")
	}
	if opts.Progress == nil {
		return nil, errors.New("progress Publisher is required")
	}
	if opts.Results == nil {
		return nil, errors.New("JobResultRepository is required")
	}

	opts.Worker.Sanitize()
	opts.Protocol.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_runner")

	return &Runner{
		jobs:     opts.Jobs,
		resolver: opts.Resolver,
		registry: opts.Registry,
		progress: opts.Progress,
		results:  opts.Results,
		worker:   opts.Worker,
		protocol: opts.Protocol,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker runner",
		"workers", r.worker.Concurrency,
		"lease", r.worker.JobLease,
		"job_deadline", r.worker.JobDeadline,
	)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, wakeups := r.jobs.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for i := 0; i < r.worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, wakeups); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, wakeups <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ClaimNext(ctx, r.worker.JobLease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWakeup(ctx, wakeups) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("claim next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForWakeup(ctx context.Context, wakeups <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-wakeups:
		return ok
	}
}

// startHeartbeat extends the job lease periodically while the job is in
// flight. The returned stop function blocks until the heartbeat goroutine
// has exited.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.worker.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				updated, err := r.jobs.Heartbeat(ctx, jobID, r.worker.JobLease)
				if err != nil {
					r.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
					continue
				}
				if !updated {
					// The lease is gone: the reaper considered this worker
					// dead. Keep working; finalization will report what
					// happened either way.
					r.logger.WarnContext(ctx, "job lease no longer held", "job_id", jobID)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}
