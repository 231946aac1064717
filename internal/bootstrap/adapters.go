package bootstrap

import (
	"context"
	"fmt"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/adapters/worker"
)

// RunWorker starts the device-operation worker pool and blocks until the
// context ends or a worker hits a fatal error.
func RunWorker(ctx context.Context, deps *ServiceDeps, services ServiceContainer) error {
	runner, err := worker.NewRunner(worker.RunnerOptions{
		Jobs:     services.Jobs,
		Resolver: services.Resolver,
		Registry: services.Registry,
		Progress: services.Progress,
		Results:  services.Repos.Results,
		Worker:   deps.Config.Worker,
		Protocol: deps.Config.Protocol,
		Logger:   deps.Logger,
		Metrics:  services.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run worker: %w", runErr)
	}
	return nil
}

// RunReaper starts the periodic lease-recovery and retention sweeps and
// blocks until the context ends.
func RunReaper(ctx context.Context, services ServiceContainer) error {
	if runErr := services.Reaper.Run(ctx); runErr != nil {
		return fmt.Errorf("run reaper: %w", runErr)
	}
	return nil
}

// EnabledRunners maps the configured service modes onto their run functions.
func EnabledRunners(cfg *config.AppConfig, deps *ServiceDeps, services ServiceContainer) map[string]func(context.Context) error {
	runners := make(map[string]func(context.Context) error, 2)
	if cfg.IsWorkerEnabled() {
		runners["worker"] = func(ctx context.Context) error {
			return RunWorker(ctx, deps, services)
		}
	}
	if cfg.IsReaperEnabled() {
		runners["reaper"] = func(ctx context.Context) error {
			return RunReaper(ctx, services)
		}
	}
	return runners
}
