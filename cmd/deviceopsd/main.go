// Command deviceopsd runs the device-operation execution engine: the worker
// pool and/or the reaper, selected via the SERVICES environment variable.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/bootstrap"
	"github.com/opsgrid/deviceops/internal/devseed"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	cfgPtr := &cfg

	logStartupInfo(ctx, logger, cfgPtr)

	if err = bootstrap.ValidateServiceConfig(cfgPtr); err != nil {
		return err
	}

	db, redisClient, err := initInfrastructure(ctx, cfgPtr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	deps := &bootstrap.ServiceDeps{
		DB:     db,
		Redis:  redisClient,
		Config: cfgPtr,
		Logger: logger,
	}

	services, err := bootstrap.NewServices(deps)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	defer services.Jobs.StopAllListeners()

	if cfg.IsDev {
		if seedErr := devseed.Run(ctx, services.Repos.Endpoints, logger); seedErr != nil {
			logger.WarnContext(ctx, "dev seed failed", "error", seedErr)
		}
	}

	return runServices(ctx, cfgPtr, deps, services, logger)
}

// runServices runs the enabled services under one errgroup and stops them
// all on SIGINT/SIGTERM or the first fatal service error.
func runServices(
	ctx context.Context,
	cfg *config.AppConfig,
	deps *bootstrap.ServiceDeps,
	services bootstrap.ServiceContainer,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	for name, runFn := range bootstrap.EnabledRunners(cfg, deps, services) {
		name, runFn := name, runFn
		logger.InfoContext(ctx, "starting service", "service", name)
		group.Go(func() error {
			if err := runFn(groupCtx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			logger.InfoContext(groupCtx, "service stopped", "service", name)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "shutdown complete")
	return nil
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting deviceops service",
		"db_host", cfg.Postgres.Host,
		"db_port", cfg.Postgres.Port,
		"db_name", cfg.Postgres.Name,
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}

// initInfrastructure connects shared dependencies used by the service runtime.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func initInfrastructure(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
) (*sql.DB, redis.UniversalClient, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      logger,
	})
	if err != nil {
		// Redis only powers cross-process progress fan-out; fall back to the
		// in-process broker rather than refusing to start.
		logger.WarnContext(ctx, "redis unavailable, using in-process progress fan-out", "error", err)
		return db, nil, nil
	}

	return db, redisClient, nil
}
