package bootstrap

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/core"
	"github.com/opsgrid/deviceops/internal/data"
	"github.com/opsgrid/deviceops/internal/observability/notify/pagerduty"
	"github.com/opsgrid/deviceops/internal/observability/notify/slack"
	"github.com/opsgrid/deviceops/internal/observability/statsd"
	"github.com/opsgrid/deviceops/internal/progress"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/clients"
	"github.com/opsgrid/deviceops/internal/service"
	"github.com/opsgrid/deviceops/internal/service/failurenotifier"
)

// ServiceContainer bundles the constructed services and their shared
// infrastructure for the entrypoint to run.
type ServiceContainer struct {
	Jobs     *service.JobService
	Resolver *service.Resolver
	Reaper   *service.ReaperService
	Progress *progress.Publisher
	Registry *protocol.Registry

	Repos         *Repositories
	Observability ObservabilityContainer
}

// ObservabilityContainer carries the metrics sink and failure notifier built
// from observability configuration.
type ObservabilityContainer struct {
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Repositories groups the Postgres-backed repository adapters.
type Repositories struct {
	Jobs      *data.JobRepo
	Results   *data.JobResultRepo
	Endpoints *data.EndpointRepo
	Events    *data.ProgressEventRepo
}

// ServiceDeps groups the external dependencies services are built from.
type ServiceDeps struct {
	DB     *sql.DB
	Redis  redis.UniversalClient
	Config *config.AppConfig
	Logger *slog.Logger
}

// NewServices wires repositories, observability, and domain services from
// the shared dependencies.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	observability := buildObservability(deps.Logger, deps.Config.Observability)

	repos, err := buildRepositories(deps)
	if err != nil {
		return ServiceContainer{}, err
	}

	publisher, err := progress.NewPublisher(progress.PublisherOptions{
		Events:      repos.Events,
		Broadcaster: buildBroadcaster(deps),
		Logger:      deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            repos.Jobs,
		Results:         repos.Results,
		DefaultLease:    deps.Config.Worker.JobLease,
		Progress:        publisher,
		Logger:          deps.Logger,
		FailureNotifier: observability.FailureNotifier,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	resolver, err := service.NewResolver(service.ResolverOptions{
		Endpoints: repos.Endpoints,
		Protocol:  deps.Config.Protocol,
		Logger:    deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repos.Jobs,
		Events:  repos.Events,
		Config:  deps.Config.Reaper,
		Logger:  deps.Logger,
		Metrics: observability.Metrics,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Jobs:          jobs,
		Resolver:      resolver,
		Reaper:        reaper,
		Progress:      publisher,
		Registry:      clients.NewRegistry(),
		Repos:         repos,
		Observability: observability,
	}, nil
}

func buildRepositories(deps *ServiceDeps) (*Repositories, error) {
	repoCfg := data.RepoConfig{Logger: deps.Logger}

	endpoints, err := data.NewEndpointRepo(deps.DB, data.EndpointRepoConfig{
		Encryptor: CreateEncryptor(deps.Config.EncryptionKey, deps.Logger),
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Jobs:      data.NewJobRepo(deps.DB, repoCfg),
		Results:   data.NewJobResultRepo(deps.DB, repoCfg),
		Endpoints: endpoints,
		Events:    data.NewProgressEventRepo(deps.DB, repoCfg),
	}, nil
}

// buildBroadcaster picks the cross-process Redis fan-out when Redis is
// available and falls back to the in-process broker. Durable progress
// history lives in Postgres either way; the broadcaster only affects live
// tail latency across processes.
//
//nolint:ireturn // broadcaster selection happens at runtime
func buildBroadcaster(deps *ServiceDeps) core.ProgressBroadcaster {
	if deps.Redis != nil {
		return progress.NewRedisBroadcaster(deps.Redis, deps.Logger)
	}
	return progress.NewBroker()
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Metrics.IsEnabled(),
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  "deviceops",
		Logger:  baseLogger,
	})
	if err != nil {
		baseLogger.Error("failed to initialise statsd client, metrics disabled", "error", err)
		metrics, _ = statsd.NewClient(statsd.Config{Enabled: false, Logger: baseLogger})
	}

	return ObservabilityContainer{
		Metrics:         metrics,
		FailureNotifier: buildFailureNotifier(baseLogger, cfg.Notifications),
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}
