package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the device-operation worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for lease recovery and cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines pulling from the queue.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// JobLease is the duration a claimed job is leased to a worker. The
	// worker heartbeats to extend it; an expired lease marks the worker dead.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"30s"`

	// HeartbeatInterval is how often a worker extends the lease on a
	// long-running job. Must be well under JobLease.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// JobDeadline bounds the total wall-clock time spent on one job,
	// including all client-local retries and backoff waits.
	JobDeadline time.Duration `env:"WORKER_JOB_DEADLINE" envDefault:"5m"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.HeartbeatInterval <= 0 || w.HeartbeatInterval >= w.JobLease {
		w.HeartbeatInterval = w.JobLease / 3
	}
	if w.JobDeadline < w.JobLease {
		w.JobDeadline = w.JobLease
	}
}

// ProtocolConfig contains the per-protocol-call defaults applied when an
// endpoint record does not override them.
type ProtocolConfig struct {
	// CallTimeout bounds a single protocol call.
	CallTimeout time.Duration `env:"PROTOCOL_CALL_TIMEOUT" envDefault:"5s"`

	// RetryMaxAttempts is the client-local transient-failure budget.
	RetryMaxAttempts int `env:"PROTOCOL_RETRY_MAX_ATTEMPTS" envDefault:"3"`

	// RetryBaseDelay is the first backoff delay; each retry doubles it.
	RetryBaseDelay time.Duration `env:"PROTOCOL_RETRY_BASE_DELAY" envDefault:"200ms"`

	// SNMPMaxRepetitions is the GetBulk page size for SNMP bulk walks.
	SNMPMaxRepetitions int `env:"PROTOCOL_SNMP_MAX_REPETITIONS" envDefault:"25"`
}

// Sanitize applies guardrails to protocol configuration values.
func (p *ProtocolConfig) Sanitize() {
	if p.CallTimeout <= 0 {
		p.CallTimeout = 5 * time.Second
	}
	if p.RetryMaxAttempts < 1 {
		p.RetryMaxAttempts = 1
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = 200 * time.Millisecond
	}
	if p.SNMPMaxRepetitions < 1 {
		p.SNMPMaxRepetitions = 25
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// QueuedMaxAge is the maximum age for queued jobs before they are marked
	// as failed. Jobs stuck in the queue longer than this will never run.
	QueuedMaxAge time.Duration `env:"REAPER_QUEUED_MAX_AGE" envDefault:"1h"`

	// TerminalMaxAge is the maximum age for terminal jobs before deletion,
	// together with their results and progress events.
	TerminalMaxAge time.Duration `env:"REAPER_TERMINAL_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.QueuedMaxAge < 5*time.Minute {
		r.QueuedMaxAge = 5 * time.Minute
	}
	if r.TerminalMaxAge < 1*time.Hour {
		r.TerminalMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
