// Package protocol defines the capability interface every device protocol
// client implements, the normalized configuration clients are built from,
// and the registry the worker uses to construct them per job.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

// WalkPage is one page of a bulk walk. Resume is an opaque cursor; passing
// it to the next Walk call continues where this page stopped. Done marks the
// final page.
type WalkPage struct {
	Pairs  map[string]string
	Resume string
	Done   bool
}

// Client is the uniform capability surface over one protocol session for one
// device. Implementations own their transport lifecycle: connections open
// lazily, close on Close, and are never shared across jobs or tenants.
// Errors carry the operation error taxonomy; transient failures are retried
// inside the client per its configured retry policy.
type Client interface {
	// Get reads the values at the given parameter paths.
	Get(ctx context.Context, paths []string) (map[string]string, error)
	// Set writes the given path/value pairs and reports the outcome per
	// path; a set may partially succeed.
	Set(ctx context.Context, values map[string]string) ([]model.SetPathOutcome, error)
	// Walk reads one page of the subtree rooted at root. An empty resume
	// starts from the beginning.
	Walk(ctx context.Context, root string, pageSize int, resume string) (*WalkPage, error)
	// Operate invokes a named action. Only the USP variant supports it.
	Operate(ctx context.Context, action string, args map[string]string) (map[string]string, error)
	// Close releases the client's transport resources.
	Close() error
}

// Config is the normalized client configuration the resolver produces from a
// stored endpoint record. Credentials live only as long as the job that
// resolved them.
type Config struct {
	Protocol model.ProtocolKind
	DeviceID string
	Address  string
	Port     int
	// Timeout bounds a single protocol call.
	Timeout time.Duration
	// Retry is the client-local transient-failure budget.
	Retry retry.Policy
	// OnRetry runs before each retry attempt; returning an error aborts the
	// retry loop with that error. The worker uses it as a cancellation
	// checkpoint.
	OnRetry retry.Notify
	Auth    model.AuthConfig
	Logger  *slog.Logger
}

// Factory constructs a protocol client from a normalized config.
type Factory func(cfg Config) (Client, error)

// Registry maps protocol kinds to client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.ProtocolKind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.ProtocolKind]Factory)}
}

// Register installs a factory for a protocol kind, replacing any previous one.
func (r *Registry) Register(kind model.ProtocolKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New constructs a client for the config's protocol kind.
func (r *Registry) New(cfg Config) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client factory registered for protocol %s", cfg.Protocol)
	}
	return factory(cfg)
}

// Kinds returns the registered protocol kinds.
func (r *Registry) Kinds() []model.ProtocolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.ProtocolKind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
