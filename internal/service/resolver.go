package service

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/core"
	"github.com/opsgrid/deviceops/internal/data"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

// ResolverOptions groups dependencies for Resolver.
type ResolverOptions struct {
	Endpoints core.EndpointRepository // Required: endpoint repository
	Protocol  config.ProtocolConfig   // Per-call defaults applied when the endpoint does not override them
	Logger    *slog.Logger            // Optional: structured logger
}

// Resolver turns a (device, protocol) pair into the normalized client
// configuration a protocol client is built from. Resolution happens fresh
// per job: credentials are read from storage at claim time and live only in
// the returned config, never in a cache.
type Resolver struct {
	endpoints core.EndpointRepository
	protocol  config.ProtocolConfig
	logger    *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Endpoints == nil {
		return nil, goerrors.New("EndpointRepository is required")
	}

	opts.Protocol.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "endpoint_resolver")
	}

	return &Resolver{
		endpoints: opts.Endpoints,
		protocol:  opts.Protocol,
		logger:    logger,
	}, nil
}

// Resolve reads the endpoint record for the tenant in ctx and builds the
// client config for it. A missing or disabled endpoint surfaces as an
// endpoint_not_configured operation error; the worker persists it without
// any protocol traffic.
func (r *Resolver) Resolve(
	ctx context.Context,
	deviceID string,
	kind model.ProtocolKind,
) (*protocol.Config, error) {
	endpoint, err := r.endpoints.GetForDevice(ctx, deviceID, kind)
	if err != nil {
		if goerrors.Is(err, data.ErrEndpointNotFound) {
			return nil, errors.OpEndpointNotConfigured(
				fmt.Sprintf("no %s endpoint configured for device %s", kind, deviceID),
			)
		}
		return nil, fmt.Errorf("resolve endpoint for device %s: %w", deviceID, err)
	}

	if !endpoint.Enabled {
		return nil, errors.OpEndpointNotConfigured(
			fmt.Sprintf("%s endpoint for device %s is disabled", kind, deviceID),
		)
	}

	if err := endpoint.Auth.Validate(); err != nil {
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("stored credentials for device %s are invalid", deviceID), err,
		)
	}

	cfg := &protocol.Config{
		Protocol: endpoint.Protocol,
		DeviceID: endpoint.DeviceID,
		Address:  endpoint.Address,
		Port:     endpoint.Port,
		Timeout:  r.protocol.CallTimeout,
		Retry: retry.Policy{
			MaxAttempts: r.protocol.RetryMaxAttempts,
			BaseDelay:   r.protocol.RetryBaseDelay,
		},
		Auth: endpoint.Auth,
	}

	if endpoint.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(endpoint.TimeoutMS) * time.Millisecond
	}
	if endpoint.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = endpoint.MaxAttempts
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "endpoint resolved",
			"device_id", endpoint.DeviceID,
			"protocol", endpoint.Protocol,
			"timeout", cfg.Timeout,
			"max_attempts", cfg.Retry.MaxAttempts,
		)
	}

	return cfg, nil
}
