package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/data"
	"github.com/opsgrid/deviceops/internal/domain/model"
	operrors "github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/mocks"
)

func newTestResolver(t *testing.T, endpoints *mocks.MockEndpointRepository) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverOptions{
		Endpoints: endpoints,
		Protocol: config.ProtocolConfig{
			CallTimeout:        5 * time.Second,
			RetryMaxAttempts:   3,
			RetryBaseDelay:     200 * time.Millisecond,
			SNMPMaxRepetitions: 25,
		},
	})
	require.NoError(t, err)
	return resolver
}

func snmpEndpoint() *model.ProtocolEndpoint {
	return &model.ProtocolEndpoint{
		ID:       "ep-1",
		TenantID: "tenant-1",
		DeviceID: "device-1",
		Protocol: model.ProtocolSNMP,
		Address:  "192.0.2.10",
		Port:     161,
		Enabled:  true,
		Auth: model.AuthConfig{
			Kind:      model.AuthKindCommunity,
			Community: &model.CommunityAuth{Community: "public"},
		},
	}
}

func TestNewResolver_RequiresEndpointRepository(t *testing.T) {
	_, err := NewResolver(ResolverOptions{})
	require.Error(t, err)
}

func TestResolver_Resolve(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolSNMP).
		Return(snmpEndpoint(), nil)

	cfg, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolSNMP)
	require.NoError(t, err)

	assert.Equal(t, model.ProtocolSNMP, cfg.Protocol)
	assert.Equal(t, "device-1", cfg.DeviceID)
	assert.Equal(t, "192.0.2.10", cfg.Address)
	assert.Equal(t, 161, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, model.AuthKindCommunity, cfg.Auth.Kind)
}

func TestResolver_Resolve_EndpointOverrides(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	endpoint := snmpEndpoint()
	endpoint.TimeoutMS = 1500
	endpoint.MaxAttempts = 5

	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolSNMP).
		Return(endpoint, nil)

	cfg, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolSNMP)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestResolver_Resolve_MissingEndpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolUSP).
		Return(nil, data.ErrEndpointNotFound)

	cfg, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolUSP)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.True(t, operrors.IsOpKind(err, operrors.KindEndpointNotConfigured))
}

func TestResolver_Resolve_DisabledEndpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	endpoint := snmpEndpoint()
	endpoint.Enabled = false

	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolSNMP).
		Return(endpoint, nil)

	_, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolSNMP)
	require.Error(t, err)
	assert.True(t, operrors.IsOpKind(err, operrors.KindEndpointNotConfigured))
}

func TestResolver_Resolve_InvalidStoredCredentials(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	endpoint := snmpEndpoint()
	endpoint.Auth = model.AuthConfig{
		Kind: model.AuthKindUSM,
		USM: &model.USMAuth{
			Username: "ops",
			Level:    model.USMLevelAuthPriv,
			// Missing protocols and passphrases for authPriv.
		},
	}

	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolSNMP).
		Return(endpoint, nil)

	_, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolSNMP)
	require.Error(t, err)
	assert.True(t, operrors.IsOpKind(err, operrors.KindAuthFailure))
}

func TestResolver_Resolve_RepositoryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	endpoints := mocks.NewMockEndpointRepository(ctrl)
	resolver := newTestResolver(t, endpoints)

	repoErr := errors.New("connection refused")
	endpoints.EXPECT().
		GetForDevice(gomock.Any(), "device-1", model.ProtocolSNMP).
		Return(nil, repoErr)

	_, err := resolver.Resolve(context.Background(), "device-1", model.ProtocolSNMP)
	require.Error(t, err)
	assert.ErrorIs(t, err, repoErr)
	assert.False(t, operrors.IsOpKind(err, operrors.KindEndpointNotConfigured))
}
