// Package devseed populates a development database with sample protocol
// endpoints so a locally running worker has devices to talk to. It is only
// invoked in dev mode and is idempotent: endpoints are upserted by their
// (device, protocol) pair.
package devseed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsgrid/deviceops/internal/core"
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// Fixed identities for local development so enqueued jobs can reference a
// known tenant.
const (
	DevTenantID = "11111111-1111-1111-1111-111111111111"
	DevUserID   = "22222222-2222-2222-2222-222222222222"
)

// Run upserts the sample endpoints under the development tenant.
func Run(ctx context.Context, endpoints core.EndpointRepository, logger *slog.Logger) error {
	scoped := tenant.WithContext(ctx, tenant.Scope{
		TenantID: DevTenantID,
		UserID:   DevUserID,
	})

	for _, endpoint := range sampleEndpoints() {
		if _, err := endpoints.Upsert(scoped, endpoint); err != nil {
			return fmt.Errorf("seed endpoint %s/%s: %w", endpoint.DeviceID, endpoint.Protocol, err)
		}
	}

	if logger != nil {
		logger.InfoContext(ctx, "dev seed applied", "tenant_id", DevTenantID)
	}
	return nil
}

func sampleEndpoints() []*model.ProtocolEndpoint {
	return []*model.ProtocolEndpoint{
		{
			DeviceID: "dev-switch-1",
			Protocol: model.ProtocolSNMP,
			Address:  "127.0.0.1",
			Port:     161,
			Enabled:  true,
			Auth: model.AuthConfig{
				Kind:      model.AuthKindCommunity,
				Community: &model.CommunityAuth{Community: "public"},
			},
		},
		{
			DeviceID: "dev-switch-2",
			Protocol: model.ProtocolSNMP,
			Address:  "127.0.0.1",
			Port:     1161,
			Enabled:  true,
			Auth: model.AuthConfig{
				Kind: model.AuthKindUSM,
				USM: &model.USMAuth{
					Username:       "devops",
					Level:          model.USMLevelAuthPriv,
					AuthProtocol:   "SHA",
					AuthPassphrase: "devauthpass",
					PrivProtocol:   "AES",
					PrivPassphrase: "devprivpass",
				},
			},
		},
		{
			DeviceID: "dev-cpe-1",
			Protocol: model.ProtocolHTTPParam,
			Address:  "127.0.0.1",
			Port:     8080,
			Enabled:  true,
			Auth: model.AuthConfig{
				Kind: model.AuthKindHTTP,
				HTTP: &model.HTTPAuth{
					Scheme: model.HTTPAuthBearer,
					Token:  "dev-token",
				},
			},
		},
		{
			DeviceID: "dev-cpe-1",
			Protocol: model.ProtocolACS,
			Address:  "127.0.0.1",
			Port:     7547,
			Enabled:  true,
			Auth: model.AuthConfig{
				Kind: model.AuthKindACS,
				ACS:  &model.ACSAuth{Username: "acs", Password: "acs-dev"},
			},
		},
		{
			DeviceID: "dev-cpe-2",
			Protocol: model.ProtocolUSP,
			Address:  "127.0.0.1",
			Port:     8443,
			Enabled:  true,
			Auth: model.AuthConfig{
				Kind: model.AuthKindUSP,
				USP: &model.USPAuth{
					ControllerID: "proto::dev-controller",
					Token:        "dev-usp-token",
					Transport:    model.USPTransportWebSocket,
				},
			},
		},
	}
}
