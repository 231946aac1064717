package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AuthKind discriminates the credential shape stored on an endpoint.
type AuthKind string

const (
	// AuthKindCommunity is an SNMP v2c community string.
	AuthKindCommunity AuthKind = "community"
	// AuthKindUSM is SNMP v3 user-based security.
	AuthKindUSM AuthKind = "usm"
	// AuthKindHTTP covers bearer, basic, and api-key credentials for the
	// HTTP parameter-access protocol.
	AuthKindHTTP AuthKind = "http"
	// AuthKindACS is the credential pair for a TR-069 ACS.
	AuthKindACS AuthKind = "acs"
	// AuthKindUSP is the controller credential for a USP endpoint.
	AuthKindUSP AuthKind = "usp"
)

// USMLevel is the SNMP v3 security level.
type USMLevel string

const (
	USMLevelNoAuthNoPriv USMLevel = "noAuthNoPriv"
	USMLevelAuthNoPriv   USMLevel = "authNoPriv"
	USMLevelAuthPriv     USMLevel = "authPriv"
)

// HTTPAuthScheme selects how HTTP credentials are presented.
type HTTPAuthScheme string

const (
	HTTPAuthBearer HTTPAuthScheme = "bearer"
	HTTPAuthBasic  HTTPAuthScheme = "basic"
	HTTPAuthAPIKey HTTPAuthScheme = "api-key"
)

// USPTransport selects the transport used to reach a USP controller.
type USPTransport string

const (
	USPTransportHTTP      USPTransport = "http"
	USPTransportWebSocket USPTransport = "websocket"
)

// CommunityAuth holds SNMP v2c credentials.
type CommunityAuth struct {
	Community string `json:"community"`
}

// USMAuth holds SNMP v3 user-based security credentials. AuthProtocol and
// PrivProtocol use the conventional names (MD5, SHA, SHA256, DES, AES,
// AES192, AES256). Fields beyond Username are required only as the Level
// demands.
type USMAuth struct {
	Username       string   `json:"username"`
	Level          USMLevel `json:"level"`
	AuthProtocol   string   `json:"auth_protocol,omitempty"`
	AuthPassphrase string   `json:"auth_passphrase,omitempty"`
	PrivProtocol   string   `json:"priv_protocol,omitempty"`
	PrivPassphrase string   `json:"priv_passphrase,omitempty"`
}

// HTTPAuth holds credentials for the HTTP parameter-access protocol.
type HTTPAuth struct {
	Scheme   HTTPAuthScheme `json:"scheme"`
	Token    string         `json:"token,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	// HeaderName is the header the api-key scheme sends the token in.
	HeaderName string `json:"header_name,omitempty"`
}

// ACSAuth holds the credential pair used against a TR-069 ACS.
type ACSAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// USPAuth holds the controller identity and token for a USP endpoint.
type USPAuth struct {
	ControllerID string       `json:"controller_id"`
	Token        string       `json:"token,omitempty"`
	Transport    USPTransport `json:"transport"`
}

// AuthConfig is the tagged credential union stored on an endpoint. Exactly
// one of the pointer fields matching Kind is set; the rest are nil.
type AuthConfig struct {
	Kind      AuthKind       `json:"kind"`
	Community *CommunityAuth `json:"community,omitempty"`
	USM       *USMAuth       `json:"usm,omitempty"`
	HTTP      *HTTPAuth      `json:"http,omitempty"`
	ACS       *ACSAuth       `json:"acs,omitempty"`
	USP       *USPAuth       `json:"usp,omitempty"`
}

// Validate checks that the union is well formed: the branch named by Kind is
// present and internally consistent, and no other branch is set.
func (a *AuthConfig) Validate() error {
	branches := 0
	if a.Community != nil {
		branches++
	}
	if a.USM != nil {
		branches++
	}
	if a.HTTP != nil {
		branches++
	}
	if a.ACS != nil {
		branches++
	}
	if a.USP != nil {
		branches++
	}
	if branches != 1 {
		return fmt.Errorf("auth config must set exactly one branch, got %d", branches)
	}

	switch a.Kind {
	case AuthKindCommunity:
		if a.Community == nil {
			return errors.New("auth kind community requires community branch")
		}
		if a.Community.Community == "" {
			return errors.New("community string is required")
		}
	case AuthKindUSM:
		if a.USM == nil {
			return errors.New("auth kind usm requires usm branch")
		}
		return a.USM.Validate()
	case AuthKindHTTP:
		if a.HTTP == nil {
			return errors.New("auth kind http requires http branch")
		}
		return a.HTTP.Validate()
	case AuthKindACS:
		if a.ACS == nil {
			return errors.New("auth kind acs requires acs branch")
		}
		if a.ACS.Username == "" || a.ACS.Password == "" {
			return errors.New("acs auth requires username and password")
		}
	case AuthKindUSP:
		if a.USP == nil {
			return errors.New("auth kind usp requires usp branch")
		}
		return a.USP.Validate()
	default:
		return fmt.Errorf("invalid auth kind: %q", a.Kind)
	}
	return nil
}

// Validate checks USM fields against the declared security level.
func (u *USMAuth) Validate() error {
	if u.Username == "" {
		return errors.New("usm auth requires username")
	}
	switch u.Level {
	case USMLevelNoAuthNoPriv:
	case USMLevelAuthNoPriv:
		if u.AuthProtocol == "" || u.AuthPassphrase == "" {
			return errors.New("authNoPriv requires auth protocol and passphrase")
		}
	case USMLevelAuthPriv:
		if u.AuthProtocol == "" || u.AuthPassphrase == "" {
			return errors.New("authPriv requires auth protocol and passphrase")
		}
		if u.PrivProtocol == "" || u.PrivPassphrase == "" {
			return errors.New("authPriv requires priv protocol and passphrase")
		}
	default:
		return fmt.Errorf("invalid usm level: %q", u.Level)
	}
	return nil
}

// Validate checks HTTP credentials against the declared scheme.
func (h *HTTPAuth) Validate() error {
	switch h.Scheme {
	case HTTPAuthBearer:
		if h.Token == "" {
			return errors.New("bearer auth requires token")
		}
	case HTTPAuthBasic:
		if h.Username == "" || h.Password == "" {
			return errors.New("basic auth requires username and password")
		}
	case HTTPAuthAPIKey:
		if h.Token == "" {
			return errors.New("api-key auth requires token")
		}
	default:
		return fmt.Errorf("invalid http auth scheme: %q", h.Scheme)
	}
	return nil
}

// Validate checks USP controller credentials.
func (u *USPAuth) Validate() error {
	if u.ControllerID == "" {
		return errors.New("usp auth requires controller id")
	}
	switch u.Transport {
	case USPTransportHTTP, USPTransportWebSocket:
	default:
		return fmt.Errorf("invalid usp transport: %q", u.Transport)
	}
	return nil
}

// ProtocolEndpoint binds a (tenant, device, protocol) triple to the network
// coordinates and credentials used to reach the device over that protocol. A
// device may have one endpoint per protocol.
type ProtocolEndpoint struct {
	ID       string       `json:"id"        db:"id"`
	TenantID string       `json:"tenant_id" db:"tenant_id"`
	DeviceID string       `json:"device_id" db:"device_id"`
	Protocol ProtocolKind `json:"protocol"  db:"protocol"`
	Address  string       `json:"address"   db:"address"`
	Port     int          `json:"port"      db:"port"`
	Auth     AuthConfig   `json:"auth"      db:"auth"`
	// TimeoutMS overrides the protocol default per-request timeout when > 0.
	TimeoutMS int `json:"timeout_ms,omitempty" db:"timeout_ms"`
	// MaxAttempts overrides the default transient-retry budget when > 0.
	MaxAttempts int       `json:"max_attempts,omitempty" db:"max_attempts"`
	Enabled     bool      `json:"enabled"    db:"enabled"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the endpoint coordinates and credential union.
func (e *ProtocolEndpoint) Validate() error {
	if !e.Protocol.Valid() {
		return errors.New("invalid protocol kind")
	}
	if e.DeviceID == "" {
		return errors.New("device id is required")
	}
	if e.Address == "" {
		return errors.New("address is required")
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("invalid port: %d", e.Port)
	}
	if err := e.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	return nil
}

// Snapshot returns the redacted endpoint description stored alongside job
// results. Credential material never leaves this method.
func (e *ProtocolEndpoint) Snapshot() EndpointSnapshot {
	return EndpointSnapshot{
		Protocol: e.Protocol,
		Address:  e.Address,
		Port:     e.Port,
		AuthKind: string(e.Auth.Kind),
	}
}

// SnapshotJSON marshals the redacted snapshot for persistence.
func (e *ProtocolEndpoint) SnapshotJSON() (json.RawMessage, error) {
	b, err := json.Marshal(e.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal endpoint snapshot: %w", err)
	}
	return b, nil
}
