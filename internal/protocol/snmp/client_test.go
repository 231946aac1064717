package snmp

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
)

func communityConfig() protocol.Config {
	return protocol.Config{
		Protocol: model.ProtocolSNMP,
		Address:  "192.0.2.10",
		Auth: model.AuthConfig{
			Kind:      model.AuthKindCommunity,
			Community: &model.CommunityAuth{Community: "public"},
		},
	}
}

func usmConfig(auth model.USMAuth) protocol.Config {
	return protocol.Config{
		Protocol: model.ProtocolSNMP,
		Address:  "192.0.2.10",
		Auth: model.AuthConfig{
			Kind: model.AuthKindUSM,
			USM:  &auth,
		},
	}
}

func TestBuildSession_V2c(t *testing.T) {
	session, err := buildSession(communityConfig())
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version2c, session.Version)
	assert.Equal(t, "public", session.Community)
	assert.Equal(t, uint16(defaultPort), session.Port)
}

func TestBuildSession_USMLevels(t *testing.T) {
	tests := []struct {
		name      string
		auth      model.USMAuth
		wantFlags gosnmp.SnmpV3MsgFlags
	}{
		{
			name:      "noAuthNoPriv",
			auth:      model.USMAuth{Username: "ops", Level: model.USMLevelNoAuthNoPriv},
			wantFlags: gosnmp.NoAuthNoPriv,
		},
		{
			name: "authNoPriv with SHA",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthNoPriv,
				AuthProtocol: "SHA", AuthPassphrase: "secret123",
			},
			wantFlags: gosnmp.AuthNoPriv,
		},
		{
			name: "authPriv with MD5/DES",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthPriv,
				AuthProtocol: "MD5", AuthPassphrase: "secret123",
				PrivProtocol: "DES", PrivPassphrase: "secret456",
			},
			wantFlags: gosnmp.AuthPriv,
		},
		{
			name: "authPriv with SHA/AES",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthPriv,
				AuthProtocol: "sha", AuthPassphrase: "secret123",
				PrivProtocol: "aes", PrivPassphrase: "secret456",
			},
			wantFlags: gosnmp.AuthPriv,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := buildSession(usmConfig(tt.auth))
			require.NoError(t, err)
			assert.Equal(t, gosnmp.Version3, session.Version)
			assert.Equal(t, tt.wantFlags, session.MsgFlags)
		})
	}
}

func TestBuildSession_MisconfiguredUSMFailsFast(t *testing.T) {
	tests := []struct {
		name string
		auth model.USMAuth
	}{
		{
			name: "unknown digest",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthNoPriv,
				AuthProtocol: "SHA999", AuthPassphrase: "secret123",
			},
		},
		{
			name: "unknown cipher",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthPriv,
				AuthProtocol: "SHA", AuthPassphrase: "secret123",
				PrivProtocol: "3DES", PrivPassphrase: "secret456",
			},
		},
		{
			name: "authPriv missing priv passphrase",
			auth: model.USMAuth{
				Username: "ops", Level: model.USMLevelAuthPriv,
				AuthProtocol: "SHA", AuthPassphrase: "secret123",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildSession(usmConfig(tt.auth))
			require.Error(t, err)
			assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
		})
	}
}

func TestBuildSession_WrongAuthKind(t *testing.T) {
	cfg := communityConfig()
	cfg.Auth = model.AuthConfig{
		Kind: model.AuthKindHTTP,
		HTTP: &model.HTTPAuth{Scheme: model.HTTPAuthBearer, Token: "t"},
	}
	_, err := buildSession(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
}

func TestClient_OperateUnsupported(t *testing.T) {
	client, err := New(communityConfig())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Operate(context.Background(), "Reboot()", nil)
	assert.Equal(t, errors.KindUnsupportedOperation, errors.OpKind(err))
}

func TestDecodeValue(t *testing.T) {
	value, err := decodeValue(gosnmp.SnmpPDU{
		Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("uplink-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "uplink-1", value)

	value, err = decodeValue(gosnmp.SnmpPDU{
		Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(4242),
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", value)

	_, err = decodeValue(gosnmp.SnmpPDU{
		Name: ".1.3.6.1.9.9.9.0", Type: gosnmp.NoSuchObject,
	})
	assert.Equal(t, errors.KindNotFound, errors.OpKind(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, errors.KindTimeout,
		errors.OpKind(classify(stderrorNew("request timeout (after 0 retries)"))))
	assert.Equal(t, errors.KindProtocolError,
		errors.OpKind(classify(stderrorNew("dial udp: connection refused"))))
	assert.True(t, errors.IsTransient(classify(stderrorNew("dial udp: connection refused"))))
	assert.Equal(t, errors.KindAuthFailure,
		errors.OpKind(classify(stderrorNew("authentication failure"))))
}

func TestClassifyPDUError(t *testing.T) {
	assert.Equal(t, errors.KindNotFound, errors.OpKind(classifyPDUError(gosnmp.NoSuchName)))
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(classifyPDUError(gosnmp.AuthorizationError)))
	assert.Equal(t, errors.KindProtocolError, errors.OpKind(classifyPDUError(gosnmp.TooBig)))
}

func stderrorNew(msg string) error { return stderrors.New(msg) }
