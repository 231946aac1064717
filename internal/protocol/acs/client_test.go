package acs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

func acsConfig(t *testing.T, serverURL string) protocol.Config {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return protocol.Config{
		Protocol: model.ProtocolACS,
		DeviceID: "cpe-0042",
		Address:  u.Hostname(),
		Port:     port,
		Timeout:  2 * time.Second,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Auth: model.AuthConfig{
			Kind: model.AuthKindACS,
			ACS:  &model.ACSAuth{Username: "acs-api", Password: "pw"},
		},
	}
}

func newClient(t *testing.T, cfg protocol.Config) protocol.Client {
	t.Helper()
	client, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_GetProxiesGetParameterValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "acs-api", user)
		assert.Equal(t, "pw", pass)

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cpe-0042", req.DeviceID)
		assert.Equal(t, "GetParameterValues", req.Method)
		assert.Equal(t, []string{"Device.DeviceInfo.UpTime"}, req.ParameterNames)

		_ = json.NewEncoder(w).Encode(rpcResponse{ParameterList: []rpcParam{
			{Name: "Device.DeviceInfo.UpTime", Value: "86400"},
		}})
	}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))
	values, err := client.Get(context.Background(), []string{"Device.DeviceInfo.UpTime"})
	require.NoError(t, err)
	assert.Equal(t, "86400", values["Device.DeviceInfo.UpTime"])
}

func TestClient_GetInvalidParameterNameFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{
			Fault: &rpcFault{Code: faultInvalidParamName, Message: "Device.Bogus unknown"},
		})
	}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))
	_, err := client.Get(context.Background(), []string{"Device.Bogus"})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.OpKind(err))
}

func TestClient_SetSurfacesPerParameterFaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SetParameterValues", req.Method)
		require.Len(t, req.ParameterList, 2)

		_ = json.NewEncoder(w).Encode(rpcResponse{SetResults: []rpcSetResult{
			{Name: "Device.WiFi.SSID.1.SSID", Applied: true},
			{
				Name:  "Device.DeviceInfo.SerialNumber",
				Fault: &rpcFault{Code: faultNonWritableParam, Message: "parameter is read-only"},
			},
		}})
	}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))
	outcomes, err := client.Set(context.Background(), map[string]string{
		"Device.WiFi.SSID.1.SSID":        "lab-ap",
		"Device.DeviceInfo.SerialNumber": "new",
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Applied)
	assert.False(t, outcomes[1].Applied)
	assert.Contains(t, outcomes[1].Error, "9008")
}

func TestClient_WalkPagesWithResumeToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"Device.WiFi."}, req.ParameterNames)
		assert.Equal(t, 2, req.PageSize)

		if req.Resume == "" {
			_ = json.NewEncoder(w).Encode(rpcResponse{
				ParameterList: []rpcParam{
					{Name: "Device.WiFi.Radio.1.Enable", Value: "true"},
					{Name: "Device.WiFi.Radio.1.Channel", Value: "36"},
				},
				Resume: "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", req.Resume)
		_ = json.NewEncoder(w).Encode(rpcResponse{
			ParameterList: []rpcParam{{Name: "Device.WiFi.SSID.1.SSID", Value: "lab-ap"}},
			Done:          true,
		})
	}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))

	page, err := client.Walk(context.Background(), "Device.WiFi.", 2, "")
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Len(t, page.Pairs, 2)

	page, err = client.Walk(context.Background(), "Device.WiFi.", 2, page.Resume)
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Equal(t, "lab-ap", page.Pairs["Device.WiFi.SSID.1.SSID"])
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))
	_, err := client.Get(context.Background(), []string{"Device.DeviceInfo.UpTime"})
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
	assert.Equal(t, 1, calls)
}

func TestClient_OperateUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := newClient(t, acsConfig(t, server.URL))
	_, err := client.Operate(context.Background(), "Device.Reboot()", nil)
	assert.Equal(t, errors.KindUnsupportedOperation, errors.OpKind(err))
}

func TestClassifyFault(t *testing.T) {
	assert.Equal(t, errors.KindNotFound,
		errors.OpKind(classifyFault(&rpcFault{Code: faultInvalidParamName})))
	assert.Equal(t, errors.KindAuthFailure,
		errors.OpKind(classifyFault(&rpcFault{Code: faultRequestDenied})))
	assert.Equal(t, errors.KindProtocolError,
		errors.OpKind(classifyFault(&rpcFault{Code: faultInternalError})))
	assert.False(t, errors.IsTransient(classifyFault(&rpcFault{Code: faultResourcesExceeded})))
}

func TestNew_RejectsMissingDeviceID(t *testing.T) {
	cfg := protocol.Config{
		Protocol: model.ProtocolACS,
		Address:  "192.0.2.1",
		Auth: model.AuthConfig{
			Kind: model.AuthKindACS,
			ACS:  &model.ACSAuth{Username: "u", Password: "p"},
		},
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolError, errors.OpKind(err))
}
