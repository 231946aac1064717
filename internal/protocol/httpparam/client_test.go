package httpparam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

func bearerConfig(t *testing.T, serverURL string) protocol.Config {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return protocol.Config{
		Protocol: model.ProtocolHTTPParam,
		Address:  u.Hostname(),
		Port:     port,
		Timeout:  2 * time.Second,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Auth: model.AuthConfig{
			Kind: model.AuthKindHTTP,
			HTTP: &model.HTTPAuth{Scheme: model.HTTPAuthBearer, Token: "token-1"},
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

func TestClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/params", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, []string{"Device.WiFi.SSID", "Device.WiFi.Channel"}, r.URL.Query()["paths"])
		_ = json.NewEncoder(w).Encode(getResponse{Params: map[string]string{
			"Device.WiFi.SSID":    "lab-ap",
			"Device.WiFi.Channel": "36",
		}})
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))
	values, err := client.Get(context.Background(), []string{"Device.WiFi.SSID", "Device.WiFi.Channel"})
	require.NoError(t, err)
	assert.Equal(t, "lab-ap", values["Device.WiFi.SSID"])
	assert.Equal(t, "36", values["Device.WiFi.Channel"])
}

func TestClient_SetReturnsPerPathOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req setRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lab-ap-2", req.Values["Device.WiFi.SSID"])
		_ = json.NewEncoder(w).Encode(setResponse{Outcomes: []model.SetPathOutcome{
			{Path: "Device.WiFi.SSID", Applied: true},
			{Path: "Device.WiFi.Channel", Applied: false, Error: "channel locked by operator"},
		}})
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))
	outcomes, err := client.Set(context.Background(), map[string]string{
		"Device.WiFi.SSID":    "lab-ap-2",
		"Device.WiFi.Channel": "149",
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Applied)
	assert.False(t, outcomes[1].Applied)
}

func TestClient_AuthFailureIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(errorResponse{Code: "unauthorized", Message: "token expired"})
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))
	_, err := client.Set(context.Background(), map[string]string{"Device.WiFi.SSID": "x"})
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
	assert.Equal(t, 1, calls)
}

func TestClient_ServiceUnavailableIsRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(getResponse{Params: map[string]string{"Device.Uptime": "9000"}})
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))
	values, err := client.Get(context.Background(), []string{"Device.Uptime"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "9000", values["Device.Uptime"])
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorResponse{Code: "unknownPath", Message: "no such parameter"})
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))
	_, err := client.Get(context.Background(), []string{"Device.Bogus"})
	assert.Equal(t, errors.KindNotFound, errors.OpKind(err))
}

func TestClient_WalkPaging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/params/walk", r.URL.Path)
		assert.Equal(t, "Device.WiFi.", r.URL.Query().Get("root"))
		assert.Equal(t, "2", r.URL.Query().Get("page_size"))

		resp := walkResponse{Params: map[string]string{
			"Device.WiFi.Radio.1.Enable":  "true",
			"Device.WiFi.Radio.1.Channel": "36",
		}, Resume: "Device.WiFi.Radio.1.Channel"}
		if r.URL.Query().Get("resume") == "Device.WiFi.Radio.1.Channel" {
			resp = walkResponse{Params: map[string]string{
				"Device.WiFi.SSID.1.SSID": "lab-ap",
			}, Done: true}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newClient(t, bearerConfig(t, server.URL))

	page, err := client.Walk(context.Background(), "Device.WiFi.", 2, "")
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Len(t, page.Pairs, 2)
	require.Equal(t, "Device.WiFi.Radio.1.Channel", page.Resume)

	page, err = client.Walk(context.Background(), "Device.WiFi.", 2, page.Resume)
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Equal(t, "lab-ap", page.Pairs["Device.WiFi.SSID.1.SSID"])
}

func TestClient_BasicAndAPIKeyAuth(t *testing.T) {
	var gotUser, gotPass, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotKey = r.Header.Get("X-Device-Key")
		_ = json.NewEncoder(w).Encode(getResponse{Params: map[string]string{}})
	}))
	defer server.Close()

	cfg := bearerConfig(t, server.URL)
	cfg.Auth.HTTP = &model.HTTPAuth{Scheme: model.HTTPAuthBasic, Username: "ops", Password: "pw"}
	client := newClient(t, cfg)
	_, err := client.Get(context.Background(), []string{"Device.Uptime"})
	require.NoError(t, err)
	assert.Equal(t, "ops", gotUser)
	assert.Equal(t, "pw", gotPass)

	cfg.Auth.HTTP = &model.HTTPAuth{Scheme: model.HTTPAuthAPIKey, Token: "k-1", HeaderName: "X-Device-Key"}
	client = newClient(t, cfg)
	_, err = client.Get(context.Background(), []string{"Device.Uptime"})
	require.NoError(t, err)
	assert.Equal(t, "k-1", gotKey)
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := bearerConfig(t, server.URL)
	cfg.Retry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	server.Close()

	client := newClient(t, cfg)
	_, err := client.Get(context.Background(), []string{"Device.Uptime"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, errors.KindProtocolError, errors.OpKind(err))
}

func TestClient_OperateUnsupported(t *testing.T) {
	client := newClient(t, protocol.Config{
		Protocol: model.ProtocolHTTPParam,
		Address:  "192.0.2.1",
		Auth: model.AuthConfig{
			Kind: model.AuthKindHTTP,
			HTTP: &model.HTTPAuth{Scheme: model.HTTPAuthBearer, Token: "t"},
		},
	})
	_, err := client.Operate(context.Background(), "Reboot()", nil)
	assert.Equal(t, errors.KindUnsupportedOperation, errors.OpKind(err))
}

func TestNew_RejectsWrongAuthKind(t *testing.T) {
	_, err := New(protocol.Config{
		Protocol: model.ProtocolHTTPParam,
		Address:  "192.0.2.1",
		Auth: model.AuthConfig{
			Kind:      model.AuthKindCommunity,
			Community: &model.CommunityAuth{Community: "public"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
	assert.True(t, strings.Contains(err.Error(), "http-param"))
}
