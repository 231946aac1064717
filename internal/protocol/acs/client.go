// Package acs implements the protocol client for devices managed through a
// TR-069 Auto Configuration Server. The engine never speaks CWMP itself; it
// calls the ACS northbound RPC endpoint, which proxies GetParameterValues and
// SetParameterValues to the device and relays TR-069 faults back.
package acs

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

const (
	defaultTimeout = 30 * time.Second
	rpcPath        = "/api/rpc"
	maxErrorBody   = 4 << 10
)

// TR-069 fault codes the wrapper relays (Amendment 6, table 77).
const (
	faultRequestDenied     = 9001
	faultInternalError     = 9002
	faultInvalidArguments  = 9003
	faultResourcesExceeded = 9004
	faultInvalidParamName  = 9005
	faultInvalidParamType  = 9006
	faultInvalidParamValue = 9007
	faultNonWritableParam  = 9008
)

// Client proxies one device's operations through its ACS.
type Client struct {
	deviceID string
	endpoint *url.URL
	auth     *model.ACSAuth
	http     *http.Client
	retry    retry.Policy
	onRetry  retry.Notify
	logger   *slog.Logger
}

// New builds an ACS wrapper client.
func New(cfg protocol.Config) (protocol.Client, error) {
	if cfg.Auth.Kind != model.AuthKindACS || cfg.Auth.ACS == nil {
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("auth kind %s is not valid for acs", cfg.Auth.Kind), nil)
	}
	if cfg.Auth.ACS.Username == "" || cfg.Auth.ACS.Password == "" {
		return nil, errors.OpAuthFailure("acs auth requires username and password", nil)
	}
	if cfg.DeviceID == "" {
		return nil, errors.OpProtocol("badRequest", "device id is required", nil)
	}

	host := cfg.Address
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	}
	endpoint := &url.URL{Scheme: "http", Host: host, Path: rpcPath}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		deviceID: cfg.DeviceID,
		endpoint: endpoint,
		auth:     cfg.Auth.ACS,
		http:     &http.Client{Timeout: timeout},
		retry:    cfg.Retry.Normalize(),
		onRetry:  cfg.OnRetry,
		logger:   cfg.Logger,
	}, nil
}

type rpcRequest struct {
	DeviceID       string       `json:"device_id"`
	Method         string       `json:"method"`
	ParameterNames []string     `json:"parameter_names,omitempty"`
	ParameterList  []rpcParam   `json:"parameter_list,omitempty"`
	PageSize       int          `json:"page_size,omitempty"`
	Resume         string       `json:"resume,omitempty"`
}

type rpcParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcSetResult struct {
	Name    string    `json:"name"`
	Applied bool      `json:"applied"`
	Fault   *rpcFault `json:"fault,omitempty"`
}

type rpcResponse struct {
	ParameterList []rpcParam     `json:"parameter_list,omitempty"`
	SetResults    []rpcSetResult `json:"set_results,omitempty"`
	Resume        string         `json:"resume,omitempty"`
	Done          bool           `json:"done,omitempty"`
	Fault         *rpcFault      `json:"fault,omitempty"`
}

// Get reads parameter values through a proxied GetParameterValues.
func (c *Client) Get(ctx context.Context, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.OpProtocol("badRequest", "no paths requested", nil)
	}

	req := rpcRequest{DeviceID: c.deviceID, Method: "GetParameterValues", ParameterNames: paths}
	var resp rpcResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.call(ctx, req, &resp)
	})
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(resp.ParameterList))
	for _, p := range resp.ParameterList {
		values[p.Name] = p.Value
	}
	return values, nil
}

// Set writes parameter values through a proxied SetParameterValues. TR-069
// applies SetParameterValues atomically, but the wrapper surfaces which
// parameter the device faulted on, so outcomes stay per path.
func (c *Client) Set(ctx context.Context, values map[string]string) ([]model.SetPathOutcome, error) {
	if len(values) == 0 {
		return nil, errors.OpProtocol("badRequest", "no values to set", nil)
	}

	req := rpcRequest{DeviceID: c.deviceID, Method: "SetParameterValues"}
	for name, value := range values {
		req.ParameterList = append(req.ParameterList, rpcParam{Name: name, Value: value})
	}

	var resp rpcResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.call(ctx, req, &resp)
	})
	if err != nil {
		return nil, err
	}

	outcomes := make([]model.SetPathOutcome, 0, len(resp.SetResults))
	for _, r := range resp.SetResults {
		outcome := model.SetPathOutcome{Path: r.Name, Applied: r.Applied}
		if r.Fault != nil {
			outcome.Error = fmt.Sprintf("fault %d: %s", r.Fault.Code, r.Fault.Message)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Walk reads one page of a subtree. TR-069 partial paths (trailing dot)
// address whole subtrees; the wrapper pages the response and hands back a
// resume token.
func (c *Client) Walk(ctx context.Context, root string, pageSize int, resume string) (*protocol.WalkPage, error) {
	if root == "" {
		return nil, errors.OpProtocol("badRequest", "walk root is required", nil)
	}

	req := rpcRequest{
		DeviceID:       c.deviceID,
		Method:         "GetParameterValues",
		ParameterNames: []string{root},
		PageSize:       pageSize,
		Resume:         resume,
	}
	var resp rpcResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.call(ctx, req, &resp)
	})
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]string, len(resp.ParameterList))
	for _, p := range resp.ParameterList {
		pairs[p.Name] = p.Value
	}
	return &protocol.WalkPage{Pairs: pairs, Resume: resp.Resume, Done: resp.Done}, nil
}

// Operate is not available through the ACS wrapper.
func (c *Client) Operate(context.Context, string, map[string]string) (map[string]string, error) {
	return nil, errors.OpUnsupported("acs does not support operate")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) call(ctx context.Context, rpc rpcRequest, out *rpcResponse) error {
	raw, err := json.Marshal(rpc)
	if err != nil {
		return errors.OpProtocol("encode", "encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(raw))
	if err != nil {
		return errors.OpProtocol("request", "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.auth.Username, c.auth.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}

	*out = rpcResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.OpProtocol("decode", "decode rpc response", err)
	}
	if out.Fault != nil {
		return classifyFault(out.Fault)
	}
	return nil
}

func classifyFault(fault *rpcFault) error {
	code := strconv.Itoa(fault.Code)
	switch fault.Code {
	case faultInvalidParamName:
		return errors.OpNotFound(fault.Message)
	case faultRequestDenied:
		return errors.OpAuthFailure(fault.Message, nil)
	default:
		return errors.OpProtocol(code, fault.Message, nil)
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.OpTimeout("acs request timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.OpTimeout("acs request timed out", err)
	}
	return errors.OpConnection("acs unreachable", err)
}

func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := string(bytes.TrimSpace(raw))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.OpAuthFailure(message, nil)
	case http.StatusNotFound:
		return errors.OpNotFound(message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.OpTimeout(message, nil)
	case http.StatusServiceUnavailable:
		return errors.OpConnection(message, nil)
	default:
		return errors.OpProtocol(strconv.Itoa(resp.StatusCode), message, nil)
	}
}
