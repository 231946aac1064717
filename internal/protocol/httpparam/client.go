// Package httpparam implements the protocol client for devices exposing the
// HTTP parameter-access API: GET/POST /params plus a paged /params/walk.
package httpparam

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
	defaultTimeout    = 10 * time.Second
	defaultHeaderName = "X-Api-Key"
	maxErrorBody      = 4 << 10
)

// Client talks to one device's HTTP parameter API. Each client owns its
// transport; connections are not reused across jobs.
type Client struct {
	cfg     protocol.Config
	base    *url.URL
	auth    *model.HTTPAuth
	http    *http.Client
	retry   retry.Policy
	onRetry retry.Notify
	logger  *slog.Logger
}

// New builds an HTTP parameter-access client.
func New(cfg protocol.Config) (protocol.Client, error) {
	if cfg.Auth.Kind != model.AuthKindHTTP || cfg.Auth.HTTP == nil {
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("auth kind %s is not valid for http-param", cfg.Auth.Kind), nil)
	}
	if err := cfg.Auth.HTTP.Validate(); err != nil {
		return nil, errors.OpAuthFailure(err.Error(), nil)
	}

	host := cfg.Address
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	}
	base := &url.URL{Scheme: "http", Host: host}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		cfg:  cfg,
		base: base,
		auth: cfg.Auth.HTTP,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 2},
		},
		retry:   cfg.Retry.Normalize(),
		onRetry: cfg.OnRetry,
		logger:  cfg.Logger,
	}, nil
}

type getResponse struct {
	Params map[string]string `json:"params"`
}

type setRequest struct {
	Values map[string]string `json:"values"`
}

type setResponse struct {
	Outcomes []model.SetPathOutcome `json:"outcomes"`
}

type walkResponse struct {
	Params map[string]string `json:"params"`
	Resume string            `json:"resume"`
	Done   bool              `json:"done"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Get reads parameter values via GET /params?paths=a,b,c.
func (c *Client) Get(ctx context.Context, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.OpProtocol("badRequest", "no paths requested", nil)
	}

	endpoint := c.base.JoinPath("params")
	q := endpoint.Query()
	for _, p := range paths {
		q.Add("paths", p)
	}
	endpoint.RawQuery = q.Encode()

	var out getResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.do(ctx, http.MethodGet, endpoint, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Params, nil
}

// Set writes parameter values via POST /params and returns the device's
// per-path outcomes. Partial success is a valid response, not an error.
func (c *Client) Set(ctx context.Context, values map[string]string) ([]model.SetPathOutcome, error) {
	if len(values) == 0 {
		return nil, errors.OpProtocol("badRequest", "no values to set", nil)
	}

	endpoint := c.base.JoinPath("params")
	var out setResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.do(ctx, http.MethodPost, endpoint, setRequest{Values: values}, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Outcomes, nil
}

// Walk reads one page of the subtree via GET /params/walk.
func (c *Client) Walk(ctx context.Context, root string, pageSize int, resume string) (*protocol.WalkPage, error) {
	if root == "" {
		return nil, errors.OpProtocol("badRequest", "walk root is required", nil)
	}

	endpoint := c.base.JoinPath("params", "walk")
	q := endpoint.Query()
	q.Set("root", root)
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	if resume != "" {
		q.Set("resume", resume)
	}
	endpoint.RawQuery = q.Encode()

	var out walkResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		return c.do(ctx, http.MethodGet, endpoint, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &protocol.WalkPage{Pairs: out.Params, Resume: out.Resume, Done: out.Done}, nil
}

// Operate is not part of the HTTP parameter-access surface.
func (c *Client) Operate(context.Context, string, map[string]string) (map[string]string, error) {
	return nil, errors.OpUnsupported("http-param does not support operate")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do performs one request/response cycle with auth applied and status codes
// mapped onto the operation taxonomy.
func (c *Client) do(ctx context.Context, method string, endpoint *url.URL, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.OpProtocol("encode", "encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return errors.OpProtocol("request", "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.OpProtocol("decode", "decode response body", err)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	switch c.auth.Scheme {
	case model.HTTPAuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case model.HTTPAuthBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	case model.HTTPAuthAPIKey:
		header := c.auth.HeaderName
		if header == "" {
			header = defaultHeaderName
		}
		req.Header.Set(header, c.auth.Token)
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.OpTimeout("http request timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.OpTimeout("http request timed out", err)
	}
	return errors.OpConnection("http endpoint unreachable", err)
}

func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var apiErr errorResponse
	_ = json.Unmarshal(raw, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	code := apiErr.Code
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.OpAuthFailure(message, nil)
	case resp.StatusCode == http.StatusNotFound:
		return errors.OpNotFound(message)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return errors.OpTimeout(message, nil)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return errors.OpConnection(message, nil)
	default:
		return errors.OpProtocol(code, message, nil)
	}
}
