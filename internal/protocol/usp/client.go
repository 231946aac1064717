// Package usp implements the protocol client for devices managed through a
// USP controller. The controller's northbound API carries Get, Set, paged
// instance walks, and Operate; the engine reaches it over plain HTTP or a
// WebSocket session depending on the endpoint's configured transport.
package usp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

const defaultTimeout = 30 * time.Second

// USP error codes relayed by the controller (TR-369, section on Error codes).
const (
	errMessageNotSupported = 7001
	errRequestDenied       = 7002
	errInternalError       = 7003
	errInvalidArguments    = 7004
	errResourcesExceeded   = 7005
	errPermissionDenied    = 7006
	errInvalidPath         = 7008
	errObjectDoesNotExist  = 7016
	errCommandFailure      = 7022
)

// transport is one request/response channel to the controller.
type transport interface {
	call(ctx context.Context, req *controllerRequest) (*controllerResponse, error)
	close() error
}

// Client addresses one agent (device) through its USP controller.
type Client struct {
	agentID      string
	controllerID string
	transport    transport
	retry        retry.Policy
	onRetry      retry.Notify
	logger       *slog.Logger
}

// New builds a USP controller client for the endpoint's transport mode.
func New(cfg protocol.Config) (protocol.Client, error) {
	if cfg.Auth.Kind != model.AuthKindUSP || cfg.Auth.USP == nil {
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("auth kind %s is not valid for usp", cfg.Auth.Kind), nil)
	}
	auth := cfg.Auth.USP
	if err := auth.Validate(); err != nil {
		return nil, errors.OpAuthFailure(err.Error(), nil)
	}
	if cfg.DeviceID == "" {
		return nil, errors.OpProtocol("badRequest", "device id is required", nil)
	}

	host := cfg.Address
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var tp transport
	switch auth.Transport {
	case model.USPTransportHTTP:
		tp = newHTTPTransport(host, auth.Token, timeout)
	case model.USPTransportWebSocket:
		tp = newWSTransport(host, auth.Token, timeout)
	default:
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("invalid usp transport: %q", auth.Transport), nil)
	}

	return &Client{
		agentID:      cfg.DeviceID,
		controllerID: auth.ControllerID,
		transport:    tp,
		retry:        cfg.Retry.Normalize(),
		onRetry:      cfg.OnRetry,
		logger:       cfg.Logger,
	}, nil
}

type controllerRequest struct {
	ID           string            `json:"id"`
	ControllerID string            `json:"controller_id"`
	AgentID      string            `json:"agent_id"`
	Method       string            `json:"method"`
	Paths        []string          `json:"paths,omitempty"`
	Params       []paramValue      `json:"params,omitempty"`
	Root         string            `json:"root,omitempty"`
	PageSize     int               `json:"page_size,omitempty"`
	Resume       string            `json:"resume,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         map[string]string `json:"args,omitempty"`
}

type paramValue struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

type setResult struct {
	Path    string           `json:"path"`
	Applied bool             `json:"applied"`
	Error   *controllerError `json:"error,omitempty"`
}

type controllerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type controllerResponse struct {
	ID         string            `json:"id"`
	Results    []paramValue      `json:"results,omitempty"`
	SetResults []setResult       `json:"set_results,omitempty"`
	OutputArgs map[string]string `json:"output_args,omitempty"`
	Resume     string            `json:"resume,omitempty"`
	Done       bool              `json:"done,omitempty"`
	Error      *controllerError  `json:"error,omitempty"`
}

// Get reads the values at the given paths.
func (c *Client) Get(ctx context.Context, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.OpProtocol("badRequest", "no paths requested", nil)
	}

	resp, err := c.exchange(ctx, &controllerRequest{Method: "Get", Paths: paths})
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(resp.Results))
	for _, r := range resp.Results {
		values[r.Path] = r.Value
	}
	return values, nil
}

// Set writes the given path/value pairs. USP Set with allow_partial surfaces
// per-path outcomes, which map directly onto SetPathOutcome.
func (c *Client) Set(ctx context.Context, values map[string]string) ([]model.SetPathOutcome, error) {
	if len(values) == 0 {
		return nil, errors.OpProtocol("badRequest", "no values to set", nil)
	}

	req := &controllerRequest{Method: "Set"}
	for path, value := range values {
		req.Params = append(req.Params, paramValue{Path: path, Value: value})
	}

	resp, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	outcomes := make([]model.SetPathOutcome, 0, len(resp.SetResults))
	for _, r := range resp.SetResults {
		outcome := model.SetPathOutcome{Path: r.Path, Applied: r.Applied}
		if r.Error != nil {
			outcome.Error = fmt.Sprintf("usp %d: %s", r.Error.Code, r.Error.Message)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Walk reads one page of the subtree rooted at root.
func (c *Client) Walk(ctx context.Context, root string, pageSize int, resume string) (*protocol.WalkPage, error) {
	if root == "" {
		return nil, errors.OpProtocol("badRequest", "walk root is required", nil)
	}

	resp, err := c.exchange(ctx, &controllerRequest{
		Method:   "Walk",
		Root:     root,
		PageSize: pageSize,
		Resume:   resume,
	})
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]string, len(resp.Results))
	for _, r := range resp.Results {
		pairs[r.Path] = r.Value
	}
	return &protocol.WalkPage{Pairs: pairs, Resume: resp.Resume, Done: resp.Done}, nil
}

// Operate invokes a USP command on the agent and returns its output
// arguments.
func (c *Client) Operate(ctx context.Context, action string, args map[string]string) (map[string]string, error) {
	if action == "" {
		return nil, errors.OpProtocol("badRequest", "operate action is required", nil)
	}

	resp, err := c.exchange(ctx, &controllerRequest{
		Method:  "Operate",
		Command: action,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	if resp.OutputArgs == nil {
		return map[string]string{}, nil
	}
	return resp.OutputArgs, nil
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.close()
}

// exchange stamps identity onto the request and runs it through the retry
// loop. A fresh message id is minted per attempt so the controller never
// deduplicates a retried request against a half-delivered one.
func (c *Client) exchange(ctx context.Context, req *controllerRequest) (*controllerResponse, error) {
	req.ControllerID = c.controllerID
	req.AgentID = c.agentID

	var resp *controllerResponse
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		req.ID = uuid.NewString()
		got, callErr := c.transport.call(ctx, req)
		if callErr != nil {
			return callErr
		}
		if got.Error != nil {
			return classifyControllerError(got.Error)
		}
		resp = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func classifyControllerError(ce *controllerError) error {
	code := strconv.Itoa(ce.Code)
	switch ce.Code {
	case errRequestDenied, errPermissionDenied:
		return errors.OpAuthFailure(ce.Message, nil)
	case errInvalidPath, errObjectDoesNotExist:
		return errors.OpNotFound(ce.Message)
	case errMessageNotSupported:
		return errors.OpUnsupported(ce.Message)
	default:
		return errors.OpProtocol(code, ce.Message, nil)
	}
}
