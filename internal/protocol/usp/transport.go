package usp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsgrid/deviceops/internal/errors"
)

const (
	httpRequestPath = "/usp/request"
	wsSessionPath   = "/usp/session"
	maxErrorBody    = 4 << 10
)

// httpTransport sends each controller request as one POST.
type httpTransport struct {
	endpoint *url.URL
	token    string
	http     *http.Client
}

func newHTTPTransport(host, token string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		endpoint: &url.URL{Scheme: "http", Host: host, Path: httpRequestPath},
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) call(ctx context.Context, req *controllerRequest) (*controllerResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errors.OpProtocol("encode", "encode controller request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(raw))
	if err != nil {
		return nil, errors.OpProtocol("request", "build controller request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(resp)
	}

	var out controllerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.OpProtocol("decode", "decode controller response", err)
	}
	return &out, nil
}

func (t *httpTransport) close() error {
	t.http.CloseIdleConnections()
	return nil
}

// wsTransport holds one WebSocket session to the controller, dialed lazily on
// first use. Requests are serialized on the session; a transport failure
// drops the connection so the next attempt redials.
type wsTransport struct {
	url     string
	header  http.Header
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(host, token string, timeout time.Duration) *wsTransport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	u := url.URL{Scheme: "ws", Host: host, Path: wsSessionPath}
	return &wsTransport{url: u.String(), header: header, timeout: timeout}
}

func (t *wsTransport) call(ctx context.Context, req *controllerRequest) (*controllerResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.dial(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(req); err != nil {
		t.drop()
		return nil, classifyTransportError(err)
	}

	// Read until the response matching this request id arrives; unsolicited
	// controller notifications on the session are skipped.
	_ = t.conn.SetReadDeadline(deadline)
	for {
		var out controllerResponse
		if err := t.conn.ReadJSON(&out); err != nil {
			t.drop()
			return nil, classifyTransportError(err)
		}
		if out.ID == "" || out.ID == req.ID {
			return &out, nil
		}
	}
}

func (t *wsTransport) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.timeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errors.OpAuthFailure("controller rejected session credentials", err)
		}
		return classifyTransportError(err)
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) drop() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *wsTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := t.conn.Close()
	t.conn = nil
	return err
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.OpTimeout("controller request timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.OpTimeout("controller request timed out", err)
	}
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return errors.OpConnection("controller session closed", err)
	}
	return errors.OpConnection("controller unreachable", err)
}

func classifyHTTPStatus(resp *http.Response) error {
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
		return errors.OpProtocol(http.StatusText(resp.StatusCode), message, nil)
	}
}
