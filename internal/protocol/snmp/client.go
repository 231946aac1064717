// Package snmp implements the protocol client for SNMP v2c and v3 devices
// on gosnmp. Parameter paths are numeric OIDs.
package snmp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/retry"
)

const (
	defaultPort    = 161
	defaultTimeout = 5 * time.Second
	defaultPage    = 25
)

// Client is an SNMP protocol client bound to a single device endpoint. The
// UDP session opens lazily on first use and is never shared across jobs:
// v3 security state (engine boots, USM keys) must not leak between tenants.
type Client struct {
	cfg     protocol.Config
	retry   retry.Policy
	onRetry retry.Notify
	logger  *slog.Logger

	mu        sync.Mutex
	session   *gosnmp.GoSNMP
	connected bool
}

// New builds an SNMP client. Credential validation is fail-fast: a
// misconfigured USM combination returns AuthFailure here, before any
// network call.
func New(cfg protocol.Config) (protocol.Client, error) {
	session, err := buildSession(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		retry:   cfg.Retry.Normalize(),
		onRetry: cfg.OnRetry,
		logger:  cfg.Logger,
		session: session,
	}, nil
}

func buildSession(cfg protocol.Config) (*gosnmp.GoSNMP, error) {
	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	session := &gosnmp.GoSNMP{
		Target:             cfg.Address,
		Port:               uint16(port),
		Timeout:            timeout,
		Retries:            0, // the retry package owns the attempt budget
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     defaultPage,
		ExponentialTimeout: false,
	}

	switch cfg.Auth.Kind {
	case model.AuthKindCommunity:
		if cfg.Auth.Community == nil {
			return nil, errors.OpAuthFailure("missing community credential", nil)
		}
		session.Version = gosnmp.Version2c
		session.Community = cfg.Auth.Community.Community
	case model.AuthKindUSM:
		if cfg.Auth.USM == nil {
			return nil, errors.OpAuthFailure("missing usm credential", nil)
		}
		if err := configureUSM(session, cfg.Auth.USM); err != nil {
			return nil, err
		}
	default:
		return nil, errors.OpAuthFailure(
			fmt.Sprintf("auth kind %s is not valid for snmp", cfg.Auth.Kind), nil)
	}

	return session, nil
}

// configureUSM maps the stored v3 credential onto gosnmp security
// parameters. Unknown digest or cipher names fail here with AuthFailure.
func configureUSM(session *gosnmp.GoSNMP, auth *model.USMAuth) error {
	if err := auth.Validate(); err != nil {
		return errors.OpAuthFailure(err.Error(), nil)
	}

	usm := &gosnmp.UsmSecurityParameters{UserName: auth.Username}

	switch auth.Level {
	case model.USMLevelNoAuthNoPriv:
		session.MsgFlags = gosnmp.NoAuthNoPriv
	case model.USMLevelAuthNoPriv:
		session.MsgFlags = gosnmp.AuthNoPriv
	case model.USMLevelAuthPriv:
		session.MsgFlags = gosnmp.AuthPriv
	default:
		return errors.OpAuthFailure(fmt.Sprintf("invalid usm level %q", auth.Level), nil)
	}

	if session.MsgFlags != gosnmp.NoAuthNoPriv {
		switch strings.ToUpper(auth.AuthProtocol) {
		case "MD5":
			usm.AuthenticationProtocol = gosnmp.MD5
		case "SHA":
			usm.AuthenticationProtocol = gosnmp.SHA
		default:
			return errors.OpAuthFailure(
				fmt.Sprintf("unsupported auth digest %q (want MD5 or SHA)", auth.AuthProtocol), nil)
		}
		usm.AuthenticationPassphrase = auth.AuthPassphrase
	}

	if session.MsgFlags == gosnmp.AuthPriv {
		switch strings.ToUpper(auth.PrivProtocol) {
		case "DES":
			usm.PrivacyProtocol = gosnmp.DES
		case "AES":
			usm.PrivacyProtocol = gosnmp.AES
		default:
			return errors.OpAuthFailure(
				fmt.Sprintf("unsupported privacy cipher %q (want DES or AES)", auth.PrivProtocol), nil)
		}
		usm.PrivacyPassphrase = auth.PrivPassphrase
	}

	session.Version = gosnmp.Version3
	session.SecurityModel = gosnmp.UserSecurityModel
	session.SecurityParameters = usm
	return nil
}

// connect opens the UDP session on first use.
func (c *Client) connect() (*gosnmp.GoSNMP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, errors.OpConnection("client is closed", nil)
	}
	if !c.connected {
		if err := c.session.Connect(); err != nil {
			return nil, classify(err)
		}
		c.connected = true
	}
	return c.session, nil
}

// Get reads the values at the given OIDs.
func (c *Client) Get(ctx context.Context, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.OpProtocol("badRequest", "no paths requested", nil)
	}

	var pairs map[string]string
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		session, connErr := c.connect()
		if connErr != nil {
			return connErr
		}
		result, getErr := session.Get(paths)
		if getErr != nil {
			return classify(getErr)
		}
		if result.Error != gosnmp.NoError {
			return classifyPDUError(result.Error)
		}

		pairs = make(map[string]string, len(result.Variables))
		for _, pdu := range result.Variables {
			value, decodeErr := decodeValue(pdu)
			if decodeErr != nil {
				return decodeErr
			}
			pairs[normalizeOID(pdu.Name)] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Set writes the given OID/value pairs as octet strings and reports the
// outcome per OID.
func (c *Client) Set(ctx context.Context, values map[string]string) ([]model.SetPathOutcome, error) {
	if len(values) == 0 {
		return nil, errors.OpProtocol("badRequest", "no values to set", nil)
	}

	oids := make([]string, 0, len(values))
	for oid := range values {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	pdus := make([]gosnmp.SnmpPDU, 0, len(oids))
	for _, oid := range oids {
		pdus = append(pdus, gosnmp.SnmpPDU{
			Name:  oid,
			Type:  gosnmp.OctetString,
			Value: values[oid],
		})
	}

	var outcomes []model.SetPathOutcome
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		session, connErr := c.connect()
		if connErr != nil {
			return connErr
		}
		result, setErr := session.Set(pdus)
		if setErr != nil {
			return classify(setErr)
		}

		outcomes = make([]model.SetPathOutcome, 0, len(oids))
		if result.Error != gosnmp.NoError {
			// The agent rejects the whole PDU and names the offending
			// varbind; everything else in the request was not applied.
			failedIdx := int(result.ErrorIndex) - 1
			pduErr := classifyPDUError(result.Error)
			for i, oid := range oids {
				outcome := model.SetPathOutcome{Path: oid}
				if failedIdx < 0 || i == failedIdx {
					outcome.Error = pduErr.Error()
				} else {
					outcome.Error = "not applied: request rejected by agent"
				}
				outcomes = append(outcomes, outcome)
			}
			return nil
		}
		for _, oid := range oids {
			outcomes = append(outcomes, model.SetPathOutcome{Path: oid, Applied: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Walk reads one GetBulk page of the subtree under root. The resume cursor
// is the last OID of the previous page.
func (c *Client) Walk(ctx context.Context, root string, pageSize int, resume string) (*protocol.WalkPage, error) {
	if root == "" {
		return nil, errors.OpProtocol("badRequest", "walk root is required", nil)
	}
	if pageSize <= 0 {
		pageSize = defaultPage
	}

	start := root
	if resume != "" {
		start = resume
	}

	var page *protocol.WalkPage
	_, err := retry.Do(ctx, c.retry, c.onRetry, func(int) error {
		session, connErr := c.connect()
		if connErr != nil {
			return connErr
		}
		result, bulkErr := session.GetBulk([]string{start}, 0, uint32(pageSize))
		if bulkErr != nil {
			return classify(bulkErr)
		}
		if result.Error != gosnmp.NoError {
			return classifyPDUError(result.Error)
		}

		p := &protocol.WalkPage{Pairs: make(map[string]string)}
		rootPrefix := normalizeOID(root) + "."
		for _, pdu := range result.Variables {
			name := normalizeOID(pdu.Name)
			if pdu.Type == gosnmp.EndOfMibView || !strings.HasPrefix(name, rootPrefix) {
				p.Done = true
				break
			}
			value, decodeErr := decodeValue(pdu)
			if decodeErr != nil {
				return decodeErr
			}
			p.Pairs[name] = value
			p.Resume = pdu.Name
		}
		if len(result.Variables) == 0 {
			p.Done = true
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Operate is not part of the SNMP surface.
func (c *Client) Operate(context.Context, string, map[string]string) (map[string]string, error) {
	return nil, errors.OpUnsupported("snmp does not support operate")
}

// Close tears down the UDP session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	session := c.session
	c.session = nil
	if c.connected && session.Conn != nil {
		return session.Conn.Close()
	}
	return nil
}

// decodeValue renders a PDU value as a string, surfacing the per-OID error
// markers as NotFound.
func decodeValue(pdu gosnmp.SnmpPDU) (string, error) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return "", errors.OpNotFound(fmt.Sprintf("no such object: %s", normalizeOID(pdu.Name)))
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprintf("%v", pdu.Value), nil
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		return fmt.Sprintf("%v", pdu.Value), nil
	case gosnmp.Null:
		return "", nil
	default:
		return fmt.Sprintf("%v", gosnmp.ToBigInt(pdu.Value)), nil
	}
}

func normalizeOID(oid string) string {
	return strings.TrimPrefix(oid, ".")
}

// classify maps transport errors onto the operation taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.OpTimeout("snmp request timed out", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return errors.OpTimeout("snmp request timed out", err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no route to host"):
		return errors.OpConnection("snmp endpoint unreachable", err)
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "usm"), strings.Contains(msg, "wrong digest"):
		return errors.OpAuthFailure("snmp credentials rejected", err)
	default:
		return errors.OpProtocol("snmp", err.Error(), err)
	}
}

// classifyPDUError maps agent-level PDU error statuses.
func classifyPDUError(code gosnmp.SNMPError) error {
	switch code {
	case gosnmp.NoSuchName:
		return errors.OpNotFound("no such object")
	case gosnmp.AuthorizationError:
		return errors.OpAuthFailure("authorization error", nil)
	default:
		return errors.OpProtocol(fmt.Sprintf("snmp-%d", code),
			fmt.Sprintf("agent returned error status %d", code), nil)
	}
}
