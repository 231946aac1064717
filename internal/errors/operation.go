package errors

import (
	"errors"
	"fmt"
)

// OpErrorKind classifies failures of device operations. Kinds are stable
// strings: they are persisted verbatim in job results and exposed to callers.
type OpErrorKind string

const (
	// KindTimeout is a protocol call or connection that exceeded its deadline.
	KindTimeout OpErrorKind = "timeout"
	// KindAuthFailure is a rejected or misconfigured credential.
	KindAuthFailure OpErrorKind = "auth_failure"
	// KindProtocolError is a device- or protocol-level error response,
	// carrying the protocol's own code.
	KindProtocolError OpErrorKind = "protocol_error"
	// KindNotFound is a parameter path unknown to the device.
	KindNotFound OpErrorKind = "not_found"
	// KindEndpointNotConfigured means no endpoint record exists for the
	// (tenant, device, protocol) triple.
	KindEndpointNotConfigured OpErrorKind = "endpoint_not_configured"
	// KindUnsupportedOperation means the protocol variant cannot perform the
	// requested operation.
	KindUnsupportedOperation OpErrorKind = "unsupported_operation"
	// KindCancelled means the job was cancelled before the operation finished.
	KindCancelled OpErrorKind = "cancelled"
)

// OpError is the error surfaced by protocol clients and the resolver. Kind
// and Message are persisted in the job result; Code carries the
// protocol-specific error code when one exists.
type OpError struct {
	Kind    OpErrorKind
	Code    string
	Message string
	Cause   error
	// Retryable marks transient failures (timeouts, refused connections)
	// that the client-local retry loop may attempt again.
	Retryable bool
}

// Error implements the error interface.
func (e *OpError) Error() string {
	switch {
	case e.Code != "" && e.Cause != nil:
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	case e.Code != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *OpError) Unwrap() error {
	return e.Cause
}

// OpTimeout creates a transient timeout error.
func OpTimeout(message string, cause error) *OpError {
	return &OpError{Kind: KindTimeout, Message: message, Cause: cause, Retryable: true}
}

// OpConnection creates a transient connection-level protocol error, e.g.
// connection refused or reset before the request was serviced.
func OpConnection(message string, cause error) *OpError {
	return &OpError{Kind: KindProtocolError, Code: "connection", Message: message, Cause: cause, Retryable: true}
}

// OpAuthFailure creates an authentication failure. Never retryable.
func OpAuthFailure(message string, cause error) *OpError {
	return &OpError{Kind: KindAuthFailure, Message: message, Cause: cause}
}

// OpProtocol creates a protocol-level error with the protocol's own code.
func OpProtocol(code, message string, cause error) *OpError {
	return &OpError{Kind: KindProtocolError, Code: code, Message: message, Cause: cause}
}

// OpNotFound creates an unknown-parameter-path error.
func OpNotFound(message string) *OpError {
	return &OpError{Kind: KindNotFound, Message: message}
}

// OpEndpointNotConfigured creates a missing-endpoint error.
func OpEndpointNotConfigured(message string) *OpError {
	return &OpError{Kind: KindEndpointNotConfigured, Message: message}
}

// OpUnsupported creates an unsupported-operation error.
func OpUnsupported(message string) *OpError {
	return &OpError{Kind: KindUnsupportedOperation, Message: message}
}

// OpCancelled creates a cancellation error.
func OpCancelled(message string) *OpError {
	return &OpError{Kind: KindCancelled, Message: message}
}

// IsTransient reports whether the error may be retried by the client-local
// retry loop. Everything that is not an explicitly retryable OpError
// surfaces immediately.
func IsTransient(err error) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Retryable
}

// OpKind returns the OpErrorKind of an error, or empty string if it is not
// an OpError.
func OpKind(err error) OpErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return ""
}

// IsOpKind checks whether an error is an OpError of the given kind.
func IsOpKind(err error, kind OpErrorKind) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Kind == kind
}

// AsOp extracts the OpError from an error chain. If the chain contains no
// OpError, it wraps err as a non-retryable protocol error so every failure
// reaching the orchestrator carries a kind.
func AsOp(err error) *OpError {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr
	}
	return &OpError{Kind: KindProtocolError, Message: err.Error(), Cause: err}
}
