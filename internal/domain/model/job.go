// Package model defines the core data types shared across the deviceops execution engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolKind identifies the wire protocol used to reach a managed device.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ProtocolKind string

// OperationKind identifies the device operation to execute.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type OperationKind string

// JobStatus represents the current status of an operation job.
type JobStatus string

const (
	// ProtocolSNMP addresses devices over SNMP v2c or v3.
	ProtocolSNMP ProtocolKind = "snmp"
	// ProtocolHTTPParam addresses devices over the HTTP parameter-access protocol.
	ProtocolHTTPParam ProtocolKind = "http-param"
	// ProtocolACS addresses devices through a TR-069-style ACS wrapper.
	ProtocolACS ProtocolKind = "acs"
	// ProtocolUSP addresses devices through a USP-style controller.
	ProtocolUSP ProtocolKind = "usp"

	// OperationGet reads one or more parameter paths.
	OperationGet OperationKind = "get"
	// OperationSet writes one or more parameter paths.
	OperationSet OperationKind = "set"
	// OperationBulk walks a parameter subtree in pages.
	OperationBulk OperationKind = "bulk"
	// OperationOperate invokes a named action on the device.
	OperationOperate OperationKind = "operate"

	// JobStatusQueued indicates a job is waiting to be claimed by a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCancelling indicates cancellation was requested while running;
	// the executing worker finalises the state at its next checkpoint.
	JobStatusCancelling JobStatus = "cancelling"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job finished with an error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no queued jobs are available to claim.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the ProtocolKind is one of the supported protocols.
func (p ProtocolKind) Valid() bool {
	return p == ProtocolSNMP || p == ProtocolHTTPParam || p == ProtocolACS || p == ProtocolUSP
}

// UnmarshalText implements encoding.TextUnmarshaler for ProtocolKind.
func (p *ProtocolKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	pk := ProtocolKind(v)
	if pk.Valid() {
		*p = pk
		return nil
	}
	return fmt.Errorf("invalid ProtocolKind: %q", v)
}

// Valid returns true if the OperationKind is one of the supported operations.
func (o OperationKind) Valid() bool {
	return o == OperationGet || o == OperationSet || o == OperationBulk || o == OperationOperate
}

// UnmarshalText implements encoding.TextUnmarshaler for OperationKind.
func (o *OperationKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	ok := OperationKind(v)
	if ok.Valid() {
		*o = ok
		return nil
	}
	return fmt.Errorf("invalid OperationKind: %q", v)
}

// Mutating reports whether the operation can change device state. Mutating
// operations interrupted mid-flight leave the device in an unknown state, so
// their results carry the effect-uncertain marker.
func (o OperationKind) Mutating() bool {
	return o == OperationSet || o == OperationOperate
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCancelling,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for states no transition may leave.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents a device-operation job with all its metadata and status
// information. TenantID is immutable after creation and scopes every
// downstream read and write performed on the job's behalf.
type Job struct {
	ID              string          `json:"id"                         db:"id"`
	Protocol        ProtocolKind    `json:"protocol"                   db:"protocol"`
	Operation       OperationKind   `json:"operation"                  db:"operation"`
	DeviceID        string          `json:"device_id"                  db:"device_id"`
	Params          json.RawMessage `json:"params"                     db:"params"`
	TenantID        string          `json:"tenant_id"                  db:"tenant_id"`
	UserID          string          `json:"user_id"                    db:"user_id"`
	Status          JobStatus       `json:"status"                     db:"status"`
	ProgressPercent int             `json:"progress_percent"           db:"progress_percent"`
	CancelRequested bool            `json:"cancel_requested"           db:"cancel_requested"`
	StartedAt       *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	LastError       *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                 db:"updated_at"`
}

// EnqueueRequest represents a request to enqueue a new device operation.
// TenantID and UserID are sourced from the authenticated caller context by
// whatever surface accepts the request.
type EnqueueRequest struct {
	Protocol  ProtocolKind    `json:"protocol"`
	Operation OperationKind   `json:"operation"`
	DeviceID  string          `json:"device_id"`
	Params    json.RawMessage `json:"params"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.Protocol.Valid() {
		return errors.New("invalid protocol kind")
	}
	if !r.Operation.Valid() {
		return errors.New("invalid operation kind")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device id is required")
	}
	if len(r.Params) == 0 {
		return errors.New("params is required")
	}
	if !json.Valid(r.Params) {
		return errors.New("params must be valid JSON")
	}
	if _, err := uuid.Parse(r.TenantID); err != nil {
		return errors.New("tenant id must be a valid UUID")
	}
	if _, err := uuid.Parse(r.UserID); err != nil {
		return errors.New("user id must be a valid UUID")
	}
	return nil
}

// GetParams is the params payload for get operations.
type GetParams struct {
	Paths []string `json:"paths"`
}

// SetParams is the params payload for set operations.
type SetParams struct {
	Values map[string]string `json:"values"`
}

// BulkParams is the params payload for bulk walk operations.
type BulkParams struct {
	Root     string `json:"root"`
	PageSize int    `json:"page_size,omitempty"`
}

// OperateParams is the params payload for operate operations.
type OperateParams struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// JobStatusResponse is the caller-facing status view of a job.
type JobStatusResponse struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Cancelling int `json:"cancelling"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
