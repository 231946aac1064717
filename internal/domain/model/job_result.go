package model

import (
	"encoding/json"
	"time"
)

// JobResult is the terminal outcome record for a job. Exactly one result row
// exists per job once the job reaches a terminal state; results are never
// overwritten.
type JobResult struct {
	ID       string `json:"id"        db:"id"`
	JobID    string `json:"job_id"    db:"job_id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Success  bool   `json:"success"   db:"success"`
	// Output holds the protocol-specific payload: pairs for get, per-path
	// outcomes for set, collected pages for bulk, action output for operate.
	Output json.RawMessage `json:"output,omitempty" db:"output"`
	// ErrorKind and ErrorMessage mirror the OpError that terminated the job,
	// empty on success.
	ErrorKind    string `json:"error_kind,omitempty"    db:"error_kind"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	// EffectUncertain is set when a mutating operation was interrupted after
	// dispatch, so the device may or may not have applied the change.
	EffectUncertain bool `json:"effect_uncertain" db:"effect_uncertain"`
	// Endpoint is a snapshot of the endpoint coordinates used, with
	// credential material redacted.
	Endpoint  json.RawMessage `json:"endpoint,omitempty" db:"endpoint"`
	Attempts  int             `json:"attempts"           db:"attempts"`
	CreatedAt time.Time       `json:"created_at"         db:"created_at"`
}

// SetPathOutcome records the per-path result of a set operation. A set may
// partially succeed; callers get the full per-path breakdown rather than a
// single verdict.
type SetPathOutcome struct {
	Path    string `json:"path"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// SetOutput is the Output payload for set operations.
type SetOutput struct {
	Outcomes []SetPathOutcome `json:"outcomes"`
}

// GetOutput is the Output payload for get operations.
type GetOutput struct {
	Pairs map[string]string `json:"pairs"`
}

// BulkOutput is the Output payload for bulk walk operations.
type BulkOutput struct {
	Pairs map[string]string `json:"pairs"`
	Pages int               `json:"pages"`
}

// OperateOutput is the Output payload for operate operations.
type OperateOutput struct {
	Output map[string]string `json:"output,omitempty"`
}

// EndpointSnapshot is the redacted endpoint description embedded in a
// JobResult. It never carries credential material.
type EndpointSnapshot struct {
	Protocol ProtocolKind `json:"protocol"`
	Address  string       `json:"address"`
	Port     int          `json:"port,omitempty"`
	AuthKind string       `json:"auth_kind,omitempty"`
}
