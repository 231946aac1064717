package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProgressPhase labels the stage of execution a progress event reports.
type ProgressPhase string

const (
	// PhaseQueued is the first event of every job, appended at enqueue time.
	PhaseQueued ProgressPhase = "queued"
	// PhaseStarted marks a worker taking ownership of the job.
	PhaseStarted ProgressPhase = "started"
	// PhaseConnecting marks endpoint resolution and transport setup for the
	// target device.
	PhaseConnecting ProgressPhase = "connecting"
	// PhaseRetrying marks a transient failure followed by a backoff retry.
	PhaseRetrying ProgressPhase = "retrying"
	// PhaseProgress reports partial completion, e.g. a finished page of a
	// bulk walk. The event's Percent carries the estimate.
	PhaseProgress ProgressPhase = "progress"
	// PhaseCompleted closes the log of a successful job.
	PhaseCompleted ProgressPhase = "completed"
	// PhaseFailed closes the log of a failed job.
	PhaseFailed ProgressPhase = "failed"
	// PhaseCancelled closes the log of a cancelled job.
	PhaseCancelled ProgressPhase = "cancelled"
)

// Terminal reports whether the phase closes the job's progress log. Streams
// replay up to and including the terminal event, then end.
func (p ProgressPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ProgressEvent is one entry in a job's append-only progress log. Seq is
// assigned at append time and is dense per job: 0, 1, 2, ... with no gaps,
// so consumers can detect missed events and de-duplicate replays.
type ProgressEvent struct {
	JobID    string        `json:"job_id"  db:"job_id"`
	Seq      int64         `json:"seq"     db:"seq"`
	TenantID string        `json:"tenant_id" db:"tenant_id"`
	Phase    ProgressPhase `json:"phase"   db:"phase"`
	// Percent is the coarse completion estimate at the time of the event,
	// 0..100, monotonically non-decreasing within a job.
	Percent int    `json:"percent" db:"percent"`
	Message string `json:"message,omitempty" db:"message"`
	// Detail carries phase-specific structure, e.g. the attempt number for
	// retrying events or the page index for page events.
	Detail    json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time       `json:"created_at"       db:"created_at"`
}

// Label renders the display label for the event: the phase name, or
// "progress:<n>%" for progress events.
func (e *ProgressEvent) Label() string {
	if e.Phase == PhaseProgress {
		return fmt.Sprintf("progress:%d%%", e.Percent)
	}
	return string(e.Phase)
}

// RetryDetail is the Detail payload for retrying events.
type RetryDetail struct {
	Attempt   int    `json:"attempt"`
	BackoffMS int64  `json:"backoff_ms"`
	ErrorKind string `json:"error_kind"`
}

// PageDetail is the Detail payload for page events.
type PageDetail struct {
	Page    int    `json:"page"`
	Entries int    `json:"entries"`
	Resume  string `json:"resume,omitempty"`
}
