// Package core defines the ports between the service layer and the data
// layer. Services depend on these interfaces, never on concrete
// implementations.
package core

import (
	"context"
	"time"

	"github.com/opsgrid/deviceops/internal/domain/model"
)

// JobRepository defines the interface for job queue data operations.
//
// ClaimNext atomically moves one queued job to running under a lease;
// exactly one claimant can win a given job. RequestCancel is idempotent:
// against a queued job it finalizes the job to cancelled directly, against a
// running job it flips the cancel flag and parks the job in cancelling for
// the worker to observe, and against a terminal job it is a no-op.
type JobRepository interface {
	Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ClaimNext(ctx context.Context, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	SetProgress(ctx context.Context, jobID string, percent int) error
	MarkCompleted(ctx context.Context, jobID string) (bool, error)
	MarkFailed(ctx context.Context, jobID, errMsg string) (bool, error)
	MarkCancelled(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	ListRecent(ctx context.Context, limit int) ([]*model.Job, error)
}

// ReaperRepository defines the unscoped sweep operations the reaper runs.
// Each call processes at most batchSize rows and reports how many it
// touched; callers loop until a sweep returns zero.
type ReaperRepository interface {
	FailExpired(ctx context.Context, before time.Time, batchSize int) (int, error)
	FailStaleQueued(ctx context.Context, olderThan time.Time, batchSize int) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// JobResultRepository defines the interface for persisted job results.
// Insert is insert-once: a second result for the same job is a conflict,
// results are never overwritten.
type JobResultRepository interface {
	Insert(ctx context.Context, result *model.JobResult) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
}

// EndpointRepository defines the interface for protocol endpoint records.
// Reads are scoped by the tenant in the context; a lookup never observes
// another tenant's endpoints.
type EndpointRepository interface {
	GetForDevice(ctx context.Context, deviceID string, protocol model.ProtocolKind) (*model.ProtocolEndpoint, error)
	Upsert(ctx context.Context, endpoint *model.ProtocolEndpoint) (*model.ProtocolEndpoint, error)
	Delete(ctx context.Context, deviceID string, protocol model.ProtocolKind) (bool, error)
	ListForDevice(ctx context.Context, deviceID string) ([]*model.ProtocolEndpoint, error)
}

// ProgressEventRepository defines the interface for the per-job append-only
// progress log. Append assigns the next dense sequence number for the job;
// ListFrom returns events with seq >= fromSeq in sequence order.
type ProgressEventRepository interface {
	Append(ctx context.Context, event *model.ProgressEvent) (*model.ProgressEvent, error)
	ListFrom(ctx context.Context, jobID string, fromSeq int64) ([]*model.ProgressEvent, error)
	DeleteForJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ProgressBroadcaster fans live progress events out to subscribers across
// process boundaries. Delivery is best-effort; durable history lives in the
// ProgressEventRepository and subscribers reconcile by sequence number.
type ProgressBroadcaster interface {
	Broadcast(ctx context.Context, event *model.ProgressEvent) error
	Subscribe(ctx context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error)
}
