package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsgrid/deviceops/internal/core"
	"github.com/opsgrid/deviceops/internal/domain/model"
)

// Publisher appends progress events to the durable per-job log and fans them
// out to live subscribers. The append is authoritative; a failed broadcast
// only degrades liveness, never correctness.
type Publisher struct {
	events      core.ProgressEventRepository
	broadcaster core.ProgressBroadcaster
	logger      *slog.Logger
}

// PublisherOptions configure a Publisher.
type PublisherOptions struct {
	Events      core.ProgressEventRepository
	Broadcaster core.ProgressBroadcaster
	Logger      *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Events == nil {
		return nil, errors.New("progress publisher requires an event repository")
	}
	if opts.Broadcaster == nil {
		return nil, errors.New("progress publisher requires a broadcaster")
	}
	return &Publisher{
		events:      opts.Events,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
	}, nil
}

// Publish appends one event to the job's log and broadcasts it. The returned
// event carries the assigned sequence number.
func (p *Publisher) Publish(ctx context.Context, event *model.ProgressEvent) (*model.ProgressEvent, error) {
	saved, err := p.events.Append(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("append progress event: %w", err)
	}

	if bErr := p.broadcaster.Broadcast(ctx, saved); bErr != nil && p.logger != nil {
		p.logger.WarnContext(ctx, "broadcast progress event failed",
			"job_id", saved.JobID,
			"seq", saved.Seq,
			"error", bErr,
		)
	}
	return saved, nil
}

// PublishPhase is the convenience form used by workers at checkpoints.
func (p *Publisher) PublishPhase(ctx context.Context, jobID string, phase model.ProgressPhase, percent int, message string) (*model.ProgressEvent, error) {
	return p.Publish(ctx, &model.ProgressEvent{
		JobID:   jobID,
		Phase:   phase,
		Percent: percent,
		Message: message,
	})
}

// PublishDetail publishes an event with a structured detail payload.
func (p *Publisher) PublishDetail(ctx context.Context, event *model.ProgressEvent, detail any) (*model.ProgressEvent, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal progress detail: %w", err)
	}
	event.Detail = raw
	return p.Publish(ctx, event)
}

// Stream produces the job's ordered progress events from fromSeq on: stored
// history first, then the live tail. Events are de-duplicated by sequence
// number, so a consumer may hand back the last sequence it saw and tolerate
// the re-delivered boundary event. The stream closes after a terminal phase,
// or when cancel is called or the context ends.
func (p *Publisher) Stream(ctx context.Context, jobID string, fromSeq int64) (<-chan *model.ProgressEvent, func(), error) {
	// Subscribe before the replay snapshot: anything published in between
	// arrives on the live channel and the seq filter drops overlap.
	live, cancelLive, err := p.broadcaster.Subscribe(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to progress: %w", err)
	}

	history, err := p.events.ListFrom(ctx, jobID, fromSeq)
	if err != nil {
		cancelLive()
		return nil, nil, fmt.Errorf("replay progress history: %w", err)
	}

	out := make(chan *model.ProgressEvent, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer cancelLive()

		nextSeq := fromSeq
		emit := func(event *model.ProgressEvent) bool {
			if event.Seq < nextSeq {
				return true
			}
			select {
			case out <- event:
			case <-done:
				return false
			case <-ctx.Done():
				return false
			}
			nextSeq = event.Seq + 1
			return !event.Phase.Terminal()
		}

		for _, event := range history {
			if !emit(event) {
				return
			}
		}

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case event, ok := <-live:
				if !ok {
					return
				}
				// A gap in the live tail means drops; refill from the log.
				if event.Seq > nextSeq {
					missed, listErr := p.events.ListFrom(ctx, jobID, nextSeq)
					if listErr != nil {
						if p.logger != nil {
							p.logger.WarnContext(ctx, "refill progress gap failed",
								"job_id", jobID,
								"from_seq", nextSeq,
								"error", listErr,
							)
						}
						return
					}
					for _, m := range missed {
						if !emit(m) {
							return
						}
					}
					continue
				}
				if !emit(event) {
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}
	return out, cancel, nil
}
