package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/opsgrid/deviceops/internal/domain/model"
)

// channelPrefix namespaces per-job pub/sub channels.
const channelPrefix = "deviceops.job."

// RedisBroadcaster is the cross-process ProgressBroadcaster. Each job gets
// its own pub/sub channel so subscribers receive only their job's events.
// Pub/sub is fire-and-forget; the durable log remains the source of truth.
type RedisBroadcaster struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBroadcaster creates a RedisBroadcaster on an established client.
func NewRedisBroadcaster(client redis.UniversalClient, logger *slog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, logger: logger}
}

func jobChannel(jobID string) string {
	return channelPrefix + jobID
}

// Broadcast publishes the event on the job's channel.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, event *model.ProgressEvent) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, jobChannel(event.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

// Subscribe follows the job's channel until cancel is called or the context
// ends. Messages that fail to decode are dropped with a log line; consumers
// reconcile gaps from the durable log.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, jobChannel(jobID))

	// Force the subscription to be established before returning so callers
	// can snapshot the durable log without a window of missed events.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to progress channel: %w", err)
	}

	events := make(chan *model.ProgressEvent, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(events)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event model.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if b.logger != nil {
						b.logger.WarnContext(ctx, "drop undecodable progress event",
							"job_id", jobID,
							"error", err,
						)
					}
					continue
				}
				select {
				case events <- &event:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil && b.logger != nil {
				b.logger.WarnContext(context.Background(), "close progress subscription",
					"job_id", jobID,
					"error", err,
				)
			}
		})
	}
	return events, cancel, nil
}
