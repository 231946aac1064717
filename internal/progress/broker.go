// Package progress fans per-job progress events out to live subscribers and
// stitches replayed history onto the live stream for reconnecting consumers.
package progress

import (
	"context"
	"sync"

	"github.com/opsgrid/deviceops/internal/domain/model"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this misses live events and reconciles from the
// durable log by sequence number.
const subscriberBuffer = 64

// Broker is the in-process ProgressBroadcaster used by single-node
// deployments and tests. Delivery is best-effort and drop-on-full.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan *model.ProgressEvent]struct{}
	closed bool
}

// NewBroker creates an in-process progress broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan *model.ProgressEvent]struct{}),
	}
}

// Broadcast delivers the event to every live subscriber of its job.
func (b *Broker) Broadcast(_ context.Context, event *model.ProgressEvent) error {
	if event == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	for ch := range b.subs[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a live-event channel for the job. The returned cancel
// function is idempotent and closes the channel.
func (b *Broker) Subscribe(_ context.Context, jobID string) (<-chan *model.ProgressEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.ProgressEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}

	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan *model.ProgressEvent]struct{})
	}
	b.subs[jobID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs := b.subs[jobID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, jobID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close shuts the broker down and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for jobID, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
		delete(b.subs, jobID)
	}
}
