package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/internal/domain/model"
)

func TestBroker_BroadcastReachesJobSubscribers(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()
	ctx := context.Background()

	chA, cancelA, err := broker.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer cancelA()

	chB, cancelB, err := broker.Subscribe(ctx, "job-b")
	require.NoError(t, err)
	defer cancelB()

	event := &model.ProgressEvent{JobID: "job-a", Seq: 0, Phase: model.PhaseStarted}
	require.NoError(t, broker.Broadcast(ctx, event))

	select {
	case got := <-chA:
		assert.Equal(t, int64(0), got.Seq)
		assert.Equal(t, model.PhaseStarted, got.Phase)
	case <-time.After(time.Second):
		t.Fatal("expected event on job-a subscription")
	}

	select {
	case got := <-chB:
		t.Fatalf("unexpected event on job-b subscription: %+v", got)
	default:
	}
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ch, cancel, err := broker.Subscribe(context.Background(), "job-a")
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestBroker_DropOnFullDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()
	ctx := context.Background()

	_, cancel, err := broker.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = broker.Broadcast(ctx, &model.ProgressEvent{JobID: "job-a", Seq: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestBroker_CloseClosesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	ch, _, err := broker.Subscribe(context.Background(), "job-a")
	require.NoError(t, err)

	broker.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close yields an already-closed channel.
	ch2, cancel2, err := broker.Subscribe(context.Background(), "job-a")
	require.NoError(t, err)
	defer cancel2()
	_, open = <-ch2
	assert.False(t, open)
}
