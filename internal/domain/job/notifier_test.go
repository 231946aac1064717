package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls   atomic.Int64
	release chan struct{}
}

func (w *stubWaiter) WaitForNotification(ctx context.Context) error {
	w.calls.Add(1)
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNewNotifier_RequiresWaiter(t *testing.T) {
	_, err := NewNotifier(NotifierOptions{})
	assert.ErrorIs(t, err, ErrWaiterRequired)
}

func TestNotifier_SubscribeReceivesWakeup(t *testing.T) {
	waiter := &stubWaiter{release: make(chan struct{}, 1)}
	notifier, err := NewNotifier(NotifierOptions{
		Waiter:     waiter,
		WaitWindow: time.Second,
		Backoff:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe()
	defer unsub()

	waiter.release <- struct{}{}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wakeup after notification")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{release: make(chan struct{})}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe()
	unsub()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("expected closed channel after unsubscribe")
	}

	// second unsubscribe is a no-op
	unsub()
}

func TestNotifier_StopAllClosesSubscribers(t *testing.T) {
	waiter := &stubWaiter{release: make(chan struct{})}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	_, ch1 := notifier.Subscribe()
	_, ch2 := notifier.Subscribe()

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("expected closed channel after StopAll")
		}
	}
}
