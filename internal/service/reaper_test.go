package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/opsgrid/deviceops/config"
	"github.com/opsgrid/deviceops/internal/mocks"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:       time.Minute,
		QueuedMaxAge:   time.Hour,
		TerminalMaxAge: 7 * 24 * time.Hour,
		BatchSize:      100,
	}
}

func TestNewReaperService_RequiresRepo(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})
	require.Error(t, err)
}

func TestReaperService_RunCleanup(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	events := mocks.NewMockProgressEventRepository(ctrl)

	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:   repo,
		Events: events,
		Config: testReaperConfig(),
	})
	require.NoError(t, err)

	// Each sweep returns a first batch then zero, exercising the batch loop.
	gomock.InOrder(
		repo.EXPECT().FailExpired(gomock.Any(), gomock.Any(), 100).Return(3, nil),
		repo.EXPECT().FailExpired(gomock.Any(), gomock.Any(), 100).Return(0, nil),
	)
	gomock.InOrder(
		repo.EXPECT().FailStaleQueued(gomock.Any(), gomock.Any(), 100).Return(2, nil),
		repo.EXPECT().FailStaleQueued(gomock.Any(), gomock.Any(), 100).Return(0, nil),
	)
	events.EXPECT().DeleteForJobsBefore(gomock.Any(), gomock.Any()).Return(40, nil)
	gomock.InOrder(
		repo.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), 100).Return(10, nil),
		repo.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), 100).Return(0, nil),
	)

	require.NoError(t, svc.RunCleanup(context.Background()))
}

func TestReaperService_RunCleanup_UsesConfiguredCutoffs(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)

	cfg := testReaperConfig()
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
	require.NoError(t, err)

	now := time.Now()
	repo.EXPECT().
		FailExpired(gomock.Any(), gomock.Any(), cfg.BatchSize).
		DoAndReturn(func(_ context.Context, before time.Time, _ int) (int, error) {
			assert.WithinDuration(t, now, before, 5*time.Second)
			return 0, nil
		})
	repo.EXPECT().
		FailStaleQueued(gomock.Any(), gomock.Any(), cfg.BatchSize).
		DoAndReturn(func(_ context.Context, olderThan time.Time, _ int) (int, error) {
			assert.WithinDuration(t, now.Add(-cfg.QueuedMaxAge), olderThan, 5*time.Second)
			return 0, nil
		})
	repo.EXPECT().
		DeleteTerminalBefore(gomock.Any(), gomock.Any(), cfg.BatchSize).
		DoAndReturn(func(_ context.Context, cutoff time.Time, _ int) (int, error) {
			assert.WithinDuration(t, now.Add(-cfg.TerminalMaxAge), cutoff, 5*time.Second)
			return 0, nil
		})

	require.NoError(t, svc.RunCleanup(context.Background()))
}

func TestReaperService_RunCleanup_ContinuesPastStepErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)

	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	sweepErr := errors.New("deadlock detected")
	repo.EXPECT().FailExpired(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, sweepErr)
	// Later steps still run despite the earlier failure.
	repo.EXPECT().FailStaleQueued(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil)
	repo.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil)

	err = svc.RunCleanup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sweepErr)
}

func TestReaperService_RunCleanup_ContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)

	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	repo.EXPECT().
		FailExpired(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(0, context.Canceled)
	repo.EXPECT().
		FailStaleQueued(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(0, context.Canceled)
	repo.EXPECT().
		DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(0, context.Canceled)

	err = svc.RunCleanup(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaperService_Run_StopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)

	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	repo.EXPECT().FailExpired(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()
	repo.EXPECT().FailStaleQueued(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()
	repo.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}
