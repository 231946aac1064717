package failurenotifier

import (
	"context"
	"errors"
	"testing"

	"github.com/opsgrid/deviceops/internal/observability/notify"
)

func TestServiceNotifyJobFailure(t *testing.T) {
	ctx := context.Background()

	var received []notify.JobFailurePayload
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "capture",
				Sink: notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
					received = append(received, payload)
					return nil
				}),
			},
		},
	})

	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:    "123",
		Protocol: "snmp",
	})

	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", received[0].Severity)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
}

func TestServiceLogsErrors(t *testing.T) {
	// Ensure we don't panic when a sink returns an error.
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "fail",
				Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
					return errors.New("boom")
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
}

func TestServiceSkipsNilSinks(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{Name: "absent", Sink: nil}},
	})
	if svc.Enabled() {
		t.Fatal("expected nil sinks to be dropped at construction")
	}
}
