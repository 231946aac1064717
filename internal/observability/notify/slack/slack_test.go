package slack

import (
	"strings"
	"testing"
	"time"

	"github.com/opsgrid/deviceops/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:     "123",
		Protocol:  "snmp",
		Operation: "get",
		DeviceID:  "device-1",
		TenantID:  "tenant-1",
		Error:     "boom",
		ErrorKind: "timeout",
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Device operation failure", "123", "snmp/get", "device-1", "tenant-1", "boom", "timeout"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageJobLink(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:   "https://hooks.slack.com/services/test",
		JobURLPrefix: "https://ops.example.local/jobs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID: "job-123",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	expected := "<https://ops.example.local/jobs/job-123|`job-123`>"
	if !strings.Contains(text, expected) {
		t.Fatalf("expected job link %q in text: %s", expected, text)
	}
}

func TestFormatMessageEscapesDeviceID(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		DeviceID: "cpe & <lab>",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "cpe &amp; &lt;lab&gt;") {
		t.Fatalf("expected escaped device id, got: %s", text)
	}
}

func TestBuildJobLinkRejectsBadPrefix(t *testing.T) {
	tcs := []struct {
		name   string
		prefix string
		jobID  string
		want   string
	}{
		{
			name:   "valid prefix",
			prefix: "https://ops.example/jobs",
			jobID:  "job-1",
			want:   "https://ops.example/jobs/job-1",
		},
		{
			name:   "not a url",
			prefix: "not a url",
			jobID:  "job-2",
			want:   "",
		},
		{
			name:   "missing prefix",
			jobID:  "job-3",
			want:   "",
		},
		{
			name:   "missing job id",
			prefix: "https://ops.example/jobs",
			want:   "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:   "https://hooks.slack.com/services/test",
				JobURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := client.buildJobLink(tc.jobID)
			if got != tc.want {
				t.Fatalf("buildJobLink(%q) = %q, want %q", tc.jobID, got, tc.want)
			}
		})
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
