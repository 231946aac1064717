package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[ServiceMode]bool
		wantErr  bool
	}{
		{
			name:     "single worker service",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:     "single reaper service",
			input:    "reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:  "worker and reaper",
			input: "worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:  "whitespace is trimmed",
			input: " worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicates collapse",
			input:    "worker,worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "only commas",
			input:   ",,,",
			wantErr: true,
		},
		{
			name:    "invalid service name",
			input:   "worker,http",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, err := ParseServices(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, services)
		})
	}
}

func TestAppConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name       string
		services   string
		wantWorker bool
		wantReaper bool
	}{
		{name: "worker only", services: "worker", wantWorker: true},
		{name: "reaper only", services: "reaper", wantReaper: true},
		{name: "both", services: "worker,reaper", wantWorker: true, wantReaper: true},
		{name: "invalid disables everything", services: "nonsense"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AppConfig{Services: tt.services}
			assert.Equal(t, tt.wantWorker, cfg.IsWorkerEnabled())
			assert.Equal(t, tt.wantReaper, cfg.IsReaperEnabled())
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	assert.ElementsMatch(t, []ServiceMode{ServiceModeWorker, ServiceModeReaper}, modes)
}

func TestWorkerConfig_Sanitize(t *testing.T) {
	tests := []struct {
		name string
		in   WorkerConfig
		want WorkerConfig
	}{
		{
			name: "zero values clamp up",
			in:   WorkerConfig{},
			want: WorkerConfig{
				Concurrency:       1,
				JobLease:          5 * time.Second,
				HeartbeatInterval: 5 * time.Second / 3,
				JobDeadline:       5 * time.Second,
			},
		},
		{
			name: "heartbeat above lease is reset",
			in: WorkerConfig{
				Concurrency:       8,
				JobLease:          30 * time.Second,
				HeartbeatInterval: time.Minute,
				JobDeadline:       5 * time.Minute,
			},
			want: WorkerConfig{
				Concurrency:       8,
				JobLease:          30 * time.Second,
				HeartbeatInterval: 10 * time.Second,
				JobDeadline:       5 * time.Minute,
			},
		},
		{
			name: "deadline below lease is raised to lease",
			in: WorkerConfig{
				Concurrency:       2,
				JobLease:          time.Minute,
				HeartbeatInterval: 10 * time.Second,
				JobDeadline:       time.Second,
			},
			want: WorkerConfig{
				Concurrency:       2,
				JobLease:          time.Minute,
				HeartbeatInterval: 10 * time.Second,
				JobDeadline:       time.Minute,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.Sanitize()
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestProtocolConfig_Sanitize(t *testing.T) {
	cfg := ProtocolConfig{}
	cfg.Sanitize()

	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 1, cfg.RetryMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 25, cfg.SNMPMaxRepetitions)
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:       time.Second,
		QueuedMaxAge:   time.Second,
		TerminalMaxAge: time.Second,
		BatchSize:      0,
	}
	cfg.Sanitize()

	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.QueuedMaxAge)
	assert.Equal(t, time.Hour, cfg.TerminalMaxAge)
	assert.Equal(t, 1, cfg.BatchSize)

	cfg.BatchSize = 50000
	cfg.Sanitize()
	assert.Equal(t, 10000, cfg.BatchSize)
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "  "}
	cfg.Sanitize()
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.IsEnabled())

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "127.0.0.1:8125"}
	cfg.Sanitize()
	assert.True(t, cfg.IsEnabled())
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled: true,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " https://hooks.example.com/T123 ",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled: true,
			// no routing key: must be disabled after sanitisation
		},
	}
	cfg.Sanitize()

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.Slack.Enabled)
	assert.Equal(t, "https://hooks.example.com/T123", cfg.Slack.WebhookURL)
	assert.False(t, cfg.PagerDuty.Enabled)

	disabled := ObservabilityNotificationsConfig{
		Slack: SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.example.com"},
	}
	disabled.Sanitize()
	assert.False(t, disabled.Slack.Enabled, "master switch off disables all sinks")
}
