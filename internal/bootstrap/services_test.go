package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/config"
)

func TestBuildFailureNotifierDisabled(t *testing.T) {
	svc := buildFailureNotifier(nil, config.ObservabilityNotificationsConfig{})
	require.NotNil(t, svc)
	assert.False(t, svc.Enabled())
}

func TestBuildFailureNotifierSlackOnly(t *testing.T) {
	svc := buildFailureNotifier(nil, config.ObservabilityNotificationsConfig{
		Enabled: true,
		Timeout: 5 * time.Second,
		Slack: config.SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/T0/B0/xyz",
		},
	})
	require.NotNil(t, svc)
	assert.True(t, svc.Enabled())
}

func TestBuildFailureNotifierSkipsMisconfiguredSinks(t *testing.T) {
	// Enabled flags without credentials produce a notifier with no sinks
	// rather than a startup failure.
	svc := buildFailureNotifier(nil, config.ObservabilityNotificationsConfig{
		Enabled:   true,
		Slack:     config.SlackNotificationConfig{Enabled: true},
		PagerDuty: config.PagerDutyNotificationConfig{Enabled: true},
	})
	require.NotNil(t, svc)
	assert.False(t, svc.Enabled())
}

func TestBuildObservabilityDisabledMetrics(t *testing.T) {
	observability := buildObservability(nil, config.ObservabilityConfig{})
	require.NotNil(t, observability.Metrics)
	require.NotNil(t, observability.FailureNotifier)
}

func TestValidateServiceConfig(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker,reaper"}
	require.NoError(t, ValidateServiceConfig(cfg))

	assert.ElementsMatch(t, []string{"worker", "reaper"}, GetEnabledServices(cfg))

	bad := &config.AppConfig{Services: "scheduler"}
	require.Error(t, ValidateServiceConfig(bad))

	require.Error(t, ValidateServiceConfig(nil))
}
