package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://service.berlin.de", cfg.SiteBaseURL)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention)
	assert.Equal(t, 100, cfg.TargetLimit)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Empty(t, cfg.HotWindows)
	assert.False(t, cfg.DryRun)
	assert.False(t, cfg.Mail.Enabled())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PUNKOW_POLL_SECONDS", "60")
	t.Setenv("PUNKOW_HOT_WINDOWS", "0 0 * * * ; 30 7 * * 1")
	t.Setenv("PUNKOW_DRY_RUN", "true")
	t.Setenv("PUNKOW_SMTP_HOST", "mail.example.org")
	t.Setenv("PUNKOW_SMTP_PORT", "587")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, []string{"0 0 * * *", "30 7 * * 1"}, cfg.HotWindows)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.Mail.Enabled())
	assert.Equal(t, 587, cfg.Mail.Port)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("PUNKOW_POLL_SECONDS", "zero")
	_, err := FromEnv()
	assert.Error(t, err)
}
