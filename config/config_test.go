package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 3, cfg.Sync.GetMaxSessions())

	connectTimeout, err := cfg.Sync.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, connectTimeout)

	backoff, err := cfg.Sync.GetConnectionLimitBackoff()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, backoff)

	assert.Equal(t, 2, cfg.Queue.GetConcurrency())
	assert.Equal(t, 3, cfg.Queue.GetMaxAttempts())

	jobTimeout, err := cfg.Queue.GetJobTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, jobTimeout)

	idleCycle, err := cfg.Bridge.GetIdleCycle()
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, idleCycle)

	assert.Equal(t, ":9090", cfg.Metrics.GetAddr())
	assert.Equal(t, "/metrics", cfg.Metrics.GetPath())
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
[database]
host = "db.internal"
name = "flagsync"

[sync]
max_sessions = 2
connection_limit_backoff = "90s"

[queue]
retry_base = "10s"

[providers.yandex]
batch_size = 10
batch_delay = "1s"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 2, cfg.Sync.GetMaxSessions())

	backoff, err := cfg.Sync.GetConnectionLimitBackoff()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, backoff)

	retryBase, err := cfg.Queue.GetRetryBase()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, retryBase)

	tuning, ok := cfg.Providers["yandex"]
	require.True(t, ok)
	assert.Equal(t, 10, tuning.BatchSize)
	delay, err := tuning.GetBatchDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)

	// Defaults survive the merge.
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Queue.JobTimeout = "not-a-duration"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.job_timeout")
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Database.Host = ""
	require.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Database.Name = ""
	require.Error(t, cfg.Validate())
}

func TestValidateChecksProviderTuning(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Providers = map[string]ProviderTuningConfig{
		"gmail": {BatchTimeout: "bogus"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.gmail.batch_timeout")
}
