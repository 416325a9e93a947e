package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PMCRM_CONFIG", filepath.Join(dir, "config.toml"))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), nil, 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Sync.BatchSize)
	assert.Equal(t, 100, cfg.Sync.MaxErrors)
	assert.Equal(t, "US", cfg.Sync.DefaultRegion)
	assert.Equal(t, 2*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, 10*time.Minute, cfg.Sync.HandleRetention)
	assert.Equal(t, "common", cfg.Microsoft.Tenant)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := isolate(t)
	body := `
[sync]
batch_size = 50
default_region = "CZ"

[google]
client_id = "from-file"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0600))
	t.Setenv("PMCRM_GOOGLE_CLIENT_ID", "from-env")
	t.Setenv("PMCRM_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("PMCRM_SYNC_RETRY_MAX_ELAPSED", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "CZ", cfg.Sync.DefaultRegion)
	assert.Equal(t, "from-env", cfg.Google.ClientID)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Sync.Retry.MaxElapsed)
}

func TestLoadRejectsInvalidBatchSize(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[sync]\nbatch_size = 0\n"), 0600))

	_, err := Load()
	assert.Error(t, err)
}
