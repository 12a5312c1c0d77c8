package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 500, cfg.Queue.KeepFailed)
	assert.Equal(t, 100, cfg.Queue.KeepCompleted)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.RateLimit.StoreTimeout)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  concurrency: 4\nredis:\n  addr: file:6379\n"), 0o600))

	t.Setenv("SHOPEV_REDIS_ADDR", "env:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
}

func TestValidateEncryptionKey(t *testing.T) {
	var cfg Config

	cfg.App.Env = "production"
	assert.ErrorIs(t, cfg.Validate(), ErrMissingEncryptionKey)

	cfg.Security.EncryptionKey = "s3cret"
	assert.NoError(t, cfg.Validate())

	cfg = Config{}
	cfg.App.Env = "development"
	require.NoError(t, cfg.Validate())
	key, dev := cfg.EncryptionKey()
	assert.True(t, dev)
	assert.Equal(t, DevEncryptionKey, key)
}
