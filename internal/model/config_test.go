package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig(), cfg)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "config.yaml")

	cfg := DefaultAppConfig()
	cfg.Store.Path = "/tmp/index.db"
	cfg.Store.BatchSize = 250
	cfg.Cache.Capacity = 64
	cfg.Sync.EnvelopeIndexPath = "/tmp/Envelope Index"
	cfg.Executor.Kind = ExecutorIMAP
	cfg.Executor.IMAP.Host = "imap.example.com"
	cfg.Executor.IMAP.Username = "me"
	cfg.Log.Level = "debug"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigFillsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  capacity: 10\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Cache.Capacity)
	assert.Equal(t, 1000, cfg.Store.BatchSize)
	assert.Equal(t, ExecutorOSAScript, cfg.Executor.Kind)
	assert.Equal(t, "Archive", cfg.Executor.IMAP.ArchiveMailbox)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  kind: imap\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultAppConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultAppConfig()
	cfg.Executor.Kind = "fax"
	assert.Error(t, cfg.Validate())
}

func TestWriteRetryDelay(t *testing.T) {
	assert.Equal(t, int64(50_000_000), int64(StoreConfig{WriteRetryDelayMS: 50}.WriteRetryDelay()))
}
