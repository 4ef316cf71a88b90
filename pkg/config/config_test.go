package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shadowbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("share_port: 9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultAutoLockMinutes, cfg.AutoLockMinutes)
	assert.Equal(t, int64(DefaultMaxFileSize), cfg.MaxFileSize)
	assert.Equal(t, 9000, cfg.SharePort)
	assert.Equal(t, filepath.Join(dir, "storage"), cfg.StorageRoot)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.SharePort = 70000
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
