package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache_capacity_bytes: 1000000
default_tokens: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), cfg.CacheCapacityBytes)
	assert.Equal(t, 4, cfg.DefaultTokens)
	// Unspecified fields keep their default.
	assert.Equal(t, Default().MaxErrLines, cfg.MaxErrLines)
}

func TestLoadDisablesTmpViewWithoutSizeOrDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tmp_view:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.TmpView.Enabled)
}

func TestLoadKeepsTmpViewWhenSizeGiven(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tmp_view:
  enabled: true
  tmp_sz_mb: 512
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.TmpView.Enabled)
}

func TestValidateRejectsNegativeCapacity(t *testing.T) {
	cfg := Default()
	cfg.CacheCapacityBytes = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
