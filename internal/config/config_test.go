package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "nexus.yaml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0600))
	return file
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 4, cfg.Transfer.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Transfer.RecordTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Transfer.Heartbeat)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "rclone", cfg.RcloneBinary)
	assert.NotContains(t, cfg.CatalogPath, "~", "home directory is expanded")
}

func TestLoad_FileAndEnv(t *testing.T) {
	file := writeConfig(t, `
scratch_dir: /var/tmp/nexus
connect_timeout: 3s
transfer:
  max_concurrent: 2
  record_ttl: 10m
log:
  level: debug
`)
	t.Setenv("NEXUS_TRANSFER_MAX_CONCURRENT", "8")
	t.Setenv("NEXUS_JWT_SECRET", "s3cret")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/var/tmp/nexus", cfg.ScratchDir)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 8, cfg.Transfer.MaxConcurrent, "environment wins over the file")
	assert.Equal(t, 10*time.Minute, cfg.Transfer.RecordTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoad_ExpandsHome(t *testing.T) {
	file := writeConfig(t, "catalog_path: ~/conns.yaml\n")
	cfg, err := Load(file)
	require.NoError(t, err)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "conns.yaml"), cfg.CatalogPath)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	file := writeConfig(t, "transfer:\n  max_concurrent: 0\nconnect_timeout: 0s\n")
	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer.max_concurrent")
	assert.Contains(t, err.Error(), "connect_timeout")
}
