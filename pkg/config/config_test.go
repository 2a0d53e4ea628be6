package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	body := "data_dir: /var/lib/loom\nconnection_mode: bluetooth\nlog_level: debug\nlog_json: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/loom", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.LogJSON)

	mode, err := cfg.Mode()
	require.NoError(t, err)
	require.Equal(t, ConnectionBluetooth, mode)
}

func TestParseConnectionModeRejectsUnknown(t *testing.T) {
	_, err := ParseConnectionMode("carrier-pigeon")
	require.Error(t, err)
}
