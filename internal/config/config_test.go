package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithNoConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	contents := []byte("http_addr: \":9090\"\nlog_level: debug\nenable_gossip: true\nrequest_deadline: 30s\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.EnableGossip)
	require.Equal(t, 30*time.Second, cfg.RequestDeadline)
	// Untouched fields keep their defaults.
	require.Equal(t, Defaults().SweepInterval, cfg.SweepInterval)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ORACLEBROKER_HTTP_ADDR", ":7070")
	t.Setenv("ORACLEBROKER_LOG_PRETTY", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPAddr)
	require.True(t, cfg.LogPretty)
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
