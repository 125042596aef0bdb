package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 0x4000, cfg.TracepointTableSize)
	assert.Equal(t, uint32(250000), cfg.MaxTracepoints)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pidtrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracepointTableSize: 1024
maxTracepoints: 100
cleanupInterval: 250ms
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.TracepointTableSize)
	assert.Equal(t, uint32(100), cfg.MaxTracepoints)
	assert.Equal(t, 250*time.Millisecond, cfg.CleanupInterval)
	assert.Equal(t, 0x100, cfg.ProviderTableSize, "unset keys keep their default")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pidtrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracepointTableSise: 1\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NODE_NAME":                "node-1",
		"PIDTRAP_MAX_TRACEPOINTS":  "0x10",
		"PIDTRAP_CLEANUP_INTERVAL": "2s",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "node-1", cfg.NodeName)
	assert.Equal(t, uint32(16), cfg.MaxTracepoints)
	assert.Equal(t, 2*time.Second, cfg.CleanupInterval)

	env["PIDTRAP_CLEANUP_INTERVAL"] = "soon"
	assert.Error(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ProviderTableSize = 0
	cfg.MaxTracepoints = 0
	cfg.EnableController = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providerTableSize")
	assert.Contains(t, err.Error(), "maxTracepoints")
	assert.Contains(t, err.Error(), "NODE_NAME")
}
