package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "antfarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// requireDBPassword satisfies store.Config.Validate, which Load calls via
// store.LoadConfigFromEnv regardless of what's under test here.
func requireDBPassword(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "test-password")
}

func TestLoad_Defaults(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "antfarm.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./workflows", cfg.WorkflowDir)
	assert.Equal(t, ":8070", cfg.ListenAddr)
	assert.Equal(t, 30_000, cfg.Daemon.IntervalMS)
	assert.Equal(t, "", cfg.WebhookURL)
}

func TestLoad_UserYAMLOverridesDefaults(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
workflow_dir: /custom/workflows
listen_addr: ":9999"
webhook_url: "https://example.test/hook"
daemon:
  interval_ms: 60000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/custom/workflows", cfg.WorkflowDir)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "https://example.test/hook", cfg.WebhookURL)
	assert.Equal(t, 60_000, cfg.Daemon.IntervalMS)
	// Fields the user config didn't set still fall back to Defaults().
	assert.Equal(t, "./progress", cfg.ProgressDir)
}

func TestLoad_EnforcesMinIntervalFloor(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
daemon:
  interval_ms: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinIntervalMS, cfg.Daemon.IntervalMS)
}

func TestLoad_ResolvesDurations(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
gateway_timeout: "5s"
daemon:
  sweep_every: "1m"
  session_gc_every: "15m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5e9, float64(cfg.GatewayTimeout))
	assert.Equal(t, int64(60e9), cfg.SweepInterval.Nanoseconds())
	assert.Equal(t, int64(900e9), cfg.SessionGCEvery.Nanoseconds())
}

func TestLoad_RejectsInvalidDuration(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `gateway_timeout: "not-a-duration"`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090", cfg.GatewayURL)
}

func TestLoad_WorkflowAllowList(t *testing.T) {
	requireDBPassword(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
daemon:
  workflow_ids: ["wf-a", "wf-b"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b"}, cfg.Daemon.WorkflowIDs)
}
