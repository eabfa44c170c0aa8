package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
namespace: jobs
broker_dead_threshold_seconds: 45
must_stop_periodicity_seconds: 2
wait_for_event_max_seconds: 120

redis:
  addr: localhost:6379
  db: 1

metrics:
  enabled: true
  port: 9100

periodic_tasks:
  - name: cleanup
    queue: maintenance
    max_retries: 1
    periodicity_seconds: 3600
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "jobs", cfg.Namespace)
	assert.Equal(t, 45, cfg.BrokerDeadThresholdSeconds)
	assert.Equal(t, 2, cfg.MustStopPeriodicitySeconds)
	assert.Equal(t, 120, cfg.WaitForEventMaxSeconds)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)

	require.Len(t, cfg.PeriodicTasks, 1)
	assert.Equal(t, "cleanup", cfg.PeriodicTasks[0].Name)
	assert.Equal(t, int64(3600), cfg.PeriodicTasks[0].PeriodicitySeconds)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "namespace: [unterminated\n")
	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestBrokerConfig_FillsDefaults(t *testing.T) {
	cfg := &Config{Namespace: "jobs"}
	bc := cfg.BrokerConfig()

	assert.Equal(t, "jobs", bc.Namespace)
	assert.Greater(t, bc.BrokerDeadThresholdSeconds, 0)
	assert.Greater(t, bc.MustStopPeriodicitySeconds, 0)
	assert.Greater(t, bc.WaitForEventMaxSeconds, 0)
}

func TestPeriodicTaskConfig_Periodicity(t *testing.T) {
	p := PeriodicTaskConfig{PeriodicitySeconds: 90}
	assert.Equal(t, int64(90), p.Periodicity().Milliseconds()/1000)
}
