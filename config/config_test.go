package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "researcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "general:\n  environment: development\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "gpt-4o-mini", cfg.Reasoning.Model)
	assert.Equal(t, cfg.Reasoning.Model, cfg.Reasoning.SmartModel)
	assert.InDelta(t, 0.55, cfg.Reasoning.Temperature, 1e-9)
	assert.Equal(t, 5, cfg.Research.MaxIterations)
	assert.Equal(t, 4, cfg.Research.MaxInFlight)
	assert.Equal(t, 10*time.Minute, cfg.Research.SessionTimeout)
	assert.True(t, cfg.Research.IncludeRootQuery)
	assert.False(t, cfg.Research.ComplementSourceURLs)
	assert.Equal(t, "research:events:", cfg.Storage.Redis.StreamPrefix)
	assert.False(t, cfg.Storage.Redis.Enabled())
	assert.False(t, cfg.Storage.Postgres.Enabled())
	assert.True(t, cfg.Telemetry.MetricsEnabled)
}

func TestLoadReadsSectionsAndEnv(t *testing.T) {
	path := writeConfig(t, `
reasoning:
  model: local-model
  base_url: http://localhost:11434/v1/
research:
  max_in_flight: 2
  session_timeout: 90s
  include_root_query: false
tools:
  mcp_servers:
    - name: files
      command: ./files-mcp
      args: ["--root", "/tmp"]
schedules:
  - name: daily
    cron: "0 8 * * *"
    query: state of battery recycling
`)
	t.Setenv("RESEARCHER_REASONING_API_KEY", "sk-test")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local-model", cfg.Reasoning.Model)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Reasoning.BaseURL)
	assert.Equal(t, "sk-test", cfg.Reasoning.APIKey)
	assert.Equal(t, 2, cfg.Research.MaxInFlight)
	assert.Equal(t, 90*time.Second, cfg.Research.SessionTimeout)
	assert.False(t, cfg.Research.IncludeRootQuery)
	require.Len(t, cfg.Tools.MCPServers, 1)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.Tools.MCPServers[0].Args)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "0 8 * * *", cfg.Schedules[0].Cron)
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	path := writeConfig(t, `
research:
  report_format: chicago
tools:
  mcp_servers:
    - name: broken
schedules:
  - name: nope
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report_format")
	assert.Contains(t, err.Error(), "mcp_servers[0].command")
	assert.Contains(t, err.Error(), `schedule "nope"`)
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "research"}.DSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/research?sslmode=disable", dsn)

	_, err = PostgresConfig{Host: "db"}.DSN()
	assert.Error(t, err)
}
