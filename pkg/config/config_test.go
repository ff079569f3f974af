package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	path := writeConfig(t, "jwt_secret: s3cret\n")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":7601", cfg.Addr)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, time.Hour, cfg.Cleanup.Interval)
	assert.Empty(t, cfg.ServerID)
}

func TestLoadServerFull(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
data_dir: /tmp/v6
server_id: coordinator-1
bind_addr: "10.0.0.1:7700"
bootstrap: true
blob:
  type: azure
  connection_string: "UseDevelopmentStorage=true"
  container: results
cleanup:
  runs_data_cleanup_days: 30
  cleanup_inputs: true
  interval: 30m
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "coordinator-1", cfg.ServerID)
	assert.True(t, cfg.Bootstrap)
	assert.Equal(t, "azure", cfg.Blob.Type)
	assert.Equal(t, 30, cfg.Cleanup.RunsDataCleanupDays)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.Interval)
}

func TestLoadServerRejectsUnknownBlobType(t *testing.T) {
	path := writeConfig(t, "blob:\n  type: s3\n")

	_, err := LoadServer(path)
	assert.ErrorContains(t, err, "unknown blob store type")
}

func TestLocalAddressEnvOverride(t *testing.T) {
	t.Setenv("V6_SERVER_LOCAL_ADDRESS", "http://host.docker.internal:7601")
	path := writeConfig(t, "local_address: http://localhost:7601\n")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "http://host.docker.internal:7601", cfg.LocalAddress)
}

func TestLoadNode(t *testing.T) {
	path := writeConfig(t, `
server_url: http://localhost:7601
api_key: abc123
databases:
  - label: default
    uri: /data/patients.csv
    type: csv
  - label: registry
    uri: postgres://db/registry
    type: sql
policies:
  allowed_algorithms:
    - "harbor2.vantage6.ai/*"
concurrent_tasks: 4
task_start_timeout: 2m
`)

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.APIKey)
	assert.Equal(t, 4, cfg.ConcurrentTasks)
	assert.Equal(t, 2*time.Minute, cfg.TaskStartTimeout)
	assert.Equal(t, "docker", cfg.Runtime)

	db, ok := cfg.Database("registry")
	require.True(t, ok)
	assert.Equal(t, "postgres://db/registry", db.URI)

	_, ok = cfg.Database("nope")
	assert.False(t, ok)
}

func TestLoadNodeValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing server_url", "api_key: k\n", "server_url is required"},
		{"missing api_key", "server_url: http://localhost\n", "api_key is required"},
		{
			"duplicate label",
			"server_url: u\napi_key: k\ndatabases:\n  - {label: a, uri: x}\n  - {label: a, uri: y}\n",
			"duplicate database label",
		},
		{
			"label without uri",
			"server_url: u\napi_key: k\ndatabases:\n  - {label: a}\n",
			"need both label and uri",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadNode(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
