package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
	"github.com/tinywideclouds/go-pushlink-service/pushlinkservice/config"
)

const sampleYaml = `
project_id: "yaml-project"
listen_addr: ":9000"
cors:
  allowed_origins: ["http://yaml.com"]
  role: "editor"
storage:
  backend: "sqlite"
  sqlite_path: "/var/lib/pushlink/state.db"
  device_key: "desk"
redis:
  enabled: true
  addr: "localhost:6379"
  ttl: "10m"
relay:
  default_url: "https://relay.example/"
  timeout: "15s"
  device_id: 2
  ping: true
connection:
  url: "ws://localhost:9000/v1/websocket"
  read_timeout: "45s"
  always_on: true
fetch:
  topic_id: "fetch-jobs"
  min_privileged_interval: "2m"
distributor:
  mode: "static"
  static:
    - id: "relay-a"
      label: "Relay A"
    - id: "relay-b"
metrics:
  enabled: true
`

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.True(t, cfg.MetricsEnabled)

		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
		assert.Equal(t, "/var/lib/pushlink/state.db", cfg.Storage.SQLitePath)
		assert.Equal(t, "desk", cfg.Storage.DeviceKey)

		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)

		assert.Equal(t, 15*time.Second, cfg.Relay.Timeout)
		assert.Equal(t, 2, cfg.Relay.DeviceID)
		assert.True(t, cfg.Relay.Ping)

		assert.Equal(t, 45*time.Second, cfg.Connection.ReadTimeout)
		assert.True(t, cfg.Connection.AlwaysOn)

		assert.Equal(t, "fetch-jobs", cfg.Fetch.TopicID)
		assert.Equal(t, 2*time.Minute, cfg.Fetch.MinPrivilegedInterval)
		assert.Zero(t, cfg.Fetch.DirectTimeout)

		assert.Equal(t, []registration.Distributor{
			{ID: "relay-a", Label: "Relay A"},
			{ID: "relay-b", Label: "relay-b"},
		}, cfg.Distributor.Static)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{ListenAddr: ":1"}, logger)

		require.NoError(t, err)
		assert.Empty(t, cfg.Storage.Backend)
		assert.Zero(t, cfg.Relay.Timeout)
		assert.Empty(t, cfg.Distributor.Static)
	})

	t.Run("Failure - Bad duration", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{ConnectionConfig: config.YamlConnectionConfig{ReadTimeout: "soon"}}
		_, err := config.NewConfigFromYaml(yamlCfg, logger)
		assert.Error(t, err)
	})
}
