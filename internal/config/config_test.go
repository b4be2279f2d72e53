package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RPC_PROXY_PROJECTS_JSON", `[{"id":"p1","quota":100}]`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PostgresMaxConnections)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoadFullEnvironment(t *testing.T) {
	t.Setenv("RPC_PROXY_HOST", "127.0.0.1")
	t.Setenv("RPC_PROXY_PORT", "9000")
	t.Setenv("RPC_PROXY_LOG_LEVEL", "debug")
	t.Setenv("RPC_PROXY_INFURA_PROJECT_ID", "inf")
	t.Setenv("RPC_PROXY_QUICKNODE_API_TOKEN", "qn")
	t.Setenv("RPC_PROXY_POSTGRES_URI", "postgres://localhost/gw")
	t.Setenv("RPC_PROXY_POSTGRES_MAX_CONNECTIONS", "25")
	t.Setenv("RPC_PROXY_DISABLE_PROJECT_VALIDATION", "true")
	t.Setenv("RPC_PROXY_ENABLE_TEST_EXCHANGE", "1")
	t.Setenv("RPC_PROXY_ANALYTICS_PATH", "/var/log/gateway/events.jsonl")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "inf", cfg.InfuraProjectID)
	assert.Equal(t, "qn", cfg.QuicknodeAPIToken)
	assert.Equal(t, "postgres://localhost/gw", cfg.PostgresURI)
	assert.Equal(t, 25, cfg.PostgresMaxConnections)
	assert.True(t, cfg.DisableProjectValidation)
	assert.True(t, cfg.EnableTestExchange)
	assert.Equal(t, "/var/log/gateway/events.jsonl", cfg.AnalyticsPath)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("RPC_PROXY_DISABLE_PROJECT_VALIDATION", "true")
	t.Setenv("RPC_PROXY_PORT", "not-a-port")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, "unknown log level"},
		{"negative pool size", func(c *Config) { c.PostgresMaxConnections = -1 }, "negative"},
		{"projects required", func(c *Config) { c.ProjectsJSON = "" }, "PROJECTS_JSON required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ProjectsJSON: `[]`}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAllowsDisabledGateWithoutProjects(t *testing.T) {
	cfg := &Config{DisableProjectValidation: true}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.LogLevel)
}
