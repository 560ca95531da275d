package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
	assert.Equal(t, DefaultBridgePort, cfg.Bridge.Port)
	assert.Equal(t, DefaultExecutable, cfg.Bridge.Executable)
	assert.True(t, cfg.HTTP.ImplicitStreamSessions)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	data := `{"prompts_dir":"/srv/prompts","http":{"port":8080,"implicit_stream_sessions":false}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/prompts", cfg.PromptsDir)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.False(t, cfg.HTTP.ImplicitStreamSessions)
	// untouched fields keep their defaults
	assert.Equal(t, 1024, cfg.HTTP.ReplayBuffer)
	assert.Equal(t, DefaultBridgePort, cfg.Bridge.Port)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	data := `
log_level = "debug"

[bridge]
port = 4100
executable = "/usr/local/bin/promptstdio"
args = ["--prompts-dir", "/srv/prompts"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4100, cfg.Bridge.Port)
	assert.Equal(t, "/usr/local/bin/promptstdio", cfg.Bridge.Executable)
	assert.Equal(t, []string{"--prompts-dir", "/srv/prompts"}, cfg.Bridge.Args)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                             "9000",
		"HTTP_PORT":                        "9001",
		"MCP_TCP_PORT":                     "9100",
		"MCP_EXECUTABLE":                   "/opt/engine",
		"MCP_EXECUTABLE_ARGS":              "--a  --b",
		"PROMPTS_IMPLICIT_STREAM_SESSIONS": "false",
		"PROMPTS_LOG_LEVEL":                "warn",
	}
	cfg := DefaultConfig()

	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	// HTTP_PORT wins over PORT
	assert.Equal(t, 9001, cfg.HTTP.Port)
	assert.Equal(t, 9100, cfg.Bridge.Port)
	assert.Equal(t, "/opt/engine", cfg.Bridge.Executable)
	assert.Equal(t, []string{"--a", "--b"}, cfg.Bridge.Args)
	assert.False(t, cfg.HTTP.ImplicitStreamSessions)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9001", cfg.HTTPAddr())
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "MCP_TCP_PORT" {
			return "tcp"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"ephemeral ports", func(c *Config) { c.HTTP.Port = 0; c.Bridge.Port = 0 }, true},
		{"http port too large", func(c *Config) { c.HTTP.Port = 70000 }, false},
		{"negative bridge port", func(c *Config) { c.Bridge.Port = -1 }, false},
		{"empty executable", func(c *Config) { c.Bridge.Executable = "  " }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeoutSeconds = 0
	cfg.HTTP.KeepAliveSeconds = 0

	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, time.Duration(0), cfg.KeepAlive())
	assert.Equal(t, 3*time.Second, cfg.KillGrace())
}
