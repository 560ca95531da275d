package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultHTTPPort is the port of the streamable HTTP / SSE server.
	DefaultHTTPPort = 3002
	// DefaultBridgePort is the port of the raw TCP process bridge.
	DefaultBridgePort = 3000
	// DefaultExecutable is the child started for every bridge connection.
	DefaultExecutable = "promptstdio"
)

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Host string `json:"host" toml:"host"`
	Port int    `json:"port" toml:"port"`
	// ImplicitStreamSessions lets GET /mcp without a session id create a
	// session instead of rejecting the request.
	ImplicitStreamSessions bool `json:"implicit_stream_sessions" toml:"implicit_stream_sessions"`
	// EnableBridgeSocket exposes the process bridge over a websocket at /bridge.
	EnableBridgeSocket bool `json:"enable_bridge_socket" toml:"enable_bridge_socket"`
	// ReplayBuffer bounds the number of events retained per push stream.
	ReplayBuffer     int `json:"replay_buffer" toml:"replay_buffer"`
	KeepAliveSeconds int `json:"keepalive_seconds" toml:"keepalive_seconds"`
}

// BridgeConfig configures the raw TCP process bridge.
type BridgeConfig struct {
	Host             string   `json:"host" toml:"host"`
	Port             int      `json:"port" toml:"port"`
	Executable       string   `json:"executable" toml:"executable"`
	Args             []string `json:"args,omitempty" toml:"args"`
	WorkingDir       string   `json:"working_dir,omitempty" toml:"working_dir"`
	KillGraceSeconds int      `json:"kill_grace_seconds" toml:"kill_grace_seconds"`
	MaxConnections   int      `json:"max_connections" toml:"max_connections"`
}

// Config represents application configuration
type Config struct {
	PromptsDir             string       `json:"prompts_dir" toml:"prompts_dir"`
	WatchPrompts           bool         `json:"watch_prompts" toml:"watch_prompts"`
	LogLevel               string       `json:"log_level" toml:"log_level"` // debug, info, warn, error, none
	LogPath                string       `json:"log_path,omitempty" toml:"log_path"`
	PidFile                string       `json:"pid_file,omitempty" toml:"pid_file"`
	ShutdownTimeoutSeconds int          `json:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	HTTP                   HTTPConfig   `json:"http" toml:"http"`
	Bridge                 BridgeConfig `json:"bridge" toml:"bridge"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		PromptsDir:             "..",
		WatchPrompts:           true,
		LogLevel:               "info",
		ShutdownTimeoutSeconds: 10,
		HTTP: HTTPConfig{
			Host:                   "0.0.0.0",
			Port:                   DefaultHTTPPort,
			ImplicitStreamSessions: true,
			ReplayBuffer:           1024,
			KeepAliveSeconds:       25,
		},
		Bridge: BridgeConfig{
			Host:             "0.0.0.0",
			Port:             DefaultBridgePort,
			Executable:       DefaultExecutable,
			KillGraceSeconds: 3,
			MaxConnections:   64,
		},
	}
}

// Load loads configuration from file. JSON and TOML are supported, chosen by
// file extension. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Bridge.Executable == "" {
		config.Bridge.Executable = DefaultExecutable
	}

	return config, nil
}

// ApplyEnv overlays environment variables on top of c. Variable names follow
// the ones existing deployments already set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	for _, key := range []string{"PORT", "HTTP_PORT"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			c.HTTP.Port = port
		}
	}
	if v := strings.TrimSpace(getenv("MCP_TCP_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MCP_TCP_PORT %q: %w", v, err)
		}
		c.Bridge.Port = port
	}
	if v := strings.TrimSpace(getenv("MCP_EXECUTABLE")); v != "" {
		c.Bridge.Executable = v
	}
	if v := strings.TrimSpace(getenv("MCP_EXECUTABLE_ARGS")); v != "" {
		c.Bridge.Args = strings.Fields(v)
	}
	if v := strings.TrimSpace(getenv("PROMPTS_DIR")); v != "" {
		c.PromptsDir = v
	}
	if v := strings.TrimSpace(getenv("PROMPTS_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("PROMPTS_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv("PROMPTS_PID_FILE")); v != "" {
		c.PidFile = v
	}
	if v := strings.TrimSpace(getenv("PROMPTS_IMPLICIT_STREAM_SESSIONS")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PROMPTS_IMPLICIT_STREAM_SESSIONS %q: %w", v, err)
		}
		c.HTTP.ImplicitStreamSessions = enabled
	}

	return nil
}

// Validate checks that c can be used to start the servers.
func (c *Config) Validate() error {
	if err := validPort("http.port", c.HTTP.Port); err != nil {
		return err
	}
	if err := validPort("bridge.port", c.Bridge.Port); err != nil {
		return err
	}
	if strings.TrimSpace(c.Bridge.Executable) == "" {
		return fmt.Errorf("bridge.executable must not be empty")
	}
	if c.HTTP.ReplayBuffer < 0 {
		return fmt.Errorf("http.replay_buffer must not be negative")
	}
	return nil
}

// HTTPAddr returns the listen address of the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// BridgeAddr returns the listen address of the process bridge.
func (c *Config) BridgeAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}

// ShutdownTimeout returns the drain deadline used on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// KeepAlive returns the interval between keep-alive comments on push streams.
func (c *Config) KeepAlive() time.Duration {
	if c.HTTP.KeepAliveSeconds <= 0 {
		return 0
	}
	return time.Duration(c.HTTP.KeepAliveSeconds) * time.Second
}

// KillGrace returns how long a bridge child gets between SIGTERM and SIGKILL.
func (c *Config) KillGrace() time.Duration {
	if c.Bridge.KillGraceSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Bridge.KillGraceSeconds) * time.Second
}

func validPort(name string, port int) error {
	// 0 asks the kernel for a free port
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}
