// ABOUTME: Configuration loading and parsing for the stazy chat client
// ABOUTME: Supports TOML or YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultWebSocketPath  = "/ws/chat/websocket"
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultIdleGrace      = 30 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultEchoTTL        = 2 * time.Minute
)

// Config represents the complete chat client configuration
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	API       APIConfig       `toml:"api" yaml:"api"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

// ServerConfig locates the Stazy backend
type ServerConfig struct {
	// BaseURL is the REST root, e.g. http://localhost:8080
	BaseURL string `toml:"base_url" yaml:"base_url"`
	// WebSocketURL overrides the derived ws(s)://host/ws/chat/websocket URL
	WebSocketURL string `toml:"websocket_url" yaml:"websocket_url"`
}

// AuthConfig says where the bearer token comes from
type AuthConfig struct {
	Token     string `toml:"token" yaml:"token"`
	TokenFile string `toml:"token_file" yaml:"token_file"`
	TokenEnv  string `toml:"token_env" yaml:"token_env"`
}

// TransportConfig holds the realtime connection timing
type TransportConfig struct {
	ConnectTimeout time.Duration `toml:"-" yaml:"-"`
	ReconnectDelay time.Duration `toml:"-" yaml:"-"`
	IdleGrace      time.Duration `toml:"-" yaml:"-"`
	EchoTTL        time.Duration `toml:"-" yaml:"-"`

	// Raw string values for unmarshaling
	ConnectTimeoutRaw string `toml:"connect_timeout" yaml:"connect_timeout"`
	ReconnectDelayRaw string `toml:"reconnect_delay" yaml:"reconnect_delay"`
	IdleGraceRaw      string `toml:"idle_grace" yaml:"idle_grace"`
	EchoTTLRaw        string `toml:"echo_ttl" yaml:"echo_ttl"`
}

// APIConfig holds REST client tuning
type APIConfig struct {
	RequestTimeout    time.Duration `toml:"-" yaml:"-"`
	RequestTimeoutRaw string        `toml:"request_timeout" yaml:"request_timeout"`

	// RequestsPerSecond throttles REST calls; 0 disables throttling
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
	// BreakerFailures is the consecutive failure count that opens the breaker
	BreakerFailures uint32 `toml:"breaker_failures" yaml:"breaker_failures"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds the optional Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	Path    string `toml:"path" yaml:"path"`
}

// DefaultPath returns the config file location.
// Priority: STAZY_CHAT_CONFIG env var > XDG_CONFIG_HOME/stazy/chat.toml > ~/.config/stazy/chat.toml
func DefaultPath() string {
	if envPath := os.Getenv("STAZY_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "stazy", "chat.toml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration pointing at baseURL with every default applied.
func Default(baseURL string) (*Config, error) {
	cfg := Config{Server: ServerConfig{BaseURL: baseURL}}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Transport.ReconnectDelay == 0 {
		c.Transport.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Transport.IdleGrace == 0 {
		c.Transport.IdleGrace = DefaultIdleGrace
	}
	if c.Transport.EchoTTL == 0 {
		c.Transport.EchoTTL = DefaultEchoTTL
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = DefaultRequestTimeout
	}
	if c.API.BreakerFailures == 0 {
		c.API.BreakerFailures = 5
	}
	if c.Auth.TokenEnv == "" {
		c.Auth.TokenEnv = "STAZY_TOKEN"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https scheme")
	}

	if c.Server.WebSocketURL != "" {
		ws, err := url.Parse(c.Server.WebSocketURL)
		if err != nil {
			return fmt.Errorf("server.websocket_url is not a valid URL: %w", err)
		}
		if ws.Scheme != "ws" && ws.Scheme != "wss" {
			return fmt.Errorf("server.websocket_url must use ws or wss scheme")
		}
	}

	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api.requests_per_second must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// WebSocketEndpoint returns the websocket URL, deriving it from the REST base
// URL when not set explicitly.
func (c *Config) WebSocketEndpoint() string {
	if c.Server.WebSocketURL != "" {
		return c.Server.WebSocketURL
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + DefaultWebSocketPath
	return u.String()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connect_timeout", cfg.Transport.ConnectTimeoutRaw, &cfg.Transport.ConnectTimeout},
		{"reconnect_delay", cfg.Transport.ReconnectDelayRaw, &cfg.Transport.ReconnectDelay},
		{"idle_grace", cfg.Transport.IdleGraceRaw, &cfg.Transport.IdleGrace},
		{"echo_ttl", cfg.Transport.EchoTTLRaw, &cfg.Transport.EchoTTL},
		{"request_timeout", cfg.API.RequestTimeoutRaw, &cfg.API.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
