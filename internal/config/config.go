package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendBedrock = "bedrock"
	BackendEcho    = "echo"
)

// ErrAgentNotConfigured is returned when the upstream agent identifiers are missing.
var ErrAgentNotConfigured = errors.New("upstream agent is not configured: BEDROCK_AGENT_ID and BEDROCK_AGENT_ALIAS_ID are required")

// Config holds application configuration
type Config struct {
	Debug bool `toml:"debug"`

	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Logging  LoggingConfig  `toml:"logging"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Client   ClientConfig   `toml:"client"`
}

// ServerConfig holds relay listener and streaming settings
type ServerConfig struct {
	Port              int           `toml:"port"`
	AllowedOrigins    []string      `toml:"allowed_origins"`
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"` // e.g. "10s"
	PaddingBytes      int           `toml:"padding_bytes"`
}

// UpstreamConfig identifies the remote agent and the credentials used to reach it
type UpstreamConfig struct {
	Backend         string        `toml:"backend"` // bedrock or echo
	Region          string        `toml:"region"`
	AgentID         string        `toml:"agent_id"`
	AgentAliasID    string        `toml:"agent_alias_id"`
	AccessKeyID     string        `toml:"access_key_id"`
	SecretAccessKey string        `toml:"secret_access_key"`
	SessionToken    string        `toml:"session_token"` // optional
	EchoDelay       time.Duration `toml:"echo_delay"`
}

// LoggingConfig holds log file settings
type LoggingConfig struct {
	Dir    string `toml:"dir"`
	Level  string `toml:"level"`
	Stderr bool   `toml:"stderr"`
}

// LedgerConfig holds the stream ledger database location
type LedgerConfig struct {
	Path string `toml:"path"`
}

// ClientConfig holds settings for the terminal chat client
type ClientConfig struct {
	RelayURL    string `toml:"relay_url"`
	EnableTrace bool   `toml:"enable_trace"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8787,
			AllowedOrigins:    []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			KeepAliveInterval: 10 * time.Second,
			PaddingBytes:      2048,
		},
		Upstream: UpstreamConfig{
			Backend:   BackendBedrock,
			Region:    "us-west-2",
			EchoDelay: 50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
		Ledger: LedgerConfig{
			Path: "agentrelay.db",
		},
		Client: ClientConfig{
			RelayURL:    "http://localhost:8787",
			EnableTrace: true,
		},
	}
}

// Load builds a Config from defaults, an optional TOML file and the process environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup has the
// signature of os.LookupEnv so tests can pass a map.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("RELAY_KEEPALIVE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_KEEPALIVE_INTERVAL %q: %w", v, err)
		}
		c.Server.KeepAliveInterval = d
	}
	if v, ok := lookup("RELAY_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	str("RELAY_BACKEND", &c.Upstream.Backend)
	str("AWS_REGION", &c.Upstream.Region)
	str("BEDROCK_AGENT_ID", &c.Upstream.AgentID)
	str("BEDROCK_AGENT_ALIAS_ID", &c.Upstream.AgentAliasID)
	str("AWS_ACCESS_KEY_ID", &c.Upstream.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &c.Upstream.SecretAccessKey)
	str("AWS_SESSION_TOKEN", &c.Upstream.SessionToken)

	str("RELAY_LOG_DIR", &c.Logging.Dir)
	str("RELAY_LOG_LEVEL", &c.Logging.Level)
	str("RELAY_LEDGER_PATH", &c.Ledger.Path)
	str("RELAY_URL", &c.Client.RelayURL)

	return nil
}

// Addr returns the listen address for the relay server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate reports ErrAgentNotConfigured when the Bedrock backend lacks its
// agent identifiers. It is checked per request, never at startup.
func (u UpstreamConfig) Validate() error {
	if u.Backend != BackendBedrock {
		return nil
	}
	if strings.TrimSpace(u.AgentID) == "" || strings.TrimSpace(u.AgentAliasID) == "" {
		return ErrAgentNotConfigured
	}
	return nil
}

// HasStaticCredentials reports whether an explicit access key pair was supplied.
func (u UpstreamConfig) HasStaticCredentials() bool {
	return u.AccessKeyID != "" && u.SecretAccessKey != ""
}
