// Package config loads the server and client settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"seminar/internal/ai"
	"seminar/internal/connection"
	"seminar/internal/metrics"
	"seminar/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. SEMINAR_HTTP_PORT.
const EnvPrefix = "SEMINAR_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  database.Config `yaml:"database" envPrefix:"DATABASE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Classroom ClassroomConfig `yaml:"classroom" envPrefix:"CLASSROOM_"`
	Dialogue  DialogueConfig  `yaml:"dialogue" envPrefix:"DIALOGUE_"`
	Voting    VotingConfig    `yaml:"voting" envPrefix:"VOTING_"`
	Client    ClientConfig    `yaml:"client" envPrefix:"CLIENT_"`
	AI        ai.Config       `yaml:"ai" envPrefix:"AI_"`
	Telemetry metrics.Config  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// HTTPConfig configures the listener serving the API and the websocket endpoint.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SendBuffer      int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// ClassroomConfig governs classroom lifetime housekeeping and abuse limits.
type ClassroomConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	CodeAttempts  int           `yaml:"code_attempts" env:"CODE_ATTEMPTS"`
	RateLimit     int           `yaml:"rate_limit" env:"RATE_LIMIT"` // commands per window, 0 disables
	RateWindow    time.Duration `yaml:"rate_window" env:"RATE_WINDOW"`
}

// DialogueConfig tunes the level state machine and the AI context.
type DialogueConfig struct {
	AllowRetreat  bool `yaml:"allow_retreat" env:"ALLOW_RETREAT"`
	HistoryWindow int  `yaml:"history_window" env:"HISTORY_WINDOW"`
}

type VotingConfig struct {
	RequireRoster bool `yaml:"require_roster" env:"REQUIRE_ROSTER"`
}

// ClientConfig is used by `seminar join`.
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url" env:"SERVER_URL"`
	Reconnect         bool          `yaml:"reconnect" env:"RECONNECT"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	AckTimeout        time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
}

// Connection converts the client section for the connection manager.
func (c ClientConfig) Connection() connection.Config {
	return connection.Config{
		Reconnect:         c.Reconnect,
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		HeartbeatInterval: c.HeartbeatInterval,
		AckTimeout:        c.AckTimeout,
	}
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
// Database on local filesystem, HTTP on 8080, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	conn := connection.DefaultConfig()
	return &Config{
		Database: *database.DefaultConfig(),
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendBuffer:      100,
			MaxMessageBytes: 128 * 1024,
		},
		Classroom: ClassroomConfig{
			SweepInterval: time.Minute,
			CodeAttempts:  16,
			RateLimit:     100,
			RateWindow:    time.Minute,
		},
		Dialogue: DialogueConfig{HistoryWindow: 20},
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8080/ws",
			Reconnect:         conn.Reconnect,
			MaxAttempts:       conn.MaxAttempts,
			InitialBackoff:    conn.InitialBackoff,
			MaxBackoff:        conn.MaxBackoff,
			HeartbeatInterval: conn.HeartbeatInterval,
			AckTimeout:        conn.AckTimeout,
		},
		AI: ai.Config{Timeout: 30 * time.Second},
		Telemetry: metrics.Config{
			Endpoint: "localhost:4317",
			Insecure: true,
			Interval: 15 * time.Second,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WebSocket send buffer must be positive")
	}
	if c.Classroom.SweepInterval <= 0 {
		return errors.New("classroom sweep interval must be positive")
	}
	if c.Classroom.RateLimit < 0 {
		return errors.New("classroom rate limit cannot be negative")
	}
	if c.Classroom.RateLimit > 0 && c.Classroom.RateWindow <= 0 {
		return errors.New("classroom rate window must be positive when rate limiting")
	}
	if c.Dialogue.HistoryWindow <= 0 {
		return errors.New("dialogue history window must be positive")
	}
	if c.Client.AckTimeout <= 0 {
		return errors.New("client ack timeout must be positive")
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return errors.New("client backoff must be positive and max >= initial")
	}
	if c.AI.Enabled && c.AI.Endpoint == "" {
		return errors.New("AI endpoint is required when AI is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry endpoint is required when telemetry is enabled")
	}
	return nil
}

// LoadFromFile overlays a YAML file onto c. JSON files parse as YAML too.
// Keys missing from the file keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays SEMINAR_* environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load builds the effective configuration.
// FUNCTIONAL DISCOVERY: Configuration precedence: defaults < file < environment,
// so a container can override one key of a checked-in file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
