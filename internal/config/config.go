// Package config loads and validates per-role runtime tunables: one
// struct per role, populated from environment variables (with an
// optional .env file), and rejected at construction if any value
// falls outside its documented range.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultRelayPort is the Relay's default bind port.
const DefaultRelayPort = 7777

// RelayConfig holds every tunable the Relay needs.
type RelayConfig struct {
	Addr string `env:"NETEM_RELAY_ADDR" envDefault:":7777"`

	BufferSize int `env:"NETEM_BUFFER_SIZE" envDefault:"65535"`

	MaxTotalConnections   int `env:"NETEM_MAX_TOTAL_CONNECTIONS" envDefault:"10000"`
	MaxClientsPerSession  int `env:"NETEM_MAX_CLIENTS_PER_SESSION" envDefault:"64"`
	MaxPendingConnections int `env:"NETEM_MAX_PENDING_CONNECTIONS" envDefault:"1000"`

	RelayClientTimeout            time.Duration `env:"NETEM_RELAY_CLIENT_TIMEOUT" envDefault:"30s"`
	RelayPendingConnectionTimeout time.Duration `env:"NETEM_RELAY_PENDING_CONNECTION_TIMEOUT" envDefault:"10s"`
	RelayCleanupInterval          time.Duration `env:"NETEM_RELAY_CLEANUP_INTERVAL" envDefault:"5s"`
	RelayMainLoopSleep            time.Duration `env:"NETEM_RELAY_MAIN_LOOP_SLEEP" envDefault:"1ms"`

	MaxPacketsPerSecond     int           `env:"NETEM_MAX_PACKETS_PER_SECOND" envDefault:"100"`
	TokenRefillInterval     time.Duration `env:"NETEM_TOKEN_REFILL_INTERVAL" envDefault:"1s"`
	FloodThreshold          int           `env:"NETEM_FLOOD_THRESHOLD" envDefault:"10"`
	FloodWindow             time.Duration `env:"NETEM_FLOOD_WINDOW" envDefault:"10s"`
	ThrottlePenaltyDivisor  int           `env:"NETEM_THROTTLE_PENALTY_DIVISOR" envDefault:"4"`
	MaxRateLimiters         int           `env:"NETEM_MAX_RATE_LIMITERS" envDefault:"20000"`

	MetricsAddr string `env:"NETEM_RELAY_METRICS_ADDR" envDefault:":9100"`

	LogLevel  string `env:"NETEM_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NETEM_LOG_FORMAT" envDefault:"json"`

	// SessionStateExportPath, if non-empty, enables the optional YAML
	// session-state export.
	SessionStateExportPath string `env:"NETEM_SESSION_STATE_EXPORT_PATH" envDefault:""`
}

// LoadRelayConfig reads a RelayConfig from the environment (and an
// optional .env file), applying defaults and validating the result.
func LoadRelayConfig() (*RelayConfig, error) {
	_ = godotenv.Load()

	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate relay config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *RelayConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("NETEM_RELAY_ADDR is required")
	}
	if c.BufferSize <= 0 || c.BufferSize > 65535 {
		return fmt.Errorf("NETEM_BUFFER_SIZE must be in (0, 65535], got %d", c.BufferSize)
	}
	if c.MaxTotalConnections < 1 {
		return fmt.Errorf("NETEM_MAX_TOTAL_CONNECTIONS must be > 0")
	}
	if c.MaxClientsPerSession < 1 || c.MaxClientsPerSession > 253 {
		return fmt.Errorf("NETEM_MAX_CLIENTS_PER_SESSION must be in [1, 253] (client ids 2..254)")
	}
	if c.MaxPendingConnections < 1 {
		return fmt.Errorf("NETEM_MAX_PENDING_CONNECTIONS must be > 0")
	}
	if c.RelayClientTimeout <= 0 {
		return fmt.Errorf("NETEM_RELAY_CLIENT_TIMEOUT must be > 0")
	}
	if c.RelayPendingConnectionTimeout <= 0 {
		return fmt.Errorf("NETEM_RELAY_PENDING_CONNECTION_TIMEOUT must be > 0")
	}
	if c.RelayCleanupInterval <= 0 {
		return fmt.Errorf("NETEM_RELAY_CLEANUP_INTERVAL must be > 0")
	}
	if c.RelayMainLoopSleep <= 0 {
		return fmt.Errorf("NETEM_RELAY_MAIN_LOOP_SLEEP must be > 0")
	}
	if c.MaxPacketsPerSecond < 1 {
		return fmt.Errorf("NETEM_MAX_PACKETS_PER_SECOND must be > 0")
	}
	if c.TokenRefillInterval <= 0 {
		return fmt.Errorf("NETEM_TOKEN_REFILL_INTERVAL must be > 0")
	}
	if c.FloodThreshold < 1 {
		return fmt.Errorf("NETEM_FLOOD_THRESHOLD must be > 0")
	}
	if c.FloodWindow <= 0 {
		return fmt.Errorf("NETEM_FLOOD_WINDOW must be > 0")
	}
	if c.ThrottlePenaltyDivisor < 2 {
		return fmt.Errorf("NETEM_THROTTLE_PENALTY_DIVISOR must be >= 2")
	}
	if c.MaxRateLimiters < 1 {
		return fmt.Errorf("NETEM_MAX_RATE_LIMITERS must be > 0")
	}
	return nil
}

// HostConfig holds every tunable the Host needs.
type HostConfig struct {
	RelayAddr string `env:"NETEM_HOST_RELAY_ADDR" envDefault:"127.0.0.1:7777"`
	SessionID uint32 `env:"NETEM_HOST_SESSION_ID" envDefault:"1"`
	GameID    uint32 `env:"NETEM_HOST_GAME_ID" envDefault:"0"`

	BufferSize           int `env:"NETEM_BUFFER_SIZE" envDefault:"65535"`
	MaxClientsPerSession int `env:"NETEM_MAX_CLIENTS_PER_SESSION" envDefault:"64"`

	TickRate      uint16 `env:"NETEM_HOST_TICK_RATE" envDefault:"60"`
	MaxPacketSize uint16 `env:"NETEM_HOST_MAX_PACKET_SIZE" envDefault:"1024"`

	HostReliabilityDelay        time.Duration `env:"NETEM_HOST_RELIABILITY_DELAY" envDefault:"50ms"`
	HostAckTimeout              time.Duration `env:"NETEM_HOST_ACK_TIMEOUT" envDefault:"2s"`
	HostMaxAckRetries           int           `env:"NETEM_HOST_MAX_ACK_RETRIES" envDefault:"5"`
	HostSessionTokenTimeout     time.Duration `env:"NETEM_HOST_SESSION_TOKEN_TIMEOUT" envDefault:"5m"`
	HostGracefulShutdownTimeout time.Duration `env:"NETEM_HOST_GRACEFUL_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	HostLoopSleep               time.Duration `env:"NETEM_HOST_LOOP_SLEEP" envDefault:"10ms"`

	MetricsAddr string `env:"NETEM_HOST_METRICS_ADDR" envDefault:":9101"`

	LogLevel  string `env:"NETEM_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NETEM_LOG_FORMAT" envDefault:"json"`
}

// LoadHostConfig reads a HostConfig from the environment.
func LoadHostConfig() (*HostConfig, error) {
	_ = godotenv.Load()

	cfg := &HostConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse host config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate host config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *HostConfig) Validate() error {
	if c.RelayAddr == "" {
		return fmt.Errorf("NETEM_HOST_RELAY_ADDR is required")
	}
	if c.SessionID == 0 {
		return fmt.Errorf("NETEM_HOST_SESSION_ID must be > 0")
	}
	if c.BufferSize <= 0 || c.BufferSize > 65535 {
		return fmt.Errorf("NETEM_BUFFER_SIZE must be in (0, 65535]")
	}
	if c.MaxClientsPerSession < 1 || c.MaxClientsPerSession > 253 {
		return fmt.Errorf("NETEM_MAX_CLIENTS_PER_SESSION must be in [1, 253]")
	}
	if c.HostReliabilityDelay < 0 {
		return fmt.Errorf("NETEM_HOST_RELIABILITY_DELAY must be >= 0")
	}
	if c.HostAckTimeout <= 0 {
		return fmt.Errorf("NETEM_HOST_ACK_TIMEOUT must be > 0")
	}
	if c.HostMaxAckRetries < 0 {
		return fmt.Errorf("NETEM_HOST_MAX_ACK_RETRIES must be >= 0")
	}
	if c.HostSessionTokenTimeout <= 0 {
		return fmt.Errorf("NETEM_HOST_SESSION_TOKEN_TIMEOUT must be > 0")
	}
	if c.HostGracefulShutdownTimeout <= 0 {
		return fmt.Errorf("NETEM_HOST_GRACEFUL_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.HostLoopSleep <= 0 {
		return fmt.Errorf("NETEM_HOST_LOOP_SLEEP must be > 0")
	}
	return nil
}

// ClientConfig holds every tunable the Client needs.
type ClientConfig struct {
	RelayAddr string `env:"NETEM_CLIENT_RELAY_ADDR" envDefault:"127.0.0.1:7777"`
	Name      string `env:"NETEM_CLIENT_NAME" envDefault:"player"`
	SessionID uint32 `env:"NETEM_CLIENT_SESSION_ID" envDefault:"1"`
	GameID    uint32 `env:"NETEM_CLIENT_GAME_ID" envDefault:"0"`

	BufferSize int `env:"NETEM_BUFFER_SIZE" envDefault:"65535"`

	ClientPingInterval          time.Duration `env:"NETEM_CLIENT_PING_INTERVAL" envDefault:"5s"`
	ClientConnectionTimeout     time.Duration `env:"NETEM_CLIENT_CONNECTION_TIMEOUT" envDefault:"10s"`
	ClientInitialReconnectDelay time.Duration `env:"NETEM_CLIENT_INITIAL_RECONNECT_DELAY" envDefault:"1s"`
	ClientMaxReconnectDelay     time.Duration `env:"NETEM_CLIENT_MAX_RECONNECT_DELAY" envDefault:"30s"`
	ClientMaxReconnectAttempts  int           `env:"NETEM_CLIENT_MAX_RECONNECT_ATTEMPTS" envDefault:"6"`
	ClientDisconnectNoticeDelay time.Duration `env:"NETEM_CLIENT_DISCONNECT_NOTICE_DELAY" envDefault:"200ms"`
	ClientLoopSleep             time.Duration `env:"NETEM_CLIENT_LOOP_SLEEP" envDefault:"10ms"`

	MetricsAddr string `env:"NETEM_CLIENT_METRICS_ADDR" envDefault:":9102"`

	LogLevel  string `env:"NETEM_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NETEM_LOG_FORMAT" envDefault:"json"`
}

// LoadClientConfig reads a ClientConfig from the environment.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate client config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *ClientConfig) Validate() error {
	if c.RelayAddr == "" {
		return fmt.Errorf("NETEM_CLIENT_RELAY_ADDR is required")
	}
	if c.Name == "" {
		return fmt.Errorf("NETEM_CLIENT_NAME is required")
	}
	if c.SessionID == 0 {
		return fmt.Errorf("NETEM_CLIENT_SESSION_ID must be > 0")
	}
	if c.BufferSize <= 0 || c.BufferSize > 65535 {
		return fmt.Errorf("NETEM_BUFFER_SIZE must be in (0, 65535]")
	}
	if c.ClientPingInterval <= 0 {
		return fmt.Errorf("NETEM_CLIENT_PING_INTERVAL must be > 0")
	}
	if c.ClientConnectionTimeout <= 0 {
		return fmt.Errorf("NETEM_CLIENT_CONNECTION_TIMEOUT must be > 0")
	}
	if c.ClientInitialReconnectDelay <= 0 {
		return fmt.Errorf("NETEM_CLIENT_INITIAL_RECONNECT_DELAY must be > 0")
	}
	if c.ClientMaxReconnectDelay < c.ClientInitialReconnectDelay {
		return fmt.Errorf("NETEM_CLIENT_MAX_RECONNECT_DELAY must be >= initial delay")
	}
	if c.ClientMaxReconnectAttempts < 1 {
		return fmt.Errorf("NETEM_CLIENT_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.ClientDisconnectNoticeDelay < 0 {
		return fmt.Errorf("NETEM_CLIENT_DISCONNECT_NOTICE_DELAY must be >= 0")
	}
	if c.ClientLoopSleep <= 0 {
		return fmt.Errorf("NETEM_CLIENT_LOOP_SLEEP must be > 0")
	}
	return nil
}
