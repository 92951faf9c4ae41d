package config

import (
	"time"

	"github.com/HMasataka/chathub/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig   `json:"server" yaml:"server"`
	Hub     HubConfig      `json:"hub" yaml:"hub"`
	Auth    AuthConfig     `json:"auth" yaml:"auth"`
	Store   StoreConfig    `json:"store" yaml:"store"`
	CORS    CORSConfig     `json:"cors" yaml:"cors"`
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// HubConfig tunes connections and rooms.
type HubConfig struct {
	// Connection
	SendBufferSize    int           `json:"send_buffer" yaml:"send_buffer"`
	SlowConsumerGrace time.Duration `json:"slow_consumer_grace" yaml:"slow_consumer_grace"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout"`
	PingInterval      time.Duration `json:"ping_interval" yaml:"ping_interval"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxFrameSize      int64         `json:"max_frame_size" yaml:"max_frame_size"`
	RateLimit         RateLimit     `json:"rate_limit" yaml:"rate_limit"`

	// Rooms
	MaxContentLength  int           `json:"max_content_length" yaml:"max_content_length"`
	HistoryLimit      int           `json:"history_limit" yaml:"history_limit"`
	RoomIdleThreshold time.Duration `json:"room_idle_threshold" yaml:"room_idle_threshold"`
	EvictionInterval  time.Duration `json:"eviction_interval" yaml:"eviction_interval"`
	StoreTimeout      time.Duration `json:"store_timeout" yaml:"store_timeout"`

	EventBufferSize int `json:"event_buffer" yaml:"event_buffer"`
}

// RateLimit is a per-connection token bucket for inbound frames.
type RateLimit struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	Secret string `json:"secret" yaml:"secret"`
	Issuer string `json:"issuer" yaml:"issuer"`
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	DSN      string `json:"dsn" yaml:"dsn"`
	RedisURL string `json:"redis_url" yaml:"redis_url"`
}

// CORSConfig lists origins allowed to open connections.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			SendBufferSize:    256,
			SlowConsumerGrace: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       60 * time.Second,
			PingInterval:      30 * time.Second,
			IdleTimeout:       10 * time.Minute,
			MaxFrameSize:      64 * 1024,
			RateLimit: RateLimit{
				PerSecond: 10,
				Burst:     20,
			},
			MaxContentLength:  4000,
			HistoryLimit:      100,
			RoomIdleThreshold: 5 * time.Minute,
			EvictionInterval:  time.Minute,
			StoreTimeout:      5 * time.Second,
			EventBufferSize:   1024,
		},
		Auth: AuthConfig{
			Issuer: "chathub",
		},
		Store: StoreConfig{
			Driver: DriverMemory,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	if c.Hub.SendBufferSize <= 0 {
		return NewConfigError("hub.send_buffer", "must be positive")
	}

	if c.Hub.SlowConsumerGrace <= 0 {
		return NewConfigError("hub.slow_consumer_grace", "must be positive")
	}

	if c.Hub.WriteTimeout <= 0 || c.Hub.ReadTimeout <= 0 {
		return NewConfigError("hub.read_timeout", "read and write timeouts must be positive")
	}

	if c.Hub.PingInterval <= 0 || c.Hub.PingInterval >= c.Hub.ReadTimeout {
		return NewConfigError("hub.ping_interval", "must be positive and shorter than hub.read_timeout")
	}

	if c.Hub.IdleTimeout < 0 {
		return NewConfigError("hub.idle_timeout", "timeout cannot be negative")
	}

	if c.Hub.MaxFrameSize <= 0 {
		return NewConfigError("hub.max_frame_size", "must be positive")
	}

	if c.Hub.RateLimit.PerSecond < 0 || c.Hub.RateLimit.Burst < 0 {
		return NewConfigError("hub.rate_limit", "cannot be negative")
	}

	if c.Hub.RateLimit.PerSecond > 0 && c.Hub.RateLimit.Burst == 0 {
		return NewConfigError("hub.rate_limit.burst", "must be positive when per_second is set")
	}

	if c.Hub.MaxContentLength <= 0 {
		return NewConfigError("hub.max_content_length", "must be positive")
	}

	if c.Hub.HistoryLimit <= 0 {
		return NewConfigError("hub.history_limit", "must be positive")
	}

	if c.Hub.RoomIdleThreshold <= 0 || c.Hub.EvictionInterval <= 0 {
		return NewConfigError("hub.room_idle_threshold", "eviction threshold and interval must be positive")
	}

	if c.Hub.EventBufferSize <= 0 {
		return NewConfigError("hub.event_buffer", "must be positive")
	}

	if c.Auth.Secret == "" {
		return NewConfigError("auth.secret", "a signing secret is required")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return NewConfigError("store.dsn", "required for driver "+c.Store.Driver)
		}
	default:
		return NewConfigError("store.driver", "unknown driver "+c.Store.Driver)
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return NewConfigError("logging.level", "unknown level "+c.Logging.Level)
	}

	if !logging.ValidFormat(c.Logging.Format) {
		return NewConfigError("logging.format", "unknown format "+c.Logging.Format)
	}

	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return joinHostPort(c.Server.Host, c.Server.Port)
}
