// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// History backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Server configures the reference chat server.
type Server struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":3001"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ServerName     string        `env:"SERVER_NAME"`
	Room           string        `env:"ROOM" envDefault:"lobby"`

	HistoryBackend string `env:"HISTORY_BACKEND" envDefault:"memory"`
	HistoryLimit   int    `env:"HISTORY_LIMIT" envDefault:"100"`

	RedisAddr   string `env:"REDIS_ADDR"`   // enables the session registry and rate limiting
	PostgresDSN string `env:"POSTGRES_DSN"` // required by the postgres backend
	NATSURL     string `env:"NATS_URL"`     // enables cross-instance fan-out

	Moderation      bool     `env:"MODERATION" envDefault:"false"`
	ModerationTerms []string `env:"MODERATION_TERMS" envSeparator:","` // replaces the built-in blocklist
}

// Client configures the terminal chat client. Flags override these values.
type Client struct {
	URL           string        `env:"LIVECHAT_URL" envDefault:"ws://localhost:3001/ws"`
	Name          string        `env:"LIVECHAT_NAME"`
	TypingTimeout time.Duration `env:"LIVECHAT_TYPING_TIMEOUT" envDefault:"1s"`
	MetricsAddr   string        `env:"LIVECHAT_METRICS_ADDR"`
}

// LoadServer parses and validates the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c Server) Validate() error {
	switch c.HistoryBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: history backend %q requires REDIS_ADDR", c.HistoryBackend)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: history backend %q requires POSTGRES_DSN", c.HistoryBackend)
		}
	default:
		return fmt.Errorf("config: unknown history backend %q", c.HistoryBackend)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	return nil
}

// LoadClient parses the client configuration.
func LoadClient() (Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
