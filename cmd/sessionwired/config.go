package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// duration lets TOML carry durations as strings ("30m", "15s").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Decode satisfies envdecode.Decoder so the same syntax works in env vars.
func (d *duration) Decode(s string) error { return d.UnmarshalText([]byte(s)) }

type redisConfig struct {
	Addr string `toml:"addr" env:"REDIS_ADDR"`
}

type config struct {
	Addr          string   `toml:"addr" env:"ADDR"`
	Endpoint      string   `toml:"endpoint" env:"ENDPOINT"`
	Backend       string   `toml:"backend" env:"BACKEND"` // "memory" or "redis"
	SessionWindow duration `toml:"session_window" env:"SESSION_WINDOW"`
	Heartbeat     duration `toml:"heartbeat" env:"HEARTBEAT"`
	MaxSessions   int      `toml:"max_sessions" env:"MAX_SESSIONS"`
	ServerName    string   `toml:"server_name" env:"SERVER_NAME"`

	Redis redisConfig `toml:"redis"`
}

func defaultConfig() config {
	return config{
		Addr:          ":8080",
		Endpoint:      "/rpc",
		Backend:       "memory",
		SessionWindow: duration(30 * time.Minute),
		Heartbeat:     duration(30 * time.Second),
		MaxSessions:   65536,
		ServerName:    "sessionwired",
		Redis:         redisConfig{Addr: "localhost:6379"},
	}
}

// loadConfig layers: code defaults, then the TOML file (if any), then
// environment variables.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	// Env overrides are optional across the board; a fully unset environment
	// is not an error.
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, fmt.Errorf("failed to decode environment: %w", err)
	}

	switch cfg.Backend {
	case "memory", "redis":
	default:
		return cfg, fmt.Errorf("unknown backend %q (want memory or redis)", cfg.Backend)
	}
	return cfg, nil
}
