// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. Env always wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Presence PresenceConfig `yaml:"presence"`
	Rooms    RoomConfig     `yaml:"rooms"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the shared store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BridgeConfig holds cross-instance NATS settings.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

// ArchiveConfig holds round-archive database settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// PresenceConfig tunes heartbeat and inactivity handling.
type PresenceConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ContributorTimeout time.Duration `yaml:"contributor_timeout"`
	LeaderTimeout      time.Duration `yaml:"leader_timeout"`
	RemoveDelay        time.Duration `yaml:"remove_delay"`
}

// RoomConfig tunes room defaults.
type RoomConfig struct {
	Capacity       int           `yaml:"capacity"`
	CardSet        string        `yaml:"card_set"`
	EmptyRoomGrace time.Duration `yaml:"empty_room_grace"`
}

// Default returns the configuration used when neither file nor env set a
// value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Bridge: BridgeConfig{
			URL:    "nats://localhost:4222",
			Stream: "POKER_EVENTS",
		},
		Presence: PresenceConfig{
			HeartbeatInterval:  25 * time.Second,
			ContributorTimeout: 5 * time.Minute,
			LeaderTimeout:      10 * time.Minute,
			RemoveDelay:        2 * time.Minute,
		},
		Rooms: RoomConfig{
			Capacity:       12,
			CardSet:        "fibonacci",
			EmptyRoomGrace: 5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty and the file exists), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.Redis.Addr = getEnv("REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Redis.DB = getEnvAsInt("REDIS_DB", c.Store.Redis.DB)
	c.Bridge.Enabled = getEnvAsBool("BRIDGE_ENABLED", c.Bridge.Enabled)
	c.Bridge.URL = getEnv("NATS_URL", c.Bridge.URL)
	c.Bridge.Stream = getEnv("NATS_STREAM", c.Bridge.Stream)
	c.Archive.Enabled = getEnvAsBool("ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.DSN = getEnv("ARCHIVE_DSN", c.Archive.DSN)
	c.Rooms.Capacity = getEnvAsInt("ROOM_CAPACITY", c.Rooms.Capacity)
	c.Rooms.CardSet = getEnv("ROOM_CARD_SET", c.Rooms.CardSet)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive enabled but ARCHIVE_DSN is empty")
	}
	if c.Rooms.Capacity < 1 {
		return fmt.Errorf("room capacity must be positive, got %d", c.Rooms.Capacity)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
