// Package config loads runtime configuration for the board server via
// viper, using an env-prefixed default/flag/env layering shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BOARDSERVER"

// Config captures every runtime tunable, with reasonable defaults.
type Config struct {
	RedisURL    string
	HTTPAddress string

	CheckpointBatchSize   int64
	CheckpointEmptyBackoff time.Duration
	BoardIdleGrace        time.Duration

	SessionCheckinTTL time.Duration
	ReaperInterval    time.Duration

	SnapshotChunkSize int

	GatewaySmallOpTimeout time.Duration
	GatewayJSONTimeout    time.Duration
}

// NewViper returns a viper instance with defaults and BOARDSERVER_* env
// bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided
// viper instance. redis.url keeps the bare REDIS_URL env var name;
// every other tunable is BOARDSERVER_-prefixed.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("redis.url", "REDIS_URL")

	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("http.address", ":1234")

	v.SetDefault("checkpoint.batch_size", 256)
	v.SetDefault("checkpoint.empty_backoff", 100*time.Millisecond)
	v.SetDefault("board.idle_grace", 60*time.Second)

	v.SetDefault("session.checkin_ttl", 30*time.Second)
	v.SetDefault("reaper.interval", 15*time.Second)

	v.SetDefault("snapshot.chunk_size", 1000)

	v.SetDefault("gateway.timeout", 2*time.Second)
	v.SetDefault("gateway.json_timeout", 10*time.Second)
}

// Load parses runtime configuration from viper and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		RedisURL:    v.GetString("redis.url"),
		HTTPAddress: v.GetString("http.address"),

		CheckpointBatchSize:    v.GetInt64("checkpoint.batch_size"),
		CheckpointEmptyBackoff: v.GetDuration("checkpoint.empty_backoff"),
		BoardIdleGrace:         v.GetDuration("board.idle_grace"),

		SessionCheckinTTL: v.GetDuration("session.checkin_ttl"),
		ReaperInterval:    v.GetDuration("reaper.interval"),

		SnapshotChunkSize: v.GetInt("snapshot.chunk_size"),

		GatewaySmallOpTimeout: v.GetDuration("gateway.timeout"),
		GatewayJSONTimeout:    v.GetDuration("gateway.json_timeout"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.CheckpointBatchSize <= 0 {
		return fmt.Errorf("checkpoint.batch_size must be positive")
	}
	if c.SnapshotChunkSize <= 0 {
		return fmt.Errorf("snapshot.chunk_size must be positive")
	}
	return nil
}
