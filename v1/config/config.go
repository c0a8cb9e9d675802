// Package config holds the coordinator settings and loads them from defaults,
// an optional YAML file and EDITLOCK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// EDITLOCK_LEASE_DURATION_SECONDS or EDITLOCK_REDIS_ADDR.
const EnvPrefix = "EDITLOCK"

// Config is the full coordinator configuration.
type Config struct {
	LeaseDurationSeconds     int  `mapstructure:"lease_duration_seconds" yaml:"lease_duration_seconds"`
	HeartbeatIntervalSeconds int  `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	WarningThresholdSeconds  int  `mapstructure:"warning_threshold_seconds" yaml:"warning_threshold_seconds"`
	AllowTakeover            bool `mapstructure:"allow_takeover" yaml:"allow_takeover"`
	RequireConfirmation      bool `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	AutoReleaseOnIdle        bool `mapstructure:"auto_release_on_idle" yaml:"auto_release_on_idle"`
	IdleTimeoutSeconds       int  `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`

	SweepIntervalSeconds int         `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	EventTopic           string      `mapstructure:"event_topic" yaml:"event_topic"`
	LogLevel             string      `mapstructure:"log_level" yaml:"log_level"`
	Redis                RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the optional Redis persistence and event stream.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		LeaseDurationSeconds:     900,
		HeartbeatIntervalSeconds: 30,
		WarningThresholdSeconds:  120,
		AllowTakeover:            true,
		RequireConfirmation:      true,
		AutoReleaseOnIdle:        true,
		IdleTimeoutSeconds:       600,
		SweepIntervalSeconds:     30,
		EventTopic:               "editlock.events",
		LogLevel:                 "info",
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("lease_duration_seconds", d.LeaseDurationSeconds)
	v.SetDefault("heartbeat_interval_seconds", d.HeartbeatIntervalSeconds)
	v.SetDefault("warning_threshold_seconds", d.WarningThresholdSeconds)
	v.SetDefault("allow_takeover", d.AllowTakeover)
	v.SetDefault("require_confirmation", d.RequireConfirmation)
	v.SetDefault("auto_release_on_idle", d.AutoReleaseOnIdle)
	v.SetDefault("idle_timeout_seconds", d.IdleTimeoutSeconds)
	v.SetDefault("sweep_interval_seconds", d.SweepIntervalSeconds)
	v.SetDefault("event_topic", d.EventTopic)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used. The result is validated.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, ValidationErrors(errs)
	}
	return cfg, nil
}

// LeaseDuration is the lifetime granted by Acquire, Extend and Takeover.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// HeartbeatInterval is how often editors are expected to heartbeat.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// WarningThreshold is the remaining lifetime below which a lock is reported
// as expiring soon.
func (c Config) WarningThreshold() time.Duration {
	return time.Duration(c.WarningThresholdSeconds) * time.Second
}

// IdleTimeout is the inactivity after which an idle lock is reclaimed.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// SweepInterval is the cadence of the expiration sweeper.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
