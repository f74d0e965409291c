// Package config loads the server configuration from environment variables
// with viper. Keys are SECTION.FIELD; the matching environment variable
// replaces the dot with an underscore (DATABASE.PATH -> DATABASE_PATH).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/settlement-engine/logger"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

type ServerConfig struct {
	Environment    Environment `mapstructure:"ENVIRONMENT"`
	Port           string      `mapstructure:"PORT"`
	AllowedOrigins []string    `mapstructure:"ALLOWED_ORIGINS"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. ":memory:" keeps everything in memory.
	Path string `mapstructure:"PATH"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"ENABLED"`
	Address  string `mapstructure:"ADDRESS"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// LockConfig applies to the redis driver lock only.
type LockConfig struct {
	TTL    time.Duration `mapstructure:"TTL"`
	Prefix string        `mapstructure:"PREFIX"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `mapstructure:"MAX_INTERVAL"`
	MaxElapsed      time.Duration `mapstructure:"MAX_ELAPSED"`
	MaxAttempts     uint64        `mapstructure:"MAX_ATTEMPTS"`
}

type NotifyConfig struct {
	ChannelPrefix  string        `mapstructure:"CHANNEL_PREFIX"`
	PublishTimeout time.Duration `mapstructure:"PUBLISH_TIMEOUT"`
}

// SweepConfig drives the periodic full reconciliation.
type SweepConfig struct {
	Enabled  bool          `mapstructure:"ENABLED"`
	Interval time.Duration `mapstructure:"INTERVAL"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"SERVER"`
	Database DatabaseConfig `mapstructure:"DATABASE"`
	Redis    RedisConfig    `mapstructure:"REDIS"`
	Lock     LockConfig     `mapstructure:"LOCK"`
	Retry    RetryConfig    `mapstructure:"RETRY"`
	Notify   NotifyConfig   `mapstructure:"NOTIFY"`
	Sweep    SweepConfig    `mapstructure:"SWEEP"`
}

var keys = []string{
	"SERVER.ENVIRONMENT", "SERVER.PORT", "SERVER.ALLOWED_ORIGINS",
	"DATABASE.PATH",
	"REDIS.ENABLED", "REDIS.ADDRESS", "REDIS.PASSWORD", "REDIS.DB",
	"LOCK.TTL", "LOCK.PREFIX",
	"RETRY.INITIAL_INTERVAL", "RETRY.MAX_INTERVAL", "RETRY.MAX_ELAPSED", "RETRY.MAX_ATTEMPTS",
	"NOTIFY.CHANNEL_PREFIX", "NOTIFY.PUBLISH_TIMEOUT",
	"SWEEP.ENABLED", "SWEEP.INTERVAL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER.ENVIRONMENT", EnvDevelopment)
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("DATABASE.PATH", "settlements.db")
	v.SetDefault("REDIS.ENABLED", false)
	v.SetDefault("REDIS.ADDRESS", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("LOCK.TTL", "30s")
	v.SetDefault("LOCK.PREFIX", "settlement:lock:")
	v.SetDefault("RETRY.INITIAL_INTERVAL", "25ms")
	v.SetDefault("RETRY.MAX_INTERVAL", "1s")
	v.SetDefault("RETRY.MAX_ELAPSED", "15s")
	v.SetDefault("RETRY.MAX_ATTEMPTS", 20)
	v.SetDefault("NOTIFY.CHANNEL_PREFIX", "settlements")
	v.SetDefault("NOTIFY.PUBLISH_TIMEOUT", "5s")
	v.SetDefault("SWEEP.ENABLED", true)
	v.SetDefault("SWEEP.INTERVAL", "1h")
}

// LoadConfig reads defaults and environment overrides, then validates.
func LoadConfig() (*Config, error) {
	v := viper.New()
	log := logger.GetLogger()

	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Unmarshal only sees env values for keys viper already knows about.
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	log.Infow("Configuration loaded",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"database", cfg.Database.Path,
		"redis_enabled", cfg.Redis.Enabled,
		"allowed_origins", cfg.Server.AllowedOrigins)
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch cfg.Server.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", cfg.Server.Environment)
	}
	if !containsWildcard(cfg.Server.AllowedOrigins) {
		for _, origin := range cfg.Server.AllowedOrigins {
			if _, err := url.ParseRequestURI(origin); err != nil {
				return fmt.Errorf("invalid allowed origin '%s': %w", origin, err)
			}
		}
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.Redis.Enabled {
		if cfg.Redis.Address == "" {
			return fmt.Errorf("redis address is required when redis is enabled")
		}
		if cfg.Lock.TTL <= 0 {
			return fmt.Errorf("lock TTL must be positive")
		}
		// The TTL is not extended while held; it must cover the retry budget.
		if cfg.Lock.TTL < cfg.Retry.MaxElapsed {
			return fmt.Errorf("lock TTL %s is shorter than the retry budget %s", cfg.Lock.TTL, cfg.Retry.MaxElapsed)
		}
	}
	if cfg.Sweep.Enabled && cfg.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return fmt.Errorf("retry intervals must be positive and ordered")
	}
	return nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
