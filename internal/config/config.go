package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	PublicURL  string        `mapstructure:"public_url"`
	LogLevel   string        `mapstructure:"log_level"`
	NodeID     string        `mapstructure:"node_id"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	Redis     RedisConfig     `mapstructure:"redis"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Security  SecurityConfig  `mapstructure:"security"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type RoomsConfig struct {
	DefaultExpiry   int `mapstructure:"default_expiry_seconds"`
	MaxExpiry       int `mapstructure:"max_expiry_seconds"`
	DefaultMaxUsers int `mapstructure:"default_max_users"`
	MaxUsersLimit   int `mapstructure:"max_users_limit"`
	MaxTextLen      int `mapstructure:"max_text_len"`
}

type BridgeConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type SecurityConfig struct {
	HashPasswords bool `mapstructure:"hash_passwords"`
	BcryptCost    int  `mapstructure:"bcrypt_cost"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("public_url", "ws://localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", "")
	v.SetDefault("read_limit", 8192)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "")
	v.SetDefault("reconcile_interval", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("rooms.default_expiry_seconds", 600)
	v.SetDefault("rooms.max_expiry_seconds", 86400)
	v.SetDefault("rooms.default_max_users", 20)
	v.SetDefault("rooms.max_users_limit", 500)
	v.SetDefault("rooms.max_text_len", 4096)

	v.SetDefault("bridge.poll_interval", "500ms")

	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("security.hash_passwords", false)
	v.SetDefault("security.bcrypt_cost", 10)
}

// Load reads config/config.{CONFIG_ENV}.yaml (dev by default) on top of the
// defaults. EPHEMERAL_* environment variables override both,
// e.g. EPHEMERAL_REDIS_ADDR.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("EPHEMERAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("redis", cfg.Redis.Addr).Str("node_id", cfg.NodeID).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Rooms.DefaultExpiry <= 0 || c.Rooms.DefaultMaxUsers <= 0 {
		errs = append(errs, errors.New("rooms defaults must be positive"))
	}
	if c.Rooms.MaxExpiry < c.Rooms.DefaultExpiry {
		errs = append(errs, errors.New("rooms.max_expiry_seconds is below the default expiry"))
	}
	if c.Rooms.MaxUsersLimit < c.Rooms.DefaultMaxUsers {
		errs = append(errs, errors.New("rooms.max_users_limit is below the default max users"))
	}
	if c.Mode == "release" && c.Secret == "" {
		errs = append(errs, errors.New("secret is required in release mode"))
	}
	return errors.Join(errs...)
}
