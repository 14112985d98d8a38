package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override the file,
// e.g. DETACH_STORE_BACKEND
const EnvPrefix = "DETACH"

// Config represents the detachctl configuration
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// EngineConfig configures the detach engine
type EngineConfig struct {
	MaxDepth     int  `mapstructure:"max_depth" validate:"gte=0"`
	FlushOnApply bool `mapstructure:"flush_on_apply"`
	Metrics      bool `mapstructure:"metrics"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Backend string       `mapstructure:"backend" validate:"required,oneof=memory sqlite postgres pgx redis badger"`
	DSN     string       `mapstructure:"dsn"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Badger  BadgerConfig `mapstructure:"badger"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=15"`
	Prefix   string `mapstructure:"prefix"`
}

// BadgerConfig represents embedded database configuration
type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

var validate = validator.New()

// Load loads the configuration. An empty path looks for detach.yml or
// detach.yaml in the working directory; a missing file means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("detach")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_depth", 0)
	v.SetDefault("engine.flush_on_apply", false)
	v.SetDefault("engine.metrics", false)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "detach:")
	v.SetDefault("store.badger.path", "")
	v.SetDefault("store.badger.in_memory", true)
	v.SetDefault("store.badger.sync_writes", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks a configuration changed after Load, e.g. by flags
func (c *Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Store.Backend {
	case "sqlite", "postgres", "pgx":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", cfg.Store.Backend)
		}
	case "badger":
		if !cfg.Store.Badger.InMemory && cfg.Store.Badger.Path == "" {
			return errors.New("store.badger.path is required unless store.badger.in_memory is set")
		}
	}
	return nil
}
