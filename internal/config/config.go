// Package config provides configuration management using viper.
// It supports loading from YAML files, .env files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Bot          BotConfig          `mapstructure:"bot"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Panel        PanelConfig        `mapstructure:"panel"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// AdminConfig holds the operators allowed to verify payments.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// RedisConfig holds the address of the card rotation cursor store.
// An empty address keeps the cursor in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the domain event stream. No brokers means events are only logged.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig holds the webhook and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// GatewayConfig holds the payment gateway callback settings.
type GatewayConfig struct {
	Secret string `mapstructure:"secret"`
}

// PanelConfig holds remote panel client settings.
type PanelConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProvisioningConfig holds the worker pool and retry policy.
type ProvisioningConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// AuditConfig holds the reconciliation schedule.
type AuditConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig holds the OTLP/HTTP collector endpoint. Empty disables tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal in containers.
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. BOT_TOKEN, DATABASE_HOST, PROVISIONING_WORKERS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("bot.token", "")
	v.SetDefault("admin.ids", []int64{})
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("gateway.secret", "")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "shopbot")
	v.SetDefault("database.name", "shopbot")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("kafka.topic", "shop.events")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("panel.timeout", "10s")

	v.SetDefault("provisioning.workers", 4)
	v.SetDefault("provisioning.queue_size", 256)
	v.SetDefault("provisioning.max_retries", 3)
	v.SetDefault("provisioning.initial_backoff", "1s")
	v.SetDefault("provisioning.backoff_multiplier", 3.0)

	v.SetDefault("audit.interval", "1h")
	v.SetDefault("log.level", "info")
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	for _, id := range c.Admin.IDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("admin.ids: invalid telegram id %d", id))
		}
	}
	if c.Provisioning.Workers < 1 {
		errs = append(errs, errors.New("provisioning.workers must be at least 1"))
	}
	if c.Provisioning.QueueSize < 1 {
		errs = append(errs, errors.New("provisioning.queue_size must be at least 1"))
	}
	if c.Provisioning.MaxRetries < 0 {
		errs = append(errs, errors.New("provisioning.max_retries must not be negative"))
	}
	if c.Provisioning.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("provisioning.backoff_multiplier must be at least 1"))
	}
	if c.Panel.Timeout <= 0 {
		errs = append(errs, errors.New("panel.timeout must be positive"))
	}
	if c.Audit.Interval <= 0 {
		errs = append(errs, errors.New("audit.interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
