package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Generator   GeneratorConfig   `mapstructure:"generator"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Business    BusinessConfig    `mapstructure:"business"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	NodeID     int64  `mapstructure:"node_id"`
	InstanceID string `mapstructure:"instance_id"`
}

// DatabaseConfig selects one of mysql, postgres or sqlite. For sqlite only Name
// is used (a file path or ":memory:").
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	JobFinished string `mapstructure:"job_finished"`
	LedgerEvent string `mapstructure:"ledger_event"`
}

type GeneratorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type CoordinatorConfig struct {
	LockName      string        `mapstructure:"lock_name"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// HeartbeatInterval is a third of the lease so two missed beats still leave room.
func (c CoordinatorConfig) HeartbeatInterval() time.Duration {
	return c.TTL / 3
}

type BusinessConfig struct {
	PollBaseDelay     time.Duration `mapstructure:"poll_base_delay"`
	PollMaxDelay      time.Duration `mapstructure:"poll_max_delay"`
	DefaultJobTimeout time.Duration `mapstructure:"default_job_timeout"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	SubmitLockTTL     time.Duration `mapstructure:"submit_lock_ttl"`
	MaxRetryCount     int           `mapstructure:"max_retry_count"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.node_id", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "genpay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic.job_finished", "generation.job.finished")
	v.SetDefault("kafka.topic.ledger_event", "generation.ledger.event")

	v.SetDefault("generator.request_timeout", 15*time.Second)

	v.SetDefault("catalog.path", "config/models.toml")

	v.SetDefault("coordinator.lock_name", "poller")
	v.SetDefault("coordinator.ttl", 30*time.Second)
	v.SetDefault("coordinator.retry_interval", 5*time.Second)

	v.SetDefault("business.poll_base_delay", 2*time.Second)
	v.SetDefault("business.poll_max_delay", 30*time.Second)
	v.SetDefault("business.default_job_timeout", 300*time.Second)
	v.SetDefault("business.max_concurrent_jobs", 64)
	v.SetDefault("business.scan_interval", time.Second)
	v.SetDefault("business.idempotency_ttl", 24*time.Hour)
	v.SetDefault("business.submit_lock_ttl", 10*time.Second)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.reconcile_interval", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads the yaml file at configPath. An empty path loads defaults and environment only.
// Every key can be overridden from the environment, e.g. GENPAY_DATABASE_HOST.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GENPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Coordinator.TTL <= 0 {
		return fmt.Errorf("config: coordinator.ttl must be positive")
	}
	if c.Business.PollBaseDelay <= 0 || c.Business.PollMaxDelay < c.Business.PollBaseDelay {
		return fmt.Errorf("config: poll delays must satisfy 0 < base <= max")
	}
	if c.Business.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: business.max_concurrent_jobs must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.enabled requires kafka.brokers")
	}
	return nil
}
