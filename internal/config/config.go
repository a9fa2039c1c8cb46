package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RECEIPTFLOW_REDIS_ADDR.
const EnvPrefix = "RECEIPTFLOW"

// Config is the full configuration shared by the server, worker and producer binaries.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Lock      LockConfig      `mapstructure:"lock"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// RedisConfig connection settings for the cache and stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig receipt stream settings.
type QueueConfig struct {
	Stream           string        `mapstructure:"stream"`
	Group            string        `mapstructure:"group"`
	Consumer         string        `mapstructure:"consumer"` // empty: hostname
	DeadLetterStream string        `mapstructure:"dead_letter_stream"`
	ResultsChannel   string        `mapstructure:"results_channel"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Block            time.Duration `mapstructure:"block"`
	ClaimMinIdle     time.Duration `mapstructure:"claim_min_idle"`
	ClaimInterval    time.Duration `mapstructure:"claim_interval"`
}

// LockConfig TTLs for request locks and the processing flag.
type LockConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
}

// StagingConfig scratch directory for uploaded receipts.
type StagingConfig struct {
	Dir string `mapstructure:"dir"`
}

// AnalyzerConfig external analysis service.
type AnalyzerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CallbackConfig shared secret expected on analysis callbacks.
type CallbackConfig struct {
	Secret string `mapstructure:"secret"`
}

// DatabaseConfig relational store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig per-member upload limits.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// MetricsConfig Prometheus listener for processes without an HTTP API.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.stream", "receipt:jobs")
	v.SetDefault("queue.group", "receipt:workers")
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.dead_letter_stream", "")
	v.SetDefault("queue.results_channel", "receipt:results")
	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.block", "2s")
	v.SetDefault("queue.claim_min_idle", "5m")
	v.SetDefault("queue.claim_interval", "1m")

	v.SetDefault("lock.ttl", "10s")
	v.SetDefault("lock.processing_ttl", "1m")

	v.SetDefault("staging.dir", "/tmp/receiptflow")

	v.SetDefault("analyzer.base_url", "http://localhost:8000")
	v.SetDefault("analyzer.api_key", "")
	v.SetDefault("analyzer.timeout", "90s")

	v.SetDefault("callback.secret", "")

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("rate_limit.rps", 0.5)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the optional YAML file at path, then applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Stream == "" || c.Queue.Group == "" {
		return fmt.Errorf("queue.stream and queue.group are required")
	}
	if c.Lock.TTL <= 0 || c.Lock.ProcessingTTL <= 0 {
		return fmt.Errorf("lock.ttl and lock.processing_ttl must be positive")
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("analyzer.timeout must be positive")
	}
	switch c.Database.Type {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	return nil
}
