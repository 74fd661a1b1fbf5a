// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Lock      LockConfig      `mapstructure:"lock"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SweepConfig governs the sweep controller and the domain backlog.
type SweepConfig struct {
	Holder               string   `mapstructure:"holder"`
	BatchSize            int      `mapstructure:"batch_size"`
	MaxRetries           int      `mapstructure:"max_retries"`
	LockTTLMinutes       int      `mapstructure:"lock_ttl_minutes"`
	WatchdogMinutes      int      `mapstructure:"watchdog_minutes"`
	MinProviderSuccesses int      `mapstructure:"min_provider_successes"`
	HistorySize          int      `mapstructure:"history_size"`
	Domains              []string `mapstructure:"domains"`
}

// ProvidersConfig describes the model provider universe and its limits.
type ProvidersConfig struct {
	Names          []string `mapstructure:"names"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxConcurrent  int      `mapstructure:"max_concurrent"`
	RPS            float64  `mapstructure:"rps"`
	Burst          int      `mapstructure:"burst"`
}

// LockConfig selects the crawl lock backend.
type LockConfig struct {
	Backend string `mapstructure:"backend"`
}

// QueueConfig selects the work queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig controls the Redis-backed lock store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig sets where raw provider payloads are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for sweep completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Supported backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOMAIN_RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("sweep.holder", "domain-runner")
	v.SetDefault("sweep.batch_size", 10)
	v.SetDefault("sweep.max_retries", 3)
	v.SetDefault("sweep.lock_ttl_minutes", 60)
	v.SetDefault("sweep.watchdog_minutes", 30)
	v.SetDefault("sweep.min_provider_successes", 1)
	v.SetDefault("sweep.history_size", 20)
	v.SetDefault("providers.names", []string{
		"openai", "anthropic", "deepseek", "mistral", "cohere", "ai21",
		"google", "groq", "together", "perplexity", "xai",
	})
	v.SetDefault("providers.timeout_seconds", 90)
	v.SetDefault("providers.max_concurrent", 4)
	v.SetDefault("providers.rps", 0)
	v.SetDefault("providers.burst", 1)
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "responses")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be > 0")
	}
	if c.Sweep.MaxRetries <= 0 {
		return fmt.Errorf("sweep.max_retries must be > 0")
	}
	if len(c.Providers.Names) == 0 {
		return fmt.Errorf("providers.names must not be empty")
	}
	if c.Providers.TimeoutSeconds <= 0 {
		return fmt.Errorf("providers.timeout_seconds must be > 0")
	}
	if c.Sweep.MinProviderSuccesses > len(c.Providers.Names) {
		return fmt.Errorf("sweep.min_provider_successes exceeds provider count")
	}
	// The lock must outlive at least two batches of worst-case provider
	// calls, otherwise a healthy sweep can be stolen mid-drain.
	minTTL := 2 * time.Duration(c.Sweep.BatchSize) * c.ProviderTimeout()
	if c.LockTTL() < minTTL {
		return fmt.Errorf("sweep.lock_ttl_minutes too small: need at least %s for batch_size %d",
			minTTL, c.Sweep.BatchSize)
	}
	switch c.Lock.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendGCS, BackendLocal:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Lock.Backend == BackendPostgres || c.Queue.Backend == BackendPostgres {
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	}
	if c.Lock.Backend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set for the redis lock backend")
	}
	if c.Storage.Backend == BackendGCS && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	return nil
}

// LockTTL returns the crawl lock TTL as a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Sweep.LockTTLMinutes) * time.Minute
}

// WatchdogAge returns the in-flight age cutoff for stuck-task reclaim.
func (c Config) WatchdogAge() time.Duration {
	return time.Duration(c.Sweep.WatchdogMinutes) * time.Minute
}

// ProviderTimeout returns the per-provider call budget.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Providers.TimeoutSeconds) * time.Second
}

// ServerTimeout returns the HTTP request budget.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
