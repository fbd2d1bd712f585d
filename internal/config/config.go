// Package config loads the sync core configuration from file,
// environment and defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerURL       = "http://localhost:8080"
	defaultDataDir         = "./data"
	defaultListenAddr      = "localhost:8090"
	defaultCacheGeneration = "v1"
	defaultCacheTTL        = 24 * time.Hour
	defaultSyncInterval    = time.Minute
	defaultProbeInterval   = 30 * time.Second
	defaultMaxRetries      = 3
	defaultRetryBackoff    = time.Second
	defaultQueueMaxSize    = 1000
	defaultLogLevel        = "info"
)

// Config holds every tunable of the sync core.
type Config struct {
	ServerURL       string        `mapstructure:"server_url"`
	DataDir         string        `mapstructure:"data_dir"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	CacheGeneration string        `mapstructure:"cache_generation"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	QueueMaxSize    int           `mapstructure:"queue_max_size"`
	LogLevel        string        `mapstructure:"log_level"`
	PrecacheAssets  []string      `mapstructure:"precache_assets"`
}

// Load reads configuration from the optional file path, environment
// variables (prefixed AGROTOUR_) and built-in defaults, in that
// priority order.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("cache_generation", defaultCacheGeneration)
	v.SetDefault("cache_ttl", defaultCacheTTL)
	v.SetDefault("sync_interval", defaultSyncInterval)
	v.SetDefault("probe_interval", defaultProbeInterval)
	v.SetDefault("max_retries", defaultMaxRetries)
	v.SetDefault("retry_backoff", defaultRetryBackoff)
	v.SetDefault("queue_max_size", defaultQueueMaxSize)
	v.SetDefault("log_level", defaultLogLevel)

	v.SetEnvPrefix("AGROTOUR")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("syncd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.agrotour")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No file found, defaults and environment apply
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

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %v", c.CacheTTL)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %v", c.SyncInterval)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.QueueMaxSize < 0 {
		return fmt.Errorf("queue_max_size must not be negative, got %d", c.QueueMaxSize)
	}
	return nil
}
