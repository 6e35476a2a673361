package microservice

import (
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-imagefetch/pkg/cache"
	"github.com/illmade-knight/go-imagefetch/pkg/fetch"
	"github.com/illmade-knight/go-imagefetch/pkg/invalidation"
	"github.com/illmade-knight/go-imagefetch/pkg/transport"
	"github.com/tunabay/go-infounit"
	"gopkg.in/yaml.v3"
)

// BaseConfig holds common configuration fields for all services.
type BaseConfig struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	ServiceName     string `yaml:"service_name"`
}

// CacheConfig mirrors fetch.Config in file form.
type CacheConfig struct {
	CountLimit          int           `yaml:"count_limit"`
	TotalCostLimitBytes uint64        `yaml:"total_cost_limit_bytes"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	PrefetchConcurrency int           `yaml:"prefetch_concurrency"`
	// Prefetch is a list of URLs warmed at startup.
	Prefetch []string `yaml:"prefetch"`
}

// HTTPClientConfig mirrors transport.HTTPConfig in file form.
type HTTPClientConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	MaxConcurrentFetches int64         `yaml:"max_concurrent_fetches"`
	UserAgent            string        `yaml:"user_agent"`
}

// RedisTierConfig enables the shared Redis byte tier when Addr is set.
type RedisTierConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// Config is the full service configuration.
type Config struct {
	BaseConfig `yaml:",inline"`

	Cache CacheConfig      `yaml:"cache"`
	HTTP  HTTPClientConfig `yaml:"http"`
	Redis RedisTierConfig  `yaml:"redis"`

	// EnableGCS registers the gs:// transport.
	EnableGCS bool `yaml:"enable_gcs"`
	// InvalidationSubscription enables the Pub/Sub invalidation feed.
	InvalidationSubscription string `yaml:"invalidation_subscription"`
}

// NewConfigDefaults builds a Config from the package defaults, which already
// include their environment overrides.
func NewConfigDefaults() *Config {
	fc := fetch.NewConfigDefaults()
	hc := transport.NewHTTPConfigDefaults()
	rc := cache.NewRedisConfigDefaults("")

	cfg := &Config{
		BaseConfig: BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "imagefetchd",
		},
		Cache: CacheConfig{
			CountLimit:          fc.CountLimit,
			TotalCostLimitBytes: uint64(fc.TotalCostLimit),
			FetchTimeout:        fc.FetchTimeout,
			PrefetchConcurrency: fc.PrefetchConcurrency,
		},
		HTTP: HTTPClientConfig{
			Timeout:              hc.Timeout,
			MaxBodyBytes:         hc.MaxBodyBytes,
			MaxConcurrentFetches: hc.MaxConcurrentFetches,
			UserAgent:            hc.UserAgent,
		},
		Redis: RedisTierConfig{
			CacheTTL:  rc.CacheTTL,
			KeyPrefix: rc.KeyPrefix,
		},
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.HTTPPort = port
	}
	if project := os.Getenv("GOOGLE_CLOUD_PROJECT"); project != "" {
		cfg.ProjectID = project
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	return cfg
}

// LoadConfig reads a YAML file over the defaults. Fields absent from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfigDefaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if _, err := cfg.FetchConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FetchConfig returns the validated engine configuration.
func (c *Config) FetchConfig() (*fetch.Config, error) {
	fc := fetch.NewConfigDefaults()
	fc.CountLimit = c.Cache.CountLimit
	fc.TotalCostLimit = infounit.ByteCount(c.Cache.TotalCostLimitBytes)
	fc.FetchTimeout = c.Cache.FetchTimeout
	fc.PrefetchConcurrency = c.Cache.PrefetchConcurrency
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

// HTTPTransportConfig returns the HTTP transport configuration.
func (c *Config) HTTPTransportConfig() *transport.HTTPConfig {
	return &transport.HTTPConfig{
		Timeout:              c.HTTP.Timeout,
		MaxBodyBytes:         c.HTTP.MaxBodyBytes,
		MaxConcurrentFetches: c.HTTP.MaxConcurrentFetches,
		UserAgent:            c.HTTP.UserAgent,
	}
}

// RedisConfig returns the Redis tier configuration, or nil when disabled.
func (c *Config) RedisConfig() *cache.RedisConfig {
	if c.Redis.Addr == "" {
		return nil
	}
	rc := cache.NewRedisConfigDefaults(c.Redis.Addr)
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	rc.CacheTTL = c.Redis.CacheTTL
	if c.Redis.KeyPrefix != "" {
		rc.KeyPrefix = c.Redis.KeyPrefix
	}
	return rc
}

// ConsumerConfig returns the invalidation consumer configuration, or nil
// when the feed is disabled.
func (c *Config) ConsumerConfig() *invalidation.GooglePubsubConsumerConfig {
	if c.InvalidationSubscription == "" {
		return nil
	}
	cc := invalidation.NewGooglePubsubConsumerDefaults(c.InvalidationSubscription)
	cc.ProjectID = c.ProjectID
	return cc
}
