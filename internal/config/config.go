// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paperatlas/enrichq/internal/stage"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// RateLimit configures one provider bucket.
type RateLimit struct {
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	AcquireWait   time.Duration `mapstructure:"acquire_wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Worker struct {
	PoolSizes         map[string]int `mapstructure:"pool_sizes"`
	MaxRetries        int            `mapstructure:"max_retries"`
	Backoff           Backoff        `mapstructure:"backoff"`
	PollIntervalEmpty time.Duration  `mapstructure:"poll_interval_empty"`
	ReclaimInterval   time.Duration  `mapstructure:"reclaim_interval"`
	StopDeadline      time.Duration  `mapstructure:"stop_deadline"`
	BreakerPause      time.Duration  `mapstructure:"breaker_pause"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Backfill struct {
	Schedule            string `mapstructure:"schedule"`
	Limit               int    `mapstructure:"limit"`
	Priority            int    `mapstructure:"priority"`
	ErrorCountThreshold int    `mapstructure:"error_count_threshold"`
	PageSize            int    `mapstructure:"page_size"`
}

type Providers struct {
	AnthropicAPIKey    string `mapstructure:"anthropic_api_key"`
	AnthropicModel     string `mapstructure:"anthropic_model"`
	CitationsBaseURL   string `mapstructure:"citations_base_url"`
	GitHubBaseURL      string `mapstructure:"github_base_url"`
	GitHubToken        string `mapstructure:"github_token"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type Logging struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Observability struct {
	MetricsPort    int           `mapstructure:"metrics_port"`
	Logging        Logging       `mapstructure:"logging"`
	Tracing        TracingConfig `mapstructure:"tracing"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type AdminAPI struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Redis          Redis                `mapstructure:"redis"`
	Worker         Worker               `mapstructure:"worker"`
	RateLimits     map[string]RateLimit `mapstructure:"rate_limits"`
	CircuitBreaker CircuitBreaker       `mapstructure:"circuit_breaker"`
	Backfill       Backfill             `mapstructure:"backfill"`
	Providers      Providers            `mapstructure:"providers"`
	Observability  Observability        `mapstructure:"observability"`
	AdminAPI       AdminAPI             `mapstructure:"admin_api"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			PoolSizes: map[string]int{
				string(stage.KindLLM):      15,
				string(stage.KindExternal): 5,
				string(stage.KindLocal):    4,
			},
			MaxRetries:        5,
			Backoff:           Backoff{Base: 2 * time.Second, Max: 5 * time.Minute},
			PollIntervalEmpty: 500 * time.Millisecond,
			ReclaimInterval:   30 * time.Second,
			StopDeadline:      30 * time.Second,
			BreakerPause:      250 * time.Millisecond,
		},
		RateLimits: map[string]RateLimit{
			stage.BucketLLM:       {MaxRequests: 60, Window: time.Minute, MinDelay: time.Second, AcquireWait: 2 * time.Second, RetryInterval: 250 * time.Millisecond},
			stage.BucketCitations: {MaxRequests: 100, Window: time.Minute, MinDelay: 100 * time.Millisecond, AcquireWait: 2 * time.Second, RetryInterval: 250 * time.Millisecond},
			stage.BucketGitHub:    {MaxRequests: 5000, Window: time.Hour, MinDelay: 100 * time.Millisecond, AcquireWait: 2 * time.Second, RetryInterval: 250 * time.Millisecond},
			stage.BucketLocal:     {MaxRequests: 10000, Window: time.Minute, AcquireWait: 2 * time.Second, RetryInterval: 100 * time.Millisecond},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Backfill: Backfill{
			Limit:               1000,
			Priority:            50,
			ErrorCountThreshold: 5,
			PageSize:            200,
		},
		Providers: Providers{
			AnthropicModel:     "claude-sonnet-4-20250514",
			CitationsBaseURL:   "https://api.semanticscholar.org/graph/v1",
			GitHubBaseURL:      "https://api.github.com",
			EmbeddingDimension: 256,
		},
		Observability: Observability{
			MetricsPort:    9090,
			Logging:        Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 3},
			Tracing:        TracingConfig{Enabled: false, SamplingRate: 0.1},
			SampleInterval: 2 * time.Second,
		},
		AdminAPI: AdminAPI{Addr: ":8080"},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.pool_sizes", def.Worker.PoolSizes)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.poll_interval_empty", def.Worker.PollIntervalEmpty)
	v.SetDefault("worker.reclaim_interval", def.Worker.ReclaimInterval)
	v.SetDefault("worker.stop_deadline", def.Worker.StopDeadline)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)

	for name, rl := range def.RateLimits {
		v.SetDefault("rate_limits."+name+".max_requests", rl.MaxRequests)
		v.SetDefault("rate_limits."+name+".window", rl.Window)
		v.SetDefault("rate_limits."+name+".min_delay", rl.MinDelay)
		v.SetDefault("rate_limits."+name+".acquire_wait", rl.AcquireWait)
		v.SetDefault("rate_limits."+name+".retry_interval", rl.RetryInterval)
	}

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("backfill.schedule", def.Backfill.Schedule)
	v.SetDefault("backfill.limit", def.Backfill.Limit)
	v.SetDefault("backfill.priority", def.Backfill.Priority)
	v.SetDefault("backfill.error_count_threshold", def.Backfill.ErrorCountThreshold)
	v.SetDefault("backfill.page_size", def.Backfill.PageSize)

	v.SetDefault("providers.anthropic_model", def.Providers.AnthropicModel)
	v.SetDefault("providers.citations_base_url", def.Providers.CitationsBaseURL)
	v.SetDefault("providers.github_base_url", def.Providers.GitHubBaseURL)
	v.SetDefault("providers.embedding_dimension", def.Providers.EmbeddingDimension)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.logging.level", def.Observability.Logging.Level)
	v.SetDefault("observability.logging.max_size_mb", def.Observability.Logging.MaxSizeMB)
	v.SetDefault("observability.logging.max_backups", def.Observability.Logging.MaxBackups)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
	v.SetDefault("observability.sample_interval", def.Observability.SampleInterval)

	v.SetDefault("admin_api.addr", def.AdminAPI.Addr)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	for _, k := range stage.Kinds() {
		if cfg.Worker.PoolSizes[string(k)] < 0 {
			return fmt.Errorf("worker.pool_sizes.%s must be >= 0", k)
		}
	}
	if cfg.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if cfg.Worker.PollIntervalEmpty <= 0 || cfg.Worker.PollIntervalEmpty > time.Second {
		return fmt.Errorf("worker.poll_interval_empty must be in (0, 1s]")
	}
	if cfg.Worker.ReclaimInterval <= 0 || cfg.Worker.ReclaimInterval > time.Minute {
		return fmt.Errorf("worker.reclaim_interval must be in (0, 60s]")
	}
	for _, b := range stage.Buckets() {
		rl, ok := cfg.RateLimits[b]
		if !ok {
			return fmt.Errorf("rate_limits missing entry for bucket %q", b)
		}
		if rl.MaxRequests < 1 {
			return fmt.Errorf("rate_limits.%s.max_requests must be >= 1", b)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be > 0", b)
		}
		if rl.RetryInterval <= 0 || rl.RetryInterval > 500*time.Millisecond {
			return fmt.Errorf("rate_limits.%s.retry_interval must be in (0, 500ms]", b)
		}
	}
	if cfg.Backfill.ErrorCountThreshold < 1 {
		return fmt.Errorf("backfill.error_count_threshold must be >= 1")
	}
	if cfg.Backfill.PageSize < 1 {
		return fmt.Errorf("backfill.page_size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
