// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
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

// Backend describes one inference server in the static fleet.
type Backend struct {
	Addr string `mapstructure:"addr"`
}

type Workflow struct {
	DefaultPath     string `mapstructure:"default_path"`
	NodeIDSampler   string `mapstructure:"node_id_sampler"`
	NodeIDImageLoad string `mapstructure:"node_id_image_load"`
	NodeIDTextInput string `mapstructure:"node_id_text_input"`
}

type Dispatch struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout"`
	GenerateTimeout    time.Duration `mapstructure:"generate_timeout"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	SubmissionQueueKey string        `mapstructure:"submission_queue_key"`
	DefaultAvgSeconds  float64       `mapstructure:"default_avg_seconds"`
}

type ObjectStore struct {
	S3Region   string        `mapstructure:"s3_region"`
	S3Bucket   string        `mapstructure:"s3_bucket"`
	BaseURL    string        `mapstructure:"base_url"`
	StaticDir  string        `mapstructure:"static_dir"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

type SMS struct {
	GatewayURL      string        `mapstructure:"gateway_url"`
	GatewayKey      string        `mapstructure:"gateway_key"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type Relay struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type Reporter struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFile     string        `mapstructure:"log_file"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis         Redis               `mapstructure:"redis"`
	Backends      []Backend           `mapstructure:"backends"`
	Workflow      Workflow            `mapstructure:"workflow"`
	Dispatch      Dispatch            `mapstructure:"dispatch"`
	ObjectStore   ObjectStore         `mapstructure:"object_store"`
	SMS           SMS                 `mapstructure:"sms"`
	Relay         Relay               `mapstructure:"relay"`
	Reporter      Reporter            `mapstructure:"reporter"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTPAddr      string              `mapstructure:"http_addr"`
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
		Backends: []Backend{},
		Workflow: Workflow{
			DefaultPath:     "workflows/comfyui_basic_input_model_v0.json",
			NodeIDSampler:   "3",
			NodeIDImageLoad: "15",
			NodeIDTextInput: "18",
		},
		Dispatch: Dispatch{
			TickInterval:       500 * time.Millisecond,
			MaxAttempts:        3,
			ProcessingTimeout:  300 * time.Second,
			GenerateTimeout:    180 * time.Second,
			ProbeTimeout:       5 * time.Second,
			SubmissionQueueKey: "submissions_queue",
			DefaultAvgSeconds:  80,
		},
		ObjectStore: ObjectStore{
			BaseURL:    "http://localhost:8080",
			StaticDir:  "./static",
			PresignTTL: 24 * time.Hour,
		},
		SMS: SMS{
			RateLimitPerSec: 5,
			Timeout:         10 * time.Second,
		},
		Relay: Relay{
			NATSURL: "nats://localhost:4222",
			Subject: "imagegen.progress",
		},
		Reporter: Reporter{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		HTTPAddr: ":8080",
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

	v.SetDefault("workflow.default_path", def.Workflow.DefaultPath)
	v.SetDefault("workflow.node_id_sampler", def.Workflow.NodeIDSampler)
	v.SetDefault("workflow.node_id_image_load", def.Workflow.NodeIDImageLoad)
	v.SetDefault("workflow.node_id_text_input", def.Workflow.NodeIDTextInput)

	v.SetDefault("dispatch.tick_interval", def.Dispatch.TickInterval)
	v.SetDefault("dispatch.max_attempts", def.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.processing_timeout", def.Dispatch.ProcessingTimeout)
	v.SetDefault("dispatch.generate_timeout", def.Dispatch.GenerateTimeout)
	v.SetDefault("dispatch.probe_timeout", def.Dispatch.ProbeTimeout)
	v.SetDefault("dispatch.submission_queue_key", def.Dispatch.SubmissionQueueKey)
	v.SetDefault("dispatch.default_avg_seconds", def.Dispatch.DefaultAvgSeconds)

	v.SetDefault("object_store.base_url", def.ObjectStore.BaseURL)
	v.SetDefault("object_store.static_dir", def.ObjectStore.StaticDir)
	v.SetDefault("object_store.presign_ttl", def.ObjectStore.PresignTTL)

	v.SetDefault("sms.rate_limit_per_sec", def.SMS.RateLimitPerSec)
	v.SetDefault("sms.timeout", def.SMS.Timeout)

	v.SetDefault("relay.nats_url", def.Relay.NATSURL)
	v.SetDefault("relay.subject", def.Relay.Subject)

	v.SetDefault("reporter.enabled", def.Reporter.Enabled)
	v.SetDefault("reporter.schedule", def.Reporter.Schedule)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("http_addr", def.HTTPAddr)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Fold BACKEND_SERVER_1..4-style env vars into Backends when no
	// backends were set via YAML or a mapstructure-bound env var.
	if len(cfg.Backends) == 0 {
		for _, envKey := range []string{"BACKEND_SERVER_1", "BACKEND_SERVER_2", "BACKEND_SERVER_3", "BACKEND_SERVER_4"} {
			if addr := os.Getenv(envKey); addr != "" {
				cfg.Backends = append(cfg.Backends, Backend{Addr: addr})
			}
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	if cfg.Dispatch.TickInterval <= 0 {
		return fmt.Errorf("dispatch.tick_interval must be > 0")
	}
	if cfg.Dispatch.ProcessingTimeout <= cfg.Dispatch.GenerateTimeout {
		return fmt.Errorf("dispatch.processing_timeout must be > generate_timeout to avoid false watchdog positives")
	}
	if len(cfg.Backends) > 4 {
		return fmt.Errorf("at most 4 backends are supported, got %d", len(cfg.Backends))
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.SMS.RateLimitPerSec < 0 {
		return fmt.Errorf("sms.rate_limit_per_sec must be >= 0")
	}
	return nil
}
