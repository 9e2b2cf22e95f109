package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OutputDir    string `env:"OUTPUT_DIR" envDefault:"output_files"`
	RelayDir     string `env:"RELAY_DIR" envDefault:"received_images"`
	TemplatesDir string `env:"TEMPLATES_DIR"` // empty means the embedded catalog
	OTelTracing  bool   `env:"OTEL_TRACING" envDefault:"false"`

	Engine   EngineConfig   `envPrefix:"ENGINE_"`
	Watch    WatchConfig    `envPrefix:"WATCH_"`
	Collect  CollectConfig  `envPrefix:"COLLECT_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Dispatch DispatchConfig `envPrefix:"DISPATCH_"`
	Artifact ArtifactConfig
}

// EngineConfig engine connection configuration
type EngineConfig struct {
	Address     string        `yaml:"address" env:"ADDRESS" envDefault:"127.0.0.1:8188"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT" envDefault:"30s"`
}

// WatchConfig completion watcher configuration
type WatchConfig struct {
	Strategy          string        `yaml:"strategy" env:"STRATEGY" envDefault:"push"` // "push" or "poll"
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" envDefault:"1s"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" envDefault:"30"`
	PushTimeout       time.Duration `yaml:"push_timeout" env:"PUSH_TIMEOUT" envDefault:"10m"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"RECONNECT_ATTEMPTS" envDefault:"2"`
}

// CollectConfig artifact collector configuration
type CollectConfig struct {
	Policy       string        `yaml:"policy" env:"POLICY" envDefault:"fail_fast"` // "fail_fast" or "best_effort"
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY" envDefault:"4"`
	FetchRetries int           `yaml:"fetch_retries" env:"FETCH_RETRIES" envDefault:"2"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" envDefault:"250ms"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// DispatchConfig run dispatcher configuration
type DispatchConfig struct {
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxConcurrentRuns int           `env:"MAX_CONCURRENT_RUNS" envDefault:"1"`
	RunTimeout        time.Duration `env:"RUN_TIMEOUT" envDefault:"30m"`
}

// ArtifactConfig selects where materialized files are mirrored
type ArtifactConfig struct {
	Backend string      `env:"ARTIFACT_BACKEND" envDefault:"local"` // "local" or "minio"
	MinIO   MinIOConfig `envPrefix:"MINIO_"`
}

// MinIOConfig MinIO mirror configuration
type MinIOConfig struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"comfy-artifacts"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
}

// watch strategies and collect policies accepted by Validate
const (
	StrategyPush = "push"
	StrategyPoll = "poll"

	PolicyFailFast   = "fail_fast"
	PolicyBestEffort = "best_effort"
)

// Load loads configuration from an optional .env file and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps out-of-range values back to their defaults
func (c *Config) Sanitize() {
	c.Watch.Strategy = strings.ToLower(strings.TrimSpace(c.Watch.Strategy))
	if c.Watch.PollInterval <= 0 {
		c.Watch.PollInterval = time.Second
	}
	if c.Watch.MaxAttempts <= 0 {
		c.Watch.MaxAttempts = 30
	}
	if c.Watch.ReconnectAttempts < 0 {
		c.Watch.ReconnectAttempts = 0
	}

	c.Collect.Policy = strings.ToLower(strings.TrimSpace(c.Collect.Policy))
	if c.Collect.Concurrency <= 0 {
		c.Collect.Concurrency = 1
	}
	if c.Collect.FetchRetries < 0 {
		c.Collect.FetchRetries = 0
	}

	if c.Dispatch.PollInterval <= 0 {
		c.Dispatch.PollInterval = 2 * time.Second
	}
	if c.Dispatch.MaxConcurrentRuns <= 0 {
		c.Dispatch.MaxConcurrentRuns = 1
	}

	c.Artifact.Backend = strings.ToLower(strings.TrimSpace(c.Artifact.Backend))
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Engine.Address == "" {
		return ErrEngineAddressRequired
	}
	switch c.Watch.Strategy {
	case StrategyPush, StrategyPoll:
	default:
		return fmt.Errorf("%w: %q", ErrWatchStrategyInvalid, c.Watch.Strategy)
	}
	switch c.Collect.Policy {
	case PolicyFailFast, PolicyBestEffort:
	default:
		return fmt.Errorf("%w: %q", ErrCollectPolicyInvalid, c.Collect.Policy)
	}
	switch c.Artifact.Backend {
	case "", "local":
	case "minio":
		if c.Artifact.MinIO.Endpoint == "" {
			return ErrMinIOEndpointRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrArtifactBackendInvalid, c.Artifact.Backend)
	}
	return nil
}

// configuration validation errors
var (
	ErrEngineAddressRequired  = errors.New("engine address is required")
	ErrWatchStrategyInvalid   = errors.New("watch strategy must be push or poll")
	ErrCollectPolicyInvalid   = errors.New("collect policy must be fail_fast or best_effort")
	ErrArtifactBackendInvalid = errors.New("artifact backend must be local or minio")
	ErrMinIOEndpointRequired  = errors.New("minio endpoint is required when ARTIFACT_BACKEND=minio")
)
