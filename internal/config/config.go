// Package config loads sweep configuration from file and environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
)

// Config holds all application configuration
type Config struct {
	Model   ModelConfig   `mapstructure:"model"`
	Server  ServerConfig  `mapstructure:"server"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Load    LoadConfig    `mapstructure:"load"`
	Results ResultsConfig `mapstructure:"results"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ModelConfig identifies the model the servers load
type ModelConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds server process and proxy configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host" validate:"required"`
	BasePort      int           `mapstructure:"base_port" validate:"min=1,max=65535"`
	ProxyPort     int           `mapstructure:"proxy_port" validate:"min=1,max=65535"`
	PythonBin     string        `mapstructure:"python_bin" validate:"required"`
	NginxBin      string        `mapstructure:"nginx_bin"`
	BindTimeout   time.Duration `mapstructure:"bind_timeout" validate:"min=1s"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout" validate:"min=1s"`
	StartupDelay  time.Duration `mapstructure:"startup_delay" validate:"min=0"`
	TeardownGrace time.Duration `mapstructure:"teardown_grace" validate:"min=0"`

	// ExtraArgs are passed through to every server process. Comma-separated
	// when any comma is present, whitespace-separated otherwise.
	ExtraArgs string `mapstructure:"extra_args"`
}

// SweepConfig holds the grid axes and per-cell pacing
type SweepConfig struct {
	Instances         string `mapstructure:"instances"`
	DecodeConcurrency string `mapstructure:"decode_concurrency"`
	PromptConcurrency string `mapstructure:"prompt_concurrency"`
	Concurrency       string `mapstructure:"concurrency"`

	NumRequests        int `mapstructure:"num_requests" validate:"min=0"`
	RequestsMultiplier int `mapstructure:"requests_multiplier" validate:"min=1"`
	WarmupRequests     int `mapstructure:"warmup_requests" validate:"min=0"`

	CellPause       time.Duration `mapstructure:"cell_pause" validate:"min=0"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
}

// LoadConfig holds the measured request shape and retry behavior
type LoadConfig struct {
	Prompt         string        `mapstructure:"prompt" validate:"required"`
	MaxTokens      int           `mapstructure:"max_tokens" validate:"min=1"`
	Temperature    float64       `mapstructure:"temperature" validate:"min=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s"`
	RetryAttempts  int           `mapstructure:"retry_attempts" validate:"min=1"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"min=0"`

	// RateLimitRPS caps aggregate request dispatch; zero disables the cap.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" validate:"min=0"`
}

// ResultsConfig holds result file and run history locations
type ResultsConfig struct {
	Dir       string `mapstructure:"dir" validate:"required"`
	HistoryDB string `mapstructure:"history_db" validate:"required"`
}

// MonitorConfig holds the progress/metrics HTTP server configuration
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.base_port", 9000)
	v.SetDefault("server.proxy_port", 8088)
	v.SetDefault("server.python_bin", "python3")
	v.SetDefault("server.bind_timeout", 180*time.Second)
	v.SetDefault("server.ready_timeout", 120*time.Second)
	v.SetDefault("server.startup_delay", time.Duration(0))
	v.SetDefault("server.teardown_grace", 10*time.Second)

	// Sweep defaults: a single cell at the servers' own defaults
	v.SetDefault("sweep.instances", "1")
	v.SetDefault("sweep.decode_concurrency", "64")
	v.SetDefault("sweep.prompt_concurrency", "8")
	v.SetDefault("sweep.concurrency", "8")
	v.SetDefault("sweep.num_requests", 0)
	v.SetDefault("sweep.requests_multiplier", 4)
	v.SetDefault("sweep.warmup_requests", 2)
	v.SetDefault("sweep.cell_pause", 5*time.Second)
	v.SetDefault("sweep.continue_on_error", true)

	// Load generator defaults
	v.SetDefault("load.prompt", "Write a short essay about the history of computing.")
	v.SetDefault("load.max_tokens", 128)
	v.SetDefault("load.temperature", 0.3)
	v.SetDefault("load.request_timeout", 120*time.Second)
	v.SetDefault("load.retry_attempts", 8)
	v.SetDefault("load.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("load.rate_limit_rps", 0.0)

	// Results defaults
	v.SetDefault("results.dir", "results")
	v.SetDefault("results.history_db", "results/history.db")

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8077)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Model and server processes
	bindEnv("model.path", "MLX_MODEL_PATH")
	bindEnv("server.host", "MLX_SERVER_HOST")
	bindEnv("server.base_port", "MLX_SERVER_BASE_PORT")
	bindEnv("server.proxy_port", "MLX_NGINX_PORT")
	bindEnv("server.python_bin", "MLX_PYTHON_BIN")
	bindEnv("server.nginx_bin", "NGINX_BIN")
	bindEnv("server.bind_timeout", "MLX_SERVER_BIND_TIMEOUT")
	bindEnv("server.ready_timeout", "MLX_READY_TIMEOUT")
	bindEnv("server.startup_delay", "MLX_STARTUP_DELAY")
	bindEnv("server.extra_args", "MLX_SERVER_ARGS")

	// Sweep axes and pacing
	bindEnv("sweep.instances", "MLX_SERVER_INSTANCES")
	bindEnv("sweep.decode_concurrency", "MLX_DECODE_CONCURRENCY")
	bindEnv("sweep.prompt_concurrency", "MLX_PROMPT_CONCURRENCY")
	bindEnv("sweep.concurrency", "MLX_CONCURRENCY_LIST")
	bindEnv("sweep.num_requests", "MLX_NUM_REQUESTS")
	bindEnv("sweep.requests_multiplier", "MLX_REQUESTS_MULTIPLIER")
	bindEnv("sweep.warmup_requests", "MLX_WARMUP_REQUESTS")
	bindEnv("sweep.cell_pause", "MLX_CELL_PAUSE")
	bindEnv("sweep.continue_on_error", "MLX_CONTINUE_ON_ERROR")

	// Load generator
	bindEnv("load.prompt", "MLX_PROMPT")
	bindEnv("load.max_tokens", "MLX_MAX_TOKENS")
	bindEnv("load.temperature", "MLX_TEMPERATURE")
	bindEnv("load.request_timeout", "MLX_REQUEST_TIMEOUT")
	bindEnv("load.retry_attempts", "MLX_RETRY_ATTEMPTS")
	bindEnv("load.retry_base_delay", "MLX_RETRY_BASE_DELAY")
	bindEnv("load.rate_limit_rps", "MLX_RATE_LIMIT_RPS")

	// Results
	bindEnv("results.dir", "MLX_RESULTS_DIR")
	bindEnv("results.history_db", "MLX_HISTORY_DB")

	// Monitor
	bindEnv("monitor.enabled", "MLX_MONITOR_ENABLED")
	bindEnv("monitor.port", "MLX_MONITOR_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The axis lists must parse before a sweep can be sized.
	g, err := c.BuildGrid()
	if err != nil {
		return err
	}

	// The proxy port must stay clear of the per-instance port range.
	maxInstances := 0
	for _, n := range g.Instances {
		if n > maxInstances {
			maxInstances = n
		}
	}
	if c.Server.ProxyPort >= c.Server.BasePort && c.Server.ProxyPort < c.Server.BasePort+maxInstances {
		return fmt.Errorf("proxy port %d collides with instance port range %d-%d",
			c.Server.ProxyPort, c.Server.BasePort, c.Server.BasePort+maxInstances-1)
	}

	return nil
}

// RequireModel checks that a model path is set. Commands that start servers
// call this so a missing model fails before anything is spawned.
func (c *Config) RequireModel() error {
	if strings.TrimSpace(c.Model.Path) == "" {
		return fmt.Errorf("MLX_MODEL_PATH is required")
	}
	return nil
}

// BuildGrid parses the axis lists into the sweep grid.
func (c *Config) BuildGrid() (grid.Grid, error) {
	instances, err := grid.ParseAxis("instances", c.Sweep.Instances, 1)
	if err != nil {
		return grid.Grid{}, err
	}
	decode, err := grid.ParseAxis("decode concurrency", c.Sweep.DecodeConcurrency, 64)
	if err != nil {
		return grid.Grid{}, err
	}
	prompt, err := grid.ParseAxis("prompt concurrency", c.Sweep.PromptConcurrency, 8)
	if err != nil {
		return grid.Grid{}, err
	}
	concurrency, err := grid.ParseAxis("request concurrency", c.Sweep.Concurrency, 8)
	if err != nil {
		return grid.Grid{}, err
	}

	return grid.Grid{
		Instances:          instances,
		Decode:             decode,
		Prompt:             prompt,
		Concurrency:        concurrency,
		NumRequests:        c.Sweep.NumRequests,
		RequestsMultiplier: c.Sweep.RequestsMultiplier,
	}, nil
}
