package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/config"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/logging"
)

var (
	configPath   string
	logLevel     string
	logFormat    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sweeplab",
	Short: "Throughput sweep harness for OpenAI-compatible inference servers",
	Long: `sweeplab measures how server throughput responds to deployment shape.

It walks a grid of instance counts and concurrency settings one cell at a
time: start the server processes (plus a round-robin nginx proxy when more
than one), warm them up, fire a measured batch of chat completions, tear
everything down, and append one CSV row per cell.

Configuration comes from MLX_* environment variables, an optional .env
file, or a config file passed with --config.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (environment is used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (json, text)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

// loadConfig loads configuration, applies flag overrides, installs the
// global logger, and validates the result.
func loadConfig() (*config.Config, *slog.Logger, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
