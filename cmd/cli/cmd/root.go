package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/app"
	"github.com/accelbench/accelbench/internal/config"
	"github.com/accelbench/accelbench/internal/logging"
)

var (
	configPath   string
	dbPath       string
	outputFormat string
	verbose      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "accelbench",
	Short: "accelbench - LLM inference throughput benchmarks",
	Long: `accelbench measures LLM inference throughput (tokens/second) on this
host and stores every measurement together with a snapshot of the hardware
that produced it.

This CLI tool allows you to:
- Benchmark models on the remote inference service or on llama.cpp containers
- Inspect the host's accelerator and system configuration
- Create the container environments the benchmark backends need
- Browse, summarize and export stored results`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("ACCELBENCH_CONFIG", ""), "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Results database path (overrides DATABASE_PATH)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadApp builds the application from configuration. Tests replace it.
var loadApp = func(opts ...app.Option) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	return app.New(cfg, logger, opts...)
}
