package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View CLI configuration",
	Long:  `View the effective accelbench configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

// Environment variables that override configuration
var configEnvVars = []string{
	"ACCELBENCH_CONFIG",
	"DATABASE_PATH",
	"OLLAMA_URL",
	"CONTAINER_ENGINE",
	"MODELS_DIR",
	"BENCH_SSH_ENABLED",
	"BENCH_SSH_HOST",
	"LOG_LEVEL",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), cfg, func(w io.Writer) error {
		fmt.Fprintln(w, "accelbench Configuration")
		fmt.Fprintln(w, "========================")
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Database:        %s\n", cfg.Database.Path)
		fmt.Fprintf(w, "Remote service:  %s (timeout %s)\n", cfg.Remote.URL, cfg.Remote.Timeout)
		fmt.Fprintf(w, "Container:       %s (timeout %s, %d tokens)\n", cfg.Container.Engine, cfg.Container.Timeout, cfg.Container.NPredict)
		fmt.Fprintf(w, "Models dir:      %s\n", cfg.Container.ModelsDir)
		if cfg.SSH.Enabled {
			fmt.Fprintf(w, "Benchmark host:  %s@%s:%d\n", cfg.SSH.User, cfg.SSH.Host, cfg.SSH.Port)
		} else {
			fmt.Fprintln(w, "Benchmark host:  local")
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "Environment Variables:")
		for _, key := range configEnvVars {
			if v := os.Getenv(key); v != "" {
				fmt.Fprintf(w, "  %s=%s\n", key, v)
			} else {
				fmt.Fprintf(w, "  %s (not set)\n", key)
			}
		}
		return nil
	})
}
