package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/adapter"
	"github.com/accelbench/accelbench/pkg/models"
)

var setupAll bool

var setupCmd = &cobra.Command{
	Use:   "setup [backends...]",
	Short: "Create container environments for backends",
	Long: `Create the named container environment for each backend. An
environment that already exists is reported and left untouched.

Examples:
  accelbench setup llama-vulkan-radv
  accelbench setup --all`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().BoolVar(&setupAll, "all", false, "Create environments for every container backend")
}

func runSetup(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !setupAll {
		return fmt.Errorf("name at least one backend or pass --all")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if !a.Detector.DetectContainerTooling(ctx) {
		return fmt.Errorf("%s is not available on this host", a.Config.Container.Engine)
	}

	var targets []models.Backend
	if setupAll {
		targets = a.Registry.Containers()
	} else {
		for _, name := range args {
			b, err := a.Registry.Lookup(name)
			if err != nil {
				return err
			}
			targets = append(targets, b)
		}
	}

	var failed int
	for _, b := range targets {
		fmt.Fprintf(out, "Creating %s from %s...\n", b.Name, b.Image)
		err := a.Provisioner.Create(ctx, b)
		switch {
		case err == nil:
			fmt.Fprintf(out, "  created\n")
		case errors.Is(err, adapter.ErrEnvironmentExists):
			fmt.Fprintf(out, "  already exists, skipped\n")
		case errors.Is(err, adapter.ErrNotProvisionable):
			fmt.Fprintf(out, "  nothing to create for a %s backend\n", b.Family)
		default:
			failed++
			fmt.Fprintf(out, "  failed: %v\n", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d environment(s) could not be created", failed, len(targets))
	}
	return nil
}
