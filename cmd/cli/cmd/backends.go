package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/pkg/models"
)

var backendsFamily string

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List benchmark backends and whether they are installed",
	Long: `List the compiled-in backend catalog. The installed column is
re-derived from the container engine and the remote service on every call.

Examples:
  accelbench backends
  accelbench backends --family rocm`,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
	backendsCmd.Flags().StringVar(&backendsFamily, "family", "", "Filter by family (rocm, vulkan, remote)")
}

func runBackends(cmd *cobra.Command, args []string) error {
	if backendsFamily != "" && !models.Family(backendsFamily).Valid() {
		return fmt.Errorf("unknown family %q", backendsFamily)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var backends []models.Backend
	for _, b := range a.Registry.WithInstalled(cmd.Context()) {
		if backendsFamily == "" || string(b.Family) == backendsFamily {
			backends = append(backends, b)
		}
	}

	return render(cmd.OutOrStdout(), backends, func(w io.Writer) error {
		printBackendsTable(w, backends)
		return nil
	})
}

func printBackendsTable(w io.Writer, backends []models.Backend) {
	table := newTable(w, []string{"NAME", "FAMILY", "VERSION", "INSTALLED", "IMAGE", "ENV"})
	for _, b := range backends {
		image := b.Image
		if image == "" {
			image = "-"
		}
		table.Append([]string{b.Name, string(b.Family), b.Version, yesNo(b.Installed), image, formatEnv(b.Env)})
	}
	table.Render()
}

func formatEnv(env map[string]string) string {
	if len(env) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}
