package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/workload"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available for benchmarking",
	Long: `List models pulled on the remote inference service and GGUF files
in the models directory.`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	avail := a.Catalog.List(cmd.Context())
	return render(cmd.OutOrStdout(), avail, func(w io.Writer) error {
		printWorkloads(w, avail)
		return nil
	})
}

func printWorkloads(w io.Writer, avail workload.Available) {
	table := newTable(w, []string{"NAME", "SOURCE", "SIZE", "PATH"})
	for _, m := range avail.Remote {
		table.Append([]string{m.Name, "remote", humanBytes(m.Size), "-"})
	}
	for _, m := range avail.Files {
		table.Append([]string{m.Name, "file", humanBytes(m.Size), m.Path})
	}
	table.Render()

	if len(avail.Remote)+len(avail.Files) == 0 {
		fmt.Fprintln(w, "No models found.")
	}
}
