package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/benchmark"
)

var exportFile string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored results as CSV",
	Long: `Write every stored result as CSV with the columns
Model,Tokens Per Second,Total Tokens,Duration (s),Timestamp,Status

Examples:
  accelbench export > results.csv
  accelbench export -f reports/results.csv`,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import results from a CSV export",
	Long: `Read a CSV file written by export and store its rows. Imported
results carry no system specs. Import is not idempotent: rows have no
identity, so importing the same file twice stores every row twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	exportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "Write to file instead of stdout")
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Store.AllResults(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}

	if exportFile == "" {
		return benchmark.WriteCSV(cmd.OutOrStdout(), results)
	}
	if err := benchmark.WriteCSVFile(exportFile, results); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d result(s) to %s\n", len(results), exportFile)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	results, err := benchmark.ReadCSVFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.SaveResults(cmd.Context(), results, nil); err != nil {
		return fmt.Errorf("failed to store results: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d result(s)\n", len(results))
	return nil
}
