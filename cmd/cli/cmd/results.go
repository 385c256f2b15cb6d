package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/benchmark"
	"github.com/accelbench/accelbench/pkg/models"
)

var (
	resultsLimit   int
	resultsSummary bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List stored benchmark results",
	Long: `List stored results, most recent first, with the host they ran on.

Examples:
  accelbench results
  accelbench results --limit 10
  accelbench results --summary`,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().IntVarP(&resultsLimit, "limit", "l", 20, "Maximum results to show (0 for all)")
	resultsCmd.Flags().BoolVar(&resultsSummary, "summary", false, "Aggregate results per model")
}

func runResults(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if resultsSummary {
		all, err := a.Store.AllResults(ctx)
		if err != nil {
			return fmt.Errorf("failed to load results: %w", err)
		}
		summaries := benchmark.Summarize(all)
		return render(out, summaries, func(w io.Writer) error {
			if len(summaries) == 0 {
				fmt.Fprintln(w, "No results stored yet.")
				return nil
			}
			printSummaryTable(w, summaries)
			return nil
		})
	}

	rows, err := a.Store.ResultsWithSnapshot(ctx, resultsLimit)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}
	return render(out, rows, func(w io.Writer) error {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No results stored yet.")
			return nil
		}
		printJoinedTable(w, rows)
		return nil
	})
}

func printJoinedTable(w io.Writer, rows []models.ResultWithSnapshot) {
	table := newTable(w, []string{"ID", "MODEL", "TOKENS/S", "TOKENS", "DURATION", "STATUS", "HOST", "TIMESTAMP"})
	for _, r := range rows {
		host := "-"
		if r.Snapshot != nil {
			host = r.Snapshot.ServerName
		}
		status := r.Status()
		if !r.Success {
			status += ": " + truncateString(r.Error, 40)
		}
		table.Append([]string{
			fmt.Sprintf("%d", r.ID),
			r.Model,
			formatTPS(r.TokensPerSecond),
			fmt.Sprintf("%d", r.TotalTokens),
			fmt.Sprintf("%.2fs", r.DurationSeconds),
			status,
			host,
			formatTime(r.Timestamp),
		})
	}
	table.Render()
}

func printSummaryTable(w io.Writer, summaries []benchmark.Summary) {
	table := newTable(w, []string{"MODEL", "RUNS", "FAILED", "MIN", "AVG", "P50", "MAX"})
	for _, s := range summaries {
		table.Append([]string{
			s.Model,
			fmt.Sprintf("%d", s.Runs),
			fmt.Sprintf("%d", s.Failures),
			formatTPS(s.MinTokensPerSecond),
			formatTPS(s.AvgTokensPerSecond),
			formatTPS(s.P50TokensPerSecond),
			formatTPS(s.MaxTokensPerSecond),
		})
	}
	table.Render()
}
