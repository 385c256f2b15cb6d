package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/accelbench/accelbench/internal/app"
	"github.com/accelbench/accelbench/internal/backend"
	benchsvc "github.com/accelbench/accelbench/internal/service/benchmark"
	"github.com/accelbench/accelbench/pkg/models"
)

var (
	runBackend        string
	runAll            bool
	runFlashAttention bool
	runCtxSize        int
)

var runCmd = &cobra.Command{
	Use:   "run [models...]",
	Short: "Benchmark one or more models on a backend",
	Long: `Benchmark models one after another on a single backend and store the
results together with a snapshot of this host.

For the remote backend a model is a name known to the inference service.
For container backends a model is a GGUF file name from the models directory
or an absolute path.

Examples:
  accelbench run llama3.2:3b qwen3:8b
  accelbench run --backend llama-vulkan-radv qwen3-8b-q4_k_m.gguf
  accelbench run --backend llama-rocm-7.1 --all --flash-attn --ctx-size 8192`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runBackend, "backend", "b", backend.RemoteName, "Backend to run on")
	runCmd.Flags().BoolVar(&runAll, "all", false, "Benchmark every available model for the backend")
	runCmd.Flags().BoolVar(&runFlashAttention, "flash-attn", false, "Enable flash attention (container backends)")
	runCmd.Flags().IntVar(&runCtxSize, "ctx-size", 0, "Context size (0 uses the engine default)")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !runAll {
		return fmt.Errorf("name at least one model or pass --all")
	}
	if runCtxSize < 0 {
		return fmt.Errorf("--ctx-size must not be negative")
	}

	out := cmd.OutOrStdout()
	a, err := loadApp(app.WithRunnerOptions(benchsvc.WithProgress(progressPrinter(out))))
	if err != nil {
		return err
	}
	defer a.Close()

	// Interrupting abandons the remaining workloads; the running one is killed
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := a.Registry.Lookup(runBackend)
	if err != nil {
		return fmt.Errorf("%w (known: %v)", err, a.Registry.Names())
	}

	workloads, err := selectWorkloads(ctx, a, b, args)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Benchmarking %d model(s) on %s\n", len(workloads), b.Name)

	report, err := a.Runner.Invoke(ctx, benchsvc.BatchRequest{
		Backend:   b,
		Workloads: workloads,
		Options:   models.RunOptions{FlashAttention: runFlashAttention, ContextSize: runCtxSize},
	})
	if report == nil {
		return err
	}
	// An interrupted batch still reports what it measured
	invokeErr := err

	fmt.Fprintln(out)
	if err := render(out, report, func(w io.Writer) error {
		printResultsTable(w, report.Results)
		fmt.Fprintf(w, "\n%d succeeded, %d failed (run %s, system specs #%d)\n",
			report.Succeeded, report.Failed, report.RunID, report.SnapshotID)
		return nil
	}); err != nil {
		return err
	}
	if invokeErr != nil {
		return invokeErr
	}

	if report.Succeeded == 0 {
		return fmt.Errorf("all %d benchmark(s) failed", report.Failed)
	}
	return nil
}

func selectWorkloads(ctx context.Context, a *app.App, b models.Backend, args []string) ([]models.Workload, error) {
	if !runAll {
		return a.Catalog.Resolve(ctx, b, args)
	}

	var (
		all []models.Workload
		err error
	)
	if b.IsContainer() {
		all, err = a.Catalog.Files(ctx)
	} else {
		all, err = a.Catalog.Remote(ctx)
	}
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no models available for %s", b.Name)
	}
	return all, nil
}

func progressPrinter(w io.Writer) benchsvc.ProgressFunc {
	return func(i, total int, res models.Result) {
		if res.Success {
			fmt.Fprintf(w, "[%d/%d] %s: %s tokens/s (%d tokens in %.2fs)\n",
				i+1, total, res.Model, formatTPS(res.TokensPerSecond), res.TotalTokens, res.DurationSeconds)
			return
		}
		fmt.Fprintf(w, "[%d/%d] %s: FAILED %s\n", i+1, total, res.Model, truncateString(res.Error, 120))
	}
}

func printResultsTable(w io.Writer, results []models.Result) {
	table := newTable(w, []string{"MODEL", "TOKENS/S", "TOKENS", "DURATION", "STATUS", "TIMESTAMP"})
	for _, r := range results {
		table.Append([]string{
			r.Model,
			formatTPS(r.TokensPerSecond),
			fmt.Sprintf("%d", r.TotalTokens),
			fmt.Sprintf("%.2fs", r.DurationSeconds),
			r.Status(),
			formatTime(r.Timestamp),
		})
	}
	table.Render()
}
