// Package benchmark provides the benchmark execution service.
// It runs a batch of workloads against one backend strictly in sequence,
// turns each raw output into a result, and persists the batch together with
// a snapshot of the host that produced it.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accelbench/accelbench/internal/adapter"
	benchmarkpkg "github.com/accelbench/accelbench/internal/benchmark"
	"github.com/accelbench/accelbench/internal/logging"
	"github.com/accelbench/accelbench/internal/metrics"
	"github.com/accelbench/accelbench/pkg/models"
)

const defaultHistorySize = 20

// AdapterSelector picks the execution adapter for a backend
type AdapterSelector interface {
	Select(b models.Backend) (adapter.Adapter, error)
}

// SnapshotCollector produces a host snapshot. It never fails.
type SnapshotCollector interface {
	Collect(ctx context.Context) *models.Snapshot
}

// ResultSaver persists snapshots and result batches
type ResultSaver interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error)
	SaveResults(ctx context.Context, results []models.Result, snapshotID *int64) error
}

// BatchRequest defines one benchmark invocation
type BatchRequest struct {
	Backend   models.Backend    `json:"backend" yaml:"backend"`
	Workloads []models.Workload `json:"workloads" yaml:"workloads"`
	Options   models.RunOptions `json:"options" yaml:"options"`
}

// BatchStatus represents the state of a batch.
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// BatchReport is the outcome of one invocation
type BatchReport struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Status     BatchStatus      `json:"status" yaml:"status"`
	Backend    string           `json:"backend" yaml:"backend"`
	SnapshotID int64            `json:"system_specs_id,omitempty" yaml:"system_specs_id,omitempty"`
	Snapshot   *models.Snapshot `json:"system_specs,omitempty" yaml:"system_specs,omitempty"`
	Results    []models.Result  `json:"results" yaml:"results"`
	Total      int              `json:"total" yaml:"total"`
	Completed  int              `json:"completed" yaml:"completed"`
	Succeeded  int              `json:"succeeded" yaml:"succeeded"`
	Failed     int              `json:"failed" yaml:"failed"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// ProgressFunc is called after each workload finishes
type ProgressFunc func(index, total int, result models.Result)

// Runner executes benchmark batches. Only one batch runs at a time: the
// accelerator is an exclusively held resource.
type Runner struct {
	adapters  AdapterSelector
	collector SnapshotCollector
	store     ResultSaver
	logger    *slog.Logger
	now       func() time.Time
	progress  ProgressFunc

	// Held for the whole of Invoke
	batchMu sync.Mutex

	// Cancelled by Shutdown; parent of every background batch
	root       context.Context
	cancelRoot context.CancelFunc
	background sync.WaitGroup

	// Run history, most recent last
	mu          sync.Mutex
	runs        []*BatchReport
	historySize int
}

// Option configures a Runner
type Option func(*Runner)

// WithClock sets the clock used for result timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithProgress registers a callback invoked after each workload
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) {
		r.progress = fn
	}
}

// WithHistorySize sets how many finished batches are kept for lookup
func WithHistorySize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.historySize = n
		}
	}
}

// NewRunner creates a new benchmark runner.
func NewRunner(adapters AdapterSelector, collector SnapshotCollector, store ResultSaver, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		adapters:    adapters,
		collector:   collector,
		store:       store,
		logger:      logger,
		now:         time.Now,
		historySize: defaultHistorySize,
	}
	r.root, r.cancelRoot = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DisplayName is the result label for a workload: the model name for the
// remote backend, "<file> (<backend>)" for container backends.
func DisplayName(backend models.Backend, w models.Workload) string {
	if !backend.IsContainer() {
		return w.Name
	}
	return fmt.Sprintf("%s (%s)", filepath.Base(w.Identifier()), backend.Name)
}

// Run executes workloads one after another and returns one result per
// executed workload in order. A failing workload yields a failed result and
// the batch continues. Once ctx is done the remaining workloads are skipped.
func (r *Runner) Run(ctx context.Context, backend models.Backend, workloads []models.Workload, opts models.RunOptions) []models.Result {
	return r.run(ctx, nil, backend, workloads, opts)
}

func (r *Runner) run(ctx context.Context, report *BatchReport, backend models.Backend, workloads []models.Workload, opts models.RunOptions) []models.Result {
	ctx = logging.WithBackend(ctx, backend.Name)
	results := make([]models.Result, 0, len(workloads))

	ad, selErr := r.adapters.Select(backend)
	if selErr != nil {
		r.logger.ErrorContext(ctx, "no adapter for backend", slog.String("error", selErr.Error()))
	}

	for i, w := range workloads {
		if err := ctx.Err(); err != nil {
			r.logger.WarnContext(ctx, "batch interrupted, skipping remaining workloads",
				slog.Int("executed", i),
				slog.Int("skipped", len(workloads)-i),
				slog.String("error", err.Error()))
			break
		}

		name := DisplayName(backend, w)
		wctx := logging.WithWorkload(ctx, name)

		var raw adapter.RawOutput
		if selErr != nil {
			raw = adapter.RawOutput{Err: selErr}
		} else {
			r.logger.InfoContext(wctx, "running workload",
				slog.Int("index", i+1),
				slog.Int("total", len(workloads)))
			raw = ad.Execute(wctx, backend, w, opts)
		}

		res := models.NewResult(name, benchmarkpkg.Parse(raw), r.now())
		metrics.RecordRun(backend.Name, res.Success, res.TokensPerSecond, raw.Duration)

		if res.Success {
			r.logger.InfoContext(wctx, "workload completed",
				slog.Float64("tokens_per_second", res.TokensPerSecond),
				slog.Int("total_tokens", res.TotalTokens),
				slog.Float64("duration_seconds", res.DurationSeconds))
		} else {
			r.logger.WarnContext(wctx, "workload failed",
				slog.String("error", res.Error),
				slog.Float64("duration_seconds", res.DurationSeconds))
		}

		results = append(results, res)
		if report != nil {
			r.mu.Lock()
			report.Completed++
			if res.Success {
				report.Succeeded++
			} else {
				report.Failed++
			}
			r.mu.Unlock()
		}
		if r.progress != nil {
			r.progress(i, len(workloads), res)
		}
	}

	return results
}

// Invoke runs a full batch: one snapshot is collected and stored, every
// workload is executed in order, and the results are saved in one
// transaction linked to the snapshot. Store failures abort the invocation.
//
// Cancelling ctx stops the running workload and skips the rest. The results
// gathered so far are still saved, and the partial report is returned with
// an error wrapping ErrInterrupted.
func (r *Runner) Invoke(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	report, err := r.begin(req)
	if err != nil {
		return nil, err
	}
	defer r.batchMu.Unlock()

	if err := r.execute(ctx, report, req); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return r.copyReport(report), err
		}
		return nil, err
	}
	return r.copyReport(report), nil
}

// Start begins a batch in the background and returns its initial state.
// The batch outlives ctx cancellation and is only stopped by Shutdown; poll
// GetRun for the outcome.
func (r *Runner) Start(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	r.mu.Lock()
	if r.root.Err() != nil {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	r.background.Add(1)
	r.mu.Unlock()

	report, err := r.begin(req)
	if err != nil {
		r.background.Done()
		return nil, err
	}
	initial := r.copyReport(report)

	// Keeps request-scoped values but takes cancellation from the runner
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(r.root, cancel)

	go func() {
		defer r.background.Done()
		defer r.batchMu.Unlock()
		defer cancel()
		defer stopAfter()
		if err := r.execute(runCtx, report, req); err != nil {
			r.logger.ErrorContext(logging.WithRunID(runCtx, report.RunID), "benchmark batch failed",
				slog.String("error", err.Error()))
		}
	}()

	return initial, nil
}

// begin takes the batch lock and registers the run. The caller must
// release batchMu once the batch is over.
func (r *Runner) begin(req BatchRequest) (*BatchReport, error) {
	if len(req.Workloads) == 0 {
		return nil, ErrNoWorkloads
	}
	if !r.batchMu.TryLock() {
		metrics.RecordBatchRejected()
		return nil, ErrBatchInProgress
	}

	report := &BatchReport{
		RunID:     "run-" + uuid.New().String()[:8],
		Status:    BatchStatusRunning,
		Backend:   req.Backend.Name,
		Total:     len(req.Workloads),
		StartedAt: r.now().UTC(),
	}
	r.track(report)
	metrics.RecordBatchStarted()
	return report, nil
}

func (r *Runner) execute(ctx context.Context, report *BatchReport, req BatchRequest) error {
	defer metrics.RecordBatchFinished()

	ctx = logging.WithRunID(ctx, report.RunID)
	r.logger.InfoContext(ctx, "benchmark batch started",
		slog.String("backend", req.Backend.Name),
		slog.Int("workloads", len(req.Workloads)))

	snap := r.collector.Collect(ctx)
	snapID, err := r.store.SaveSnapshot(ctx, snap)
	metrics.RecordStoreWrite("snapshot", err)
	if err != nil {
		err = fmt.Errorf("failed to save snapshot: %w", err)
		r.finish(report, nil, err)
		return err
	}

	r.mu.Lock()
	report.SnapshotID = snapID
	report.Snapshot = snap
	r.mu.Unlock()

	results := r.run(ctx, report, req.Backend, req.Workloads, req.Options)

	// Results already measured are kept even when the batch was cancelled
	err = r.store.SaveResults(context.WithoutCancel(ctx), results, &snapID)
	metrics.RecordStoreWrite("results", err)
	if err != nil {
		err = fmt.Errorf("failed to save results: %w", err)
		r.finish(report, results, err)
		return err
	}

	if ctx.Err() != nil && len(results) < len(req.Workloads) {
		err = fmt.Errorf("%w after %d of %d workloads: %w", ErrInterrupted, len(results), len(req.Workloads), ctx.Err())
		r.finish(report, results, err)
		return err
	}
	r.finish(report, results, nil)

	r.logger.InfoContext(ctx, "benchmark batch completed",
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int64("system_specs_id", snapID))
	return nil
}

func (r *Runner) track(report *BatchReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, report)
	if len(r.runs) > r.historySize {
		r.runs = r.runs[len(r.runs)-r.historySize:]
	}
}

func (r *Runner) finish(report *BatchReport, results []models.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	report.FinishedAt = &now
	report.Results = results
	if err != nil {
		report.Status = BatchStatusFailed
		report.Error = err.Error()
		return
	}
	report.Status = BatchStatusCompleted
}

func (r *Runner) copyReport(report *BatchReport) *BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *report
	cp.Results = append([]models.Result(nil), report.Results...)
	return &cp
}

// Shutdown cancels background batches and waits for them to save what they
// measured. Batches started afterwards are rejected.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancelRoot()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background batch: %w", ctx.Err())
	}
}

// GetRun returns the state of a recent or running batch.
func (r *Runner) GetRun(runID string) (*BatchReport, error) {
	r.mu.Lock()
	var found *BatchReport
	for _, run := range r.runs {
		if run.RunID == runID {
			found = run
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.copyReport(found), nil
}

// Active returns the running batch, or nil when the runner is idle
func (r *Runner) Active() *BatchReport {
	r.mu.Lock()
	var active *BatchReport
	for i := len(r.runs) - 1; i >= 0; i-- {
		if r.runs[i].Status == BatchStatusRunning {
			active = r.runs[i]
			break
		}
	}
	r.mu.Unlock()

	if active == nil {
		return nil
	}
	return r.copyReport(active)
}

// ListRuns returns recent batches, most recent first
func (r *Runner) ListRuns() []*BatchReport {
	r.mu.Lock()
	runs := append([]*BatchReport(nil), r.runs...)
	r.mu.Unlock()

	out := make([]*BatchReport, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, r.copyReport(runs[i]))
	}
	return out
}
