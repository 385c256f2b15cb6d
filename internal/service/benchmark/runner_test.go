package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/accelbench/internal/adapter"
	"github.com/accelbench/accelbench/internal/storage"
	"github.com/accelbench/accelbench/pkg/models"
)

var (
	remoteBackend    = models.Backend{Name: "ollama", Family: models.FamilyRemote}
	containerBackend = models.Backend{Name: "llama-vulkan-radv", Family: models.FamilyVulkan, Image: "docker.io/example/vulkan:latest"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

type fakeCollector struct{}

func (fakeCollector) Collect(ctx context.Context) *models.Snapshot {
	return &models.Snapshot{
		ServerName: "bench-01",
		CPUModel:   "AMD RYZEN AI MAX+ 395",
		CPUCores:   16,
		CPUThreads: 32,
		OSType:     "linux",
		OSVersion:  "fedora 42",
		GPUs:       []models.GPU{{Model: "Radeon 8060S"}},
		Timestamp:  time.Now().UTC(),
	}
}

// scriptedAdapter returns canned outputs keyed by workload identifier
type scriptedAdapter struct {
	mu      sync.Mutex
	outputs map[string]adapter.RawOutput
	order   []string
	started chan struct{}
	release chan struct{}
}

func (s *scriptedAdapter) Execute(ctx context.Context, b models.Backend, w models.Workload, opts models.RunOptions) adapter.RawOutput {
	s.mu.Lock()
	s.order = append(s.order, w.Identifier())
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}

	out, ok := s.outputs[w.Identifier()]
	if !ok {
		return adapter.RawOutput{Source: adapter.SourceContainer, Err: fmt.Errorf("%w: no script", adapter.ErrExecution)}
	}
	return out
}

type fakeStore struct {
	snapErr    error
	resultsErr error
	saved      []models.Result
	snapshotID *int64
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error) {
	if f.snapErr != nil {
		return 0, f.snapErr
	}
	snap.ID = 7
	return 7, nil
}

func (f *fakeStore) SaveResults(ctx context.Context, results []models.Result, snapshotID *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.resultsErr != nil {
		return f.resultsErr
	}
	f.saved = results
	f.snapshotID = snapshotID
	return nil
}

// blockingAdapter runs until its context is done, like an engine that
// never finishes on its own
type blockingAdapter struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
}

func (b *blockingAdapter) Execute(ctx context.Context, _ models.Backend, _ models.Workload, _ models.RunOptions) adapter.RawOutput {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	b.started <- struct{}{}
	<-ctx.Done()
	return adapter.RawOutput{
		Source: adapter.SourceContainer,
		Err:    fmt.Errorf("%w: interrupted: %w", adapter.ErrExecution, ctx.Err()),
	}
}

func newStore(t *testing.T) *storage.ResultStore {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewResultStore(db)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "qwen3:8b", DisplayName(remoteBackend, models.Workload{Name: "qwen3:8b"}))
	assert.Equal(t, "qwen3-8b.gguf (llama-vulkan-radv)",
		DisplayName(containerBackend, models.Workload{Name: "qwen3-8b.gguf", Path: "/models/qwen3/qwen3-8b.gguf"}))
}

func TestRunner_RemoteRateFromMeasuredSpan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama3.2:3b","response":"Caches are small and fast.","eval_count":100}`))
	}))
	defer server.Close()

	remote := adapter.NewRemoteAdapter(server.URL,
		adapter.WithRemoteClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2*time.Second)))
	r := NewRunner(&adapter.Set{Remote: remote}, fakeCollector{}, &fakeStore{}, testLogger())

	results := r.Run(context.Background(), remoteBackend, []models.Workload{{Name: "llama3.2:3b"}}, models.RunOptions{})
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Success)
	assert.Equal(t, "llama3.2:3b", res.Model)
	assert.Equal(t, 100, res.TotalTokens)
	assert.InDelta(t, 2.0, res.DurationSeconds, 1e-9)
	assert.InDelta(t, 50.0, res.TokensPerSecond, 1e-9)
	assert.Empty(t, res.Error)
}

func TestRunner_RemoteTimeoutIsFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	remote := adapter.NewRemoteAdapter(server.URL, adapter.WithRemoteTimeout(50*time.Millisecond))
	r := NewRunner(&adapter.Set{Remote: remote}, fakeCollector{}, &fakeStore{}, testLogger())

	results := r.Run(context.Background(), remoteBackend, []models.Workload{{Name: "llama3.2:3b"}}, models.RunOptions{})
	require.Len(t, results, 1)

	res := results[0]
	assert.False(t, res.Success)
	assert.Zero(t, res.TokensPerSecond)
	assert.Zero(t, res.TotalTokens)
	assert.Contains(t, res.Error, adapter.ErrTransport.Error())
	assert.Contains(t, res.Error, "deadline exceeded")
}

func TestRunner_FailuresDoNotAbortBatch(t *testing.T) {
	script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{
		"/m/a.gguf": {Source: adapter.SourceContainer, Output: "llama_perf_context_print:        eval time =    1000.00 ms /   127 runs   (    7.87 ms per token,   127.00 tokens per second)", Duration: time.Second},
		"/m/b.gguf": {Source: adapter.SourceContainer, Output: "error: unable to load model", Duration: time.Second},
		"/m/d.gguf": {Source: adapter.SourceContainer, Output: "[ Prompt: 310.2 t/s | Generation: 42.5 t/s ]", Duration: 3 * time.Second},
	}}
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, &fakeStore{}, testLogger())

	workloads := []models.Workload{
		{Name: "a.gguf", Path: "/m/a.gguf"},
		{Name: "b.gguf", Path: "/m/b.gguf"},
		{Name: "c.gguf", Path: "/m/c.gguf"},
		{Name: "d.gguf", Path: "/m/d.gguf"},
	}
	results := r.Run(context.Background(), containerBackend, workloads, models.RunOptions{FlashAttention: true})

	require.Len(t, results, 4)
	assert.Equal(t, []string{"/m/a.gguf", "/m/b.gguf", "/m/c.gguf", "/m/d.gguf"}, script.order)

	assert.True(t, results[0].Success)
	assert.Equal(t, "a.gguf (llama-vulkan-radv)", results[0].Model)
	assert.InDelta(t, 127.0, results[0].TokensPerSecond, 1e-9)

	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Error, adapter.ErrExecution.Error())

	assert.True(t, results[3].Success)
	assert.Equal(t, "d.gguf (llama-vulkan-radv)", results[3].Model)

	for _, res := range results {
		if !res.Success {
			assert.Zero(t, res.TokensPerSecond)
			assert.Zero(t, res.TotalTokens)
			assert.NotEmpty(t, res.Error)
		}
	}
}

func TestRunner_MissingAdapterFailsEveryWorkload(t *testing.T) {
	r := NewRunner(&adapter.Set{}, fakeCollector{}, &fakeStore{}, testLogger())

	results := r.Run(context.Background(), remoteBackend, []models.Workload{{Name: "a"}, {Name: "b"}}, models.RunOptions{})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "no remote adapter")
	}
}

func TestRunner_ProgressCallback(t *testing.T) {
	script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{}}
	var seen []int
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, &fakeStore{}, testLogger(),
		WithProgress(func(i, total int, res models.Result) {
			assert.Equal(t, 2, total)
			seen = append(seen, i)
		}))

	r.Run(context.Background(), containerBackend, []models.Workload{{Path: "/m/a.gguf"}, {Path: "/m/b.gguf"}}, models.RunOptions{})
	assert.Equal(t, []int{0, 1}, seen)
}

func TestRunner_InvokePersistsLinkedBatch(t *testing.T) {
	store := newStore(t)
	script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{
		"/m/a.gguf": {Source: adapter.SourceContainer, Output: "Generation: 55.5 t/s", Duration: 2 * time.Second},
	}}
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, store, testLogger())

	report, err := r.Invoke(context.Background(), BatchRequest{
		Backend:   containerBackend,
		Workloads: []models.Workload{{Name: "a.gguf", Path: "/m/a.gguf"}, {Name: "b.gguf", Path: "/m/b.gguf"}},
	})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusCompleted, report.Status)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.NotZero(t, report.SnapshotID)
	require.NotNil(t, report.FinishedAt)

	joined, err := store.ResultsWithSnapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, joined, 2)
	for _, row := range joined {
		require.NotNil(t, row.SnapshotID)
		assert.Equal(t, report.SnapshotID, *row.SnapshotID)
		require.NotNil(t, row.Snapshot)
		assert.Equal(t, "bench-01", row.Snapshot.ServerName)
	}

	got, err := r.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, got.Status)
	assert.Nil(t, r.Active())
	assert.Len(t, r.ListRuns(), 1)
}

func TestRunner_InvokeRejectsEmptyBatch(t *testing.T) {
	r := NewRunner(&adapter.Set{}, fakeCollector{}, &fakeStore{}, testLogger())
	_, err := r.Invoke(context.Background(), BatchRequest{Backend: remoteBackend})
	assert.ErrorIs(t, err, ErrNoWorkloads)
}

func TestRunner_InvokeStoreFailureIsFatal(t *testing.T) {
	storeErr := errors.New("disk I/O error")

	t.Run("snapshot", func(t *testing.T) {
		script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{}}
		r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, &fakeStore{snapErr: storeErr}, testLogger())

		_, err := r.Invoke(context.Background(), BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}})
		assert.ErrorIs(t, err, storeErr)
		assert.Empty(t, script.order, "no workload runs without a stored snapshot")

		runs := r.ListRuns()
		require.Len(t, runs, 1)
		assert.Equal(t, BatchStatusFailed, runs[0].Status)
	})

	t.Run("results", func(t *testing.T) {
		script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{}}
		r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, &fakeStore{resultsErr: storeErr}, testLogger())

		_, err := r.Invoke(context.Background(), BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}})
		assert.ErrorIs(t, err, storeErr)
		assert.Len(t, script.order, 1)
	})
}

func TestRunner_ConcurrentBatchRejected(t *testing.T) {
	script := &scriptedAdapter{
		outputs: map[string]adapter.RawOutput{},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store := &fakeStore{}
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, store, testLogger())
	req := BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}}

	done := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), req)
		done <- err
	}()

	<-script.started
	active := r.Active()
	require.NotNil(t, active)
	assert.Equal(t, BatchStatusRunning, active.Status)

	_, err := r.Invoke(context.Background(), req)
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(script.release)
	require.NoError(t, <-done)
	assert.Len(t, store.saved, 1)
	require.NotNil(t, store.snapshotID)
	assert.Equal(t, int64(7), *store.snapshotID)
}

func TestRunner_GetRunUnknown(t *testing.T) {
	r := NewRunner(&adapter.Set{}, fakeCollector{}, &fakeStore{}, testLogger())
	_, err := r.GetRun("run-missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunner_HistoryBounded(t *testing.T) {
	script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{}}
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, &fakeStore{}, testLogger(), WithHistorySize(2))

	var last string
	for i := 0; i < 3; i++ {
		report, err := r.Invoke(context.Background(), BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}})
		require.NoError(t, err)
		last = report.RunID
	}

	runs := r.ListRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, last, runs[0].RunID)
}

func TestRunner_StartRunsInBackground(t *testing.T) {
	script := &scriptedAdapter{
		outputs: map[string]adapter.RawOutput{
			"/m/a.gguf": {Source: adapter.SourceContainer, Output: "Generation: 20.0 t/s", Duration: time.Second},
		},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store := &fakeStore{}
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, store, testLogger())
	req := BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}}

	ctx, cancel := context.WithCancel(context.Background())
	initial, err := r.Start(ctx, req)
	require.NoError(t, err)
	cancel()
	assert.Equal(t, BatchStatusRunning, initial.Status)
	assert.Equal(t, 1, initial.Total)

	<-script.started
	_, err = r.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrBatchInProgress)
	close(script.release)

	require.Eventually(t, func() bool {
		run, err := r.GetRun(initial.RunID)
		return err == nil && run.Status == BatchStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	run, err := r.GetRun(initial.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Succeeded)
	require.Len(t, run.Results, 1)
	assert.InDelta(t, 20.0, run.Results[0].TokensPerSecond, 1e-9)
}

func TestRunner_ShutdownCancelsBackgroundBatch(t *testing.T) {
	engine := &blockingAdapter{started: make(chan struct{}, 1)}
	store := &fakeStore{}
	r := NewRunner(&adapter.Set{Container: engine}, fakeCollector{}, store, testLogger())

	initial, err := r.Start(context.Background(), BatchRequest{
		Backend:   containerBackend,
		Workloads: []models.Workload{{Path: "/m/a.gguf"}, {Path: "/m/b.gguf"}, {Path: "/m/c.gguf"}},
	})
	require.NoError(t, err)
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	run, err := r.GetRun(initial.RunID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusFailed, run.Status)
	assert.Contains(t, run.Error, "interrupted after 1 of 3 workloads")
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 3, run.Total)
	assert.Nil(t, r.Active())

	// The killed workload is recorded; the rest never start
	assert.Equal(t, 1, engine.calls)
	require.Len(t, store.saved, 1)
	assert.False(t, store.saved[0].Success)
	require.NotNil(t, store.snapshotID)

	_, err = r.Start(context.Background(), BatchRequest{Backend: containerBackend, Workloads: []models.Workload{{Path: "/m/a.gguf"}}})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunner_ShutdownIdle(t *testing.T) {
	r := NewRunner(&adapter.Set{}, fakeCollector{}, &fakeStore{}, testLogger())
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_InvokeCancelledSavesPartialResults(t *testing.T) {
	script := &scriptedAdapter{outputs: map[string]adapter.RawOutput{
		"/m/a.gguf": {Source: adapter.SourceContainer, Output: "Generation: 20.0 t/s", Duration: time.Second},
		"/m/b.gguf": {Source: adapter.SourceContainer, Output: "Generation: 30.0 t/s", Duration: time.Second},
	}}
	store := &fakeStore{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(&adapter.Set{Container: script}, fakeCollector{}, store, testLogger(),
		WithProgress(func(index, total int, _ models.Result) {
			if index == 0 {
				cancel()
			}
		}))

	report, err := r.Invoke(ctx, BatchRequest{
		Backend:   containerBackend,
		Workloads: []models.Workload{{Path: "/m/a.gguf"}, {Path: "/m/b.gguf"}},
	})

	require.ErrorIs(t, err, ErrInterrupted)
	require.NotNil(t, report)
	assert.Equal(t, BatchStatusFailed, report.Status)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Results, 1)
	assert.Equal(t, []string{"/m/a.gguf"}, script.order)

	require.Len(t, store.saved, 1)
	assert.InDelta(t, 20.0, store.saved[0].TokensPerSecond, 1e-9)
}
