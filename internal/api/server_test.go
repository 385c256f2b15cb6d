package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/accelbench/internal/backend"
	benchsvc "github.com/accelbench/accelbench/internal/service/benchmark"
	"github.com/accelbench/accelbench/internal/storage"
	"github.com/accelbench/accelbench/internal/workload"
	"github.com/accelbench/accelbench/pkg/models"
)

// Mock implementations

type mockRunner struct {
	startErr error
	started  []benchsvc.BatchRequest
	active   *benchsvc.BatchReport
	runs     map[string]*benchsvc.BatchReport
}

func newMockRunner() *mockRunner {
	return &mockRunner{runs: make(map[string]*benchsvc.BatchReport)}
}

func (m *mockRunner) Start(ctx context.Context, req benchsvc.BatchRequest) (*benchsvc.BatchReport, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, req)
	report := &benchsvc.BatchReport{
		RunID:   fmt.Sprintf("run-%08d", len(m.started)),
		Status:  benchsvc.BatchStatusRunning,
		Backend: req.Backend.Name,
		Total:   len(req.Workloads),
	}
	m.runs[report.RunID] = report
	return report, nil
}

func (m *mockRunner) GetRun(runID string) (*benchsvc.BatchReport, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", benchsvc.ErrRunNotFound, runID)
	}
	return run, nil
}

func (m *mockRunner) Active() *benchsvc.BatchReport { return m.active }

func (m *mockRunner) ListRuns() []*benchsvc.BatchReport {
	var out []*benchsvc.BatchReport
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out
}

type mockCatalog struct {
	available workload.Available
}

func (m *mockCatalog) List(ctx context.Context) workload.Available { return m.available }

func (m *mockCatalog) Resolve(ctx context.Context, b models.Backend, names []string) ([]models.Workload, error) {
	if b.IsContainer() {
		return nil, fmt.Errorf("model file %q not found", names[0])
	}
	out := make([]models.Workload, 0, len(names))
	for _, n := range names {
		out = append(out, models.Workload{Name: n})
	}
	return out, nil
}

type testEnv struct {
	server *Server
	store  *storage.ResultStore
	runner *mockRunner
}

func setupTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewResultStore(db)
	require.NoError(t, store.Init(context.Background()))

	registry, err := backend.NewRegistry(backend.DefaultCatalog(), nil)
	require.NoError(t, err)

	catalog := &mockCatalog{available: workload.Available{
		Remote: []models.Workload{{Name: "llama3.2:3b"}},
		Files:  []models.Workload{{Name: "qwen3-8b.gguf", Path: "/models/qwen3-8b.gguf", Size: 5000}},
	}}

	runner := newMockRunner()
	server := New(store, runner, registry, catalog, append([]Option{WithSubmitInterval(0)}, opts...)...)
	server.SetReady(true)

	return &testEnv{server: server, store: store, runner: runner}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, n int) int64 {
	t.Helper()
	ctx := context.Background()
	snapID, err := e.store.SaveSnapshot(ctx, &models.Snapshot{
		ServerName: "bench-01",
		CPUModel:   "AMD RYZEN AI MAX+ 395",
		OSType:     "linux",
		GPUs:       []models.GPU{{Model: "Radeon 8060S"}},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var results []models.Result
	for i := 0; i < n; i++ {
		results = append(results, models.Result{
			Model:           fmt.Sprintf("model-%d", i),
			TokensPerSecond: 40 + float64(i),
			TotalTokens:     100,
			DurationSeconds: 2.5,
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Success:         true,
		})
	}
	require.NoError(t, e.store.SaveResults(ctx, results, &snapID))
	return snapID
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "true", response.Services["ready"])
	assert.Equal(t, "idle", response.Services["runner"])
}

func TestHealthNotReady(t *testing.T) {
	env := setupTestServer(t)
	env.server.SetReady(false)

	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do("GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "dash-123")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, "dash-123", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "bad id with spaces")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.NotEqual(t, "bad id with spaces", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListResults(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty ResultListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.NotNil(t, empty.Results)
	assert.Equal(t, 0, empty.Count)

	env.seed(t, 3)
	w = env.do("GET", "/api/results", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResultListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, "model-2", resp.Results[0].Model)
}

func TestLatestSnapshot(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/system-specs/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.seed(t, 1)
	w = env.do("GET", "/api/system-specs/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "bench-01", snap.ServerName)
	require.Len(t, snap.GPUs, 1)
}

func TestResultsWithSnapshotLimit(t *testing.T) {
	env := setupTestServer(t)
	snapID := env.seed(t, 3)

	tests := []struct {
		query string
		want  int
	}{
		{"?limit=2", 2},
		{"?limit=0", 3},
		{"?limit=-4", 3},
		{"?limit=abc", 3},
		{"", 3},
	}
	for _, tt := range tests {
		t.Run("limit"+tt.query, func(t *testing.T) {
			w := env.do("GET", "/api/results-with-specs"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code)

			var resp JoinedResultListResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Len(t, resp.Results, tt.want)
			assert.Equal(t, "model-2", resp.Results[0].Model)
			require.NotNil(t, resp.Results[0].Snapshot)
			assert.Equal(t, snapID, resp.Results[0].Snapshot.ID)
		})
	}
}

func TestListWorkloads(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var avail workload.Available
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &avail))
	assert.Len(t, avail.Remote, 1)
	assert.Len(t, avail.Files, 1)
}

func TestListBackends(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/backends", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Backends []models.Backend `json:"backends"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(backend.DefaultCatalog()), resp.Count)
}

func TestSubmitBenchmark(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/benchmark", SubmitBenchmarkRequest{
		Models:  []string{"llama3.2:3b", "qwen3:8b"},
		CtxSize: 4096,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var report benchsvc.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "ollama", report.Backend)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, "/api/benchmark/runs/"+report.RunID, w.Header().Get("Location"))

	require.Len(t, env.runner.started, 1)
	assert.Equal(t, 4096, env.runner.started[0].Options.ContextSize)

	w = env.do("GET", "/api/benchmark/runs/"+report.RunID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitBenchmarkValidation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"no models", map[string]any{"backend": "ollama"}, http.StatusBadRequest, "models is required"},
		{"empty models", map[string]any{"models": []string{}}, http.StatusBadRequest, "models must be at least 1"},
		{"blank model", map[string]any{"models": []string{""}}, http.StatusBadRequest, "models[0] is required"},
		{"ctx too small", map[string]any{"models": []string{"a"}, "ctx_size": 10}, http.StatusBadRequest, "ctx_size must be at least 128"},
		{"unknown backend", map[string]any{"models": []string{"a"}, "backend": "cuda"}, http.StatusBadRequest, "unknown backend"},
		{"unresolvable file", map[string]any{"models": []string{"a.gguf"}, "backend": "llama-vulkan-radv"}, http.StatusBadRequest, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/benchmark", tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, tt.message)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
	assert.Empty(t, env.runner.started)
}

func TestSubmitBenchmarkConflict(t *testing.T) {
	env := setupTestServer(t)
	env.runner.startErr = benchsvc.ErrBatchInProgress

	w := env.do("POST", "/api/benchmark", SubmitBenchmarkRequest{Models: []string{"llama3.2:3b"}})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitBenchmarkRateLimited(t *testing.T) {
	env := setupTestServer(t, WithSubmitInterval(time.Hour))

	body := SubmitBenchmarkRequest{Models: []string{"llama3.2:3b"}}
	assert.Equal(t, http.StatusAccepted, env.do("POST", "/api/benchmark", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do("POST", "/api/benchmark", body).Code)
}

func TestSubmitBenchmarkRejectedRequestsKeepToken(t *testing.T) {
	env := setupTestServer(t, WithSubmitInterval(time.Hour))

	w := env.do("POST", "/api/benchmark", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("POST", "/api/benchmark", SubmitBenchmarkRequest{Backend: "no-such-backend", Models: []string{"llama3.2:3b"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := SubmitBenchmarkRequest{Models: []string{"llama3.2:3b"}}
	assert.Equal(t, http.StatusAccepted, env.do("POST", "/api/benchmark", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do("POST", "/api/benchmark", body).Code)
}

func TestBenchmarkStatus(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/benchmark/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":false}`, w.Body.String())

	env.runner.active = &benchsvc.BatchReport{RunID: "run-abc", Status: benchsvc.BatchStatusRunning}
	w = env.do("GET", "/api/benchmark/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"run-abc"`))
}

func TestGetRunNotFound(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/benchmark/runs/run-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("OPTIONS", "/api/benchmark", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do("GET", "/health", nil)

	w := env.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "ctx_size", toSnakeCase("CtxSize"))
	assert.Equal(t, "models[0]", toSnakeCase("Models[0]"))
	assert.Equal(t, "backend", toSnakeCase("Backend"))
}
