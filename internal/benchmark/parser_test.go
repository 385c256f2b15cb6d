package benchmark

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/accelbench/accelbench/internal/adapter"
)

const llamaCLIOutput = `build: 6201 (a094f381) with cc (GCC) 14.2.1 for x86_64-redhat-linux
llama_model_loader: loaded meta data with 32 key-value pairs and 399 tensors
sampler seed: 2938475
generate: n_ctx = 4096, n_batch = 2048, n_predict = 128, n_keep = 1

Caches store recently used data close to the core...

llama_perf_sampler_print:    sampling time =      12.31 ms /   138 runs   (    0.09 ms per token, 11210.40 tokens per second)
llama_perf_context_print:        load time =    4210.55 ms
llama_perf_context_print: prompt eval time =     120.02 ms /    10 tokens (   12.00 ms per token,    83.32 tokens per second)
llama_perf_context_print:        eval time =    2500.00 ms /   127 runs   (   19.69 ms per token,    50.80 tokens per second)
llama_perf_context_print:       total time =    2700.00 ms /   137 tokens
`

func TestParse_RemoteSuccess(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source:   adapter.SourceRemote,
		Output:   `{"model":"llama3.2:3b","response":"hi","done":true,"eval_count":100}`,
		Duration: 2 * time.Second,
	})

	if !m.Success {
		t.Fatalf("expected success, got error %q", m.Error)
	}
	if m.TotalTokens != 100 {
		t.Errorf("expected 100 tokens, got %d", m.TotalTokens)
	}
	if m.TokensPerSecond != 50 {
		t.Errorf("expected 50 tps, got %f", m.TokensPerSecond)
	}
	if m.DurationSeconds != 2 {
		t.Errorf("expected 2s, got %f", m.DurationSeconds)
	}
}

func TestParse_RemoteMissingCount(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source:   adapter.SourceRemote,
		Output:   `{"response":"hi"}`,
		Duration: time.Second,
	})

	if !m.Success {
		t.Fatalf("expected success, got %q", m.Error)
	}
	if m.TotalTokens != 0 || m.TokensPerSecond != 0 {
		t.Errorf("expected zero tokens and rate, got %d / %f", m.TotalTokens, m.TokensPerSecond)
	}
}

func TestParse_RemoteZeroDuration(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source: adapter.SourceRemote,
		Output: `{"response":"hi","eval_count":42}`,
	})

	if math.IsInf(m.TokensPerSecond, 0) || math.IsNaN(m.TokensPerSecond) {
		t.Fatalf("rate must be finite, got %f", m.TokensPerSecond)
	}
	if m.TokensPerSecond != 0 {
		t.Errorf("expected rate 0 for zero duration, got %f", m.TokensPerSecond)
	}
	if m.TotalTokens != 42 {
		t.Errorf("expected 42 tokens, got %d", m.TotalTokens)
	}
}

func TestParse_RemoteTransportFailure(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source:   adapter.SourceRemote,
		Output:   `{"eval_count":100}`,
		Duration: 120 * time.Second,
		Err:      fmt.Errorf("%w: context deadline exceeded", adapter.ErrTransport),
	})

	if m.Success {
		t.Fatal("expected failure")
	}
	if m.TokensPerSecond != 0 || m.TotalTokens != 0 {
		t.Errorf("failed run must have zero rate and tokens, got %f / %d", m.TokensPerSecond, m.TotalTokens)
	}
	if m.Error == "" {
		t.Error("expected error text")
	}
}

func TestParse_RemoteInvalidPayload(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"not json", "<html>bad gateway</html>", "invalid response from remote service"},
		{"error field", `{"error":"model requires more system memory"}`, "model requires more system memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParseRemote(tt.output, 1)
			if m.Success {
				t.Fatal("expected failure")
			}
			if m.Error == "" || !strings.Contains(m.Error, tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, m.Error)
			}
		})
	}
}

func TestParse_ContainerLlamaCLI(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source:   adapter.SourceContainer,
		Output:   llamaCLIOutput,
		Duration: 7 * time.Second,
	})

	if !m.Success {
		t.Fatalf("expected success, got %q", m.Error)
	}
	if m.TokensPerSecond != 50.80 {
		t.Errorf("expected generation rate 50.80, got %f", m.TokensPerSecond)
	}
	if m.TotalTokens != 127 {
		t.Errorf("expected 127 tokens, got %d", m.TotalTokens)
	}
	if m.DurationSeconds != 7 {
		t.Errorf("expected measured 7s, got %f", m.DurationSeconds)
	}
}

func TestParseContainer_RateMarkers(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantTPS    float64
		wantTokens int
	}{
		{"t/s", "generation speed: 123.45 t/s", 123.45, 0},
		{"tok/s", "[ Generation: 88 tok/s ]", 88, 0},
		{"tokens/s", "throughput 12.5 tokens/s\n64 tokens generated", 12.5, 64},
		{"first match wins", "1.5 t/s\n2.5 t/s", 1.5, 0},
		{"prompt segment skipped", "[ Prompt: 310.2 t/s | Generation: 42.5 t/s ]", 42.5, 0},
		{"n_predict fallback", "n_predict = 256\n33.3 tokens per second", 33.3, 256},
		{"eval runs beats n_predict", "n_predict = 256\neval time = 100.00 ms / 200 runs (40 tokens per second)", 40, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParseContainer(tt.output, 1)
			if !m.Success {
				t.Fatalf("expected success, got %q", m.Error)
			}
			if m.TokensPerSecond != tt.wantTPS {
				t.Errorf("expected tps %f, got %f", tt.wantTPS, m.TokensPerSecond)
			}
			if m.TotalTokens != tt.wantTokens {
				t.Errorf("expected tokens %d, got %d", tt.wantTokens, m.TotalTokens)
			}
		})
	}
}

func TestParseContainer_Failures(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"no rate", "model loaded\n128 tokens generated", ErrMsgNoThroughput},
		{"empty", "", ErrMsgNoThroughput},
		{"only prompt rate", "prompt eval time = 10 ms / 5 tokens (500.00 tokens per second)", ErrMsgNoThroughput},
		{"only prompt segment", "[ Prompt: 123.45 t/s ]", ErrMsgNoThroughput},
		{"prompt segment with sampling", "[ Prompt: 123.45 t/s ]\nsampling time = 1.0 ms / 10 runs (10000.00 tokens per second)", ErrMsgNoThroughput},
		{"zero rate", "0.00 t/s\n128 tokens generated", ErrMsgZeroThroughput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParseContainer(tt.output, 3)
			if m.Success {
				t.Fatal("expected failure")
			}
			if m.Error != tt.want {
				t.Errorf("expected %q, got %q", tt.want, m.Error)
			}
			if m.TokensPerSecond != 0 || m.TotalTokens != 0 {
				t.Errorf("failed run must have zero rate and tokens, got %f / %d", m.TokensPerSecond, m.TotalTokens)
			}
			if m.DurationSeconds != 3 {
				t.Errorf("expected duration kept, got %f", m.DurationSeconds)
			}
		})
	}
}

func TestParse_ContainerExecutionFailure(t *testing.T) {
	m := Parse(adapter.RawOutput{
		Source: adapter.SourceContainer,
		Output: "50.80 tokens per second",
		Err:    fmt.Errorf("%w: %w", adapter.ErrExecution, adapter.ErrTimeout),
	})

	if m.Success {
		t.Fatal("expected failure")
	}
	if m.TokensPerSecond != 0 {
		t.Errorf("expected zero rate, got %f", m.TokensPerSecond)
	}
	if !strings.Contains(m.Error, "timed out") {
		t.Errorf("expected timeout in error, got %q", m.Error)
	}
}

func TestParse_UnknownSource(t *testing.T) {
	m := Parse(adapter.RawOutput{Source: "carrier-pigeon", Output: "5 t/s"})
	if m.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(m.Error, "carrier-pigeon") {
		t.Errorf("expected source in error, got %q", m.Error)
	}
}
