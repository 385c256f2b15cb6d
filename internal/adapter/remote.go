package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/accelbench/accelbench/pkg/models"
)

const (
	defaultRemoteTimeout = 2 * time.Minute
	maxRemoteBody        = 10 << 20
	maxErrorBody         = 4 << 10
)

// GenerateRequest is the body of a non-streaming generate call
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// RemoteAdapter calls the remote inference service's generate endpoint
type RemoteAdapter struct {
	baseURL    string
	prompt     string
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
}

// RemoteOption configures the remote adapter
type RemoteOption func(*RemoteAdapter)

// WithRemotePrompt sets the evaluation prompt
func WithRemotePrompt(prompt string) RemoteOption {
	return func(a *RemoteAdapter) {
		if prompt != "" {
			a.prompt = prompt
		}
	}
}

// WithRemoteTimeout sets the per-request timeout
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(a *RemoteAdapter) {
		a.timeout = d
	}
}

// WithRemoteHTTPClient sets a custom HTTP client
func WithRemoteHTTPClient(client *http.Client) RemoteOption {
	return func(a *RemoteAdapter) {
		a.httpClient = client
	}
}

// WithRemoteClock sets the clock used to measure request duration
func WithRemoteClock(now func() time.Time) RemoteOption {
	return func(a *RemoteAdapter) {
		a.now = now
	}
}

// NewRemoteAdapter creates an adapter for the service at baseURL
func NewRemoteAdapter(baseURL string, opts ...RemoteOption) *RemoteAdapter {
	a := &RemoteAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prompt:     DefaultPrompt,
		timeout:    defaultRemoteTimeout,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute sends one generate request and returns the response body
func (a *RemoteAdapter) Execute(ctx context.Context, backend models.Backend, workload models.Workload, opts models.RunOptions) (out RawOutput) {
	out = RawOutput{Source: SourceRemote}

	model := workload.Identifier()
	if model == "" {
		out.Err = fmt.Errorf("%w: model name cannot be empty", ErrInvalidWorkload)
		return out
	}

	body := GenerateRequest{Model: model, Prompt: a.prompt}
	if opts.ContextSize > 0 {
		body.Options = map[string]any{"num_ctx": opts.ContextSize}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		out.Err = fmt.Errorf("failed to encode request: %w", err)
		return out
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		out.Err = fmt.Errorf("%w: failed to create request: %w", ErrTransport, err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := a.now()
	defer func() {
		out.Duration = a.now().Sub(start)
	}()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		return out
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out.Err = fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(msg)))
		return out
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		out.Err = fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
		return out
	}

	out.Output = string(data)
	return out
}
