package hostexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockRunner is a Runner with canned responses for testing.
// Responses are keyed by the full command line ("lspci -nn").
// Unknown commands fail with ErrNotFound.
type MockRunner struct {
	mu        sync.Mutex
	responses map[string]MockResponse
	files     map[string][]FileInfo
	calls     []string
}

// MockResponse is the canned outcome of one command
type MockResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error         // returned as-is when set
	Delay    time.Duration // honors context cancellation
}

// NewMockRunner creates a mock runner with no known commands
func NewMockRunner() *MockRunner {
	return &MockRunner{
		responses: make(map[string]MockResponse),
		files:     make(map[string][]FileInfo),
	}
}

// On registers the response for a command line
func (m *MockRunner) On(cmdline string, resp MockResponse) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmdline] = resp
	return m
}

// SetFiles registers the listing WalkFiles returns for root
func (m *MockRunner) SetFiles(root string, files []FileInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[root] = files
}

// Calls returns the command lines run so far
func (m *MockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Run implements Runner
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	m.mu.Lock()
	m.calls = append(m.calls, cmdline)
	resp, ok := m.responses[cmdline]
	m.mu.Unlock()

	if !ok {
		return &Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return &Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, ErrTimeout)
		}
	}

	res := &Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, fmt.Errorf("%s: %w (exit status %d)", name, ErrNonZeroExit, resp.ExitCode)
	}
	return res, nil
}

// WalkFiles implements FileWalker
func (m *MockRunner) WalkFiles(ctx context.Context, root string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.files[root]
	if !ok {
		return nil, fmt.Errorf("directory %s does not exist", root)
	}
	return append([]FileInfo(nil), files...), nil
}
