// Package hostexec runs commands on the benchmark host, either locally or
// over SSH, with bounded output and a hard deadline.
package hostexec

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCommandTimeout applies when the caller's context has no deadline
	DefaultCommandTimeout = 60 * time.Second

	// DefaultMaxOutputBytes bounds captured stdout+stderr
	DefaultMaxOutputBytes int64 = 10 << 20
)

// Result holds the captured output of one command.
// ExitCode is -1 when the process did not exit normally.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr
func (r *Result) Combined() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes a program with arguments on some host.
// A nil error means the program exited 0. Errors wrap the package sentinels.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// FileInfo is a directory entry visible to a Runner's host
type FileInfo struct {
	Path  string
	Size  int64
	IsDir bool
}

// FileWalker lists files below a directory on a Runner's host
type FileWalker interface {
	WalkFiles(ctx context.Context, root string) ([]FileInfo, error)
}

// boundedOutput captures stdout and stderr up to a shared byte limit.
// Once the limit is hit further bytes are discarded and onOverflow fires once.
type boundedOutput struct {
	mu         sync.Mutex
	stdout     strings.Builder
	stderr     strings.Builder
	total      int64
	limit      int64
	exceeded   bool
	onOverflow func()
}

func newBoundedOutput(limit int64, onOverflow func()) *boundedOutput {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &boundedOutput{limit: limit, onOverflow: onOverflow}
}

func (b *boundedOutput) write(dst *strings.Builder, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exceeded {
		return len(p), nil
	}

	remaining := b.limit - b.total
	if int64(len(p)) > remaining {
		dst.Write(p[:remaining])
		b.total = b.limit
		b.exceeded = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}

	dst.Write(p)
	b.total += int64(len(p))
	return len(p), nil
}

func (b *boundedOutput) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

func (b *boundedOutput) result(exitCode int) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Result{
		Stdout:   b.stdout.String(),
		Stderr:   b.stderr.String(),
		ExitCode: exitCode,
	}
}

type streamWriter struct {
	out *boundedOutput
	dst *strings.Builder
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.out.write(w.dst, p)
}

func (b *boundedOutput) Stdout() streamWriter { return streamWriter{out: b, dst: &b.stdout} }
func (b *boundedOutput) Stderr() streamWriter { return streamWriter{out: b, dst: &b.stderr} }

// ShellQuote quotes args for a POSIX shell command line
func ShellQuote(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, needsQuoting) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@%+,", r)
}
