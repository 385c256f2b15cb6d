package hostexec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LocalRunner runs commands on this machine
type LocalRunner struct {
	timeout   time.Duration
	maxOutput int64
	waitDelay time.Duration
}

// LocalOption configures a LocalRunner
type LocalOption func(*LocalRunner)

// WithTimeout sets the timeout used when the context carries no deadline
func WithTimeout(d time.Duration) LocalOption {
	return func(r *LocalRunner) {
		r.timeout = d
	}
}

// WithMaxOutput sets the captured output bound in bytes
func WithMaxOutput(n int64) LocalOption {
	return func(r *LocalRunner) {
		r.maxOutput = n
	}
}

// NewLocalRunner creates a runner for the local host
func NewLocalRunner(opts ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		timeout:   DefaultCommandTimeout,
		maxOutput: DefaultMaxOutputBytes,
		waitDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes name with args. The whole process group is killed when the
// deadline passes or the output bound is exceeded.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmdCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmdCtx, abort := context.WithCancel(cmdCtx)
	defer abort()

	out := newBoundedOutput(r.maxOutput, abort)

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Stdout = out.Stdout()
	cmd.Stderr = out.Stderr()
	cmd.WaitDelay = r.waitDelay
	setProcessGroup(cmd)

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := out.result(exitCode)

	switch {
	case out.Exceeded():
		return res, fmt.Errorf("%s: %w", name, ErrOutputLimit)
	case err == nil:
		return res, nil
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	case ctx.Err() != nil:
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return res, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, fmt.Errorf("%s: %w (exit status %d)", name, ErrNonZeroExit, exitErr.ExitCode())
	}
	return res, fmt.Errorf("failed to run %s: %w", name, err)
}

// WalkFiles lists regular files below root
func (r *LocalRunner) WalkFiles(ctx context.Context, root string) ([]FileInfo, error) {
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("directory %s: %w", root, err)
		}
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}
