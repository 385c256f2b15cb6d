package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/pkg/models"
)

const (
	defaultContainerTimeout = 5 * time.Minute
	defaultNPredict         = 128
	cleanupTimeout          = 30 * time.Second
	stderrTailBytes         = 512
)

// FamilyFlags returns the device and permission flags a family needs
func FamilyFlags(f models.Family) []string {
	switch f {
	case models.FamilyROCm:
		return []string{
			"--device", "/dev/kfd",
			"--device", "/dev/dri",
			"--group-add", "video",
			"--group-add", "render",
			"--security-opt", "seccomp=unconfined",
			"--ipc", "host",
		}
	case models.FamilyVulkan:
		return []string{"--device", "/dev/dri"}
	default:
		return nil
	}
}

// EngineBinary returns the llama.cpp CLI path inside a family's image
func EngineBinary(f models.Family) string {
	if f == models.FamilyROCm {
		return "/usr/local/bin/llama-cli"
	}
	return "/usr/bin/llama-cli"
}

// EnvFlags renders backend environment variables as sorted -e flags
func EnvFlags(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "-e", k+"="+env[k])
	}
	return flags
}

// RunSpec is everything needed to build one engine invocation
type RunSpec struct {
	Backend   models.Backend
	ModelPath string
	Prompt    string
	NPredict  int
	Options   models.RunOptions
}

// ExecArgs builds the engine arguments for one run inside the backend's
// named environment. Device, group and environment flags were applied when
// the environment was created (see CreateArgs).
func ExecArgs(spec RunSpec) []string {
	args := []string{"exec", spec.Backend.Name, EngineBinary(spec.Backend.Family),
		"-m", spec.ModelPath,
		"-p", spec.Prompt,
		"-n", strconv.Itoa(spec.NPredict),
		"-ngl", "999",
		"-no-cnv",
		"--no-mmap",
	}
	if spec.Options.FlashAttention {
		args = append(args, "-fa", "on")
	}
	if spec.Options.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(spec.Options.ContextSize))
	}
	return args
}

// ContainerAdapter runs llama.cpp inside a backend's provisioned environment
type ContainerAdapter struct {
	runner       hostexec.Runner
	engine       string
	prompt       string
	nPredict     int
	modelsDir    string
	timeout      time.Duration
	probeTimeout time.Duration
	now          func() time.Time
}

// ContainerOption configures the container adapter
type ContainerOption func(*ContainerAdapter)

// WithEngine sets the container engine binary
func WithEngine(engine string) ContainerOption {
	return func(a *ContainerAdapter) {
		if engine != "" {
			a.engine = engine
		}
	}
}

// WithPrompt sets the evaluation prompt
func WithPrompt(prompt string) ContainerOption {
	return func(a *ContainerAdapter) {
		if prompt != "" {
			a.prompt = prompt
		}
	}
}

// WithNPredict sets the number of tokens to generate
func WithNPredict(n int) ContainerOption {
	return func(a *ContainerAdapter) {
		if n > 0 {
			a.nPredict = n
		}
	}
}

// WithTimeout sets the per-run deadline
func WithTimeout(d time.Duration) ContainerOption {
	return func(a *ContainerAdapter) {
		a.timeout = d
	}
}

// WithModelsDir restricts runs to model files below dir, the directory
// mounted into every environment
func WithModelsDir(dir string) ContainerOption {
	return func(a *ContainerAdapter) {
		a.modelsDir = dir
	}
}

// WithClock sets the clock used to measure run duration
func WithClock(now func() time.Time) ContainerOption {
	return func(a *ContainerAdapter) {
		a.now = now
	}
}

// NewContainerAdapter creates an adapter that runs engines through runner
func NewContainerAdapter(runner hostexec.Runner, opts ...ContainerOption) *ContainerAdapter {
	a := &ContainerAdapter{
		runner:       runner,
		engine:       "podman",
		prompt:       DefaultPrompt,
		nPredict:     defaultNPredict,
		timeout:      defaultContainerTimeout,
		probeTimeout: cleanupTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs one workload in the backend's environment and returns the
// engine's combined output. A stopped environment is started first, outside
// the measured span.
func (a *ContainerAdapter) Execute(ctx context.Context, backend models.Backend, workload models.Workload, opts models.RunOptions) RawOutput {
	out := RawOutput{Source: SourceContainer}

	if !backend.IsContainer() {
		out.Err = fmt.Errorf("%w: backend %s has no container image", ErrExecution, backend.Name)
		return out
	}

	path := workload.Identifier()
	if path == "" || !filepath.IsAbs(path) {
		out.Err = fmt.Errorf("%w: model path %q must be absolute", ErrInvalidWorkload, path)
		return out
	}
	if a.modelsDir != "" && !withinDir(a.modelsDir, path) {
		out.Err = fmt.Errorf("%w: %s is outside the models directory %s", ErrInvalidWorkload, path, a.modelsDir)
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Err = fmt.Errorf("%w: interrupted: %w", ErrExecution, err)
		return out
	}
	if err := a.ensureRunning(ctx, backend.Name); err != nil {
		out.Err = err
		return out
	}

	args := ExecArgs(RunSpec{
		Backend:   backend,
		ModelPath: path,
		Prompt:    a.prompt,
		NPredict:  a.nPredict,
		Options:   opts,
	})

	runCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	slog.Debug("starting engine",
		slog.String("backend", backend.Name),
		slog.String("model", path))

	start := a.now()
	res, err := a.runner.Run(runCtx, a.engine, args...)
	out.Duration = a.now().Sub(start)
	out.Output = res.Combined()

	if err == nil {
		return out
	}

	switch {
	case ctx.Err() != nil:
		out.Err = fmt.Errorf("%w: interrupted: %w", ErrExecution, ctx.Err())
		a.stopEnvironment(backend.Name)
	case errors.Is(err, hostexec.ErrTimeout), runCtx.Err() != nil:
		out.Err = fmt.Errorf("%w: %w after %s", ErrExecution, ErrTimeout, a.timeout)
		a.stopEnvironment(backend.Name)
	case errors.Is(err, hostexec.ErrOutputLimit):
		out.Err = fmt.Errorf("%w: %w", ErrExecution, ErrOutputLimit)
		a.stopEnvironment(backend.Name)
	default:
		out.Err = fmt.Errorf("%w: %w%s", ErrExecution, err, stderrTail(res))
	}
	return out
}

// ensureRunning starts the environment when it exists but is stopped
func (a *ContainerAdapter) ensureRunning(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	res, err := a.runner.Run(ctx, a.engine, "container", "inspect", "--format", "{{.State.Running}}", name)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return fmt.Errorf("%w: inspecting environment %s: %w", ErrExecution, name, err)
	case errors.Is(err, hostexec.ErrNonZeroExit):
		return fmt.Errorf("%w: %w: %s (create it with `accelbench setup %s`)", ErrExecution, ErrEnvironmentMissing, name, name)
	default:
		return fmt.Errorf("%w: failed to inspect environment %s: %w", ErrExecution, name, err)
	}
	if strings.TrimSpace(res.Stdout) == "true" {
		return nil
	}

	slog.Info("starting stopped environment", slog.String("container", name))
	if res, err := a.runner.Run(ctx, a.engine, "start", name); err != nil {
		return fmt.Errorf("%w: failed to start environment %s: %w%s", ErrExecution, name, err, stderrTail(res))
	}
	return nil
}

// stopEnvironment kills every process in the environment after an engine
// was abandoned, so nothing keeps running on the accelerator. The
// environment itself is kept and restarted by the next run.
func (a *ContainerAdapter) stopEnvironment(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := a.runner.Run(ctx, a.engine, "stop", "--time", "0", name); err != nil {
		slog.Warn("failed to stop environment",
			slog.String("container", name),
			slog.String("error", err.Error()))
	}
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func stderrTail(res *hostexec.Result) string {
	if res == nil {
		return ""
	}
	tail := strings.TrimSpace(res.Stderr)
	if tail == "" {
		return ""
	}
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	return ": " + tail
}
