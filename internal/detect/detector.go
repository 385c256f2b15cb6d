// Package detect probes the host for accelerator hardware, driver stacks,
// container tooling, and which backends are already set up.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/internal/metrics"
	"github.com/accelbench/accelbench/pkg/models"
)

const (
	// DefaultProbeTimeout bounds every individual probe
	DefaultProbeTimeout = 10 * time.Second

	// DriverInstalled is reported when the compute stack answers but prints no version
	DriverInstalled = "installed"
)

// Detector runs host probes. Every probe is isolated: a failing or missing
// tool degrades to a false/empty answer and is never returned as an error.
type Detector struct {
	runner       hostexec.Runner
	engine       string
	remoteURL    string
	httpClient   *http.Client
	probeTimeout time.Duration
}

// Option configures a Detector
type Option func(*Detector)

// WithEngine sets the container engine binary (podman or docker)
func WithEngine(engine string) Option {
	return func(d *Detector) {
		d.engine = engine
	}
}

// WithRemoteURL sets the base URL of the remote inference service
func WithRemoteURL(url string) Option {
	return func(d *Detector) {
		d.remoteURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets the client used for the remote availability probe
func WithHTTPClient(c *http.Client) Option {
	return func(d *Detector) {
		d.httpClient = c
	}
}

// WithProbeTimeout sets the per-probe timeout
func WithProbeTimeout(t time.Duration) Option {
	return func(d *Detector) {
		d.probeTimeout = t
	}
}

// New creates a detector that runs its probes through runner
func New(runner hostexec.Runner, opts ...Option) *Detector {
	d := &Detector{
		runner:       runner,
		engine:       "podman",
		httpClient:   &http.Client{},
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// probe runs one command and reports whether it exited 0
func (d *Detector) probe(ctx context.Context, probe, name string, args ...string) (*hostexec.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	res, err := d.runner.Run(ctx, name, args...)
	if err != nil {
		metrics.RecordProbeFailure(probe)
		slog.Debug("probe failed",
			slog.String("probe", probe),
			slog.String("error", err.Error()))
		return res, false
	}
	return res, true
}

// DetectAccelerator looks for an AMD display device and, if present,
// checks the compute and graphics driver stacks.
func (d *Detector) DetectAccelerator(ctx context.Context) models.AcceleratorInfo {
	res, ok := d.probe(ctx, "lspci", "lspci")
	if !ok {
		return models.AcceleratorInfo{}
	}

	model, found := ParseHardwareList(res.Stdout)
	if !found {
		return models.AcceleratorInfo{}
	}

	info := models.AcceleratorInfo{
		Detected: true,
		GPUModel: model,
	}

	if res, ok := d.probe(ctx, "rocminfo", "rocminfo"); ok {
		info.DriverVersion = DriverInstalled
		if v := ParseRuntimeVersion(res.Stdout); v != "" {
			info.DriverVersion = v
		}
	}

	_, vulkan := d.probe(ctx, "vulkaninfo", "vulkaninfo", "--summary")
	info.VulkanSupported = &vulkan

	return info
}

// DetectContainerTooling reports whether the container engine or toolbox is present
func (d *Detector) DetectContainerTooling(ctx context.Context) bool {
	if _, ok := d.probe(ctx, d.engine, d.engine, "--version"); ok {
		return true
	}
	_, ok := d.probe(ctx, "toolbox", "toolbox", "--version")
	return ok
}

// RemoteAvailable reports whether the remote inference service answers
func (d *Detector) RemoteAvailable(ctx context.Context) bool {
	if d.remoteURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.remoteURL+"/api/version", nil)
	if err != nil {
		metrics.RecordProbeFailure("remote")
		return false
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		metrics.RecordProbeFailure("remote")
		slog.Debug("remote probe failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordProbeFailure("remote")
		return false
	}
	return true
}

// ListInstalledBackends returns copies of catalog with Installed refreshed.
// A container backend is installed when any existing container name contains
// the backend name. If the containers cannot be enumerated, none are installed.
func (d *Detector) ListInstalledBackends(ctx context.Context, catalog []models.Backend) []models.Backend {
	out := make([]models.Backend, len(catalog))

	res, listed := d.probe(ctx, "container_list", d.engine, "ps", "-a", "--format", "{{.Names}}")

	var remoteUp *bool
	for i, b := range catalog {
		out[i] = copyBackend(b)
		out[i].Installed = false

		if b.Family == models.FamilyRemote {
			if remoteUp == nil {
				up := d.RemoteAvailable(ctx)
				remoteUp = &up
			}
			out[i].Installed = *remoteUp
			continue
		}

		if listed {
			out[i].Installed = strings.Contains(res.Stdout, b.Name)
		}
	}

	return out
}

// ContainerExists reports whether a container with exactly this name exists
func (d *Detector) ContainerExists(ctx context.Context, name string) (bool, error) {
	res, ok := d.probe(ctx, "container_list", d.engine, "ps", "-a", "--format", "{{.Names}}")
	if !ok {
		return false, fmt.Errorf("failed to list containers with %s", d.engine)
	}
	for _, n := range ParseContainerNames(res.Stdout) {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func copyBackend(b models.Backend) models.Backend {
	if b.Env != nil {
		env := make(map[string]string, len(b.Env))
		for k, v := range b.Env {
			env[k] = v
		}
		b.Env = env
	}
	return b
}
