// Package app wires the benchmark components from configuration. Both the
// API server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/accelbench/accelbench/internal/adapter"
	"github.com/accelbench/accelbench/internal/backend"
	"github.com/accelbench/accelbench/internal/config"
	"github.com/accelbench/accelbench/internal/detect"
	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/internal/metrics"
	benchsvc "github.com/accelbench/accelbench/internal/service/benchmark"
	"github.com/accelbench/accelbench/internal/storage"
	"github.com/accelbench/accelbench/internal/sysinfo"
	"github.com/accelbench/accelbench/internal/workload"
)

// HostRunner runs commands and lists files on the benchmark host
type HostRunner interface {
	hostexec.Runner
	hostexec.FileWalker
}

// App holds the wired components
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Host        HostRunner
	DB          *storage.DB
	Store       *storage.ResultStore
	Detector    *detect.Detector
	Collector   *sysinfo.Collector
	Registry    *backend.Registry
	Adapters    *adapter.Set
	Provisioner *adapter.Provisioner
	Catalog     *workload.Catalog
	Runner      *benchsvc.Runner

	closers []func() error
}

// Option configures how the App is built
type Option func(*buildOptions)

type buildOptions struct {
	host          HostRunner
	runnerOptions []benchsvc.Option
}

// WithHost replaces the host runner derived from configuration
func WithHost(h HostRunner) Option {
	return func(o *buildOptions) {
		o.host = h
	}
}

// WithRunnerOptions passes options to the benchmark runner
func WithRunnerOptions(opts ...benchsvc.Option) Option {
	return func(o *buildOptions) {
		o.runnerOptions = append(o.runnerOptions, opts...)
	}
}

// New builds every component. The database is opened but the schema is
// created lazily on first use.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, Logger: logger}

	host := bo.host
	if host == nil {
		h, closer, err := newHostRunner(cfg)
		if err != nil {
			return nil, err
		}
		host = h
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.Host = host

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Store = storage.NewResultStore(db)

	modelsDir, err := resolveModelsDir(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Detector = detect.New(host,
		detect.WithEngine(cfg.Container.Engine),
		detect.WithRemoteURL(cfg.Remote.URL))
	a.Collector = sysinfo.NewCollector(host, a.Detector,
		sysinfo.WithRemoteHost(cfg.SSH.Enabled))

	a.Registry, err = backend.NewRegistry(backend.DefaultCatalog(), a.Detector)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build backend registry: %w", err)
	}

	a.Adapters = &adapter.Set{
		Remote: adapter.NewRemoteAdapter(cfg.Remote.URL,
			adapter.WithRemoteTimeout(cfg.Remote.Timeout),
			adapter.WithRemotePrompt(cfg.Remote.Prompt)),
		Container: adapter.NewContainerAdapter(host,
			adapter.WithEngine(cfg.Container.Engine),
			adapter.WithTimeout(cfg.Container.Timeout),
			adapter.WithNPredict(cfg.Container.NPredict),
			adapter.WithPrompt(cfg.Container.Prompt),
			adapter.WithModelsDir(modelsDir)),
	}
	a.Provisioner = adapter.NewProvisioner(host, a.Detector,
		adapter.WithProvisionEngine(cfg.Container.Engine),
		adapter.WithProvisionModelsDir(modelsDir))

	a.Catalog = workload.NewCatalog(
		workload.WithRemoteURL(cfg.Remote.URL),
		workload.WithModelsDir(host, modelsDir))

	a.Runner = benchsvc.NewRunner(a.Adapters, a.Collector, a.Store, logger, bo.runnerOptions...)

	return a, nil
}

// InitStore creates the schema and publishes row counts as metrics
func (a *App) InitStore(ctx context.Context) error {
	if err := a.Store.Init(ctx); err != nil {
		return err
	}
	counts, err := a.Store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count stored rows: %w", err)
	}
	return metrics.InitializeStoreMetrics(ctx, []metrics.TableCount{
		{Table: "system_specs", Count: counts.Snapshots},
		{Table: "benchmark_results", Count: counts.Results},
	})
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// resolveModelsDir returns the absolute models directory. Environments mount
// it at the same path, so model paths are valid inside and outside them.
func resolveModelsDir(cfg *config.Config) (string, error) {
	dir := cfg.Container.ModelsDir
	if dir == "" || cfg.SSH.Enabled {
		return dir, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve models directory: %w", err)
	}
	return abs, nil
}

func newHostRunner(cfg *config.Config) (HostRunner, func() error, error) {
	if !cfg.SSH.Enabled {
		return hostexec.NewLocalRunner(hostexec.WithMaxOutput(cfg.Container.MaxOutputBytes)), nil, nil
	}

	key, err := os.ReadFile(cfg.SSH.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	creds := hostexec.Credentials{
		Host:       cfg.SSH.Host,
		Port:       cfg.SSH.Port,
		User:       cfg.SSH.User,
		PrivateKey: key,
	}
	if err := creds.Validate(); err != nil {
		return nil, nil, err
	}

	r := hostexec.NewSSHRunner(creds,
		hostexec.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		hostexec.WithSSHMaxOutput(cfg.Container.MaxOutputBytes))
	return r, r.Close, nil
}
