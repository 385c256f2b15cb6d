package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/internal/logging"
	"github.com/accelbench/accelbench/pkg/models"
)

// Image pulls dominate creation time
const defaultProvisionTimeout = 30 * time.Minute

// ContainerLister checks for existing containers by exact name
type ContainerLister interface {
	ContainerExists(ctx context.Context, name string) (bool, error)
}

// Provisioner creates the persistent container environment of a backend
type Provisioner struct {
	runner    hostexec.Runner
	lister    ContainerLister
	engine    string
	modelsDir string
	timeout   time.Duration
}

// ProvisionerOption configures a Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionEngine sets the container engine binary
func WithProvisionEngine(engine string) ProvisionerOption {
	return func(p *Provisioner) {
		if engine != "" {
			p.engine = engine
		}
	}
}

// WithProvisionModelsDir sets the model directory mounted into environments
func WithProvisionModelsDir(dir string) ProvisionerOption {
	return func(p *Provisioner) {
		p.modelsDir = dir
	}
}

// WithProvisionTimeout sets the creation deadline
func WithProvisionTimeout(d time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.timeout = d
	}
}

// NewProvisioner creates a provisioner. lister may be nil, in which case
// an existing environment is only noticed through the engine's own error.
func NewProvisioner(runner hostexec.Runner, lister ContainerLister, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		runner:  runner,
		lister:  lister,
		engine:  "podman",
		timeout: defaultProvisionTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateArgs builds the engine arguments that create a backend's environment.
// modelsDir, when set, is mounted read-only at the same path so that model
// files resolve identically on the host and inside the environment.
func CreateArgs(b models.Backend, modelsDir string) []string {
	args := []string{"create", "--name", b.Name}
	args = append(args, FamilyFlags(b.Family)...)
	args = append(args, EnvFlags(b.Env)...)
	if modelsDir != "" {
		args = append(args, "-v", modelsDir+":"+modelsDir+":ro")
	}
	args = append(args, b.Image, "sleep", "infinity")
	return args
}

// Create creates the named environment for backend. It is never retried:
// an existing environment is reported with ErrEnvironmentExists.
func (p *Provisioner) Create(ctx context.Context, b models.Backend) error {
	if !b.IsContainer() {
		return fmt.Errorf("%w: %s", ErrNotProvisionable, b.Name)
	}

	ctx = logging.WithBackend(ctx, b.Name)

	if p.lister != nil {
		exists, err := p.lister.ContainerExists(ctx, b.Name)
		if err != nil {
			logging.Warn(ctx, "could not list existing environments", "error", err)
		} else if exists {
			return fmt.Errorf("%w: %s", ErrEnvironmentExists, b.Name)
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logging.Audit(ctx, "provision_environment", "image", b.Image, "family", string(b.Family))

	res, err := p.runner.Run(ctx, p.engine, CreateArgs(b, p.modelsDir)...)
	if err != nil {
		if res != nil && strings.Contains(res.Stderr, "already in use") {
			return fmt.Errorf("%w: %s", ErrEnvironmentExists, b.Name)
		}
		if errors.Is(err, hostexec.ErrTimeout) {
			return fmt.Errorf("%w: creating %s: %w", ErrExecution, b.Name, ErrTimeout)
		}
		return fmt.Errorf("%w: creating %s: %w%s", ErrExecution, b.Name, err, stderrTail(res))
	}

	logging.Info(ctx, "environment created", "container_id", strings.TrimSpace(res.Stdout))
	return nil
}
