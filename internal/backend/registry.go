// Package backend holds the catalog of execution backends.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/accelbench/accelbench/pkg/models"
)

// ErrUnknownBackend is returned by Lookup for names not in the catalog
var ErrUnknownBackend = errors.New("unknown backend")

// RemoteName is the catalog name of the HTTP inference service backend
const RemoteName = "ollama"

const imageRepo = "docker.io/kyuz0/amd-strix-halo-toolboxes"

// DefaultCatalog returns the compiled-in backends
func DefaultCatalog() []models.Backend {
	return []models.Backend{
		{
			Name:    RemoteName,
			Family:  models.FamilyRemote,
			Version: "latest",
		},
		{
			Name:    "llama-rocm-6.4.4",
			Family:  models.FamilyROCm,
			Version: "6.4.4",
			Image:   imageRepo + ":rocm-6.4.4",
			Env:     map[string]string{"ROCBLAS_USE_HIPBLASLT": "1"},
		},
		{
			Name:    "llama-rocm-7.1",
			Family:  models.FamilyROCm,
			Version: "7.1",
			Image:   imageRepo + ":rocm-7.1",
			Env:     map[string]string{"ROCBLAS_USE_HIPBLASLT": "1"},
		},
		{
			Name:    "llama-vulkan-radv",
			Family:  models.FamilyVulkan,
			Version: "radv",
			Image:   imageRepo + ":vulkan-radv",
			Env:     map[string]string{"AMD_VULKAN_ICD": "RADV"},
		},
		{
			Name:    "llama-vulkan-amdvlk",
			Family:  models.FamilyVulkan,
			Version: "amdvlk",
			Image:   imageRepo + ":vulkan-amdvlk",
			Env:     map[string]string{"AMD_VULKAN_ICD": "AMDVLK"},
		},
	}
}

// InstallDetector refreshes the Installed flag of catalog entries
type InstallDetector interface {
	ListInstalledBackends(ctx context.Context, catalog []models.Backend) []models.Backend
}

// Registry is a read-only catalog. Every accessor returns copies, so callers
// can never mutate the catalog.
type Registry struct {
	backends []models.Backend
	detector InstallDetector
}

// NewRegistry creates a registry over catalog. detector may be nil, in which
// case every backend reports Installed=false.
func NewRegistry(catalog []models.Backend, detector InstallDetector) (*Registry, error) {
	seen := make(map[string]bool, len(catalog))
	for _, b := range catalog {
		if b.Name == "" {
			return nil, fmt.Errorf("backend name cannot be empty")
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}
		if !b.Family.Valid() {
			return nil, fmt.Errorf("backend %q has invalid family %q", b.Name, b.Family)
		}
		if b.Family != models.FamilyRemote && b.Image == "" {
			return nil, fmt.Errorf("backend %q has no container image", b.Name)
		}
		seen[b.Name] = true
	}

	r := &Registry{detector: detector}
	for _, b := range catalog {
		c := clone(b)
		c.Installed = false
		r.backends = append(r.backends, c)
	}
	return r, nil
}

// All returns every backend in catalog order
func (r *Registry) All() []models.Backend {
	out := make([]models.Backend, len(r.backends))
	for i, b := range r.backends {
		out[i] = clone(b)
	}
	return out
}

// Lookup finds a backend by name
func (r *Registry) Lookup(name string) (models.Backend, error) {
	for _, b := range r.backends {
		if b.Name == name {
			return clone(b), nil
		}
	}
	return models.Backend{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}

// ByFamily returns the backends of one family
func (r *Registry) ByFamily(f models.Family) []models.Backend {
	var out []models.Backend
	for _, b := range r.backends {
		if b.Family == f {
			out = append(out, clone(b))
		}
	}
	return out
}

// Containers returns the backends that run from a container image
func (r *Registry) Containers() []models.Backend {
	var out []models.Backend
	for _, b := range r.backends {
		if b.IsContainer() {
			out = append(out, clone(b))
		}
	}
	return out
}

// Names returns the backend names in catalog order
func (r *Registry) Names() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name
	}
	return names
}

// WithInstalled returns every backend with Installed re-derived from the host
func (r *Registry) WithInstalled(ctx context.Context) []models.Backend {
	if r.detector == nil {
		return r.All()
	}
	return r.detector.ListInstalledBackends(ctx, r.All())
}

func clone(b models.Backend) models.Backend {
	if b.Env != nil {
		env := make(map[string]string, len(b.Env))
		for k, v := range b.Env {
			env[k] = v
		}
		b.Env = env
	}
	return b
}
