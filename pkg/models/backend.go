package models

// Family is the accelerator stack a backend targets
type Family string

const (
	// FamilyROCm backends need the compute device, the render nodes and
	// elevated group membership inside the container.
	FamilyROCm Family = "rocm"
	// FamilyVulkan backends only need the render nodes.
	FamilyVulkan Family = "vulkan"
	// FamilyRemote is the HTTP inference service; it has no container image.
	FamilyRemote Family = "remote"
)

// Valid reports whether f is a known family
func (f Family) Valid() bool {
	switch f {
	case FamilyROCm, FamilyVulkan, FamilyRemote:
		return true
	default:
		return false
	}
}

// Backend describes an invocable execution target.
// Installed is host-local state: it is refreshed by detection and never stored.
type Backend struct {
	Name      string            `json:"name" yaml:"name"`
	Family    Family            `json:"family" yaml:"family"`
	Version   string            `json:"version" yaml:"version"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"` // Container image reference, empty for the remote backend
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`     // Engine environment variables
	Installed bool              `json:"installed" yaml:"installed"`
}

// IsContainer returns true if the backend runs inside a container image
func (b Backend) IsContainer() bool {
	return b.Family != FamilyRemote && b.Image != ""
}

// Workload is a unit of benchmarking work: a model name for the remote
// backend or a model file path for container backends.
type Workload struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Size int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
}

// Identifier returns the value handed to the execution adapter
func (w Workload) Identifier() string {
	if w.Path != "" {
		return w.Path
	}
	return w.Name
}

// RunOptions tunes a single measurement run
type RunOptions struct {
	FlashAttention bool `json:"flash_attention" yaml:"flash_attention"`
	ContextSize    int  `json:"ctx_size,omitempty" yaml:"ctx_size,omitempty"`
}
