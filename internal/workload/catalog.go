// Package workload lists what can be benchmarked: models known to the remote
// service and GGUF model files on the benchmark host.
package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/pkg/models"
)

const defaultListTimeout = 10 * time.Second

// Split GGUF files are loaded through their first shard
var shardPattern = regexp.MustCompile(`-(\d{5})-of-\d{5}\.gguf$`)

// Available groups workloads by the kind of backend that can run them
type Available struct {
	Remote []models.Workload `json:"remote" yaml:"remote"`
	Files  []models.Workload `json:"files" yaml:"files"`
}

// Catalog discovers workloads
type Catalog struct {
	remoteURL  string
	httpClient *http.Client
	walker     hostexec.FileWalker
	modelsDir  string
	timeout    time.Duration
}

// Option configures a Catalog
type Option func(*Catalog)

// WithRemoteURL sets the remote service base URL; empty disables remote listing
func WithRemoteURL(url string) Option {
	return func(c *Catalog) {
		c.remoteURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) {
		c.httpClient = client
	}
}

// WithModelsDir sets the directory searched for model files
func WithModelsDir(walker hostexec.FileWalker, dir string) Option {
	return func(c *Catalog) {
		c.walker = walker
		c.modelsDir = dir
	}
}

// NewCatalog creates a workload catalog
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		httpClient: &http.Client{},
		timeout:    defaultListTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name" yaml:"name"`
		Size int64  `json:"size" yaml:"size"`
	} `json:"models" yaml:"models"`
}

// Remote lists the models the remote service has pulled
func (c *Catalog) Remote(ctx context.Context) ([]models.Workload, error) {
	if c.remoteURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d listing remote models", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]models.Workload, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == "" {
			continue
		}
		out = append(out, models.Workload{Name: m.Name, Size: m.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Files lists GGUF model files below the models directory. Multimodal
// projector files and non-first shards are skipped.
func (c *Catalog) Files(ctx context.Context) ([]models.Workload, error) {
	if c.walker == nil || c.modelsDir == "" {
		return nil, nil
	}

	files, err := c.walker.WalkFiles(ctx, c.modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list model files: %w", err)
	}

	var out []models.Workload
	for _, f := range files {
		if !IsModelFile(f.Path) {
			continue
		}
		out = append(out, models.Workload{
			Name: filepath.Base(f.Path),
			Path: f.Path,
			Size: f.Size,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// IsModelFile reports whether path is a loadable GGUF model file
func IsModelFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if !strings.HasSuffix(base, ".gguf") || strings.HasPrefix(base, ".") {
		return false
	}
	if strings.HasPrefix(base, "mmproj") {
		return false
	}
	if m := shardPattern.FindStringSubmatch(base); m != nil && m[1] != "00001" {
		return false
	}
	return true
}

// List returns both sources. A failing source is logged and left empty.
func (c *Catalog) List(ctx context.Context) Available {
	var avail Available

	remote, err := c.Remote(ctx)
	if err != nil {
		slog.Warn("failed to list remote models", slog.String("error", err.Error()))
	}
	avail.Remote = nonNil(remote)

	files, err := c.Files(ctx)
	if err != nil {
		slog.Warn("failed to list model files", slog.String("error", err.Error()))
	}
	avail.Files = nonNil(files)

	return avail
}

// Resolve maps user-supplied workload names to workloads for a backend.
// Container backends accept absolute paths or file names found in the
// models directory; the remote backend takes names as-is.
func (c *Catalog) Resolve(ctx context.Context, backend models.Backend, names []string) ([]models.Workload, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no workloads given")
	}

	if !backend.IsContainer() {
		out := make([]models.Workload, 0, len(names))
		for _, n := range names {
			out = append(out, models.Workload{Name: n})
		}
		return out, nil
	}

	var known []models.Workload
	out := make([]models.Workload, 0, len(names))
	for _, n := range names {
		if filepath.IsAbs(n) {
			out = append(out, models.Workload{Name: filepath.Base(n), Path: n})
			continue
		}

		if known == nil {
			files, err := c.Files(ctx)
			if err != nil {
				return nil, err
			}
			known = nonNil(files)
		}

		w, ok := findFile(known, n)
		if !ok {
			return nil, fmt.Errorf("model file %q not found in %s", n, c.modelsDir)
		}
		out = append(out, w)
	}
	return out, nil
}

func findFile(files []models.Workload, name string) (models.Workload, bool) {
	for _, f := range files {
		if f.Name == name || f.Path == name || strings.TrimSuffix(f.Name, ".gguf") == name {
			return f, true
		}
	}
	return models.Workload{}, false
}

func nonNil(w []models.Workload) []models.Workload {
	if w == nil {
		return []models.Workload{}
	}
	return w
}
