package workload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/accelbench/internal/hostexec"
	"github.com/accelbench/accelbench/pkg/models"
)

var vulkan = models.Backend{Name: "llama-vulkan-radv", Family: models.FamilyVulkan, Image: "img"}

func fileRunner() *hostexec.MockRunner {
	r := hostexec.NewMockRunner()
	r.SetFiles("/models", []hostexec.FileInfo{
		{Path: "/models/qwen3/qwen3-8b-q4_k_m.gguf", Size: 5_000_000_000},
		{Path: "/models/qwen3/mmproj-qwen3-f16.gguf", Size: 800_000_000},
		{Path: "/models/gpt-oss/gpt-oss-120b-00001-of-00003.gguf", Size: 40_000_000_000},
		{Path: "/models/gpt-oss/gpt-oss-120b-00002-of-00003.gguf", Size: 40_000_000_000},
		{Path: "/models/README.md", Size: 100},
	})
	return r
}

func TestCatalog_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"qwen3:8b","size":5200000000},{"name":"llama3.2:3b","size":2000000000},{"name":""}]}`))
	}))
	defer server.Close()

	got, err := NewCatalog(WithRemoteURL(server.URL)).Remote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Workload{
		{Name: "llama3.2:3b", Size: 2000000000},
		{Name: "qwen3:8b", Size: 5200000000},
	}, got)
}

func TestCatalog_RemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewCatalog(WithRemoteURL(server.URL)).Remote(context.Background())
	assert.Error(t, err)
}

func TestCatalog_Files(t *testing.T) {
	got, err := NewCatalog(WithModelsDir(fileRunner(), "/models")).Files(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "/models/gpt-oss/gpt-oss-120b-00001-of-00003.gguf", got[0].Path)
	assert.Equal(t, "qwen3-8b-q4_k_m.gguf", got[1].Name)
	assert.Equal(t, int64(5_000_000_000), got[1].Size)
}

func TestCatalog_ListIsolatesFailures(t *testing.T) {
	c := NewCatalog(
		WithRemoteURL("http://127.0.0.1:1"),
		WithModelsDir(hostexec.NewMockRunner(), "/missing"),
	)

	avail := c.List(context.Background())
	assert.NotNil(t, avail.Remote)
	assert.NotNil(t, avail.Files)
	assert.Empty(t, avail.Remote)
	assert.Empty(t, avail.Files)
}

func TestIsModelFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/m/a.gguf", true},
		{"/m/A.GGUF", true},
		{"/m/a.bin", false},
		{"/m/.a.gguf", false},
		{"/m/mmproj-model-f16.gguf", false},
		{"/m/big-00001-of-00002.gguf", true},
		{"/m/big-00002-of-00002.gguf", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsModelFile(tt.path))
		})
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c := NewCatalog(WithModelsDir(fileRunner(), "/models"))
	ctx := context.Background()

	t.Run("remote names pass through", func(t *testing.T) {
		got, err := c.Resolve(ctx, models.Backend{Name: "ollama", Family: models.FamilyRemote}, []string{"qwen3:8b"})
		require.NoError(t, err)
		assert.Equal(t, []models.Workload{{Name: "qwen3:8b"}}, got)
	})

	t.Run("file name and stem", func(t *testing.T) {
		got, err := c.Resolve(ctx, vulkan, []string{"qwen3-8b-q4_k_m.gguf", "gpt-oss-120b-00001-of-00003"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "/models/qwen3/qwen3-8b-q4_k_m.gguf", got[0].Path)
		assert.Equal(t, "/models/gpt-oss/gpt-oss-120b-00001-of-00003.gguf", got[1].Path)
	})

	t.Run("absolute path", func(t *testing.T) {
		got, err := c.Resolve(ctx, vulkan, []string{"/elsewhere/tiny.gguf"})
		require.NoError(t, err)
		assert.Equal(t, []models.Workload{{Name: "tiny.gguf", Path: "/elsewhere/tiny.gguf"}}, got)
	})

	t.Run("unknown file", func(t *testing.T) {
		_, err := c.Resolve(ctx, vulkan, []string{"nope.gguf"})
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := c.Resolve(ctx, vulkan, nil)
		assert.Error(t, err)
	})
}
