package worker

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterd/internal/config"
	"github.com/thebtf/clusterd/internal/embedding"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.WorkerHost = "127.0.0.1"
	cfg.WorkerPort = 0
	cfg.StoreDriver = config.StoreDriverMemory
	cfg.EmbeddingProvider = embedding.HashModelVersion
	cfg.EmbeddingDimensions = 32
	return cfg
}

func TestService_AsyncInitAndRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))

	svc := NewService("test-version", memoryConfig(), path)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})

	require.Eventually(t, svc.ready.Load, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.GetInitError())

	rr := do(t, svc, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		svc.initMu.RLock()
		defer svc.initMu.RUnlock()
		return svc.configWatcher != nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"similarity_threshold": 0.9}`), 0600))

	select {
	case <-svc.Restart():
	case <-time.After(5 * time.Second):
		t.Fatal("settings change did not request a restart")
	}
}

func TestService_InitFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.EmbeddingProvider = "no-such-provider"

	svc := NewService("test-version", cfg, "")
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	require.Eventually(t, func() bool { return svc.GetInitError() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, svc.ready.Load())

	rr := do(t, svc, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "error", decode[map[string]any](t, do(t, svc, http.MethodGet, "/health", nil))["status"])
}

func TestService_StartShutdown(t *testing.T) {
	cfg := memoryConfig()
	comp, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	svc := NewServiceWithComponents("test-version", cfg, comp)
	require.NoError(t, svc.Start())

	resp, err := http.Get("http://" + svc.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, svc.Shutdown(ctx))
}

func TestBuild_RejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"

	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestBuild_InvalidEmbeddingDimensions(t *testing.T) {
	cfg := memoryConfig()
	cfg.EmbeddingDimensions = 0

	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}
