package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOSTNAME", "test-host")

	cfg := Load()

	assert.Equal(t, "http://localhost:5003", cfg.APIHost)
	assert.Equal(t, DefaultAPIKey, cfg.APIKey)
	assert.Equal(t, "test-host", cfg.ContainerID)
	assert.Equal(t, 180*time.Second, cfg.DefaultRequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.TaskRequestTimeout)
	assert.Equal(t, 180*time.Second, cfg.FileRequestTimeout)
	assert.Equal(t, 0, cfg.TaskLimit)
	assert.False(t, cfg.ContainerMode)
	assert.False(t, cfg.RegisterOnly)
	assert.True(t, cfg.UsingDefaultKey())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVICE_API_HOST", "https://tasking.internal:443")
	t.Setenv("SERVICE_API_KEY", "secret")
	t.Setenv("TASK_REQUEST_TIMEOUT", "10")
	t.Setenv("FILE_REQUEST_TIMEOUT", "60")
	t.Setenv("SERVICE_TASK_LIMIT", "25")
	t.Setenv("CONTAINER_MODE", "true")
	t.Setenv("REGISTER_ONLY", "1")

	cfg := Load()

	assert.Equal(t, "https://tasking.internal:443", cfg.APIHost)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.False(t, cfg.UsingDefaultKey())
	assert.Equal(t, 10*time.Second, cfg.TaskRequestTimeout)
	assert.Equal(t, 60*time.Second, cfg.FileRequestTimeout)
	assert.Equal(t, 25, cfg.TaskLimit)
	assert.True(t, cfg.ContainerMode)
	assert.True(t, cfg.RegisterOnly)
}

func TestRuntimePaths(t *testing.T) {
	t.Setenv("RUNTIME_PREFIX", "myservice")
	t.Setenv("RUNTIME_DIR", "/run/courier")

	cfg := Load()

	assert.Equal(t, filepath.Join("/run/courier", "myservice_manifest.yml"), cfg.ManifestPath())
	assert.Equal(t, filepath.Join("/run/courier", "myservice_task.fifo"), cfg.TaskFifoPath())
	assert.Equal(t, filepath.Join("/run/courier", "myservice_done.fifo"), cfg.DoneFifoPath())
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("TASK_REQUEST_TIMEOUT", "not-a-number")
	t.Setenv("SERVICE_TASK_LIMIT", "-")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.TaskRequestTimeout)
	assert.Equal(t, 0, cfg.TaskLimit)
}
