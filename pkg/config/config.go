package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DefaultAPIKey is the well-known development key. Production deployments
// must set SERVICE_API_KEY.
const DefaultAPIKey = "ThisIsARandomAuthKey...ChangeMe!"

const (
	defaultAPIHost        = "http://localhost:5003"
	defaultRequestTimeout = 180 * time.Second
	defaultTaskTimeout    = 30 * time.Second
	defaultFileTimeout    = 180 * time.Second
	defaultRuntimePrefix  = "service"
)

// Config holds the environment-derived runtime configuration
type Config struct {
	APIHost     string
	APIKey      string
	ContainerID string

	DefaultRequestTimeout time.Duration
	TaskRequestTimeout    time.Duration
	FileRequestTimeout    time.Duration

	// TaskLimit forces a clean stop after N completed tasks so the
	// orchestration environment can recycle the container. 0 = no limit.
	TaskLimit int

	RuntimePrefix string
	RuntimeDir    string
	TaskingDir    string

	ContainerMode bool
	RegisterOnly  bool

	MetricsAddr string
	RootCAPath  string

	LogLevel string
	LogJSON  bool
}

// Load builds a Config from the process environment. A .env file in the
// working directory is applied first if present.
func Load() *Config {
	_ = godotenv.Load()

	containerID := os.Getenv("HOSTNAME")
	if containerID == "" {
		containerID = "dev-" + uuid.NewString()[:8]
	}

	return &Config{
		APIHost:     envString("SERVICE_API_HOST", defaultAPIHost),
		APIKey:      envString("SERVICE_API_KEY", DefaultAPIKey),
		ContainerID: envString("CONTAINER_ID", containerID),

		DefaultRequestTimeout: envSeconds("SERVICE_CLIENT_DEFAULT_REQUEST_TIMEOUT", defaultRequestTimeout),
		TaskRequestTimeout:    envSeconds("TASK_REQUEST_TIMEOUT", defaultTaskTimeout),
		FileRequestTimeout:    envSeconds("FILE_REQUEST_TIMEOUT", defaultFileTimeout),

		TaskLimit: envInt("SERVICE_TASK_LIMIT", 0),

		RuntimePrefix: envString("RUNTIME_PREFIX", defaultRuntimePrefix),
		RuntimeDir:    envString("RUNTIME_DIR", os.TempDir()),
		TaskingDir:    envString("TASKING_DIR", os.TempDir()),

		ContainerMode: envBool("CONTAINER_MODE", false),
		RegisterOnly:  envBool("REGISTER_ONLY", false),

		MetricsAddr: envString("METRICS_ADDR", ""),
		RootCAPath:  envString("SERVICE_SERVER_ROOT_CA_PATH", "/etc/ssl/service_root-ca.crt"),

		LogLevel: envString("LOG_LEVEL", "info"),
		LogJSON:  envBool("LOG_JSON", false),
	}
}

// ManifestPath returns the path of the manifest file shared with the worker
func (c *Config) ManifestPath() string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("%s_manifest.yml", c.RuntimePrefix))
}

// TaskFifoPath returns the path of the outbound (task) fifo
func (c *Config) TaskFifoPath() string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("%s_task.fifo", c.RuntimePrefix))
}

// DoneFifoPath returns the path of the inbound (done) fifo
func (c *Config) DoneFifoPath() string {
	return filepath.Join(c.RuntimeDir, fmt.Sprintf("%s_done.fifo", c.RuntimePrefix))
}

// UsingDefaultKey reports whether the API key was left at the development
// default
func (c *Config) UsingDefaultKey() bool {
	return c.APIKey == DefaultAPIKey
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
