package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// Config holds server configuration from environment variables.
type Config struct {
	HTTPPort string
	GRPCPort string

	DBDriver string
	DBDSN    string

	// APIKey guards /api/v1. Empty disables authentication; main refuses
	// to start that way unless AllowInsecure is set.
	APIKey        string
	AllowInsecure bool

	DefaultMaxAttempts int

	WorkerAutostart bool
	WorkerInterval  time.Duration
	// WorkerTypes restricts which pipeline handlers this process serves.
	// Empty means all of them.
	WorkerTypes []string

	RetryPolicy *core.RetryPolicy

	SchedulerInterval time.Duration
	StaleThreshold    time.Duration

	StreamInterval time.Duration

	ReadTimeout time.Duration
	// WriteTimeout of zero keeps progress streams open indefinitely.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PythonBin string
	ScriptDir string
	AudioDir  string
	OutputDir string
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPPort: getEnv("CHATAK_HTTP_PORT", "8080"),
		GRPCPort: getEnv("CHATAK_GRPC_PORT", "9090"),

		DBDriver: getEnv("CHATAK_DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("CHATAK_DB_DSN", "chatak_jobs.db"),

		APIKey:        getEnv("CHATAK_API_KEY", ""),
		AllowInsecure: getEnvBool("CHATAK_INSECURE_NO_AUTH", false),

		DefaultMaxAttempts: getEnvInt("CHATAK_DEFAULT_MAX_ATTEMPTS", 3),

		WorkerAutostart: getEnvBool("CHATAK_WORKER_AUTOSTART", true),
		WorkerInterval:  getEnvMillis("CHATAK_WORKER_INTERVAL_MS", 1000),
		WorkerTypes:     getEnvList("CHATAK_WORKER_TYPES"),

		RetryPolicy: &core.RetryPolicy{
			MaxAttempts:        getEnvInt("CHATAK_DEFAULT_MAX_ATTEMPTS", 3),
			BackoffType:        getEnv("CHATAK_BACKOFF_TYPE", core.BackoffExponential),
			InitialInterval:    getEnv("CHATAK_BACKOFF_INITIAL", "PT2S"),
			BackoffCoefficient: getEnvFloat("CHATAK_BACKOFF_COEFFICIENT", 2.0),
			MaxInterval:        getEnv("CHATAK_BACKOFF_MAX", "PT5M"),
			Jitter:             getEnvBool("CHATAK_BACKOFF_JITTER", false),
		},

		SchedulerInterval: getEnvMillis("CHATAK_SCHEDULER_INTERVAL_MS", 30000),
		StaleThreshold:    getEnvMillis("CHATAK_STALE_THRESHOLD_MS", 300000),

		StreamInterval: getEnvMillis("CHATAK_STREAM_INTERVAL_MS", 2000),

		ReadTimeout:     getEnvMillis("CHATAK_READ_TIMEOUT_MS", 15000),
		WriteTimeout:    getEnvMillis("CHATAK_WRITE_TIMEOUT_MS", 0),
		IdleTimeout:     getEnvMillis("CHATAK_IDLE_TIMEOUT_MS", 60000),
		ShutdownTimeout: getEnvMillis("CHATAK_SHUTDOWN_TIMEOUT_MS", 10000),

		PythonBin: getEnv("CHATAK_PYTHON_BIN", "python3"),
		ScriptDir: getEnv("CHATAK_SCRIPT_DIR", "scripts"),
		AudioDir:  getEnv("CHATAK_AUDIO_DIR", "data/audio"),
		OutputDir: getEnv("CHATAK_OUTPUT_DIR", "data/output"),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Millisecond
}

func getEnvList(key string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
