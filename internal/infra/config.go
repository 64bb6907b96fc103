package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	GenAIAPIKey  string
	GenAIModel   string
	GenAIBaseURL string
	GenAIProject string
	BatchModel   string

	RequestedProvider string
	NoFallback        bool

	WorkerConcurrency int
	ItemTimeout       time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration

	HealthSelectionTTL time.Duration
	HealthProbeTTL     time.Duration

	GuardConfigPath string

	JobMaxBytes     int64
	ItemMaxBytes    int64
	MaxImagesPerJob int
	CompressRefs    bool
	SplitJobs       bool

	HTTPReadTimeout       time.Duration
	HTTPReadHeaderTimeout time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
	RateLimitPerMin       int
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. DATABASE_URL is optional: without it the service
// runs on the in-memory job table.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		GenAIAPIKey:  os.Getenv("GENAI_API_KEY"),
		GenAIModel:   getEnv("GENAI_MODEL", "imagen-4.0"),
		GenAIBaseURL: getEnv("GENAI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GenAIProject: os.Getenv("GENAI_PROJECT_ID"),
		BatchModel:   getEnv("BATCH_MODEL", "batch-renderer"),

		RequestedProvider: getEnv("IMAGE_PROVIDER", "primary"),
		NoFallback:        getEnvBool("NO_FALLBACK", false),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 3),
		ItemTimeout:       time.Second * time.Duration(getEnvInt("ITEM_TIMEOUT_SECONDS", 90)),
		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:    time.Millisecond * time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 500)),

		HealthSelectionTTL: time.Second * time.Duration(getEnvInt("HEALTH_SELECTION_TTL_SECONDS", 30)),
		HealthProbeTTL:     time.Second * time.Duration(getEnvInt("HEALTH_PROBE_TTL_SECONDS", 600)),

		GuardConfigPath: getEnv("GUARD_CONFIG_PATH", "./guard.json"),

		JobMaxBytes:     getEnvInt64("JOB_MAX_BYTES", 32<<20),
		ItemMaxBytes:    getEnvInt64("ITEM_MAX_BYTES", 8<<20),
		MaxImagesPerJob: getEnvInt("MAX_IMAGES_PER_JOB", 16),
		CompressRefs:    getEnvBool("COMPRESS_REFERENCES", true),
		SplitJobs:       getEnvBool("SPLIT_JOBS", true),

		HTTPReadTimeout:       time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPReadHeaderTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_HEADER_TIMEOUT_SECONDS", 5)),
		HTTPWriteTimeout:      time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:       time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:       getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.ItemMaxBytes > cfg.JobMaxBytes {
		return nil, fmt.Errorf("ITEM_MAX_BYTES (%d) must not exceed JOB_MAX_BYTES (%d)", cfg.ItemMaxBytes, cfg.JobMaxBytes)
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
