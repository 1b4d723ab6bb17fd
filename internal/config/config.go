package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	// RedisURL empty selects the in-process quota counter.
	RedisURL    string
	JWTSecret   string
	ServerPort  string
	LogLevel    string

	// CredentialSecret keys the encryption of upstream credentials. The
	// previous secret stays readable while credentials are re-saved.
	CredentialSecret         string
	CredentialSecretPrevious string

	// QuotaFailOpen admits requests when the counter store is unreachable.
	QuotaFailOpen            bool
	DefaultRequestsPerMinute int

	SafetyPolicy       string
	SafetyMatchTimeout time.Duration

	EvalWorkers   int
	EvalQueueSize int
	HistoryLimit  int

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		CredentialSecret:         getEnv("CREDENTIAL_SECRET", ""),
		CredentialSecretPrevious: getEnv("CREDENTIAL_SECRET_PREVIOUS", ""),

		QuotaFailOpen:            getEnvBool("QUOTA_FAIL_OPEN", true),
		DefaultRequestsPerMinute: getEnvInt("DEFAULT_REQUESTS_PER_MINUTE", 10),

		SafetyPolicy:       strings.ToLower(getEnv("SAFETY_POLICY", "block")),
		SafetyMatchTimeout: getEnvDuration("SAFETY_MATCH_TIMEOUT", 50*time.Millisecond),

		EvalWorkers:   getEnvInt("EVAL_WORKERS", 2),
		EvalQueueSize: getEnvInt("EVAL_QUEUE_SIZE", 256),
		HistoryLimit:  getEnvInt("HISTORY_LIMIT", 10),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if len(c.CredentialSecret) < 16 {
		return fmt.Errorf("CREDENTIAL_SECRET must be at least 16 characters")
	}
	switch c.SafetyPolicy {
	case "block", "log":
	default:
		return fmt.Errorf("SAFETY_POLICY must be block or log, got %q", c.SafetyPolicy)
	}
	if c.DefaultRequestsPerMinute <= 0 {
		return fmt.Errorf("DEFAULT_REQUESTS_PER_MINUTE must be positive")
	}
	if c.EvalWorkers <= 0 {
		c.EvalWorkers = 1
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
