// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// LLM provider
	LLMBaseURL      string
	LLMAPIKey       string
	LLMTimeout      time.Duration
	DefaultProvider string
	DefaultModel    string

	// Cost controls
	MaxCostPerRun     float64
	MaxCostPerSession float64
	PricingMode       string
	PricingFile       string

	// Scheduling
	ConcurrencyLimit int
	TaskMaxRetries   int

	// Memory
	MemoryCompactThreshold int
	MemoryTokenBudget      int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:               getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:            getEnv("DATABASE_URL", "file:loom.db?cache=shared&mode=rwc"),
		LLMBaseURL:             getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:              getEnv("LLM_API_KEY", ""),
		LLMTimeout:             time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		DefaultProvider:        getEnv("DEFAULT_PROVIDER", "openai"),
		DefaultModel:           getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		MaxCostPerRun:          getEnvFloat("MAX_COST_PER_RUN", 0),
		MaxCostPerSession:      getEnvFloat("MAX_COST_PER_SESSION", 0),
		PricingMode:            getEnv("PRICING_MODE", "warn"),
		PricingFile:            getEnv("PRICING_FILE", ""),
		ConcurrencyLimit:       getEnvInt("CONCURRENCY_LIMIT", 4),
		TaskMaxRetries:         getEnvInt("TASK_MAX_RETRIES", 2),
		MemoryCompactThreshold: getEnvInt("MEMORY_COMPACT_THRESHOLD", 50),
		MemoryTokenBudget:      getEnvInt("MEMORY_TOKEN_BUDGET", 2000),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
