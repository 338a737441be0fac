package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
)

// Config holds settings shared by every subcommand. Values come from the
// environment (optionally a .env file) and are overridden by flags.
type Config struct {
	OutputDir    string
	LogLevel     string
	Pretty       bool
	RedisAddr    string
	CacheBackend string
	Workers      int
	RateDelay    time.Duration
	Timeout      time.Duration
	MetricsFile  string
	UserAgent    string
}

// loadConfig reads .env when present and returns env-derived defaults.
func loadConfig() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment")
	}

	return Config{
		OutputDir:    getEnv("STATVAR_OUTPUT_DIR", "output"),
		LogLevel:     getEnv("STATVAR_LOG_LEVEL", "info"),
		Pretty:       getEnvBool("STATVAR_LOG_PRETTY", false),
		RedisAddr:    getEnv("STATVAR_REDIS_ADDR", ""),
		CacheBackend: getEnv("STATVAR_CACHE_BACKEND", backendFile),
		Workers:      getEnvInt("STATVAR_WORKERS", 0),
		RateDelay:    getEnvDuration("STATVAR_RATE_DELAY", ratelimit.DefaultDelay),
		Timeout:      getEnvDuration("STATVAR_HTTP_TIMEOUT", 0),
		MetricsFile:  getEnv("STATVAR_METRICS_FILE", ""),
		UserAgent:    getEnv("STATVAR_USER_AGENT", "statvar-ingest/0.1.0"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration, using default")
	}
	return defaultValue
}
