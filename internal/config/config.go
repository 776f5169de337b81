// Package config loads flowpilotd's process configuration from the
// environment, grounded on the teacher's internal/config (AppConfig):
// same fail-fast log.Fatal-on-missing-required-value validation, adapted
// from a YAML file + web-app field set down to the handful of environment
// variables a single-host workflow daemon needs.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config is flowpilotd's full process configuration.
type Config struct {
	// Port is the REST/WS API's listen port.
	Port string
	// DatabaseDSN is the Postgres connection string the execution store
	// and schedule store use. Required.
	DatabaseDSN string
	// WorkflowsDir is scanned at startup for workflow documents to load
	// and register triggers for.
	WorkflowsDir string
	// LogLevel is a zerolog level name (debug/info/warn/error).
	LogLevel string
	// ShutdownTimeout bounds how long graceful shutdown waits for the HTTP
	// server to drain. It does not bound the wait for in-flight cron jobs,
	// and running executions are not awaited.
	ShutdownTimeout time.Duration
	// RetentionDays is read from FLOWPILOT_RETENTION_DAYS. Nothing in
	// flowpilotd passes it to ExecutionRepo.CleanupOld, so old executions
	// are not removed automatically.
	RetentionDays int
	// ChatAPIKey and ChatAPIBaseURL configure the chat-api node executor.
	ChatAPIKey     string
	ChatAPIBaseURL string
	// APIAuthSecret, when set, requires a valid HS256 bearer token on the
	// mutating control-API routes (workflow create/update/delete/run and
	// execution cancel). The read-only GET routes, /health* and the
	// per-webhook /api/hooks/ ingress (which has its own scheme) stay open.
	// Empty disables bearer auth entirely — spec.md §1 scopes control-API
	// authentication beyond webhooks as out of core scope, so this is an
	// optional hardening layer, not a required one.
	APIAuthSecret string
}

// Load reads configuration from the environment, applying the defaults
// the rest of flowpilot's ambient stack expects, and calls log.Fatal if a
// required value is missing — the same validate-then-Fatal shape the
// teacher's config.prepareConfig uses.
func Load() *Config {
	cfg := &Config{
		Port:            getEnv("FLOWPILOT_PORT", "8080"),
		DatabaseDSN:     getEnv("FLOWPILOT_DATABASE_DSN", ""),
		WorkflowsDir:    getEnv("FLOWPILOT_WORKFLOWS_DIR", "./workflows"),
		LogLevel:        getEnv("FLOWPILOT_LOG_LEVEL", "info"),
		ShutdownTimeout: getDuration("FLOWPILOT_SHUTDOWN_TIMEOUT", 10*time.Second),
		RetentionDays:   getInt("FLOWPILOT_RETENTION_DAYS", 30),
		ChatAPIKey:      getEnv("FLOWPILOT_CHAT_API_KEY", ""),
		ChatAPIBaseURL:  getEnv("FLOWPILOT_CHAT_API_BASE_URL", ""),
		APIAuthSecret:   getEnv("FLOWPILOT_API_AUTH_SECRET", ""),
	}

	if cfg.DatabaseDSN == "" {
		log.Fatal().Msg("FLOWPILOT_DATABASE_DSN is required")
	}

	return cfg
}

// SetupLogger configures the global zerolog logger per cfg.LogLevel,
// matching the teacher's logger.Setup(level)-before-anything-else idiom.
func SetupLogger(levelName string) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GetPortInt returns Port parsed as an int, 0 if it isn't numeric.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
