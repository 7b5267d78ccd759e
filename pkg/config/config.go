// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	// Host and Port for the HTTP/WebSocket listener.
	Host string
	Port int

	// DatabaseURL is a Postgres URL (from POSTGRES_DB). When empty the
	// server runs on an embedded SQLite database at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// AdminEmail and AdminPassword override the default bootstrap user.
	AdminEmail    string
	AdminPassword string

	// LLM adapter settings. Any OpenAI-compatible endpoint works.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// MaxIterations bounds tool-call iterations per run.
	MaxIterations int

	// Automation executor tuning.
	MaxConcurrentExecutions int
	MaxRetries              int
	RetryDelays             []time.Duration
	ConfirmationTTL         time.Duration

	// DebounceDefault applies to file-watch automations without an explicit
	// debounce_ms.
	DebounceDefault time.Duration

	// ShellPathTimeout bounds the login-shell PATH probe for MCP stdio
	// launches.
	ShellPathTimeout time.Duration
}

// Defaults mirrored from the design constants.
const (
	DefaultPort                    = 42110
	DefaultMaxIterations           = 25
	DefaultMaxConcurrentExecutions = 3
	DefaultMaxRetries              = 2
	DefaultConfirmationTTL         = 24 * time.Hour
	DefaultDebounce                = 500 * time.Millisecond
	DefaultShellPathTimeout        = 5 * time.Second
)

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	// Ignore missing .env; it is a development convenience.
	_ = godotenv.Load()

	cfg := &Config{
		Host:                    getEnv("PIPALI_HOST", "127.0.0.1"),
		Port:                    DefaultPort,
		DatabaseURL:             os.Getenv("POSTGRES_DB"),
		SQLitePath:              getEnv("PIPALI_DB_PATH", "pipali.db"),
		AdminEmail:              os.Getenv("KHOJ_ADMIN_EMAIL"),
		AdminPassword:           os.Getenv("KHOJ_ADMIN_PASSWORD"),
		LLMBaseURL:              getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:               os.Getenv("OPENAI_API_KEY"),
		LLMModel:                getEnv("PIPALI_MODEL", "gpt-4o-mini"),
		MaxIterations:           DefaultMaxIterations,
		MaxConcurrentExecutions: DefaultMaxConcurrentExecutions,
		MaxRetries:              DefaultMaxRetries,
		RetryDelays:             []time.Duration{15 * time.Second, 30 * time.Second},
		ConfirmationTTL:         DefaultConfirmationTTL,
		DebounceDefault:         DefaultDebounce,
		ShellPathTimeout:        DefaultShellPathTimeout,
	}

	if v := os.Getenv("PIPALI_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid PIPALI_PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("PIPALI_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid PIPALI_MAX_ITERATIONS %q", v)
		}
		cfg.MaxIterations = n
	}

	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
