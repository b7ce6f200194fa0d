// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	Company         CompanyConfig
	Leads           LeadsConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// CompanyConfig is the branding shown in the chat.
type CompanyConfig struct {
	Name  string
	Blurb string
	// OpenAIKey is surfaced to the page only as a "configured" flag.
	OpenAIKey string
}

// LeadsConfig selects where completed leads are written.
type LeadsConfig struct {
	Backend string // "xlsx", "sqlite" or "both"
	Path    string
}

// RateLimitConfig controls input pacing.
type RateLimitConfig struct {
	MinInterval time.Duration
	// TouchOnReject refreshes a session's clock on rejected answers as well as
	// accepted ones.
	TouchOnReject     bool
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/leadfunnel.db"),
		Company: CompanyConfig{
			Name:      getEnv("COMPANY_NAME", "Imobiliária XYZ"),
			Blurb:     getEnv("COMPANY_BLURB", "A melhor escolha para sua casa nova!"),
			OpenAIKey: getEnv("OPENAI_API_KEY", ""),
		},
		Leads: LeadsConfig{
			Backend: strings.ToLower(strings.TrimSpace(getEnv("LEADS_BACKEND", "xlsx"))),
			Path:    getEnv("LEADS_PATH", "./data/imobiliaria_leads.xlsx"),
		},
		RateLimit: RateLimitConfig{
			MinInterval:       getEnvDuration("RATE_LIMIT_MIN_INTERVAL", time.Second),
			TouchOnReject:     getEnvBool("RATE_LIMIT_TOUCH_ON_REJECT", true),
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Leads.Backend {
	case "xlsx", "sqlite", "both":
	default:
		return fmt.Errorf("LEADS_BACKEND must be xlsx, sqlite or both, got %q", c.Leads.Backend)
	}
	if c.Leads.Backend != "sqlite" && c.Leads.Path == "" {
		return fmt.Errorf("LEADS_PATH cannot be empty")
	}
	if c.RateLimit.MinInterval <= 0 {
		return fmt.Errorf("RATE_LIMIT_MIN_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("2").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
