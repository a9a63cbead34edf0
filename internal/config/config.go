package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the reference backend.
type Config struct {
	Port             string
	Env              string
	DatabaseURL      string
	SQLitePath       string // used when DatabaseURL is empty
	RedisURL         string
	MessageRetention time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting

	// Push
	PushOrigins []string // websocket origin patterns; empty allows same-origin only
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/livechat.db"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		MessageRetention: getEnvDuration("MESSAGE_RETENTION", 30*24*time.Hour),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	cfg.PushOrigins = splitList(os.Getenv("PUSH_ORIGINS"))

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// AnomalySink selects where the console reports discarded events.
type AnomalySink string

const (
	AnomalySinkLog     AnomalySink = "log"
	AnomalySinkMetrics AnomalySink = "metrics"
	AnomalySinkBoth    AnomalySink = "both"
)

// ConsoleConfig holds configuration for the operator console.
type ConsoleConfig struct {
	Env            string
	ServerURL      string
	PushURL        string
	Operator       string
	Locale         string
	MatchWindow    time.Duration // temp-id to server-id matching tolerance
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	QueueSize      int
	HistoryRetries int
	AnomalySink    AnomalySink
}

// LoadConsole reads console configuration from environment variables.
func LoadConsole() (*ConsoleConfig, error) {
	_ = godotenv.Load()

	cfg := &ConsoleConfig{
		Env:            getEnv("ENV", "development"),
		ServerURL:      strings.TrimRight(getEnv("LIVECHAT_URL", "http://localhost:8080"), "/"),
		PushURL:        os.Getenv("LIVECHAT_PUSH_URL"),
		Operator:       os.Getenv("LIVECHAT_OPERATOR"),
		Locale:         getEnv("LIVECHAT_LOCALE", "en"),
		MatchWindow:    getEnvDuration("LIVECHAT_MATCH_WINDOW", 5*time.Second),
		ReconnectMin:   getEnvDuration("LIVECHAT_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:   getEnvDuration("LIVECHAT_RECONNECT_MAX", 30*time.Second),
		QueueSize:      getEnvInt("LIVECHAT_QUEUE_SIZE", 64),
		HistoryRetries: getEnvInt("LIVECHAT_HISTORY_RETRIES", 3),
		AnomalySink:    AnomalySink(strings.ToLower(getEnv("LIVECHAT_ANOMALY_SINK", string(AnomalySinkBoth)))),
	}

	if cfg.PushURL == "" {
		push, err := derivePushURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.PushURL = push
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all console settings are usable.
func (c *ConsoleConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("LIVECHAT_URL cannot be empty")
	}
	if c.MatchWindow <= 0 {
		return fmt.Errorf("LIVECHAT_MATCH_WINDOW must be > 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("LIVECHAT_RECONNECT_MAX must be >= LIVECHAT_RECONNECT_MIN > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("LIVECHAT_QUEUE_SIZE must be > 0")
	}
	if c.HistoryRetries < 1 {
		return fmt.Errorf("LIVECHAT_HISTORY_RETRIES must be >= 1")
	}
	switch c.AnomalySink {
	case AnomalySinkLog, AnomalySinkMetrics, AnomalySinkBoth:
	default:
		return fmt.Errorf("LIVECHAT_ANOMALY_SINK must be log, metrics or both")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *ConsoleConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// derivePushURL maps http(s)://host/base to ws(s)://host/base/ws.
func derivePushURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported LIVECHAT_URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
