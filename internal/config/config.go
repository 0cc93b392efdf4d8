// Package config loads runtime configuration from the environment and
// validates it before anything else starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marketforge/candlevault/internal/models"
)

// Config is the full runtime configuration. Every field maps to one
// environment variable; flags may override after Load.
type Config struct {
	// Upstream credentials and endpoints.
	UpstreamAPIKey  string
	UpstreamBaseURL string
	FallbackBaseURL string

	// Postgres.
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// HTTP API.
	APIHost    string
	APIPort    int
	APIWorkers int

	LogLevel string

	// Scheduling.
	BackfillInterval       string // "daily" or "hourly"
	BackfillScheduleHour   int    // honoured in daily mode only
	BackfillScheduleMinute int
	MaxConcurrentSymbols   int
	ParallelBackfill       bool
	BackfillLookbackDays   int // initial window for pairs with no history

	// Upstream pacing.
	PrimaryRateLimitRPS  float64
	FallbackRateLimitRPS float64
	UpstreamTimeout      time.Duration

	// Query cache.
	QueryCacheMaxSize int
	QueryCacheTTL     time.Duration
	RedisAddr         string

	// Alerting.
	AlertEmailEnabled bool
	AlertEmailTo      string
	AlertSMTPHost     string
	AlertSMTPPort     int
	AlertSMTPUser     string
	AlertSMTPPassword string
	AlertFromEmail    string

	// Symbol universe.
	AllowedTimeframes []models.Timeframe
	SymbolsFile       string
}

// Load reads configuration from the environment, applying defaults for
// everything optional. It does not validate; call Validate after any flag
// overrides have been applied.
func Load() (*Config, error) {
	cfg := &Config{
		UpstreamAPIKey:    os.Getenv("UPSTREAM_API_KEY"),
		UpstreamBaseURL:   envStr("UPSTREAM_BASE_URL", "https://api.polygon.io"),
		FallbackBaseURL:   envStr("FALLBACK_BASE_URL", "https://query1.finance.yahoo.com"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIHost:           envStr("API_HOST", "0.0.0.0"),
		LogLevel:          envStr("LOG_LEVEL", "INFO"),
		BackfillInterval:  envStr("BACKFILL_INTERVAL", "daily"),
		SymbolsFile:       envStr("SYMBOLS_FILE", ""),
		RedisAddr:         envStr("REDIS_ADDR", ""),
		AlertEmailTo:      os.Getenv("ALERT_EMAIL_TO"),
		AlertSMTPHost:     os.Getenv("ALERT_SMTP_HOST"),
		AlertSMTPUser:     os.Getenv("ALERT_SMTP_USER"),
		AlertSMTPPassword: os.Getenv("ALERT_SMTP_PASSWORD"),
		AlertFromEmail:    os.Getenv("ALERT_FROM_EMAIL"),
	}

	var err error
	if cfg.APIPort, err = envInt("API_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.APIWorkers, err = envInt("API_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 20); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.BackfillScheduleHour, err = envInt("BACKFILL_SCHEDULE_HOUR", 2); err != nil {
		return nil, err
	}
	if cfg.BackfillScheduleMinute, err = envInt("BACKFILL_SCHEDULE_MINUTE", 0); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentSymbols, err = envInt("MAX_CONCURRENT_SYMBOLS", 3); err != nil {
		return nil, err
	}
	if cfg.ParallelBackfill, err = envBool("PARALLEL_BACKFILL", true); err != nil {
		return nil, err
	}
	if cfg.BackfillLookbackDays, err = envInt("BACKFILL_LOOKBACK_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.QueryCacheMaxSize, err = envInt("QUERY_CACHE_MAX_SIZE", 1000); err != nil {
		return nil, err
	}
	ttlSec, err := envInt("QUERY_CACHE_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.QueryCacheTTL = time.Duration(ttlSec) * time.Second
	if cfg.PrimaryRateLimitRPS, err = envFloat("PRIMARY_RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.FallbackRateLimitRPS, err = envFloat("FALLBACK_RATE_LIMIT_RPS", 2); err != nil {
		return nil, err
	}
	timeoutSec, err := envInt("UPSTREAM_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.UpstreamTimeout = time.Duration(timeoutSec) * time.Second
	if cfg.AlertEmailEnabled, err = envBool("ALERT_EMAIL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.AlertSMTPPort, err = envInt("ALERT_SMTP_PORT", 587); err != nil {
		return nil, err
	}

	cfg.AllowedTimeframes, err = parseTimeframes(os.Getenv("ALLOWED_TIMEFRAMES"))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges, returning an error
// naming the first offending option.
func (c *Config) Validate() error {
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.APIWorkers < 1 {
		return fmt.Errorf("API_WORKERS must be >= 1, got %d", c.APIWorkers)
	}
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL %q not recognised", c.LogLevel)
	}
	switch c.BackfillInterval {
	case "daily", "hourly":
	default:
		return fmt.Errorf("BACKFILL_INTERVAL must be daily or hourly, got %q", c.BackfillInterval)
	}
	if c.BackfillScheduleHour < 0 || c.BackfillScheduleHour > 23 {
		return fmt.Errorf("BACKFILL_SCHEDULE_HOUR %d out of range", c.BackfillScheduleHour)
	}
	if c.BackfillScheduleMinute < 0 || c.BackfillScheduleMinute > 59 {
		return fmt.Errorf("BACKFILL_SCHEDULE_MINUTE %d out of range", c.BackfillScheduleMinute)
	}
	if c.MaxConcurrentSymbols < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SYMBOLS must be >= 1, got %d", c.MaxConcurrentSymbols)
	}
	if c.BackfillLookbackDays < 1 {
		return fmt.Errorf("BACKFILL_LOOKBACK_DAYS must be >= 1, got %d", c.BackfillLookbackDays)
	}
	if c.QueryCacheMaxSize < 1 {
		return fmt.Errorf("QUERY_CACHE_MAX_SIZE must be >= 1, got %d", c.QueryCacheMaxSize)
	}
	if c.PrimaryRateLimitRPS <= 0 || c.FallbackRateLimitRPS <= 0 {
		return fmt.Errorf("rate limit RPS values must be positive")
	}
	if c.AlertEmailEnabled {
		if c.AlertSMTPHost == "" || c.AlertEmailTo == "" || c.AlertFromEmail == "" {
			return fmt.Errorf("ALERT_EMAIL_ENABLED requires ALERT_SMTP_HOST, ALERT_EMAIL_TO, and ALERT_FROM_EMAIL")
		}
	}
	return nil
}

// TimeframeAllowed reports whether tf passed the ALLOWED_TIMEFRAMES filter.
// An empty filter allows every recognised timeframe.
func (c *Config) TimeframeAllowed(tf models.Timeframe) bool {
	if len(c.AllowedTimeframes) == 0 {
		return tf.Valid()
	}
	for _, allowed := range c.AllowedTimeframes {
		if tf == allowed {
			return true
		}
	}
	return false
}

// ListenAddr returns the host:port the API binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func parseTimeframes(raw string) ([]models.Timeframe, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]models.Timeframe, 0, len(parts))
	for _, p := range parts {
		tf, err := models.ParseTimeframe(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_TIMEFRAMES: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
