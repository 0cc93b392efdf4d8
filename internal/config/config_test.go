package config

import (
	"strings"
	"testing"
	"time"

	"github.com/marketforge/candlevault/internal/models"
)

// loadEnvKeys is every variable Load reads. Tests pin them all so values
// inherited from the invoking shell cannot leak in.
var loadEnvKeys = []string{
	"UPSTREAM_API_KEY", "UPSTREAM_BASE_URL", "FALLBACK_BASE_URL",
	"DATABASE_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	"API_HOST", "API_PORT", "API_WORKERS", "LOG_LEVEL",
	"BACKFILL_INTERVAL", "BACKFILL_SCHEDULE_HOUR", "BACKFILL_SCHEDULE_MINUTE",
	"MAX_CONCURRENT_SYMBOLS", "PARALLEL_BACKFILL", "BACKFILL_LOOKBACK_DAYS",
	"QUERY_CACHE_MAX_SIZE", "QUERY_CACHE_TTL_SECONDS", "REDIS_ADDR",
	"PRIMARY_RATE_LIMIT_RPS", "FALLBACK_RATE_LIMIT_RPS", "UPSTREAM_TIMEOUT_SECONDS",
	"ALERT_EMAIL_ENABLED", "ALERT_EMAIL_TO", "ALERT_SMTP_HOST", "ALERT_SMTP_PORT",
	"ALERT_SMTP_USER", "ALERT_SMTP_PASSWORD", "ALERT_FROM_EMAIL",
	"ALLOWED_TIMEFRAMES", "SYMBOLS_FILE",
}

func pinEnv(t *testing.T) {
	t.Helper()
	for _, key := range loadEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	pinEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.UpstreamBaseURL != "https://api.polygon.io" {
		t.Errorf("UpstreamBaseURL = %q", cfg.UpstreamBaseURL)
	}
	if cfg.FallbackBaseURL != "https://query1.finance.yahoo.com" {
		t.Errorf("FallbackBaseURL = %q", cfg.FallbackBaseURL)
	}
	if cfg.APIHost != "0.0.0.0" || cfg.APIPort != 8000 {
		t.Errorf("listen defaults = %s:%d", cfg.APIHost, cfg.APIPort)
	}
	if cfg.APIWorkers != 4 {
		t.Errorf("APIWorkers = %d, want 4", cfg.APIWorkers)
	}
	if cfg.DBMaxOpenConns != 20 || cfg.DBMaxIdleConns != 10 {
		t.Errorf("pool defaults = %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.BackfillInterval != "daily" || cfg.BackfillScheduleHour != 2 || cfg.BackfillScheduleMinute != 0 {
		t.Errorf("schedule defaults = %s %02d:%02d",
			cfg.BackfillInterval, cfg.BackfillScheduleHour, cfg.BackfillScheduleMinute)
	}
	if cfg.MaxConcurrentSymbols != 3 || !cfg.ParallelBackfill {
		t.Errorf("concurrency defaults = %d parallel=%v", cfg.MaxConcurrentSymbols, cfg.ParallelBackfill)
	}
	if cfg.BackfillLookbackDays != 30 {
		t.Errorf("BackfillLookbackDays = %d", cfg.BackfillLookbackDays)
	}
	if cfg.QueryCacheMaxSize != 1000 || cfg.QueryCacheTTL != 5*time.Minute {
		t.Errorf("cache defaults = %d/%s", cfg.QueryCacheMaxSize, cfg.QueryCacheTTL)
	}
	if cfg.PrimaryRateLimitRPS != 5 || cfg.FallbackRateLimitRPS != 2 {
		t.Errorf("rate defaults = %v/%v", cfg.PrimaryRateLimitRPS, cfg.FallbackRateLimitRPS)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Errorf("UpstreamTimeout = %s", cfg.UpstreamTimeout)
	}
	if cfg.AlertSMTPPort != 587 || cfg.AlertEmailEnabled {
		t.Errorf("alert defaults = port %d enabled %v", cfg.AlertSMTPPort, cfg.AlertEmailEnabled)
	}
	if len(cfg.AllowedTimeframes) != 0 {
		t.Errorf("AllowedTimeframes = %v, want empty", cfg.AllowedTimeframes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	pinEnv(t)
	t.Setenv("UPSTREAM_API_KEY", "pk_test")
	t.Setenv("DATABASE_URL", "postgres://localhost/candlevault")
	t.Setenv("API_PORT", "9001")
	t.Setenv("PARALLEL_BACKFILL", "false")
	t.Setenv("PRIMARY_RATE_LIMIT_RPS", "0.5")
	t.Setenv("QUERY_CACHE_TTL_SECONDS", "60")
	t.Setenv("ALLOWED_TIMEFRAMES", "1d, 1h")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIPort != 9001 {
		t.Errorf("APIPort = %d", cfg.APIPort)
	}
	if cfg.ParallelBackfill {
		t.Error("ParallelBackfill should be false")
	}
	if cfg.PrimaryRateLimitRPS != 0.5 {
		t.Errorf("PrimaryRateLimitRPS = %v", cfg.PrimaryRateLimitRPS)
	}
	if cfg.QueryCacheTTL != time.Minute {
		t.Errorf("QueryCacheTTL = %s", cfg.QueryCacheTTL)
	}
	if len(cfg.AllowedTimeframes) != 2 ||
		cfg.AllowedTimeframes[0] != models.TF1d || cfg.AllowedTimeframes[1] != models.TF1h {
		t.Errorf("AllowedTimeframes = %v", cfg.AllowedTimeframes)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoad_BadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"API_PORT", "eighty"},
		{"PARALLEL_BACKFILL", "sometimes"},
		{"PRIMARY_RATE_LIMIT_RPS", "fast"},
		{"ALLOWED_TIMEFRAMES", "1d,2m"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			pinEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%q should fail Load", tc.key, tc.value)
			} else if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("error should name %s, got %v", tc.key, err)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		UpstreamAPIKey:         "pk_test",
		DatabaseURL:            "postgres://localhost/candlevault",
		APIPort:                8000,
		APIWorkers:             4,
		LogLevel:               "info",
		BackfillInterval:       "daily",
		BackfillScheduleHour:   2,
		BackfillScheduleMinute: 0,
		MaxConcurrentSymbols:   3,
		BackfillLookbackDays:   30,
		QueryCacheMaxSize:      1000,
		PrimaryRateLimitRPS:    5,
		FallbackRateLimitRPS:   2,
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing api key", func(c *Config) { c.UpstreamAPIKey = "" }, "UPSTREAM_API_KEY"},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"port zero", func(c *Config) { c.APIPort = 0 }, "API_PORT"},
		{"port too high", func(c *Config) { c.APIPort = 70000 }, "API_PORT"},
		{"no workers", func(c *Config) { c.APIWorkers = 0 }, "API_WORKERS"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad interval", func(c *Config) { c.BackfillInterval = "weekly" }, "BACKFILL_INTERVAL"},
		{"hour out of range", func(c *Config) { c.BackfillScheduleHour = 24 }, "BACKFILL_SCHEDULE_HOUR"},
		{"minute out of range", func(c *Config) { c.BackfillScheduleMinute = 60 }, "BACKFILL_SCHEDULE_MINUTE"},
		{"no concurrency", func(c *Config) { c.MaxConcurrentSymbols = 0 }, "MAX_CONCURRENT_SYMBOLS"},
		{"no lookback", func(c *Config) { c.BackfillLookbackDays = 0 }, "BACKFILL_LOOKBACK_DAYS"},
		{"cache too small", func(c *Config) { c.QueryCacheMaxSize = 0 }, "QUERY_CACHE_MAX_SIZE"},
		{"zero rps", func(c *Config) { c.PrimaryRateLimitRPS = 0 }, "rate limit"},
		{"negative fallback rps", func(c *Config) { c.FallbackRateLimitRPS = -1 }, "rate limit"},
		{"email without smtp", func(c *Config) { c.AlertEmailEnabled = true }, "ALERT_EMAIL_ENABLED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_EmailEnabledWithAllFields(t *testing.T) {
	cfg := validConfig()
	cfg.AlertEmailEnabled = true
	cfg.AlertSMTPHost = "smtp.example.com"
	cfg.AlertEmailTo = "ops@example.com"
	cfg.AlertFromEmail = "candlevault@example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete email config rejected: %v", err)
	}
}

func TestTimeframeAllowed(t *testing.T) {
	cfg := validConfig()

	// Empty filter: any recognised timeframe passes, junk does not.
	if !cfg.TimeframeAllowed(models.TF1h) {
		t.Error("1h should pass an empty filter")
	}
	if cfg.TimeframeAllowed(models.Timeframe("2m")) {
		t.Error("unknown timeframe should never pass")
	}

	cfg.AllowedTimeframes = []models.Timeframe{models.TF1d}
	if !cfg.TimeframeAllowed(models.TF1d) {
		t.Error("1d should pass its own filter")
	}
	if cfg.TimeframeAllowed(models.TF1h) {
		t.Error("1h should be rejected by a 1d-only filter")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{APIHost: "127.0.0.1", APIPort: 9000}
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", got)
	}
}
