package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/ratelimit"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/store/postgres"
	"github.com/marketforge/candlevault/internal/upstream"
)

// newLogger builds the process logger. Interactive terminals get the
// console writer; everything else gets JSON lines for log shippers.
func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// openStore connects to Postgres, applies the schema, and returns the
// repository set. The caller owns the db handle and must Close it.
func openStore(ctx context.Context, cfg *config.Config) (*sqlx.DB, *store.Store, error) {
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, postgres.New(db), nil
}

// bootstrapSymbols loads the symbols file, if configured, and registers
// any symbols not already tracked. Existing rows are left untouched so
// runtime edits survive restarts.
func bootstrapSymbols(ctx context.Context, cfg *config.Config, st *store.Store, logger zerolog.Logger) error {
	if cfg.SymbolsFile == "" {
		return nil
	}
	symbols, err := config.LoadSymbolsFile(cfg.SymbolsFile)
	if err != nil {
		return fmt.Errorf("symbols file %s: %w", cfg.SymbolsFile, err)
	}

	created := 0
	for _, sym := range symbols {
		ok, err := st.Symbols.Ensure(ctx, sym)
		if err != nil {
			return fmt.Errorf("bootstrap symbol %s: %w", sym.Symbol, err)
		}
		if ok {
			created++
		}
	}
	logger.Info().
		Str("file", cfg.SymbolsFile).
		Int("declared", len(symbols)).
		Int("created", created).
		Msg("symbol universe bootstrapped")
	return nil
}

// buildOrchestrator wires rate limiters, both upstream clients, and the
// source-selection orchestrator, with every counter reported to metrics.
func buildOrchestrator(cfg *config.Config, metrics *obs.Metrics) *upstream.Orchestrator {
	limiters := ratelimit.NewManager()

	hooks := upstream.Hooks{
		OnRequest: func(provider, outcome string) {
			metrics.UpstreamRequests.WithLabelValues(provider, outcome).Inc()
		},
		OnRetry: func(provider string) {
			metrics.UpstreamRetries.WithLabelValues(provider).Inc()
		},
		OnRateLimited: func(provider string) {
			metrics.RateLimitedTotal.WithLabelValues(provider).Inc()
		},
	}

	primary := upstream.NewPrimaryClient(
		cfg.UpstreamBaseURL,
		cfg.UpstreamAPIKey,
		cfg.UpstreamTimeout,
		limiters.Bucket("primary", cfg.PrimaryRateLimitRPS),
	)
	primary.SetHooks(hooks)

	fallback := upstream.NewFallbackClient(
		cfg.FallbackBaseURL,
		cfg.UpstreamTimeout,
		limiters.Bucket("fallback", cfg.FallbackRateLimitRPS),
	)
	fallback.SetHooks(hooks)

	orch := upstream.NewOrchestrator(primary, fallback)
	orch.SetEventFunc(func(event string) {
		metrics.SourceDecisions.WithLabelValues(event).Inc()
	})
	return orch
}

// newAlertManager assembles the alert fan-out. The log handler is always
// present; email is attached only when fully configured.
func newAlertManager(cfg *config.Config, metrics *obs.Metrics, logger zerolog.Logger) *obs.AlertManager {
	alerts := obs.NewAlertManager(logger, metrics)
	if cfg.AlertEmailEnabled {
		var to []string
		for _, addr := range strings.Split(cfg.AlertEmailTo, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		alerts.AddHandler(obs.NewSMTPHandler(obs.SMTPConfig{
			Host:     cfg.AlertSMTPHost,
			Port:     cfg.AlertSMTPPort,
			Username: cfg.AlertSMTPUser,
			Password: cfg.AlertSMTPPassword,
			From:     cfg.AlertFromEmail,
			To:       to,
		}))
	}
	return alerts
}
