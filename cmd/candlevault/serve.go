package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/httpapi"
	"github.com/marketforge/candlevault/internal/monitor"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/scheduler"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		host     string
		port     int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Long: `Start the warehouse: connect to Postgres, bootstrap the symbol
universe, launch the backfill/enrichment/monitor scheduler, and serve
the query API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.APIHost = host
			}
			if cmd.Flags().Changed("port") {
				cfg.APIPort = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "bind address (overrides API_HOST)")
	cmd.Flags().IntVar(&port, "port", 8000, "listen port (overrides API_PORT)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (overrides LOG_LEVEL)")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("version", version).Msg("candlevault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := bootstrapSymbols(ctx, cfg, st, logger); err != nil {
		return err
	}

	// Executions a crashed process left pending or in_progress can never
	// finish; close them out so state rows stay terminal.
	if n, err := st.Backfills.FailOrphaned(ctx, time.Now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("orphan sweep failed")
	} else if n > 0 {
		logger.Warn().Int("executions", n).Msg("failed orphaned backfill executions")
	}

	metrics := obs.NewMetrics()
	alerts := newAlertManager(cfg, metrics, logger)
	orch := buildOrchestrator(cfg, metrics)

	qc, err := cache.New(ctx, cache.Options{
		RedisAddr:  cfg.RedisAddr,
		TTL:        cfg.QueryCacheTTL,
		MaxEntries: cfg.QueryCacheMaxSize,
	})
	if err != nil {
		return fmt.Errorf("query cache: %w", err)
	}
	defer qc.Close()

	mon := monitor.New(st, alerts, logger)
	sched := scheduler.New(cfg, st, orch, qc, metrics, alerts, mon, logger)

	srv, err := httpapi.New(cfg, st, sched, orch, qc, metrics, alerts, logger)
	if err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			sched.Stop()
			return err
		}
	}

	// Stop the scheduler first so in-flight backfills settle their state
	// rows before the API stops answering.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
		return err
	}

	logger.Info().Msg("candlevault stopped")
	return nil
}
