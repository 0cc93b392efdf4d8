package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/monitor"
	"github.com/marketforge/candlevault/internal/obs"
)

func newSweepCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one health-monitor pass and exit",
		Long: `Check every active symbol/timeframe pair for stale data, scan for
duplicate and outlier candles, and fire alerts for symbols past the
consecutive-failure threshold. The serve scheduler runs this sweep
every six hours; this command is the manual equivalent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			db, st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			metrics := obs.NewMetrics()
			alerts := newAlertManager(cfg, metrics, logger)

			if err := monitor.New(st, alerts, logger).Sweep(ctx); err != nil {
				return err
			}

			fired, delivered, failed := alerts.Counts()
			logger.Info().
				Int64("fired", fired).
				Int64("delivered", delivered).
				Int64("failed", failed).
				Msg("sweep complete")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall sweep deadline")
	return cmd
}
