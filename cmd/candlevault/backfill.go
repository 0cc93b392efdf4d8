package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marketforge/candlevault/internal/cache"
	"github.com/marketforge/candlevault/internal/config"
	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/scheduler"
)

// timeframeList parses a comma-separated --timeframes value so unknown
// timeframes fail at flag-parse time rather than mid-run.
type timeframeList []models.Timeframe

var _ pflag.Value = (*timeframeList)(nil)

func (l *timeframeList) String() string {
	parts := make([]string, len(*l))
	for i, tf := range *l {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ",")
}

func (l *timeframeList) Set(raw string) error {
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		tf := models.Timeframe(strings.ToLower(part))
		if !tf.Valid() {
			return fmt.Errorf("unknown timeframe %q", part)
		}
		*l = append(*l, tf)
	}
	return nil
}

func (l *timeframeList) Type() string { return "timeframes" }

func newBackfillCmd() *cobra.Command {
	var (
		symbols    string
		timeframes timeframeList
		start      string
		end        string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill pass and exit",
		Long: `Fetch, validate, and persist candles for the given symbols without
starting the API or the scheduler loop. With no --symbols every active
tracked symbol is processed; with no --start/--end each pair resumes
from its newest stored candle.

Examples:
  candlevault backfill
  candlevault backfill --symbols AAPL,MSFT --timeframes 1d
  candlevault backfill --symbols BTC-USD --start 2025-01-01 --end 2025-06-30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var req scheduler.BackfillRequest
			if symbols != "" {
				for _, sym := range splitList(symbols) {
					req.Symbols = append(req.Symbols, strings.ToUpper(sym))
				}
			}
			req.Timeframes = []models.Timeframe(timeframes)
			if req.Start, req.End, err = parseWindow(start, end); err != nil {
				return err
			}
			return runBackfillOnce(cfg, req)
		},
	}

	cmd.Flags().StringVar(&symbols, "symbols", "", "comma-separated symbols (default: all active)")
	cmd.Flags().Var(&timeframes, "timeframes", "comma-separated timeframes (default: each symbol's set)")
	cmd.Flags().StringVar(&start, "start", "", "window start, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "window end, YYYY-MM-DD")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (overrides LOG_LEVEL)")
	return cmd
}

func runBackfillOnce(cfg *config.Config, req scheduler.BackfillRequest) error {
	logger := newLogger(cfg.LogLevel)

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

	metrics := obs.NewMetrics()
	alerts := newAlertManager(cfg, metrics, logger)
	orch := buildOrchestrator(cfg, metrics)

	qc, err := cache.New(ctx, cache.Options{TTL: cfg.QueryCacheTTL, MaxEntries: cfg.QueryCacheMaxSize})
	if err != nil {
		return err
	}
	defer qc.Close()

	sched := scheduler.New(cfg, st, orch, qc, metrics, alerts, nil, logger)
	jobID := sched.RunAdHoc(ctx, req)

	stats := orch.Stats()
	logger.Info().
		Str("job_id", jobID).
		Int64("primary_used", stats.PrimaryUsed).
		Int64("fallback_used", stats.FallbackUsed).
		Int64("both_failed", stats.BothFailed).
		Msg("backfill finished")
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseWindow turns optional --start/--end values into a concrete window.
// Both empty means incremental mode; start without end runs to now.
func parseWindow(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.ParseInLocation("2006-01-02", start, time.UTC); err != nil {
			return s, e, fmt.Errorf("invalid --start %q: expected YYYY-MM-DD", start)
		}
	}
	if end != "" {
		if e, err = time.ParseInLocation("2006-01-02", end, time.UTC); err != nil {
			return s, e, fmt.Errorf("invalid --end %q: expected YYYY-MM-DD", end)
		}
	}
	if end != "" && start == "" {
		return s, e, fmt.Errorf("--end requires --start")
	}
	if start != "" && end == "" {
		e = time.Now().UTC()
	}
	if !s.IsZero() && !s.Before(e) {
		return s, e, fmt.Errorf("--start must be before --end")
	}
	return s, e, nil
}
