// Package monitor implements the periodic health sweep: staleness checks,
// duplicate and outlier detection, and consecutive-failure alerting.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/obs"
	"github.com/marketforge/candlevault/internal/store"
)

// outlierBodyRatio flags candles whose body exceeds this fraction of the
// open during the outlier sweep.
const outlierBodyRatio = 0.20

// outlierWindow bounds the outlier sweep to recently fetched rows.
const outlierWindow = 24 * time.Hour

// Monitor runs the four health checks against the store.
type Monitor struct {
	store  *store.Store
	alerts *obs.AlertManager
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the monitor.
func New(st *store.Store, alerts *obs.AlertManager, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  st,
		alerts: alerts,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    time.Now,
	}
}

// Sweep runs every check once. Individual check failures are logged and do
// not stop the remaining checks.
func (m *Monitor) Sweep(ctx context.Context) error {
	traceID := uuid.NewString()
	logger := m.logger.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("health sweep starting")

	var errs []error
	if err := m.checkStaleness(ctx, logger); err != nil {
		errs = append(errs, fmt.Errorf("staleness check: %w", err))
	}
	if err := m.checkDuplicates(ctx, logger); err != nil {
		errs = append(errs, fmt.Errorf("duplicate check: %w", err))
	}
	if err := m.checkOutliers(ctx, logger); err != nil {
		errs = append(errs, fmt.Errorf("outlier check: %w", err))
	}
	if err := m.checkConsecutiveFailures(ctx, logger); err != nil {
		errs = append(errs, fmt.Errorf("failure check: %w", err))
	}

	logger.Info().Int("check_errors", len(errs)).Msg("health sweep finished")
	return errors.Join(errs...)
}

// checkStaleness records a stale anomaly for every active pair whose
// newest candle is older than the timeframe's freshness threshold.
func (m *Monitor) checkStaleness(ctx context.Context, logger zerolog.Logger) error {
	symbols, err := m.store.Symbols.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list symbols: %w", err)
	}

	now := m.now().UTC()
	stale := 0
	for _, sym := range symbols {
		for _, tf := range sym.Timeframes {
			latest, err := m.store.Candles.Latest(ctx, sym.Symbol, tf)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("staleness lookup failed")
				continue
			}

			threshold := tf.StalenessThreshold()
			age := now.Sub(latest.Time)
			if age <= threshold {
				continue
			}

			stale++
			anomaly := models.Anomaly{
				Symbol:      sym.Symbol,
				Timeframe:   tf,
				AnomalyType: models.AnomalyStale,
				Severity:    stalenessSeverity(threshold),
				Description: fmt.Sprintf("newest candle is %s old, threshold %s", age.Round(time.Minute), threshold),
				DetectedAt:  now,
			}
			if err := m.store.Anomalies.Log(ctx, anomaly); err != nil {
				logger.Error().Err(err).Str("symbol", sym.Symbol).Msg("failed to log stale anomaly")
				continue
			}
			logger.Warn().
				Str("symbol", sym.Symbol).
				Str("timeframe", string(tf)).
				Dur("age", age).
				Dur("threshold", threshold).
				Msg("stale pair detected")
		}
	}

	if stale > 0 {
		m.alerts.Fire(ctx, obs.Alert{
			Kind:     obs.AlertDataStale,
			Severity: obs.SeverityWarning,
			Message:  fmt.Sprintf("%d symbol/timeframe pairs have stale data", stale),
		})
	}
	return nil
}

// checkDuplicates guards the primary key; any duplicate key is recorded
// but never auto-deleted.
func (m *Monitor) checkDuplicates(ctx context.Context, logger zerolog.Logger) error {
	dups, err := m.store.Candles.FindDuplicates(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan duplicates: %w", err)
	}

	for _, d := range dups {
		anomaly := models.Anomaly{
			Symbol:       d.Symbol,
			Timeframe:    d.Timeframe,
			AnomalyType:  models.AnomalyDuplicate,
			Severity:     models.SeverityHigh,
			Description:  fmt.Sprintf("%d rows share key at %s", d.Rows, d.Time.Format(time.RFC3339)),
			AffectedRows: d.Rows,
			DetectedAt:   m.now().UTC(),
		}
		if err := m.store.Anomalies.Log(ctx, anomaly); err != nil {
			logger.Error().Err(err).Str("symbol", d.Symbol).Msg("failed to log duplicate anomaly")
			continue
		}
		logger.Error().
			Str("symbol", d.Symbol).
			Str("timeframe", string(d.Timeframe)).
			Time("time", d.Time).
			Int("rows", d.Rows).
			Msg("duplicate candle key detected")
	}
	return nil
}

// checkOutliers flags recently fetched candles with an extreme body,
// grouped per pair so one bad feed does not flood the anomaly log.
func (m *Monitor) checkOutliers(ctx context.Context, logger zerolog.Logger) error {
	since := m.now().UTC().Add(-outlierWindow)
	outliers, err := m.store.Candles.RecentOutliers(ctx, since, outlierBodyRatio)
	if err != nil {
		return fmt.Errorf("failed to scan outliers: %w", err)
	}
	if len(outliers) == 0 {
		return nil
	}

	type pairKey struct {
		symbol string
		tf     models.Timeframe
	}
	grouped := make(map[pairKey]int)
	for _, c := range outliers {
		grouped[pairKey{c.Symbol, c.Timeframe}]++
	}

	for key, count := range grouped {
		anomaly := models.Anomaly{
			Symbol:       key.symbol,
			Timeframe:    key.tf,
			AnomalyType:  models.AnomalyOutlier,
			Severity:     models.SeverityMedium,
			Description:  fmt.Sprintf("%d candles moved more than %.0f%% open to close in the last 24h", count, outlierBodyRatio*100),
			AffectedRows: count,
			DetectedAt:   m.now().UTC(),
		}
		if err := m.store.Anomalies.Log(ctx, anomaly); err != nil {
			logger.Error().Err(err).Str("symbol", key.symbol).Msg("failed to log outlier anomaly")
			continue
		}
		logger.Warn().
			Str("symbol", key.symbol).
			Str("timeframe", string(key.tf)).
			Int("count", count).
			Msg("outlier candles detected")
	}
	return nil
}

// checkConsecutiveFailures dispatches alerts for symbols at the failure
// threshold, then marks them so the alert fires once per streak.
func (m *Monitor) checkConsecutiveFailures(ctx context.Context, logger zerolog.Logger) error {
	records, err := m.store.Failures.ListAlertable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list alertable symbols: %w", err)
	}

	for _, rec := range records {
		m.alerts.Fire(ctx, obs.Alert{
			Kind:     obs.AlertSchedulerFailed,
			Severity: obs.SeverityCritical,
			Symbol:   rec.Symbol,
			Message:  fmt.Sprintf("%s has %d consecutive failed backfills", rec.Symbol, rec.ConsecutiveFailures),
		})
		if err := m.store.Failures.MarkAlerted(ctx, rec.Symbol); err != nil {
			logger.Error().Err(err).Str("symbol", rec.Symbol).Msg("failed to mark alerted")
			continue
		}
		logger.Error().
			Str("symbol", rec.Symbol).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Msg("consecutive failure alert dispatched")
	}
	return nil
}

// stalenessSeverity grades a stale pair by how tight its freshness
// contract is.
func stalenessSeverity(threshold time.Duration) models.Severity {
	switch {
	case threshold <= time.Hour:
		return models.SeverityHigh
	case threshold <= 6*time.Hour:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
