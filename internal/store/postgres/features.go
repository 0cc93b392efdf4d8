package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// featureRepo implements store.FeatureRepo.
type featureRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeatureRepo creates the enrichment repository.
func NewFeatureRepo(db *sqlx.DB, timeout time.Duration) store.FeatureRepo {
	return &featureRepo{db: db, timeout: timeout}
}

// Upsert writes feature columns onto existing market_data rows matched by
// (symbol, timeframe, time). OHLCV columns stay untouched; rows without a
// matching candle are skipped.
func (r *featureRepo) Upsert(ctx context.Context, symbol string, tf models.Timeframe, rows []models.FeatureRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	timeout := r.timeout
	if n := time.Duration(len(rows)/500) * time.Second; n > timeout {
		timeout = n
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE market_data SET
			log_return = $4, return_1d = $5, return_1h = $6,
			volatility_20 = $7, volatility_50 = $8, atr_14 = $9,
			rolling_volume_20 = $10, volume_ratio = $11,
			higher_high = $12, higher_low = $13, lower_high = $14, lower_low = $15,
			trend_direction = $16, structure_label = $17,
			volatility_regime = $18, trend_regime = $19, compression_regime = $20,
			features_computed_at = NOW()
		WHERE symbol = $1 AND timeframe = $2 AND time = $3`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare feature update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx,
			symbol, tf, row.Time,
			row.LogReturn, row.Return1d, row.Return1h,
			row.Volatility20, row.Volatility50, row.ATR14,
			row.RollingVolume20, row.VolumeRatio,
			row.HigherHigh, row.HigherLow, row.LowerHigh, row.LowerLow,
			row.TrendDirection, row.StructureLabel,
			row.VolatilityRegime, row.TrendRegime, row.CompressionRegime)
		if err != nil {
			return 0, fmt.Errorf("failed to update features for %s %s at %s: %w",
				symbol, tf, row.Time.Format(time.RFC3339), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit feature batch: %w", err)
	}
	return updated, nil
}

// LogRun appends one enrichment run record.
func (r *featureRepo) LogRun(ctx context.Context, run models.FeatureRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ranAt := run.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feature_runs (symbol, timeframe, window_size, records, outcome, ran_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.Symbol, run.Timeframe, run.WindowSize, run.Records, run.Outcome, ranAt)
	if err != nil {
		return fmt.Errorf("failed to log feature run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest enrichment runs.
func (r *featureRepo) RecentRuns(ctx context.Context, limit int) ([]models.FeatureRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	var out []models.FeatureRun
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, symbol, timeframe, window_size, records, outcome, ran_at
		FROM feature_runs
		ORDER BY ran_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature runs: %w", err)
	}
	return out, nil
}
