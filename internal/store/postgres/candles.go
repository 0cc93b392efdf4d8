package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
	"github.com/marketforge/candlevault/internal/validate"
)

const candleColumns = `time, symbol, timeframe, open, high, low, close, volume, source,
	validated, quality_score, validation_notes, gap_detected, volume_anomaly, fetched_at`

const featureColumns = `log_return, return_1d, return_1h, volatility_20, volatility_50,
	atr_14, rolling_volume_20, volume_ratio, higher_high, higher_low, lower_high, lower_low,
	trend_direction, structure_label, volatility_regime, trend_regime, compression_regime,
	features_computed_at`

// candleRepo implements store.CandleRepo.
type candleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleRepo creates the market_data repository.
func NewCandleRepo(db *sqlx.DB, timeout time.Duration) store.CandleRepo {
	return &candleRepo{db: db, timeout: timeout}
}

// InsertBatch writes the batch in one transaction with ON CONFLICT DO
// NOTHING, so re-running a window is idempotent. Structurally unsound
// candles are skipped; the rest of the batch proceeds.
func (r *candleRepo) InsertBatch(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(candles)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data (`+candleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (time, symbol, timeframe) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		if !validate.StructurallySound(c) {
			continue
		}
		res, err := stmt.ExecContext(ctx,
			c.Time, c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume, c.Source,
			c.Validated, c.QualityScore, c.ValidationNotes, c.GapDetected, c.VolumeAnomaly, c.FetchedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue
			}
			return 0, fmt.Errorf("failed to insert candle %s %s %s: %w", c.Symbol, c.Timeframe, c.Time, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit candle batch: %w", err)
	}
	return inserted, nil
}

// QueryRange returns OHLCV rows ascending in time.
func (r *candleRepo) QueryRange(ctx context.Context, symbol string, tf models.Timeframe, tr store.TimeRange, filter store.CandleFilter) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args := buildRangeQuery(candleColumns, symbol, tf, tr, filter)

	var out []models.Candle
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	return out, nil
}

// QueryRangeWithFeatures returns full rows including feature columns.
func (r *candleRepo) QueryRangeWithFeatures(ctx context.Context, symbol string, tf models.Timeframe, tr store.TimeRange, filter store.CandleFilter) ([]models.CandleWithFeatures, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args := buildRangeQuery(candleColumns+", "+featureColumns, symbol, tf, tr, filter)

	var out []models.CandleWithFeatures
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query feature range: %w", err)
	}
	return out, nil
}

func buildRangeQuery(columns, symbol string, tf models.Timeframe, tr store.TimeRange, filter store.CandleFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT " + columns + " FROM market_data WHERE symbol = $1 AND timeframe = $2 AND time >= $3 AND time <= $4")
	args := []any{symbol, tf, tr.From, tr.To}

	if filter.ValidatedOnly {
		sb.WriteString(" AND validated = TRUE")
	}
	if filter.MinQuality > 0 {
		args = append(args, filter.MinQuality)
		sb.WriteString(fmt.Sprintf(" AND quality_score >= $%d", len(args)))
	}
	sb.WriteString(" ORDER BY time ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return sb.String(), args
}

// Latest returns the newest candle for the pair.
func (r *candleRepo) Latest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c models.Candle
	err := r.db.GetContext(ctx, &c, `
		SELECT `+candleColumns+` FROM market_data
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY time DESC
		LIMIT 1`, symbol, tf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest candle: %w", err)
	}
	return &c, nil
}

// Recent returns the newest n candles in ascending time order.
func (r *candleRepo) Recent(ctx context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.Candle
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+candleColumns+` FROM (
			SELECT `+candleColumns+` FROM market_data
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY time DESC
			LIMIT $3
		) recent
		ORDER BY time ASC`, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent candles: %w", err)
	}
	return out, nil
}

// PrevClose returns the close preceding t, or nil without history.
func (r *candleRepo) PrevClose(ctx context.Context, symbol string, tf models.Timeframe, t time.Time) (*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var prevClose float64
	err := r.db.GetContext(ctx, &prevClose, `
		SELECT close FROM market_data
		WHERE symbol = $1 AND timeframe = $2 AND time < $3
		ORDER BY time DESC
		LIMIT 1`, symbol, tf, t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query prev close: %w", err)
	}
	return &prevClose, nil
}

// MedianVolume computes the median volume over the newest lookback rows.
func (r *candleRepo) MedianVolume(ctx context.Context, symbol string, tf models.Timeframe, lookback int) (*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var median sql.NullFloat64
	err := r.db.GetContext(ctx, &median, `
		SELECT percentile_cont(0.5) WITHIN GROUP (ORDER BY volume) FROM (
			SELECT volume FROM market_data
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY time DESC
			LIMIT $3
		) recent`, symbol, tf, lookback)
	if err != nil {
		return nil, fmt.Errorf("failed to query median volume: %w", err)
	}
	if !median.Valid {
		return nil, nil
	}
	return &median.Float64, nil
}

// Count returns the total row count.
func (r *candleRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM market_data`); err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}

// ValidationRate returns the validated fraction across all rows.
func (r *candleRepo) ValidationRate(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rate float64
	err := r.db.GetContext(ctx, &rate, `
		SELECT COALESCE(AVG(CASE WHEN validated THEN 1.0 ELSE 0.0 END), 0)
		FROM market_data`)
	if err != nil {
		return 0, fmt.Errorf("failed to compute validation rate: %w", err)
	}
	return rate, nil
}

// FindDuplicates returns keys holding more than one row. The primary key
// makes this impossible; the sweep guards against manual loads.
func (r *candleRepo) FindDuplicates(ctx context.Context) ([]store.DuplicateKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []store.DuplicateKey
	err := r.db.SelectContext(ctx, &out, `
		SELECT symbol, timeframe, time, COUNT(*) AS row_count
		FROM market_data
		GROUP BY symbol, timeframe, time
		HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep duplicates: %w", err)
	}
	return out, nil
}

// RecentOutliers returns candles fetched since the cutoff whose body
// exceeds the ratio.
func (r *candleRepo) RecentOutliers(ctx context.Context, since time.Time, ratio float64) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.Candle
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+candleColumns+` FROM market_data
		WHERE fetched_at >= $1 AND open > 0 AND ABS(close - open) / open > $2
		ORDER BY fetched_at DESC`, since, ratio)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep outliers: %w", err)
	}
	return out, nil
}
