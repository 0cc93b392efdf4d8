// Package store defines the persistence interfaces. Implementations live
// in the postgres subpackage; consumers depend only on these contracts.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/marketforge/candlevault/internal/models"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// TimeRange is a closed query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CandleFilter narrows candle range queries.
type CandleFilter struct {
	ValidatedOnly bool
	MinQuality    float64
	Limit         int
}

// DuplicateKey identifies a candle key holding more than one row.
type DuplicateKey struct {
	Symbol    string           `db:"symbol" json:"symbol"`
	Timeframe models.Timeframe `db:"timeframe" json:"timeframe"`
	Time      time.Time        `db:"time" json:"time"`
	Rows      int              `db:"row_count" json:"rows"`
}

// CandleRepo persists and serves market_data rows.
type CandleRepo interface {
	// InsertBatch writes one batch in a single transaction. Conflicts on
	// the (time, symbol, timeframe) key are skipped, making backfills
	// idempotent. Returns the number of rows actually inserted.
	InsertBatch(ctx context.Context, candles []models.Candle) (int, error)

	// QueryRange returns OHLCV rows ascending in time.
	QueryRange(ctx context.Context, symbol string, tf models.Timeframe, tr TimeRange, filter CandleFilter) ([]models.Candle, error)

	// QueryRangeWithFeatures returns full rows including feature columns.
	QueryRangeWithFeatures(ctx context.Context, symbol string, tf models.Timeframe, tr TimeRange, filter CandleFilter) ([]models.CandleWithFeatures, error)

	// Latest returns the newest candle for the pair, or ErrNotFound.
	Latest(ctx context.Context, symbol string, tf models.Timeframe) (*models.Candle, error)

	// Recent returns the newest n candles ascending in time.
	Recent(ctx context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error)

	// PrevClose returns the close of the last candle strictly before t,
	// or nil when the pair has no earlier history.
	PrevClose(ctx context.Context, symbol string, tf models.Timeframe, t time.Time) (*float64, error)

	// MedianVolume computes the median volume of the newest lookback
	// candles, or nil without history.
	MedianVolume(ctx context.Context, symbol string, tf models.Timeframe, lookback int) (*float64, error)

	// Count returns the total market_data row count.
	Count(ctx context.Context) (int64, error)

	// ValidationRate returns the validated fraction across all rows,
	// zero when the table is empty.
	ValidationRate(ctx context.Context) (float64, error)

	// FindDuplicates guards the primary key: any key with more than one
	// row is returned.
	FindDuplicates(ctx context.Context) ([]DuplicateKey, error)

	// RecentOutliers returns candles fetched since the cutoff whose
	// body exceeds the given |close-open|/open ratio.
	RecentOutliers(ctx context.Context, since time.Time, ratio float64) ([]models.Candle, error)
}

// SymbolRepo manages the tracked symbol registry.
type SymbolRepo interface {
	// Create registers a symbol; duplicate symbols error.
	Create(ctx context.Context, sym models.Symbol) error

	// Ensure registers a symbol only when absent, for bootstrap loads.
	// Returns true when a row was created.
	Ensure(ctx context.Context, sym models.Symbol) (bool, error)

	// Get returns one symbol, or ErrNotFound.
	Get(ctx context.Context, symbol string) (*models.Symbol, error)

	// List returns symbols, optionally only active ones, ordered by name.
	List(ctx context.Context, activeOnly bool) ([]models.Symbol, error)

	// Deactivate clears the active flag. Rows are never deleted.
	Deactivate(ctx context.Context, symbol string) error

	// UpdateTimeframes replaces the symbol's timeframe set.
	UpdateTimeframes(ctx context.Context, symbol string, tfs []models.Timeframe) error

	// RecordBackfillOutcome stamps last_backfill and backfill_status.
	RecordBackfillOutcome(ctx context.Context, symbol, status string, at time.Time) error
}

// BackfillRepo persists execution state and run history.
type BackfillRepo interface {
	// CreateState opens a pending execution and returns it with a fresh
	// execution id.
	CreateState(ctx context.Context, symbol string, tf models.Timeframe) (*models.BackfillState, error)

	// UpdateState advances one execution. Terminal statuses stamp
	// completed_at; in_progress stamps started_at.
	UpdateState(ctx context.Context, executionID string, status models.BackfillStatus, recordsInserted int, errorMessage *string) error

	// GetState returns one execution, or ErrNotFound.
	GetState(ctx context.Context, executionID string) (*models.BackfillState, error)

	// ListActiveStates returns pending and in_progress executions.
	ListActiveStates(ctx context.Context) ([]models.BackfillState, error)

	// ListRecentStates returns the newest executions.
	ListRecentStates(ctx context.Context, limit int) ([]models.BackfillState, error)

	// FailOrphaned marks non-terminal executions created before the
	// cutoff as failed. Called at boot so rows abandoned by a crashed
	// process still reach a terminal status. Returns the count marked.
	FailOrphaned(ctx context.Context, before time.Time) (int, error)

	// LogRun appends a run summary to the history table.
	LogRun(ctx context.Context, run models.BackfillRun) error

	// RecentRuns returns the newest run summaries.
	RecentRuns(ctx context.Context, limit int) ([]models.BackfillRun, error)
}

// FailureRepo tracks consecutive per-symbol failures.
type FailureRepo interface {
	// MarkSuccess zeroes the counter and clears the alert flag.
	MarkSuccess(ctx context.Context, symbol string) error

	// MarkFailure increments the counter. shouldAlert is true when the
	// count reached 3 and no alert has been sent yet.
	MarkFailure(ctx context.Context, symbol string) (shouldAlert bool, err error)

	// MarkAlerted records that an alert went out for the symbol.
	MarkAlerted(ctx context.Context, symbol string) error

	// Get returns the tracker row, or ErrNotFound.
	Get(ctx context.Context, symbol string) (*models.FailureRecord, error)

	// ListAlertable returns rows with >= 3 consecutive failures and no
	// alert sent.
	ListAlertable(ctx context.Context) ([]models.FailureRecord, error)
}

// AnomalyFilter narrows anomaly queries; zero values mean no constraint.
type AnomalyFilter struct {
	Symbol   string
	Severity models.Severity
	Since    time.Time
	Limit    int
}

// AnomalyRepo appends and serves the data_anomalies log.
type AnomalyRepo interface {
	// Log appends one anomaly.
	Log(ctx context.Context, a models.Anomaly) error

	// Query returns anomalies newest first.
	Query(ctx context.Context, filter AnomalyFilter) ([]models.Anomaly, error)
}

// FeatureRepo writes derived columns back onto market_data rows.
type FeatureRepo interface {
	// Upsert updates feature columns by (symbol, timeframe, time). OHLCV
	// columns are never touched. Returns the number of rows updated.
	Upsert(ctx context.Context, symbol string, tf models.Timeframe, rows []models.FeatureRow) (int, error)

	// LogRun appends one enrichment run record.
	LogRun(ctx context.Context, run models.FeatureRun) error

	// RecentRuns returns the newest enrichment runs.
	RecentRuns(ctx context.Context, limit int) ([]models.FeatureRun, error)
}

// APIKeyRepo manages credentials. Raw key material is returned exactly
// once at creation and never persisted.
type APIKeyRepo interface {
	// Create issues a key and returns the record plus the raw material.
	Create(ctx context.Context, name string) (*models.APIKey, string, error)

	// Validate looks a key up by digest. Returns ErrNotFound for
	// unknown or inactive keys; successful lookups bump request_count.
	Validate(ctx context.Context, material string) (*models.APIKey, error)

	// List returns all keys, newest first.
	List(ctx context.Context) ([]models.APIKey, error)

	// Revoke clears the active flag.
	Revoke(ctx context.Context, id string) error

	// Audit appends one authentication attempt.
	Audit(ctx context.Context, entry models.APIKeyAudit) error

	// AuditLog returns the newest audit entries.
	AuditLog(ctx context.Context, limit int) ([]models.APIKeyAudit, error)
}

// Store aggregates every repository.
type Store struct {
	Candles   CandleRepo
	Symbols   SymbolRepo
	Backfills BackfillRepo
	Failures  FailureRepo
	Anomalies AnomalyRepo
	Features  FeatureRepo
	APIKeys   APIKeyRepo
	Health    HealthRepo
}

// HealthCheck reports persistence connectivity.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// HealthRepo probes the database.
type HealthRepo interface {
	// Ping tests connectivity.
	Ping(ctx context.Context) error

	// Health returns pool statistics and a liveness verdict.
	Health(ctx context.Context) HealthCheck
}

// HashAPIKey computes the stored digest of raw key material.
func HashAPIKey(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
