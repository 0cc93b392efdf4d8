// Package models holds the domain types shared across the ingestion,
// validation, persistence, and API layers.
package models

import (
	"fmt"
	"time"
)

// Timeframe is a candle bucket width code (1m … 1w).
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

// AllowedTimeframes is the closed set of recognised bucket widths, in
// ascending width order.
var AllowedTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF2h, TF4h, TF1d, TF1w}

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe code.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the allowed codes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// StalenessThreshold returns how old the newest candle may be before the
// monitor records a stale anomaly: 1h for sub-hour buckets, 6h for 1h-4h,
// 24h for daily and weekly.
func (tf Timeframe) StalenessThreshold() time.Duration {
	switch tf {
	case TF1m, TF5m, TF15m, TF30m:
		return time.Hour
	case TF1h, TF2h, TF4h:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// BucketStart truncates t to the start of its bucket in UTC. Weeks are
// anchored to Monday 00:00 UTC.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	if tf == TF1w {
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return t.Truncate(tf.Duration())
}

// AssetClass categorises a tracked symbol.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetETF    AssetClass = "etf"
	AssetCrypto AssetClass = "crypto"
)

// Valid reports whether ac is a recognised asset class.
func (ac AssetClass) Valid() bool {
	switch ac {
	case AssetStock, AssetETF, AssetCrypto:
		return true
	}
	return false
}

// Source identifies which upstream produced a candle.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Candle is one OHLCV bucket together with its validation metadata.
type Candle struct {
	Symbol          string    `json:"symbol" db:"symbol"`
	Timeframe       Timeframe `json:"timeframe" db:"timeframe"`
	Time            time.Time `json:"time" db:"time"`
	Open            float64   `json:"open" db:"open"`
	High            float64   `json:"high" db:"high"`
	Low             float64   `json:"low" db:"low"`
	Close           float64   `json:"close" db:"close"`
	Volume          float64   `json:"volume" db:"volume"`
	Source          Source    `json:"source" db:"source"`
	Validated       bool      `json:"validated" db:"validated"`
	QualityScore    float64   `json:"quality_score" db:"quality_score"`
	ValidationNotes string    `json:"validation_notes,omitempty" db:"validation_notes"`
	GapDetected     bool      `json:"gap_detected" db:"gap_detected"`
	VolumeAnomaly   bool      `json:"volume_anomaly" db:"volume_anomaly"`
	FetchedAt       time.Time `json:"fetched_at" db:"fetched_at"`
}

// FeatureColumns are the derived quant columns of a candle row. Pointers
// stay nil until enough history exists to compute the value.
type FeatureColumns struct {
	LogReturn          *float64   `json:"log_return,omitempty" db:"log_return"`
	Return1d           *float64   `json:"return_1d,omitempty" db:"return_1d"`
	Return1h           *float64   `json:"return_1h,omitempty" db:"return_1h"`
	Volatility20       *float64   `json:"volatility_20,omitempty" db:"volatility_20"`
	Volatility50       *float64   `json:"volatility_50,omitempty" db:"volatility_50"`
	ATR14              *float64   `json:"atr_14,omitempty" db:"atr_14"`
	RollingVolume20    *float64   `json:"rolling_volume_20,omitempty" db:"rolling_volume_20"`
	VolumeRatio        *float64   `json:"volume_ratio,omitempty" db:"volume_ratio"`
	HigherHigh         *bool      `json:"higher_high,omitempty" db:"higher_high"`
	HigherLow          *bool      `json:"higher_low,omitempty" db:"higher_low"`
	LowerHigh          *bool      `json:"lower_high,omitempty" db:"lower_high"`
	LowerLow           *bool      `json:"lower_low,omitempty" db:"lower_low"`
	TrendDirection     *string    `json:"trend_direction,omitempty" db:"trend_direction"`
	StructureLabel     *string    `json:"structure_label,omitempty" db:"structure_label"`
	VolatilityRegime   *string    `json:"volatility_regime,omitempty" db:"volatility_regime"`
	TrendRegime        *string    `json:"trend_regime,omitempty" db:"trend_regime"`
	CompressionRegime  *string    `json:"compression_regime,omitempty" db:"compression_regime"`
	FeaturesComputedAt *time.Time `json:"features_computed_at,omitempty" db:"features_computed_at"`
}

// FeatureRow pairs a bucket time with its computed feature columns, keyed
// into a (symbol, timeframe) series by the caller.
type FeatureRow struct {
	Time time.Time `json:"time" db:"time"`
	FeatureColumns
}

// CandleWithFeatures is a full market_data row.
type CandleWithFeatures struct {
	Candle
	FeatureColumns
}

// Trend direction labels.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendNeutral = "neutral"
)

// Market structure labels.
const (
	StructureBullish = "bullish"
	StructureBearish = "bearish"
	StructureRange   = "range"
)

// Volatility regime labels.
const (
	VolRegimeLow    = "low"
	VolRegimeMedium = "medium"
	VolRegimeHigh   = "high"
)

// Trend regime labels.
const (
	TrendRegimeUp      = "uptrend"
	TrendRegimeDown    = "downtrend"
	TrendRegimeRanging = "ranging"
)

// Compression regime labels.
const (
	CompressionCompressed = "compressed"
	CompressionExpanded   = "expanded"
)

// Symbol is one tracked asset in the registry.
type Symbol struct {
	Symbol         string      `json:"symbol" db:"symbol"`
	AssetClass     AssetClass  `json:"asset_class" db:"asset_class"`
	Active         bool        `json:"active" db:"active"`
	Timeframes     []Timeframe `json:"timeframes" db:"-"`
	LastBackfill   *time.Time  `json:"last_backfill,omitempty" db:"last_backfill"`
	BackfillStatus string      `json:"backfill_status" db:"backfill_status"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// BackfillStatus values for one (symbol, timeframe) execution.
type BackfillStatus string

const (
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// Terminal reports whether the status can no longer advance.
func (s BackfillStatus) Terminal() bool {
	return s == BackfillCompleted || s == BackfillFailed
}

// BackfillState records a single backfill execution for one
// (symbol, timeframe) pair.
type BackfillState struct {
	ExecutionID     string         `json:"execution_id" db:"execution_id"`
	Symbol          string         `json:"symbol" db:"symbol"`
	Timeframe       Timeframe      `json:"timeframe" db:"timeframe"`
	Status          BackfillStatus `json:"status" db:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	RecordsInserted int            `json:"records_inserted" db:"records_inserted"`
	ErrorMessage    *string        `json:"error_message,omitempty" db:"error_message"`
	RetryCount      int            `json:"retry_count" db:"retry_count"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// FailureRecord is the per-symbol consecutive failure tracker.
type FailureRecord struct {
	Symbol              string     `json:"symbol" db:"symbol"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	AlertSent           bool       `json:"alert_sent" db:"alert_sent"`
	AlertSentAt         *time.Time `json:"alert_sent_at,omitempty" db:"alert_sent_at"`
}

// AnomalyType classifies a data_anomalies row.
type AnomalyType string

const (
	AnomalyGap       AnomalyType = "gap"
	AnomalyDuplicate AnomalyType = "duplicate"
	AnomalyOutlier   AnomalyType = "outlier"
	AnomalyStale     AnomalyType = "stale"
)

// Severity grades an anomaly or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionStatus tracks anomaly triage.
type ResolutionStatus string

const (
	ResolutionOpen         ResolutionStatus = "open"
	ResolutionAcknowledged ResolutionStatus = "acknowledged"
	ResolutionResolved     ResolutionStatus = "resolved"
)

// Anomaly is one append-only data_anomalies row.
type Anomaly struct {
	ID               int64            `json:"id" db:"id"`
	Symbol           string           `json:"symbol" db:"symbol"`
	Timeframe        Timeframe        `json:"timeframe" db:"timeframe"`
	AnomalyType      AnomalyType      `json:"anomaly_type" db:"anomaly_type"`
	Severity         Severity         `json:"severity" db:"severity"`
	Description      string           `json:"description" db:"description"`
	AffectedRows     int              `json:"affected_rows" db:"affected_rows"`
	ResolutionStatus ResolutionStatus `json:"resolution_status" db:"resolution_status"`
	DetectedAt       time.Time        `json:"detected_at" db:"detected_at"`
}

// APIKey is an issued credential. Only the SHA-256 digest of the key
// material is ever stored.
type APIKey struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Hash         string    `json:"-" db:"hash"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	RequestCount int64     `json:"request_count" db:"request_count"`
}

// APIKeyAudit is one authentication attempt.
type APIKeyAudit struct {
	ID       int64     `json:"id" db:"id"`
	KeyID    *string   `json:"key_id,omitempty" db:"key_id"`
	Endpoint string    `json:"endpoint" db:"endpoint"`
	Outcome  string    `json:"outcome" db:"outcome"`
	RemoteIP string    `json:"remote_ip" db:"remote_ip"`
	At       time.Time `json:"at" db:"at"`
}

// Audit outcomes.
const (
	AuditGranted = "granted"
	AuditDenied  = "denied"
)

// Dividend is one cash distribution event from the primary provider.
type Dividend struct {
	Symbol     string    `json:"symbol"`
	ExDate     time.Time `json:"ex_date"`
	PayDate    time.Time `json:"pay_date"`
	CashAmount float64   `json:"cash_amount"`
	Frequency  int       `json:"frequency"`
	DeclaredAt time.Time `json:"declared_at"`
}

// Split is one share split event from the primary provider.
type Split struct {
	Symbol        string    `json:"symbol"`
	ExecutionDate time.Time `json:"execution_date"`
	SplitFrom     float64   `json:"split_from"`
	SplitTo       float64   `json:"split_to"`
}

// FeatureRun logs one enrichment pass over a (symbol, timeframe) window.
type FeatureRun struct {
	ID         int64     `json:"id" db:"id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Timeframe  Timeframe `json:"timeframe" db:"timeframe"`
	WindowSize int       `json:"window_size" db:"window_size"`
	Records    int       `json:"records" db:"records"`
	Outcome    string    `json:"outcome" db:"outcome"`
	RanAt      time.Time `json:"ran_at" db:"ran_at"`
}

// BackfillRun summarises one scheduled or ad-hoc backfill run for the
// history table.
type BackfillRun struct {
	ID          int64      `json:"id" db:"id"`
	JobID       string     `json:"job_id" db:"job_id"`
	Trigger     string     `json:"trigger" db:"trigger"`
	Symbols     int        `json:"symbols" db:"symbols"`
	Succeeded   int        `json:"succeeded" db:"succeeded"`
	Failed      int        `json:"failed" db:"failed"`
	Records     int        `json:"records" db:"records"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
