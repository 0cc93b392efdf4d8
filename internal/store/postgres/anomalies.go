package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// anomalyRepo implements store.AnomalyRepo.
type anomalyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAnomalyRepo creates the data_anomalies repository.
func NewAnomalyRepo(db *sqlx.DB, timeout time.Duration) store.AnomalyRepo {
	return &anomalyRepo{db: db, timeout: timeout}
}

// Log appends one anomaly. The detected_at stamp defaults to NOW() when
// the caller leaves it zero.
func (r *anomalyRepo) Log(ctx context.Context, a models.Anomaly) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	detectedAt := a.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	status := a.ResolutionStatus
	if status == "" {
		status = models.ResolutionOpen
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_anomalies
			(symbol, timeframe, anomaly_type, severity, description, affected_rows, resolution_status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.Symbol, a.Timeframe, a.AnomalyType, a.Severity, a.Description, a.AffectedRows, status, detectedAt)
	if err != nil {
		return fmt.Errorf("failed to log anomaly: %w", err)
	}
	return nil
}

// Query returns anomalies newest first, narrowed by the filter.
func (r *anomalyRepo) Query(ctx context.Context, filter store.AnomalyFilter) ([]models.Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		conds []string
		args  []interface{}
	)
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("detected_at >= $%d", len(args)))
	}

	query := `
		SELECT id, symbol, timeframe, anomaly_type, severity, description, affected_rows, resolution_status, detected_at
		FROM data_anomalies`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []models.Anomaly
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	return out, nil
}
