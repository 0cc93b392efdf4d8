package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// alertAfterFailures is the consecutive-failure count that triggers an
// alert for a symbol.
const alertAfterFailures = 3

// failureRepo implements store.FailureRepo.
type failureRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFailureRepo creates the symbol_failure_tracking repository.
func NewFailureRepo(db *sqlx.DB, timeout time.Duration) store.FailureRepo {
	return &failureRepo{db: db, timeout: timeout}
}

// MarkSuccess zeroes the failure counter and clears the alert flag.
func (r *failureRepo) MarkSuccess(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO symbol_failure_tracking (symbol, consecutive_failures, last_success_at, alert_sent)
		VALUES ($1, 0, NOW(), FALSE)
		ON CONFLICT (symbol) DO UPDATE
		SET consecutive_failures = 0, last_success_at = NOW(), alert_sent = FALSE, alert_sent_at = NULL`,
		symbol)
	if err != nil {
		return fmt.Errorf("failed to mark success: %w", err)
	}
	return nil
}

// MarkFailure increments the counter atomically and reports whether an
// alert is due.
func (r *failureRepo) MarkFailure(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var failures int
	var alertSent bool
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO symbol_failure_tracking (symbol, consecutive_failures, last_failure_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (symbol) DO UPDATE
		SET consecutive_failures = symbol_failure_tracking.consecutive_failures + 1,
		    last_failure_at = NOW()
		RETURNING consecutive_failures, alert_sent`, symbol).
		Scan(&failures, &alertSent)
	if err != nil {
		return false, fmt.Errorf("failed to mark failure: %w", err)
	}
	return failures >= alertAfterFailures && !alertSent, nil
}

// MarkAlerted records that an alert went out.
func (r *failureRepo) MarkAlerted(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE symbol_failure_tracking
		SET alert_sent = TRUE, alert_sent_at = NOW()
		WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to mark alerted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	return nil
}

// Get returns the tracker row.
func (r *failureRepo) Get(ctx context.Context, symbol string) (*models.FailureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec models.FailureRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT symbol, consecutive_failures, last_failure_at, last_success_at, alert_sent, alert_sent_at
		FROM symbol_failure_tracking
		WHERE symbol = $1`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get failure record: %w", err)
	}
	return &rec, nil
}

// ListAlertable returns symbols at the alert threshold with no alert sent.
func (r *failureRepo) ListAlertable(ctx context.Context) ([]models.FailureRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.FailureRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT symbol, consecutive_failures, last_failure_at, last_success_at, alert_sent, alert_sent_at
		FROM symbol_failure_tracking
		WHERE consecutive_failures >= $1 AND alert_sent = FALSE
		ORDER BY consecutive_failures DESC`, alertAfterFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list alertable symbols: %w", err)
	}
	return out, nil
}
