package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

const backfillColumns = `execution_id, symbol, timeframe, status, started_at, completed_at,
	records_inserted, error_message, retry_count, created_at`

// backfillRepo implements store.BackfillRepo.
type backfillRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBackfillRepo creates the backfill_state_persistent repository.
func NewBackfillRepo(db *sqlx.DB, timeout time.Duration) store.BackfillRepo {
	return &backfillRepo{db: db, timeout: timeout}
}

// CreateState opens a pending execution with a fresh id.
func (r *backfillRepo) CreateState(ctx context.Context, symbol string, tf models.Timeframe) (*models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	state := models.BackfillState{
		ExecutionID: uuid.NewString(),
		Symbol:      symbol,
		Timeframe:   tf,
		Status:      models.BackfillPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backfill_state_persistent (execution_id, symbol, timeframe, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		state.ExecutionID, state.Symbol, state.Timeframe, state.Status, state.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create backfill state: %w", err)
	}
	return &state, nil
}

// UpdateState advances one execution. in_progress stamps started_at;
// terminal statuses stamp completed_at. Terminal rows are never advanced
// again.
func (r *backfillRepo) UpdateState(ctx context.Context, executionID string, status models.BackfillStatus, recordsInserted int, errorMessage *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var query string
	switch {
	case status == models.BackfillInProgress:
		query = `
			UPDATE backfill_state_persistent
			SET status = $2, started_at = NOW(), records_inserted = $3, error_message = $4
			WHERE execution_id = $1 AND status NOT IN ('completed', 'failed')`
	case status.Terminal():
		query = `
			UPDATE backfill_state_persistent
			SET status = $2, completed_at = NOW(), records_inserted = $3, error_message = $4
			WHERE execution_id = $1 AND status NOT IN ('completed', 'failed')`
	default:
		query = `
			UPDATE backfill_state_persistent
			SET status = $2, records_inserted = $3, error_message = $4
			WHERE execution_id = $1 AND status NOT IN ('completed', 'failed')`
	}

	res, err := r.db.ExecContext(ctx, query, executionID, status, recordsInserted, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update backfill state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s not updatable: %w", executionID, store.ErrNotFound)
	}
	return nil
}

// GetState returns one execution.
func (r *backfillRepo) GetState(ctx context.Context, executionID string) (*models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var state models.BackfillState
	err := r.db.GetContext(ctx, &state, `
		SELECT `+backfillColumns+` FROM backfill_state_persistent
		WHERE execution_id = $1`, executionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get backfill state: %w", err)
	}
	return &state, nil
}

// ListActiveStates returns pending and in_progress executions, oldest
// first.
func (r *backfillRepo) ListActiveStates(ctx context.Context) ([]models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.BackfillState
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+backfillColumns+` FROM backfill_state_persistent
		WHERE status IN ('pending', 'in_progress')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active states: %w", err)
	}
	return out, nil
}

// ListRecentStates returns the newest executions.
func (r *backfillRepo) ListRecentStates(ctx context.Context, limit int) ([]models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.BackfillState
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+backfillColumns+` FROM backfill_state_persistent
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent states: %w", err)
	}
	return out, nil
}

// FailOrphaned closes out executions a previous process left behind.
func (r *backfillRepo) FailOrphaned(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_state_persistent
		SET status = 'failed', error_message = 'orphaned by restart', completed_at = NOW()
		WHERE status IN ('pending', 'in_progress') AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// LogRun appends a run summary to the history table.
func (r *backfillRepo) LogRun(ctx context.Context, run models.BackfillRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backfill_runs (job_id, trigger, symbols, succeeded, failed, records, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.JobID, run.Trigger, run.Symbols, run.Succeeded, run.Failed, run.Records, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to log backfill run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest run summaries.
func (r *backfillRepo) RecentRuns(ctx context.Context, limit int) ([]models.BackfillRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.BackfillRun
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, job_id, trigger, symbols, succeeded, failed, records, started_at, completed_at
		FROM backfill_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill runs: %w", err)
	}
	return out, nil
}
