package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// symbolRepo implements store.SymbolRepo.
type symbolRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSymbolRepo creates the tracked_symbols repository.
func NewSymbolRepo(db *sqlx.DB, timeout time.Duration) store.SymbolRepo {
	return &symbolRepo{db: db, timeout: timeout}
}

// symbolRow maps the table; timeframes needs the array adapter.
type symbolRow struct {
	Symbol         string         `db:"symbol"`
	AssetClass     string         `db:"asset_class"`
	Active         bool           `db:"active"`
	Timeframes     pq.StringArray `db:"timeframes"`
	LastBackfill   *time.Time     `db:"last_backfill"`
	BackfillStatus string         `db:"backfill_status"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (row symbolRow) toModel() models.Symbol {
	tfs := make([]models.Timeframe, 0, len(row.Timeframes))
	for _, s := range row.Timeframes {
		tfs = append(tfs, models.Timeframe(s))
	}
	return models.Symbol{
		Symbol:         row.Symbol,
		AssetClass:     models.AssetClass(row.AssetClass),
		Active:         row.Active,
		Timeframes:     tfs,
		LastBackfill:   row.LastBackfill,
		BackfillStatus: row.BackfillStatus,
		CreatedAt:      row.CreatedAt,
	}
}

func tfArray(tfs []models.Timeframe) pq.StringArray {
	if len(tfs) == 0 {
		return pq.StringArray{string(models.TF1d)}
	}
	out := make(pq.StringArray, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}

// Create registers a new symbol.
func (r *symbolRepo) Create(ctx context.Context, sym models.Symbol) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_symbols (symbol, asset_class, active, timeframes, backfill_status)
		VALUES ($1, $2, $3, $4, 'pending')`,
		sym.Symbol, sym.AssetClass, sym.Active, tfArray(sym.Timeframes))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("symbol %s already tracked: %w", sym.Symbol, err)
		}
		return fmt.Errorf("failed to create symbol: %w", err)
	}
	return nil
}

// Ensure registers the symbol only when absent.
func (r *symbolRepo) Ensure(ctx context.Context, sym models.Symbol) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tracked_symbols (symbol, asset_class, active, timeframes, backfill_status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (symbol) DO NOTHING`,
		sym.Symbol, sym.AssetClass, sym.Active, tfArray(sym.Timeframes))
	if err != nil {
		return false, fmt.Errorf("failed to ensure symbol: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns one symbol.
func (r *symbolRepo) Get(ctx context.Context, symbol string) (*models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row symbolRow
	err := r.db.GetContext(ctx, &row, `
		SELECT symbol, asset_class, active, timeframes, last_backfill, backfill_status, created_at
		FROM tracked_symbols
		WHERE symbol = $1`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get symbol: %w", err)
	}
	sym := row.toModel()
	return &sym, nil
}

// List returns symbols ordered by name.
func (r *symbolRepo) List(ctx context.Context, activeOnly bool) ([]models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, asset_class, active, timeframes, last_backfill, backfill_status, created_at
		FROM tracked_symbols`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY symbol`

	var rows []symbolRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}

	out := make([]models.Symbol, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Deactivate soft-deletes the symbol.
func (r *symbolRepo) Deactivate(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tracked_symbols SET active = FALSE WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to deactivate symbol: %w", err)
	}
	return requireRow(res, symbol)
}

// UpdateTimeframes replaces the symbol's timeframe set.
func (r *symbolRepo) UpdateTimeframes(ctx context.Context, symbol string, tfs []models.Timeframe) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tracked_symbols SET timeframes = $2 WHERE symbol = $1`, symbol, tfArray(tfs))
	if err != nil {
		return fmt.Errorf("failed to update timeframes: %w", err)
	}
	return requireRow(res, symbol)
}

// RecordBackfillOutcome stamps the last run outcome on the registry row.
func (r *symbolRepo) RecordBackfillOutcome(ctx context.Context, symbol, status string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tracked_symbols SET last_backfill = $2, backfill_status = $3 WHERE symbol = $1`,
		symbol, at, status)
	if err != nil {
		return fmt.Errorf("failed to record backfill outcome: %w", err)
	}
	return requireRow(res, symbol)
}

func requireRow(res sql.Result, symbol string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	return nil
}
