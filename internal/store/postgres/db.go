// Package postgres implements the store interfaces on PostgreSQL via sqlx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/marketforge/candlevault/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// defaultTimeout bounds every single-row operation.
const defaultTimeout = 10 * time.Second

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent so
// repeated boots are safe.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Debug().Msg("database schema ensured")
	return nil
}

// New wires every repository onto one pool.
func New(db *sqlx.DB) *store.Store {
	return &store.Store{
		Candles:   NewCandleRepo(db, defaultTimeout),
		Symbols:   NewSymbolRepo(db, defaultTimeout),
		Backfills: NewBackfillRepo(db, defaultTimeout),
		Failures:  NewFailureRepo(db, defaultTimeout),
		Anomalies: NewAnomalyRepo(db, defaultTimeout),
		Features:  NewFeatureRepo(db, defaultTimeout),
		APIKeys:   NewAPIKeyRepo(db, defaultTimeout),
		Health:    NewHealthRepo(db, defaultTimeout),
	}
}

// healthRepo implements store.HealthRepo.
type healthRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHealthRepo creates the connectivity probe.
func NewHealthRepo(db *sqlx.DB, timeout time.Duration) store.HealthRepo {
	return &healthRepo{db: db, timeout: timeout}
}

func (r *healthRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *healthRepo) Health(ctx context.Context) store.HealthCheck {
	start := time.Now()
	check := store.HealthCheck{
		Healthy:   true,
		LastCheck: start,
	}
	if err := r.Ping(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	}

	stats := r.db.Stats()
	check.ConnectionPool = map[string]int{
		"open":    stats.OpenConnections,
		"in_use":  stats.InUse,
		"idle":    stats.Idle,
		"max":     stats.MaxOpenConnections,
		"waiting": int(stats.WaitCount),
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}
