package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/marketforge/candlevault/internal/models"
	"github.com/marketforge/candlevault/internal/store"
)

// keyMaterialBytes sizes the random key body; 32 bytes hex-encoded.
const keyMaterialBytes = 32

// apiKeyRepo implements store.APIKeyRepo.
type apiKeyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAPIKeyRepo creates the credential repository.
func NewAPIKeyRepo(db *sqlx.DB, timeout time.Duration) store.APIKeyRepo {
	return &apiKeyRepo{db: db, timeout: timeout}
}

// Create issues a key and returns the raw material exactly once. Only the
// SHA-256 digest reaches the database.
func (r *apiKeyRepo) Create(ctx context.Context, name string) (*models.APIKey, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	buf := make([]byte, keyMaterialBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	material := "cv_" + hex.EncodeToString(buf)

	key := models.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Hash:      store.HashAPIKey(material),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, hash, active, created_at, request_count)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		key.ID, key.Name, key.Hash, key.Active, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}
	return &key, material, nil
}

// Validate resolves raw material to an active key by digest and bumps its
// request counter.
func (r *apiKeyRepo) Validate(ctx context.Context, material string) (*models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var key models.APIKey
	err := r.db.GetContext(ctx, &key, `
		UPDATE api_keys
		SET request_count = request_count + 1
		WHERE hash = $1 AND active = TRUE
		RETURNING id, name, hash, active, created_at, request_count`,
		store.HashAPIKey(material))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to validate api key: %w", err)
	}
	return &key, nil
}

// List returns all keys, newest first.
func (r *apiKeyRepo) List(ctx context.Context) ([]models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.APIKey
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, name, hash, active, created_at, request_count
		FROM api_keys
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return out, nil
}

// Revoke clears the active flag.
func (r *apiKeyRepo) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("api key %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Audit appends one authentication attempt.
func (r *apiKeyRepo) Audit(ctx context.Context, entry models.APIKeyAudit) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_key_audit (key_id, endpoint, outcome, remote_ip, at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.KeyID, entry.Endpoint, entry.Outcome, entry.RemoteIP, at)
	if err != nil {
		return fmt.Errorf("failed to audit api key use: %w", err)
	}
	return nil
}

// AuditLog returns the newest audit entries.
func (r *apiKeyRepo) AuditLog(ctx context.Context, limit int) ([]models.APIKeyAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var out []models.APIKeyAudit
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, key_id, endpoint, outcome, remote_ip, at
		FROM api_key_audit
		ORDER BY at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return out, nil
}
