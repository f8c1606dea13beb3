package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/apishield/admission-control/models"
)

type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// IssueParams describes a key to be created. Zero overrides mean the
// tier defaults apply.
type IssueParams struct {
	OwnerUserID uuid.UUID
	Name        string
	Tier        models.Tier
	RateLimit   int
	WindowMs    int64
	Burst       int
	Scopes      []string
	ExpiresAt   *time.Time
}

// Issue creates a key and returns the record together with the
// plaintext secret. This is the only moment the plaintext exists;
// only its hash is stored.
func (r *APIKeyRepository) Issue(ctx context.Context, params IssueParams) (*models.APIKey, string, error) {
	if !models.ValidTier(params.Tier) {
		return nil, "", fmt.Errorf("unknown tier %q", params.Tier)
	}

	secret := generateSecret()
	key := &models.APIKey{
		KeyID:       uuid.New(),
		OwnerUserID: params.OwnerUserID,
		Name:        params.Name,
		SecretHash:  hashSecret(secret),
		Tier:        params.Tier,
		RateLimit:   params.RateLimit,
		WindowMs:    params.WindowMs,
		Burst:       params.Burst,
		Scopes:      params.Scopes,
		IsActive:    true,
		ExpiresAt:   params.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}

	query := `INSERT INTO api_keys (key_id, owner_user_id, name, secret_hash, tier, rate_limit, window_ms, burst, scopes, is_active, is_revoked, expires_at, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(ctx, query,
		key.KeyID, key.OwnerUserID, key.Name, key.SecretHash, key.Tier,
		key.RateLimit, key.WindowMs, key.Burst, pq.Array(key.Scopes),
		key.IsActive, key.IsRevoked, key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// Validate resolves a presented plaintext secret to its key record.
// Revocation and expiry are terminal; both are rechecked on every
// validation rather than cleaned up ahead of time. A successful
// validation touches last_used_at.
func (r *APIKeyRepository) Validate(ctx context.Context, secret string) (*models.APIKey, error) {
	key, err := r.getByHash(ctx, hashSecret(secret))
	if err == sql.ErrNoRows {
		return nil, models.ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if err := keyUsable(key, time.Now()); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	touchQuery := `UPDATE api_keys SET last_used_at = $1 WHERE key_id = $2`
	if _, err := r.db.ExecContext(ctx, touchQuery, now, key.KeyID); err != nil {
		// Best effort; validation already succeeded.
		return key, nil
	}
	return key, nil
}

func (r *APIKeyRepository) getByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `SELECT key_id, owner_user_id, name, secret_hash, tier, rate_limit, window_ms, burst, scopes, is_active, is_revoked, expires_at, created_at, last_used_at
			  FROM api_keys WHERE secret_hash = $1`
	return r.scanKey(r.db.QueryRowContext(ctx, query, hash))
}

func (r *APIKeyRepository) GetByID(ctx context.Context, keyID uuid.UUID) (*models.APIKey, error) {
	query := `SELECT key_id, owner_user_id, name, secret_hash, tier, rate_limit, window_ms, burst, scopes, is_active, is_revoked, expires_at, created_at, last_used_at
			  FROM api_keys WHERE key_id = $1`
	return r.scanKey(r.db.QueryRowContext(ctx, query, keyID))
}

func (r *APIKeyRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	query := `SELECT key_id, owner_user_id, name, secret_hash, tier, rate_limit, window_ms, burst, scopes, is_active, is_revoked, expires_at, created_at, last_used_at
			  FROM api_keys WHERE owner_user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := r.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke is terminal. There is deliberately no un-revoke.
func (r *APIKeyRepository) Revoke(ctx context.Context, keyID uuid.UUID) error {
	query := `UPDATE api_keys SET is_revoked = true, is_active = false WHERE key_id = $1`
	result, err := r.db.ExecContext(ctx, query, keyID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrInvalidKey
	}
	return nil
}

// Rotate revokes the old key and issues a replacement with the same
// owner, tier, overrides and scopes, in one transaction.
func (r *APIKeyRepository) Rotate(ctx context.Context, keyID uuid.UUID) (*models.APIKey, string, error) {
	old, err := r.GetByID(ctx, keyID)
	if err == sql.ErrNoRows {
		return nil, "", models.ErrInvalidKey
	}
	if err != nil {
		return nil, "", err
	}
	if old.IsRevoked {
		return nil, "", models.ErrKeyRevoked
	}

	secret := generateSecret()
	replacement := replacementFor(old, secret)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET is_revoked = true, is_active = false WHERE key_id = $1`, keyID); err != nil {
		return nil, "", err
	}
	insert := `INSERT INTO api_keys (key_id, owner_user_id, name, secret_hash, tier, rate_limit, window_ms, burst, scopes, is_active, is_revoked, expires_at, created_at)
			   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.ExecContext(ctx, insert,
		replacement.KeyID, replacement.OwnerUserID, replacement.Name, replacement.SecretHash,
		replacement.Tier, replacement.RateLimit, replacement.WindowMs, replacement.Burst,
		pq.Array(replacement.Scopes), replacement.IsActive, replacement.IsRevoked,
		replacement.ExpiresAt, replacement.CreatedAt); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return replacement, secret, nil
}

// keyUsable checks the terminal states on a stored key. Revocation
// wins over expiry so a revoked-then-expired key still reports
// revoked.
func keyUsable(key *models.APIKey, at time.Time) error {
	if key.IsRevoked {
		return models.ErrKeyRevoked
	}
	if !key.IsActive {
		return models.ErrInvalidKey
	}
	if key.ExpiresAt != nil && !at.Before(*key.ExpiresAt) {
		return models.ErrKeyExpired
	}
	return nil
}

// replacementFor builds the rotated key: fresh ID and secret hash,
// everything the owner configured carried over.
func replacementFor(old *models.APIKey, secret string) *models.APIKey {
	return &models.APIKey{
		KeyID:       uuid.New(),
		OwnerUserID: old.OwnerUserID,
		Name:        old.Name,
		SecretHash:  hashSecret(secret),
		Tier:        old.Tier,
		RateLimit:   old.RateLimit,
		WindowMs:    old.WindowMs,
		Burst:       old.Burst,
		Scopes:      old.Scopes,
		IsActive:    true,
		ExpiresAt:   old.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *APIKeyRepository) scanKey(row rowScanner) (*models.APIKey, error) {
	key := &models.APIKey{}
	var scopes pq.StringArray
	err := row.Scan(&key.KeyID, &key.OwnerUserID, &key.Name, &key.SecretHash, &key.Tier,
		&key.RateLimit, &key.WindowMs, &key.Burst, &scopes,
		&key.IsActive, &key.IsRevoked, &key.ExpiresAt, &key.CreatedAt, &key.LastUsedAt)
	if err != nil {
		return nil, err
	}
	key.Scopes = scopes
	return key, nil
}

func generateSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return "ak_" + hex.EncodeToString(bytes)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
