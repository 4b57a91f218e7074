package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Principal represents a row in the principals table. A principal is a
// tenant of the tool platform: the owner of registered tools and the
// subject of rate limits and anomaly tracking.
type Principal struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GenerateAPIKey creates a new tfk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "tfk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "tfk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreatePrincipal inserts a new principal.
// Returns the principal and plaintext API key (shown once).
func (s *Store) CreatePrincipal(ctx context.Context, name string) (*Principal, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreatePrincipal: %w", err)
	}

	var p Principal
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO principals (name, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, name, api_key_hash, api_key_prefix, created_at, updated_at`,
		name, keyHash, keyPrefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreatePrincipal: %w", err)
	}

	return &p, fullKey, nil
}

// ListPrincipals returns all principals ordered by created_at DESC.
func (s *Store) ListPrincipals(ctx context.Context) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, created_at, updated_at
		FROM principals ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListPrincipals: %w", err)
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListPrincipals: %w", err)
		}
		principals = append(principals, &p)
	}
	return principals, rows.Err()
}

// GetPrincipal returns a principal by ID, or nil if not found.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, created_at, updated_at
		FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPrincipal: %w", err)
	}
	return &p, nil
}

// DeletePrincipal deletes a principal by ID. Its tools cascade.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeletePrincipal: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RotateAPIKey generates a new API key for a principal.
// Returns the updated principal and the plaintext key (shown once).
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Principal, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	var p Principal
	err = s.db.QueryRowContext(ctx, `
		UPDATE principals SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING id, name, api_key_hash, api_key_prefix, created_at, updated_at`,
		id, keyHash, keyPrefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("RotateAPIKey: principal not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	return &p, fullKey, nil
}

// LookupByPrefix finds a principal by API key prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, created_at, updated_at
		FROM principals WHERE api_key_prefix = $1`, prefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &p, nil
}
