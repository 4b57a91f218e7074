package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/haven-ai/toolforge/internal/store"
)

// PrincipalStore abstracts DB queries for testability.
type PrincipalStore interface {
	// LookupByPrefix returns the principal for an API key prefix, or
	// nil when no principal carries that prefix.
	LookupByPrefix(ctx context.Context, prefix string) (*store.Principal, error)
}

// PostgresAuthenticator validates API keys against the principals table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the
// hot path. Auth failures always return an error; nothing runs without
// valid auth.
type PostgresAuthenticator struct {
	store  PrincipalStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Store    PrincipalStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  cfg.Store,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. A DB error surfaces as ErrAuthUnavailable, never as a pass.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*PrincipalContext, error) {
	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	pc, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(apiKey, pc)
	return pc, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background
// goroutine. Errors are logged but don't affect the caller (they already
// got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth cache refresh failed", zap.Error(err))
		// Drop the stale entry so the next read retries the lookup.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, pc)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*PrincipalContext, error) {
	// api_key_prefix is the first 8 chars (e.g. "tfk_abcd")
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:8]

	p, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if p == nil {
		return nil, ErrInvalidAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &PrincipalContext{
		PrincipalID: p.ID,
		Name:        p.Name,
	}, nil
}
