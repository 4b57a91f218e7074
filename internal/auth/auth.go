// Package auth validates API keys on incoming requests.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication unavailable")
)

// PrincipalContext holds the authenticated principal's identity.
type PrincipalContext struct {
	PrincipalID string
	Name        string
}

// Authenticator validates an API key and returns the principal it
// belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*PrincipalContext, error)
}

// ExtractBearer pulls the token out of an Authorization header value.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "tfk_") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator validates keys against a fixed map, for local
// development and tests. No database, no bcrypt.
type StaticAuthenticator struct {
	keys map[string]PrincipalContext // full key -> principal
}

// NewStaticAuthenticator creates an authenticator from a key->principal
// map. Keys must carry the tfk_ prefix.
func NewStaticAuthenticator(keys map[string]PrincipalContext) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*PrincipalContext, error) {
	pc, ok := a.keys[apiKey]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	out := pc
	return &out, nil
}
