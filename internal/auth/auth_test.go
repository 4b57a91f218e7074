package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/haven-ai/toolforge/internal/store"
)

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"bearer scheme", "Bearer tfk_abc123", "tfk_abc123", nil},
		{"lowercase scheme", "bearer tfk_abc123", "tfk_abc123", nil},
		{"bare key", "tfk_abc123", "tfk_abc123", nil},
		{"empty header", "", "", ErrMissingAPIKey},
		{"wrong key prefix", "Bearer sk-abc123", "", ErrInvalidAPIKey},
		{"scheme only", "Bearer ", "", ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearer(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]PrincipalContext{
		"tfk_devkey": {PrincipalID: "p1", Name: "dev"},
	})

	pc, err := a.Authenticate(context.Background(), "tfk_devkey")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pc.PrincipalID != "p1" || pc.Name != "dev" {
		t.Errorf("principal = %+v", pc)
	}

	if _, err := a.Authenticate(context.Background(), "tfk_wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key = %v, want ErrInvalidAPIKey", err)
	}
}

// fakePrincipalStore backs PostgresAuthenticator tests without a database.
type fakePrincipalStore struct {
	mu         sync.Mutex
	byPrefix   map[string]*store.Principal
	lookups    int
	failLookup bool
}

func (f *fakePrincipalStore) LookupByPrefix(_ context.Context, prefix string) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.failLookup {
		return nil, errors.New("connection refused")
	}
	return f.byPrefix[prefix], nil
}

func (f *fakePrincipalStore) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func testPrincipal(t *testing.T, key string) *store.Principal {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &store.Principal{
		ID:           "p1",
		Name:         "assistant",
		APIKeyHash:   string(hash),
		APIKeyPrefix: key[:8],
	}
}

func TestPostgresAuthenticator_ValidKey(t *testing.T) {
	const key = "tfk_0123456789abcdef"
	fake := &fakePrincipalStore{byPrefix: map[string]*store.Principal{
		key[:8]: testPrincipal(t, key),
	}}
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: fake, CacheTTL: time.Minute, Logger: zap.NewNop()})

	pc, err := a.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pc.PrincipalID != "p1" || pc.Name != "assistant" {
		t.Errorf("principal = %+v", pc)
	}

	// Second call is served from cache.
	if _, err := a.Authenticate(context.Background(), key); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if n := fake.lookupCount(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}

func TestPostgresAuthenticator_InvalidKeys(t *testing.T) {
	const key = "tfk_0123456789abcdef"
	fake := &fakePrincipalStore{byPrefix: map[string]*store.Principal{
		key[:8]: testPrincipal(t, key),
	}}
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: fake, Logger: zap.NewNop()})
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"unknown prefix", "tfk_ffffffffffffffff"},
		{"right prefix wrong key", key[:8] + "tampered"},
		{"too short", "tfk_ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Authenticate(ctx, tt.key); !errors.Is(err, ErrInvalidAPIKey) {
				t.Errorf("err = %v, want ErrInvalidAPIKey", err)
			}
		})
	}
}

func TestPostgresAuthenticator_DBDownFailsClosed(t *testing.T) {
	fake := &fakePrincipalStore{failLookup: true}
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: fake, Logger: zap.NewNop()})

	_, err := a.Authenticate(context.Background(), "tfk_0123456789abcdef")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("err = %v, want ErrAuthUnavailable", err)
	}
}

func TestAuthCache(t *testing.T) {
	c := NewAuthCache(20 * time.Millisecond)
	pc := &PrincipalContext{PrincipalID: "p1"}

	if res := c.Get("k"); res.Hit {
		t.Fatal("empty cache reported a hit")
	}

	c.Set("k", pc)
	res := c.Get("k")
	if !res.Hit || res.NeedsRefresh || res.Principal == nil {
		t.Fatalf("fresh entry: %+v", res)
	}

	time.Sleep(40 * time.Millisecond)

	first := c.Get("k")
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("stale entry should hit and win refresh: %+v", first)
	}
	if second := c.Get("k"); second.NeedsRefresh {
		t.Error("only one reader may win the refresh")
	}

	c.Delete("k")
	if res := c.Get("k"); res.Hit {
		t.Error("deleted entry still hits")
	}
}
