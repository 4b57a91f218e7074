package registry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/tool"
)

// fakeToolStore backs PostgresRegistry tests without a database.
type fakeToolStore struct {
	mu      sync.Mutex
	byID    map[string]tool.Definition
	selects int
	failDB  bool
}

func newFakeToolStore() *fakeToolStore {
	return &fakeToolStore{byID: make(map[string]tool.Definition)}
}

func (f *fakeToolStore) InsertTool(_ context.Context, def *tool.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDB {
		return errors.New("connection refused")
	}
	version := 1
	for _, d := range f.byID {
		if d.Principal == def.Principal && d.Name == def.Name && d.Version >= version {
			version = d.Version + 1
		}
	}
	def.Version = version
	f.byID[def.ID] = *def
	return nil
}

func (f *fakeToolStore) SelectTool(_ context.Context, id string) (*tool.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects++
	if f.failDB {
		return nil, errors.New("connection refused")
	}
	d, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := d
	return &out, nil
}

func (f *fakeToolStore) SelectLatest(_ context.Context, principal, name string) (*tool.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *tool.Definition
	for _, d := range f.byID {
		if d.Principal == principal && d.Name == name {
			if best == nil || d.Version > best.Version {
				copied := d
				best = &copied
			}
		}
	}
	if best == nil {
		return nil, sql.ErrNoRows
	}
	return best, nil
}

func (f *fakeToolStore) UpdateStatus(_ context.Context, id string, status tool.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.Status = status
	f.byID[id] = d
	return nil
}

func (f *fakeToolStore) SelectByPrincipal(_ context.Context, principal string) ([]tool.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tool.Definition
	for _, d := range f.byID {
		if d.Principal == principal {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeToolStore) selectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selects
}

func TestPostgresRegistry_GetUsesCache(t *testing.T) {
	store := newFakeToolStore()
	r := newPostgresRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	def := &tool.Definition{Principal: "p1", Name: "t", Source: "x"}
	if err := r.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Create primes the cache, so repeated Gets never touch the store.
	for i := 0; i < 3; i++ {
		got, err := r.Get(ctx, def.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != def.ID {
			t.Fatalf("got tool %s, want %s", got.ID, def.ID)
		}
	}
	if n := store.selectCount(); n != 0 {
		t.Errorf("cached Gets hit the store %d times", n)
	}
}

func TestPostgresRegistry_NotFoundIsNegativeCached(t *testing.T) {
	store := newFakeToolStore()
	r := newPostgresRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get ghost = %v, want ErrNotFound", err)
		}
	}
	if n := store.selectCount(); n != 1 {
		t.Errorf("misses queried the store %d times, want 1", n)
	}
}

func TestPostgresRegistry_DisableInvalidatesCache(t *testing.T) {
	store := newFakeToolStore()
	r := newPostgresRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	def := &tool.Definition{Principal: "p1", Name: "t", Source: "x"}
	if err := r.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Disable(ctx, def.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	got, err := r.Get(ctx, def.ID)
	if err != nil {
		t.Fatalf("Get after disable: %v", err)
	}
	if got.Status != tool.StatusDisabled {
		t.Errorf("status = %s, the disable must be visible immediately", got.Status)
	}

	if err := r.Disable(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Disable ghost = %v, want ErrNotFound", err)
	}
}

func TestPostgresRegistry_DBErrorsSurface(t *testing.T) {
	store := newFakeToolStore()
	store.failDB = true
	r := newPostgresRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	if err := r.Create(ctx, &tool.Definition{Principal: "p", Name: "t"}); err == nil {
		t.Error("Create should surface store errors")
	}
	if _, err := r.Get(ctx, "t1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get with failing store = %v, want a plain error", err)
	}
}

func TestPostgresRegistry_Lookup(t *testing.T) {
	store := newFakeToolStore()
	r := newPostgresRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	v1 := &tool.Definition{Principal: "p1", Name: "t", Source: "v1"}
	v2 := &tool.Definition{Principal: "p1", Name: "t", Source: "v2"}
	if err := r.Create(ctx, v1); err != nil {
		t.Fatalf("Create v1: %v", err)
	}
	if err := r.Create(ctx, v2); err != nil {
		t.Fatalf("Create v2: %v", err)
	}

	got, err := r.Lookup(ctx, "p1", "t")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Version != 2 || got.Source != "v2" {
		t.Errorf("Lookup = v%d %q, want the latest version", got.Version, got.Source)
	}

	if _, err := r.Lookup(ctx, "p1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup ghost = %v, want ErrNotFound", err)
	}
}
