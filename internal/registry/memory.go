package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven-ai/toolforge/internal/tool"
)

// MemoryRegistry is an in-memory Registry for development and tests.
type MemoryRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*tool.Definition
	names map[string][]*tool.Definition // principal+":"+name -> versions ascending
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:  make(map[string]*tool.Definition),
		names: make(map[string][]*tool.Definition),
	}
}

func (r *MemoryRegistry) Create(_ context.Context, def *tool.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if def.Status == "" {
		def.Status = tool.StatusActive
	}

	key := def.Principal + ":" + def.Name
	def.Version = len(r.names[key]) + 1

	stored := *def
	r.byID[def.ID] = &stored
	r.names[key] = append(r.names[key], &stored)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*tool.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *def
	return &out, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, principal, name string) (*tool.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.names[principal+":"+name]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := *versions[len(versions)-1]
	return &out, nil
}

func (r *MemoryRegistry) Disable(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	def.Status = tool.StatusDisabled
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, principal string) ([]tool.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []tool.Definition
	for _, def := range r.byID {
		if def.Principal == principal {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
