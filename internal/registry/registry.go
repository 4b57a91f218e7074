package registry

import (
	"context"
	"errors"

	"github.com/haven-ai/toolforge/internal/tool"
)

// ErrNotFound is returned when a tool ID does not resolve to a definition.
var ErrNotFound = errors.New("tool not found")

// Registry persists tool definitions. Definitions are append-only:
// registering a tool under a name that already exists for the principal
// creates a new version rather than overwriting the old one.
type Registry interface {
	// Create stores a new definition, assigning its ID and version.
	Create(ctx context.Context, def *tool.Definition) error

	// Get returns the definition for an ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*tool.Definition, error)

	// Lookup returns the latest version registered under principal+name,
	// or ErrNotFound.
	Lookup(ctx context.Context, principal, name string) (*tool.Definition, error)

	// Disable marks a definition disabled. Disabling is permanent for
	// that version; re-enabling means registering a new version.
	Disable(ctx context.Context, id string) error

	// List returns every definition owned by a principal, all versions,
	// newest first.
	List(ctx context.Context, principal string) ([]tool.Definition, error)
}
