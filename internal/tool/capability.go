package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrCapabilityDenied marks a capability call that the sandbox refuses:
// either the name was never granted or a read-only tool reached for a
// mutating function. Adversarial by definition, so it is surfaced as a
// sandbox violation rather than an ordinary tool error.
var ErrCapabilityDenied = errors.New("capability denied")

// CapabilityFunc is one collaborator data-access function exposed to a
// sandboxed tool. Arguments and return value are plain JSON-shaped Go
// values (string, float64, bool, nil, []any, map[string]any).
type CapabilityFunc func(ctx context.Context, args []any) (any, error)

// CapabilityEntry pairs a collaborator function with its access class.
type CapabilityEntry struct {
	Fn       CapabilityFunc
	Mutating bool
}

// CapabilitySet is the closed namespace of collaborator functions granted
// to an execution. It is immutable after construction.
type CapabilitySet struct {
	entries map[string]CapabilityEntry
}

// NewCapabilitySet builds a set from the given entries. The map is copied.
func NewCapabilitySet(entries map[string]CapabilityEntry) *CapabilitySet {
	m := make(map[string]CapabilityEntry, len(entries))
	for name, e := range entries {
		m[name] = e
	}
	return &CapabilitySet{entries: m}
}

// Lookup returns the entry for name.
func (s *CapabilitySet) Lookup(name string) (CapabilityEntry, bool) {
	if s == nil {
		return CapabilityEntry{}, false
	}
	e, ok := s.entries[name]
	return e, ok
}

// Names returns the capability names in sorted order.
func (s *CapabilitySet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes the named capability, enforcing the tool's capability class:
// a read-only execution may never reach a mutating function, even if the
// registry record was tampered with after validation.
func (s *CapabilitySet) Call(ctx context.Context, name string, cap Capability, args []any) (any, error) {
	e, ok := s.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("capability %q is not granted to this execution: %w", name, ErrCapabilityDenied)
	}
	if e.Mutating && cap != CapabilityReadWrite {
		return nil, fmt.Errorf("capability %q mutates state but the tool is %s: %w", name, cap, ErrCapabilityDenied)
	}
	return e.Fn(ctx, args)
}
