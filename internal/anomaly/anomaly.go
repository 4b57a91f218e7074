// Package anomaly watches invocation outcomes for suspicious patterns.
// Detection is advisory: findings are recorded and surfaced, but never
// block an invocation that already passed the synchronous checks.
package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/tool"
)

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeViolation        Outcome = "violation"
	OutcomeResourceExceeded Outcome = "resource_exceeded"
	OutcomeError            Outcome = "error"
)

// Sample is one completed invocation as seen by the detectors.
type Sample struct {
	Principal string
	ToolID    string
	Outcome   Outcome
	Usage     tool.Usage
	Limits    governor.Limits
	Timestamp time.Time
}

// Finding is a single detector's positive result for a sample.
type Finding struct {
	Rule       string
	Detail     string
	Confidence float32 // 0.0 - 1.0
}

// Flag is a recorded finding, attributed to the principal and tool
// whose sample triggered it.
type Flag struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal_id"`
	ToolID     string    `json:"tool_id,omitempty"`
	Rule       string    `json:"rule"`
	Detail     string    `json:"detail"`
	Confidence float32   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// FlagStore persists flags for operator review.
type FlagStore interface {
	Add(ctx context.Context, f Flag) error
	Recent(ctx context.Context, principal string, limit int) ([]Flag, error)
}

const defaultFlagCapacity = 10_000

// MemoryFlagStore is a bounded in-memory FlagStore. Oldest flags are
// evicted once the capacity is reached.
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags []Flag
	start int
	count int
}

// NewMemoryFlagStore creates a store holding up to capacity flags.
// A capacity of 0 uses the default.
func NewMemoryFlagStore(capacity int) *MemoryFlagStore {
	if capacity <= 0 {
		capacity = defaultFlagCapacity
	}
	return &MemoryFlagStore{flags: make([]Flag, capacity)}
}

func (s *MemoryFlagStore) Add(_ context.Context, f Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := (s.start + s.count) % len(s.flags)
	if s.count == len(s.flags) {
		s.start = (s.start + 1) % len(s.flags)
	} else {
		s.count++
	}
	s.flags[idx] = f
	return nil
}

// Recent returns flags newest first, optionally filtered by principal.
func (s *MemoryFlagStore) Recent(_ context.Context, principal string, limit int) ([]Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []Flag
	for i := s.count - 1; i >= 0 && len(out) < limit; i-- {
		f := s.flags[(s.start+i)%len(s.flags)]
		if principal != "" && f.Principal != principal {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
