package service

import (
	"sync"
	"time"
)

// Repeated-breach thresholds that trigger auto-disable. Violations are
// deliberate escapes and get a short fuse; resource breaches can be an
// honest bug and get a longer one.
const (
	violationStrikes = 3
	breachStrikes    = 5
	strikeWindow     = time.Hour
)

// strikeTracker counts sandbox violations and resource breaches per tool
// inside a sliding window.
type strikeTracker struct {
	mu         sync.Mutex
	violations map[string][]time.Time
	breaches   map[string][]time.Time
	now        func() time.Time
}

func newStrikeTracker() *strikeTracker {
	return &strikeTracker{
		violations: make(map[string][]time.Time),
		breaches:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// recordViolation adds a strike and returns the count inside the window.
func (t *strikeTracker) recordViolation(toolID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.violations[toolID] = t.append(t.violations[toolID])
	return len(t.violations[toolID])
}

// recordBreach adds a strike and returns the count inside the window.
func (t *strikeTracker) recordBreach(toolID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breaches[toolID] = t.append(t.breaches[toolID])
	return len(t.breaches[toolID])
}

// forget drops all strikes for a tool. Called after the tool is
// disabled so a later version starts clean.
func (t *strikeTracker) forget(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.violations, toolID)
	delete(t.breaches, toolID)
}

func (t *strikeTracker) append(strikes []time.Time) []time.Time {
	now := t.now()
	cutoff := now.Add(-strikeWindow)
	kept := strikes[:0]
	for _, ts := range strikes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return append(kept, now)
}
