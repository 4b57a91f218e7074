// Package ratelimit bounds how often a principal may register or invoke
// tools, independent of anything the sandbox does. Fixed windows with an
// atomic check-and-increment: double counting or lost increments under
// concurrency are correctness bugs here, not performance bugs.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Action classifies what is being rate limited.
type Action string

const (
	ActionCreate  Action = "create"
	ActionExecute Action = "execute"
)

// Limit is a ceiling of Max admissions per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config holds the two independent ceilings.
type Config struct {
	Create  Limit
	Execute Limit
}

// DefaultConfig returns the stock ceilings: tool creation is rare by
// design, execution merely bounded.
func DefaultConfig() Config {
	return Config{
		Create:  Limit{Max: 5, Window: 24 * time.Hour},
		Execute: Limit{Max: 200, Window: 24 * time.Hour},
	}
}

// Error reports a rejected admission together with the remaining cooldown.
type Error struct {
	Principal  string
	Action     Action
	Limit      int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%d per window): retry in %s",
		e.Action, e.Limit, e.RetryAfter.Round(time.Second))
}

type counterKey struct {
	principal string
	action    Action
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks fixed windows per (principal, action). All state lives
// behind one mutex; admission check and increment are a single critical
// section.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	windows   map[counterKey]*window
	overrides map[counterKey]int
	now       func() time.Time
}

// New creates a Limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:       cfg,
		windows:   make(map[counterKey]*window),
		overrides: make(map[counterKey]int),
		now:       time.Now,
	}
}

// Admit records an attempted action and admits it if the principal is
// under its ceiling. Rejection has no side effect beyond the attempt
// itself being remembered against the window.
func (l *Limiter) Admit(principal string, action Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(action)
	key := counterKey{principal: principal, action: action}
	if max, ok := l.overrides[key]; ok {
		limit.Max = max
	}

	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= limit.Window {
		w = &window{start: now}
		l.windows[key] = w
		l.maybeSweep(now)
	}

	if w.count >= limit.Max {
		return &Error{
			Principal:  principal,
			Action:     action,
			Limit:      limit.Max,
			RetryAfter: w.start.Add(limit.Window).Sub(now),
		}
	}
	w.count++
	return nil
}

// Tighten lowers a principal's ceiling for an action by the given factor,
// to at least one per window. Advisory input from the anomaly detector;
// it never disables a principal outright.
func (l *Limiter) Tighten(principal string, action Action, factor int) {
	if factor < 2 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	max := l.limitFor(action).Max / factor
	if max < 1 {
		max = 1
	}
	l.overrides[counterKey{principal: principal, action: action}] = max
}

// Restore removes any tightened ceilings for the principal.
func (l *Limiter) Restore(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.overrides {
		if key.principal == principal {
			delete(l.overrides, key)
		}
	}
}

// Remaining reports how many admissions the principal has left in the
// current window.
func (l *Limiter) Remaining(principal string, action Action) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(action)
	key := counterKey{principal: principal, action: action}
	if max, ok := l.overrides[key]; ok {
		limit.Max = max
	}
	w := l.windows[key]
	if w == nil || l.now().Sub(w.start) >= limit.Window {
		return limit.Max
	}
	if w.count >= limit.Max {
		return 0
	}
	return limit.Max - w.count
}

func (l *Limiter) limitFor(action Action) Limit {
	if action == ActionCreate {
		return l.cfg.Create
	}
	return l.cfg.Execute
}

// maybeSweep drops expired windows once the map grows past a threshold.
// Called with the mutex held.
func (l *Limiter) maybeSweep(now time.Time) {
	const sweepThreshold = 4096
	if len(l.windows) < sweepThreshold {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.limitFor(key.action).Window {
			delete(l.windows, key)
		}
	}
}
