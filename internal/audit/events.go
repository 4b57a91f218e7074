// Package audit is the append-mostly security event log. Validation
// failures, sandbox violations, resource breaches, and rate rejections are
// recorded here unconditionally; critical events are durably written
// before the triggering request may complete.
package audit

import (
	"context"
	"time"
)

// EventType classifies a security event.
type EventType string

const (
	EventValidationFailure EventType = "validation_failure"
	EventSandboxViolation  EventType = "sandbox_violation"
	EventResourceExceeded  EventType = "resource_exceeded"
	EventRateLimited       EventType = "rate_limited"
)

// Severity orders events for operator triage. Critical events have a
// durability guarantee the lower severities do not.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank maps severities onto a total order for filtering.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Event is one immutable security event. Owned solely by this package:
// appended and read, never mutated.
type Event struct {
	ID        string
	RequestID string
	Type      EventType
	ToolID    string // empty when no tool is involved
	Principal string
	// Excerpt is the offending code excerpt, truncated for storage.
	Excerpt   string
	Detail    string
	Severity  Severity
	Timestamp time.Time
}

// Writer records events. Write never blocks the caller and may buffer;
// WriteSync persists durably before returning and is required for
// critical severity.
type Writer interface {
	Write(e *Event)
	WriteSync(ctx context.Context, e *Event) error
	Close()
}

// Filter selects events for the operator read path.
type Filter struct {
	Principal   string
	ToolID      string
	Types       []EventType
	MinSeverity Severity
	Start       *time.Time
	End         *time.Time
	Limit       int
	Offset      int
}

// Reader queries recorded events, newest first.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// ExcerptLength is the max runes of offending source stored on an event.
const ExcerptLength = 500

// TruncateExcerpt returns the first ExcerptLength runes of source. It
// never splits a multi-byte UTF-8 character.
func TruncateExcerpt(source string) string {
	runes := []rune(source)
	if len(runes) <= ExcerptLength {
		return source
	}
	return string(runes[:ExcerptLength])
}

// matches reports whether e passes the filter, shared by the in-memory
// reader and tests.
func (f Filter) matches(e *Event) bool {
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	if f.ToolID != "" && e.ToolID != f.ToolID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}
