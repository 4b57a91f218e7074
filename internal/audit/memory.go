package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryLog is the single-process event log: a mutex-protected ring that
// also emits each event through zap, so a deployment without ClickHouse
// still has a durable (process-lifetime plus log shipping) record. It
// implements both Writer and Reader.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
	cap    int
	logger *zap.Logger
}

// NewMemoryLog creates a MemoryLog keeping at most capacity events.
func NewMemoryLog(capacity int, logger *zap.Logger) *MemoryLog {
	if capacity <= 0 {
		capacity = 10_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLog{cap: capacity, logger: logger}
}

func (l *MemoryLog) Write(e *Event) {
	l.append(e)
}

func (l *MemoryLog) WriteSync(_ context.Context, e *Event) error {
	l.append(e)
	return nil
}

func (l *MemoryLog) append(e *Event) {
	l.mu.Lock()
	l.events = append(l.events, *e)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	l.mu.Unlock()

	l.logger.Info("security_event",
		zap.String("event_id", e.ID),
		zap.String("request_id", e.RequestID),
		zap.String("event_type", string(e.Type)),
		zap.String("tool_id", e.ToolID),
		zap.String("principal_id", e.Principal),
		zap.String("severity", string(e.Severity)),
		zap.String("detail", e.Detail),
	)
}

func (l *MemoryLog) Close() {}

// Query returns matching events, newest first.
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	skipped := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if !f.matches(&e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
