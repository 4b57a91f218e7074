package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const insertColumns = `
	INSERT INTO security_events (
		event_id, request_id, event_type, tool_id, principal_id,
		excerpt, detail, severity, timestamp
	)`

// ClickHouseLog persists security events to ClickHouse. Write is
// non-blocking: events are buffered and batch-inserted by a background
// flush loop. WriteSync inserts immediately and is the path critical
// events must take. It implements both Writer and Reader.
type ClickHouseLog struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseLog connects and starts the background flush loop.
func NewClickHouseLog(dsn string, logger *zap.Logger) (*ClickHouseLog, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseLog: %w", err)
	}

	l := &ClickHouseLog{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go l.flushLoop()
	return l, nil
}

// Write queues an event for async insertion. Non-blocking: drops the
// event if the buffer is full (never acceptable for critical severity,
// which must go through WriteSync).
func (l *ClickHouseLog) Write(e *Event) {
	select {
	case l.buffer <- e:
	default:
		l.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", e.ID),
			zap.String("severity", string(e.Severity)),
		)
	}
}

// WriteSync inserts the event before returning. Callers treat a failure
// here as fatal to the triggering request (fail closed).
func (l *ClickHouseLog) WriteSync(ctx context.Context, e *Event) error {
	batch, err := l.conn.PrepareBatch(ctx, insertColumns)
	if err != nil {
		return fmt.Errorf("WriteSync: %w", err)
	}
	if err := appendEvent(batch, e); err != nil {
		return fmt.Errorf("WriteSync: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("WriteSync: %w", err)
	}
	return nil
}

// Close signals the flush loop to drain remaining events, waits for it,
// and closes the connection.
func (l *ClickHouseLog) Close() {
	close(l.done)
	<-l.flushed
	_ = l.conn.Close()
}

func (l *ClickHouseLog) flushLoop() {
	defer close(l.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case e := <-l.buffer:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-l.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case e := <-l.buffer:
					batch = append(batch, e)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

func (l *ClickHouseLog) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := l.conn.PrepareBatch(ctx, insertColumns)
	if err != nil {
		l.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}
	for _, e := range events {
		if err := appendEvent(batch, e); err != nil {
			l.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		l.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func appendEvent(batch driver.Batch, e *Event) error {
	return batch.Append(
		e.ID,
		e.RequestID,
		string(e.Type),
		e.ToolID,
		e.Principal,
		e.Excerpt,
		e.Detail,
		string(e.Severity),
		e.Timestamp,
	)
}

// Query returns matching events, newest first.
func (l *ClickHouseLog) Query(ctx context.Context, f Filter) ([]Event, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if f.Principal != "" {
		conditions = append(conditions, "principal_id = @principal_id")
		args = append(args, clickhouse.Named("principal_id", f.Principal))
	}
	if f.ToolID != "" {
		conditions = append(conditions, "tool_id = @tool_id")
		args = append(args, clickhouse.Named("tool_id", f.ToolID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, "event_type IN (@event_types)")
		args = append(args, clickhouse.Named("event_types", types))
	}
	if f.MinSeverity != "" {
		var sevs []string
		for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
			if s.AtLeast(f.MinSeverity) {
				sevs = append(sevs, string(s))
			}
		}
		conditions = append(conditions, "severity IN (@severities)")
		args = append(args, clickhouse.Named("severities", sevs))
	}
	if f.Start != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *f.Start))
	}
	if f.End != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *f.End))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT event_id, request_id, event_type, tool_id, principal_id,
		       excerpt, detail, severity, timestamp
		FROM security_events
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT %d OFFSET %d`,
		strings.Join(conditions, " AND "), limit, f.Offset)

	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, severity string
		if err := rows.Scan(&e.ID, &e.RequestID, &eventType, &e.ToolID,
			&e.Principal, &e.Excerpt, &e.Detail, &severity, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		e.Type = EventType(eventType)
		e.Severity = Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}
