package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// AnalyticsResult aggregates the event log for the operator dashboard.
type AnalyticsResult struct {
	Summary        SummaryStats       `json:"summary"`
	EventsOverTime []TimeSeriesBucket `json:"events_over_time"`
	TopTools       []ToolCount        `json:"top_tools"`
	TopPrincipals  []PrincipalCount   `json:"top_principals"`
}

// SummaryStats holds aggregate counts per event type.
type SummaryStats struct {
	Total              int `json:"total"`
	ValidationFailures int `json:"validation_failures"`
	SandboxViolations  int `json:"sandbox_violations"`
	ResourceExceeded   int `json:"resource_exceeded"`
	RateLimited        int `json:"rate_limited"`
	Critical           int `json:"critical"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ToolCount holds a tool ID and its event count.
type ToolCount struct {
	ToolID string `json:"tool_id"`
	Count  int    `json:"count"`
}

// PrincipalCount holds a principal ID and its event count.
type PrincipalCount struct {
	Principal string `json:"principal_id"`
	Count     int    `json:"count"`
}

// Analyzer aggregates the event log. Only the ClickHouse-backed log
// implements it; the in-memory log has no analytics.
type Analyzer interface {
	Analytics(ctx context.Context, days int) (*AnalyticsResult, error)
}

// Analytics aggregates the last days of events.
func (l *ClickHouseLog) Analytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	if days <= 0 {
		days = 7
	}
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	baseArgs := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{}

	var total, validation, violations, resource, rate, critical uint64
	err := l.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(event_type = 'validation_failure') as validation_failures, "+
			"countIf(event_type = 'sandbox_violation') as sandbox_violations, "+
			"countIf(event_type = 'resource_exceeded') as resource_exceeded, "+
			"countIf(event_type = 'rate_limited') as rate_limited, "+
			"countIf(severity = 'critical') as critical "+
			"FROM security_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &validation, &violations, &resource, &rate, &critical)
	if err != nil {
		return nil, fmt.Errorf("Analytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		Total:              int(total),
		ValidationFailures: int(validation),
		SandboxViolations:  int(violations),
		ResourceExceeded:   int(resource),
		RateLimited:        int(rate),
		Critical:           int(critical),
	}

	// High and critical events, hourly
	hourRows, err := l.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM security_events "+
			"WHERE severity IN ('high', 'critical') AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics events_over_time: %w", err)
	}
	defer func() { _ = hourRows.Close() }()
	for hourRows.Next() {
		var hour time.Time
		var count uint64
		if err := hourRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("Analytics events_over_time scan: %w", err)
		}
		result.EventsOverTime = append(result.EventsOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	toolRows, err := l.conn.Query(ctx,
		"SELECT tool_id, count() as count "+
			"FROM security_events "+
			"WHERE tool_id != '' AND timestamp >= @range_start "+
			"GROUP BY tool_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_tools: %w", err)
	}
	defer func() { _ = toolRows.Close() }()
	for toolRows.Next() {
		var id string
		var count uint64
		if err := toolRows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_tools scan: %w", err)
		}
		result.TopTools = append(result.TopTools, ToolCount{ToolID: id, Count: int(count)})
	}

	principalRows, err := l.conn.Query(ctx,
		"SELECT principal_id, count() as count "+
			"FROM security_events "+
			"WHERE timestamp >= @range_start "+
			"GROUP BY principal_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_principals: %w", err)
	}
	defer func() { _ = principalRows.Close() }()
	for principalRows.Next() {
		var id string
		var count uint64
		if err := principalRows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_principals scan: %w", err)
		}
		result.TopPrincipals = append(result.TopPrincipals, PrincipalCount{Principal: id, Count: int(count)})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.EventsOverTime == nil {
		result.EventsOverTime = []TimeSeriesBucket{}
	}
	if result.TopTools == nil {
		result.TopTools = []ToolCount{}
	}
	if result.TopPrincipals == nil {
		result.TopPrincipals = []PrincipalCount{}
	}

	return result, nil
}
