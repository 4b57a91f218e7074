package api

import (
	"encoding/json"
	"time"
)

// --- Tools ---

// RegisterToolReq is the JSON body for POST /v1/tools.
type RegisterToolReq struct {
	Name string `json:"name"`
	// Source is the tool's Starlark source: exactly one top-level
	// function whose first parameter is the capability context.
	Source string `json:"source"`
	// ArgSchema is an optional JSON Schema applied to the positional
	// argument array at invoke time.
	ArgSchema json.RawMessage `json:"arg_schema,omitempty"`
}

// ToolResp describes one tool version.
type ToolResp struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	Capability string          `json:"capability"`
	Status     string          `json:"status"`
	Entry      string          `json:"entry"`
	ArgSchema  json.RawMessage `json:"arg_schema,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InvokeToolReq is the JSON body for POST /v1/tools/{tool_id}/invoke.
type InvokeToolReq struct {
	// Args are the positional arguments after the capability context.
	Args []any `json:"args"`
	// RequestID is optional; one is generated when absent.
	RequestID string `json:"request_id,omitempty"`
}

// DisableToolReq is the optional JSON body for POST
// /v1/tools/{tool_id}/disable.
type DisableToolReq struct {
	Reason string `json:"reason,omitempty"`
}

// UsageResp reports measured consumption.
type UsageResp struct {
	WallClockMs float64 `json:"wall_clock_ms"`
	CPUTimeMs   float64 `json:"cpu_time_ms"`
	PeakRSS     int64   `json:"peak_rss_bytes"`
	Steps       uint64  `json:"steps"`
}

// InvokeToolResp is the success body for an invocation.
type InvokeToolResp struct {
	RequestID string    `json:"request_id"`
	ToolID    string    `json:"tool_id"`
	Value     any       `json:"value"`
	Usage     UsageResp `json:"usage"`
}

// --- Security events ---

// SecurityEventResp is one recorded security event.
type SecurityEventResp struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Type      string    `json:"event_type"`
	ToolID    string    `json:"tool_id,omitempty"`
	Principal string    `json:"principal_id"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Detail    string    `json:"detail"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// EventListResp is the body for GET event queries.
type EventListResp struct {
	Events   []SecurityEventResp `json:"events"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// AnomalyResp is one recorded anomaly flag.
type AnomalyResp struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal_id"`
	ToolID     string    `json:"tool_id,omitempty"`
	Rule       string    `json:"rule"`
	Detail     string    `json:"detail"`
	Confidence float32   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// --- Principal CRUD ---

// CreatePrincipalReq is the JSON body for POST /api/toolforge/principals.
type CreatePrincipalReq struct {
	Name string `json:"name"`
}

// CreatePrincipalResp includes the plaintext API key (shown once).
type CreatePrincipalResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CreatedAt    time.Time `json:"created_at"`
}

// PrincipalResp describes a principal (no plaintext key).
type PrincipalResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RotateKeyResp includes the new plaintext API key (shown once).
type RotateKeyResp struct {
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
	// Kind classifies invocation failures: "sandbox_violation",
	// "resource_exceeded", or "execution_error".
	Kind string `json:"kind,omitempty"`
}
