// Package tool holds the domain types shared by the validator, sandbox,
// registry, and service layers.
package tool

import (
	"encoding/json"
	"time"
)

// Capability is the access class a tool was assigned at validation time.
// It is decided once by the static validator and carried immutably on the
// definition; it is never re-inferred at call time.
type Capability string

const (
	// CapabilityReadOnly tools may only call non-mutating collaborator functions.
	CapabilityReadOnly Capability = "read-only"
	// CapabilityReadWrite tools may also call mutating collaborator functions.
	CapabilityReadWrite Capability = "read-write"
)

// Status is the lifecycle state of a tool definition.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Definition is one immutable version of a registered tool.
// A new version supersedes but never deletes prior versions.
type Definition struct {
	ID         string
	Principal  string // owning principal id
	Name       string // declared name
	Source     string
	Entry      string // name of the single top-level function
	Capability Capability
	Version    int
	Status     Status
	// ArgSchema is an optional JSON Schema the invocation arguments must
	// satisfy. Empty means no schema was declared.
	ArgSchema json.RawMessage
	CreatedAt time.Time
}

// InvokeRequest is one execution request. Ephemeral: constructed per
// invocation and never persisted beyond the event log.
type InvokeRequest struct {
	RequestID string
	ToolID    string
	Principal string
	// Arguments are the positional arguments passed to the tool's entry
	// function after the capability context.
	Arguments []any
	// Capabilities is the closed set of collaborator functions the caller
	// grants to this execution. Never the caller's internal state.
	Capabilities *CapabilitySet
}

// InvokeResult is the successful outcome of an execution.
type InvokeResult struct {
	RequestID string
	ToolID    string
	Value     any
	Usage     Usage
}

// Usage reports what an execution consumed, for callers and for the
// anomaly detector's near-limit analysis.
type Usage struct {
	WallClock time.Duration
	CPUTime   time.Duration
	PeakRSS   int64 // bytes
	Steps     uint64
}
