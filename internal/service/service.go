// Package service orchestrates the tool platform: registration runs the
// static validator, invocation runs the sandbox under the resource
// governor, and every security-relevant outcome lands in the event log.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/anomaly"
	"github.com/haven-ai/toolforge/internal/audit"
	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/ratelimit"
	"github.com/haven-ai/toolforge/internal/registry"
	"github.com/haven-ai/toolforge/internal/sandbox"
	"github.com/haven-ai/toolforge/internal/tool"
	"github.com/haven-ai/toolforge/internal/validate"
)

// ErrToolDisabled rejects invocations of disabled tool versions.
var ErrToolDisabled = errors.New("tool is disabled")

// ErrToolNotFound is returned when an ID does not resolve to a tool the
// caller owns. Deliberately identical for missing and foreign tools.
var ErrToolNotFound = registry.ErrNotFound

// ArgumentError reports invocation arguments rejected before execution.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string { return e.Message }

// Executor runs one request in isolation. Satisfied by *sandbox.Executor.
type Executor interface {
	Execute(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error)
}

// Config wires a Service.
type Config struct {
	Registry registry.Registry
	Limiter  *ratelimit.Limiter
	Executor Executor
	// Events receives every security event. Critical events go through
	// WriteSync and their failure fails the triggering request.
	Events audit.Writer
	// EventsReader serves the operator query path. May be the same
	// value as Events.
	EventsReader audit.Reader
	Monitor      *anomaly.Monitor
	Validator    *validate.Validator
	// Limits are the per-execution ceilings applied to every invocation.
	Limits governor.Limits
	Logger *zap.Logger
}

// Service implements the platform operations.
type Service struct {
	registry  registry.Registry
	limiter   *ratelimit.Limiter
	executor  Executor
	events    audit.Writer
	reader    audit.Reader
	monitor   *anomaly.Monitor
	validator *validate.Validator
	limits    governor.Limits
	logger    *zap.Logger

	strikes *strikeTracker
	schemas sync.Map // tool ID -> *jsonschema.Schema
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Validator == nil {
		cfg.Validator = validate.New(validate.DefaultRuleset())
	}
	if cfg.Limits == (governor.Limits{}) {
		cfg.Limits = governor.DefaultLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		executor:  cfg.Executor,
		events:    cfg.Events,
		reader:    cfg.EventsReader,
		monitor:   cfg.Monitor,
		validator: cfg.Validator,
		limits:    cfg.Limits,
		logger:    cfg.Logger,
		strikes:   newStrikeTracker(),
	}
}

// RegisterTool validates source and stores a new tool version. A
// rejected source never reaches the registry in any state.
func (s *Service) RegisterTool(ctx context.Context, principal, name, source string, argSchema []byte) (*tool.Definition, error) {
	if name == "" {
		return nil, &ArgumentError{Message: "tool name is required"}
	}
	if source == "" {
		return nil, &ArgumentError{Message: "tool source is required"}
	}

	if err := s.limiter.Admit(principal, ratelimit.ActionCreate); err != nil {
		s.events.Write(s.newEvent(audit.EventRateLimited, audit.SeverityLow, "", principal, "", "", err.Error()))
		return nil, err
	}

	verdict, err := s.validator.Validate(source)
	if err != nil {
		s.events.Write(s.newEvent(audit.EventValidationFailure, audit.SeverityMedium,
			"", principal, "", audit.TruncateExcerpt(source), err.Error()))
		s.logger.Info("tool rejected by validator",
			zap.String("principal_id", principal),
			zap.String("tool_name", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if len(argSchema) > 0 {
		if _, err := compileSchema(argSchema); err != nil {
			return nil, &ArgumentError{Message: fmt.Sprintf("invalid argument schema: %v", err)}
		}
	}

	def := &tool.Definition{
		Principal:  principal,
		Name:       name,
		Source:     source,
		Entry:      verdict.Entry,
		Capability: verdict.Capability,
		Status:     tool.StatusActive,
		ArgSchema:  argSchema,
	}
	if err := s.registry.Create(ctx, def); err != nil {
		return nil, err
	}

	s.logger.Info("tool registered",
		zap.String("principal_id", principal),
		zap.String("tool_id", def.ID),
		zap.String("tool_name", def.Name),
		zap.Int("version", def.Version),
		zap.String("capability", string(def.Capability)),
	)
	return def, nil
}

// InvokeTool runs a registered tool in the sandbox. On a sandbox
// violation or resource breach the error is recorded before it is
// returned, and repeated offenders are disabled.
func (s *Service) InvokeTool(ctx context.Context, req *tool.InvokeRequest) (*tool.InvokeResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Capabilities == nil {
		req.Capabilities = tool.NewCapabilitySet(nil)
	}

	def, err := s.registry.Get(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}
	// A foreign tool looks exactly like a missing one.
	if def.Principal != req.Principal {
		return nil, ErrToolNotFound
	}
	if def.Status != tool.StatusActive {
		return nil, ErrToolDisabled
	}

	if err := s.limiter.Admit(req.Principal, ratelimit.ActionExecute); err != nil {
		s.events.Write(s.newEvent(audit.EventRateLimited, audit.SeverityLow,
			req.RequestID, req.Principal, def.ID, "", err.Error()))
		return nil, err
	}

	if err := s.checkArgs(def, req.Arguments); err != nil {
		return nil, err
	}

	res, execErr := s.executor.Execute(ctx, &sandbox.Request{
		RequestID:    req.RequestID,
		Source:       def.Source,
		Entry:        def.Entry,
		Capability:   def.Capability,
		Args:         req.Arguments,
		Capabilities: req.Capabilities,
		Limits:       s.limits,
	})

	var usage tool.Usage
	if res != nil {
		usage = res.Usage
	}

	if execErr != nil {
		return nil, s.recordFailure(ctx, req, def, usage, execErr)
	}

	s.feed(req.Principal, def.ID, anomaly.OutcomeOK, usage)
	return &tool.InvokeResult{
		RequestID: req.RequestID,
		ToolID:    def.ID,
		Value:     res.Value,
		Usage:     usage,
	}, nil
}

// recordFailure writes the security event for a failed execution and
// applies the repeat-offender policy. Returns the error the caller
// should surface.
func (s *Service) recordFailure(ctx context.Context, req *tool.InvokeRequest, def *tool.Definition, usage tool.Usage, execErr error) error {
	var breach *governor.BreachError
	var violation *sandbox.ViolationError
	var failure *sandbox.ExecError

	switch {
	case errors.As(execErr, &breach):
		strikes := s.strikes.recordBreach(def.ID)
		sev := audit.SeverityMedium
		if strikes > 1 {
			// Repeat breaches inside the window escalate.
			sev = audit.SeverityHigh
		}
		s.events.Write(s.newEvent(audit.EventResourceExceeded, sev,
			req.RequestID, req.Principal, def.ID, audit.TruncateExcerpt(def.Source), breach.Error()))
		s.feed(req.Principal, def.ID, anomaly.OutcomeResourceExceeded, usage)
		if strikes >= breachStrikes {
			if err := s.autoDisable(ctx, req, def,
				fmt.Sprintf("auto-disabled after %d resource breaches within %s", breachStrikes, strikeWindow),
				audit.EventResourceExceeded); err != nil {
				return err
			}
		}
		return execErr

	case errors.As(execErr, &violation):
		s.events.Write(s.newEvent(audit.EventSandboxViolation, audit.SeverityHigh,
			req.RequestID, req.Principal, def.ID, audit.TruncateExcerpt(def.Source), violation.Reason))
		s.feed(req.Principal, def.ID, anomaly.OutcomeViolation, usage)
		if s.strikes.recordViolation(def.ID) >= violationStrikes {
			if err := s.autoDisable(ctx, req, def,
				fmt.Sprintf("auto-disabled after %d sandbox violations within %s", violationStrikes, strikeWindow),
				audit.EventSandboxViolation); err != nil {
				return err
			}
		}
		return execErr

	case errors.As(execErr, &failure):
		// A tool raising an ordinary runtime error is not a security
		// event. The anomaly detector still sees the failure.
		s.feed(req.Principal, def.ID, anomaly.OutcomeError, usage)
		return execErr

	default:
		return execErr
	}
}

// autoDisable permanently disables a tool version and records the
// decision as a critical event. The critical event is durable before
// this returns; if it cannot be persisted the whole request fails.
func (s *Service) autoDisable(ctx context.Context, req *tool.InvokeRequest, def *tool.Definition, reason string, eventType audit.EventType) error {
	if err := s.registry.Disable(ctx, def.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("disabling tool %s: %w", def.ID, err)
	}
	s.strikes.forget(def.ID)

	ev := s.newEvent(eventType, audit.SeverityCritical,
		req.RequestID, req.Principal, def.ID, audit.TruncateExcerpt(def.Source), reason)
	if err := s.events.WriteSync(ctx, ev); err != nil {
		return fmt.Errorf("recording critical event: %w", err)
	}

	s.logger.Error("tool auto-disabled",
		zap.String("principal_id", req.Principal),
		zap.String("tool_id", def.ID),
		zap.String("tool_name", def.Name),
		zap.String("reason", reason),
	)
	return nil
}

// DisableTool disables a tool version at the owner's request. The reason
// is recorded in the server log alongside the decision.
func (s *Service) DisableTool(ctx context.Context, principal, toolID, reason string) error {
	def, err := s.registry.Get(ctx, toolID)
	if err != nil {
		return err
	}
	if def.Principal != principal {
		return ErrToolNotFound
	}
	if err := s.registry.Disable(ctx, toolID); err != nil {
		return err
	}
	s.strikes.forget(toolID)
	if reason == "" {
		reason = "disabled by owner"
	}
	s.logger.Info("tool disabled",
		zap.String("principal_id", principal),
		zap.String("tool_id", toolID),
		zap.String("tool_name", def.Name),
		zap.String("reason", reason),
	)
	return nil
}

// LookupTool returns the latest version registered under a tool name.
func (s *Service) LookupTool(ctx context.Context, principal, name string) (*tool.Definition, error) {
	def, err := s.registry.Lookup(ctx, principal, name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrToolNotFound
	}
	return def, err
}

// GetTool returns a tool the principal owns.
func (s *Service) GetTool(ctx context.Context, principal, toolID string) (*tool.Definition, error) {
	def, err := s.registry.Get(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if def.Principal != principal {
		return nil, ErrToolNotFound
	}
	return def, nil
}

// ListTools returns every version the principal has registered.
func (s *Service) ListTools(ctx context.Context, principal string) ([]tool.Definition, error) {
	return s.registry.List(ctx, principal)
}

// QuerySecurityEvents serves the operator read path.
func (s *Service) QuerySecurityEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return s.reader.Query(ctx, f)
}

// Anomalies returns recent anomaly flags, newest first.
func (s *Service) Anomalies(ctx context.Context, principal string, limit int) ([]anomaly.Flag, error) {
	if s.monitor == nil {
		return nil, nil
	}
	return s.monitor.Store().Recent(ctx, principal, limit)
}

// RestoreLimits lifts any tightened rate limits for a principal.
func (s *Service) RestoreLimits(principal string) {
	s.limiter.Restore(principal)
	s.logger.Info("rate limits restored", zap.String("principal_id", principal))
}

// checkArgs validates invocation arguments against the definition's
// schema, when one was declared. The schema applies to the positional
// argument array.
func (s *Service) checkArgs(def *tool.Definition, args []any) error {
	if len(def.ArgSchema) == 0 {
		return nil
	}

	var sch *jsonschema.Schema
	if cached, ok := s.schemas.Load(def.ID); ok {
		sch = cached.(*jsonschema.Schema)
	} else {
		compiled, err := compileSchema(def.ArgSchema)
		if err != nil {
			// The schema was compilable at registration; treat a decay
			// here as an invalid invocation rather than a crash.
			return &ArgumentError{Message: fmt.Sprintf("argument schema is invalid: %v", err)}
		}
		s.schemas.Store(def.ID, compiled)
		sch = compiled
	}

	if args == nil {
		args = []any{}
	}
	if err := sch.Validate(args); err != nil {
		return &ArgumentError{Message: fmt.Sprintf("arguments rejected by schema: %v", err)}
	}
	return nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func (s *Service) feed(principal, toolID string, outcome anomaly.Outcome, usage tool.Usage) {
	if s.monitor == nil {
		return
	}
	s.monitor.Feed(&anomaly.Sample{
		Principal: principal,
		ToolID:    toolID,
		Outcome:   outcome,
		Usage:     usage,
		Limits:    s.limits,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) newEvent(t audit.EventType, sev audit.Severity, requestID, principal, toolID, excerpt, detail string) *audit.Event {
	return &audit.Event{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Type:      t,
		ToolID:    toolID,
		Principal: principal,
		Excerpt:   excerpt,
		Detail:    detail,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
	}
}
