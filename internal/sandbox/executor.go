package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/tool"
)

// Request is one execution to run in isolation.
type Request struct {
	RequestID    string
	Source       string
	Entry        string
	Capability   tool.Capability
	Args         []any
	Capabilities *tool.CapabilitySet
	// Limits override the executor's defaults when non-zero.
	Limits governor.Limits
}

// Result is a completed execution's value and measured consumption.
type Result struct {
	Value any
	Usage tool.Usage
}

// Config configures an Executor.
type Config struct {
	// WorkerCommand is the argv used to spawn one isolated unit. Empty
	// means re-exec the current binary in worker mode.
	WorkerCommand []string
	// MaxConcurrent caps simultaneously running workers.
	MaxConcurrent int64
	// Limits are the default per-execution ceilings.
	Limits governor.Limits
	Logger *zap.Logger
}

// Executor supervises isolated worker processes. It never blocks
// indefinitely on a unit: completion is always raced against the
// governor's watchdog.
type Executor struct {
	cfg    Config
	sem    *semaphore.Weighted
	spawn  func() (workerProc, error)
	logger *zap.Logger
}

// WorkerArg is the argv[1] that switches the server binary into sandbox
// worker mode.
const WorkerArg = "sandbox-worker"

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if len(cfg.WorkerCommand) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		cfg.WorkerCommand = []string{self, WorkerArg}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Limits == (governor.Limits{}) {
		cfg.Limits = governor.DefaultLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Executor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: cfg.Logger,
	}
	e.spawn = func() (workerProc, error) { return newCmdProc(cfg.WorkerCommand) }
	return e, nil
}

// Execute runs one request in a fresh isolated unit and returns its value,
// a *governor.BreachError, a *ViolationError, or an *ExecError.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	limits := req.Limits
	if limits == (governor.Limits{}) {
		limits = e.cfg.Limits
	}

	proc, err := e.spawn()
	if err != nil {
		return nil, err
	}
	if err := proc.start(); err != nil {
		return nil, err
	}

	watchdog := governor.NewWatchdog(limits.WallClock, proc.kill)
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			proc.kill()
		case <-cancelWatch:
		}
	}()

	start := time.Now()
	terminal, violation := e.pump(ctx, proc, req, limits)
	elapsed := time.Since(start)

	_ = proc.wait()
	fired := watchdog.Stop()
	close(cancelWatch)

	state := proc.state()
	usage := tool.Usage{WallClock: elapsed}
	if state != nil {
		usage.CPUTime = state.UserTime() + state.SystemTime()
		usage.PeakRSS = governor.PeakRSS(state)
	}
	if terminal != nil {
		usage.Steps = terminal.Steps
	}

	if breach := governor.Classify(state, fired, limits); breach != nil {
		return &Result{Usage: usage}, breach
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if violation != "" {
		return &Result{Usage: usage}, &ViolationError{Reason: violation}
	}
	if terminal == nil {
		e.logger.Warn("worker exited without a terminal frame",
			zap.String("request_id", req.RequestID),
			zap.String("stderr", proc.stderr()),
		)
		return &Result{Usage: usage}, &ExecError{Message: "execution unit terminated unexpectedly"}
	}

	switch terminal.Type {
	case frameResult:
		var value any
		if len(terminal.Value) > 0 {
			if err := json.Unmarshal(terminal.Value, &value); err != nil {
				return &Result{Usage: usage}, &ViolationError{Reason: "worker produced an undecodable result"}
			}
		}
		return &Result{Value: value, Usage: usage}, nil
	case frameError:
		if terminal.Class == errClassViolation {
			return &Result{Usage: usage}, &ViolationError{Reason: terminal.Message}
		}
		return &Result{Usage: usage}, &ExecError{Message: terminal.Message}
	default:
		return &Result{Usage: usage}, &ViolationError{Reason: "worker sent an unknown terminal frame"}
	}
}

// pump drives the protocol: it sends the work request, answers capability
// calls, and returns the terminal frame once the worker's stdout closes.
// A capability denial is remembered and reported as the violation reason.
func (e *Executor) pump(ctx context.Context, proc workerProc, req *Request, limits governor.Limits) (terminal *frame, violation string) {
	stdin := proc.stdin()
	codec := newLineCodec(proc.stdout(), stdin)
	defer stdin.Close()

	decls := make([]capDecl, 0)
	for _, name := range req.Capabilities.Names() {
		entry, _ := req.Capabilities.Lookup(name)
		decls = append(decls, capDecl{Name: name, Mutating: entry.Mutating})
	}

	work := &workRequest{
		Source:       req.Source,
		Entry:        req.Entry,
		Capability:   string(req.Capability),
		Args:         req.Args,
		Capabilities: decls,
		Limits: limitSpec{
			WallMillis: limits.WallClock.Milliseconds(),
			CPUMillis:  limits.CPUTime.Milliseconds(),
			Memory:     limits.Memory,
			Steps:      limits.Steps,
		},
	}
	if err := codec.write(work); err != nil {
		return nil, ""
	}

	for {
		var f frame
		if err := codec.read(&f); err != nil {
			return terminal, violation
		}
		switch f.Type {
		case frameCall:
			reply := capReply{ID: f.ID}
			value, err := req.Capabilities.Call(ctx, f.Name, req.Capability, f.Args)
			if err != nil {
				if errors.Is(err, tool.ErrCapabilityDenied) && violation == "" {
					violation = err.Error()
				}
				reply.Error = err.Error()
			} else if value != nil {
				raw, merr := json.Marshal(value)
				if merr != nil {
					reply.Error = "capability returned an unencodable value"
				} else {
					reply.Value = raw
				}
			}
			if err := codec.write(&reply); err != nil {
				return terminal, violation
			}
		case frameResult, frameError:
			// Keep draining until EOF so wait() cannot stall on a full
			// pipe. A second terminal frame is a protocol breach; the
			// first one stands.
			if terminal != nil {
				if violation == "" {
					violation = "worker sent a second terminal frame"
				}
				continue
			}
			terminal = &f
		default:
			if violation == "" {
				violation = "worker sent an unknown frame type"
			}
		}
	}
}

// workerProc abstracts the spawned unit so tests can drive the protocol
// without a real process.
type workerProc interface {
	start() error
	stdin() io.WriteCloser
	stdout() io.Reader
	kill()
	wait() error
	state() *os.ProcessState
	stderr() string
}
