package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/validate"
)

// RunWorker is the entry point of the isolated execution unit. It reads one
// work request from stdin, arms the governor, runs the tool, and writes the
// terminal frame to stdout. The returned value is the process exit code.
//
// The worker trusts nothing it is given: the source is revalidated before
// execution, and a governor breach terminates the process without
// unwinding the interpreter.
func RunWorker(stdin io.Reader, stdout io.Writer, rules *validate.Ruleset) int {
	codec := newLineCodec(stdin, stdout)

	var req workRequest
	if err := codec.read(&req); err != nil {
		return 1
	}

	limits := governor.Limits{
		WallClock: time.Duration(req.Limits.WallMillis) * time.Millisecond,
		CPUTime:   time.Duration(req.Limits.CPUMillis) * time.Millisecond,
		Memory:    req.Limits.Memory,
		Steps:     req.Limits.Steps,
	}
	breach, err := governor.Arm(limits)
	if err != nil {
		_ = codec.write(&frame{Type: frameError, Class: errClassRuntime, Message: "governor unavailable: " + err.Error()})
		return 1
	}
	go func() {
		switch <-breach {
		case governor.BreachMemory:
			os.Exit(governor.ExitMemoryExceeded)
		default:
			os.Exit(governor.ExitCPUExceeded)
		}
	}()

	out, stepBreach := runTool(&req, &pipeCaps{codec: codec}, rules)
	if stepBreach != "" {
		// The step budget is the interpreter's CPU ceiling.
		return governor.ExitCPUExceeded
	}
	_ = codec.write(out)
	return 0
}

// capCaller dispatches one capability call. The worker's implementation
// proxies over stdio to the host; tests substitute an in-memory one.
type capCaller interface {
	call(name string, args []any) (any, error)
}

// pipeCaps proxies capability calls to the host over the protocol codec.
// Starlark execution is single-threaded, so calls are strictly sequential
// and may share the request stream.
type pipeCaps struct {
	codec  *lineCodec
	nextID int
}

func (p *pipeCaps) call(name string, args []any) (any, error) {
	p.nextID++
	if err := p.codec.write(&frame{Type: frameCall, ID: p.nextID, Name: name, Args: args}); err != nil {
		return nil, fmt.Errorf("capability transport: %w", err)
	}
	var reply capReply
	if err := p.codec.read(&reply); err != nil {
		return nil, fmt.Errorf("capability transport: %w", err)
	}
	if reply.ID != p.nextID {
		return nil, fmt.Errorf("capability transport: out-of-order reply")
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if len(reply.Value) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(reply.Value, &out); err != nil {
		return nil, fmt.Errorf("capability transport: %w", err)
	}
	return out, nil
}

// runTool revalidates and executes the tool. It returns the terminal frame,
// or a breach kind when the interpreter's step budget ran out.
func runTool(req *workRequest, caps capCaller, rules *validate.Ruleset) (*frame, governor.BreachKind) {
	verdict, err := validate.New(rules).Validate(req.Source)
	if err != nil {
		return &frame{Type: frameError, Class: errClassViolation, Message: "source failed revalidation: " + err.Error()}, ""
	}
	if verdict.Entry != req.Entry {
		return &frame{Type: frameError, Class: errClassViolation, Message: "entry function does not match the registered definition"}, ""
	}

	thread := &starlark.Thread{Name: "tool"}
	if req.Limits.Steps > 0 {
		thread.SetMaxExecutionSteps(req.Limits.Steps)
	}

	globals, err := starlark.ExecFileOptions(validate.FileOptions(), thread, "tool.star", req.Source, poisonedPredeclared())
	if err != nil {
		return evalFailure(thread, err)
	}

	fn, ok := globals[req.Entry].(*starlark.Function)
	if !ok {
		return &frame{Type: frameError, Class: errClassViolation, Message: fmt.Sprintf("entry %q is not a function", req.Entry)}, ""
	}

	callArgs := make(starlark.Tuple, 0, len(req.Args)+1)
	callArgs = append(callArgs, ctxModule(req.Capabilities, caps))
	for i, a := range req.Args {
		sv, err := toStarlark(a, 0)
		if err != nil {
			return &frame{Type: frameError, Class: errClassRuntime, Message: fmt.Sprintf("argument %d: %v", i+1, err)}, ""
		}
		callArgs = append(callArgs, sv)
	}

	value, err := starlark.Call(thread, fn, callArgs, nil)
	steps := thread.ExecutionSteps()
	if err != nil {
		return evalFailure(thread, err)
	}

	goVal, err := fromStarlark(value, 0)
	if err != nil {
		return &frame{Type: frameError, Class: errClassViolation, Message: err.Error(), Steps: steps}, ""
	}
	raw, err := json.Marshal(goVal)
	if err != nil {
		return &frame{Type: frameError, Class: errClassViolation, Message: "result is not encodable: " + err.Error(), Steps: steps}, ""
	}
	if len(raw) > maxResultBytes {
		return &frame{Type: frameError, Class: errClassViolation, Message: fmt.Sprintf("result exceeds %d bytes", maxResultBytes), Steps: steps}, ""
	}

	return &frame{Type: frameResult, Value: raw, Steps: steps}, ""
}

// evalFailure maps an interpreter error to a terminal frame. A spent step
// budget is reported as a breach; everything else is the tool's own
// failure, carrying only the interpreter message.
func evalFailure(thread *starlark.Thread, err error) (*frame, governor.BreachKind) {
	steps := thread.ExecutionSteps()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		if strings.Contains(evalErr.Msg, "too many steps") {
			return nil, governor.BreachCPU
		}
		return &frame{Type: frameError, Class: errClassRuntime, Message: evalErr.Msg, Steps: steps}, ""
	}
	return &frame{Type: frameError, Class: errClassRuntime, Message: err.Error(), Steps: steps}, ""
}

// ctxModule builds the capability context passed as the tool's first
// argument: one builtin per granted collaborator function, each proxying
// through the capCaller. This module is the only bridge out of the sandbox.
func ctxModule(decls []capDecl, caps capCaller) *starlarkstruct.Module {
	members := make(starlark.StringDict, len(decls))
	for _, d := range decls {
		members[d.Name] = starlark.NewBuiltin(d.Name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: keyword arguments are not supported", b.Name())
			}
			goArgs := make([]any, len(args))
			for i, a := range args {
				g, err := fromStarlark(a, 0)
				if err != nil {
					return nil, fmt.Errorf("%s: argument %d: %v", b.Name(), i+1, err)
				}
				goArgs[i] = g
			}
			out, err := caps.call(b.Name(), goArgs)
			if err != nil {
				return nil, err
			}
			return toStarlark(out, 0)
		})
	}
	return &starlarkstruct.Module{Name: "ctx", Members: members}
}

// poisonedPredeclared shadows the reflective universe builtins the
// validator already rejects, so that even unvalidated source reaching the
// worker cannot touch them.
func poisonedPredeclared() starlark.StringDict {
	poisoned := []string{"getattr", "hasattr", "dir", "print", "fail", "type"}
	dict := make(starlark.StringDict, len(poisoned))
	for _, name := range poisoned {
		dict[name] = starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return nil, fmt.Errorf("%s is not available in the sandbox", b.Name())
		})
	}
	return dict
}
