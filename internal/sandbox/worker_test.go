package sandbox

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/validate"
)

// memCaps answers capability calls in-process.
type memCaps struct {
	calls []string
	fn    func(name string, args []any) (any, error)
}

func (m *memCaps) call(name string, args []any) (any, error) {
	m.calls = append(m.calls, name)
	if m.fn == nil {
		return nil, nil
	}
	return m.fn(name, args)
}

func workReq(source, entry string, args ...any) *workRequest {
	return &workRequest{
		Source:     source,
		Entry:      entry,
		Capability: "read-only",
		Args:       args,
		Capabilities: []capDecl{
			{Name: "get_meals"},
			{Name: "current_time"},
		},
		Limits: limitSpec{Steps: 1_000_000},
	}
}

func TestRunTool_Result(t *testing.T) {
	source := "def double(ctx, n):\n    return n * 2\n"
	f, breach := runTool(workReq(source, "double", float64(21)), &memCaps{}, validate.DefaultRuleset())
	if breach != "" {
		t.Fatalf("unexpected breach %q", breach)
	}
	if f.Type != frameResult {
		t.Fatalf("frame = %+v", f)
	}
	var v int
	if err := json.Unmarshal(f.Value, &v); err != nil || v != 42 {
		t.Errorf("value = %s, want 42 (%v)", f.Value, err)
	}
	if f.Steps == 0 {
		t.Error("result should report consumed steps")
	}
}

func TestRunTool_CapabilityCall(t *testing.T) {
	source := "def meals(ctx):\n    return len(ctx.get_meals())\n"
	caps := &memCaps{fn: func(name string, _ []any) (any, error) {
		return []any{"oatmeal", "salad"}, nil
	}}
	f, breach := runTool(workReq(source, "meals"), caps, validate.DefaultRuleset())
	if breach != "" {
		t.Fatalf("unexpected breach %q", breach)
	}
	if f.Type != frameResult {
		t.Fatalf("frame = %+v", f)
	}
	if len(caps.calls) != 1 || caps.calls[0] != "get_meals" {
		t.Errorf("capability calls = %v", caps.calls)
	}
	var v int
	if err := json.Unmarshal(f.Value, &v); err != nil || v != 2 {
		t.Errorf("value = %s, want 2", f.Value)
	}
}

func TestRunTool_CapabilityDenialSurfaces(t *testing.T) {
	source := "def meals(ctx):\n    return ctx.get_meals()\n"
	caps := &memCaps{fn: func(string, []any) (any, error) {
		return nil, errors.New("capability denied")
	}}
	f, _ := runTool(workReq(source, "meals"), caps, validate.DefaultRuleset())
	if f.Type != frameError || f.Class != errClassRuntime {
		t.Fatalf("frame = %+v", f)
	}
	if !strings.Contains(f.Message, "capability denied") {
		t.Errorf("message = %q", f.Message)
	}
}

func TestRunTool_RevalidationRejectsTamperedSource(t *testing.T) {
	tests := []struct {
		name   string
		source string
		entry  string
	}{
		{"disallowed builtin", "def f(ctx):\n    return getattr(ctx, \"x\")\n", "f"},
		{"entry mismatch", "def f(ctx):\n    return 1\n", "g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, breach := runTool(workReq(tt.source, tt.entry), &memCaps{}, validate.DefaultRuleset())
			if breach != "" {
				t.Fatalf("unexpected breach %q", breach)
			}
			if f.Type != frameError || f.Class != errClassViolation {
				t.Errorf("frame = %+v, want a violation", f)
			}
		})
	}
}

func TestRunTool_RuntimeFailure(t *testing.T) {
	source := "def f(ctx):\n    return [1][5]\n"
	f, breach := runTool(workReq(source, "f"), &memCaps{}, validate.DefaultRuleset())
	if breach != "" {
		t.Fatalf("unexpected breach %q", breach)
	}
	if f.Type != frameError || f.Class != errClassRuntime {
		t.Errorf("frame = %+v, want a runtime error", f)
	}
}

func TestRunTool_StepBudgetBreach(t *testing.T) {
	source := "def f(ctx):\n    n = 0\n    while True:\n        n = n + 1\n    return n\n"
	req := workReq(source, "f")
	req.Limits.Steps = 10_000
	f, breach := runTool(req, &memCaps{}, validate.DefaultRuleset())
	if breach != governor.BreachCPU {
		t.Fatalf("breach = %q frame = %+v, want the cpu breach", breach, f)
	}
}

func TestRunTool_OversizedResultRejected(t *testing.T) {
	source := "def f(ctx):\n    return \"x\" * (2 * 1024 * 1024)\n"
	f, breach := runTool(workReq(source, "f"), &memCaps{}, validate.DefaultRuleset())
	if breach != "" {
		t.Fatalf("unexpected breach %q", breach)
	}
	if f.Type != frameError || f.Class != errClassViolation {
		t.Fatalf("frame type=%s class=%s, want a violation", f.Type, f.Class)
	}
	if !strings.Contains(f.Message, "result exceeds") {
		t.Errorf("message = %q", f.Message)
	}
}
