package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/assistant"
	"github.com/haven-ai/toolforge/internal/audit"
	"github.com/haven-ai/toolforge/internal/auth"
	"github.com/haven-ai/toolforge/internal/ratelimit"
	"github.com/haven-ai/toolforge/internal/registry"
	"github.com/haven-ai/toolforge/internal/sandbox"
	"github.com/haven-ai/toolforge/internal/service"
	"github.com/haven-ai/toolforge/internal/tool"
)

const (
	testKey      = "tfk_testkey1"
	otherKey     = "tfk_otherkey"
	lookupSource = "def lookup(ctx):\n    return ctx.get_meals()\n"
)

// scriptedExecutor returns one fixed outcome for every execution.
type scriptedExecutor struct {
	res *sandbox.Result
	err error
}

func (s *scriptedExecutor) Execute(context.Context, *sandbox.Request) (*sandbox.Result, error) {
	return s.res, s.err
}

type apiEnv struct {
	handler http.Handler
	exec    *scriptedExecutor
	log     *audit.MemoryLog
}

func newAPIEnv(t *testing.T, limits ratelimit.Config) *apiEnv {
	t.Helper()
	log := audit.NewMemoryLog(0, zap.NewNop())
	exec := &scriptedExecutor{res: &sandbox.Result{
		Value: map[string]any{"answer": float64(42)},
		Usage: tool.Usage{WallClock: 3 * time.Millisecond, Steps: 17},
	}}
	svc := service.New(service.Config{
		Registry:     registry.NewMemoryRegistry(),
		Limiter:      ratelimit.New(limits),
		Executor:     exec,
		Events:       log,
		EventsReader: log,
		Logger:       zap.NewNop(),
	})
	deps := &Dependencies{
		Service: svc,
		Auth: auth.NewStaticAuthenticator(map[string]auth.PrincipalContext{
			testKey:  {PrincipalID: "p1", Name: "one"},
			otherKey: {PrincipalID: "p2", Name: "two"},
		}),
		Capabilities: assistant.NewStore(),
		Logger:       zap.NewNop(),
	}
	return &apiEnv{handler: NewRouter(deps), exec: exec, log: log}
}

func openLimits() ratelimit.Config {
	return ratelimit.Config{
		Create:  ratelimit.Limit{Max: 1000, Window: time.Hour},
		Execute: ratelimit.Limit{Max: 1000, Window: time.Hour},
	}
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func registerTool(t *testing.T, env *apiEnv, key, name, source string) ToolResp {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/tools", key, RegisterToolReq{Name: name, Source: source})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[ToolResp](t, rec)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t, openLimits())

	tests := []struct {
		name string
		key  string
	}{
		{"missing token", ""},
		{"unknown token", "tfk_nope1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/tools", tt.key, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestRegisterToolEndpoint(t *testing.T) {
	env := newAPIEnv(t, openLimits())

	resp := registerTool(t, env, testKey, "lookup", lookupSource)
	if resp.ID == "" || resp.Version != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Capability != "read-only" || resp.Entry != "lookup" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRegisterToolEndpoint_ValidationFailure(t *testing.T) {
	env := newAPIEnv(t, openLimits())

	rec := env.do(t, http.MethodPost, "/v1/tools", testKey,
		RegisterToolReq{Name: "bad", Source: "import os\n"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	resp := decode[ErrorResp](t, rec)
	if resp.Kind != "validation_failure" {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestInvokeToolEndpoint(t *testing.T) {
	env := newAPIEnv(t, openLimits())
	created := registerTool(t, env, testKey, "lookup", lookupSource)

	rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", testKey,
		InvokeToolReq{RequestID: "req-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	resp := decode[InvokeToolResp](t, rec)
	if resp.RequestID != "req-42" || resp.ToolID != created.ID {
		t.Errorf("resp = %+v", resp)
	}
	value, ok := resp.Value.(map[string]any)
	if !ok || value["answer"] != float64(42) {
		t.Errorf("value = %#v", resp.Value)
	}
	if resp.Usage.WallClockMs != 3 || resp.Usage.Steps != 17 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestInvokeToolEndpoint_Errors(t *testing.T) {
	env := newAPIEnv(t, openLimits())
	created := registerTool(t, env, testKey, "lookup", lookupSource)

	t.Run("unknown tool is 404", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/tools/ghost/invoke", testKey, InvokeToolReq{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("foreign tool is 404", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", otherKey, InvokeToolReq{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("violation is 403 with kind", func(t *testing.T) {
		env := newAPIEnv(t, openLimits())
		created := registerTool(t, env, testKey, "lookup", lookupSource)
		env.exec.res = &sandbox.Result{}
		env.exec.err = &sandbox.ViolationError{Reason: "capability denied"}

		rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", testKey, InvokeToolReq{})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
		}
		if resp := decode[ErrorResp](t, rec); resp.Kind != "sandbox_violation" {
			t.Errorf("kind = %q", resp.Kind)
		}
	})

	t.Run("disabled tool is 403", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/disable", testKey,
			DisableToolReq{Reason: "manual review"})
		if rec.Code != http.StatusOK {
			t.Fatalf("disable: status %d", rec.Code)
		}
		rec = env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", testKey, InvokeToolReq{})
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestInvokeToolEndpoint_RateLimited(t *testing.T) {
	cfg := openLimits()
	cfg.Execute = ratelimit.Limit{Max: 1, Window: time.Hour}
	env := newAPIEnv(t, cfg)
	created := registerTool(t, env, testKey, "lookup", lookupSource)

	if rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", testKey, InvokeToolReq{}); rec.Code != http.StatusOK {
		t.Fatalf("first invoke: status %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/tools/"+created.ID+"/invoke", testKey, InvokeToolReq{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestEventScoping(t *testing.T) {
	env := newAPIEnv(t, openLimits())

	// One validation failure per principal.
	for _, key := range []string{testKey, otherKey} {
		rec := env.do(t, http.MethodPost, "/v1/tools", key, RegisterToolReq{Name: "bad", Source: "import os\n"})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	own := decode[EventListResp](t, env.do(t, http.MethodGet, "/v1/events", testKey, nil))
	if len(own.Events) != 1 || own.Events[0].Principal != "p1" {
		t.Errorf("own events = %+v", own.Events)
	}

	// The operator surface sees both, and can filter.
	all := decode[EventListResp](t, env.do(t, http.MethodGet, "/api/toolforge/events", "", nil))
	if len(all.Events) != 2 {
		t.Errorf("operator events = %+v", all.Events)
	}
	filtered := decode[EventListResp](t, env.do(t, http.MethodGet, "/api/toolforge/events?principal_id=p2", "", nil))
	if len(filtered.Events) != 1 || filtered.Events[0].Principal != "p2" {
		t.Errorf("filtered events = %+v", filtered.Events)
	}
}

func TestOperatorEndpointsWithoutBackends(t *testing.T) {
	env := newAPIEnv(t, openLimits())

	// No ClickHouse: analytics unavailable.
	if rec := env.do(t, http.MethodGet, "/api/toolforge/analytics", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("analytics status = %d, want 503", rec.Code)
	}
	// No Postgres: principal admin unavailable.
	if rec := env.do(t, http.MethodGet, "/api/toolforge/principals", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("principals status = %d, want 503", rec.Code)
	}
	// Anomalies work without a monitor, returning an empty list.
	rec := env.do(t, http.MethodGet, "/api/toolforge/anomalies", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anomalies status = %d", rec.Code)
	}
	if flags := decode[[]AnomalyResp](t, rec); len(flags) != 0 {
		t.Errorf("flags = %+v", flags)
	}
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t, openLimits())
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestListToolsEndpoint(t *testing.T) {
	env := newAPIEnv(t, openLimits())
	for i := 0; i < 3; i++ {
		registerTool(t, env, testKey, fmt.Sprintf("tool%d", i), lookupSource)
	}
	registerTool(t, env, otherKey, "other", lookupSource)

	list := decode[[]ToolResp](t, env.do(t, http.MethodGet, "/v1/tools", testKey, nil))
	if len(list) != 3 {
		t.Errorf("got %d tools, want 3", len(list))
	}
}

func TestLookupToolByName(t *testing.T) {
	env := newAPIEnv(t, openLimits())
	registerTool(t, env, testKey, "lookup", lookupSource)
	v2 := registerTool(t, env, testKey, "lookup", lookupSource)

	rec := env.do(t, http.MethodGet, "/v1/tools/by-name/lookup", testKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	got := decode[ToolResp](t, rec)
	if got.ID != v2.ID || got.Version != 2 {
		t.Errorf("got %s v%d, want the latest version %s v2", got.ID, got.Version, v2.ID)
	}

	// Unknown names and other principals' names are both 404.
	if rec := env.do(t, http.MethodGet, "/v1/tools/by-name/ghost", testKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown name: status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/tools/by-name/lookup", otherKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign name: status = %d", rec.Code)
	}
}
