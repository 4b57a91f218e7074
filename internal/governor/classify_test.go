//go:build unix

package governor

import (
	"syscall"
	"testing"
	"time"
)

func TestClassifyExit(t *testing.T) {
	limits := Limits{
		WallClock: 5 * time.Second,
		CPUTime:   3 * time.Second,
		Memory:    64 << 20,
	}

	tests := []struct {
		name string
		code int
		sig  syscall.Signal
		cpu  time.Duration
		want BreachKind
	}{
		{"clean exit", 0, -1, time.Second, ""},
		{"ordinary failure", 1, -1, time.Second, ""},
		{"self-detected memory breach", ExitMemoryExceeded, -1, time.Second, BreachMemory},
		{"self-detected cpu breach", ExitCPUExceeded, -1, 3 * time.Second, BreachCPU},
		{"allocation refused by hard ceiling", 2, -1, time.Second, BreachMemory},
		{"sigxcpu", -1, syscall.SIGXCPU, 3 * time.Second, BreachCPU},
		{"sigkill with spent cpu budget", -1, syscall.SIGKILL, 4 * time.Second, BreachCPU},
		{"sigkill below cpu budget", -1, syscall.SIGKILL, time.Second, BreachMemory},
		{"unrelated signal", -1, syscall.SIGTERM, time.Second, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyExit(tc.code, tc.sig, tc.cpu, limits)
			if tc.want == "" {
				if got != nil {
					t.Fatalf("classifyExit = %v, want nil", got)
				}
				return
			}
			if got == nil || got.Kind != tc.want {
				t.Fatalf("classifyExit = %v, want kind %s", got, tc.want)
			}
		})
	}
}
