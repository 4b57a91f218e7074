// Package governor enforces wall-clock, CPU, and memory ceilings on one
// isolated execution unit and classifies the first breach. The host side
// arms a watchdog that unconditionally kills the worker process; the worker
// side arms OS resource limits and a heap monitor inside the process. The
// sandboxed code is adversarial by assumption, so nothing here relies on it
// observing a cancellation signal.
package governor

import (
	"fmt"
	"time"
)

// Grace is how far past a limit termination may lag. Breach detection plus
// forced kill always completes within the enforced limit plus Grace.
const Grace = 100 * time.Millisecond

// MemorySlack is the hard allocation ceiling's margin past Limits.Memory.
// The margin covers runtime overhead outside the measured heap and the
// headroom the breach-exit path itself needs. An allocation the heap
// monitor never saw complete is refused by the kernel at Memory+MemorySlack.
const MemorySlack int64 = 32 << 20

// Limits are the resource ceilings for one execution.
type Limits struct {
	WallClock time.Duration
	CPUTime   time.Duration
	// Memory is the heap ceiling in bytes.
	Memory int64
	// Steps bounds the interpreter's execution step counter, a
	// deterministic companion to the CPU-time rlimit.
	Steps uint64
}

// DefaultLimits returns the stock per-execution ceilings.
func DefaultLimits() Limits {
	return Limits{
		WallClock: 5 * time.Second,
		CPUTime:   3 * time.Second,
		Memory:    64 << 20,
		Steps:     20_000_000,
	}
}

// BreachKind classifies which ceiling was hit first.
type BreachKind string

const (
	BreachTime   BreachKind = "time"
	BreachCPU    BreachKind = "cpu"
	BreachMemory BreachKind = "memory"
)

// BreachError reports a terminated execution and which limit it hit.
type BreachError struct {
	Kind  BreachKind
	Limit string // human-readable limit, e.g. "5s" or "64 MiB"
}

func (e *BreachError) Error() string {
	if e.Limit == "" {
		return fmt.Sprintf("%s limit exceeded", e.Kind)
	}
	return fmt.Sprintf("%s limit exceeded (%s)", e.Kind, e.Limit)
}

// Worker exit codes marking a self-detected breach. Chosen above the codes
// the Go runtime uses for its own failures.
const (
	ExitMemoryExceeded = 64
	ExitCPUExceeded    = 65
)

func memoryLimitString(bytes int64) string {
	return fmt.Sprintf("%d MiB", bytes>>20)
}
