//go:build unix

package governor

import (
	"os"
	"syscall"
	"time"
)

// exitRuntimeFatal is the status the Go runtime exits with on a fatal
// error. After Arm, the only runtime fatal adversarial code can provoke is
// an allocation the RLIMIT_DATA ceiling refused.
const exitRuntimeFatal = 2

// Classify maps a worker's exit state to the breach that terminated it, or
// nil if the worker exited on its own. watchdogFired must be true when the
// host's wall-clock watchdog delivered the kill.
func Classify(state *os.ProcessState, watchdogFired bool, limits Limits) *BreachError {
	if watchdogFired {
		return &BreachError{Kind: BreachTime, Limit: limits.WallClock.String()}
	}
	if state == nil {
		return nil
	}

	var sig syscall.Signal = -1
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig = ws.Signal()
	}
	return classifyExit(state.ExitCode(), sig, state.UserTime()+state.SystemTime(), limits)
}

// classifyExit attributes an exit code or terminating signal to a breach.
func classifyExit(code int, sig syscall.Signal, cpu time.Duration, limits Limits) *BreachError {
	switch code {
	case 0:
		return nil
	case ExitMemoryExceeded, exitRuntimeFatal:
		return &BreachError{Kind: BreachMemory, Limit: memoryLimitString(limits.Memory)}
	case ExitCPUExceeded:
		return &BreachError{Kind: BreachCPU, Limit: limits.CPUTime.String()}
	}

	switch sig {
	case syscall.SIGXCPU:
		return &BreachError{Kind: BreachCPU, Limit: limits.CPUTime.String()}
	case syscall.SIGKILL:
		// Not our kill (the watchdog case returned above): either the
		// RLIMIT_CPU hard backstop or the kernel's OOM path. Attribute
		// by measured CPU time.
		if cpu >= limits.CPUTime {
			return &BreachError{Kind: BreachCPU, Limit: limits.CPUTime.String()}
		}
		return &BreachError{Kind: BreachMemory, Limit: memoryLimitString(limits.Memory)}
	}

	return nil
}
