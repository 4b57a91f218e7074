//go:build !unix

package governor

import "os"

func Classify(state *os.ProcessState, watchdogFired bool, limits Limits) *BreachError {
	if watchdogFired {
		return &BreachError{Kind: BreachTime, Limit: limits.WallClock.String()}
	}
	if state == nil {
		return nil
	}
	switch state.ExitCode() {
	case ExitMemoryExceeded:
		return &BreachError{Kind: BreachMemory, Limit: memoryLimitString(limits.Memory)}
	case ExitCPUExceeded:
		return &BreachError{Kind: BreachCPU, Limit: limits.CPUTime.String()}
	}
	return nil
}
