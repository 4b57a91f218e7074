//go:build unix

package governor

import (
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"
)

// Arm installs the worker-side ceilings for the current process and returns
// a channel that delivers the first self-detected breach. Called exactly
// once, before any tool code runs.
//
//   - CPU: RLIMIT_CPU with a one-second hard margin. The soft limit
//     delivers SIGXCPU, which we turn into an orderly breach exit; the hard
//     limit is the kernel's SIGKILL backstop should that exit be delayed.
//   - Memory: RLIMIT_DATA caps writable private mappings at the ceiling
//     plus MemorySlack, so no allocation burst can overshoot the ceiling by
//     more than that fixed margin. Below the hard limit,
//     debug.SetMemoryLimit pushes the collector toward the ceiling and a
//     polling monitor converts the crossing into an orderly breach exit.
//   - CPU share: the worker is pinned to a single scheduler thread.
func Arm(limits Limits) (<-chan BreachKind, error) {
	runtime.GOMAXPROCS(1)
	debug.SetMemoryLimit(limits.Memory)

	cpuSecs := uint64(limits.CPUTime / time.Second)
	if cpuSecs == 0 {
		cpuSecs = 1
	}
	rl := &syscall.Rlimit{Cur: cpuSecs, Max: cpuSecs + 1}
	if err := syscall.Setrlimit(syscall.RLIMIT_CPU, rl); err != nil {
		return nil, err
	}

	mem := uint64(limits.Memory + MemorySlack)
	if err := syscall.Setrlimit(syscall.RLIMIT_DATA, &syscall.Rlimit{Cur: mem, Max: mem}); err != nil {
		return nil, err
	}

	breach := make(chan BreachKind, 1)

	xcpu := make(chan os.Signal, 1)
	signal.Notify(xcpu, syscall.SIGXCPU)
	go func() {
		<-xcpu
		select {
		case breach <- BreachCPU:
		default:
		}
	}()

	go monitorHeap(limits.Memory, breach)

	return breach, nil
}
