//go:build !unix

package governor

import (
	"runtime"
	"runtime/debug"
)

// Arm on non-unix platforms has no rlimit support; the heap monitor and the
// host watchdog still apply, and the interpreter step budget stands in for
// the CPU ceiling.
func Arm(limits Limits) (<-chan BreachKind, error) {
	runtime.GOMAXPROCS(1)
	debug.SetMemoryLimit(limits.Memory)

	breach := make(chan BreachKind, 1)
	go monitorHeap(limits.Memory, breach)
	return breach, nil
}
