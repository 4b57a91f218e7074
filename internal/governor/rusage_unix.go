//go:build unix

package governor

import (
	"os"
	"runtime"
	"syscall"
)

// PeakRSS returns the worker's peak resident set size in bytes, or 0 when
// the platform does not report it.
func PeakRSS(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// ru_maxrss is kilobytes on Linux, bytes on Darwin.
	if runtime.GOOS == "darwin" {
		return int64(ru.Maxrss)
	}
	return int64(ru.Maxrss) * 1024
}
