package governor

import (
	"runtime"
	"time"
)

// monitorHeap polls the runtime heap statistics and reports a memory breach
// once live heap exceeds the ceiling. The poll interval bounds the slack by
// which an allocation burst can overshoot the limit before termination.
func monitorHeap(limit int64, breach chan<- BreachKind) {
	const interval = 10 * time.Millisecond
	var stats runtime.MemStats
	for {
		runtime.ReadMemStats(&stats)
		if int64(stats.HeapAlloc) > limit {
			select {
			case breach <- BreachMemory:
			default:
			}
			return
		}
		time.Sleep(interval)
	}
}
