package governor

import (
	"sync/atomic"
	"time"
)

// Watchdog kills an execution unit when its wall-clock deadline passes.
// Termination is forceful: the kill function must not depend on any
// cooperation from the unit.
type Watchdog struct {
	timer *time.Timer
	fired atomic.Bool
}

// NewWatchdog arms a watchdog that calls kill once wall+Grace elapses.
func NewWatchdog(wall time.Duration, kill func()) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(wall+Grace, func() {
		w.fired.Store(true)
		kill()
	})
	return w
}

// Stop disarms the watchdog and reports whether it had already fired.
func (w *Watchdog) Stop() bool {
	w.timer.Stop()
	return w.fired.Load()
}

// Fired reports whether the watchdog terminated the unit.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}
