package fsm

import (
	"math/rand"
	"time"
)

// Jitter applies uniform multiplicative jitter in [0.75, 1.0] to d.
// All FSM timers are jittered unless disabled in configuration.
func Jitter(d time.Duration, enabled bool) time.Duration {
	if !enabled || d <= 0 {
		return d
	}
	f := 0.75 + 0.25*rand.Float64()
	return time.Duration(float64(d) * f)
}

// timer wraps time.AfterFunc with rearm/stop bookkeeping so the FSM can
// treat late fires of a stopped timer as spurious.
type timer struct {
	t   *time.Timer
	gen uint64
}

// schedule (re)arms the timer to call fn after d. A previously armed
// fire is invalidated.
func (tm *timer) schedule(d time.Duration, fn func()) {
	tm.stop()
	tm.gen++
	gen := tm.gen
	self := tm
	tm.t = time.AfterFunc(d, func() {
		if self.gen == gen {
			fn()
		}
	})
}

func (tm *timer) stop() {
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}
