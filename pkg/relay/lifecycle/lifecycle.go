package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared across handlers. Draining makes
// readiness fail and stops new relay connections while live calls finish.
type Lifecycle struct {
	draining     atomic.Bool
	drainStarted atomic.Int64
}

// BeginDrain marks the process as draining. It reports whether this call
// made the transition.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.drainStarted.Store(now.UnixNano())
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil || !l.draining.Load() {
		return time.Time{}
	}
	return time.Unix(0, l.drainStarted.Load())
}
