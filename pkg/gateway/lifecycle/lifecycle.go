// Package lifecycle holds the process-wide run state shared across handlers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle tracks whether the gateway is accepting new live sessions. A
// draining gateway refuses new upgrades while existing sessions wind down,
// and readiness reports when the drain began.
type Lifecycle struct {
	drainingSince atomic.Int64 // unix nanos, 0 while running
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	l.drainingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince returns when draining began, or the zero time while running.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	nanos := l.drainingSince.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
