package timer

import (
	"sync/atomic"
	"time"

	"github.com/sipstack/core/internal/timeutil"
)

// Handle is a cancelable one-shot timer. It wraps
// internal/timeutil.SerializableTimer, discarding its JSON
// snapshot/restore capability: this package has no persisted state
// (spec.md Section 6), only in-process cancelable callbacks.
type Handle struct {
	name string
	t    atomic.Pointer[timeutil.SerializableTimer]
}

// Start begins a new named one-shot timer that invokes fn after d,
// replacing (and canceling) any timer previously started under name.
func Start(slot *Handle, name string, d time.Duration, fn func()) {
	old := slot.t.Swap(timeutil.AfterFunc(d, fn))
	if old != nil {
		old.Stop()
	}
	slot.name = name
}

// Cancel stops the current timer, if any, and clears the slot.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	if old := h.t.Swap(nil); old != nil {
		old.Stop()
	}
}

// Active reports whether a timer is currently running in this slot.
func (h *Handle) Active() bool {
	if h == nil {
		return false
	}
	t := h.t.Load()
	return t != nil && t.State() == timeutil.TimerStateRunning
}

// Name returns the name of the timer most recently started in this slot.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// Periodic runs fn repeatedly at a fixed interval until Stop is
// called, used by transport keep-alive (spec.md Section 4.8) where the
// interval itself is randomized by the caller on each cycle.
type Periodic struct {
	stop  chan struct{}
	reset chan struct{}
}

// StartPeriodic starts a periodic timer that calls next() to obtain
// each subsequent interval (allowing jitter) and invokes fn at the end
// of each interval, until Stop is called.
func StartPeriodic(next func() time.Duration, fn func()) *Periodic {
	p := &Periodic{stop: make(chan struct{}), reset: make(chan struct{}, 1)}
	go func() {
		for {
			d := next()
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
				fn()
			case <-p.reset:
				timer.Stop()
			case <-p.stop:
				timer.Stop()
				return
			}
		}
	}()
	return p
}

// Reset restarts the current interval from zero, debouncing fn's next
// call by a fresh next()-obtained interval. Used when other evidence
// of liveness (a peer's own keep-alive frame) makes the pending call
// redundant.
func (p *Periodic) Reset() {
	if p == nil {
		return
	}
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Stop terminates the periodic timer. Safe to call multiple times.
func (p *Periodic) Stop() {
	if p == nil {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}
