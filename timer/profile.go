// Package timer provides RFC 3261 Section 17-defined timer durations
// and named, cancelable timer handles for the transaction and dialog
// usage state machines.
package timer

import "time"

// Profile supplies the base and derived timer durations an FSM needs.
// It is looked up through an interface rather than hardcoded so tests
// can substitute compressed timings without touching FSM logic
// (grounded on the teacher's TimingConfig abstraction).
type Profile interface {
	T1() time.Duration
	T2() time.Duration
	T4() time.Duration
	TimerA(attempt int) time.Duration // ICT request retransmit, min(2^n*T1, T2)
	TimerB() time.Duration            // ICT transaction timeout, 64*T1
	TimerD(reliable bool) time.Duration
	TimerE(attempt int) time.Duration // NICT request retransmit, capped at T2
	TimerF() time.Duration            // NICT transaction timeout, 64*T1
	TimerG(attempt int) time.Duration // IST response retransmit, capped at T2
	TimerH() time.Duration            // IST ACK wait, 64*T1
	TimerI(reliable bool) time.Duration
	TimerJ(reliable bool) time.Duration
	TimerK(reliable bool) time.Duration
	TimerL() time.Duration // 2xx retransmit wait, 64*T1
	TimerM() time.Duration // 2xx retransmit dedupe wait, 64*T1
	Timer100() time.Duration
}

// DefaultProfile is the RFC 3261 Section 17 default timer profile:
// T1=500ms, T2=4s, T4=5s.
type DefaultProfile struct {
	t1, t2, t4 time.Duration
}

var _ Profile = DefaultProfile{}

// NewDefaultProfile returns the RFC 3261 default profile.
func NewDefaultProfile() DefaultProfile {
	return DefaultProfile{t1: 500 * time.Millisecond, t2: 4 * time.Second, t4: 5 * time.Second}
}

// NewProfile returns a profile with explicit T1/T2/T4, useful for tests
// that need compressed timers without waiting real RFC durations.
func NewProfile(t1, t2, t4 time.Duration) DefaultProfile {
	return DefaultProfile{t1: t1, t2: t2, t4: t4}
}

func (p DefaultProfile) T1() time.Duration { return p.t1 }
func (p DefaultProfile) T2() time.Duration { return p.t2 }
func (p DefaultProfile) T4() time.Duration { return p.t4 }

func (p DefaultProfile) TimerA(attempt int) time.Duration { return capped(p.t1, attempt, p.t2) }
func (p DefaultProfile) TimerB() time.Duration            { return 64 * p.t1 }
func (p DefaultProfile) TimerD(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * p.t1
}
func (p DefaultProfile) TimerE(attempt int) time.Duration { return capped(p.t1, attempt, p.t2) }
func (p DefaultProfile) TimerF() time.Duration            { return 64 * p.t1 }
func (p DefaultProfile) TimerG(attempt int) time.Duration { return capped(p.t1, attempt, p.t2) }
func (p DefaultProfile) TimerH() time.Duration            { return 64 * p.t1 }
func (p DefaultProfile) TimerI(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return p.t4
}
func (p DefaultProfile) TimerJ(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * p.t1
}
func (p DefaultProfile) TimerK(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return p.t4
}
func (p DefaultProfile) TimerL() time.Duration     { return 64 * p.t1 }
func (p DefaultProfile) TimerM() time.Duration     { return 64 * p.t1 }
func (p DefaultProfile) Timer100() time.Duration   { return 200 * time.Millisecond }

// capped doubles base attempt times (0-indexed) and caps at max, giving
// the 500ms, 1s, 2s, 4s, 4s, 4s... retransmit schedule Section 17.1.1.2
// and 17.1.2.2 specify.
func capped(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
