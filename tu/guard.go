// Package tu implements the RFC 3261/RFC 6665 transaction-user state
// machines that ride on top of a dialog and UA-Core: INVITE sessions,
// registration, publication, subscription, and the single-shot
// non-INVITE users (MESSAGE/INFO/REFER).
package tu

import (
	"context"
	"fmt"
	"sync"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/errs"
)

// guard enforces the state transition discipline every TU shares: a
// transition must not be triggered while another transition on the
// same object is already in flight. A reentrant attempt — typically a
// delegate callback invoked synchronously from inside actOnEntry
// calling back into the TU — returns a StateTransitionError instead of
// deadlocking or corrupting the FSM.
type guard struct {
	mu     sync.Mutex
	inTran bool
}

// enter claims the guard for object, returning a release func to call
// (via defer) once the transition completes, or an error if a
// transition was already in flight.
func (g *guard) enter(object, from, event string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inTran {
		return nil, errs.NewLoopDetected(object, from, event)
	}
	g.inTran = true
	return g.release, nil
}

func (g *guard) release() {
	g.mu.Lock()
	g.inTran = false
	g.mu.Unlock()
}

// fireGuarded fires event on fsm under g's reentrancy discipline,
// naming object and the FSM's current state in the resulting
// StateTransitionError if a transition is already in flight.
func fireGuarded(ctx context.Context, g *guard, fsm *stateless.StateMachine, object, event string, args ...any) error {
	st, _ := fsm.State(ctx)
	release, err := g.enter(object, fmt.Sprint(st), event)
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer release()
	return errtrace.Wrap(fsm.FireCtx(ctx, event, args...))
}
