// Package transaction implements the four RFC 3261 Section 17
// transaction state machines (INVITE/non-INVITE, client/server) plus
// RFC 6026's INVITE server transaction patch, matching, and
// retransmission/timeout handling.
package transaction

import (
	"log/slog"

	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/timer"
)

// State is a transaction lifecycle state, shared across all four FSMs
// (not every state applies to every flavor).
type State string

const (
	StateCalling    State = "calling"
	StateTrying     State = "trying"
	StateProceeding State = "proceeding"
	StateCompleted  State = "completed"
	StateConfirmed  State = "confirmed"
	StateAccepted   State = "accepted"
	StateTerminated State = "terminated"
)

// events shared across flavors.
const (
	evtTransportError = "transport_error"
	evtTerminate      = "terminate"
)

// Transaction is the behavior common to all four flavors.
type Transaction interface {
	Key() Key
	State() State
	Terminate()
	// SetOnTerminated registers fn to run once, when the transaction
	// reaches StateTerminated. Manager uses it to self-clean the table.
	SetOnTerminated(fn func())
}

// base holds the fields and helpers shared by client and server
// transactions: identity, sink, logging, and terminal-state bookkeeping.
type base struct {
	key  Key
	sink Sink
	log  *slog.Logger

	onTerminated func()
}

func newBase(key Key, sink Sink, logger *slog.Logger) base {
	if logger == nil {
		logger = log.Def
	}
	return base{key: key, sink: sink, log: logger}
}

func (b *base) Key() Key { return b.key }

func (b *base) SetOnTerminated(fn func()) { b.onTerminated = fn }

// stopTimers cancels every handle passed, ignoring nils.
func stopTimers(handles ...*timer.Handle) {
	for _, h := range handles {
		h.Cancel()
	}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return log.Def
}
