package transaction

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

// NonInviteServer is the RFC 3261 Section 17.2.2 non-INVITE server
// transaction: unlike its client counterpart it never retransmits on
// its own, it only resends the last response when the request itself
// is retransmitted.
type NonInviteServer struct {
	server

	tmrJ timer.Handle
}

// NewNonInviteServer constructs and starts a non-INVITE server
// transaction in the Trying state.
func NewNonInviteServer(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ServerDelegate, logger *slog.Logger) *NonInviteServer {
	tx := &NonInviteServer{server: newServer(key, req, sink, profile, delegate, logger)}
	tx.initFSM()
	return tx
}

// Respond sends resp through the transaction, classifying it to drive
// the state machine.
func (tx *NonInviteServer) Respond(ctx context.Context, resp *message.Response) error {
	return errtrace.Wrap(tx.respond(ctx, resp))
}

func (tx *NonInviteServer) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)

	tx.fsm.Configure(StateTrying).
		InternalTransition(evtRecvReq, tx.actNoop).
		Permit(evtSend1xx, StateProceeding).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtSend1xx, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend1xx, tx.actSendRes).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtSend2xx, tx.actSendRes).
		OnEntryFrom(evtSend300699, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		Permit(evtTimerJSrv, StateTerminated).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTransportError, tx.actTransportError)
}

func (tx *NonInviteServer) actCompleted(ctx context.Context, _ ...any) error {
	timer.Start(&tx.tmrJ, "J", tx.profile.TimerJ(tx.sink.Reliable()), func() {
		if tx.State() != StateCompleted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerJSrv)
	})
	return nil
}

func (tx *NonInviteServer) actTerminated(ctx context.Context, _ ...any) error {
	stopTimers(&tx.tmrJ)
	if tx.onTerminated != nil {
		tx.onTerminated()
	}
	return nil
}
