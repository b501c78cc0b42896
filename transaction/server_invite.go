package transaction

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

// InviteServer is the RFC 3261 Section 17.2.1 INVITE server transaction,
// extended with RFC 6026's Accepted state: once a 2xx has been sent the
// transaction-user, not the transaction, owns retransmitting it and
// absorbing the matching ACKs, so Accepted just tracks Timer L before
// tearing the transaction down.
type InviteServer struct {
	server

	tmr1xx, tmrG, tmrH, tmrI, tmrL timer.Handle
}

// NewInviteServer constructs and starts an INVITE server transaction in
// the Proceeding state. It auto-sends a 100 Trying if the transaction
// user hasn't produced any response within the Timer 100 interval.
func NewInviteServer(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ServerDelegate, logger *slog.Logger) *InviteServer {
	tx := &InviteServer{server: newServer(key, req, sink, profile, delegate, logger)}
	tx.initFSM()
	tx.actProceeding(context.Background())
	return tx
}

// Respond sends resp through the transaction, classifying it to drive
// the state machine.
func (tx *InviteServer) Respond(ctx context.Context, resp *message.Response) error {
	return errtrace.Wrap(tx.respond(ctx, resp))
}

// RecvAck delivers an in-dialog ACK matching this transaction's key.
func (tx *InviteServer) RecvAck(ctx context.Context, ack *message.Request) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecvAck, ack))
}

func (tx *InviteServer) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateProceeding)

	tx.fsm.Configure(StateProceeding).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend1xx, tx.actSendRes).
		InternalTransition(evtTimer1xxSrv, tx.actSend100).
		InternalTransition(evtTransportError, tx.actTransportError).
		Permit(evtSend2xx, StateAccepted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(evtSend2xx, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actNoop).
		InternalTransition(evtRecvAck, tx.actPassAck).
		InternalTransition(evtSend2xx, tx.actSendRes).
		InternalTransition(evtTransportError, tx.actTransportError).
		Permit(evtTimerLSrv, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(evtSend300699, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtTimerGSrv, tx.actResendRes).
		InternalTransition(evtTransportError, tx.actTransportError).
		Permit(evtRecvAck, StateConfirmed).
		Permit(evtTimerHSrv, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(evtRecvReq, tx.actNoop).
		InternalTransition(evtRecvAck, tx.actNoop).
		Permit(evtTimerISrv, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTimerHSrv, tx.actTimedOut)
}

func (tx *InviteServer) actSend100(ctx context.Context, _ ...any) error {
	resp := message.NewResponseFromRequest(tx.req, 100, "Trying")
	tx.sendResp(ctx, resp)
	return nil
}

func (tx *InviteServer) actSendRes(ctx context.Context, args ...any) error {
	tx.tmr1xx.Cancel()
	return tx.server.actSendRes(ctx, args...)
}

func (tx *InviteServer) actPassAck(ctx context.Context, args ...any) error {
	ack, _ := args[0].(*message.Request)
	if ack != nil {
		tx.delegate.OnAck(ack)
	}
	return nil
}

func (tx *InviteServer) actProceeding(ctx context.Context) error {
	timer.Start(&tx.tmr1xx, "100", tx.profile.Timer100(), func() {
		if tx.State() != StateProceeding {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimer1xxSrv)
	})
	return nil
}

func (tx *InviteServer) actAccepted(ctx context.Context, _ ...any) error {
	timer.Start(&tx.tmrL, "L", tx.profile.TimerL(), func() {
		if tx.State() != StateAccepted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerLSrv)
	})
	return nil
}

func (tx *InviteServer) actCompleted(ctx context.Context, _ ...any) error {
	if !tx.sink.Reliable() {
		var attempt int
		var scheduleG func()
		scheduleG = func() {
			d := tx.profile.TimerG(attempt)
			attempt++
			timer.Start(&tx.tmrG, "G", d, func() {
				if tx.State() != StateCompleted {
					return
				}
				_ = tx.fsm.FireCtx(context.Background(), evtTimerGSrv)
				scheduleG()
			})
		}
		scheduleG()
	}

	timer.Start(&tx.tmrH, "H", tx.profile.TimerH(), func() {
		if tx.State() != StateCompleted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerHSrv)
	})
	return nil
}

func (tx *InviteServer) actConfirmed(ctx context.Context, _ ...any) error {
	stopTimers(&tx.tmrG, &tx.tmrH)

	timer.Start(&tx.tmrI, "I", tx.profile.TimerI(tx.sink.Reliable()), func() {
		if tx.State() != StateConfirmed {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerISrv)
	})
	return nil
}

func (tx *InviteServer) actTerminated(ctx context.Context, _ ...any) error {
	stopTimers(&tx.tmr1xx, &tx.tmrG, &tx.tmrH, &tx.tmrI, &tx.tmrL)
	if tx.onTerminated != nil {
		tx.onTerminated()
	}
	return nil
}

func (tx *InviteServer) actTimedOut(ctx context.Context, _ ...any) error {
	tx.delegate.OnTimeout()
	return nil
}
