package transaction

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

const (
	evtTimerA = "timer_a"
	evtTimerB = "timer_b"
	evtTimerD = "timer_d"
	evtTimerM = "timer_m"
)

// InviteClient is the RFC 3261 Section 17.1.1 INVITE client transaction,
// extended with the Accepted state RFC 6026 Section 7.2 adds so 2xx
// retransmits reach the transaction-user after the transaction itself
// stops owning ACK generation.
type InviteClient struct {
	client

	tmrA, tmrB, tmrD, tmrM timer.Handle
	ack                    *message.Request
}

// NewInviteClient constructs and starts an INVITE client transaction:
// the request is sent immediately.
func NewInviteClient(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ClientDelegate, logger *slog.Logger) *InviteClient {
	tx := &InviteClient{client: newClient(key, req, sink, profile, delegate, logger)}
	tx.initFSM()
	tx.actCalling(context.Background())
	return tx
}

func (tx *InviteClient) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateCalling)

	tx.fsm.Configure(StateCalling).
		InternalTransition(evtTimerA, tx.actRetransmit).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateAccepted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerB, StateTerminated).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		Permit(evtRecv2xx, StateAccepted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		InternalTransition(evtRecv300699, tx.actRetransmitAck).
		Permit(evtTimerD, StateTerminated).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateAccepted).
		OnEntry(tx.actAccepted).
		InternalTransition(evtRecv2xx, tx.actPassRes).
		Permit(evtTimerM, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTimerB, tx.actTimedOut).
		OnEntryFrom(evtTransportError, tx.actTransportError)
}

func (tx *InviteClient) actCalling(ctx context.Context) error {
	tx.sendReq(ctx, tx.req)

	if !tx.sink.Reliable() {
		var attempt int
		var scheduleA func()
		scheduleA = func() {
			d := tx.profile.TimerA(attempt)
			attempt++
			timer.Start(&tx.tmrA, "A", d, func() {
				if tx.State() != StateCalling {
					return
				}
				_ = tx.fsm.FireCtx(context.Background(), evtTimerA)
				scheduleA()
			})
		}
		scheduleA()
	}

	timer.Start(&tx.tmrB, "B", tx.profile.TimerB(), func() {
		if tx.State() != StateCalling {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerB)
	})
	return nil
}

func (tx *InviteClient) actRetransmit(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	return nil
}

func (tx *InviteClient) actProceeding(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrA, &tx.tmrB)
	return tx.actPassRes(ctx, args...)
}

func (tx *InviteClient) actCompleted(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrA, &tx.tmrB)

	resp, _ := args[0].(*message.Response)
	if resp != nil {
		tx.ack = buildNonSuccessACK(tx.req, resp)
		tx.sendReq(ctx, tx.ack)
		tx.delegate.OnFinal(resp)
	}

	timer.Start(&tx.tmrD, "D", tx.profile.TimerD(tx.sink.Reliable()), func() {
		if tx.State() != StateCompleted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerD)
	})
	return nil
}

func (tx *InviteClient) actRetransmitAck(ctx context.Context, _ ...any) error {
	if tx.ack != nil {
		tx.sendReq(ctx, tx.ack)
	}
	return nil
}

func (tx *InviteClient) actAccepted(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrA, &tx.tmrB)
	if err := tx.actPassRes(ctx, args...); err != nil {
		return err
	}
	timer.Start(&tx.tmrM, "M", tx.profile.TimerM(), func() {
		if tx.State() != StateAccepted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerM)
	})
	return nil
}

func (tx *InviteClient) actTerminated(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrA, &tx.tmrB, &tx.tmrD, &tx.tmrM)
	if tx.onTerminated != nil {
		tx.onTerminated()
	}
	return nil
}

func (tx *InviteClient) actTimedOut(ctx context.Context, args ...any) error {
	tx.delegate.OnTimeout()
	return nil
}

// buildNonSuccessACK constructs the ACK RFC 3261 Section 17.1.1.3 says
// the INVITE client transaction itself must generate and retransmit
// for any non-2xx final response: same branch, To with the response's
// tag, CSeq method rewritten to ACK.
func buildNonSuccessACK(req *message.Request, resp *message.Response) *message.Request {
	ack := req.Clone()
	ack.Method = "ACK"
	seq, _, _ := req.CSeq()
	ack.SetCSeq(seq, "ACK")
	if to, err := resp.To(); err == nil {
		ack.SetTo(to)
	}
	ack.Body = nil
	ack.Headers.Del(message.HeaderContentLength)
	ack.SetHeader(message.HeaderContentLength, "0")
	return ack
}
