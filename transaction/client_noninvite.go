package transaction

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

const (
	evtTimerE = "timer_e"
	evtTimerF = "timer_f"
	evtTimerK = "timer_k"
)

// NonInviteClient is the RFC 3261 Section 17.1.2 non-INVITE client
// transaction.
type NonInviteClient struct {
	client

	tmrE, tmrF, tmrK timer.Handle
}

// NewNonInviteClient constructs and starts a non-INVITE client
// transaction: the request is sent immediately.
func NewNonInviteClient(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ClientDelegate, logger *slog.Logger) *NonInviteClient {
	tx := &NonInviteClient{client: newClient(key, req, sink, profile, delegate, logger)}
	tx.initFSM()
	tx.actTrying(context.Background())
	return tx
}

func (tx *NonInviteClient) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)

	tx.fsm.Configure(StateTrying).
		InternalTransition(evtTimerE, tx.actRetransmit).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerF, StateTerminated).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntry(tx.actProceeding).
		InternalTransition(evtTimerE, tx.actRetransmit).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerF, StateTerminated).
		Permit(evtTransportError, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntry(tx.actCompleted).
		Permit(evtTimerK, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(evtTimerF, tx.actTimedOut).
		OnEntryFrom(evtTransportError, tx.actTransportError)
}

func (tx *NonInviteClient) actTrying(ctx context.Context) error {
	tx.sendReq(ctx, tx.req)

	if !tx.sink.Reliable() {
		var attempt int
		var scheduleE func()
		scheduleE = func() {
			d := tx.profile.TimerE(attempt)
			attempt++
			timer.Start(&tx.tmrE, "E", d, func() {
				switch tx.State() {
				case StateTrying, StateProceeding:
				default:
					return
				}
				_ = tx.fsm.FireCtx(context.Background(), evtTimerE)
				scheduleE()
			})
		}
		scheduleE()
	}

	timer.Start(&tx.tmrF, "F", tx.profile.TimerF(), func() {
		switch tx.State() {
		case StateTrying, StateProceeding:
		default:
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerF)
	})
	return nil
}

func (tx *NonInviteClient) actRetransmit(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	return nil
}

func (tx *NonInviteClient) actProceeding(ctx context.Context, args ...any) error {
	return tx.actPassRes(ctx, args...)
}

func (tx *NonInviteClient) actCompleted(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrE, &tx.tmrF)

	if resp, _ := args[0].(*message.Response); resp != nil {
		tx.delegate.OnFinal(resp)
	}

	timer.Start(&tx.tmrK, "K", tx.profile.TimerK(tx.sink.Reliable()), func() {
		if tx.State() != StateCompleted {
			return
		}
		_ = tx.fsm.FireCtx(context.Background(), evtTimerK)
	})
	return nil
}

func (tx *NonInviteClient) actTerminated(ctx context.Context, args ...any) error {
	stopTimers(&tx.tmrE, &tx.tmrF, &tx.tmrK)
	if tx.onTerminated != nil {
		tx.onTerminated()
	}
	return nil
}

func (tx *NonInviteClient) actTimedOut(ctx context.Context, args ...any) error {
	tx.delegate.OnTimeout()
	return nil
}
