package transaction

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

// ClientDelegate receives events from a client transaction. Callbacks
// run synchronously during the FSM transition that produced them, per
// the single-executor model: they must not block or re-enter the
// transaction.
type ClientDelegate interface {
	OnProvisional(resp *message.Response)
	OnFinal(resp *message.Response)
	OnTransportError(err error)
	OnTimeout()
}

const (
	evtRecv1xx    = "recv_1xx"
	evtRecv2xx    = "recv_2xx"
	evtRecv300699 = "recv_300_699"
)

// client is the state shared by ICT and NICT.
type client struct {
	base
	req      *message.Request
	profile  timer.Profile
	delegate ClientDelegate

	fsm     *stateless.StateMachine
	lastRes atomic.Pointer[message.Response]
}

func newClient(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ClientDelegate, logger *slog.Logger) client {
	return client{
		base:     newBase(key, sink, logger),
		req:      req,
		profile:  profile,
		delegate: delegate,
	}
}

func (c *client) State() State {
	s, _ := c.fsm.State(context.Background())
	return s.(State) //nolint:forcetypeassert
}

// Terminate forces the transaction to its terminal state, e.g. when the
// owning transaction-user disposes early.
func (c *client) Terminate() {
	_ = c.fsm.FireCtx(context.Background(), evtTerminate)
}

func (c *client) Request() *message.Request { return c.req }

func (c *client) LastResponse() *message.Response { return c.lastRes.Load() }

// dispatch classifies an inbound response and fires the matching FSM event.
func (c *client) dispatch(ctx context.Context, resp *message.Response) error {
	c.lastRes.Store(resp)
	switch {
	case resp.StatusCode.IsProvisional():
		return errtrace.Wrap(c.fsm.FireCtx(ctx, evtRecv1xx, resp))
	case resp.StatusCode.IsSuccessful():
		return errtrace.Wrap(c.fsm.FireCtx(ctx, evtRecv2xx, resp))
	default:
		return errtrace.Wrap(c.fsm.FireCtx(ctx, evtRecv300699, resp))
	}
}

func (c *client) sendReq(ctx context.Context, req *message.Request) {
	if err := c.sink.SendRequest(ctx, req); err != nil {
		if fireErr := c.fsm.FireCtx(ctx, evtTransportError, errtrace.Wrap(err)); fireErr != nil {
			c.log.Warn("cannot deliver transport error", "error", fireErr)
		}
	}
}

func (c *client) actPassRes(ctx context.Context, args ...any) error {
	resp, _ := args[0].(*message.Response)
	if resp == nil {
		return nil
	}
	if resp.StatusCode.IsProvisional() {
		c.delegate.OnProvisional(resp)
	} else {
		c.delegate.OnFinal(resp)
	}
	return nil
}

func (c *client) actTransportError(ctx context.Context, args ...any) error {
	var err error
	if len(args) > 0 {
		if e, ok := args[0].(error); ok {
			err = e
		}
	}
	c.delegate.OnTransportError(err)
	return nil
}
