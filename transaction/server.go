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

// ServerDelegate receives events from a server transaction. OnAck only
// fires for INVITE server transactions; other flavors never call it.
type ServerDelegate interface {
	OnAck(req *message.Request)
	OnTransportError(err error)
	OnTimeout()
}

const (
	evtRecvReq     = "recv_req"
	evtRecvAck     = "recv_ack"
	evtSend1xx     = "send_1xx"
	evtSend2xx     = "send_2xx"
	evtSend300699  = "send_300_699"
	evtTimerGSrv   = "timer_g"
	evtTimerHSrv   = "timer_h"
	evtTimerISrv   = "timer_i"
	evtTimerLSrv   = "timer_l"
	evtTimer1xxSrv = "timer_1xx"
	evtTimerJSrv   = "timer_j"
)

// server is the state shared by IST and NIST.
type server struct {
	base
	req      *message.Request
	profile  timer.Profile
	delegate ServerDelegate

	fsm      *stateless.StateMachine
	lastResp atomic.Pointer[message.Response]
}

func newServer(key Key, req *message.Request, sink Sink, profile timer.Profile, delegate ServerDelegate, logger *slog.Logger) server {
	return server{
		base:     newBase(key, sink, logger),
		req:      req,
		profile:  profile,
		delegate: delegate,
	}
}

func (s *server) State() State {
	st, _ := s.fsm.State(context.Background())
	return st.(State) //nolint:forcetypeassert
}

func (s *server) Terminate() {
	_ = s.fsm.FireCtx(context.Background(), evtTerminate)
}

func (s *server) Request() *message.Request { return s.req }

func (s *server) LastResponse() *message.Response { return s.lastResp.Load() }

// RecvRequest is called when a request matching this transaction's key
// arrives again: RFC 3261 Section 17.2.1/17.2.2 says the transaction,
// not the TU, is responsible for retransmitting the last response.
func (s *server) RecvRequest(ctx context.Context) error {
	return errtrace.Wrap(s.fsm.FireCtx(ctx, evtRecvReq))
}

// Respond sends resp, classifying it to drive the FSM.
func (s *server) respond(ctx context.Context, resp *message.Response) error {
	s.lastResp.Store(resp)
	switch {
	case resp.StatusCode.IsProvisional():
		return errtrace.Wrap(s.fsm.FireCtx(ctx, evtSend1xx, resp))
	case resp.StatusCode.IsSuccessful():
		return errtrace.Wrap(s.fsm.FireCtx(ctx, evtSend2xx, resp))
	default:
		return errtrace.Wrap(s.fsm.FireCtx(ctx, evtSend300699, resp))
	}
}

func (s *server) sendResp(ctx context.Context, resp *message.Response) {
	if err := s.sink.SendResponse(ctx, resp); err != nil {
		if fireErr := s.fsm.FireCtx(ctx, evtTransportError, errtrace.Wrap(err)); fireErr != nil {
			s.log.Warn("cannot deliver transport error", "error", fireErr)
		}
	}
}

func (s *server) actSendRes(ctx context.Context, args ...any) error {
	resp, _ := args[0].(*message.Response)
	if resp == nil {
		resp = s.lastResp.Load()
	}
	if resp != nil {
		s.sendResp(ctx, resp)
	}
	return nil
}

func (s *server) actResendRes(ctx context.Context, _ ...any) error {
	if resp := s.lastResp.Load(); resp != nil {
		s.sendResp(ctx, resp)
	}
	return nil
}

func (s *server) actNoop(ctx context.Context, _ ...any) error { return nil }

func (s *server) actTransportError(ctx context.Context, args ...any) error {
	var err error
	if len(args) > 0 {
		if e, ok := args[0].(error); ok {
			err = e
		}
	}
	s.delegate.OnTransportError(err)
	return nil
}
