package tu

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/uacore"
)

// SubscribeState is a Subscription's position in the RFC 6665 state
// machine.
type SubscribeState string

const (
	SubscribeInitial    SubscribeState = "Initial"
	SubscribeNotifyWait SubscribeState = "NotifyWait"
	SubscribePending    SubscribeState = "Pending"
	SubscribeActive     SubscribeState = "Active"
	SubscribeTerminated SubscribeState = "Terminated"
)

const (
	evtSubSent      = "sent"
	evtSubPending   = "pending"
	evtSubActive    = "active"
	evtSubTerminate = "terminate"
)

// SubscriptionDelegate receives a Subscription's lifecycle callbacks.
type SubscriptionDelegate interface {
	OnNotify(body []byte, contentType string)
	OnActive()
	OnTerminated(reason string)
	OnFailed(status types.ResponseStatus, reason string)
}

// SubscriptionOptions configures a Subscription per spec.md's RFC 6665
// paragraph.
type SubscriptionOptions struct {
	Target    *message.URI
	FromURI   *message.URI
	EventType string
	Expires   time.Duration
}

// Subscription is the RFC 6665 SUBSCRIBE client TU. It transitions to
// NotifyWait the moment the SUBSCRIBE is sent (not on its 2xx), then
// to Pending or Active per the first NOTIFY's Subscription-State, and
// to Terminated on a NOTIFY carrying Subscription-State: terminated or
// on its own Expires timeout.
type Subscription struct {
	core  *uacore.Core
	sink  transaction.Sink
	opts  SubscriptionOptions
	creds uacore.CredentialSource

	delegate SubscriptionDelegate
	guard    guard
	fsm      *stateless.StateMachine

	callID       string
	cseq         uint32
	expiresTimer timer.Handle
	refreshTimer timer.Handle

	log *slog.Logger
}

// NewSubscription constructs a Subscription against opts.
func NewSubscription(core *uacore.Core, sink transaction.Sink, opts SubscriptionOptions, delegate SubscriptionDelegate, creds uacore.CredentialSource, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = log.Def
	}
	s := &Subscription{
		core: core, sink: sink, opts: opts, creds: creds,
		delegate: delegate, log: logger,
		callID: message.NewCallID("subscribe-"),
	}
	s.fsm = stateless.NewStateMachine(SubscribeInitial)
	s.fsm.Configure(SubscribeInitial).
		Permit(evtSubSent, SubscribeNotifyWait).
		Permit(evtSubTerminate, SubscribeTerminated)
	s.fsm.Configure(SubscribeNotifyWait).
		Permit(evtSubPending, SubscribePending).
		Permit(evtSubActive, SubscribeActive).
		Permit(evtSubTerminate, SubscribeTerminated)
	s.fsm.Configure(SubscribePending).
		Permit(evtSubActive, SubscribeActive).
		Permit(evtSubSent, SubscribeNotifyWait).
		Permit(evtSubTerminate, SubscribeTerminated)
	s.fsm.Configure(SubscribeActive).
		Permit(evtSubSent, SubscribeNotifyWait).
		Permit(evtSubTerminate, SubscribeTerminated)
	s.fsm.Configure(SubscribeTerminated)
	return s
}

func (s *Subscription) State() SubscribeState {
	st, _ := s.fsm.State(context.Background())
	return st.(SubscribeState) //nolint:forcetypeassert
}

// CallID returns the Call-ID this subscription's SUBSCRIBE requests
// carry, which is also the Call-ID an incoming NOTIFY for it bears.
// Callers correlating inbound NOTIFYs to a Subscription must index by
// this value, not by whatever id they used to create it.
func (s *Subscription) CallID() string {
	return s.callID
}

// Subscribe sends the initial SUBSCRIBE, or a re-SUBSCRIBE refresh if
// already Pending/Active.
func (s *Subscription) Subscribe(ctx context.Context) error {
	req := message.NewOutgoingRequest(
		types.RequestMethodSubscribe, s.opts.Target, s.opts.FromURI, s.opts.Target,
		message.OutgoingRequestOptions{CallID: s.callID, CSeq: s.nextCSeq()},
	)
	req.SetHeader(message.HeaderEvent, s.opts.EventType)
	req.SetHeader(message.HeaderExpires, strconv.FormatInt(int64(s.opts.Expires/time.Second), 10))

	if err := fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubSent); err != nil {
		return errtrace.Wrap(err)
	}

	delegate := &subscribeResponseAdapter{s: s}
	return errtrace.Wrap(s.core.SendRequest(ctx, req, s.sink, s.creds, delegate))
}

// Unsubscribe sends an Expires: 0 SUBSCRIBE. The subscription ends when
// the server's terminating NOTIFY arrives; the 2xx to this request
// leaves the subscription's state and timers as they are.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s.State() == SubscribeTerminated {
		return nil
	}
	req := message.NewOutgoingRequest(
		types.RequestMethodSubscribe, s.opts.Target, s.opts.FromURI, s.opts.Target,
		message.OutgoingRequestOptions{CallID: s.callID, CSeq: s.nextCSeq()},
	)
	req.SetHeader(message.HeaderEvent, s.opts.EventType)
	req.SetHeader(message.HeaderExpires, "0")
	delegate := &subscribeResponseAdapter{s: s, unsubscribing: true}
	return errtrace.Wrap(s.core.SendRequest(ctx, req, s.sink, s.creds, delegate))
}

// Dispose cancels any pending timers and terminates.
func (s *Subscription) Dispose(ctx context.Context) error {
	s.expiresTimer.Cancel()
	s.refreshTimer.Cancel()
	if s.State() == SubscribeTerminated {
		return nil
	}
	return errtrace.Wrap(fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubTerminate))
}

// HandleNotify processes an inbound NOTIFY matched to this
// subscription's dialog. The caller (the owning dialog usage lookup)
// is responsible for routing only NOTIFYs that belong to this
// Subscription here; out-of-dialog policy is enforced by uacore.Core
// before a NOTIFY ever reaches a TU.
func (s *Subscription) HandleNotify(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer) error {
	resp := message.NewResponseFromRequest(req, 200, "OK")
	if err := tx.Respond(ctx, resp); err != nil {
		return errtrace.Wrap(err)
	}

	state, params := parseSubscriptionState(req)
	if req.Body != nil {
		s.delegate.OnNotify(req.Body.Content, req.Body.ContentType)
	}

	switch strings.ToLower(state) {
	case "terminated":
		s.expiresTimer.Cancel()
		s.refreshTimer.Cancel()
		if err := fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubTerminate); err != nil {
			s.log.Warn("terminate transition rejected", "error", err)
		}
		s.delegate.OnTerminated(params["reason"])
		return nil
	case "pending":
		if s.State() == SubscribeNotifyWait {
			if err := fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubPending); err != nil {
				s.log.Warn("pending transition rejected", "error", err)
			}
		}
	case "active":
		if s.State() != SubscribeActive {
			if err := fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubActive); err != nil {
				s.log.Warn("active transition rejected", "error", err)
			}
			s.delegate.OnActive()
		}
	}

	if secs, ok := params["expires"]; ok {
		if n, err := strconv.Atoi(secs); err == nil {
			s.scheduleExpiry(ctx, time.Duration(n)*time.Second)
		}
	}
	return nil
}

func (s *Subscription) nextCSeq() uint32 {
	s.cseq++
	return s.cseq
}

func (s *Subscription) scheduleRefresh(ctx context.Context, granted time.Duration) {
	if granted <= 0 {
		return
	}
	d := time.Duration(float64(granted) * 0.9)
	timer.Start(&s.refreshTimer, "subscription-refresh", d, func() {
		if err := s.Subscribe(ctx); err != nil {
			s.log.Warn("subscription refresh failed", "error", err)
		}
	})
}

// scheduleExpiry arms the local timeout spec.md calls out as an
// alternative termination trigger to an explicit terminated NOTIFY: a
// subscription whose granted time elapses with no further NOTIFY is
// itself considered Terminated.
func (s *Subscription) scheduleExpiry(ctx context.Context, granted time.Duration) {
	if granted <= 0 {
		return
	}
	timer.Start(&s.expiresTimer, "subscription-expiry", granted, func() {
		if s.State() == SubscribeTerminated {
			return
		}
		if err := fireGuarded(ctx, &s.guard, s.fsm, "Subscription", evtSubTerminate); err != nil {
			s.log.Warn("expiry terminate transition rejected", "error", err)
			return
		}
		s.delegate.OnTerminated("timeout")
	})
}

// parseSubscriptionState splits a Subscription-State header into its
// state token and ;key=value parameters (reason, expires, retry-after).
func parseSubscriptionState(req *message.Request) (string, map[string]string) {
	v, ok := req.HeaderValue(message.HeaderSubscribeState)
	if !ok {
		return "", nil
	}
	parts := strings.Split(v, ";")
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			params[strings.ToLower(kv[0])] = strings.Trim(kv[1], `"`)
		}
	}
	return strings.TrimSpace(parts[0]), params
}

// subscribeResponseAdapter implements uacore.ResponseDelegate for one
// outstanding SUBSCRIBE.
type subscribeResponseAdapter struct {
	s             *Subscription
	unsubscribing bool
}

func (a *subscribeResponseAdapter) OnTrying()                    {}
func (a *subscribeResponseAdapter) OnProgress(*message.Response) {}
func (a *subscribeResponseAdapter) OnRedirect(*message.Response) {}

func (a *subscribeResponseAdapter) OnAccept(resp *message.Response) {
	s := a.s
	if a.unsubscribing {
		return
	}

	granted := s.opts.Expires
	if v, ok := resp.HeaderValue(message.HeaderExpires); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			granted = time.Duration(secs) * time.Second
		}
	}
	s.scheduleRefresh(context.Background(), granted)
}

func (a *subscribeResponseAdapter) OnReject(resp *message.Response) {
	s := a.s
	if a.unsubscribing {
		return
	}
	if err := fireGuarded(context.Background(), &s.guard, s.fsm, "Subscription", evtSubTerminate); err != nil {
		s.log.Warn("terminate transition rejected", "error", err)
	}
	s.delegate.OnFailed(resp.StatusCode, resp.Reason)
}

func (a *subscribeResponseAdapter) OnFailure(err error) {
	s := a.s
	if a.unsubscribing {
		return
	}
	if fireErr := fireGuarded(context.Background(), &s.guard, s.fsm, "Subscription", evtSubTerminate); fireErr != nil {
		s.log.Warn("terminate transition rejected", "error", fireErr)
	}
	s.delegate.OnFailed(0, err.Error())
}

var _ uacore.ResponseDelegate = (*subscribeResponseAdapter)(nil)
