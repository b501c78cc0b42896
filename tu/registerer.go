package tu

import (
	"context"
	"log/slog"
	"strconv"
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

// RegistrationState is a Registerer's position in its lifecycle.
type RegistrationState string

const (
	RegistrationInitial      RegistrationState = "Initial"
	RegistrationRegistered   RegistrationState = "Registered"
	RegistrationUnregistered RegistrationState = "Unregistered"
	RegistrationTerminated   RegistrationState = "Terminated"
)

const (
	evtRegRegistered   = "registered"
	evtRegUnregistered = "unregistered"
	evtRegTerminate    = "terminate"
)

// RegistererDelegate receives a Registerer's lifecycle callbacks.
type RegistererDelegate interface {
	OnRegistered(expires time.Duration)
	OnUnregistered()
	OnFailed(status types.ResponseStatus, reason string)
}

// RegistererOptions configures a Registerer per spec.md Section 4.7's
// Registerer paragraph: what Contact/Expires to register and whether
// to unregister automatically on Dispose.
type RegistererOptions struct {
	Registrar           *message.URI
	FromURI             *message.URI
	Contact             *message.URI
	Expires             time.Duration
	UnregisterOnDispose bool
}

// Registerer is the RFC 3261 Section 10 REGISTER client TU: it owns
// sending the initial REGISTER, scheduling the 90%-of-granted-Expires
// refresh, and reacting to a 423 Interval Too Brief by adopting the
// server's Min-Expires and resending once.
type Registerer struct {
	core  *uacore.Core
	sink  transaction.Sink
	opts  RegistererOptions
	creds uacore.CredentialSource

	delegate RegistererDelegate
	guard    guard
	fsm      *stateless.StateMachine

	callID       string
	cseq         uint32
	refreshTimer timer.Handle

	log *slog.Logger
}

// NewRegisterer constructs a Registerer against opts. The Call-ID is
// generated once here and reused for every refresh and the eventual
// un-REGISTER, per spec.md's "must be stable across refreshes."
func NewRegisterer(core *uacore.Core, sink transaction.Sink, opts RegistererOptions, delegate RegistererDelegate, creds uacore.CredentialSource, logger *slog.Logger) *Registerer {
	if logger == nil {
		logger = log.Def
	}
	r := &Registerer{
		core: core, sink: sink, opts: opts, creds: creds,
		delegate: delegate, log: logger,
		callID: message.NewCallID("register-"),
	}
	r.fsm = stateless.NewStateMachine(RegistrationInitial)
	r.fsm.Configure(RegistrationInitial).
		Permit(evtRegRegistered, RegistrationRegistered).
		Permit(evtRegTerminate, RegistrationTerminated)
	r.fsm.Configure(RegistrationRegistered).
		PermitReentry(evtRegRegistered).
		Permit(evtRegUnregistered, RegistrationUnregistered).
		Permit(evtRegTerminate, RegistrationTerminated)
	r.fsm.Configure(RegistrationUnregistered).
		Permit(evtRegTerminate, RegistrationTerminated)
	r.fsm.Configure(RegistrationTerminated)
	return r
}

func (r *Registerer) State() RegistrationState {
	st, _ := r.fsm.State(context.Background())
	return st.(RegistrationState) //nolint:forcetypeassert
}

// Register sends the initial REGISTER, or a refresh if already
// Registered.
func (r *Registerer) Register(ctx context.Context) error {
	return errtrace.Wrap(r.send(ctx, r.opts.Expires))
}

// Unregister sends an Expires: 0 REGISTER, moving to Unregistered on
// its 2xx. A no-op once already Unregistered or Terminated.
func (r *Registerer) Unregister(ctx context.Context) error {
	switch r.State() {
	case RegistrationUnregistered, RegistrationTerminated:
		return nil
	}
	return errtrace.Wrap(r.send(ctx, 0))
}

// Dispose cancels the refresh timer and, if currently Registered and
// UnregisterOnDispose is set, sends an Expires: 0 REGISTER before
// terminating; otherwise it terminates immediately. Per spec.md's
// cancellation rule, disposal always ends in Terminated rather than
// the Unregistered state a plain Unregister call leaves behind.
func (r *Registerer) Dispose(ctx context.Context) error {
	r.refreshTimer.Cancel()
	if r.State() != RegistrationRegistered || !r.opts.UnregisterOnDispose {
		return errtrace.Wrap(fireGuarded(ctx, &r.guard, r.fsm, "Registerer", evtRegTerminate))
	}

	req := message.NewOutgoingRequest(
		types.RequestMethodRegister, r.opts.Registrar, r.opts.FromURI, r.opts.FromURI,
		message.OutgoingRequestOptions{CallID: r.callID, CSeq: r.nextCSeq()},
	)
	req.SetContact(message.NewNameAddr(r.opts.Contact))
	req.SetHeader(message.HeaderExpires, "0")
	return errtrace.Wrap(r.core.SendRequest(ctx, req, r.sink, r.creds, &disposeResponseAdapter{r: r}))
}

// disposeResponseAdapter drives the un-REGISTER Dispose sends: whatever
// the outcome, the Registerer ends up Terminated, unlike a plain
// Unregister call which stops at Unregistered.
type disposeResponseAdapter struct{ r *Registerer }

func (a *disposeResponseAdapter) OnTrying()                    {}
func (a *disposeResponseAdapter) OnProgress(*message.Response) {}
func (a *disposeResponseAdapter) OnRedirect(*message.Response) {}

func (a *disposeResponseAdapter) OnAccept(*message.Response) {
	a.r.delegate.OnUnregistered()
	a.finish()
}

func (a *disposeResponseAdapter) OnReject(*message.Response) { a.finish() }
func (a *disposeResponseAdapter) OnFailure(error)             { a.finish() }

func (a *disposeResponseAdapter) finish() {
	r := a.r
	if r.State() == RegistrationRegistered {
		_ = fireGuarded(context.Background(), &r.guard, r.fsm, "Registerer", evtRegUnregistered)
	}
	if err := fireGuarded(context.Background(), &r.guard, r.fsm, "Registerer", evtRegTerminate); err != nil {
		r.log.Warn("dispose terminate transition rejected", "error", err)
	}
}

var _ uacore.ResponseDelegate = (*disposeResponseAdapter)(nil)

func (r *Registerer) send(ctx context.Context, expires time.Duration) error {
	req := message.NewOutgoingRequest(
		types.RequestMethodRegister, r.opts.Registrar, r.opts.FromURI, r.opts.FromURI,
		message.OutgoingRequestOptions{CallID: r.callID, CSeq: r.nextCSeq()},
	)
	req.SetContact(message.NewNameAddr(r.opts.Contact))
	req.SetHeader(message.HeaderExpires, strconv.FormatInt(int64(expires/time.Second), 10))

	delegate := &registerResponseAdapter{r: r, sentExpires: expires, retriedMinExpires: false}
	return errtrace.Wrap(r.core.SendRequest(ctx, req, r.sink, r.creds, delegate))
}

func (r *Registerer) nextCSeq() uint32 {
	r.cseq++
	return r.cseq
}

func (r *Registerer) scheduleRefresh(ctx context.Context, granted time.Duration) {
	if granted <= 0 {
		return
	}
	d := time.Duration(float64(granted) * 0.9)
	timer.Start(&r.refreshTimer, "registerer-refresh", d, func() {
		if err := r.Register(ctx); err != nil {
			r.log.Warn("registration refresh failed", "error", err)
		}
	})
}

// registerResponseAdapter implements uacore.ResponseDelegate for one
// outstanding REGISTER, handling the 423 Interval Too Brief retry
// spec.md calls out separately from digest re-auth (uacore.Core's
// SendRequest already handles the 401/407 case beneath this).
type registerResponseAdapter struct {
	r                 *Registerer
	sentExpires       time.Duration
	retriedMinExpires bool
}

func (a *registerResponseAdapter) OnTrying()                    {}
func (a *registerResponseAdapter) OnProgress(*message.Response) {}
func (a *registerResponseAdapter) OnRedirect(*message.Response) {}

func (a *registerResponseAdapter) OnAccept(resp *message.Response) {
	r := a.r
	granted := a.sentExpires
	if v, ok := resp.HeaderValue(message.HeaderExpires); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			granted = time.Duration(secs) * time.Second
		}
	}

	if granted <= 0 {
		if err := fireGuarded(context.Background(), &r.guard, r.fsm, "Registerer", evtRegUnregistered); err != nil {
			r.log.Warn("unregistered transition rejected", "error", err)
		}
		r.delegate.OnUnregistered()
		return
	}

	if err := fireGuarded(context.Background(), &r.guard, r.fsm, "Registerer", evtRegRegistered); err != nil {
		r.log.Warn("registered transition rejected", "error", err)
	}
	r.scheduleRefresh(context.Background(), granted)
	r.delegate.OnRegistered(granted)
}

func (a *registerResponseAdapter) OnReject(resp *message.Response) {
	r := a.r
	if int(resp.StatusCode) == 423 && !a.retriedMinExpires {
		if v, ok := resp.HeaderValue(message.HeaderMinExpires); ok {
			if secs, err := strconv.Atoi(v); err == nil {
				a.retriedMinExpires = true
				req := message.NewOutgoingRequest(
					types.RequestMethodRegister, r.opts.Registrar, r.opts.FromURI, r.opts.FromURI,
					message.OutgoingRequestOptions{CallID: r.callID, CSeq: r.nextCSeq()},
				)
				req.SetContact(message.NewNameAddr(r.opts.Contact))
				req.SetHeader(message.HeaderExpires, strconv.Itoa(secs))
				a.sentExpires = time.Duration(secs) * time.Second
				if err := r.core.SendRequest(context.Background(), req, r.sink, r.creds, a); err != nil {
					r.delegate.OnFailed(resp.StatusCode, resp.Reason)
				}
				return
			}
		}
	}
	r.delegate.OnFailed(resp.StatusCode, resp.Reason)
}

func (a *registerResponseAdapter) OnFailure(err error) {
	a.r.delegate.OnFailed(0, err.Error())
}

var _ uacore.ResponseDelegate = (*registerResponseAdapter)(nil)
