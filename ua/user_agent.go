package ua

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/transport"
	"github.com/sipstack/core/tu"
	"github.com/sipstack/core/uacore"
)

// State is a UserAgent's own lifecycle position, layered above (and
// driving) the transport's own connection state machine.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateStarted  State = "Started"
	StateStopping State = "Stopping"
)

const (
	evtStart        = "start"
	evtStarted      = "started"
	evtStartFailed  = "start_failed"
	evtStop         = "stop"
	evtStopped      = "stopped"
)

// Session is the shared contract Inviter and Invitation both satisfy,
// letting the Sessions collection dispose either without a type
// switch.
type Session interface {
	Dispose(ctx context.Context) error
}

// Delegate receives the events a UserAgent cannot fully resolve on its
// own: inbound requests that create new transaction-user state.
type Delegate interface {
	// OnIncomingCall hands over a freshly matched inbound INVITE. The
	// callee owns inv from here: Accept, Reject, or store it and
	// decide later, exactly as with any UAS-side Invitation.
	OnIncomingCall(inv *tu.Invitation)
	// OnIncomingMessage delivers an out-of-dialog or in-dialog MESSAGE
	// body; the UA answers it 200 OK regardless.
	OnIncomingMessage(req *message.Request)
	// OnIncomingRefer delivers a REFER, in-dialog or (if
	// Config.AllowOutOfDialogRefer) standalone; the UA answers it 202
	// Accepted regardless.
	OnIncomingRefer(req *message.Request)
	// OnTransportDisconnected reports an unsolicited transport close
	// with its error; a disconnect made by Stop is not reported.
	OnTransportDisconnected(err error)
}

// UserAgent is the top-level endpoint spec.md Section 6 describes: one
// transport connection, one uacore.Core, and the four transaction-user
// collections (Registerers, Sessions, Subscriptions, Publishers) that
// collection owns until each reaches its own terminal state.
type UserAgent struct {
	cfg      Config
	delegate Delegate

	transport *transport.Transport
	sink      transaction.Sink
	core      *uacore.Core

	fsm *stateless.StateMachine

	mu            sync.Mutex
	registerers   map[string]*tu.Registerer
	sessions      map[string]Session
	subscriptions map[string]*tu.Subscription
	publishers    map[string]*tu.Publisher

	log *slog.Logger
}

// New constructs a UserAgent over newSocket, applying opts. The
// UserAgent starts Stopped; call Start to connect and begin serving
// traffic.
func New(newSocket transport.SocketFactory, delegate Delegate, opts ...Option) *UserAgent {
	cfg := newConfig(opts)
	if cfg.Logger == nil {
		cfg.Logger = log.Def
	}

	ua := &UserAgent{
		cfg:           cfg,
		delegate:      delegate,
		registerers:   make(map[string]*tu.Registerer),
		sessions:      make(map[string]Session),
		subscriptions: make(map[string]*tu.Subscription),
		publishers:    make(map[string]*tu.Publisher),
		log:           cfg.Logger,
	}

	ua.transport = transport.New(newSocket, transport.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Logger:            cfg.Logger,
	})
	ua.sink = &transaction.TransportSink{
		Transport:  ua.transport,
		IsReliable: true,
		Proto:      cfg.ViaTransport,
		LocalAddr:  cfg.ViaHost,
	}
	ua.core = &uacore.Core{
		InstanceID:   cfg.InstanceID,
		Transactions: transaction.NewManager(timer.NewDefaultProfile(), cfg.Logger),
		Dialogs:      dialog.NewManager(cfg.Logger),
		Delegate:     &serverDelegate{ua: ua},
		Policy: uacore.Policy{
			AllowOutOfDialogRefer:  cfg.AllowOutOfDialogRefer,
			AllowOutOfDialogNotify: cfg.AllowOutOfDialogNotify,
		},
		Resolver: cfg.Resolver,
		Metrics:  cfg.Metrics,
		Log:      cfg.Logger,
	}

	ua.transport.OnMessage(ua.onMessage)
	ua.transport.OnDisconnect(ua.onDisconnect)

	ua.initFSM()
	return ua
}

func (ua *UserAgent) initFSM() {
	ua.fsm = stateless.NewStateMachine(StateStopped)
	ua.fsm.Configure(StateStopped).
		Permit(evtStart, StateStarting)
	ua.fsm.Configure(StateStarting).
		Permit(evtStarted, StateStarted).
		Permit(evtStartFailed, StateStopped)
	ua.fsm.Configure(StateStarted).
		Permit(evtStop, StateStopping)
	ua.fsm.Configure(StateStopping).
		Permit(evtStopped, StateStopped)
}

// State returns the UserAgent's current lifecycle state.
func (ua *UserAgent) State() State {
	st, _ := ua.fsm.State(context.Background())
	return st.(State) //nolint:forcetypeassert
}

// Core exposes the underlying uacore.Core for constructing a TU
// directly when the convenience constructors below don't fit.
func (ua *UserAgent) Core() *uacore.Core { return ua.core }

// Sink exposes the transport-backed transaction.Sink every TU this
// UserAgent constructs is wired to.
func (ua *UserAgent) Sink() transaction.Sink { return ua.sink }

// CredentialSource exposes the digest credential answerer built from
// Config, for constructing a TU directly.
func (ua *UserAgent) CredentialSource() uacore.CredentialSource { return ua.cfg.credentialSource() }

// Start connects the transport, retrying per Config's reconnection
// settings, and begins dispatching inbound traffic into the core. A
// no-op once already Starting or Started.
func (ua *UserAgent) Start(ctx context.Context) error {
	if ua.State() != StateStopped {
		return nil
	}
	if err := ua.fsm.FireCtx(ctx, evtStart); err != nil {
		return errtrace.Wrap(err)
	}

	err := ua.connectWithRetry(ctx)
	if err != nil {
		if fireErr := ua.fsm.FireCtx(ctx, evtStartFailed); fireErr != nil {
			ua.log.Warn("start-failed transition rejected", "error", fireErr)
		}
		return errtrace.Wrap(err)
	}
	if fireErr := ua.fsm.FireCtx(ctx, evtStarted); fireErr != nil {
		return errtrace.Wrap(fireErr)
	}
	return nil
}

func (ua *UserAgent) connectWithRetry(ctx context.Context) error {
	attempts := ua.cfg.ReconnectionAttempts
	var lastErr error
	for i := 0; i <= attempts; i++ {
		if i > 0 {
			d := ua.reconnectJitter()
			select {
			case <-ctx.Done():
				return errtrace.Wrap(ctx.Err())
			case <-time.After(d):
			}
		}
		if err := ua.transport.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errtrace.Wrap(lastErr)
}

func (ua *UserAgent) reconnectJitter() time.Duration {
	base := ua.cfg.ReconnectionDelay
	if base <= 0 {
		return 0
	}
	frac := 0.8 + rand.Float64()*0.2
	return time.Duration(float64(base) * frac)
}

// onDisconnect is the transport's OnDisconnect callback. err is
// non-nil for an unsolicited close, in which case Start's reconnection
// policy is retried in the background; the UA's own Stop is what
// drives a clean, non-retried disconnect.
func (ua *UserAgent) onDisconnect(err error) {
	if err == nil {
		return
	}
	ua.delegate.OnTransportDisconnected(err)
	if ua.State() != StateStarted || ua.cfg.ReconnectionAttempts <= 0 {
		return
	}
	go func() {
		if reErr := ua.connectWithRetry(context.Background()); reErr != nil {
			ua.log.Warn("reconnection exhausted", "error", reErr)
		}
	}()
}

// onMessage is the transport's OnMessage callback: it parses an
// inbound frame and feeds it into the core's request or response
// pipeline by start-line shape.
func (ua *UserAgent) onMessage(data []byte) {
	parsed, err := message.DefaultParser{}.Parse(data)
	if err != nil {
		ua.log.Warn("dropping unparsable frame", "error", err)
		return
	}
	ctx := context.Background()
	switch m := parsed.(type) {
	case *message.Request:
		if err := ua.core.HandleInboundRequest(ctx, m, ua.sink); err != nil {
			ua.log.Warn("inbound request handling failed", "error", err)
		}
	case *message.Response:
		if err := ua.core.HandleInboundResponse(ctx, m, ua.cfg.ViaHost); err != nil {
			ua.log.Warn("inbound response handling failed", "error", err)
		}
	}
}

// Stop tears down every owned TU in the order spec.md's Cancellation
// paragraph specifies (Registerers, then Sessions, then Subscriptions,
// then Publishers), disconnects the transport, and resets the core's
// transaction and dialog tables. A no-op if Stop is already in flight
// or the UserAgent is already Stopped.
func (ua *UserAgent) Stop(ctx context.Context) error {
	if ua.State() != StateStarted {
		return nil
	}
	if err := ua.fsm.FireCtx(ctx, evtStop); err != nil {
		return errtrace.Wrap(err)
	}

	ua.disposeAll(ctx)

	if err := ua.transport.Disconnect(ctx); err != nil {
		ua.log.Warn("transport disconnect failed", "error", err)
	}

	ua.core.Transactions = transaction.NewManager(timer.NewDefaultProfile(), ua.cfg.Logger)
	ua.core.Dialogs = dialog.NewManager(ua.cfg.Logger)

	return errtrace.Wrap(ua.fsm.FireCtx(ctx, evtStopped))
}

func (ua *UserAgent) disposeAll(ctx context.Context) {
	ua.mu.Lock()
	registerers := valuesOf(ua.registerers)
	sessions := valuesOf(ua.sessions)
	subscriptions := valuesOf(ua.subscriptions)
	publishers := valuesOf(ua.publishers)
	ua.registerers = make(map[string]*tu.Registerer)
	ua.sessions = make(map[string]Session)
	ua.subscriptions = make(map[string]*tu.Subscription)
	ua.publishers = make(map[string]*tu.Publisher)
	ua.mu.Unlock()

	for _, r := range registerers {
		if err := r.Dispose(ctx); err != nil {
			ua.log.Warn("registerer dispose failed", "error", err)
		}
	}
	for _, s := range sessions {
		if err := s.Dispose(ctx); err != nil {
			ua.log.Warn("session dispose failed", "error", err)
		}
	}
	for _, s := range subscriptions {
		if err := s.Dispose(ctx); err != nil {
			ua.log.Warn("subscription dispose failed", "error", err)
		}
	}
	for _, p := range publishers {
		if err := p.Dispose(ctx); err != nil {
			ua.log.Warn("publisher dispose failed", "error", err)
		}
	}
}

func valuesOf[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Register creates and starts a Registerer against registrar, keyed by
// id for later lookup or disposal via Stop.
func (ua *UserAgent) Register(ctx context.Context, id string, registrar *message.URI, expires time.Duration, unregisterOnDispose bool, delegate tu.RegistererDelegate) (*tu.Registerer, error) {
	if ua.cfg.URI == nil || ua.cfg.Contact == nil {
		return nil, errtrace.Wrap(&errs.ValidationError{Field: "Config.URI/Contact", Reason: "required to register"})
	}
	r := tu.NewRegisterer(ua.core, ua.sink, tu.RegistererOptions{
		Registrar:           registrar,
		FromURI:             ua.cfg.URI,
		Contact:             ua.cfg.Contact,
		Expires:             expires,
		UnregisterOnDispose: unregisterOnDispose,
	}, delegate, ua.cfg.credentialSource(), ua.cfg.Logger)

	ua.mu.Lock()
	ua.registerers[id] = r
	ua.mu.Unlock()

	return r, errtrace.Wrap(r.Register(ctx))
}

// Invite creates an Inviter and sends an initial INVITE to target,
// keyed by id.
func (ua *UserAgent) Invite(ctx context.Context, id string, target *message.URI, sdh tu.SessionDescriptionHandler, delegate tu.InviterDelegate) (*tu.Inviter, error) {
	if ua.cfg.URI == nil {
		return nil, errtrace.Wrap(&errs.ValidationError{Field: "Config.URI", Reason: "required to place a call"})
	}
	inviter := tu.NewInviter(ua.core, ua.sink, sdh, delegate, ua.cfg.credentialSource(), ua.cfg.Logger)

	ua.mu.Lock()
	ua.sessions[id] = inviter
	ua.mu.Unlock()

	return inviter, errtrace.Wrap(inviter.Invite(ctx, target, ua.cfg.URI))
}

// Subscribe creates a Subscription and sends an initial SUBSCRIBE to
// target for eventType. The Subscription is tracked under its own
// Call-ID (Subscription.CallID), the same value an inbound NOTIFY for
// it carries, so HandleNotify's dialog lookup can find it; a caller
// wanting a friendlier handle should retain the returned Subscription
// itself rather than inventing a second id to key it by.
func (ua *UserAgent) Subscribe(ctx context.Context, target *message.URI, eventType string, expires time.Duration, delegate tu.SubscriptionDelegate) (*tu.Subscription, error) {
	if ua.cfg.URI == nil {
		return nil, errtrace.Wrap(&errs.ValidationError{Field: "Config.URI", Reason: "required to subscribe"})
	}
	sub := tu.NewSubscription(ua.core, ua.sink, tu.SubscriptionOptions{
		Target: target, FromURI: ua.cfg.URI, EventType: eventType, Expires: expires,
	}, delegate, ua.cfg.credentialSource(), ua.cfg.Logger)

	ua.mu.Lock()
	ua.subscriptions[sub.CallID()] = sub
	ua.mu.Unlock()

	return sub, errtrace.Wrap(sub.Subscribe(ctx))
}

// Publish creates a Publisher and sends an initial PUBLISH to target
// for eventType, keyed by id.
func (ua *UserAgent) Publish(ctx context.Context, id string, target *message.URI, eventType string, expires time.Duration, body []byte, contentType string, delegate tu.PublisherDelegate) (*tu.Publisher, error) {
	if ua.cfg.URI == nil {
		return nil, errtrace.Wrap(&errs.ValidationError{Field: "Config.URI", Reason: "required to publish"})
	}
	pub := tu.NewPublisher(ua.core, ua.sink, tu.PublisherOptions{
		Target: target, FromURI: ua.cfg.URI, EventType: eventType, Expires: expires,
	}, delegate, ua.cfg.credentialSource(), ua.cfg.Logger)

	ua.mu.Lock()
	ua.publishers[id] = pub
	ua.mu.Unlock()

	return pub, errtrace.Wrap(pub.Publish(ctx, body, contentType))
}

// Session returns the Inviter or Invitation registered under id, if
// any is still tracked (i.e. Stop has not run since).
func (ua *UserAgent) Session(id string) (Session, bool) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	s, ok := ua.sessions[id]
	return s, ok
}

// Subscription returns the Subscription registered under callID (its
// own Call-ID, per Subscribe), if any.
func (ua *UserAgent) Subscription(callID string) (*tu.Subscription, bool) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	s, ok := ua.subscriptions[callID]
	return s, ok
}

// newInboundSDH builds the offer/answer handler for a freshly arrived
// INVITE via Config's factory, or nil if none was configured.
// NewInvitation does not check for nil; Progress and Accept call the
// handler.
func (ua *UserAgent) newInboundSDH() tu.SessionDescriptionHandler {
	if ua.cfg.SessionDescriptionHandlerFactory == nil {
		return nil
	}
	return ua.cfg.SessionDescriptionHandlerFactory()
}

func (ua *UserAgent) rememberSession(id string, s Session) {
	ua.mu.Lock()
	ua.sessions[id] = s
	ua.mu.Unlock()
}
