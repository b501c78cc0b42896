package tu

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/uacore"
)

// SessionState is an invite session's position in its own lifecycle,
// layered on top of (and always narrower than) the dialog state
// underneath it: a session can be Establishing while its dialog is
// still Early, and moves to Terminated on its own initiative (BYE,
// CANCEL, or a rejecting final response) as often as the dialog does.
type SessionState string

const (
	SessionInitial      SessionState = "Initial"
	SessionEstablishing SessionState = "Establishing"
	SessionEstablished  SessionState = "Established"
	SessionTerminated   SessionState = "Terminated"
)

const (
	evtSessionInvite    = "invite"
	evtSessionAccept    = "accept"
	evtSessionRebid     = "reinvite"
	evtSessionTerminate = "terminate"
)

// InviterDelegate receives an Inviter's lifecycle callbacks. Every
// method is called from whatever goroutine delivered the underlying
// transaction event; a delegate that touches shared state must guard
// it itself.
type InviterDelegate interface {
	OnProgress(resp *message.Response, hasBody bool)
	OnEstablished(dlg *dialog.Dialog)
	OnRejected(status types.ResponseStatus, reason string)
	OnTerminated(err error)
}

// Inviter is the UAC side of an INVITE session (RFC 3261 Section 13.2):
// it owns sending the initial INVITE and any re-INVITE, applying the
// session description handler to offers and answers, building the ACK
// once a final response lands, and sending CANCEL on request.
type Inviter struct {
	core  *uacore.Core
	sink  transaction.Sink
	sdh   SessionDescriptionHandler
	creds uacore.CredentialSource

	delegate InviterDelegate
	guard    guard
	fsm      *stateless.StateMachine

	dlg     *dialog.Dialog
	lastReq *message.Request

	log *slog.Logger
}

// NewInviter constructs an Inviter. The target and the local From URI
// are given to Invite; nothing is sent until Invite is called.
func NewInviter(core *uacore.Core, sink transaction.Sink, sdh SessionDescriptionHandler, delegate InviterDelegate, creds uacore.CredentialSource, logger *slog.Logger) *Inviter {
	if logger == nil {
		logger = log.Def
	}
	i := &Inviter{core: core, sink: sink, sdh: sdh, delegate: delegate, creds: creds, log: logger}
	i.fsm = stateless.NewStateMachine(SessionInitial)
	i.fsm.Configure(SessionInitial).
		Permit(evtSessionInvite, SessionEstablishing)
	i.fsm.Configure(SessionEstablishing).
		Permit(evtSessionAccept, SessionEstablished).
		Permit(evtSessionTerminate, SessionTerminated)
	i.fsm.Configure(SessionEstablished).
		Permit(evtSessionRebid, SessionEstablishing).
		Permit(evtSessionTerminate, SessionTerminated)
	i.fsm.Configure(SessionTerminated)
	return i
}

func (i *Inviter) State() SessionState {
	st, _ := i.fsm.State(context.Background())
	return st.(SessionState) //nolint:forcetypeassert
}

// Invite sends an initial INVITE built against target/fromURI, or, once
// the session is Established, a re-INVITE built from the dialog. The
// session description handler supplies the offer body in either case.
func (i *Inviter) Invite(ctx context.Context, target, fromURI *message.URI) error {
	event := evtSessionInvite
	var req *message.Request
	if i.State() == SessionEstablished {
		if !i.sdh.Stable() {
			return errtrace.Wrap(&errs.ValidationError{Field: "SessionDescriptionHandler", Reason: "re-INVITE attempted with an offer already outstanding"})
		}
		event = evtSessionRebid
		req = i.dlg.NewRequest(types.RequestMethodInvite)
	} else {
		req = message.NewOutgoingRequest(types.RequestMethodInvite, target, fromURI, target, message.OutgoingRequestOptions{})
	}

	offer, contentType, err := i.sdh.GetDescription(nil, "")
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(offer) > 0 {
		req.Body = &message.Body{ContentType: contentType, Content: offer}
	}

	if err := fireGuarded(ctx, &i.guard, i.fsm, "Inviter", event); err != nil {
		return errtrace.Wrap(err)
	}
	i.lastReq = req

	return errtrace.Wrap(i.core.SendRequest(ctx, req, i.sink, i.creds, i))
}

// Cancel sends a CANCEL for the still-pending initial or re-INVITE. A
// no-op once the session has already reached a final state.
func (i *Inviter) Cancel(ctx context.Context) error {
	if i.State() != SessionEstablishing || i.lastReq == nil {
		return nil
	}
	return errtrace.Wrap(i.core.SendCancel(ctx, i.lastReq, i.sink))
}

// Bye sends a BYE for an established session, tearing down its dialog.
func (i *Inviter) Bye(ctx context.Context) error {
	if i.State() != SessionEstablished || i.dlg == nil {
		return nil
	}
	req := i.dlg.NewRequest(types.RequestMethodBye)
	delegate := &funcDelegate{
		onAccept:  func(*message.Response) { i.finish(nil) },
		onReject:  func(*message.Response) { i.finish(nil) },
		onFailure: func(err error) { i.finish(err) },
	}
	return errtrace.Wrap(i.core.SendRequest(ctx, req, i.sink, i.creds, delegate))
}

// Dispose ends the session from wherever it currently stands: a CANCEL
// for a still-pending INVITE, a BYE for an established one, or nothing
// at all once already Terminated — the disposal contract every UA
// collection member shares.
func (i *Inviter) Dispose(ctx context.Context) error {
	switch i.State() {
	case SessionEstablishing:
		return errtrace.Wrap(i.Cancel(ctx))
	case SessionEstablished:
		return errtrace.Wrap(i.Bye(ctx))
	default:
		return nil
	}
}

func (i *Inviter) finish(err error) {
	_ = fireGuarded(context.Background(), &i.guard, i.fsm, "Inviter", evtSessionTerminate)
	if i.dlg != nil {
		i.dlg.Terminate()
	}
	i.delegate.OnTerminated(err)
}

// OnTrying implements uacore.ResponseDelegate.
func (i *Inviter) OnTrying() {}

// OnProgress implements uacore.ResponseDelegate: a 1xx with a body is
// an early-dialog answer, applied to the session description handler
// and used to create or refresh the early dialog.
func (i *Inviter) OnProgress(resp *message.Response) {
	hasBody := resp.Body.Len() > 0
	if hasBody {
		if err := i.sdh.SetDescription(resp.Body.Content, resp.Body.ContentType); err != nil {
			i.log.Warn("rejecting early answer", "error", err)
		}
	}
	if d, _, err := i.core.Dialogs.OnUACResponse(i.lastReq, resp); err == nil && d != nil {
		i.dlg = d
	}
	i.delegate.OnProgress(resp, hasBody)
}

// OnAccept implements uacore.ResponseDelegate: confirms the dialog,
// applies the final answer, builds and sends the 2xx ACK directly
// (never through a transaction, per Section 13.2.2.4), and reports the
// session established.
func (i *Inviter) OnAccept(resp *message.Response) {
	d, _, err := i.core.Dialogs.OnUACResponse(i.lastReq, resp)
	if err != nil || d == nil {
		i.log.Warn("2xx to INVITE did not yield a dialog", "error", err)
		return
	}
	i.dlg = d

	if resp.Body.Len() > 0 {
		if err := i.sdh.SetDescription(resp.Body.Content, resp.Body.ContentType); err != nil {
			i.log.Warn("rejecting final answer", "error", err)
		}
	}

	ack := d.NewRequest(types.RequestMethodAck)
	if err := i.sink.SendRequest(context.Background(), ack); err != nil {
		i.log.Warn("failed to send ACK", "error", err)
	}

	if err := fireGuarded(context.Background(), &i.guard, i.fsm, "Inviter", evtSessionAccept); err != nil {
		i.log.Warn("session accept transition rejected", "error", err)
	}
	i.delegate.OnEstablished(d)
}

// OnRedirect implements uacore.ResponseDelegate.
func (i *Inviter) OnRedirect(resp *message.Response) {
	i.finish(nil)
	i.delegate.OnRejected(resp.StatusCode, resp.Reason)
}

// OnReject implements uacore.ResponseDelegate.
func (i *Inviter) OnReject(resp *message.Response) {
	if err := i.sdh.RollbackDescription(); err != nil {
		i.log.Warn("rollback after rejected offer failed", "error", err)
	}
	i.finish(nil)
	i.delegate.OnRejected(resp.StatusCode, resp.Reason)
}

// OnFailure implements uacore.ResponseDelegate.
func (i *Inviter) OnFailure(err error) {
	i.finish(err)
}

var _ uacore.ResponseDelegate = (*Inviter)(nil)

// InvitationDelegate receives an Invitation's lifecycle callbacks.
type InvitationDelegate interface {
	OnTerminated()
}

// Invitation is the UAS side of an INVITE session: constructed from a
// ServerDelegate.HandleInvite callback, it owns the To-tag, the early
// dialog, and the accept/reject/progress decisions the transaction-user
// makes about the offer it received.
type Invitation struct {
	core *uacore.Core
	tx   *transaction.InviteServer
	sink transaction.Sink
	sdh  SessionDescriptionHandler
	req  *message.Request

	toTag string
	dlg   *dialog.Dialog

	delegate InvitationDelegate
	guard    guard

	log *slog.Logger
}

// NewInvitation builds an Invitation for an inbound INVITE, generating
// its To-tag and registering the early dialog immediately so a later
// in-dialog request racing the response still finds it. If autoRing
// and delegate are both non-nil/true, a 180 Ringing goes out on tx
// before this returns, ahead of whatever the caller's delegate does
// with the Invitation.
//
// If req carries a Replaces header, replaced/replacesErr report how to
// handle it: replacesErr non-nil means the header itself was malformed
// (reject 400); a nil replaced with a nil error means the header named
// a dialog this UA does not have (reject 481); a non-Confirmed replaced
// dialog means it matched one still Early (reject 486). No Replaces
// header at all is reported as (nil, nil, nil), same as a header naming
// nothing — callers that need to tell the two apart check req directly.
func NewInvitation(core *uacore.Core, tx *transaction.InviteServer, sink transaction.Sink, req *message.Request, sdh SessionDescriptionHandler, delegate InvitationDelegate, autoRing bool, logger *slog.Logger) (inv *Invitation, replaced *dialog.Dialog, replacesErr error) {
	if logger == nil {
		logger = log.Def
	}
	toTag := message.NewTag()
	dlg, err := core.Dialogs.OnUASRequest(req, toTag)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	inv = &Invitation{core: core, tx: tx, sink: sink, sdh: sdh, req: req, toTag: toTag, dlg: dlg, delegate: delegate, log: logger}
	if dlg != nil {
		dlg.AddUsage(inv)
	}

	if autoRing && delegate != nil {
		if err := inv.tx.Respond(context.Background(), inv.response(180, "Ringing")); err != nil {
			inv.log.Warn("automatic 180 Ringing failed", "error", err)
		}
	}

	header, hasReplaces := req.HeaderValue(message.HeaderReplaces)
	if !hasReplaces {
		return inv, nil, nil
	}
	d, err := resolveReplaces(core.Dialogs, header)
	if err != nil {
		return inv, nil, errtrace.Wrap(err)
	}
	return inv, d, nil
}

// Progress sends a reliable-free 1xx with an optional early answer.
func (inv *Invitation) Progress(ctx context.Context, status types.ResponseStatus, reason string) error {
	resp := inv.response(status, reason)
	if err := inv.applyAnswer(resp); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(inv.tx.Respond(ctx, resp))
}

// Accept sends the 200 OK, applies the offer/answer exchange, and
// confirms the dialog once the response has actually gone out.
func (inv *Invitation) Accept(ctx context.Context) error {
	resp := inv.response(200, "OK")
	if err := inv.applyAnswer(resp); err != nil {
		return errtrace.Wrap(err)
	}
	if err := inv.tx.Respond(ctx, resp); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(inv.core.Dialogs.OnUASResponseSent(inv.dlg, 200))
}

// Reject sends a final non-2xx response and tears down the early
// dialog this Invitation registered.
func (inv *Invitation) Reject(ctx context.Context, status types.ResponseStatus, reason string) error {
	resp := inv.response(status, reason)
	if err := inv.tx.Respond(ctx, resp); err != nil {
		return errtrace.Wrap(err)
	}
	if inv.dlg != nil {
		inv.dlg.Terminate()
	}
	return nil
}

func (inv *Invitation) response(status types.ResponseStatus, reason string) *message.Response {
	resp := message.NewResponseFromRequest(inv.req, status, reason)
	to, _ := resp.To()
	if to != nil {
		to.SetTag(inv.toTag)
		resp.SetTo(to)
	}
	return resp
}

func (inv *Invitation) applyAnswer(resp *message.Response) error {
	var remoteOffer []byte
	var remoteType string
	if inv.req.Body.Len() > 0 {
		remoteOffer = inv.req.Body.Content
		remoteType = inv.req.Body.ContentType
	}
	answer, contentType, err := inv.sdh.GetDescription(remoteOffer, remoteType)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(answer) > 0 {
		resp.Body = &message.Body{ContentType: contentType, Content: answer}
	}
	return nil
}

// Bye sends a BYE for a confirmed dialog, tearing it down. A no-op if
// the dialog never confirmed or is already gone.
func (inv *Invitation) Bye(ctx context.Context) error {
	if inv.dlg == nil || inv.dlg.State() != dialog.StateConfirmed {
		return nil
	}
	req := inv.dlg.NewRequest(types.RequestMethodBye)
	dlg := inv.dlg
	delegate := &funcDelegate{
		onAccept:  func(*message.Response) { dlg.Terminate() },
		onReject:  func(*message.Response) { dlg.Terminate() },
		onFailure: func(error) { dlg.Terminate() },
	}
	return errtrace.Wrap(inv.core.SendRequest(ctx, req, inv.sink, nil, delegate))
}

// Dispose ends the invitation from wherever it stands: a BYE for a
// confirmed dialog, a 487 for one still Early, or nothing once the
// dialog is already gone.
func (inv *Invitation) Dispose(ctx context.Context) error {
	if inv.dlg == nil {
		return nil
	}
	if inv.dlg.State() == dialog.StateConfirmed {
		return errtrace.Wrap(inv.Bye(ctx))
	}
	return errtrace.Wrap(inv.Reject(ctx, 487, "Request Terminated"))
}

// Dialog returns the (possibly still Early) dialog this invitation
// registered.
func (inv *Invitation) Dialog() *dialog.Dialog { return inv.dlg }

// Terminated implements dialog.Usage.
func (inv *Invitation) Terminated() {
	if inv.delegate != nil {
		inv.delegate.OnTerminated()
	}
}

var _ dialog.Usage = (*Invitation)(nil)
