package ua

import (
	"context"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/tu"
	"github.com/sipstack/core/uacore"
)

// serverDelegate implements uacore.ServerDelegate, routing each
// inbound request Core dispatches to the matching transaction-user
// construct or, for the request types this UA does not act as a
// server for (REGISTER, SUBSCRIBE-as-notifier), a fixed rejection.
type serverDelegate struct {
	ua *UserAgent
}

var _ uacore.ServerDelegate = (*serverDelegate)(nil)

// HandleInvite builds a fresh Invitation for the inbound INVITE,
// resolves a Replaces header per RFC 3891 if present, and hands the
// Invitation to the UA's Delegate only once any Replaces failure has
// been rejected. NewInvitation itself can't tell "no Replaces header"
// apart from "header present but matched no dialog" (both come back
// as a nil replaced dialog with a nil error), so this checks req's
// header directly rather than relying on replaced alone.
func (d *serverDelegate) HandleInvite(ctx context.Context, req *message.Request, tx *transaction.InviteServer) {
	sdh := d.ua.newInboundSDH()
	autoRing := !d.ua.cfg.DisableAutoRinging
	inv, replaced, err := tu.NewInvitation(d.ua.core, tx, d.ua.sink, req, sdh, &invitationBridge{ua: d.ua}, autoRing, d.ua.log)
	if err != nil {
		d.ua.log.Warn("invite rejected", "error", err)
		if inv == nil {
			// core.Dialogs.OnUASRequest itself failed (malformed
			// mandatory header): no Invitation exists to reject
			// through, so answer the transaction directly.
			if respErr := tx.Respond(ctx, message.NewResponseFromRequest(req, 400, "Bad Request")); respErr != nil {
				d.ua.log.Warn("responding to malformed invite failed", "error", respErr)
			}
			return
		}
		// inv exists but its Replaces header was malformed.
		if rejectErr := inv.Reject(ctx, 400, "Bad Request"); rejectErr != nil {
			d.ua.log.Warn("rejecting malformed-replaces invite failed", "error", rejectErr)
		}
		return
	}

	if _, hasReplaces := req.HeaderValue(message.HeaderReplaces); hasReplaces {
		switch {
		case replaced == nil:
			d.ua.log.Debug("invite's Replaces header matched no dialog")
			if rejectErr := inv.Reject(ctx, 481, "Call/Transaction Does Not Exist"); rejectErr != nil {
				d.ua.log.Warn("rejecting unmatched-replaces invite failed", "error", rejectErr)
			}
			return
		case replaced.State() != dialog.StateConfirmed:
			d.ua.log.Debug("invite's Replaces header matched a non-confirmed dialog", "dialog", replaced.Key())
			if rejectErr := inv.Reject(ctx, 486, "Busy Here"); rejectErr != nil {
				d.ua.log.Warn("rejecting early-dialog replaces invite failed", "error", rejectErr)
			}
			return
		default:
			d.ua.log.Debug("invite replaced an existing dialog", "dialog", replaced.Key())
		}
	}

	callID, _ := req.CallID()
	d.ua.rememberSession(callID, inv)
	d.ua.delegate.OnIncomingCall(inv)
}

// HandleCancel does nothing: Core has already answered the CANCEL with
// a stateless 200 OK by the time it calls this. The InviteServer
// transaction is left as it is, and the Invitation's own Accept or
// Reject decides the INVITE's final response.
func (d *serverDelegate) HandleCancel(_ context.Context, _ *message.Request, _ *transaction.InviteServer) {}

// HandleMessage answers every inbound MESSAGE 200 OK after handing the
// body to Delegate; spec.md gives MESSAGE no state machine to reject
// against.
func (d *serverDelegate) HandleMessage(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer) {
	d.ua.delegate.OnIncomingMessage(req)
	if err := tu.HandleSingleShotServer(ctx, tx, req, 200, "OK"); err != nil {
		d.ua.log.Warn("responding to message failed", "error", err)
	}
}

// HandleNotify routes an in-dialog NOTIFY to the Subscription that
// owns its dialog, or answers 481 if none is tracked; an out-of-dialog
// NOTIFY already cleared Core's own policy check by the time this
// runs, but there is still no Subscription to hand it to.
func (d *serverDelegate) HandleNotify(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer, inDialog bool) {
	callID, _ := req.CallID()
	if inDialog {
		if sub, ok := d.ua.Subscription(callID); ok {
			if err := sub.HandleNotify(ctx, req, tx); err != nil {
				d.ua.log.Warn("notify handling failed", "error", err)
			}
			return
		}
	}
	if err := tu.HandleSingleShotServer(ctx, tx, req, 481, "Call/Transaction Does Not Exist"); err != nil {
		d.ua.log.Warn("responding to unmatched notify failed", "error", err)
	}
}

// HandleRefer answers 202 Accepted (Core already rejected a
// standalone REFER with 405 when Config.AllowOutOfDialogRefer is
// unset; an in-dialog REFER always reaches here) before handing the
// request to Delegate for the actual transfer decision.
func (d *serverDelegate) HandleRefer(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer) {
	d.ua.delegate.OnIncomingRefer(req)
	if err := tu.HandleSingleShotServer(ctx, tx, req, 202, "Accepted"); err != nil {
		d.ua.log.Warn("responding to refer failed", "error", err)
	}
}

// HandleRegister rejects with 501: this UA is a registering client,
// not a registrar.
func (d *serverDelegate) HandleRegister(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer) {
	if err := tu.HandleSingleShotServer(ctx, tx, req, 501, "Not Implemented"); err != nil {
		d.ua.log.Warn("responding to register failed", "error", err)
	}
}

// HandleSubscribe rejects with 501: this UA subscribes, it does not
// act as a notifier.
func (d *serverDelegate) HandleSubscribe(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer) {
	if err := tu.HandleSingleShotServer(ctx, tx, req, 501, "Not Implemented"); err != nil {
		d.ua.log.Warn("responding to subscribe failed", "error", err)
	}
}

// HandleAck2xx is a no-op: a UAS dialog confirms when its 2xx is sent
// (dialog.Manager.OnUASResponseSent, called from Invitation.Accept),
// not when the peer's ACK arrives.
func (d *serverDelegate) HandleAck2xx(_ context.Context, _ *message.Request) {}

// invitationBridge is the InvitationDelegate every inbound Invitation
// gets. Its OnTerminated does nothing, so the end of an inbound
// session is not reported through the UA's own Delegate.
type invitationBridge struct {
	ua *UserAgent
}

var _ tu.InvitationDelegate = (*invitationBridge)(nil)

func (b *invitationBridge) OnTerminated() {}
