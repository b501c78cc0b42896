// Package uacore implements the RFC 3261 Section 8 core: the layer
// above transactions that classifies inbound requests, runs the
// sanity checks a stateful UA is required to make before dispatching
// to a transaction-user, and drives outbound requests through digest
// re-authentication.
package uacore

import (
	"context"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/dns"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/metrics"
	"github.com/sipstack/core/transaction"
)

// ServerDelegate is where Core dispatches a freshly matched or newly
// created inbound request, one method per RFC 3261 Section 8.2's
// dispatch table. Every callback owns responding on tx; Core has
// already decided the request is worth a transaction by the time one
// of these runs.
type ServerDelegate interface {
	HandleInvite(ctx context.Context, req *message.Request, tx *transaction.InviteServer)
	HandleCancel(ctx context.Context, req *message.Request, inviteTx *transaction.InviteServer)
	HandleMessage(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer)
	HandleNotify(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer, inDialog bool)
	HandleRefer(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer)
	HandleRegister(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer)
	HandleSubscribe(ctx context.Context, req *message.Request, tx *transaction.NonInviteServer)
	// HandleAck2xx delivers an ACK to a 2xx final response, which by
	// Section 13.2.2.4 carries a fresh branch and so never matches a
	// live server transaction; the dialog layer, not a transaction,
	// owns correlating it.
	HandleAck2xx(ctx context.Context, req *message.Request)
}

// Policy configures the dispatch decisions Section 8.2 leaves up to
// local configuration.
type Policy struct {
	// AllowOutOfDialogRefer permits a REFER with no matching dialog; if
	// false such a REFER is rejected with 405. An in-dialog REFER is
	// always allowed.
	AllowOutOfDialogRefer bool
	// AllowOutOfDialogNotify permits a NOTIFY with no matching
	// subscription dialog; if false such a NOTIFY is rejected with 481.
	AllowOutOfDialogNotify bool
	// UnhandledStatus is sent for a method Core has no route for: 501
	// Not Implemented if the method is entirely unsupported, 405
	// Method Not Allowed if it's recognized but disabled locally.
	UnhandledStatus types.ResponseStatus
}

func (p Policy) unhandledStatus() types.ResponseStatus {
	if p.UnhandledStatus == 0 {
		return 501
	}
	return p.UnhandledStatus
}

// Core is the RFC 3261 Section 8 core shared by every dialog and
// transaction-user this process runs: one instance per UserAgent.
type Core struct {
	// InstanceID seeds every locally-generated Call-ID and is checked
	// against inbound Call-IDs to detect a request this same process
	// originated looping back to it (Section 8.2.2.2).
	InstanceID string

	Transactions *transaction.Manager
	Dialogs      *dialog.Manager
	Delegate     ServerDelegate
	Policy       Policy

	// Resolver, when set, makes SendRequest resolve a request's
	// Request-URI per RFC 3263 before handing it to a transaction, so
	// an unreachable next hop fails fast instead of only after the
	// underlying sink's own timeout. Nil skips resolution entirely,
	// matching a UA bound to a single fixed peer (e.g. a WebSocket
	// connection to one signaling proxy) with nothing to resolve.
	Resolver *dns.Resolver

	// Metrics, when set, observes every inbound request and response
	// this Core processes. Nil (the default) records nothing.
	Metrics metrics.Collector

	Log *slog.Logger
}

func (c *Core) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Def
}

func (c *Core) metrics() metrics.Collector {
	if c.Metrics != nil {
		return c.Metrics
	}
	return metrics.Noop{}
}

// HandleInboundRequest runs the Section 8.2 inbound request pipeline:
// sanity checks, self-loop and Content-Length checks, transaction
// matching, and dispatch to Delegate. sink is the transport binding
// the request arrived on and is used for any statelessly-sent
// response (steps 2 and 3 send before a transaction can exist).
func (c *Core) HandleInboundRequest(ctx context.Context, req *message.Request, sink transaction.Sink) error {
	if !c.sane(req) {
		c.log().Warn("dropping malformed request", "method", req.Method)
		c.metrics().RequestDropped("malformed")
		return nil
	}

	if c.isSelfLoop(req) {
		c.metrics().RequestDropped("self_loop")
		return errtrace.Wrap(c.respondStateless(ctx, req, sink, 482, "Loop Detected"))
	}

	if declared := req.ContentLength(); declared > req.Body.Len() {
		c.metrics().RequestDropped("truncated_body")
		return errtrace.Wrap(c.respondStateless(ctx, req, sink, 400, "Bad Request"))
	}

	tx, key, found, err := c.Transactions.MatchRequest(req)
	if err != nil {
		c.log().Warn("dropping request with unmatchable Via", "error", err)
		c.metrics().RequestDropped("unmatchable_via")
		return nil
	}
	c.metrics().RequestReceived(req.Method)

	if found {
		return errtrace.Wrap(c.dispatchToExisting(ctx, req, tx, sink))
	}

	if req.Method == types.RequestMethodAck {
		c.Delegate.HandleAck2xx(ctx, req)
		return nil
	}
	if req.Method == types.RequestMethodCancel {
		// No live INVITE transaction to cancel: it already completed,
		// or never existed under this branch.
		return errtrace.Wrap(c.respondStateless(ctx, req, sink, 481, "Call/Transaction Does Not Exist"))
	}

	newTx := c.Transactions.NewServerTransaction(key, req, sink, &noopServerDelegate{})
	return errtrace.Wrap(c.dispatchNew(ctx, req, newTx))
}

// HandleInboundResponse runs the Section 8.2 inbound response pipeline:
// sanity check, single-Via and sent-by checks, then match-and-dispatch
// to the owning client transaction. An unmatched response is dropped,
// including a retransmitted 2xx to an INVITE the transaction layer no
// longer owns once Accepted — that case is the transaction-user's to
// handle via its own retransmission tracking, not Core's.
func (c *Core) HandleInboundResponse(ctx context.Context, resp *message.Response, ownVia types.Addr) error {
	if !c.saneResponse(resp) {
		c.log().Warn("dropping malformed response", "status", resp.StatusCode)
		return nil
	}
	c.metrics().ResponseReceived(resp.StatusCode)
	vias := resp.HeaderValues(message.HeaderVia)
	if len(vias) != 1 {
		c.log().Warn("dropping response with unexpected Via count", "count", len(vias))
		return nil
	}
	via, err := resp.TopVia()
	if err != nil {
		return nil
	}
	if via.SentBy.String() != ownVia.String() {
		c.log().Warn("dropping response addressed to a different sent-by", "sent_by", via.SentBy.String())
		return nil
	}

	matched, err := c.Transactions.DeliverResponse(ctx, resp)
	if err != nil {
		c.log().Warn("dropping unmatchable response", "error", err)
		return nil
	}
	if !matched {
		c.log().Debug("dropping response with no matching client transaction", "status", resp.StatusCode)
	}
	return nil
}

func (c *Core) saneResponse(resp *message.Response) bool {
	if _, err := resp.From(); err != nil {
		return false
	}
	if _, err := resp.To(); err != nil {
		return false
	}
	if _, err := resp.CallID(); err != nil {
		return false
	}
	if _, _, err := resp.CSeq(); err != nil {
		return false
	}
	if _, err := resp.TopVia(); err != nil {
		return false
	}
	return true
}

// sane checks the mandatory headers Section 8.2.1 requires before
// anything else runs.
func (c *Core) sane(req *message.Request) bool {
	if _, err := req.From(); err != nil {
		return false
	}
	if _, err := req.To(); err != nil {
		return false
	}
	if _, err := req.CallID(); err != nil {
		return false
	}
	if _, _, err := req.CSeq(); err != nil {
		return false
	}
	if _, err := req.TopVia(); err != nil {
		return false
	}
	return true
}

// isSelfLoop reports whether req is an initial request (no To-tag)
// whose Call-ID carries this instance's own prefix, meaning it left
// this process and came back without ever reaching a real peer.
func (c *Core) isSelfLoop(req *message.Request) bool {
	to, err := req.To()
	if err != nil {
		return false
	}
	if _, hasTag := to.Tag(); hasTag {
		return false
	}
	callID, err := req.CallID()
	if err != nil {
		return false
	}
	return c.InstanceID != "" && strings.HasPrefix(callID, c.InstanceID)
}

func (c *Core) respondStateless(ctx context.Context, req *message.Request, sink transaction.Sink, status types.ResponseStatus, reason string) error {
	resp := message.NewResponseFromRequest(req, status, reason)
	return errtrace.Wrap(sink.SendResponse(ctx, resp))
}

// dispatchToExisting handles a request that matched a live server
// transaction: a plain retransmission, an in-dialog ACK for an INVITE
// server transaction, or a CANCEL targeting one.
func (c *Core) dispatchToExisting(ctx context.Context, req *message.Request, tx transaction.ServerTransaction, sink transaction.Sink) error {
	switch req.Method {
	case types.RequestMethodAck:
		ist, ok := tx.(*transaction.InviteServer)
		if !ok {
			return nil
		}
		return errtrace.Wrap(ist.RecvAck(ctx, req))
	case types.RequestMethodCancel:
		ist, ok := tx.(*transaction.InviteServer)
		if !ok {
			return errtrace.Wrap(c.respondStateless(ctx, req, sink, 481, "Call/Transaction Does Not Exist"))
		}
		if err := c.respondStateless(ctx, req, sink, 200, "OK"); err != nil {
			return errtrace.Wrap(err)
		}
		c.Delegate.HandleCancel(ctx, req, ist)
		return nil
	default:
		return errtrace.Wrap(tx.RecvRequest(ctx))
	}
}

// dispatchNew routes a freshly created server transaction to Delegate
// by method, per Section 8.2's dispatch table.
func (c *Core) dispatchNew(ctx context.Context, req *message.Request, tx transaction.Transaction) error {
	switch req.Method {
	case types.RequestMethodInvite:
		c.Delegate.HandleInvite(ctx, req, tx.(*transaction.InviteServer)) //nolint:forcetypeassert
	case types.RequestMethodMessage:
		c.Delegate.HandleMessage(ctx, req, tx.(*transaction.NonInviteServer)) //nolint:forcetypeassert
	case types.RequestMethodNotify:
		nist := tx.(*transaction.NonInviteServer) //nolint:forcetypeassert
		_, inDialog, err := c.Dialogs.CheckInDialogRequest(req)
		if err != nil {
			return errtrace.Wrap(nist.Respond(ctx, message.NewResponseFromRequest(req, 400, "Bad Request")))
		}
		if !inDialog && !c.Policy.AllowOutOfDialogNotify {
			return errtrace.Wrap(nist.Respond(ctx, message.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist")))
		}
		c.Delegate.HandleNotify(ctx, req, nist, inDialog)
	case types.RequestMethodRefer:
		nist := tx.(*transaction.NonInviteServer) //nolint:forcetypeassert
		_, inDialog, err := c.Dialogs.CheckInDialogRequest(req)
		if err != nil {
			return errtrace.Wrap(nist.Respond(ctx, message.NewResponseFromRequest(req, 400, "Bad Request")))
		}
		if !inDialog && !c.Policy.AllowOutOfDialogRefer {
			return errtrace.Wrap(nist.Respond(ctx, message.NewResponseFromRequest(req, 405, "Method Not Allowed")))
		}
		c.Delegate.HandleRefer(ctx, req, nist)
	case types.RequestMethodRegister:
		c.Delegate.HandleRegister(ctx, req, tx.(*transaction.NonInviteServer)) //nolint:forcetypeassert
	case types.RequestMethodSubscribe:
		c.Delegate.HandleSubscribe(ctx, req, tx.(*transaction.NonInviteServer)) //nolint:forcetypeassert
	default:
		nist := tx.(*transaction.NonInviteServer) //nolint:forcetypeassert
		status := c.Policy.unhandledStatus()
		return errtrace.Wrap(nist.Respond(ctx, message.NewResponseFromRequest(req, status, string(status.Reason()))))
	}
	return nil
}

// noopServerDelegate satisfies transaction.ServerDelegate for the
// initial transaction construction; the real work happens through the
// ServerDelegate callbacks above, keyed off the request rather than
// transaction lifecycle events. HandleAck2xx above, not OnAck here, is
// what fires for a 2xx ACK; OnAck only fires for non-2xx ACKs the
// transaction itself absorbs before Core ever sees them again.
type noopServerDelegate struct{}

func (noopServerDelegate) OnAck(*message.Request) {}
func (noopServerDelegate) OnTransportError(error) {}
func (noopServerDelegate) OnTimeout()             {}

var _ transaction.ServerDelegate = noopServerDelegate{}
