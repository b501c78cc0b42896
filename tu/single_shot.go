package tu

import (
	"context"

	"braces.dev/errtrace"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/uacore"
)

// SingleShotDelegate receives the one final response a MESSAGE, INFO,
// or REFER request gets — there is no dialog usage or state machine
// behind these, just a request/final-response lifecycle per spec.md's
// Message/Info/Refer paragraph.
type SingleShotDelegate interface {
	OnAccept(resp *message.Response)
	OnReject(resp *message.Response)
	OnFailure(err error)
}

// SendMessage sends a MESSAGE, out-of-dialog if dlg is nil or in-dialog
// (reusing its route set, targets, and CSeq) otherwise.
func SendMessage(ctx context.Context, core *uacore.Core, sink transaction.Sink, dlg *dialog.Dialog, target, fromURI *message.URI, body []byte, contentType string, creds uacore.CredentialSource, delegate SingleShotDelegate) error {
	return errtrace.Wrap(sendSingleShot(ctx, core, sink, dlg, types.RequestMethodMessage, target, fromURI, body, contentType, creds, delegate))
}

// SendInfo sends an in-dialog INFO request.
func SendInfo(ctx context.Context, core *uacore.Core, sink transaction.Sink, dlg *dialog.Dialog, body []byte, contentType string, creds uacore.CredentialSource, delegate SingleShotDelegate) error {
	return errtrace.Wrap(sendSingleShot(ctx, core, sink, dlg, types.RequestMethodInfo, nil, nil, body, contentType, creds, delegate))
}

// SendRefer sends a REFER pointing at referTarget, out-of-dialog if
// dlg is nil or in-dialog otherwise.
func SendRefer(ctx context.Context, core *uacore.Core, sink transaction.Sink, dlg *dialog.Dialog, target, fromURI, referTarget *message.URI, creds uacore.CredentialSource, delegate SingleShotDelegate) error {
	req, err := buildSingleShotRequest(types.RequestMethodRefer, dlg, target, fromURI, nil, "")
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.SetHeader(message.HeaderReferTo, referTarget.String())
	return errtrace.Wrap(core.SendRequest(ctx, req, sink, creds, &singleShotAdapter{delegate: delegate}))
}

func sendSingleShot(ctx context.Context, core *uacore.Core, sink transaction.Sink, dlg *dialog.Dialog, method types.RequestMethod, target, fromURI *message.URI, body []byte, contentType string, creds uacore.CredentialSource, delegate SingleShotDelegate) error {
	req, err := buildSingleShotRequest(method, dlg, target, fromURI, body, contentType)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(core.SendRequest(ctx, req, sink, creds, &singleShotAdapter{delegate: delegate}))
}

func buildSingleShotRequest(method types.RequestMethod, dlg *dialog.Dialog, target, fromURI *message.URI, body []byte, contentType string) (*message.Request, error) {
	var req *message.Request
	if dlg != nil {
		req = dlg.NewRequest(method)
	} else {
		if target == nil || fromURI == nil {
			return nil, errtrace.Wrap(&errNoTarget{method: method})
		}
		req = message.NewOutgoingRequest(method, target, fromURI, target, message.OutgoingRequestOptions{})
	}
	if body != nil {
		req.Body = &message.Body{ContentType: contentType, Content: body}
	}
	return req, nil
}

type errNoTarget struct{ method types.RequestMethod }

func (e *errNoTarget) Error() string {
	return "tu: out-of-dialog " + string(e.method) + " requires a target and From URI"
}

// singleShotAdapter implements uacore.ResponseDelegate for a request
// with no state to track beyond its final response.
type singleShotAdapter struct {
	delegate SingleShotDelegate
}

func (a *singleShotAdapter) OnTrying()                    {}
func (a *singleShotAdapter) OnProgress(*message.Response) {}
func (a *singleShotAdapter) OnRedirect(*message.Response) {}

func (a *singleShotAdapter) OnAccept(resp *message.Response) {
	if a.delegate != nil {
		a.delegate.OnAccept(resp)
	}
}

func (a *singleShotAdapter) OnReject(resp *message.Response) {
	if a.delegate != nil {
		a.delegate.OnReject(resp)
	}
}

func (a *singleShotAdapter) OnFailure(err error) {
	if a.delegate != nil {
		a.delegate.OnFailure(err)
	}
}

var _ uacore.ResponseDelegate = (*singleShotAdapter)(nil)

// HandleSingleShotServer responds to an inbound MESSAGE, INFO, or
// REFER with status on tx, the way any request with no dialog-usage
// state machine behind it is answered.
func HandleSingleShotServer(ctx context.Context, tx *transaction.NonInviteServer, req *message.Request, status types.ResponseStatus, reason string) error {
	resp := message.NewResponseFromRequest(req, status, reason)
	return errtrace.Wrap(tx.Respond(ctx, resp))
}
