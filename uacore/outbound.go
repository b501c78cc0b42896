package uacore

import (
	"context"

	"braces.dev/errtrace"

	"github.com/sipstack/core/auth"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transaction"
)

// ResponseDelegate receives the outcome of a request Core sent on
// behalf of a transaction-user, classified by status-code range per
// RFC 3261 Section 21. OnAccept/OnRedirect/OnReject are terminal; a
// transport error or timeout is reported through OnFailure.
type ResponseDelegate interface {
	OnTrying()
	OnProgress(resp *message.Response)
	OnAccept(resp *message.Response)
	OnRedirect(resp *message.Response)
	OnReject(resp *message.Response)
	OnFailure(err error)
}

// CredentialSource supplies the username/password to answer a challenge
// for realm. A false second return makes Core give up and report the
// challenge to ResponseDelegate as a rejection.
type CredentialSource func(realm string) (auth.Credentials, bool)

// SendRequest starts req on a new client transaction against sink and
// reports its outcome to delegate. On a 401/407 challenge it computes
// exactly one Authorization/Proxy-Authorization retry via creds before
// giving up; a second challenge on the retry is reported as a
// rejection rather than looped on, since a server that re-challenges a
// correctly answered request will not be satisfied by trying again.
//
// When Resolver is set, req's Request-URI is resolved per RFC 3263
// before the transaction is created, so an unreachable next hop is
// reported to delegate immediately rather than only after sink's own
// send eventually times out. A resolution failure is reported through
// OnFailure and nothing is sent, whatever kind of sink is used; on
// success the resolved target is only logged, and req still goes out
// over sink.
func (c *Core) SendRequest(ctx context.Context, req *message.Request, sink transaction.Sink, creds CredentialSource, delegate ResponseDelegate) error {
	if c.Resolver != nil {
		target, err := ResolveTarget(ctx, c.Resolver, req.RequestURI, sink.ViaTransport())
		if err != nil {
			delegate.OnFailure(errtrace.Wrap(err))
			return nil
		}
		c.log().Debug("resolved request target", "uri", req.RequestURI, "target", target.Addr, "proto", target.Proto)
	}
	nc := &auth.NonceCounter{}
	return errtrace.Wrap(c.sendWithRetry(ctx, req, sink, creds, delegate, nc, false))
}

// SendCancel sends a CANCEL for inviteReq per RFC 3261 Section 9.1: same
// branch, Call-ID, From, To, and CSeq number as the request being
// cancelled, method changed to CANCEL. It is sent directly through sink
// rather than through a new client transaction, since a CANCEL's own
// final response shares the INVITE client transaction's key once
// normalized (see transaction/key.go) and carries no information the
// caller needs beyond what the INVITE transaction's own eventual 487
// already reports.
func (c *Core) SendCancel(ctx context.Context, inviteReq *message.Request, sink transaction.Sink) error {
	cancel := inviteReq.Clone()
	cancel.Method = types.RequestMethodCancel
	seq, _, err := inviteReq.CSeq()
	if err != nil {
		return errtrace.Wrap(err)
	}
	cancel.SetCSeq(seq, types.RequestMethodCancel)
	cancel.Body = nil
	return errtrace.Wrap(sink.SendRequest(ctx, cancel))
}

func (c *Core) sendWithRetry(ctx context.Context, req *message.Request, sink transaction.Sink, creds CredentialSource, delegate ResponseDelegate, nc *auth.NonceCounter, retried bool) error {
	adapter := &clientAdapter{
		core:     c,
		req:      req,
		sink:     sink,
		creds:    creds,
		delegate: delegate,
		nc:       nc,
		retried:  retried,
	}
	_, err := c.Transactions.NewClientTransaction(req, sink, adapter)
	return errtrace.Wrap(err)
}

// clientAdapter satisfies transaction.ClientDelegate and turns its
// callbacks into ResponseDelegate calls, transparently retrying once
// on a digest challenge.
type clientAdapter struct {
	core     *Core
	req      *message.Request
	sink     transaction.Sink
	creds    CredentialSource
	delegate ResponseDelegate
	nc       *auth.NonceCounter
	retried  bool
}

func (a *clientAdapter) OnProvisional(resp *message.Response) {
	if resp.StatusCode == 100 {
		a.delegate.OnTrying()
		return
	}
	a.delegate.OnProgress(resp)
}

func (a *clientAdapter) OnFinal(resp *message.Response) {
	switch {
	case resp.StatusCode.IsSuccessful():
		a.delegate.OnAccept(resp)
	case resp.StatusCode.IsRedirection():
		a.delegate.OnRedirect(resp)
	case int(resp.StatusCode) == 401 || int(resp.StatusCode) == 407:
		a.handleChallenge(resp)
	default:
		a.delegate.OnReject(resp)
	}
}

func (a *clientAdapter) OnTransportError(err error) { a.delegate.OnFailure(err) }
func (a *clientAdapter) OnTimeout()                 { a.delegate.OnFailure(errtrace.Wrap(errTimeout{})) }

func (a *clientAdapter) handleChallenge(resp *message.Response) {
	if a.retried || a.creds == nil {
		a.delegate.OnReject(resp)
		return
	}

	headerName := message.HeaderWWWAuth
	authzHeader := message.HeaderAuthorization
	if int(resp.StatusCode) == 407 {
		headerName = message.HeaderProxyAuth
		authzHeader = message.HeaderProxyAuthz
	}
	raw, ok := resp.HeaderValue(headerName)
	if !ok {
		a.delegate.OnReject(resp)
		return
	}
	challenge, err := auth.ParseChallenge(raw)
	if err != nil {
		a.delegate.OnReject(resp)
		return
	}
	creds, ok := a.creds(challenge.Realm)
	if !ok {
		a.delegate.OnReject(resp)
		return
	}

	retry := a.req.Clone()
	retry.Headers.Del(message.HeaderVia)
	retry.SetCSeq(a.currentCSeq()+1, retry.Method)

	var body []byte
	if retry.Body != nil {
		body = retry.Body.Content
	}
	answer, err := auth.Answer(challenge, creds, string(retry.Method), retry.RequestURI.String(), body, a.nc, "")
	if err != nil {
		a.delegate.OnFailure(errtrace.Wrap(err))
		return
	}
	retry.SetHeader(authzHeader, answer)

	if err := a.core.sendWithRetry(context.Background(), retry, a.sink, a.creds, a.delegate, a.nc, true); err != nil {
		a.delegate.OnFailure(errtrace.Wrap(err))
	}
}

func (a *clientAdapter) currentCSeq() uint32 {
	seq, _, err := a.req.CSeq()
	if err != nil {
		return 0
	}
	return seq
}

var _ transaction.ClientDelegate = (*clientAdapter)(nil)

type errTimeout struct{}

func (errTimeout) Error() string { return "request timed out" }
