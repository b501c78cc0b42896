package transaction

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/internal/types"
)

const keySep = "__"

// Key identifies a transaction for the lifetime of that transaction.
// Matching follows RFC 3261 Section 17.2.3/17.1.3: server transactions
// key on branch + sent-by + method; client transactions key on
// branch + CSeq method. On both sides ACK and CANCEL fold to the
// INVITE method, so they share the key of the INVITE they belong to.
type Key string

func normalizeMatchMethod(method types.RequestMethod) types.RequestMethod {
	if method == types.RequestMethodAck || method == types.RequestMethodCancel {
		return types.RequestMethodInvite
	}
	return method
}

// ServerKey computes the matching key an inbound request uses to find
// its server transaction.
func ServerKey(req *message.Request) (Key, error) {
	via, err := req.TopVia()
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	branch, ok := via.Branch()
	if !ok || branch == "" || !strings.HasPrefix(branch, message.BranchMagicCookie) {
		return "", errtrace.Wrap(&errs.ValidationError{Field: "Via branch", Reason: "missing or not RFC 3261"})
	}
	method := normalizeMatchMethod(req.Method)
	return Key(strings.Join([]string{branch, via.SentBy.String(), string(method)}, keySep)), nil
}

// ClientKey computes the matching key an inbound response uses to
// find its client transaction.
func ClientKey(resp *message.Response) (Key, error) {
	via, err := resp.TopVia()
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	branch, ok := via.Branch()
	if !ok || branch == "" || !strings.HasPrefix(branch, message.BranchMagicCookie) {
		return "", errtrace.Wrap(&errs.ValidationError{Field: "Via branch", Reason: "missing or not RFC 3261"})
	}
	_, method, err := resp.CSeq()
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	method = normalizeMatchMethod(method)
	return Key(strings.Join([]string{branch, string(method)}, keySep)), nil
}

// OutgoingClientKey computes the key a locally-originated request's
// own Via/CSeq would be matched under; used to key the outbound
// client transaction the request is sent through.
func OutgoingClientKey(req *message.Request, branch string) Key {
	method := normalizeMatchMethod(req.Method)
	return Key(strings.Join([]string{branch, string(method)}, keySep))
}
