package dialog

import (
	"fmt"

	"braces.dev/errtrace"

	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/message"
)

// Key identifies a dialog by Call-ID plus the local and remote tags,
// per RFC 3261 Section 12: the same triple regardless of which side is
// asking, since a dialog is a peer relationship, not owned by one UA.
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k Key) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", k.CallID, k.LocalTag, k.RemoteTag)
}

// UACKey derives the key a UAC uses to look up the dialog a response
// belongs to: its own From-tag is local, the response's To-tag is
// remote.
func UACKey(resp *message.Response) (Key, error) {
	callID, err := resp.CallID()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	from, err := resp.From()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	to, err := resp.To()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	localTag, ok := from.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "From tag", Reason: "missing"})
	}
	remoteTag, ok := to.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "To tag", Reason: "missing"})
	}
	return Key{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}

// UASKey derives the key a UAS uses to look up the dialog an in-dialog
// request belongs to: the request's To-tag is local (it was minted by
// this UAS when the dialog was created), the From-tag is remote.
func UASKey(req *message.Request) (Key, error) {
	callID, err := req.CallID()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	from, err := req.From()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	to, err := req.To()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	remoteTag, ok := from.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "From tag", Reason: "missing"})
	}
	localTag, ok := to.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "To tag", Reason: "missing"})
	}
	return Key{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}
