package tu

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/errs"
)

// SessionDescriptionHandler produces and consumes the offer/answer body
// carried on INVITE and its responses. GetDescription is called both to
// produce an initial offer (remoteOffer nil) and to answer one; the
// caller decides which by whether it already received a body.
// RollbackDescription undoes a re-INVITE offer rejected with a 4xx-6xx,
// restoring the previously negotiated description.
//
//go:generate go run go.uber.org/mock/mockgen -destination=sdh_mock.go -package=tu github.com/sipstack/core/tu SessionDescriptionHandler
type SessionDescriptionHandler interface {
	GetDescription(remoteOffer []byte, remoteContentType string) (localDescription []byte, contentType string, err error)
	SetDescription(remoteDescription []byte, contentType string) error
	RollbackDescription() error
	// Stable reports whether the negotiated description is settled: no
	// offer awaiting its answer. A re-INVITE attempted while this is
	// false would start a second, overlapping offer/answer exchange,
	// which RFC 3261 Section 14.1 forbids.
	Stable() bool
}

// ReplacesInfo is a parsed Replaces header value (RFC 3891): the
// dialog identity, from the perspective of the UA receiving the
// header, that the new INVITE proposes to replace.
type ReplacesInfo struct {
	CallID  string
	ToTag   string
	FromTag string
}

// ParseReplaces parses a Replaces header value of the form
// "call-id;to-tag=...;from-tag=...".
func ParseReplaces(header string) (ReplacesInfo, error) {
	parts := strings.Split(header, ";")
	if len(parts) == 0 || parts[0] == "" {
		return ReplacesInfo{}, errtrace.Wrap(&errs.ValidationError{Field: "Replaces", Reason: "missing call-id"})
	}
	info := ReplacesInfo{CallID: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		name, val, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "to-tag":
			info.ToTag = val
		case "from-tag":
			info.FromTag = val
		}
	}
	if info.ToTag == "" || info.FromTag == "" {
		return ReplacesInfo{}, errtrace.Wrap(&errs.ValidationError{Field: "Replaces", Reason: "missing to-tag or from-tag"})
	}
	return info, nil
}

// resolveReplaces looks up the dialog a Replaces header identifies,
// from the perspective of the UA that received the INVITE: its own
// local tag is the header's to-tag, the referrer's is the from-tag.
// Returns (nil, nil) when nothing matches. A matched dialog is returned
// whatever its state; the caller checks it (481 when nothing matches,
// 486 when the match is still early, per Section 4.7).
func resolveReplaces(dialogs *dialog.Manager, header string) (*dialog.Dialog, error) {
	info, err := ParseReplaces(header)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	d, ok := dialogs.LookupByKey(dialog.Key{CallID: info.CallID, LocalTag: info.ToTag, RemoteTag: info.FromTag})
	if !ok {
		return nil, nil
	}
	return d, nil
}
