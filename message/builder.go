package message

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/sipstack/core/internal/types"
)

// BranchMagicCookie is the RFC 3261 Section 8.1.1.7 branch prefix that
// marks a Via branch as RFC 3261-compliant (as opposed to an RFC 2543
// legacy branch).
const BranchMagicCookie = "z9hG4bK"

// NewBranch returns a fresh, RFC 3261-compliant Via branch value. Its
// uniqueness across retransmissions of the same request, and its
// distinctness across different requests, is what lets the transaction
// layer match retransmissions to a single client transaction
// (Section 17.1.3 / 17.2.3).
func NewBranch() string {
	return BranchMagicCookie + hexRandom(16)
}

// NewTag returns a fresh 20-hex-character from/to tag.
func NewTag() string {
	return hexRandom(20)
}

// NewCallID returns a fresh Call-ID of the form prefix + 15 random hex
// characters read from crypto/rand (uuid-derived only if that read
// fails).
func NewCallID(prefix string) string {
	return prefix + hexRandom(15)
}

func hexRandom(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; fall
		// back to a UUID-derived value rather than panicking.
		id := uuid.New()
		return hex.EncodeToString(id[:])[:n]
	}
	s := hex.EncodeToString(buf)
	return s[:n]
}

// OutgoingRequestOptions configures NewOutgoingRequest.
type OutgoingRequestOptions struct {
	FromTag      string           // generated if empty
	ToTag        string           // typically empty for initial requests
	CallID       string           // generated if empty
	CallIDPrefix string           // used only when CallID is empty
	CSeq         uint32           // defaults to 1
	RouteSet     []*NameAddr      // rendered as Route headers, in order
	ExtraHeaders map[string]string
	Body         *Body
}

// NewOutgoingRequest builds a request per spec.md Section 4.1: it
// generates a From-tag and Call-ID when not supplied, initializes CSeq,
// and sets the Route header from the route set. It deliberately does
// NOT set a Via header — Via is added by the transport layer once the
// branch is known, keeping branch generation and transaction identity
// in one place (the transaction layer, not here).
func NewOutgoingRequest(method types.RequestMethod, requestURI, fromURI, toURI *URI, opts OutgoingRequestOptions) *Request {
	req := NewRequest(method, requestURI.Clone())

	from := NewNameAddr(fromURI.Clone())
	fromTag := opts.FromTag
	if fromTag == "" {
		fromTag = NewTag()
	}
	from.SetTag(fromTag)
	req.SetFrom(from)

	to := NewNameAddr(toURI.Clone())
	if opts.ToTag != "" {
		to.SetTag(opts.ToTag)
	}
	req.SetTo(to)

	callID := opts.CallID
	if callID == "" {
		callID = NewCallID(opts.CallIDPrefix)
	}
	req.SetCallID(callID)

	cseq := opts.CSeq
	if cseq == 0 {
		cseq = 1
	}
	req.SetCSeq(cseq, method)

	req.SetMaxForwards(70)

	if len(opts.RouteSet) > 0 {
		req.SetRouteSet(opts.RouteSet)
	}

	for name, value := range opts.ExtraHeaders {
		req.AddHeader(name, value)
	}

	if opts.Body != nil {
		req.Body = opts.Body
	}

	return req
}
