package message

// Canonical header names. Values in Message.Headers are keyed by these
// canonical forms; ExtraHeaders preserve whatever name the wire used.
const (
	HeaderVia            = "Via"
	HeaderFrom           = "From"
	HeaderTo             = "To"
	HeaderCallID         = "Call-ID"
	HeaderCSeq           = "CSeq"
	HeaderMaxForwards    = "Max-Forwards"
	HeaderContact        = "Contact"
	HeaderRoute          = "Route"
	HeaderRecordRoute    = "Record-Route"
	HeaderContentLength  = "Content-Length"
	HeaderContentType    = "Content-Type"
	HeaderContentDisp    = "Content-Disposition"
	HeaderSupported      = "Supported"
	HeaderRequire        = "Require"
	HeaderUnsupported    = "Unsupported"
	HeaderUserAgent      = "User-Agent"
	HeaderServer         = "Server"
	HeaderExpires        = "Expires"
	HeaderMinExpires     = "Min-Expires"
	HeaderEvent          = "Event"
	HeaderSubscribeState = "Subscription-State"
	HeaderAllow          = "Allow"
	HeaderAllowEvents    = "Allow-Events"
	HeaderWWWAuth        = "WWW-Authenticate"
	HeaderProxyAuth      = "Proxy-Authenticate"
	HeaderAuthorization  = "Authorization"
	HeaderProxyAuthz     = "Proxy-Authorization"
	HeaderAuthInfo       = "Authentication-Info"
	HeaderSIPETag        = "SIP-ETag"
	HeaderSIPIfMatch     = "SIP-If-Match"
	HeaderReferTo        = "Refer-To"
	HeaderReplaces       = "Replaces"
	HeaderReferredBy     = "Referred-By"
	HeaderRetryAfter     = "Retry-After"
	HeaderReason         = "Reason"
)

// compactNames maps single-letter compact header forms (RFC 3261
// Section 7.3.3) to their canonical name.
var compactNames = map[string]string{
	"v": HeaderVia,
	"f": HeaderFrom,
	"t": HeaderTo,
	"i": HeaderCallID,
	"m": HeaderContact,
	"l": HeaderContentLength,
	"c": HeaderContentType,
	"k": HeaderSupported,
	"e": "Content-Encoding",
	"o": HeaderEvent,
	"r": HeaderReferTo,
	"b": HeaderReferredBy,
	"j": HeaderReason,
	"s": "Subject",
	"u": HeaderAllowEvents,
	"y": "Identity",
	"n": "Identity-Info",
	"x": "Session-Expires",
	"d": HeaderRequire,
}

// headerOrderSignificant reports whether the order of multiple values
// for name matters for routing correctness (RFC 3261 Section 4.1's
// requirement is limited to this set for the core's purposes).
func headerOrderSignificant(canonical string) bool {
	switch canonical {
	case HeaderVia, HeaderRoute, HeaderRecordRoute, "Path":
		return true
	default:
		return false
	}
}

// canonicalHeaderName maps a wire header name (any case, possibly a
// compact form) to its canonical spelling. Unrecognized names are
// returned unchanged.
func canonicalHeaderName(name string) string {
	if canon, ok := compactNames[lowerASCII(name)]; ok && len(name) == 1 {
		return canon
	}
	switch lowerASCII(name) {
	case "via":
		return HeaderVia
	case "from":
		return HeaderFrom
	case "to":
		return HeaderTo
	case "call-id":
		return HeaderCallID
	case "cseq":
		return HeaderCSeq
	case "max-forwards":
		return HeaderMaxForwards
	case "contact":
		return HeaderContact
	case "route":
		return HeaderRoute
	case "record-route":
		return HeaderRecordRoute
	case "content-length":
		return HeaderContentLength
	case "content-type":
		return HeaderContentType
	case "content-disposition":
		return HeaderContentDisp
	case "supported":
		return HeaderSupported
	case "require":
		return HeaderRequire
	case "unsupported":
		return HeaderUnsupported
	case "user-agent":
		return HeaderUserAgent
	case "server":
		return HeaderServer
	case "expires":
		return HeaderExpires
	case "min-expires":
		return HeaderMinExpires
	case "event":
		return HeaderEvent
	case "subscription-state":
		return HeaderSubscribeState
	case "allow":
		return HeaderAllow
	case "allow-events":
		return HeaderAllowEvents
	case "www-authenticate":
		return HeaderWWWAuth
	case "proxy-authenticate":
		return HeaderProxyAuth
	case "authorization":
		return HeaderAuthorization
	case "proxy-authorization":
		return HeaderProxyAuthz
	case "authentication-info":
		return HeaderAuthInfo
	case "sip-etag":
		return HeaderSIPETag
	case "sip-if-match":
		return HeaderSIPIfMatch
	case "refer-to":
		return HeaderReferTo
	case "replaces":
		return HeaderReplaces
	case "referred-by":
		return HeaderReferredBy
	case "retry-after":
		return HeaderRetryAfter
	case "reason":
		return HeaderReason
	default:
		return name
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
