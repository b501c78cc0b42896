package message

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
	"github.com/sipstack/core/internal/types"
)

// Parser converts a raw wire-format message into a *Request or
// *Response. It is the external-collaborator seam spec.md names:
// callers may substitute a generated-grammar parser without touching
// anything downstream, provided it satisfies this interface. Default
// is a hand-written parser (below) with no code-generation step.
type Parser interface {
	Parse(raw []byte) (any, error)
}

// DefaultParser is a Parser built directly against RFC 3261 Section 25's
// message grammar, without any generated ABNF machinery: it splits the
// start-line, folds header continuation lines, and defers header-value
// interpretation to the typed accessors on Message, which parse lazily.
type DefaultParser struct{}

var _ Parser = DefaultParser{}

// Parse implements Parser.
func (DefaultParser) Parse(raw []byte) (any, error) {
	s := string(raw)
	s = strings.TrimLeft(s, "\r\n") // leading CRLFs are keep-alive/ping noise (RFC 5626 Section 4.4.1)

	headEnd := strings.Index(s, "\r\n\r\n")
	var head, bodyStr string
	if headEnd < 0 {
		head, bodyStr = s, ""
	} else {
		head, bodyStr = s[:headEnd], s[headEnd+4:]
	}

	lines := unfoldHeaders(strings.Split(head, "\r\n"))
	if len(lines) == 0 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty message"))
	}
	startLine := lines[0]
	headerLines := lines[1:]

	if strings.HasPrefix(startLine, "SIP/2.0 ") {
		resp, err := parseStatusLine(startLine)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if err := applyHeaderLines(&resp.Message, headerLines); err != nil {
			return nil, errtrace.Wrap(err)
		}
		attachBody(&resp.Message, bodyStr)
		return resp, nil
	}

	req, err := parseRequestLine(startLine)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := applyHeaderLines(&req.Message, headerLines); err != nil {
		return nil, errtrace.Wrap(err)
	}
	attachBody(&req.Message, bodyStr)
	return req, nil
}

// ParseRequest parses raw as a request, failing if it is a response.
func ParseRequest(raw []byte) (*Request, error) {
	v, err := DefaultParser{}.Parse(raw)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req, ok := v.(*Request)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("not a request"))
	}
	return req, nil
}

// ParseResponse parses raw as a response, failing if it is a request.
func ParseResponse(raw []byte) (*Response, error) {
	v, err := DefaultParser{}.Parse(raw)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	resp, ok := v.(*Response)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("not a response"))
	}
	return resp, nil
}

func unfoldHeaders(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(out) > 0 && len(l) > 0 && (l[0] == ' ' || l[0] == '\t') {
			out[len(out)-1] += " " + strings.TrimSpace(l)
			continue
		}
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func parseRequestLine(line string) (*Request, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed request-line %q", line))
	}
	uri, err := ParseURI(fields[1])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Request{Message: newMessage(), Method: types.RequestMethod(fields[0]), RequestURI: uri}, nil
}

func parseStatusLine(line string) (*Response, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed status-line %q", line))
	}
	code, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed status code %q", fields[1]))
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return &Response{Message: newMessage(), StatusCode: types.ResponseStatus(code), Reason: reason}, nil
}

func applyHeaderLines(m *Message, lines []string) error {
	for _, l := range lines {
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed header line %q", l))
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		canon := canonicalHeaderName(name)
		if isRecognizedHeader(canon) {
			m.Headers.Append(canon, value)
		} else {
			m.ExtraHeaders = append(m.ExtraHeaders, name+": "+value)
		}
	}
	return nil
}

func isRecognizedHeader(canon string) bool {
	switch canon {
	case HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq, HeaderMaxForwards,
		HeaderContact, HeaderRoute, HeaderRecordRoute, HeaderContentLength, HeaderContentType,
		HeaderContentDisp, HeaderSupported, HeaderRequire, HeaderUnsupported, HeaderUserAgent,
		HeaderServer, HeaderExpires, HeaderMinExpires, HeaderEvent, HeaderSubscribeState,
		HeaderAllow, HeaderAllowEvents, HeaderWWWAuth, HeaderProxyAuth, HeaderAuthorization,
		HeaderProxyAuthz, HeaderAuthInfo, HeaderSIPETag, HeaderSIPIfMatch, HeaderReferTo,
		HeaderReplaces, HeaderReferredBy, HeaderRetryAfter, HeaderReason:
		return true
	default:
		return false
	}
}

func attachBody(m *Message, bodyStr string) {
	if bodyStr == "" {
		return
	}
	declared := m.ContentLength()
	content := []byte(bodyStr)
	if declared > 0 && declared <= len(content) {
		content = content[:declared]
	}
	ct, _ := m.HeaderValue(HeaderContentType)
	cd, _ := m.HeaderValue(HeaderContentDisp)
	m.Body = &Body{ContentType: ct, ContentDisposition: cd, Content: content}
}
