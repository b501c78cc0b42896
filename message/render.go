package message

import (
	"io"
	"strconv"

	"github.com/sipstack/core/internal/ioutil"
)

// headerRenderOrder lists the canonical headers rendered in a fixed
// position, matching the wire layout most SIP stacks (and interop
// test suites) expect: routing headers first, then the well-known
// request/dialog identity headers, then everything else, with
// Supported/User-Agent/Content-Length pinned to just before the body
// per the message model's serialization contract.
var headerRenderOrder = []string{
	HeaderVia,
	HeaderRecordRoute,
	HeaderRoute,
	HeaderFrom,
	HeaderTo,
	HeaderCallID,
	HeaderCSeq,
	HeaderMaxForwards,
	HeaderContact,
	HeaderExpires,
	HeaderMinExpires,
	HeaderEvent,
	HeaderSubscribeState,
	HeaderAllow,
	HeaderAllowEvents,
	HeaderWWWAuth,
	HeaderProxyAuth,
	HeaderAuthorization,
	HeaderProxyAuthz,
	HeaderAuthInfo,
	HeaderSIPETag,
	HeaderSIPIfMatch,
	HeaderReferTo,
	HeaderReplaces,
	HeaderReferredBy,
	HeaderRetryAfter,
	HeaderReason,
	HeaderRequire,
	HeaderUnsupported,
	HeaderContentDisp,
}

// RenderTo serializes the request in wire form: request-line CRLF,
// headers CRLF-joined (Supported, User-Agent, Content-Type,
// Content-Length pinned last), a blank line, then the body.
func (r *Request) RenderTo(w io.Writer) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)

	cw.WriteString(string(r.Method))
	cw.WriteString(" ")
	cw.WriteString(r.RequestURI.String())
	cw.WriteString(" SIP/2.0\r\n")
	renderHeaders(cw, &r.Message)
	return cw.Result()
}

// RenderTo serializes the response in wire form.
func (r *Response) RenderTo(w io.Writer) (int, error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)

	cw.WriteString("SIP/2.0 ")
	cw.WriteString(strconv.FormatUint(uint64(r.StatusCode), 10))
	cw.WriteString(" ")
	cw.WriteString(r.Reason)
	cw.WriteString("\r\n")
	renderHeaders(cw, &r.Message)
	return cw.Result()
}

func renderHeaders(cw *ioutil.CountingWriter, m *Message) {
	written := make(map[string]bool, len(headerRenderOrder)+5)
	for _, name := range headerRenderOrder {
		for _, v := range m.Headers.Get(name) {
			cw.WriteString(name)
			cw.WriteString(": ")
			cw.WriteString(v)
			cw.WriteString("\r\n")
		}
		written[name] = true
	}
	// Rendered specially, after the generic pass, per the serialization
	// contract: Supported, User-Agent/Server, Content-Type, Content-Length.
	written[HeaderSupported] = true
	written[HeaderUserAgent] = true
	written[HeaderServer] = true
	written[HeaderContentType] = true
	written[HeaderContentLength] = true
	// any recognized header not in the fixed layout, in map order (Go
	// map iteration order is unspecified but stable enough for a
	// process's own outgoing traffic; contents, not order, matter here
	// since these are not order-sensitive per headerOrderSignificant).
	for name, vals := range m.Headers {
		canon := canonicalHeaderName(name)
		if written[canon] {
			continue
		}
		written[canon] = true
		for _, v := range vals {
			cw.WriteString(canon)
			cw.WriteString(": ")
			cw.WriteString(v)
			cw.WriteString("\r\n")
		}
	}
	for _, line := range m.ExtraHeaders {
		cw.WriteString(line)
		cw.WriteString("\r\n")
	}

	if v, ok := m.HeaderValue(HeaderSupported); ok {
		cw.WriteString(HeaderSupported + ": " + v + "\r\n")
	}
	if v, ok := m.HeaderValue(HeaderUserAgent); ok {
		cw.WriteString(HeaderUserAgent + ": " + v + "\r\n")
	} else if v, ok := m.HeaderValue(HeaderServer); ok {
		cw.WriteString(HeaderServer + ": " + v + "\r\n")
	}

	bodyLen := m.Body.Len()
	if m.Body != nil && m.Body.ContentType != "" {
		cw.WriteString(HeaderContentType + ": " + m.Body.ContentType + "\r\n")
	}
	cw.WriteString(HeaderContentLength + ": " + strconv.Itoa(bodyLen) + "\r\n")

	cw.WriteString("\r\n")
	if bodyLen > 0 {
		cw.Write(m.Body.Content)
	}
}
