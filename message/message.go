package message

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
	"github.com/sipstack/core/internal/types"
)

// Body is a message body, carried with its content type and, if
// present, its disposition.
type Body struct {
	ContentType        string
	ContentDisposition string
	Content             []byte
}

// Len returns the UTF-8 byte length of the body content, which by
// invariant equals the Content-Length header's value.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Content)
}

// Message is the common structure shared by Request and Response: a
// case-insensitive, order-preserving-per-name multi-valued header map,
// a passthrough bucket for headers this package does not model, and an
// optional body.
type Message struct {
	// Headers holds every header this package recognizes, keyed by
	// canonical name (see headers.go), each value the raw (unparsed)
	// header field body. Structured accessors below parse on demand.
	Headers types.Values

	// ExtraHeaders holds "Name: value" lines for headers not in the
	// canonical set above, in wire order, passed through opaquely.
	ExtraHeaders []string

	Body *Body
}

func newMessage() Message {
	return Message{Headers: make(types.Values)}
}

// AddHeader appends value to name's header, preserving prior values.
func (m *Message) AddHeader(name, value string) {
	m.Headers.Append(canonicalHeaderName(name), value)
}

// SetHeader replaces name's header with a single value.
func (m *Message) SetHeader(name, value string) {
	m.Headers.Set(canonicalHeaderName(name), value)
}

// HeaderValues returns all raw values for name, in wire order.
func (m *Message) HeaderValues(name string) []string {
	return m.Headers.Get(canonicalHeaderName(name))
}

// HeaderValue returns the first raw value for name.
func (m *Message) HeaderValue(name string) (string, bool) {
	return m.Headers.First(canonicalHeaderName(name))
}

// AddExtraHeader appends a passthrough header line, e.g. "X-Trace: abc".
func (m *Message) AddExtraHeader(name, value string) {
	m.ExtraHeaders = append(m.ExtraHeaders, name+": "+value)
}

// From parses and returns the From header.
func (m *Message) From() (*NameAddr, error) {
	v, ok := m.HeaderValue(HeaderFrom)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing From header"))
	}
	return errtrace.Wrap2(ParseNameAddr(v))
}

// SetFrom sets the From header.
func (m *Message) SetFrom(na *NameAddr) { m.SetHeader(HeaderFrom, na.String()) }

// To parses and returns the To header.
func (m *Message) To() (*NameAddr, error) {
	v, ok := m.HeaderValue(HeaderTo)
	if !ok {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing To header"))
	}
	return errtrace.Wrap2(ParseNameAddr(v))
}

// SetTo sets the To header.
func (m *Message) SetTo(na *NameAddr) { m.SetHeader(HeaderTo, na.String()) }

// CallID returns the Call-ID header value.
func (m *Message) CallID() (string, error) {
	v, ok := m.HeaderValue(HeaderCallID)
	if !ok {
		return "", errtrace.Wrap(errorutil.NewInvalidArgumentError("missing Call-ID header"))
	}
	return v, nil
}

// SetCallID sets the Call-ID header.
func (m *Message) SetCallID(callID string) { m.SetHeader(HeaderCallID, callID) }

// CSeq parses and returns the CSeq sequence number and method.
func (m *Message) CSeq() (uint32, types.RequestMethod, error) {
	v, ok := m.HeaderValue(HeaderCSeq)
	if !ok {
		return 0, "", errtrace.Wrap(errorutil.NewInvalidArgumentError("missing CSeq header"))
	}
	numPart, methodPart, has := strings.Cut(strings.TrimSpace(v), " ")
	if !has {
		return 0, "", errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed CSeq %q", v))
	}
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return 0, "", errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed CSeq number %q", numPart))
	}
	return uint32(n), types.RequestMethod(strings.TrimSpace(methodPart)), nil
}

// SetCSeq sets the CSeq header.
func (m *Message) SetCSeq(seq uint32, method types.RequestMethod) {
	m.SetHeader(HeaderCSeq, strconv.FormatUint(uint64(seq), 10)+" "+string(method))
}

// MaxForwards returns the Max-Forwards header value.
func (m *Message) MaxForwards() (uint32, error) {
	v, ok := m.HeaderValue(HeaderMaxForwards)
	if !ok {
		return 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing Max-Forwards header"))
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed Max-Forwards %q", v))
	}
	return uint32(n), nil
}

// SetMaxForwards sets the Max-Forwards header.
func (m *Message) SetMaxForwards(n uint32) {
	m.SetHeader(HeaderMaxForwards, strconv.FormatUint(uint64(n), 10))
}

// Vias parses and returns every Via hop, top hop first, in wire order.
func (m *Message) Vias() ([]*ViaHop, error) {
	vals := m.HeaderValues(HeaderVia)
	hops := make([]*ViaHop, 0, len(vals))
	for _, v := range vals {
		hop, err := ParseViaHop(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// TopVia returns the first Via hop, which identifies the transaction
// this message belongs to.
func (m *Message) TopVia() (*ViaHop, error) {
	vals := m.HeaderValues(HeaderVia)
	if len(vals) == 0 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing Via header"))
	}
	return errtrace.Wrap2(ParseViaHop(vals[0]))
}

// AddVia prepends a Via hop to the front of the Via header list.
func (m *Message) AddVia(hop *ViaHop) {
	m.Headers.Prepend(HeaderVia, hop.String())
}

// Contacts parses and returns every Contact header value.
func (m *Message) Contacts() ([]*NameAddr, error) {
	return parseNameAddrList(m.HeaderValues(HeaderContact))
}

// SetContact sets a single Contact header.
func (m *Message) SetContact(na *NameAddr) { m.SetHeader(HeaderContact, na.String()) }

// RouteSet parses and returns the Route headers, in wire order.
func (m *Message) RouteSet() ([]*NameAddr, error) {
	return parseNameAddrList(m.HeaderValues(HeaderRoute))
}

// SetRouteSet replaces the Route headers with route, preserving order.
func (m *Message) SetRouteSet(route []*NameAddr) {
	m.Headers.Del(HeaderRoute)
	for _, na := range route {
		m.Headers.Append(HeaderRoute, na.String())
	}
}

// RecordRouteSet parses and returns the Record-Route headers, in wire order.
func (m *Message) RecordRouteSet() ([]*NameAddr, error) {
	return parseNameAddrList(m.HeaderValues(HeaderRecordRoute))
}

func parseNameAddrList(vals []string) ([]*NameAddr, error) {
	out := make([]*NameAddr, 0, len(vals))
	for _, v := range vals {
		na, err := ParseNameAddr(v)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		out = append(out, na)
	}
	return out, nil
}

// ContentLength returns the declared Content-Length, or 0 if absent.
func (m *Message) ContentLength() int {
	v, ok := m.HeaderValue(HeaderContentLength)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// Request is a SIP request message.
type Request struct {
	Message
	Method     types.RequestMethod
	RequestURI *URI
}

// NewRequest returns an empty request for method and requestURI.
func NewRequest(method types.RequestMethod, requestURI *URI) *Request {
	return &Request{Message: newMessage(), Method: method, RequestURI: requestURI}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := &Request{Method: r.Method, RequestURI: r.RequestURI.Clone()}
	clone.Headers = r.Headers.Clone()
	clone.ExtraHeaders = append([]string(nil), r.ExtraHeaders...)
	if r.Body != nil {
		b := *r.Body
		b.Content = append([]byte(nil), r.Body.Content...)
		clone.Body = &b
	}
	return clone
}

// Response is a SIP response message.
type Response struct {
	Message
	StatusCode types.ResponseStatus
	Reason     string
}

// NewResponse returns an empty response for status, using the status's
// default reason phrase if reason is empty.
func NewResponse(status types.ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = string(status.Reason())
	}
	return &Response{Message: newMessage(), StatusCode: status, Reason: reason}
}

// NewResponseFromRequest builds a response to req, copying the Via
// list, From, To, Call-ID and CSeq headers a transaction or UA-Core
// needs to correlate it back: everything RFC 3261 Section 8.2.6.2
// requires an automatic response to carry.
func NewResponseFromRequest(req *Request, status types.ResponseStatus, reason string) *Response {
	resp := NewResponse(status, reason)
	for _, v := range req.HeaderValues(HeaderVia) {
		resp.AddHeader(HeaderVia, v)
	}
	if v, ok := req.HeaderValue(HeaderFrom); ok {
		resp.SetHeader(HeaderFrom, v)
	}
	if v, ok := req.HeaderValue(HeaderTo); ok {
		resp.SetHeader(HeaderTo, v)
	}
	if v, ok := req.HeaderValue(HeaderCallID); ok {
		resp.SetHeader(HeaderCallID, v)
	}
	if v, ok := req.HeaderValue(HeaderCSeq); ok {
		resp.SetHeader(HeaderCSeq, v)
	}
	return resp
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{StatusCode: r.StatusCode, Reason: r.Reason}
	clone.Headers = r.Headers.Clone()
	clone.ExtraHeaders = append([]string(nil), r.ExtraHeaders...)
	if r.Body != nil {
		b := *r.Body
		b.Content = append([]byte(nil), r.Body.Content...)
		clone.Body = &b
	}
	return clone
}
