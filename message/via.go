package message

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/internal/util"
)

// ViaHop is one hop of a Via header (RFC 3261 Section 20.42).
type ViaHop struct {
	Protocol  string // "SIP/2.0"
	Transport types.TransportProto
	SentBy    types.Addr
	Params    *Params
}

// NewViaHop returns a Via hop for the given transport and sent-by address.
func NewViaHop(transport types.TransportProto, sentBy types.Addr) *ViaHop {
	return &ViaHop{Protocol: "SIP/2.0", Transport: transport, SentBy: sentBy, Params: NewParams()}
}

// Branch returns the "branch" parameter value, if present.
func (v *ViaHop) Branch() (string, bool) { return v.Params.Get("branch") }

// SetBranch sets the "branch" parameter.
func (v *ViaHop) SetBranch(branch string) *ViaHop {
	v.Params.Set("branch", branch)
	return v
}

// Received returns the "received" parameter value, if present.
func (v *ViaHop) Received() (string, bool) { return v.Params.Get("received") }

// RPort returns the numeric "rport" parameter value, if present and set.
func (v *ViaHop) RPort() (uint16, bool) {
	s, ok := v.Params.Get("rport")
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// String renders the Via hop in wire form.
func (v *ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString(v.Protocol)
	sb.WriteByte('/')
	sb.WriteString(strings.ToUpper(string(v.Transport)))
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy.String())
	v.Params.WriteTo(&sb)
	return sb.String()
}

// Clone returns a deep copy of v.
func (v *ViaHop) Clone() *ViaHop {
	if v == nil {
		return nil
	}
	return &ViaHop{Protocol: v.Protocol, Transport: v.Transport, SentBy: v.SentBy.Clone(), Params: v.Params.Clone()}
}

// ParseViaHop parses one Via hop, e.g. "SIP/2.0/WSS host:port;branch=z9hG4bK-1".
func ParseViaHop(s string) (*ViaHop, error) {
	orig := s
	s = strings.TrimSpace(s)

	sentByIdx := strings.IndexAny(s, " \t")
	if sentByIdx < 0 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed Via hop %q", orig))
	}
	protoPart := s[:sentByIdx]
	rest := strings.TrimSpace(s[sentByIdx+1:])

	protoFields := strings.Split(protoPart, "/")
	if len(protoFields) != 3 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("malformed Via protocol %q", protoPart))
	}
	v := &ViaHop{
		Protocol:  protoFields[0] + "/" + protoFields[1],
		Transport: types.TransportProto(util.LCase(protoFields[2])),
		Params:    NewParams(),
	}

	hostPart := rest
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		hostPart = rest[:idx]
		for _, kv := range strings.Split(rest[idx+1:], ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			k, val, has := strings.Cut(kv, "=")
			if has {
				v.Params.Set(strings.TrimSpace(k), strings.TrimSpace(val))
			} else {
				v.Params.SetFlag(strings.TrimSpace(k))
			}
		}
	}

	addr, err := types.ParseAddr(strings.TrimSpace(hostPart))
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid Via sent-by %q: %v", hostPart, err))
	}
	v.SentBy = addr
	return v, nil
}
