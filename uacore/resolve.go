package uacore

import (
	"context"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/dns"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

// Target is a resolved next hop for an outbound request.
type Target struct {
	Addr  types.Addr
	Proto types.TransportProto
}

// serviceForProto maps a transport token onto the SRV service tag,
// NAPTR service tag, and default port RFC 3263 Section 4/Table 1
// assign it.
var serviceForProto = map[types.TransportProto]struct {
	naptrService string
	srvService   string
	srvProto     string
	defaultPort  uint16
}{
	"UDP": {"SIP+D2U", "sip", "udp", 5060},
	"TCP": {"SIP+D2T", "sip", "tcp", 5060},
	"TLS": {"SIPS+D2T", "sips", "tcp", 5061},
}

// ResolveTarget resolves uri into a concrete next hop per RFC 3263
// Section 4. An explicit port on the URI skips NAPTR/SRV entirely and
// resolves the host directly at that port (Section 4.2). Otherwise a
// NAPTR lookup picks the preferred transport when the URI did not
// already name one via its "transport" parameter (Section 4.1), an
// SRV lookup for that transport's service resolves the concrete host
// and port (Section 4.3), and a plain A/AAAA lookup at the transport's
// default port is the fallback when NAPTR/SRV publish nothing, which
// is the common case for a bare IP-literal or a domain with no SIP
// service records.
func ResolveTarget(ctx context.Context, resolver *dns.Resolver, uri *message.URI, defaultProto types.TransportProto) (Target, error) {
	if resolver == nil {
		resolver = dns.DefaultResolver()
	}

	explicitProto := false
	proto := defaultProto
	if tp, ok := uri.Params.Get("transport"); ok && tp != "" {
		proto = types.TransportProto(tp).ToUpper()
		explicitProto = true
	}
	if proto == "" {
		proto = "UDP"
	}

	host := uri.Host.Host()

	if port, ok := uri.Host.Port(); ok {
		ip, err := lookupOneIP(ctx, resolver, host)
		if err != nil {
			return Target{}, errtrace.Wrap(err)
		}
		return Target{Addr: types.HostPort(ip, port), Proto: proto}, nil
	}

	if !explicitProto {
		if preferred, ok := preferredProtoFromNAPTR(ctx, resolver, host); ok {
			proto = preferred
		}
	}

	svc, ok := serviceForProto[proto]
	if !ok {
		svc = serviceForProto["UDP"]
		proto = "UDP"
	}

	if srvs, err := resolver.LookupSRV(ctx, svc.srvService, svc.srvProto, host); err == nil && len(srvs) > 0 {
		if ip, err := lookupOneIP(ctx, resolver, strings.TrimSuffix(srvs[0].Target, ".")); err == nil {
			return Target{Addr: types.HostPort(ip, srvs[0].Port), Proto: proto}, nil
		}
	}

	ip, err := lookupOneIP(ctx, resolver, host)
	if err != nil {
		return Target{}, errtrace.Wrap(err)
	}
	return Target{Addr: types.HostPort(ip, svc.defaultPort), Proto: proto}, nil
}

// preferredProtoFromNAPTR picks the lowest-order, lowest-preference
// NAPTR record whose service tag names a transport this package
// knows how to reach. Any lookup failure (no records published, no
// NAPTR support on the resolver's nameserver) is silently treated as
// "no preference", per RFC 3263 Section 4.1's fallback to a
// preconfigured transport order.
func preferredProtoFromNAPTR(ctx context.Context, resolver *dns.Resolver, host string) (types.TransportProto, bool) {
	recs, err := resolver.LookupNAPTR(ctx, host)
	if err != nil {
		return "", false
	}
	for _, rec := range recs {
		for proto, svc := range serviceForProto {
			if strings.EqualFold(rec.Service, svc.naptrService) {
				return proto, true
			}
		}
	}
	return "", false
}

func lookupOneIP(ctx context.Context, resolver *dns.Resolver, host string) (string, error) {
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(ips) == 0 {
		return "", errtrace.Wrap(errNoAddress{host})
	}
	return ips[0].String(), nil
}

type errNoAddress struct{ host string }

func (e errNoAddress) Error() string { return "no address found for host " + e.host }
