package message

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/internal/util"
)

// Scheme identifies a URI scheme recognized by this package.
type Scheme string

const (
	SchemeSIP  Scheme = "sip"
	SchemeSIPS Scheme = "sips"
)

// URI is a SIP or SIPS URI (RFC 3261 Section 19.1). It is immutable in
// intended use: mutating methods that would change identity return a
// clone via Clone rather than modifying shared instances in place,
// though callers holding a *URI directly may still mutate Params.
type URI struct {
	Scheme   Scheme
	User     string
	Password string
	Host     types.Addr
	Params   *Params
	Headers  *Params // the "?name=value" component
}

// NewURI returns a bare sip: URI for host, with no user part.
func NewURI(host string) *URI {
	return &URI{Scheme: SchemeSIP, Host: types.Host(host), Params: NewParams(), Headers: NewParams()}
}

// ParseURI parses a SIP or SIPS URI.
func ParseURI(s string) (*URI, error) {
	orig := s
	u := &URI{Params: NewParams(), Headers: NewParams()}

	switch {
	case strings.HasPrefix(s, "sips:"):
		u.Scheme = SchemeSIPS
		s = s[len("sips:"):]
	case strings.HasPrefix(s, "sip:"):
		u.Scheme = SchemeSIP
		s = s[len("sip:"):]
	default:
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unsupported or missing URI scheme in %q", orig))
	}

	// Split off headers ("?name=value&...") first, then params (";name=value"),
	// then userinfo ("user[:password]@").
	if idx := strings.IndexByte(s, '?'); idx >= 0 {
		hdrPart := s[idx+1:]
		s = s[:idx]
		for _, kv := range strings.Split(hdrPart, "&") {
			if kv == "" {
				continue
			}
			k, v, has := strings.Cut(kv, "=")
			k, _ = unescape(k)
			if has {
				v, _ = unescape(v)
				u.Headers.Set(k, v)
			} else {
				u.Headers.SetFlag(k)
			}
		}
	}

	hostPart := s
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		hostPart = s[:idx]
		paramPart := s[idx+1:]
		for _, kv := range strings.Split(paramPart, ";") {
			if kv == "" {
				continue
			}
			k, v, has := strings.Cut(kv, "=")
			k, _ = unescape(k)
			if has {
				v, _ = unescape(v)
				u.Params.Set(k, v)
			} else {
				u.Params.SetFlag(k)
			}
		}
	}

	if idx := strings.IndexByte(hostPart, '@'); idx >= 0 {
		userInfo := hostPart[:idx]
		hostPart = hostPart[idx+1:]
		if up, pw, has := strings.Cut(userInfo, ":"); has {
			u.User, _ = unescape(up)
			u.Password, _ = unescape(pw)
		} else {
			u.User, _ = unescape(userInfo)
		}
	}

	if hostPart == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("missing host in URI %q", orig))
	}
	addr, err := types.ParseAddr(hostPart)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid host in URI %q: %v", orig, err))
	}
	u.Host = addr

	return u, nil
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String(), nil
}

func escapeUserinfo(s string) string {
	const safe = "!$&'()*+,;=:"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || strings.IndexByte(safe, c) >= 0 || c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteString("%")
		sb.WriteString(strings.ToUpper(strconv.FormatUint(uint64(c), 16)))
	}
	return sb.String()
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// String renders the URI in canonical wire form.
func (u *URI) String() string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(string(u.Scheme))
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(escapeUserinfo(u.User))
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(escapeUserinfo(u.Password))
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host.String())
	u.Params.WriteTo(&sb)
	if u.Headers.Len() > 0 {
		sb.WriteByte('?')
		for i, k := range u.Headers.Keys() {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			if v, ok := u.Headers.Get(k); ok && v != "" {
				sb.WriteByte('=')
				sb.WriteString(v)
			}
		}
	}
	return sb.String()
}

// Clone returns a deep copy of u.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	return &URI{
		Scheme:   u.Scheme,
		User:     u.User,
		Password: u.Password,
		Host:     u.Host.Clone(),
		Params:   u.Params.Clone(),
		Headers:  u.Headers.Clone(),
	}
}

// Equal implements RFC 3261 Section 19.1.4 URI comparison: scheme,
// userinfo, host and port compared verbatim (host case-insensitively);
// every parameter present in either URI that affects comparison
// (RFC lists user, ttl, method, maddr as always-significant; here all
// declared parameters on either side must match) must be present with
// the same value on the other; headers must match as a set.
func (u *URI) Equal(other *URI) bool {
	if u == nil || other == nil {
		return u == other
	}
	if u.Scheme != other.Scheme {
		return false
	}
	if u.User != other.User || u.Password != other.Password {
		return false
	}
	if !u.Host.Equal(other.Host) {
		return false
	}
	if !u.Params.Equal(other.Params) {
		return false
	}
	if !u.Headers.Equal(other.Headers) {
		return false
	}
	return true
}

// IsSecure reports whether the URI uses the sips scheme.
func (u *URI) IsSecure() bool { return u.Scheme == SchemeSIPS }

// Transport returns the "transport" URI parameter, defaulting to "udp"
// when unset (RFC 3261 Section 19.1.2).
func (u *URI) Transport() string {
	if v, ok := u.Params.Get("transport"); ok {
		return util.LCase(v)
	}
	return "udp"
}

// IsLooseRouting reports whether the URI carries the "lr" parameter
// (RFC 3261 Section 19.1.1), marking it as a loose-routing proxy URI.
func (u *URI) IsLooseRouting() bool { return u.Params.Has("lr") }
