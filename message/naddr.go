package message

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
)

// NameAddr is a name-address header value: a URI with an optional
// display name and generic parameters, as used by From, To, Contact,
// Route, Record-Route and Refer-To (RFC 3261 Section 20.10 et al).
type NameAddr struct {
	DisplayName string
	URI         *URI
	Params      *Params
}

// NewNameAddr returns a NameAddr wrapping uri with no display name.
func NewNameAddr(uri *URI) *NameAddr {
	return &NameAddr{URI: uri, Params: NewParams()}
}

// Tag returns the "tag" parameter value, if present.
func (n *NameAddr) Tag() (string, bool) {
	if n == nil || n.Params == nil {
		return "", false
	}
	return n.Params.Get("tag")
}

// SetTag sets the "tag" parameter.
func (n *NameAddr) SetTag(tag string) *NameAddr {
	n.Params.Set("tag", tag)
	return n
}

// Clone returns a deep copy of n.
func (n *NameAddr) Clone() *NameAddr {
	if n == nil {
		return nil
	}
	return &NameAddr{
		DisplayName: n.DisplayName,
		URI:         n.URI.Clone(),
		Params:      n.Params.Clone(),
	}
}

// String renders the name-address in wire form: `"Display Name" <uri>;params`.
func (n *NameAddr) String() string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	needsBrackets := n.DisplayName != "" || n.URI.Params.Len() > 0
	if n.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(n.DisplayName, `"`, `\"`))
		sb.WriteString(`" `)
	}
	if needsBrackets {
		sb.WriteByte('<')
	}
	sb.WriteString(n.URI.String())
	if needsBrackets {
		sb.WriteByte('>')
	}
	n.Params.WriteTo(&sb)
	return sb.String()
}

// ParseNameAddr parses a name-address header value.
func ParseNameAddr(s string) (*NameAddr, error) {
	orig := s
	s = strings.TrimSpace(s)
	n := &NameAddr{Params: NewParams()}

	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unterminated <uri> in %q", orig))
		}
		gt += lt

		dn := strings.TrimSpace(s[:lt])
		dn = strings.Trim(dn, `"`)
		n.DisplayName = dn

		uri, err := ParseURI(s[lt+1 : gt])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		n.URI = uri

		rest := s[gt+1:]
		for _, kv := range strings.Split(rest, ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			k, v, has := strings.Cut(kv, "=")
			if has {
				n.Params.Set(strings.TrimSpace(k), strings.TrimSpace(v))
			} else {
				n.Params.SetFlag(strings.TrimSpace(k))
			}
		}
		return n, nil
	}

	// bare-URI form, e.g. Contact: *, or a plain sip: URI with trailing params.
	uriPart := s
	var rest string
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		uriPart = s[:idx]
		rest = s[idx+1:]
	}
	uri, err := ParseURI(strings.TrimSpace(uriPart))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	n.URI = uri
	for _, kv := range strings.Split(rest, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, has := strings.Cut(kv, "=")
		if has {
			n.Params.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		} else {
			n.Params.SetFlag(strings.TrimSpace(k))
		}
	}
	return n, nil
}
