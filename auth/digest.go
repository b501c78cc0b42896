// Package auth implements RFC 3261 Section 22 / RFC 2617 digest
// authentication: challenge parsing and Authorization/Proxy-Authorization
// header value computation.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/errorutil"
)

// QOP identifies the "qop" digest directive value.
type QOP string

const (
	QOPNone    QOP = ""
	QOPAuth    QOP = "auth"
	QOPAuthInt QOP = "auth-int"
)

// Challenge is a parsed WWW-Authenticate / Proxy-Authenticate header
// value. Only the MD5 algorithm is supported; any other declared
// algorithm is rejected at parse time per spec.md Section 4.2.
type Challenge struct {
	Realm  string
	Nonce  string
	Opaque string
	Stale  bool
	QOP    QOP // preferred qop, chosen from a comma-separated list
	Domain string
}

// ParseChallenge parses a WWW-Authenticate/Proxy-Authenticate header
// value of the form `Digest realm="...", nonce="...", ...`.
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unsupported challenge scheme in %q", header))
	}

	fields := splitDirectives(rest)

	c := &Challenge{}
	var algorithm string
	var qopOffered []string

	for k, v := range fields {
		switch strings.ToLower(k) {
		case "realm":
			c.Realm = v
		case "nonce":
			c.Nonce = v
		case "opaque":
			c.Opaque = v
		case "domain":
			c.Domain = v
		case "stale":
			c.Stale = strings.EqualFold(v, "true")
		case "algorithm":
			algorithm = v
		case "qop":
			qopOffered = strings.Split(v, ",")
			for i := range qopOffered {
				qopOffered[i] = strings.TrimSpace(qopOffered[i])
			}
		}
	}

	if algorithm != "" && !strings.EqualFold(algorithm, "MD5") {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("unsupported digest algorithm %q", algorithm))
	}
	if c.Realm == "" || c.Nonce == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("challenge missing realm or nonce"))
	}

	// Prefer qop=auth over qop=auth-int; abort if qop is present but
	// neither recognized value is offered (spec.md Section 4.2).
	if len(qopOffered) > 0 {
		hasAuth, hasAuthInt := false, false
		for _, q := range qopOffered {
			switch strings.ToLower(q) {
			case "auth":
				hasAuth = true
			case "auth-int":
				hasAuthInt = true
			}
		}
		switch {
		case hasAuth:
			c.QOP = QOPAuth
		case hasAuthInt:
			c.QOP = QOPAuthInt
		default:
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("qop offered but neither auth nor auth-int present"))
		}
	}

	return c, nil
}

// splitDirectives splits a comma-separated list of key=value or
// key="value" digest directives.
func splitDirectives(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimSpace(s)
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]
		var val string
		if len(rest) > 0 && rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val = strings.Trim(rest, `"`)
				rest = ""
			} else {
				val = rest[1 : end+1]
				rest = rest[end+2:]
			}
		} else {
			comma := strings.IndexByte(rest, ',')
			if comma < 0 {
				val = strings.TrimSpace(rest)
				rest = ""
			} else {
				val = strings.TrimSpace(rest[:comma])
				rest = rest[comma:]
			}
		}
		out[key] = val
		rest = strings.TrimPrefix(strings.TrimSpace(rest), ",")
		s = rest
	}
	return out
}

// Credentials holds what is needed to answer a Challenge.
type Credentials struct {
	Username string
	Password string
}

// NonceCounter maintains the monotonic "nc" value for a single nonce,
// rendered as 8 lowercase hex digits, wrapping to 1 after 2^32-1 uses
// per spec.md Section 4.2.
type NonceCounter struct {
	n atomic.Uint32
}

// Next returns the next nonce-count value and its 8-hex-digit rendering.
func (c *NonceCounter) Next() (uint32, string) {
	for {
		old := c.n.Load()
		next := old + 1
		if next == 0 {
			next = 1
		}
		if c.n.CompareAndSwap(old, next) {
			return next, fmt.Sprintf("%08x", next)
		}
	}
}

// Answer computes the Authorization/Proxy-Authorization header value
// for method and uri against challenge, using creds. body is the
// request body, needed only when qop=auth-int.
func Answer(challenge *Challenge, creds Credentials, method, uri string, body []byte, nc *NonceCounter, cnonce string) (string, error) {
	if challenge.Realm == "" || challenge.Nonce == "" {
		return "", errtrace.Wrap(errorutil.NewInvalidArgumentError("challenge missing realm or nonce"))
	}

	ha1 := md5Hex(creds.Username + ":" + challenge.Realm + ":" + creds.Password)

	var ha2 string
	switch challenge.QOP {
	case QOPAuthInt:
		ha2 = md5Hex(method + ":" + uri + ":" + md5Hex(string(body)))
	default:
		ha2 = md5Hex(method + ":" + uri)
	}

	var response, qopStr, ncStr string
	switch challenge.QOP {
	case QOPAuth, QOPAuthInt:
		if cnonce == "" {
			cnonce = generateCNonce()
		}
		_, ncStr = nc.Next()
		qopStr = string(challenge.QOP)
		response = md5Hex(strings.Join([]string{ha1, challenge.Nonce, ncStr, cnonce, qopStr, ha2}, ":"))
	default:
		response = md5Hex(ha1 + ":" + challenge.Nonce + ":" + ha2)
	}

	var sb strings.Builder
	sb.WriteString(`Digest username="`)
	sb.WriteString(creds.Username)
	sb.WriteString(`", realm="`)
	sb.WriteString(challenge.Realm)
	sb.WriteString(`", nonce="`)
	sb.WriteString(challenge.Nonce)
	sb.WriteString(`", uri="`)
	sb.WriteString(uri)
	sb.WriteString(`", response="`)
	sb.WriteString(response)
	sb.WriteString(`", algorithm=MD5`)
	if challenge.Opaque != "" {
		sb.WriteString(`, opaque="`)
		sb.WriteString(challenge.Opaque)
		sb.WriteByte('"')
	}
	if qopStr != "" {
		sb.WriteString(`, qop=`)
		sb.WriteString(qopStr)
		sb.WriteString(`, nc=`)
		sb.WriteString(ncStr)
		sb.WriteString(`, cnonce="`)
		sb.WriteString(cnonce)
		sb.WriteByte('"')
	}
	return sb.String(), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func generateCNonce() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
