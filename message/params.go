// Package message implements the SIP message model: URIs, name-address
// headers, requests, responses, and their wire serialization.
package message

import (
	"strings"

	"github.com/sipstack/core/internal/util"
)

// Params is an ordered set of key/value parameters, as used by both URI
// parameters (RFC 3261 Section 19.1.1) and generic-parameter header
// components (Section 20). Key comparison is case-insensitive; keys are
// stored canonicalized to lower-case. Insertion order is preserved for
// serialization, since some peers are sensitive to parameter ordering
// even though the RFC does not require it.
type Params struct {
	keys []string
	vals map[string]paramValue
}

type paramValue struct {
	value string
	has   bool // false for a flag parameter such as ";lr"
}

// NewParams returns an empty parameter set.
func NewParams() *Params {
	return &Params{}
}

// Set assigns value to key, appending it to the ordered key list if new.
func (p *Params) Set(key, value string) *Params {
	return p.set(key, value, true)
}

// SetFlag sets a valueless (flag) parameter such as "lr" or "ttl"-less "lr".
func (p *Params) SetFlag(key string) *Params {
	return p.set(key, "", false)
}

func (p *Params) set(key, value string, has bool) *Params {
	k := util.LCase(key)
	if p.vals == nil {
		p.vals = make(map[string]paramValue)
	}
	if _, ok := p.vals[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.vals[k] = paramValue{value: value, has: has}
	return p
}

// Get returns the value for key and whether the parameter is present.
// A present flag-only parameter returns ("", true).
func (p *Params) Get(key string) (string, bool) {
	if p == nil || p.vals == nil {
		return "", false
	}
	v, ok := p.vals[util.LCase(key)]
	if !ok {
		return "", false
	}
	return v.value, true
}

// Has reports whether key is present, with or without a value.
func (p *Params) Has(key string) bool {
	if p == nil || p.vals == nil {
		return false
	}
	_, ok := p.vals[util.LCase(key)]
	return ok
}

// HasValue reports whether key is present and carries a value (as
// opposed to being a bare flag).
func (p *Params) HasValue(key string) bool {
	if p == nil || p.vals == nil {
		return false
	}
	v, ok := p.vals[util.LCase(key)]
	return ok && v.has
}

// Del removes key if present.
func (p *Params) Del(key string) *Params {
	if p == nil || p.vals == nil {
		return p
	}
	k := util.LCase(key)
	if _, ok := p.vals[k]; !ok {
		return p
	}
	delete(p.vals, k)
	for i, kk := range p.keys {
		if kk == k {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return p
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the parameter keys in insertion order.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Clone returns a deep copy of p.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	np := &Params{keys: make([]string, len(p.keys))}
	copy(np.keys, p.keys)
	if p.vals != nil {
		np.vals = make(map[string]paramValue, len(p.vals))
		for k, v := range p.vals {
			np.vals[k] = v
		}
	}
	return np
}

// Equal reports whether p and other contain the same key/value pairs,
// ignoring order (per RFC 3261 Section 19.1.4, parameter comparison for
// URI equality is order-independent but presence/value-sensitive).
func (p *Params) Equal(other *Params) bool {
	if p.Len() != other.Len() {
		return false
	}
	for _, k := range p.Keys() {
		v1, ok1 := p.Get(k)
		v2, ok2 := other.Get(k)
		if !ok1 || !ok2 || !strings.EqualFold(v1, v2) {
			return false
		}
	}
	return true
}

// WriteTo renders the parameters as ";key=value" or ";key" pairs, in
// insertion order, to sb.
func (p *Params) WriteTo(sb *strings.Builder) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		v := p.vals[k]
		sb.WriteByte(';')
		sb.WriteString(k)
		if v.has {
			sb.WriteByte('=')
			sb.WriteString(v.value)
		}
	}
}

// String renders the parameters as ";key=value" pairs.
func (p *Params) String() string {
	var sb strings.Builder
	p.WriteTo(&sb)
	return sb.String()
}
