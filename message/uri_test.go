package message_test

import (
	"testing"

	"github.com/sipstack/core/message"
)

func mustParseURI(t *testing.T, s string) *message.URI {
	t.Helper()
	u, err := message.ParseURI(s)
	if err != nil {
		t.Fatalf("ParseURI(%q) error = %v", s, err)
	}
	return u
}

func TestURI_Equal_IdenticalURIsMatch(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com;transport=tcp")
	b := mustParseURI(t, "sip:alice@atlanta.com;transport=tcp")
	if !a.Equal(b) {
		t.Fatalf("Equal() = false for identical URIs %q and %q", a, b)
	}
}

func TestURI_Equal_HostCaseInsensitive(t *testing.T) {
	a := mustParseURI(t, "sip:alice@ATLANTA.com")
	b := mustParseURI(t, "sip:alice@atlanta.com")
	if !a.Equal(b) {
		t.Fatalf("Equal() = false, want true: host comparison must be case-insensitive")
	}
}

func TestURI_Equal_ParamOrderDoesNotMatter(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com;transport=tcp;lr")
	b := mustParseURI(t, "sip:alice@atlanta.com;lr;transport=tcp")
	if !a.Equal(b) {
		t.Fatalf("Equal() = false, want true: parameter order must not affect equality")
	}
}

func TestURI_Equal_DifferentSchemeMismatches(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com")
	b := mustParseURI(t, "sips:alice@atlanta.com")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: sip and sips are different schemes")
	}
}

func TestURI_Equal_DifferentUserMismatches(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com")
	b := mustParseURI(t, "sip:bob@atlanta.com")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: different userinfo")
	}
}

func TestURI_Equal_DifferentPortMismatches(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com:5060")
	b := mustParseURI(t, "sip:alice@atlanta.com:5070")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: different ports")
	}
}

func TestURI_Equal_MissingPortMismatchesExplicitPort(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com")
	b := mustParseURI(t, "sip:alice@atlanta.com:5060")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: an absent port is not the same as an explicit default port")
	}
}

func TestURI_Equal_ExtraParamOnOneSideMismatches(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com;transport=tcp")
	b := mustParseURI(t, "sip:alice@atlanta.com")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: a parameter present on only one side must break equality")
	}
}

func TestURI_Equal_HeadersMustMatchAsASet(t *testing.T) {
	a := mustParseURI(t, "sip:alice@atlanta.com?subject=project")
	b := mustParseURI(t, "sip:alice@atlanta.com?subject=other")
	if a.Equal(b) {
		t.Fatalf("Equal() = true, want false: differing header values must break equality")
	}
}

func TestURI_Equal_NilHandling(t *testing.T) {
	var a, b *message.URI
	if !a.Equal(b) {
		t.Fatalf("Equal() = false, want true: two nil URIs are equal")
	}
	c := mustParseURI(t, "sip:alice@atlanta.com")
	if a.Equal(c) || c.Equal(a) {
		t.Fatalf("Equal() = true, want false: nil is never equal to a non-nil URI")
	}
}
