package uacore

import (
	"context"
	"testing"

	"github.com/sipstack/core/dns"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

func TestResolveTarget_ExplicitPortSkipsSRV(t *testing.T) {
	t.Parallel()

	uri := message.NewURI("127.0.0.1")
	uri.Host = types.HostPort("127.0.0.1", 5070)

	target, err := ResolveTarget(context.Background(), dns.DefaultResolver(), uri, "UDP")
	if err != nil {
		t.Fatalf("ResolveTarget() error = %v", err)
	}
	if target.Addr.Host() != "127.0.0.1" {
		t.Fatalf("Addr.Host() = %q, want 127.0.0.1", target.Addr.Host())
	}
	if port, ok := target.Addr.Port(); !ok || port != 5070 {
		t.Fatalf("Addr.Port() = %d,%v, want 5070,true", port, ok)
	}
}

func TestResolveTarget_UsesURITransportParam(t *testing.T) {
	t.Parallel()

	uri := message.NewURI("127.0.0.1")
	uri.Host = types.HostPort("127.0.0.1", 5061)
	uri.Params.Set("transport", "tls")

	target, err := ResolveTarget(context.Background(), dns.DefaultResolver(), uri, "UDP")
	if err != nil {
		t.Fatalf("ResolveTarget() error = %v", err)
	}
	if target.Proto != "TLS" {
		t.Fatalf("Proto = %q, want TLS", target.Proto)
	}
}

func TestSendRequest_ResolverFailureReportsFailureWithoutSending(t *testing.T) {
	t.Parallel()

	core := newCore(&recordingDelegate{})
	core.Resolver = dns.DefaultResolver()
	sink := &fakeSink{}
	req := newOutboundInvite(t)
	req.RequestURI = message.NewURI("bob.invalid.example.invalid")
	delegate := &recordingResponseDelegate{}

	if err := core.SendRequest(context.Background(), req, sink, nil, delegate); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if len(sink.requests) != 0 {
		t.Fatalf("sink.requests = %d, want 0 (resolution should have failed first)", len(sink.requests))
	}
	if len(delegate.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(delegate.failed))
	}
}

func TestSendRequest_ResolverSuccessStillSendsOverSink(t *testing.T) {
	t.Parallel()

	core := newCore(&recordingDelegate{})
	core.Resolver = dns.DefaultResolver()
	sink := &fakeSink{}
	req := newOutboundInvite(t)
	req.RequestURI = message.NewURI("127.0.0.1")
	req.RequestURI.Host = types.HostPort("127.0.0.1", 5070)
	delegate := &recordingResponseDelegate{}

	if err := core.SendRequest(context.Background(), req, sink, nil, delegate); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if len(sink.requests) != 1 {
		t.Fatalf("sink.requests = %d, want 1", len(sink.requests))
	}
}
