package message_test

import (
	"bytes"
	"testing"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

func TestParseRequest_RoundTrip(t *testing.T) {
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{
			CallID: "roundtrip-call-id",
			CSeq:   1,
			Body:   &message.Body{ContentType: "application/sdp", Content: []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n")},
		},
	)
	req.AddVia(message.NewViaHop("WSS", types.HostPort("127.0.0.1", 5070)).SetBranch("z9hG4bK-roundtrip"))
	req.SetContact(message.NewNameAddr(message.NewURI("alice.example.com")))
	req.AddHeader(message.HeaderSupported, "replaces")
	req.AddExtraHeader("X-Trace-Id", "abc123")

	var buf bytes.Buffer
	if _, err := req.RenderTo(&buf); err != nil {
		t.Fatalf("RenderTo() error = %v", err)
	}

	got, err := message.ParseRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	if got.Method != req.Method {
		t.Errorf("Method = %q, want %q", got.Method, req.Method)
	}
	if !got.RequestURI.Equal(req.RequestURI) {
		t.Errorf("RequestURI = %q, want %q", got.RequestURI, req.RequestURI)
	}

	gotFrom, err := got.From()
	if err != nil {
		t.Fatalf("From() error = %v", err)
	}
	wantFrom, _ := req.From()
	if !gotFrom.URI.Equal(wantFrom.URI) {
		t.Errorf("From().URI = %q, want %q", gotFrom.URI, wantFrom.URI)
	}
	gotTag, _ := gotFrom.Tag()
	wantTag, _ := wantFrom.Tag()
	if gotTag != wantTag {
		t.Errorf("From tag = %q, want %q", gotTag, wantTag)
	}

	gotCallID, err := got.CallID()
	if err != nil {
		t.Fatalf("CallID() error = %v", err)
	}
	if gotCallID != "roundtrip-call-id" {
		t.Errorf("CallID() = %q, want roundtrip-call-id", gotCallID)
	}

	gotSeq, gotMethod, err := got.CSeq()
	if err != nil {
		t.Fatalf("CSeq() error = %v", err)
	}
	if gotSeq != 1 || gotMethod != types.RequestMethodInvite {
		t.Errorf("CSeq() = (%d, %q), want (1, INVITE)", gotSeq, gotMethod)
	}

	gotVia, err := got.TopVia()
	if err != nil {
		t.Fatalf("TopVia() error = %v", err)
	}
	if branch, ok := gotVia.Branch(); !ok || branch != "z9hG4bK-roundtrip" {
		t.Errorf("TopVia().Branch() = (%q, %v), want (z9hG4bK-roundtrip, true)", branch, ok)
	}

	if v, ok := got.HeaderValue(message.HeaderSupported); !ok || v != "replaces" {
		t.Errorf("Supported = (%q, %v), want (replaces, true)", v, ok)
	}

	if len(got.ExtraHeaders) != 1 || got.ExtraHeaders[0] != "X-Trace-Id: abc123" {
		t.Errorf("ExtraHeaders = %v, want [%q]", got.ExtraHeaders, "X-Trace-Id: abc123")
	}

	if got.Body == nil || string(got.Body.Content) != "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n" {
		t.Errorf("Body = %+v, want the original SDP content", got.Body)
	}
	if got.Body.ContentType != "application/sdp" {
		t.Errorf("Body.ContentType = %q, want application/sdp", got.Body.ContentType)
	}
}

func TestParseResponse_RoundTrip(t *testing.T) {
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallID: "resp-roundtrip"},
	)
	req.AddVia(message.NewViaHop("WSS", types.HostPort("127.0.0.1", 5070)).SetBranch("z9hG4bK-resp"))

	resp := message.NewResponseFromRequest(req, 200, "OK")
	to, _ := resp.To()
	to.SetTag("bob-tag")
	resp.SetTo(to)

	var buf bytes.Buffer
	if _, err := resp.RenderTo(&buf); err != nil {
		t.Fatalf("RenderTo() error = %v", err)
	}

	got, err := message.ParseResponse(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got.StatusCode != 200 || got.Reason != "OK" {
		t.Errorf("StatusCode/Reason = (%d, %q), want (200, OK)", got.StatusCode, got.Reason)
	}
	gotTo, err := got.To()
	if err != nil {
		t.Fatalf("To() error = %v", err)
	}
	if tag, _ := gotTo.Tag(); tag != "bob-tag" {
		t.Errorf("To tag = %q, want bob-tag", tag)
	}
}

func TestParse_LeadingCRLFKeepAliveIgnored(t *testing.T) {
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallID: "keepalive-noise"},
	)
	req.AddVia(message.NewViaHop("WSS", types.HostPort("127.0.0.1", 5070)).SetBranch("z9hG4bK-ka"))

	var buf bytes.Buffer
	buf.WriteString("\r\n\r\n")
	if _, err := req.RenderTo(&buf); err != nil {
		t.Fatalf("RenderTo() error = %v", err)
	}

	got, err := message.ParseRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if callID, _ := got.CallID(); callID != "keepalive-noise" {
		t.Errorf("CallID() = %q, want keepalive-noise", callID)
	}
}
