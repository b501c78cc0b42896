package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

// fakeSink is an in-memory Sink double: it records every rendered
// request/response it would have sent instead of touching a real
// transport.Transport.
type fakeSink struct {
	mu        sync.Mutex
	reliable  bool
	requests  []*message.Request
	responses []*message.Response
	sendErr   error
}

var _ Sink = (*fakeSink)(nil)

func (s *fakeSink) SendRequest(_ context.Context, req *message.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSink) SendResponse(_ context.Context, resp *message.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.responses = append(s.responses, resp)
	return nil
}

func (s *fakeSink) Reliable() bool { return s.reliable }

func (s *fakeSink) ViaTransport() types.TransportProto { return "WSS" }

func (s *fakeSink) ViaSentBy() types.Addr { return types.HostPort("11.11.11.11", 5070) }

func (s *fakeSink) reqCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSink) respCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *fakeSink) lastResponse() *message.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

// fastProfile compresses every RFC 3261 timer so tests run in
// milliseconds instead of the multi-second real defaults.
func fastProfile() timer.Profile {
	return timer.NewProfile(2*time.Millisecond, 8*time.Millisecond, 8*time.Millisecond)
}

// recordingClientDelegate captures every callback a client transaction
// delivers, for assertions in tests.
type recordingClientDelegate struct {
	mu            sync.Mutex
	provisionals  []*message.Response
	finals        []*message.Response
	transportErrs []error
	timedOut      int
}

var _ ClientDelegate = (*recordingClientDelegate)(nil)

func (d *recordingClientDelegate) OnProvisional(resp *message.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisionals = append(d.provisionals, resp)
}

func (d *recordingClientDelegate) OnFinal(resp *message.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finals = append(d.finals, resp)
}

func (d *recordingClientDelegate) OnTransportError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transportErrs = append(d.transportErrs, err)
}

func (d *recordingClientDelegate) OnTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timedOut++
}

func (d *recordingClientDelegate) finalCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.finals)
}

func (d *recordingClientDelegate) provisionalCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.provisionals)
}

// recordingServerDelegate captures every callback a server transaction
// delivers.
type recordingServerDelegate struct {
	mu            sync.Mutex
	acks          []*message.Request
	transportErrs []error
	timedOut      int
}

var _ ServerDelegate = (*recordingServerDelegate)(nil)

func (d *recordingServerDelegate) OnAck(req *message.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, req)
}

func (d *recordingServerDelegate) OnTransportError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transportErrs = append(d.transportErrs, err)
}

func (d *recordingServerDelegate) OnTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timedOut++
}

func (d *recordingServerDelegate) ackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.acks)
}

func newTestInvite(t *testing.T, branch string) *message.Request {
	t.Helper()
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallIDPrefix: "test-"},
	)
	via := message.NewViaHop("WSS", types.HostPort("11.11.11.11", 5070)).SetBranch(branch)
	req.AddVia(via)
	req.SetContact(message.NewNameAddr(message.NewURI("alice.example.com")))
	return req
}

func newTestRequest(t *testing.T, method types.RequestMethod, branch string) *message.Request {
	t.Helper()
	req := newTestInvite(t, branch)
	req.Method = method
	seq, _, _ := req.CSeq()
	req.SetCSeq(seq, method)
	return req
}

func responseTo(req *message.Request, status types.ResponseStatus, reason string) *message.Response {
	return message.NewResponseFromRequest(req, status, reason)
}
