package uacore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/metrics"
	"github.com/sipstack/core/timer"
	"github.com/sipstack/core/transaction"
)

// fakeMetrics records every Collector call for assertions, standing in
// for a real metrics.Prometheus without registering global collectors
// from a test.
type fakeMetrics struct {
	mu        sync.Mutex
	received  []types.RequestMethod
	responses []types.ResponseStatus
	dropped   []string
}

var _ metrics.Collector = (*fakeMetrics)(nil)

func (m *fakeMetrics) RequestReceived(method types.RequestMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, method)
}

func (m *fakeMetrics) ResponseReceived(status types.ResponseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, status)
}

func (m *fakeMetrics) RequestDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

// fakeSink is an in-memory transaction.Sink double, mirroring the
// transaction package's own test helper since uacore has no access to
// unexported test-only helpers across package boundaries.
type fakeSink struct {
	mu        sync.Mutex
	requests  []*message.Request
	responses []*message.Response
}

var _ transaction.Sink = (*fakeSink)(nil)

func (s *fakeSink) SendRequest(_ context.Context, req *message.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSink) SendResponse(_ context.Context, resp *message.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *fakeSink) Reliable() bool                     { return true }
func (s *fakeSink) ViaTransport() types.TransportProto { return "WSS" }
func (s *fakeSink) ViaSentBy() types.Addr              { return types.HostPort("11.11.11.11", 5070) }

func (s *fakeSink) lastResponse() *message.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

func (s *fakeSink) respCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func fastProfile() timer.Profile {
	return timer.NewProfile(2*time.Millisecond, 8*time.Millisecond, 8*time.Millisecond)
}

func newCore(delegate ServerDelegate) *Core {
	return &Core{
		InstanceID:   "core-test-",
		Transactions: transaction.NewManager(fastProfile(), nil),
		Dialogs:      dialog.NewManager(nil),
		Delegate:     delegate,
	}
}

func newInboundInvite(t *testing.T, branch, callID string) *message.Request {
	t.Helper()
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallID: callID},
	)
	via := message.NewViaHop("WSS", types.HostPort("22.22.22.22", 5070)).SetBranch(branch)
	req.AddVia(via)
	req.SetContact(message.NewNameAddr(message.NewURI("alice.example.com")))
	return req
}

// recordingDelegate captures every ServerDelegate callback for
// assertions.
type recordingDelegate struct {
	mu           sync.Mutex
	invites      []*transaction.InviteServer
	cancels      []*transaction.InviteServer
	messages     []*transaction.NonInviteServer
	notifies     int
	refers       int
	registers    int
	subscribes   int
	ack2xxCalls  int
}

var _ ServerDelegate = (*recordingDelegate)(nil)

func (d *recordingDelegate) HandleInvite(_ context.Context, _ *message.Request, tx *transaction.InviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invites = append(d.invites, tx)
}

func (d *recordingDelegate) HandleCancel(_ context.Context, _ *message.Request, tx *transaction.InviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, tx)
}

func (d *recordingDelegate) HandleMessage(_ context.Context, _ *message.Request, tx *transaction.NonInviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, tx)
}

func (d *recordingDelegate) HandleNotify(_ context.Context, _ *message.Request, _ *transaction.NonInviteServer, _ bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifies++
}

func (d *recordingDelegate) HandleRefer(_ context.Context, _ *message.Request, _ *transaction.NonInviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refers++
}

func (d *recordingDelegate) HandleRegister(_ context.Context, _ *message.Request, _ *transaction.NonInviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers++
}

func (d *recordingDelegate) HandleSubscribe(_ context.Context, _ *message.Request, _ *transaction.NonInviteServer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribes++
}

func (d *recordingDelegate) HandleAck2xx(_ context.Context, _ *message.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ack2xxCalls++
}

func (d *recordingDelegate) inviteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invites)
}

func (d *recordingDelegate) cancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}
