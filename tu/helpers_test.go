package tu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/uacore"
)

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
func (s *fakeSink) ViaSentBy() types.Addr              { return types.HostPort("33.33.33.33", 5070) }

func (s *fakeSink) request(i int) *message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *fakeSink) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSink) respCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *fakeSink) response(i int) *message.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[i]
}

func fastProfile() timer.Profile {
	return timer.NewProfile(2*time.Millisecond, 8*time.Millisecond, 8*time.Millisecond)
}

func newTestCore() *uacore.Core {
	return &uacore.Core{
		InstanceID:   "tu-test-",
		Transactions: transaction.NewManager(fastProfile(), nil),
		Dialogs:      dialog.NewManager(nil),
		Delegate:     noopServerDelegate{},
	}
}

type noopServerDelegate struct{}

func (noopServerDelegate) HandleInvite(context.Context, *message.Request, *transaction.InviteServer)       {}
func (noopServerDelegate) HandleCancel(context.Context, *message.Request, *transaction.InviteServer)       {}
func (noopServerDelegate) HandleMessage(context.Context, *message.Request, *transaction.NonInviteServer)   {}
func (noopServerDelegate) HandleNotify(context.Context, *message.Request, *transaction.NonInviteServer, bool) {}
func (noopServerDelegate) HandleRefer(context.Context, *message.Request, *transaction.NonInviteServer)     {}
func (noopServerDelegate) HandleRegister(context.Context, *message.Request, *transaction.NonInviteServer)  {}
func (noopServerDelegate) HandleSubscribe(context.Context, *message.Request, *transaction.NonInviteServer) {}
func (noopServerDelegate) HandleAck2xx(context.Context, *message.Request)                                  {}

var _ uacore.ServerDelegate = noopServerDelegate{}

// fakeSDH is a SessionDescriptionHandler double that echoes a fixed
// local description and records whatever remote description it is
// asked to apply.
type fakeSDH struct {
	mu            sync.Mutex
	localBody     []byte
	remoteApplied [][]byte
	rolledBack    int
	failGet       error
	unstable      bool
}

func (h *fakeSDH) GetDescription(remoteOffer []byte, _ string) ([]byte, string, error) {
	if h.failGet != nil {
		return nil, "", h.failGet
	}
	return h.localBody, "application/sdp", nil
}

func (h *fakeSDH) SetDescription(remoteDescription []byte, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteApplied = append(h.remoteApplied, remoteDescription)
	return nil
}

func (h *fakeSDH) RollbackDescription() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolledBack++
	return nil
}

func (h *fakeSDH) Stable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unstable
}

var _ SessionDescriptionHandler = (*fakeSDH)(nil)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not satisfied within deadline")
	}
}
