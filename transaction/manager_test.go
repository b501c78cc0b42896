package transaction

import (
	"testing"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

func TestManager_NewClientTransactionStampsBranchAndRegisters(t *testing.T) {
	t.Parallel()

	m := NewManager(fastProfile(), nil)
	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}

	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallIDPrefix: "mgr-"},
	)

	tx, err := m.NewClientTransaction(req, sink, delegate)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v", err)
	}

	via, err := req.TopVia()
	if err != nil {
		t.Fatalf("req.TopVia() error = %v", err)
	}
	branch, ok := via.Branch()
	if !ok || branch == "" {
		t.Fatalf("expected a branch to be stamped, got %q", branch)
	}

	resp := responseTo(req, 200, "OK")
	matched, found, err := m.MatchResponse(resp)
	if err != nil {
		t.Fatalf("MatchResponse() error = %v", err)
	}
	if !found {
		t.Fatalf("MatchResponse() found = false, want true")
	}
	if matched.Key() != tx.Key() {
		t.Fatalf("MatchResponse() key = %q, want %q", matched.Key(), tx.Key())
	}
}

func TestManager_MatchRequestMissesUntilRegistered(t *testing.T) {
	t.Parallel()

	m := NewManager(fastProfile(), nil)
	sink := &fakeSink{}
	delegate := &recordingServerDelegate{}

	req := newTestInvite(t, "z9hG4bK-mgr-srv-1")

	_, key, found, err := m.MatchRequest(req)
	if err != nil {
		t.Fatalf("MatchRequest() error = %v", err)
	}
	if found {
		t.Fatalf("MatchRequest() found = true before registration, want false")
	}
	tx := m.NewServerTransaction(key, req, sink, delegate)

	matched, matchedKey, found, err := m.MatchRequest(req.Clone())
	if err != nil {
		t.Fatalf("MatchRequest() error = %v", err)
	}
	if !found {
		t.Fatalf("MatchRequest() found = false after registration, want true")
	}
	if matched.Key() != tx.Key() || matchedKey != tx.Key() {
		t.Fatalf("MatchRequest() key = %q, want %q", matchedKey, tx.Key())
	}
}

func TestManager_ForgetRemovesTransaction(t *testing.T) {
	t.Parallel()

	m := NewManager(fastProfile(), nil)
	sink := &fakeSink{}
	delegate := &recordingServerDelegate{}

	req := newTestInvite(t, "z9hG4bK-mgr-srv-2")
	key, _ := ServerKey(req)
	tx := m.NewServerTransaction(key, req, sink, delegate)
	tx.Terminate()

	m.Forget(key, true)

	if _, _, found, err := m.MatchRequest(req); err != nil {
		t.Fatalf("MatchRequest() error = %v", err)
	} else if found {
		t.Fatalf("MatchRequest() found = true after Forget, want false")
	}
}
