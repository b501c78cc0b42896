package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/sipstack/core/internal/types"
)

func TestNonInviteClient_SendsRequestImmediately(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestRequest(t, types.RequestMethodRegister, "z9hG4bK-reg-1")

	tx := NewNonInviteClient(OutgoingClientKey(req, "z9hG4bK-reg-1"), req, sink, fastProfile(), delegate, nil)

	if got, want := tx.State(), StateTrying; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	if n := sink.reqCount(); n != 1 {
		t.Fatalf("reqCount() = %d, want 1", n)
	}
}

func TestNonInviteClient_FinalResponseCompletesThenTerminates(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestRequest(t, types.RequestMethodRegister, "z9hG4bK-reg-2")

	tx := NewNonInviteClient(OutgoingClientKey(req, "z9hG4bK-reg-2"), req, sink, fastProfile(), delegate, nil)
	ctx := context.Background()

	ok := responseTo(req, 200, "OK")
	if err := tx.dispatch(ctx, ok); err != nil {
		t.Fatalf("dispatch(200) error = %v", err)
	}
	if got, want := tx.State(), StateCompleted; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	if n := delegate.finalCount(); n != 1 {
		t.Fatalf("finalCount() = %d, want 1", n)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for tx.State() != StateTerminated && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got, want := tx.State(), StateTerminated; got != want {
		t.Fatalf("State() after timer K = %q, want %q", got, want)
	}
}

func TestNonInviteClient_ProvisionalStaysProceedingAndRetransmits(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestRequest(t, types.RequestMethodSubscribe, "z9hG4bK-sub-1")

	tx := NewNonInviteClient(OutgoingClientKey(req, "z9hG4bK-sub-1"), req, sink, fastProfile(), delegate, nil)
	ctx := context.Background()

	if err := tx.dispatch(ctx, responseTo(req, 100, "Trying")); err != nil {
		t.Fatalf("dispatch(100) error = %v", err)
	}
	if got, want := tx.State(), StateProceeding; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for sink.reqCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if n := sink.reqCount(); n < 2 {
		t.Fatalf("reqCount() = %d, want at least 2 (timer E retransmit while Proceeding)", n)
	}
}

func TestNonInviteClient_TimerFFiresTimeoutWhenNoResponse(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestRequest(t, types.RequestMethodOptions, "z9hG4bK-opt-1")

	tx := NewNonInviteClient(OutgoingClientKey(req, "z9hG4bK-opt-1"), req, sink, fastProfile(), delegate, nil)

	deadline := time.Now().Add(1 * time.Second)
	for tx.State() != StateTerminated && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got, want := tx.State(), StateTerminated; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	if delegate.timedOut != 1 {
		t.Fatalf("timedOut = %d, want 1", delegate.timedOut)
	}
}
