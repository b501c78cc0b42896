package transaction

import (
	"context"
	"testing"
	"time"
)

func TestInviteClient_SendsInviteImmediately(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestInvite(t, "z9hG4bK-invite-1")

	tx := NewInviteClient(OutgoingClientKey(req, "z9hG4bK-invite-1"), req, sink, fastProfile(), delegate, nil)

	if got, want := tx.State(), StateCalling; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	if n := sink.reqCount(); n != 1 {
		t.Fatalf("reqCount() = %d, want 1", n)
	}
}

func TestInviteClient_ProvisionalThenSuccessGoesAccepted(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestInvite(t, "z9hG4bK-invite-2")

	tx := NewInviteClient(OutgoingClientKey(req, "z9hG4bK-invite-2"), req, sink, fastProfile(), delegate, nil)
	ctx := context.Background()

	ringing := responseTo(req, 180, "Ringing")
	if err := tx.dispatch(ctx, ringing); err != nil {
		t.Fatalf("dispatch(180) error = %v", err)
	}
	if got, want := tx.State(), StateProceeding; got != want {
		t.Fatalf("State() after 180 = %q, want %q", got, want)
	}
	if n := delegate.provisionalCount(); n != 1 {
		t.Fatalf("provisionalCount() = %d, want 1", n)
	}

	ok := responseTo(req, 200, "OK")
	if err := tx.dispatch(ctx, ok); err != nil {
		t.Fatalf("dispatch(200) error = %v", err)
	}
	if got, want := tx.State(), StateAccepted; got != want {
		t.Fatalf("State() after 200 = %q, want %q", got, want)
	}
	if n := delegate.finalCount(); n != 1 {
		t.Fatalf("finalCount() = %d, want 1", n)
	}

	// a retransmitted 2xx is passed through again while Accepted, per RFC 6026.
	if err := tx.dispatch(ctx, ok.Clone()); err != nil {
		t.Fatalf("dispatch(200 retransmit) error = %v", err)
	}
	if n := delegate.finalCount(); n != 2 {
		t.Fatalf("finalCount() after retransmit = %d, want 2", n)
	}
}

func TestInviteClient_NonSuccessGeneratesAckAndRetransmitsUntilTimerD(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestInvite(t, "z9hG4bK-invite-3")

	tx := NewInviteClient(OutgoingClientKey(req, "z9hG4bK-invite-3"), req, sink, fastProfile(), delegate, nil)
	ctx := context.Background()

	notFound := responseTo(req, 404, "Not Found")
	if err := tx.dispatch(ctx, notFound); err != nil {
		t.Fatalf("dispatch(404) error = %v", err)
	}
	if got, want := tx.State(), StateCompleted; got != want {
		t.Fatalf("State() after 404 = %q, want %q", got, want)
	}
	if n := delegate.finalCount(); n != 1 {
		t.Fatalf("finalCount() = %d, want 1", n)
	}
	// INVITE + ACK have both been sent.
	if n := sink.reqCount(); n != 2 {
		t.Fatalf("reqCount() = %d, want 2", n)
	}

	// A retransmitted 404 must be re-ACKed without another TU callback.
	if err := tx.dispatch(ctx, notFound.Clone()); err != nil {
		t.Fatalf("dispatch(404 retransmit) error = %v", err)
	}
	if n := delegate.finalCount(); n != 1 {
		t.Fatalf("finalCount() after retransmit = %d, want still 1", n)
	}
	if n := sink.reqCount(); n != 3 {
		t.Fatalf("reqCount() after retransmit = %d, want 3", n)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for tx.State() != StateTerminated && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got, want := tx.State(), StateTerminated; got != want {
		t.Fatalf("State() after timer D = %q, want %q", got, want)
	}
}

func TestInviteClient_TimerBFiresTimeoutWhenNoResponse(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	delegate := &recordingClientDelegate{}
	req := newTestInvite(t, "z9hG4bK-invite-4")

	tx := NewInviteClient(OutgoingClientKey(req, "z9hG4bK-invite-4"), req, sink, fastProfile(), delegate, nil)

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
	if sink.reqCount() < 2 {
		t.Fatalf("reqCount() = %d, want at least 2 (retransmits via timer A)", sink.reqCount())
	}
}
