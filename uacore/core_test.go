package uacore

import (
	"context"
	"testing"
	"time"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

func TestHandleInboundRequest_NewInviteDispatches(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-1", "call-1")

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}
	if delegate.inviteCount() != 1 {
		t.Fatalf("inviteCount() = %d, want 1", delegate.inviteCount())
	}
}

func TestHandleInboundRequest_RecordsMetricsForAcceptedAndDroppedRequests(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	fm := &fakeMetrics{}
	core.Metrics = fm
	sink := &fakeSink{}

	accepted := newInboundInvite(t, "z9hG4bK-metrics-1", "call-metrics-1")
	if err := core.HandleInboundRequest(context.Background(), accepted, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}

	looped := newInboundInvite(t, "z9hG4bK-metrics-2", core.InstanceID+"looped-back")
	if err := core.HandleInboundRequest(context.Background(), looped, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.received) != 1 || fm.received[0] != types.RequestMethodInvite {
		t.Fatalf("received = %v, want one INVITE", fm.received)
	}
	if len(fm.dropped) != 1 || fm.dropped[0] != "self_loop" {
		t.Fatalf("dropped = %v, want one self_loop", fm.dropped)
	}
}

func TestHandleInboundRequest_SelfLoopRejected(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-2", core.InstanceID+"looped-back")

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}
	if delegate.inviteCount() != 0 {
		t.Fatalf("inviteCount() = %d, want 0 (self-loop should not dispatch)", delegate.inviteCount())
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 482 {
		t.Fatalf("expected stateless 482, got %v", resp)
	}
}

func TestHandleInboundRequest_BadContentLengthRejected(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-3", "call-3")
	req.SetHeader(message.HeaderContentLength, "10")

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected stateless 400, got %v", resp)
	}
}

func TestHandleInboundRequest_UnmatchedCancelGets481(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-4", "call-4")
	req.Method = types.RequestMethodCancel

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest() error = %v", err)
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 481 {
		t.Fatalf("expected stateless 481, got %v", resp)
	}
	if delegate.cancelCount() != 0 {
		t.Fatalf("cancelCount() = %d, want 0", delegate.cancelCount())
	}
}

func TestHandleInboundRequest_MatchedCancelRespondsAndNotifies(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	invite := newInboundInvite(t, "z9hG4bK-5", "call-5")

	if err := core.HandleInboundRequest(context.Background(), invite, sink); err != nil {
		t.Fatalf("HandleInboundRequest(INVITE) error = %v", err)
	}
	if delegate.inviteCount() != 1 {
		t.Fatalf("inviteCount() = %d, want 1", delegate.inviteCount())
	}

	cancel := invite.Clone()
	cancel.Method = types.RequestMethodCancel
	seq, _, _ := invite.CSeq()
	cancel.SetCSeq(seq, types.RequestMethodCancel)

	if err := core.HandleInboundRequest(context.Background(), cancel, sink); err != nil {
		t.Fatalf("HandleInboundRequest(CANCEL) error = %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for delegate.cancelCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if delegate.cancelCount() != 1 {
		t.Fatalf("cancelCount() = %d, want 1", delegate.cancelCount())
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 200 {
		t.Fatalf("expected 200 to the CANCEL itself, got %v", resp)
	}
}

func TestHandleInboundRequest_Ack2xxMissRoutesToDelegate(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	ack := newInboundInvite(t, "z9hG4bK-6", "call-6")
	ack.Method = types.RequestMethodAck

	if err := core.HandleInboundRequest(context.Background(), ack, sink); err != nil {
		t.Fatalf("HandleInboundRequest(ACK) error = %v", err)
	}
	if delegate.ack2xxCalls != 1 {
		t.Fatalf("ack2xxCalls = %d, want 1", delegate.ack2xxCalls)
	}
	if sink.respCount() != 0 {
		t.Fatalf("respCount() = %d, want 0 (no stateless or transactional response for a 2xx ACK)", sink.respCount())
	}
}

func TestHandleInboundRequest_ReferRejectedWhenDisallowed(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-7", "call-7")
	req.Method = types.RequestMethodRefer
	seq, _, _ := req.CSeq()
	req.SetCSeq(seq, types.RequestMethodRefer)

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest(REFER) error = %v", err)
	}
	if delegate.refers != 0 {
		t.Fatalf("refers = %d, want 0", delegate.refers)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for sink.respCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 405 {
		t.Fatalf("expected 405, got %v", resp)
	}
}

func TestHandleInboundRequest_UnknownMethodGets501ByDefault(t *testing.T) {
	t.Parallel()

	delegate := &recordingDelegate{}
	core := newCore(delegate)
	sink := &fakeSink{}
	req := newInboundInvite(t, "z9hG4bK-8", "call-8")
	req.Method = types.RequestMethodUpdate
	seq, _, _ := req.CSeq()
	req.SetCSeq(seq, types.RequestMethodUpdate)

	if err := core.HandleInboundRequest(context.Background(), req, sink); err != nil {
		t.Fatalf("HandleInboundRequest(UPDATE) error = %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for sink.respCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	resp := sink.lastResponse()
	if resp == nil || resp.StatusCode != 501 {
		t.Fatalf("expected 501, got %v", resp)
	}
}
