package dialog

import (
	"testing"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

func newInvite(t *testing.T) *message.Request {
	t.Helper()
	req := message.NewOutgoingRequest(
		types.RequestMethodInvite,
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.OutgoingRequestOptions{CallIDPrefix: "dlg-", FromTag: "alice-tag"},
	)
	req.AddHeader(message.HeaderRecordRoute, message.NewNameAddr(message.NewURI("proxy1.example.com")).String())
	req.AddHeader(message.HeaderRecordRoute, message.NewNameAddr(message.NewURI("proxy2.example.com")).String())
	req.SetContact(message.NewNameAddr(message.NewURI("alice.example.com")))
	return req
}

func responseWithTag(req *message.Request, status types.ResponseStatus, tag, contactHost string) *message.Response {
	resp := message.NewResponseFromRequest(req, status, "")
	to, _ := resp.To()
	to.SetTag(tag)
	resp.SetTo(to)
	resp.SetContact(message.NewNameAddr(message.NewURI(contactHost)))
	for _, v := range req.HeaderValues(message.HeaderRecordRoute) {
		resp.AddHeader(message.HeaderRecordRoute, v)
	}
	return resp
}

func TestManager_UACEarlyThenConfirmed(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)

	ringing := responseWithTag(req, 180, "bob-tag", "bob.example.com")
	d, created, err := m.OnUACResponse(req, ringing)
	if err != nil {
		t.Fatalf("OnUACResponse(180) error = %v", err)
	}
	if !created {
		t.Fatalf("OnUACResponse(180) created = false, want true")
	}
	if got, want := d.State(), StateEarly; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	if got := len(d.RouteSet()); got != 2 {
		t.Fatalf("RouteSet() len = %d, want 2", got)
	}
	// UAC role: route set is Record-Route reversed.
	rs := d.RouteSet()
	if rs[0].URI.Host.Host() != "proxy2.example.com" {
		t.Fatalf("RouteSet()[0] = %q, want proxy2.example.com (reversed)", rs[0].URI.Host.Host())
	}

	ok := responseWithTag(req, 200, "bob-tag", "bob.example.com")
	d2, created2, err := m.OnUACResponse(req, ok)
	if err != nil {
		t.Fatalf("OnUACResponse(200) error = %v", err)
	}
	if created2 {
		t.Fatalf("OnUACResponse(200) created = true, want false (same dialog)")
	}
	if d2 != d {
		t.Fatalf("OnUACResponse(200) returned a different dialog")
	}
	if got, want := d.State(), StateConfirmed; got != want {
		t.Fatalf("State() after 200 = %q, want %q", got, want)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

func TestManager_UACDirectTo200SkipsEarly(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)

	ok := responseWithTag(req, 200, "bob-tag", "bob.example.com")
	d, created, err := m.OnUACResponse(req, ok)
	if err != nil {
		t.Fatalf("OnUACResponse(200) error = %v", err)
	}
	if !created {
		t.Fatalf("created = false, want true")
	}
	if got, want := d.State(), StateConfirmed; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
}

func TestManager_ProvisionalWithoutToTagDoesNotCreateDialog(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)

	trying := message.NewResponseFromRequest(req, 100, "Trying")
	d, created, err := m.OnUACResponse(req, trying)
	if err != nil {
		t.Fatalf("OnUACResponse(100) error = %v", err)
	}
	if created || d != nil {
		t.Fatalf("OnUACResponse(100) should not create a dialog")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}
}

func TestDialog_LastUsageGoneDestroysDialog(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)
	ok := responseWithTag(req, 200, "bob-tag", "bob.example.com")
	d, _, err := m.OnUACResponse(req, ok)
	if err != nil {
		t.Fatalf("OnUACResponse() error = %v", err)
	}

	u1, u2 := &fakeUsage{}, &fakeUsage{}
	d.AddUsage(u1)
	d.AddUsage(u2)

	d.RemoveUsage(u1)
	if got, want := d.State(), StateConfirmed; got != want {
		t.Fatalf("State() after one usage removed = %q, want %q", got, want)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	d.RemoveUsage(u2)
	if got, want := d.State(), StateTerminated; got != want {
		t.Fatalf("State() after last usage removed = %q, want %q", got, want)
	}
	if u2.terminated {
		t.Fatalf("expected RemoveUsage's own usage to not receive Terminated callback")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 (dialog should be forgotten)", m.Count())
	}
}

func TestDialog_TerminateNotifiesRemainingUsages(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)
	ok := responseWithTag(req, 200, "bob-tag", "bob.example.com")
	d, _, err := m.OnUACResponse(req, ok)
	if err != nil {
		t.Fatalf("OnUACResponse() error = %v", err)
	}

	u := &fakeUsage{}
	d.AddUsage(u)
	d.Terminate()

	if !u.terminated {
		t.Fatalf("expected usage to be notified on Terminate()")
	}
}

func TestDialog_NewRequestIncrementsCSeqExceptForAck(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)
	invSeq, _, _ := req.CSeq()

	ok := responseWithTag(req, 200, "bob-tag", "bob.example.com")
	d, _, err := m.OnUACResponse(req, ok)
	if err != nil {
		t.Fatalf("OnUACResponse() error = %v", err)
	}

	ack := d.NewRequest(types.RequestMethodAck)
	ackSeq, _, _ := ack.CSeq()
	if ackSeq != invSeq {
		t.Fatalf("ACK CSeq = %d, want %d (reuse INVITE's)", ackSeq, invSeq)
	}

	bye := d.NewRequest(types.RequestMethodBye)
	byeSeq, _, _ := bye.CSeq()
	if byeSeq != invSeq+1 {
		t.Fatalf("BYE CSeq = %d, want %d", byeSeq, invSeq+1)
	}

	bye2 := d.NewRequest(types.RequestMethodBye)
	bye2Seq, _, _ := bye2.CSeq()
	if bye2Seq != invSeq+2 {
		t.Fatalf("second BYE CSeq = %d, want %d", bye2Seq, invSeq+2)
	}
}

func TestManager_UASRequestThenResponseConfirms(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)

	d, err := m.OnUASRequest(req, "bob-tag")
	if err != nil {
		t.Fatalf("OnUASRequest() error = %v", err)
	}
	if got, want := d.State(), StateEarly; got != want {
		t.Fatalf("State() = %q, want %q", got, want)
	}
	// UAS role: route set kept in Record-Route order, not reversed.
	rs := d.RouteSet()
	if len(rs) != 2 || rs[0].URI.Host.Host() != "proxy1.example.com" {
		t.Fatalf("RouteSet() = %v, want proxy1 first", rs)
	}

	if err := m.OnUASResponseSent(d, 200); err != nil {
		t.Fatalf("OnUASResponseSent() error = %v", err)
	}
	if got, want := d.State(), StateConfirmed; got != want {
		t.Fatalf("State() after 200 sent = %q, want %q", got, want)
	}
}

func TestDialog_CheckRemoteSeqRejectsOutOfOrder(t *testing.T) {
	m := NewManager(nil)
	req := newInvite(t)
	if _, err := m.OnUASRequest(req, "bob-tag"); err != nil {
		t.Fatalf("OnUASRequest() error = %v", err)
	}

	// An in-dialog request from the peer carries the local tag in To.
	to, _ := req.To()
	to.SetTag("bob-tag")
	req.SetTo(to)
	d, ok := m.Lookup(&req.Message, false)
	if !ok {
		t.Fatalf("Lookup() found = false, want true")
	}

	if err := d.CheckRemoteSeq(types.RequestMethodInvite, 2); err != nil {
		t.Fatalf("CheckRemoteSeq(2) error = %v", err)
	}
	if err := d.CheckRemoteSeq(types.RequestMethodInvite, 2); err == nil {
		t.Fatalf("CheckRemoteSeq(2) again: error = nil, want error (replay)")
	}
	if err := d.CheckRemoteSeq(types.RequestMethodInvite, 1); err == nil {
		t.Fatalf("CheckRemoteSeq(1): error = nil, want error (out of order)")
	}
	if err := d.CheckRemoteSeq(types.RequestMethodAck, 1); err != nil {
		t.Fatalf("CheckRemoteSeq(ACK, 1) error = %v, want nil (ACK exempt)", err)
	}
}

type fakeUsage struct {
	terminated bool
}

func (u *fakeUsage) Terminated() { u.terminated = true }
