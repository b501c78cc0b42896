package tu

import (
	"context"
	"testing"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transaction"
)

type recordingSingleShotDelegate struct {
	accepted []*message.Response
	rejected []*message.Response
	failed   []error
}

func (d *recordingSingleShotDelegate) OnAccept(resp *message.Response) {
	d.accepted = append(d.accepted, resp)
}
func (d *recordingSingleShotDelegate) OnReject(resp *message.Response) {
	d.rejected = append(d.rejected, resp)
}
func (d *recordingSingleShotDelegate) OnFailure(err error) {
	d.failed = append(d.failed, err)
}

var _ SingleShotDelegate = (*recordingSingleShotDelegate)(nil)

func TestSendMessage_OutOfDialogAcceptDelivers(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingSingleShotDelegate{}

	target := message.NewURI("bob.example.com")
	from := message.NewURI("alice.example.com")
	err := SendMessage(context.Background(), core, sink, nil, target, from, []byte("hi"), "text/plain", nil, delegate)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })

	req := sink.request(0)
	if req.Method != types.RequestMethodMessage {
		t.Fatalf("Method = %q, want MESSAGE", req.Method)
	}
	if req.Body == nil || string(req.Body.Content) != "hi" {
		t.Fatalf("Body = %v, want hi", req.Body)
	}

	resp := message.NewResponseFromRequest(req, 200, "OK")
	via, _ := req.TopVia()
	if err := core.HandleInboundResponse(context.Background(), resp, via.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}
	waitFor(t, func() bool { return len(delegate.accepted) == 1 })
}

func TestSendMessage_OutOfDialogRequiresTarget(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingSingleShotDelegate{}

	if err := SendMessage(context.Background(), core, sink, nil, nil, nil, []byte("hi"), "text/plain", nil, delegate); err == nil {
		t.Fatalf("SendMessage() error = nil, want an error for a missing target")
	}
}

func TestSendRefer_SetsReferToHeader(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingSingleShotDelegate{}

	target := message.NewURI("bob.example.com")
	from := message.NewURI("alice.example.com")
	referTarget := message.NewURI("carol.example.com")
	err := SendRefer(context.Background(), core, sink, nil, target, from, referTarget, nil, delegate)
	if err != nil {
		t.Fatalf("SendRefer() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })

	req := sink.request(0)
	if req.Method != types.RequestMethodRefer {
		t.Fatalf("Method = %q, want REFER", req.Method)
	}
	if v, ok := req.HeaderValue(message.HeaderReferTo); !ok || v != referTarget.String() {
		t.Fatalf("Refer-To = %q, want %q", v, referTarget.String())
	}
}

func TestHandleSingleShotServer_RespondsWithGivenStatus(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	req := message.NewOutgoingRequest(
		types.RequestMethodMessage,
		message.NewURI("alice.example.com"),
		message.NewURI("bob.example.com"),
		message.NewURI("alice.example.com"),
		message.OutgoingRequestOptions{},
	)
	via := message.NewViaHop("WSS", types.HostPort("66.66.66.66", 5070)).SetBranch(message.NewBranch())
	req.AddVia(via)

	sink := &fakeSink{}
	_, key, found, err := core.Transactions.MatchRequest(req)
	if err != nil || found {
		t.Fatalf("MatchRequest() = (found=%v, err=%v), want a fresh match", found, err)
	}
	tx := core.Transactions.NewServerTransaction(key, req, sink, noopTxDelegate{})

	if err := HandleSingleShotServer(context.Background(), tx.(*transaction.NonInviteServer), req, 200, "OK"); err != nil {
		t.Fatalf("HandleSingleShotServer() error = %v", err)
	}
	if sink.respCount() != 1 || sink.response(0).StatusCode != 200 {
		t.Fatalf("responses sent = %d, want a single 200", sink.respCount())
	}
}
