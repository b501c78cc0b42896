package tu

import (
	"context"
	"testing"
	"time"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

type recordingPublisherDelegate struct {
	published   []time.Duration
	unpublished int
	failed      []types.ResponseStatus
}

func (d *recordingPublisherDelegate) OnPublished(expires time.Duration) {
	d.published = append(d.published, expires)
}
func (d *recordingPublisherDelegate) OnUnpublished() { d.unpublished++ }
func (d *recordingPublisherDelegate) OnFailed(status types.ResponseStatus, _ string) {
	d.failed = append(d.failed, status)
}

var _ PublisherDelegate = (*recordingPublisherDelegate)(nil)

func newPublisherOpts() PublisherOptions {
	return PublisherOptions{
		Target:    message.NewURI("presence.example.com"),
		FromURI:   message.NewURI("alice@example.com"),
		EventType: "presence",
		Expires:   3600 * time.Second,
	}
}

func TestPublisher_AcceptCapturesETagAndSchedulesRefresh(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingPublisherDelegate{}
	pub := NewPublisher(core, sink, newPublisherOpts(), delegate, nil, nil)

	if err := pub.Publish(context.Background(), []byte("<presence/>"), "application/pidf+xml"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })

	req := sink.request(0)
	if req.Method != types.RequestMethodPublish {
		t.Fatalf("Method = %q, want PUBLISH", req.Method)
	}
	if v, ok := req.HeaderValue(message.HeaderSIPIfMatch); ok {
		t.Fatalf("SIP-If-Match = %q, want absent on initial PUBLISH", v)
	}

	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.SetHeader(message.HeaderExpires, "1800")
	resp.SetHeader(message.HeaderSIPETag, "abc123")
	via, _ := req.TopVia()
	if err := core.HandleInboundResponse(context.Background(), resp, via.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}

	waitFor(t, func() bool { return len(delegate.published) == 1 })
	if delegate.published[0] != 1800*time.Second {
		t.Fatalf("published expires = %v, want 1800s", delegate.published[0])
	}
	if pub.State() != PublicationPublished {
		t.Fatalf("State() = %v, want Published", pub.State())
	}
	if pub.etag != "abc123" {
		t.Fatalf("etag = %q, want abc123", pub.etag)
	}
}

func TestPublisher_412DropsETagAndResubmits(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingPublisherDelegate{}
	pub := NewPublisher(core, sink, newPublisherOpts(), delegate, nil, nil)
	pub.etag = "stale-etag"

	if err := pub.Publish(context.Background(), []byte("<presence/>"), "application/pidf+xml"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })

	first := sink.request(0)
	if v, _ := first.HeaderValue(message.HeaderSIPIfMatch); v != "stale-etag" {
		t.Fatalf("SIP-If-Match = %q, want stale-etag", v)
	}
	conflict := message.NewResponseFromRequest(first, 412, "Conditional Request Failed")
	via, _ := first.TopVia()
	if err := core.HandleInboundResponse(context.Background(), conflict, via.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}

	waitFor(t, func() bool { return sink.requestCount() == 2 })
	retry := sink.request(1)
	if v, ok := retry.HeaderValue(message.HeaderSIPIfMatch); ok {
		t.Fatalf("retry SIP-If-Match = %q, want dropped", v)
	}

	ok := message.NewResponseFromRequest(retry, 200, "OK")
	ok.SetHeader(message.HeaderExpires, "3600")
	ok.SetHeader(message.HeaderSIPETag, "fresh-etag")
	retryVia, _ := retry.TopVia()
	if err := core.HandleInboundResponse(context.Background(), ok, retryVia.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}
	waitFor(t, func() bool { return len(delegate.published) == 1 })
	if sink.requestCount() != 2 {
		t.Fatalf("sink.requestCount() = %d, want 2 (no further retries)", sink.requestCount())
	}
}

func TestPublisher_ScheduledRefreshCarriesNoBody(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingPublisherDelegate{}
	opts := newPublisherOpts()
	opts.Expires = 40 * time.Millisecond
	pub := NewPublisher(core, sink, opts, delegate, nil, nil)

	if err := pub.Publish(context.Background(), []byte("<presence/>"), "application/pidf+xml"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })

	req := sink.request(0)
	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.SetHeader(message.HeaderSIPETag, "abc123")
	via, _ := req.TopVia()
	if err := core.HandleInboundResponse(context.Background(), resp, via.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}
	waitFor(t, func() bool { return len(delegate.published) == 1 })

	// the response carried no Expires, so granted falls back to the
	// requested 40ms; wait past 90% of that for the refresh to fire.
	waitFor(t, func() bool { return sink.requestCount() == 2 })

	refresh := sink.request(1)
	if v, ok := refresh.HeaderValue(message.HeaderSIPIfMatch); !ok || v != "abc123" {
		t.Fatalf("refresh SIP-If-Match = %q,%v, want abc123,true", v, ok)
	}
	if refresh.Body != nil {
		t.Fatalf("refresh Body = %+v, want nil", refresh.Body)
	}
}

func TestPublisher_RemoveTerminates(t *testing.T) {
	t.Parallel()

	core := newTestCore()
	sink := &fakeSink{}
	delegate := &recordingPublisherDelegate{}
	pub := NewPublisher(core, sink, newPublisherOpts(), delegate, nil, nil)

	if err := pub.Publish(context.Background(), []byte("<presence/>"), "application/pidf+xml"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 1 })
	req := sink.request(0)
	ok := message.NewResponseFromRequest(req, 200, "OK")
	ok.SetHeader(message.HeaderExpires, "3600")
	ok.SetHeader(message.HeaderSIPETag, "abc123")
	via, _ := req.TopVia()
	if err := core.HandleInboundResponse(context.Background(), ok, via.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}
	waitFor(t, func() bool { return pub.State() == PublicationPublished })

	if err := pub.Remove(context.Background()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	waitFor(t, func() bool { return sink.requestCount() == 2 })
	removeReq := sink.request(1)
	if v, _ := removeReq.HeaderValue(message.HeaderExpires); v != "0" {
		t.Fatalf("remove Expires = %q, want 0", v)
	}

	removeVia, _ := removeReq.TopVia()
	removeOK := message.NewResponseFromRequest(removeReq, 200, "OK")
	if err := core.HandleInboundResponse(context.Background(), removeOK, removeVia.SentBy); err != nil {
		t.Fatalf("HandleInboundResponse() error = %v", err)
	}
	waitFor(t, func() bool { return delegate.unpublished == 1 })
	waitFor(t, func() bool { return pub.State() == PublicationTerminated })
}
