package tu

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
	"github.com/sipstack/core/transaction"
	"github.com/sipstack/core/uacore"
)

// PublicationState is a Publisher's position in its lifecycle.
type PublicationState string

const (
	PublicationInitial     PublicationState = "Initial"
	PublicationPublished   PublicationState = "Published"
	PublicationUnpublished PublicationState = "Unpublished"
	PublicationTerminated  PublicationState = "Terminated"
)

const (
	evtPubPublished   = "published"
	evtPubUnpublished = "unpublished"
	evtPubTerminate   = "terminate"
)

// PublisherDelegate receives a Publisher's lifecycle callbacks.
type PublisherDelegate interface {
	OnPublished(expires time.Duration)
	OnUnpublished()
	OnFailed(status types.ResponseStatus, reason string)
}

// PublisherOptions configures a Publisher per spec.md Section 4.7's
// Publisher paragraph.
type PublisherOptions struct {
	Target    *message.URI
	FromURI   *message.URI
	EventType string
	Expires   time.Duration
}

// Publisher is the RFC 3903 PUBLISH client TU: it owns publishing and
// refreshing an event-state document identified by a server-issued
// SIP-ETag, and reacts to 412/423 the way spec.md's Publisher paragraph
// describes.
type Publisher struct {
	core  *uacore.Core
	sink  transaction.Sink
	opts  PublisherOptions
	creds uacore.CredentialSource

	delegate PublisherDelegate
	guard    guard
	fsm      *stateless.StateMachine

	callID       string
	cseq         uint32
	etag         string
	refreshTimer timer.Handle

	log *slog.Logger
}

// NewPublisher constructs a Publisher against opts.
func NewPublisher(core *uacore.Core, sink transaction.Sink, opts PublisherOptions, delegate PublisherDelegate, creds uacore.CredentialSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = log.Def
	}
	p := &Publisher{
		core: core, sink: sink, opts: opts, creds: creds,
		delegate: delegate, log: logger,
		callID: message.NewCallID("publish-"),
	}
	p.fsm = stateless.NewStateMachine(PublicationInitial)
	p.fsm.Configure(PublicationInitial).
		Permit(evtPubPublished, PublicationPublished).
		Permit(evtPubUnpublished, PublicationUnpublished).
		Permit(evtPubTerminate, PublicationTerminated)
	p.fsm.Configure(PublicationPublished).
		PermitReentry(evtPubPublished).
		Permit(evtPubUnpublished, PublicationUnpublished).
		Permit(evtPubTerminate, PublicationTerminated)
	p.fsm.Configure(PublicationUnpublished).
		Permit(evtPubTerminate, PublicationTerminated)
	p.fsm.Configure(PublicationTerminated)
	return p
}

func (p *Publisher) State() PublicationState {
	st, _ := p.fsm.State(context.Background())
	return st.(PublicationState) //nolint:forcetypeassert
}

// Publish sends the initial PUBLISH or a refresh with the given body.
func (p *Publisher) Publish(ctx context.Context, body []byte, contentType string) error {
	return errtrace.Wrap(p.send(ctx, body, contentType, p.opts.Expires, false))
}

// Remove sends an Expires: 0 PUBLISH removing the published state.
func (p *Publisher) Remove(ctx context.Context) error {
	switch p.State() {
	case PublicationUnpublished, PublicationTerminated:
		return nil
	}
	return errtrace.Wrap(p.send(ctx, nil, "", 0, true))
}

// Dispose removes the publication if currently Published, then
// terminates.
func (p *Publisher) Dispose(ctx context.Context) error {
	p.refreshTimer.Cancel()
	if p.State() != PublicationPublished {
		return errtrace.Wrap(fireGuarded(ctx, &p.guard, p.fsm, "Publisher", evtPubTerminate))
	}
	return errtrace.Wrap(p.send(ctx, nil, "", 0, true))
}

func (p *Publisher) buildRequest(expires time.Duration, body []byte, contentType string) *message.Request {
	req := message.NewOutgoingRequest(
		types.RequestMethodPublish, p.opts.Target, p.opts.FromURI, p.opts.Target,
		message.OutgoingRequestOptions{CallID: p.callID, CSeq: p.nextCSeq()},
	)
	req.SetHeader(message.HeaderEvent, p.opts.EventType)
	req.SetHeader(message.HeaderExpires, strconv.FormatInt(int64(expires/time.Second), 10))
	if p.etag != "" {
		req.SetHeader(message.HeaderSIPIfMatch, p.etag)
	}
	if body != nil {
		req.Body = &message.Body{ContentType: contentType, Content: body}
	}
	return req
}

func (p *Publisher) send(ctx context.Context, body []byte, contentType string, expires time.Duration, remove bool) error {
	req := p.buildRequest(expires, body, contentType)
	delegate := &publishResponseAdapter{
		p: p, sentExpires: expires, remove: remove,
		body: body, contentType: contentType,
	}
	return errtrace.Wrap(p.core.SendRequest(ctx, req, p.sink, p.creds, delegate))
}

func (p *Publisher) nextCSeq() uint32 {
	p.cseq++
	return p.cseq
}

// scheduleRefresh arms a timer at 90% of granted that resends the
// publication with SIP-If-Match and no body, per RFC 3903 Section
// 4.1: a refresh confirms the existing event state is still current,
// it does not replace it, so the original document is not repeated on
// the wire.
func (p *Publisher) scheduleRefresh(ctx context.Context, granted time.Duration) {
	if granted <= 0 {
		return
	}
	d := time.Duration(float64(granted) * 0.9)
	timer.Start(&p.refreshTimer, "publisher-refresh", d, func() {
		if err := p.refresh(ctx); err != nil {
			p.log.Warn("publication refresh failed", "error", err)
		}
	})
}

func (p *Publisher) refresh(ctx context.Context) error {
	return errtrace.Wrap(p.send(ctx, nil, "", p.opts.Expires, false))
}

// publishResponseAdapter implements uacore.ResponseDelegate for one
// outstanding PUBLISH, handling the 412/423 recovery paths spec.md's
// Publisher paragraph calls out.
type publishResponseAdapter struct {
	p           *Publisher
	sentExpires time.Duration
	remove      bool
	body        []byte
	contentType string
	retried423  bool
	retried412  bool
}

func (a *publishResponseAdapter) OnTrying()                    {}
func (a *publishResponseAdapter) OnProgress(*message.Response) {}
func (a *publishResponseAdapter) OnRedirect(*message.Response) {}

func (a *publishResponseAdapter) OnAccept(resp *message.Response) {
	p := a.p

	if a.remove {
		p.etag = ""
		if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubUnpublished); err != nil {
			p.log.Warn("unpublished transition rejected", "error", err)
		}
		p.delegate.OnUnpublished()
		if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubTerminate); err != nil {
			p.log.Warn("terminate transition rejected", "error", err)
		}
		return
	}

	if etag, ok := resp.HeaderValue(message.HeaderSIPETag); ok {
		p.etag = etag
	} else {
		p.log.Warn("2xx to PUBLISH carried no SIP-ETag")
	}

	granted := a.sentExpires
	if v, ok := resp.HeaderValue(message.HeaderExpires); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			g := time.Duration(secs) * time.Second
			if g < granted || granted == 0 {
				granted = g
			}
		}
	}

	if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubPublished); err != nil {
		p.log.Warn("published transition rejected", "error", err)
	}
	p.scheduleRefresh(context.Background(), granted)
	p.delegate.OnPublished(granted)
}

func (a *publishResponseAdapter) OnReject(resp *message.Response) {
	p := a.p

	if int(resp.StatusCode) == 412 && !a.remove && !a.retried412 {
		a.retried412 = true
		p.etag = ""
		req := p.buildRequest(a.sentExpires, a.body, a.contentType)
		if err := p.core.SendRequest(context.Background(), req, p.sink, p.creds, a); err != nil {
			p.delegate.OnFailed(resp.StatusCode, resp.Reason)
		}
		return
	}
	if int(resp.StatusCode) == 412 && a.remove {
		p.etag = ""
		if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubTerminate); err != nil {
			p.log.Warn("terminate transition rejected", "error", err)
		}
		return
	}

	if int(resp.StatusCode) == 423 && !a.retried423 {
		if v, ok := resp.HeaderValue(message.HeaderMinExpires); ok {
			if secs, err := strconv.Atoi(v); err == nil {
				a.retried423 = true
				a.sentExpires = time.Duration(secs) * time.Second
				req := p.buildRequest(a.sentExpires, a.body, a.contentType)
				if err := p.core.SendRequest(context.Background(), req, p.sink, p.creds, a); err != nil {
					p.delegate.OnFailed(resp.StatusCode, resp.Reason)
				}
				return
			}
		}
	}

	if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubUnpublished); err != nil {
		p.log.Warn("unpublished transition rejected", "error", err)
	}
	p.delegate.OnFailed(resp.StatusCode, resp.Reason)
	if err := fireGuarded(context.Background(), &p.guard, p.fsm, "Publisher", evtPubTerminate); err != nil {
		p.log.Warn("terminate transition rejected", "error", err)
	}
}

func (a *publishResponseAdapter) OnFailure(err error) {
	a.p.delegate.OnFailed(0, err.Error())
}

var _ uacore.ResponseDelegate = (*publishResponseAdapter)(nil)
