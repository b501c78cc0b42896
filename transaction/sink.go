package transaction

import (
	"bytes"
	"context"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/transport"
)

// Sink is what a transaction needs from the layer beneath it: send a
// rendered message, report whether the underlying connection is
// reliable (governs whether retransmission timers run at all, per
// RFC 3261 Section 17.1.1.2/17.2.2), and describe the local binding a
// fresh outgoing Via hop must carry.
type Sink interface {
	SendRequest(ctx context.Context, req *message.Request) error
	SendResponse(ctx context.Context, resp *message.Response) error
	Reliable() bool
	ViaTransport() types.TransportProto
	ViaSentBy() types.Addr
}

// TransportSink adapts a transport.Transport connection into a Sink.
type TransportSink struct {
	Transport *transport.Transport
	// IsReliable reflects the binding in use; the WebSocket binding
	// this module ships is stream-oriented and reliable.
	IsReliable bool
	Proto     types.TransportProto // e.g. "WSS"
	LocalAddr types.Addr
}

var _ Sink = (*TransportSink)(nil)

func (s *TransportSink) SendRequest(ctx context.Context, req *message.Request) error {
	var buf bytes.Buffer
	if _, err := req.RenderTo(&buf); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(s.Transport.Send(ctx, buf.Bytes()))
}

func (s *TransportSink) SendResponse(ctx context.Context, resp *message.Response) error {
	var buf bytes.Buffer
	if _, err := resp.RenderTo(&buf); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(s.Transport.Send(ctx, buf.Bytes()))
}

func (s *TransportSink) Reliable() bool { return s.IsReliable }

func (s *TransportSink) ViaTransport() types.TransportProto { return s.Proto }

func (s *TransportSink) ViaSentBy() types.Addr { return s.LocalAddr }
