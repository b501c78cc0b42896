// Package wstransport is a transport.Socket implementation for the
// SIP-over-WebSocket binding (RFC 7118), using the "sip" WebSocket
// subprotocol negotiated at handshake time.
package wstransport

import (
	"context"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/sipstack/core/transport"
)

var _ transport.Socket = (*Socket)(nil)

// Socket dials a single WebSocket connection to url and exposes it
// through the transport.Socket contract.
type Socket struct {
	url              string
	handshakeTimeout time.Duration

	conn   *websocket.Conn
	reads  chan []byte
	errs   chan error
	closed chan struct{}
}

// New returns a Socket that will dial url when Dial is called.
func New(url string) *Socket {
	return &Socket{
		url:              url,
		handshakeTimeout: 10 * time.Second,
		reads:            make(chan []byte, 32),
		errs:             make(chan error, 1),
		closed:           make(chan struct{}),
	}
}

// Dial performs the WebSocket handshake, requesting the "sip" subprotocol.
func (s *Socket) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.handshakeTimeout,
		Subprotocols:     []string{"sip"},
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return errtrace.Wrap(err)
	}
	s.conn = conn
	go s.readLoop()
	return nil
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- errtrace.Wrap(err):
			default:
			}
			close(s.reads)
			return
		}
		select {
		case s.reads <- data:
		case <-s.closed:
			close(s.reads)
			return
		}
	}
}

// Write sends data as a single WebSocket text frame.
func (s *Socket) Write(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	if s.conn == nil {
		return nil
	}
	return errtrace.Wrap(s.conn.Close())
}

// Reads returns the channel of inbound frame payloads.
func (s *Socket) Reads() <-chan []byte { return s.reads }

// Errs returns the channel carrying the terminal read error, if any.
func (s *Socket) Errs() <-chan error { return s.errs }
