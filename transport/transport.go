// Package transport implements the connection-lifecycle state machine
// spec.md Section 4.8 describes: a reliable, stream-style bidirectional
// text transport binding (the RFC 7118 WebSocket binding, generalized).
// The actual socket I/O is an external collaborator (Socket below);
// this package owns only the state machine, keep-alive, and the
// reentrant-safe connect()/disconnect() contract.
package transport

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/timer"
)

// State is one of the four transport lifecycle states.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

const (
	evtConnect        = "connect"
	evtHandshakeOK    = "handshake_ok"
	evtHandshakeFail  = "handshake_fail"
	evtDisconnect     = "disconnect"
	evtCloseComplete  = "close_complete"
	evtUnsolicited    = "unsolicited_close"
)

// Socket is the underlying I/O collaborator: raw connect/write/close
// plus channels for inbound frames and unsolicited errors. It is the
// one piece spec.md Section 1 calls out as out of scope ("the
// transport's I/O implementation"); this package only drives it.
//
//go:generate go run go.uber.org/mock/mockgen -destination=socket_mock.go -package=transport github.com/sipstack/core/transport Socket
type Socket interface {
	Dial(ctx context.Context) error
	Close() error
	Write(ctx context.Context, data []byte) error
	Reads() <-chan []byte
	Errs() <-chan error
}

// SocketFactory builds a fresh Socket for each connect attempt.
type SocketFactory func() Socket

// Options configures a Transport.
type Options struct {
	ConnectTimeout    time.Duration // default 5s per spec.md Section 4.8
	KeepAliveInterval time.Duration // 0 disables keep-alive
	Logger            *slog.Logger
}

// Transport implements the wire-facing surface spec.md Section 6
// requires: connect/disconnect/send plus onConnect/onDisconnect/
// onMessage callbacks, backed by a state machine over Socket.
type Transport struct {
	newSocket SocketFactory
	opts      Options
	log       *slog.Logger

	fsm *stateless.StateMachine

	mu          sync.Mutex
	socket      Socket
	pendingConn *future
	pendingDisc *future

	keepAlive *timer.Periodic

	onConnect    []func()
	onDisconnect []func(error)
	onMessage    []func([]byte)
}

// New returns a Transport in the Disconnected state.
func New(newSocket SocketFactory, opts Options) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Def
	}
	t := &Transport{newSocket: newSocket, opts: opts, log: opts.Logger}
	t.initFSM()
	return t
}

func (t *Transport) initFSM() {
	t.fsm = stateless.NewStateMachine(StateDisconnected)

	t.fsm.Configure(StateDisconnected).
		OnEntry(t.actEnterDisconnected).
		Permit(evtConnect, StateConnecting)

	t.fsm.Configure(StateConnecting).
		OnEntry(t.actEnterConnecting).
		Permit(evtHandshakeOK, StateConnected).
		Permit(evtHandshakeFail, StateDisconnected).
		Permit(evtDisconnect, StateDisconnecting)

	t.fsm.Configure(StateConnected).
		OnEntry(t.actEnterConnected).
		Permit(evtDisconnect, StateDisconnecting).
		Permit(evtUnsolicited, StateDisconnected)

	t.fsm.Configure(StateDisconnecting).
		OnEntry(t.actEnterDisconnecting).
		Permit(evtCloseComplete, StateDisconnected).
		Permit(evtConnect, StateConnecting)
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	s, _ := t.fsm.State(context.Background())
	return s.(State) //nolint:forcetypeassert
}

// OnConnect registers a callback invoked when the transport reaches Connected.
func (t *Transport) OnConnect(fn func()) {
	t.mu.Lock()
	t.onConnect = append(t.onConnect, fn)
	t.mu.Unlock()
}

// OnDisconnect registers a callback invoked when the transport reaches
// Disconnected; err is non-nil for an unsolicited close.
func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, fn)
	t.mu.Unlock()
}

// OnMessage registers a callback invoked for every inbound frame.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = append(t.onMessage, fn)
	t.mu.Unlock()
}

// Connect starts (or joins an in-flight) connection attempt, or
// resolves immediately if already Connected. Calls made reentrantly
// from within a state-change callback (e.g. an OnConnect handler
// calling Disconnect) are queued by the underlying state machine's
// default firing mode rather than executed inline, per spec.md
// Section 4.8.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.State() == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.pendingConn != nil {
		f := t.pendingConn
		t.mu.Unlock()
		return errtrace.Wrap(f.Wait())
	}
	f := newFuture()
	t.pendingConn = f
	t.mu.Unlock()

	if err := t.fsm.FireCtx(ctx, evtConnect); err != nil {
		t.mu.Lock()
		t.pendingConn = nil
		t.mu.Unlock()
		f.resolve(errtrace.Wrap(err))
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(f.Wait())
}

// Disconnect starts (or joins an in-flight) graceful shutdown, or
// returns immediately if already Disconnected.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.State() == StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	if t.pendingDisc != nil {
		f := t.pendingDisc
		t.mu.Unlock()
		return errtrace.Wrap(f.Wait())
	}
	f := newFuture()
	t.pendingDisc = f
	t.mu.Unlock()

	if err := t.fsm.FireCtx(ctx, evtDisconnect); err != nil {
		t.mu.Lock()
		t.pendingDisc = nil
		t.mu.Unlock()
		f.resolve(errtrace.Wrap(err))
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(f.Wait())
}

// Send transmits data if the transport is Connected, else fails with
// TransportError.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if t.State() != StateConnected {
		t.mu.Unlock()
		return errtrace.Wrap(&errs.TransportError{Op: "send while not connected"})
	}
	sock := t.socket
	t.mu.Unlock()

	if err := sock.Write(ctx, data); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (t *Transport) actEnterDisconnected(ctx context.Context, args ...any) error {
	t.mu.Lock()
	if t.keepAlive != nil {
		t.keepAlive.Stop()
		t.keepAlive = nil
	}
	if t.socket != nil {
		_ = t.socket.Close()
		t.socket = nil
	}
	var err error
	if len(args) > 0 {
		if e, ok := args[0].(error); ok {
			err = e
		}
	}
	connF, discF := t.pendingConn, t.pendingDisc
	t.pendingConn, t.pendingDisc = nil, nil
	callbacks := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()

	if connF != nil {
		connF.resolve(err)
	}
	if discF != nil {
		discF.resolve(nil)
	}
	for _, fn := range callbacks {
		fn(err)
	}
	return nil
}

func (t *Transport) actEnterConnecting(ctx context.Context, args ...any) error {
	sock := t.newSocket()
	t.mu.Lock()
	t.socket = sock
	t.mu.Unlock()

	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
		defer cancel()
		err := sock.Dial(dialCtx)
		if err != nil {
			t.log.Debug("transport handshake failed", "error", err)
			if fireErr := t.fsm.FireCtx(context.Background(), evtHandshakeFail, err); fireErr != nil {
				t.log.Warn("cannot deliver handshake failure", "error", fireErr)
			}
			return
		}
		if fireErr := t.fsm.FireCtx(context.Background(), evtHandshakeOK); fireErr != nil {
			t.log.Warn("cannot deliver handshake success", "error", fireErr)
		}
	}()
	return nil
}

func (t *Transport) actEnterConnected(ctx context.Context, args ...any) error {
	t.mu.Lock()
	sock := t.socket
	connF := t.pendingConn
	t.pendingConn = nil
	callbacks := append([]func(){}, t.onConnect...)
	msgCallbacks := t.onMessage
	if t.opts.KeepAliveInterval > 0 {
		t.keepAlive = timer.StartPeriodic(t.keepAliveJitter, func() { _ = t.Send(context.Background(), []byte("\r\n\r\n")) })
	}
	t.mu.Unlock()

	if connF != nil {
		connF.resolve(nil)
	}
	for _, fn := range callbacks {
		fn()
	}

	go t.readLoop(sock, msgCallbacks)
	return nil
}

func (t *Transport) keepAliveJitter() time.Duration {
	base := t.opts.KeepAliveInterval
	// randomized 80-100% of the base interval, per spec.md Section 4.8.
	frac := 0.8 + rand.Float64()*0.2
	return time.Duration(float64(base) * frac)
}

func (t *Transport) readLoop(sock Socket, callbacks []func([]byte)) {
	for {
		select {
		case data, ok := <-sock.Reads():
			if !ok {
				return
			}
			if isKeepAliveFrame(data) {
				t.debounceKeepAlive()
				continue
			}
			for _, fn := range callbacks {
				fn(data)
			}
		case err, ok := <-sock.Errs():
			if !ok {
				return
			}
			if t.State() != StateConnected {
				return
			}
			if fireErr := t.fsm.FireCtx(context.Background(), evtUnsolicited, err); fireErr != nil {
				t.log.Warn("cannot deliver unsolicited close", "error", fireErr)
			}
			return
		}
	}
}

// debounceKeepAlive restarts the outbound keep-alive interval after
// receiving one from the peer: that frame is itself proof the
// connection is alive, per RFC 6223, so the locally scheduled ping
// would be redundant and is deferred a fresh interval instead.
func (t *Transport) debounceKeepAlive() {
	t.mu.Lock()
	ka := t.keepAlive
	t.mu.Unlock()
	ka.Reset()
}

func isKeepAliveFrame(data []byte) bool {
	return len(data) == 0 || string(data) == "\r\n\r\n" || string(data) == "\r\n"
}

func (t *Transport) actEnterDisconnecting(ctx context.Context, args ...any) error {
	t.mu.Lock()
	sock := t.socket
	t.socket = nil
	t.mu.Unlock()

	go func() {
		if sock != nil {
			_ = sock.Close()
		}
		if err := t.fsm.FireCtx(context.Background(), evtCloseComplete); err != nil {
			t.log.Warn("cannot deliver close completion", "error", err)
		}
	}()
	return nil
}
