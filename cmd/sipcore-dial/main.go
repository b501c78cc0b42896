// Command sipcore-dial is a minimal end-to-end exerciser for the
// stack: it boots a UserAgent over a WebSocket transport, optionally
// registers, places one INVITE with a static SDP body, and hangs up two
// seconds after the call is established (or the dial fails or times out). It
// exists to give every layer a compiling, wired call path from a real
// main package, not to be a usable softphone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/metrics"
	"github.com/sipstack/core/transport"
	"github.com/sipstack/core/transport/wstransport"
	"github.com/sipstack/core/tu"
	"github.com/sipstack/core/ua"
)

// staticSDP answers every offer with the same fixed body, standing in
// for a real media stack.
type staticSDP struct {
	body []byte
}

func (s *staticSDP) GetDescription([]byte, string) ([]byte, string, error) {
	return s.body, "application/sdp", nil
}

func (s *staticSDP) SetDescription([]byte, string) error { return nil }
func (s *staticSDP) RollbackDescription() error           { return nil }
func (s *staticSDP) Stable() bool                          { return true }

var _ tu.SessionDescriptionHandler = (*staticSDP)(nil)

func localSDP(host string) []byte {
	return []byte(fmt.Sprintf(
		"v=0\r\no=sipcore-dial 0 0 IN IP4 %s\r\ns=sipcore-dial\r\nc=IN IP4 %s\r\nt=0 0\r\nm=audio 0 RTP/AVP 0\r\n",
		host, host,
	))
}

// registerDelegate logs registration outcomes; a failed REGISTER is
// fatal to this CLI's purpose, so it also cancels the dial context.
type registerDelegate struct {
	log    *slog.Logger
	cancel context.CancelFunc
}

func (d *registerDelegate) OnRegistered(expires time.Duration) {
	d.log.Info("registered", "expires", expires)
}

func (d *registerDelegate) OnUnregistered() {
	d.log.Info("unregistered")
}

func (d *registerDelegate) OnFailed(status types.ResponseStatus, reason string) {
	d.log.Error("registration failed", "status", status, "reason", reason)
	d.cancel()
}

// callDelegate hangs up two seconds after the call is established and
// terminates the process once the call reaches any terminal outcome.
type callDelegate struct {
	log    *slog.Logger
	cancel context.CancelFunc
	// inv delivers the Inviter handle once agent.Invite returns it, so
	// OnEstablished (which can fire before that assignment races
	// through) always waits for a valid handle before calling Bye.
	inv chan *tu.Inviter
}

func newCallDelegate(log *slog.Logger, cancel context.CancelFunc) *callDelegate {
	return &callDelegate{log: log, cancel: cancel, inv: make(chan *tu.Inviter, 1)}
}

func (d *callDelegate) OnProgress(resp *message.Response, hasBody bool) {
	d.log.Info("call progress", "status", resp.StatusCode, "reason", resp.Reason, "has_body", hasBody)
}

func (d *callDelegate) OnEstablished(dlg *dialog.Dialog) {
	d.log.Info("call established", "remote", dlg.RemoteURI())
	go func() {
		inv := <-d.inv
		d.inv <- inv
		time.Sleep(2 * time.Second)
		byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inv.Bye(byeCtx); err != nil {
			d.log.Warn("bye failed", "error", err)
		}
	}()
}

func (d *callDelegate) OnRejected(status types.ResponseStatus, reason string) {
	d.log.Warn("call rejected", "status", status, "reason", reason)
	d.cancel()
}

func (d *callDelegate) OnTerminated(err error) {
	if err != nil {
		d.log.Warn("call terminated", "error", err)
	} else {
		d.log.Info("call terminated")
	}
	d.cancel()
}

var _ tu.InviterDelegate = (*callDelegate)(nil)

// uaDelegate answers the handful of inbound events sipcore-dial itself
// never expects to see, since it only ever originates traffic.
type uaDelegate struct {
	log *slog.Logger
}

func (d *uaDelegate) OnIncomingCall(inv *tu.Invitation) {
	d.log.Warn("rejecting unexpected inbound call")
	_ = inv.Reject(context.Background(), 486, "Busy Here")
}

func (d *uaDelegate) OnIncomingMessage(*message.Request)     {}
func (d *uaDelegate) OnIncomingRefer(*message.Request)       {}
func (d *uaDelegate) OnTransportDisconnected(err error) {
	if err != nil {
		d.log.Warn("transport disconnected", "error", err)
	}
}

var _ ua.Delegate = (*uaDelegate)(nil)

func main() {
	_ = godotenv.Load()

	var (
		wsURL       = flag.String("ws-url", envOr("SIPCORE_WS_URL", "wss://127.0.0.1:8443/"), "WebSocket signaling URL")
		username    = flag.String("username", envOr("SIPCORE_USERNAME", ""), "authentication username")
		password    = flag.String("password", envOr("SIPCORE_PASSWORD", ""), "authentication password")
		realm       = flag.String("realm", envOr("SIPCORE_REALM", ""), "authentication realm, empty answers any realm")
		selfHost    = flag.String("self-host", envOr("SIPCORE_SELF_HOST", "127.0.0.1"), "this UA's own SIP identity host")
		registrar   = flag.String("registrar", envOr("SIPCORE_REGISTRAR", ""), "registrar URI; skips REGISTER if empty")
		target      = flag.String("target", envOr("SIPCORE_TARGET", ""), "URI to INVITE")
		callTimeout = flag.Duration("call-timeout", 32*time.Second, "how long to wait for the call to establish or fail")
		devLog      = flag.Bool("dev-log", false, "use the human-readable development logger instead of the default")
	)
	flag.Parse()

	logger := log.Def
	if *devLog {
		logger = log.Dev
	}

	if *target == "" {
		logger.Error("-target (or SIPCORE_TARGET) is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancelDial := context.WithTimeout(ctx, *callTimeout)
	defer cancelDial()

	selfURI := message.NewURI(*selfHost)
	if *username != "" {
		selfURI.User = *username
	}

	agent := ua.New(
		func() transport.Socket { return wstransport.New(*wsURL) },
		&uaDelegate{log: logger},
		ua.WithURI(selfURI),
		ua.WithContact(selfURI),
		ua.WithCredentials(*username, *password, *realm),
		ua.WithViaHost(types.Host(*selfHost), "WSS"),
		ua.WithReconnection(3, time.Second),
		ua.WithMetrics(metrics.Noop{}),
		ua.WithLogger(logger),
	)

	if err := agent.Start(ctx); err != nil {
		logger.Error("transport start failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = agent.Stop(stopCtx)
	}()

	if *registrar != "" {
		registrarURI, err := message.ParseURI(*registrar)
		if err != nil {
			logger.Error("bad -registrar URI", "error", err)
			os.Exit(2)
		}
		if _, err := agent.Register(ctx, "dial-registration", registrarURI, 3600*time.Second, true, &registerDelegate{log: logger, cancel: cancelDial}); err != nil {
			logger.Error("register failed", "error", err)
			os.Exit(1)
		}
	}

	targetURI, err := message.ParseURI(*target)
	if err != nil {
		logger.Error("bad -target URI", "error", err)
		os.Exit(2)
	}

	sdh := &staticSDP{body: localSDP(*selfHost)}
	delegate := newCallDelegate(logger, cancelDial)
	inv, err := agent.Invite(ctx, "dial-call", targetURI, sdh, delegate)
	if err != nil {
		logger.Error("invite failed", "error", err)
		os.Exit(1)
	}
	delegate.inv <- inv

	<-ctx.Done()
	logger.Info("done", "reason", ctx.Err())
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
