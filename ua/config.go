// Package ua wires the message, transaction, dialog, and
// transaction-user layers into a single addressable endpoint: it owns
// one transport connection and one uacore.Core, and gives every
// Registerer, Inviter/Invitation, Subscription, and Publisher created
// against it a shared shutdown sequence.
package ua

import (
	"log/slog"
	"time"

	"github.com/sipstack/core/auth"
	"github.com/sipstack/core/dns"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/metrics"
	"github.com/sipstack/core/tu"
)

// Config collects the construction-time settings a UserAgent needs.
// Fields with no default noted below are required.
type Config struct {
	// URI identifies this UA to itself: the From URI on every
	// out-of-dialog request it originates.
	URI *message.URI
	// Contact is this UA's own reachable address, sent as the Contact
	// header on REGISTER. The INVITE, SUBSCRIBE and PUBLISH requests
	// this UA builds carry no Contact header.
	Contact *message.URI

	AuthorizationUsername string
	AuthorizationPassword string
	// Realm restricts the credential answer to challenges for this
	// realm; empty answers any realm's challenge, matching
	// uacore.CredentialSource's contract when only one credential set
	// is configured.
	Realm string

	// ViaTransport is the protocol token stamped onto every outgoing
	// Via hop (e.g. "WSS").
	ViaTransport types.TransportProto
	// ViaHost is the address stamped onto every outgoing Via hop's
	// sent-by; it must match what a response's Via will be routed
	// back to, so it is normally the transport's own local binding.
	ViaHost types.Addr

	// ConnectTimeout bounds a single transport connect attempt.
	// Default 5s, per the transport package's own default.
	ConnectTimeout time.Duration
	// KeepAliveInterval sends a "\r\n\r\n" ping on this cadence once
	// connected; 0 disables keep-alive.
	KeepAliveInterval time.Duration
	// ReconnectionAttempts bounds how many times Start retries a
	// failed or dropped connection before giving up; 0 means no
	// automatic reconnection.
	ReconnectionAttempts int
	// ReconnectionDelay is the base delay between reconnection
	// attempts; each attempt's actual delay is jittered the way the
	// transport package jitters its keep-alive interval.
	ReconnectionDelay time.Duration

	// AllowOutOfDialogRefer permits a standalone REFER with no
	// enclosing dialog; otherwise it is rejected with 405, per Open
	// Question (a).
	AllowOutOfDialogRefer bool
	// AllowOutOfDialogNotify permits a NOTIFY with no matching
	// subscription dialog; otherwise it is rejected with 481.
	AllowOutOfDialogNotify bool

	// DisableAutoRinging turns off the automatic 180 Ringing an
	// Invitation otherwise sends for every inbound INVITE before
	// Delegate.OnIncomingCall runs, matching
	// autoSendAnInitialProvisionalResponse's SIP.js default of true.
	DisableAutoRinging bool

	// InstanceID seeds uacore.Core's self-loop detection. Generated if
	// empty.
	InstanceID string

	// SessionDescriptionHandlerFactory builds the offer/answer handler
	// given to each inbound INVITE's Invitation. Required for a UA
	// that accepts calls; Invite (the UAC path) takes its handler as
	// a direct argument instead.
	SessionDescriptionHandlerFactory func() tu.SessionDescriptionHandler

	// Resolver, when set, makes outbound requests resolve their
	// Request-URI per RFC 3263 before sending; see uacore.Core.Resolver.
	// Nil (the default) skips resolution, which is correct for a UA
	// bound to a single fixed peer.
	Resolver *dns.Resolver

	// Metrics, when set, observes this UA's Core traffic; see
	// uacore.Core.Metrics. Nil (the default) records nothing.
	Metrics metrics.Collector

	Logger *slog.Logger
}

// Option configures a Config at construction time. Grounded on the
// teacher's RequestWithContextOption pattern: a small interface each
// option value implements, rather than a bare function type, so a
// caller can build and pass around a named option value.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithURI sets the UA's own identity URI.
func WithURI(uri *message.URI) Option {
	return optionFunc(func(c *Config) { c.URI = uri })
}

// WithContact sets the UA's own reachable Contact URI.
func WithContact(uri *message.URI) Option {
	return optionFunc(func(c *Config) { c.Contact = uri })
}

// WithCredentials configures the digest credentials answered for any
// realm's challenge (or only realm's, if realm is non-empty).
func WithCredentials(username, password, realm string) Option {
	return optionFunc(func(c *Config) {
		c.AuthorizationUsername = username
		c.AuthorizationPassword = password
		c.Realm = realm
	})
}

// WithViaHost sets the address stamped onto this UA's outgoing Via
// hops.
func WithViaHost(addr types.Addr, proto types.TransportProto) Option {
	return optionFunc(func(c *Config) {
		c.ViaHost = addr
		c.ViaTransport = proto
	})
}

// WithConnectTimeout overrides the transport's connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.ConnectTimeout = d })
}

// WithKeepAliveInterval enables the transport's keep-alive ping on
// interval d.
func WithKeepAliveInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.KeepAliveInterval = d })
}

// WithReconnection bounds automatic reconnection attempts made by
// Start and by an unsolicited disconnect: at most attempts retries,
// each delay apart.
func WithReconnection(attempts int, delay time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.ReconnectionAttempts = attempts
		c.ReconnectionDelay = delay
	})
}

// WithOutOfDialogRefer allows a standalone REFER instead of rejecting
// it with 405.
func WithOutOfDialogRefer() Option {
	return optionFunc(func(c *Config) { c.AllowOutOfDialogRefer = true })
}

// WithOutOfDialogNotify allows a NOTIFY with no matching subscription
// dialog instead of rejecting it with 481.
func WithOutOfDialogNotify() Option {
	return optionFunc(func(c *Config) { c.AllowOutOfDialogNotify = true })
}

// WithoutAutoRinging disables the automatic 180 Ringing an Invitation
// otherwise sends before Delegate.OnIncomingCall runs.
func WithoutAutoRinging() Option {
	return optionFunc(func(c *Config) { c.DisableAutoRinging = true })
}

// WithInstanceID overrides the generated self-loop-detection prefix.
func WithInstanceID(id string) Option {
	return optionFunc(func(c *Config) { c.InstanceID = id })
}

// WithSessionDescriptionHandlerFactory sets the factory used to build
// each inbound call's offer/answer handler.
func WithSessionDescriptionHandlerFactory(factory func() tu.SessionDescriptionHandler) Option {
	return optionFunc(func(c *Config) { c.SessionDescriptionHandlerFactory = factory })
}

// WithLogger overrides the package default logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = logger })
}

// WithResolver enables RFC 3263 target resolution on every outbound
// request via resolver.
func WithResolver(resolver *dns.Resolver) Option {
	return optionFunc(func(c *Config) { c.Resolver = resolver })
}

// WithMetrics enables instrumentation of this UA's Core traffic
// through collector, e.g. a metrics.Prometheus.
func WithMetrics(collector metrics.Collector) Option {
	return optionFunc(func(c *Config) { c.Metrics = collector })
}

func newConfig(opts []Option) Config {
	var cfg Config
	for _, o := range opts {
		o.apply(&cfg)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = message.NewCallID("ua-")
	}
	return cfg
}

// credentialSource adapts Config's single credential set into a
// uacore.CredentialSource, the shape every tu constructor takes.
func (c Config) credentialSource() func(realm string) (auth.Credentials, bool) {
	if c.AuthorizationUsername == "" {
		return nil
	}
	return func(realm string) (auth.Credentials, bool) {
		if c.Realm != "" && realm != c.Realm {
			return auth.Credentials{}, false
		}
		return auth.Credentials{Username: c.AuthorizationUsername, Password: c.AuthorizationPassword}, true
	}
}
