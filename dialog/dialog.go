// Package dialog implements the RFC 3261 Section 12 dialog layer: the
// peer relationship a session or subscription rides on top of, keyed
// by Call-ID plus local/remote tag, carrying the route set, remote
// target, and the local/remote CSeq counters that keep in-dialog
// requests ordered.
package dialog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

// State is a dialog's position in its RFC 3261 Section 12 lifecycle.
type State string

const (
	StateEarly      State = "Early"
	StateConfirmed  State = "Confirmed"
	StateTerminated State = "Terminated"
)

const (
	evtConfirm   = "confirm"
	evtTerminate = "terminate"
)

// Role records which side of the dialog this object represents; it
// governs whether the route set is stored in Record-Route order (UAS)
// or reversed (UAC), per Section 12.1.1/12.1.2.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

// Usage is a feature sharing this dialog: an invite session or a
// subscription. A dialog is destroyed once its last usage deregisters.
type Usage interface {
	// Terminated is called once, when the dialog itself is destroyed
	// out from under this usage (transport failure, BYE from the
	// peer's session usage terminating the whole dialog, and so on).
	Terminated()
}

// Dialog is a confirmed or early peer relationship between two user
// agents. All state is guarded by mu; the FSM enforces that Early can
// only move forward to Confirmed or Terminated, matching Section 12's
// two-phase lifecycle (Early dialogs exist only for INVITE/SUBSCRIBE
// before the final response, so there is no early->early retransmit
// case to model).
type Dialog struct {
	mu sync.Mutex

	key  Key
	role Role

	localURI, remoteURI       *message.URI
	localTarget, remoteTarget *message.URI
	routeSet                  []*message.NameAddr
	secure                    bool

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	usages map[Usage]struct{}

	// onTerminated, if set by the owning Manager, removes this dialog
	// from its table once it reaches StateTerminated.
	onTerminated func()

	fsm *stateless.StateMachine
	log *slog.Logger
}

func newDialog(key Key, role Role, localURI, remoteURI *message.URI, initialSeq uint32, logger *slog.Logger) *Dialog {
	if logger == nil {
		logger = log.Def
	}
	d := &Dialog{
		key:       key,
		role:      role,
		localURI:  localURI,
		remoteURI: remoteURI,
		secure:    localURI.IsSecure() && remoteURI.IsSecure(),
		usages:    make(map[Usage]struct{}),
		log:       logger.With("call_id", key.CallID, "local_tag", key.LocalTag, "remote_tag", key.RemoteTag),
	}
	d.localSeq.Store(initialSeq)
	d.fsm = stateless.NewStateMachine(StateEarly)
	d.fsm.Configure(StateEarly).
		Permit(evtConfirm, StateConfirmed).
		Permit(evtTerminate, StateTerminated)
	d.fsm.Configure(StateConfirmed).
		Permit(evtTerminate, StateTerminated)
	d.fsm.Configure(StateTerminated).
		OnEntry(d.actTerminated)
	return d
}

func (d *Dialog) Key() Key { return d.key }

func (d *Dialog) Role() Role { return d.role }

func (d *Dialog) State() State {
	st, _ := d.fsm.State(context.Background())
	return st.(State) //nolint:forcetypeassert
}

func (d *Dialog) LocalURI() *message.URI { return d.localURI }

func (d *Dialog) RemoteURI() *message.URI { return d.remoteURI }

// Secure reports whether both endpoints' URIs use the sips: scheme, in
// which case in-dialog requests must be routed only over TLS hops.
func (d *Dialog) Secure() bool { return d.secure }

// SetLocalTarget records the Contact URI this UA advertises for the
// dialog, learned once the transaction-user layer sends its own
// request or response and knows what Contact it put on the wire.
func (d *Dialog) SetLocalTarget(target *message.URI) {
	d.mu.Lock()
	d.localTarget = target
	d.mu.Unlock()
}

// LocalTarget is the Contact URI this UA advertised for the dialog.
func (d *Dialog) LocalTarget() *message.URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localTarget
}

// RemoteTarget is the URI in-dialog requests are addressed to, learned
// from the peer's most recent Contact header.
func (d *Dialog) RemoteTarget() *message.URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// RouteSet returns the dialog's fixed route set, already in the order
// requests must render it (reversed for a UAC dialog).
func (d *Dialog) RouteSet() []*message.NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*message.NameAddr(nil), d.routeSet...)
}

// confirm moves an Early dialog to Confirmed. A no-op if already
// Confirmed, since a retransmitted 2xx re-confirms the same dialog.
func (d *Dialog) confirm() error {
	if d.State() == StateConfirmed {
		return nil
	}
	return errtrace.Wrap(d.fsm.FireCtx(context.Background(), evtConfirm))
}

// Terminate destroys the dialog and notifies every registered usage.
func (d *Dialog) Terminate() {
	_ = d.fsm.FireCtx(context.Background(), evtTerminate)
}

func (d *Dialog) actTerminated(_ context.Context, _ ...any) error {
	d.log.Debug("dialog terminated")

	d.mu.Lock()
	usages := make([]Usage, 0, len(d.usages))
	for u := range d.usages {
		usages = append(usages, u)
	}
	d.usages = make(map[Usage]struct{})
	d.mu.Unlock()

	for _, u := range usages {
		u.Terminated()
	}
	if d.onTerminated != nil {
		d.onTerminated()
	}
	return nil
}

// AddUsage registers a session or subscription usage against this
// dialog. Panics-free by design: registering on a terminated dialog
// just calls Terminated back immediately, since the caller could not
// have observed the termination yet.
func (d *Dialog) AddUsage(u Usage) {
	d.mu.Lock()
	if d.State() == StateTerminated {
		d.mu.Unlock()
		u.Terminated()
		return
	}
	d.usages[u] = struct{}{}
	d.mu.Unlock()
}

// RemoveUsage deregisters u. Once the last usage is gone the dialog is
// destroyed, per Section 12: a dialog has no purpose once nothing is
// using it.
func (d *Dialog) RemoveUsage(u Usage) {
	d.mu.Lock()
	delete(d.usages, u)
	empty := len(d.usages) == 0
	d.mu.Unlock()
	if empty {
		d.Terminate()
	}
}

// applyTargetRefresh sets the remote target to the first Contact URI of
// msg and fails with a ValidationError when msg has no Contact. It does
// not change the route set.
func (d *Dialog) applyTargetRefresh(msg *message.Message) error {
	contacts, err := msg.Contacts()
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(contacts) == 0 {
		return errtrace.Wrap(&errs.ValidationError{Field: "Contact", Reason: "missing on dialog-forming message"})
	}
	d.mu.Lock()
	d.remoteTarget = contacts[0].URI.Clone()
	d.mu.Unlock()
	return nil
}

func (d *Dialog) setRouteSetFromRecordRoute(rr []*message.NameAddr) {
	set := append([]*message.NameAddr(nil), rr...)
	if d.role == RoleUAC {
		reverse(set)
	}
	d.mu.Lock()
	d.routeSet = set
	d.mu.Unlock()
}

func reverse(s []*message.NameAddr) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// NextLocalSeq increments and returns the CSeq to stamp on the next
// in-dialog request this side originates.
func (d *Dialog) NextLocalSeq() uint32 {
	return d.localSeq.Add(1)
}

// CurrentLocalSeq returns the CSeq last handed out by NextLocalSeq,
// without incrementing it. An ACK to a 2xx final response reuses the
// INVITE's CSeq rather than minting a new one, per Section 13.2.2.4.
func (d *Dialog) CurrentLocalSeq() uint32 {
	return d.localSeq.Load()
}

// seedRemoteSeq records the CSeq of the request that created this
// dialog, so the first genuinely new in-dialog request from the peer
// is still checked against it.
func (d *Dialog) seedRemoteSeq(seq uint32) {
	d.remoteSeq.Store(seq)
}

// CheckRemoteSeq validates an inbound in-dialog request's CSeq against
// Section 12.2.2: it must be larger than the last one seen, except for
// CANCEL and ACK which carry the CSeq of the request they act on and
// never advance the counter themselves.
func (d *Dialog) CheckRemoteSeq(method types.RequestMethod, seq uint32) error {
	if method == types.RequestMethodAck || method == types.RequestMethodCancel {
		return nil
	}
	for {
		cur := d.remoteSeq.Load()
		if cur != 0 && seq <= cur {
			return errtrace.Wrap(&errs.ValidationError{
				Field:  "CSeq",
				Reason: "out of order: request CSeq did not increase",
			})
		}
		if d.remoteSeq.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

// NewRequest builds an in-dialog request for method: request-URI from
// the remote target, route set and CSeq from the dialog, From/To tags
// from the dialog's local/remote identity. A 2xx ACK reuses the CSeq
// already assigned to the INVITE it acknowledges instead of minting a
// new one; every other method advances the local sequence.
func (d *Dialog) NewRequest(method types.RequestMethod) *message.Request {
	d.mu.Lock()
	target := d.remoteTarget.Clone()
	routeSet := append([]*message.NameAddr(nil), d.routeSet...)
	d.mu.Unlock()

	from := message.NewNameAddr(d.localURI.Clone()).SetTag(d.key.LocalTag)
	to := message.NewNameAddr(d.remoteURI.Clone()).SetTag(d.key.RemoteTag)

	seq := d.CurrentLocalSeq()
	if method != types.RequestMethodAck {
		seq = d.NextLocalSeq()
	}

	req := message.NewRequest(method, target)
	req.SetFrom(from)
	req.SetTo(to)
	req.SetCallID(d.key.CallID)
	req.SetCSeq(seq, method)
	req.SetMaxForwards(70)
	if len(routeSet) > 0 {
		req.SetRouteSet(routeSet)
	}
	return req
}
