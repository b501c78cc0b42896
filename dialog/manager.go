package dialog

import (
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipstack/core/errs"
	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
)

// dialogForming reports whether method is one of the three methods
// Section 12 allows to create a dialog.
func dialogForming(method types.RequestMethod) bool {
	switch method {
	case types.RequestMethodInvite, types.RequestMethodSubscribe, types.RequestMethodNotify:
		return true
	default:
		return false
	}
}

// Manager owns the live dialog table, keyed by Key, and is the single
// place dialogs are created, looked up, and torn down. Grounded on the
// same table-plus-mutex shape as the transaction layer's Manager;
// dialogs have no per-message matching subtlety comparable to
// transaction branch matching, so lookup is a plain map read.
type Manager struct {
	mu      sync.Mutex
	dialogs map[Key]*Dialog

	log *slog.Logger
}

// NewManager returns an empty dialog table.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = log.Def
	}
	return &Manager{dialogs: make(map[Key]*Dialog), log: logger}
}

// Lookup returns the dialog matching msg's dialog identity, if any.
// asUAC selects which side of the (From-tag, To-tag) pair is treated
// as local: true for a response being matched against a dialog this
// process created as UAC, false for a request being matched against
// one it created as UAS.
func (m *Manager) Lookup(msg *message.Message, asUAC bool) (*Dialog, bool) {
	var key Key
	var err error
	if asUAC {
		key, err = uacKeyFromMessage(msg)
	} else {
		key, err = uasKeyFromMessage(msg)
	}
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	d, ok := m.dialogs[key]
	m.mu.Unlock()
	return d, ok
}

func uacKeyFromMessage(msg *message.Message) (Key, error) {
	callID, err := msg.CallID()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	from, err := msg.From()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	to, err := msg.To()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	localTag, ok := from.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "From tag", Reason: "missing"})
	}
	remoteTag, ok := to.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "To tag", Reason: "missing"})
	}
	return Key{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}

func uasKeyFromMessage(msg *message.Message) (Key, error) {
	callID, err := msg.CallID()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	from, err := msg.From()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	to, err := msg.To()
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	remoteTag, ok := from.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "From tag", Reason: "missing"})
	}
	localTag, ok := to.Tag()
	if !ok {
		return Key{}, errtrace.Wrap(&errs.ValidationError{Field: "To tag", Reason: "missing"})
	}
	return Key{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}

// OnUACResponse processes a response received on a client transaction
// for req, creating or updating the dialog it belongs to. Returns
// (nil, false, nil) for a response that does not form or continue a
// dialog (no To-tag, or a non-dialog-forming method).
//
// Per Section 12.1.2: a dialog is created on the first reliable
// provisional (Early) or 2xx (Confirmed) response carrying a To-tag;
// later responses on the same transaction refresh the target and, for
// the 2xx after a 1xx, move Early to Confirmed.
func (m *Manager) OnUACResponse(req *message.Request, resp *message.Response) (*Dialog, bool, error) {
	if !dialogForming(req.Method) {
		return nil, false, nil
	}
	if !resp.StatusCode.IsProvisional() && !resp.StatusCode.IsSuccessful() {
		return nil, false, nil
	}
	to, err := resp.To()
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	_, ok := to.Tag()
	if !ok {
		// No To-tag: e.g. a 100 Trying. Does not form a dialog yet.
		return nil, false, nil
	}

	key, err := UACKey(resp)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}

	fromURI, err := req.From()
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	toURI, err := req.To()
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	seq, _, err := req.CSeq()
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}

	m.mu.Lock()
	d, exists := m.dialogs[key]
	if !exists {
		d = newDialog(key, RoleUAC, fromURI.URI, toURI.URI, seq, m.log)
		d.onTerminated = func() { m.Forget(key) }
		if resp.StatusCode.IsSuccessful() {
			_ = d.confirm()
		}
		m.dialogs[key] = d
	}
	m.mu.Unlock()

	if exists && resp.StatusCode.IsSuccessful() {
		if err := d.confirm(); err != nil {
			return d, false, errtrace.Wrap(err)
		}
	}

	if !exists {
		rr, err := resp.RecordRouteSet()
		if err != nil {
			return d, false, errtrace.Wrap(err)
		}
		d.setRouteSetFromRecordRoute(rr)
	}
	if err := d.applyTargetRefresh(&resp.Message); err != nil {
		return d, false, errtrace.Wrap(err)
	}

	return d, !exists, nil
}

// OnUASRequest processes an inbound dialog-forming request before any
// response has been sent for it, registering the dialog under the
// to-be-assigned toTag so a later response's OnUASResponseSent call
// can find it. Returns (nil, nil) for a non-dialog-forming request.
func (m *Manager) OnUASRequest(req *message.Request, toTag string) (*Dialog, error) {
	if !dialogForming(req.Method) {
		return nil, nil
	}
	callID, err := req.CallID()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	from, err := req.From()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	remoteTag, ok := from.Tag()
	if !ok {
		return nil, errtrace.Wrap(&errs.ValidationError{Field: "From tag", Reason: "missing"})
	}
	to, err := req.To()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	seq, _, err := req.CSeq()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := Key{CallID: callID, LocalTag: toTag, RemoteTag: remoteTag}

	m.mu.Lock()
	d, exists := m.dialogs[key]
	if !exists {
		d = newDialog(key, RoleUAS, to.URI, from.URI, 0, m.log)
		d.seedRemoteSeq(seq)
		d.onTerminated = func() { m.Forget(key) }
		m.dialogs[key] = d
	}
	m.mu.Unlock()

	if err := d.applyTargetRefresh(&req.Message); err != nil {
		return d, errtrace.Wrap(err)
	}
	if !exists {
		rr, err := req.RecordRouteSet()
		if err != nil {
			return d, errtrace.Wrap(err)
		}
		d.setRouteSetFromRecordRoute(rr)
	}
	return d, nil
}

// OnUASResponseSent confirms d once a 2xx to the dialog-forming request
// has actually gone out; a UAS dialog stays Early through any 1xx.
func (m *Manager) OnUASResponseSent(d *Dialog, status types.ResponseStatus) error {
	if d == nil || !status.IsSuccessful() {
		return nil
	}
	return errtrace.Wrap(d.confirm())
}

// CheckInDialogRequest looks up the dialog an in-dialog (non-dialog-
// creating) request belongs to and validates its CSeq. Returns
// (nil, false, nil) when no dialog matches.
func (m *Manager) CheckInDialogRequest(req *message.Request) (*Dialog, bool, error) {
	d, ok := m.Lookup(&req.Message, false)
	if !ok {
		return nil, false, nil
	}
	seq, method, err := req.CSeq()
	if err != nil {
		return d, true, errtrace.Wrap(err)
	}
	if err := d.CheckRemoteSeq(method, seq); err != nil {
		return d, true, errtrace.Wrap(err)
	}
	if err := d.applyTargetRefresh(&req.Message); err != nil {
		return d, true, errtrace.Wrap(err)
	}
	return d, true, nil
}

// LookupByKey returns the dialog stored under key, if any. Used for
// Replaces-header resolution, where the identity to look up is parsed
// directly out of a header value rather than derived from a message's
// own From/To/Call-ID.
func (m *Manager) LookupByKey(key Key) (*Dialog, bool) {
	m.mu.Lock()
	d, ok := m.dialogs[key]
	m.mu.Unlock()
	return d, ok
}

// Forget removes d from the table. Called once a dialog reaches
// StateTerminated; safe to call more than once.
func (m *Manager) Forget(key Key) {
	m.mu.Lock()
	delete(m.dialogs, key)
	m.mu.Unlock()
}

// Count returns the number of live dialogs, for diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialogs)
}
