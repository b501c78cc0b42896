package transaction

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipstack/core/internal/log"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/message"
	"github.com/sipstack/core/timer"
)

// ClientTransaction is the subset of the client flavors a manager needs
// to dispatch inbound responses.
type ClientTransaction interface {
	Transaction
	dispatch(ctx context.Context, resp *message.Response) error
}

// ServerTransaction is the subset of the server flavors a manager needs
// to dispatch inbound request retransmissions and, for INVITE, ACKs.
type ServerTransaction interface {
	Transaction
	RecvRequest(ctx context.Context) error
}

// Manager owns the live transaction table: RFC 3261 Section 17.2.3 and
// 17.1.3 matching of inbound messages to an existing transaction, and
// construction of new ones, keyed by branch (grounded on the teacher's
// transaction pool, simplified to a single mutex-guarded map since this
// package carries no persisted state).
type Manager struct {
	mu      sync.Mutex
	clients map[Key]ClientTransaction
	servers map[Key]ServerTransaction

	profile timer.Profile
	log     *slog.Logger
}

// NewManager returns an empty transaction manager using profile for
// every transaction it creates.
func NewManager(profile timer.Profile, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = log.Def
	}
	return &Manager{
		clients: make(map[Key]ClientTransaction),
		servers: make(map[Key]ServerTransaction),
		profile: profile,
		log:     logger,
	}
}

// NewClientTransaction adds a fresh Via hop carrying a new branch to
// req, starts the appropriate flavor for its method, and registers it
// in the table. message.NewOutgoingRequest deliberately leaves Via
// unset so branch generation and transaction identity live in one
// place: here.
func (m *Manager) NewClientTransaction(req *message.Request, sink Sink, delegate ClientDelegate) (Transaction, error) {
	branch := message.NewBranch()
	via := message.NewViaHop(sink.ViaTransport(), sink.ViaSentBy()).SetBranch(branch)
	req.AddVia(via)

	key := OutgoingClientKey(req, branch)

	var tx ClientTransaction
	if req.Method == types.RequestMethodInvite {
		tx = NewInviteClient(key, req, sink, m.profile, delegate, m.log)
	} else {
		tx = NewNonInviteClient(key, req, sink, m.profile, delegate, m.log)
	}

	tx.SetOnTerminated(func() { m.removeClient(key) })

	m.mu.Lock()
	m.clients[key] = tx
	m.mu.Unlock()

	return tx, nil
}

// NewServerTransaction builds the appropriate server flavor for req's
// method and registers it under the key ServerKey derives from req.
// The caller must have already established, via MatchRequest, that no
// transaction owns this request.
func (m *Manager) NewServerTransaction(key Key, req *message.Request, sink Sink, delegate ServerDelegate) Transaction {
	var tx ServerTransaction
	if req.Method == types.RequestMethodInvite {
		tx = NewInviteServer(key, req, sink, m.profile, delegate, m.log)
	} else {
		tx = NewNonInviteServer(key, req, sink, m.profile, delegate, m.log)
	}

	tx.SetOnTerminated(func() { m.removeServer(key) })

	m.mu.Lock()
	m.servers[key] = tx
	m.mu.Unlock()

	return tx
}

// Forget removes a transaction from the table once its owner has
// observed StateTerminated. Safe to call more than once.
func (m *Manager) Forget(key Key, isServer bool) {
	if isServer {
		m.removeServer(key)
		return
	}
	m.removeClient(key)
}

func (m *Manager) removeClient(key Key) {
	m.mu.Lock()
	delete(m.clients, key)
	m.mu.Unlock()
}

func (m *Manager) removeServer(key Key) {
	m.mu.Lock()
	delete(m.servers, key)
	m.mu.Unlock()
}

// MatchResponse looks up the client transaction resp belongs to.
func (m *Manager) MatchResponse(resp *message.Response) (ClientTransaction, bool, error) {
	key, err := ClientKey(resp)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	m.mu.Lock()
	tx, ok := m.clients[key]
	m.mu.Unlock()
	return tx, ok, nil
}

// DeliverResponse matches resp to its client transaction and dispatches
// it, driving that transaction's FSM. Reports (false, nil) when no
// transaction matches, per RFC 3261 Section 17.1.3: the caller's only
// recourse for an unmatched response is to drop it.
func (m *Manager) DeliverResponse(ctx context.Context, resp *message.Response) (bool, error) {
	tx, ok, err := m.MatchResponse(resp)
	if err != nil {
		return false, errtrace.Wrap(err)
	}
	if !ok {
		return false, nil
	}
	return true, errtrace.Wrap(tx.dispatch(ctx, resp))
}

// MatchRequest looks up the server transaction req belongs to. A miss
// means req starts a new transaction (or, for an ACK to a 2xx, never
// belongs to one at all: the UAC mints a fresh branch for those, so
// they never match here by construction and must be routed directly to
// the dialog layer).
func (m *Manager) MatchRequest(req *message.Request) (ServerTransaction, Key, bool, error) {
	key, err := ServerKey(req)
	if err != nil {
		return nil, "", false, errtrace.Wrap(err)
	}
	m.mu.Lock()
	tx, ok := m.servers[key]
	m.mu.Unlock()
	return tx, key, ok, nil
}
