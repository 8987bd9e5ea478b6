package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"Roastr/internal/coordinator"
	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/logger"
	"Roastr/internal/network"
	"Roastr/internal/session"
	"Roastr/internal/storage"
)

// ErrNotJoined is returned for note operations before the client joined a federation.
var ErrNotJoined = errors.New("federation not joined")

// Connector opens the guardian link for a joined federation.
// The returned closer releases the transport.
type Connector func(m *federation.Membership) (guardian.Link, io.Closer, error)

// QUICConnector dials guardians from a node keyed by the client's derived identity.
func QUICConnector(requestTimeout time.Duration) Connector {
	return func(m *federation.Membership) (guardian.Link, io.Closer, error) {
		key, err := m.Credentials().DeriveIdentity()
		if err != nil {
			return nil, nil, fmt.Errorf("derive identity:\n%w", err)
		}

		node, err := network.NewNode(network.Config{PrivateKey: key, MaxMessageSize: guardian.MaxMessageSize})
		if err != nil {
			return nil, nil, fmt.Errorf("create node:\n%w", err)
		}

		return guardian.NewQUICLink(node, requestTimeout), node, nil
	}
}

// member is everything that exists once the client joined a federation.
type member struct {
	membership *federation.Membership
	store      *session.Store
	coord      *coordinator.Coordinator
	transport  io.Closer
}

// Bridge owns the client state behind the API: the locked store and,
// once joined, the membership and its coordinator.
type Bridge struct {
	db      storage.Engine           // db is the locked store shared by membership and sessions
	fetcher federation.ConfigFetcher // fetcher downloads the descriptor on join
	connect Connector                // connect opens the guardian link
	cfg     coordinator.Config       // cfg tunes the coordinator
	log     *slog.Logger

	joinMu sync.Mutex              // joinMu serializes Join
	active atomic.Pointer[member] // active is nil until joined
}

// NewBridge creates the bridge. A store that already holds a federation is
// activated immediately without contacting the network.
func NewBridge(db storage.Engine, fetcher federation.ConfigFetcher, connect Connector, cfg coordinator.Config) (*Bridge, error) {
	b := &Bridge{
		db:      db,
		fetcher: fetcher,
		connect: connect,
		cfg:     cfg,
		log:     logger.With("component", "bridge"),
	}

	m, err := federation.OpenExisting(db)
	switch {
	case err == nil:
		if err := b.activate(m); err != nil {
			return nil, err
		}
	case errors.Is(err, federation.ErrNotInitialized):
		b.log.Info("no federation yet, waiting for join")
	default:
		return nil, err
	}

	return b, nil
}

// Join redeems an invite code. Joining the federation already joined is a no-op.
func (b *Bridge) Join(ctx context.Context, inviteCode string, admin federation.AdminCredentials) (*federation.Membership, error) {
	invite, err := federation.ParseInvite(inviteCode)
	if err != nil {
		return nil, err
	}

	b.joinMu.Lock()
	defer b.joinMu.Unlock()

	if cur := b.active.Load(); cur != nil {
		if cur.membership.ID() != invite.FederationID {
			return nil, fmt.Errorf("joined %x, invite %x:\n%w", cur.membership.ID(), invite.FederationID, federation.ErrFederationMismatch)
		}
		return cur.membership, nil
	}

	m, err := federation.Join(ctx, b.db, b.fetcher, invite, admin)
	if err != nil {
		return nil, err
	}

	if err := b.activate(m); err != nil {
		return nil, err
	}

	return m, nil
}

// Coordinator returns the coordinator of the joined federation.
func (b *Bridge) Coordinator() (*coordinator.Coordinator, error) {
	cur := b.active.Load()
	if cur == nil {
		return nil, ErrNotJoined
	}
	return cur.coord, nil
}

// Membership returns the joined federation.
func (b *Bridge) Membership() (*federation.Membership, error) {
	cur := b.active.Load()
	if cur == nil {
		return nil, ErrNotJoined
	}
	return cur.membership, nil
}

// Close stops the coordinator and releases the transport. The store is left open.
func (b *Bridge) Close() error {
	b.joinMu.Lock()
	defer b.joinMu.Unlock()

	cur := b.active.Swap(nil)
	if cur == nil {
		return nil
	}

	cur.coord.Close()
	cur.store.Close()

	return cur.transport.Close()
}

func (b *Bridge) activate(m *federation.Membership) error {
	store, err := session.NewStore(b.db, session.NewShareVerifier(m.PublicShares()))
	if err != nil {
		return fmt.Errorf("open session store:\n%w", err)
	}

	link, transport, err := b.connect(m)
	if err != nil {
		store.Close()
		return fmt.Errorf("connect guardians:\n%w", err)
	}

	b.active.Store(&member{
		membership: m,
		store:      store,
		coord:      coordinator.New(b.cfg, m, store, link),
		transport:  transport,
	})

	b.log.Info("federation active", "guardians", len(m.Guardians()), "threshold", m.Threshold())

	return nil
}
