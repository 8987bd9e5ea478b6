package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Roastr/client"
	"Roastr/internal/api"
	"Roastr/internal/coordinator"
	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

// adminAuth is the admin secret shared by every guardian of a test federation.
var adminAuth = []byte("integration-admin-secret")

// Guardian is one in-process guardian that can be stopped and restarted on the same addresses.
type Guardian struct {
	peer     uint16
	share    *threshold.KeyShare
	identity ed25519.PrivateKey
	groupKey []byte
	dataDir  string
	quicAddr string
	httpAddr string

	db     *storage.Locked
	server *guardian.Server
}

// Federation is a running set of guardians.
type Federation struct {
	Dealing    *threshold.Dealing
	Descriptor *federation.Descriptor
	Guardians  []*Guardian
}

// Daemon is an in-process client daemon serving the bridge API.
type Daemon struct {
	dataDir string
	db      *storage.Locked
	bridge  *api.Bridge
	server  *api.Server
	Client  *client.Client
}

// startFederation deals a t-of-n federation and starts every guardian on loopback.
func startFederation(t *testing.T, thr, total int) *Federation {
	t.Helper()

	dealing, err := threshold.Deal(thr, total)
	require.NoError(t, err)

	f := &Federation{Dealing: dealing}
	infos := make([]federation.Guardian, total)

	for i, share := range dealing.Shares {
		_, identity, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)

		g := &Guardian{
			peer:     share.PeerID,
			share:    share,
			identity: identity,
			groupKey: dealing.GroupKey,
			dataDir:  filepath.Join(t.TempDir(), fmt.Sprintf("guardian-%d", i)),
			quicAddr: "127.0.0.1:0",
			httpAddr: "127.0.0.1:0",
		}
		g.listen(t)

		f.Guardians = append(f.Guardians, g)
		infos[i] = g.server.Info()
	}

	f.Descriptor, err = federation.NewDescriptor(thr, infos, dealing.GroupKey)
	require.NoError(t, err)

	for _, g := range f.Guardians {
		require.NoError(t, g.server.Serve(f.Descriptor))
	}

	t.Cleanup(func() {
		for _, g := range f.Guardians {
			g.Stop()
		}
	})

	return f
}

// listen opens the guardian store and binds its addresses, pinning them for restarts.
func (g *Guardian) listen(t *testing.T) {
	t.Helper()

	db, err := storage.Open(context.Background(), g.dataDir, storage.EngineBadger, storage.LockOptions{NonBlocking: true})
	require.NoError(t, err)

	srv, err := guardian.NewServer(guardian.ServerConfig{
		Share:      g.share,
		Identity:   g.identity,
		GroupKey:   g.groupKey,
		AdminAuth:  adminAuth,
		Store:      db,
		QUICListen: g.quicAddr,
		HTTPListen: g.httpAddr,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	g.db, g.server = db, srv
	g.quicAddr, g.httpAddr = srv.QUICAddr(), srv.HTTPAddr()
}

// Stop shuts the guardian down. Stopping a stopped guardian is a no-op.
func (g *Guardian) Stop() {
	if g.server == nil {
		return
	}

	g.server.Close()
	g.db.Close()
	g.server, g.db = nil, nil
}

// Restart brings a stopped guardian back on its previous addresses.
func (g *Guardian) Restart(t *testing.T, desc *federation.Descriptor) {
	t.Helper()

	g.listen(t)
	require.NoError(t, g.server.Serve(desc))
}

// Invite returns an invite code pointing at guardian i.
func (f *Federation) Invite(i int) string {
	g := f.Guardians[i]

	return federation.Invite{
		FederationID: f.Descriptor.ID(),
		PeerID:       g.peer,
		URL:          "http://" + g.httpAddr,
	}.String()
}

// startDaemon runs a client daemon on dataDir.
func startDaemon(t *testing.T, dataDir string) *Daemon {
	t.Helper()

	d := &Daemon{dataDir: dataDir}
	d.start(t)
	t.Cleanup(d.Stop)

	return d
}

func (d *Daemon) start(t *testing.T) {
	t.Helper()

	cfg := coordinator.DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.RetryBackoff = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.PublishMaxElapsed = 2 * time.Second

	db, err := storage.Open(context.Background(), d.dataDir, storage.EnginePebble, storage.LockOptions{NonBlocking: true})
	require.NoError(t, err)

	bridge, err := api.NewBridge(db, federation.NewHTTPFetcher(time.Second), api.QUICConnector(cfg.RequestTimeout), cfg)
	require.NoError(t, err)

	server := api.New("127.0.0.1:0", bridge)
	require.NoError(t, server.Start())

	d.db, d.bridge, d.server = db, bridge, server
	d.Client = client.New(server.Addr())
}

// Stop shuts the daemon down. Stopping a stopped daemon is a no-op.
func (d *Daemon) Stop() {
	if d.server == nil {
		return
	}

	d.server.Stop()
	d.bridge.Close()
	d.db.Close()
	d.server, d.bridge, d.db = nil, nil, nil
}

// Restart stops the daemon and starts it again on the same data directory.
func (d *Daemon) Restart(t *testing.T) {
	t.Helper()

	d.Stop()
	d.start(t)
}
