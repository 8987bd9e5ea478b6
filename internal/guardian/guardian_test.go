package guardian

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Roastr/internal/federation"
	"Roastr/internal/network"
	"Roastr/internal/session"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

var testAuth = []byte("admin-secret")

type testGuardian struct {
	handler *Handler
	node    *network.Node
	info    federation.Guardian
}

func newTestDealing(t *testing.T) *threshold.Dealing {
	t.Helper()

	d, err := threshold.Deal(2, 3)
	require.NoError(t, err)

	return d
}

func newTestHandler(t *testing.T, d *threshold.Dealing, peer uint16) *Handler {
	t.Helper()

	db, err := storage.OpenPebble(filepath.Join(t.TempDir(), "guardian"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h, err := NewHandler(HandlerConfig{
		Share:     d.Shares[peer],
		GroupKey:  d.GroupKey,
		AdminAuth: testAuth,
		Store:     db,
	})
	require.NoError(t, err)

	return h
}

// newTestGuardian runs a handler behind a QUIC node. wrap may alter responses.
func newTestGuardian(t *testing.T, d *threshold.Dealing, peer uint16, wrap func(network.RequestHandler) network.RequestHandler) *testGuardian {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	node, err := network.NewNode(network.Config{PrivateKey: priv, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	h := newTestHandler(t, d, peer)

	var handler network.RequestHandler = h.HandleRequest
	if wrap != nil {
		handler = wrap(handler)
	}
	node.OnRequest(handler)

	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Close() })

	return &testGuardian{
		handler: h,
		node:    node,
		info: federation.Guardian{
			PeerID:      peer,
			Endpoint:    node.Addr(),
			IdentityKey: federation.HexBytes(node.PublicKey()),
			PublicShare: d.Shares[peer].PublicKeyBytes(),
		},
	}
}

func newTestLink(t *testing.T, timeout time.Duration) *QUICLink {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	node, err := network.NewNode(network.Config{PrivateKey: priv})
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })

	return NewQUICLink(node, timeout)
}

func TestWireShareRequest(t *testing.T) {
	ev := session.NewEvent([]byte("wire content"), time.Now())
	req := &ShareRequest{RequestID: uuid.New(), Event: ev}

	decoded, err := DecodeShareRequest(EncodeShareRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, decoded.RequestID)
	assert.Equal(t, ev.ID, decoded.Event.ID)
	assert.Equal(t, ev.Content, decoded.Event.Content)
	assert.True(t, ev.CreatedAt.Equal(decoded.Event.CreatedAt))

	encoded := EncodeShareRequest(req)
	_, err = DecodeShareRequest(encoded[:len(encoded)-1])
	require.Error(t, err)

	_, err = DecodeShareRequest(EncodeReject(&Reject{}))
	require.Error(t, err)
}

func TestWirePublishRequest(t *testing.T) {
	ev := session.NewEvent([]byte("publish"), time.Now())
	req := &PublishRequest{
		RequestID: uuid.New(),
		Event:     ev,
		Signature: make([]byte, threshold.SignatureSize),
		Auth:      testAuth,
	}
	req.Signature[0] = 7

	decoded, err := DecodePublishRequest(EncodePublishRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Signature, decoded.Signature)
	assert.Equal(t, req.Auth, decoded.Auth)
	assert.Equal(t, ev.Content, decoded.Event.Content)
}

func TestWireMessageSizeCoversLargestFrame(t *testing.T) {
	req := &PublishRequest{
		RequestID: uuid.New(),
		Event:     session.NewEvent(make([]byte, MaxContentSize), time.Now()),
		Signature: make([]byte, threshold.SignatureSize),
		Auth:      make([]byte, MaxAuthSize),
	}

	assert.Len(t, EncodePublishRequest(req), MaxMessageSize)
	assert.Less(t, len(EncodeShareRequest(&ShareRequest{RequestID: req.RequestID, Event: req.Event})), MaxMessageSize)
}

func TestWireRejectAndAck(t *testing.T) {
	reqID := uuid.New()

	rej, err := DecodeReject(EncodeReject(&Reject{RequestID: reqID, Reason: ReasonUnauthorized, Message: "nope"}))
	require.NoError(t, err)
	assert.Equal(t, reqID, rej.RequestID)
	assert.Equal(t, byte(ReasonUnauthorized), rej.Reason)
	assert.Equal(t, "nope", rej.Message)

	receipt := &PublishReceipt{PeerID: 2, PublishedAt: time.UnixMilli(1234), Duplicate: true}
	receipt.EventID[3] = 9

	gotID, got, err := DecodePublishAck(EncodePublishAck(reqID, receipt))
	require.NoError(t, err)
	assert.Equal(t, reqID, gotID)
	assert.Equal(t, receipt.EventID, got.EventID)
	assert.True(t, got.Duplicate)
	assert.True(t, receipt.PublishedAt.Equal(got.PublishedAt))
}

func TestHandlerSignsShare(t *testing.T) {
	d := newTestDealing(t)
	h := newTestHandler(t, d, 1)
	ev := session.NewEvent([]byte("sign"), time.Now())

	resp, err := h.HandleRequest(nil, EncodeShareRequest(&ShareRequest{RequestID: uuid.New(), Event: ev}))
	require.NoError(t, err)

	share, err := DecodeShareResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), share.PeerID)
	assert.True(t, threshold.Verify(share.Signature, ev.Content, d.Shares[1].PublicKeyBytes()))
}

func TestHandlerRejectsMismatchedEventID(t *testing.T) {
	d := newTestDealing(t)
	h := newTestHandler(t, d, 0)

	ev := session.NewEvent([]byte("sign"), time.Now())
	ev.ID[0] ^= 1

	resp, err := h.HandleRequest(nil, EncodeShareRequest(&ShareRequest{RequestID: uuid.New(), Event: ev}))
	require.NoError(t, err)

	rej, err := DecodeReject(resp)
	require.NoError(t, err)
	assert.Equal(t, byte(ReasonBadRequest), rej.Reason)
}

func TestHandlerPublish(t *testing.T) {
	d := newTestDealing(t)
	h := newTestHandler(t, d, 0)
	ev := session.NewEvent([]byte("publish me"), time.Now())

	sig, err := threshold.Combine([]threshold.PartialSignature{
		{PeerID: 0, Signature: d.Shares[0].Sign(ev.Content)},
		{PeerID: 2, Signature: d.Shares[2].Sign(ev.Content)},
	})
	require.NoError(t, err)

	publish := func(auth, sig []byte) []byte {
		resp, err := h.HandleRequest(nil, EncodePublishRequest(&PublishRequest{RequestID: uuid.New(), Event: ev, Signature: sig, Auth: auth}))
		require.NoError(t, err)
		return resp
	}

	rej, err := DecodeReject(publish([]byte("wrong"), sig))
	require.NoError(t, err)
	assert.Equal(t, byte(ReasonUnauthorized), rej.Reason)

	rej, err = DecodeReject(publish(testAuth, d.Shares[0].Sign(ev.Content)))
	require.NoError(t, err)
	assert.Equal(t, byte(ReasonInvalidSignature), rej.Reason)

	_, first, err := DecodePublishAck(publish(testAuth, sig))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	_, second, err := DecodePublishAck(publish(testAuth, sig))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, first.PublishedAt.Equal(second.PublishedAt))

	note, err := h.Published(ev.ID)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, ev.Content, note.Content)
	assert.Equal(t, sig, note.Signature)
}

func TestQUICLinkRequestShare(t *testing.T) {
	d := newTestDealing(t)
	g := newTestGuardian(t, d, 2, nil)
	link := newTestLink(t, 5*time.Second)
	ev := session.NewEvent([]byte("over quic"), time.Now())

	share, err := link.RequestShare(context.Background(), g.info, ev)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), share.PeerID)
	assert.True(t, threshold.Verify(share.Signature, ev.Content, g.info.PublicShare))
}

func TestQUICLinkRejected(t *testing.T) {
	d := newTestDealing(t)
	g := newTestGuardian(t, d, 0, nil)
	link := newTestLink(t, 5*time.Second)
	ev := session.NewEvent([]byte("x"), time.Now())

	_, err := link.Publish(context.Background(), g.info, PublishRequest{Event: ev, Signature: make([]byte, 96), Auth: []byte("bad")})
	require.ErrorIs(t, err, ErrRejected)

	var rejErr *RejectError
	require.True(t, errors.As(err, &rejErr))
	assert.Equal(t, byte(ReasonUnauthorized), rejErr.Reason)
}

func TestQUICLinkTimeout(t *testing.T) {
	d := newTestDealing(t)
	release := make(chan struct{})

	g := newTestGuardian(t, d, 1, func(next network.RequestHandler) network.RequestHandler {
		return func(p *network.Peer, data []byte) ([]byte, error) {
			<-release
			return next(p, data)
		}
	})
	t.Cleanup(func() { close(release) })
	link := newTestLink(t, 200*time.Millisecond)

	_, err := link.RequestShare(context.Background(), g.info, session.NewEvent([]byte("slow"), time.Now()))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestQUICLinkUnreachable(t *testing.T) {
	d := newTestDealing(t)
	g := newTestGuardian(t, d, 1, nil)
	require.NoError(t, g.node.Close())

	link := newTestLink(t, 300*time.Millisecond)

	_, err := link.RequestShare(context.Background(), g.info, session.NewEvent([]byte("gone"), time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout), "got %v", err)
}

func TestQUICLinkPinsIdentity(t *testing.T) {
	d := newTestDealing(t)
	g := newTestGuardian(t, d, 1, nil)
	link := newTestLink(t, time.Second)

	impostor := g.info
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	impostor.IdentityKey = federation.HexBytes(pub)

	_, err = link.RequestShare(context.Background(), impostor, session.NewEvent([]byte("pin"), time.Now()))
	require.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, network.ErrIdentityMismatch)
}

func TestQUICLinkCallerCancel(t *testing.T) {
	d := newTestDealing(t)
	g := newTestGuardian(t, d, 1, nil)
	link := newTestLink(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := link.RequestShare(ctx, g.info, session.NewEvent([]byte("cancelled"), time.Now()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigRouter(t *testing.T) {
	d := newTestDealing(t)
	h := newTestHandler(t, d, 0)

	desc, err := federation.NewDescriptor(1, []federation.Guardian{{
		PeerID:      0,
		Endpoint:    "127.0.0.1:1",
		IdentityKey: make([]byte, ed25519.PublicKeySize),
		PublicShare: d.Shares[0].PublicKeyBytes(),
	}}, d.GroupKey)
	require.NoError(t, err)

	srv := httptest.NewServer(ConfigRouter(desc, h))
	defer srv.Close()

	fetched, err := federation.NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, desc.ID(), fetched.ID())

	resp, err := http.Get(srv.URL + "/notes/" + session.ComputeEventID([]byte("none")).String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func newTestServer(t *testing.T, d *threshold.Dealing, peer uint16) *Server {
	t.Helper()

	_, identity, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	db, err := storage.OpenPebble(filepath.Join(t.TempDir(), "guardian"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := NewServer(ServerConfig{
		Share:      d.Shares[peer],
		Identity:   identity,
		GroupKey:   d.GroupKey,
		AdminAuth:  testAuth,
		Store:      db,
		QUICListen: "127.0.0.1:0",
		HTTPListen: "127.0.0.1:0",
	})
	require.NoError(t, err)

	require.NoError(t, srv.Listen())
	t.Cleanup(func() { srv.Close() })

	return srv
}

func TestServerServesFederation(t *testing.T) {
	d := newTestDealing(t)

	servers := make([]*Server, len(d.Shares))
	guardians := make([]federation.Guardian, len(d.Shares))
	for i := range d.Shares {
		servers[i] = newTestServer(t, d, uint16(i))
		guardians[i] = servers[i].Info()
	}

	desc, err := federation.NewDescriptor(d.Threshold, guardians, d.GroupKey)
	require.NoError(t, err)

	for _, srv := range servers {
		require.NoError(t, srv.Serve(desc))
	}

	fetched, err := federation.NewHTTPFetcher(time.Second).Fetch(context.Background(), "http://"+servers[2].HTTPAddr())
	require.NoError(t, err)
	assert.Equal(t, desc.ID(), fetched.ID())

	link := newTestLink(t, time.Second)
	event := session.NewEvent([]byte("served"), time.Now())

	share, err := link.RequestShare(context.Background(), fetched.Guardians[1], event)
	require.NoError(t, err)
	assert.True(t, threshold.Verify(share.Signature, event.Content, d.Shares[1].PublicKeyBytes()))
}

func TestServerRejectsForeignDescriptor(t *testing.T) {
	d := newTestDealing(t)
	srv := newTestServer(t, d, 0)

	info := srv.Info()
	info.PublicShare = d.Shares[1].PublicKeyBytes()

	desc, err := federation.NewDescriptor(1, []federation.Guardian{info}, d.GroupKey)
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Serve(desc), federation.ErrInvalidConfig)

	other := newTestDealing(t)
	desc, err = federation.NewDescriptor(1, []federation.Guardian{srv.Info()}, other.GroupKey)
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Serve(desc), federation.ErrInvalidConfig)
}
