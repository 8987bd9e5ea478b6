package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Roastr/internal/coordinator"
	"Roastr/internal/federation"
	"Roastr/internal/guardian"
	"Roastr/internal/session"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

// testLink answers for every guardian of dealing. down makes every guardian unreachable.
type testLink struct {
	dealing *threshold.Dealing
	down    atomic.Bool
}

func (l *testLink) RequestShare(_ context.Context, g federation.Guardian, event session.Event) (session.Share, error) {
	if l.down.Load() {
		return session.Share{}, fmt.Errorf("%w: guardian %d", guardian.ErrUnreachable, g.PeerID)
	}
	return session.Share{PeerID: g.PeerID, Signature: l.dealing.Shares[g.PeerID].Sign(event.Content)}, nil
}

func (l *testLink) Publish(_ context.Context, g federation.Guardian, req guardian.PublishRequest) (*guardian.PublishReceipt, error) {
	if l.down.Load() {
		return nil, fmt.Errorf("%w: guardian %d", guardian.ErrUnreachable, g.PeerID)
	}
	return &guardian.PublishReceipt{PeerID: g.PeerID, EventID: req.Event.ID, PublishedAt: time.UnixMilli(time.Now().UnixMilli())}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fetcherFunc func(ctx context.Context, baseURL string) (*federation.Descriptor, error)

func (f fetcherFunc) Fetch(ctx context.Context, baseURL string) (*federation.Descriptor, error) {
	return f(ctx, baseURL)
}

type testAPI struct {
	dir     string
	dealing *threshold.Dealing
	desc    *federation.Descriptor
	link    *testLink
	db      *storage.Locked
	bridge  *Bridge
	handler http.Handler
}

func newTestDescriptor(t *testing.T, dealing *threshold.Dealing) *federation.Descriptor {
	t.Helper()

	guardians := make([]federation.Guardian, len(dealing.Shares))
	for i, share := range dealing.Shares {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		guardians[i] = federation.Guardian{
			PeerID:      share.PeerID,
			Endpoint:    fmt.Sprintf("127.0.0.1:%d", 9200+i),
			IdentityKey: federation.HexBytes(pub),
			PublicShare: share.PublicKeyBytes(),
		}
	}

	desc, err := federation.NewDescriptor(dealing.Threshold, guardians, dealing.GroupKey)
	require.NoError(t, err)

	return desc
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	dealing, err := threshold.Deal(2, 3)
	require.NoError(t, err)

	a := &testAPI{
		dir:     filepath.Join(t.TempDir(), "data"),
		dealing: dealing,
		desc:    newTestDescriptor(t, dealing),
		link:    &testLink{dealing: dealing},
	}

	a.start(t)
	t.Cleanup(a.stop)

	return a
}

func (a *testAPI) start(t *testing.T) {
	t.Helper()

	db, err := storage.Open(context.Background(), a.dir, storage.EnginePebble, storage.LockOptions{NonBlocking: true})
	require.NoError(t, err)

	fetch := fetcherFunc(func(context.Context, string) (*federation.Descriptor, error) { return a.desc, nil })
	connect := func(*federation.Membership) (guardian.Link, io.Closer, error) { return a.link, nopCloser{}, nil }

	cfg := coordinator.DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.PublishMaxElapsed = 50 * time.Millisecond

	bridge, err := NewBridge(db, fetch, connect, cfg)
	require.NoError(t, err)

	a.db, a.bridge = db, bridge
	a.handler = New(":0", bridge).Handler()
}

func (a *testAPI) stop() {
	if a.bridge == nil {
		return
	}

	a.bridge.Close()
	a.db.Close()
	a.bridge, a.db = nil, nil
}

func (a *testAPI) invite() string {
	return federation.Invite{FederationID: a.desc.ID(), PeerID: 0, URL: "http://127.0.0.1:9200"}.String()
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	return w
}

func (a *testAPI) join(t *testing.T) JoinResponse {
	t.Helper()

	w := a.do(t, http.MethodPost, "/federation/join", map[string]any{
		"invite_code":   a.invite(),
		"admin_peer_id": 1,
		"admin_auth":    hex.EncodeToString([]byte("admin-secret")),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	return decode[JoinResponse](t, w)
}

func (a *testAPI) createNote(t *testing.T, content string) string {
	t.Helper()

	w := a.do(t, http.MethodPost, "/notes", CreateNoteRequest{Content: []byte(content)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	return decode[CreateNoteResponse](t, w).EventID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())

	return v
}

func TestHealthBeforeAndAfterJoin(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["joined"])

	a.join(t)

	w = a.do(t, http.MethodGet, "/health", nil)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, true, resp["joined"])
	id := a.desc.ID()
	assert.Equal(t, hex.EncodeToString(id[:]), resp["federation_id"])
}

func TestNotesRequireJoin(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/notes", CreateNoteRequest{Content: []byte("too early")})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.False(t, decode[ErrorResponse](t, w).Retryable)
}

func TestJoin(t *testing.T) {
	a := newTestAPI(t)

	resp := a.join(t)
	id := a.desc.ID()
	assert.Equal(t, id[:], []byte(resp.FederationID))
	assert.Equal(t, 2, resp.Threshold)
	assert.Equal(t, []uint16{0, 1, 2}, resp.Guardians)
	assert.Equal(t, uint16(1), resp.AdminPeerID)

	// joining again is a no-op
	again := a.join(t)
	assert.Equal(t, resp, again)
}

func TestJoinValidation(t *testing.T) {
	a := newTestAPI(t)

	other := federation.Invite{PeerID: 0, URL: "http://127.0.0.1:1"}
	other.FederationID[0] = 0xFF

	tests := []struct {
		name string
		body any
		want int
	}{
		{"garbage invite", map[string]any{"invite_code": "roastr1nope", "admin_peer_id": 0, "admin_auth": "00"}, http.StatusBadRequest},
		{"missing invite", map[string]any{"admin_peer_id": 0, "admin_auth": "00"}, http.StatusBadRequest},
		{"missing auth", map[string]any{"invite_code": a.invite(), "admin_peer_id": 0}, http.StatusBadRequest},
		{"unknown field", map[string]any{"invite_code": a.invite(), "admin_auth": "00", "extra": 1}, http.StatusBadRequest},
		{"auth too long", map[string]any{"invite_code": a.invite(), "admin_peer_id": 0, "admin_auth": strings.Repeat("ab", guardian.MaxAuthSize+1)}, http.StatusBadRequest},
		{"admin not a guardian", map[string]any{"invite_code": a.invite(), "admin_peer_id": 9, "admin_auth": "00"}, http.StatusUnprocessableEntity},
		{"wrong federation", map[string]any{"invite_code": other.String(), "admin_peer_id": 0, "admin_auth": "00"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/federation/join", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	a.join(t)

	w := a.do(t, http.MethodPost, "/federation/join", map[string]any{"invite_code": other.String(), "admin_peer_id": 0, "admin_auth": "00"})
	assert.Equal(t, http.StatusConflict, w.Code, "an initialized client keeps its federation")
}

func TestCreateNote(t *testing.T) {
	a := newTestAPI(t)
	a.join(t)

	id := a.createNote(t, "first note")
	assert.Equal(t, session.ComputeEventID([]byte("first note")).String(), id)
	assert.Equal(t, id, a.createNote(t, "first note"))

	w := a.do(t, http.MethodPost, "/notes", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/notes", map[string]any{"content": "!!not base64!!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/notes", CreateNoteRequest{Content: make([]byte, maxContentSize+1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignBroadcastFlow(t *testing.T) {
	a := newTestAPI(t)
	a.join(t)
	id := a.createNote(t, "full flow")

	w := a.do(t, http.MethodPost, "/notes/"+id+"/sign", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	signed := decode[SignResponse](t, w)
	assert.Equal(t, "Aggregated", signed.State)
	assert.Len(t, signed.Signers, 2)
	assert.True(t, threshold.Verify(signed.Signature, []byte("full flow"), a.dealing.GroupKey))

	w = a.do(t, http.MethodGet, "/notes/"+id+"/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	sessions := decode[SessionsResponse](t, w)
	require.Len(t, sessions.Peers, 3)
	for i, p := range sessions.Peers {
		assert.Equal(t, uint16(i), p.PeerID)
	}

	w = a.do(t, http.MethodPost, "/notes/"+id+"/broadcast", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	receipt := decode[ReceiptResponse](t, w)
	assert.Equal(t, uint16(1), receipt.PeerID, "admin's guardian is tried first")
	assert.Equal(t, id, receipt.EventID)

	w = a.do(t, http.MethodGet, "/notes/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	note := decode[NoteResponse](t, w)
	assert.Equal(t, []byte("full flow"), note.Content)
	require.NotNil(t, note.Receipt)
	assert.Equal(t, receipt.PeerID, note.Receipt.PeerID)

	w = a.do(t, http.MethodGet, "/notes/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	list := decode[[]SignResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "Broadcast", list[0].State)
}

func TestSignUnavailableIsRetryable(t *testing.T) {
	a := newTestAPI(t)
	a.join(t)
	id := a.createNote(t, "guardians down")

	a.link.down.Store(true)

	w := a.do(t, http.MethodPost, "/notes/"+id+"/sign", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.True(t, decode[ErrorResponse](t, w).Retryable)

	a.link.down.Store(false)

	w = a.do(t, http.MethodPost, "/notes/"+id+"/sign?wait=5s", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestNoteErrors(t *testing.T) {
	a := newTestAPI(t)
	a.join(t)
	id := a.createNote(t, "unsigned")
	missing := session.ComputeEventID([]byte("missing")).String()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"malformed id", http.MethodPost, "/notes/xyz/sign", http.StatusBadRequest},
		{"unknown id", http.MethodPost, "/notes/" + missing + "/sign", http.StatusNotFound},
		{"unknown sessions", http.MethodGet, "/notes/" + missing + "/sessions", http.StatusNotFound},
		{"broadcast unsigned", http.MethodPost, "/notes/" + id + "/broadcast", http.StatusConflict},
		{"get unsigned", http.MethodGet, "/notes/" + id, http.StatusConflict},
		{"bad wait", http.MethodPost, "/notes/" + id + "/sign?wait=forever", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestBridgeResumesAfterRestart(t *testing.T) {
	a := newTestAPI(t)
	a.join(t)
	id := a.createNote(t, "before restart")

	a.stop()
	a.start(t)

	_, err := a.bridge.Coordinator()
	require.NoError(t, err, "an initialized store activates without join")

	w := a.do(t, http.MethodPost, "/notes/"+id+"/sign", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, false},
		{"1500ms", 1500 * time.Millisecond, false},
		{"0", 0, true},
		{"-1s", 0, true},
		{"1h", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/notes/x/sign?wait="+tt.raw, nil)

			got, err := parseWait(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"threshold not reached", coordinator.ErrThresholdNotReached, http.StatusServiceUnavailable, true},
		{"lock busy", storage.ErrLockBusy, http.StatusServiceUnavailable, true},
		{"quorum", coordinator.ErrQuorumUnreachable, http.StatusConflict, false},
		{"failed", session.ErrSessionFailed, http.StatusConflict, false},
		{"rejected", &guardian.RejectError{PeerID: 1}, http.StatusConflict, false},
		{"fetch", federation.ErrConfigFetchFailed, http.StatusBadGateway, true},
		{"not found", session.ErrNotFound, http.StatusNotFound, false},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, retryable := statusOf(fmt.Errorf("wrapped:\n%w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}
