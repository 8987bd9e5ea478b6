package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Roastr/client"
	"Roastr/internal/session"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

func TestEndToEndSignAndBroadcast(t *testing.T) {
	ctx := context.Background()
	fed := startFederation(t, 3, 5)
	daemon := startDaemon(t, filepath.Join(t.TempDir(), "client"))

	joined, err := daemon.Client.Join(ctx, fed.Invite(0), 2, adminAuth)
	require.NoError(t, err)
	assert.Equal(t, 3, joined.Threshold)
	assert.Len(t, joined.Guardians, 5)

	content := []byte("hello from the federation")
	id, err := daemon.Client.CreateNote(ctx, content)
	require.NoError(t, err)

	signed, err := daemon.Client.SignNote(ctx, id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Aggregated", signed.State)
	assert.Len(t, signed.Signers, 3)
	assert.True(t, threshold.Verify(signed.Signature, content, fed.Dealing.GroupKey))

	receipt, err := daemon.Client.BroadcastNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), receipt.PeerID)
	assert.False(t, receipt.Duplicate)

	eventID, err := session.ParseEventID(id)
	require.NoError(t, err)

	published, err := fed.Guardians[2].server.Handler().Published(eventID)
	require.NoError(t, err)
	require.NotNil(t, published)
	assert.Equal(t, content, published.Content)

	resp, err := http.Get("http://" + fed.Guardians[2].httpAddr + "/notes/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var note map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&note))
	assert.Equal(t, id, note["event_id"])
}

func TestEndToEndToleratesDownGuardians(t *testing.T) {
	ctx := context.Background()
	fed := startFederation(t, 3, 5)
	daemon := startDaemon(t, filepath.Join(t.TempDir(), "client"))

	_, err := daemon.Client.Join(ctx, fed.Invite(0), 0, adminAuth)
	require.NoError(t, err)

	fed.Guardians[2].Stop()
	fed.Guardians[4].Stop()

	content := []byte("two guardians offline")
	id, err := daemon.Client.CreateNote(ctx, content)
	require.NoError(t, err)

	signed, err := daemon.Client.SignNote(ctx, id, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 3}, signed.Signers)
	assert.True(t, threshold.Verify(signed.Signature, content, fed.Dealing.GroupKey))

	sessions, err := daemon.Client.SigningSessions(ctx, id)
	require.NoError(t, err)
	for _, p := range sessions.Peers {
		switch p.PeerID {
		case 0, 1, 3:
			assert.Equal(t, "verified", p.Status)
		default:
			assert.Equal(t, "missing", p.Status)
		}
	}
}

func TestEndToEndResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	fed := startFederation(t, 2, 3)
	daemon := startDaemon(t, filepath.Join(t.TempDir(), "client"))

	_, err := daemon.Client.Join(ctx, fed.Invite(1), 1, adminAuth)
	require.NoError(t, err)

	fed.Guardians[1].Stop()
	fed.Guardians[2].Stop()

	content := []byte("signed across a restart")
	id, err := daemon.Client.CreateNote(ctx, content)
	require.NoError(t, err)

	_, err = daemon.Client.SignNote(ctx, id, 30*time.Second)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.True(t, client.IsRetryable(err))

	sessions, err := daemon.Client.SigningSessions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Soliciting", sessions.State)

	daemon.Restart(t)

	joined, err := daemon.Client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, joined, "membership is loaded from the store")

	fed.Guardians[2].Restart(t, fed.Descriptor)

	signed, err := daemon.Client.SignNoteUntilDone(ctx, id, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 2}, signed.Signers)
	assert.True(t, threshold.Verify(signed.Signature, content, fed.Dealing.GroupKey))

	// the admin's guardian is down, publication falls back to the lowest peer
	receipt, err := daemon.Client.BroadcastNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), receipt.PeerID)

	again, err := daemon.Client.BroadcastNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, receipt.PeerID, again.PeerID)
}

func TestEndToEndSameNoteTwice(t *testing.T) {
	ctx := context.Background()
	fed := startFederation(t, 2, 3)
	daemon := startDaemon(t, filepath.Join(t.TempDir(), "client"))

	_, err := daemon.Client.Join(ctx, fed.Invite(0), 0, adminAuth)
	require.NoError(t, err)

	first, err := daemon.Client.CreateNote(ctx, []byte("idempotent"))
	require.NoError(t, err)

	signed, err := daemon.Client.SignNote(ctx, first, 10*time.Second)
	require.NoError(t, err)

	second, err := daemon.Client.CreateNote(ctx, []byte("idempotent"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	again, err := daemon.Client.SignNote(ctx, second, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, signed.Signature, again.Signature)

	notes, err := daemon.Client.Notes(ctx)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestDaemonDataDirIsExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "client")
	startDaemon(t, dir)

	_, err := storage.Open(context.Background(), dir, storage.EnginePebble, storage.LockOptions{NonBlocking: true})
	assert.ErrorIs(t, err, storage.ErrLockBusy)
}
