package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperDirEnv = "ROASTR_LOCK_HELPER_DIR"

func TestNonBlockingLockBusy(t *testing.T) {
	dir := t.TempDir()

	first, err := NewLockedBuilder(context.Background(), dir, LockOptions{})
	require.NoError(t, err)
	defer first.Release()

	_, err = NewLockedBuilder(context.Background(), dir, LockOptions{NonBlocking: true})
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestBlockingLockWaitsForRelease(t *testing.T) {
	dir := t.TempDir()

	first, err := NewLockedBuilder(context.Background(), dir, LockOptions{})
	require.NoError(t, err)

	acquired := make(chan *LockedBuilder, 1)
	go func() {
		b, err := NewLockedBuilder(context.Background(), dir, LockOptions{RetryDelay: 10 * time.Millisecond})
		assert.NoError(t, err)
		acquired <- b
	}()

	select {
	case <-acquired:
		t.Fatal("second builder acquired a held lock")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Release())

	select {
	case b := <-acquired:
		require.NotNil(t, b)
		require.NoError(t, b.Release())
	case <-time.After(5 * time.Second):
		t.Fatal("second builder never acquired the released lock")
	}
}

func TestBlockingLockHonoursContext(t *testing.T) {
	dir := t.TempDir()

	first, err := NewLockedBuilder(context.Background(), dir, LockOptions{})
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = NewLockedBuilder(ctx, dir, LockOptions{RetryDelay: 10 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenHoldsLockForStoreLifetime(t *testing.T) {
	for _, engine := range []string{EnginePebble, EngineBadger} {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()

			store, err := Open(context.Background(), dir, engine, LockOptions{})
			require.NoError(t, err)

			require.NoError(t, store.Update(func(txn Txn) error {
				return txn.Set([]byte("k"), []byte("v"))
			}))

			_, err = Open(context.Background(), dir, engine, LockOptions{NonBlocking: true})
			require.ErrorIs(t, err, ErrLockBusy)

			require.NoError(t, store.Close())

			reopened, err := Open(context.Background(), dir, engine, LockOptions{NonBlocking: true})
			require.NoError(t, err)
			defer reopened.Close()

			got, err := reopened.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestOpenUnknownEngineReleasesLock(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(context.Background(), dir, "rocks", LockOptions{})
	require.Error(t, err)

	b, err := NewLockedBuilder(context.Background(), dir, LockOptions{NonBlocking: true})
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

// TestLockReleasedWhenOwnerKilled starts a second process that takes the lock,
// kills it, and checks the lock can be acquired afterwards.
func TestLockReleasedWhenOwnerKilled(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a helper process")
	}

	dir := t.TempDir()

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcessHoldLock$")
	cmd.Env = append(os.Environ(), helperDirEnv+"="+dir)

	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	scanner := bufio.NewScanner(stdout)
	ready := false
	for scanner.Scan() {
		if scanner.Text() == "locked" {
			ready = true
			break
		}
	}
	require.True(t, ready, "helper process never reported the lock")

	_, err = NewLockedBuilder(context.Background(), dir, LockOptions{NonBlocking: true})
	require.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	b, err := NewLockedBuilder(context.Background(), dir, LockOptions{NonBlocking: true})
	require.NoError(t, err)
	require.NoError(t, b.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	require.NoError(t, err, "sentinel file stays; only the kernel lock goes away")
}

// TestHelperProcessHoldLock is the body of the helper process.
func TestHelperProcessHoldLock(t *testing.T) {
	dir := os.Getenv(helperDirEnv)
	if dir == "" {
		t.Skip("only runs as a helper process")
	}

	if _, err := NewLockedBuilder(context.Background(), dir, LockOptions{NonBlocking: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Println("locked")
	time.Sleep(time.Minute)
	os.Exit(0)
}
