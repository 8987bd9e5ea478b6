package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"Roastr/internal/logger"
)

const (
	// LockFileName is the sentinel file locked inside a data directory.
	LockFileName = "roastr.lock"

	// dbDirName is the engine directory inside a data directory.
	dbDirName = "db"

	// defaultLockRetryDelay is the polling interval while waiting for the lock.
	defaultLockRetryDelay = 100 * time.Millisecond
)

// ErrLockBusy is returned when another process holds the data directory lock
// and the caller asked not to wait.
var ErrLockBusy = errors.New("data directory is locked by another process")

// LockOptions selects how lock contention is handled.
type LockOptions struct {
	NonBlocking bool          // NonBlocking fails with ErrLockBusy instead of waiting
	RetryDelay  time.Duration // RetryDelay is the polling interval while waiting
}

// LockedBuilder holds an acquired directory lock until it is handed to a database.
type LockedBuilder struct {
	lock *flock.Flock
	dir  string
}

// NewLockedBuilder acquires the advisory lock on dir/roastr.lock.
// The lock is an flock(2) on the open descriptor, so the kernel drops it
// when the owning process exits for any reason.
func NewLockedBuilder(ctx context.Context, dir string, opts LockOptions) (*LockedBuilder, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir %s:\n%w", dir, err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	lock := flock.New(lockPath)

	logger.Debug("acquiring database lock", "path", lockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s:\n%w", lockPath, err)
	}

	if !locked {
		if opts.NonBlocking {
			return nil, fmt.Errorf("lock %s:\n%w", lockPath, ErrLockBusy)
		}

		retryDelay := opts.RetryDelay
		if retryDelay <= 0 {
			retryDelay = defaultLockRetryDelay
		}

		logger.Info("waiting for the database lock", "path", lockPath)

		locked, err = lock.TryLockContext(ctx, retryDelay)
		if err != nil {
			return nil, fmt.Errorf("wait for lock %s:\n%w", lockPath, err)
		}

		if !locked {
			return nil, fmt.Errorf("lock %s:\n%w", lockPath, ErrLockBusy)
		}
	}

	logger.Debug("acquired database lock", "path", lockPath)

	return &LockedBuilder{lock: lock, dir: dir}, nil
}

// Dir returns the locked data directory.
func (b *LockedBuilder) Dir() string {
	return b.dir
}

// WithDB wraps an already-open engine; the lock now lives as long as the Locked store.
func (b *LockedBuilder) WithDB(db Engine) *Locked {
	return &Locked{inner: db, lock: b.lock}
}

// Release drops the lock without attaching a database.
func (b *LockedBuilder) Release() error {
	return b.lock.Unlock()
}

// Locked is an Engine guarded by a process-wide directory lock.
// Every Engine operation is passed through to the wrapped database.
type Locked struct {
	inner Engine
	lock  *flock.Flock
}

// Open locks dir, then opens the named engine in dir/db.
func Open(ctx context.Context, dir, engine string, opts LockOptions) (*Locked, error) {
	builder, err := NewLockedBuilder(ctx, dir, opts)
	if err != nil {
		return nil, err
	}

	db, err := openEngine(engine, filepath.Join(dir, dbDirName))
	if err != nil {
		_ = builder.Release()
		return nil, err
	}

	return builder.WithDB(db), nil
}

// openEngine opens the engine registered under name.
func openEngine(name, path string) (Engine, error) {
	switch name {
	case "", EnginePebble:
		return OpenPebble(path)
	case EngineBadger:
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", name)
	}
}

// Get reads key from the wrapped engine. A missing key returns nil, nil.
func (l *Locked) Get(key []byte) ([]byte, error) {
	return l.inner.Get(key)
}

// Update runs fn in one atomic transaction of the wrapped engine.
func (l *Locked) Update(fn func(txn Txn) error) error {
	return l.inner.Update(fn)
}

// IteratePrefix calls fn for every key under prefix in ascending order.
func (l *Locked) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return l.inner.IteratePrefix(prefix, fn)
}

// Close closes the wrapped engine and then releases the directory lock.
// The lock is released even if closing the engine fails.
func (l *Locked) Close() error {
	closeErr := l.inner.Close()
	unlockErr := l.lock.Unlock()

	if closeErr != nil {
		return fmt.Errorf("close engine:\n%w", closeErr)
	}

	if unlockErr != nil {
		return fmt.Errorf("release lock:\n%w", unlockErr)
	}

	return nil
}
