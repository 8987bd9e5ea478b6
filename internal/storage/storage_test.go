package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories lists every engine the store can run on.
var engineFactories = map[string]func(path string) (Engine, error){
	EnginePebble: func(path string) (Engine, error) { return OpenPebble(path) },
	EngineBadger: func(path string) (Engine, error) { return OpenBadger(path) },
}

// newTestEngine opens the named engine in a temporary directory.
func newTestEngine(t *testing.T, name string) Engine {
	t.Helper()

	db, err := engineFactories[name](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

// forEachEngine runs fn as a subtest against every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, db Engine)) {
	for name := range engineFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, newTestEngine(t, name))
		})
	}
}

func TestUpdateAndGet(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		err := db.Update(func(txn Txn) error {
			return txn.Set([]byte("test-key"), []byte("test-value"))
		})
		require.NoError(t, err)

		got, err := db.Get([]byte("test-key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("test-value"), got)
	})
}

func TestGetNonExistent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		got, err := db.Get([]byte("non-existent"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestTxnReadsOwnWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		err := db.Update(func(txn Txn) error {
			if err := txn.Set([]byte("k"), []byte("v1")); err != nil {
				return err
			}

			got, err := txn.Get([]byte("k"))
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("v1"), got)

			return txn.Delete([]byte("k"))
		})
		require.NoError(t, err)

		got, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		errAbort := errors.New("abort")

		err := db.Update(func(txn Txn) error {
			if err := txn.Set([]byte("a"), []byte("1")); err != nil {
				return err
			}
			if err := txn.Set([]byte("b"), []byte("2")); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		for _, key := range []string{"a", "b"} {
			got, err := db.Get([]byte(key))
			require.NoError(t, err)
			assert.Nil(t, got, "key %q must not be committed", key)
		}
	})
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		const workers = 16
		key := []byte("counter")

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				err := db.Update(func(txn Txn) error {
					cur, err := txn.Get(key)
					if err != nil {
						return err
					}
					return txn.Set(key, append(cur, 'x'))
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := db.Get(key)
		require.NoError(t, err)
		assert.Len(t, got, workers)
	})
}

func TestIteratePrefix(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db Engine) {
		err := db.Update(func(txn Txn) error {
			for i := 0; i < 3; i++ {
				if err := txn.Set([]byte(fmt.Sprintf("s/%d", i)), []byte{byte(i)}); err != nil {
					return err
				}
			}
			return txn.Set([]byte("t/0"), []byte("other"))
		})
		require.NoError(t, err)

		var keys []string
		err = db.IteratePrefix([]byte("s/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"s/0", "s/1", "s/2"}, keys)
	})
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("s0"), prefixUpperBound([]byte("s/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xFF}))
	assert.Nil(t, prefixUpperBound([]byte{0xFF, 0xFF}))
}

func TestReopenKeepsData(t *testing.T) {
	for name, open := range engineFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")

			db, err := open(path)
			require.NoError(t, err)
			require.NoError(t, db.Update(func(txn Txn) error {
				return txn.Set([]byte("persist"), []byte("me"))
			}))
			require.NoError(t, db.Close())

			db, err = open(path)
			require.NoError(t, err)
			defer db.Close()

			got, err := db.Get([]byte("persist"))
			require.NoError(t, err)
			assert.Equal(t, []byte("me"), got)
		})
	}
}

func BenchmarkUpdate(b *testing.B) {
	db, err := OpenPebble(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer db.Close()

	value := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("s/%08d", i))
		if err := db.Update(func(txn Txn) error { return txn.Set(key, value) }); err != nil {
			b.Fatalf("update: %v", err)
		}
	}
}
