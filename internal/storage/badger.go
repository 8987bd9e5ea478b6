package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStorage provides an Engine backed by BadgerDB.
// SyncWrites makes each commit durable; writeMu keeps a single writer so
// Update never surfaces badger.ErrConflict to callers.
type BadgerStorage struct {
	db      *badger.DB
	writeMu sync.Mutex
}

// OpenBadger opens (or creates) a Badger database in the given directory.
func OpenBadger(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithIndexCacheSize(8 << 20).
		WithBlockCacheSize(8 << 20).
		WithVerifyValueChecksum(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s:\n%w", path, err)
	}

	return &BadgerStorage{db: db}, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (b *BadgerStorage) Get(key []byte) ([]byte, error) {
	var result []byte

	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		result, err = badgerGet(txn, key)
		return err
	})

	return result, err
}

// Update runs fn inside a read-write Badger transaction.
func (b *BadgerStorage) Update(fn func(txn Txn) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
func (b *BadgerStorage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

// badgerTxn adapts a Badger transaction to Txn.
type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	return badgerGet(t.txn, key)
}

func (t *badgerTxn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

// badgerGet reads a key and copies the value out of the transaction.
func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return item.ValueCopy(nil)
}
