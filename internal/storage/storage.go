package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Engine names accepted by Open.
const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
)

// Txn is the view of the store inside an Update call.
// Reads observe the transaction's own pending writes.
type Txn interface {
	// Get returns the value for key, or nil if the key does not exist.
	Get(key []byte) ([]byte, error)
	// Set stores a key-value pair.
	Set(key, value []byte) error
	// Delete removes a key.
	Delete(key []byte) error
}

// Engine is a persistent key-value store with atomic transactions.
// Update calls are serialized and durable once they return nil.
type Engine interface {
	// Get returns the value for key, or nil if the key does not exist.
	Get(key []byte) ([]byte, error)
	// Update runs fn in a transaction and commits it if fn returns nil.
	Update(fn func(txn Txn) error) error
	// IteratePrefix calls fn for each pair whose key starts with prefix, in key order.
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	// Close releases the engine.
	Close() error
}

// PebbleStorage provides an Engine backed by Pebble.
// Writers are serialized by writeMu and commit an indexed batch with a WAL sync.
type PebbleStorage struct {
	db      *pebble.DB // db is the underlying Pebble database
	writeMu sync.Mutex // writeMu serializes Update calls
}

// OpenPebble opens (or creates) a Pebble database at the given path.
func OpenPebble(path string) (*PebbleStorage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	return &PebbleStorage{db: db}, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *PebbleStorage) Get(key []byte) ([]byte, error) {
	return pebbleGet(s.db, key)
}

// Update runs fn against an indexed batch and commits it synchronously.
// Either all writes made by fn are applied or none.
func (s *PebbleStorage) Update(fn func(txn Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTxn{batch: batch}); err != nil {
		return err
	}

	if batch.Empty() {
		return nil
	}

	return batch.Commit(pebble.Sync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (s *PebbleStorage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close flushes the WAL and closes the database.
func (s *PebbleStorage) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return err
	}

	return s.db.Close()
}

// pebbleTxn adapts an indexed batch to Txn.
type pebbleTxn struct {
	batch *pebble.Batch
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	return pebbleGet(t.batch, key)
}

func (t *pebbleTxn) Set(key, value []byte) error {
	return t.batch.Set(key, value, nil)
}

func (t *pebbleTxn) Delete(key []byte) error {
	return t.batch.Delete(key, nil)
}

// pebbleGet reads a key from a database or indexed batch and copies the value out.
func pebbleGet(r pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF -> unbounded
}
