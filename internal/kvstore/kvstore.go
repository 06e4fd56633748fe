// Package kvstore wraps a single memory-mapped key/value environment:
// one bbolt database per partition directory, with a transactional
// put/get/delete/contains/iterate surface over raw bytes. It deliberately
// knows nothing about assets, indices, or partitions — deserialization and
// eviction policy live one level up, in internal/partition and
// internal/storage, matching the layering of aistore's dbdriver.Driver
// interface (internal/kvstore.Environment plays the same role bunt.go's
// BuntDriver plays for aistore's local db, adapted to bbolt because this
// server calls for a fixed-map-size memory-mapped B+tree rather than an
// append-log index).
package kvstore

import (
	"fmt"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/kf6kjg/whip-lru/internal/werrors"
)

var bucketName = []byte("assets")

// Environment is one partition's memory-mapped key/value store. bbolt has
// no notion of a fixed virtual map size the way LMDB does (it grows the
// backing file on demand); Environment emulates a fixed map size by
// tracking approximate bytes used and rejecting a Put that would push the
// environment over maxBytes with the same MapFullError an LMDB-backed
// adapter would surface for a literal map-full condition.
type Environment struct {
	db       *bolt.DB
	path     string
	maxBytes uint64
	used     int64 // atomic, approximate bytes of values stored
}

// Open opens (creating if absent) the bbolt environment at path:
// "<partition-dir>/data.mdb" plus a bbolt-managed lock.
func Open(path string, maxBytes uint64) (*Environment, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	env := &Environment{db: db, path: path, maxBytes: maxBytes}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init bucket %s: %w", path, err)
	}
	if err := env.recomputeUsed(); err != nil {
		db.Close()
		return nil, err
	}
	return env, nil
}

func (e *Environment) recomputeUsed() error {
	var used int64
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			used += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("kvstore: scan %s: %w", e.path, err)
	}
	atomic.StoreInt64(&e.used, used)
	return nil
}

// Close unmaps and closes the environment's file.
func (e *Environment) Close() error {
	return e.db.Close()
}

// Path returns the environment's backing file path.
func (e *Environment) Path() string { return e.path }

// Used returns the approximate number of value bytes stored.
func (e *Environment) Used() uint64 {
	return uint64(atomic.LoadInt64(&e.used))
}

// Put performs an insert-only put: it fails with a *werrors.KeyExistsError
// if key is already present, and with a *werrors.MapFullError if writing
// value would exceed the environment's configured budget.
func (e *Environment) Put(key, value []byte) error {
	grow := int64(len(value))
	if e.maxBytes > 0 && uint64(atomic.LoadInt64(&e.used)+grow) > e.maxBytes {
		return &werrors.MapFullError{Partition: e.path}
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(key) != nil {
			return &werrors.KeyExistsError{Key: fmt.Sprintf("%x", key)}
		}
		return b.Put(key, value)
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&e.used, grow)
	return nil
}

// Get returns the stored bytes for key, or ok=false if absent.
func (e *Environment) Get(key []byte) (value []byte, ok bool, err error) {
	err = e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", e.path, err)
	}
	return value, ok, nil
}

// Contains reports whether key is present, without copying its value.
func (e *Environment) Contains(key []byte) (bool, error) {
	var ok bool
	err := e.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketName).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("kvstore: contains %s: %w", e.path, err)
	}
	return ok, nil
}

// Delete removes key if present; deleting an absent key is not an error.
func (e *Environment) Delete(key []byte) error {
	var freed int64
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if v := b.Get(key); v != nil {
			freed = int64(len(v))
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", e.path, err)
	}
	if freed > 0 {
		atomic.AddInt64(&e.used, -freed)
	}
	return nil
}

// ForEachKey calls fn with every key currently stored, in bbolt's natural
// (sorted) cursor order. fn must not mutate the environment.
func (e *Environment) ForEachKey(fn func(key []byte) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := fn(k); err != nil {
				return err
			}
		}
		return nil
	})
}
