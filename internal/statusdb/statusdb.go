// Package statusdb persists small, non-asset counters the connection
// server reports through STATUS_GET (total requests served by type, total
// bytes served) across restarts. It is a distinct store from the asset
// cache itself (internal/kvstore) — adapted from aistore's
// dbdriver.BuntDriver (its local metadata database), kept for the
// concern it actually fits: transient operational bookkeeping, not
// asset bytes.
package statusdb

import (
	"fmt"
	"strconv"

	"github.com/tidwall/buntdb"
)

const autoShrinkSize = 1 << 20 // 1 MiB, matching dbdriver.BuntDriver's default

// DB is a small counters store backed by buntdb.
type DB struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the counters database at path.
func Open(path string) (*DB, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("statusdb: open %s: %w", path, err)
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: 50,
	})
	return &DB{db: db}, nil
}

// Close closes the counters database.
func (d *DB) Close() error { return d.db.Close() }

// Incr adds delta to the named counter and returns its new value.
func (d *DB) Incr(name string, delta int64) (int64, error) {
	var result int64
	err := d.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(name)
		var v int64
		if err == nil {
			v, _ = strconv.ParseInt(cur, 10, 64)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		v += delta
		result = v
		_, _, err = tx.Set(name, strconv.FormatInt(v, 10), nil)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("statusdb: incr %s: %w", name, err)
	}
	return result, nil
}

// Get returns the named counter's current value, or 0 if never set.
func (d *DB) Get(name string) (int64, error) {
	var v int64
	err := d.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, _ = strconv.ParseInt(s, 10, 64)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("statusdb: get %s: %w", name, err)
	}
	return v, nil
}

// Snapshot returns every counter currently stored, for STATUS_GET.
func (d *DB) Snapshot() (map[string]int64, error) {
	out := make(map[string]int64)
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			v, _ := strconv.ParseInt(value, 10, 64)
			out[key] = v
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("statusdb: snapshot: %w", err)
	}
	return out, nil
}
