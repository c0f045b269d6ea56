// Package store wraps the embedded Badger database that holds all durable
// agent state: baseline, lock state, audit trail, offline queue and the
// heartbeat sync log. Each concern gets its own key prefix; values are JSON.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog/log"
)

// This is the discard ratio recommended in Badger docs.
const compactionDiscardRatio = 0.5

var compactionInterval = 5 * time.Minute

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// DB is a wrapper around badger.DB that provides a background compaction
// routine and JSON record helpers.
type DB struct {
	*badger.DB
	closeChan chan struct{}
	m         sync.Mutex // synchronizes start/stop compaction.
}

// Open opens (initializing if necessary) a Badger database at the specified
// path. Users must close the DB with Close().
func Open(path string) (*DB, error) {
	// DefaultOptions sets synchronous writes to true (maximum data integrity).
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}

	d := &DB{DB: db}
	d.startBackgroundCompaction()
	return d, nil
}

// startBackgroundCompaction starts a background loop that calls the value-log
// GC. Badger does not do this automatically.
func (d *DB) startBackgroundCompaction() {
	d.m.Lock()
	defer d.m.Unlock()

	if d.closeChan != nil {
		panic("background compaction already running")
	}
	d.closeChan = make(chan struct{})

	go func() {
		ticker := time.NewTicker(compactionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.closeChan:
				return
			case <-ticker.C:
				// Run GC until it returns an error (nothing left to collect).
				for {
					if err := d.RunValueLogGC(compactionDiscardRatio); err != nil {
						if !errors.Is(err, badger.ErrNoRewrite) {
							log.Error().Err(err).Msg("compact badger")
						}
						break
					}
				}
			}
		}
	}()
}

func (d *DB) stopBackgroundCompaction() {
	d.m.Lock()
	defer d.m.Unlock()

	if d.closeChan != nil {
		close(d.closeChan)
		d.closeChan = nil
	}
}

// Close stops the background compaction and closes the underlying DB.
func (d *DB) Close() error {
	d.stopBackgroundCompaction()
	if err := d.DB.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// SetJSON marshals v and stores it under key in a single transaction.
func (d *DB) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = d.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads the value under key and unmarshals it into v. Returns
// ErrNotFound when the key does not exist.
func (d *DB) GetJSON(key string, v any) error {
	err := d.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key string) error {
	err := d.Update(func(tx *badger.Txn) error {
		return tx.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// IterPrefix calls fn for every key with the given prefix, in key order.
// Returning an error from fn stops the iteration and is propagated.
func (d *DB) IterPrefix(prefix string, fn func(key string, value []byte) error) error {
	return d.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// KeysWithPrefix returns all keys with the given prefix, in key order.
func (d *DB) KeysWithPrefix(prefix string) ([]string, error) {
	var keys []string
	err := d.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	return keys, nil
}
