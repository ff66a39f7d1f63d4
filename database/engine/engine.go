// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package engine defines the key/value storage interface shared by the
// leveldb and pebble backends, plus small helpers built on it.
package engine

import "errors"

var (
	// ErrNotFound is returned by Snapshot.Get when the key does not exist.
	// Every backend maps its own not-found error onto this value.
	ErrNotFound = errors.New("engine: key not found")

	// ErrIterReleased is returned by Iterator.Error once the iterator has
	// been released.
	ErrIterReleased = errors.New("engine: iterator released")

	// ErrTxClosed is returned when a committed or discarded transaction is
	// used again.
	ErrTxClosed = errors.New("engine: transaction already closed")

	// ErrSnapshotReleased is returned when a released snapshot is read.
	ErrSnapshotReleased = errors.New("engine: snapshot released")
)

// Engine is a key/value store with atomic write batches and consistent read
// snapshots.  The masternode list, quorum commitments, recovered signatures,
// sporks and blocks are all persisted through it.
type Engine interface {
	Transaction() (Transaction, error)
	Snapshot() (Snapshot, error)
	Close() error
}

// Transaction is an atomic batch of writes.  Nothing is visible to readers
// until Commit returns successfully.
type Transaction interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Discard()
}

// Snapshot is a consistent point-in-time view of the store.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIterator(*Range) Iterator
	Releaser
}

// Releaser is implemented by the values holding backend resources.  Release
// may be called more than once.
type Releaser interface {
	Release()
}

// View runs fn against a fresh snapshot which is released once fn returns.
func View(e Engine, fn func(s Snapshot) error) error {
	s, err := e.Snapshot()
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Update runs fn inside a transaction that is committed when fn returns nil
// and discarded otherwise.
func Update(e Engine, fn func(tx Transaction) error) error {
	tx, err := e.Transaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// Get fetches a single value.  A missing key yields (nil, nil).
func Get(e Engine, key []byte) ([]byte, error) {
	var value []byte
	err := View(e, func(s Snapshot) error {
		v, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		value = v
		return err
	})
	return value, err
}

// ForEach calls fn for every key/value pair whose key starts with prefix, in
// key order.  Iteration stops at the first error returned by fn.
func ForEach(e Engine, prefix []byte, fn func(key, value []byte) error) error {
	return View(e, func(s Snapshot) error {
		iter := s.NewIterator(BytesPrefix(prefix))
		defer iter.Release()
		for iter.Next() {
			if err := fn(iter.Key(), iter.Value()); err != nil {
				return err
			}
		}
		return iter.Error()
	})
}
