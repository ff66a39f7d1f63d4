// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package leveldb implements the storage engine on top of goleveldb.  It is
// the default backend of mnd and, through NewMemDB, the backend of every unit
// test.
package leveldb

import (
	"sync/atomic"

	"github.com/mndnet/mnd/database/engine"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrDbClosed is returned by every operation on a closed engine.
var ErrDbClosed = errors.New("leveldb: closed")

func options(create bool) *opt.Options {
	return &opt.Options{
		ErrorIfExist: create,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
		Filter:       filter.NewBloomFilter(10),
	}
}

// NewDB opens (or creates) a goleveldb backed engine at dbPath.
func NewDB(dbPath string, create bool) (engine.Engine, error) {
	ldb, err := leveldb.OpenFile(dbPath, options(create))
	if err != nil {
		return nil, errors.Wrapf(err, "leveldb: open %s", dbPath)
	}
	return &db{ldb: ldb}, nil
}

// NewMemDB returns an engine that keeps everything in memory.
func NewMemDB() engine.Engine {
	ldb, err := leveldb.Open(storage.NewMemStorage(), options(false))
	if err != nil {
		// Opening a fresh memory storage can not fail.
		panic(err)
	}
	return &db{ldb: ldb}
}

type db struct {
	ldb    *leveldb.DB
	closed atomic.Bool
}

// Transaction opens a write batch.  goleveldb allows a single open
// transaction at a time, later callers block until it is committed or
// discarded.
func (d *db) Transaction() (engine.Transaction, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	tx, err := d.ldb.OpenTransaction()
	if err != nil {
		return nil, errors.Wrap(err, "leveldb: open transaction")
	}
	return &transaction{tx: tx}, nil
}

func (d *db) Snapshot() (engine.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	s, err := d.ldb.GetSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "leveldb: snapshot")
	}
	return &snapshot{s: s}, nil
}

func (d *db) Close() error {
	if d.closed.Swap(true) {
		return ErrDbClosed
	}
	return d.ldb.Close()
}

type transaction struct {
	tx   *leveldb.Transaction
	done bool
}

func (t *transaction) Put(key, value []byte) error {
	if t.done {
		return engine.ErrTxClosed
	}
	return t.tx.Put(key, value, nil)
}

func (t *transaction) Delete(key []byte) error {
	if t.done {
		return engine.ErrTxClosed
	}
	return t.tx.Delete(key, nil)
}

func (t *transaction) Commit() error {
	if t.done {
		return engine.ErrTxClosed
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, "leveldb: commit")
	}
	return nil
}

func (t *transaction) Discard() {
	if !t.done {
		t.done = true
		t.tx.Discard()
	}
}

type snapshot struct {
	s        *leveldb.Snapshot
	released bool
}

func (s *snapshot) Has(key []byte) (bool, error) {
	if s.released {
		return false, engine.ErrSnapshotReleased
	}
	return s.s.Has(key, nil)
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.released {
		return nil, engine.ErrSnapshotReleased
	}
	val, err := s.s.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, engine.ErrNotFound
	}
	return val, err
}

func (s *snapshot) NewIterator(r *engine.Range) engine.Iterator {
	if s.released {
		return engine.ReleasedIterator()
	}
	return &iter{Iterator: s.s.NewIterator(&util.Range{
		Start: r.Start,
		Limit: r.Limit,
	}, nil)}
}

func (s *snapshot) Release() {
	if !s.released {
		s.released = true
		s.s.Release()
	}
}

// iter adapts a goleveldb iterator.  The positioning methods are goleveldb's
// own.
type iter struct {
	iterator.Iterator
	released bool
}

func (i *iter) Error() error {
	if i.released {
		return engine.ErrIterReleased
	}
	return i.Iterator.Error()
}

func (i *iter) Release() {
	if !i.released {
		i.released = true
		i.Iterator.Release()
	}
}
