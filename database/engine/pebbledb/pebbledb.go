// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pebbledb implements the storage engine on top of pebble.  It is
// selected with --dbtype=pebble.
package pebbledb

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/mndnet/mnd/database/engine"
	"github.com/pkg/errors"
)

// ErrDbClosed is returned by every operation on a closed engine.
var ErrDbClosed = errors.New("pebbledb: closed")

const (
	// DefaultCache is the default block cache size in MiB.
	DefaultCache = 64

	// DefaultHandles is the default maximum number of open files.
	DefaultHandles = 16
)

// NewDB opens (or creates) a pebble backed engine at dbPath.  cache is the
// block cache size in MiB and handles the maximum number of open files.
func NewDB(dbPath string, create bool, cache, handles int) (engine.Engine, error) {
	if cache <= 0 {
		cache = DefaultCache
	}
	if handles <= 0 {
		handles = DefaultHandles
	}

	// Masternode list diffs and quorum records are small, so the levels
	// start with small files and grow geometrically.
	levels := make([]pebble.LevelOptions, 7)
	for i := range levels {
		levels[i] = pebble.LevelOptions{
			TargetFileSize: 2 << 20 << i,
			FilterPolicy:   bloom.FilterPolicy(10),
		}
	}
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(cache) << 20),
		ErrorIfExists:            create,
		MaxOpenFiles:             handles,
		MaxConcurrentCompactions: runtime.NumCPU,
		Levels:                   levels,
	}
	opts.Experimental.ReadSamplingMultiplier = -1

	pdb, err := pebble.Open(dbPath, opts)
	opts.Cache.Unref()
	if err != nil {
		return nil, errors.Wrapf(err, "pebbledb: open %s", dbPath)
	}
	return &db{pdb: pdb}, nil
}

type db struct {
	pdb    *pebble.DB
	closed atomic.Bool
}

func (d *db) Transaction() (engine.Transaction, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &transaction{batch: d.pdb.NewBatch()}, nil
}

func (d *db) Snapshot() (engine.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &snapshot{s: d.pdb.NewSnapshot()}, nil
}

func (d *db) Close() error {
	if d.closed.Swap(true) {
		return ErrDbClosed
	}
	return d.pdb.Close()
}

// transaction buffers writes in a batch that is applied with a synced commit.
type transaction struct {
	batch *pebble.Batch
	done  bool
}

func (t *transaction) Put(key, value []byte) error {
	if t.done {
		return engine.ErrTxClosed
	}
	return t.batch.Set(key, value, pebble.NoSync)
}

func (t *transaction) Delete(key []byte) error {
	if t.done {
		return engine.ErrTxClosed
	}
	return t.batch.Delete(key, pebble.NoSync)
}

func (t *transaction) Commit() error {
	if t.done {
		return engine.ErrTxClosed
	}
	t.done = true
	defer t.batch.Close()
	if err := t.batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "pebbledb: commit")
	}
	return nil
}

func (t *transaction) Discard() {
	if !t.done {
		t.done = true
		t.batch.Close()
	}
}

type snapshot struct {
	s        *pebble.Snapshot
	released bool
}

func (s *snapshot) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Get returns a copy of the value, the slice pebble hands out is only valid
// until its closer runs.
func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.released {
		return nil, engine.ErrSnapshotReleased
	}
	v, closer, err := s.s.Get(key)
	if err == pebble.ErrNotFound {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	val := make([]byte, len(v))
	copy(val, v)
	return val, nil
}

func (s *snapshot) NewIterator(r *engine.Range) engine.Iterator {
	if s.released {
		return engine.ReleasedIterator()
	}
	it, err := s.s.NewIter(&pebble.IterOptions{
		LowerBound: r.Start,
		UpperBound: r.Limit,
	})
	if err != nil {
		return &iter{err: err}
	}
	return &iter{it: it}
}

func (s *snapshot) Release() {
	if !s.released {
		s.released = true
		s.s.Close()
	}
}

// iter gives a pebble iterator the goleveldb semantics of the engine: it
// starts before the first pair, so the first Next lands on it.
type iter struct {
	it       *pebble.Iterator
	started  bool
	released bool
	err      error
}

func (i *iter) First() bool {
	if i.it == nil {
		return false
	}
	i.started = true
	return i.it.First()
}

func (i *iter) Last() bool {
	if i.it == nil {
		return false
	}
	i.started = true
	return i.it.Last()
}

func (i *iter) Seek(key []byte) bool {
	if i.it == nil {
		return false
	}
	i.started = true
	return i.it.SeekGE(key)
}

func (i *iter) Next() bool {
	if i.it == nil || i.released {
		return false
	}
	if !i.started {
		return i.First()
	}
	return i.it.Next()
}

func (i *iter) Prev() bool {
	if i.it == nil || i.released {
		return false
	}
	if !i.started {
		return i.Last()
	}
	return i.it.Prev()
}

func (i *iter) Valid() bool {
	return i.it != nil && !i.released && i.started && i.it.Valid()
}

func (i *iter) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return i.it.Key()
}

func (i *iter) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.it.Value()
}

func (i *iter) Error() error {
	switch {
	case i.err != nil:
		return i.err
	case i.released:
		return engine.ErrIterReleased
	}
	return i.it.Error()
}

func (i *iter) Release() {
	if !i.released && i.it != nil {
		i.it.Close()
	}
	i.released = true
}
