// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/wire"
	"github.com/pkg/errors"
)

const (
	// snapshotInterval is the number of blocks between two full list
	// snapshots on disk.  Lists in between are rebuilt from diffs.
	snapshotInterval = 576

	// listCacheSize is the number of decoded lists kept in memory.
	listCacheSize = 128
)

// Manager maintains the masternode list of every connected block.  Lists
// are persisted as one diff per block plus periodic full snapshots.
type Manager struct {
	params *chaincfg.Params
	db     engine.Engine

	mtx   sync.RWMutex
	cache lru.KVCache
	tip   *List
}

// NewManager returns a manager backed by db.  The empty genesis list is
// written on first use.
func NewManager(params *chaincfg.Params, db engine.Engine) (*Manager, error) {
	m := &Manager{
		params: params,
		db:     db,
		cache:  lru.NewKVCache(listCacheSize),
	}
	genesis := NewList(params.GenesisHash, 0)
	key := snapshotKey(&params.GenesisHash)
	v, err := engine.Get(db, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read genesis masternode list")
	}
	if v == nil {
		err := engine.Update(db, func(tx engine.Transaction) error {
			return tx.Put(key, genesis.Bytes())
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to store genesis masternode list")
		}
	}
	m.cache.Add(genesis.blockHash, genesis)
	m.tip = genesis
	return m, nil
}

func diffKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.MNListDiffBucket, hash[:])
}

func snapshotKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.MNListSnapshotBucket, hash[:])
}

// Tip returns the list of the best block processed so far.
func (m *Manager) Tip() *List {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.tip
}

// SetTip makes the list of hash the current tip.  It is used when blocks are
// disconnected.
func (m *Manager) SetTip(hash chainhash.Hash) error {
	l, err := m.ListForBlock(hash)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	m.tip = l
	m.mtx.Unlock()
	updateListMetrics(l)
	return nil
}

// ListForBlock returns the list as of the block with the given hash.
func (m *Manager) ListForBlock(hash chainhash.Hash) (*List, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.listForBlock(hash)
}

// listForBlock walks back through the stored diffs until a cached list or a
// snapshot is found, then applies the diffs forward again.
//
// This function MUST be called with the manager lock held (for reads).
func (m *Manager) listForBlock(hash chainhash.Hash) (*List, error) {
	var diffs []*ListDiff
	var base *List
	err := engine.View(m.db, func(s engine.Snapshot) error {
		h := hash
		for {
			if v, ok := m.cache.Lookup(h); ok {
				base = v.(*List)
				return nil
			}
			v, err := s.Get(snapshotKey(&h))
			switch {
			case err == nil:
				l, err := DeserializeList(bytes.NewReader(v))
				if err != nil {
					return errors.Wrapf(err, "corrupt masternode list snapshot %v", h)
				}
				base = l
				return nil
			case !errors.Is(err, engine.ErrNotFound):
				return errors.Wrapf(err, "failed to read snapshot %v", h)
			}

			v, err = s.Get(diffKey(&h))
			if errors.Is(err, engine.ErrNotFound) {
				str := fmt.Sprintf("no masternode list for block %v", hash)
				return ruleError(ErrUnknownBlock, str)
			}
			if err != nil {
				return errors.Wrapf(err, "failed to read list diff %v", h)
			}
			diff := new(ListDiff)
			if err := diff.Deserialize(bytes.NewReader(v)); err != nil {
				return errors.Wrapf(err, "corrupt list diff %v", h)
			}
			diffs = append(diffs, diff)
			h = diff.BaseBlockHash
		}
	})
	if err != nil {
		return nil, err
	}

	l := base
	for i := len(diffs) - 1; i >= 0; i-- {
		l, err = ApplyDiff(l, diffs[i])
		if err != nil {
			return nil, err
		}
	}
	m.cache.Add(l.blockHash, l)
	return l, nil
}

// ProcessBlock applies block on top of the list of its parent, checks the
// coinbase payload against the result and stores the new list.  The new list
// becomes the tip.
func (m *Manager) ProcessBlock(block *wire.MsgBlock, ctx *BlockContext) (*List, *CbTx, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	prev, err := m.listForBlock(block.Header.PrevBlock)
	if err != nil {
		return nil, nil, err
	}
	l, err := ApplyBlock(m.params, prev, block, ctx)
	if err != nil {
		return nil, nil, err
	}
	cb, err := CheckCbTx(m.params, block, ctx.Height, l)
	if err != nil {
		return nil, nil, err
	}

	diff := BuildDiff(prev, l)
	err = engine.Update(m.db, func(tx engine.Transaction) error {
		if err := tx.Put(diffKey(&ctx.BlockHash), diff.Bytes()); err != nil {
			return err
		}
		if ctx.Height%snapshotInterval == 0 {
			return tx.Put(snapshotKey(&ctx.BlockHash), l.Bytes())
		}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to store masternode list of %v",
			ctx.BlockHash)
	}
	if diff.HasChanges() {
		log.Debugf("Masternode list diff at height %d: %d added, %d updated, "+
			"%d removed", ctx.Height, len(diff.Added), len(diff.Updated),
			len(diff.Removed))
	}

	m.cache.Add(l.blockHash, l)
	m.tip = l
	updateListMetrics(l)
	return l, cb, nil
}

// RemoveBlock drops the stored list of a disconnected block.  The tip moves
// to the list of its parent.
func (m *Manager) RemoveBlock(hash, prevHash chainhash.Hash) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	prev, err := m.listForBlock(prevHash)
	if err != nil {
		return err
	}
	err = engine.Update(m.db, func(tx engine.Transaction) error {
		if err := tx.Delete(diffKey(&hash)); err != nil {
			return err
		}
		return tx.Delete(snapshotKey(&hash))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to remove masternode list of %v", hash)
	}
	m.cache.Delete(hash)
	m.tip = prev
	updateListMetrics(prev)
	return nil
}

// GetListDiff returns the diff between the lists of two blocks.
func (m *Manager) GetListDiff(from, to chainhash.Hash) (*ListDiff, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	base, err := m.listForBlock(from)
	if err != nil {
		return nil, err
	}
	target, err := m.listForBlock(to)
	if err != nil {
		return nil, err
	}
	return BuildDiff(base, target), nil
}

// Reset deletes every stored list but the genesis one.  It is used before a
// reindex replays the chain.
func (m *Manager) Reset() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var keys [][]byte
	collect := func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}
	for _, bucket := range []byte{dbnamespace.MNListDiffBucket, dbnamespace.MNListSnapshotBucket} {
		if err := engine.ForEach(m.db, []byte{bucket}, collect); err != nil {
			return errors.Wrap(err, "failed to scan masternode lists")
		}
	}
	genesis := NewList(m.params.GenesisHash, 0)
	err := engine.Update(m.db, func(tx engine.Transaction) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return tx.Put(snapshotKey(&m.params.GenesisHash), genesis.Bytes())
	})
	if err != nil {
		return errors.Wrap(err, "failed to reset masternode lists")
	}
	m.cache = lru.NewKVCache(listCacheSize)
	m.cache.Add(genesis.blockHash, genesis)
	m.tip = genesis
	log.Infof("Dropped %d stored masternode lists", len(keys))
	return nil
}

func updateListMetrics(l *List) {
	metrics.MasternodeListSize.WithLabelValues("all").Set(float64(l.Count()))
	metrics.MasternodeListSize.WithLabelValues("valid").Set(float64(l.ValidCount()))
}
