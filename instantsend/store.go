// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package instantsend

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/wire"
	"github.com/pkg/errors"
)

func lockKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.ISLockBucket, hash[:])
}

func txKey(txid *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.ISLockTxBucket, txid[:])
}

func outpointKey(op *btcwire.OutPoint) []byte {
	return engine.Key(dbnamespace.ISLockOutpointBucket, op.Hash[:],
		dbnamespace.Uint32Key(op.Index))
}

func minedKey(height int32, hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.ISLockMinedBucket,
		dbnamespace.Uint32Key(uint32(height)), hash[:])
}

func archivedKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.ISLockArchivedBucket, hash[:])
}

// lockStore persists instant-send locks along with the indexes by txid and
// by outpoint.  Locks whose transaction got mined are indexed by the mining
// height until they are archived once the block is confirmed.  Archived
// locks only keep their hash so the lock is not accepted again.
//
// Writers are serialized by mtx, so a lock is checked against the stored
// ones and stored in one step.
type lockStore struct {
	db  engine.Engine
	mtx sync.Mutex
}

func decodeLock(v []byte) (*wire.MsgISDLock, error) {
	var islock wire.MsgISDLock
	if err := islock.BtcDecode(bytes.NewReader(v), wire.ProtocolVersion); err != nil {
		return nil, err
	}
	return &islock, nil
}

// lock returns the lock with the given hash, nil when there is none.
func (s *lockStore) lock(hash *chainhash.Hash) (*wire.MsgISDLock, error) {
	v, err := engine.Get(s.db, lockKey(hash))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read islock %v", hash)
	}
	if v == nil {
		return nil, nil
	}
	islock, err := decodeLock(v)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt islock %v", hash)
	}
	return islock, nil
}

// hashIndex returns the lock hash stored under an index key.
func (s *lockStore) hashIndex(key []byte) (*chainhash.Hash, error) {
	v, err := engine.Get(s.db, key)
	if err != nil || len(v) != chainhash.HashSize {
		return nil, err
	}
	var hash chainhash.Hash
	copy(hash[:], v)
	return &hash, nil
}

// lockByTxID returns the lock of a transaction, nil when there is none.
func (s *lockStore) lockByTxID(txid *chainhash.Hash) (*wire.MsgISDLock, error) {
	hash, err := s.hashIndex(txKey(txid))
	if err != nil || hash == nil {
		return nil, errors.Wrapf(err, "failed to read islock of tx %v", txid)
	}
	return s.lock(hash)
}

// lockByOutpoint returns the lock spending an outpoint, nil when there is
// none.
func (s *lockStore) lockByOutpoint(op *btcwire.OutPoint) (*wire.MsgISDLock, error) {
	hash, err := s.hashIndex(outpointKey(op))
	if err != nil || hash == nil {
		return nil, errors.Wrapf(err, "failed to read islock of outpoint %v", op)
	}
	return s.lock(hash)
}

// known returns whether the lock is stored or was archived.
func (s *lockStore) known(hash *chainhash.Hash) (bool, error) {
	var known bool
	err := engine.View(s.db, func(snap engine.Snapshot) error {
		var err error
		if known, err = snap.Has(lockKey(hash)); err != nil || known {
			return err
		}
		known, err = snap.Has(archivedKey(hash))
		return err
	})
	return known, errors.Wrapf(err, "failed to look up islock %v", hash)
}

// add stores islock unless it is already known or one of its inputs is
// locked to another transaction.  It returns whether the lock was stored and
// the conflicting lock, if any.
func (s *lockStore) add(islock *wire.MsgISDLock) (bool, *wire.MsgISDLock, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := islock.Hash()
	known, err := s.known(&hash)
	if err != nil || known {
		return false, nil, err
	}
	for i := range islock.Inputs {
		other, err := s.lockByOutpoint(&islock.Inputs[i])
		if err != nil {
			return false, nil, err
		}
		if other != nil && other.TxID != islock.TxID {
			return false, other, nil
		}
	}
	if err := s.put(islock); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// put stores a lock with its indexes.
//
// This function MUST be called with the store lock held.
func (s *lockStore) put(islock *wire.MsgISDLock) error {
	hash := islock.Hash()
	v, err := wire.EncodePayload(islock)
	if err != nil {
		return err
	}
	err = engine.Update(s.db, func(tx engine.Transaction) error {
		if err := tx.Put(lockKey(&hash), v); err != nil {
			return err
		}
		if err := tx.Put(txKey(&islock.TxID), hash[:]); err != nil {
			return err
		}
		for i := range islock.Inputs {
			if err := tx.Put(outpointKey(&islock.Inputs[i]), hash[:]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "failed to store islock %v", hash)
}

// deleteLock removes a lock with its indexes from tx.
func deleteLock(tx engine.Transaction, hash *chainhash.Hash, islock *wire.MsgISDLock) error {
	if err := tx.Delete(lockKey(hash)); err != nil {
		return err
	}
	if err := tx.Delete(txKey(&islock.TxID)); err != nil {
		return err
	}
	for i := range islock.Inputs {
		if err := tx.Delete(outpointKey(&islock.Inputs[i])); err != nil {
			return err
		}
	}
	return nil
}

// setMined adds or removes the mined index entries of the given locks.
func (s *lockStore) setMined(height int32, hashes []chainhash.Hash, mined bool) error {
	if len(hashes) == 0 {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	err := engine.Update(s.db, func(tx engine.Transaction) error {
		for i := range hashes {
			k := minedKey(height, &hashes[i])
			var err error
			if mined {
				err = tx.Put(k, nil)
			} else {
				err = tx.Delete(k)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "failed to update mined islocks at height %d", height)
}

var errStopIter = errors.New("stop iteration")

// removeConfirmed archives every lock whose transaction was mined at or
// below height and returns the removed locks.
func (s *lockStore) removeConfirmed(height int32) ([]*wire.MsgISDLock, error) {
	type minedLock struct {
		key    []byte
		height []byte
		hash   chainhash.Hash
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var mined []minedLock
	err := engine.ForEach(s.db, []byte{dbnamespace.ISLockMinedBucket}, func(k, _ []byte) error {
		if len(k) != 1+4+chainhash.HashSize {
			return nil
		}
		if int32(dbnamespace.ByteOrder.Uint32(k[1:5])) > height {
			return errStopIter
		}
		m := minedLock{
			key:    append([]byte(nil), k...),
			height: append([]byte(nil), k[1:5]...),
		}
		copy(m.hash[:], k[5:])
		mined = append(mined, m)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return nil, errors.Wrap(err, "failed to scan mined islocks")
	}
	if len(mined) == 0 {
		return nil, nil
	}

	locks := make([]*wire.MsgISDLock, len(mined))
	for i := range mined {
		if locks[i], err = s.lock(&mined[i].hash); err != nil {
			return nil, err
		}
	}

	var removed []*wire.MsgISDLock
	err = engine.Update(s.db, func(tx engine.Transaction) error {
		for i := range mined {
			m := &mined[i]
			if err := tx.Delete(m.key); err != nil {
				return err
			}
			if locks[i] == nil {
				continue
			}
			if err := deleteLock(tx, &m.hash, locks[i]); err != nil {
				return err
			}
			if err := tx.Put(archivedKey(&m.hash), m.height); err != nil {
				return err
			}
			removed = append(removed, locks[i])
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to archive islocks up to height %d", height)
	}
	return removed, nil
}

// pruneArchived forgets archived locks confirmed at or below height and
// returns how many were forgotten.
func (s *lockStore) pruneArchived(height int32) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var keys [][]byte
	err := engine.ForEach(s.db, []byte{dbnamespace.ISLockArchivedBucket}, func(k, v []byte) error {
		if len(v) == 4 && int32(dbnamespace.ByteOrder.Uint32(v)) <= height {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan archived islocks")
	}
	if len(keys) == 0 {
		return 0, nil
	}
	err = engine.Update(s.db, func(tx engine.Transaction) error {
		for _, k := range keys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(keys), errors.Wrap(err, "failed to prune archived islocks")
}

// count returns the number of stored locks.
func (s *lockStore) count() (int, error) {
	var n int
	err := engine.ForEach(s.db, []byte{dbnamespace.ISLockBucket}, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, errors.Wrap(err, "failed to count islocks")
}
