// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/wire"
	"github.com/pkg/errors"
)

// typeIDLen is the length of a type || id key suffix.
const typeIDLen = 1 + chainhash.HashSize

func typeIDKey(t chaincfg.LLMQType, id *chainhash.Hash) []byte {
	k := make([]byte, 0, typeIDLen)
	k = append(k, uint8(t))
	return append(k, id[:]...)
}

func recoveredSigKey(t chaincfg.LLMQType, id *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.RecoveredSigBucket, typeIDKey(t, id))
}

func recoveredSigByHashKey(signHash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.RecoveredSigByHashBucket, signHash[:])
}

func recoveredSigTimeKey(at int64, t chaincfg.LLMQType, id *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.RecoveredSigTimeBucket,
		dbnamespace.Uint64Key(uint64(at)), typeIDKey(t, id))
}

func voteKey(t chaincfg.LLMQType, id *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.VoteBucket, typeIDKey(t, id))
}

func voteTimeKey(at int64, t chaincfg.LLMQType, id *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.VoteTimeBucket,
		dbnamespace.Uint64Key(uint64(at)), typeIDKey(t, id))
}

// sigStore persists recovered signatures and the local votes.  Every entry
// has a companion time index so expired entries are found without a full
// scan.
//
// Recovered signature values are time || serialized message, vote values
// are msgHash || time.
type sigStore struct {
	db engine.Engine
}

func serializeRecoveredSig(at int64, rs *wire.MsgQuorumRecoveredSig) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(dbnamespace.Uint64Key(uint64(at)))
	if err := rs.BtcEncode(&buf, wire.ProtocolVersion); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeRecoveredSig(v []byte) (*wire.MsgQuorumRecoveredSig, int64, error) {
	if len(v) < 8 {
		return nil, 0, errors.New("short recovered signature entry")
	}
	at := int64(dbnamespace.ByteOrder.Uint64(v[:8]))
	var rs wire.MsgQuorumRecoveredSig
	if err := rs.BtcDecode(bytes.NewReader(v[8:]), wire.ProtocolVersion); err != nil {
		return nil, 0, err
	}
	return &rs, at, nil
}

// recoveredSig returns the recovered signature stored for an id, nil when
// there is none.
func (s *sigStore) recoveredSig(t chaincfg.LLMQType, id *chainhash.Hash) (*wire.MsgQuorumRecoveredSig, error) {
	v, err := engine.Get(s.db, recoveredSigKey(t, id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read recovered sig %v", id)
	}
	if v == nil {
		return nil, nil
	}
	rs, _, err := deserializeRecoveredSig(v)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt recovered sig %v", id)
	}
	return rs, nil
}

// hasRecoveredSigForHash returns whether a recovered signature with the
// given sign hash is stored.
func (s *sigStore) hasRecoveredSigForHash(signHash *chainhash.Hash) (bool, error) {
	v, err := engine.Get(s.db, recoveredSigByHashKey(signHash))
	if err != nil {
		return false, errors.Wrapf(err, "failed to read recovered sig %v", signHash)
	}
	return v != nil, nil
}

// putRecoveredSig stores rs as the recovered signature of its id.
func (s *sigStore) putRecoveredSig(rs *wire.MsgQuorumRecoveredSig, at time.Time) error {
	t := chaincfg.LLMQType(rs.LLMQType)
	signHash := RecoveredSigHash(rs)
	ts := at.Unix()
	v, err := serializeRecoveredSig(ts, rs)
	if err != nil {
		return err
	}
	err = engine.Update(s.db, func(tx engine.Transaction) error {
		if err := tx.Put(recoveredSigKey(t, &rs.ID), v); err != nil {
			return err
		}
		if err := tx.Put(recoveredSigByHashKey(&signHash), typeIDKey(t, &rs.ID)); err != nil {
			return err
		}
		return tx.Put(recoveredSigTimeKey(ts, t, &rs.ID), nil)
	})
	return errors.Wrapf(err, "failed to store recovered sig %v", rs.ID)
}

// vote returns the message hash this node voted for under an id.
func (s *sigStore) vote(t chaincfg.LLMQType, id *chainhash.Hash) (chainhash.Hash, bool, error) {
	v, err := engine.Get(s.db, voteKey(t, id))
	if err != nil {
		return chainhash.Hash{}, false, errors.Wrapf(err, "failed to read vote %v", id)
	}
	if len(v) < chainhash.HashSize {
		return chainhash.Hash{}, false, nil
	}
	var msgHash chainhash.Hash
	copy(msgHash[:], v)
	return msgHash, true, nil
}

// putVote records that this node signed msgHash under an id.
func (s *sigStore) putVote(t chaincfg.LLMQType, id, msgHash *chainhash.Hash, at time.Time) error {
	ts := at.Unix()
	v := append(msgHash[:len(msgHash):len(msgHash)], dbnamespace.Uint64Key(uint64(ts))...)
	err := engine.Update(s.db, func(tx engine.Transaction) error {
		if err := tx.Put(voteKey(t, id), v); err != nil {
			return err
		}
		return tx.Put(voteTimeKey(ts, t, id), nil)
	})
	return errors.Wrapf(err, "failed to store vote %v", id)
}

// expired collects the type || id suffixes of a time index bucket whose
// timestamps are older than before, along with the index keys.
func (s *sigStore) expired(bucket byte, before int64) (indexKeys, ids [][]byte, err error) {
	err = engine.ForEach(s.db, []byte{bucket}, func(k, _ []byte) error {
		if len(k) != 1+8+typeIDLen {
			return nil
		}
		if int64(dbnamespace.ByteOrder.Uint64(k[1:9])) >= before {
			return errStopIter
		}
		indexKeys = append(indexKeys, append([]byte(nil), k...))
		ids = append(ids, append([]byte(nil), k[9:]...))
		return nil
	})
	if errors.Is(err, errStopIter) {
		err = nil
	}
	return indexKeys, ids, err
}

var errStopIter = errors.New("stop iteration")

// cleanup removes the recovered signatures and votes recorded before the
// given time and returns how many of each were removed.  An index entry is
// only honoured when the stored entry carries the same timestamp, since a
// newer entry may have replaced the old one under the same id.
func (s *sigStore) cleanup(before time.Time) (int, int, error) {
	cutoff := before.Unix()

	sigIndex, sigIDs, err := s.expired(dbnamespace.RecoveredSigTimeBucket, cutoff)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to scan recovered sig times")
	}
	voteIndex, voteIDs, err := s.expired(dbnamespace.VoteTimeBucket, cutoff)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to scan vote times")
	}
	if len(sigIndex) == 0 && len(voteIndex) == 0 {
		return 0, 0, nil
	}

	var sigs, votes int
	err = engine.Update(s.db, func(tx engine.Transaction) error {
		for i, k := range sigIndex {
			if err := tx.Delete(k); err != nil {
				return err
			}
			sigKey := engine.Key(dbnamespace.RecoveredSigBucket, sigIDs[i])
			v, err := engine.Get(s.db, sigKey)
			if err != nil {
				return err
			}
			if v == nil {
				continue
			}
			rs, at, err := deserializeRecoveredSig(v)
			if err != nil {
				return err
			}
			if at != int64(dbnamespace.ByteOrder.Uint64(k[1:9])) {
				continue
			}
			signHash := RecoveredSigHash(rs)
			if err := tx.Delete(recoveredSigByHashKey(&signHash)); err != nil {
				return err
			}
			if err := tx.Delete(sigKey); err != nil {
				return err
			}
			sigs++
		}
		for i, k := range voteIndex {
			if err := tx.Delete(k); err != nil {
				return err
			}
			vk := engine.Key(dbnamespace.VoteBucket, voteIDs[i])
			v, err := engine.Get(s.db, vk)
			if err != nil {
				return err
			}
			if len(v) != chainhash.HashSize+8 ||
				!bytes.Equal(v[chainhash.HashSize:], k[1:9]) {
				continue
			}
			if err := tx.Delete(vk); err != nil {
				return err
			}
			votes++
		}
		return nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to remove expired signatures")
	}
	return sigs, votes, nil
}
