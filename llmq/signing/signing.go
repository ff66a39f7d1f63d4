// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signing turns signature shares of quorum members into recovered
// threshold signatures.
//
// A request is identified by a quorum type and an id chosen by the
// requesting subsystem, and signs a message hash.  Every node deterministically
// picks the same quorum for a request, the members sign the request's sign
// hash with their key shares and any node that collects threshold valid
// shares recovers the quorum signature.  The first recovered signature for an
// id wins: a later one for another message hash is a conflict and never
// replaces it.
package signing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/bits"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
)

// SignHeightOffset is how many blocks below the sign height the quorums
// eligible to sign are looked up.  Nodes whose tips differ by a few blocks
// still agree on the quorum this way.
const SignHeightOffset = 8

var (
	// ErrConflictingSig is returned for a recovered signature whose id
	// already has a recovered signature for another message hash.
	ErrConflictingSig = errors.New("conflicting recovered signature")

	// ErrBadSig is returned for a signature or share that does not verify.
	ErrBadSig = errors.New("invalid signature")

	// ErrBadShare is returned for a share whose member or quorum is not
	// acceptable.
	ErrBadShare = errors.New("invalid signature share")
)

// SignHash returns the hash quorum members sign for a request:
// SHA256d(llmqType || quorumHash || id || msgHash).
func SignHash(t chaincfg.LLMQType, quorumHash, id, msgHash chainhash.Hash) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteElements(&buf, uint8(t), quorumHash, id, msgHash)
	return chainhash.DoubleHashH(buf.Bytes())
}

// RecoveredSigHash returns the sign hash of a recovered signature.
func RecoveredSigHash(rs *wire.MsgQuorumRecoveredSig) chainhash.Hash {
	return SignHash(chaincfg.LLMQType(rs.LLMQType), rs.QuorumHash, rs.ID, rs.MsgHash)
}

// selectionHash orders the quorums of a type for a request id.
func selectionHash(t chaincfg.LLMQType, quorumHash, id chainhash.Hash) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteElements(&buf, uint8(t), quorumHash, id)
	return chainhash.DoubleHashH(buf.Bytes())
}

// rotationSigner returns the quorum index a request id maps to for a
// rotating type with n active quorums per cycle.  The top bits of the id,
// read as a little endian 256-bit number, pick the index.
func rotationSigner(id chainhash.Hash, n int) int16 {
	width := bits.Len(uint(n)) - 1
	if width <= 0 {
		return 0
	}
	top := binary.LittleEndian.Uint64(id[24:32])
	return int16(top >> (64 - width))
}

// QuorumSource provides the quorums mined on the main chain.
type QuorumSource interface {
	ChainParams() *chaincfg.Params
	TipHeight() int32
	GetQuorum(t chaincfg.LLMQType, quorumHash chainhash.Hash) (*llmq.Quorum, error)
	ScanQuorums(t chaincfg.LLMQType, height int32, n int) ([]*llmq.Quorum, error)
}

// SelectQuorumForSigning returns the quorum responsible for signing the
// request id at signHeight.  Only the SigningActiveQuorumCount newest
// quorums mined SignHeightOffset blocks below signHeight are candidates.
// Non rotating types take the candidate with the lowest
// SHA256d(llmqType || quorumHash || id), rotating types the candidate whose
// index the id selects.  llmq.ErrQuorumNotFound is returned when no
// candidate exists.
func SelectQuorumForSigning(quorums QuorumSource, t chaincfg.LLMQType, signHeight int32, id chainhash.Hash) (*llmq.Quorum, error) {
	params, ok := quorums.ChainParams().LLMQ(t)
	if !ok {
		return nil, llmq.ErrQuorumNotFound
	}
	scanHeight := signHeight - SignHeightOffset
	if scanHeight < 0 {
		return nil, llmq.ErrQuorumNotFound
	}
	candidates, err := quorums.ScanQuorums(t, scanHeight, params.SigningActiveQuorumCount)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, llmq.ErrQuorumNotFound
	}

	if params.UseRotation {
		index := rotationSigner(id, params.SigningActiveQuorumCount)
		for _, q := range candidates {
			if q.Index() == index {
				return q, nil
			}
		}
		return nil, llmq.ErrQuorumNotFound
	}

	type scored struct {
		q    *llmq.Quorum
		hash chainhash.Hash
	}
	scores := make([]scored, len(candidates))
	for i, q := range candidates {
		scores[i] = scored{q, selectionHash(t, q.QuorumHash(), id)}
	}
	sort.Slice(scores, func(i, j int) bool {
		return evo.CompareHashNumeric(&scores[i].hash, &scores[j].hash) < 0
	})
	return scores[0].q, nil
}
