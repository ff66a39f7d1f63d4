// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dbnamespace contains constants that define the storage namespaces
// of every subsystem, so that they can share one engine without key
// collisions and external callers may easily access this data.
//
// Every key starts with one bucket byte followed by the bucket specific key.
package dbnamespace

import (
	"encoding/binary"
)

// ByteOrder is the preferred byte order used for serializing numeric fields
// of keys.  Big endian keeps numeric keys sorted in iteration order.
var ByteOrder = binary.BigEndian

// These are the buckets of the chain.
const (
	// BlockBucket maps a block hash to the serialized block.
	BlockBucket byte = 'b'

	// BlockIndexBucket maps height || hash to the block status.
	BlockIndexBucket byte = 'i'

	// ChainStateBucket holds single keys describing the best chain.
	ChainStateBucket byte = 'c'

	// MnHfSignalBucket maps a block hash to the version bits of the hard
	// fork signals mined in the block.
	MnHfSignalBucket byte = 'e'
)

// These are the buckets of the masternode list.
const (
	// MNListDiffBucket maps a block hash to the list diff of the block.
	MNListDiffBucket byte = 'm'

	// MNListSnapshotBucket maps a block hash to a full list snapshot.
	MNListSnapshotBucket byte = 'n'
)

// These are the buckets of the quorum subsystems.
const (
	// MinedCommitmentBucket maps type || quorum hash to the mined final
	// commitment and the block it was mined in.
	MinedCommitmentBucket byte = 'q'

	// MinedCommitmentByHeightBucket maps type || inverted mined height ||
	// quorum index to the quorum hash so the newest quorums sort first.
	MinedCommitmentByHeightBucket byte = 'p'

	// QuorumVvecBucket maps type || quorum hash to the verification vector
	// and local secret key share of a quorum this node was a member of.
	QuorumVvecBucket byte = 'k'

	// RecoveredSigBucket maps type || id to a recovered signature.
	RecoveredSigBucket byte = 'r'

	// RecoveredSigByHashBucket maps a sign hash to type || id.
	RecoveredSigByHashBucket byte = 'h'

	// RecoveredSigTimeBucket maps time || type || id to nothing and is
	// used for retention cleanup.
	RecoveredSigTimeBucket byte = 't'

	// VoteBucket maps type || id to the msg hash this node voted for.
	VoteBucket byte = 'v'

	// VoteTimeBucket maps time || type || id to nothing.
	VoteTimeBucket byte = 'w'
)

// These are the buckets of the finality overlays.
const (
	// ChainLockBucket holds the best chainlock.
	ChainLockBucket byte = 'C'

	// ISLockBucket maps an islock hash to the islock.
	ISLockBucket byte = 'L'

	// ISLockTxBucket maps a txid to the hash of its islock.
	ISLockTxBucket byte = 'T'

	// ISLockOutpointBucket maps an outpoint to the hash of the islock
	// spending it.
	ISLockOutpointBucket byte = 'O'

	// ISLockMinedBucket maps height || islock hash to nothing for locks
	// whose transaction was mined.
	ISLockMinedBucket byte = 'M'

	// ISLockArchivedBucket maps an islock hash to the height its
	// transaction was confirmed at for locks removed after confirmation.
	ISLockArchivedBucket byte = 'A'
)

// SporkBucket maps spork id || signer key id to the spork message.
const SporkBucket byte = 's'

// Uint32Key returns the big endian encoding of v.
func Uint32Key(v uint32) []byte {
	var b [4]byte
	ByteOrder.PutUint32(b[:], v)
	return b[:]
}

// Uint64Key returns the big endian encoding of v.
func Uint64Key(v uint64) []byte {
	var b [8]byte
	ByteOrder.PutUint64(b[:], v)
	return b[:]
}
