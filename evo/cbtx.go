// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/wire"
)

const (
	// CbTxVersionMerkleRootMNList only commits to the masternode list.
	CbTxVersionMerkleRootMNList uint16 = 1

	// CbTxVersionMerkleRootQuorums adds the merkle root of the active
	// quorum commitments.
	CbTxVersionMerkleRootQuorums uint16 = 2

	// CbTxVersionChainLock adds the best known chainlock and the credit
	// pool balance.
	CbTxVersionChainLock uint16 = 3
)

// CbTx is the payload of the coinbase transaction.  It commits to the
// masternode list and quorums of the block and, from version 3, carries the
// best chainlock the miner knew of.
type CbTx struct {
	Version           uint16
	Height            uint32
	MerkleRootMNList  chainhash.Hash
	MerkleRootQuorums chainhash.Hash
	BestCLHeightDiff  uint32
	BestCLSignature   wire.BLSSignature
	CreditPoolBalance int64
}

// Deserialize decodes the payload from r.
func (cb *CbTx) Deserialize(r io.Reader) error {
	if err := wire.ReadElements(r, &cb.Version, &cb.Height, &cb.MerkleRootMNList); err != nil {
		return err
	}
	if cb.Version >= CbTxVersionMerkleRootQuorums {
		if err := wire.ReadElements(r, &cb.MerkleRootQuorums); err != nil {
			return err
		}
	}
	if cb.Version >= CbTxVersionChainLock {
		diff, err := wire.ReadVarInt(r)
		if err != nil {
			return err
		}
		if diff > uint64(^uint32(0)) {
			return fmt.Errorf("chainlock height diff %d out of range", diff)
		}
		cb.BestCLHeightDiff = uint32(diff)
		return wire.ReadElements(r, &cb.BestCLSignature, &cb.CreditPoolBalance)
	}
	return nil
}

// Serialize encodes the payload to w.
func (cb *CbTx) Serialize(w io.Writer) error {
	if err := wire.WriteElements(w, cb.Version, cb.Height, cb.MerkleRootMNList); err != nil {
		return err
	}
	if cb.Version >= CbTxVersionMerkleRootQuorums {
		if err := wire.WriteElements(w, cb.MerkleRootQuorums); err != nil {
			return err
		}
	}
	if cb.Version >= CbTxVersionChainLock {
		if err := wire.WriteVarInt(w, uint64(cb.BestCLHeightDiff)); err != nil {
			return err
		}
		return wire.WriteElements(w, cb.BestCLSignature, cb.CreditPoolBalance)
	}
	return nil
}

// HasChainLock returns whether the payload references a chainlock.  A null
// signature with a zero height diff is the "no chainlock known" sentinel.
func (cb *CbTx) HasChainLock() bool {
	return cb.Version >= CbTxVersionChainLock && !cb.BestCLSignature.IsNull()
}

// ChainLockHeight returns the height of the chainlock referenced by a
// coinbase mined at height.
func (cb *CbTx) ChainLockHeight(height int64) int64 {
	return height - int64(cb.BestCLHeightDiff) - 1
}

// CbTxFromTx decodes the coinbase payload of tx.
func CbTxFromTx(tx *wire.MsgTx) (*CbTx, error) {
	cb := new(CbTx)
	if err := decodePayload(tx, wire.TxTypeCoinbase, cb); err != nil {
		return nil, err
	}
	if cb.Version == 0 || cb.Version > CbTxVersionChainLock {
		str := fmt.Sprintf("unsupported coinbase payload version %d", cb.Version)
		return nil, ruleError(ErrBadCbTx, str)
	}
	return cb, nil
}
