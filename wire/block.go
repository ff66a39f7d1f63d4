// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// MaxTxPerBlock bounds the number of transactions a block may contain.
const MaxTxPerBlock = 100000

// BlockHeader is the bitcoin block header.  The version field carries the
// deployment signalling bits.
type BlockHeader = btcwire.BlockHeader

// MsgBlock is a block: a header and the transactions it commits to.
type MsgBlock struct {
	Header       BlockHeader
	Transactions []*MsgTx
}

// AddTransaction adds a transaction to the message.
func (msg *MsgBlock) AddTransaction(tx *MsgTx) {
	msg.Transactions = append(msg.Transactions, tx)
}

// BlockHash computes the block identifier hash for this block.
func (msg *MsgBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// Serialize encodes the block to w.
func (msg *MsgBlock) Serialize(w io.Writer) error {
	if err := msg.Header.Serialize(w); err != nil {
		return err
	}
	if err := WriteVarInt(w, uint64(len(msg.Transactions))); err != nil {
		return err
	}
	for _, tx := range msg.Transactions {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize decodes a block from r into the receiver.
func (msg *MsgBlock) Deserialize(r io.Reader) error {
	if err := msg.Header.Deserialize(r); err != nil {
		return err
	}
	count, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if count > MaxTxPerBlock {
		str := fmt.Sprintf("too many transactions to fit into a block "+
			"[count %d, max %d]", count, MaxTxPerBlock)
		return messageError("MsgBlock.Deserialize", str)
	}
	msg.Transactions = make([]*MsgTx, 0, count)
	for i := uint64(0); i < count; i++ {
		tx := new(MsgTx)
		if err := tx.Deserialize(r); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, tx)
	}
	return nil
}

// Bytes returns the serialized block.
func (msg *MsgBlock) Bytes() []byte {
	var buf bytes.Buffer
	_ = msg.Serialize(&buf)
	return buf.Bytes()
}

// CalcMerkleRoot computes the merkle root of the transaction hashes.
func CalcMerkleRoot(txns []*MsgTx) chainhash.Hash {
	hashes := make([]chainhash.Hash, len(txns))
	for i, tx := range txns {
		hashes[i] = tx.TxHash()
	}
	return CalcMerkleRootHashes(hashes)
}

// CalcMerkleRootHashes computes the merkle root of a list of leaf hashes.  An
// odd number of nodes on a level is handled by duplicating the last node.
// The leaves are not modified.
func CalcMerkleRootHashes(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}
	level := make([]chainhash.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			var buf [chainhash.HashSize * 2]byte
			copy(buf[:chainhash.HashSize], level[2*i][:])
			copy(buf[chainhash.HashSize:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(buf[:])
		}
		level = next
	}
	return level[0]
}
