// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/wire"
)

// newGenesisBlock builds the genesis block of a network.  The coinbase
// carries the network name so every network has a distinct genesis hash.
func newGenesisBlock(name string, timestamp time.Time, subsidy int64) *wire.MsgBlock {
	coinbase := wire.NewMsgTx(wire.TxTypeNormal)
	coinbase.Version = 1
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: btcwire.MaxPrevOutIndex,
		},
		SignatureScript: append([]byte{0x04, 0xff, 0xff, 0x00, 0x1d}, name...),
		Sequence:        btcwire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(&btcwire.TxOut{
		Value: subsidy,
		// OP_RETURN, the genesis output is unspendable.
		PkScript: []byte{0x6a},
	})

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			Timestamp: timestamp,
			Bits:      0x207fffff,
		},
		Transactions: []*wire.MsgTx{coinbase},
	}
	block.Header.MerkleRoot = wire.CalcMerkleRoot(block.Transactions)
	return block
}

var (
	mainGenesisBlock = newGenesisBlock("mnd mainnet", time.Unix(1704067200, 0), 500*atomsPerCoin)
	mainGenesisHash  = mainGenesisBlock.BlockHash()

	testNetGenesisBlock = newGenesisBlock("mnd testnet", time.Unix(1704067260, 0), 500*atomsPerCoin)
	testNetGenesisHash  = testNetGenesisBlock.BlockHash()

	regTestGenesisBlock = newGenesisBlock("mnd regtest", time.Unix(1704067320, 0), 500*atomsPerCoin)
	regTestGenesisHash  = regTestGenesisBlock.BlockHash()
)

const atomsPerCoin = 100000000
