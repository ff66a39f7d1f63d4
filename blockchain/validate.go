// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
)

// checkBlockSanity performs some preliminary checks on a block to ensure it is
// sane before continuing with block processing.  These checks are context
// free.
func checkBlockSanity(block *wire.MsgBlock) error {
	// A block must have at least one transaction.
	numTx := len(block.Transactions)
	if numTx == 0 {
		return ruleError(ErrNoTransactions, "block does not contain "+
			"any transactions")
	}

	// The first transaction in a block must be a coinbase.
	transactions := block.Transactions
	if !transactions[0].IsCoinBase() {
		return ruleError(ErrFirstTxNotCoinbase, "first transaction in "+
			"block is not a coinbase")
	}

	// A block must not have more than one coinbase.
	for i, tx := range transactions[1:] {
		if tx.IsCoinBase() {
			str := fmt.Sprintf("block contains second coinbase at "+
				"index %d", i+1)
			return ruleError(ErrMultipleCoinbases, str)
		}
	}

	// Build merkle tree and ensure the calculated merkle root matches the
	// entry in the block header.
	calculatedMerkleRoot := wire.CalcMerkleRoot(transactions)
	if !block.Header.MerkleRoot.IsEqual(&calculatedMerkleRoot) {
		str := fmt.Sprintf("block merkle root is invalid - block "+
			"header indicates %v, but calculated value is %v",
			block.Header.MerkleRoot, calculatedMerkleRoot)
		return ruleError(ErrBadMerkleRoot, str)
	}

	// Check for duplicate transactions.  This check will be fairly quick
	// since the transaction hashes are already cached due to building the
	// merkle tree above.
	existingTxHashes := make(map[chainhash.Hash]struct{}, numTx)
	for _, tx := range transactions {
		hash := tx.TxHash()
		if _, exists := existingTxHashes[hash]; exists {
			str := fmt.Sprintf("block contains duplicate "+
				"transaction %v", hash)
			return ruleError(ErrDuplicateTx, str)
		}
		existingTxHashes[hash] = struct{}{}
	}

	return nil
}

// masternodePayouts returns the coinbase outputs owed to the masternode that
// is paid in the block after prevNode.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) masternodePayouts(prevNode *blockNode, list *evo.List, mnrr bool) []*btcwire.TxOut {
	height := prevNode.height + 1
	reallocHeight := b.activationHeight(prevNode, chaincfg.DeploymentRealloc)
	blockValue := b.subsidyCache.CalcBlockValue(height)
	amount := MasternodePayment(b.chainParams, height, blockValue, reallocHeight)
	return evo.PayoutsForBlock(list, mnrr, amount)
}

// checkMasternodePayments ensures the coinbase of block pays the masternode
// that is due according to the list of its parent.  Every expected output has
// to be matched by a distinct coinbase output with the same script and value.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) checkMasternodePayments(node *blockNode, block *wire.MsgBlock, prevList *evo.List, mnrr bool) error {
	if int64(node.height) < b.chainParams.DIP0003EnforcementHeight {
		return nil
	}

	coinbase := block.Transactions[0]
	used := make([]bool, len(coinbase.TxOut))
	for _, want := range b.masternodePayouts(node.parent, prevList, mnrr) {
		found := false
		for i, out := range coinbase.TxOut {
			if used[i] || out.Value != want.Value ||
				!bytes.Equal(out.PkScript, want.PkScript) {
				continue
			}
			used[i] = true
			found = true
			break
		}
		if !found {
			str := fmt.Sprintf("coinbase of block %v does not pay %d to "+
				"script %x", node.hash, want.Value, want.PkScript)
			return ruleError(ErrBadCoinbasePayee, str)
		}
	}
	return nil
}
