// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/database/engine/leveldb"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// newFakeNode returns a block node with a unique hash derived from tag and
// its height.  Only the fields used by the threshold and chain view logic
// are set.
func newFakeNode(parent *blockNode, version int32, tag string) *blockNode {
	node := &blockNode{
		parent:  parent,
		version: version,
		bits:    0x207fffff,
		workSum: big.NewInt(1),
	}
	if parent != nil {
		node.height = parent.height + 1
		node.workSum.Add(parent.workSum, node.workSum)
	}
	node.hash = chainhash.DoubleHashH([]byte(fmt.Sprintf("%s/%d", tag, node.height)))
	return node
}

// chainedFakeNodes extends parent by count nodes.  version is called with the
// height of each new node.
func chainedFakeNodes(parent *blockNode, count int, tag string, version func(height int32) int32) []*blockNode {
	nodes := make([]*blockNode, count)
	tip := parent
	for i := range nodes {
		height := int32(0)
		if tip != nil {
			height = tip.height + 1
		}
		nodes[i] = newFakeNode(tip, version(height), tag)
		tip = nodes[i]
	}
	return nodes
}

// branchTip is a convenience function to grab the tip of a chain of block
// nodes created via chainedFakeNodes.
func branchTip(nodes []*blockNode) *blockNode {
	return nodes[len(nodes)-1]
}

// emptyListRoot is the masternode list root of a list without entries.
var emptyListRoot = evo.NewList(chainhash.Hash{}, 0).MerkleRoot()

// chainHarness drives a BlockChain backed by an in-memory database and
// records the notifications it sends.
type chainHarness struct {
	t      *testing.T
	params *chaincfg.Params
	db     engine.Engine
	chain  *BlockChain

	mtx   sync.Mutex
	ntfns []NotificationType
}

func newChainHarness(t *testing.T) *chainHarness {
	t.Helper()

	params := chaincfg.RegressionNetParams
	db := leveldb.NewMemDB()
	t.Cleanup(func() { db.Close() })

	h := &chainHarness{t: t, params: &params, db: db}
	h.chain = h.open()
	return h
}

// open creates a chain on the harness database and subscribes to it.
func (h *chainHarness) open() *BlockChain {
	h.t.Helper()

	chain, err := New(&Config{DB: h.db, ChainParams: h.params})
	require.NoError(h.t, err)
	chain.Subscribe(func(n *Notification) {
		h.mtx.Lock()
		h.ntfns = append(h.ntfns, n.Type)
		h.mtx.Unlock()
	})
	return chain
}

// takeNotifications returns the notification types recorded since the last
// call.
func (h *chainHarness) takeNotifications() []NotificationType {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	ntfns := h.ntfns
	h.ntfns = nil
	return ntfns
}

// makeBlock builds a valid block on top of parent.  The tag makes blocks at
// the same height on different branches distinct.  mutate, when not nil, can
// alter the coinbase payload before the block is assembled.
func (h *chainHarness) makeBlock(parent chainhash.Hash, tag string, mutate func(cb *evo.CbTx)) *wire.MsgBlock {
	h.t.Helper()

	parentHeight, err := h.chain.BlockHeightByHash(&parent)
	require.NoError(h.t, err)
	height := parentHeight + 1

	cb := &evo.CbTx{
		Version:          evo.CbTxVersionMerkleRootQuorums,
		Height:           uint32(height),
		MerkleRootMNList: emptyListRoot,
	}
	if mutate != nil {
		mutate(cb)
	}
	coinbase := wire.NewMsgTx(wire.TxTypeCoinbase)
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex},
		SignatureScript:  append([]byte{byte(height), byte(height >> 8)}, tag...),
		Sequence:         btcwire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(btcwire.NewTxOut(1, []byte{txscript.OP_TRUE}))
	coinbase.ExtraPayload = evo.PayloadBytes(cb)

	genesis := h.params.GenesisBlock.Header
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   vbTopBits,
			PrevBlock: parent,
			Timestamp: genesis.Timestamp.Add(time.Duration(height) * time.Minute),
			Bits:      genesis.Bits,
		},
		Transactions: []*wire.MsgTx{coinbase},
	}
	block.Header.MerkleRoot = wire.CalcMerkleRoot(block.Transactions)
	return block
}

// extend builds and processes count blocks on top of parent and returns
// their hashes.  Every block must end up on the main chain.
func (h *chainHarness) extend(parent chainhash.Hash, count int, tag string) []chainhash.Hash {
	h.t.Helper()

	hashes := make([]chainhash.Hash, 0, count)
	for i := 0; i < count; i++ {
		block := h.makeBlock(parent, tag, nil)
		_, err := h.chain.ProcessBlock(block)
		require.NoError(h.t, err)
		parent = block.BlockHash()
		hashes = append(hashes, parent)
	}
	return hashes
}

// requireRuleError asserts err is a RuleError with the given code.
func requireRuleError(t *testing.T, err error, code ErrorCode) {
	t.Helper()

	var rerr RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, code, rerr.ErrorCode, "unexpected error: %v", err)
}
