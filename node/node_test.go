// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/internal/chaintest"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// quorumReadyHeight is a tip at which the first quorums of the test network
// are mined deep enough to be selected for signing.
const quorumReadyHeight = 48

func startNetwork(t *testing.T, sporks ...spork.ID) *chaintest.Network {
	t.Helper()
	net, err := chaintest.NewNetwork(3)
	require.NoError(t, err)
	require.NoError(t, net.Start(sporks...))
	return net
}

func spend(seed string) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeNormal)
	op := btcwire.OutPoint{Hash: chainhash.HashH([]byte(seed))}
	tx.AddTxIn(btcwire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(btcwire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func TestMasternodesRegistered(t *testing.T) {
	net := startNetwork(t)
	require.Equal(t, int32(1), net.Height())

	for i, n := range net.Nodes {
		best := n.Chain.BestSnapshot()
		list, err := n.Chain.MNManager().ListForBlock(best.Hash)
		require.NoError(t, err, "node %d", i)
		require.Equal(t, len(net.Masternodes), list.Count(), "node %d", i)
		for _, mn := range net.Masternodes {
			_, ok := list.GetMN(mn.ProTxHash)
			require.True(t, ok, "node %d misses %v", i, mn.ProTxHash)
		}
		require.True(t, n.IsMasternode())
		require.Zero(t, n.TxPool.Count())
	}
}

func TestQuorumFormation(t *testing.T) {
	net := startNetwork(t, spork.SporkQuorumDKGEnabled)
	require.NoError(t, net.MineUntil(quorumReadyHeight))

	for _, typ := range []chaincfg.LLMQType{net.Params.LLMQTypeChainLocks,
		net.Params.LLMQTypeInstantSend} {

		var quorumHash chainhash.Hash
		for i, n := range net.Nodes {
			quorums, err := n.Quorums.ScanQuorums(typ, net.Height(), 1)
			require.NoError(t, err)
			require.Len(t, quorums, 1, "node %d type %v: %s", i, typ,
				spew.Sdump(n.DKG.Status()))

			q := quorums[0]
			require.Equal(t, int32(24), q.Height)
			require.Len(t, q.Members, len(net.Masternodes))
			require.Equal(t, len(net.Masternodes), q.Commitment.CountValidMembers())
			_, err = q.SecretKeyShare()
			require.NoError(t, err, "node %d has no key share", i)

			active, err := n.Quorums.IsQuorumActive(typ, q.QuorumHash())
			require.NoError(t, err)
			require.True(t, active)

			// Every node agrees on the quorum.
			if i == 0 {
				quorumHash = q.QuorumHash()
			}
			require.Equal(t, quorumHash, q.QuorumHash())
		}
	}
}

func TestNoQuorumsWithoutSpork(t *testing.T) {
	net := startNetwork(t)
	require.NoError(t, net.MineUntil(quorumReadyHeight))

	quorums, err := net.Nodes[0].Quorums.ScanQuorums(
		net.Params.LLMQTypeChainLocks, net.Height(), 1)
	require.NoError(t, err)
	require.Empty(t, quorums)
}

func TestThresholdSigning(t *testing.T) {
	net := startNetwork(t, spork.SporkQuorumDKGEnabled)
	require.NoError(t, net.MineUntil(quorumReadyHeight))

	typ := net.Params.LLMQTypeChainLocks
	id := chainhash.HashH([]byte("request"))
	msgHash := chainhash.HashH([]byte("message"))
	other := chainhash.HashH([]byte("other message"))

	// One share is below the threshold of two.
	signed, err := net.Nodes[0].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.True(t, signed)
	require.NoError(t, net.Flush())
	for _, n := range net.Nodes {
		require.False(t, n.Signing.HasRecoveredSig(typ, id, msgHash))
	}

	_, err = net.Nodes[1].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	var recovered *wire.MsgQuorumRecoveredSig
	for i, n := range net.Nodes {
		require.True(t, n.Signing.HasRecoveredSig(typ, id, msgHash), "node %d", i)
		rs, err := n.Signing.GetRecoveredSig(typ, id)
		require.NoError(t, err)
		if recovered == nil {
			recovered = rs
		}
		require.Equal(t, recovered.Sig, rs.Sig)

		valid, err := n.Signing.Verify(typ, id, msgHash, rs.Sig, &rs.QuorumHash)
		require.NoError(t, err)
		require.True(t, valid)
		valid, err = n.Signing.Verify(typ, id, other, rs.Sig, &rs.QuorumHash)
		require.NoError(t, err)
		require.False(t, valid)

		// The first message to reach the threshold wins.
		require.True(t, n.Signing.IsConflicting(typ, id, other))
		require.False(t, n.Signing.IsConflicting(typ, id, msgHash))
		_, err = n.Signing.RequestSign(typ, id, other, nil)
		require.ErrorIs(t, err, signing.ErrConflictingSig)
	}
}

func TestChainLocks(t *testing.T) {
	net := startNetwork(t, spork.SporkQuorumDKGEnabled,
		spork.SporkChainLocksEnabled)
	require.NoError(t, net.MineUntil(quorumReadyHeight))

	tip := net.Height()
	best := net.Nodes[0].Chain.BestSnapshot()
	for i, n := range net.Nodes {
		require.True(t, n.ChainLocks.IsEnabled())
		require.Equal(t, tip, n.ChainLocks.BestChainLockHeight(), "node %d", i)
		require.True(t, n.ChainLocks.HasChainLock(tip, best.Hash))

		height, hash, ok := n.Chain.ChainLock()
		require.True(t, ok)
		require.Equal(t, tip, height)
		require.Equal(t, best.Hash, hash)
		require.True(t, n.Chain.IsChainLocked(tip))
	}

	// The next coinbase references the chainlock of its parent.
	block, err := net.MineBlock()
	require.NoError(t, err)
	require.NotEmpty(t, block.Transactions)
	for _, n := range net.Nodes {
		require.Equal(t, tip+1, n.ChainLocks.BestChainLockHeight())
	}
}

func TestInstantSend(t *testing.T) {
	net := startNetwork(t, spork.SporkQuorumDKGEnabled,
		spork.SporkInstantSendEnabled, spork.SporkInstantSendBlockFiltering)
	require.NoError(t, net.MineUntil(quorumReadyHeight))

	tx := spend("funds")
	txid := tx.TxHash()
	require.NoError(t, net.SubmitTx(tx))
	for i, n := range net.Nodes {
		require.True(t, n.InstantSend.IsLocked(&txid), "node %d", i)
		islock, err := n.InstantSend.GetLockByTxID(&txid)
		require.NoError(t, err)
		require.Equal(t, txid, islock.TxID)
	}

	// A double spend of a locked input is refused by every pool.
	double := spend("funds")
	double.TxOut[0].Value = 900
	for _, n := range net.Nodes {
		require.Error(t, n.ProcessTx(double, 0))
		require.NotNil(t, n.InstantSend.GetConflictingLock(double))
	}

	// The locked transaction gets mined and leaves the pools.
	block, err := net.MineBlock()
	require.NoError(t, err)
	var mined bool
	for _, btx := range block.Transactions {
		mined = mined || btx.TxHash() == txid
	}
	require.True(t, mined)
	for _, n := range net.Nodes {
		require.Zero(t, n.TxPool.Count())
		require.True(t, n.InstantSend.IsLocked(&txid))
	}
}
