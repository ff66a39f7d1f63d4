// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ehf_test

import (
	"testing"

	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/internal/chaintest"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// quorumReadyHeight is a tip at which the first quorums of the test network
// are mined deep enough to be selected for signing.
const quorumReadyHeight = 48

// TestSignalMined ensures the quorums sign the signal of a deployment waiting
// for one, that it gets mined and that the deployment starts in the next
// window.
func TestSignalMined(t *testing.T) {
	net, err := chaintest.NewNetwork(3)
	require.NoError(t, err)
	require.NoError(t, net.Start(spork.SporkQuorumDKGEnabled))

	d, ok := net.Params.Deployment(chaincfg.DeploymentMNRR)
	require.True(t, ok)
	require.True(t, d.UseEHF)
	for _, n := range net.Nodes {
		_, ok := n.Chain.MnHfSignalHeight(d.Bit)
		require.False(t, ok)
	}

	require.NoError(t, net.MineUntil(quorumReadyHeight+2))
	first := net.Nodes[0]
	height, ok := first.Chain.MnHfSignalHeight(d.Bit)
	require.True(t, ok)
	require.LessOrEqual(t, height, int32(quorumReadyHeight+2))
	for i, n := range net.Nodes {
		h, ok := n.Chain.MnHfSignalHeight(d.Bit)
		require.True(t, ok, "node %d", i)
		require.Equal(t, height, h, "node %d", i)
		require.Empty(t, n.Signals.Pending(), "node %d", i)
		require.Zero(t, n.TxPool.Count(), "node %d", i)
	}

	// The mined signal verifies against the quorum selected at its block.
	hash, err := first.Chain.BlockHashByHeight(height)
	require.NoError(t, err)
	block, err := first.Chain.BlockByHash(hash)
	require.NoError(t, err)
	var signal *evo.MnHfTx
	var signalTx *wire.MsgTx
	for _, tx := range block.Transactions {
		if tx.Type == wire.TxTypeMnHfSignal {
			require.Nil(t, signal, "block carries two signals")
			signal, err = evo.CheckMnHfTx(tx)
			require.NoError(t, err)
			signalTx = tx
		}
	}
	require.NotNil(t, signal)
	require.Equal(t, d.Bit, signal.Signal.VersionBit)
	valid, err := first.Signing.VerifyAt(net.Params.LLMQTypeMnhf, height,
		signal.RequestID(), evo.MnHfSignHash(signalTx, signal),
		signal.Signal.Sig)
	require.NoError(t, err)
	require.True(t, valid)

	// Nothing is signed again once the signal is mined.
	require.NoError(t, net.MineBlocks(2))
	for _, n := range net.Nodes {
		require.Empty(t, n.Signals.Pending())
		require.Zero(t, n.TxPool.Count())
	}

	window := int32(d.WindowSize)
	state, err := first.Chain.ThresholdState(d.Name)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdDefined, state.State)
	require.NoError(t, net.MineUntil(window-1))
	state, err = first.Chain.ThresholdState(d.Name)
	require.NoError(t, err)
	require.Equal(t, blockchain.ThresholdStateTuple{
		State:       blockchain.ThresholdStarted,
		SinceHeight: window,
	}, state)
}
