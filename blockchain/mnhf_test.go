// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// signalCall is one VerifyAt call seen by fakeSignals.
type signalCall struct {
	t          chaincfg.LLMQType
	signHeight int32
	id         chainhash.Hash
	msgHash    chainhash.Hash
}

// fakeSignals answers every verification with valid or err.
type fakeSignals struct {
	mtx   sync.Mutex
	valid bool
	err   error
	calls []signalCall
}

func (f *fakeSignals) VerifyAt(t chaincfg.LLMQType, signHeight int32, id, msgHash chainhash.Hash, sig wire.BLSSignature) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, signalCall{t, signHeight, id, msgHash})
	return f.valid, f.err
}

// signalTx returns a signal for bit naming quorumHash.  seed makes signals
// with the same content distinct.
func signalTx(t *testing.T, bit uint8, quorumHash chainhash.Hash, seed byte) *wire.MsgTx {
	t.Helper()

	tx, err := evo.SignMnHfTx(evo.NewMnHfTx(bit, quorumHash), wire.BLSSignature{seed})
	require.NoError(t, err)
	return tx
}

// makeSignalBlock builds a block on parent carrying the given transactions
// after the coinbase.
func (h *chainHarness) makeSignalBlock(parent chainhash.Hash, tag string, txs ...*wire.MsgTx) *wire.MsgBlock {
	h.t.Helper()

	block := h.makeBlock(parent, tag, nil)
	block.Transactions = append(block.Transactions, txs...)
	block.Header.MerkleRoot = wire.CalcMerkleRoot(block.Transactions)
	return block
}

// TestMnHfSignalRules ensures signal transactions are only connected when the
// quorum signature verifies for a deployment that is waiting for a signal.
func TestMnHfSignalRules(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash
	mnrr, ok := h.params.Deployment(chaincfg.DeploymentMNRR)
	require.True(t, ok)
	bit := mnrr.Bit

	hashes := h.extend(genesis, 3, "a")
	tip := hashes[2]
	quorumHash := hashes[0]

	// Without a verifier no signal is accepted.
	_, err := h.chain.ProcessBlock(h.makeSignalBlock(tip, "a",
		signalTx(t, bit, quorumHash, 1)))
	requireRuleError(t, err, ErrBadMnHfSignal)

	signals := &fakeSignals{}
	h.chain.SetSignalVerifier(signals)
	side := h.makeBlock(hashes[0], "side", nil)
	_, err = h.chain.ProcessBlock(side)
	require.NoError(t, err)

	tests := []struct {
		name  string
		tx    *wire.MsgTx
		valid bool
		err   error
	}{{
		name:  "invalid signature",
		tx:    signalTx(t, bit, quorumHash, 2),
		valid: false,
	}, {
		name:  "no quorum",
		tx:    signalTx(t, bit, quorumHash, 3),
		valid: true,
		err:   errors.New("no quorum"),
	}, {
		name:  "unknown quorum block",
		tx:    signalTx(t, bit, chainhash.HashH([]byte("q")), 4),
		valid: true,
	}, {
		name:  "quorum block off the branch",
		tx:    signalTx(t, bit, side.BlockHash(), 5),
		valid: true,
	}, {
		name:  "bit without hard fork signals",
		tx:    signalTx(t, 5, quorumHash, 6),
		valid: true,
	}}
	for _, test := range tests {
		signals.valid, signals.err = test.valid, test.err
		_, err := h.chain.ProcessBlock(h.makeSignalBlock(tip, test.name, test.tx))
		requireRuleError(t, err, ErrBadMnHfSignal)
		require.Equal(t, tip, h.chain.BestSnapshot().Hash, test.name)
	}
	require.Len(t, signals.calls, 2)

	// Two signals for one bit in a block are refused.
	signals.valid, signals.err = true, nil
	_, err = h.chain.ProcessBlock(h.makeSignalBlock(tip, "twice",
		signalTx(t, bit, quorumHash, 7), signalTx(t, bit, quorumHash, 8)))
	requireRuleError(t, err, ErrBadMnHfSignal)

	// A valid signal is verified at the height of its block.
	signal := signalTx(t, bit, quorumHash, 9)
	require.NoError(t, h.chain.CheckMnHfTx(signal))
	block := h.makeSignalBlock(tip, "signal", signal)
	_, err = h.chain.ProcessBlock(block)
	require.NoError(t, err)
	require.Equal(t, block.BlockHash(), h.chain.BestSnapshot().Hash)

	p, err := evo.MnHfTxFromTx(signal)
	require.NoError(t, err)
	last := signals.calls[len(signals.calls)-1]
	require.Equal(t, signalCall{
		t:          h.params.LLMQTypeMnhf,
		signHeight: 4,
		id:         evo.MnHfRequestID(bit),
		msgHash:    evo.MnHfSignHash(signal, p),
	}, last)

	height, ok := h.chain.MnHfSignalHeight(bit)
	require.True(t, ok)
	require.Equal(t, int32(4), height)

	// The bit can not be signalled again on the branch.
	again := signalTx(t, bit, quorumHash, 10)
	requireRuleError(t, h.chain.CheckMnHfTx(again), ErrBadMnHfSignal)
	_, err = h.chain.ProcessBlock(h.makeSignalBlock(block.BlockHash(), "again", again))
	requireRuleError(t, err, ErrBadMnHfSignal)

	// Signals survive a restart.
	chain := h.open()
	height, ok = chain.MnHfSignalHeight(bit)
	require.True(t, ok)
	require.Equal(t, int32(4), height)
}

// TestMnHfSignalStartsDeployment ensures a deployment using hard fork signals
// only starts in the first window after its signal was mined and that a
// reorganization away from the signal forgets it.
func TestMnHfSignalStartsDeployment(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash
	d, ok := h.params.Deployment(chaincfg.DeploymentMNRR)
	require.True(t, ok)
	h.chain.SetSignalVerifier(&fakeSignals{valid: true})

	window := int(d.WindowSize)
	silent := h.extend(genesis, window-1, "silent")
	state, err := h.chain.ThresholdState(d.Name)
	require.NoError(t, err)
	require.Equal(t, ThresholdDefined, state.State)

	// A longer branch with a signal at height 2.
	signal := h.makeSignalBlock(genesis, "signal")
	_, err = h.chain.ProcessBlock(signal)
	require.NoError(t, err)
	withSignal := h.makeSignalBlock(signal.BlockHash(), "signal",
		signalTx(t, d.Bit, signal.BlockHash(), 1))
	_, err = h.chain.ProcessBlock(withSignal)
	require.NoError(t, err)
	h.extend(withSignal.BlockHash(), window-2, "signal")
	require.Equal(t, int32(window), h.chain.BestSnapshot().Height)

	state, err = h.chain.ThresholdState(d.Name)
	require.NoError(t, err)
	require.Equal(t, ThresholdStateTuple{ThresholdStarted, int32(window)}, state)
	height, ok := h.chain.MnHfSignalHeight(d.Bit)
	require.True(t, ok)
	require.Equal(t, int32(2), height)

	// Switching back to the silent branch forgets the signal.
	h.extend(silent[len(silent)-1], 3, "silent")
	require.Equal(t, int32(window+2), h.chain.BestSnapshot().Height)
	_, ok = h.chain.MnHfSignalHeight(d.Bit)
	require.False(t, ok)
	state, err = h.chain.ThresholdState(d.Name)
	require.NoError(t, err)
	require.Equal(t, ThresholdDefined, state.State)
}

// TestThresholdStateAwaitsSignal ensures a deployment started by hard fork
// signals stays defined until a window boundary follows the signal.
func TestThresholdStateAwaitsSignal(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	d.UseEHF = true
	version := signalWindows(d.Bit, 100, map[int32]int32{3: 80})
	nodes := chainedFakeNodes(nil, 500, "a", version)
	cache := newTestCache()

	require.Equal(t, ThresholdStateTuple{ThresholdDefined, 0},
		thresholdState(nodes[199], d, cache))

	// The signal is mined at height 150 on another branch.
	signalled := chainedFakeNodes(nil, 500, "b", version)
	signals := mnhfSignals{d.Bit: 150}
	for _, node := range signalled[150:] {
		node.mnhfSignals = signals
	}
	tests := []struct {
		prevHeight int32
		want       ThresholdStateTuple
	}{
		{149, ThresholdStateTuple{ThresholdDefined, 0}},
		{198, ThresholdStateTuple{ThresholdDefined, 0}},
		{199, ThresholdStateTuple{ThresholdStarted, 200}},
		{399, ThresholdStateTuple{ThresholdLockedIn, 400}},
		{499, ThresholdStateTuple{ThresholdActive, 500}},
	}
	for _, test := range tests {
		got := thresholdState(signalled[test.prevHeight], d, cache)
		require.Equal(t, test.want, got, "prev height %d", test.prevHeight)
	}

	// The branch without the signal never starts.
	require.Equal(t, ThresholdStateTuple{ThresholdDefined, 0},
		thresholdState(branchTip(nodes), d, cache))
}
