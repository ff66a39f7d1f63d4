// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestThresholdStateStringer tests the stringized output for the
// ThresholdState type.
func TestThresholdStateStringer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   ThresholdState
		want string
	}{
		{ThresholdDefined, "ThresholdDefined"},
		{ThresholdStarted, "ThresholdStarted"},
		{ThresholdLockedIn, "ThresholdLockedIn"},
		{ThresholdActive, "ThresholdActive"},
		{ThresholdFailed, "ThresholdFailed"},
		{0xff, "Unknown ThresholdState (255)"},
	}

	// Detect additional threshold states that don't have the stringer added.
	require.Len(t, thresholdStateStrings, len(tests)-1)

	for i, test := range tests {
		require.Equal(t, test.want, test.in.String(), "String #%d", i)
	}
}

// testDeployment is a deployment with small windows so the state machine can
// be walked on synthetic chains.  Its threshold drops by one fifth of the
// squared attempt number.
func testDeployment() *chaincfg.ConsensusDeployment {
	return &chaincfg.ConsensusDeployment{
		Name:           "test",
		Bit:            5,
		StartHeight:    0,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
	}
}

func newTestCache() *thresholdStateCache {
	return &thresholdStateCache{entries: make(map[chainhash.Hash]ThresholdStateTuple)}
}

// signalWindows returns a version function that signals for bit in the first
// count[w] blocks of window w.
func signalWindows(bit uint8, window int32, counts map[int32]int32) func(int32) int32 {
	return func(height int32) int32 {
		if height%window < counts[height/window] {
			return vbTopBits | 1<<bit
		}
		return vbTopBits
	}
}

// TestDeploymentThresholdDecay ensures the threshold of the reallocation
// deployment starts at 80% of a window and decays quadratically with every
// failed attempt until it reaches 60%.
func TestDeploymentThresholdDecay(t *testing.T) {
	t.Parallel()

	d, ok := chaincfg.RegressionNetParams.Deployment(chaincfg.DeploymentRealloc)
	require.True(t, ok)

	want := []int64{400, 399, 396, 391, 384, 375, 364, 351, 336, 319, 300, 300, 300}
	for k, threshold := range want {
		require.Equal(t, threshold, d.Threshold(int64(k)), "attempt %d", k)
	}
}

// TestThresholdStateTransitions walks a deployment through every state.
func TestThresholdStateTransitions(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	version := signalWindows(d.Bit, 100, map[int32]int32{
		// One signal short of the first threshold.
		1: 79,
		2: 80,
	})
	nodes := chainedFakeNodes(nil, 500, "a", version)
	cache := newTestCache()

	tests := []struct {
		prevHeight int32
		want       ThresholdStateTuple
	}{
		{0, ThresholdStateTuple{ThresholdDefined, 0}},
		{98, ThresholdStateTuple{ThresholdDefined, 0}},
		{99, ThresholdStateTuple{ThresholdStarted, 100}},
		{150, ThresholdStateTuple{ThresholdStarted, 100}},
		{199, ThresholdStateTuple{ThresholdStarted, 100}},
		{298, ThresholdStateTuple{ThresholdStarted, 100}},
		{299, ThresholdStateTuple{ThresholdLockedIn, 300}},
		{350, ThresholdStateTuple{ThresholdLockedIn, 300}},
		{399, ThresholdStateTuple{ThresholdActive, 400}},
		{499, ThresholdStateTuple{ThresholdActive, 400}},
	}
	for _, test := range tests {
		got := thresholdState(nodes[test.prevHeight], d, cache)
		require.Equal(t, test.want, got, "prev height %d", test.prevHeight)
	}

	// A fresh cache yields the same result when starting from the tip.
	require.Equal(t, ThresholdStateTuple{ThresholdActive, 400},
		thresholdState(branchTip(nodes), d, newTestCache()))
}

// TestThresholdStateLaterAttempt ensures later windows use the decayed
// threshold of their attempt.
func TestThresholdStateLaterAttempt(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	// Started at 100, so the window starting at 600 is attempt 5 with a
	// threshold of 80 - 25/5 = 75.
	require.Equal(t, int64(75), d.Threshold(5))

	short := chainedFakeNodes(nil, 700, "short", signalWindows(d.Bit, 100,
		map[int32]int32{6: 74}))
	require.Equal(t, ThresholdStateTuple{ThresholdStarted, 100},
		thresholdState(branchTip(short), d, newTestCache()))

	enough := chainedFakeNodes(nil, 700, "enough", signalWindows(d.Bit, 100,
		map[int32]int32{6: 75}))
	require.Equal(t, ThresholdStateTuple{ThresholdLockedIn, 700},
		thresholdState(branchTip(enough), d, newTestCache()))
}

// TestThresholdStateTimeout ensures a started deployment fails once the
// timeout height is reached without lock in.
func TestThresholdStateTimeout(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	d.TimeoutHeight = 300

	nodes := chainedFakeNodes(nil, 400, "a", signalWindows(d.Bit, 100,
		map[int32]int32{1: 10}))
	cache := newTestCache()
	require.Equal(t, ThresholdStateTuple{ThresholdStarted, 100},
		thresholdState(nodes[199], d, cache))
	require.Equal(t, ThresholdStateTuple{ThresholdFailed, 300},
		thresholdState(nodes[299], d, cache))
	require.Equal(t, ThresholdStateTuple{ThresholdFailed, 300},
		thresholdState(nodes[399], d, cache))
}

// TestThresholdStateReorg ensures the state is evaluated per branch when two
// branches share the cache.
func TestThresholdStateReorg(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	cache := newTestCache()
	common := chainedFakeNodes(nil, 200, "common", signalWindows(d.Bit, 100, nil))
	fork := branchTip(common)

	signalling := chainedFakeNodes(fork, 100, "a", signalWindows(d.Bit, 100,
		map[int32]int32{2: 100}))
	silent := chainedFakeNodes(fork, 100, "b", signalWindows(d.Bit, 100, nil))

	require.Equal(t, ThresholdStateTuple{ThresholdLockedIn, 300},
		thresholdState(branchTip(signalling), d, cache))
	require.Equal(t, ThresholdStateTuple{ThresholdStarted, 100},
		thresholdState(branchTip(silent), d, cache))

	// Both branches keep their own state once cached.
	require.Equal(t, ThresholdStateTuple{ThresholdLockedIn, 300},
		thresholdState(branchTip(signalling), d, cache))
}

// TestThresholdStats ensures the signalling statistics of a running window.
func TestThresholdStats(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	nodes := chainedFakeNodes(nil, 200, "a", signalWindows(d.Bit, 100,
		map[int32]int32{1: 30}))
	cache := newTestCache()

	_, ok := thresholdStats(nodes[50], d, cache)
	require.False(t, ok)

	// Blocks 100..149 are mined, the first 30 of them signalled.
	stats, ok := thresholdStats(nodes[149], d, cache)
	require.True(t, ok)
	require.Equal(t, ThresholdStats{
		Period:    100,
		Threshold: 80,
		Elapsed:   50,
		Count:     30,
		Possible:  true,
	}, stats)

	// After 80 blocks with 30 signals the remaining 20 blocks can not reach
	// the threshold anymore.
	stats, ok = thresholdStats(nodes[179], d, cache)
	require.True(t, ok)
	require.Equal(t, int32(80), stats.Elapsed)
	require.False(t, stats.Possible)
}

// TestThresholdStateSignalMask ensures only versions with the version bits
// top bits set are counted.
func TestThresholdStateSignalMask(t *testing.T) {
	t.Parallel()

	d := testDeployment()
	node := newFakeNode(nil, vbTopBits|1<<d.Bit, "a")
	require.True(t, signals(node, d))

	node = newFakeNode(nil, 0x40000000|1<<d.Bit, "b")
	require.False(t, signals(node, d))

	node = newFakeNode(nil, vbTopBits|1<<(d.Bit+1), "c")
	require.False(t, signals(node, d))
}
