// Copyright (c) 2016-2017 The btcsuite developers
// Copyright (c) 2017 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
)

// ThresholdState define the various threshold states used when voting on
// consensus changes.
type ThresholdState byte

// These constants are used to identify specific threshold states.
//
// NOTE: This section specifically does not use iota for the individual states
// since these values are serialized and must be stable for long-term storage.
const (
	// ThresholdDefined is the first state for each deployment and is the
	// state for the genesis block has by definition for all deployments.
	ThresholdDefined ThresholdState = 0

	// ThresholdStarted is the state for a deployment once its start height
	// has been reached.
	ThresholdStarted ThresholdState = 1

	// ThresholdLockedIn is the state for a deployment during the window
	// after a window in which enough blocks signalled for it.
	ThresholdLockedIn ThresholdState = 2

	// ThresholdActive is the state for a deployment for all blocks after a
	// window in which the deployment was in the ThresholdLockedIn state.
	ThresholdActive ThresholdState = 3

	// ThresholdFailed is the state for a deployment once its timeout
	// height has been reached and it did not reach the ThresholdLockedIn
	// state.
	ThresholdFailed ThresholdState = 4
)

// thresholdStateStrings is a map of ThresholdState values back to their
// constant names for pretty printing.
var thresholdStateStrings = map[ThresholdState]string{
	ThresholdDefined:  "ThresholdDefined",
	ThresholdStarted:  "ThresholdStarted",
	ThresholdLockedIn: "ThresholdLockedIn",
	ThresholdActive:   "ThresholdActive",
	ThresholdFailed:   "ThresholdFailed",
}

// String returns the ThresholdState as a human-readable name.
func (t ThresholdState) String() string {
	if s := thresholdStateStrings[t]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ThresholdState (%d)", int(t))
}

// ThresholdStateTuple is the state of a deployment together with the height
// of the first block that had it.
type ThresholdStateTuple struct {
	State       ThresholdState
	SinceHeight int32
}

// String returns the tuple as a human-readable string.
func (t ThresholdStateTuple) String() string {
	return fmt.Sprintf("%v since %d", t.State, t.SinceHeight)
}

// ThresholdStats describes the signalling progress of a started deployment
// within the current window.
type ThresholdStats struct {
	// Period is the window size.
	Period int32

	// Threshold is the number of signalling blocks needed in this window.
	Threshold int32

	// Elapsed is the number of blocks of the window already mined.
	Elapsed int32

	// Count is the number of those blocks that signalled.
	Count int32

	// Possible is whether the threshold can still be reached in the
	// window.
	Possible bool
}

// VersionBits helpers.  A block signals for a deployment when the top bits
// of its version equal vbTopBits and the deployment bit is set.
const (
	vbTopBits = 0x20000000
	vbTopMask = 0xe0000000
)

// thresholdStateCache caches the threshold state of each window keyed by the
// hash of the last block before the window.  Entries are never invalidated
// because the key already identifies the branch.
type thresholdStateCache struct {
	entries map[chainhash.Hash]ThresholdStateTuple
}

// Lookup returns the threshold state associated with the given hash along with
// a boolean that indicates whether or not it is valid.
func (c *thresholdStateCache) Lookup(hash chainhash.Hash) (ThresholdStateTuple, bool) {
	state, ok := c.entries[hash]
	return state, ok
}

// Update updates the cache to contain the provided hash to threshold state
// mapping.
func (c *thresholdStateCache) Update(hash chainhash.Hash, state ThresholdStateTuple) {
	c.entries[hash] = state
}

// newThresholdCaches returns a new cache per deployment of params.
func newThresholdCaches(params *chaincfg.Params) map[string]*thresholdStateCache {
	caches := make(map[string]*thresholdStateCache, len(params.Deployments))
	for i := range params.Deployments {
		caches[params.Deployments[i].Name] = &thresholdStateCache{
			entries: make(map[chainhash.Hash]ThresholdStateTuple),
		}
	}
	return caches
}

// signals returns whether node signals for the deployment.
func signals(node *blockNode, d *chaincfg.ConsensusDeployment) bool {
	return uint32(node.version)&vbTopMask == vbTopBits &&
		uint32(node.version)&(uint32(1)<<d.Bit) != 0
}

// countSignals counts the signalling blocks among node and its n-1
// ancestors.
func countSignals(node *blockNode, n int32, d *chaincfg.ConsensusDeployment) int32 {
	var count int32
	for i := int32(0); i < n && node != nil; i++ {
		if signals(node, d) {
			count++
		}
		node = node.parent
	}
	return count
}

// attempt returns the retry attempt a window starting at height belongs to
// for a deployment started at startedHeight.
func attempt(d *chaincfg.ConsensusDeployment, startedHeight, height int32) int64 {
	return (int64(height) - int64(startedHeight)) / d.WindowSize
}

// thresholdState returns the rule change threshold state of the deployment
// for the block AFTER prevNode.  The cache ensures the state of each window
// is only calculated once per branch.  The state only depends on the heights
// and versions of the branch, so it is recomputed correctly after a reorg.
//
// This function MUST be called with the chain state lock held (for writes).
func thresholdState(prevNode *blockNode, d *chaincfg.ConsensusDeployment, cache *thresholdStateCache) ThresholdStateTuple {
	window := int32(d.WindowSize)

	// The threshold state for the window that contains the genesis block
	// is defined by definition.
	if prevNode == nil || int64(prevNode.height)+1 < int64(window) {
		return ThresholdStateTuple{State: ThresholdDefined}
	}

	// Get the ancestor that is the last block of the previous window.
	prevNode = prevNode.Ancestor(prevNode.height - (prevNode.height+1)%window)

	// Iterate backwards through each of the previous windows to find the
	// most recently cached threshold state.
	var neededStates []*blockNode
	state := ThresholdStateTuple{State: ThresholdDefined}
	for prevNode != nil {
		if cached, ok := cache.Lookup(prevNode.hash); ok {
			state = cached
			break
		}

		// The start and timeout heights are based on the first block of
		// the window, which is the one after prevNode.
		if int64(prevNode.height)+1 < d.StartHeight {
			cache.Update(prevNode.hash, state)
			break
		}

		neededStates = append(neededStates, prevNode)
		prevNode = prevNode.RelativeAncestor(window)
	}

	// Since each threshold state depends on the state of the previous
	// window, iterate starting from the oldest unknown window.
	for neededNum := len(neededStates) - 1; neededNum >= 0; neededNum-- {
		prevNode := neededStates[neededNum]
		next := prevNode.height + 1

		switch state.State {
		case ThresholdDefined:
			if int64(next) >= d.TimeoutHeight {
				state = ThresholdStateTuple{ThresholdFailed, next}
			} else if int64(next) >= d.StartHeight && ehfSignalled(prevNode, d) {
				state = ThresholdStateTuple{ThresholdStarted, next}
			}

		case ThresholdStarted:
			if int64(next) >= d.TimeoutHeight {
				state = ThresholdStateTuple{ThresholdFailed, next}
				break
			}

			// The window that just ended is the one that starts at
			// next-window.
			k := attempt(d, state.SinceHeight, next-window)
			count := countSignals(prevNode, window, d)
			if int64(count) >= d.Threshold(k) {
				state = ThresholdStateTuple{ThresholdLockedIn, next}
			}

		case ThresholdLockedIn:
			state = ThresholdStateTuple{ThresholdActive, next}

		case ThresholdActive, ThresholdFailed:
			// Nothing to do if the previous state is active or failed
			// since they are both terminal states.
		}

		cache.Update(prevNode.hash, state)
	}

	return state
}

// thresholdStats returns the signalling statistics of the window containing
// the block after prevNode.  The returned bool is false when the deployment
// is not in the started state for that block.
func thresholdStats(prevNode *blockNode, d *chaincfg.ConsensusDeployment, cache *thresholdStateCache) (ThresholdStats, bool) {
	state := thresholdState(prevNode, d, cache)
	if state.State != ThresholdStarted {
		return ThresholdStats{}, false
	}

	window := int32(d.WindowSize)
	next := prevNode.height + 1
	elapsed := next % window
	windowStart := next - elapsed
	threshold := int32(d.Threshold(attempt(d, state.SinceHeight, windowStart)))
	count := countSignals(prevNode, elapsed, d)
	return ThresholdStats{
		Period:    window,
		Threshold: threshold,
		Elapsed:   elapsed,
		Count:     count,
		Possible:  window-elapsed >= threshold-count,
	}, true
}

// deployment looks up a deployment of the chain by name.
func (b *BlockChain) deployment(name string) (*chaincfg.ConsensusDeployment, *thresholdStateCache, error) {
	d, ok := b.chainParams.Deployment(name)
	if !ok {
		return nil, nil, DeploymentError(name)
	}
	return d, b.deploymentCaches[name], nil
}

// deploymentState returns the state of the named deployment for the block
// after prevNode.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) deploymentState(prevNode *blockNode, name string) (ThresholdStateTuple, error) {
	d, cache, err := b.deployment(name)
	if err != nil {
		return ThresholdStateTuple{}, err
	}
	return thresholdState(prevNode, d, cache), nil
}

// isDeploymentActive returns whether the named deployment is active for the
// block after prevNode.  Unknown deployments are never active.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) isDeploymentActive(prevNode *blockNode, name string) bool {
	state, err := b.deploymentState(prevNode, name)
	return err == nil && state.State == ThresholdActive
}

// ThresholdState returns the current rule change threshold state of the named
// deployment for the block AFTER the end of the current best chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) ThresholdState(name string) (ThresholdStateTuple, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.deploymentState(b.bestChain.Tip(), name)
}

// ThresholdStats returns the signalling statistics of the named deployment
// for the window containing the block after the current best chain tip.
//
// This function is safe for concurrent access.
func (b *BlockChain) ThresholdStats(name string) (ThresholdStats, bool, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	d, cache, err := b.deployment(name)
	if err != nil {
		return ThresholdStats{}, false, err
	}
	stats, ok := thresholdStats(b.bestChain.Tip(), d, cache)
	return stats, ok, nil
}

// IsDeploymentActive returns whether the named deployment is active for the
// block after the current best chain tip.
//
// This function is safe for concurrent access.
func (b *BlockChain) IsDeploymentActive(name string) bool {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.isDeploymentActive(b.bestChain.Tip(), name)
}

// calcNextBlockVersion calculates the expected version of the block after the
// passed previous block node based on the state of started and locked in
// rule change deployments.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) calcNextBlockVersion(prevNode *blockNode) int32 {
	expectedVersion := uint32(vbTopBits)
	for i := range b.chainParams.Deployments {
		d := &b.chainParams.Deployments[i]
		state := thresholdState(prevNode, d, b.deploymentCaches[d.Name])
		if state.State == ThresholdStarted || state.State == ThresholdLockedIn {
			expectedVersion |= uint32(1) << d.Bit
		}
	}
	return int32(expectedVersion)
}

// ComputeBlockVersion calculates the expected version of the block after the
// end of the current best chain based on the state of started and locked in
// rule change deployments.
//
// This function is safe for concurrent access.
func (b *BlockChain) ComputeBlockVersion() int32 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.calcNextBlockVersion(b.bestChain.Tip())
}

// DeploymentActivationHeight returns the height at which the named deployment
// became active on the best chain, or -1 when it is not active.
//
// This function is safe for concurrent access.
func (b *BlockChain) DeploymentActivationHeight(name string) int32 {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	return b.activationHeight(b.bestChain.Tip(), name)
}

// activationHeight is the lock-free variant of DeploymentActivationHeight for
// an arbitrary branch.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) activationHeight(prevNode *blockNode, name string) int32 {
	state, err := b.deploymentState(prevNode, name)
	if err != nil || state.State != ThresholdActive {
		return -1
	}
	return state.SinceHeight
}
