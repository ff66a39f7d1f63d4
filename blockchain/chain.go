// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/wire"
)

// AncestorFunc returns the hash of the block at height on the branch a block
// is being connected to.  The bool is false for heights beyond the branch.
type AncestorFunc = func(height int32) (chainhash.Hash, bool)

// QuorumProcessor validates and stores the quorum commitments mined in
// blocks.
type QuorumProcessor interface {
	// ProcessBlock checks the commitment transactions of block and stores
	// them.  It returns the masternodes that have to be punished for
	// failing the DKGs committed to in the block.  Validation failures are
	// reported as RuleError.
	ProcessBlock(block *wire.MsgBlock, height int32, ancestor AncestorFunc) ([]chainhash.Hash, error)

	// UndoBlock removes the commitments stored for block.
	UndoBlock(block *wire.MsgBlock, height int32) error

	// Reset drops every stored commitment before a reindex.
	Reset() error
}

// ChainLockChecker validates the chainlock a coinbase payload references.
type ChainLockChecker interface {
	// CheckCoinbaseChainLock checks the chainlock of cb, the coinbase
	// payload of the block at height, against the payload of its parent.
	// Validation failures are reported as RuleError.
	CheckCoinbaseChainLock(height int32, cb, prevCb *evo.CbTx, ancestor AncestorFunc) error
}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view
// of the current best block.
type BestState struct {
	Hash      chainhash.Hash // The hash of the block.
	PrevHash  chainhash.Hash // The previous block hash.
	Height    int32          // The height of the block.
	Bits      uint32         // The difficulty bits of the block.
	BlockTime time.Time      // The timestamp of the block.
	WorkSum   *big.Int       // The total work of the chain.
}

// NextBlockInfo describes what a block extending the best chain has to
// contain to be valid.
type NextBlockInfo struct {
	Height   int32
	PrevHash chainhash.Hash
	Version  int32
	Bits     uint32
	MinTime  time.Time

	// BlockValue is the amount the coinbase may claim, excluding fees.
	BlockValue int64

	// SuperblockBudget is the treasury amount available when the block is
	// a superblock.
	SuperblockBudget int64

	// MasternodePayouts are the outputs the coinbase must contain.
	MasternodePayouts []*btcwire.TxOut

	// MNRRActive and MultiPayeeAllowed reflect the deployment states for
	// the block.
	MNRRActive        bool
	MultiPayeeAllowed bool

	// List is the masternode list of the best block.
	List *evo.List

	// PrevCbTx is the coinbase payload of the best block.
	PrevCbTx *evo.CbTx
}

// Config is a descriptor which specifies the blockchain instance configuration.
type Config struct {
	// DB defines the database which houses the blocks and will be used to
	// store all metadata created by this package.
	//
	// This field is required.
	DB engine.Engine

	// ChainParams identifies which chain parameters the chain is associated
	// with.
	//
	// This field is required.
	ChainParams *chaincfg.Params

	// MNManager maintains the masternode lists.  A manager backed by DB is
	// created when it is nil.
	MNManager *evo.Manager

	// QuorumProcessor, ChainLockChecker and SignalVerifier are optional
	// hooks.  They can also be installed later since they usually need the
	// chain to be constructed.
	QuorumProcessor  QuorumProcessor
	ChainLockChecker ChainLockChecker

	SignalVerifier SignalVerifier
}

// BlockChain provides functions for working with the block chain.  It
// includes functionality such as rejecting invalid blocks, connecting and
// disconnecting masternode state, reorganizing onto better branches and
// enforcing chainlocks.
type BlockChain struct {
	db           engine.Engine
	chainParams  *chaincfg.Params
	mnManager    *evo.Manager
	subsidyCache *SubsidyCache

	// chainLock protects concurrent access to the vast majority of the
	// fields in this struct below this point.
	chainLock sync.RWMutex

	// These fields are related to the memory block index.  The best chain
	// is a view into the index.
	index     *blockIndex
	bestChain *chainView

	quorums    QuorumProcessor
	chainLocks ChainLockChecker
	signals    SignalVerifier

	// deploymentCaches caches the threshold state of each deployment per
	// window.
	deploymentCaches map[string]*thresholdStateCache

	// lockedHeight and lockedHash are the enforced chainlock.  lockedHeight
	// is -1 when no chainlock is known.
	lockedHeight int32
	lockedHash   chainhash.Hash

	// The notification fields are protected by ntfnMtx.
	ntfnMtx       sync.Mutex
	notifications []NotificationCallback
	outbox        []*Notification
	delivering    bool
}

// New returns a BlockChain instance using the provided configuration details.
// A fresh database is initialized with the genesis block.
func New(config *Config) (*BlockChain, error) {
	if config.DB == nil {
		return nil, AssertError("blockchain.New database is nil")
	}
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}

	params := config.ChainParams
	mnManager := config.MNManager
	if mnManager == nil {
		var err error
		mnManager, err = evo.NewManager(params, config.DB)
		if err != nil {
			return nil, err
		}
	}

	b := BlockChain{
		db:               config.DB,
		chainParams:      params,
		mnManager:        mnManager,
		subsidyCache:     NewSubsidyCache(params),
		index:            newBlockIndex(),
		bestChain:        newChainView(nil),
		quorums:          config.QuorumProcessor,
		chainLocks:       config.ChainLockChecker,
		signals:          config.SignalVerifier,
		deploymentCaches: newThresholdCaches(params),
		lockedHeight:     -1,
	}
	if err := b.initChainState(); err != nil {
		return nil, err
	}

	tip := b.bestChain.Tip()
	if err := b.mnManager.SetTip(tip.hash); err != nil {
		return nil, fmt.Errorf("masternode list of best block %v is "+
			"missing, reindex required: %w", tip.hash, err)
	}

	log.Infof("Chain state (height %d, hash %v)", tip.height, tip.hash)
	return &b, nil
}

// SetQuorumProcessor installs the quorum commitment hook.
func (b *BlockChain) SetQuorumProcessor(p QuorumProcessor) {
	b.chainLock.Lock()
	b.quorums = p
	b.chainLock.Unlock()
}

// SetChainLockChecker installs the coinbase chainlock hook.
func (b *BlockChain) SetChainLockChecker(c ChainLockChecker) {
	b.chainLock.Lock()
	b.chainLocks = c
	b.chainLock.Unlock()
}

// ChainParams returns the network parameters of the chain.
func (b *BlockChain) ChainParams() *chaincfg.Params {
	return b.chainParams
}

// MNManager returns the masternode list manager of the chain.
func (b *BlockChain) MNManager() *evo.Manager {
	return b.mnManager
}

// SubsidyCache returns the subsidy cache of the chain.
func (b *BlockChain) SubsidyCache() *SubsidyCache {
	return b.subsidyCache
}

// BestSnapshot returns information about the current best chain block and
// related state as of the current point in time.
//
// This function is safe for concurrent access.
func (b *BlockChain) BestSnapshot() *BestState {
	tip := b.bestChain.Tip()
	state := &BestState{
		Hash:      tip.hash,
		Height:    tip.height,
		Bits:      tip.bits,
		BlockTime: time.Unix(tip.timestamp, 0),
		WorkSum:   new(big.Int).Set(tip.workSum),
	}
	if tip.parent != nil {
		state.PrevHash = tip.parent.hash
	}
	return state
}

// HaveBlock returns whether or not the chain instance has the block
// represented by the passed hash, on the main chain or a side chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) HaveBlock(hash *chainhash.Hash) bool {
	return b.index.HaveBlock(hash)
}

// MainChainHasBlock returns whether or not the block with the given hash is in
// the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) MainChainHasBlock(hash *chainhash.Hash) bool {
	node := b.index.LookupNode(hash)
	return node != nil && b.bestChain.Contains(node)
}

// BlockHashByHeight returns the hash of the block at the given height in the
// main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHashByHeight(height int32) (*chainhash.Hash, error) {
	node := b.bestChain.NodeByHeight(height)
	if node == nil {
		return nil, fmt.Errorf("no block at height %d exists", height)
	}
	return &node.hash, nil
}

// BlockHeightByHash returns the height of the block with the given hash,
// which may be on a side chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHeightByHash(hash *chainhash.Hash) (int32, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return 0, fmt.Errorf("block %v is not known", hash)
	}
	return node.height, nil
}

// AncestorHash returns the hash of the ancestor at height of the block with
// the given hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) AncestorHash(hash *chainhash.Hash, height int32) (*chainhash.Hash, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return nil, fmt.Errorf("block %v is not known", hash)
	}
	ancestor := node.Ancestor(height)
	if ancestor == nil {
		return nil, fmt.Errorf("block %v has no ancestor at height %d", hash, height)
	}
	return &ancestor.hash, nil
}

// HeaderByHash returns the block header identified by the given hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) HeaderByHash(hash *chainhash.Hash) (wire.BlockHeader, error) {
	node := b.index.LookupNode(hash)
	if node == nil {
		return wire.BlockHeader{}, fmt.Errorf("block %v is not known", hash)
	}
	return node.Header(), nil
}

// BlockByHash returns the block identified by the given hash.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	node := b.index.LookupNode(hash)
	if node == nil || !b.index.NodeStatus(node).HaveData() {
		return nil, fmt.Errorf("block %v is not known", hash)
	}
	return dbFetchBlock(b.db, hash)
}

// ChainTip describes the tip of a known branch.
type ChainTip struct {
	Height    int32
	Hash      chainhash.Hash
	BranchLen int32
	Status    string
}

// ChainTips returns every known branch tip, the tip of the main chain first.
// The status is "active" for the main chain, "invalid" for branches with an
// invalid block, "conflicting" for branches that conflict with a chainlock,
// "valid-fork" for fully validated branches and "valid-headers" otherwise.
//
// This function is safe for concurrent access.
func (b *BlockChain) ChainTips() []ChainTip {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	best := b.bestChain.Tip()
	tips := []ChainTip{{Height: best.height, Hash: best.hash, Status: "active"}}
	for _, node := range b.index.Tips() {
		if node == best {
			continue
		}
		fork := b.bestChain.FindFork(node)
		tip := ChainTip{
			Height:    node.height,
			Hash:      node.hash,
			BranchLen: node.height - fork.height,
		}
		status := b.index.NodeStatus(node)
		switch {
		case status&statusChainLockConflict != 0:
			tip.Status = "conflicting"
		case status.KnownInvalid():
			tip.Status = "invalid"
		case status.KnownValid():
			tip.Status = "valid-fork"
		default:
			tip.Status = "valid-headers"
		}
		tips = append(tips, tip)
	}
	return tips
}

// ChainLock returns the enforced chainlock.  The bool is false when there is
// none.
//
// This function is safe for concurrent access.
func (b *BlockChain) ChainLock() (int32, chainhash.Hash, bool) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return b.lockedHeight, b.lockedHash, b.lockedHeight >= 0
}

// IsChainLocked returns whether the main chain block at height is covered by
// the enforced chainlock.
//
// This function is safe for concurrent access.
func (b *BlockChain) IsChainLocked(height int32) bool {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return b.lockedHeight >= 0 && height <= b.lockedHeight
}

// ancestorFunc returns an AncestorFunc for the branch ending in node.
func ancestorFunc(node *blockNode) AncestorFunc {
	return func(height int32) (chainhash.Hash, bool) {
		ancestor := node.Ancestor(height)
		if ancestor == nil {
			return chainhash.Hash{}, false
		}
		return ancestor.hash, true
	}
}

// isRuleError returns whether err reports an invalid block rather than a
// failure of the node itself.
func isRuleError(err error) bool {
	var rerr RuleError
	var evoErr evo.RuleError
	return errors.As(err, &rerr) || errors.As(err, &evoErr)
}

// cbTxForNode returns the coinbase payload of node.  It is decoded from the
// stored block for nodes loaded from the database.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) cbTxForNode(node *blockNode) (*evo.CbTx, error) {
	if node.cbTx != nil || int64(node.height) < b.chainParams.DIP0003Height {
		return node.cbTx, nil
	}
	block, err := dbFetchBlock(b.db, &node.hash)
	if err != nil {
		return nil, err
	}
	coinbase := block.Transactions[0]
	if coinbase.Type != wire.TxTypeCoinbase {
		return nil, nil
	}
	cb, err := evo.CbTxFromTx(coinbase)
	if err != nil {
		return nil, err
	}
	node.cbTx = cb
	return cb, nil
}

// txFlags returns the special transaction features enabled for the block
// after prevNode.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) txFlags(prevNode *blockNode) evo.TxFlags {
	return evo.TxFlags{
		HPMNAllowed:       int64(prevNode.height)+1 >= b.chainParams.V19Height,
		MultiPayeeAllowed: b.isDeploymentActive(prevNode, chaincfg.DeploymentMultiPayee),
	}
}

// connectBlock handles connecting the passed node/block to the end of the main
// (best) chain.  The block is validated against the masternode list and
// quorum state of its parent, which must be the current tip.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) connectBlock(node *blockNode, block *wire.MsgBlock) error {
	parent := node.parent
	if tip := b.bestChain.Tip(); parent != tip {
		return AssertError(fmt.Sprintf("connectBlock must be called with a "+
			"block that extends the main chain (parent %v, tip %v)",
			parent.hash, tip.hash))
	}

	prevList, err := b.mnManager.ListForBlock(parent.hash)
	if err != nil {
		return err
	}
	ancestor := ancestorFunc(node)
	mnrr := b.isDeploymentActive(parent, chaincfg.DeploymentMNRR)

	// The chainlock a coinbase references is checked before any state is
	// modified.
	var cb *evo.CbTx
	if coinbase := block.Transactions[0]; coinbase.Type == wire.TxTypeCoinbase {
		cb, err = evo.CbTxFromTx(coinbase)
		if err != nil {
			return err
		}
	}
	if b.chainLocks != nil && cb != nil && int64(node.height) >= b.chainParams.V20Height {
		prevCb, err := b.cbTxForNode(parent)
		if err != nil {
			return err
		}
		err = b.chainLocks.CheckCoinbaseChainLock(node.height, cb, prevCb, ancestor)
		if err != nil {
			return err
		}
	}

	if err := b.checkMasternodePayments(node, block, prevList, mnrr); err != nil {
		return err
	}
	signalled, err := b.checkMnHfSignals(parent, block)
	if err != nil {
		return err
	}

	var punish []chainhash.Hash
	if b.quorums != nil {
		punish, err = b.quorums.ProcessBlock(block, node.height, ancestor)
		if err != nil {
			return err
		}
	}

	ctx := &evo.BlockContext{
		Height:     node.height,
		BlockHash:  node.hash,
		MNRRActive: mnrr,
		Flags:      b.txFlags(parent),
		PoSePunish: punish,
	}
	list, cbTx, err := b.mnManager.ProcessBlock(block, ctx)
	if err != nil {
		if b.quorums != nil {
			if uerr := b.quorums.UndoBlock(block, node.height); uerr != nil {
				log.Errorf("Failed to undo quorum commitments of %v: %v",
					node.hash, uerr)
			}
		}
		return err
	}

	node.cbTx = cbTx
	node.mnhfSignals = parent.mnhfSignals
	if len(signalled) != 0 {
		node.mnhfSignals = parent.mnhfSignals.with(signalled, node.height)
		if err := dbPutMnHfSignals(b.db, &node.hash, signalled); err != nil {
			return err
		}
		log.Infof("Block %v (height %d) signals version bits %v",
			node.hash, node.height, signalled)
	}
	b.bestChain.SetTip(node)
	b.index.SetStatusFlags(node, statusValid)
	if err := dbPutChainState(b.db, b.index.takeDirty(), node); err != nil {
		return err
	}

	metrics.BlocksConnected.Inc()
	b.queueNotification(NTBlockConnected, &BlockConnectedNtfnsData{
		Block:  block,
		Hash:   node.hash,
		Height: node.height,
		CbTx:   cbTx,
		List:   list,
	})
	return nil
}

// disconnectBlock handles disconnecting the passed node/block from the end of
// the main (best) chain.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) disconnectBlock(node *blockNode) error {
	if tip := b.bestChain.Tip(); node != tip {
		return AssertError(fmt.Sprintf("disconnectBlock must be called "+
			"with the block at the end of the main chain (%v, tip %v)",
			node.hash, tip.hash))
	}
	block, err := dbFetchBlock(b.db, &node.hash)
	if err != nil {
		return err
	}
	if b.quorums != nil {
		if err := b.quorums.UndoBlock(block, node.height); err != nil {
			return err
		}
	}
	if err := b.mnManager.RemoveBlock(node.hash, node.parent.hash); err != nil {
		return err
	}

	b.bestChain.SetTip(node.parent)
	if err := dbPutChainState(b.db, b.index.takeDirty(), node.parent); err != nil {
		return err
	}

	b.queueNotification(NTBlockDisconnected, &BlockConnectedNtfnsData{
		Block:  block,
		Hash:   node.hash,
		Height: node.height,
		CbTx:   node.cbTx,
		List:   b.mnManager.Tip(),
	})
	return nil
}

// markInvalid flags node as failed and all of its known descendants as having
// an invalid ancestor, then persists the index changes.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) markInvalid(node *blockNode) {
	b.index.SetStatusFlags(node, statusValidateFailed)
	b.index.MarkDescendantsInvalid(node)
	if err := dbPutChainState(b.db, b.index.takeDirty(), b.bestChain.Tip()); err != nil {
		log.Errorf("Failed to store invalid block %v: %v", node.hash, err)
	}
}

// conflictsWithChainLock returns whether node is on a branch that does not
// contain the enforced chainlock.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) conflictsWithChainLock(node *blockNode) bool {
	if b.lockedHeight < 0 || node.height < b.lockedHeight {
		return false
	}
	return node.Ancestor(b.lockedHeight).hash != b.lockedHash
}

// containsChainLock returns whether the branch ending in node contains the
// chainlocked block.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) containsChainLock(node *blockNode) bool {
	if b.lockedHeight < 0 || node.height < b.lockedHeight {
		return false
	}
	return node.Ancestor(b.lockedHeight).hash == b.lockedHash
}

// reorganizeChain makes target the tip of the main chain.  The blocks of the
// current main chain after the fork point are disconnected and the blocks of
// the new branch are connected.  When a block of the new branch turns out to
// be invalid, the original chain is restored and the error is returned.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) reorganizeChain(target *blockNode) error {
	fork := b.bestChain.FindFork(target)
	if fork == nil {
		return AssertError(fmt.Sprintf("block %v does not connect to the "+
			"main chain", target.hash))
	}
	oldTip := b.bestChain.Tip()

	var detach []*blockNode
	for n := oldTip; n != fork; n = n.parent {
		detach = append(detach, n)
	}
	var attach []*blockNode
	for n := target; n != fork; n = n.parent {
		attach = append(attach, n)
	}
	for i, j := 0, len(attach)-1; i < j; i, j = i+1, j-1 {
		attach[i], attach[j] = attach[j], attach[i]
	}

	log.Infof("REORGANIZE: fork at height %d (%v), disconnecting %d and "+
		"connecting %d blocks", fork.height, fork.hash, len(detach), len(attach))

	for _, n := range detach {
		if err := b.disconnectBlock(n); err != nil {
			return err
		}
	}

	for i, n := range attach {
		block, err := dbFetchBlock(b.db, &n.hash)
		if err != nil {
			return err
		}
		err = b.connectBlock(n, block)
		if err == nil {
			continue
		}
		if !isRuleError(err) {
			return err
		}

		log.Warnf("Block %v of the new branch is invalid: %v", n.hash, err)
		b.markInvalid(n)

		// Restore the original chain.
		for j := i - 1; j >= 0; j-- {
			if rerr := b.disconnectBlock(attach[j]); rerr != nil {
				return rerr
			}
		}
		for j := len(detach) - 1; j >= 0; j-- {
			block, rerr := dbFetchBlock(b.db, &detach[j].hash)
			if rerr != nil {
				return rerr
			}
			if rerr := b.connectBlock(detach[j], block); rerr != nil {
				return AssertError(fmt.Sprintf("failed to restore block "+
					"%v: %v", detach[j].hash, rerr))
			}
		}
		return err
	}

	b.queueNotification(NTReorganization, &ReorganizationNtfnsData{
		OldHash:   oldTip.hash,
		OldHeight: oldTip.height,
		NewHash:   target.hash,
		NewHeight: target.height,
	})
	return nil
}

// isBetterTip returns whether node should replace tip as the best block.  It
// needs more work, and a tip containing the chainlock is only replaced by a
// node that contains it too.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) isBetterTip(node, tip *blockNode) bool {
	if node.workSum.Cmp(tip.workSum) <= 0 {
		return false
	}
	return !b.containsChainLock(tip) || b.containsChainLock(node)
}

// bestCandidate returns the valid tip with the most work whose branch
// contains node, or node itself when it has no valid descendant.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) bestCandidate(node *blockNode) *blockNode {
	best := node
	for _, tip := range b.index.Tips() {
		if b.index.NodeStatus(tip).KnownInvalid() {
			continue
		}
		if tip.height < node.height || tip.Ancestor(node.height) != node {
			continue
		}
		if tip.workSum.Cmp(best.workSum) > 0 {
			best = tip
		}
	}
	return best
}

// ProcessBlock is the main workhorse for handling insertion of new blocks into
// the block chain.  It includes functionality such as rejecting duplicate
// blocks, ensuring blocks follow all rules, and reorganizing onto better
// branches.  The returned bool reports whether the block is part of the main
// chain afterwards.
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlock(block *wire.MsgBlock) (bool, error) {
	b.chainLock.Lock()
	isMainChain, err := b.processBlock(block)
	b.chainLock.Unlock()
	b.flushNotifications()
	return isMainChain, err
}

// processBlock is the lock-free variant of ProcessBlock.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) processBlock(block *wire.MsgBlock) (bool, error) {
	hash := block.BlockHash()
	if b.index.HaveBlock(&hash) {
		str := fmt.Sprintf("already have block %v", hash)
		return false, ruleError(ErrDuplicateBlock, str)
	}
	if err := checkBlockSanity(block); err != nil {
		return false, err
	}

	parent := b.index.LookupNode(&block.Header.PrevBlock)
	if parent == nil {
		str := fmt.Sprintf("previous block %v of %v is unknown",
			block.Header.PrevBlock, hash)
		return false, ruleError(ErrMissingParent, str)
	}
	if b.index.NodeStatus(parent).KnownInvalid() {
		str := fmt.Sprintf("previous block %v is known to be invalid",
			parent.hash)
		return false, ruleError(ErrInvalidAncestorBlock, str)
	}

	node := newBlockNode(&block.Header, parent)
	if b.conflictsWithChainLock(node) {
		str := fmt.Sprintf("block %v at height %d conflicts with the "+
			"chainlock at height %d", hash, node.height, b.lockedHeight)
		return false, ruleError(ErrChainLockConflict, str)
	}
	node.status = statusDataStored
	if err := dbStoreBlock(b.db, node, block); err != nil {
		return false, err
	}
	b.index.AddNode(node)

	// The chainlocked block arrived after its lock.
	if b.lockedHeight >= 0 && node.hash == b.lockedHash {
		if err := b.applyChainLock(); err != nil {
			return false, err
		}
		onMain := b.bestChain.Contains(node)
		b.queueNotification(NTBlockAccepted, &BlockAcceptedNtfnsData{
			OnMainChain: onMain,
			Block:       block,
		})
		return onMain, nil
	}

	tip := b.bestChain.Tip()
	switch {
	case parent == tip:
		if err := b.connectBlock(node, block); err != nil {
			if isRuleError(err) {
				b.markInvalid(node)
			}
			return false, err
		}

	case b.isBetterTip(node, tip):
		if err := b.reorganizeChain(node); err != nil {
			return false, err
		}

	default:
		log.Debugf("Block %v (height %d) extends a side chain", hash,
			node.height)
		if err := dbPutChainState(b.db, b.index.takeDirty(), tip); err != nil {
			return false, err
		}
		b.queueNotification(NTBlockAccepted, &BlockAcceptedNtfnsData{
			OnMainChain: false,
			Block:       block,
		})
		return false, nil
	}

	b.queueNotification(NTBlockAccepted, &BlockAcceptedNtfnsData{
		OnMainChain: true,
		Block:       block,
	})
	return true, nil
}

// EnforceChainLock makes the block with the given hash at height final.  The
// branch containing it becomes the main chain regardless of work and every
// branch conflicting with it is marked invalid.  A lock for a block that is
// not known yet is recorded and applied once the block arrives.  Locks that
// are not higher than the enforced one are ignored.
//
// This function is safe for concurrent access.
func (b *BlockChain) EnforceChainLock(height int32, hash chainhash.Hash) error {
	b.chainLock.Lock()
	err := b.enforceChainLock(height, hash)
	b.chainLock.Unlock()
	b.flushNotifications()
	return err
}

// enforceChainLock is the lock-free variant of EnforceChainLock.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) enforceChainLock(height int32, hash chainhash.Hash) error {
	if height <= b.lockedHeight {
		return nil
	}
	if err := dbPutChainLock(b.db, height, &hash); err != nil {
		return err
	}
	b.lockedHeight, b.lockedHash = height, hash

	if !b.index.HaveBlock(&hash) {
		log.Infof("Chainlock for unknown block %v at height %d recorded",
			hash, height)
		return nil
	}
	return b.applyChainLock()
}

// applyChainLock marks the branches conflicting with the enforced chainlock
// and switches the main chain to the best branch containing the locked block.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) applyChainLock() error {
	node := b.index.LookupNode(&b.lockedHash)
	if node == nil || node.height != b.lockedHeight {
		return nil
	}
	if b.index.NodeStatus(node).KnownInvalid() {
		log.Errorf("Chainlocked block %v is invalid", node.hash)
		return nil
	}

	b.index.markNodes(b.conflictsWithChainLock, statusChainLockConflict)

	if !b.bestChain.Contains(node) {
		target := b.bestCandidate(node)
		log.Infof("Chainlock at height %d forces a reorganization to %v",
			node.height, target.hash)
		if err := b.reorganizeChain(target); err != nil {
			return err
		}
	}
	if err := dbPutChainState(b.db, b.index.takeDirty(), b.bestChain.Tip()); err != nil {
		return err
	}

	b.queueNotification(NTChainLocked, &ChainLockedNtfnsData{
		Height: node.height,
		Hash:   node.hash,
	})
	return nil
}

// Reindex replays the main chain from the genesis block, rebuilding the
// masternode lists and the quorum commitments from the stored blocks.
//
// This function is safe for concurrent access.
func (b *BlockChain) Reindex() error {
	b.chainLock.Lock()
	err := b.reindex()
	b.chainLock.Unlock()
	b.flushNotifications()
	return err
}

// reindex is the lock-free variant of Reindex.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) reindex() error {
	tip := b.bestChain.Tip()
	nodes := make([]*blockNode, 0, tip.height)
	for n := tip; n.parent != nil; n = n.parent {
		nodes = append(nodes, n)
	}

	if err := b.mnManager.Reset(); err != nil {
		return err
	}
	if b.quorums != nil {
		if err := b.quorums.Reset(); err != nil {
			return err
		}
	}
	b.bestChain.SetTip(tip.Ancestor(0))

	log.Infof("Reindexing %d blocks", len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		block, err := dbFetchBlock(b.db, &n.hash)
		if err != nil {
			return err
		}
		if err := b.connectBlock(n, block); err != nil {
			if isRuleError(err) {
				b.markInvalid(n)
			}
			return fmt.Errorf("reindex stopped at height %d: %w", n.height, err)
		}
	}
	log.Infof("Reindex done at height %d", b.bestChain.Height())
	return nil
}

// NextBlockInfo returns what a block extending the current best chain must
// contain.
//
// This function is safe for concurrent access.
func (b *BlockChain) NextBlockInfo() (*NextBlockInfo, error) {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tip := b.bestChain.Tip()
	height := tip.height + 1
	list, err := b.mnManager.ListForBlock(tip.hash)
	if err != nil {
		return nil, err
	}
	prevCb, err := b.cbTxForNode(tip)
	if err != nil {
		return nil, err
	}
	mnrr := b.isDeploymentActive(tip, chaincfg.DeploymentMNRR)
	info := &NextBlockInfo{
		Height:            height,
		PrevHash:          tip.hash,
		Version:           b.calcNextBlockVersion(tip),
		Bits:              tip.bits,
		MinTime:           time.Unix(tip.timestamp+1, 0),
		BlockValue:        b.subsidyCache.CalcBlockValue(height),
		SuperblockBudget:  b.subsidyCache.CalcSuperblockBudget(height),
		MNRRActive:        mnrr,
		MultiPayeeAllowed: b.txFlags(tip).MultiPayeeAllowed,
		List:              list,
		PrevCbTx:          prevCb,
	}
	if int64(height) >= b.chainParams.DIP0003EnforcementHeight {
		info.MasternodePayouts = b.masternodePayouts(tip, list, mnrr)
	}
	return info, nil
}
