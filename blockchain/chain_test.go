// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// TestProcessBlockConnect ensures blocks extending the tip are connected and
// announced in order.
func TestProcessBlockConnect(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	best := h.chain.BestSnapshot()
	require.Equal(t, genesis, best.Hash)
	require.Equal(t, int32(0), best.Height)

	block := h.makeBlock(genesis, "a", nil)
	isMain, err := h.chain.ProcessBlock(block)
	require.NoError(t, err)
	require.True(t, isMain)
	require.Equal(t, []NotificationType{NTBlockConnected, NTBlockAccepted},
		h.takeNotifications())

	hash := block.BlockHash()
	best = h.chain.BestSnapshot()
	require.Equal(t, hash, best.Hash)
	require.Equal(t, genesis, best.PrevHash)
	require.Equal(t, int32(1), best.Height)
	require.True(t, h.chain.MainChainHasBlock(&hash))

	got, err := h.chain.BlockHashByHeight(1)
	require.NoError(t, err)
	require.Equal(t, hash, *got)

	stored, err := h.chain.BlockByHash(&hash)
	require.NoError(t, err)
	require.Equal(t, block.Bytes(), stored.Bytes())

	header, err := h.chain.HeaderByHash(&hash)
	require.NoError(t, err)
	require.Equal(t, block.Header.BlockHash(), header.BlockHash())

	require.Equal(t, hash, h.chain.MNManager().Tip().BlockHash())

	// The same block again is a duplicate.
	_, err = h.chain.ProcessBlock(block)
	requireRuleError(t, err, ErrDuplicateBlock)
}

// TestProcessBlockSanity ensures malformed blocks are rejected before they
// are stored.
func TestProcessBlockSanity(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	noTxs := h.makeBlock(genesis, "a", nil)
	noTxs.Transactions = nil
	_, err := h.chain.ProcessBlock(noTxs)
	requireRuleError(t, err, ErrNoTransactions)

	badRoot := h.makeBlock(genesis, "a", nil)
	badRoot.Header.MerkleRoot = chainhash.Hash{0x01}
	_, err = h.chain.ProcessBlock(badRoot)
	requireRuleError(t, err, ErrBadMerkleRoot)
	hash := badRoot.BlockHash()
	require.False(t, h.chain.HaveBlock(&hash))

	twoCoinbases := h.makeBlock(genesis, "a", nil)
	second := h.makeBlock(genesis, "b", nil).Transactions[0]
	twoCoinbases.Transactions = append(twoCoinbases.Transactions, second)
	twoCoinbases.Header.MerkleRoot = wire.CalcMerkleRoot(twoCoinbases.Transactions)
	_, err = h.chain.ProcessBlock(twoCoinbases)
	requireRuleError(t, err, ErrMultipleCoinbases)

	notCoinbase := h.makeBlock(genesis, "a", nil)
	notCoinbase.Transactions[0].TxIn[0].PreviousOutPoint.Index = 0
	notCoinbase.Header.MerkleRoot = wire.CalcMerkleRoot(notCoinbase.Transactions)
	_, err = h.chain.ProcessBlock(notCoinbase)
	requireRuleError(t, err, ErrFirstTxNotCoinbase)

	orphan := h.makeBlock(genesis, "a", nil)
	orphan.Header.PrevBlock = chainhash.Hash{0x02}
	_, err = h.chain.ProcessBlock(orphan)
	requireRuleError(t, err, ErrMissingParent)

	require.Empty(t, h.takeNotifications())
}

// TestProcessBlockInvalid ensures a block failing contextual validation is
// marked invalid together with everything built on it.
func TestProcessBlockInvalid(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	bad := h.makeBlock(genesis, "bad", func(cb *evo.CbTx) {
		cb.Height = 7
	})
	_, err := h.chain.ProcessBlock(bad)
	var evoErr evo.RuleError
	require.ErrorAs(t, err, &evoErr)
	require.Equal(t, genesis, h.chain.BestSnapshot().Hash)

	// The block is known, so its children can be rejected outright.
	badHash := bad.BlockHash()
	require.True(t, h.chain.HaveBlock(&badHash))
	child := h.makeBlock(badHash, "child", nil)
	_, err = h.chain.ProcessBlock(child)
	requireRuleError(t, err, ErrInvalidAncestorBlock)

	// The valid sibling still connects.
	h.extend(genesis, 2, "good")
	require.Equal(t, int32(2), h.chain.BestSnapshot().Height)
}

// TestReorganize ensures the chain switches to a branch with more work and
// announces the switch.
func TestReorganize(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	mainHashes := h.extend(genesis, 2, "a")
	h.takeNotifications()

	// A branch with the same work stays a side chain.
	b1 := h.makeBlock(genesis, "b", nil)
	isMain, err := h.chain.ProcessBlock(b1)
	require.NoError(t, err)
	require.False(t, isMain)
	b2 := h.makeBlock(b1.BlockHash(), "b", nil)
	isMain, err = h.chain.ProcessBlock(b2)
	require.NoError(t, err)
	require.False(t, isMain)
	require.Equal(t, mainHashes[1], h.chain.BestSnapshot().Hash)
	require.Equal(t, []NotificationType{NTBlockAccepted, NTBlockAccepted},
		h.takeNotifications())

	// One more block makes it the best chain.
	b3 := h.makeBlock(b2.BlockHash(), "b", nil)
	isMain, err = h.chain.ProcessBlock(b3)
	require.NoError(t, err)
	require.True(t, isMain)
	require.Equal(t, b3.BlockHash(), h.chain.BestSnapshot().Hash)
	require.Equal(t, []NotificationType{
		NTBlockDisconnected, NTBlockDisconnected,
		NTBlockConnected, NTBlockConnected, NTBlockConnected,
		NTReorganization, NTBlockAccepted,
	}, h.takeNotifications())

	require.False(t, h.chain.MainChainHasBlock(&mainHashes[0]))
	b1Hash := b1.BlockHash()
	require.True(t, h.chain.MainChainHasBlock(&b1Hash))
	require.Equal(t, b3.BlockHash(), h.chain.MNManager().Tip().BlockHash())

	ancestor, err := h.chain.AncestorHash(&mainHashes[1], 1)
	require.NoError(t, err)
	require.Equal(t, mainHashes[0], *ancestor)
}

// TestReorganizeInvalidBranch ensures a reorganization onto a branch with an
// invalid block restores the original chain.
func TestReorganizeInvalidBranch(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	mainHashes := h.extend(genesis, 2, "a")

	b1 := h.makeBlock(genesis, "b", nil)
	_, err := h.chain.ProcessBlock(b1)
	require.NoError(t, err)
	b2 := h.makeBlock(b1.BlockHash(), "b", func(cb *evo.CbTx) {
		cb.MerkleRootMNList = chainhash.Hash{0x03}
	})
	_, err = h.chain.ProcessBlock(b2)
	require.NoError(t, err)

	b3 := h.makeBlock(b2.BlockHash(), "b", nil)
	_, err = h.chain.ProcessBlock(b3)
	var evoErr evo.RuleError
	require.ErrorAs(t, err, &evoErr)

	require.Equal(t, mainHashes[1], h.chain.BestSnapshot().Hash)
	require.Equal(t, mainHashes[1], h.chain.MNManager().Tip().BlockHash())
	require.True(t, h.chain.MainChainHasBlock(&mainHashes[0]))

	b4 := h.makeBlock(b3.BlockHash(), "b", nil)
	_, err = h.chain.ProcessBlock(b4)
	requireRuleError(t, err, ErrInvalidAncestorBlock)
}

// TestChainLockEnforcement ensures a chainlock overrides the work rule and
// conflicting blocks are rejected.
func TestChainLockEnforcement(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	mainHashes := h.extend(genesis, 3, "a")
	b1 := h.makeBlock(genesis, "b", nil)
	_, err := h.chain.ProcessBlock(b1)
	require.NoError(t, err)
	b2 := h.makeBlock(b1.BlockHash(), "b", nil)
	_, err = h.chain.ProcessBlock(b2)
	require.NoError(t, err)
	h.takeNotifications()

	_, _, ok := h.chain.ChainLock()
	require.False(t, ok)

	// Locking the side branch moves the tip to its best block even though
	// it has less work.
	require.NoError(t, h.chain.EnforceChainLock(1, b1.BlockHash()))
	require.Equal(t, b2.BlockHash(), h.chain.BestSnapshot().Hash)
	ntfns := h.takeNotifications()
	require.Equal(t, NTChainLocked, ntfns[len(ntfns)-1])
	require.Contains(t, ntfns, NTReorganization)

	height, hash, ok := h.chain.ChainLock()
	require.True(t, ok)
	require.Equal(t, int32(1), height)
	require.Equal(t, b1.BlockHash(), hash)
	require.True(t, h.chain.IsChainLocked(1))
	require.False(t, h.chain.IsChainLocked(2))

	// Building on the abandoned branch is rejected.
	_, err = h.chain.ProcessBlock(h.makeBlock(mainHashes[2], "a", nil))
	requireRuleError(t, err, ErrInvalidAncestorBlock)

	// A new block conflicting with the locked height is rejected.
	_, err = h.chain.ProcessBlock(h.makeBlock(genesis, "c", nil))
	requireRuleError(t, err, ErrChainLockConflict)

	// Lower locks are ignored.
	require.NoError(t, h.chain.EnforceChainLock(1, mainHashes[0]))
	require.Equal(t, b2.BlockHash(), h.chain.BestSnapshot().Hash)

	tips := h.chain.ChainTips()
	require.Len(t, tips, 2)
	require.Equal(t, ChainTip{Height: 2, Hash: b2.BlockHash(), Status: "active"}, tips[0])
	require.Equal(t, ChainTip{
		Height:    3,
		Hash:      mainHashes[2],
		BranchLen: 3,
		Status:    "conflicting",
	}, tips[1])
}

// TestChainLockBeforeBlock ensures a lock for a block that is not known yet
// is applied once the block arrives.
func TestChainLockBeforeBlock(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	tip := h.extend(genesis, 2, "a")[1]
	c3 := h.makeBlock(tip, "c", nil)
	d3 := h.makeBlock(tip, "d", nil)
	require.NoError(t, h.chain.EnforceChainLock(3, d3.BlockHash()))
	require.Equal(t, tip, h.chain.BestSnapshot().Hash)

	_, err := h.chain.ProcessBlock(c3)
	requireRuleError(t, err, ErrChainLockConflict)

	isMain, err := h.chain.ProcessBlock(d3)
	require.NoError(t, err)
	require.True(t, isMain)
	require.Equal(t, d3.BlockHash(), h.chain.BestSnapshot().Hash)
	require.True(t, h.chain.IsChainLocked(3))
}

// TestChainPersistence ensures the best chain and the chainlock survive a
// restart.
func TestChainPersistence(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	hashes := h.extend(genesis, 5, "a")
	side := h.makeBlock(hashes[1], "side", nil)
	_, err := h.chain.ProcessBlock(side)
	require.NoError(t, err)
	require.NoError(t, h.chain.EnforceChainLock(3, hashes[2]))

	chain := h.open()
	best := chain.BestSnapshot()
	require.Equal(t, hashes[4], best.Hash)
	require.Equal(t, int32(5), best.Height)
	require.Zero(t, h.chain.BestSnapshot().WorkSum.Cmp(best.WorkSum))

	sideHash := side.BlockHash()
	require.True(t, chain.HaveBlock(&sideHash))
	require.False(t, chain.MainChainHasBlock(&sideHash))

	height, hash, ok := chain.ChainLock()
	require.True(t, ok)
	require.Equal(t, int32(3), height)
	require.Equal(t, hashes[2], hash)

	require.Equal(t, hashes[4], chain.MNManager().Tip().BlockHash())

	// The restored chain keeps extending.
	block := h.makeBlock(hashes[4], "a", nil)
	isMain, err := chain.ProcessBlock(block)
	require.NoError(t, err)
	require.True(t, isMain)
}

// TestReindex ensures a reindex replays the main chain.
func TestReindex(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	hashes := h.extend(genesis, 4, "a")
	quorums := newFakeQuorums()
	h.chain.SetQuorumProcessor(quorums)
	h.takeNotifications()

	require.NoError(t, h.chain.Reindex())
	require.Equal(t, hashes[3], h.chain.BestSnapshot().Hash)
	require.Equal(t, hashes[3], h.chain.MNManager().Tip().BlockHash())
	require.Equal(t, 1, quorums.resets)
	require.Len(t, quorums.processed, 4)

	ntfns := h.takeNotifications()
	require.Len(t, ntfns, 4)
	for _, n := range ntfns {
		require.Equal(t, NTBlockConnected, n)
	}
}

// fakeQuorums records the hook calls of the chain.  Blocks whose hash is in
// reject fail with a commitment error.
type fakeQuorums struct {
	mtx       sync.Mutex
	reject    map[chainhash.Hash]bool
	processed []chainhash.Hash
	undone    []chainhash.Hash
	resets    int
	punish    []chainhash.Hash
}

func newFakeQuorums() *fakeQuorums {
	return &fakeQuorums{reject: make(map[chainhash.Hash]bool)}
}

func (q *fakeQuorums) ProcessBlock(block *wire.MsgBlock, height int32, ancestor AncestorFunc) ([]chainhash.Hash, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	hash := block.BlockHash()
	if q.reject[hash] {
		return nil, ruleError(ErrBadQuorumCommitment, "bad commitment")
	}
	if got, ok := ancestor(height - 1); !ok || got != block.Header.PrevBlock {
		return nil, AssertError("ancestor does not match the parent")
	}
	q.processed = append(q.processed, hash)
	return q.punish, nil
}

func (q *fakeQuorums) UndoBlock(block *wire.MsgBlock, height int32) error {
	q.mtx.Lock()
	q.undone = append(q.undone, block.BlockHash())
	q.mtx.Unlock()
	return nil
}

func (q *fakeQuorums) Reset() error {
	q.mtx.Lock()
	q.resets++
	q.processed = nil
	q.mtx.Unlock()
	return nil
}

// TestQuorumProcessorHook ensures commitment failures invalidate the block
// and disconnected blocks are undone.
func TestQuorumProcessorHook(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash
	quorums := newFakeQuorums()
	h.chain.SetQuorumProcessor(quorums)

	a := h.extend(genesis, 2, "a")
	require.Equal(t, a, quorums.processed)

	bad := h.makeBlock(a[1], "bad", nil)
	quorums.reject[bad.BlockHash()] = true
	_, err := h.chain.ProcessBlock(bad)
	requireRuleError(t, err, ErrBadQuorumCommitment)
	badHash := bad.BlockHash()
	require.True(t, h.chain.HaveBlock(&badHash))
	require.Equal(t, a[1], h.chain.BestSnapshot().Hash)

	// A longer branch undoes the commitments of the abandoned blocks.
	b := h.makeBlock(genesis, "b", nil)
	_, err = h.chain.ProcessBlock(b)
	require.NoError(t, err)
	parent := b.BlockHash()
	for i := 0; i < 2; i++ {
		next := h.makeBlock(parent, "b", nil)
		_, err = h.chain.ProcessBlock(next)
		require.NoError(t, err)
		parent = next.BlockHash()
	}
	require.Equal(t, parent, h.chain.BestSnapshot().Hash)
	require.Equal(t, []chainhash.Hash{a[1], a[0]}, quorums.undone)
}

// fakeChainLocks records the coinbase chainlock checks.
type fakeChainLocks struct {
	heights []int32
	fail    bool
}

func (c *fakeChainLocks) CheckCoinbaseChainLock(height int32, cb, prevCb *evo.CbTx, ancestor AncestorFunc) error {
	if c.fail {
		return ruleError(ErrBadChainLock, "bad chainlock")
	}
	if height > 1 && prevCb == nil {
		return AssertError("missing parent coinbase payload")
	}
	c.heights = append(c.heights, height)
	return nil
}

// TestChainLockCheckerHook ensures every coinbase payload is checked against
// the one of its parent.
func TestChainLockCheckerHook(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash
	checker := &fakeChainLocks{}
	h.chain.SetChainLockChecker(checker)

	hashes := h.extend(genesis, 3, "a")
	require.Equal(t, []int32{1, 2, 3}, checker.heights)

	// Payloads of blocks loaded from disk are decoded on demand.
	h.chain = h.open()
	h.chain.SetChainLockChecker(checker)
	_, err := h.chain.ProcessBlock(h.makeBlock(hashes[2], "a", nil))
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, 3, 4}, checker.heights)

	checker.fail = true
	_, err = h.chain.ProcessBlock(h.makeBlock(h.chain.BestSnapshot().Hash, "a", nil))
	requireRuleError(t, err, ErrBadChainLock)
}

// TestNextBlockInfo ensures the template information of the next block.
func TestNextBlockInfo(t *testing.T) {
	h := newChainHarness(t)
	genesis := h.params.GenesisHash

	tip := h.extend(genesis, 2, "a")[1]
	info, err := h.chain.NextBlockInfo()
	require.NoError(t, err)
	require.Equal(t, int32(3), info.Height)
	require.Equal(t, tip, info.PrevHash)
	require.Equal(t, h.chain.SubsidyCache().CalcBlockValue(3), info.BlockValue)
	require.Zero(t, info.SuperblockBudget)
	require.Empty(t, info.MasternodePayouts)
	require.Equal(t, tip, info.List.BlockHash())
	require.NotNil(t, info.PrevCbTx)
	require.Equal(t, uint32(2), info.PrevCbTx.Height)
	require.Equal(t, int32(vbTopBits), info.Version)
}
