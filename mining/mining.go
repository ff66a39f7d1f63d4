// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
)

const (
	// CoinbaseFlags is added to the coinbase script of a generated block.
	CoinbaseFlags = "/mnd/"

	// coinbaseSigScriptLen is the maximum length of a coinbase script.
	coinbaseSigScriptLen = 100
)

// TxDesc is a descriptor about a transaction in a transaction source along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *wire.MsgTx

	// Added is the time when the entry was added to the source pool.
	Added time.Time

	// Fee is the total fee the transaction associated with the entry pays.
	Fee int64
}

// TxSource represents a source of transactions to consider for inclusion in
// new blocks.
//
// The interface contract requires that all of these methods are safe for
// concurrent access with respect to the source.
type TxSource interface {
	// LastUpdated returns the last time a transaction was added to or
	// removed from the source pool.
	LastUpdated() time.Time

	// MiningDescs returns a slice of mining descriptors for all the
	// transactions in the source pool.
	MiningDescs() []*TxDesc
}

// ChainSource is the view of the chain the template generator builds on.
// *blockchain.BlockChain implements it.
type ChainSource interface {
	llmq.Chain
	NextBlockInfo() (*blockchain.NextBlockInfo, error)
}

// QuorumSource provides the quorum commitments a template has to carry.
// *llmq.BlockProcessor implements it.
type QuorumSource interface {
	MineableCommitmentTxs(height int32, ancestor llmq.AncestorFunc) ([]*wire.MsgTx, error)
	MerkleRootQuorums(height int32, txs []*wire.MsgTx) (chainhash.Hash, error)
	PunishedMembers(height int32, txs []*wire.MsgTx, ancestor llmq.AncestorFunc) ([]chainhash.Hash, error)
}

// ChainLockSource provides the chainlock the coinbase of a block at height
// references.  ok is false when no chainlock is known.
type ChainLockSource interface {
	CoinbaseChainLock(height int32) (heightDiff uint32, sig wire.BLSSignature, ok bool)
}

// TxFilter reports whether a transaction may be mined.  It is used to keep
// transactions that conflict with instant-send locks out of templates.
type TxFilter func(tx *wire.MsgTx) bool

// BlockTemplate houses a block that has yet to be solved along with additional
// details about the fees and the number of signature operations for each
// transaction in the block.
type BlockTemplate struct {
	// Block is a block that is ready to be solved by miners.  Thus, it is
	// completely valid with the exception of satisfying the proof-of-work
	// requirement.
	Block *wire.MsgBlock

	// Height is the height at which the block template connects to the main
	// chain.
	Height int32

	// CbTx is the coinbase payload of the block.
	CbTx *evo.CbTx

	// Fees contains the amount of fees each transaction in the generated
	// template pays in base units.  The coinbase has no fee.
	Fees []int64

	// MasternodePayouts are the coinbase outputs paying masternodes.
	MasternodePayouts []*btcwire.TxOut

	// CommitmentTxs are the quorum commitment transactions in the block.
	CommitmentTxs int
}

// Config is the configuration of a block template generator.
type Config struct {
	Policy      *Policy
	ChainParams *chaincfg.Params
	Chain       ChainSource
	Quorums     QuorumSource
	ChainLocks  ChainLockSource
	TxSource    TxSource
	TxFilter    TxFilter

	// TimeSource returns the current time.  time.Now is used when it is
	// nil.
	TimeSource func() time.Time
}

// BlkTmplGenerator provides a type that can be used to generate block templates
// based on a given mining policy and source of transactions to choose from.
// It also houses additional state required in order to ensure the templates
// are built on top of the current best chain and adhere to the consensus rules.
type BlkTmplGenerator struct {
	cfg Config
}

// NewBlkTmplGenerator returns a new block template generator for the given
// configuration.
func NewBlkTmplGenerator(cfg *Config) *BlkTmplGenerator {
	c := *cfg
	if c.Policy == nil {
		p := DefaultPolicy()
		c.Policy = &p
	}
	if c.TimeSource == nil {
		c.TimeSource = time.Now
	}
	return &BlkTmplGenerator{cfg: c}
}

// BestSnapshot returns information about the current best chain block and
// related state as of the current point in time using the chain instance
// associated with the block template generator.  The returned state must be
// treated as immutable since it is shared by all callers.
//
// This function is safe for concurrent access.
func (g *BlkTmplGenerator) BestSnapshot() *blockchain.BestState {
	return g.cfg.Chain.BestSnapshot()
}

// TxSource returns the associated transaction source.
//
// This function is safe for concurrent access.
func (g *BlkTmplGenerator) TxSource() TxSource {
	return g.cfg.TxSource
}

// standardCoinbaseScript returns a standard script suitable for use as the
// signature script of the coinbase transaction of a new block.  In particular,
// it starts with the block height that is required by version 2 blocks and
// adds the extra nonce as well as additional coinbase flags.
func standardCoinbaseScript(nextBlockHeight int32, extraNonce uint64) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(nextBlockHeight)).
		AddInt64(int64(extraNonce)).AddData([]byte(CoinbaseFlags)).
		Script()
}

// createCoinbaseTx returns a coinbase transaction paying the masternode
// payouts and the remainder of value to pkScript.  The payload commits to
// cb.
func createCoinbaseTx(coinbaseScript []byte, value int64, payouts []*btcwire.TxOut, pkScript []byte, cb *evo.CbTx) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxTypeCoinbase)
	tx.AddTxIn(&btcwire.TxIn{
		// Coinbase transactions have no inputs, so previous outpoint is
		// zero hash and max index.
		PreviousOutPoint: *btcwire.NewOutPoint(&chainhash.Hash{},
			btcwire.MaxPrevOutIndex),
		SignatureScript: coinbaseScript,
		Sequence:        btcwire.MaxTxInSequenceNum,
	})
	remaining := value
	for _, out := range payouts {
		remaining -= out.Value
	}
	if remaining < 0 {
		return nil, fmt.Errorf("masternode payouts exceed the block value "+
			"by %d", -remaining)
	}
	tx.AddTxOut(btcwire.NewTxOut(remaining, pkScript))
	for _, out := range payouts {
		tx.AddTxOut(btcwire.NewTxOut(out.Value, out.PkScript))
	}
	tx.ExtraPayload = evo.PayloadBytes(cb)
	return tx, nil
}

// selectTxs picks the pool transactions for a block in fee order until the
// block size limit is reached.
func (g *BlkTmplGenerator) selectTxs(sizeLeft int) ([]*wire.MsgTx, []int64) {
	if g.cfg.TxSource == nil {
		return nil, nil
	}
	descs := g.cfg.TxSource.MiningDescs()
	sort.SliceStable(descs, func(i, j int) bool {
		return descs[i].Fee > descs[j].Fee
	})

	var txs []*wire.MsgTx
	var fees []int64
	seen := make(map[btcwire.OutPoint]struct{})
	signalled := make(map[uint8]struct{})
next:
	for _, desc := range descs {
		tx := desc.Tx
		if tx.IsCoinBase() || tx.Type == wire.TxTypeQuorumCommitment {
			continue
		}
		if g.cfg.TxFilter != nil && !g.cfg.TxFilter(tx) {
			log.Debugf("Skipping tx %v which is not safe to mine",
				tx.TxHash())
			continue
		}
		for _, in := range tx.TxIn {
			if _, ok := seen[in.PreviousOutPoint]; ok {
				continue next
			}
		}
		size := tx.SerializeSize()
		if size > sizeLeft {
			continue
		}
		// Hard fork signals carry no inputs to pay a fee from.
		if desc.Fee < g.cfg.Policy.MinFee(size) && tx.Type != wire.TxTypeMnHfSignal {
			continue
		}
		if tx.Type == wire.TxTypeMnHfSignal {
			p, err := evo.MnHfTxFromTx(tx)
			if err != nil {
				continue
			}
			if _, ok := signalled[p.Signal.VersionBit]; ok {
				continue
			}
			signalled[p.Signal.VersionBit] = struct{}{}
		}
		for _, in := range tx.TxIn {
			seen[in.PreviousOutPoint] = struct{}{}
		}
		sizeLeft -= size
		txs = append(txs, tx)
		fees = append(fees, desc.Fee)
	}
	return txs, fees
}

// NewBlockTemplate returns a new block template that is ready to be solved
// using the transactions from the passed transaction source pool and a coinbase
// that either pays to the passed address if it is not nil, or a coinbase that
// is redeemable by anyone if the passed address is nil.
//
// The block carries, in order, the coinbase, the quorum commitment
// transactions required at its height and the pool transactions in fee
// order.  The coinbase pays the masternodes that are due, commits to the
// masternode list and active quorums the block produces and, once the
// coinbase chainlock is active, references the best known chainlock.
//
// This function is safe for concurrent access.
func (g *BlkTmplGenerator) NewBlockTemplate(payToScript []byte) (*BlockTemplate, error) {
	params := g.cfg.ChainParams
	info, err := g.cfg.Chain.NextBlockInfo()
	if err != nil {
		return nil, err
	}
	height := info.Height
	ancestor := llmq.MainChainAncestor(g.cfg.Chain)

	var qcTxs []*wire.MsgTx
	if g.cfg.Quorums != nil {
		qcTxs, err = g.cfg.Quorums.MineableCommitmentTxs(height, ancestor)
		if err != nil {
			return nil, err
		}
	}
	sizeLeft := int(g.cfg.Policy.BlockMaxSize) - blockHeaderOverhead
	for _, tx := range qcTxs {
		sizeLeft -= tx.SerializeSize()
	}
	poolTxs, poolFees := g.selectTxs(sizeLeft)
	txs := append(append([]*wire.MsgTx(nil), qcTxs...), poolTxs...)

	var totalFees int64
	for _, fee := range poolFees {
		totalFees += fee
	}

	cb := &evo.CbTx{
		Version: evo.CbTxVersionMerkleRootQuorums,
		Height:  uint32(height),
	}
	if g.cfg.Quorums != nil {
		cb.MerkleRootQuorums, err = g.cfg.Quorums.MerkleRootQuorums(height, txs)
		if err != nil {
			return nil, err
		}
	}
	if int64(height) >= params.V20Height {
		cb.Version = evo.CbTxVersionChainLock
		if g.cfg.ChainLocks != nil {
			if diff, sig, ok := g.cfg.ChainLocks.CoinbaseChainLock(height); ok {
				cb.BestCLHeightDiff = diff
				cb.BestCLSignature = sig
			}
		}
	}

	coinbaseScript, err := standardCoinbaseScript(height, 0)
	if err != nil {
		return nil, err
	}
	if payToScript == nil {
		payToScript = []byte{txscript.OP_TRUE}
	}
	value := info.BlockValue + totalFees

	ts := g.cfg.TimeSource()
	if ts.Before(info.MinTime) {
		ts = info.MinTime
	}
	build := func() (*wire.MsgBlock, error) {
		coinbase, err := createCoinbaseTx(coinbaseScript, value,
			info.MasternodePayouts, payToScript, cb)
		if err != nil {
			return nil, err
		}
		block := &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:   info.Version,
				PrevBlock: info.PrevHash,
				Timestamp: time.Unix(ts.Unix(), 0),
				Bits:      info.Bits,
			},
			Transactions: append([]*wire.MsgTx{coinbase}, txs...),
		}
		block.Header.MerkleRoot = wire.CalcMerkleRoot(block.Transactions)
		return block, nil
	}

	// The coinbase commits to the masternode list the block produces, so
	// the list is computed from a draft of the block first.  The list root
	// does not depend on the coinbase itself.
	draft, err := build()
	if err != nil {
		return nil, err
	}
	var punish []chainhash.Hash
	if g.cfg.Quorums != nil {
		punish, err = g.cfg.Quorums.PunishedMembers(height, txs, ancestor)
		if err != nil {
			return nil, err
		}
	}
	list, err := evo.ApplyBlock(params, info.List, draft, &evo.BlockContext{
		Height:     height,
		BlockHash:  draft.BlockHash(),
		MNRRActive: info.MNRRActive,
		Flags: evo.TxFlags{
			HPMNAllowed:       int64(height) >= params.V19Height,
			MultiPayeeAllowed: info.MultiPayeeAllowed,
		},
		PoSePunish: punish,
	})
	if err != nil {
		return nil, err
	}
	cb.MerkleRootMNList = list.MerkleRoot()
	block, err := build()
	if err != nil {
		return nil, err
	}

	fees := make([]int64, len(block.Transactions))
	copy(fees[1+len(qcTxs):], poolFees)

	log.Debugf("Created new block template (%d transactions, %d "+
		"commitments, %d in fees) at height %d", len(block.Transactions),
		len(qcTxs), totalFees, height)

	return &BlockTemplate{
		Block:             block,
		Height:            height,
		CbTx:              cb,
		Fees:              fees,
		MasternodePayouts: info.MasternodePayouts,
		CommitmentTxs:     len(qcTxs),
	}, nil
}

// UpdateBlockTime updates the timestamp in the header of the passed block to
// the current time while taking into account the minimum time of the next
// block.
//
// This function is safe for concurrent access.
func (g *BlkTmplGenerator) UpdateBlockTime(msgBlock *wire.MsgBlock) {
	ts := g.cfg.TimeSource()
	if ts.After(msgBlock.Header.Timestamp) {
		msgBlock.Header.Timestamp = time.Unix(ts.Unix(), 0)
	}
}

// UpdateExtraNonce updates the extra nonce in the coinbase script of the passed
// block by regenerating the coinbase script with the passed value and block
// height.  It also recalculates and updates the new merkle root that results
// from changing the coinbase script.
//
// This function is safe for concurrent access.
func (g *BlkTmplGenerator) UpdateExtraNonce(msgBlock *wire.MsgBlock, blockHeight int32, extraNonce uint64) error {
	coinbaseScript, err := standardCoinbaseScript(blockHeight, extraNonce)
	if err != nil {
		return err
	}
	if len(coinbaseScript) > coinbaseSigScriptLen {
		return fmt.Errorf("coinbase transaction script length "+
			"of %d is out of range (min: %d, max: %d)",
			len(coinbaseScript), 2, coinbaseSigScriptLen)
	}
	msgBlock.Transactions[0].TxIn[0].SignatureScript = coinbaseScript
	msgBlock.Header.MerkleRoot = wire.CalcMerkleRoot(msgBlock.Transactions)
	return nil
}
