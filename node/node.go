// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node assembles the chain, the masternode list, the quorum
// subsystems, the lock engines, the transaction pool and the block template
// generator into one node.  It routes chain notifications and network
// messages to the subsystems that consume them.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/chainlock"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/instantsend"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/dkg"
	"github.com/mndnet/mnd/llmq/ehf"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/mempool"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/mining/cpuminer"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	"golang.org/x/sync/errgroup"
)

// ErrUnhandledMessage is returned by ProcessMessage for messages no
// subsystem consumes.
var ErrUnhandledMessage = errors.New("unhandled message")

// Config is the configuration of a node.
type Config struct {
	ChainParams *chaincfg.Params
	DB          engine.Engine

	// ProTxHash and OperatorKey identify the local masternode.  A zero
	// hash runs the node without masternode duties.
	ProTxHash   chainhash.Hash
	OperatorKey *bls.SecretKey

	// SporkKey is the WIF encoded key used to sign spork updates.
	SporkKey string

	// SigRetention overrides how long recovered signatures are kept.
	SigRetention time.Duration

	// MiningPolicy and PayToScripts configure block templates.
	MiningPolicy *mining.Policy
	PayToScripts [][]byte

	// TimeSource is the clock of the node.  It defaults to time.Now.
	TimeSource func() time.Time

	// Rand is the randomness used for DKG contributions.
	Rand io.Reader
}

// Node is a fully wired node.  The subsystems are exported for the RPC
// server and tests, they must not be replaced after New returns.
type Node struct {
	cfg Config

	Chain       *blockchain.BlockChain
	Quorums     *llmq.QuorumManager
	Blocks      *llmq.BlockProcessor
	DKG         *dkg.Manager
	Signing     *signing.Manager
	Signals     *ehf.Handler
	Sporks      *spork.Manager
	ChainLocks  *chainlock.Manager
	InstantSend *instantsend.Manager
	TxPool      *mempool.TxPool
	Generator   *mining.BlkTmplGenerator
	Miner       *cpuminer.CPUMiner

	relayMtx sync.RWMutex
	relays   []llmq.Broadcaster
}

// Ensure the node relays the messages of its subsystems.
var _ llmq.Broadcaster = (*Node)(nil)

// New creates a node on top of cfg.DB.  A fresh database is initialized with
// the genesis block of the configured network.
func New(cfg *Config) (*Node, error) {
	c := *cfg
	if c.TimeSource == nil {
		c.TimeSource = time.Now
	}
	n := &Node{cfg: c}
	params := c.ChainParams

	chain, err := blockchain.New(&blockchain.Config{
		DB:          c.DB,
		ChainParams: params,
	})
	if err != nil {
		return nil, err
	}
	selector := llmq.NewSelector(params, chain.MNManager(), nil)
	blocks := llmq.NewBlockProcessor(params, c.DB, selector)
	chain.SetQuorumProcessor(blocks)
	quorums := llmq.NewQuorumManager(params, c.DB, chain, blocks)

	sporks, err := spork.New(&spork.Config{
		ChainParams: params,
		DB:          c.DB,
		Broadcaster: n,
		Now:         c.TimeSource,
	})
	if err != nil {
		return nil, err
	}
	if c.SporkKey != "" {
		if err := sporks.SetPrivKey(c.SporkKey); err != nil {
			return nil, err
		}
	}

	signer := signing.NewManager(&signing.Config{
		Quorums:      quorums,
		DB:           c.DB,
		ProTxHash:    c.ProTxHash,
		Broadcaster:  n,
		SigRetention: c.SigRetention,
		Now:          c.TimeSource,
	})

	var dkgMgr *dkg.Manager
	if c.OperatorKey != nil && c.ProTxHash != (chainhash.Hash{}) {
		dkgMgr = dkg.New(&dkg.Config{
			Quorums:     quorums,
			ProTxHash:   c.ProTxHash,
			OperatorKey: c.OperatorKey,
			Broadcaster: n,
			Enabled: func(height int32) bool {
				return sporks.IsSporkActive(spork.SporkQuorumDKGEnabled,
					int64(height))
			},
			Rand: c.Rand,
		})
	}

	chainLocks, err := chainlock.New(&chainlock.Config{
		ChainParams: params,
		Chain:       chain,
		Quorums:     quorums,
		Signer:      signer,
		Sporks:      sporks,
		DB:          c.DB,
		Broadcaster: n,
	})
	if err != nil {
		return nil, err
	}
	chain.SetChainLockChecker(chainLocks)

	islocks, err := instantsend.New(&instantsend.Config{
		ChainParams: params,
		Chain:       chain,
		Quorums:     quorums,
		Signer:      signer,
		Sporks:      sporks,
		ChainLocks:  chainLocks,
		DB:          c.DB,
		Broadcaster: n,
	})
	if err != nil {
		return nil, err
	}
	chain.SetSignalVerifier(signer)

	txPool := mempool.New(&mempool.Config{
		Locks:       islocks,
		TimeSource:  c.TimeSource,
		CheckMnHfTx: chain.CheckMnHfTx,
	})
	signals := ehf.New(&ehf.Config{
		ChainParams: params,
		Chain:       chain,
		Quorums:     quorums,
		Signer:      signer,
		SubmitTx: func(tx *wire.MsgTx) error {
			_, err := txPool.MaybeAcceptTransaction(tx, 0)
			return err
		},
	})
	signer.RegisterRecoveredSigsListener(chainLocks)
	signer.RegisterRecoveredSigsListener(islocks)
	signer.RegisterRecoveredSigsListener(signals)

	generator := mining.NewBlkTmplGenerator(&mining.Config{
		Policy:      c.MiningPolicy,
		ChainParams: params,
		Chain:       chain,
		Quorums:     blocks,
		ChainLocks:  chainLocks,
		TxSource:    txPool,
		TxFilter: func(tx *wire.MsgTx) bool {
			if tx.Type == wire.TxTypeMnHfSignal {
				return chain.CheckMnHfTx(tx) == nil
			}
			return islocks.IsTxSafeForMining(tx)
		},
		TimeSource: c.TimeSource,
	})

	n.Chain = chain
	n.Quorums = quorums
	n.Blocks = blocks
	n.DKG = dkgMgr
	n.Signing = signer
	n.Signals = signals
	n.Sporks = sporks
	n.ChainLocks = chainLocks
	n.InstantSend = islocks
	n.TxPool = txPool
	n.Generator = generator
	n.Miner = cpuminer.New(&cpuminer.Config{
		BlockTemplateGenerator: generator,
		PayToScripts:           c.PayToScripts,
		ProcessBlock:           chain.ProcessBlock,
	})

	chain.Subscribe(n.handleChainNotification)
	return n, nil
}

// AddRelay registers a transport the messages produced by the node are sent
// to.
func (n *Node) AddRelay(r llmq.Broadcaster) {
	n.relayMtx.Lock()
	n.relays = append(n.relays, r)
	n.relayMtx.Unlock()
}

// Broadcast sends msg to every registered relay.
//
// This is part of the llmq.Broadcaster interface.
func (n *Node) Broadcast(msg wire.Message) {
	n.relayMtx.RLock()
	relays := n.relays
	n.relayMtx.RUnlock()

	for _, r := range relays {
		r.Broadcast(msg)
	}
}

// IsMasternode returns whether the node runs masternode duties.
func (n *Node) IsMasternode() bool {
	return n.DKG != nil
}

// ProTxHash returns the registration hash of the local masternode.
func (n *Node) ProTxHash() chainhash.Hash {
	return n.cfg.ProTxHash
}

// Now returns the time of the node clock.
func (n *Node) Now() time.Time {
	return n.cfg.TimeSource()
}

// handleChainNotification routes chain events to the subsystems tracking the
// chain.  Tip work (DKG phases, chainlock signing, lock archival) only runs
// for the block that is the best block once the notification is delivered,
// so a reorganization triggers it once.
func (n *Node) handleChainNotification(ntfn *blockchain.Notification) {
	switch ntfn.Type {
	case blockchain.NTBlockConnected:
		data, ok := ntfn.Data.(*blockchain.BlockConnectedNtfnsData)
		if !ok {
			log.Warnf("Chain connected notification is not a block.")
			break
		}
		n.ChainLocks.BlockConnected(data.Height, data.CbTx)
		n.InstantSend.BlockConnected(data.Block, data.Height)
		n.TxPool.BlockConnected(data.Block)

		if best := n.Chain.BestSnapshot(); best.Hash == data.Hash {
			n.updatedBlockTip(data.Hash, data.Height)
		}

	case blockchain.NTBlockDisconnected:
		data, ok := ntfn.Data.(*blockchain.BlockConnectedNtfnsData)
		if !ok {
			log.Warnf("Chain disconnected notification is not a block.")
			break
		}
		n.InstantSend.BlockDisconnected(data.Block, data.Height)
		n.TxPool.BlockDisconnected(data.Block)

	case blockchain.NTReorganization:
		data, ok := ntfn.Data.(*blockchain.ReorganizationNtfnsData)
		if ok {
			log.Infof("Chain reorganized from %v (height %d) to %v "+
				"(height %d)", data.OldHash, data.OldHeight,
				data.NewHash, data.NewHeight)
		}

	case blockchain.NTChainLocked:
		data, ok := ntfn.Data.(*blockchain.ChainLockedNtfnsData)
		if !ok {
			log.Warnf("Chain locked notification is not a chainlock.")
			break
		}
		n.InstantSend.NotifyChainLock(data.Height)
	}
}

// updatedBlockTip runs the work due when the best block changes.  DKG work
// is only queued; the DKG worker resolves heights on the branch of tip even
// when the best chain moved on in the meantime.
func (n *Node) updatedBlockTip(tip chainhash.Hash, height int32) {
	if n.DKG != nil {
		n.DKG.UpdatedBlockTip(height, n.branchAncestor(tip))
	}
	n.ChainLocks.TrySignChainTip()
	n.InstantSend.UpdatedBlockTip(height)
	n.Signals.UpdatedBlockTip(height)
}

// branchAncestor returns an AncestorFunc for the branch ending in tip.
func (n *Node) branchAncestor(tip chainhash.Hash) llmq.AncestorFunc {
	return func(height int32) (chainhash.Hash, bool) {
		hash, err := n.Chain.AncestorHash(&tip, height)
		if err != nil {
			return chainhash.Hash{}, false
		}
		return *hash, true
	}
}

// ProcessBlock runs a block received from the network or a miner through the
// chain.  It returns whether the block is on the main chain afterwards.
func (n *Node) ProcessBlock(block *wire.MsgBlock) (bool, error) {
	return n.Chain.ProcessBlock(block)
}

// ProcessTx adds a transaction to the pool.  The fee is declared by the
// submitter.
func (n *Node) ProcessTx(tx *wire.MsgTx, fee int64) error {
	_, err := n.TxPool.MaybeAcceptTransaction(tx, fee)
	return err
}

// ProcessMessage hands a network message to the subsystem consuming it.
func (n *Node) ProcessMessage(msg wire.Message) error {
	switch msg := msg.(type) {
	case *wire.MsgQuorumContribution, *wire.MsgQuorumComplaint,
		*wire.MsgQuorumJustification, *wire.MsgQuorumPrematureCommitment,
		*wire.MsgQuorumFinalCommitment:

		if n.DKG == nil {
			if fc, ok := msg.(*wire.MsgQuorumFinalCommitment); ok {
				return n.processFinalCommitment(&fc.Commitment)
			}
			return nil
		}
		return n.DKG.ProcessMessage(msg)

	case *wire.MsgQuorumSigShare:
		return n.Signing.ProcessSigShare(msg)

	case *wire.MsgQuorumRecoveredSig:
		return n.Signing.ProcessRecoveredSig(msg)

	case *wire.MsgCLSig:
		return n.ChainLocks.ProcessChainLock(msg)

	case *wire.MsgISDLock:
		return n.InstantSend.ProcessInstantSendLock(msg)

	case *wire.MsgSpork:
		return n.Sporks.ProcessSpork(msg)

	case *wire.MsgGetSporks:
		for _, m := range n.Sporks.GetSporkMessages() {
			n.Broadcast(m)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnhandledMessage, msg.Command())
}

// processFinalCommitment makes a relayed final commitment available for
// mining on nodes that do not take part in DKG.
func (n *Node) processFinalCommitment(fc *wire.FinalCommitment) error {
	if fc.IsNull() {
		return nil
	}
	params, ok := n.cfg.ChainParams.LLMQ(chaincfg.LLMQType(fc.LLMQType))
	if !ok {
		return fmt.Errorf("%w: unknown quorum type %d", ErrUnhandledMessage,
			fc.LLMQType)
	}
	height, err := n.Chain.BlockHeightByHash(&fc.QuorumHash)
	if err != nil {
		return err
	}
	members, err := n.Blocks.Selector().QuorumMembers(params, fc.QuorumHash,
		height, n.Quorums.Ancestor())
	if err != nil {
		return err
	}
	if err := llmq.VerifyCommitment(n.cfg.ChainParams, fc, members, true); err != nil {
		return err
	}
	n.Blocks.AddMineableCommitment(fc)
	return nil
}

// GenerateBlock builds a template on the best block and processes it
// without solving it.  It is meant for networks without proof of work
// checks such as the regression test network.
func (n *Node) GenerateBlock(payToScript []byte) (*wire.MsgBlock, error) {
	template, err := n.Generator.NewBlockTemplate(payToScript)
	if err != nil {
		return nil, err
	}
	if _, err := n.Chain.ProcessBlock(template.Block); err != nil {
		return nil, err
	}
	return template.Block, nil
}

// Run starts the background workers of the node and blocks until ctx is
// done or a worker fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Signing.Start(ctx)
	})
	if n.DKG != nil {
		g.Go(func() error {
			return n.DKG.Start(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		n.Miner.Stop()
		return nil
	})
	return g.Wait()
}
