// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cpuminer solves block templates on the CPU.  It is meant for
// regression test networks whose proof of work limit makes a solution a
// matter of a few hashes.
package cpuminer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/wire"
)

const (
	// maxNonce is the maximum value a nonce can be in a block header.
	maxNonce = ^uint32(0) // 2^32 - 1

	// maxExtraNonce is the maximum value an extra nonce used in a coinbase
	// transaction can be.
	maxExtraNonce = ^uint64(0) // 2^64 - 1

	// staleCheckInterval is how many nonces are tried between checks for
	// a new best block.
	staleCheckInterval = 1 << 16
)

// log is a logger that is initialized with no output filters.  This means the
// package will not perform any logging by default until the caller requests it.
var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ErrAlreadyMining is returned when blocks are requested while the miner is
// running.
var ErrAlreadyMining = errors.New("server is already CPU mining")

// Config is a descriptor containing the cpu miner configuration.
type Config struct {
	// BlockTemplateGenerator identifies the instance to use in order to
	// generate block templates that the miner will attempt to solve.
	BlockTemplateGenerator *mining.BlkTmplGenerator

	// PayToScripts is a list of payment scripts to use for the generated
	// blocks.  Each generated block will randomly choose one of them.  The
	// coinbase is spendable by anyone when it is empty.
	PayToScripts [][]byte

	// ProcessBlock defines the function to call with any solved blocks.
	// It typically must run the provided block through the same set of
	// rules and handling as any other block coming from the network.
	ProcessBlock func(*wire.MsgBlock) (bool, error)
}

// CPUMiner provides facilities for solving blocks (mining) using the CPU in
// a concurrency-safe manner.
type CPUMiner struct {
	sync.Mutex
	g               *mining.BlkTmplGenerator
	cfg             Config
	started         bool
	discreteMining  bool
	submitBlockLock sync.Mutex
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// submitBlock submits the passed block to network after ensuring it passes all
// of the consensus validation rules.
func (m *CPUMiner) submitBlock(block *wire.MsgBlock) bool {
	m.submitBlockLock.Lock()
	defer m.submitBlockLock.Unlock()

	// Ensure the block is not stale since a new block could have shown up
	// while the solution was being found.
	best := m.g.BestSnapshot()
	if !block.Header.PrevBlock.IsEqual(&best.Hash) {
		log.Debugf("Block submitted via CPU miner with previous "+
			"block %s is stale", block.Header.PrevBlock)
		return false
	}

	// Process this block using the same rules as blocks coming from other
	// nodes.
	isMain, err := m.cfg.ProcessBlock(block)
	if err != nil {
		log.Debugf("Block submitted via CPU miner rejected: %v", err)
		return false
	}
	if !isMain {
		log.Debugf("Block submitted via CPU miner is not on the main chain")
		return false
	}

	// The block was accepted.
	coinbaseTx := block.Transactions[0].TxOut[0]
	log.Infof("Block submitted via CPU miner accepted (hash %s, "+
		"amount %v)", block.BlockHash(), btcutil.Amount(coinbaseTx.Value))
	return true
}

// solveBlock attempts to find some combination of a nonce, extra nonce, and
// current timestamp which makes the passed block hash to a value less than the
// target difficulty.  The passed block is modified with all tweaks during this
// process.  This means that when the function returns true, the block is ready
// for submission.
//
// This function will return early with false when the context is done or
// the best block changed.
func (m *CPUMiner) solveBlock(ctx context.Context, msgBlock *wire.MsgBlock, blockHeight int32) bool {
	header := &msgBlock.Header
	targetDifficulty := blockchain.CompactToBig(header.Bits)
	enOffset := rand.Uint64()

	for extraNonce := uint64(0); extraNonce < maxExtraNonce; extraNonce++ {
		err := m.g.UpdateExtraNonce(msgBlock, blockHeight, extraNonce+enOffset)
		if err != nil {
			log.Errorf("Failed to update extra nonce: %v", err)
			return false
		}

		for i := uint32(0); i <= maxNonce; i++ {
			if i%staleCheckInterval == 0 {
				select {
				case <-ctx.Done():
					return false
				default:
				}
				best := m.g.BestSnapshot()
				if !header.PrevBlock.IsEqual(&best.Hash) {
					return false
				}
				m.g.UpdateBlockTime(msgBlock)
			}

			header.Nonce = i
			hash := header.BlockHash()
			if blockchain.HashToBig(&hash).Cmp(targetDifficulty) <= 0 {
				return true
			}
			if i == maxNonce {
				break
			}
		}
	}
	return false
}

// payToScript picks the payment script of the next block.
func (m *CPUMiner) payToScript() []byte {
	if len(m.cfg.PayToScripts) == 0 {
		return nil
	}
	return m.cfg.PayToScripts[rand.Intn(len(m.cfg.PayToScripts))]
}

// mineOne builds a template on the current tip, solves it and submits it.
// It returns the hash of the accepted block.
func (m *CPUMiner) mineOne(ctx context.Context) (*chainhash.Hash, error) {
	m.submitBlockLock.Lock()
	template, err := m.g.NewBlockTemplate(m.payToScript())
	m.submitBlockLock.Unlock()
	if err != nil {
		return nil, err
	}
	if !m.solveBlock(ctx, template.Block, template.Height) {
		return nil, nil
	}
	if !m.submitBlock(template.Block) {
		return nil, nil
	}
	hash := template.Block.BlockHash()
	return &hash, nil
}

// generateBlocks mines blocks until ctx is done.
//
// It must be run as a goroutine.
func (m *CPUMiner) generateBlocks(ctx context.Context) {
	defer m.wg.Done()
	log.Tracef("Starting generate blocks worker")

	for {
		select {
		case <-ctx.Done():
			log.Tracef("Generate blocks worker done")
			return
		default:
		}
		if _, err := m.mineOne(ctx); err != nil {
			log.Errorf("Failed to create new block template: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Start begins the CPU mining process.  Calling this function when the CPU
// miner has already been started will have no effect.
//
// This function is safe for concurrent access.
func (m *CPUMiner) Start() {
	m.Lock()
	defer m.Unlock()

	if m.started || m.discreteMining {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.generateBlocks(ctx)
	m.started = true
	log.Infof("CPU miner started")
}

// Stop gracefully stops the mining process by signalling all workers, and the
// speed monitor to quit.  Calling this function when the CPU miner has not
// already been started will have no effect.
//
// This function is safe for concurrent access.
func (m *CPUMiner) Stop() {
	m.Lock()
	defer m.Unlock()

	if !m.started || m.discreteMining {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.started = false
	log.Infof("CPU miner stopped")
}

// IsMining returns whether or not the CPU miner has been started and is
// therefore currently mining.
//
// This function is safe for concurrent access.
func (m *CPUMiner) IsMining() bool {
	m.Lock()
	defer m.Unlock()
	return m.started
}

// GenerateNBlocks generates the requested number of blocks. It is self
// contained in that it creates block templates and attempts to solve them while
// detecting when it is performing stale work and reacting accordingly by
// generating a new block template.  When a block is solved, it is submitted.
// The function returns a list of the hashes of generated blocks.
func (m *CPUMiner) GenerateNBlocks(ctx context.Context, n uint32) ([]*chainhash.Hash, error) {
	m.Lock()
	if m.started || m.discreteMining {
		m.Unlock()
		return nil, ErrAlreadyMining
	}
	m.discreteMining = true
	m.Unlock()

	defer func() {
		m.Lock()
		m.discreteMining = false
		m.Unlock()
	}()

	log.Tracef("Generating %d blocks", n)
	blockHashes := make([]*chainhash.Hash, 0, n)
	for uint32(len(blockHashes)) < n {
		if err := ctx.Err(); err != nil {
			return blockHashes, err
		}
		hash, err := m.mineOne(ctx)
		if err != nil {
			return blockHashes, err
		}
		if hash != nil {
			blockHashes = append(blockHashes, hash)
		}
	}
	log.Tracef("Generated %d blocks", n)
	return blockHashes, nil
}

// New returns a new instance of a CPU miner for the provided configuration.
// Use Start to begin the mining process.  See the documentation for CPUMiner
// type for more details.
func New(cfg *Config) *CPUMiner {
	return &CPUMiner{
		g:   cfg.BlockTemplateGenerator,
		cfg: *cfg,
	}
}
