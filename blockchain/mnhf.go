// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/pkg/errors"
)

// SignalVerifier verifies the quorum signatures of hard fork signals.
// *signing.Manager implements it.
type SignalVerifier interface {
	// VerifyAt checks a recovered signature made by the quorum of type t
	// selected for id at signHeight.  An error means no quorum could be
	// selected.
	VerifyAt(t chaincfg.LLMQType, signHeight int32, id, msgHash chainhash.Hash, sig wire.BLSSignature) (bool, error)
}

// mnhfSignals maps the version bits signalled on a branch to the height of
// the block that mined the signal.  A map is never modified once a node
// references it, so children share it until a block adds a signal.
type mnhfSignals map[uint8]int32

// with returns a copy of s extended by bits signalled at height.
func (s mnhfSignals) with(bits []uint8, height int32) mnhfSignals {
	out := make(mnhfSignals, len(s)+len(bits))
	for bit, h := range s {
		out[bit] = h
	}
	for _, bit := range bits {
		out[bit] = height
	}
	return out
}

// ehfSignalled returns whether the deployment may start in the window after
// prevNode.  Deployments without hard fork signals may always start.
func ehfSignalled(prevNode *blockNode, d *chaincfg.ConsensusDeployment) bool {
	if !d.UseEHF {
		return true
	}
	_, ok := prevNode.mnhfSignals[d.Bit]
	return ok
}

// SetSignalVerifier installs the hard fork signal verifier.  Blocks carrying
// signals are rejected while none is installed.
func (b *BlockChain) SetSignalVerifier(v SignalVerifier) {
	b.chainLock.Lock()
	b.signals = v
	b.chainLock.Unlock()
}

// checkMnHfTx validates a hard fork signal transaction for the block after
// prevNode and returns the version bit it signals.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) checkMnHfTx(prevNode *blockNode, tx *wire.MsgTx) (uint8, error) {
	p, err := evo.CheckMnHfTx(tx)
	if err != nil {
		return 0, err
	}
	bit := p.Signal.VersionBit
	d, ok := b.chainParams.EHFDeployment(bit)
	if !ok {
		str := fmt.Sprintf("no deployment is started by signals for "+
			"version bit %d", bit)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}
	if h, ok := prevNode.mnhfSignals[bit]; ok {
		str := fmt.Sprintf("version bit %d was already signalled at "+
			"height %d", bit, h)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}
	if state := thresholdState(prevNode, d, b.deploymentCaches[d.Name]); state.State != ThresholdDefined {
		str := fmt.Sprintf("signal for deployment %s in state %v", d.Name,
			state.State)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}

	height := prevNode.height + 1
	quorumNode := b.index.LookupNode(&p.Signal.QuorumHash)
	if quorumNode == nil || quorumNode.height >= height ||
		prevNode.Ancestor(quorumNode.height) != quorumNode {

		str := fmt.Sprintf("signal quorum %v is not on the chain",
			p.Signal.QuorumHash)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}

	if b.signals == nil {
		return 0, ruleError(ErrBadMnHfSignal, "hard fork signals can not "+
			"be verified")
	}
	valid, err := b.signals.VerifyAt(b.chainParams.LLMQTypeMnhf, height,
		p.RequestID(), evo.MnHfSignHash(tx, p), p.Signal.Sig)
	if err != nil {
		str := fmt.Sprintf("unable to verify %v at height %d: %v", p,
			height, err)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}
	if !valid {
		str := fmt.Sprintf("%v has an invalid signature", p)
		return 0, ruleError(ErrBadMnHfSignal, str)
	}
	return bit, nil
}

// checkMnHfSignals validates the hard fork signals of a block extending
// prevNode and returns the version bits they signal.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) checkMnHfSignals(prevNode *blockNode, block *wire.MsgBlock) ([]uint8, error) {
	var bits []uint8
	for _, tx := range block.Transactions[1:] {
		if tx.Type != wire.TxTypeMnHfSignal || !tx.IsSpecial() {
			continue
		}
		bit, err := b.checkMnHfTx(prevNode, tx)
		if err != nil {
			return nil, err
		}
		for _, other := range bits {
			if other == bit {
				str := fmt.Sprintf("block signals version bit %d "+
					"twice", bit)
				return nil, ruleError(ErrBadMnHfSignal, str)
			}
		}
		bits = append(bits, bit)
	}
	return bits, nil
}

// CheckMnHfTx returns whether a hard fork signal transaction may be mined in
// the block after the current best chain tip.
//
// This function is safe for concurrent access.
func (b *BlockChain) CheckMnHfTx(tx *wire.MsgTx) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()
	_, err := b.checkMnHfTx(b.bestChain.Tip(), tx)
	return err
}

// MnHfSignalHeight returns the height of the block that mined the hard fork
// signal for bit on the best chain.  The bool is false when there is none.
//
// This function is safe for concurrent access.
func (b *BlockChain) MnHfSignalHeight(bit uint8) (int32, bool) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	h, ok := b.bestChain.Tip().mnhfSignals[bit]
	return h, ok
}

// mnhfSignalKey returns the key of the signals mined in the given block.
func mnhfSignalKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.MnHfSignalBucket, hash[:])
}

// dbPutMnHfSignals records the version bits signalled in a block.
func dbPutMnHfSignals(e engine.Engine, hash *chainhash.Hash, bits []uint8) error {
	err := engine.Update(e, func(tx engine.Transaction) error {
		return tx.Put(mnhfSignalKey(hash), bits)
	})
	return errors.Wrapf(err, "failed to store signals of block %v", hash)
}

// dbFetchMnHfSignals loads the version bits signalled per block.
func dbFetchMnHfSignals(e engine.Engine) (map[chainhash.Hash][]uint8, error) {
	signals := make(map[chainhash.Hash][]uint8)
	err := engine.ForEach(e, []byte{dbnamespace.MnHfSignalBucket}, func(k, v []byte) error {
		if len(k) != 1+chainhash.HashSize {
			return errDeserialize("corrupt signal entry")
		}
		var hash chainhash.Hash
		copy(hash[:], k[1:])
		signals[hash] = append([]uint8(nil), v...)
		return nil
	})
	return signals, errors.Wrap(err, "failed to load signals")
}
