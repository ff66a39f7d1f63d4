// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainlock makes blocks final.  The chainlock quorum signs the tip
// of the chain, and the resulting chainlock forces every node onto the
// chain containing the locked block.  Blocks carry the best chainlock known
// to their miner in the coinbase payload.
package chainlock

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	pkgerrors "github.com/pkg/errors"
)

// requestIDPrefix is hashed into the signing request id of a chainlock.
const requestIDPrefix = "clsig"

// seenCacheSize bounds the hashes of chainlock messages already processed.
const seenCacheSize = 1024

// RequestID returns the signing request id of the chainlock at height.  It
// is SHA256d(varstr("clsig") || int32 height).
func RequestID(height int32) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, requestIDPrefix)
	_ = wire.WriteElements(&buf, height)
	return chainhash.DoubleHashH(buf.Bytes())
}

// Chain is the view of the block chain the chainlock manager needs.
type Chain interface {
	BestSnapshot() *blockchain.BestState
	BlockHashByHeight(height int32) (*chainhash.Hash, error)
	EnforceChainLock(height int32, hash chainhash.Hash) error
}

// Signer is the signing service that produces and verifies chainlock
// signatures.
type Signer interface {
	RequestSign(t chaincfg.LLMQType, id, msgHash chainhash.Hash, quorumHash *chainhash.Hash) (bool, error)
	VerifyAt(t chaincfg.LLMQType, signHeight int32, id, msgHash chainhash.Hash, sig wire.BLSSignature) (bool, error)
	IsConflicting(t chaincfg.LLMQType, id, msgHash chainhash.Hash) bool
	GetRecoveredSig(t chaincfg.LLMQType, id chainhash.Hash) (*wire.MsgQuorumRecoveredSig, error)
}

// SporkSource tells whether a spork is in force.
type SporkSource interface {
	IsSporkActive(id spork.ID, height int64) bool
}

// Config is the configuration of a chainlock manager.
type Config struct {
	ChainParams *chaincfg.Params
	Chain       Chain

	// Quorums select the quorum signing the tip.
	Quorums signing.QuorumSource

	Signer Signer

	// Sporks gates signing.  Chainlocks are always enabled when it is nil.
	Sporks SporkSource

	// DB persists the best chainlock.
	DB engine.Engine

	// Broadcaster relays new chainlocks.
	Broadcaster llmq.Broadcaster
}

// lastSigned is the tip this node last asked to sign.
type lastSigned struct {
	height  int32
	id      chainhash.Hash
	msgHash chainhash.Hash
}

// Manager keeps the best chainlock, signs new tips and checks the chainlocks
// of coinbase payloads.
type Manager struct {
	cfg    Config
	params *chaincfg.Params

	mtx          sync.RWMutex
	best         *wire.MsgCLSig
	coinbaseLock *wire.MsgCLSig
	signed       lastSigned
	seen         lru.Cache

	listenersMtx sync.RWMutex
	listeners    []func(*wire.MsgCLSig)
}

// New returns a chainlock manager starting from the stored best chainlock.
func New(cfg *Config) (*Manager, error) {
	m := &Manager{
		cfg:    *cfg,
		params: cfg.ChainParams,
		seen:   lru.NewCache(seenCacheSize),
	}
	v, err := engine.Get(cfg.DB, bestChainLockKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read best chainlock")
	}
	if v != nil {
		var clsig wire.MsgCLSig
		err := clsig.BtcDecode(bytes.NewReader(v), wire.ProtocolVersion)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "corrupt best chainlock")
		}
		m.best = &clsig
		metrics.BestChainLockHeight.Set(float64(clsig.Height))
	}
	return m, nil
}

var bestChainLockKey = []byte{dbnamespace.ChainLockBucket}

// Subscribe registers fn to be called with every new best chainlock.
func (m *Manager) Subscribe(fn func(*wire.MsgCLSig)) {
	m.listenersMtx.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMtx.Unlock()
}

func (m *Manager) notify(clsig *wire.MsgCLSig) {
	m.listenersMtx.RLock()
	listeners := make([]func(*wire.MsgCLSig), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMtx.RUnlock()

	for _, fn := range listeners {
		fn(clsig)
	}
}

// IsEnabled returns whether chainlocks are signed at the current tip.
func (m *Manager) IsEnabled() bool {
	if m.cfg.Sporks == nil {
		return true
	}
	height := m.cfg.Chain.BestSnapshot().Height
	return m.cfg.Sporks.IsSporkActive(spork.SporkChainLocksEnabled, int64(height))
}

// BestChainLock returns the best chainlock.  The bool is false when there
// is none.
//
// This function is safe for concurrent access.
func (m *Manager) BestChainLock() (*wire.MsgCLSig, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.best == nil {
		return nil, false
	}
	clsig := *m.best
	return &clsig, true
}

// BestChainLockHeight returns the height of the best chainlock or -1.
func (m *Manager) BestChainLockHeight() int32 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.best == nil {
		return -1
	}
	return m.best.Height
}

// mainChainHas returns whether the main chain has hash at height.
func (m *Manager) mainChainHas(height int32, hash chainhash.Hash) bool {
	have, err := m.cfg.Chain.BlockHashByHeight(height)
	return err == nil && *have == hash
}

// HasChainLock returns whether the block hash at height is covered by the
// best chainlock, which means it is the locked block or one of its
// ancestors.
//
// This function is safe for concurrent access.
func (m *Manager) HasChainLock(height int32, hash chainhash.Hash) bool {
	best, ok := m.BestChainLock()
	if !ok || height > best.Height {
		return false
	}
	if height == best.Height {
		return hash == best.BlockHash
	}
	return m.mainChainHas(best.Height, best.BlockHash) && m.mainChainHas(height, hash)
}

// HasConflictingChainLock returns whether the best chainlock covers height
// with a block other than hash.
//
// This function is safe for concurrent access.
func (m *Manager) HasConflictingChainLock(height int32, hash chainhash.Hash) bool {
	best, ok := m.BestChainLock()
	if !ok || height > best.Height {
		return false
	}
	if height == best.Height {
		return hash != best.BlockHash
	}
	return m.mainChainHas(best.Height, best.BlockHash) && !m.mainChainHas(height, hash)
}

// ProcessChainLock verifies a chainlock received from the network and makes
// it the best chainlock when it is higher than the current one.  Chainlocks
// that are not higher are ignored.  A chainlock signed by an unknown quorum
// yields an error wrapping llmq.ErrQuorumNotFound and may be processed again
// once the quorum is known.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessChainLock(clsig *wire.MsgCLSig) error {
	hash := clsig.Hash()
	if m.seen.Contains(hash) {
		return nil
	}
	if clsig.Height <= m.BestChainLockHeight() {
		m.seen.Add(hash)
		return nil
	}

	// A chainlock is only marked seen once its signature has a verdict so
	// that one arriving before its quorum is known is verified again later.
	t := m.params.LLMQTypeChainLocks
	valid, err := m.cfg.Signer.VerifyAt(t, clsig.Height, RequestID(clsig.Height),
		clsig.BlockHash, clsig.Sig)
	if err != nil {
		return fmt.Errorf("unable to verify %v: %w", clsig, err)
	}
	m.seen.Add(hash)
	if !valid {
		str := fmt.Sprintf("%v has an invalid signature", clsig)
		return ruleError(ErrBadChainLockSig, str)
	}
	return m.accept(clsig, true)
}

// accept makes clsig the best chainlock when it is higher than the current
// one, persists it and enforces it on the chain.
func (m *Manager) accept(clsig *wire.MsgCLSig, relay bool) error {
	m.mtx.Lock()
	if m.best != nil && clsig.Height <= m.best.Height {
		m.mtx.Unlock()
		return nil
	}
	b, err := wire.EncodePayload(clsig)
	if err == nil {
		err = engine.Update(m.cfg.DB, func(tx engine.Transaction) error {
			return tx.Put(bestChainLockKey, b)
		})
	}
	if err != nil {
		m.mtx.Unlock()
		return pkgerrors.Wrapf(err, "failed to store %v", clsig)
	}
	m.best = clsig
	m.mtx.Unlock()

	metrics.BestChainLockHeight.Set(float64(clsig.Height))
	log.Infof("New best %v", clsig)

	if relay && m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Broadcast(clsig)
	}
	if err := m.cfg.Chain.EnforceChainLock(clsig.Height, clsig.BlockHash); err != nil {
		return err
	}
	m.notify(clsig)
	return nil
}

// TrySignChainTip asks the chainlock quorum to sign the current tip unless
// it was already signed, a chainlock at or above it exists or it conflicts
// with the best chainlock.
//
// This function is safe for concurrent access.
func (m *Manager) TrySignChainTip() {
	if !m.IsEnabled() {
		return
	}
	tip := m.cfg.Chain.BestSnapshot()
	if tip.Height == 0 {
		return
	}

	m.mtx.RLock()
	done := m.signed.height == tip.Height
	m.mtx.RUnlock()
	if done || m.BestChainLockHeight() >= tip.Height {
		return
	}
	if m.HasConflictingChainLock(tip.Height, tip.Hash) {
		return
	}

	t := m.params.LLMQTypeChainLocks
	id := RequestID(tip.Height)
	if m.cfg.Signer.IsConflicting(t, id, tip.Hash) {
		log.Debugf("Not signing tip %v at height %d: conflicting signature",
			tip.Hash, tip.Height)
		return
	}
	quorum, err := signing.SelectQuorumForSigning(m.cfg.Quorums, t, tip.Height, id)
	if err != nil {
		log.Debugf("No quorum to sign tip %v at height %d: %v", tip.Hash,
			tip.Height, err)
		return
	}

	m.mtx.Lock()
	m.signed = lastSigned{height: tip.Height, id: id, msgHash: tip.Hash}
	m.mtx.Unlock()

	log.Debugf("Trying to sign tip %v at height %d", tip.Hash, tip.Height)
	quorumHash := quorum.QuorumHash()
	if _, err := m.cfg.Signer.RequestSign(t, id, tip.Hash, &quorumHash); err != nil {
		log.Debugf("Failed to sign tip %v: %v", tip.Hash, err)
		return
	}

	// The signature may have been recovered before this node got the
	// block.
	if rs, err := m.cfg.Signer.GetRecoveredSig(t, id); err == nil {
		m.HandleNewRecoveredSig(rs)
	}
}

// HandleNewRecoveredSig turns the recovered signature of the tip this node
// asked to sign into a chainlock.
//
// This function is safe for concurrent access.
func (m *Manager) HandleNewRecoveredSig(rs *wire.MsgQuorumRecoveredSig) {
	if chaincfg.LLMQType(rs.LLMQType) != m.params.LLMQTypeChainLocks {
		return
	}
	m.mtx.RLock()
	signed := m.signed
	m.mtx.RUnlock()
	if signed.height == 0 || rs.ID != signed.id {
		return
	}
	if rs.MsgHash != signed.msgHash {
		// Every member votes once per height, so a majority for another
		// block can only come from a quorum this node is not in.
		log.Warnf("Recovered chainlock for %v conflicts with signed tip %v "+
			"at height %d", rs.MsgHash, signed.msgHash, signed.height)
		return
	}
	clsig := &wire.MsgCLSig{
		Height:    signed.height,
		BlockHash: rs.MsgHash,
		Sig:       rs.Sig,
	}
	if err := m.ProcessChainLock(clsig); err != nil {
		log.Errorf("Failed to process recovered %v: %v", clsig, err)
	}
}

// BlockConnected takes the chainlock referenced by the coinbase payload of a
// connected block.  The chain already verified it, so it is not checked
// again.
//
// This function is safe for concurrent access.
func (m *Manager) BlockConnected(height int32, cb *evo.CbTx) {
	if cb == nil || !cb.HasChainLock() {
		return
	}
	clHeight := int32(cb.ChainLockHeight(int64(height)))
	hash, err := m.cfg.Chain.BlockHashByHeight(clHeight)
	if err != nil {
		return
	}
	clsig := &wire.MsgCLSig{
		Height:    clHeight,
		BlockHash: *hash,
		Sig:       cb.BestCLSignature,
	}

	m.mtx.Lock()
	m.coinbaseLock = clsig
	m.mtx.Unlock()

	if err := m.accept(clsig, true); err != nil {
		log.Errorf("Failed to accept coinbase %v: %v", clsig, err)
	}
}

// CoinbaseChainLock returns the chainlock the coinbase of a block at height
// references as the height difference and signature.  It prefers the best
// chainlock and falls back to the one of the last connected coinbase.  The
// bool is false when no chainlock below height is known.
//
// This function is safe for concurrent access.
func (m *Manager) CoinbaseChainLock(height int32) (uint32, wire.BLSSignature, bool) {
	m.mtx.RLock()
	best, fallback := m.best, m.coinbaseLock
	m.mtx.RUnlock()

	for _, clsig := range []*wire.MsgCLSig{best, fallback} {
		if clsig == nil || clsig.Height >= height {
			continue
		}
		if !m.mainChainHas(clsig.Height, clsig.BlockHash) {
			continue
		}
		return uint32(height - clsig.Height - 1), clsig.Sig, true
	}
	return 0, wire.BLSSignature{}, false
}

// CheckCoinbaseChainLock checks the chainlock of cb, the coinbase payload of
// the block at height, against the coinbase payload of its parent.
//
//   - a null signature is only allowed with a zero height difference and
//     only while the parent coinbase did not reference a chainlock
//   - the referenced chainlock may not be older than the one of the parent
//   - the signature must verify for the block at the referenced height
//
// It is called by the chain with its lock held, so it only resolves blocks
// through ancestor.
func (m *Manager) CheckCoinbaseChainLock(height int32, cb, prevCb *evo.CbTx, ancestor blockchain.AncestorFunc) error {
	return toChainError(m.checkCoinbaseChainLock(height, cb, prevCb, ancestor))
}

func (m *Manager) checkCoinbaseChainLock(height int32, cb, prevCb *evo.CbTx, ancestor blockchain.AncestorFunc) error {
	if cb.Version < evo.CbTxVersionChainLock {
		str := fmt.Sprintf("coinbase payload version %d at height %d does "+
			"not carry a chainlock", cb.Version, height)
		return ruleError(ErrCbTxVersion, str)
	}

	prevHasLock := prevCb != nil && prevCb.HasChainLock()
	if !cb.HasChainLock() {
		if cb.BestCLHeightDiff != 0 {
			str := fmt.Sprintf("null chainlock with height difference %d",
				cb.BestCLHeightDiff)
			return ruleError(ErrNullChainLockDiff, str)
		}
		if prevHasLock {
			str := fmt.Sprintf("coinbase at height %d drops the chainlock "+
				"of its parent", height)
			return ruleError(ErrMissingChainLock, str)
		}
		return nil
	}

	clHeight := cb.ChainLockHeight(int64(height))
	if clHeight < 0 {
		str := fmt.Sprintf("chainlock height difference %d at height %d",
			cb.BestCLHeightDiff, height)
		return ruleError(ErrChainLockHeightDiff, str)
	}
	if prevHasLock {
		if cb.BestCLHeightDiff > prevCb.BestCLHeightDiff+1 {
			str := fmt.Sprintf("chainlock height difference %d exceeds "+
				"the parent's %d by more than one", cb.BestCLHeightDiff,
				prevCb.BestCLHeightDiff)
			return ruleError(ErrChainLockHeightDiff, str)
		}
		// The parent coinbase was verified with the same lock.
		if cb.BestCLHeightDiff == prevCb.BestCLHeightDiff+1 &&
			cb.BestCLSignature == prevCb.BestCLSignature {
			return nil
		}
	}

	hash, ok := ancestor(int32(clHeight))
	if !ok {
		str := fmt.Sprintf("no block at chainlock height %d", clHeight)
		return ruleError(ErrUnknownChainLockBlock, str)
	}

	m.mtx.RLock()
	best := m.best
	m.mtx.RUnlock()
	if best != nil && best.Height == int32(clHeight) &&
		best.BlockHash == hash && best.Sig == cb.BestCLSignature {
		return nil
	}

	t := m.params.LLMQTypeChainLocks
	valid, err := m.cfg.Signer.VerifyAt(t, int32(clHeight),
		RequestID(int32(clHeight)), hash, cb.BestCLSignature)
	if err != nil {
		str := fmt.Sprintf("unable to verify chainlock at height %d: %v",
			clHeight, err)
		return ruleError(ErrBadChainLockSig, str)
	}
	if !valid {
		str := fmt.Sprintf("invalid chainlock signature for block %v at "+
			"height %d", hash, clHeight)
		return ruleError(ErrBadChainLockSig, str)
	}
	return nil
}
