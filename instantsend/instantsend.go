// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package instantsend locks the inputs of transactions before they are
// mined.  The instant-send quorum first signs every input of a transaction,
// which makes conflicting spends unsignable, and then signs the lock of the
// whole transaction.  Locked transactions are safe to accept with zero
// confirmations and blocks conflicting with a lock are not mined.
package instantsend

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
)

const (
	// lockRequestIDPrefix is hashed into the signing request id of a lock.
	lockRequestIDPrefix = "islock"

	// inputRequestIDPrefix is hashed into the signing request id of a
	// single input.
	inputRequestIDPrefix = "inlock"

	// KeepLockDepth is how deep the transaction of a lock has to be mined
	// before the lock is archived while chainlocks are not in force.
	KeepLockDepth = 24

	// ArchiveDepth is how long archived locks are remembered after their
	// transaction was confirmed.
	ArchiveDepth = 100
)

var (
	// ErrInvalidLock is returned for locks that are malformed.
	ErrInvalidLock = errors.New("invalid instant-send lock")

	// ErrUnknownCycle is returned for locks naming a cycle block this node
	// does not know.
	ErrUnknownCycle = errors.New("unknown instant-send cycle")

	// ErrBadLockSig is returned for locks whose signature does not verify.
	ErrBadLockSig = errors.New("bad instant-send lock signature")

	// ErrConflictingLock is returned for locks spending an input another
	// lock already spends.
	ErrConflictingLock = errors.New("conflicting instant-send lock")

	// ErrDoubleSpend is returned for transactions spending an input that
	// is locked, or about to be locked, to another transaction.
	ErrDoubleSpend = errors.New("instant-send double spend")
)

// RequestID returns the signing request id of the lock over inputs.  It is
// SHA256d(varstr("islock") || outpoints).
func RequestID(inputs []btcwire.OutPoint) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, lockRequestIDPrefix)
	_ = wire.WriteOutPoints(&buf, inputs)
	return chainhash.DoubleHashH(buf.Bytes())
}

// InputRequestID returns the signing request id locking a single input.
// It is SHA256d(varstr("inlock") || outpoint).
func InputRequestID(op *btcwire.OutPoint) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, inputRequestIDPrefix)
	_ = wire.WriteElements(&buf, *op)
	return chainhash.DoubleHashH(buf.Bytes())
}

// TriviallyValid returns whether islock is well formed: it names a
// transaction and spends at least one input, and no input twice.
func TriviallyValid(islock *wire.MsgISDLock) error {
	var zero chainhash.Hash
	if islock.TxID == zero {
		return fmt.Errorf("%w: null txid", ErrInvalidLock)
	}
	if len(islock.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidLock)
	}
	seen := make(map[btcwire.OutPoint]struct{}, len(islock.Inputs))
	for _, op := range islock.Inputs {
		if _, ok := seen[op]; ok {
			return fmt.Errorf("%w: duplicate input %v", ErrInvalidLock, op)
		}
		seen[op] = struct{}{}
	}
	return nil
}

func outpoints(tx *wire.MsgTx) []btcwire.OutPoint {
	ops := make([]btcwire.OutPoint, len(tx.TxIn))
	for i, in := range tx.TxIn {
		ops[i] = in.PreviousOutPoint
	}
	return ops
}

// Chain is the view of the block chain the instant-send manager needs.
type Chain interface {
	BestSnapshot() *blockchain.BestState
	BlockHashByHeight(height int32) (*chainhash.Hash, error)
	BlockHeightByHash(hash *chainhash.Hash) (int32, error)
}

// Signer is the signing service producing the input and transaction
// signatures.
type Signer interface {
	RequestSign(t chaincfg.LLMQType, id, msgHash chainhash.Hash, quorumHash *chainhash.Hash) (bool, error)
	HasRecoveredSig(t chaincfg.LLMQType, id, msgHash chainhash.Hash) bool
	GetRecoveredSig(t chaincfg.LLMQType, id chainhash.Hash) (*wire.MsgQuorumRecoveredSig, error)
	GetVoteForID(t chaincfg.LLMQType, id chainhash.Hash) (chainhash.Hash, bool)
	IsConflicting(t chaincfg.LLMQType, id, msgHash chainhash.Hash) bool
}

// SporkSource tells whether a spork is in force.
type SporkSource interface {
	IsSporkActive(id spork.ID, height int64) bool
}

// ChainLocks tells whether chainlocks are in force.
type ChainLocks interface {
	IsEnabled() bool
}

// Config is the configuration of an instant-send manager.
type Config struct {
	ChainParams *chaincfg.Params
	Chain       Chain
	Quorums     signing.QuorumSource
	Signer      Signer

	// Sporks gates signing and block filtering.  Both are on when it is
	// nil.
	Sporks SporkSource

	// ChainLocks decides when locks are archived.  Without chainlocks,
	// locks are archived once their transaction is KeepLockDepth deep.
	ChainLocks ChainLocks

	DB          engine.Engine
	Broadcaster llmq.Broadcaster
}

// Manager signs, verifies and stores instant-send locks.
type Manager struct {
	cfg    Config
	params *chaincfg.Params
	llmq   *chaincfg.LLMQParams
	store  lockStore

	mtx sync.Mutex

	// inputRequests maps the request id of an input to the transaction
	// it is being locked to.
	inputRequests map[chainhash.Hash]chainhash.Hash

	// pendingTxs are transactions waiting for their lock.
	pendingTxs map[chainhash.Hash]*wire.MsgTx

	// creating maps the request id of a lock this node is signing to the
	// unsigned lock.
	creating map[chainhash.Hash]*wire.MsgISDLock

	listenersMtx sync.RWMutex
	listeners    []func(*wire.MsgISDLock)
}

// New returns an instant-send manager.
func New(cfg *Config) (*Manager, error) {
	t := cfg.ChainParams.LLMQTypeInstantSend
	params, ok := cfg.ChainParams.LLMQ(t)
	if !ok {
		return nil, fmt.Errorf("instant-send quorum type %v is not "+
			"configured", t)
	}
	return &Manager{
		cfg:           *cfg,
		params:        cfg.ChainParams,
		llmq:          params,
		store:         lockStore{db: cfg.DB},
		inputRequests: make(map[chainhash.Hash]chainhash.Hash),
		pendingTxs:    make(map[chainhash.Hash]*wire.MsgTx),
		creating:      make(map[chainhash.Hash]*wire.MsgISDLock),
	}, nil
}

// Subscribe registers fn to be called with every accepted lock.
func (m *Manager) Subscribe(fn func(*wire.MsgISDLock)) {
	m.listenersMtx.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMtx.Unlock()
}

func (m *Manager) notify(islock *wire.MsgISDLock) {
	m.listenersMtx.RLock()
	listeners := make([]func(*wire.MsgISDLock), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMtx.RUnlock()

	for _, fn := range listeners {
		fn(islock)
	}
}

func (m *Manager) sporkActive(id spork.ID) bool {
	if m.cfg.Sporks == nil {
		return true
	}
	height := m.cfg.Chain.BestSnapshot().Height
	return m.cfg.Sporks.IsSporkActive(id, int64(height))
}

// IsEnabled returns whether transactions are locked.
func (m *Manager) IsEnabled() bool {
	return m.sporkActive(spork.SporkInstantSendEnabled)
}

// RejectConflictingBlocks returns whether transactions conflicting with a
// lock are kept out of blocks.
func (m *Manager) RejectConflictingBlocks() bool {
	return m.sporkActive(spork.SporkInstantSendBlockFiltering)
}

// ProcessTx starts locking tx.  Every input is signed first and the lock of
// the whole transaction is signed once all input signatures are recovered.
// It returns an error wrapping ErrDoubleSpend when an input is locked, or
// being locked, to another transaction.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessTx(tx *wire.MsgTx) error {
	if !m.IsEnabled() || len(tx.TxIn) == 0 || tx.IsCoinBase() {
		return nil
	}
	txid := tx.TxHash()
	if islock := m.GetConflictingLock(tx); islock != nil {
		metrics.ISLocks.WithLabelValues("double_spend").Inc()
		return fmt.Errorf("%w: tx %v conflicts with the lock of tx %v",
			ErrDoubleSpend, txid, islock.TxID)
	}

	t := m.params.LLMQTypeInstantSend
	ids := make([]chainhash.Hash, len(tx.TxIn))
	for i, in := range tx.TxIn {
		ids[i] = InputRequestID(&in.PreviousOutPoint)
		if voted, ok := m.cfg.Signer.GetVoteForID(t, ids[i]); ok && voted != txid {
			metrics.ISLocks.WithLabelValues("double_spend").Inc()
			return fmt.Errorf("%w: input %v of tx %v was signed for tx %v",
				ErrDoubleSpend, in.PreviousOutPoint, txid, voted)
		}
		if m.cfg.Signer.IsConflicting(t, ids[i], txid) {
			metrics.ISLocks.WithLabelValues("double_spend").Inc()
			return fmt.Errorf("%w: input %v of tx %v is locked to another tx",
				ErrDoubleSpend, in.PreviousOutPoint, txid)
		}
	}

	m.mtx.Lock()
	m.pendingTxs[txid] = tx
	for _, id := range ids {
		m.inputRequests[id] = txid
	}
	m.mtx.Unlock()

	for i, id := range ids {
		if _, err := m.cfg.Signer.RequestSign(t, id, txid, nil); err != nil {
			if errors.Is(err, signing.ErrConflictingSig) {
				return fmt.Errorf("%w: input %v of tx %v: %v", ErrDoubleSpend,
					tx.TxIn[i].PreviousOutPoint, txid, err)
			}
			log.Debugf("Unable to sign input %v of tx %v: %v",
				tx.TxIn[i].PreviousOutPoint, txid, err)
		}
	}

	m.trySignLock(tx)
	return nil
}

// cycleHash returns the hash of the first block of the DKG cycle quorum was
// created in.
func (m *Manager) cycleHash(quorum *llmq.Quorum) (chainhash.Hash, error) {
	interval := int32(quorum.Params.DKGInterval)
	cycleHeight := quorum.Height - quorum.Height%interval
	if cycleHeight == quorum.Height {
		return quorum.QuorumHash(), nil
	}
	hash, err := m.cfg.Chain.BlockHashByHeight(cycleHeight)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

// trySignLock signs the lock of tx once every input signature is recovered.
func (m *Manager) trySignLock(tx *wire.MsgTx) {
	t := m.params.LLMQTypeInstantSend
	txid := tx.TxHash()
	for _, in := range tx.TxIn {
		if !m.cfg.Signer.HasRecoveredSig(t, InputRequestID(&in.PreviousOutPoint), txid) {
			return
		}
	}

	islock := &wire.MsgISDLock{
		Version: wire.ISDLockVersion,
		Inputs:  outpoints(tx),
		TxID:    txid,
	}
	id := RequestID(islock.Inputs)

	// The lock may already be signed by the quorum, in which case the
	// cycle is the one of the quorum that signed it.
	rs, _ := m.cfg.Signer.GetRecoveredSig(t, id)
	var quorum *llmq.Quorum
	var err error
	if rs != nil {
		quorum, err = m.cfg.Quorums.GetQuorum(t, rs.QuorumHash)
	} else {
		tip := m.cfg.Quorums.TipHeight()
		quorum, err = signing.SelectQuorumForSigning(m.cfg.Quorums, t, tip, id)
	}
	if err != nil {
		log.Debugf("No quorum to sign the lock of tx %v: %v", txid, err)
		return
	}
	if islock.CycleHash, err = m.cycleHash(quorum); err != nil {
		log.Debugf("Unknown cycle of quorum %v: %v", quorum.QuorumHash(), err)
		return
	}

	m.mtx.Lock()
	if _, ok := m.creating[id]; ok {
		m.mtx.Unlock()
		return
	}
	m.creating[id] = islock
	m.mtx.Unlock()

	if rs != nil {
		m.handleLockRecovered(rs)
		return
	}

	log.Debugf("Trying to sign the lock of tx %v", txid)
	quorumHash := quorum.QuorumHash()
	if _, err := m.cfg.Signer.RequestSign(t, id, txid, &quorumHash); err != nil {
		log.Debugf("Failed to sign the lock of tx %v: %v", txid, err)
	}
}

// HandleNewRecoveredSig continues locking a transaction when a signature
// for one of its inputs or its lock was recovered.
//
// This function is safe for concurrent access.
func (m *Manager) HandleNewRecoveredSig(rs *wire.MsgQuorumRecoveredSig) {
	if chaincfg.LLMQType(rs.LLMQType) != m.params.LLMQTypeInstantSend {
		return
	}

	m.mtx.Lock()
	txid, isInput := m.inputRequests[rs.ID]
	tx := m.pendingTxs[txid]
	_, isLock := m.creating[rs.ID]
	m.mtx.Unlock()

	switch {
	case isInput:
		if rs.MsgHash != txid {
			log.Warnf("Input %v of tx %v was locked to tx %v", rs.ID, txid,
				rs.MsgHash)
			return
		}
		if tx != nil {
			m.trySignLock(tx)
		}
	case isLock:
		m.handleLockRecovered(rs)
	}
}

// handleLockRecovered completes the lock being created for rs.
func (m *Manager) handleLockRecovered(rs *wire.MsgQuorumRecoveredSig) {
	m.mtx.Lock()
	islock := m.creating[rs.ID]
	delete(m.creating, rs.ID)
	m.mtx.Unlock()
	if islock == nil {
		return
	}
	if islock.TxID != rs.MsgHash {
		log.Warnf("Lock of tx %v conflicts with the recovered lock of tx %v",
			islock.TxID, rs.MsgHash)
		return
	}
	islock.Sig = rs.Sig
	if err := m.accept(islock); err != nil {
		log.Errorf("Failed to accept the lock of tx %v: %v", islock.TxID, err)
	}
}

// verify checks the signature of islock against the quorum of its cycle.
func (m *Manager) verify(islock *wire.MsgISDLock) error {
	cycleHeight, err := m.cfg.Chain.BlockHeightByHash(&islock.CycleHash)
	if err != nil {
		return fmt.Errorf("%w %v", ErrUnknownCycle, islock.CycleHash)
	}
	interval := int32(m.llmq.DKGInterval)
	if cycleHeight%interval != 0 {
		return fmt.Errorf("%w: cycle block %v at height %d does not "+
			"start a cycle", ErrInvalidLock, islock.CycleHash, cycleHeight)
	}

	t := m.params.LLMQTypeInstantSend
	id := RequestID(islock.Inputs)
	if m.cfg.Signer.HasRecoveredSig(t, id, islock.TxID) {
		return nil
	}

	var quorum *llmq.Quorum
	if m.llmq.UseRotation {
		signHeight := m.cfg.Quorums.TipHeight()
		if cycleHeight+interval < signHeight {
			signHeight = cycleHeight + interval - 1
		}
		quorum, err = signing.SelectQuorumForSigning(m.cfg.Quorums, t, signHeight, id)
	} else {
		quorum, err = m.cfg.Quorums.GetQuorum(t, islock.CycleHash)
	}
	if err != nil {
		return fmt.Errorf("unable to verify the lock of tx %v: %w",
			islock.TxID, err)
	}

	signHash := signing.SignHash(t, quorum.QuorumHash(), id, islock.TxID)
	sig, err := bls.SignatureFromBytes(islock.Sig[:])
	if err != nil || !quorum.PublicKey().Verify(signHash[:], sig) {
		return fmt.Errorf("%w for tx %v", ErrBadLockSig, islock.TxID)
	}
	return nil
}

// VerifyLock checks islock without storing it.
//
// This function is safe for concurrent access.
func (m *Manager) VerifyLock(islock *wire.MsgISDLock) error {
	if err := TriviallyValid(islock); err != nil {
		return err
	}
	return m.verify(islock)
}

// ProcessInstantSendLock verifies a lock received from the network and
// stores it.  Known locks are ignored.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessInstantSendLock(islock *wire.MsgISDLock) error {
	if err := TriviallyValid(islock); err != nil {
		metrics.ISLocks.WithLabelValues("rejected").Inc()
		return err
	}
	hash := islock.Hash()
	known, err := m.store.known(&hash)
	if err != nil || known {
		return err
	}
	if err := m.verify(islock); err != nil {
		metrics.ISLocks.WithLabelValues("rejected").Inc()
		return err
	}
	return m.accept(islock)
}

// accept stores a verified lock, relays it and notifies the listeners.  Of
// two conflicting locks accepted concurrently exactly one is stored.
func (m *Manager) accept(islock *wire.MsgISDLock) error {
	hash := islock.Hash()
	added, other, err := m.store.add(islock)
	switch {
	case err != nil:
		return err
	case other != nil:
		metrics.ISLocks.WithLabelValues("conflict").Inc()
		return fmt.Errorf("%w: tx %v spends inputs locked to tx %v",
			ErrConflictingLock, islock.TxID, other.TxID)
	case !added:
		return nil
	}

	m.mtx.Lock()
	delete(m.pendingTxs, islock.TxID)
	for i := range islock.Inputs {
		delete(m.inputRequests, InputRequestID(&islock.Inputs[i]))
	}
	m.mtx.Unlock()

	metrics.ISLocks.WithLabelValues("accepted").Inc()
	log.Infof("Locked tx %v (lock %v)", islock.TxID, hash)
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Broadcast(islock)
	}
	m.notify(islock)
	return nil
}

// IsLocked returns whether the transaction is locked.
//
// This function is safe for concurrent access.
func (m *Manager) IsLocked(txid *chainhash.Hash) bool {
	islock, err := m.store.lockByTxID(txid)
	return err == nil && islock != nil
}

// GetLockByTxID returns the lock of a transaction, nil when there is none.
func (m *Manager) GetLockByTxID(txid *chainhash.Hash) (*wire.MsgISDLock, error) {
	return m.store.lockByTxID(txid)
}

// GetLockByHash returns the lock with the given hash, nil when there is
// none.
func (m *Manager) GetLockByHash(hash *chainhash.Hash) (*wire.MsgISDLock, error) {
	return m.store.lock(hash)
}

// GetConflictingLock returns a lock spending an input of tx to another
// transaction, nil when there is none.
//
// This function is safe for concurrent access.
func (m *Manager) GetConflictingLock(tx *wire.MsgTx) *wire.MsgISDLock {
	txid := tx.TxHash()
	for _, in := range tx.TxIn {
		islock, err := m.store.lockByOutpoint(&in.PreviousOutPoint)
		if err != nil {
			log.Errorf("Failed to look up lock of %v: %v", in.PreviousOutPoint, err)
			continue
		}
		if islock != nil && islock.TxID != txid {
			return islock
		}
	}
	return nil
}

// LockCount returns the number of stored locks.
func (m *Manager) LockCount() (int, error) {
	return m.store.count()
}

// IsTxSafeForMining returns whether tx may be included in a block, which is
// the case unless it conflicts with a lock while block filtering is on.
func (m *Manager) IsTxSafeForMining(tx *wire.MsgTx) bool {
	if !m.RejectConflictingBlocks() {
		return true
	}
	return m.GetConflictingLock(tx) == nil
}

// minedLocks returns the hashes of the locks of the transactions in block.
func (m *Manager) minedLocks(block *wire.MsgBlock) []chainhash.Hash {
	var hashes []chainhash.Hash
	for _, tx := range block.Transactions {
		if tx.IsCoinBase() {
			continue
		}
		txid := tx.TxHash()
		islock, err := m.store.lockByTxID(&txid)
		if err != nil {
			log.Errorf("Failed to look up lock of tx %v: %v", txid, err)
			continue
		}
		if islock != nil {
			hashes = append(hashes, islock.Hash())
		} else if conflict := m.GetConflictingLock(tx); conflict != nil {
			log.Warnf("Block %v mines tx %v conflicting with the lock of "+
				"tx %v", block.BlockHash(), txid, conflict.TxID)
		}
	}
	return hashes
}

// BlockConnected records the locks of the transactions mined in block.
//
// This function is safe for concurrent access.
func (m *Manager) BlockConnected(block *wire.MsgBlock, height int32) {
	hashes := m.minedLocks(block)
	if err := m.store.setMined(height, hashes, true); err != nil {
		log.Errorf("%v", err)
	}

	m.mtx.Lock()
	for _, tx := range block.Transactions {
		delete(m.pendingTxs, tx.TxHash())
	}
	m.mtx.Unlock()
}

// BlockDisconnected forgets that the locks of the transactions in block
// were mined.
//
// This function is safe for concurrent access.
func (m *Manager) BlockDisconnected(block *wire.MsgBlock, height int32) {
	if err := m.store.setMined(height, m.minedLocks(block), false); err != nil {
		log.Errorf("%v", err)
	}
}

// NotifyChainLock archives the locks of the transactions confirmed by a
// chainlock at height.
func (m *Manager) NotifyChainLock(height int32) {
	m.handleFullyConfirmedBlock(height)
}

// UpdatedBlockTip archives the locks of the transactions buried
// KeepLockDepth blocks deep below height while chainlocks are not in
// force.
func (m *Manager) UpdatedBlockTip(height int32) {
	if m.cfg.ChainLocks != nil && m.cfg.ChainLocks.IsEnabled() {
		return
	}
	m.handleFullyConfirmedBlock(height - KeepLockDepth)
}

func (m *Manager) handleFullyConfirmedBlock(height int32) {
	removed, err := m.store.removeConfirmed(height)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	for _, islock := range removed {
		log.Debugf("Archived lock of confirmed tx %v", islock.TxID)
	}
	n, err := m.store.pruneArchived(height - ArchiveDepth)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	if n > 0 {
		log.Debugf("Forgot %d archived locks", n)
	}
}
