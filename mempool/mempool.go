// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mempool keeps the transactions waiting to be mined.  The pool does
// not track the utxo set, so it only enforces what can be checked without
// it: sanity of the transaction, double spends against the pool and
// conflicts with instant-send locks.  Accepted transactions are handed to
// the lock manager so the network can lock their inputs.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/wire"
)

// DefaultMaxTxSize is the largest serialized transaction the pool accepts.
const DefaultMaxTxSize = 100000

// LockSource is the instant-send lock manager consulted for every
// transaction.  *instantsend.Manager implements it.
type LockSource interface {
	// GetConflictingLock returns the lock spending one of the inputs of tx
	// for another transaction, nil when there is none.
	GetConflictingLock(tx *wire.MsgTx) *wire.MsgISDLock

	// ProcessTx starts locking the inputs of tx.
	ProcessTx(tx *wire.MsgTx) error
}

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// MaxTxSize is the largest serialized transaction accepted.  Zero
	// selects DefaultMaxTxSize.
	MaxTxSize int

	// Locks, when set, rejects transactions conflicting with an
	// instant-send lock and is asked to lock accepted ones.
	Locks LockSource

	// TimeSource returns the time used to stamp accepted transactions.
	TimeSource func() time.Time

	// CheckMnHfTx validates hard fork signal transactions against the
	// chain tip.  Signals are rejected when it is nil.
	CheckMnHfTx func(tx *wire.MsgTx) error
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	mining.TxDesc
}

// TxPool is used as a source of transactions that need to be mined into
// blocks and relayed to other peers.  It is safe for concurrent access from
// multiple peers.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated

	mtx       sync.RWMutex
	cfg       Config
	pool      map[chainhash.Hash]*TxDesc
	outpoints map[btcwire.OutPoint]*wire.MsgTx
}

// Ensure the TxPool type implements the mining.TxSource interface.
var _ mining.TxSource = (*TxPool)(nil)

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	c := *cfg
	if c.MaxTxSize == 0 {
		c.MaxTxSize = DefaultMaxTxSize
	}
	if c.TimeSource == nil {
		c.TimeSource = time.Now
	}
	return &TxPool{
		cfg:       c,
		pool:      make(map[chainhash.Hash]*TxDesc),
		outpoints: make(map[btcwire.OutPoint]*wire.MsgTx),
	}
}

func (mp *TxPool) touch() {
	atomic.StoreInt64(&mp.lastUpdated, mp.cfg.TimeSource().Unix())
}

// haveTransaction returns whether or not the passed transaction already
// exists in the pool.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) haveTransaction(hash *chainhash.Hash) bool {
	_, exists := mp.pool[*hash]
	return exists
}

// HaveTransaction returns whether or not the passed transaction already
// exists in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	haveTx := mp.haveTransaction(hash)
	mp.mtx.RUnlock()

	return haveTx
}

// FetchTransaction returns the requested transaction from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*wire.MsgTx, error) {
	mp.mtx.RLock()
	txDesc, exists := mp.pool[*txHash]
	mp.mtx.RUnlock()

	if exists {
		return txDesc.Tx, nil
	}
	return nil, fmt.Errorf("transaction is not in the pool")
}

// checkTransactionSanity performs the context free checks a transaction has
// to pass before it is considered.
func (mp *TxPool) checkTransactionSanity(tx *wire.MsgTx) error {
	if tx.IsCoinBase() {
		return txRuleError(btcwire.RejectInvalid,
			"transaction is an individual coinbase")
	}
	if tx.Type == wire.TxTypeMnHfSignal && tx.IsSpecial() {
		if mp.cfg.CheckMnHfTx == nil {
			return txRuleError(btcwire.RejectNonstandard,
				"hard fork signals are not accepted")
		}
		if err := mp.cfg.CheckMnHfTx(tx); err != nil {
			str := fmt.Sprintf("hard fork signal %v rejected: %v",
				tx.TxHash(), err)
			return txRuleError(btcwire.RejectInvalid, str)
		}
		return nil
	}
	if len(tx.TxIn) == 0 {
		return txRuleError(btcwire.RejectInvalid,
			"transaction has no inputs")
	}
	if len(tx.TxOut) == 0 && tx.Type == wire.TxTypeNormal {
		return txRuleError(btcwire.RejectInvalid,
			"transaction has no outputs")
	}
	if size := tx.SerializeSize(); size > mp.cfg.MaxTxSize {
		str := fmt.Sprintf("serialized transaction is too big - got "+
			"%d, max %d", size, mp.cfg.MaxTxSize)
		return txRuleError(btcwire.RejectInvalid, str)
	}
	seen := make(map[btcwire.OutPoint]struct{}, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		if _, ok := seen[txIn.PreviousOutPoint]; ok {
			return txRuleError(btcwire.RejectInvalid,
				"transaction contains duplicate inputs")
		}
		seen[txIn.PreviousOutPoint] = struct{}{}
	}
	return nil
}

// checkPoolDoubleSpend checks whether or not the passed transaction is
// attempting to spend coins already spent by other transactions in the pool.
// Note it does not check for double spends against transactions already in
// the main chain.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) checkPoolDoubleSpend(tx *wire.MsgTx) error {
	for _, txIn := range tx.TxIn {
		if txR, exists := mp.outpoints[txIn.PreviousOutPoint]; exists {
			str := fmt.Sprintf("output %v already spent by "+
				"transaction %v in the memory pool",
				txIn.PreviousOutPoint, txR.TxHash())
			return txRuleError(btcwire.RejectDuplicate, str)
		}
	}

	return nil
}

// addTransaction adds the passed transaction to the memory pool.  It should
// not be called directly as it doesn't perform any validation.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addTransaction(tx *wire.MsgTx, fee int64) *TxDesc {
	txD := &TxDesc{
		TxDesc: mining.TxDesc{
			Tx:    tx,
			Added: mp.cfg.TimeSource(),
			Fee:   fee,
		},
	}
	mp.pool[tx.TxHash()] = txD
	for _, txIn := range tx.TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = tx
	}
	mp.touch()
	return txD
}

// MaybeAcceptTransaction is the main workhorse for handling insertion of new
// free-standing transactions into the memory pool.  The fee is declared by
// the submitter since the pool can not look up the spent outputs.
//
// An accepted transaction is passed on to the instant-send lock manager
// after the pool lock is released.
//
// This function is safe for concurrent access.
func (mp *TxPool) MaybeAcceptTransaction(tx *wire.MsgTx, fee int64) (*TxDesc, error) {
	txHash := tx.TxHash()
	if err := mp.checkTransactionSanity(tx); err != nil {
		return nil, err
	}
	if fee < 0 {
		return nil, txRuleError(btcwire.RejectInvalid,
			fmt.Sprintf("transaction %v has a negative fee", txHash))
	}
	if mp.cfg.Locks != nil {
		if islock := mp.cfg.Locks.GetConflictingLock(tx); islock != nil {
			str := fmt.Sprintf("transaction %v conflicts with locked "+
				"transaction %v", txHash, islock.TxID)
			return nil, txRuleError(btcwire.RejectDuplicate, str)
		}
	}

	mp.mtx.Lock()
	if mp.haveTransaction(&txHash) {
		mp.mtx.Unlock()
		str := fmt.Sprintf("already have transaction %v", txHash)
		return nil, txRuleError(btcwire.RejectDuplicate, str)
	}
	if err := mp.checkPoolDoubleSpend(tx); err != nil {
		mp.mtx.Unlock()
		return nil, err
	}
	txD := mp.addTransaction(tx, fee)
	count := len(mp.pool)
	mp.mtx.Unlock()

	log.Debugf("Accepted transaction %v (pool size: %v)", txHash, count)

	if mp.cfg.Locks != nil {
		if err := mp.cfg.Locks.ProcessTx(tx); err != nil {
			log.Debugf("Not locking transaction %v: %v", txHash, err)
		}
	}
	return txD, nil
}

// removeTransaction is the internal function which implements the public
// RemoveTransaction.  See the comment for RemoveTransaction for more details.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeTransaction(tx *wire.MsgTx, removeRedeemers bool) {
	txHash := tx.TxHash()
	if removeRedeemers {
		// Remove any transactions which rely on this one.
		for i := uint32(0); i < uint32(len(tx.TxOut)); i++ {
			prevOut := btcwire.OutPoint{Hash: txHash, Index: i}
			if txRedeemer, exists := mp.outpoints[prevOut]; exists {
				mp.removeTransaction(txRedeemer, true)
			}
		}
	}

	if txDesc, exists := mp.pool[txHash]; exists {
		// Mark the referenced outpoints as unspent by the pool.
		for _, txIn := range txDesc.Tx.TxIn {
			delete(mp.outpoints, txIn.PreviousOutPoint)
		}
		delete(mp.pool, txHash)
		mp.touch()
	}
}

// RemoveTransaction removes the passed transaction from the mempool. When the
// removeRedeemers flag is set, any transactions that redeem outputs from the
// removed transaction will also be removed recursively from the mempool, as
// they would otherwise become orphans.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *wire.MsgTx, removeRedeemers bool) {
	mp.mtx.Lock()
	mp.removeTransaction(tx, removeRedeemers)
	mp.mtx.Unlock()
}

// RemoveDoubleSpends removes all transactions which spend outputs spent by
// the passed transaction from the memory pool.  Removing those transactions
// then leads to removing all transactions which rely on them, recursively.
// This is necessary when a block is connected to the main chain because the
// block may contain transactions which were previously unknown to the memory
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveDoubleSpends(tx *wire.MsgTx) {
	txHash := tx.TxHash()
	mp.mtx.Lock()
	for _, txIn := range tx.TxIn {
		if txRedeemer, ok := mp.outpoints[txIn.PreviousOutPoint]; ok {
			if txRedeemer.TxHash() != txHash {
				mp.removeTransaction(txRedeemer, true)
			}
		}
	}
	mp.mtx.Unlock()
}

// BlockConnected removes the transactions of a block that got connected to
// the main chain along with everything double spending them.  Hard fork
// signals that can no longer be mined on the new tip are dropped as well.
//
// This function is safe for concurrent access.
func (mp *TxPool) BlockConnected(block *wire.MsgBlock) {
	for _, tx := range block.Transactions[1:] {
		mp.RemoveTransaction(tx, false)
		mp.RemoveDoubleSpends(tx)
	}
	if mp.cfg.CheckMnHfTx != nil {
		mp.removeStaleSignals()
	}
}

// removeStaleSignals drops the hard fork signals rejected by the chain.
//
// This function MUST NOT be called with the mempool lock held.
func (mp *TxPool) removeStaleSignals() {
	var signals []*wire.MsgTx
	mp.mtx.RLock()
	for _, desc := range mp.pool {
		if desc.Tx.Type == wire.TxTypeMnHfSignal {
			signals = append(signals, desc.Tx)
		}
	}
	mp.mtx.RUnlock()

	for _, tx := range signals {
		if err := mp.cfg.CheckMnHfTx(tx); err != nil {
			log.Debugf("Removing hard fork signal %v: %v", tx.TxHash(), err)
			mp.RemoveTransaction(tx, false)
		}
	}
}

// BlockDisconnected returns the transactions of a disconnected block to the
// pool.  Transactions that no longer fit are dropped.
//
// This function is safe for concurrent access.
func (mp *TxPool) BlockDisconnected(block *wire.MsgBlock) {
	for _, tx := range block.Transactions[1:] {
		if tx.Type == wire.TxTypeQuorumCommitment {
			continue
		}
		if _, err := mp.MaybeAcceptTransaction(tx, 0); err != nil {
			log.Debugf("Dropping transaction %v of disconnected "+
				"block: %v", tx.TxHash(), err)
		}
	}
}

// Count returns the number of transactions in the main pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()

	return count
}

// TxHashes returns a slice of hashes for all of the transactions in the
// memory pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxHashes() []*chainhash.Hash {
	mp.mtx.RLock()
	hashes := make([]*chainhash.Hash, 0, len(mp.pool))
	for hash := range mp.pool {
		hashCopy := hash
		hashes = append(hashes, &hashCopy)
	}
	mp.mtx.RUnlock()

	return hashes
}

// MiningDescs returns a slice of mining descriptors for all the transactions
// in the pool.
//
// This is part of the mining.TxSource interface implementation and is safe
// for concurrent access as required by the interface contract.
func (mp *TxPool) MiningDescs() []*mining.TxDesc {
	mp.mtx.RLock()
	descs := make([]*mining.TxDesc, 0, len(mp.pool))
	for _, desc := range mp.pool {
		descs = append(descs, &desc.TxDesc)
	}
	mp.mtx.RUnlock()

	return descs
}

// LastUpdated returns the last time a transaction was added to or removed
// from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}
