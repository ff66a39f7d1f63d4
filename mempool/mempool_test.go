// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

type fakeLocks struct {
	locked    map[btcwire.OutPoint]*wire.MsgISDLock
	processed []chainhash.Hash
	err       error
}

func (f *fakeLocks) GetConflictingLock(tx *wire.MsgTx) *wire.MsgISDLock {
	txid := tx.TxHash()
	for _, txIn := range tx.TxIn {
		if islock, ok := f.locked[txIn.PreviousOutPoint]; ok && islock.TxID != txid {
			return islock
		}
	}
	return nil
}

func (f *fakeLocks) ProcessTx(tx *wire.MsgTx) error {
	f.processed = append(f.processed, tx.TxHash())
	return f.err
}

func outpoint(seed string, index uint32) btcwire.OutPoint {
	return btcwire.OutPoint{Hash: chainhash.HashH([]byte(seed)), Index: index}
}

func spend(value int64, ops ...btcwire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeNormal)
	for i := range ops {
		tx.AddTxIn(btcwire.NewTxIn(&ops[i], nil, nil))
	}
	tx.AddTxOut(btcwire.NewTxOut(value, []byte{0x51}))
	return tx
}

func newTestPool(locks *fakeLocks) *TxPool {
	now := time.Unix(1700000000, 0)
	cfg := &Config{TimeSource: func() time.Time { return now }}
	if locks != nil {
		cfg.Locks = locks
	}
	return New(cfg)
}

func requireRejected(t *testing.T, err error, code btcwire.RejectCode) {
	t.Helper()
	var rerr TxRuleError
	require.True(t, errors.As(err, &rerr), "unexpected error %v", err)
	require.Equal(t, code, rerr.RejectCode)
}

func TestMaybeAcceptTransaction(t *testing.T) {
	locks := &fakeLocks{}
	mp := newTestPool(locks)

	tx := spend(1000, outpoint("a", 0), outpoint("b", 1))
	txHash := tx.TxHash()
	desc, err := mp.MaybeAcceptTransaction(tx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), desc.Fee)
	require.True(t, mp.HaveTransaction(&txHash))
	require.Equal(t, 1, mp.Count())
	require.Equal(t, []chainhash.Hash{txHash}, locks.processed)
	require.Equal(t, time.Unix(1700000000, 0), mp.LastUpdated())

	got, err := mp.FetchTransaction(&txHash)
	require.NoError(t, err)
	require.Equal(t, tx, got)

	descs := mp.MiningDescs()
	require.Len(t, descs, 1)
	require.Equal(t, tx, descs[0].Tx)

	_, err = mp.MaybeAcceptTransaction(tx, 10)
	requireRejected(t, err, btcwire.RejectDuplicate)

	// Spending an output already spent in the pool is refused.
	_, err = mp.MaybeAcceptTransaction(spend(500, outpoint("b", 1)), 0)
	requireRejected(t, err, btcwire.RejectDuplicate)

	// Lock failures do not keep a transaction out of the pool.
	locks.err = errors.New("double spend")
	_, err = mp.MaybeAcceptTransaction(spend(500, outpoint("c", 0)), 0)
	require.NoError(t, err)
	require.Equal(t, 2, mp.Count())
}

func TestTransactionSanity(t *testing.T) {
	mp := newTestPool(nil)
	a := outpoint("a", 0)

	tests := []struct {
		name string
		tx   *wire.MsgTx
		fee  int64
	}{{
		name: "coinbase",
		tx:   spend(1, btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex}),
	}, {
		name: "no inputs",
		tx:   spend(1),
	}, {
		name: "duplicate inputs",
		tx:   spend(1, a, a),
	}, {
		name: "negative fee",
		tx:   spend(1, a),
		fee:  -1,
	}}
	for _, test := range tests {
		_, err := mp.MaybeAcceptTransaction(test.tx, test.fee)
		requireRejected(t, err, btcwire.RejectInvalid)
	}
	require.Zero(t, mp.Count())
}

func TestMnHfSignals(t *testing.T) {
	signal, err := evo.SignMnHfTx(evo.NewMnHfTx(10, chainhash.HashH([]byte("q"))),
		wire.BLSSignature{1})
	require.NoError(t, err)
	signalHash := signal.TxHash()

	// Without a chain to check them against signals are refused.
	mp := newTestPool(nil)
	_, err = mp.MaybeAcceptTransaction(signal, 0)
	requireRejected(t, err, btcwire.RejectNonstandard)

	var checked []chainhash.Hash
	checkErr := errors.New("already signalled")
	mp.cfg.CheckMnHfTx = func(tx *wire.MsgTx) error {
		checked = append(checked, tx.TxHash())
		return checkErr
	}
	_, err = mp.MaybeAcceptTransaction(signal, 0)
	requireRejected(t, err, btcwire.RejectInvalid)
	require.Zero(t, mp.Count())

	// A valid signal is accepted without inputs or fee.
	checkErr = nil
	_, err = mp.MaybeAcceptTransaction(signal, 0)
	require.NoError(t, err)
	require.True(t, mp.HaveTransaction(&signalHash))
	require.Equal(t, []chainhash.Hash{signalHash, signalHash}, checked)

	// The exemption from the input checks is limited to signals.
	_, err = mp.MaybeAcceptTransaction(spend(1), 0)
	requireRejected(t, err, btcwire.RejectInvalid)
	require.Len(t, checked, 2)

	// A new tip keeps signals that still pass and drops the others.
	other := spend(1000, outpoint("a", 0))
	_, err = mp.MaybeAcceptTransaction(other, 0)
	require.NoError(t, err)
	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{
		spend(1, btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex}),
	}}
	mp.BlockConnected(block)
	require.True(t, mp.HaveTransaction(&signalHash))
	require.Len(t, checked, 3)

	checkErr = errors.New("quorum changed")
	mp.BlockConnected(block)
	require.False(t, mp.HaveTransaction(&signalHash))
	require.Equal(t, 1, mp.Count())
	require.Len(t, checked, 4)
}

func TestLockConflicts(t *testing.T) {
	locked := spend(1000, outpoint("a", 0))
	locks := &fakeLocks{locked: map[btcwire.OutPoint]*wire.MsgISDLock{
		outpoint("a", 0): {TxID: locked.TxHash()},
	}}
	mp := newTestPool(locks)

	_, err := mp.MaybeAcceptTransaction(spend(900, outpoint("a", 0)), 0)
	requireRejected(t, err, btcwire.RejectDuplicate)
	require.Empty(t, locks.processed)

	_, err = mp.MaybeAcceptTransaction(locked, 0)
	require.NoError(t, err)
}

func TestBlockConnected(t *testing.T) {
	mp := newTestPool(nil)

	parent := spend(1000, outpoint("a", 0))
	parentHash := parent.TxHash()
	child := spend(900, btcwire.OutPoint{Hash: parentHash, Index: 0})
	other := spend(800, outpoint("b", 0))
	for _, tx := range []*wire.MsgTx{parent, child, other} {
		_, err := mp.MaybeAcceptTransaction(tx, 0)
		require.NoError(t, err)
	}

	// A block double spending the parent evicts it along with the child.
	double := spend(700, outpoint("a", 0))
	block := &wire.MsgBlock{}
	block.AddTransaction(spend(1, btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex}))
	block.AddTransaction(double)
	block.AddTransaction(other)
	mp.BlockConnected(block)
	require.Zero(t, mp.Count())

	// Disconnecting the block returns its transactions.
	mp.BlockDisconnected(block)
	require.Equal(t, 2, mp.Count())
	doubleHash := double.TxHash()
	require.True(t, mp.HaveTransaction(&doubleHash))
	require.Len(t, mp.TxHashes(), 2)
}
