// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func coinbaseTx(payload []byte) *MsgTx {
	tx := NewMsgTx(TxTypeCoinbase)
	tx.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x51},
		Sequence:         btcwire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&btcwire.TxOut{Value: 5000, PkScript: []byte{0x51}})
	tx.ExtraPayload = payload
	return tx
}

func TestSpecialTxEncoding(t *testing.T) {
	tx := coinbaseTx([]byte{1, 2, 3})
	require.True(t, tx.IsCoinBase())
	require.True(t, tx.IsSpecial())

	raw := tx.Bytes()
	// The type lives in the upper half of the version field.
	require.Equal(t, []byte{3, 0, 5, 0}, raw[:4])

	var decoded MsgTx
	require.NoError(t, decoded.Deserialize(bytes.NewReader(raw)))
	require.Equal(t, TxTypeCoinbase, decoded.Type)
	require.Equal(t, uint16(SpecialTxVersion), decoded.Version)
	require.Equal(t, []byte{1, 2, 3}, decoded.ExtraPayload)
	require.Equal(t, tx.TxHash(), decoded.TxHash())

	// Normal transactions never carry a payload.
	normal := NewMsgTx(TxTypeNormal)
	normal.AddTxOut(&btcwire.TxOut{Value: 1})
	normal.ExtraPayload = []byte{1}
	var d2 MsgTx
	require.NoError(t, d2.Deserialize(bytes.NewReader(normal.Bytes())))
	require.Nil(t, d2.ExtraPayload)
	require.False(t, d2.IsCoinBase())
}

func TestBlockMerkleRoot(t *testing.T) {
	a := coinbaseTx([]byte{1})
	b := coinbaseTx([]byte{2})
	c := coinbaseTx([]byte{3})

	require.Equal(t, a.TxHash(), CalcMerkleRoot([]*MsgTx{a}))

	ab := chainhash.DoubleHashH(append(hashBytes(a.TxHash()), hashBytes(b.TxHash())...))
	cc := chainhash.DoubleHashH(append(hashBytes(c.TxHash()), hashBytes(c.TxHash())...))
	want := chainhash.DoubleHashH(append(hashBytes(ab), hashBytes(cc)...))
	require.Equal(t, want, CalcMerkleRoot([]*MsgTx{a, b, c}))

	block := MsgBlock{Transactions: []*MsgTx{a, b, c}}
	block.Header.MerkleRoot = CalcMerkleRoot(block.Transactions)
	var decoded MsgBlock
	require.NoError(t, decoded.Deserialize(bytes.NewReader(block.Bytes())))
	require.Equal(t, block.BlockHash(), decoded.BlockHash())
	require.Len(t, decoded.Transactions, 3)
}

func hashBytes(h chainhash.Hash) []byte {
	return append([]byte(nil), h[:]...)
}
