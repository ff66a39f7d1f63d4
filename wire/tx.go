// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// TxType identifies the kind of special payload a transaction carries.
type TxType uint16

// These constants define the transaction types.
const (
	TxTypeNormal            TxType = 0
	TxTypeProRegTx          TxType = 1
	TxTypeProUpServTx       TxType = 2
	TxTypeProUpRegTx        TxType = 3
	TxTypeProUpRevTx        TxType = 4
	TxTypeCoinbase          TxType = 5
	TxTypeQuorumCommitment  TxType = 6
	TxTypeMnHfSignal        TxType = 7
	TxTypeAssetLockReserved TxType = 8
)

var txTypeStrings = map[TxType]string{
	TxTypeNormal:           "TRANSACTION_NORMAL",
	TxTypeProRegTx:         "TRANSACTION_PROVIDER_REGISTER",
	TxTypeProUpServTx:      "TRANSACTION_PROVIDER_UPDATE_SERVICE",
	TxTypeProUpRegTx:       "TRANSACTION_PROVIDER_UPDATE_REGISTRAR",
	TxTypeProUpRevTx:       "TRANSACTION_PROVIDER_UPDATE_REVOKE",
	TxTypeCoinbase:         "TRANSACTION_COINBASE",
	TxTypeQuorumCommitment: "TRANSACTION_QUORUM_COMMITMENT",
	TxTypeMnHfSignal:       "TRANSACTION_MNHF_SIGNAL",
}

// String returns the TxType as a human-readable name.
func (t TxType) String() string {
	if s, ok := txTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown TxType (%d)", uint16(t))
}

const (
	// TxVersion is the version of normal transactions.
	TxVersion = 2

	// SpecialTxVersion is the first transaction version that carries a type
	// and an extra payload.
	SpecialTxVersion = 3

	// MaxExtraPayloadSize bounds the size of a special transaction payload.
	MaxExtraPayloadSize = 10000
)

// MsgTx is a transaction with an optional typed extra payload.  Inputs and
// outputs use the bitcoin representation; the 32-bit version field is split
// into a 16-bit version and a 16-bit type.
type MsgTx struct {
	Version      uint16
	Type         TxType
	TxIn         []*btcwire.TxIn
	TxOut        []*btcwire.TxOut
	LockTime     uint32
	ExtraPayload []byte
}

// NewMsgTx returns a new special transaction of the given type.
func NewMsgTx(txType TxType) *MsgTx {
	version := uint16(TxVersion)
	if txType != TxTypeNormal {
		version = SpecialTxVersion
	}
	return &MsgTx{Version: version, Type: txType}
}

// AddTxIn adds a transaction input to the message.
func (msg *MsgTx) AddTxIn(ti *btcwire.TxIn) {
	msg.TxIn = append(msg.TxIn, ti)
}

// AddTxOut adds a transaction output to the message.
func (msg *MsgTx) AddTxOut(to *btcwire.TxOut) {
	msg.TxOut = append(msg.TxOut, to)
}

// IsSpecial returns whether the transaction carries an extra payload.
func (msg *MsgTx) IsSpecial() bool {
	return msg.Version >= SpecialTxVersion && msg.Type != TxTypeNormal
}

// IsCoinBase determines whether or not a transaction is a coinbase.  A
// coinbase is a special transaction created by miners that has no inputs.
// This is represented in the block chain by a transaction with a single
// input that has a previous output transaction index set to the maximum
// value along with a zero hash.
func (msg *MsgTx) IsCoinBase() bool {
	if len(msg.TxIn) != 1 {
		return false
	}
	prevOut := &msg.TxIn[0].PreviousOutPoint
	return prevOut.Index == btcwire.MaxPrevOutIndex && prevOut.Hash == zeroHash
}

func (msg *MsgTx) legacy() *btcwire.MsgTx {
	return &btcwire.MsgTx{
		Version:  int32(uint32(msg.Version) | uint32(msg.Type)<<16),
		TxIn:     msg.TxIn,
		TxOut:    msg.TxOut,
		LockTime: msg.LockTime,
	}
}

// Serialize encodes the transaction to w.
func (msg *MsgTx) Serialize(w io.Writer) error {
	if err := msg.legacy().SerializeNoWitness(w); err != nil {
		return err
	}
	if msg.IsSpecial() {
		return WriteVarBytes(w, msg.ExtraPayload)
	}
	return nil
}

// Deserialize decodes a transaction from r into the receiver.
func (msg *MsgTx) Deserialize(r io.Reader) error {
	var tx btcwire.MsgTx
	if err := tx.DeserializeNoWitness(r); err != nil {
		return err
	}
	v := uint32(tx.Version)
	msg.Version = uint16(v)
	msg.Type = TxType(v >> 16)
	msg.TxIn = tx.TxIn
	msg.TxOut = tx.TxOut
	msg.LockTime = tx.LockTime
	msg.ExtraPayload = nil
	if msg.IsSpecial() {
		payload, err := ReadVarBytes(r, MaxExtraPayloadSize, "extra payload")
		if err != nil {
			return err
		}
		msg.ExtraPayload = payload
	}
	return nil
}

// Bytes returns the serialized transaction.
func (msg *MsgTx) Bytes() []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer never fails.
	_ = msg.Serialize(&buf)
	return buf.Bytes()
}

// SerializeSize returns the number of bytes it would take to serialize the
// transaction.
func (msg *MsgTx) SerializeSize() int {
	return len(msg.Bytes())
}

// TxHash generates the hash for the transaction.
func (msg *MsgTx) TxHash() chainhash.Hash {
	return chainhash.DoubleHashH(msg.Bytes())
}

// Copy creates a deep copy of the transaction.
func (msg *MsgTx) Copy() *MsgTx {
	legacy := msg.legacy().Copy()
	return &MsgTx{
		Version:      msg.Version,
		Type:         msg.Type,
		TxIn:         legacy.TxIn,
		TxOut:        legacy.TxOut,
		LockTime:     msg.LockTime,
		ExtraPayload: append([]byte(nil), msg.ExtraPayload...),
	}
}

// InputsHash returns the hash of all previous outpoints spent by the
// transaction.  Special transactions commit to it to prevent replay.
func (msg *MsgTx) InputsHash() chainhash.Hash {
	var buf bytes.Buffer
	for _, in := range msg.TxIn {
		_ = writeElement(&buf, in.PreviousOutPoint)
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

var zeroHash chainhash.Hash
