// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// ISDLockVersion is the version of deterministic instant-send locks, which
// commit to the rotation cycle they were signed in.
const ISDLockVersion uint8 = 1

// MsgISDLock locks every input of a transaction to it.
type MsgISDLock struct {
	Version   uint8
	Inputs    []btcwire.OutPoint
	TxID      chainhash.Hash
	CycleHash chainhash.Hash
	Sig       BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgISDLock) BtcDecode(r io.Reader, pver uint32) error {
	if err := readElement(r, &msg.Version); err != nil {
		return err
	}
	var err error
	if msg.Inputs, err = ReadOutPoints(r, "islock inputs"); err != nil {
		return err
	}
	return readElements(r, &msg.TxID, &msg.CycleHash, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgISDLock) BtcEncode(w io.Writer, pver uint32) error {
	if err := writeElement(w, msg.Version); err != nil {
		return err
	}
	if err := WriteOutPoints(w, msg.Inputs); err != nil {
		return err
	}
	return writeElements(w, msg.TxID, msg.CycleHash, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgISDLock) Command() string { return CmdISDLock }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgISDLock) MaxPayloadLength(pver uint32) uint32 {
	return 1 + 9 + MaxVarCollectionSize*(chainhash.HashSize+4) +
		2*chainhash.HashSize + BLSSignatureSize
}

// Hash returns the hash identifying the lock.
func (msg *MsgISDLock) Hash() chainhash.Hash {
	b, _ := EncodePayload(msg)
	return chainhash.DoubleHashH(b)
}

func (msg *MsgISDLock) llmqMessage() {}
