// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxSporkSigSize is the size of a compact recoverable ECDSA signature.
const maxSporkSigSize = 65

// MsgSpork announces a new value for a spork, signed by a spork key.
type MsgSpork struct {
	SporkID    int32
	Value      int64
	TimeSigned int64
	Sig        []byte
}

// BtcDecode decodes r into the receiver.
func (msg *MsgSpork) BtcDecode(r io.Reader, pver uint32) error {
	if err := readElements(r, &msg.SporkID, &msg.Value, &msg.TimeSigned); err != nil {
		return err
	}
	var err error
	msg.Sig, err = ReadVarBytes(r, maxSporkSigSize, "spork signature")
	return err
}

// BtcEncode encodes the receiver to w.
func (msg *MsgSpork) BtcEncode(w io.Writer, pver uint32) error {
	if err := writeElements(w, msg.SporkID, msg.Value, msg.TimeSigned); err != nil {
		return err
	}
	return WriteVarBytes(w, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgSpork) Command() string { return CmdSpork }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgSpork) MaxPayloadLength(pver uint32) uint32 {
	return 4 + 8 + 8 + 1 + maxSporkSigSize
}

// SignatureHash returns the hash a spork key signs.
func (msg *MsgSpork) SignatureHash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeElements(&buf, msg.SporkID, msg.Value, msg.TimeSigned)
	return chainhash.DoubleHashH(buf.Bytes())
}

// Hash returns the hash identifying the message including its signature.
func (msg *MsgSpork) Hash() chainhash.Hash {
	b, _ := EncodePayload(msg)
	return chainhash.DoubleHashH(b)
}

func (msg *MsgSpork) llmqMessage() {}

// MsgGetSporks asks a peer to send all sporks it knows about.  It has no
// payload.
type MsgGetSporks struct{}

// BtcDecode decodes r into the receiver.
func (msg *MsgGetSporks) BtcDecode(r io.Reader, pver uint32) error { return nil }

// BtcEncode encodes the receiver to w.
func (msg *MsgGetSporks) BtcEncode(w io.Writer, pver uint32) error { return nil }

// Command returns the protocol command string for the message.
func (msg *MsgGetSporks) Command() string { return CmdGetSporks }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgGetSporks) MaxPayloadLength(pver uint32) uint32 { return 0 }

func (msg *MsgGetSporks) llmqMessage() {}
