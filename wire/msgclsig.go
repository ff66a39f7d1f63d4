// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgCLSig is a chainlock: a quorum signature stating that BlockHash is the
// block at Height.
type MsgCLSig struct {
	Height    int32
	BlockHash chainhash.Hash
	Sig       BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgCLSig) BtcDecode(r io.Reader, pver uint32) error {
	return readElements(r, &msg.Height, &msg.BlockHash, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgCLSig) BtcEncode(w io.Writer, pver uint32) error {
	return writeElements(w, msg.Height, msg.BlockHash, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgCLSig) Command() string { return CmdCLSig }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgCLSig) MaxPayloadLength(pver uint32) uint32 {
	return 4 + chainhash.HashSize + BLSSignatureSize
}

// Hash returns the hash identifying the chainlock message.
func (msg *MsgCLSig) Hash() chainhash.Hash {
	b, _ := EncodePayload(msg)
	return chainhash.DoubleHashH(b)
}

// String returns a short description of the chainlock.
func (msg *MsgCLSig) String() string {
	return fmt.Sprintf("clsig(height=%d, blockHash=%v)", msg.Height, msg.BlockHash)
}

func (msg *MsgCLSig) llmqMessage() {}
