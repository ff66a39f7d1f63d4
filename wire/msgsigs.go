// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgQuorumSigShare is one member's threshold signature share for a signing
// request.
type MsgQuorumSigShare struct {
	LLMQType     uint8
	QuorumHash   chainhash.Hash
	QuorumMember uint16
	ID           chainhash.Hash
	MsgHash      chainhash.Hash
	SigShare     BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumSigShare) BtcDecode(r io.Reader, pver uint32) error {
	return readElements(r, &msg.LLMQType, &msg.QuorumHash, &msg.QuorumMember,
		&msg.ID, &msg.MsgHash, &msg.SigShare)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumSigShare) BtcEncode(w io.Writer, pver uint32) error {
	return writeElements(w, msg.LLMQType, msg.QuorumHash, msg.QuorumMember,
		msg.ID, msg.MsgHash, msg.SigShare)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumSigShare) Command() string { return CmdQuorumSigShare }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumSigShare) MaxPayloadLength(pver uint32) uint32 {
	return 1 + 3*chainhash.HashSize + 2 + BLSSignatureSize
}

func (msg *MsgQuorumSigShare) llmqMessage() {}

// MsgQuorumRecoveredSig is a threshold signature recovered from enough
// shares.
type MsgQuorumRecoveredSig struct {
	LLMQType   uint8
	QuorumHash chainhash.Hash
	ID         chainhash.Hash
	MsgHash    chainhash.Hash
	Sig        BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumRecoveredSig) BtcDecode(r io.Reader, pver uint32) error {
	return readElements(r, &msg.LLMQType, &msg.QuorumHash, &msg.ID,
		&msg.MsgHash, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumRecoveredSig) BtcEncode(w io.Writer, pver uint32) error {
	return writeElements(w, msg.LLMQType, msg.QuorumHash, msg.ID,
		msg.MsgHash, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumRecoveredSig) Command() string { return CmdQuorumRecoveredSig }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumRecoveredSig) MaxPayloadLength(pver uint32) uint32 {
	return 1 + 3*chainhash.HashSize + BLSSignatureSize
}

func (msg *MsgQuorumRecoveredSig) llmqMessage() {}
