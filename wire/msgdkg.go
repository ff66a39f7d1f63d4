// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxQuorumSize bounds the member count carried by any DKG message.
const MaxQuorumSize = 400

// maxEncryptedShareSize is the size bound of one IES encrypted secret key
// share.
const maxEncryptedShareSize = 256

// dkgHeader holds the fields every DKG message starts with.
type dkgHeader struct {
	LLMQType   uint8
	QuorumHash chainhash.Hash
	ProTxHash  chainhash.Hash
}

func (h *dkgHeader) decode(r io.Reader) error {
	return readElements(r, &h.LLMQType, &h.QuorumHash, &h.ProTxHash)
}

func (h *dkgHeader) encode(w io.Writer) error {
	return writeElements(w, h.LLMQType, h.QuorumHash, h.ProTxHash)
}

// signHash returns the double sha256 of the encoding of msg with the trailing
// signature left out.  Every DKG message ends with the sender's signature.
func signHash(msg Message) chainhash.Hash {
	var buf bytes.Buffer
	_ = msg.BtcEncode(&buf, ProtocolVersion)
	b := buf.Bytes()
	return chainhash.DoubleHashH(b[:len(b)-BLSSignatureSize])
}

// MsgQuorumContribution carries a member's verification vector and the
// secret key shares it generated for every other member, each encrypted to
// the recipient's operator key.
type MsgQuorumContribution struct {
	LLMQType        uint8
	QuorumHash      chainhash.Hash
	ProTxHash       chainhash.Hash
	VVec            []BLSPublicKey
	EncryptedShares [][]byte
	Sig             BLSSignature
}

// BtcDecode decodes r into the receiver.  This is part of the Message
// interface implementation.
func (msg *MsgQuorumContribution) BtcDecode(r io.Reader, pver uint32) error {
	var hdr dkgHeader
	if err := hdr.decode(r); err != nil {
		return err
	}
	msg.LLMQType, msg.QuorumHash, msg.ProTxHash = hdr.LLMQType, hdr.QuorumHash, hdr.ProTxHash

	count, err := ReadCount(r, MaxQuorumSize, "vvec")
	if err != nil {
		return err
	}
	msg.VVec = make([]BLSPublicKey, count)
	for i := range msg.VVec {
		if err := readElement(r, &msg.VVec[i]); err != nil {
			return err
		}
	}

	count, err = ReadCount(r, MaxQuorumSize, "encrypted shares")
	if err != nil {
		return err
	}
	msg.EncryptedShares = make([][]byte, count)
	for i := range msg.EncryptedShares {
		msg.EncryptedShares[i], err = ReadVarBytes(r, maxEncryptedShareSize, "encrypted share")
		if err != nil {
			return err
		}
	}
	return readElement(r, &msg.Sig)
}

// BtcEncode encodes the receiver to w.  This is part of the Message interface
// implementation.
func (msg *MsgQuorumContribution) BtcEncode(w io.Writer, pver uint32) error {
	hdr := dkgHeader{msg.LLMQType, msg.QuorumHash, msg.ProTxHash}
	if err := hdr.encode(w); err != nil {
		return err
	}
	if err := WriteVarInt(w, uint64(len(msg.VVec))); err != nil {
		return err
	}
	for _, pk := range msg.VVec {
		if err := writeElement(w, pk); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, uint64(len(msg.EncryptedShares))); err != nil {
		return err
	}
	for _, share := range msg.EncryptedShares {
		if err := WriteVarBytes(w, share); err != nil {
			return err
		}
	}
	return writeElement(w, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumContribution) Command() string { return CmdQuorumContribution }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumContribution) MaxPayloadLength(pver uint32) uint32 {
	return 2*chainhash.HashSize + 1 + 9 + MaxQuorumSize*BLSPublicKeySize +
		9 + MaxQuorumSize*(3+maxEncryptedShareSize) + BLSSignatureSize
}

// SignHash returns the hash the sender signs with its operator key.
func (msg *MsgQuorumContribution) SignHash() chainhash.Hash { return signHash(msg) }

func (msg *MsgQuorumContribution) llmqMessage() {}

// MsgQuorumComplaint reports members whose contribution was missing or whose
// share did not verify.
type MsgQuorumComplaint struct {
	LLMQType           uint8
	QuorumHash         chainhash.Hash
	ProTxHash          chainhash.Hash
	BadMembers         []bool
	ComplainForMembers []bool
	Sig                BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumComplaint) BtcDecode(r io.Reader, pver uint32) error {
	var hdr dkgHeader
	if err := hdr.decode(r); err != nil {
		return err
	}
	msg.LLMQType, msg.QuorumHash, msg.ProTxHash = hdr.LLMQType, hdr.QuorumHash, hdr.ProTxHash

	var err error
	if msg.BadMembers, err = ReadBitSet(r, "bad members"); err != nil {
		return err
	}
	if msg.ComplainForMembers, err = ReadBitSet(r, "complain for members"); err != nil {
		return err
	}
	return readElement(r, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumComplaint) BtcEncode(w io.Writer, pver uint32) error {
	hdr := dkgHeader{msg.LLMQType, msg.QuorumHash, msg.ProTxHash}
	if err := hdr.encode(w); err != nil {
		return err
	}
	if err := WriteBitSet(w, msg.BadMembers); err != nil {
		return err
	}
	if err := WriteBitSet(w, msg.ComplainForMembers); err != nil {
		return err
	}
	return writeElement(w, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumComplaint) Command() string { return CmdQuorumComplaint }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumComplaint) MaxPayloadLength(pver uint32) uint32 {
	return 2*chainhash.HashSize + 1 + 2*(9+MaxQuorumSize/8+1) + BLSSignatureSize
}

// SignHash returns the hash the sender signs with its operator key.
func (msg *MsgQuorumComplaint) SignHash() chainhash.Hash { return signHash(msg) }

func (msg *MsgQuorumComplaint) llmqMessage() {}

// JustificationShare reveals the plain secret key share for the member at
// Index in answer to a complaint.
type JustificationShare struct {
	Index uint32
	Share [32]byte
}

// MsgQuorumJustification answers complaints against the sender.
type MsgQuorumJustification struct {
	LLMQType      uint8
	QuorumHash    chainhash.Hash
	ProTxHash     chainhash.Hash
	Contributions []JustificationShare
	Sig           BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumJustification) BtcDecode(r io.Reader, pver uint32) error {
	var hdr dkgHeader
	if err := hdr.decode(r); err != nil {
		return err
	}
	msg.LLMQType, msg.QuorumHash, msg.ProTxHash = hdr.LLMQType, hdr.QuorumHash, hdr.ProTxHash

	count, err := ReadCount(r, MaxQuorumSize, "justification shares")
	if err != nil {
		return err
	}
	msg.Contributions = make([]JustificationShare, count)
	for i := range msg.Contributions {
		c := &msg.Contributions[i]
		if err := readElements(r, &c.Index, &c.Share); err != nil {
			return err
		}
	}
	return readElement(r, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumJustification) BtcEncode(w io.Writer, pver uint32) error {
	hdr := dkgHeader{msg.LLMQType, msg.QuorumHash, msg.ProTxHash}
	if err := hdr.encode(w); err != nil {
		return err
	}
	if err := WriteVarInt(w, uint64(len(msg.Contributions))); err != nil {
		return err
	}
	for _, c := range msg.Contributions {
		if err := writeElements(w, c.Index, c.Share); err != nil {
			return err
		}
	}
	return writeElement(w, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumJustification) Command() string { return CmdQuorumJustification }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumJustification) MaxPayloadLength(pver uint32) uint32 {
	return 2*chainhash.HashSize + 1 + 9 + MaxQuorumSize*36 + BLSSignatureSize
}

// SignHash returns the hash the sender signs with its operator key.
func (msg *MsgQuorumJustification) SignHash() chainhash.Hash { return signHash(msg) }

func (msg *MsgQuorumJustification) llmqMessage() {}

// MsgQuorumPrematureCommitment is a member's view of the DKG outcome: the set
// of valid members, the resulting quorum public key and the member's
// threshold signature share over the commitment hash.
type MsgQuorumPrematureCommitment struct {
	LLMQType        uint8
	QuorumHash      chainhash.Hash
	ProTxHash       chainhash.Hash
	ValidMembers    []bool
	QuorumPublicKey BLSPublicKey
	QuorumVvecHash  chainhash.Hash
	QuorumSig       BLSSignature
	Sig             BLSSignature
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumPrematureCommitment) BtcDecode(r io.Reader, pver uint32) error {
	var hdr dkgHeader
	if err := hdr.decode(r); err != nil {
		return err
	}
	msg.LLMQType, msg.QuorumHash, msg.ProTxHash = hdr.LLMQType, hdr.QuorumHash, hdr.ProTxHash

	var err error
	if msg.ValidMembers, err = ReadBitSet(r, "valid members"); err != nil {
		return err
	}
	return readElements(r, &msg.QuorumPublicKey, &msg.QuorumVvecHash,
		&msg.QuorumSig, &msg.Sig)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumPrematureCommitment) BtcEncode(w io.Writer, pver uint32) error {
	hdr := dkgHeader{msg.LLMQType, msg.QuorumHash, msg.ProTxHash}
	if err := hdr.encode(w); err != nil {
		return err
	}
	if err := WriteBitSet(w, msg.ValidMembers); err != nil {
		return err
	}
	return writeElements(w, msg.QuorumPublicKey, msg.QuorumVvecHash,
		msg.QuorumSig, msg.Sig)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumPrematureCommitment) Command() string {
	return CmdQuorumPrematureCommitment
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumPrematureCommitment) MaxPayloadLength(pver uint32) uint32 {
	return 3*chainhash.HashSize + 1 + 9 + MaxQuorumSize/8 + 1 +
		BLSPublicKeySize + 2*BLSSignatureSize
}

// SignHash returns the hash the sender signs with its operator key.
func (msg *MsgQuorumPrematureCommitment) SignHash() chainhash.Hash { return signHash(msg) }

func (msg *MsgQuorumPrematureCommitment) llmqMessage() {}
