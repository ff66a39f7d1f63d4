// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// CommitmentVersion is used for commitments of non rotating quorums.
	CommitmentVersion uint16 = 1

	// CommitmentIndexedVersion is used for commitments of rotating quorums
	// and carries the quorum index.
	CommitmentIndexedVersion uint16 = 2
)

// FinalCommitment is the mined result of a DKG: who signed it, who ended up
// a valid member, the quorum public key and the two signatures proving it.
type FinalCommitment struct {
	Version         uint16
	LLMQType        uint8
	QuorumHash      chainhash.Hash
	QuorumIndex     int16
	Signers         []bool
	ValidMembers    []bool
	QuorumPublicKey BLSPublicKey
	QuorumVvecHash  chainhash.Hash
	QuorumSig       BLSSignature
	MembersSig      BLSSignature
}

// Deserialize decodes a commitment from r into the receiver.
func (c *FinalCommitment) Deserialize(r io.Reader) error {
	if err := readElements(r, &c.Version, &c.LLMQType, &c.QuorumHash); err != nil {
		return err
	}
	c.QuorumIndex = 0
	if c.Version == CommitmentIndexedVersion {
		if err := readElement(r, &c.QuorumIndex); err != nil {
			return err
		}
	}
	var err error
	if c.Signers, err = ReadBitSet(r, "signers"); err != nil {
		return err
	}
	if c.ValidMembers, err = ReadBitSet(r, "valid members"); err != nil {
		return err
	}
	return readElements(r, &c.QuorumPublicKey, &c.QuorumVvecHash,
		&c.QuorumSig, &c.MembersSig)
}

// Serialize encodes the commitment to w.
func (c *FinalCommitment) Serialize(w io.Writer) error {
	if err := writeElements(w, c.Version, c.LLMQType, c.QuorumHash); err != nil {
		return err
	}
	if c.Version == CommitmentIndexedVersion {
		if err := writeElement(w, c.QuorumIndex); err != nil {
			return err
		}
	}
	if err := WriteBitSet(w, c.Signers); err != nil {
		return err
	}
	if err := WriteBitSet(w, c.ValidMembers); err != nil {
		return err
	}
	return writeElements(w, c.QuorumPublicKey, c.QuorumVvecHash,
		c.QuorumSig, c.MembersSig)
}

// Hash returns the double sha256 of the serialized commitment.
func (c *FinalCommitment) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = c.Serialize(&buf)
	return chainhash.DoubleHashH(buf.Bytes())
}

// CountSigners returns the number of members that signed the commitment.
func (c *FinalCommitment) CountSigners() int { return CountBits(c.Signers) }

// CountValidMembers returns the number of valid members of the quorum.
func (c *FinalCommitment) CountValidMembers() int { return CountBits(c.ValidMembers) }

// IsNull returns whether the commitment is a null commitment, which is mined
// to state that no quorum was formed for the quorum hash.
func (c *FinalCommitment) IsNull() bool {
	return c.CountSigners() == 0 && c.CountValidMembers() == 0 &&
		c.QuorumPublicKey.IsNull() && c.QuorumVvecHash == zeroHash &&
		c.QuorumSig.IsNull() && c.MembersSig.IsNull()
}

// MsgQuorumFinalCommitment relays a final commitment between nodes before
// it is mined.
type MsgQuorumFinalCommitment struct {
	Commitment FinalCommitment
}

// BtcDecode decodes r into the receiver.
func (msg *MsgQuorumFinalCommitment) BtcDecode(r io.Reader, pver uint32) error {
	return msg.Commitment.Deserialize(r)
}

// BtcEncode encodes the receiver to w.
func (msg *MsgQuorumFinalCommitment) BtcEncode(w io.Writer, pver uint32) error {
	return msg.Commitment.Serialize(w)
}

// Command returns the protocol command string for the message.
func (msg *MsgQuorumFinalCommitment) Command() string { return CmdQuorumFinalCommitment }

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.
func (msg *MsgQuorumFinalCommitment) MaxPayloadLength(pver uint32) uint32 {
	return 2 + 1 + 2*chainhash.HashSize + 2 + 2*(9+MaxQuorumSize/8+1) +
		BLSPublicKeySize + 2*BLSSignatureSize
}

func (msg *MsgQuorumFinalCommitment) llmqMessage() {}
