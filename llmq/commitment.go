// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
)

// CommitmentTxVersion is the version of the commitment transaction payload.
const CommitmentTxVersion uint16 = 1

// CommitmentTxPayload is the payload of a quorum commitment transaction.
type CommitmentTxPayload struct {
	Version    uint16
	Height     uint32
	Commitment wire.FinalCommitment
}

// Deserialize decodes a payload from r into the receiver.
func (p *CommitmentTxPayload) Deserialize(r io.Reader) error {
	if err := wire.ReadElements(r, &p.Version, &p.Height); err != nil {
		return err
	}
	return p.Commitment.Deserialize(r)
}

// Serialize encodes the payload to w.
func (p *CommitmentTxPayload) Serialize(w io.Writer) error {
	if err := wire.WriteElements(w, p.Version, p.Height); err != nil {
		return err
	}
	return p.Commitment.Serialize(w)
}

// CommitmentTxPayloadFromTx decodes the commitment payload of tx.
func CommitmentTxPayloadFromTx(tx *wire.MsgTx) (*CommitmentTxPayload, error) {
	if tx.Type != wire.TxTypeQuorumCommitment {
		str := fmt.Sprintf("transaction %v is of type %v", tx.TxHash(), tx.Type)
		return nil, ruleError(ErrBadCommitmentPayload, str)
	}
	r := bytes.NewReader(tx.ExtraPayload)
	p := new(CommitmentTxPayload)
	if err := p.Deserialize(r); err != nil {
		str := fmt.Sprintf("commitment payload of %v: %v", tx.TxHash(), err)
		return nil, ruleError(ErrBadCommitmentPayload, str)
	}
	if r.Len() != 0 {
		str := fmt.Sprintf("commitment payload of %v has %d trailing bytes",
			tx.TxHash(), r.Len())
		return nil, ruleError(ErrBadCommitmentPayload, str)
	}
	if p.Version == 0 || p.Version > CommitmentTxVersion {
		str := fmt.Sprintf("commitment payload version %d", p.Version)
		return nil, ruleError(ErrBadCommitmentPayload, str)
	}
	return p, nil
}

// NewCommitmentTx returns the special transaction mining c at height.  It
// has neither inputs nor outputs.
func NewCommitmentTx(height int32, c *wire.FinalCommitment) *wire.MsgTx {
	p := &CommitmentTxPayload{
		Version:    CommitmentTxVersion,
		Height:     uint32(height),
		Commitment: *c,
	}
	var buf bytes.Buffer
	_ = p.Serialize(&buf)

	tx := wire.NewMsgTx(wire.TxTypeQuorumCommitment)
	tx.TxIn = []*btcwire.TxIn{}
	tx.TxOut = []*btcwire.TxOut{}
	tx.ExtraPayload = buf.Bytes()
	return tx
}

// commitmentVersion returns the commitment version of a quorum type.
func commitmentVersion(params *chaincfg.LLMQParams) uint16 {
	if params.UseRotation {
		return wire.CommitmentIndexedVersion
	}
	return wire.CommitmentVersion
}

// NewNullCommitment returns the commitment stating that no quorum was formed
// for quorumHash.
func NewNullCommitment(params *chaincfg.LLMQParams, quorumHash chainhash.Hash, quorumIndex int16) *wire.FinalCommitment {
	return &wire.FinalCommitment{
		Version:      commitmentVersion(params),
		LLMQType:     uint8(params.Type),
		QuorumHash:   quorumHash,
		QuorumIndex:  quorumIndex,
		Signers:      make([]bool, params.Size),
		ValidMembers: make([]bool, params.Size),
	}
}

// CommitmentHash returns the hash quorum members sign to commit to the
// outcome of a DKG: SHA256d(llmqType || quorumHash || validMembers ||
// quorumPublicKey || quorumVvecHash).
func CommitmentHash(t chaincfg.LLMQType, quorumHash chainhash.Hash, validMembers []bool, pubKey wire.BLSPublicKey, vvecHash chainhash.Hash) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteElements(&buf, uint8(t), quorumHash)
	_ = wire.WriteBitSet(&buf, validMembers)
	_ = wire.WriteElements(&buf, pubKey, vvecHash)
	return chainhash.DoubleHashH(buf.Bytes())
}

// commitmentParams returns the parameters of the quorum type of c and checks
// the fields that do not depend on the members.
func commitmentParams(params *chaincfg.Params, c *wire.FinalCommitment) (*chaincfg.LLMQParams, error) {
	llmq, ok := params.LLMQ(chaincfg.LLMQType(c.LLMQType))
	if !ok {
		str := fmt.Sprintf("commitment for unknown quorum type %d", c.LLMQType)
		return nil, ruleError(ErrBadCommitmentType, str)
	}
	if want := commitmentVersion(llmq); c.Version != want {
		str := fmt.Sprintf("%v commitment has version %d, want %d",
			llmq.Type, c.Version, want)
		return nil, ruleError(ErrBadCommitmentVersion, str)
	}
	if int(c.QuorumIndex) < 0 || int(c.QuorumIndex) >= llmq.QuorumsPerCycle() {
		str := fmt.Sprintf("%v commitment has quorum index %d", llmq.Type,
			c.QuorumIndex)
		return nil, ruleError(ErrBadQuorumIndex, str)
	}
	if len(c.Signers) != llmq.Size || len(c.ValidMembers) != llmq.Size {
		str := fmt.Sprintf("%v commitment has %d signers and %d valid "+
			"member bits, want %d", llmq.Type, len(c.Signers),
			len(c.ValidMembers), llmq.Size)
		return nil, ruleError(ErrBadCommitmentSize, str)
	}
	return llmq, nil
}

// VerifyNullCommitment checks that c is a well formed null commitment.
func VerifyNullCommitment(params *chaincfg.Params, c *wire.FinalCommitment) error {
	if _, err := commitmentParams(params, c); err != nil {
		return err
	}
	if !c.IsNull() {
		return ruleError(ErrBadNullCommitment, "null commitment carries data")
	}
	return nil
}

// VerifyCommitment checks a non-null commitment against the members of its
// quorum.  Signatures are only checked when checkSigs is set.
func VerifyCommitment(params *chaincfg.Params, c *wire.FinalCommitment, members []*evo.Masternode, checkSigs bool) error {
	llmq, err := commitmentParams(params, c)
	if err != nil {
		return err
	}
	if c.IsNull() {
		return ruleError(ErrBadNullCommitment, "commitment is null")
	}
	if n := c.CountValidMembers(); n < llmq.MinSize {
		str := fmt.Sprintf("%v commitment has %d valid members, want %d",
			llmq.Type, n, llmq.MinSize)
		return ruleError(ErrTooFewMembers, str)
	}
	if n := c.CountSigners(); n < llmq.MinSize {
		str := fmt.Sprintf("%v commitment has %d signers, want %d",
			llmq.Type, n, llmq.MinSize)
		return ruleError(ErrTooFewMembers, str)
	}
	for i := len(members); i < llmq.Size; i++ {
		if c.ValidMembers[i] || c.Signers[i] {
			str := fmt.Sprintf("%v commitment marks member %d of a quorum "+
				"with %d members", llmq.Type, i, len(members))
			return ruleError(ErrBadCommitmentSize, str)
		}
	}
	if c.QuorumVvecHash == (chainhash.Hash{}) {
		return ruleError(ErrBadQuorumPublicKey, "commitment without "+
			"verification vector hash")
	}
	quorumKey, err := bls.PublicKeyFromBytes(c.QuorumPublicKey[:])
	if err != nil {
		str := fmt.Sprintf("commitment quorum public key: %v", err)
		return ruleError(ErrBadQuorumPublicKey, str)
	}
	if !checkSigs {
		return nil
	}

	hash := CommitmentHash(llmq.Type, c.QuorumHash, c.ValidMembers,
		c.QuorumPublicKey, c.QuorumVvecHash)

	signerKeys := make([]*bls.PublicKey, 0, c.CountSigners())
	for i, signed := range c.Signers {
		if !signed {
			continue
		}
		pk, err := bls.PublicKeyFromBytes(members[i].State.PubKeyOperator[:])
		if err != nil {
			str := fmt.Sprintf("operator key of member %v: %v",
				members[i].ProTxHash, err)
			return ruleError(ErrBadMembersSig, str)
		}
		signerKeys = append(signerKeys, pk)
	}
	membersSig, err := bls.SignatureFromBytes(c.MembersSig[:])
	if err != nil || !bls.VerifySecureAggregated(signerKeys, hash[:], membersSig) {
		return ruleError(ErrBadMembersSig, "invalid aggregated members signature")
	}

	quorumSig, err := bls.SignatureFromBytes(c.QuorumSig[:])
	if err != nil || !quorumKey.Verify(hash[:], quorumSig) {
		return ruleError(ErrBadQuorumSig, "invalid quorum signature")
	}
	return nil
}
