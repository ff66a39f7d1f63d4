// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dkg

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
)

// contribution is what one member dealt in the contribution phase.
type contribution struct {
	hash chainhash.Hash
	vvec bls.VerificationVector

	// share is the secret key share dealt to the local member.  It is only
	// used when shareValid is set.
	share      *bls.SecretKey
	shareValid bool
}

// premature is a member's signed view of the DKG outcome.
type premature struct {
	hash       chainhash.Hash
	commitHash chainhash.Hash
	msg        *wire.MsgQuorumPrematureCommitment
}

// session runs the DKG of one quorum.  It is not safe for concurrent access;
// the manager holds the lock of the session's slot for every call.
type session struct {
	chainParams  *chaincfg.Params
	params       *chaincfg.LLMQParams
	quorumHash   chainhash.Hash
	quorumHeight int32
	quorumIndex  int16
	members      []*evo.Masternode
	ids          []*bls.ID
	memberIndex  map[chainhash.Hash]int

	// myIndex is the position of the local masternode, -1 when the node
	// only watches the session.
	myIndex     int
	myProTxHash chainhash.Hash
	operatorKey *bls.SecretKey
	rand        io.Reader

	phase   Phase
	failure string

	poly           *bls.Polynomial
	contributions  []*contribution
	conflicting    []bool
	badVotes       []int
	complaints     []*wire.MsgQuorumComplaint
	complaintHash  []chainhash.Hash
	justifications []*wire.MsgQuorumJustification
	justifyHash    []chainhash.Hash
	justified      []map[int]bool
	prematures     []*premature

	validMembers []bool
	vvec         bls.VerificationVector
	skShare      *bls.SecretKey
	commitment   *wire.FinalCommitment
}

func newSession(chainParams *chaincfg.Params, params *chaincfg.LLMQParams, quorumHash chainhash.Hash, quorumHeight int32, quorumIndex int16, members []*evo.Masternode, me chainhash.Hash, operatorKey *bls.SecretKey, rand io.Reader) *session {
	n := len(members)
	s := &session{
		chainParams:    chainParams,
		params:         params,
		quorumHash:     quorumHash,
		quorumHeight:   quorumHeight,
		quorumIndex:    quorumIndex,
		members:        members,
		ids:            make([]*bls.ID, n),
		memberIndex:    make(map[chainhash.Hash]int, n),
		myIndex:        -1,
		myProTxHash:    me,
		operatorKey:    operatorKey,
		rand:           rand,
		phase:          PhaseInitialized,
		contributions:  make([]*contribution, n),
		conflicting:    make([]bool, n),
		badVotes:       make([]int, n),
		complaints:     make([]*wire.MsgQuorumComplaint, n),
		complaintHash:  make([]chainhash.Hash, n),
		justifications: make([]*wire.MsgQuorumJustification, n),
		justifyHash:    make([]chainhash.Hash, n),
		justified:      make([]map[int]bool, n),
		prematures:     make([]*premature, n),
	}
	for i, mn := range members {
		s.ids[i] = bls.IDFromHash(&mn.ProTxHash)
		s.memberIndex[mn.ProTxHash] = i
		s.justified[i] = make(map[int]bool)
	}
	if i, ok := s.memberIndex[me]; ok && operatorKey != nil {
		s.myIndex = i
	}
	if n < params.MinSize {
		s.fail(fmt.Sprintf("only %d members selected", n))
	}
	return s
}

func (s *session) isMember() bool {
	return s.myIndex >= 0
}

func (s *session) fail(reason string) {
	s.phase = PhaseFailed
	s.failure = reason
	log.Infof("DKG of %v quorum %v failed: %s", s.params.Type, s.quorumHash,
		reason)
}

func (s *session) done() bool {
	return s.phase == PhaseFinalized || s.phase == PhaseFailed
}

// sign fills the operator signature of a DKG message.
func (s *session) sign(hash chainhash.Hash) wire.BLSSignature {
	return wire.BLSSignature(s.operatorKey.Sign(hash[:]).Serialize())
}

// sender resolves the member that sent a message and verifies its operator
// signature over hash.
func (s *session) sender(proTxHash chainhash.Hash, hash chainhash.Hash, sig wire.BLSSignature) (int, error) {
	i, ok := s.memberIndex[proTxHash]
	if !ok {
		return 0, ErrNotMember
	}
	pk, err := bls.PublicKeyFromBytes(s.members[i].State.PubKeyOperator[:])
	if err != nil {
		return 0, ErrBadMessageSig
	}
	blsSig, err := bls.SignatureFromBytes(sig[:])
	if err != nil || !pk.Verify(hash[:], blsSig) {
		return 0, ErrBadMessageSig
	}
	return i, nil
}

// advance moves the session up to phase, running the step of every phase it
// enters.  Messages the local member has to send are returned.
func (s *session) advance(phase Phase) []wire.Message {
	var out []wire.Message
	for !s.done() && s.phase < phase {
		s.phase++
		log.Debugf("DKG of %v quorum %v entered phase %v", s.params.Type,
			s.quorumHash, s.phase)

		var msg wire.Message
		switch s.phase {
		case PhaseContribution:
			msg = s.contribute()
		case PhaseComplaint:
			msg = s.complain()
		case PhaseJustification:
			msg = s.justify()
		case PhaseCommitment:
			msg = s.commit()
		case PhaseFinalized:
			s.finalize()
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

// accepts returns whether messages of phase are still processed.  Messages
// may arrive before the local session entered the phase, but never after it
// left it.
func (s *session) accepts(phase Phase) bool {
	return !s.done() && s.phase <= phase
}

// contribute deals the shares of a fresh secret polynomial to the members.
func (s *session) contribute() wire.Message {
	if !s.isMember() {
		return nil
	}
	poly, err := bls.NewPolynomial(s.rand, s.params.Threshold)
	if err != nil {
		log.Errorf("Failed to create DKG polynomial: %v", err)
		return nil
	}
	s.poly = poly

	msg := &wire.MsgQuorumContribution{
		LLMQType:   uint8(s.params.Type),
		QuorumHash: s.quorumHash,
		ProTxHash:  s.myProTxHash,
	}
	for _, pk := range poly.VerificationVector() {
		msg.VVec = append(msg.VVec, wire.BLSPublicKey(pk.Serialize()))
	}
	msg.EncryptedShares = make([][]byte, len(s.members))
	for i, mn := range s.members {
		pk, err := bls.PublicKeyFromBytes(mn.State.PubKeyOperator[:])
		if err != nil {
			msg.EncryptedShares[i] = []byte{}
			continue
		}
		share := poly.SecretKeyShare(s.ids[i])
		enc, err := bls.EncryptToPublicKey(s.rand, pk, share.Bytes())
		if err != nil {
			log.Errorf("Failed to encrypt DKG share: %v", err)
			msg.EncryptedShares[i] = []byte{}
			continue
		}
		msg.EncryptedShares[i] = enc
	}
	msg.Sig = s.sign(msg.SignHash())
	if err := s.processContribution(msg); err != nil {
		log.Errorf("Own DKG contribution rejected: %v", err)
	}
	return msg
}

func (s *session) processContribution(msg *wire.MsgQuorumContribution) error {
	if !s.accepts(PhaseContribution) {
		return ErrPhaseOver
	}
	hash := msg.SignHash()
	i, err := s.sender(msg.ProTxHash, hash, msg.Sig)
	if err != nil {
		return err
	}
	if c := s.contributions[i]; c != nil {
		if c.hash != hash {
			s.conflicting[i] = true
		}
		return ErrDuplicateMessage
	}
	if len(msg.VVec) != s.params.Threshold || len(msg.EncryptedShares) != len(s.members) {
		return fmt.Errorf("%w: contribution with %d commitments and %d "+
			"shares", ErrBadMessage, len(msg.VVec), len(msg.EncryptedShares))
	}
	vvec := make(bls.VerificationVector, len(msg.VVec))
	for j := range msg.VVec {
		pk, err := bls.PublicKeyFromBytes(msg.VVec[j][:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		vvec[j] = pk
	}

	c := &contribution{hash: hash, vvec: vvec}
	if s.isMember() {
		plain, err := bls.DecryptWithSecretKey(s.operatorKey,
			msg.EncryptedShares[s.myIndex])
		if err == nil {
			share, err := bls.SecretKeyFromBytes(plain)
			if err == nil {
				c.share = share
				c.shareValid = vvec.VerifySecretKeyShare(s.ids[s.myIndex], share)
			}
		}
		if !c.shareValid {
			log.Debugf("Invalid DKG share from %v for quorum %v",
				msg.ProTxHash, s.quorumHash)
		}
	}
	s.contributions[i] = c
	return nil
}

// complain reports members that did not contribute and members whose share
// for the local member does not verify.
func (s *session) complain() wire.Message {
	if !s.isMember() {
		return nil
	}
	n := len(s.members)
	msg := &wire.MsgQuorumComplaint{
		LLMQType:           uint8(s.params.Type),
		QuorumHash:         s.quorumHash,
		ProTxHash:          s.myProTxHash,
		BadMembers:         make([]bool, n),
		ComplainForMembers: make([]bool, n),
	}
	send := false
	for i, c := range s.contributions {
		switch {
		case c == nil || s.conflicting[i]:
			msg.BadMembers[i] = true
			send = true
		case !c.shareValid:
			msg.ComplainForMembers[i] = true
			send = true
		}
	}
	if !send {
		return nil
	}
	msg.Sig = s.sign(msg.SignHash())
	if err := s.processComplaint(msg); err != nil {
		log.Errorf("Own DKG complaint rejected: %v", err)
	}
	return msg
}

func (s *session) processComplaint(msg *wire.MsgQuorumComplaint) error {
	if !s.accepts(PhaseComplaint) {
		return ErrPhaseOver
	}
	hash := msg.SignHash()
	i, err := s.sender(msg.ProTxHash, hash, msg.Sig)
	if err != nil {
		return err
	}
	if s.complaints[i] != nil {
		if s.complaintHash[i] != hash {
			s.conflicting[i] = true
		}
		return ErrDuplicateMessage
	}
	if len(msg.BadMembers) != len(s.members) ||
		len(msg.ComplainForMembers) != len(s.members) {

		return fmt.Errorf("%w: complaint bit sets of size %d/%d",
			ErrBadMessage, len(msg.BadMembers), len(msg.ComplainForMembers))
	}
	for j, bad := range msg.BadMembers {
		if bad {
			s.badVotes[j]++
		}
	}
	s.complaints[i] = msg
	s.complaintHash[i] = hash
	return nil
}

// justify reveals the plain shares the local member dealt to every member
// that complained about it.
func (s *session) justify() wire.Message {
	if !s.isMember() || s.poly == nil {
		return nil
	}
	msg := &wire.MsgQuorumJustification{
		LLMQType:   uint8(s.params.Type),
		QuorumHash: s.quorumHash,
		ProTxHash:  s.myProTxHash,
	}
	for j, c := range s.complaints {
		if c == nil || !c.ComplainForMembers[s.myIndex] {
			continue
		}
		var share [32]byte
		copy(share[:], s.poly.SecretKeyShare(s.ids[j]).Bytes())
		msg.Contributions = append(msg.Contributions, wire.JustificationShare{
			Index: uint32(j),
			Share: share,
		})
	}
	if len(msg.Contributions) == 0 {
		return nil
	}
	msg.Sig = s.sign(msg.SignHash())
	if err := s.processJustification(msg); err != nil {
		log.Errorf("Own DKG justification rejected: %v", err)
	}
	return msg
}

func (s *session) processJustification(msg *wire.MsgQuorumJustification) error {
	if !s.accepts(PhaseJustification) {
		return ErrPhaseOver
	}
	hash := msg.SignHash()
	i, err := s.sender(msg.ProTxHash, hash, msg.Sig)
	if err != nil {
		return err
	}
	if s.justifications[i] != nil {
		if s.justifyHash[i] != hash {
			s.conflicting[i] = true
		}
		return ErrDuplicateMessage
	}
	c := s.contributions[i]
	for _, js := range msg.Contributions {
		j := int(js.Index)
		if j >= len(s.members) {
			return fmt.Errorf("%w: justification for member %d", ErrBadMessage, j)
		}
		share, err := bls.SecretKeyFromBytes(js.Share[:])
		if err != nil || c == nil || !c.vvec.VerifySecretKeyShare(s.ids[j], share) {
			continue
		}
		s.justified[i][j] = true
		if j == s.myIndex {
			c.share = share
			c.shareValid = true
		}
	}
	s.justifications[i] = msg
	s.justifyHash[i] = hash
	return nil
}

// isValidMember returns whether member i completed the DKG in the local
// view: it contributed exactly once, too few members voted it bad, and it
// justified every complaint about its shares.
func (s *session) isValidMember(i int) bool {
	if s.contributions[i] == nil || s.conflicting[i] {
		return false
	}
	if s.badVotes[i] >= s.params.DKGBadVotesThreshold {
		return false
	}
	for j, c := range s.complaints {
		if c != nil && c.ComplainForMembers[i] && !s.justified[i][j] {
			return false
		}
	}
	return true
}

// commit derives the quorum verification vector from the valid members'
// contributions and signs the outcome.
func (s *session) commit() wire.Message {
	n := len(s.members)
	s.validMembers = make([]bool, n)
	var vvecs []bls.VerificationVector
	var shares []*bls.SecretKey
	for i := 0; i < n; i++ {
		if !s.isValidMember(i) {
			continue
		}
		s.validMembers[i] = true
		c := s.contributions[i]
		vvecs = append(vvecs, c.vvec)
		if c.shareValid {
			shares = append(shares, c.share)
		}
	}
	if len(vvecs) < s.params.MinSize {
		s.fail(fmt.Sprintf("only %d valid members", len(vvecs)))
		return nil
	}
	vvec, err := bls.AggregateVerificationVectors(vvecs)
	if err != nil {
		s.fail(fmt.Sprintf("aggregating verification vectors: %v", err))
		return nil
	}
	s.vvec = vvec

	if !s.isMember() || !s.validMembers[s.myIndex] || len(shares) != len(vvecs) {
		return nil
	}
	skShare, err := bls.AggregateSecretKeys(shares)
	if err != nil {
		log.Errorf("Failed to aggregate DKG shares: %v", err)
		return nil
	}
	s.skShare = skShare

	validMembers := s.paddedBits(s.validMembers)
	pubKey := wire.BLSPublicKey(vvec.PublicKey().Serialize())
	vvecHash := vvec.Hash()
	commitHash := llmq.CommitmentHash(s.params.Type, s.quorumHash,
		validMembers, pubKey, vvecHash)
	msg := &wire.MsgQuorumPrematureCommitment{
		LLMQType:        uint8(s.params.Type),
		QuorumHash:      s.quorumHash,
		ProTxHash:       s.myProTxHash,
		ValidMembers:    validMembers,
		QuorumPublicKey: pubKey,
		QuorumVvecHash:  vvecHash,
		QuorumSig:       wire.BLSSignature(skShare.Sign(commitHash[:]).Serialize()),
		Sig:             s.sign(commitHash),
	}
	if err := s.processPremature(msg); err != nil {
		log.Errorf("Own premature commitment rejected: %v", err)
	}
	return msg
}

// paddedBits extends a member bit set to the quorum size.
func (s *session) paddedBits(bits []bool) []bool {
	padded := make([]bool, s.params.Size)
	copy(padded, bits)
	return padded
}

func (s *session) processPremature(msg *wire.MsgQuorumPrematureCommitment) error {
	if !s.accepts(PhaseCommitment) {
		return ErrPhaseOver
	}
	if len(msg.ValidMembers) != s.params.Size {
		return fmt.Errorf("%w: premature commitment with %d member bits",
			ErrBadMessage, len(msg.ValidMembers))
	}
	commitHash := llmq.CommitmentHash(s.params.Type, s.quorumHash,
		msg.ValidMembers, msg.QuorumPublicKey, msg.QuorumVvecHash)
	i, err := s.sender(msg.ProTxHash, commitHash, msg.Sig)
	if err != nil {
		return err
	}
	hash := msg.SignHash()
	if p := s.prematures[i]; p != nil {
		if p.hash != hash {
			s.conflicting[i] = true
		}
		return ErrDuplicateMessage
	}
	if !msg.ValidMembers[i] {
		return fmt.Errorf("%w: premature commitment excludes its sender",
			ErrBadMessage)
	}
	s.prematures[i] = &premature{hash: hash, commitHash: commitHash, msg: msg}
	return nil
}

// finalize builds the final commitment from the largest group of premature
// commitments that agree on the outcome.  The quorum signature is recovered
// from the members' threshold shares and their operator signatures are
// aggregated.
func (s *session) finalize() {
	groups := make(map[chainhash.Hash][]int)
	for i, p := range s.prematures {
		if p != nil && !s.conflicting[i] {
			groups[p.commitHash] = append(groups[p.commitHash], i)
		}
	}
	order := make([]chainhash.Hash, 0, len(groups))
	for h := range groups {
		order = append(order, h)
	}
	sort.Slice(order, func(a, b int) bool {
		if len(groups[order[a]]) != len(groups[order[b]]) {
			return len(groups[order[a]]) > len(groups[order[b]])
		}
		return bytes.Compare(order[a][:], order[b][:]) < 0
	})

	for _, h := range order {
		fc, err := s.buildCommitment(groups[h])
		if err != nil {
			log.Debugf("Premature commitments %v of quorum %v unusable: %v",
				h, s.quorumHash, err)
			continue
		}
		s.commitment = fc
		log.Infof("DKG of %v quorum %v finalized with %d signers and %d "+
			"valid members", s.params.Type, s.quorumHash, fc.CountSigners(),
			fc.CountValidMembers())
		return
	}
	s.fail("no usable set of premature commitments")
}

func (s *session) buildCommitment(signers []int) (*wire.FinalCommitment, error) {
	if len(signers) < s.params.MinSize {
		return nil, fmt.Errorf("only %d signers", len(signers))
	}
	first := s.prematures[signers[0]].msg
	quorumKey, err := bls.PublicKeyFromBytes(first.QuorumPublicKey[:])
	if err != nil {
		return nil, err
	}
	commitHash := s.prematures[signers[0]].commitHash

	// Shares are checked one by one when the local view agrees with the
	// group's verification vector.
	var known bls.VerificationVector
	if s.vvec != nil && s.vvec.Hash() == first.QuorumVvecHash {
		known = s.vvec
	}

	var sigShares []*bls.Signature
	var ids []*bls.ID
	var memberSigs []*bls.Signature
	fc := llmq.NewNullCommitment(s.params, s.quorumHash, s.quorumIndex)
	for _, i := range signers {
		msg := s.prematures[i].msg
		memberSig, err := bls.SignatureFromBytes(msg.Sig[:])
		if err != nil {
			continue
		}
		share, err := bls.SignatureFromBytes(msg.QuorumSig[:])
		if err != nil {
			continue
		}
		if known != nil && !known.PublicKeyShare(s.ids[i]).Verify(commitHash[:], share) {
			continue
		}
		fc.Signers[i] = true
		memberSigs = append(memberSigs, memberSig)
		if len(sigShares) < s.params.Threshold {
			sigShares = append(sigShares, share)
			ids = append(ids, s.ids[i])
		}
	}
	if len(sigShares) < s.params.Threshold {
		return nil, fmt.Errorf("only %d valid quorum signature shares",
			len(sigShares))
	}
	quorumSig, err := bls.RecoverSignature(sigShares, ids)
	if err != nil {
		return nil, err
	}
	if !quorumKey.Verify(commitHash[:], quorumSig) {
		return nil, fmt.Errorf("recovered quorum signature does not verify")
	}
	membersSig, err := bls.AggregateSignatures(memberSigs)
	if err != nil {
		return nil, err
	}

	copy(fc.ValidMembers, first.ValidMembers)
	fc.QuorumPublicKey = first.QuorumPublicKey
	fc.QuorumVvecHash = first.QuorumVvecHash
	fc.QuorumSig = wire.BLSSignature(quorumSig.Serialize())
	fc.MembersSig = wire.BLSSignature(membersSig.Serialize())
	if err := llmq.VerifyCommitment(s.chainParams, fc, s.members, true); err != nil {
		return nil, err
	}
	return fc, nil
}

// status summarizes the session.
func (s *session) status() SessionStatus {
	st := SessionStatus{
		LLMQType:     s.params.Type,
		QuorumIndex:  s.quorumIndex,
		QuorumHash:   s.quorumHash,
		QuorumHeight: s.quorumHeight,
		Phase:        s.phase,
		IsMember:     s.isMember(),
		Members:      len(s.members),
		Failure:      s.failure,
	}
	for i := range s.members {
		if s.contributions[i] != nil {
			st.Contributions++
		}
		if s.complaints[i] != nil {
			st.Complaints++
		}
		if s.justifications[i] != nil {
			st.Justifications++
		}
		if s.prematures[i] != nil {
			st.PrematureCommitments++
		}
		if i < len(s.validMembers) && s.validMembers[i] {
			st.ValidMembers++
		}
	}
	return st
}
