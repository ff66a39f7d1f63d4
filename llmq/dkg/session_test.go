// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dkg

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// filterFunc may replace or drop (by returning nil) a message on its way
// from one member to another.
type filterFunc func(from, to int, msg wire.Message) wire.Message

// testQuorum runs the sessions of every member of one quorum in lockstep.
// Absent members run no session and receive nothing.
type testQuorum struct {
	t        *testing.T
	params   *chaincfg.LLMQParams
	members  []*evo.Masternode
	keys     []*bls.SecretKey
	sessions []*session
	filter   filterFunc

	// errs records the processing errors by receiving member.
	errs map[int][]error
}

func testMembers(t *testing.T, n int) ([]*evo.Masternode, []*bls.SecretKey) {
	t.Helper()
	r := rand.New(rand.NewSource(int64(n)))
	members := make([]*evo.Masternode, n)
	keys := make([]*bls.SecretKey, n)
	for i := range members {
		sk, err := bls.GenerateKey(r)
		require.NoError(t, err)
		keys[i] = sk
		members[i] = &evo.Masternode{
			ProTxHash:  chainhash.Hash{byte(i + 1)},
			InternalID: uint64(i),
			State: &evo.State{
				PoSeBanHeight:  -1,
				PubKeyOperator: wire.BLSPublicKey(sk.PublicKey().Serialize()),
			},
		}
	}
	return members, keys
}

func newTestQuorum(t *testing.T, absent ...int) *testQuorum {
	t.Helper()
	params, ok := chaincfg.RegressionNetParams.LLMQ(chaincfg.LLMQTest)
	require.True(t, ok)
	members, keys := testMembers(t, params.Size)

	q := &testQuorum{
		t:        t,
		params:   params,
		members:  members,
		keys:     keys,
		sessions: make([]*session, len(members)),
		errs:     make(map[int][]error),
	}
	skip := make(map[int]bool)
	for _, i := range absent {
		skip[i] = true
	}
	quorumHash := chainhash.HashH([]byte("dkg quorum"))
	for i, mn := range members {
		if skip[i] {
			continue
		}
		q.sessions[i] = newSession(&chaincfg.RegressionNetParams, params,
			quorumHash, 24, 0, members, mn.ProTxHash, keys[i],
			rand.New(rand.NewSource(int64(100+i))))
	}
	return q
}

// process hands msg to the session of member to.
func (q *testQuorum) process(to int, msg wire.Message) error {
	s := q.sessions[to]
	switch m := msg.(type) {
	case *wire.MsgQuorumContribution:
		return s.processContribution(m)
	case *wire.MsgQuorumComplaint:
		return s.processComplaint(m)
	case *wire.MsgQuorumJustification:
		return s.processJustification(m)
	case *wire.MsgQuorumPrematureCommitment:
		return s.processPremature(m)
	}
	q.t.Fatalf("unexpected message %T", msg)
	return nil
}

// step advances every session to phase and delivers the messages they
// produce to every other present member.
func (q *testQuorum) step(phase Phase) {
	type sent struct {
		from int
		msg  wire.Message
	}
	var out []sent
	for i, s := range q.sessions {
		if s == nil {
			continue
		}
		for _, msg := range s.advance(phase) {
			out = append(out, sent{i, msg})
		}
	}
	for _, m := range out {
		for to, s := range q.sessions {
			if s == nil || to == m.from {
				continue
			}
			msg := m.msg
			if q.filter != nil {
				if msg = q.filter(m.from, to, msg); msg == nil {
					continue
				}
			}
			if err := q.process(to, msg); err != nil {
				q.errs[to] = append(q.errs[to], err)
			}
		}
	}
}

func (q *testQuorum) run() {
	for _, phase := range []Phase{PhaseContribution, PhaseComplaint,
		PhaseJustification, PhaseCommitment, PhaseFinalized} {

		q.step(phase)
	}
}

// tamperShare replaces the encrypted share member from dealt to member to
// with one that does not match its verification vector and re-signs the
// contribution with the dealer's key.
func (q *testQuorum) tamperShare(from, to int) filterFunc {
	r := rand.New(rand.NewSource(7))
	var tampered *wire.MsgQuorumContribution
	return func(sender, _ int, msg wire.Message) wire.Message {
		c, ok := msg.(*wire.MsgQuorumContribution)
		if !ok || sender != from {
			return msg
		}
		if tampered == nil {
			bogus, err := bls.GenerateKey(r)
			require.NoError(q.t, err)
			pk, err := bls.PublicKeyFromBytes(q.members[to].State.PubKeyOperator[:])
			require.NoError(q.t, err)
			enc, err := bls.EncryptToPublicKey(r, pk, bogus.Bytes())
			require.NoError(q.t, err)

			m := *c
			m.EncryptedShares = append([][]byte(nil), c.EncryptedShares...)
			m.EncryptedShares[to] = enc
			hash := m.SignHash()
			m.Sig = wire.BLSSignature(q.keys[from].Sign(hash[:]).Serialize())
			tampered = &m
		}
		return tampered
	}
}

func TestSessionOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		absent  []int
		filter  func(q *testQuorum) filterFunc
		failed  bool
		valid   []bool
		signers int

		// complaints is the number of complaints every present member
		// saw, justifications likewise.
		complaints     int
		justifications int
	}{{
		name:    "all members honest",
		valid:   []bool{true, true, true},
		signers: 3,
	}, {
		name:       "absent member is voted bad",
		absent:     []int{2},
		valid:      []bool{true, true, false},
		signers:    2,
		complaints: 2,
	}, {
		name:       "fewer valid members than the minimum",
		absent:     []int{1, 2},
		failed:     true,
		complaints: 1,
	}, {
		name: "justified complaint keeps the dealer",
		filter: func(q *testQuorum) filterFunc {
			return q.tamperShare(0, 1)
		},
		valid:          []bool{true, true, true},
		signers:        3,
		complaints:     1,
		justifications: 1,
	}, {
		name: "unjustified complaint removes the dealer",
		filter: func(q *testQuorum) filterFunc {
			tamper := q.tamperShare(0, 1)
			return func(from, to int, msg wire.Message) wire.Message {
				if _, ok := msg.(*wire.MsgQuorumJustification); ok && from == 0 {
					return nil
				}
				return tamper(from, to, msg)
			}
		},
		valid:      []bool{false, true, true},
		signers:    2,
		complaints: 1,
	}}

	for _, test := range tests {
		q := newTestQuorum(t, test.absent...)
		if test.filter != nil {
			q.filter = test.filter(q)
		}
		q.run()

		var quorumKey *wire.BLSPublicKey
		for i, s := range q.sessions {
			if s == nil {
				continue
			}
			st := s.status()
			require.Equal(t, test.complaints, st.Complaints, "%s: member %d",
				test.name, i)
			// A dealer always takes its own justification.
			if test.justifications != 0 || i != 0 {
				require.Equal(t, test.justifications, st.Justifications,
					"%s: member %d", test.name, i)
			}

			if test.failed {
				require.Equal(t, PhaseFailed, s.phase, test.name)
				require.Contains(t, s.failure, "valid members", test.name)
				require.Nil(t, s.commitment, test.name)
				continue
			}
			require.Equal(t, PhaseFinalized, s.phase, "%s: member %d: %s",
				test.name, i, s.failure)
			fc := s.commitment
			require.NotNil(t, fc, test.name)
			require.Equal(t, test.valid, fc.ValidMembers, "%s: member %d",
				test.name, i)
			require.Equal(t, test.signers, fc.CountSigners(), test.name)
			if quorumKey == nil {
				quorumKey = &fc.QuorumPublicKey
			}
			require.Equal(t, *quorumKey, fc.QuorumPublicKey,
				"%s: member %d disagrees on the quorum key", test.name, i)

			// Valid members hold a key share of the quorum key.
			if !test.valid[i] {
				continue
			}
			require.Equal(t, fc.QuorumPublicKey,
				wire.BLSPublicKey(s.vvec.PublicKey().Serialize()), test.name)
			require.NotNil(t, s.skShare, "%s: member %d", test.name, i)
			require.True(t, s.vvec.VerifySecretKeyShare(s.ids[i], s.skShare),
				test.name)
		}
	}
}

func TestSessionTooFewMembers(t *testing.T) {
	params, ok := chaincfg.RegressionNetParams.LLMQ(chaincfg.LLMQTest)
	require.True(t, ok)
	members, keys := testMembers(t, params.MinSize-1)

	s := newSession(&chaincfg.RegressionNetParams, params, chainhash.Hash{1},
		24, 0, members, members[0].ProTxHash, keys[0], rand.New(rand.NewSource(1)))
	require.Equal(t, PhaseFailed, s.phase)
	require.Contains(t, s.failure, "members selected")

	// A failed session never restarts.
	require.Empty(t, s.advance(PhaseFinalized))
	require.Equal(t, PhaseFailed, s.phase)
	require.Nil(t, s.commitment)
}

func TestSessionRejectsMessages(t *testing.T) {
	q := newTestQuorum(t)
	contributions := make([]*wire.MsgQuorumContribution, len(q.sessions))
	for i, s := range q.sessions {
		msgs := s.advance(PhaseContribution)
		require.Len(t, msgs, 1)
		contributions[i] = msgs[0].(*wire.MsgQuorumContribution)
	}
	resign := func(m *wire.MsgQuorumContribution, key *bls.SecretKey) *wire.MsgQuorumContribution {
		hash := m.SignHash()
		m.Sig = wire.BLSSignature(key.Sign(hash[:]).Serialize())
		return m
	}

	s := q.sessions[0]
	require.NoError(t, s.processContribution(contributions[1]))

	tests := []struct {
		name string
		msg  func() *wire.MsgQuorumContribution
		err  error
	}{{
		name: "sender outside the quorum",
		msg: func() *wire.MsgQuorumContribution {
			m := *contributions[2]
			m.ProTxHash = chainhash.Hash{0xee}
			return &m
		},
		err: ErrNotMember,
	}, {
		name: "signed with another member's key",
		msg: func() *wire.MsgQuorumContribution {
			m := *contributions[2]
			return resign(&m, q.keys[1])
		},
		err: ErrBadMessageSig,
	}, {
		name: "wrong number of commitments",
		msg: func() *wire.MsgQuorumContribution {
			m := *contributions[2]
			m.VVec = m.VVec[:1]
			return resign(&m, q.keys[2])
		},
		err: ErrBadMessage,
	}, {
		name: "repeated contribution",
		msg: func() *wire.MsgQuorumContribution {
			return contributions[1]
		},
		err: ErrDuplicateMessage,
	}}

	for _, test := range tests {
		err := s.processContribution(test.msg())
		require.ErrorIs(t, err, test.err, test.name)
	}
	require.False(t, s.conflicting[1], "a repeated message is no conflict")
	require.Nil(t, s.contributions[2], "rejected messages are not kept")

	// A second, different contribution marks the sender conflicting and
	// gets it voted bad.
	other := *contributions[1]
	other.EncryptedShares = append([][]byte(nil), other.EncryptedShares...)
	other.EncryptedShares[2] = []byte{1}
	err := s.processContribution(resign(&other, q.keys[1]))
	require.ErrorIs(t, err, ErrDuplicateMessage)
	require.True(t, s.conflicting[1])

	// Messages of a phase that ended are refused.
	s.advance(PhaseComplaint)
	require.ErrorIs(t, s.processContribution(contributions[2]), ErrPhaseOver)
	complaint := &wire.MsgQuorumComplaint{
		LLMQType:           uint8(q.params.Type),
		QuorumHash:         s.quorumHash,
		ProTxHash:          q.members[2].ProTxHash,
		BadMembers:         make([]bool, len(q.members)),
		ComplainForMembers: make([]bool, len(q.members)),
	}
	hash := complaint.SignHash()
	complaint.Sig = wire.BLSSignature(q.keys[2].Sign(hash[:]).Serialize())
	require.NoError(t, s.processComplaint(complaint))
	require.Equal(t, 1, s.badVotes[1], "the conflicting member is voted bad")
	s.advance(PhaseJustification)
	require.ErrorIs(t, s.processComplaint(complaint), ErrPhaseOver)
}

func TestPhaseAt(t *testing.T) {
	tests := []struct {
		offset int64
		want   Phase
	}{
		{0, PhaseInitialized},
		{1, PhaseInitialized},
		{2, PhaseContribution},
		{4, PhaseComplaint},
		{6, PhaseJustification},
		{8, PhaseCommitment},
		{10, PhaseFinalized},
		{23, PhaseFinalized},
	}
	for _, test := range tests {
		require.Equal(t, test.want, phaseAt(test.offset, 2), "offset %d",
			test.offset)
	}
}
