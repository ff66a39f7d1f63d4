// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/internal/chaintest"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// quorumReadyHeight is a tip at which the first quorums of the test network
// are mined deep enough to be selected for signing.
const quorumReadyHeight = 48

func startNetwork(t *testing.T) *chaintest.Network {
	t.Helper()
	net, err := chaintest.NewNetwork(3)
	require.NoError(t, err)
	require.NoError(t, net.Start(spork.SporkQuorumDKGEnabled))
	require.NoError(t, net.MineUntil(quorumReadyHeight))
	return net
}

// makeShare signs msgHash under id with the key share of node n, claiming to
// come from quorum member member.
func makeShare(t *testing.T, n *node.Node, typ chaincfg.LLMQType, member uint16, id, msgHash chainhash.Hash) *wire.MsgQuorumSigShare {
	t.Helper()
	q, err := signing.SelectQuorumForSigning(n.Quorums, typ,
		n.Quorums.TipHeight(), id)
	require.NoError(t, err)
	sk, err := q.SecretKeyShare()
	require.NoError(t, err)
	signHash := signing.SignHash(typ, q.QuorumHash(), id, msgHash)
	return &wire.MsgQuorumSigShare{
		LLMQType:     uint8(typ),
		QuorumHash:   q.QuorumHash(),
		QuorumMember: member,
		ID:           id,
		MsgHash:      msgHash,
		SigShare:     sk.Sign(signHash[:]).Serialize(),
	}
}

func memberIndex(t *testing.T, net *chaintest.Network, typ chaincfg.LLMQType, id chainhash.Hash, i int) uint16 {
	t.Helper()
	n := net.Nodes[i]
	q, err := signing.SelectQuorumForSigning(n.Quorums, typ,
		n.Quorums.TipHeight(), id)
	require.NoError(t, err)
	idx := q.MemberIndex(net.Masternodes[i].ProTxHash)
	require.GreaterOrEqual(t, idx, 0)
	return uint16(idx)
}

func TestRecoverSignature(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("recover id"))
	msgHash := chainhash.HashH([]byte("recover msg"))

	for _, n := range net.Nodes[:2] {
		signed, err := n.Signing.RequestSign(typ, id, msgHash, nil)
		require.NoError(t, err)
		require.True(t, signed)
	}
	require.NoError(t, net.Flush())

	for i, n := range net.Nodes {
		require.True(t, n.Signing.HasRecoveredSig(typ, id, msgHash), "node %d", i)
		rs, err := n.Signing.GetRecoveredSig(typ, id)
		require.NoError(t, err)

		ok, err := n.Signing.Verify(typ, id, msgHash, rs.Sig, &rs.QuorumHash)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = n.Signing.Verify(typ, id, chainhash.HashH([]byte("other")),
			rs.Sig, &rs.QuorumHash)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// Asking for the recovered message again is a no-op, another message
	// is refused.
	signed, err := net.Nodes[2].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.False(t, signed)
	_, err = net.Nodes[2].Signing.RequestSign(typ, id,
		chainhash.HashH([]byte("other")), nil)
	require.ErrorIs(t, err, signing.ErrConflictingSig)
}

// TestPendingSessionsConflict ensures that two sessions collecting shares
// for different messages under one id are reported as conflicting before
// either recovers.
func TestPendingSessionsConflict(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("contested id"))
	msgA := chainhash.HashH([]byte("message a"))
	msgB := chainhash.HashH([]byte("message b"))

	_, err := net.Nodes[0].Signing.RequestSign(typ, id, msgA, nil)
	require.NoError(t, err)
	_, err = net.Nodes[1].Signing.RequestSign(typ, id, msgB, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	// One share per message never reaches the threshold of two.
	for i, n := range net.Nodes {
		require.False(t, n.Signing.HasRecoveredSigForID(typ, id), "node %d", i)
		require.True(t, n.Signing.IsConflicting(typ, id, msgA), "node %d", i)
		require.True(t, n.Signing.IsConflicting(typ, id, msgB), "node %d", i)
	}

	// Node 2 never voted, so only the pending sessions report the
	// conflict.  An unrelated id stays free.
	other := chainhash.HashH([]byte("quiet id"))
	require.False(t, net.Nodes[2].Signing.HasVotedOnID(typ, id))
	require.False(t, net.Nodes[2].Signing.IsConflicting(typ, other, msgA))

	// Abandoning the sessions clears the pending conflict on node 2.
	require.NoError(t, net.Nodes[2].Signing.Cleanup(net.Now.Add(time.Hour)))
	require.False(t, net.Nodes[2].Signing.IsConflicting(typ, id, msgA))
	require.False(t, net.Nodes[2].Signing.IsConflicting(typ, id, msgB))
}

func TestPendingSessionOwnMessage(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("single id"))
	msgA := chainhash.HashH([]byte("message a"))
	msgB := chainhash.HashH([]byte("message b"))

	_, err := net.Nodes[0].Signing.RequestSign(typ, id, msgA, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	n := net.Nodes[2]
	require.False(t, n.Signing.HasRecoveredSigForID(typ, id))
	require.False(t, n.Signing.IsConflicting(typ, id, msgA))
	require.True(t, n.Signing.IsConflicting(typ, id, msgB))
}

func TestRejectInvalidAndDuplicateShares(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("share id"))
	msgHash := chainhash.HashH([]byte("share msg"))

	_, err := net.Nodes[0].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	own := memberIndex(t, net, typ, id, 0)
	other := memberIndex(t, net, typ, id, 1)
	valid := makeShare(t, net.Nodes[0], typ, own, id, msgHash)

	tests := []struct {
		name  string
		share func() *wire.MsgQuorumSigShare
	}{{
		name: "share signed with the key of another member",
		share: func() *wire.MsgQuorumSigShare {
			s := *valid
			s.QuorumMember = other
			return &s
		},
	}, {
		name: "share for another message",
		share: func() *wire.MsgQuorumSigShare {
			s := *valid
			s.QuorumMember = other
			s.SigShare = makeShare(t, net.Nodes[1], typ, other, id,
				chainhash.HashH([]byte("unrelated"))).SigShare
			return &s
		},
	}, {
		name: "member out of range",
		share: func() *wire.MsgQuorumSigShare {
			s := *valid
			s.QuorumMember = 200
			return &s
		},
	}, {
		name: "unknown quorum",
		share: func() *wire.MsgQuorumSigShare {
			s := *valid
			s.QuorumHash = chainhash.HashH([]byte("no such quorum"))
			return &s
		},
	}, {
		name: "duplicate of a valid share",
		share: func() *wire.MsgQuorumSigShare {
			s := *valid
			return &s
		},
	}}

	for _, test := range tests {
		net.Broadcast(1, test.share())
		require.NoError(t, net.Flush(), test.name)
		for i, n := range net.Nodes {
			require.False(t, n.Signing.HasRecoveredSigForID(typ, id),
				"%s: node %d recovered", test.name, i)
		}
	}

	// The genuine second share still completes the signature.
	_, err = net.Nodes[1].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())
	for i, n := range net.Nodes {
		require.True(t, n.Signing.HasRecoveredSig(typ, id, msgHash), "node %d", i)
	}
}

func TestUnknownQuorum(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeChainLocks
	id := chainhash.HashH([]byte("unknown quorum id"))
	msgHash := chainhash.HashH([]byte("unknown quorum msg"))
	unknown := chainhash.HashH([]byte("no such quorum"))
	n := net.Nodes[0]

	_, err := n.Signing.Verify(typ, id, msgHash, wire.BLSSignature{}, &unknown)
	require.ErrorIs(t, err, llmq.ErrQuorumNotFound)

	err = n.Signing.ProcessRecoveredSig(&wire.MsgQuorumRecoveredSig{
		LLMQType:   uint8(typ),
		QuorumHash: unknown,
		ID:         id,
		MsgHash:    msgHash,
	})
	require.ErrorIs(t, err, llmq.ErrQuorumNotFound)

	// No quorum is old enough to sign below the first DKG.
	_, err = n.Signing.VerifyAt(typ, 10, id, msgHash, wire.BLSSignature{})
	require.ErrorIs(t, err, llmq.ErrQuorumNotFound)
}

func TestCleanupRetention(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("retained id"))
	msgHash := chainhash.HashH([]byte("retained msg"))
	voteID := chainhash.HashH([]byte("vote only id"))

	for _, n := range net.Nodes[:2] {
		_, err := n.Signing.RequestSign(typ, id, msgHash, nil)
		require.NoError(t, err)
	}
	_, err := net.Nodes[0].Signing.RequestSign(typ, voteID, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	n := net.Nodes[0]
	rs, err := n.Signing.GetRecoveredSig(typ, id)
	require.NoError(t, err)
	signHash := signing.RecoveredSigHash(rs)

	tests := []struct {
		name      string
		at        time.Time
		recovered bool
		voted     bool
	}{{
		name:      "within retention",
		at:        net.Now.Add(net.Params.SigRetention - time.Minute),
		recovered: true,
		voted:     true,
	}, {
		name: "past retention",
		at:   net.Now.Add(net.Params.SigRetention + time.Minute),
	}}

	for _, test := range tests {
		require.NoError(t, n.Signing.Cleanup(test.at), test.name)
		require.Equal(t, test.recovered, n.Signing.HasRecoveredSigForID(typ, id),
			test.name)
		require.Equal(t, test.recovered, n.Signing.HasRecoveredSigForHash(signHash),
			test.name)
		require.Equal(t, test.voted, n.Signing.HasVotedOnID(typ, voteID),
			test.name)
	}

	_, err = n.Signing.GetRecoveredSig(typ, id)
	require.ErrorIs(t, err, signing.ErrRecoveredSigNotFound)
}

func TestCleanupAbandonsSessions(t *testing.T) {
	net := startNetwork(t)
	typ := net.Params.LLMQTypeInstantSend
	id := chainhash.HashH([]byte("stale id"))
	msgHash := chainhash.HashH([]byte("stale msg"))

	_, err := net.Nodes[0].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, net.Flush())

	// Node 2 holds the only share.  Once its session is abandoned a late
	// second share starts from scratch and cannot recover alone.
	n := net.Nodes[2]
	require.NoError(t, n.Signing.Cleanup(net.Now.Add(time.Minute)))
	require.True(t, n.Signing.IsConflicting(typ, id, chainhash.HashH([]byte("x"))))
	require.NoError(t, n.Signing.Cleanup(net.Now.Add(time.Hour)))
	require.False(t, n.Signing.IsConflicting(typ, id, chainhash.HashH([]byte("x"))))

	share := makeShare(t, net.Nodes[1], typ, memberIndex(t, net, typ, id, 1),
		id, msgHash)
	require.NoError(t, n.Signing.ProcessSigShare(share))
	n.Signing.ProcessPendingSigShares()
	require.False(t, n.Signing.HasRecoveredSigForID(typ, id))
}
