// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// testMN returns a confirmed, unbanned masternode whose unique properties
// are all derived from id.
func testMN(id byte, typ evo.MnType) *evo.Masternode {
	return &evo.Masternode{
		ProTxHash:  chainhash.Hash{id},
		InternalID: uint64(id),
		Collateral: btcwire.OutPoint{Hash: chainhash.Hash{0xc0, id}},
		Type:       typ,
		State: &evo.State{
			PoSeRevivedHeight: -1,
			PoSeBanHeight:     -1,
			ConfirmedHash:     chainhash.Hash{0xff, id},
			KeyIDOwner:        wire.KeyID{id},
			PubKeyOperator:    wire.BLSPublicKey{id},
			Address:           fmt.Sprintf("127.0.0.1:%d", 1000+int(id)),
			PlatformNodeID:    evo.PlatformNodeID{id},
		},
	}
}

// newTestList builds a list holding mns through its serialized form.
func newTestList(t *testing.T, mns ...*evo.Masternode) *evo.List {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.WriteElements(&buf, chainhash.Hash{0x01},
		int32(100), uint64(len(mns))))
	require.NoError(t, wire.WriteVarInt(&buf, uint64(len(mns))))
	for _, mn := range mns {
		require.NoError(t, mn.Serialize(&buf))
	}
	require.NoError(t, wire.WriteVarInt(&buf, uint64(len(mns))))
	for _, mn := range mns {
		require.NoError(t, wire.WriteElements(&buf, mn.ProTxHash))
	}
	list, err := evo.DeserializeList(&buf)
	require.NoError(t, err)
	return list
}

func proTxHashes(mns []*evo.Masternode) []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(mns))
	for i, mn := range mns {
		hashes[i] = mn.ProTxHash
	}
	return hashes
}

// byProTxHash orders masternodes by proTxHash and ignores the modifier,
// which makes quarter assignment easy to follow.
func byProTxHash(mns []*evo.Masternode, _ chainhash.Hash) []*evo.Masternode {
	sorted := append([]*evo.Masternode(nil), mns...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ProTxHash[:], sorted[j].ProTxHash[:]) < 0
	})
	return sorted
}

func TestComputeQuorumMembersEligibility(t *testing.T) {
	unconfirmed := testMN(5, evo.MnTypeHPMN)
	unconfirmed.State.ConfirmedHash = chainhash.Hash{}
	banned := testMN(6, evo.MnTypeHPMN)
	banned.State.PoSeBanHeight = 50

	list := newTestList(t,
		testMN(1, evo.MnTypeRegular),
		testMN(2, evo.MnTypeRegular),
		testMN(3, evo.MnTypeHPMN),
		testMN(4, evo.MnTypeHPMN),
		unconfirmed,
		banned,
	)
	base := chainhash.HashH([]byte("quorum base"))

	tests := []struct {
		name     string
		params   chaincfg.LLMQParams
		size     int
		hpmnOnly bool
	}{{
		name:   "regular quorum takes the best scoring of all types",
		params: chaincfg.LLMQParams{Type: chaincfg.LLMQTest, Size: 3},
		size:   3,
	}, {
		name:   "regular quorum larger than the list",
		params: chaincfg.LLMQParams{Type: chaincfg.LLMQTest, Size: 10},
		size:   4,
	}, {
		name: "platform quorum only selects high performance nodes",
		params: chaincfg.LLMQParams{Type: chaincfg.LLMQTestPlatform, Size: 3,
			HPMNOnly: true},
		size:     2,
		hpmnOnly: true,
	}}

	for _, test := range tests {
		members := ComputeQuorumMembers(&test.params, list, base)
		require.Len(t, members, test.size, test.name)

		// Selection keeps the score order of the eligible masternodes.
		eligible := eligibleMNs(&test.params, list)
		want := ScoreFuncV1(eligible, QuorumModifier(test.params.Type, base))
		require.Equal(t, proTxHashes(want[:test.size]), proTxHashes(members),
			test.name)

		for _, mn := range members {
			require.NotEqual(t, unconfirmed.ProTxHash, mn.ProTxHash, test.name)
			require.NotEqual(t, banned.ProTxHash, mn.ProTxHash, test.name)
			if test.hpmnOnly {
				require.Equal(t, evo.MnTypeHPMN, mn.Type, test.name)
			}
		}
	}
}

func TestQuorumModifierDependsOnType(t *testing.T) {
	hash := chainhash.HashH([]byte("block"))
	require.NotEqual(t, QuorumModifier(chaincfg.LLMQTest, hash),
		QuorumModifier(chaincfg.LLMQTestInstantSend, hash))
	require.Equal(t, QuorumModifier(chaincfg.LLMQTest, hash),
		QuorumModifier(chaincfg.LLMQTest, hash))
}

func TestComputeRotationMembers(t *testing.T) {
	params, ok := chaincfg.RegressionNetParams.LLMQ(chaincfg.LLMQTestDIP0024)
	require.True(t, ok)
	require.Equal(t, 1, params.QuarterSize())
	require.Equal(t, 2, params.SigningActiveQuorumCount)

	a, b, c, d, e := testMN(1, evo.MnTypeRegular), testMN(2, evo.MnTypeRegular),
		testMN(3, evo.MnTypeRegular), testMN(4, evo.MnTypeRegular),
		testMN(5, evo.MnTypeRegular)
	full := newTestList(t, a, b, c, d)
	quarters := func(qs ...*evo.Masternode) QuarterMembers {
		out := make(QuarterMembers, len(qs))
		for i, mn := range qs {
			out[i] = []*evo.Masternode{mn}
		}
		return out
	}
	hashes := func(mns ...*evo.Masternode) []chainhash.Hash {
		return proTxHashes(mns)
	}

	tests := []struct {
		name     string
		list     *evo.List
		prev     PreviousQuarters
		members  [][]chainhash.Hash
		quarters [][]chainhash.Hash
	}{{
		name:     "first cycle uses the best scoring masternodes",
		list:     full,
		members:  [][]chainhash.Hash{hashes(a), hashes(b)},
		quarters: [][]chainhash.Hash{hashes(a), hashes(b)},
	}, {
		name:     "unused masternodes are preferred",
		list:     full,
		prev:     PreviousQuarters{HMinusC: quarters(a, b)},
		members:  [][]chainhash.Hash{hashes(a, c), hashes(b, d)},
		quarters: [][]chainhash.Hash{hashes(c), hashes(d)},
	}, {
		name: "a quorum skips its own previous members",
		list: full,
		prev: PreviousQuarters{
			HMinusC:  quarters(a, b),
			HMinus2C: quarters(c, d),
		},
		members:  [][]chainhash.Hash{hashes(c, a, b), hashes(d, b, c)},
		quarters: [][]chainhash.Hash{hashes(b), hashes(c)},
	}, {
		name: "quarters of three previous cycles are kept in order",
		list: newTestList(t, a, b, c, d, e),
		prev: PreviousQuarters{
			HMinusC:  quarters(a, b),
			HMinus2C: quarters(c, d),
			HMinus3C: quarters(d, c),
		},
		members:  [][]chainhash.Hash{hashes(d, c, a, e), hashes(c, d, b, a)},
		quarters: [][]chainhash.Hash{hashes(e), hashes(a)},
	}, {
		name:     "removed masternodes only stay in their old quarter",
		list:     full,
		prev:     PreviousQuarters{HMinusC: quarters(e, b)},
		members:  [][]chainhash.Hash{hashes(e, a), hashes(b, c)},
		quarters: [][]chainhash.Hash{hashes(a), hashes(c)},
	}, {
		name:     "no quarters without enough eligible masternodes",
		list:     newTestList(t),
		members:  [][]chainhash.Hash{{}, {}},
		quarters: [][]chainhash.Hash{{}, {}},
	}}

	work := chainhash.HashH([]byte("work block"))
	for _, test := range tests {
		members, newQuarters := computeRotationMembers(byProTxHash, params,
			test.list, work, test.prev)
		require.Len(t, members, params.SigningActiveQuorumCount, test.name)
		require.Len(t, newQuarters, params.SigningActiveQuorumCount, test.name)
		for i := range members {
			require.Equal(t, test.members[i], proTxHashes(members[i]),
				"%s: quorum %d", test.name, i)
			require.Equal(t, test.quarters[i], proTxHashes(newQuarters[i]),
				"%s: quarter %d", test.name, i)
		}
	}
}
