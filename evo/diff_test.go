// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// buildEventfulChain connects blocks that exercise every kind of list
// change: registrations, updates, bans, revivals and removals.
func buildEventfulChain(t *testing.T) *testChain {
	c := newTestChain(t)
	a, b, d, e := newTestKeys(t, "a"), newTestKeys(t, "b"), newTestKeys(t, "d"),
		newTestKeys(t, "e")
	regA := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	regB := newProRegTx(t, c.params, b, MnTypeHPMN, "127.0.0.1:1002")
	c.connect(regA, regB)
	c.connect()

	regD := newProRegTx(t, c.params, d, MnTypeRegular, "127.0.0.1:1003")
	c.connect(regD)

	c.punish = []chainhash.Hash{regA.TxHash()}
	c.connect(newProUpServTx(t, c.mustMN(regB), b, "127.0.0.1:1004", nil))

	// The address released by B is taken over by a new registration.
	regE := newProRegTx(t, c.params, e, MnTypeRegular, "127.0.0.1:1002")
	c.connect(regE, spendTx(c.mustMN(regD).Collateral))

	c.connect(newProUpRevTx(t, c.mustMN(regE), e, RevokeReasonTermination))
	c.connect()
	return c
}

func TestDiffRoundTrip(t *testing.T) {
	c := buildEventfulChain(t)
	for i := 0; i < len(c.lists); i++ {
		for j := i; j < len(c.lists); j++ {
			base, to := c.lists[i], c.lists[j]
			diff := BuildDiff(base, to)

			var decoded ListDiff
			require.NoError(t, decoded.Deserialize(bytes.NewReader(diff.Bytes())))
			require.Equal(t, diff.Bytes(), decoded.Bytes())

			got, err := ApplyDiff(base, &decoded)
			require.NoError(t, err, "diff %d -> %d", i, j)
			require.Equal(t, to.Bytes(), got.Bytes(), "diff %d -> %d", i, j)
			require.Equal(t, to.MerkleRoot(), got.MerkleRoot())
			if i == j {
				require.False(t, diff.HasChanges())
			}
		}
	}
}

func TestDiffRetiredMasternodes(t *testing.T) {
	c := newTestChain(t)
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeRegular, "127.0.0.1:1001")
	c.connect(reg)
	c.connect(spendTx(c.mustMN(reg).Collateral))

	diff := BuildDiff(c.lists[0], c.lists[2])
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)
	require.Equal(t, []chainhash.Hash{reg.TxHash()}, diff.Retired)

	got, err := ApplyDiff(c.lists[0], diff)
	require.NoError(t, err)
	require.True(t, got.WasRegistered(reg.TxHash()))
	require.Equal(t, uint64(1), got.TotalRegistered())
}

func TestApplyDiffWrongBase(t *testing.T) {
	c := buildEventfulChain(t)
	diff := BuildDiff(c.lists[1], c.lists[2])
	_, err := ApplyDiff(c.lists[0], diff)
	var aerr AssertError
	require.ErrorAs(t, err, &aerr)
}

func TestListSerialization(t *testing.T) {
	c := buildEventfulChain(t)
	for _, l := range c.lists {
		got, err := DeserializeList(bytes.NewReader(l.Bytes()))
		require.NoError(t, err)
		require.Equal(t, l.Bytes(), got.Bytes())
		require.Equal(t, l.BlockHash(), got.BlockHash())
		require.Equal(t, l.ValidCount(), got.ValidCount())
	}
}
