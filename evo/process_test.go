// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndConfirm(t *testing.T) {
	c := newTestChain(t)
	a, b, d := newTestKeys(t, "a"), newTestKeys(t, "b"), newTestKeys(t, "d")
	regA := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	regB := newProRegTx(t, c.params, b, MnTypeRegular, "127.0.0.1:1002")
	regD := newProRegTx(t, c.params, d, MnTypeHPMN, "127.0.0.1:1003")

	l := c.connect(regA, regB, regD)
	require.Equal(t, 3, l.Count())
	require.Equal(t, 3, l.ValidCount())
	require.Equal(t, 6, l.ValidWeightedCount())
	require.Equal(t, uint64(3), l.TotalRegistered())

	for i, tx := range []*wire.MsgTx{regA, regB, regD} {
		mn := c.mustMN(tx)
		require.Equal(t, uint64(i), mn.InternalID)
		require.Equal(t, btcwire.OutPoint{Hash: tx.TxHash(), Index: 0}, mn.Collateral)
		require.Equal(t, int32(1), mn.State.RegisteredHeight)
		byID, ok := l.GetMNByInternalID(uint64(i))
		require.True(t, ok)
		require.Equal(t, mn.ProTxHash, byID.ProTxHash)
	}
	mn, ok := l.GetMNByCollateral(btcwire.OutPoint{Hash: regB.TxHash()})
	require.True(t, ok)
	require.Equal(t, regB.TxHash(), mn.ProTxHash)
	mn, ok = l.GetMNByOperatorKey(d.operatorPub())
	require.True(t, ok)
	require.Equal(t, MnTypeHPMN, mn.Type)
	_, ok = l.GetMNByAddress("127.0.0.1:1001")
	require.True(t, ok)

	// Nothing is confirmed before the confirmation depth is reached, so no
	// masternode is eligible for quorums yet.
	l = c.connect()
	require.Empty(t, l.CalculateScores(chainhash.Hash{}, false))

	l = c.connect()
	confirmedAt := c.blocks[1].BlockHash()
	l.ForEachMN(false, func(mn *Masternode) bool {
		require.Equal(t, confirmedAt, mn.State.ConfirmedHash)
		return true
	})
	require.Len(t, l.CalculateScores(chainhash.Hash{}, false), 3)
	require.Len(t, l.CalculateScores(chainhash.Hash{}, true), 1)

	// The previous lists were not touched.
	require.Equal(t, 0, c.lists[0].Count())
	c.lists[2].ForEachMN(false, func(mn *Masternode) bool {
		require.Equal(t, chainhash.Hash{}, mn.State.ConfirmedHash)
		return true
	})
}

func TestRegistrationRejections(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *testChain, a *testKeys) *wire.MsgTx
		code  ErrorCode
	}{{
		name: "duplicate address",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			return newProRegTx(t, c.params, newTestKeys(t, "b"), MnTypeRegular, "127.0.0.1:1001")
		},
		code: ErrDuplicateAddress,
	}, {
		name: "duplicate operator key",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			b.operator = a.operator
			return newProRegTx(t, c.params, b, MnTypeRegular, "127.0.0.1:1002")
		},
		code: ErrDuplicateKey,
	}, {
		name: "duplicate owner key",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			b.owner = a.owner
			return newProRegTx(t, c.params, b, MnTypeRegular, "127.0.0.1:1002")
		},
		code: ErrDuplicateKey,
	}, {
		name: "insufficient collateral",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxVersion,
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral-1, "short")
		},
		code: ErrBadCollateral,
	}, {
		name: "HPMN with regular collateral",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxVersion,
				Type:           MnTypeHPMN,
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "hpmn")
		},
		code: ErrBadCollateral,
	}, {
		name: "collateral index out of range",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxVersion,
				Collateral:     btcwire.OutPoint{Index: 1},
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "index")
		},
		code: ErrBadCollateral,
	}, {
		name: "external collateral",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxVersion,
				Collateral:     btcwire.OutPoint{Hash: chainhash.HashH([]byte("elsewhere"))},
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "external")
		},
		code: ErrExternalCollateral,
	}, {
		name: "inputs hash mismatch",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			tx := newProRegTx(t, c.params, newTestKeys(t, "b"), MnTypeRegular, "127.0.0.1:1002")
			tx.TxIn[0].PreviousOutPoint.Index = 7
			return tx
		},
		code: ErrBadInputsHash,
	}, {
		name: "signed internal collateral",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxVersion,
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
				Sig:            []byte{1, 2, 3},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "signed")
		},
		code: ErrBadSignature,
	}, {
		name: "payout shares below 100%",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			p := &ProRegTx{
				Version:        ProTxMultiPayeeVersion,
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares: []PayoutShare{
					{Script: b.payout, Reward: 6000},
					{Script: a.payout, Reward: 3000},
				},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "shares")
		},
		code: ErrBadPayee,
	}, {
		name: "payout to owner key",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			owner := keyID(b.owner.PubKey())
			p := &ProRegTx{
				Version:        ProTxVersion,
				KeyIDOwner:     owner,
				PubKeyOperator: b.operatorPub(),
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: p2pkhScript(t, owner), Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "reuse")
		},
		code: ErrPayeeReuse,
	}, {
		name: "invalid operator key",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			b := newTestKeys(t, "b")
			var bad wire.BLSPublicKey
			for i := range bad {
				bad[i] = 0x01
			}
			p := &ProRegTx{
				Version:        ProTxVersion,
				KeyIDOwner:     keyID(b.owner.PubKey()),
				PubKeyOperator: bad,
				KeyIDVoting:    b.voting,
				PayoutShares:   []PayoutShare{{Script: b.payout, Reward: RewardBasisPoints}},
			}
			return buildProRegTx(c.params, p, c.params.MasternodeCollateral, "badkey")
		},
		code: ErrInvalidOperatorKey,
	}, {
		name: "bad address",
		build: func(c *testChain, a *testKeys) *wire.MsgTx {
			return newProRegTx(t, c.params, newTestKeys(t, "b"), MnTypeRegular, "no port")
		},
		code: ErrBadAddress,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestChain(t)
			a := newTestKeys(t, "a")
			c.connect(newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001"))
			before := c.list

			err := c.tryConnect(test.build(c, a))
			requireRuleError(t, err, test.code)
			require.Same(t, before, c.list)
			require.Equal(t, 1, c.list.Count())
		})
	}
}

func TestProviderTxBeforeActivation(t *testing.T) {
	c := newTestChain(t)
	c.params.DIP0003Height = 5
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeRegular, "127.0.0.1:1001")
	err := c.tryConnect(reg)
	require.Error(t, err)
}

func TestHPMNNotAllowed(t *testing.T) {
	c := newTestChain(t)
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeHPMN, "127.0.0.1:1001")
	block := c.makeBlock(chainhash.Hash{}, reg)
	ctx := c.context(block)
	ctx.Flags.HPMNAllowed = false
	_, err := ApplyBlock(c.params, c.list, block, ctx)
	requireRuleError(t, err, ErrBadMasternodeType)
}

func TestCollateralSpend(t *testing.T) {
	c := newTestChain(t)
	a, b := newTestKeys(t, "a"), newTestKeys(t, "b")
	regA := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	regB := newProRegTx(t, c.params, b, MnTypeRegular, "127.0.0.1:1002")
	c.connect(regA, regB)

	l := c.connect(spendTx(c.mustMN(regA).Collateral))
	require.Equal(t, 1, l.Count())
	_, ok := l.GetMN(regA.TxHash())
	require.False(t, ok)
	require.True(t, l.WasRegistered(regA.TxHash()))
	_, ok = l.GetMNByAddress("127.0.0.1:1001")
	require.False(t, ok, "unique properties of a removed masternode are released")

	// A removed masternode can never come back under the same hash.
	err := c.tryConnect(regA)
	requireRuleError(t, err, ErrDuplicateProTx)

	// Its address and keys are free for a new registration though.
	p, err := ProRegTxFromTx(regA)
	require.NoError(t, err)
	regA2 := buildProRegTx(c.params, p, c.params.MasternodeCollateral, "second life")
	l = c.connect(regA2)
	require.Equal(t, 2, l.Count())
	require.Equal(t, uint64(2), c.mustMN(regA2).InternalID)
}

func TestCollateralSpentInRegistrationBlock(t *testing.T) {
	c := newTestChain(t)
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeRegular, "127.0.0.1:1001")
	l := c.connect(reg, spendTx(btcwire.OutPoint{Hash: reg.TxHash()}))
	require.Equal(t, 0, l.Count())
	require.True(t, l.WasRegistered(reg.TxHash()))
	require.Equal(t, uint64(1), l.TotalRegistered())
}

func TestPayeeOrder(t *testing.T) {
	c := newTestChain(t)
	var regs []*wire.MsgTx
	for i, seed := range []string{"a", "b", "d", "e"} {
		addr := "127.0.0.1:" + string(rune('1'+i)) + "000"
		regs = append(regs, newProRegTx(t, c.params, newTestKeys(t, seed), MnTypeRegular, addr))
	}
	l := c.connect(regs...)

	// Every masternode was registered at the same height, so the payment
	// order falls back to the proTxHash bytes.
	projected := l.GetProjectedMNPayees(10, false)
	require.Len(t, projected, 4)
	require.True(t, sort.SliceIsSorted(projected, func(i, j int) bool {
		return bytes.Compare(projected[i].ProTxHash[:], projected[j].ProTxHash[:]) < 0
	}), spew.Sdump(projected))

	for round := 0; round < 2; round++ {
		for i := range projected {
			want := c.list.GetMNPayee(false)
			c.connect()
			paid := c.payee()
			require.NotNil(t, paid)
			require.Equal(t, want.ProTxHash, paid.ProTxHash)
			require.Equal(t, projected[i].ProTxHash, paid.ProTxHash,
				"round %d payment %d", round, i)
		}
	}
}

func TestHPMNConsecutivePayments(t *testing.T) {
	c := newTestChain(t)
	regHPMN := newProRegTx(t, c.params, newTestKeys(t, "h"), MnTypeHPMN, "127.0.0.1:1001")
	regMN := newProRegTx(t, c.params, newTestKeys(t, "r"), MnTypeRegular, "127.0.0.1:1002")
	c.connect(regHPMN, regMN)

	counts := make(map[MnType]int)
	run := 0
	var last *Masternode
	for i := 0; i < 10; i++ {
		c.connect()
		paid := c.payee()
		counts[paid.Type]++
		if last != nil && last.ProTxHash == paid.ProTxHash {
			run++
		} else {
			run = 1
		}
		require.LessOrEqual(t, run, paid.Type.VotingWeight())
		last = paid
	}
	require.Equal(t, 8, counts[MnTypeHPMN])
	require.Equal(t, 2, counts[MnTypeRegular])

	// With the reward reallocation every masternode gets a single payment
	// per turn.
	c.mnrr = true
	counts = make(map[MnType]int)
	last = nil
	for i := 0; i < 10; i++ {
		c.connect()
		paid := c.payee()
		counts[paid.Type]++
		if last != nil {
			require.NotEqual(t, last.ProTxHash, paid.ProTxHash)
		}
		last = paid
	}
	require.Equal(t, 5, counts[MnTypeHPMN])
	require.Equal(t, 5, counts[MnTypeRegular])
	require.Equal(t, int32(0), c.mustMN(regHPMN).State.ConsecutivePayments)
}

func TestPoSePunishAndRevive(t *testing.T) {
	c := newTestChain(t)
	a, b, d := newTestKeys(t, "a"), newTestKeys(t, "b"), newTestKeys(t, "d")
	regA := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	c.connect(regA,
		newProRegTx(t, c.params, b, MnTypeRegular, "127.0.0.1:1002"),
		newProRegTx(t, c.params, d, MnTypeRegular, "127.0.0.1:1003"))

	c.punish = []chainhash.Hash{regA.TxHash(), chainhash.HashH([]byte("unknown"))}
	c.connect()
	mn := c.mustMN(regA)
	require.Equal(t, int32(66), mn.State.PoSePenalty)
	require.True(t, mn.IsValid())

	c.connect()
	require.Equal(t, int32(65), c.mustMN(regA).State.PoSePenalty)

	c.punish = []chainhash.Hash{regA.TxHash()}
	l := c.connect()
	mn = c.mustMN(regA)
	require.Equal(t, int32(100), mn.State.PoSePenalty)
	require.Equal(t, l.Height(), mn.State.PoSeBanHeight)
	require.False(t, mn.IsValid())
	require.Equal(t, 2, l.ValidCount())

	// Banned masternodes keep their penalty and are never paid.
	for i := 0; i < 3; i++ {
		c.connect()
		require.NotEqual(t, regA.TxHash(), c.payee().ProTxHash)
	}
	require.Equal(t, int32(100), c.mustMN(regA).State.PoSePenalty)

	l = c.connect(newProUpServTx(t, c.mustMN(regA), a, "127.0.0.1:2001", nil))
	mn = c.mustMN(regA)
	require.True(t, mn.IsValid())
	require.Equal(t, int32(0), mn.State.PoSePenalty)
	require.Equal(t, l.Height(), mn.State.PoSeRevivedHeight)
	require.Equal(t, "127.0.0.1:2001", mn.State.Address)
	require.Equal(t, 3, l.ValidCount())
}

func TestEmptyAddressStartsBanned(t *testing.T) {
	c := newTestChain(t)
	a := newTestKeys(t, "a")
	reg := newProRegTx(t, c.params, a, MnTypeRegular, "")
	l := c.connect(reg)
	require.Equal(t, 0, l.ValidCount())
	require.Nil(t, l.GetMNPayee(false))

	c.connect(newProUpServTx(t, c.mustMN(reg), a, "127.0.0.1:1001", nil))
	require.True(t, c.mustMN(reg).IsValid())
}

func TestProUpRegTxOperatorChange(t *testing.T) {
	c := newTestChain(t)
	a := newTestKeys(t, "a")
	reg := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	c.connect(reg)

	// A registrar update must be signed by the owner.
	impostor := newTestKeys(t, "x")
	impostor.voting = a.voting
	err := c.tryConnect(newProUpRegTx(t, c.mustMN(reg), impostor, a.operatorPub()))
	requireRuleError(t, err, ErrBadSignature)

	// Keeping the operator key only updates the registrar fields.
	a.voting = wire.KeyID{9}
	c.connect(newProUpRegTx(t, c.mustMN(reg), a, a.operatorPub()))
	mn := c.mustMN(reg)
	require.True(t, mn.IsValid())
	require.Equal(t, wire.KeyID{9}, mn.State.KeyIDVoting)

	// A new operator bans the masternode until it announces its service.
	n := newTestKeys(t, "n")
	l := c.connect(newProUpRegTx(t, c.mustMN(reg), a, n.operatorPub()))
	mn = c.mustMN(reg)
	require.False(t, mn.IsValid())
	require.Equal(t, l.Height(), mn.State.PoSeBanHeight)
	require.Empty(t, mn.State.Address)
	require.Equal(t, n.operatorPub(), mn.State.PubKeyOperator)

	// The old operator can no longer sign.
	err = c.tryConnect(newProUpServTx(t, mn, a, "127.0.0.1:1001", nil))
	requireRuleError(t, err, ErrBadSignature)

	operator := *a
	operator.operator = n.operator
	c.connect(newProUpServTx(t, mn, &operator, "127.0.0.1:1001", nil))
	require.True(t, c.mustMN(reg).IsValid())
}

func TestProUpRevTx(t *testing.T) {
	c := newTestChain(t)
	a := newTestKeys(t, "a")
	reg := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	c.connect(reg)

	l := c.connect(newProUpRevTx(t, c.mustMN(reg), a, RevokeReasonCompromisedKeys))
	mn := c.mustMN(reg)
	require.False(t, mn.IsValid())
	require.Equal(t, l.Height(), mn.State.PoSeBanHeight)
	require.Equal(t, RevokeReasonCompromisedKeys, mn.State.RevocationReason)
	require.True(t, mn.State.PubKeyOperator.IsNull())
	require.Empty(t, mn.State.Address)

	// Without an operator key nothing can be signed until the owner sets a
	// new one.
	err := c.tryConnect(newProUpServTx(t, mn, a, "127.0.0.1:1001", nil))
	requireRuleError(t, err, ErrBadSignature)
}

func TestUnknownProTx(t *testing.T) {
	c := newTestChain(t)
	a := newTestKeys(t, "a")
	ghost := &Masternode{
		ProTxHash: chainhash.HashH([]byte("ghost")),
		State:     &State{PoSeBanHeight: -1, PoSeRevivedHeight: -1},
	}
	err := c.tryConnect(newProUpServTx(t, ghost, a, "127.0.0.1:1001", nil))
	requireRuleError(t, err, ErrUnknownProTx)
	err = c.tryConnect(newProUpRegTx(t, ghost, a, a.operatorPub()))
	requireRuleError(t, err, ErrUnknownProTx)
	err = c.tryConnect(newProUpRevTx(t, ghost, a, RevokeReasonNotSpecified))
	requireRuleError(t, err, ErrUnknownProTx)
}

func TestMultiPayeePayouts(t *testing.T) {
	c := newTestChain(t)
	a, b := newTestKeys(t, "a"), newTestKeys(t, "b")
	p := &ProRegTx{
		Version:        ProTxMultiPayeeVersion,
		Address:        "127.0.0.1:1001",
		KeyIDOwner:     keyID(a.owner.PubKey()),
		PubKeyOperator: a.operatorPub(),
		KeyIDVoting:    a.voting,
		OperatorReward: 1000,
		PayoutShares: []PayoutShare{
			{Script: a.payout, Reward: 7000},
			{Script: b.payout, Reward: 3000},
		},
	}
	reg := buildProRegTx(c.params, p, c.params.MasternodeCollateral, "multi")
	c.connect(reg)
	require.Len(t, c.mustMN(reg).State.PayoutShares, 2)

	// Without an operator payout script the owners receive everything.
	outs := PayoutsForBlock(c.list, false, 1000)
	require.Len(t, outs, 2)
	require.Equal(t, int64(700), outs[0].Value)
	require.Equal(t, int64(300), outs[1].Value)

	opScript := p2pkhScript(t, wire.KeyID{7})
	c.connect(newProUpServTx(t, c.mustMN(reg), a, "127.0.0.1:1001", opScript))
	outs = PayoutsForBlock(c.list, false, 1001)
	require.Len(t, outs, 3, spew.Sdump(outs))
	require.Equal(t, int64(631), outs[0].Value)
	require.Equal(t, a.payout, outs[0].PkScript)
	require.Equal(t, int64(270), outs[1].Value)
	require.Equal(t, b.payout, outs[1].PkScript)
	require.Equal(t, int64(100), outs[2].Value)
	require.Equal(t, opScript, outs[2].PkScript)

	var total int64
	for _, out := range outs {
		total += out.Value
	}
	require.Equal(t, int64(1001), total)
}

func TestMultiPayeeNotAllowed(t *testing.T) {
	c := newTestChain(t)
	a, b := newTestKeys(t, "a"), newTestKeys(t, "b")
	p := &ProRegTx{
		Version:        ProTxMultiPayeeVersion,
		Address:        "127.0.0.1:1001",
		KeyIDOwner:     keyID(a.owner.PubKey()),
		PubKeyOperator: a.operatorPub(),
		KeyIDVoting:    a.voting,
		PayoutShares: []PayoutShare{
			{Script: a.payout, Reward: 5000},
			{Script: b.payout, Reward: 5000},
		},
	}
	reg := buildProRegTx(c.params, p, c.params.MasternodeCollateral, "multi")
	block := c.makeBlock(chainhash.Hash{}, reg)
	ctx := c.context(block)
	ctx.Flags.MultiPayeeAllowed = false
	_, err := ApplyBlock(c.params, c.list, block, ctx)
	requireRuleError(t, err, ErrBadPayload)
}

func TestOperatorPayoutWithoutReward(t *testing.T) {
	c := newTestChain(t)
	a := newTestKeys(t, "a")
	reg := newProRegTx(t, c.params, a, MnTypeRegular, "127.0.0.1:1001")
	c.connect(reg)
	opScript := p2pkhScript(t, wire.KeyID{7})
	err := c.tryConnect(newProUpServTx(t, c.mustMN(reg), a, "127.0.0.1:1001", opScript))
	requireRuleError(t, err, ErrBadPayee)
}

func TestCheckCbTx(t *testing.T) {
	c := newTestChain(t)
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeRegular, "127.0.0.1:1001")
	l := c.connect(reg)
	block := c.blocks[0]

	cb, err := CheckCbTx(c.params, block, 1, l)
	require.NoError(t, err)
	require.Equal(t, uint32(1), cb.Height)
	require.Equal(t, l.MerkleRoot(), cb.MerkleRootMNList)

	_, err = CheckCbTx(c.params, block, 2, l)
	requireRuleError(t, err, ErrBadCbTx)

	_, err = CheckCbTx(c.params, block, 1, c.lists[0])
	requireRuleError(t, err, ErrBadMerkleRootMNList)

	plain := wire.NewMsgTx(wire.TxTypeNormal)
	plain.AddTxIn(block.Transactions[0].TxIn[0])
	plain.AddTxOut(btcwire.NewTxOut(1, []byte{txscript.OP_TRUE}))
	noPayload := &wire.MsgBlock{
		Header:       block.Header,
		Transactions: []*wire.MsgTx{plain},
	}
	_, err = CheckCbTx(c.params, noPayload, 1, l)
	requireRuleError(t, err, ErrBadCbTx)
}

func TestApplyBlockWrongParent(t *testing.T) {
	c := newTestChain(t)
	c.connect()
	block := c.blocks[0]
	_, err := ApplyBlock(c.params, c.list, block, c.context(block))
	var aerr AssertError
	require.ErrorAs(t, err, &aerr)
}
