// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"sort"

	btcwire "github.com/btcsuite/btcd/wire"
)

// lastPaidHeight returns the height a masternode is ordered by for
// payments.  A revival after the last payment counts as a payment, and a
// masternode that was never paid is ordered by its registration.
func lastPaidHeight(mn *Masternode) int32 {
	h := mn.State.LastPaidHeight
	if mn.State.PoSeRevivedHeight != -1 && mn.State.PoSeRevivedHeight > h {
		h = mn.State.PoSeRevivedHeight
	} else if h == 0 {
		h = mn.State.RegisteredHeight
	}
	return h
}

// lessByLastPaid orders masternodes by payment priority, ties broken by the
// proTxHash bytes.
func lessByLastPaid(a, b *Masternode) bool {
	ah, bh := lastPaidHeight(a), lastPaidHeight(b)
	if ah == bh {
		return bytes.Compare(a.ProTxHash[:], b.ProTxHash[:]) < 0
	}
	return ah < bh
}

// unfinishedHPMN returns the high performance masternode paid in the list's
// block that is still owed consecutive payments.
func (l *List) unfinishedHPMN() *Masternode {
	var found *Masternode
	l.ForEachMN(true, func(mn *Masternode) bool {
		if mn.State.LastPaidHeight == l.height && mn.Type == MnTypeHPMN &&
			int(mn.State.ConsecutivePayments) < mn.Type.VotingWeight() {
			found = mn
			return false
		}
		return true
	})
	return found
}

// GetMNPayee returns the masternode to be paid in the block that follows the
// list's block.  Until the masternode reward reallocation is active a high
// performance masternode is paid several blocks in a row.
func (l *List) GetMNPayee(mnrrActive bool) *Masternode {
	if l.mns.Len() == 0 {
		return nil
	}
	if !mnrrActive {
		if mn := l.unfinishedHPMN(); mn != nil {
			return mn
		}
	}
	var best *Masternode
	l.ForEachMN(true, func(mn *Masternode) bool {
		if best == nil || lessByLastPaid(mn, best) {
			best = mn
		}
		return true
	})
	return best
}

// GetProjectedMNPayees returns the payees of the next n blocks assuming the
// list does not change.
func (l *List) GetProjectedMNPayees(n int, mnrrActive bool) []*Masternode {
	if n <= 0 {
		return nil
	}
	weighted := l.ValidWeightedCount()
	if mnrrActive {
		weighted = l.ValidCount()
	}
	if n > weighted {
		n = weighted
	}

	result := make([]*Masternode, 0, weighted)
	var (
		skip      *Masternode
		remaining int
	)
	if !mnrrActive {
		if mn := l.unfinishedHPMN(); mn != nil {
			skip = mn
			remaining = mn.Type.VotingWeight() - int(mn.State.ConsecutivePayments)
			for i := 0; i < remaining; i++ {
				result = append(result, mn)
			}
		}
	}
	l.ForEachMN(true, func(mn *Masternode) bool {
		if mn == skip {
			return true
		}
		weight := mn.Type.VotingWeight()
		if mnrrActive {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			result = append(result, mn)
		}
		return true
	})
	if skip != nil {
		for i := 0; i < int(skip.State.ConsecutivePayments); i++ {
			result = append(result, skip)
		}
	}
	tail := result[remaining:]
	sort.SliceStable(tail, func(i, j int) bool {
		return lessByLastPaid(tail[i], tail[j])
	})
	return result[:n]
}

// PayoutsForBlock returns the coinbase outputs paying the masternode share
// of the block that follows the list's block.  The operator receives its
// reward when it set a payout script, the rest is split across the owner's
// payout shares with the rounding remainder going to the first share.
func PayoutsForBlock(l *List, mnrrActive bool, mnAmount int64) []*btcwire.TxOut {
	payee := l.GetMNPayee(mnrrActive)
	if payee == nil || mnAmount <= 0 {
		return nil
	}
	return Payouts(payee, mnAmount)
}

// Payouts splits mnAmount across the payees of mn.
func Payouts(mn *Masternode, mnAmount int64) []*btcwire.TxOut {
	var opAmount int64
	if mn.OperatorReward != 0 && len(mn.State.OperatorPayoutScript) != 0 {
		opAmount = mnAmount * int64(mn.OperatorReward) / RewardBasisPoints
	}
	ownerAmount := mnAmount - opAmount

	shares := mn.State.PayoutShares
	amounts := make([]int64, len(shares))
	var paid int64
	for i, s := range shares {
		amounts[i] = ownerAmount * int64(s.Reward) / RewardBasisPoints
		paid += amounts[i]
	}
	if len(amounts) > 0 {
		amounts[0] += ownerAmount - paid
	}

	outs := make([]*btcwire.TxOut, 0, len(shares)+1)
	for i, s := range shares {
		if amounts[i] == 0 {
			continue
		}
		outs = append(outs, btcwire.NewTxOut(amounts[i],
			append([]byte(nil), s.Script...)))
	}
	if opAmount > 0 {
		outs = append(outs, btcwire.NewTxOut(opAmount,
			append([]byte(nil), mn.State.OperatorPayoutScript...)))
	}
	return outs
}
