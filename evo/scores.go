// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ScoredMN is a masternode together with its score for a quorum modifier.
type ScoredMN struct {
	MN    *Masternode
	Score chainhash.Hash
}

// CompareHashNumeric compares two hashes as little endian 256-bit numbers.
func CompareHashNumeric(a, b *chainhash.Hash) int {
	for i := chainhash.HashSize - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// QuorumScore returns the score of mn for modifier.
func QuorumScore(mn *Masternode, modifier *chainhash.Hash) chainhash.Hash {
	base := mn.confirmedHashWithProRegTxHash()
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], base[:])
	copy(buf[chainhash.HashSize:], modifier[:])
	return chainhash.HashH(buf[:])
}

// CalculateScores scores every valid masternode that has a confirmed hash.
// Masternodes younger than the confirmation depth are not eligible since
// their score could still be ground by the registering party.
func (l *List) CalculateScores(modifier chainhash.Hash, hpmnOnly bool) []ScoredMN {
	scores := make([]ScoredMN, 0, l.mns.Len())
	l.ForEachMN(true, func(mn *Masternode) bool {
		if mn.State.ConfirmedHash == (chainhash.Hash{}) {
			return true
		}
		if hpmnOnly && mn.Type != MnTypeHPMN {
			return true
		}
		scores = append(scores, ScoredMN{MN: mn, Score: QuorumScore(mn, &modifier)})
		return true
	})
	return scores
}

// SortScores orders scored masternodes by descending score.  Equal scores
// fall back to the proTxHash bytes.
func SortScores(scores []ScoredMN) {
	sort.Slice(scores, func(i, j int) bool {
		c := CompareHashNumeric(&scores[i].Score, &scores[j].Score)
		if c != 0 {
			return c > 0
		}
		return bytes.Compare(scores[i].MN.ProTxHash[:], scores[j].MN.ProTxHash[:]) < 0
	})
}

// CalculateQuorum returns the n highest scoring masternodes for modifier.
func (l *List) CalculateQuorum(n int, modifier chainhash.Hash, hpmnOnly bool) []*Masternode {
	scores := l.CalculateScores(modifier, hpmnOnly)
	SortScores(scores)
	if n > len(scores) {
		n = len(scores)
	}
	mns := make([]*Masternode, n)
	for i := range mns {
		mns[i] = scores[i].MN
	}
	return mns
}
