// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestCompareHashNumeric(t *testing.T) {
	var a, b chainhash.Hash
	require.Equal(t, 0, CompareHashNumeric(&a, &b))

	// The last byte is the most significant one.
	a[0] = 0xff
	b[31] = 0x01
	require.Equal(t, -1, CompareHashNumeric(&a, &b))
	require.Equal(t, 1, CompareHashNumeric(&b, &a))
}

func TestCalculateQuorum(t *testing.T) {
	c := newTestChain(t)
	var regs []*Masternode
	for i := 0; i < 8; i++ {
		keys := newTestKeys(t, fmt.Sprintf("mn%d", i))
		c.connect(newProRegTx(t, c.params, keys, MnTypeRegular,
			fmt.Sprintf("127.0.0.1:%d", 2000+i)))
	}
	c.connect()
	c.connect()
	c.list.ForEachMN(true, func(mn *Masternode) bool {
		regs = append(regs, mn)
		return true
	})
	require.Len(t, regs, 8)

	modifier := chainhash.HashH([]byte("modifier"))
	quorum := c.list.CalculateQuorum(5, modifier, false)
	require.Len(t, quorum, 5)
	require.Equal(t, quorum, c.list.CalculateQuorum(5, modifier, false))

	// Members are ordered by descending score.
	for i := 1; i < len(quorum); i++ {
		prev := QuorumScore(quorum[i-1], &modifier)
		cur := QuorumScore(quorum[i], &modifier)
		require.Equal(t, 1, CompareHashNumeric(&prev, &cur))
	}

	// Another modifier yields another selection order.
	other := c.list.CalculateQuorum(8, chainhash.HashH([]byte("other")), false)
	require.Len(t, other, 8)
	all := c.list.CalculateQuorum(8, modifier, false)
	require.NotEqual(t, all, other)

	// No HPMN is registered.
	require.Empty(t, c.list.CalculateQuorum(5, modifier, true))
}
