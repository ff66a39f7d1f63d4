// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/database/engine/leveldb"
	"github.com/stretchr/testify/require"
)

func TestManagerReplay(t *testing.T) {
	c := buildEventfulChain(t)
	db := leveldb.NewMemDB()
	defer db.Close()

	m, err := NewManager(c.params, db)
	require.NoError(t, err)
	require.Equal(t, c.params.GenesisHash, m.Tip().BlockHash())

	for i, block := range c.blocks {
		l, cb, err := m.ProcessBlock(block, c.contexts[i])
		require.NoError(t, err)
		require.Equal(t, c.lists[i+1].Bytes(), l.Bytes(), "height %d", i+1)
		require.Equal(t, uint32(i+1), cb.Height)
	}
	tip := c.lists[len(c.lists)-1]
	require.Equal(t, tip.Bytes(), m.Tip().Bytes())

	// A fresh manager on the same storage rebuilds every list from the
	// stored diffs.
	m2, err := NewManager(c.params, db)
	require.NoError(t, err)
	for i, want := range c.lists {
		got, err := m2.ListForBlock(want.BlockHash())
		require.NoError(t, err)
		require.Equal(t, want.Bytes(), got.Bytes(), "height %d", i)
	}

	diff, err := m2.GetListDiff(c.lists[1].BlockHash(), tip.BlockHash())
	require.NoError(t, err)
	var decoded ListDiff
	require.NoError(t, decoded.Deserialize(bytes.NewReader(diff.Bytes())))
	got, err := ApplyDiff(c.lists[1], &decoded)
	require.NoError(t, err)
	require.Equal(t, tip.Bytes(), got.Bytes())

	_, err = m2.ListForBlock(chainhash.HashH([]byte("unknown")))
	requireRuleError(t, err, ErrUnknownBlock)
}

func TestManagerRejectsBadBlock(t *testing.T) {
	c := newTestChain(t)
	reg := newProRegTx(t, c.params, newTestKeys(t, "a"), MnTypeRegular, "127.0.0.1:1001")
	db := leveldb.NewMemDB()
	defer db.Close()
	m, err := NewManager(c.params, db)
	require.NoError(t, err)

	// The coinbase commits to an empty list while the block registers a
	// masternode.
	block := c.makeBlock(chainhash.Hash{}, reg)
	_, _, err = m.ProcessBlock(block, c.context(block))
	requireRuleError(t, err, ErrBadMerkleRootMNList)
	require.Equal(t, 0, m.Tip().Count())
	_, err = m.ListForBlock(block.BlockHash())
	requireRuleError(t, err, ErrUnknownBlock)
}

func TestManagerRemoveAndReset(t *testing.T) {
	c := buildEventfulChain(t)
	db := leveldb.NewMemDB()
	defer db.Close()
	m, err := NewManager(c.params, db)
	require.NoError(t, err)
	for i, block := range c.blocks {
		_, _, err := m.ProcessBlock(block, c.contexts[i])
		require.NoError(t, err)
	}

	last := c.blocks[len(c.blocks)-1]
	require.NoError(t, m.RemoveBlock(last.BlockHash(), last.Header.PrevBlock))
	require.Equal(t, c.lists[len(c.lists)-2].Bytes(), m.Tip().Bytes())
	_, err = m.ListForBlock(last.BlockHash())
	requireRuleError(t, err, ErrUnknownBlock)

	require.NoError(t, m.SetTip(c.lists[2].BlockHash()))
	require.Equal(t, c.lists[2].Bytes(), m.Tip().Bytes())

	require.NoError(t, m.Reset())
	require.Equal(t, c.params.GenesisHash, m.Tip().BlockHash())
	_, err = m.ListForBlock(c.blocks[0].BlockHash())
	requireRuleError(t, err, ErrUnknownBlock)

	// The chain can be replayed after a reset.
	for i, block := range c.blocks {
		_, _, err := m.ProcessBlock(block, c.contexts[i])
		require.NoError(t, err)
	}
	require.Equal(t, c.lists[len(c.lists)-1].Bytes(), m.Tip().Bytes())
}
