// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"testing"

	"github.com/mndnet/mnd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestBlockSubsidy ensures the subsidy loses a fourteenth every reduction
// interval and that the treasury share is withheld from superblocks on.
func TestBlockSubsidy(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	cache := NewSubsidyCache(params)

	base := params.BaseSubsidy
	interval := int32(params.SubsidyReductionInterval)
	require.Equal(t, base, cache.CalcBlockSubsidy(0))
	require.Equal(t, base, cache.CalcBlockSubsidy(interval-1))

	want := base
	for i := int32(1); i <= 12; i++ {
		want -= want / subsidyDecreaseDivisor
		require.Equal(t, want, cache.CalcBlockSubsidy(i*interval), "interval %d", i)
		require.Equal(t, want, cache.CalcBlockSubsidy(i*interval+interval-1))
	}

	// A cold cache computes the same values out of order.
	cold := NewSubsidyCache(params)
	require.Equal(t, cache.CalcBlockSubsidy(12*interval), cold.CalcBlockSubsidy(12*interval))
	require.Equal(t, cache.CalcBlockSubsidy(3*interval), cold.CalcBlockSubsidy(3*interval))

	start := int32(params.SuperblockStartHeight)
	subsidy := cache.CalcBlockSubsidy(start - 1)
	require.Equal(t, subsidy, cache.CalcBlockValue(start-1))
	subsidy = cache.CalcBlockSubsidy(start)
	require.Equal(t, subsidy-subsidy/treasuryDivisor, cache.CalcBlockValue(start))
}

// TestSuperblocks ensures superblocks are placed every cycle from the start
// height on and are funded with the withheld treasury share of a cycle.
func TestSuperblocks(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	cache := NewSubsidyCache(params)
	start := int32(params.SuperblockStartHeight)
	cycle := int32(params.SuperblockCycle)

	require.False(t, IsSuperblock(params, start-cycle))
	require.True(t, IsSuperblock(params, start))
	require.False(t, IsSuperblock(params, start+1))
	require.True(t, IsSuperblock(params, start+cycle))

	require.Zero(t, cache.CalcSuperblockBudget(start+1))
	want := cache.CalcBlockSubsidy(start) / treasuryDivisor * int64(cycle)
	require.Equal(t, want, cache.CalcSuperblockBudget(start))
}

// TestMasternodePayment ensures the masternode share follows the
// reallocation schedule.
func TestMasternodePayment(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	const blockValue = 100000
	cycle := int32(params.SuperblockCycle)

	// Inactive reallocation pays half of the block value.
	require.Equal(t, int64(50000), MasternodePayment(params, 5000, blockValue, -1))

	// Activated at 505, so the first step starts with the next cycle.
	reallocHeight := int32(505)
	reallocStart := int32(510)
	require.Equal(t, int64(50000), MasternodePayment(params, 505, blockValue, reallocHeight))
	require.Equal(t, int64(50000), MasternodePayment(params, reallocStart-1, blockValue, reallocHeight))

	for i, perMille := range reallocPeriods {
		first := reallocStart + int32(i)*cycle*3
		last := first + cycle*3 - 1
		want := blockValue * perMille / 1000
		require.Equal(t, want, MasternodePayment(params, first, blockValue, reallocHeight),
			"period %d", i)
		require.Equal(t, want, MasternodePayment(params, last, blockValue, reallocHeight),
			"period %d", i)
	}

	// The share converges to 60% and stays there.
	require.Len(t, reallocPeriods, 19)
	require.Equal(t, int64(60000), MasternodePayment(params, 100000, blockValue, reallocHeight))

	// The share never decreases over the schedule.
	prev := int64(0)
	for h := reallocStart; h < reallocStart+cycle*3*20; h++ {
		got := MasternodePayment(params, h, blockValue, reallocHeight)
		require.GreaterOrEqual(t, got, prev, "height %d", h)
		prev = got
	}
}
