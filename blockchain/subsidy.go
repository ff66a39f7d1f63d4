// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"

	"github.com/mndnet/mnd/chaincfg"
)

const (
	// subsidyDecreaseDivisor is the fraction of the subsidy removed after
	// each reduction interval.
	subsidyDecreaseDivisor = 14

	// treasuryDivisor is the fraction of the subsidy set aside for
	// superblocks once they are enabled.
	treasuryDivisor = 10

	// preReallocPerMille is the masternode share of the block value before
	// the reward reallocation activates.
	preReallocPerMille = 500
)

// reallocPeriods is the masternode share of the block value in per mille for
// each reallocation step.  Each step lasts three superblock cycles and the
// last one holds forever.
var reallocPeriods = []int64{
	513, 526, 533, 540, 546, 552, 557, 562, 567, 572,
	577, 582, 585, 588, 591, 594, 597, 599, 600,
}

// SubsidyCache is a structure that caches calculated values of subsidy so that
// they're not constantly recalculated.  The blockchain struct itself possesses
// a pointer to a preinitialized SubsidyCache.
type SubsidyCache struct {
	subsidyCache     map[int64]int64
	subsidyCacheLock sync.RWMutex

	params *chaincfg.Params
}

// NewSubsidyCache returns an empty subsidy cache for the network.
func NewSubsidyCache(params *chaincfg.Params) *SubsidyCache {
	return &SubsidyCache{
		subsidyCache: make(map[int64]int64),
		params:       params,
	}
}

// CalcBlockSubsidy returns the subsidy amount a block at the provided height
// creates.  The subsidy starts at BaseSubsidy and loses a fourteenth every
// SubsidyReductionInterval blocks.
//
// Safe for concurrent access.
func (s *SubsidyCache) CalcBlockSubsidy(height int32) int64 {
	if s.params.SubsidyReductionInterval == 0 {
		return s.params.BaseSubsidy
	}
	iteration := int64(height) / s.params.SubsidyReductionInterval
	if iteration == 0 {
		return s.params.BaseSubsidy
	}

	s.subsidyCacheLock.RLock()
	cachedValue, ok := s.subsidyCache[iteration]
	s.subsidyCacheLock.RUnlock()
	if ok {
		return cachedValue
	}

	// Start from the closest cached iteration below the requested one.
	subsidy := s.params.BaseSubsidy
	start := int64(0)
	s.subsidyCacheLock.RLock()
	for i := iteration - 1; i > 0; i-- {
		if v, ok := s.subsidyCache[i]; ok {
			subsidy, start = v, i
			break
		}
	}
	s.subsidyCacheLock.RUnlock()
	for i := start; i < iteration; i++ {
		subsidy -= subsidy / subsidyDecreaseDivisor
	}

	s.subsidyCacheLock.Lock()
	s.subsidyCache[iteration] = subsidy
	s.subsidyCacheLock.Unlock()

	return subsidy
}

// CalcBlockValue returns the part of the subsidy that is paid by the coinbase
// of a regular block, which excludes the treasury share once superblocks are
// enabled.
func (s *SubsidyCache) CalcBlockValue(height int32) int64 {
	subsidy := s.CalcBlockSubsidy(height)
	if int64(height) >= s.params.SuperblockStartHeight {
		subsidy -= subsidy / treasuryDivisor
	}
	return subsidy
}

// CalcSuperblockBudget returns the treasury amount a superblock at height may
// pay out.  It is zero for heights that are not superblocks.
func (s *SubsidyCache) CalcSuperblockBudget(height int32) int64 {
	if !IsSuperblock(s.params, height) {
		return 0
	}
	return s.CalcBlockSubsidy(height) / treasuryDivisor * s.params.SuperblockCycle
}

// IsSuperblock returns whether the block at height is a superblock.
func IsSuperblock(params *chaincfg.Params, height int32) bool {
	if params.SuperblockCycle == 0 || int64(height) < params.SuperblockStartHeight {
		return false
	}
	return int64(height)%params.SuperblockCycle == 0
}

// MasternodePayment returns the masternode share of blockValue for a block
// at height.  The share is half of the block value until the reward
// reallocation activated at reallocHeight, then grows in 19 steps of three
// superblock cycles each, starting with the first superblock cycle after
// activation, until it reaches 60%.  A negative reallocHeight means the
// reallocation is not active.
func MasternodePayment(params *chaincfg.Params, height int32, blockValue int64, reallocHeight int32) int64 {
	ret := blockValue * preReallocPerMille / 1000
	if reallocHeight < 0 || height < reallocHeight || params.SuperblockCycle == 0 {
		return ret
	}

	cycle := int32(params.SuperblockCycle)
	reallocStart := reallocHeight - reallocHeight%cycle + cycle
	if height < reallocStart {
		return ret
	}

	period := int((height - reallocStart) / (cycle * 3))
	if period >= len(reallocPeriods) {
		period = len(reallocPeriods) - 1
	}
	return blockValue * reallocPeriods[period] / 1000
}
