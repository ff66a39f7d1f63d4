// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math"
	"time"
)

// MainNetParams defines the network parameters for the main network.
var MainNetParams = Params{
	Name:           "mainnet",
	Net:            0xbd6b0cbf,
	DefaultRPCPort: "9998",

	// Chain parameters
	GenesisBlock: mainGenesisBlock,
	GenesisHash:  mainGenesisHash,

	// Subsidy parameters.
	BaseSubsidy:              5 * atomsPerCoin,
	SubsidyReductionInterval: 210240,
	SuperblockCycle:          16616,
	SuperblockStartHeight:    332500,

	// Masternode parameters.
	MasternodeCollateral:     1000 * atomsPerCoin,
	HPMNCollateral:           4000 * atomsPerCoin,
	MNScoreConfirmationDepth: 15,

	// Buried deployments.
	DIP0003Height:            1028160,
	DIP0003EnforcementHeight: 1047200,
	DIP0008Height:            1088640,
	DIP0020Height:            1516032,
	DIP0024Height:            1737792,
	V19Height:                1899072,
	V20Height:                1987776,

	// Consensus rule change deployments.
	Deployments: []ConsensusDeployment{{
		Name:           DeploymentRealloc,
		Bit:            5,
		StartHeight:    1374912,
		TimeoutHeight:  1475712,
		WindowSize:     4032,
		ThresholdStart: 3226,
		ThresholdMin:   2420,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMultiPayee,
		Bit:            6,
		StartHeight:    1800000,
		TimeoutHeight:  1900800,
		WindowSize:     4032,
		ThresholdStart: 3226,
		ThresholdMin:   2420,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMNRR,
		Bit:            10,
		StartHeight:    2128896,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     4032,
		ThresholdStart: 3226,
		ThresholdMin:   2420,
		FalloffCoeff:   5,
		UseEHF:         true,
	}, {
		Name:           DeploymentTestDummy,
		Bit:            28,
		StartHeight:    math.MaxInt64,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     4032,
		ThresholdStart: 3226,
		ThresholdMin:   3226,
	}},

	// Quorum parameters.
	LLMQs: llmqTable(llmq50_60, llmq60_75, llmq400_60, llmq400_85,
		llmq100_67, llmq25_67),
	LLMQTypeChainLocks:  LLMQ400_60,
	LLMQTypeInstantSend: LLMQ60_75,
	LLMQTypePlatform:    LLMQ100_67,
	LLMQTypeMnhf:        LLMQ400_85,

	// Spork parameters.
	SporkAddresses: []string{
		"3f7f4a1c5ac6d4dbb8c1a2e3f1b7b1e2c2a9d8e1",
		"90c1f8e0d4c64e23b5d8d2b1f1a7a4b6c8d2e9f0",
		"b2d0a7c3e1f84a6b9c2d7e5f1a3b8c4d6e0f2a91",
		"c4e6f8a0b2d44f6a8c0e2a4c6e8a0c2e4a6c8e0f",
		"e1d3c5b7a9f14b3d5f7a9c1e3b5d7f9a1c3e5b7d",
	},
	MinSporkKeys: 3,

	SigRetention: 7 * 24 * time.Hour,
}
