// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math"
	"time"
)

// TestNetParams defines the network parameters for the test network.
var TestNetParams = Params{
	Name:           "testnet",
	Net:            0xffcae2ce,
	DefaultRPCPort: "19998",

	// Chain parameters
	GenesisBlock: testNetGenesisBlock,
	GenesisHash:  testNetGenesisHash,

	// Subsidy parameters.
	BaseSubsidy:              5 * atomsPerCoin,
	SubsidyReductionInterval: 210240,
	SuperblockCycle:          24,
	SuperblockStartHeight:    4200,

	// Masternode parameters.
	MasternodeCollateral:     1000 * atomsPerCoin,
	HPMNCollateral:           4000 * atomsPerCoin,
	MNScoreConfirmationDepth: 15,

	// Buried deployments.
	DIP0003Height:            7000,
	DIP0003EnforcementHeight: 7300,
	DIP0008Height:            78800,
	DIP0020Height:            430000,
	DIP0024Height:            769700,
	V19Height:                850100,
	V20Height:                905100,

	// Consensus rule change deployments.
	Deployments: []ConsensusDeployment{{
		Name:           DeploymentRealloc,
		Bit:            5,
		StartHeight:    4100,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMultiPayee,
		Bit:            6,
		StartHeight:    600000,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMNRR,
		Bit:            10,
		StartHeight:    1066900,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
		UseEHF:         true,
	}, {
		Name:           DeploymentTestDummy,
		Bit:            28,
		StartHeight:    math.MaxInt64,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     2016,
		ThresholdStart: 1512,
		ThresholdMin:   1512,
	}},

	// Quorum parameters.
	LLMQs: llmqTable(llmq50_60, llmq60_75, llmq400_60, llmq400_85,
		llmq100_67, llmq25_67),
	LLMQTypeChainLocks:  LLMQ50_60,
	LLMQTypeInstantSend: LLMQ60_75,
	LLMQTypePlatform:    LLMQ25_67,
	LLMQTypeMnhf:        LLMQ50_60,

	// Spork parameters.
	SporkAddresses: []string{"8a3c2d4f6e1b9a7c5d3e2f1a0b9c8d7e6f5a4b3c"},
	MinSporkKeys:   1,

	SigRetention: 7 * 24 * time.Hour,
}
