// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math"
	"time"
)

// RegressionNetParams defines the network parameters for the regression test
// network.  Every buried deployment is active from the first block and the
// quorums are small enough to be formed by a handful of local masternodes.
var RegressionNetParams = Params{
	Name:           "regtest",
	Net:            0xdcb7c1fc,
	DefaultRPCPort: "19898",

	// Chain parameters
	GenesisBlock: regTestGenesisBlock,
	GenesisHash:  regTestGenesisHash,

	// Subsidy parameters.
	BaseSubsidy:              5 * atomsPerCoin,
	SubsidyReductionInterval: 150,
	SuperblockCycle:          10,
	SuperblockStartHeight:    1500,

	// Masternode parameters.
	MasternodeCollateral:     1000 * atomsPerCoin,
	HPMNCollateral:           4000 * atomsPerCoin,
	MNScoreConfirmationDepth: 1,

	// Buried deployments.
	DIP0003Height:            1,
	DIP0003EnforcementHeight: 1,
	DIP0008Height:            1,
	DIP0020Height:            1,
	DIP0024Height:            1,
	V19Height:                1,
	V20Height:                1,

	// Consensus rule change deployments.
	Deployments: []ConsensusDeployment{{
		Name:           DeploymentRealloc,
		Bit:            5,
		StartHeight:    0,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     500,
		ThresholdStart: 400,
		ThresholdMin:   300,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMultiPayee,
		Bit:            6,
		StartHeight:    0,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
	}, {
		Name:           DeploymentMNRR,
		Bit:            10,
		StartHeight:    0,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     100,
		ThresholdStart: 80,
		ThresholdMin:   60,
		FalloffCoeff:   5,
		UseEHF:         true,
	}, {
		Name:           DeploymentTestDummy,
		Bit:            28,
		StartHeight:    0,
		TimeoutHeight:  math.MaxInt64,
		WindowSize:     144,
		ThresholdStart: 108,
		ThresholdMin:   108,
	}},

	// Quorum parameters.
	LLMQs: llmqTable(llmqTest, llmqTestInstantSend, llmqTestDIP0024,
		llmqTestPlatform),
	LLMQTypeChainLocks:  LLMQTest,
	LLMQTypeInstantSend: LLMQTestInstantSend,
	LLMQTypePlatform:    LLMQTestPlatform,
	LLMQTypeMnhf:        LLMQTest,

	MinSporkKeys: 1,

	SigRetention: 7 * 24 * time.Hour,
}
