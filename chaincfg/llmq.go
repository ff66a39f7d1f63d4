// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import "fmt"

// LLMQType identifies a long living masternode quorum configuration.
type LLMQType uint8

// These constants define the known quorum types.  The numeric values are part
// of the consensus encoding of quorum commitments and signing messages.
const (
	LLMQTypeNone LLMQType = 0

	LLMQ50_60  LLMQType = 1
	LLMQ400_60 LLMQType = 2
	LLMQ400_85 LLMQType = 3
	LLMQ100_67 LLMQType = 4
	LLMQ60_75  LLMQType = 5
	LLMQ25_67  LLMQType = 6

	LLMQTest            LLMQType = 100
	LLMQTestDIP0024     LLMQType = 103
	LLMQTestInstantSend LLMQType = 104
	LLMQTestPlatform    LLMQType = 106
)

var llmqTypeStrings = map[LLMQType]string{
	LLMQTypeNone:        "llmq_none",
	LLMQ50_60:           "llmq_50_60",
	LLMQ400_60:          "llmq_400_60",
	LLMQ400_85:          "llmq_400_85",
	LLMQ100_67:          "llmq_100_67",
	LLMQ60_75:           "llmq_60_75",
	LLMQ25_67:           "llmq_25_67",
	LLMQTest:            "llmq_test",
	LLMQTestDIP0024:     "llmq_test_dip0024",
	LLMQTestInstantSend: "llmq_test_instantsend",
	LLMQTestPlatform:    "llmq_test_platform",
}

// String returns the LLMQType as a human-readable name.
func (t LLMQType) String() string {
	if s, ok := llmqTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown LLMQType (%d)", uint8(t))
}

// LLMQTypeFromString returns the quorum type with the given name.
func LLMQTypeFromString(s string) (LLMQType, bool) {
	for t, name := range llmqTypeStrings {
		if name == s {
			return t, true
		}
	}
	return LLMQTypeNone, false
}

// LLMQParams describes how quorums of one type are formed and used.
type LLMQParams struct {
	Type LLMQType
	Name string

	// Size is the number of members selected for each quorum.
	Size int

	// MinSize is the minimum number of valid members a DKG must end with
	// for the quorum to be committed.
	MinSize int

	// Threshold is the number of signature shares required to recover a
	// quorum signature.
	Threshold int

	// DKGInterval is the number of blocks between two quorum formations.
	DKGInterval int64

	// DKGPhaseBlocks is the length of each DKG phase in blocks.
	DKGPhaseBlocks int64

	// DKGMiningWindowStart and DKGMiningWindowEnd are the offsets from the
	// quorum base height between which the final commitment must be mined.
	DKGMiningWindowStart int64
	DKGMiningWindowEnd   int64

	// DKGBadVotesThreshold is the number of complaints that marks a member
	// as bad.
	DKGBadVotesThreshold int

	// SigningActiveQuorumCount is the number of most recent quorums that
	// are used for signing.
	SigningActiveQuorumCount int

	// KeepOldKeys is how many quorums beyond the active ones keep their
	// secret key shares around so old signatures can be verified.
	KeepOldKeys int

	// UseRotation enables quarter rotation of the quorum members.
	UseRotation bool

	// HPMNOnly restricts membership to high performance masternodes.
	HPMNOnly bool
}

// QuorumsPerCycle returns how many quorums are formed in one DKG interval.
// Rotating types form one quorum per signing index, all others form one.
func (p *LLMQParams) QuorumsPerCycle() int {
	if p.UseRotation {
		return p.SigningActiveQuorumCount
	}
	return 1
}

// QuarterSize returns the number of members that is replaced each cycle for
// rotating quorum types.
func (p *LLMQParams) QuarterSize() int {
	return p.Size / 4
}

// MaxCyclesToRetain returns how many DKG intervals a quorum stays relevant
// for verification.
func (p *LLMQParams) MaxCyclesToRetain() int {
	n := p.SigningActiveQuorumCount + p.KeepOldKeys
	if p.UseRotation {
		return n/p.QuorumsPerCycle() + 1
	}
	return n
}

var (
	llmq50_60 = LLMQParams{
		Type:                     LLMQ50_60,
		Name:                     "llmq_50_60",
		Size:                     50,
		MinSize:                  40,
		Threshold:                30,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     40,
		SigningActiveQuorumCount: 24,
		KeepOldKeys:              24,
	}

	llmq400_60 = LLMQParams{
		Type:                     LLMQ400_60,
		Name:                     "llmq_400_60",
		Size:                     400,
		MinSize:                  300,
		Threshold:                240,
		DKGInterval:              288,
		DKGPhaseBlocks:           4,
		DKGMiningWindowStart:     20,
		DKGMiningWindowEnd:       28,
		DKGBadVotesThreshold:     300,
		SigningActiveQuorumCount: 4,
		KeepOldKeys:              4,
	}

	llmq400_85 = LLMQParams{
		Type:                     LLMQ400_85,
		Name:                     "llmq_400_85",
		Size:                     400,
		MinSize:                  350,
		Threshold:                340,
		DKGInterval:              576,
		DKGPhaseBlocks:           4,
		DKGMiningWindowStart:     20,
		DKGMiningWindowEnd:       48,
		DKGBadVotesThreshold:     300,
		SigningActiveQuorumCount: 4,
		KeepOldKeys:              4,
	}

	llmq100_67 = LLMQParams{
		Type:                     LLMQ100_67,
		Name:                     "llmq_100_67",
		Size:                     100,
		MinSize:                  80,
		Threshold:                67,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     80,
		SigningActiveQuorumCount: 24,
		KeepOldKeys:              24,
	}

	llmq60_75 = LLMQParams{
		Type:                     LLMQ60_75,
		Name:                     "llmq_60_75",
		Size:                     60,
		MinSize:                  50,
		Threshold:                45,
		DKGInterval:              288,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     42,
		DKGMiningWindowEnd:       50,
		DKGBadVotesThreshold:     48,
		SigningActiveQuorumCount: 32,
		KeepOldKeys:              64,
		UseRotation:              true,
	}

	llmq25_67 = LLMQParams{
		Type:                     LLMQ25_67,
		Name:                     "llmq_25_67",
		Size:                     25,
		MinSize:                  22,
		Threshold:                17,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     22,
		SigningActiveQuorumCount: 24,
		KeepOldKeys:              24,
		HPMNOnly:                 true,
	}

	llmqTest = LLMQParams{
		Type:                     LLMQTest,
		Name:                     "llmq_test",
		Size:                     3,
		MinSize:                  2,
		Threshold:                2,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     2,
		SigningActiveQuorumCount: 2,
		KeepOldKeys:              4,
	}

	llmqTestInstantSend = LLMQParams{
		Type:                     LLMQTestInstantSend,
		Name:                     "llmq_test_instantsend",
		Size:                     3,
		MinSize:                  2,
		Threshold:                2,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     2,
		SigningActiveQuorumCount: 2,
		KeepOldKeys:              4,
	}

	llmqTestDIP0024 = LLMQParams{
		Type:                     LLMQTestDIP0024,
		Name:                     "llmq_test_dip0024",
		Size:                     4,
		MinSize:                  3,
		Threshold:                2,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     12,
		DKGMiningWindowEnd:       20,
		DKGBadVotesThreshold:     2,
		SigningActiveQuorumCount: 2,
		KeepOldKeys:              4,
		UseRotation:              true,
	}

	llmqTestPlatform = LLMQParams{
		Type:                     LLMQTestPlatform,
		Name:                     "llmq_test_platform",
		Size:                     3,
		MinSize:                  2,
		Threshold:                2,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     2,
		SigningActiveQuorumCount: 2,
		KeepOldKeys:              4,
		HPMNOnly:                 true,
	}
)

// llmqTable builds a lookup table from the given parameter sets.  Each entry
// is copied so networks never share mutable state.
func llmqTable(params ...LLMQParams) map[LLMQType]*LLMQParams {
	m := make(map[LLMQType]*LLMQParams, len(params))
	for i := range params {
		p := params[i]
		m[p.Type] = &p
	}
	return m
}
