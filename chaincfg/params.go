// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/wire"
)

// These are the names of the consensus rule changes that are voted on by
// block version signalling.
const (
	// Buried deployments.  They activate at a fixed height taken from
	// Params and are listed here so that they can be queried by name.
	DeploymentDIP0003 = "dip0003"
	DeploymentDIP0008 = "dip0008"
	DeploymentDIP0020 = "dip0020"
	DeploymentDIP0024 = "dip0024"
	DeploymentV19     = "v19"
	DeploymentV20     = "v20"

	// DeploymentTestDummy is a dummy deployment that is used for testing.
	DeploymentTestDummy = "testdummy"

	// DeploymentRealloc is the block reward reallocation deployment which
	// gradually moves the masternode share of the block subsidy from 50%
	// to 60%.
	DeploymentRealloc = "realloc"

	// DeploymentMNRR is the masternode reward reallocation deployment
	// which changes the high performance masternode payment rules.
	DeploymentMNRR = "mn_rr"

	// DeploymentMultiPayee enables registration of masternodes that split
	// their payout across several payees.
	DeploymentMultiPayee = "dip0026"
)

var (
	// ErrDuplicateNet describes an error where the parameters for a network
	// could not be set due to the network already being a standard
	// network or previously-registered into this package.
	ErrDuplicateNet = errors.New("duplicate network")

	// ErrUnknownNet describes an error where the parameters for a network
	// could not be found.
	ErrUnknownNet = errors.New("unknown network")
)

// ConsensusDeployment defines details related to a specific consensus rule
// change that is voted in through block version signalling.  The state
// machine is driven purely by block heights so that every node arrives at the
// same result from chain data alone.
type ConsensusDeployment struct {
	// Name is the human-readable identifier of the deployment.
	Name string

	// Bit is the version bit a block sets to signal for the deployment.
	Bit uint8

	// StartHeight is the first height at which a window boundary moves
	// the deployment from defined to started.
	StartHeight int64

	// TimeoutHeight is the height after which a deployment that did not
	// lock in is considered failed.
	TimeoutHeight int64

	// WindowSize is the number of blocks in each signalling window.
	WindowSize int64

	// ThresholdStart is the number of signalling blocks required within
	// a window during the first attempt.
	ThresholdStart int64

	// ThresholdMin is the floor the threshold decays towards.  When it is
	// equal to ThresholdStart the threshold is static.
	ThresholdMin int64

	// FalloffCoeff controls how fast the threshold decays per attempt.
	FalloffCoeff int64

	// UseEHF requires a quorum signed hard fork signal for Bit to be mined
	// before the deployment can move from defined to started.
	UseEHF bool
}

// Threshold returns the number of signalling blocks that are required within
// a window for the given attempt in order to lock in the deployment.  The
// threshold decays quadratically with the attempt number until it reaches
// ThresholdMin.
func (d *ConsensusDeployment) Threshold(attempt int64) int64 {
	if d.ThresholdMin >= d.ThresholdStart || d.FalloffCoeff == 0 {
		return d.ThresholdStart
	}
	threshold := d.ThresholdStart - attempt*attempt*d.WindowSize/100/d.FalloffCoeff
	if threshold < d.ThresholdMin {
		return d.ThresholdMin
	}
	return threshold
}

// Params defines a network by its parameters.  These parameters may be used
// by applications to differentiate networks as well as consensus rules that
// differ between them.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net is the magic number identifying the network.
	Net uint32

	// DefaultRPCPort defines the default port of the JSON-RPC server.
	DefaultRPCPort string

	// GenesisBlock defines the first block of the chain.
	GenesisBlock *wire.MsgBlock

	// GenesisHash is the starting block hash.
	GenesisHash chainhash.Hash

	// BaseSubsidy is the starting subsidy amount for mined blocks.
	BaseSubsidy int64

	// SubsidyReductionInterval is the reduction interval in blocks.
	SubsidyReductionInterval int64

	// SuperblockCycle is the number of blocks between superblocks.
	SuperblockCycle int64

	// SuperblockStartHeight is the height of the first superblock.
	SuperblockStartHeight int64

	// MasternodeCollateral and HPMNCollateral are the exact collateral
	// amounts in atoms for regular and high performance masternodes.
	MasternodeCollateral int64
	HPMNCollateral       int64

	// DIP0003Height is the height at which deterministic masternode
	// registration transactions become valid.
	DIP0003Height int64

	// DIP0003EnforcementHeight is the height at which masternode payments
	// become mandatory.
	DIP0003EnforcementHeight int64

	// DIP0008Height is the height at which chainlocks are enforced.
	DIP0008Height int64

	// DIP0020Height is the height from which quorum commitments of every
	// configured type must be mined.
	DIP0020Height int64

	// DIP0024Height is the height at which rotating quorums are formed.
	DIP0024Height int64

	// V19Height is the height at which high performance masternodes can be
	// registered.
	V19Height int64

	// V20Height is the height from which coinbase payloads carry the best
	// chainlock.
	V20Height int64

	// MNScoreConfirmationDepth is the number of blocks after registration
	// whose hash is used as the confirmed hash of a masternode.
	MNScoreConfirmationDepth int64

	// Deployments define the specific consensus rule changes to be voted
	// on.
	Deployments []ConsensusDeployment

	// LLMQs are the quorum types that are formed on this network.
	LLMQs map[LLMQType]*LLMQParams

	// LLMQTypeChainLocks is the quorum type that signs chainlocks.
	LLMQTypeChainLocks LLMQType

	// LLMQTypeInstantSend is the quorum type that signs instant-send locks.
	LLMQTypeInstantSend LLMQType

	// LLMQTypePlatform is the quorum type reserved for platform signing.
	LLMQTypePlatform LLMQType

	// LLMQTypeMnhf is the quorum type that signs hard fork signals.
	LLMQTypeMnhf LLMQType

	// SporkAddresses are the hex-encoded hash160 key ids allowed to sign
	// spork messages.
	SporkAddresses []string

	// MinSporkKeys is the number of distinct spork signers that must agree
	// on a value before it takes effect.
	MinSporkKeys int

	// SigRetention is how long recovered signatures are kept.
	SigRetention time.Duration
}

// EHFDeployment returns the deployment started by hard fork signals for
// bit.
func (p *Params) EHFDeployment(bit uint8) (*ConsensusDeployment, bool) {
	for i := range p.Deployments {
		if d := &p.Deployments[i]; d.UseEHF && d.Bit == bit {
			return d, true
		}
	}
	return nil, false
}

// Deployment returns the deployment with the given name.
func (p *Params) Deployment(name string) (*ConsensusDeployment, bool) {
	for i := range p.Deployments {
		if p.Deployments[i].Name == name {
			return &p.Deployments[i], true
		}
	}
	return nil, false
}

// BuriedHeight returns the activation height of a buried deployment.
func (p *Params) BuriedHeight(name string) (int64, bool) {
	switch name {
	case DeploymentDIP0003:
		return p.DIP0003Height, true
	case DeploymentDIP0008:
		return p.DIP0008Height, true
	case DeploymentDIP0020:
		return p.DIP0020Height, true
	case DeploymentDIP0024:
		return p.DIP0024Height, true
	case DeploymentV19:
		return p.V19Height, true
	case DeploymentV20:
		return p.V20Height, true
	}
	return 0, false
}

// LLMQ returns the parameters of the given quorum type.
func (p *Params) LLMQ(t LLMQType) (*LLMQParams, bool) {
	params, ok := p.LLMQs[t]
	return params, ok
}

// LLMQTypes returns all quorum types of the network in ascending order.
func (p *Params) LLMQTypes() []LLMQType {
	types := make([]LLMQType, 0, len(p.LLMQs))
	for t := range p.LLMQs {
		types = append(types, t)
	}
	for i := 1; i < len(types); i++ {
		for j := i; j > 0 && types[j] < types[j-1]; j-- {
			types[j], types[j-1] = types[j-1], types[j]
		}
	}
	return types
}

var registeredNets = make(map[uint32]*Params)

// Register registers the network parameters for a network.  This may error
// with ErrDuplicateNet if the network is already registered (either due to a
// previous Register call, or the network being one of the default networks).
//
// Network parameters should be registered into this package by a main package
// as early as possible.  Then, library packages may lookup networks or
// network parameters based on inputs and work regardless of the network being
// standard or not.
func Register(params *Params) error {
	if _, ok := registeredNets[params.Net]; ok {
		return ErrDuplicateNet
	}
	registeredNets[params.Net] = params
	return nil
}

// ParamsForNet returns the registered parameters of a network.
func ParamsForNet(net uint32) (*Params, error) {
	params, ok := registeredNets[net]
	if !ok {
		return nil, ErrUnknownNet
	}
	return params, nil
}

// mustRegister performs the same function as Register except it panics if
// there is an error.  This should only be called from package init
// functions.
func mustRegister(params *Params) {
	if err := Register(params); err != nil {
		panic("failed to register network: " + err.Error())
	}
}

func init() {
	mustRegister(&MainNetParams)
	mustRegister(&TestNetParams)
	mustRegister(&RegressionNetParams)
}
