// Copyright (c) 2014-2015 The btcsuite developers
// Copyright (c) 2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// blockHeaderOverhead is the max number of bytes it takes to serialize
	// a block header and max possible transaction count.
	blockHeaderOverhead = 80 + 9

	// DefaultBlockMaxSize is the default maximum size of generated blocks.
	DefaultBlockMaxSize = 2000000

	// DefaultMinRelayTxFee is the default minimum fee in atoms per 1000
	// bytes a pool transaction has to pay to be mined.
	DefaultMinRelayTxFee = btcutil.Amount(1000)
)

// Policy houses the policy (configuration parameters) which is used to control
// the generation of block templates.  See the documentation for
// NewBlockTemplate for more details on each of these parameters are used.
type Policy struct {
	// BlockMaxSize is the maximum block size in bytes to be used when
	// generating a block template.
	BlockMaxSize uint32

	// TxMinFreeFee is the minimum fee in Atoms/1000 bytes that is
	// required for a transaction to be included in a template.  Special
	// transactions registering or updating masternodes pay no fee in
	// regression tests, so zero disables the check.
	TxMinFreeFee btcutil.Amount
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		BlockMaxSize: DefaultBlockMaxSize,
		TxMinFreeFee: DefaultMinRelayTxFee,
	}
}

// MinFee returns the minimum fee a transaction of serializedSize bytes has
// to pay to be included in a template.
func (p *Policy) MinFee(serializedSize int) int64 {
	minFee := (int64(serializedSize) * int64(p.TxMinFreeFee)) / 1000
	if minFee == 0 && p.TxMinFreeFee > 0 {
		minFee = int64(p.TxMinFreeFee)
	}
	return minFee
}
