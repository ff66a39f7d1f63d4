// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainlock

import (
	"errors"
	"fmt"

	"github.com/mndnet/mnd/blockchain"
)

// ErrorCode identifies a kind of chainlock error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrCbTxVersion indicates a coinbase payload that is too old to carry
	// a chainlock at its height.
	ErrCbTxVersion ErrorCode = iota

	// ErrNullChainLockDiff indicates a coinbase without a chainlock whose
	// height difference is not zero.
	ErrNullChainLockDiff

	// ErrMissingChainLock indicates a coinbase without a chainlock
	// following a coinbase that had one.
	ErrMissingChainLock

	// ErrChainLockHeightDiff indicates a coinbase chainlock that is older
	// than the one of the previous coinbase or below the genesis block.
	ErrChainLockHeightDiff

	// ErrUnknownChainLockBlock indicates a chainlock for a height the
	// chain does not have.
	ErrUnknownChainLockBlock

	// ErrBadChainLockSig indicates a chainlock signature that does not
	// verify against the quorum responsible for its height.
	ErrBadChainLockSig
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrCbTxVersion:           "ErrCbTxVersion",
	ErrNullChainLockDiff:     "ErrNullChainLockDiff",
	ErrMissingChainLock:      "ErrMissingChainLock",
	ErrChainLockHeightDiff:   "ErrChainLockHeightDiff",
	ErrUnknownChainLockBlock: "ErrUnknownChainLockBlock",
	ErrBadChainLockSig:       "ErrBadChainLockSig",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies an invalid chainlock.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates an RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// toChainError reports chainlock rule errors to the chain as a bad coinbase
// chainlock so the block is marked invalid.
func toChainError(err error) error {
	var rerr RuleError
	if !errors.As(err, &rerr) {
		return err
	}
	chainErr := blockchain.RuleError{
		ErrorCode:   blockchain.ErrBadChainLock,
		Description: "invalid coinbase chainlock",
	}
	return fmt.Errorf("%w (%v): %w", chainErr, rerr.ErrorCode, rerr)
}
