// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
)

// DeploymentError identifies an error that indicates a deployment name was
// specified that does not exist.
type DeploymentError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e DeploymentError) Error() string {
	return fmt.Sprintf("deployment %v does not exist", string(e))
}

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrDuplicateBlock indicates a block with the same hash already
	// exists.
	ErrDuplicateBlock ErrorCode = iota

	// ErrMissingParent indicates that the block was an orphan.
	ErrMissingParent

	// ErrNoTransactions indicates the block does not have a least one
	// transaction.  A valid block must have at least the coinbase
	// transaction.
	ErrNoTransactions

	// ErrFirstTxNotCoinbase indicates the first transaction in a block
	// is not a coinbase transaction.
	ErrFirstTxNotCoinbase

	// ErrMultipleCoinbases indicates a block contains more than one
	// coinbase transaction.
	ErrMultipleCoinbases

	// ErrBadMerkleRoot indicates the calculated merkle root does not match
	// the expected value.
	ErrBadMerkleRoot

	// ErrDuplicateTx indicates a block contains an identical transaction
	// (or at least two transactions which hash to the same value).
	ErrDuplicateTx

	// ErrBadCoinbasePayee indicates the coinbase does not pay the
	// masternode that is due at the height of the block.
	ErrBadCoinbasePayee

	// ErrInvalidAncestorBlock indicates that an ancestor of this block has
	// failed validation.
	ErrInvalidAncestorBlock

	// ErrChainLockConflict indicates a block that conflicts with the best
	// chainlock.  Such a block can never become part of the best chain.
	ErrChainLockConflict

	// ErrBadChainLock indicates a coinbase that references a chainlock
	// which does not verify or violates the chainlock progression rules.
	ErrBadChainLock

	// ErrBadQuorumCommitment indicates a quorum commitment transaction
	// that does not verify or is mined outside of its window.
	ErrBadQuorumCommitment

	// ErrBadMnHfSignal indicates a hard fork signal transaction that does
	// not verify, repeats a signal of the branch or signals a deployment
	// that already left the defined state.
	ErrBadMnHfSignal
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicateBlock:       "ErrDuplicateBlock",
	ErrMissingParent:        "ErrMissingParent",
	ErrNoTransactions:       "ErrNoTransactions",
	ErrFirstTxNotCoinbase:   "ErrFirstTxNotCoinbase",
	ErrMultipleCoinbases:    "ErrMultipleCoinbases",
	ErrBadMerkleRoot:        "ErrBadMerkleRoot",
	ErrDuplicateTx:          "ErrDuplicateTx",
	ErrBadCoinbasePayee:     "ErrBadCoinbasePayee",
	ErrInvalidAncestorBlock: "ErrInvalidAncestorBlock",
	ErrChainLockConflict:    "ErrChainLockConflict",
	ErrBadChainLock:         "ErrBadChainLock",
	ErrBadQuorumCommitment:  "ErrBadQuorumCommitment",
	ErrBadMnHfSignal:        "ErrBadMnHfSignal",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a block or transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason for the rule violation.
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
