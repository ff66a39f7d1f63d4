// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrBadPayload indicates a special transaction payload that does not
	// decode or has an unsupported version.
	ErrBadPayload ErrorCode = iota

	// ErrBadInputsHash indicates the payload does not commit to the inputs
	// of the transaction carrying it.
	ErrBadInputsHash

	// ErrBadMasternodeType indicates an unknown masternode type or a type
	// that is not allowed at the current height.
	ErrBadMasternodeType

	// ErrBadMode indicates a non-zero registration mode.
	ErrBadMode

	// ErrNullKey indicates a missing owner, voting or operator key.
	ErrNullKey

	// ErrInvalidOperatorKey indicates an operator public key that is not a
	// valid BLS12-381 point.
	ErrInvalidOperatorKey

	// ErrBadOperatorReward indicates an operator reward above 100%.
	ErrBadOperatorReward

	// ErrBadPayee indicates a malformed payout script or payout share set.
	ErrBadPayee

	// ErrPayeeReuse indicates a payout going to the owner or voting key.
	ErrPayeeReuse

	// ErrBadAddress indicates a service address that does not parse.
	ErrBadAddress

	// ErrBadCollateral indicates a collateral output that is missing or
	// does not carry the exact collateral amount.
	ErrBadCollateral

	// ErrExternalCollateral indicates a registration that references a
	// collateral output outside of the registering transaction.
	ErrExternalCollateral

	// ErrDuplicateCollateral indicates a collateral already used by
	// another masternode.
	ErrDuplicateCollateral

	// ErrDuplicateKey indicates an owner or operator key already used by
	// another masternode.
	ErrDuplicateKey

	// ErrDuplicateAddress indicates a service address already used by
	// another masternode.
	ErrDuplicateAddress

	// ErrDuplicatePlatformID indicates a platform node id already used by
	// another high performance masternode.
	ErrDuplicatePlatformID

	// ErrDuplicateProTx indicates a registration whose hash is already in
	// use or was used by a removed masternode.
	ErrDuplicateProTx

	// ErrUnknownProTx indicates an update referencing a masternode that is
	// not in the list.
	ErrUnknownProTx

	// ErrBadSignature indicates a payload signature that does not verify.
	ErrBadSignature

	// ErrBadCbTx indicates a coinbase payload that is missing, malformed
	// or commits to the wrong height.
	ErrBadCbTx

	// ErrBadMerkleRootMNList indicates a coinbase payload whose masternode
	// list merkle root does not match the computed list.
	ErrBadMerkleRootMNList

	// ErrUnknownBlock indicates a masternode list was requested for a block
	// that is not known.
	ErrUnknownBlock

	// ErrBadMnHfSignal indicates a hard fork signal transaction that is
	// malformed or names an invalid version bit.
	ErrBadMnHfSignal
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrBadPayload:          "ErrBadPayload",
	ErrBadInputsHash:       "ErrBadInputsHash",
	ErrBadMasternodeType:   "ErrBadMasternodeType",
	ErrBadMode:             "ErrBadMode",
	ErrNullKey:             "ErrNullKey",
	ErrInvalidOperatorKey:  "ErrInvalidOperatorKey",
	ErrBadOperatorReward:   "ErrBadOperatorReward",
	ErrBadPayee:            "ErrBadPayee",
	ErrPayeeReuse:          "ErrPayeeReuse",
	ErrBadAddress:          "ErrBadAddress",
	ErrBadCollateral:       "ErrBadCollateral",
	ErrExternalCollateral:  "ErrExternalCollateral",
	ErrDuplicateCollateral: "ErrDuplicateCollateral",
	ErrDuplicateKey:        "ErrDuplicateKey",
	ErrDuplicateAddress:    "ErrDuplicateAddress",
	ErrDuplicatePlatformID: "ErrDuplicatePlatformID",
	ErrDuplicateProTx:      "ErrDuplicateProTx",
	ErrUnknownProTx:        "ErrUnknownProTx",
	ErrBadSignature:        "ErrBadSignature",
	ErrBadCbTx:             "ErrBadCbTx",
	ErrBadMerkleRootMNList: "ErrBadMerkleRootMNList",
	ErrUnknownBlock:        "ErrUnknownBlock",
	ErrBadMnHfSignal:       "ErrBadMnHfSignal",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation of a masternode special transaction
// or of the list transition of a block.  Callers use errors.As to access the
// ErrorCode.
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

// AssertError identifies an error that indicates an internal code consistency
// issue and should be treated as a critical and unrecoverable error.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}
