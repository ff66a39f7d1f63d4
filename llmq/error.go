// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"errors"
	"fmt"

	"github.com/mndnet/mnd/blockchain"
)

var (
	// ErrQuorumNotFound is returned when a quorum is unknown or no longer
	// retained.
	ErrQuorumNotFound = errors.New("quorum not found")

	// ErrQuorumInactive is returned when a quorum exists but is not among
	// the quorums allowed to sign anymore.
	ErrQuorumInactive = errors.New("quorum is not active")

	// ErrNoSecretKeyShare is returned when this node holds no secret key
	// share for a quorum.
	ErrNoSecretKeyShare = errors.New("no secret key share for quorum")

	// ErrNoVerificationVector is returned when the verification vector of a
	// quorum is not known, so member public key shares can not be derived.
	ErrNoVerificationVector = errors.New("quorum verification vector unknown")
)

// ErrorCode identifies a kind of commitment error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrBadCommitmentPayload indicates a commitment transaction payload
	// that does not decode.
	ErrBadCommitmentPayload ErrorCode = iota

	// ErrBadCommitmentType indicates a commitment for a quorum type the
	// network does not form.
	ErrBadCommitmentType

	// ErrBadCommitmentVersion indicates a commitment version that does not
	// fit the rotation mode of its quorum type.
	ErrBadCommitmentVersion

	// ErrBadCommitmentHeight indicates a commitment transaction whose
	// payload height is not the height of its block.
	ErrBadCommitmentHeight

	// ErrPrematureCommitment indicates a commitment mined before special
	// transactions activated.
	ErrPrematureCommitment

	// ErrDuplicateCommitment indicates a block with two commitments for
	// the same quorum.
	ErrDuplicateCommitment

	// ErrCommitmentNotAllowed indicates a commitment mined outside of the
	// mining window or after a non-null commitment was already mined.
	ErrCommitmentNotAllowed

	// ErrCommitmentMissing indicates a block in the mining window that does
	// not carry the commitment still required.
	ErrCommitmentMissing

	// ErrBadQuorumHash indicates a commitment whose quorum hash is not the
	// base block of the quorum being formed.
	ErrBadQuorumHash

	// ErrBadQuorumIndex indicates a quorum index out of range for the type.
	ErrBadQuorumIndex

	// ErrBadNullCommitment indicates a null commitment that carries data.
	ErrBadNullCommitment

	// ErrBadCommitmentSize indicates bit sets that do not match the quorum
	// size.
	ErrBadCommitmentSize

	// ErrTooFewMembers indicates a commitment with fewer signers or valid
	// members than the minimum size of the quorum.
	ErrTooFewMembers

	// ErrBadQuorumPublicKey indicates a quorum public key or verification
	// vector hash that is missing or invalid.
	ErrBadQuorumPublicKey

	// ErrBadQuorumSig indicates a threshold signature that does not verify
	// against the quorum public key.
	ErrBadQuorumSig

	// ErrBadMembersSig indicates an aggregated members signature that does
	// not verify against the operator keys of the signers.
	ErrBadMembersSig

	// ErrBadMerkleRootQuorums indicates a coinbase payload that commits to
	// the wrong set of active quorums.
	ErrBadMerkleRootQuorums
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrBadCommitmentPayload: "ErrBadCommitmentPayload",
	ErrBadCommitmentType:    "ErrBadCommitmentType",
	ErrBadCommitmentVersion: "ErrBadCommitmentVersion",
	ErrBadCommitmentHeight:  "ErrBadCommitmentHeight",
	ErrPrematureCommitment:  "ErrPrematureCommitment",
	ErrDuplicateCommitment:  "ErrDuplicateCommitment",
	ErrCommitmentNotAllowed: "ErrCommitmentNotAllowed",
	ErrCommitmentMissing:    "ErrCommitmentMissing",
	ErrBadQuorumHash:        "ErrBadQuorumHash",
	ErrBadQuorumIndex:       "ErrBadQuorumIndex",
	ErrBadNullCommitment:    "ErrBadNullCommitment",
	ErrBadCommitmentSize:    "ErrBadCommitmentSize",
	ErrTooFewMembers:        "ErrTooFewMembers",
	ErrBadQuorumPublicKey:   "ErrBadQuorumPublicKey",
	ErrBadQuorumSig:         "ErrBadQuorumSig",
	ErrBadMembersSig:        "ErrBadMembersSig",
	ErrBadMerkleRootQuorums: "ErrBadMerkleRootQuorums",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies an invalid quorum commitment.  Errors returned to
// the chain are additionally wrapped in a blockchain.RuleError so the block
// is marked invalid, and errors.As still finds the RuleError underneath.
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

// toChainError reports commitment rule errors to the chain as an invalid
// quorum commitment.  The RuleError stays reachable through errors.As.
// Errors that are not rule violations are passed through unchanged.
func toChainError(err error) error {
	var rerr RuleError
	if !errors.As(err, &rerr) {
		return err
	}
	chainErr := blockchain.RuleError{
		ErrorCode:   blockchain.ErrBadQuorumCommitment,
		Description: "invalid quorum commitment",
	}
	return fmt.Errorf("%w (%v): %w", chainErr, rerr.ErrorCode, rerr)
}
