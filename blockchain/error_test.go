// Copyright (c) 2014-2017 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrDuplicateBlock, "ErrDuplicateBlock"},
		{ErrMissingParent, "ErrMissingParent"},
		{ErrNoTransactions, "ErrNoTransactions"},
		{ErrFirstTxNotCoinbase, "ErrFirstTxNotCoinbase"},
		{ErrMultipleCoinbases, "ErrMultipleCoinbases"},
		{ErrBadMerkleRoot, "ErrBadMerkleRoot"},
		{ErrDuplicateTx, "ErrDuplicateTx"},
		{ErrBadCoinbasePayee, "ErrBadCoinbasePayee"},
		{ErrInvalidAncestorBlock, "ErrInvalidAncestorBlock"},
		{ErrChainLockConflict, "ErrChainLockConflict"},
		{ErrBadChainLock, "ErrBadChainLock"},
		{ErrBadQuorumCommitment, "ErrBadQuorumCommitment"},
		{ErrBadMnHfSignal, "ErrBadMnHfSignal"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	// Detect additional error codes that don't have the stringer added.
	require.Len(t, errorCodeStrings, len(tests)-1)

	for i, test := range tests {
		require.Equal(t, test.want, test.in.String(), "String #%d", i)
	}
}

// TestRuleError tests the error output for the RuleError type and that it
// survives wrapping.
func TestRuleError(t *testing.T) {
	err := ruleError(ErrDuplicateBlock, "duplicate block")
	require.Equal(t, "duplicate block", err.Error())

	wrapped := fmt.Errorf("process: %w", err)
	var rerr RuleError
	require.True(t, errors.As(wrapped, &rerr))
	require.Equal(t, ErrDuplicateBlock, rerr.ErrorCode)
}

// TestDeploymentError tests the stringized output for the DeploymentError type.
func TestDeploymentError(t *testing.T) {
	t.Parallel()

	require.Equal(t, "deployment realloc does not exist",
		DeploymentError("realloc").Error())
	require.Equal(t, "assertion failed: broken", AssertError("broken").Error())
}
