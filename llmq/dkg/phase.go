// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dkg

import (
	"errors"
	"fmt"
)

// Phase is the step a DKG session is in.  Phases advance with the chain
// height only: a session enters phase n at the quorum base height plus
// (n-1)*DKGPhaseBlocks.
type Phase int

// These constants define the phases of a DKG session.
const (
	PhaseIdle Phase = iota
	PhaseInitialized
	PhaseContribution
	PhaseComplaint
	PhaseJustification
	PhaseCommitment
	PhaseFinalized
	PhaseFailed
)

// Map of Phase values back to their names for pretty printing.
var phaseStrings = map[Phase]string{
	PhaseIdle:          "Idle",
	PhaseInitialized:   "Initialized",
	PhaseContribution:  "Contribution",
	PhaseComplaint:     "Complaint",
	PhaseJustification: "Justification",
	PhaseCommitment:    "Commitment",
	PhaseFinalized:     "Finalized",
	PhaseFailed:        "Failed",
}

// String returns the Phase as a human-readable name.
func (p Phase) String() string {
	if s := phaseStrings[p]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown Phase (%d)", int(p))
}

// phaseAt returns the phase a session is in offset blocks after its quorum
// base block.  The finalization step runs when the sixth phase is entered.
func phaseAt(offset, phaseBlocks int64) Phase {
	p := Phase(offset/phaseBlocks + 1)
	if p > PhaseFinalized {
		return PhaseFinalized
	}
	return p
}

var (
	// ErrUnknownSession is returned for messages about a quorum this node
	// runs no DKG session for.
	ErrUnknownSession = errors.New("no DKG session for quorum")

	// ErrNotMember is returned for messages sent by a masternode that is
	// not a member of the quorum.
	ErrNotMember = errors.New("sender is not a quorum member")

	// ErrBadMessageSig is returned for messages whose operator signature
	// does not verify.
	ErrBadMessageSig = errors.New("invalid DKG message signature")

	// ErrPhaseOver is returned for messages that arrive after the phase
	// they belong to ended.
	ErrPhaseOver = errors.New("DKG phase is over")

	// ErrDuplicateMessage is returned for a message that was already
	// processed.
	ErrDuplicateMessage = errors.New("duplicate DKG message")

	// ErrBadMessage is returned for messages with malformed content.
	ErrBadMessage = errors.New("malformed DKG message")
)
