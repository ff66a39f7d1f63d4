// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/wire"
)

// State is the mutable part of a masternode.  A State is never modified once
// it is referenced by a list; updates copy it first.
type State struct {
	RegisteredHeight     int32
	LastPaidHeight       int32
	ConsecutivePayments  int32
	PoSePenalty          int32
	PoSeRevivedHeight    int32
	PoSeBanHeight        int32
	RevocationReason     uint16
	ConfirmedHash        chainhash.Hash
	KeyIDOwner           wire.KeyID
	PubKeyOperator       wire.BLSPublicKey
	KeyIDVoting          wire.KeyID
	Address              string
	PayoutShares         []PayoutShare
	OperatorPayoutScript []byte
	PlatformNodeID       PlatformNodeID
}

// newState returns the initial state of a masternode registered by p.
func newState(p *ProRegTx, height int32) *State {
	s := &State{
		RegisteredHeight:  height,
		PoSeRevivedHeight: -1,
		PoSeBanHeight:     -1,
		KeyIDOwner:        p.KeyIDOwner,
		PubKeyOperator:    p.PubKeyOperator,
		KeyIDVoting:       p.KeyIDVoting,
		Address:           p.Address,
		PayoutShares:      copyShares(p.PayoutShares),
		PlatformNodeID:    p.PlatformNodeID,
	}
	return s
}

func copyShares(shares []PayoutShare) []PayoutShare {
	out := make([]PayoutShare, len(shares))
	for i, s := range shares {
		out[i] = PayoutShare{Script: append([]byte(nil), s.Script...), Reward: s.Reward}
	}
	return out
}

// Copy returns a deep copy of the state.
func (s *State) Copy() *State {
	c := *s
	c.PayoutShares = copyShares(s.PayoutShares)
	c.OperatorPayoutScript = append([]byte(nil), s.OperatorPayoutScript...)
	return &c
}

// IsBanned returns whether the masternode is PoSe banned.
func (s *State) IsBanned() bool {
	return s.PoSeBanHeight != -1
}

func (s *State) banIfNotBanned(height int32) {
	if !s.IsBanned() {
		s.PoSeBanHeight = height
	}
}

func (s *State) revive(height int32) {
	s.PoSePenalty = 0
	s.PoSeBanHeight = -1
	s.PoSeRevivedHeight = height
}

func (s *State) resetOperatorFields() {
	s.PubKeyOperator = wire.BLSPublicKey{}
	s.Address = ""
	s.OperatorPayoutScript = nil
	s.RevocationReason = RevokeReasonNotSpecified
	s.PlatformNodeID = PlatformNodeID{}
}

// Serialize encodes the state to w.
func (s *State) Serialize(w io.Writer) error {
	err := wire.WriteElements(w, s.RegisteredHeight, s.LastPaidHeight,
		s.ConsecutivePayments, s.PoSePenalty, s.PoSeRevivedHeight,
		s.PoSeBanHeight, s.RevocationReason, s.ConfirmedHash, s.KeyIDOwner,
		s.PubKeyOperator, s.KeyIDVoting)
	if err != nil {
		return err
	}
	if err := wire.WriteVarString(w, s.Address); err != nil {
		return err
	}
	if err := writePayoutShares(w, ProTxMultiPayeeVersion, s.PayoutShares); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, s.OperatorPayoutScript); err != nil {
		return err
	}
	_, err = w.Write(s.PlatformNodeID[:])
	return err
}

// Deserialize decodes the state from r.
func (s *State) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &s.RegisteredHeight, &s.LastPaidHeight,
		&s.ConsecutivePayments, &s.PoSePenalty, &s.PoSeRevivedHeight,
		&s.PoSeBanHeight, &s.RevocationReason, &s.ConfirmedHash,
		&s.KeyIDOwner, &s.PubKeyOperator, &s.KeyIDVoting)
	if err != nil {
		return err
	}
	if s.Address, err = readAddress(r); err != nil {
		return err
	}
	if s.PayoutShares, err = readPayoutShares(r, ProTxMultiPayeeVersion); err != nil {
		return err
	}
	s.OperatorPayoutScript, err = wire.ReadVarBytes(r, maxScriptSize, "operator payout script")
	if err != nil {
		return err
	}
	if len(s.OperatorPayoutScript) == 0 {
		s.OperatorPayoutScript = nil
	}
	_, err = io.ReadFull(r, s.PlatformNodeID[:])
	return err
}

// Masternode is an entry of the deterministic masternode list.  Every field
// but State is fixed at registration.
type Masternode struct {
	ProTxHash        chainhash.Hash
	InternalID       uint64
	Collateral       btcwire.OutPoint
	CollateralAmount int64
	Type             MnType
	OperatorReward   uint16
	State            *State
}

// IsValid returns whether the masternode takes part in payments and quorums.
func (mn *Masternode) IsValid() bool {
	return !mn.State.IsBanned()
}

// withState returns a copy of the masternode that references state.
func (mn *Masternode) withState(state *State) *Masternode {
	c := *mn
	c.State = state
	return &c
}

// String returns a short description of the masternode.
func (mn *Masternode) String() string {
	return fmt.Sprintf("Masternode(proTxHash=%v, collateral=%v, type=%v, "+
		"operatorReward=%d, registered=%d, lastPaid=%d, banned=%v)",
		mn.ProTxHash, mn.Collateral, mn.Type, mn.OperatorReward,
		mn.State.RegisteredHeight, mn.State.LastPaidHeight, mn.State.IsBanned())
}

// Serialize encodes the masternode to w.
func (mn *Masternode) Serialize(w io.Writer) error {
	err := wire.WriteElements(w, mn.ProTxHash, mn.InternalID, mn.Collateral,
		mn.CollateralAmount, mn.Type, mn.OperatorReward)
	if err != nil {
		return err
	}
	return mn.State.Serialize(w)
}

// Deserialize decodes the masternode from r.
func (mn *Masternode) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &mn.ProTxHash, &mn.InternalID, &mn.Collateral,
		&mn.CollateralAmount, &mn.Type, &mn.OperatorReward)
	if err != nil {
		return err
	}
	mn.State = new(State)
	return mn.State.Deserialize(r)
}

// confirmedHashWithProRegTxHash is the payment score of the masternode.
func (mn *Masternode) confirmedHashWithProRegTxHash() chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], mn.ProTxHash[:])
	copy(buf[chainhash.HashSize:], mn.State.ConfirmedHash[:])
	return chainhash.HashH(buf[:])
}

// entryHash is the leaf hash of the masternode in the list merkle root.
func (mn *Masternode) entryHash() chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteElements(&buf, mn.ProTxHash, mn.State.ConfirmedHash)
	_ = wire.WriteVarString(&buf, mn.State.Address)
	_ = wire.WriteElements(&buf, mn.State.PubKeyOperator, mn.State.KeyIDVoting,
		mn.IsValid(), mn.Type)
	return chainhash.DoubleHashH(buf.Bytes())
}
