// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/node"
)

// defaultWinnersCount is the number of projected payees returned by
// masternode.Winners when the request does not ask for a count.
const defaultWinnersCount = 10

// MasternodeService serves the masternode list methods.
type MasternodeService struct {
	node *node.Node
}

// MasternodeInfo describes an entry of the masternode list.
type MasternodeInfo struct {
	ProTxHash        string        `json:"proTxHash"`
	Type             string        `json:"type"`
	Collateral       string        `json:"collateral"`
	Address          string        `json:"address"`
	Status           string        `json:"status"`
	RegisteredHeight int32         `json:"registeredHeight"`
	LastPaidHeight   int32         `json:"lastPaidHeight"`
	PoSePenalty      int32         `json:"posePenalty"`
	PoSeBanHeight    int32         `json:"poseBanHeight"`
	OwnerKeyID       string        `json:"ownerKeyID"`
	VotingKeyID      string        `json:"votingKeyID"`
	PubKeyOperator   string        `json:"pubKeyOperator"`
	OperatorReward   uint16        `json:"operatorReward"`
	Payouts          []PayoutShare `json:"payouts"`
}

// PayoutShare is one payout script of a masternode with its share in basis
// points.
type PayoutShare struct {
	Script string `json:"script"`
	Reward uint16 `json:"reward"`
}

func masternodeStatus(mn *evo.Masternode) string {
	if mn.State.IsBanned() {
		return "POSE_BANNED"
	}
	return "ENABLED"
}

func masternodeInfo(mn *evo.Masternode) MasternodeInfo {
	st := mn.State
	info := MasternodeInfo{
		ProTxHash:        mn.ProTxHash.String(),
		Type:             mn.Type.String(),
		Collateral:       mn.Collateral.String(),
		Address:          st.Address,
		Status:           masternodeStatus(mn),
		RegisteredHeight: st.RegisteredHeight,
		LastPaidHeight:   st.LastPaidHeight,
		PoSePenalty:      st.PoSePenalty,
		PoSeBanHeight:    st.PoSeBanHeight,
		OwnerKeyID:       hex.EncodeToString(st.KeyIDOwner[:]),
		VotingKeyID:      hex.EncodeToString(st.KeyIDVoting[:]),
		PubKeyOperator:   hex.EncodeToString(st.PubKeyOperator[:]),
		OperatorReward:   mn.OperatorReward,
	}
	for _, share := range st.PayoutShares {
		info.Payouts = append(info.Payouts, PayoutShare{
			Script: hex.EncodeToString(share.Script),
			Reward: share.Reward,
		})
	}
	return info
}

// tipList returns the masternode list of the best block.
func (s *MasternodeService) tipList() (*evo.List, error) {
	best := s.node.Chain.BestSnapshot()
	list, err := s.node.Chain.MNManager().ListForBlock(best.Hash)
	if err != nil {
		return nil, rpcError(json2.E_SERVER, err.Error())
	}
	return list, nil
}

// MasternodeListArgs are the arguments of masternode.List.
type MasternodeListArgs struct {
	OnlyValid bool `json:"onlyValid"`
}

// List returns the masternodes of the list at the tip.
func (s *MasternodeService) List(r *http.Request, args *MasternodeListArgs, reply *[]MasternodeInfo) error {
	list, err := s.tipList()
	if err != nil {
		return err
	}
	out := make([]MasternodeInfo, 0, list.Count())
	list.ForEachMN(args.OnlyValid, func(mn *evo.Masternode) bool {
		out = append(out, masternodeInfo(mn))
		return true
	})
	*reply = out
	return nil
}

// MasternodeCountReply counts the masternodes at the tip.
type MasternodeCountReply struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Weighted int `json:"weighted"`
}

// Count returns the number of registered and valid masternodes.
func (s *MasternodeService) Count(r *http.Request, args *struct{}, reply *MasternodeCountReply) error {
	list, err := s.tipList()
	if err != nil {
		return err
	}
	reply.Total = list.Count()
	reply.Enabled = list.ValidCount()
	reply.Weighted = list.ValidWeightedCount()
	return nil
}

// Payout is a coinbase output paying a masternode.
type Payout struct {
	Script string `json:"script"`
	Amount int64  `json:"amount"`
}

// PaymentsReply describes the masternode payments of the next block.
type PaymentsReply struct {
	Height    int32    `json:"height"`
	ProTxHash string   `json:"proTxHash,omitempty"`
	Amount    int64    `json:"amount"`
	Payees    []Payout `json:"payees"`
}

// Payments returns the masternode payments the next block must contain.
func (s *MasternodeService) Payments(r *http.Request, args *struct{}, reply *PaymentsReply) error {
	info, err := s.node.Chain.NextBlockInfo()
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	reply.Height = info.Height
	reply.Payees = []Payout{}
	if payee := info.List.GetMNPayee(info.MNRRActive); payee != nil {
		reply.ProTxHash = payee.ProTxHash.String()
	}
	for _, out := range info.MasternodePayouts {
		reply.Amount += out.Value
		reply.Payees = append(reply.Payees, Payout{
			Script: hex.EncodeToString(out.PkScript),
			Amount: out.Value,
		})
	}
	return nil
}

// WinnersArgs are the arguments of masternode.Winners.
type WinnersArgs struct {
	Count int `json:"count"`
}

// Winners returns the projected payees of the next blocks keyed by height.
func (s *MasternodeService) Winners(r *http.Request, args *WinnersArgs, reply *map[string]string) error {
	count := args.Count
	if count <= 0 {
		count = defaultWinnersCount
	}
	info, err := s.node.Chain.NextBlockInfo()
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	out := make(map[string]string)
	for i, mn := range info.List.GetProjectedMNPayees(count, info.MNRRActive) {
		out[fmt.Sprint(info.Height+int32(i))] = mn.ProTxHash.String()
	}
	*reply = out
	return nil
}
