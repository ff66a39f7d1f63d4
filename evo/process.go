// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/wire"
)

// PoSe penalties are expressed relative to the maximum penalty, which is the
// number of masternodes but at least minMaxPoSePenalty.
const (
	minMaxPoSePenalty = 100

	// punishPercent is the penalty applied for one failed DKG.
	punishPercent = 66
)

// BlockContext carries the chain state a block is applied in that can not be
// derived from the previous list alone.
type BlockContext struct {
	// Height and BlockHash identify the block being applied.
	Height    int32
	BlockHash chainhash.Hash

	// MNRRActive is whether the masternode reward reallocation is active
	// for the block.  It changes how HPMN payments are ordered.
	MNRRActive bool

	// Flags describes which payload features are enabled.
	Flags TxFlags

	// PoSePunish lists the masternodes that failed a DKG whose commitment
	// was mined in the block.
	PoSePunish []chainhash.Hash
}

// maxPoSePenalty returns the penalty at which a masternode is banned.
func (l *List) maxPoSePenalty() int32 {
	if n := l.Count(); n > minMaxPoSePenalty {
		return int32(n)
	}
	return minMaxPoSePenalty
}

// blockProcessor applies one block to a copy of the previous list.
type blockProcessor struct {
	params *chaincfg.Params
	ctx    *BlockContext
	list   *List
}

func (bp *blockProcessor) update(mn *Masternode, state *State) error {
	return bp.list.updateMN(mn.ProTxHash, state)
}

// ApplyBlock returns the list that results from connecting block on top of
// prev.  The previous list is not modified, so the result only depends on
// prev, the block and ctx.
//
// The coinbase payload is not checked here since its masternode merkle root
// commits to the returned list.  See CheckCbTx.
func ApplyBlock(params *chaincfg.Params, prev *List, block *wire.MsgBlock, ctx *BlockContext) (*List, error) {
	if prev.blockHash != block.Header.PrevBlock {
		str := fmt.Sprintf("list of %v can not be extended by block %v "+
			"which builds on %v", prev.blockHash, ctx.BlockHash,
			block.Header.PrevBlock)
		return nil, AssertError(str)
	}

	payee := prev.GetMNPayee(ctx.MNRRActive)

	bp := &blockProcessor{params: params, ctx: ctx, list: prev.clone()}
	bp.list.blockHash = ctx.BlockHash
	bp.list.height = ctx.Height

	if err := bp.confirmAndDecreasePenalties(prev); err != nil {
		return nil, err
	}

	for _, tx := range block.Transactions {
		if err := bp.spendCollaterals(tx); err != nil {
			return nil, err
		}
		if !tx.IsSpecial() {
			continue
		}
		if err := bp.processSpecialTx(tx); err != nil {
			return nil, err
		}
	}

	for _, proTxHash := range ctx.PoSePunish {
		if err := bp.punish(proTxHash); err != nil {
			return nil, err
		}
	}

	if err := bp.updatePayments(payee); err != nil {
		return nil, err
	}

	log.Debugf("Applied block %v (height %d): %d masternodes, %d valid",
		ctx.BlockHash, ctx.Height, bp.list.Count(), bp.list.ValidCount())
	return bp.list, nil
}

// confirmAndDecreasePenalties sets the confirmed hash of masternodes that
// reached the confirmation depth and lowers every PoSe penalty by one.
func (bp *blockProcessor) confirmAndDecreasePenalties(prev *List) error {
	depth := int32(bp.params.MNScoreConfirmationDepth)
	var updates []*Masternode
	var states []*State
	prev.ForEachMN(false, func(mn *Masternode) bool {
		confirm := mn.State.ConfirmedHash == (chainhash.Hash{}) &&
			prev.height-mn.State.RegisteredHeight >= depth
		decrease := mn.IsValid() && mn.State.PoSePenalty > 0
		if !confirm && !decrease {
			return true
		}
		s := mn.State.Copy()
		if confirm {
			s.ConfirmedHash = prev.blockHash
		}
		if decrease {
			s.PoSePenalty--
		}
		updates = append(updates, mn)
		states = append(states, s)
		return true
	})
	for i, mn := range updates {
		if err := bp.update(mn, states[i]); err != nil {
			return err
		}
	}
	return nil
}

// spendCollaterals removes every masternode whose collateral is spent by
// tx.
func (bp *blockProcessor) spendCollaterals(tx *wire.MsgTx) error {
	if tx.IsCoinBase() {
		return nil
	}
	for _, in := range tx.TxIn {
		mn, ok := bp.list.GetMNByCollateral(in.PreviousOutPoint)
		if !ok {
			continue
		}
		log.Debugf("Masternode %v removed, collateral %v spent by %v",
			mn.ProTxHash, mn.Collateral, tx.TxHash())
		if err := bp.list.removeMN(mn.ProTxHash); err != nil {
			return err
		}
	}
	return nil
}

func (bp *blockProcessor) processSpecialTx(tx *wire.MsgTx) error {
	switch tx.Type {
	case wire.TxTypeProRegTx, wire.TxTypeProUpServTx, wire.TxTypeProUpRegTx,
		wire.TxTypeProUpRevTx:

		if int64(bp.ctx.Height) < bp.params.DIP0003Height {
			str := fmt.Sprintf("provider transaction %v before activation",
				tx.TxHash())
			return ruleError(ErrBadPayload, str)
		}
	}

	switch tx.Type {
	case wire.TxTypeProRegTx:
		return bp.processProRegTx(tx)
	case wire.TxTypeProUpServTx:
		return bp.processProUpServTx(tx)
	case wire.TxTypeProUpRegTx:
		return bp.processProUpRegTx(tx)
	case wire.TxTypeProUpRevTx:
		return bp.processProUpRevTx(tx)
	}
	return nil
}

func checkInputsHash(tx *wire.MsgTx, inputsHash chainhash.Hash) error {
	if tx.InputsHash() != inputsHash {
		str := fmt.Sprintf("payload of %v does not commit to its inputs",
			tx.TxHash())
		return ruleError(ErrBadInputsHash, str)
	}
	return nil
}

func (bp *blockProcessor) collateralAmount(t MnType) int64 {
	if t == MnTypeHPMN {
		return bp.params.HPMNCollateral
	}
	return bp.params.MasternodeCollateral
}

func (bp *blockProcessor) processProRegTx(tx *wire.MsgTx) error {
	p, err := ProRegTxFromTx(tx)
	if err != nil {
		return err
	}
	if err := p.CheckSanity(bp.ctx.Flags); err != nil {
		return err
	}
	if err := checkInputsHash(tx, p.InputsHash); err != nil {
		return err
	}

	txHash := tx.TxHash()
	if p.Collateral.Hash != (chainhash.Hash{}) {
		str := fmt.Sprintf("registration %v references external collateral %v",
			txHash, p.Collateral)
		return ruleError(ErrExternalCollateral, str)
	}
	if len(p.Sig) != 0 {
		return ruleError(ErrBadSignature, "registration with internal "+
			"collateral must not be signed")
	}
	if int(p.Collateral.Index) >= len(tx.TxOut) {
		str := fmt.Sprintf("collateral index %d out of range", p.Collateral.Index)
		return ruleError(ErrBadCollateral, str)
	}
	amount := tx.TxOut[p.Collateral.Index].Value
	if want := bp.collateralAmount(p.Type); amount != want {
		str := fmt.Sprintf("collateral of %v is %d, want %d", txHash, amount, want)
		return ruleError(ErrBadCollateral, str)
	}
	if bp.list.WasRegistered(txHash) {
		str := fmt.Sprintf("masternode %v was already registered", txHash)
		return ruleError(ErrDuplicateProTx, str)
	}

	mn := &Masternode{
		ProTxHash:        txHash,
		InternalID:       bp.list.totalRegistered,
		Collateral:       btcwire.OutPoint{Hash: txHash, Index: p.Collateral.Index},
		CollateralAmount: amount,
		Type:             p.Type,
		OperatorReward:   p.OperatorReward,
		State:            newState(p, bp.ctx.Height),
	}
	if p.Address == "" {
		mn.State.banIfNotBanned(bp.ctx.Height)
	}
	if err := bp.list.addMN(mn); err != nil {
		return err
	}
	log.Debugf("Registered masternode %v (%v) at height %d", txHash, p.Type,
		bp.ctx.Height)
	return nil
}

func (bp *blockProcessor) processProUpServTx(tx *wire.MsgTx) error {
	p, err := ProUpServTxFromTx(tx)
	if err != nil {
		return err
	}
	if err := p.CheckSanity(bp.ctx.Flags); err != nil {
		return err
	}
	if err := checkInputsHash(tx, p.InputsHash); err != nil {
		return err
	}
	mn, ok := bp.list.GetMN(p.ProTxHash)
	if !ok {
		str := fmt.Sprintf("service update for unknown masternode %v", p.ProTxHash)
		return ruleError(ErrUnknownProTx, str)
	}
	if mn.Type != p.Type {
		str := fmt.Sprintf("service update of type %v for %v masternode",
			p.Type, mn.Type)
		return ruleError(ErrBadMasternodeType, str)
	}
	if len(p.OperatorPayoutScript) != 0 && mn.OperatorReward == 0 {
		return ruleError(ErrBadPayee, "operator payout script without "+
			"operator reward")
	}
	if err := verifyOperatorSig(&mn.State.PubKeyOperator, p.SignHash(), &p.Sig); err != nil {
		return err
	}

	s := mn.State.Copy()
	s.Address = p.Address
	s.OperatorPayoutScript = append([]byte(nil), p.OperatorPayoutScript...)
	if len(s.OperatorPayoutScript) == 0 {
		s.OperatorPayoutScript = nil
	}
	if mn.Type == MnTypeHPMN {
		s.PlatformNodeID = p.PlatformNodeID
	}
	if s.IsBanned() && !s.PubKeyOperator.IsNull() &&
		s.KeyIDOwner != (wire.KeyID{}) && s.KeyIDVoting != (wire.KeyID{}) {

		s.revive(bp.ctx.Height)
		log.Debugf("Masternode %v revived at height %d", mn.ProTxHash,
			bp.ctx.Height)
	}
	return bp.update(mn, s)
}

func (bp *blockProcessor) processProUpRegTx(tx *wire.MsgTx) error {
	p, err := ProUpRegTxFromTx(tx)
	if err != nil {
		return err
	}
	if err := p.CheckSanity(bp.ctx.Flags); err != nil {
		return err
	}
	if err := checkInputsHash(tx, p.InputsHash); err != nil {
		return err
	}
	mn, ok := bp.list.GetMN(p.ProTxHash)
	if !ok {
		str := fmt.Sprintf("registrar update for unknown masternode %v", p.ProTxHash)
		return ruleError(ErrUnknownProTx, str)
	}
	err = checkPayoutShares(p.Version, p.PayoutShares, mn.State.KeyIDOwner,
		p.KeyIDVoting)
	if err != nil {
		return err
	}
	if err := verifyOwnerSig(mn.State.KeyIDOwner, p.SignHash(), p.Sig); err != nil {
		return err
	}

	s := mn.State.Copy()
	if s.PubKeyOperator != p.PubKeyOperator {
		// A new operator has to announce its service before the
		// masternode is valid again.
		s.resetOperatorFields()
		s.banIfNotBanned(bp.ctx.Height)
	}
	s.PubKeyOperator = p.PubKeyOperator
	s.KeyIDVoting = p.KeyIDVoting
	s.PayoutShares = copyShares(p.PayoutShares)
	return bp.update(mn, s)
}

func (bp *blockProcessor) processProUpRevTx(tx *wire.MsgTx) error {
	p, err := ProUpRevTxFromTx(tx)
	if err != nil {
		return err
	}
	if err := p.CheckSanity(); err != nil {
		return err
	}
	if err := checkInputsHash(tx, p.InputsHash); err != nil {
		return err
	}
	mn, ok := bp.list.GetMN(p.ProTxHash)
	if !ok {
		str := fmt.Sprintf("revocation of unknown masternode %v", p.ProTxHash)
		return ruleError(ErrUnknownProTx, str)
	}
	if err := verifyOperatorSig(&mn.State.PubKeyOperator, p.SignHash(), &p.Sig); err != nil {
		return err
	}

	s := mn.State.Copy()
	s.resetOperatorFields()
	s.banIfNotBanned(bp.ctx.Height)
	s.RevocationReason = p.Reason
	log.Debugf("Operator of masternode %v revoked (reason %d)", mn.ProTxHash,
		p.Reason)
	return bp.update(mn, s)
}

// punish adds the DKG failure penalty to a masternode and bans it once the
// maximum is reached.  Unknown and already banned masternodes are skipped
// since they may have been removed earlier in the block.
func (bp *blockProcessor) punish(proTxHash chainhash.Hash) error {
	mn, ok := bp.list.GetMN(proTxHash)
	if !ok || !mn.IsValid() {
		return nil
	}
	maxPenalty := bp.list.maxPoSePenalty()
	s := mn.State.Copy()
	s.PoSePenalty += maxPenalty * punishPercent / 100
	if s.PoSePenalty >= maxPenalty {
		s.PoSePenalty = maxPenalty
		s.banIfNotBanned(bp.ctx.Height)
		log.Infof("Masternode %v PoSe banned at height %d", proTxHash,
			bp.ctx.Height)
	}
	return bp.update(mn, s)
}

// updatePayments records the payment of the block's payee and resets the
// consecutive payment counter of every other HPMN.
func (bp *blockProcessor) updatePayments(payee *Masternode) error {
	var payeeHash chainhash.Hash
	if payee != nil {
		if mn, ok := bp.list.GetMN(payee.ProTxHash); ok {
			payeeHash = mn.ProTxHash
			s := mn.State.Copy()
			s.LastPaidHeight = bp.ctx.Height
			if mn.Type == MnTypeHPMN && !bp.ctx.MNRRActive {
				s.ConsecutivePayments++
			}
			if err := bp.update(mn, s); err != nil {
				return err
			}
		}
	}

	var reset []*Masternode
	bp.list.ForEachMN(false, func(mn *Masternode) bool {
		if mn.Type == MnTypeHPMN && mn.ProTxHash != payeeHash &&
			mn.State.ConsecutivePayments > 0 {

			reset = append(reset, mn)
		}
		return true
	})
	for _, mn := range reset {
		s := mn.State.Copy()
		s.ConsecutivePayments = 0
		if err := bp.update(mn, s); err != nil {
			return err
		}
	}
	return nil
}

// CheckCbTx verifies the coinbase payload of a block against the list the
// block produced.  Blocks below DIP0003Height carry no payload.
func CheckCbTx(params *chaincfg.Params, block *wire.MsgBlock, height int32, list *List) (*CbTx, error) {
	if len(block.Transactions) == 0 {
		return nil, ruleError(ErrBadCbTx, "block has no coinbase")
	}
	coinbase := block.Transactions[0]
	if int64(height) < params.DIP0003Height {
		if coinbase.Type != wire.TxTypeNormal {
			return nil, ruleError(ErrBadCbTx, "coinbase payload before activation")
		}
		return nil, nil
	}
	if coinbase.Type != wire.TxTypeCoinbase {
		return nil, ruleError(ErrBadCbTx, "coinbase without payload")
	}
	cb, err := CbTxFromTx(coinbase)
	if err != nil {
		return nil, err
	}
	if cb.Height != uint32(height) {
		str := fmt.Sprintf("coinbase payload height %d in block %d", cb.Height,
			height)
		return nil, ruleError(ErrBadCbTx, str)
	}
	if root := list.MerkleRoot(); cb.MerkleRootMNList != root {
		str := fmt.Sprintf("coinbase commits to masternode list %v, want %v",
			cb.MerkleRootMNList, root)
		return nil, ruleError(ErrBadMerkleRootMNList, str)
	}
	return cb, nil
}
