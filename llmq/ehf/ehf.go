// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ehf has quorums sign the hard fork signals that start deployments
// flagged UseEHF and submits the signed signal transactions for mining.
//
// Every node builds the same unsigned signal once a deployment waiting for a
// signal reaches its start height: the quorum selected for the signal's
// request id at the next block names itself in the payload and signs the
// transaction hash with the signature cleared.  The recovered signature
// completes the transaction, which any node can then mine.
package ehf

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/wire"
)

// Chain is the view of the chain the handler needs.
type Chain interface {
	ThresholdState(name string) (blockchain.ThresholdStateTuple, error)
	MnHfSignalHeight(bit uint8) (int32, bool)
}

// Signer requests quorum signatures.  *signing.Manager implements it.
type Signer interface {
	RequestSign(t chaincfg.LLMQType, id, msgHash chainhash.Hash, quorumHash *chainhash.Hash) (bool, error)
	GetRecoveredSig(t chaincfg.LLMQType, id chainhash.Hash) (*wire.MsgQuorumRecoveredSig, error)
}

// Config is the configuration of a signal handler.
type Config struct {
	ChainParams *chaincfg.Params
	Chain       Chain

	// Quorums select the quorum signing a signal.
	Quorums signing.QuorumSource

	Signer Signer

	// SubmitTx hands a signed signal to the transaction pool.
	SubmitTx func(tx *wire.MsgTx) error
}

// Handler signs the hard fork signals due at the chain tip.
type Handler struct {
	cfg Config

	mtx sync.Mutex
	// pending holds the unsigned signal per request id until its
	// recovered signature is known.
	pending map[chainhash.Hash]*wire.MsgTx
}

// Ensure the handler consumes recovered signatures.
var _ signing.RecoveredSigsListener = (*Handler)(nil)

// New returns a signal handler.
func New(cfg *Config) *Handler {
	return &Handler{
		cfg:     *cfg,
		pending: make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// due returns whether the deployment d waits for a signal in the block after
// height.
func (h *Handler) due(d *chaincfg.ConsensusDeployment, height int32) bool {
	if !d.UseEHF || int64(height)+1 < d.StartHeight {
		return false
	}
	if _, ok := h.cfg.Chain.MnHfSignalHeight(d.Bit); ok {
		return false
	}
	state, err := h.cfg.Chain.ThresholdState(d.Name)
	if err != nil {
		log.Errorf("Unable to get state of deployment %s: %v", d.Name, err)
		return false
	}
	return state.State == blockchain.ThresholdDefined
}

// UpdatedBlockTip requests the signatures of the signals due in the block
// after the new tip at height.
//
// This function is safe for concurrent access.
func (h *Handler) UpdatedBlockTip(height int32) {
	t := h.cfg.ChainParams.LLMQTypeMnhf
	for i := range h.cfg.ChainParams.Deployments {
		d := &h.cfg.ChainParams.Deployments[i]
		if !h.due(d, height) {
			continue
		}
		id := evo.MnHfRequestID(d.Bit)
		h.mtx.Lock()
		_, ok := h.pending[id]
		h.mtx.Unlock()
		if ok {
			continue
		}

		quorum, err := signing.SelectQuorumForSigning(h.cfg.Quorums, t, height+1, id)
		if err != nil {
			log.Debugf("No quorum to sign deployment %s at height %d: %v",
				d.Name, height+1, err)
			continue
		}
		quorumHash := quorum.QuorumHash()
		tx := evo.NewMnHfTx(d.Bit, quorumHash)
		p, err := evo.MnHfTxFromTx(tx)
		if err != nil {
			log.Errorf("Unable to decode signal of deployment %s: %v",
				d.Name, err)
			continue
		}
		msgHash := evo.MnHfSignHash(tx, p)

		h.mtx.Lock()
		h.pending[id] = tx
		h.mtx.Unlock()

		log.Infof("Requesting signal for deployment %s (bit %d) from "+
			"quorum %v", d.Name, d.Bit, quorumHash)
		if _, err := h.cfg.Signer.RequestSign(t, id, msgHash, &quorumHash); err != nil {
			log.Warnf("Failed to sign signal for deployment %s: %v", d.Name,
				err)
			h.mtx.Lock()
			delete(h.pending, id)
			h.mtx.Unlock()
			continue
		}
		if rs, err := h.cfg.Signer.GetRecoveredSig(t, id); err == nil {
			h.HandleNewRecoveredSig(rs)
		}
	}
}

// HandleNewRecoveredSig completes the pending signal the signature was
// recovered for and submits it.
//
// This is part of the signing.RecoveredSigsListener interface.
func (h *Handler) HandleNewRecoveredSig(rs *wire.MsgQuorumRecoveredSig) {
	if chaincfg.LLMQType(rs.LLMQType) != h.cfg.ChainParams.LLMQTypeMnhf {
		return
	}
	h.mtx.Lock()
	tx, ok := h.pending[rs.ID]
	if ok {
		delete(h.pending, rs.ID)
	}
	h.mtx.Unlock()
	if !ok {
		return
	}

	p, err := evo.MnHfTxFromTx(tx)
	if err != nil {
		return
	}
	if rs.MsgHash != evo.MnHfSignHash(tx, p) || rs.QuorumHash != p.Signal.QuorumHash {
		log.Warnf("Recovered signal %v does not match %v", rs.MsgHash, p)
		return
	}
	signed, err := evo.SignMnHfTx(tx, rs.Sig)
	if err != nil {
		log.Errorf("Unable to sign %v: %v", p, err)
		return
	}
	if err := h.cfg.SubmitTx(signed); err != nil {
		log.Warnf("Signed %v was not accepted: %v", p, err)
		return
	}
	log.Infof("Submitted signal %v in transaction %v", p, signed.TxHash())
}

// Pending returns the version bits of the signals waiting for a recovered
// signature.
//
// This function is safe for concurrent access.
func (h *Handler) Pending() []uint8 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	bits := make([]uint8, 0, len(h.pending))
	for _, tx := range h.pending {
		if p, err := evo.MnHfTxFromTx(tx); err == nil {
			bits = append(bits, p.Signal.VersionBit)
		}
	}
	return bits
}
