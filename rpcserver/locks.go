// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"bytes"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/chainlock"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/wire"
)

// ChainLockService serves the chainlock methods.
type ChainLockService struct {
	node *node.Node
}

// ChainLockReply describes a chainlock signature.
type ChainLockReply struct {
	Height    int32  `json:"height"`
	BlockHash string `json:"blockHash"`
	Signature string `json:"signature"`
	Known     bool   `json:"known_block"`
}

// GetBest returns the best chainlock the node knows of.
func (s *ChainLockService) GetBest(r *http.Request, args *struct{}, reply *ChainLockReply) error {
	clsig, ok := s.node.ChainLocks.BestChainLock()
	if !ok {
		return rpcError(json2.E_SERVER, "unable to find any chainlock")
	}
	_, err := s.node.Chain.BlockHeightByHash(&clsig.BlockHash)
	*reply = ChainLockReply{
		Height:    clsig.Height,
		BlockHash: clsig.BlockHash.String(),
		Signature: hex.EncodeToString(clsig.Sig[:]),
		Known:     err == nil,
	}
	return nil
}

// ChainLockArgs carry a chainlock signature.
type ChainLockArgs struct {
	Height    int32  `json:"height"`
	BlockHash string `json:"blockHash"`
	Signature string `json:"signature"`
}

func (a *ChainLockArgs) msg() (*wire.MsgCLSig, error) {
	hash, err := decodeHash("blockHash", a.BlockHash)
	if err != nil {
		return nil, err
	}
	sig, err := decodeSig(a.Signature)
	if err != nil {
		return nil, err
	}
	if a.Height < 0 {
		return nil, invalidParams("invalid height")
	}
	return &wire.MsgCLSig{Height: a.Height, BlockHash: hash, Sig: sig}, nil
}

// Verify checks a chainlock signature against the quorum responsible for its
// height without storing it.
func (s *ChainLockService) Verify(r *http.Request, args *ChainLockArgs, reply *bool) error {
	clsig, err := args.msg()
	if err != nil {
		return err
	}
	params := s.node.Chain.ChainParams()
	valid, err := s.node.Signing.VerifyAt(params.LLMQTypeChainLocks,
		clsig.Height, chainlock.RequestID(clsig.Height), clsig.BlockHash,
		clsig.Sig)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	*reply = valid
	return nil
}

// Submit processes a chainlock signature as if it was received from a peer.
func (s *ChainLockService) Submit(r *http.Request, args *ChainLockArgs, reply *int32) error {
	clsig, err := args.msg()
	if err != nil {
		return err
	}
	if err := s.node.ChainLocks.ProcessChainLock(clsig); err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	*reply = s.node.ChainLocks.BestChainLockHeight()
	return nil
}

// InstantSendService serves the instant-send lock methods.
type InstantSendService struct {
	node *node.Node
}

// ISLockArgs carry a serialized instant-send lock.
type ISLockArgs struct {
	ISLock string `json:"islock"`
}

// Verify checks a serialized instant-send lock without storing it.
func (s *InstantSendService) Verify(r *http.Request, args *ISLockArgs, reply *bool) error {
	b, err := hex.DecodeString(args.ISLock)
	if err != nil {
		return invalidParams("invalid islock: " + err.Error())
	}
	var islock wire.MsgISDLock
	if err := islock.BtcDecode(bytes.NewReader(b), wire.ProtocolVersion); err != nil {
		return invalidParams("invalid islock: " + err.Error())
	}
	*reply = s.node.InstantSend.VerifyLock(&islock) == nil
	return nil
}

// TxIDArgs name a transaction.
type TxIDArgs struct {
	TxID string `json:"txid"`
}

// LockStatusReply is the lock state of a transaction.
type LockStatusReply struct {
	Locked    bool   `json:"instantlock"`
	LockHash  string `json:"islockHash,omitempty"`
	Signature string `json:"signature,omitempty"`
	CycleHash string `json:"cycleHash,omitempty"`
	InPool    bool   `json:"inMempool"`
}

// IsLocked returns whether a transaction is instant-send locked.
func (s *InstantSendService) IsLocked(r *http.Request, args *TxIDArgs, reply *LockStatusReply) error {
	txid, err := decodeHash("txid", args.TxID)
	if err != nil {
		return err
	}
	reply.InPool = s.node.TxPool.HaveTransaction(&txid)
	islock, err := s.node.InstantSend.GetLockByTxID(&txid)
	if err != nil || islock == nil {
		return nil
	}
	reply.Locked = true
	reply.LockHash = islock.Hash().String()
	reply.Signature = hex.EncodeToString(islock.Sig[:])
	reply.CycleHash = islock.CycleHash.String()
	return nil
}
