// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/wire"
)

// hexUint32 formats compact difficulty bits the way block explorers show
// them.
func hexUint32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// BlockchainService serves the chain state and transaction methods.
type BlockchainService struct {
	node *node.Node
}

// DeploymentInfo describes the state of a rule change deployment.
type DeploymentInfo struct {
	Status    string `json:"status"`
	Since     int32  `json:"since"`
	Period    int32  `json:"period,omitempty"`
	Threshold int32  `json:"threshold,omitempty"`
	Elapsed   int32  `json:"elapsed,omitempty"`
	Count     int32  `json:"count,omitempty"`
	Possible  bool   `json:"possible,omitempty"`
}

// ChainInfoReply describes the best chain.
type ChainInfoReply struct {
	Chain           string                    `json:"chain"`
	Blocks          int32                     `json:"blocks"`
	BestBlockHash   string                    `json:"bestblockhash"`
	Bits            string                    `json:"bits"`
	MedianTime      int64                     `json:"time"`
	ChainWork       string                    `json:"chainwork"`
	ChainLockHeight int32                     `json:"bestChainLockHeight"`
	ChainLockHash   string                    `json:"bestChainLockHash,omitempty"`
	Masternodes     int                       `json:"masternodes"`
	MempoolSize     int                       `json:"mempoolSize"`
	InstantLocks    int                       `json:"instantLocks"`
	Deployments     map[string]DeploymentInfo `json:"softforks"`
}

// GetInfo returns the state of the best chain.
func (s *BlockchainService) GetInfo(r *http.Request, args *struct{}, reply *ChainInfoReply) error {
	chain := s.node.Chain
	params := chain.ChainParams()
	best := chain.BestSnapshot()

	*reply = ChainInfoReply{
		Chain:         params.Name,
		Blocks:        best.Height,
		BestBlockHash: best.Hash.String(),
		Bits:          hexUint32(best.Bits),
		MedianTime:    best.BlockTime.Unix(),
		ChainWork:     fmt.Sprintf("%064x", best.WorkSum),
		MempoolSize:   s.node.TxPool.Count(),
		Deployments:   make(map[string]DeploymentInfo),
	}
	if height, hash, ok := chain.ChainLock(); ok {
		reply.ChainLockHeight = height
		reply.ChainLockHash = hash.String()
	}
	if list, err := chain.MNManager().ListForBlock(best.Hash); err == nil {
		reply.Masternodes = list.Count()
	}
	if n, err := s.node.InstantSend.LockCount(); err == nil {
		reply.InstantLocks = n
	}

	for i := range params.Deployments {
		name := params.Deployments[i].Name
		state, err := chain.ThresholdState(name)
		if err != nil {
			return rpcError(json2.E_SERVER, err.Error())
		}
		info := DeploymentInfo{
			Status: state.State.String(),
			Since:  state.SinceHeight,
		}
		stats, ok, err := chain.ThresholdStats(name)
		if err != nil {
			return rpcError(json2.E_SERVER, err.Error())
		}
		if ok {
			info.Period = stats.Period
			info.Threshold = stats.Threshold
			info.Elapsed = stats.Elapsed
			info.Count = stats.Count
			info.Possible = stats.Possible
		}
		reply.Deployments[name] = info
	}
	return nil
}

// BlockArgs name a block by hash.
type BlockArgs struct {
	Hash string `json:"hash"`
}

// BlockReply is a serialized block along with its position.
type BlockReply struct {
	Hash       string `json:"hash"`
	Height     int32  `json:"height"`
	ChainLock  bool   `json:"chainlock"`
	Serialized string `json:"hex"`
}

// GetBlock returns a block of the main chain.
func (s *BlockchainService) GetBlock(r *http.Request, args *BlockArgs, reply *BlockReply) error {
	hash, err := decodeHash("hash", args.Hash)
	if err != nil {
		return err
	}
	block, err := s.node.Chain.BlockByHash(&hash)
	if err != nil {
		return rpcError(json2.E_SERVER, "block not found")
	}
	height, err := s.node.Chain.BlockHeightByHash(&hash)
	if err != nil {
		return rpcError(json2.E_SERVER, "block not found")
	}
	*reply = BlockReply{
		Hash:       hash.String(),
		Height:     height,
		ChainLock:  s.node.Chain.IsChainLocked(height),
		Serialized: hex.EncodeToString(block.Bytes()),
	}
	return nil
}

// SendRawTransactionArgs carry a serialized transaction and the fee it pays.
type SendRawTransactionArgs struct {
	Tx  string `json:"hex"`
	Fee int64  `json:"fee"`
}

// SendRawTransaction adds a transaction to the pool and returns its hash.
func (s *BlockchainService) SendRawTransaction(r *http.Request, args *SendRawTransactionArgs, reply *string) error {
	b, err := hex.DecodeString(args.Tx)
	if err != nil {
		return invalidParams("invalid transaction: " + err.Error())
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return invalidParams("invalid transaction: " + err.Error())
	}
	if err := s.node.ProcessTx(&tx, args.Fee); err != nil {
		return rpcError(json2.E_SERVER, "rejected: "+err.Error())
	}
	*reply = tx.TxHash().String()
	return nil
}

// GetRawMempool returns the hashes of the pooled transactions.
func (s *BlockchainService) GetRawMempool(r *http.Request, args *struct{}, reply *[]string) error {
	hashes := s.node.TxPool.TxHashes()
	out := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, hash.String())
	}
	*reply = out
	return nil
}
