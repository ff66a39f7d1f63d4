// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"bytes"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/wire"
)

// maxGenerateBlocks bounds the number of blocks mining.Generate mines in one
// request.
const maxGenerateBlocks = 1000

// MiningService serves the block template and block submission methods.
type MiningService struct {
	node *node.Node
}

// CbTxReply is the special payload of a coinbase transaction.
type CbTxReply struct {
	Version           uint16 `json:"version"`
	Height            uint32 `json:"height"`
	MerkleRootMNList  string `json:"merkleRootMNList"`
	MerkleRootQuorums string `json:"merkleRootQuorums"`
	BestCLHeightDiff  uint32 `json:"bestCLHeightDiff"`
	BestCLSignature   string `json:"bestCLSignature"`
}

// BlockTemplateArgs are the arguments of mining.GetBlockTemplate.
// PayToScript is the hex encoded script the coinbase pays to.  An empty
// script makes the coinbase spendable by anyone.
type BlockTemplateArgs struct {
	PayToScript string `json:"payToScript"`
}

// BlockTemplateReply is a block ready to be solved.
type BlockTemplateReply struct {
	Height            int32     `json:"height"`
	PreviousBlockHash string    `json:"previousblockhash"`
	Bits              string    `json:"bits"`
	CurTime           int64     `json:"curtime"`
	Block             string    `json:"block"`
	Transactions      int       `json:"transactions"`
	Fees              int64     `json:"fees"`
	CommitmentTxs     int       `json:"quorumCommitments"`
	MasternodePayouts []Payout  `json:"masternode"`
	CbTx              CbTxReply `json:"coinbasePayload"`
}

// GetBlockTemplate returns a block template extending the best block.
func (s *MiningService) GetBlockTemplate(r *http.Request, args *BlockTemplateArgs, reply *BlockTemplateReply) error {
	var payToScript []byte
	if args.PayToScript != "" {
		script, err := hex.DecodeString(args.PayToScript)
		if err != nil {
			return invalidParams("invalid payToScript: " + err.Error())
		}
		payToScript = script
	}
	template, err := s.node.Generator.NewBlockTemplate(payToScript)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	block := template.Block
	var fees int64
	for _, fee := range template.Fees {
		fees += fee
	}
	*reply = BlockTemplateReply{
		Height:            template.Height,
		PreviousBlockHash: block.Header.PrevBlock.String(),
		Bits:              hexUint32(block.Header.Bits),
		CurTime:           block.Header.Timestamp.Unix(),
		Block:             hex.EncodeToString(block.Bytes()),
		Transactions:      len(block.Transactions),
		Fees:              fees,
		CommitmentTxs:     template.CommitmentTxs,
		MasternodePayouts: []Payout{},
	}
	for _, out := range template.MasternodePayouts {
		reply.MasternodePayouts = append(reply.MasternodePayouts, Payout{
			Script: hex.EncodeToString(out.PkScript),
			Amount: out.Value,
		})
	}
	if cb := template.CbTx; cb != nil {
		reply.CbTx = CbTxReply{
			Version:           cb.Version,
			Height:            cb.Height,
			MerkleRootMNList:  cb.MerkleRootMNList.String(),
			MerkleRootQuorums: cb.MerkleRootQuorums.String(),
			BestCLHeightDiff:  cb.BestCLHeightDiff,
			BestCLSignature:   hex.EncodeToString(cb.BestCLSignature[:]),
		}
	}
	return nil
}

// SubmitBlockArgs carry a serialized block.
type SubmitBlockArgs struct {
	Block string `json:"block"`
}

// SubmitBlock processes a serialized block.  It returns the hash of the
// block.
func (s *MiningService) SubmitBlock(r *http.Request, args *SubmitBlockArgs, reply *string) error {
	b, err := hex.DecodeString(args.Block)
	if err != nil {
		return invalidParams("invalid block: " + err.Error())
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(b)); err != nil {
		return invalidParams("invalid block: " + err.Error())
	}
	isMain, err := s.node.ProcessBlock(&block)
	if err != nil {
		return rpcError(json2.E_SERVER, "rejected: "+err.Error())
	}
	if !isMain {
		return rpcError(json2.E_SERVER, "block is not on the main chain")
	}
	*reply = block.BlockHash().String()
	return nil
}

// GenerateArgs are the arguments of mining.Generate.
type GenerateArgs struct {
	Blocks uint32 `json:"blocks"`
}

// Generate mines blocks with the CPU miner and returns their hashes.
func (s *MiningService) Generate(r *http.Request, args *GenerateArgs, reply *[]string) error {
	if args.Blocks == 0 || args.Blocks > maxGenerateBlocks {
		return invalidParams("invalid number of blocks")
	}
	hashes, err := s.node.Miner.GenerateNBlocks(r.Context(), args.Blocks)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	out := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, hash.String())
	}
	*reply = out
	return nil
}

// SetGenerateArgs are the arguments of mining.SetGenerate.
type SetGenerateArgs struct {
	Generate bool `json:"generate"`
}

// SetGenerate starts or stops the background CPU miner.
func (s *MiningService) SetGenerate(r *http.Request, args *SetGenerateArgs, reply *bool) error {
	if args.Generate {
		s.node.Miner.Start()
	} else {
		s.node.Miner.Stop()
	}
	*reply = s.node.Miner.IsMining()
	return nil
}
