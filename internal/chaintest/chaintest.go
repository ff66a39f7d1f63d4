// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaintest runs a small in-process network of masternode nodes on
// the regression test network.  Messages produced by a node are queued and
// delivered to every other node once the current step completed, the same
// way a block is relayed before the messages it triggers.
package chaintest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	btcchaincfg "github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/engine/leveldb"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
)

// maxFlushRounds bounds the delivery rounds of one step.  Every round
// either delivers messages or recovers signatures, so a network that does
// not settle within it is looping.
const maxFlushRounds = 1000

// DeterministicReader yields a reproducible byte stream so that keys and DKG
// contributions are the same on every run.
type DeterministicReader struct {
	seed    chainhash.Hash
	counter uint64
	buf     []byte
}

// NewDeterministicReader returns a reader whose stream is derived from seed.
func NewDeterministicReader(seed string) *DeterministicReader {
	return &DeterministicReader{seed: chainhash.HashH([]byte(seed))}
}

// Read fills p from the stream.  It never fails.
func (r *DeterministicReader) Read(p []byte) (int, error) {
	for len(r.buf) < len(p) {
		var b [chainhash.HashSize + 8]byte
		copy(b[:], r.seed[:])
		binary.LittleEndian.PutUint64(b[chainhash.HashSize:], r.counter)
		r.counter++
		h := chainhash.HashH(b[:])
		r.buf = append(r.buf, h[:]...)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Masternode holds the keys and the registration of a test masternode.
type Masternode struct {
	Owner        *btcec.PrivateKey
	Operator     *bls.SecretKey
	Voting       wire.KeyID
	PayoutScript []byte
	RegTx        *wire.MsgTx
	ProTxHash    chainhash.Hash
}

// NewMasternode derives the keys of a masternode from seed and builds its
// registration with internal collateral.  addr must be unique.
func NewMasternode(params *chaincfg.Params, seed, addr string) (*Masternode, error) {
	r := NewDeterministicReader(seed)
	var ownerBytes [32]byte
	_, _ = r.Read(ownerBytes[:])
	owner, _ := btcec.PrivKeyFromBytes(ownerBytes[:])
	operator, err := bls.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	var voting, payout wire.KeyID
	_, _ = r.Read(voting[:])
	_, _ = r.Read(payout[:])
	payoutScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(payout[:]).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, err
	}

	var ownerID wire.KeyID
	copy(ownerID[:], btcutil.Hash160(owner.PubKey().SerializeCompressed()))
	p := &evo.ProRegTx{
		Version:        evo.ProTxVersion,
		Type:           evo.MnTypeRegular,
		Collateral:     btcwire.OutPoint{Index: 0},
		Address:        addr,
		KeyIDOwner:     ownerID,
		PubKeyOperator: wire.BLSPublicKey(operator.PublicKey().Serialize()),
		KeyIDVoting:    voting,
		PayoutShares: []evo.PayoutShare{{
			Script: payoutScript,
			Reward: evo.RewardBasisPoints,
		}},
	}
	tx := wire.NewMsgTx(wire.TxTypeProRegTx)
	tx.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Hash: chainhash.HashH([]byte("fund " + seed))},
		Sequence:         btcwire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(btcwire.NewTxOut(params.MasternodeCollateral,
		[]byte{txscript.OP_TRUE}))
	p.InputsHash = tx.InputsHash()
	tx.ExtraPayload = evo.PayloadBytes(p)

	return &Masternode{
		Owner:        owner,
		Operator:     operator,
		Voting:       voting,
		PayoutScript: payoutScript,
		RegTx:        tx,
		ProTxHash:    tx.TxHash(),
	}, nil
}

// Params returns regression test parameters restricted to the chainlock and
// instant-send quorum types, which three masternodes can form.  sporkKey
// becomes the only spork signer.
func Params(sporkKey *btcec.PrivateKey) *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.LLMQs = make(map[chaincfg.LLMQType]*chaincfg.LLMQParams)
	for _, t := range []chaincfg.LLMQType{params.LLMQTypeChainLocks,
		params.LLMQTypeInstantSend} {

		llmq, ok := chaincfg.RegressionNetParams.LLMQ(t)
		if ok {
			params.LLMQs[t] = llmq
		}
	}
	params.SporkAddresses = []string{
		hex.EncodeToString(btcutil.Hash160(sporkKey.PubKey().SerializeCompressed())),
	}
	params.MinSporkKeys = 1
	return &params
}

// envelope is a queued message along with the index of the node that sent
// it.
type envelope struct {
	from int
	msg  wire.Message
}

// relay queues the messages of one node on the network.
type relay struct {
	net  *Network
	from int
}

func (r relay) Broadcast(msg wire.Message) {
	r.net.mtx.Lock()
	r.net.queue = append(r.net.queue, envelope{r.from, msg})
	r.net.mtx.Unlock()
}

// Network is a set of masternode nodes sharing one chain.
type Network struct {
	Params      *chaincfg.Params
	Nodes       []*node.Node
	Masternodes []*Masternode
	Now         time.Time

	sporkKey string

	mtx      sync.Mutex
	queue    []envelope
	isolated map[int]bool

	// Rejected counts the messages a node refused, by command.
	Rejected map[string]int
}

// NewNetwork creates n masternode nodes.  The masternodes are not
// registered yet, see Start.
func NewNetwork(n int) (*Network, error) {
	keyBytes := chainhash.HashH([]byte("spork key"))
	sporkPriv, _ := btcec.PrivKeyFromBytes(keyBytes[:])
	wif, err := btcutil.NewWIF(sporkPriv, &btcchaincfg.RegressionNetParams, true)
	if err != nil {
		return nil, err
	}

	params := Params(sporkPriv)
	net := &Network{
		Params:   params,
		Now:      params.GenesisBlock.Header.Timestamp,
		sporkKey: wif.String(),
		isolated: make(map[int]bool),
		Rejected: make(map[string]int),
	}
	for i := 0; i < n; i++ {
		mn, err := NewMasternode(params, fmt.Sprintf("masternode %d", i),
			fmt.Sprintf("127.0.0.1:%d", 1001+i))
		if err != nil {
			return nil, err
		}
		nd, err := node.New(&node.Config{
			ChainParams:  params,
			DB:           leveldb.NewMemDB(),
			ProTxHash:    mn.ProTxHash,
			OperatorKey:  mn.Operator,
			SporkKey:     net.sporkKey,
			MiningPolicy: &mining.Policy{BlockMaxSize: mining.DefaultBlockMaxSize},
			TimeSource:   func() time.Time { return net.Now },
			Rand:         NewDeterministicReader(fmt.Sprintf("dkg %d", i)),
		})
		if err != nil {
			return nil, err
		}
		nd.AddRelay(relay{net: net, from: i})
		net.Nodes = append(net.Nodes, nd)
		net.Masternodes = append(net.Masternodes, mn)
	}
	return net, nil
}

// Start enables the given sporks on every node and mines the registrations
// of all masternodes in the first block.
func (net *Network) Start(sporks ...spork.ID) error {
	for _, id := range sporks {
		if _, err := net.Nodes[0].Sporks.UpdateSpork(id, 0); err != nil {
			return err
		}
	}
	if err := net.Flush(); err != nil {
		return err
	}
	for _, mn := range net.Masternodes {
		if err := net.Nodes[0].ProcessTx(mn.RegTx, 0); err != nil {
			return err
		}
	}
	_, err := net.MineBlock()
	return err
}

// MineBlock builds a block on the first node, has every node process it and
// then delivers the messages the block triggered.
func (net *Network) MineBlock() (*wire.MsgBlock, error) {
	block, err := net.ConnectBlock()
	if err != nil {
		return nil, err
	}
	if err := net.Flush(); err != nil {
		return nil, err
	}
	return block, nil
}

// ConnectBlock builds a block on the first node and has every node process
// it.  Nothing the block triggers is applied or delivered until the next
// Flush.
func (net *Network) ConnectBlock() (*wire.MsgBlock, error) {
	template, err := net.Nodes[0].Generator.NewBlockTemplate(nil)
	if err != nil {
		return nil, err
	}
	for i, n := range net.Nodes {
		if _, err := n.ProcessBlock(template.Block); err != nil {
			return nil, fmt.Errorf("node %d rejected block %d: %w", i,
				template.Height, err)
		}
	}
	return template.Block, nil
}

// Isolate drops every message the given nodes send or would receive until
// Reconnect.  Blocks still reach them.
func (net *Network) Isolate(nodes ...int) {
	net.mtx.Lock()
	isolated := make(map[int]bool, len(net.isolated)+len(nodes))
	for i := range net.isolated {
		isolated[i] = true
	}
	for _, i := range nodes {
		isolated[i] = true
	}
	net.isolated = isolated
	net.mtx.Unlock()
}

// Reconnect ends the isolation of every node.
func (net *Network) Reconnect() {
	net.mtx.Lock()
	net.isolated = make(map[int]bool)
	net.mtx.Unlock()
}

// MineBlocks mines n blocks.
func (net *Network) MineBlocks(n int) error {
	for i := 0; i < n; i++ {
		if _, err := net.MineBlock(); err != nil {
			return err
		}
	}
	return nil
}

// MineUntil mines blocks until the tip reaches height.
func (net *Network) MineUntil(height int32) error {
	for net.Nodes[0].Chain.BestSnapshot().Height < height {
		if _, err := net.MineBlock(); err != nil {
			return err
		}
	}
	return nil
}

// SubmitTx adds a transaction to the pool of every node.
func (net *Network) SubmitTx(tx *wire.MsgTx) error {
	for i, n := range net.Nodes {
		if err := n.ProcessTx(tx, 0); err != nil {
			return fmt.Errorf("node %d rejected tx %v: %w", i, tx.TxHash(), err)
		}
	}
	return net.Flush()
}

// Flush applies pending DKG tip changes, delivers queued messages and
// processes pending signature shares until the network settles.
func (net *Network) Flush() error {
	for round := 0; round < maxFlushRounds; round++ {
		var processed int
		for _, n := range net.Nodes {
			if n.DKG != nil {
				processed += n.DKG.ProcessPendingTips()
			}
		}

		net.mtx.Lock()
		queue := net.queue
		net.queue = nil
		net.mtx.Unlock()

		for _, env := range queue {
			if err := net.deliver(env); err != nil {
				return err
			}
		}

		for _, n := range net.Nodes {
			processed += n.Signing.ProcessPendingSigShares()
		}

		net.mtx.Lock()
		idle := len(net.queue) == 0
		net.mtx.Unlock()
		if idle && processed == 0 && len(queue) == 0 {
			return nil
		}
	}
	return fmt.Errorf("network did not settle after %d rounds", maxFlushRounds)
}

// deliver sends a copy of a queued message through the wire codec to every
// node but its sender and the isolated ones.
func (net *Network) deliver(env envelope) error {
	net.mtx.Lock()
	isolated := net.isolated
	net.mtx.Unlock()
	if isolated[env.from] {
		return nil
	}

	var buf bytes.Buffer
	err := wire.WriteMessage(&buf, env.msg, wire.ProtocolVersion, net.Params.Net)
	if err != nil {
		return err
	}
	raw := buf.Bytes()
	for i, n := range net.Nodes {
		if i == env.from || isolated[i] {
			continue
		}
		msg, _, err := wire.ReadMessage(bytes.NewReader(raw),
			wire.ProtocolVersion, net.Params.Net)
		if err != nil {
			return err
		}
		if err := n.ProcessMessage(msg); err != nil {
			net.mtx.Lock()
			net.Rejected[msg.Command()]++
			net.mtx.Unlock()
		}
	}
	return nil
}

// Broadcast queues msg as if the node at index from sent it.
func (net *Network) Broadcast(from int, msg wire.Message) {
	relay{net: net, from: from}.Broadcast(msg)
}

// Height returns the height of the best block of the first node.
func (net *Network) Height() int32 {
	return net.Nodes[0].Chain.BestSnapshot().Height
}
