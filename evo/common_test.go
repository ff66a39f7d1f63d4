// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/wire"
	"github.com/stretchr/testify/require"
)

// deterministicReader yields a reproducible byte stream so that test keys are
// the same on every run.
type deterministicReader struct {
	seed    chainhash.Hash
	counter uint64
	buf     []byte
}

func newDeterministicReader(seed string) *deterministicReader {
	return &deterministicReader{seed: chainhash.HashH([]byte(seed))}
}

func (r *deterministicReader) Read(p []byte) (int, error) {
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

// testKeys are the keys controlling one test masternode.
type testKeys struct {
	owner    *btcec.PrivateKey
	operator *bls.SecretKey
	voting   wire.KeyID
	payout   []byte
}

func keyID(pub *btcec.PublicKey) wire.KeyID {
	var id wire.KeyID
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return id
}

func p2pkhScript(t *testing.T, id wire.KeyID) []byte {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(id[:]).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	return script
}

func newTestKeys(t *testing.T, seed string) *testKeys {
	r := newDeterministicReader(seed)
	var ownerBytes [32]byte
	_, _ = r.Read(ownerBytes[:])
	owner, _ := btcec.PrivKeyFromBytes(ownerBytes[:])
	operator, err := bls.GenerateKey(r)
	require.NoError(t, err)

	var voting, payout wire.KeyID
	_, _ = r.Read(voting[:])
	_, _ = r.Read(payout[:])
	return &testKeys{
		owner:    owner,
		operator: operator,
		voting:   voting,
		payout:   p2pkhScript(t, payout),
	}
}

func (k *testKeys) operatorPub() wire.BLSPublicKey {
	return wire.BLSPublicKey(k.operator.PublicKey().Serialize())
}

// fundingInput returns a unique input so that every test transaction has
// its own hash.
func fundingInput(tag string) *btcwire.TxIn {
	return &btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Hash: chainhash.HashH([]byte(tag)), Index: 0},
		Sequence:         btcwire.MaxTxInSequenceNum,
	}
}

// newProRegTx builds a registration with internal collateral in output 0.
func newProRegTx(t *testing.T, params *chaincfg.Params, keys *testKeys, mnType MnType, addr string) *wire.MsgTx {
	collateral := params.MasternodeCollateral
	if mnType == MnTypeHPMN {
		collateral = params.HPMNCollateral
	}
	p := &ProRegTx{
		Version:        ProTxVersion,
		Type:           mnType,
		Collateral:     btcwire.OutPoint{Index: 0},
		Address:        addr,
		KeyIDOwner:     keyID(keys.owner.PubKey()),
		PubKeyOperator: keys.operatorPub(),
		KeyIDVoting:    keys.voting,
		PayoutShares:   []PayoutShare{{Script: keys.payout, Reward: RewardBasisPoints}},
	}
	if mnType == MnTypeHPMN {
		copy(p.PlatformNodeID[:], keys.voting[:])
	}
	return buildProRegTx(params, p, collateral, "register "+addr+keys.voting.String())
}

func buildProRegTx(params *chaincfg.Params, p *ProRegTx, collateral int64, tag string) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeProRegTx)
	tx.AddTxIn(fundingInput(tag))
	tx.AddTxOut(btcwire.NewTxOut(collateral, []byte{txscript.OP_TRUE}))
	p.InputsHash = tx.InputsHash()
	tx.ExtraPayload = PayloadBytes(p)
	return tx
}

func newProUpServTx(t *testing.T, mn *Masternode, keys *testKeys, addr string, opScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeProUpServTx)
	tx.AddTxIn(fundingInput(fmt.Sprintf("upserv %v %s", mn.ProTxHash, addr)))
	p := &ProUpServTx{
		Version:              ProTxVersion,
		Type:                 mn.Type,
		ProTxHash:            mn.ProTxHash,
		Address:              addr,
		OperatorPayoutScript: opScript,
		PlatformNodeID:       mn.State.PlatformNodeID,
		InputsHash:           tx.InputsHash(),
	}
	hash := p.SignHash()
	p.Sig = wire.BLSSignature(keys.operator.Sign(hash[:]).Serialize())
	tx.ExtraPayload = PayloadBytes(p)
	return tx
}

func newProUpRegTx(t *testing.T, mn *Masternode, keys *testKeys, operator wire.BLSPublicKey) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeProUpRegTx)
	tx.AddTxIn(fundingInput(fmt.Sprintf("upreg %v %v", mn.ProTxHash, operator)))
	p := &ProUpRegTx{
		Version:        ProTxVersion,
		ProTxHash:      mn.ProTxHash,
		PubKeyOperator: operator,
		KeyIDVoting:    keys.voting,
		PayoutShares:   []PayoutShare{{Script: keys.payout, Reward: RewardBasisPoints}},
		InputsHash:     tx.InputsHash(),
	}
	hash := p.SignHash()
	p.Sig = ecdsa.SignCompact(keys.owner, hash[:], true)
	tx.ExtraPayload = PayloadBytes(p)
	return tx
}

func newProUpRevTx(t *testing.T, mn *Masternode, keys *testKeys, reason uint16) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeProUpRevTx)
	tx.AddTxIn(fundingInput(fmt.Sprintf("uprev %v", mn.ProTxHash)))
	p := &ProUpRevTx{
		Version:    ProTxVersion,
		ProTxHash:  mn.ProTxHash,
		Reason:     reason,
		InputsHash: tx.InputsHash(),
	}
	hash := p.SignHash()
	p.Sig = wire.BLSSignature(keys.operator.Sign(hash[:]).Serialize())
	tx.ExtraPayload = PayloadBytes(p)
	return tx
}

// spendTx spends the given outpoint.
func spendTx(op btcwire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeNormal)
	tx.AddTxIn(&btcwire.TxIn{PreviousOutPoint: op, Sequence: btcwire.MaxTxInSequenceNum})
	tx.AddTxOut(btcwire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	return tx
}

// testChain connects blocks on top of the regression test genesis block
// without any proof of work.  Every list and block context is kept so tests
// can replay the chain.
type testChain struct {
	t        *testing.T
	params   *chaincfg.Params
	list     *List
	lists    []*List
	blocks   []*wire.MsgBlock
	contexts []*BlockContext
	mnrr     bool
	punish   []chainhash.Hash
}

func newTestChain(t *testing.T) *testChain {
	params := chaincfg.RegressionNetParams
	genesis := NewList(params.GenesisHash, 0)
	return &testChain{
		t:      t,
		params: &params,
		list:   genesis,
		lists:  []*List{genesis},
	}
}

func (c *testChain) tipHash() chainhash.Hash {
	return c.list.BlockHash()
}

func (c *testChain) flags() TxFlags {
	return TxFlags{HPMNAllowed: true, MultiPayeeAllowed: true}
}

// makeBlock assembles the next block.  The coinbase payload commits to the
// given masternode list root.
func (c *testChain) makeBlock(mnRoot chainhash.Hash, txs ...*wire.MsgTx) *wire.MsgBlock {
	height := c.list.Height() + 1
	cb := &CbTx{
		Version:          CbTxVersionMerkleRootQuorums,
		Height:           uint32(height),
		MerkleRootMNList: mnRoot,
	}
	coinbase := wire.NewMsgTx(wire.TxTypeCoinbase)
	coinbase.AddTxIn(&btcwire.TxIn{
		PreviousOutPoint: btcwire.OutPoint{Index: btcwire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), byte(height >> 8)},
		Sequence:         btcwire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(btcwire.NewTxOut(1, []byte{txscript.OP_TRUE}))
	coinbase.ExtraPayload = PayloadBytes(cb)
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: c.tipHash(),
			Nonce:     uint32(height),
		},
		Transactions: append([]*wire.MsgTx{coinbase}, txs...),
	}
	block.Header.MerkleRoot = wire.CalcMerkleRoot(block.Transactions)
	return block
}

func (c *testChain) context(block *wire.MsgBlock) *BlockContext {
	return &BlockContext{
		Height:     c.list.Height() + 1,
		BlockHash:  block.BlockHash(),
		MNRRActive: c.mnrr,
		Flags:      c.flags(),
		PoSePunish: c.punish,
	}
}

// tryConnect applies the next block and keeps the result on success.  The
// block is built twice since its coinbase commits to the list it produces.
func (c *testChain) tryConnect(txs ...*wire.MsgTx) error {
	draft := c.makeBlock(chainhash.Hash{}, txs...)
	l, err := ApplyBlock(c.params, c.list, draft, c.context(draft))
	if err != nil {
		return err
	}
	block := c.makeBlock(l.MerkleRoot(), txs...)
	ctx := c.context(block)
	l, err = ApplyBlock(c.params, c.list, block, ctx)
	if err != nil {
		return err
	}
	if _, err := CheckCbTx(c.params, block, ctx.Height, l); err != nil {
		return err
	}
	c.list = l
	c.lists = append(c.lists, l)
	c.blocks = append(c.blocks, block)
	c.contexts = append(c.contexts, ctx)
	c.punish = nil
	return nil
}

func (c *testChain) connect(txs ...*wire.MsgTx) *List {
	c.t.Helper()
	require.NoError(c.t, c.tryConnect(txs...))
	return c.list
}

// payee returns the masternode paid in the tip block.
func (c *testChain) payee() *Masternode {
	var paid *Masternode
	c.list.ForEachMN(false, func(mn *Masternode) bool {
		if mn.State.LastPaidHeight == c.list.Height() {
			paid = mn
			return false
		}
		return true
	})
	return paid
}

// mustMN returns the masternode registered by tx.
func (c *testChain) mustMN(tx *wire.MsgTx) *Masternode {
	c.t.Helper()
	mn, ok := c.list.GetMN(tx.TxHash())
	require.True(c.t, ok, "masternode %v not in list", tx.TxHash())
	return mn
}

// requireRuleError asserts that err is a RuleError with the given code.
func requireRuleError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var rerr RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, code, rerr.ErrorCode, rerr.Description)
}
