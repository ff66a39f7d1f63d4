// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	pkgerrors "github.com/pkg/errors"
)

// quorumCacheSize is the number of quorums kept in memory.
const quorumCacheSize = 512

// maxVvecSize bounds the serialized verification vector read from the
// database.
const maxVvecSize = 400 * bls.PublicKeySize

// Broadcaster relays quorum messages to the network.
type Broadcaster interface {
	Broadcast(msg wire.Message)
}

// Chain is the view of the main chain the quorum manager needs.
type Chain interface {
	BestSnapshot() *blockchain.BestState
	BlockHashByHeight(height int32) (*chainhash.Hash, error)
}

// MainChainAncestor returns an AncestorFunc resolving heights on the main
// chain.
func MainChainAncestor(chain Chain) AncestorFunc {
	return func(height int32) (chainhash.Hash, bool) {
		if height < 0 {
			return chainhash.Hash{}, false
		}
		hash, err := chain.BlockHashByHeight(height)
		if err != nil {
			return chainhash.Hash{}, false
		}
		return *hash, true
	}
}

// Quorum is a quorum whose final commitment was mined on the main chain.
type Quorum struct {
	Params      *chaincfg.LLMQParams
	Commitment  wire.FinalCommitment
	Height      int32
	MinedHeight int32
	MinedBlock  chainhash.Hash
	Members     []*evo.Masternode

	publicKey *bls.PublicKey

	mtx     sync.RWMutex
	vvec    bls.VerificationVector
	skShare *bls.SecretKey
	shares  map[int]*bls.PublicKey
}

// QuorumHash returns the hash of the quorum base block.
func (q *Quorum) QuorumHash() chainhash.Hash {
	return q.Commitment.QuorumHash
}

// Index returns the quorum index within its rotation cycle.
func (q *Quorum) Index() int16 {
	return q.Commitment.QuorumIndex
}

// PublicKey returns the quorum public key.
func (q *Quorum) PublicKey() *bls.PublicKey {
	return q.publicKey
}

// Threshold returns the number of signature shares needed to recover a
// quorum signature.
func (q *Quorum) Threshold() int {
	return q.Params.Threshold
}

// MemberIndex returns the position of a masternode in the quorum, -1 when
// it is not a member.
func (q *Quorum) MemberIndex(proTxHash chainhash.Hash) int {
	for i, mn := range q.Members {
		if mn.ProTxHash == proTxHash {
			return i
		}
	}
	return -1
}

// IsMember returns whether the masternode was selected into the quorum.
func (q *Quorum) IsMember(proTxHash chainhash.Hash) bool {
	return q.MemberIndex(proTxHash) >= 0
}

// IsValidMember returns whether the masternode is a member that completed
// the DKG.
func (q *Quorum) IsValidMember(proTxHash chainhash.Hash) bool {
	i := q.MemberIndex(proTxHash)
	return i >= 0 && q.Commitment.ValidMembers[i]
}

// HasVerificationVector returns whether the member public key shares of the
// quorum can be derived.
func (q *Quorum) HasVerificationVector() bool {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return q.vvec != nil
}

// PublicKeyShare returns the public key share of the member at memberIndex.
//
// This function is safe for concurrent access.
func (q *Quorum) PublicKeyShare(memberIndex int) (*bls.PublicKey, error) {
	if memberIndex < 0 || memberIndex >= len(q.Members) ||
		!q.Commitment.ValidMembers[memberIndex] {

		return nil, fmt.Errorf("no valid member %d in quorum %v", memberIndex,
			q.QuorumHash())
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.vvec == nil {
		return nil, ErrNoVerificationVector
	}
	if pk, ok := q.shares[memberIndex]; ok {
		return pk, nil
	}
	pk := q.vvec.PublicKeyShare(bls.IDFromHash(&q.Members[memberIndex].ProTxHash))
	q.shares[memberIndex] = pk
	return pk, nil
}

// SecretKeyShare returns the secret key share this node holds as a member.
func (q *Quorum) SecretKeyShare() (*bls.SecretKey, error) {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	if q.skShare == nil {
		return nil, ErrNoSecretKeyShare
	}
	return q.skShare, nil
}

// setSecrets installs the verification vector and an optional secret key
// share.
func (q *Quorum) setSecrets(vvec bls.VerificationVector, skShare *bls.SecretKey) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.vvec = vvec
	q.shares = make(map[int]*bls.PublicKey)
	if skShare != nil {
		q.skShare = skShare
	}
}

func quorumVvecKey(t chaincfg.LLMQType, quorumHash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.QuorumVvecBucket, []byte{uint8(t)},
		quorumHash[:])
}

// QuorumManager builds quorums from mined commitments and keeps the
// verification vectors and key shares produced by the DKG.
type QuorumManager struct {
	params *chaincfg.Params
	db     engine.Engine
	chain  Chain
	blocks *BlockProcessor

	mtx   sync.Mutex
	cache lru.KVCache
}

// NewQuorumManager returns a quorum manager over the commitments stored by
// blocks.
func NewQuorumManager(params *chaincfg.Params, db engine.Engine, chain Chain, blocks *BlockProcessor) *QuorumManager {
	return &QuorumManager{
		params: params,
		db:     db,
		chain:  chain,
		blocks: blocks,
		cache:  lru.NewKVCache(quorumCacheSize),
	}
}

// ChainParams returns the network parameters of the manager.
func (m *QuorumManager) ChainParams() *chaincfg.Params {
	return m.params
}

// BlockProcessor returns the processor of mined commitments.
func (m *QuorumManager) BlockProcessor() *BlockProcessor {
	return m.blocks
}

// TipHeight returns the height of the main chain tip.
func (m *QuorumManager) TipHeight() int32 {
	return m.chain.BestSnapshot().Height
}

// Ancestor returns an AncestorFunc over the main chain.
func (m *QuorumManager) Ancestor() AncestorFunc {
	return MainChainAncestor(m.chain)
}

// quorumFromMined returns the quorum of a mined commitment, reusing the
// cached one while it was mined in the same block.
func (m *QuorumManager) quorumFromMined(llmq *chaincfg.LLMQParams, mined *MinedCommitment) (*Quorum, error) {
	key := memberKey{llmq.Type, mined.Commitment.QuorumHash}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if v, ok := m.cache.Lookup(key); ok {
		q := v.(*Quorum)
		if q.MinedBlock == mined.MinedBlock {
			return q, nil
		}
	}

	members, err := m.blocks.Selector().QuorumMembers(llmq,
		mined.Commitment.QuorumHash, mined.QuorumHeight, m.Ancestor())
	if err != nil {
		return nil, err
	}
	pk, err := bls.PublicKeyFromBytes(mined.Commitment.QuorumPublicKey[:])
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "quorum %v", mined.Commitment.QuorumHash)
	}
	q := &Quorum{
		Params:      llmq,
		Commitment:  mined.Commitment,
		Height:      mined.QuorumHeight,
		MinedHeight: mined.MinedHeight,
		MinedBlock:  mined.MinedBlock,
		Members:     members,
		publicKey:   pk,
		shares:      make(map[int]*bls.PublicKey),
	}
	if err := m.loadSecrets(q); err != nil {
		return nil, err
	}
	m.cache.Add(key, q)
	return q, nil
}

// loadSecrets installs the stored verification vector and key share of q.
func (m *QuorumManager) loadSecrets(q *Quorum) error {
	hash := q.QuorumHash()
	v, err := engine.Get(m.db, quorumVvecKey(q.Params.Type, &hash))
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read secrets of quorum %v", hash)
	}
	if v == nil {
		return nil
	}
	r := bytes.NewReader(v)
	vvecBytes, err := btcwire.ReadVarBytes(r, 0, maxVvecSize, "vvec")
	if err != nil {
		return pkgerrors.Wrapf(err, "corrupt secrets of quorum %v", hash)
	}
	vvec, err := bls.VerificationVectorFromBytes(vvecBytes)
	if err != nil {
		return pkgerrors.Wrapf(err, "corrupt verification vector of quorum %v", hash)
	}
	var skShare *bls.SecretKey
	if r.Len() != 0 {
		skBytes := make([]byte, r.Len())
		_, _ = r.Read(skBytes)
		skShare, err = bls.SecretKeyFromBytes(skBytes)
		if err != nil {
			return pkgerrors.Wrapf(err, "corrupt key share of quorum %v", hash)
		}
	}
	q.setSecrets(vvec, skShare)
	return nil
}

// SetQuorumSecrets stores the verification vector of a quorum and, when this
// node is a valid member, its secret key share.  The vector must match the
// hash committed to once the commitment is mined.
//
// This function is safe for concurrent access.
func (m *QuorumManager) SetQuorumSecrets(t chaincfg.LLMQType, quorumHash chainhash.Hash, vvec bls.VerificationVector, skShare *bls.SecretKey) error {
	var buf bytes.Buffer
	if err := btcwire.WriteVarBytes(&buf, 0, vvec.Bytes()); err != nil {
		return err
	}
	if skShare != nil {
		buf.Write(skShare.Bytes())
	}
	err := engine.Update(m.db, func(tx engine.Transaction) error {
		return tx.Put(quorumVvecKey(t, &quorumHash), buf.Bytes())
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to store secrets of quorum %v",
			quorumHash)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if v, ok := m.cache.Lookup(memberKey{t, quorumHash}); ok {
		v.(*Quorum).setSecrets(vvec, skShare)
	}
	return nil
}

// GetQuorum returns the quorum of type t whose base block is quorumHash.
// ErrQuorumNotFound is returned when no commitment for it was mined on the
// main chain.
//
// This function is safe for concurrent access.
func (m *QuorumManager) GetQuorum(t chaincfg.LLMQType, quorumHash chainhash.Hash) (*Quorum, error) {
	llmq, ok := m.params.LLMQ(t)
	if !ok {
		return nil, fmt.Errorf("unknown quorum type %v", t)
	}
	mined, err := m.blocks.MinedCommitment(t, quorumHash)
	if err != nil {
		return nil, err
	}
	return m.quorumFromMined(llmq, mined)
}

// ScanQuorums returns up to n quorums of type t mined at or below height,
// newest first.
//
// This function is safe for concurrent access.
func (m *QuorumManager) ScanQuorums(t chaincfg.LLMQType, height int32, n int) ([]*Quorum, error) {
	llmq, ok := m.params.LLMQ(t)
	if !ok {
		return nil, fmt.Errorf("unknown quorum type %v", t)
	}
	mined, err := m.blocks.ScanMinedCommitments(t, height, n)
	if err != nil {
		return nil, err
	}
	quorums := make([]*Quorum, 0, len(mined))
	for _, mc := range mined {
		q, err := m.quorumFromMined(llmq, mc)
		if err != nil {
			return nil, err
		}
		quorums = append(quorums, q)
	}
	return quorums, nil
}

// IsQuorumActive returns whether a quorum is among the newest quorums of
// its type whose keys are retained at the tip.
//
// This function is safe for concurrent access.
func (m *QuorumManager) IsQuorumActive(t chaincfg.LLMQType, quorumHash chainhash.Hash) (bool, error) {
	llmq, ok := m.params.LLMQ(t)
	if !ok {
		return false, fmt.Errorf("unknown quorum type %v", t)
	}
	n := llmq.SigningActiveQuorumCount + llmq.KeepOldKeys
	found := false
	err := m.blocks.scanMined(t, m.TipHeight(), func(hash, _ chainhash.Hash) bool {
		if hash == quorumHash {
			found = true
			return false
		}
		n--
		return n > 0
	})
	return found, err
}
