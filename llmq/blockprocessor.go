// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
	pkgerrors "github.com/pkg/errors"
)

// minedCacheSize is the number of mined commitment lookups kept in memory.
const minedCacheSize = 1024

// errStopScan ends a database scan early.
var errStopScan = errors.New("stop scan")

// MinedCommitment is a non-null final commitment together with where it was
// mined.
type MinedCommitment struct {
	Commitment   wire.FinalCommitment
	QuorumHeight int32
	MinedHeight  int32
	MinedBlock   chainhash.Hash
}

func (m *MinedCommitment) bytes() []byte {
	var buf bytes.Buffer
	_ = wire.WriteElements(&buf, uint32(m.QuorumHeight), uint32(m.MinedHeight),
		m.MinedBlock)
	_ = m.Commitment.Serialize(&buf)
	return buf.Bytes()
}

func deserializeMinedCommitment(b []byte) (*MinedCommitment, error) {
	r := bytes.NewReader(b)
	var quorumHeight, minedHeight uint32
	m := new(MinedCommitment)
	if err := wire.ReadElements(r, &quorumHeight, &minedHeight, &m.MinedBlock); err != nil {
		return nil, err
	}
	if err := m.Commitment.Deserialize(r); err != nil {
		return nil, err
	}
	m.QuorumHeight = int32(quorumHeight)
	m.MinedHeight = int32(minedHeight)
	return m, nil
}

func minedKey(t chaincfg.LLMQType, quorumHash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.MinedCommitmentBucket, []byte{uint8(t)},
		quorumHash[:])
}

func minedByHeightPrefix(t chaincfg.LLMQType) []byte {
	return []byte{dbnamespace.MinedCommitmentByHeightBucket, uint8(t)}
}

// minedByHeightKey sorts the newest commitments of a type first.
func minedByHeightKey(t chaincfg.LLMQType, minedHeight int32, quorumIndex int16) []byte {
	index := []byte{byte(uint16(quorumIndex) >> 8), byte(quorumIndex)}
	return engine.Key(dbnamespace.MinedCommitmentByHeightBucket, []byte{uint8(t)},
		dbnamespace.Uint32Key(math.MaxUint32-uint32(minedHeight)), index)
}

// minedByHeightValue is the quorum hash followed by the commitment hash.
func minedByHeightValue(c *wire.FinalCommitment) []byte {
	hash := c.Hash()
	return append(append([]byte(nil), c.QuorumHash[:]...), hash[:]...)
}

// slot identifies one quorum formed in a DKG interval.
type slot struct {
	llmqType    chaincfg.LLMQType
	quorumIndex int16
}

// BlockProcessor validates and stores the final commitments mined in blocks
// and keeps the commitments that are ready to be mined.
type BlockProcessor struct {
	params   *chaincfg.Params
	db       engine.Engine
	selector *Selector

	mtx      sync.Mutex
	mineable map[memberKey]*wire.FinalCommitment
	mined    lru.KVCache
}

// NewBlockProcessor returns a block processor storing commitments in db.
func NewBlockProcessor(params *chaincfg.Params, db engine.Engine, selector *Selector) *BlockProcessor {
	return &BlockProcessor{
		params:   params,
		db:       db,
		selector: selector,
		mineable: make(map[memberKey]*wire.FinalCommitment),
		mined:    lru.NewKVCache(minedCacheSize),
	}
}

// Selector returns the member selector used to verify commitments.
func (bp *BlockProcessor) Selector() *Selector {
	return bp.selector
}

// IsQuorumTypeEnabled returns whether quorums of the type are formed at
// height.
func IsQuorumTypeEnabled(params *chaincfg.Params, llmq *chaincfg.LLMQParams, height int32) bool {
	switch {
	case int64(height) < params.DIP0003Height:
		return false
	case llmq.UseRotation:
		return int64(height) >= params.DIP0024Height
	case llmq.HPMNOnly:
		return int64(height) >= params.V19Height
	}
	return true
}

// IsMiningPhase returns whether a block at height lies in the window in which
// the commitments of the current DKG interval are mined.  Rotating types
// start mining once all quorums of the cycle finished their phases.
func IsMiningPhase(llmq *chaincfg.LLMQParams, height int32) bool {
	h := int64(height)
	if llmq.UseRotation {
		cycleStart := h - h%llmq.DKGInterval
		start := cycleStart + int64(llmq.SigningActiveQuorumCount) +
			5*llmq.DKGPhaseBlocks + 1
		end := start + llmq.DKGMiningWindowEnd - llmq.DKGMiningWindowStart
		return h >= start && h <= end
	}
	phase := h % llmq.DKGInterval
	return phase >= llmq.DKGMiningWindowStart && phase <= llmq.DKGMiningWindowEnd
}

// QuorumBaseHeight returns the height of the base block of the quorum with
// the given index in the DKG interval containing height.
func QuorumBaseHeight(llmq *chaincfg.LLMQParams, height int32, quorumIndex int16) int32 {
	h := int64(height)
	return int32(h - h%llmq.DKGInterval + int64(quorumIndex))
}

// quorumBlockHash returns the base block of the quorum a block at height
// would commit to.  The base block of the current interval is unknown while
// it is the block itself.
func quorumBlockHash(llmq *chaincfg.LLMQParams, height int32, quorumIndex int16, ancestor AncestorFunc) (chainhash.Hash, int32, bool) {
	baseHeight := QuorumBaseHeight(llmq, height, quorumIndex)
	if baseHeight >= height {
		return chainhash.Hash{}, 0, false
	}
	hash, ok := ancestor(baseHeight)
	return hash, baseHeight, ok
}

// HasMinedCommitment returns whether a non-null commitment was mined for the
// quorum on the main chain.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) HasMinedCommitment(t chaincfg.LLMQType, quorumHash chainhash.Hash) (bool, error) {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()
	return bp.hasMinedCommitment(t, quorumHash)
}

// hasMinedCommitment is the lock-free variant of HasMinedCommitment.
//
// This function MUST be called with the processor lock held.
func (bp *BlockProcessor) hasMinedCommitment(t chaincfg.LLMQType, quorumHash chainhash.Hash) (bool, error) {
	key := memberKey{t, quorumHash}
	if v, ok := bp.mined.Lookup(key); ok {
		return v.(bool), nil
	}
	var exists bool
	err := engine.View(bp.db, func(s engine.Snapshot) error {
		var err error
		exists, err = s.Has(minedKey(t, &quorumHash))
		return err
	})
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to look up mined commitment")
	}
	bp.mined.Add(key, exists)
	return exists, nil
}

// MinedCommitment returns the commitment mined for a quorum on the main
// chain.  ErrQuorumNotFound is returned when there is none.
func (bp *BlockProcessor) MinedCommitment(t chaincfg.LLMQType, quorumHash chainhash.Hash) (*MinedCommitment, error) {
	v, err := engine.Get(bp.db, minedKey(t, &quorumHash))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read mined commitment")
	}
	if v == nil {
		return nil, ErrQuorumNotFound
	}
	m, err := deserializeMinedCommitment(v)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "corrupt commitment for quorum %v",
			quorumHash)
	}
	return m, nil
}

// ScanMinedCommitments returns up to n commitments of type t mined at or
// below maxHeight, newest first.
func (bp *BlockProcessor) ScanMinedCommitments(t chaincfg.LLMQType, maxHeight int32, n int) ([]*MinedCommitment, error) {
	var hashes []chainhash.Hash
	err := bp.scanMined(t, maxHeight, func(quorumHash, _ chainhash.Hash) bool {
		hashes = append(hashes, quorumHash)
		return len(hashes) < n
	})
	if err != nil || n <= 0 {
		return nil, err
	}

	mined := make([]*MinedCommitment, 0, len(hashes))
	for _, hash := range hashes {
		m, err := bp.MinedCommitment(t, hash)
		if err != nil {
			return nil, err
		}
		mined = append(mined, m)
	}
	return mined, nil
}

// scanMined calls fn with the quorum hash and commitment hash of every
// commitment of type t mined at or below maxHeight, newest first, until fn
// returns false.
func (bp *BlockProcessor) scanMined(t chaincfg.LLMQType, maxHeight int32, fn func(quorumHash, commitmentHash chainhash.Hash) bool) error {
	minKey := dbnamespace.Uint32Key(math.MaxUint32 - uint32(maxHeight))
	err := engine.ForEach(bp.db, minedByHeightPrefix(t), func(key, value []byte) error {
		if bytes.Compare(key[2:6], minKey) < 0 {
			return nil
		}
		if len(value) != 2*chainhash.HashSize {
			return fmt.Errorf("corrupt mined commitment index entry %x", key)
		}
		var quorumHash, commitmentHash chainhash.Hash
		copy(quorumHash[:], value[:chainhash.HashSize])
		copy(commitmentHash[:], value[chainhash.HashSize:])
		if !fn(quorumHash, commitmentHash) {
			return errStopScan
		}
		return nil
	})
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// commitmentsFromBlock decodes the commitments of a block at height keyed by
// the quorum they form.
func (bp *BlockProcessor) commitmentsFromBlock(block *wire.MsgBlock, height int32) (map[slot]*wire.FinalCommitment, error) {
	qcs := make(map[slot]*wire.FinalCommitment)
	for _, tx := range block.Transactions {
		if tx.Type != wire.TxTypeQuorumCommitment || !tx.IsSpecial() {
			continue
		}
		p, err := CommitmentTxPayloadFromTx(tx)
		if err != nil {
			return nil, err
		}
		if int32(p.Height) != height {
			str := fmt.Sprintf("commitment payload height %d in block %d",
				p.Height, height)
			return nil, ruleError(ErrBadCommitmentHeight, str)
		}
		c := &p.Commitment
		if _, err := commitmentParams(bp.params, c); err != nil {
			return nil, err
		}
		s := slot{chaincfg.LLMQType(c.LLMQType), c.QuorumIndex}
		if _, ok := qcs[s]; ok {
			str := fmt.Sprintf("block contains two %v commitments for "+
				"quorum index %d", s.llmqType, s.quorumIndex)
			return nil, ruleError(ErrDuplicateCommitment, str)
		}
		qcs[s] = c
	}
	if int64(height) < bp.params.DIP0003Height && len(qcs) != 0 {
		return nil, ruleError(ErrPrematureCommitment, "commitment before "+
			"special transactions are active")
	}
	return qcs, nil
}

// ProcessBlock checks the commitments of a block at height and stores the
// non-null ones.  Every block in a mining window has to carry a (possibly
// null) commitment for each quorum until a non-null one is mined, and no
// other block may carry one.  The masternodes that did not end up valid
// members of a committed quorum are returned for PoSe punishment.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) ProcessBlock(block *wire.MsgBlock, height int32, ancestor AncestorFunc) ([]chainhash.Hash, error) {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	punish, err := bp.processBlock(block, height, ancestor)
	if err != nil {
		return nil, toChainError(err)
	}
	return punish, nil
}

// processBlock is the lock-free variant of ProcessBlock.
//
// This function MUST be called with the processor lock held.
func (bp *BlockProcessor) processBlock(block *wire.MsgBlock, height int32, ancestor AncestorFunc) ([]chainhash.Hash, error) {
	qcs, err := bp.commitmentsFromBlock(block, height)
	if err != nil {
		return nil, err
	}
	if int64(height) < bp.params.DIP0003Height {
		return nil, nil
	}

	blockHash := block.BlockHash()
	var records []*MinedCommitment
	var punish []chainhash.Hash
	for _, t := range bp.params.LLMQTypes() {
		llmq, _ := bp.params.LLMQ(t)
		enabled := IsQuorumTypeEnabled(bp.params, llmq, height)
		for i := 0; i < llmq.QuorumsPerCycle(); i++ {
			index := int16(i)
			qc := qcs[slot{t, index}]
			required := false
			quorumHash, quorumHeight, ok := quorumBlockHash(llmq, height, index, ancestor)
			if enabled && ok && IsMiningPhase(llmq, height) {
				mined, err := bp.hasMinedCommitment(t, quorumHash)
				if err != nil {
					return nil, err
				}
				required = !mined
			}
			if qc != nil && !required {
				str := fmt.Sprintf("%v commitment for quorum index %d is not "+
					"allowed at height %d", t, index, height)
				return nil, ruleError(ErrCommitmentNotAllowed, str)
			}
			if qc == nil {
				if required {
					str := fmt.Sprintf("block at height %d misses the %v "+
						"commitment for quorum %v", height, t, quorumHash)
					return nil, ruleError(ErrCommitmentMissing, str)
				}
				continue
			}

			if qc.QuorumHash != quorumHash {
				str := fmt.Sprintf("%v commitment for quorum %v, want %v", t,
					qc.QuorumHash, quorumHash)
				return nil, ruleError(ErrBadQuorumHash, str)
			}
			if qc.IsNull() {
				if err := VerifyNullCommitment(bp.params, qc); err != nil {
					return nil, err
				}
				continue
			}

			members, err := bp.selector.QuorumMembers(llmq, quorumHash,
				quorumHeight, ancestor)
			if err != nil {
				return nil, err
			}
			if err := VerifyCommitment(bp.params, qc, members, true); err != nil {
				return nil, err
			}
			for j, mn := range members {
				if !qc.ValidMembers[j] {
					punish = append(punish, mn.ProTxHash)
				}
			}
			records = append(records, &MinedCommitment{
				Commitment:   *qc,
				QuorumHeight: quorumHeight,
				MinedHeight:  height,
				MinedBlock:   blockHash,
			})
		}
	}

	if err := bp.checkMerkleRootQuorums(block, height, records); err != nil {
		return nil, err
	}

	err = engine.Update(bp.db, func(tx engine.Transaction) error {
		for _, r := range records {
			c := &r.Commitment
			t := chaincfg.LLMQType(c.LLMQType)
			if err := tx.Put(minedKey(t, &c.QuorumHash), r.bytes()); err != nil {
				return err
			}
			key := minedByHeightKey(t, height, c.QuorumIndex)
			if err := tx.Put(key, minedByHeightValue(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to store mined commitments")
	}

	for _, r := range records {
		c := &r.Commitment
		key := memberKey{chaincfg.LLMQType(c.LLMQType), c.QuorumHash}
		bp.mined.Add(key, true)
		delete(bp.mineable, key)
		log.Infof("Mined %v commitment for quorum %v at height %d: %d "+
			"signers, %d valid members", key.llmqType, c.QuorumHash, height,
			c.CountSigners(), c.CountValidMembers())
	}
	return punish, nil
}

// checkMerkleRootQuorums verifies the quorum merkle root of the coinbase
// payload when its version carries one.
//
// This function MUST be called with the processor lock held.
func (bp *BlockProcessor) checkMerkleRootQuorums(block *wire.MsgBlock, height int32, records []*MinedCommitment) error {
	if len(block.Transactions) == 0 {
		return nil
	}
	coinbase := block.Transactions[0]
	if coinbase.Type != wire.TxTypeCoinbase {
		return nil
	}
	cb, err := evo.CbTxFromTx(coinbase)
	if err != nil {
		// Reported by the masternode list checks.
		return nil
	}
	if cb.Version < evo.CbTxVersionMerkleRootQuorums {
		return nil
	}
	commitments := make([]*wire.FinalCommitment, len(records))
	for i, r := range records {
		commitments[i] = &r.Commitment
	}
	root, err := bp.merkleRootQuorums(height, commitments)
	if err != nil {
		return err
	}
	if cb.MerkleRootQuorums != root {
		str := fmt.Sprintf("coinbase commits to quorums %v, want %v",
			cb.MerkleRootQuorums, root)
		return ruleError(ErrBadMerkleRootQuorums, str)
	}
	return nil
}

// merkleRootQuorums returns the merkle root of the hashes of the active
// commitments of a block at height which mines the given commitments.
// Per type the SigningActiveQuorumCount newest commitments are active.  The
// leaves are sorted.
//
// This function MUST be called with the processor lock held.
func (bp *BlockProcessor) merkleRootQuorums(height int32, newCommitments []*wire.FinalCommitment) (chainhash.Hash, error) {
	var leaves []chainhash.Hash
	for _, t := range bp.params.LLMQTypes() {
		llmq, _ := bp.params.LLMQ(t)
		active := 0
		for _, c := range newCommitments {
			if chaincfg.LLMQType(c.LLMQType) == t && !c.IsNull() &&
				active < llmq.SigningActiveQuorumCount {

				leaves = append(leaves, c.Hash())
				active++
			}
		}
		if active == llmq.SigningActiveQuorumCount {
			continue
		}
		err := bp.scanMined(t, height-1, func(_, commitmentHash chainhash.Hash) bool {
			leaves = append(leaves, commitmentHash)
			active++
			return active < llmq.SigningActiveQuorumCount
		})
		if err != nil {
			return chainhash.Hash{}, pkgerrors.Wrap(err, "failed to scan "+
				"mined commitments")
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	return wire.CalcMerkleRootHashes(leaves), nil
}

// MerkleRootQuorums returns the quorum merkle root the coinbase payload of a
// block at height must commit to when it mines txs.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) MerkleRootQuorums(height int32, txs []*wire.MsgTx) (chainhash.Hash, error) {
	var commitments []*wire.FinalCommitment
	for _, tx := range txs {
		if tx.Type != wire.TxTypeQuorumCommitment {
			continue
		}
		p, err := CommitmentTxPayloadFromTx(tx)
		if err != nil {
			return chainhash.Hash{}, err
		}
		commitments = append(commitments, &p.Commitment)
	}

	bp.mtx.Lock()
	defer bp.mtx.Unlock()
	return bp.merkleRootQuorums(height, commitments)
}

// UndoBlock removes the commitments mined in a block at height.  They become
// mineable again so a reorganized chain can pick them up.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) UndoBlock(block *wire.MsgBlock, height int32) error {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	qcs, err := bp.commitmentsFromBlock(block, height)
	if err != nil {
		return err
	}
	var undone []*wire.FinalCommitment
	for _, qc := range qcs {
		if !qc.IsNull() {
			undone = append(undone, qc)
		}
	}
	if len(undone) == 0 {
		return nil
	}

	err = engine.Update(bp.db, func(tx engine.Transaction) error {
		for _, c := range undone {
			t := chaincfg.LLMQType(c.LLMQType)
			if err := tx.Delete(minedKey(t, &c.QuorumHash)); err != nil {
				return err
			}
			if err := tx.Delete(minedByHeightKey(t, height, c.QuorumIndex)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to remove mined commitments")
	}
	for _, c := range undone {
		key := memberKey{chaincfg.LLMQType(c.LLMQType), c.QuorumHash}
		bp.mined.Delete(key)
		bp.addMineableCommitment(c)
		log.Debugf("Undid %v commitment for quorum %v", key.llmqType,
			c.QuorumHash)
	}
	return nil
}

// Reset drops every mined commitment.  It is used before a reindex replays
// the chain.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) Reset() error {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	var keys [][]byte
	collect := func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}
	for _, bucket := range []byte{dbnamespace.MinedCommitmentBucket,
		dbnamespace.MinedCommitmentByHeightBucket} {

		if err := engine.ForEach(bp.db, []byte{bucket}, collect); err != nil {
			return pkgerrors.Wrap(err, "failed to scan mined commitments")
		}
	}
	err := engine.Update(bp.db, func(tx engine.Transaction) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to reset mined commitments")
	}
	bp.mined = lru.NewKVCache(minedCacheSize)
	return nil
}

// AddMineableCommitment records a verified final commitment for inclusion in
// future blocks.  A commitment with more signers replaces the known one.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) AddMineableCommitment(c *wire.FinalCommitment) bool {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()
	return bp.addMineableCommitment(c)
}

// addMineableCommitment is the lock-free variant of AddMineableCommitment.
//
// This function MUST be called with the processor lock held.
func (bp *BlockProcessor) addMineableCommitment(c *wire.FinalCommitment) bool {
	key := memberKey{chaincfg.LLMQType(c.LLMQType), c.QuorumHash}
	if old, ok := bp.mineable[key]; ok && old.CountSigners() >= c.CountSigners() {
		return false
	}
	cp := *c
	bp.mineable[key] = &cp
	return true
}

// MineableCommitments returns the commitments a block at height must carry:
// for every quorum whose mining window is open and that has no commitment
// mined yet, the best known commitment or a null commitment.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) MineableCommitments(height int32, ancestor AncestorFunc) ([]*wire.FinalCommitment, error) {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	if int64(height) < bp.params.DIP0003Height {
		return nil, nil
	}
	var commitments []*wire.FinalCommitment
	for _, t := range bp.params.LLMQTypes() {
		llmq, _ := bp.params.LLMQ(t)
		if !IsQuorumTypeEnabled(bp.params, llmq, height) || !IsMiningPhase(llmq, height) {
			continue
		}
		for i := 0; i < llmq.QuorumsPerCycle(); i++ {
			index := int16(i)
			quorumHash, _, ok := quorumBlockHash(llmq, height, index, ancestor)
			if !ok {
				continue
			}
			mined, err := bp.hasMinedCommitment(t, quorumHash)
			if err != nil {
				return nil, err
			}
			if mined {
				continue
			}
			c, ok := bp.mineable[memberKey{t, quorumHash}]
			if !ok || c.QuorumIndex != index {
				c = NewNullCommitment(llmq, quorumHash, index)
			}
			cp := *c
			commitments = append(commitments, &cp)
		}
	}
	return commitments, nil
}

// PunishedMembers returns the masternodes a block at height that mines txs
// punishes for failing their DKG: the members of every non-null commitment
// that are not marked valid.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) PunishedMembers(height int32, txs []*wire.MsgTx, ancestor AncestorFunc) ([]chainhash.Hash, error) {
	var punish []chainhash.Hash
	for _, tx := range txs {
		if tx.Type != wire.TxTypeQuorumCommitment {
			continue
		}
		p, err := CommitmentTxPayloadFromTx(tx)
		if err != nil {
			return nil, err
		}
		c := &p.Commitment
		if c.IsNull() {
			continue
		}
		llmq, ok := bp.params.LLMQ(chaincfg.LLMQType(c.LLMQType))
		if !ok {
			continue
		}
		quorumHash, quorumHeight, ok := quorumBlockHash(llmq, height,
			c.QuorumIndex, ancestor)
		if !ok || quorumHash != c.QuorumHash {
			continue
		}
		members, err := bp.selector.QuorumMembers(llmq, quorumHash,
			quorumHeight, ancestor)
		if err != nil {
			return nil, err
		}
		for j, mn := range members {
			if j < len(c.ValidMembers) && !c.ValidMembers[j] {
				punish = append(punish, mn.ProTxHash)
			}
		}
	}
	return punish, nil
}

// MineableCommitmentTxs wraps MineableCommitments into commitment
// transactions.
//
// This function is safe for concurrent access.
func (bp *BlockProcessor) MineableCommitmentTxs(height int32, ancestor AncestorFunc) ([]*wire.MsgTx, error) {
	commitments, err := bp.MineableCommitments(height, ancestor)
	if err != nil {
		return nil, err
	}
	txs := make([]*wire.MsgTx, len(commitments))
	for i, c := range commitments {
		txs[i] = NewCommitmentTx(height, c)
	}
	return txs, nil
}
