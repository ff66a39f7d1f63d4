// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package llmq

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/evo"
)

const (
	// workBlockOffset is how far below a rotating cycle's base block the
	// masternode list and modifier used for member selection are taken.
	workBlockOffset = 8

	// membersCacheSize is the number of member lists kept in memory.
	membersCacheSize = 256

	// quartersCacheSize is the number of rotation cycles whose quarters are
	// kept in memory.
	quartersCacheSize = 64
)

// AncestorFunc returns the hash of the block at a height on the branch being
// looked at.
type AncestorFunc = blockchain.AncestorFunc

// ListSource provides the masternode list of a block.
type ListSource interface {
	ListForBlock(hash chainhash.Hash) (*evo.List, error)
}

// ScoreFunc orders masternodes for the given quorum modifier, best first.
// The masternodes passed in are already filtered for eligibility.
type ScoreFunc func(mns []*evo.Masternode, modifier chainhash.Hash) []*evo.Masternode

// ScoreFuncV1 orders masternodes by descending
// SHA256(SHA256(proTxHash || confirmedHash) || modifier).
func ScoreFuncV1(mns []*evo.Masternode, modifier chainhash.Hash) []*evo.Masternode {
	scores := make([]evo.ScoredMN, len(mns))
	for i, mn := range mns {
		scores[i] = evo.ScoredMN{MN: mn, Score: evo.QuorumScore(mn, &modifier)}
	}
	evo.SortScores(scores)
	sorted := make([]*evo.Masternode, len(scores))
	for i := range scores {
		sorted[i] = scores[i].MN
	}
	return sorted
}

// QuorumModifier returns the selection modifier of a quorum type at a block,
// SHA256d(llmqType || blockHash).
func QuorumModifier(t chaincfg.LLMQType, blockHash chainhash.Hash) chainhash.Hash {
	var buf [1 + chainhash.HashSize]byte
	buf[0] = uint8(t)
	copy(buf[1:], blockHash[:])
	return chainhash.DoubleHashH(buf[:])
}

// eligibleMNs returns the masternodes of list that can be selected into a
// quorum of the given type.  Masternodes without a confirmed hash are left
// out since their score could still be ground.
func eligibleMNs(params *chaincfg.LLMQParams, list *evo.List) []*evo.Masternode {
	var mns []*evo.Masternode
	list.ForEachMN(true, func(mn *evo.Masternode) bool {
		if mn.State.ConfirmedHash == (chainhash.Hash{}) {
			return true
		}
		if params.HPMNOnly && mn.Type != evo.MnTypeHPMN {
			return true
		}
		mns = append(mns, mn)
		return true
	})
	return mns
}

// computeMembers selects the members of a non rotating quorum with score.
func computeMembers(score ScoreFunc, params *chaincfg.LLMQParams, list *evo.List, quorumBaseHash chainhash.Hash) []*evo.Masternode {
	sorted := score(eligibleMNs(params, list), QuorumModifier(params.Type, quorumBaseHash))
	if len(sorted) > params.Size {
		sorted = sorted[:params.Size]
	}
	return sorted
}

// ComputeQuorumMembers returns the members of a non rotating quorum: the
// Size best scoring eligible masternodes of the list at the quorum base
// block.  Platform types only consider high performance masternodes.
func ComputeQuorumMembers(params *chaincfg.LLMQParams, list *evo.List, quorumBaseHash chainhash.Hash) []*evo.Masternode {
	return computeMembers(ScoreFuncV1, params, list, quorumBaseHash)
}

// QuarterMembers holds one quarter of members per quorum index.
type QuarterMembers [][]*evo.Masternode

// PreviousQuarters are the quarters built by the three cycles before a
// rotation cycle.
type PreviousQuarters struct {
	HMinusC  QuarterMembers
	HMinus2C QuarterMembers
	HMinus3C QuarterMembers
}

// at returns the quarter of quorum index i, nil when not built.
func (q QuarterMembers) at(i int) []*evo.Masternode {
	if i < len(q) {
		return q[i]
	}
	return nil
}

// buildNewQuarters selects the quarter each quorum of a cycle gains.
// Masternodes that were not used by the previous three cycles come first,
// the used ones follow, each group ordered by score.  Every quorum then
// takes the next masternodes of that combined list it does not already
// contain, wrapping around the list.
func buildNewQuarters(score ScoreFunc, params *chaincfg.LLMQParams, list *evo.List, modifier chainhash.Hash, prev PreviousQuarters) QuarterMembers {
	n := params.SigningActiveQuorumCount
	quarterSize := params.QuarterSize()
	quarters := make(QuarterMembers, n)

	eligible := eligibleMNs(params, list)
	if len(eligible) < quarterSize {
		return quarters
	}
	current := make(map[chainhash.Hash]*evo.Masternode, len(eligible))
	for _, mn := range eligible {
		current[mn.ProTxHash] = mn
	}

	// Previous members are only reused while they are still eligible.
	usedAll := make(map[chainhash.Hash]struct{})
	usedBy := make([]map[chainhash.Hash]struct{}, n)
	for i := 0; i < n; i++ {
		usedBy[i] = make(map[chainhash.Hash]struct{})
		for _, q := range []QuarterMembers{prev.HMinusC, prev.HMinus2C, prev.HMinus3C} {
			for _, mn := range q.at(i) {
				if _, ok := current[mn.ProTxHash]; !ok {
					continue
				}
				usedAll[mn.ProTxHash] = struct{}{}
				usedBy[i][mn.ProTxHash] = struct{}{}
			}
		}
	}

	var used, unused []*evo.Masternode
	for _, mn := range eligible {
		if _, ok := usedAll[mn.ProTxHash]; ok {
			used = append(used, mn)
		} else {
			unused = append(unused, mn)
		}
	}
	combined := append(score(unused, modifier), score(used, modifier)...)

	idx := 0
	for i := 0; i < n; i++ {
		for len(quarters[i]) < quarterSize &&
			len(usedBy[i])+len(quarters[i]) < len(combined) {

			mn := combined[idx]
			if _, ok := usedBy[i][mn.ProTxHash]; !ok {
				quarters[i] = append(quarters[i], mn)
			}
			idx++
			if idx == len(combined) {
				idx = 0
			}
		}
	}
	return quarters
}

// ComputeQuorumMembersByQuarterRotation returns the members of every quorum
// of a rotation cycle together with the quarters the cycle adds.  Quorum i
// is made of the i-th quarters of the three previous cycles followed by its
// new quarter.  list and workBlockHash belong to the block workBlockOffset
// blocks below the cycle base block.
func ComputeQuorumMembersByQuarterRotation(params *chaincfg.LLMQParams, list *evo.List, workBlockHash chainhash.Hash, prev PreviousQuarters) ([][]*evo.Masternode, QuarterMembers) {
	return computeRotationMembers(ScoreFuncV1, params, list, workBlockHash, prev)
}

func computeRotationMembers(score ScoreFunc, params *chaincfg.LLMQParams, list *evo.List, workBlockHash chainhash.Hash, prev PreviousQuarters) ([][]*evo.Masternode, QuarterMembers) {
	modifier := QuorumModifier(params.Type, workBlockHash)
	quarters := buildNewQuarters(score, params, list, modifier, prev)

	members := make([][]*evo.Masternode, params.SigningActiveQuorumCount)
	for i := range members {
		for _, q := range []QuarterMembers{prev.HMinus3C, prev.HMinus2C, prev.HMinusC, quarters} {
			members[i] = append(members[i], q.at(i)...)
		}
	}
	return members, quarters
}

// memberKey identifies the member list of one quorum.
type memberKey struct {
	llmqType   chaincfg.LLMQType
	quorumHash chainhash.Hash
}

// Selector computes and caches quorum members.  Member lists only depend on
// the chain below the quorum base block, so cached entries never go stale.
type Selector struct {
	params *chaincfg.Params
	lists  ListSource
	score  ScoreFunc

	mtx      sync.Mutex
	members  lru.KVCache
	quarters lru.KVCache
}

// NewSelector returns a selector using the given scoring function.  A nil
// score selects ScoreFuncV1.
func NewSelector(params *chaincfg.Params, lists ListSource, score ScoreFunc) *Selector {
	if score == nil {
		score = ScoreFuncV1
	}
	return &Selector{
		params:   params,
		lists:    lists,
		score:    score,
		members:  lru.NewKVCache(membersCacheSize),
		quarters: lru.NewKVCache(quartersCacheSize),
	}
}

// QuorumMembers returns the members of the quorum of type params whose base
// block is quorumHash at quorumHeight.  ancestor resolves heights on the
// branch of the quorum base block and is only needed for rotating types.
//
// This function is safe for concurrent access.
func (s *Selector) QuorumMembers(params *chaincfg.LLMQParams, quorumHash chainhash.Hash, quorumHeight int32, ancestor AncestorFunc) ([]*evo.Masternode, error) {
	key := memberKey{params.Type, quorumHash}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if v, ok := s.members.Lookup(key); ok {
		return v.([]*evo.Masternode), nil
	}

	if !params.UseRotation {
		list, err := s.lists.ListForBlock(quorumHash)
		if err != nil {
			return nil, err
		}
		members := computeMembers(s.score, params, list, quorumHash)
		s.members.Add(key, members)
		return members, nil
	}

	index := int(int64(quorumHeight) % params.DKGInterval)
	if index >= params.SigningActiveQuorumCount {
		str := fmt.Sprintf("block %v at height %d is no base block of a "+
			"%v quorum", quorumHash, quorumHeight, params.Type)
		return nil, ruleError(ErrBadQuorumIndex, str)
	}
	cycleHeight := quorumHeight - int32(index)
	if err := s.ensureCycle(params, cycleHeight, ancestor); err != nil {
		return nil, err
	}

	interval := int32(params.DKGInterval)
	var members []*evo.Masternode
	for _, h := range []int32{cycleHeight - 3*interval, cycleHeight - 2*interval,
		cycleHeight - interval, cycleHeight} {

		members = append(members, s.quartersAt(params, h, ancestor).at(index)...)
	}
	s.members.Add(key, members)
	return members, nil
}

// ensureCycle makes sure the quarters of the rotation cycle at cycleHeight
// and of the three cycles before it are cached.  Missing cycles are built
// oldest first, starting after three consecutive cached cycles or the first
// cycle of the chain.
//
// This function MUST be called with the selector lock held.
func (s *Selector) ensureCycle(params *chaincfg.LLMQParams, cycleHeight int32, ancestor AncestorFunc) error {
	interval := int32(params.DKGInterval)

	var pending []int32
	cachedRun := 0
	for h := cycleHeight; cachedRun < 3; h -= interval {
		if h-workBlockOffset < 0 || int64(h) < s.params.DIP0024Height {
			break
		}
		hash, ok := ancestor(h)
		if !ok {
			return fmt.Errorf("no block at cycle height %d", h)
		}
		if _, ok := s.quarters.Lookup(memberKey{params.Type, hash}); ok {
			cachedRun++
			continue
		}
		cachedRun = 0
		pending = append(pending, h)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		if err := s.buildCycle(params, pending[i], ancestor); err != nil {
			return err
		}
	}
	return nil
}

// quartersAt returns the cached quarters of the cycle at height, nil if the
// cycle did not form quorums.
//
// This function MUST be called with the selector lock held.
func (s *Selector) quartersAt(params *chaincfg.LLMQParams, height int32, ancestor AncestorFunc) QuarterMembers {
	hash, ok := ancestor(height)
	if !ok {
		return nil
	}
	v, ok := s.quarters.Lookup(memberKey{params.Type, hash})
	if !ok {
		return nil
	}
	return v.(QuarterMembers)
}

// buildCycle computes the quarters the cycle at height adds.  The
// three previous cycles must be cached already if they exist.
//
// This function MUST be called with the selector lock held.
func (s *Selector) buildCycle(params *chaincfg.LLMQParams, height int32, ancestor AncestorFunc) error {
	interval := int32(params.DKGInterval)
	cycleHash, ok := ancestor(height)
	if !ok {
		return fmt.Errorf("no block at cycle height %d", height)
	}
	workHash, ok := ancestor(height - workBlockOffset)
	if !ok {
		return fmt.Errorf("no block at work height %d", height-workBlockOffset)
	}
	list, err := s.lists.ListForBlock(workHash)
	if err != nil {
		return err
	}

	prev := PreviousQuarters{
		HMinusC:  s.quartersAt(params, height-interval, ancestor),
		HMinus2C: s.quartersAt(params, height-2*interval, ancestor),
		HMinus3C: s.quartersAt(params, height-3*interval, ancestor),
	}
	modifier := QuorumModifier(params.Type, workHash)
	quarters := buildNewQuarters(s.score, params, list, modifier, prev)
	s.quarters.Add(memberKey{params.Type, cycleHash}, quarters)
	log.Debugf("Built %v rotation cycle at height %d", params.Type, height)
	return nil
}
