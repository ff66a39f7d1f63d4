// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dkg

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
)

// SessionStatus describes the state of one DKG session.
type SessionStatus struct {
	LLMQType             chaincfg.LLMQType
	QuorumIndex          int16
	QuorumHash           chainhash.Hash
	QuorumHeight         int32
	Phase                Phase
	IsMember             bool
	Members              int
	Contributions        int
	Complaints           int
	Justifications       int
	PrematureCommitments int
	ValidMembers         int
	Failure              string
}

// Config is the configuration of a DKG manager.
type Config struct {
	// Quorums stores the verification vectors and key shares produced by
	// finished sessions.  Its block processor receives the final
	// commitments for mining.
	Quorums *llmq.QuorumManager

	// ProTxHash and OperatorKey identify the local masternode.  A nil
	// OperatorKey makes the manager watch sessions without taking part.
	ProTxHash   chainhash.Hash
	OperatorKey *bls.SecretKey

	// Broadcaster relays the messages the local member sends.
	Broadcaster llmq.Broadcaster

	// Enabled reports whether DKGs run at a height.  DKGs always run when
	// it is nil.
	Enabled func(height int32) bool

	// Rand is the entropy source for secret polynomials and share
	// encryption.  crypto/rand is used when it is nil.
	Rand io.Reader
}

// slot identifies the session of one quorum index of a quorum type.
type slot struct {
	llmqType    chaincfg.LLMQType
	quorumIndex int16
}

// quorumKey identifies the quorum a running session forms.
type quorumKey struct {
	llmqType   uint8
	quorumHash chainhash.Hash
}

// slotState holds the session of one slot.  Its mutex serializes every
// access to the session, so sessions of different slots never contend.
type slotState struct {
	mtx     sync.Mutex
	session *session
}

// tipUpdate is a best block change waiting for the worker.
type tipUpdate struct {
	height   int32
	ancestor llmq.AncestorFunc
}

// maxPendingTips bounds the tip changes waiting for the worker.  Older ones
// are dropped first; a session whose base block is dropped is not started.
const maxPendingTips = 1024

// Manager drives the DKG sessions of every quorum type.  Sessions only move
// on tip changes, so phase timing follows the chain and no timers are
// involved.
//
// Tip changes are queued by UpdatedBlockTip and applied by the worker, which
// keeps the contribution work off the block connection path.  Every slot has
// its own lock and the quorum index is only locked for lookups.
type Manager struct {
	cfg    Config
	params *chaincfg.Params

	// slots is populated by New and never modified afterwards.
	slots map[slot]*slotState

	indexMtx sync.RWMutex
	byQuorum map[quorumKey]*slotState

	tipsMtx sync.Mutex
	tips    []tipUpdate
	wake    chan struct{}
}

// New returns a DKG manager using the given configuration.
func New(cfg *Config) *Manager {
	c := *cfg
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	m := &Manager{
		cfg:      c,
		params:   cfg.Quorums.ChainParams(),
		slots:    make(map[slot]*slotState),
		byQuorum: make(map[quorumKey]*slotState),
		wake:     make(chan struct{}, 1),
	}
	for _, t := range m.params.LLMQTypes() {
		params, _ := m.params.LLMQ(t)
		for i := 0; i < params.QuorumsPerCycle(); i++ {
			m.slots[slot{t, int16(i)}] = new(slotState)
		}
	}
	return m
}

// UpdatedBlockTip queues the new tip at height for the worker.  ancestor
// resolves heights on the new tip's branch.
//
// This function is safe for concurrent access.
func (m *Manager) UpdatedBlockTip(height int32, ancestor llmq.AncestorFunc) {
	m.tipsMtx.Lock()
	if len(m.tips) >= maxPendingTips {
		log.Warnf("Dropping DKG tip update at height %d", m.tips[0].height)
		m.tips = m.tips[1:]
	}
	m.tips = append(m.tips, tipUpdate{height, ancestor})
	m.tipsMtx.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ProcessPendingTips moves every session through the queued tip changes in
// the order they happened.  It returns how many tip changes were applied.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessPendingTips() int {
	m.tipsMtx.Lock()
	tips := m.tips
	m.tips = nil
	m.tipsMtx.Unlock()

	for _, tip := range tips {
		m.updateTip(tip.height, tip.ancestor)
	}
	return len(tips)
}

// Start applies queued tip changes as they arrive until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.ProcessPendingTips()
		}
	}
}

// updateTip moves every session to the phase of the tip at height.  A
// session starts at its quorum base block and ends after the finalization
// phase.
func (m *Manager) updateTip(height int32, ancestor llmq.AncestorFunc) {
	var out []wire.Message
	for _, t := range m.params.LLMQTypes() {
		params, _ := m.params.LLMQ(t)
		for i := 0; i < params.QuorumsPerCycle(); i++ {
			ss := m.slots[slot{t, int16(i)}]
			ss.mtx.Lock()
			out = append(out, m.updateSlot(ss, params, int16(i), height, ancestor)...)
			ss.mtx.Unlock()
		}
	}

	if m.cfg.Broadcaster != nil {
		for _, msg := range out {
			m.cfg.Broadcaster.Broadcast(msg)
		}
	}
}

// setSession replaces the session of a slot and keeps the quorum index in
// sync.
//
// This function MUST be called with the slot lock held.
func (m *Manager) setSession(ss *slotState, s *session) {
	m.indexMtx.Lock()
	if old := ss.session; old != nil {
		delete(m.byQuorum, quorumKey{uint8(old.params.Type), old.quorumHash})
	}
	if s != nil {
		m.byQuorum[quorumKey{uint8(s.params.Type), s.quorumHash}] = ss
	}
	m.indexMtx.Unlock()
	ss.session = s
}

// updateSlot starts or advances the session of one quorum index.
//
// This function MUST be called with the slot lock held.
func (m *Manager) updateSlot(ss *slotState, params *chaincfg.LLMQParams, index int16, height int32, ancestor llmq.AncestorFunc) []wire.Message {
	baseHeight := llmq.QuorumBaseHeight(params, height, index)
	offset := int64(height - baseHeight)
	if offset < 0 {
		return nil
	}
	baseHash, ok := ancestor(baseHeight)
	if !ok {
		return nil
	}

	s := ss.session
	if offset == 0 && (s == nil || s.quorumHash != baseHash) {
		if !llmq.IsQuorumTypeEnabled(m.params, params, baseHeight) ||
			(m.cfg.Enabled != nil && !m.cfg.Enabled(baseHeight)) {

			m.setSession(ss, nil)
			return nil
		}
		s = m.startSession(params, index, baseHash, baseHeight, ancestor)
		m.setSession(ss, s)
		if s == nil {
			return nil
		}
	}
	if s == nil || s.quorumHash != baseHash {
		if s != nil {
			log.Debugf("Dropping DKG of %v quorum %v after a reorg",
				params.Type, s.quorumHash)
			m.setSession(ss, nil)
		}
		return nil
	}
	if s.done() {
		return nil
	}

	out := s.advance(phaseAt(offset, params.DKGPhaseBlocks))
	if s.done() {
		m.sessionDone(s)
	}
	return out
}

// startSession selects the members of a new quorum and creates its session.
func (m *Manager) startSession(params *chaincfg.LLMQParams, index int16, baseHash chainhash.Hash, baseHeight int32, ancestor llmq.AncestorFunc) *session {
	selector := m.cfg.Quorums.BlockProcessor().Selector()
	members, err := selector.QuorumMembers(params, baseHash, baseHeight, ancestor)
	if err != nil {
		log.Errorf("Failed to select members of %v quorum %v: %v",
			params.Type, baseHash, err)
		return nil
	}
	s := newSession(m.params, params, baseHash, baseHeight, index, members,
		m.cfg.ProTxHash, m.cfg.OperatorKey, m.cfg.Rand)
	log.Debugf("Started DKG of %v quorum %v at height %d with %d members "+
		"(member: %v)", params.Type, baseHash, baseHeight, len(members),
		s.isMember())
	if s.done() {
		m.sessionDone(s)
	}
	return s
}

// sessionDone hands the outcome of a finished session to the quorum
// manager and block processor.
//
// This function MUST be called with the slot lock of the session held.
func (m *Manager) sessionDone(s *session) {
	typeName := s.params.Name
	if s.phase == PhaseFailed {
		metrics.DKGSessions.WithLabelValues(typeName, "failed").Inc()
		return
	}
	metrics.DKGSessions.WithLabelValues(typeName, "success").Inc()

	fc := s.commitment
	m.cfg.Quorums.BlockProcessor().AddMineableCommitment(fc)

	if s.vvec == nil || s.vvec.Hash() != fc.QuorumVvecHash {
		return
	}
	var skShare *bls.SecretKey
	if s.isMember() && fc.ValidMembers[s.myIndex] {
		skShare = s.skShare
	}
	err := m.cfg.Quorums.SetQuorumSecrets(s.params.Type, s.quorumHash, s.vvec, skShare)
	if err != nil {
		log.Errorf("Failed to store secrets of quorum %v: %v", s.quorumHash, err)
	}
}

// lockSession returns the session running for a quorum with its slot locked.
// The caller must unlock the returned slot.
func (m *Manager) lockSession(llmqType uint8, quorumHash chainhash.Hash) (*slotState, *session, error) {
	m.indexMtx.RLock()
	ss, ok := m.byQuorum[quorumKey{llmqType, quorumHash}]
	m.indexMtx.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownSession
	}

	// The slot may have moved to another quorum since the lookup.
	ss.mtx.Lock()
	s := ss.session
	if s == nil || uint8(s.params.Type) != llmqType || s.quorumHash != quorumHash {
		ss.mtx.Unlock()
		return nil, nil, ErrUnknownSession
	}
	return ss, s, nil
}

// ProcessMessage handles a DKG message received from the network.
// Duplicates are reported with ErrDuplicateMessage and are not relayed
// again.  Only the session the message belongs to is locked.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessMessage(msg wire.Message) error {
	var llmqType uint8
	var quorumHash chainhash.Hash
	switch msg := msg.(type) {
	case *wire.MsgQuorumContribution:
		llmqType, quorumHash = msg.LLMQType, msg.QuorumHash
	case *wire.MsgQuorumComplaint:
		llmqType, quorumHash = msg.LLMQType, msg.QuorumHash
	case *wire.MsgQuorumJustification:
		llmqType, quorumHash = msg.LLMQType, msg.QuorumHash
	case *wire.MsgQuorumPrematureCommitment:
		llmqType, quorumHash = msg.LLMQType, msg.QuorumHash
	case *wire.MsgQuorumFinalCommitment:
		llmqType, quorumHash = msg.Commitment.LLMQType, msg.Commitment.QuorumHash
	default:
		return fmt.Errorf("%w: unexpected %s message", ErrBadMessage, msg.Command())
	}

	ss, s, err := m.lockSession(llmqType, quorumHash)
	if err != nil {
		return err
	}
	defer ss.mtx.Unlock()

	switch msg := msg.(type) {
	case *wire.MsgQuorumContribution:
		return s.processContribution(msg)
	case *wire.MsgQuorumComplaint:
		return s.processComplaint(msg)
	case *wire.MsgQuorumJustification:
		return s.processJustification(msg)
	case *wire.MsgQuorumPrematureCommitment:
		return s.processPremature(msg)
	case *wire.MsgQuorumFinalCommitment:
		return m.processFinalCommitment(s, &msg.Commitment)
	}
	return nil
}

// processFinalCommitment verifies a final commitment relayed by another node
// and makes it available for mining.
//
// This function MUST be called with the slot lock of s held.
func (m *Manager) processFinalCommitment(s *session, fc *wire.FinalCommitment) error {
	if fc.IsNull() {
		return fmt.Errorf("%w: null final commitment", ErrBadMessage)
	}
	if err := llmq.VerifyCommitment(m.params, fc, s.members, true); err != nil {
		var rerr llmq.RuleError
		if errors.As(err, &rerr) {
			return fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return err
	}
	if !m.cfg.Quorums.BlockProcessor().AddMineableCommitment(fc) {
		return ErrDuplicateMessage
	}
	return nil
}

// Status returns the state of every session, ordered by quorum type and
// index.
//
// This function is safe for concurrent access.
func (m *Manager) Status() []SessionStatus {
	statuses := make([]SessionStatus, 0, len(m.slots))
	for _, ss := range m.slots {
		ss.mtx.Lock()
		if ss.session != nil {
			statuses = append(statuses, ss.session.status())
		}
		ss.mtx.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].LLMQType != statuses[j].LLMQType {
			return statuses[i].LLMQType < statuses[j].LLMQType
		}
		return statuses[i].QuorumIndex < statuses[j].QuorumIndex
	})
	return statuses
}

// FinalCommitment returns the commitment a finished session produced.
//
// This function is safe for concurrent access.
func (m *Manager) FinalCommitment(t chaincfg.LLMQType, quorumHash chainhash.Hash) (*wire.FinalCommitment, bool) {
	ss, s, err := m.lockSession(uint8(t), quorumHash)
	if err != nil {
		return nil, false
	}
	defer ss.mtx.Unlock()

	if s.commitment == nil {
		return nil, false
	}
	fc := *s.commitment
	return &fc, true
}
