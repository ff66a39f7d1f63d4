// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
)

const (
	// numShards is the number of independently locked session and id
	// shards.
	numShards = 32

	// defaultSessionTimeout is how long a session that did not reach the
	// threshold is kept.
	defaultSessionTimeout = 10 * time.Minute

	// cleanupInterval is how often the worker expires old signatures.
	cleanupInterval = time.Minute

	// maxPendingShares bounds the shares waiting for verification.
	maxPendingShares = 32768
)

// ErrRecoveredSigNotFound is returned when no recovered signature exists
// for a request id.
var ErrRecoveredSigNotFound = errors.New("recovered signature not found")

// RecoveredSigsListener is notified of every recovered signature the
// manager accepts, whether it was recovered locally or received from the
// network.
type RecoveredSigsListener interface {
	HandleNewRecoveredSig(rs *wire.MsgQuorumRecoveredSig)
}

// Config is the configuration of a signing manager.
type Config struct {
	// Quorums provides the quorums and their key material.
	Quorums *llmq.QuorumManager

	// DB persists recovered signatures and votes.
	DB engine.Engine

	// ProTxHash identifies the local masternode.  The zero hash makes the
	// manager a pure verifier.
	ProTxHash chainhash.Hash

	// Broadcaster relays the signature shares and recovered signatures the
	// manager produces.
	Broadcaster llmq.Broadcaster

	// SigRetention is how long recovered signatures and votes are kept.
	// The network default is used when it is zero.
	SigRetention time.Duration

	// SessionTimeout is how long a session waits for the threshold.
	SessionTimeout time.Duration

	// Now returns the current time.  time.Now is used when it is nil.
	Now func() time.Time
}

// sigSession collects the shares for one sign hash.
type sigSession struct {
	llmqType   chaincfg.LLMQType
	quorum     *llmq.Quorum
	id         chainhash.Hash
	msgHash    chainhash.Hash
	shares     map[uint16]*bls.Signature
	created    time.Time
	recovering bool
}

type sessionShard struct {
	mtx      sync.Mutex
	sessions map[chainhash.Hash]*sigSession
}

// idKey identifies a request.
type idKey struct {
	llmqType chaincfg.LLMQType
	id       chainhash.Hash
}

// idShard serializes the requests whose ids fall into it and indexes the
// message hashes that have sessions collecting shares.
type idShard struct {
	sync.Mutex

	// pending counts the sessions per message hash of a request.
	pending map[idKey]map[chainhash.Hash]int
}

// addPending records a session for msgHash under k and returns whether a
// session for another message hash already exists.
//
// This function MUST be called with the shard lock held.
func (s *idShard) addPending(k idKey, msgHash chainhash.Hash) bool {
	msgs := s.pending[k]
	if msgs == nil {
		msgs = make(map[chainhash.Hash]int)
		s.pending[k] = msgs
	}
	msgs[msgHash]++
	return len(msgs) > 1
}

// removePending drops a session for msgHash under k.
//
// This function MUST be called with the shard lock held.
func (s *idShard) removePending(k idKey, msgHash chainhash.Hash) {
	msgs := s.pending[k]
	if msgs == nil {
		return
	}
	if msgs[msgHash]--; msgs[msgHash] <= 0 {
		delete(msgs, msgHash)
	}
	if len(msgs) == 0 {
		delete(s.pending, k)
	}
}

// pendingConflict returns whether a session for a message hash other than
// msgHash exists under k.
//
// This function MUST be called with the shard lock held.
func (s *idShard) pendingConflict(k idKey, msgHash chainhash.Hash) bool {
	for other := range s.pending[k] {
		if other != msgHash {
			return true
		}
	}
	return false
}

// Manager creates signature shares for the requests of other subsystems,
// recovers threshold signatures and keeps the accepted ones.
//
// Sessions are spread over shards keyed by the sign hash so shares of
// unrelated requests never contend on one lock.  Acceptance of a recovered
// signature is serialized per request id shard, which makes the first
// signature to reach the threshold win.  A session shard lock may be held
// while taking an id shard lock, never the other way around.
type Manager struct {
	cfg     Config
	params  *chaincfg.Params
	quorums *llmq.QuorumManager
	store   sigStore

	shards  [numShards]sessionShard
	idLocks [numShards]idShard

	pendingMtx sync.Mutex
	pending    []*wire.MsgQuorumSigShare
	wake       chan struct{}

	listenersMtx sync.RWMutex
	listeners    []RecoveredSigsListener
}

// NewManager returns a signing manager using the given configuration.
func NewManager(cfg *Config) *Manager {
	c := *cfg
	params := cfg.Quorums.ChainParams()
	if c.SigRetention == 0 {
		c.SigRetention = params.SigRetention
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	m := &Manager{
		cfg:     c,
		params:  params,
		quorums: cfg.Quorums,
		store:   sigStore{db: cfg.DB},
		wake:    make(chan struct{}, 1),
	}
	for i := range m.shards {
		m.shards[i].sessions = make(map[chainhash.Hash]*sigSession)
		m.idLocks[i].pending = make(map[idKey]map[chainhash.Hash]int)
	}
	return m
}

func (m *Manager) sessionShard(signHash *chainhash.Hash) *sessionShard {
	return &m.shards[signHash[0]%numShards]
}

func (m *Manager) idLock(id *chainhash.Hash) *idShard {
	return &m.idLocks[id[0]%numShards]
}

// RegisterRecoveredSigsListener adds a listener for accepted recovered
// signatures.
func (m *Manager) RegisterRecoveredSigsListener(l RecoveredSigsListener) {
	m.listenersMtx.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMtx.Unlock()
}

// UnregisterRecoveredSigsListener removes a listener added with
// RegisterRecoveredSigsListener.
func (m *Manager) UnregisterRecoveredSigsListener(l RecoveredSigsListener) {
	m.listenersMtx.Lock()
	defer m.listenersMtx.Unlock()
	for i, have := range m.listeners {
		if have == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyListeners(rs *wire.MsgQuorumRecoveredSig) {
	m.listenersMtx.RLock()
	listeners := make([]RecoveredSigsListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMtx.RUnlock()

	for _, l := range listeners {
		l.HandleNewRecoveredSig(rs)
	}
}

func (m *Manager) broadcast(msg wire.Message) {
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Broadcast(msg)
	}
}

// RequestSign asks the quorum responsible for id to sign msgHash.  The quorum
// is selected deterministically at the current tip unless quorumHash names
// one.  The vote for msgHash is recorded before signing, and a request for an
// id this node already voted on or recovered with another message hash fails
// with ErrConflictingSig.
//
// It returns whether a signature share was created, which only happens when
// the local masternode is a valid member of the selected quorum.
//
// This function is safe for concurrent access.
func (m *Manager) RequestSign(t chaincfg.LLMQType, id, msgHash chainhash.Hash, quorumHash *chainhash.Hash) (bool, error) {
	if _, ok := m.params.LLMQ(t); !ok {
		return false, fmt.Errorf("unknown quorum type %v", t)
	}

	lock := m.idLock(&id)
	lock.Lock()
	defer lock.Unlock()

	rs, err := m.store.recoveredSig(t, &id)
	if err != nil {
		return false, err
	}
	if rs != nil {
		if rs.MsgHash != msgHash {
			return false, fmt.Errorf("%w: id %v already recovered for %v",
				ErrConflictingSig, id, rs.MsgHash)
		}
		return false, nil
	}

	voted, ok, err := m.store.vote(t, &id)
	if err != nil {
		return false, err
	}
	if ok && voted != msgHash {
		return false, fmt.Errorf("%w: already voted for %v under id %v",
			ErrConflictingSig, voted, id)
	}
	if !ok {
		if err := m.store.putVote(t, &id, &msgHash, m.cfg.Now()); err != nil {
			return false, err
		}
	}

	var quorum *llmq.Quorum
	if quorumHash != nil {
		quorum, err = m.quorums.GetQuorum(t, *quorumHash)
	} else {
		quorum, err = SelectQuorumForSigning(m.quorums, t, m.quorums.TipHeight(), id)
	}
	if err != nil {
		return false, err
	}

	memberIndex := quorum.MemberIndex(m.cfg.ProTxHash)
	if memberIndex < 0 || !quorum.Commitment.ValidMembers[memberIndex] {
		return false, nil
	}
	skShare, err := quorum.SecretKeyShare()
	if err != nil {
		log.Debugf("Not signing %v in quorum %v: %v", id, quorum.QuorumHash(), err)
		return false, nil
	}

	signHash := SignHash(t, quorum.QuorumHash(), id, msgHash)
	share := &wire.MsgQuorumSigShare{
		LLMQType:     uint8(t),
		QuorumHash:   quorum.QuorumHash(),
		QuorumMember: uint16(memberIndex),
		ID:           id,
		MsgHash:      msgHash,
		SigShare:     skShare.Sign(signHash[:]).Serialize(),
	}
	log.Tracef("Created sig share for id %v msgHash %v in quorum %v", id,
		msgHash, quorum.QuorumHash())

	if err := m.enqueue(share); err != nil {
		return false, err
	}
	m.broadcast(share)
	return true, nil
}

// ProcessSigShare checks a signature share against its quorum and queues it
// for verification by the share worker.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessSigShare(share *wire.MsgQuorumSigShare) error {
	t := chaincfg.LLMQType(share.LLMQType)
	if _, ok := m.params.LLMQ(t); !ok {
		return fmt.Errorf("%w: unknown quorum type %d", ErrBadShare, share.LLMQType)
	}
	signHash := SignHash(t, share.QuorumHash, share.ID, share.MsgHash)
	have, err := m.store.hasRecoveredSigForHash(&signHash)
	if err != nil {
		return err
	}
	if have {
		metrics.SigShares.WithLabelValues("duplicate").Inc()
		return nil
	}
	return m.enqueue(share)
}

func (m *Manager) enqueue(share *wire.MsgQuorumSigShare) error {
	m.pendingMtx.Lock()
	if len(m.pending) >= maxPendingShares {
		m.pendingMtx.Unlock()
		return fmt.Errorf("%w: share queue is full", ErrBadShare)
	}
	m.pending = append(m.pending, share)
	m.pendingMtx.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// ProcessPendingSigShares verifies the queued shares, adds the valid ones to
// their sessions and recovers the signatures of sessions that reached the
// threshold.  It returns how many shares were processed.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessPendingSigShares() int {
	m.pendingMtx.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMtx.Unlock()

	for _, share := range pending {
		if err := m.processShare(share); err != nil {
			metrics.SigShares.WithLabelValues("invalid").Inc()
			log.Debugf("Rejected sig share of member %d for id %v: %v",
				share.QuorumMember, share.ID, err)
		}
	}
	return len(pending)
}

// processShare verifies one share and recovers the signature once its
// session holds threshold shares.
func (m *Manager) processShare(share *wire.MsgQuorumSigShare) error {
	t := chaincfg.LLMQType(share.LLMQType)
	quorum, err := m.quorums.GetQuorum(t, share.QuorumHash)
	if err != nil {
		return err
	}
	active, err := m.quorums.IsQuorumActive(t, share.QuorumHash)
	if err != nil {
		return err
	}
	if !active {
		return llmq.ErrQuorumInactive
	}
	pkShare, err := quorum.PublicKeyShare(int(share.QuorumMember))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadShare, err)
	}
	sig, err := bls.SignatureFromBytes(share.SigShare[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSig, err)
	}
	signHash := SignHash(t, share.QuorumHash, share.ID, share.MsgHash)
	if !pkShare.Verify(signHash[:], sig) {
		return ErrBadSig
	}

	shard := m.sessionShard(&signHash)
	shard.mtx.Lock()
	s, ok := shard.sessions[signHash]
	if !ok {
		s = &sigSession{
			llmqType: t,
			quorum:   quorum,
			id:       share.ID,
			msgHash:  share.MsgHash,
			shares:   make(map[uint16]*bls.Signature),
			created:  m.cfg.Now(),
		}
		shard.sessions[signHash] = s
		m.addPendingSession(s)
	}
	if _, dup := s.shares[share.QuorumMember]; dup {
		shard.mtx.Unlock()
		metrics.SigShares.WithLabelValues("duplicate").Inc()
		return nil
	}
	s.shares[share.QuorumMember] = sig
	metrics.SigShares.WithLabelValues("valid").Inc()

	if s.recovering || len(s.shares) < quorum.Threshold() {
		shard.mtx.Unlock()
		return nil
	}
	s.recovering = true
	shares := make([]*bls.Signature, 0, len(s.shares))
	ids := make([]*bls.ID, 0, len(s.shares))
	for member, sig := range s.shares {
		shares = append(shares, sig)
		ids = append(ids, bls.IDFromHash(&quorum.Members[member].ProTxHash))
	}
	shard.mtx.Unlock()

	rs, err := m.recover(s, signHash, shares, ids)
	if err != nil {
		shard.mtx.Lock()
		s.recovering = false
		shard.mtx.Unlock()
		return err
	}
	err = m.acceptRecoveredSig(rs)
	switch {
	case errors.Is(err, ErrConflictingSig):
		return nil
	case err != nil:
		return err
	}
	m.broadcast(rs)
	return nil
}

// addPendingSession indexes a new session under its request id.  A session
// for another message hash under the same id is a conflict.
//
// This function MUST be called with the session shard lock held.
func (m *Manager) addPendingSession(s *sigSession) {
	lock := m.idLock(&s.id)
	lock.Lock()
	conflict := lock.addPending(idKey{s.llmqType, s.id}, s.msgHash)
	lock.Unlock()
	if conflict {
		log.Debugf("Conflicting sig shares for id %v: msgHash %v competes "+
			"with another message", s.id, s.msgHash)
	}
}

// dropSession removes a session and its index entry.
//
// This function MUST be called with the session shard lock held.
func (m *Manager) dropSession(shard *sessionShard, signHash chainhash.Hash) bool {
	s, ok := shard.sessions[signHash]
	if !ok {
		return false
	}
	delete(shard.sessions, signHash)
	lock := m.idLock(&s.id)
	lock.Lock()
	lock.removePending(idKey{s.llmqType, s.id}, s.msgHash)
	lock.Unlock()
	return true
}

// recover combines threshold shares into the quorum signature.
func (m *Manager) recover(s *sigSession, signHash chainhash.Hash, shares []*bls.Signature, ids []*bls.ID) (*wire.MsgQuorumRecoveredSig, error) {
	sig, err := bls.RecoverSignature(shares, ids)
	if err != nil {
		return nil, err
	}
	if !s.quorum.PublicKey().Verify(signHash[:], sig) {
		return nil, fmt.Errorf("%w: recovered signature for %v does not "+
			"verify", ErrBadSig, s.id)
	}
	log.Debugf("Recovered signature for id %v msgHash %v in quorum %v",
		s.id, s.msgHash, s.quorum.QuorumHash())
	return &wire.MsgQuorumRecoveredSig{
		LLMQType:   uint8(s.llmqType),
		QuorumHash: s.quorum.QuorumHash(),
		ID:         s.id,
		MsgHash:    s.msgHash,
		Sig:        sig.Serialize(),
	}, nil
}

// ProcessRecoveredSig verifies a recovered signature received from the
// network and accepts it.  Signatures of unknown quorums fail with
// llmq.ErrQuorumNotFound, of quorums past their retention with
// llmq.ErrQuorumInactive.  A signature whose id was already recovered for
// another message hash fails with ErrConflictingSig.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessRecoveredSig(rs *wire.MsgQuorumRecoveredSig) error {
	t := chaincfg.LLMQType(rs.LLMQType)
	if _, ok := m.params.LLMQ(t); !ok {
		return fmt.Errorf("%w: unknown quorum type %d", ErrBadSig, rs.LLMQType)
	}
	signHash := RecoveredSigHash(rs)
	have, err := m.store.hasRecoveredSigForHash(&signHash)
	if err != nil || have {
		return err
	}

	quorum, err := m.quorums.GetQuorum(t, rs.QuorumHash)
	if err != nil {
		return err
	}
	active, err := m.quorums.IsQuorumActive(t, rs.QuorumHash)
	if err != nil {
		return err
	}
	if !active {
		return llmq.ErrQuorumInactive
	}
	sig, err := bls.SignatureFromBytes(rs.Sig[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSig, err)
	}
	if !quorum.PublicKey().Verify(signHash[:], sig) {
		return ErrBadSig
	}
	return m.acceptRecoveredSig(rs)
}

// acceptRecoveredSig stores a verified recovered signature unless its id
// already has one.  The first signature stored for an id is never replaced.
func (m *Manager) acceptRecoveredSig(rs *wire.MsgQuorumRecoveredSig) error {
	t := chaincfg.LLMQType(rs.LLMQType)

	lock := m.idLock(&rs.ID)
	lock.Lock()
	existing, err := m.store.recoveredSig(t, &rs.ID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if existing != nil {
		lock.Unlock()
		if existing.MsgHash == rs.MsgHash {
			return nil
		}
		metrics.ConflictingSigs.Inc()
		log.Warnf("Conflicting recovered sig for id %v: have msgHash %v, "+
			"got %v", rs.ID, existing.MsgHash, rs.MsgHash)
		return ErrConflictingSig
	}
	err = m.store.putRecoveredSig(rs, m.cfg.Now())
	lock.Unlock()
	if err != nil {
		return err
	}

	params, _ := m.params.LLMQ(t)
	metrics.RecoveredSigs.WithLabelValues(params.Name).Inc()

	signHash := RecoveredSigHash(rs)
	shard := m.sessionShard(&signHash)
	shard.mtx.Lock()
	m.dropSession(shard, signHash)
	shard.mtx.Unlock()

	m.notifyListeners(rs)
	return nil
}

// GetRecoveredSig returns the recovered signature of a request id.
//
// This function is safe for concurrent access.
func (m *Manager) GetRecoveredSig(t chaincfg.LLMQType, id chainhash.Hash) (*wire.MsgQuorumRecoveredSig, error) {
	rs, err := m.store.recoveredSig(t, &id)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, ErrRecoveredSigNotFound
	}
	return rs, nil
}

// HasRecoveredSig returns whether id was recovered for msgHash.
func (m *Manager) HasRecoveredSig(t chaincfg.LLMQType, id, msgHash chainhash.Hash) bool {
	rs, err := m.store.recoveredSig(t, &id)
	return err == nil && rs != nil && rs.MsgHash == msgHash
}

// HasRecoveredSigForID returns whether id was recovered for any message.
func (m *Manager) HasRecoveredSigForID(t chaincfg.LLMQType, id chainhash.Hash) bool {
	rs, err := m.store.recoveredSig(t, &id)
	return err == nil && rs != nil
}

// HasRecoveredSigForHash returns whether a recovered signature with the
// given sign hash exists.
func (m *Manager) HasRecoveredSigForHash(signHash chainhash.Hash) bool {
	have, err := m.store.hasRecoveredSigForHash(&signHash)
	return err == nil && have
}

// IsConflicting returns whether msgHash under id conflicts with a recovered
// signature, a session collecting shares or a local vote for another message
// hash.  Once id is recovered only the recovered message hash is free of
// conflict.
//
// This function is safe for concurrent access.
func (m *Manager) IsConflicting(t chaincfg.LLMQType, id, msgHash chainhash.Hash) bool {
	rs, err := m.store.recoveredSig(t, &id)
	if err == nil && rs != nil {
		return rs.MsgHash != msgHash
	}

	lock := m.idLock(&id)
	lock.Lock()
	pending := lock.pendingConflict(idKey{t, id}, msgHash)
	lock.Unlock()
	if pending {
		return true
	}

	voted, ok, err := m.store.vote(t, &id)
	return err == nil && ok && voted != msgHash
}

// GetVoteForID returns the message hash this node voted for under id.
func (m *Manager) GetVoteForID(t chaincfg.LLMQType, id chainhash.Hash) (chainhash.Hash, bool) {
	msgHash, ok, err := m.store.vote(t, &id)
	return msgHash, ok && err == nil
}

// HasVotedOnID returns whether this node voted on id.
func (m *Manager) HasVotedOnID(t chaincfg.LLMQType, id chainhash.Hash) bool {
	_, ok := m.GetVoteForID(t, id)
	return ok
}

// Verify checks a recovered signature.  The signing quorum is quorumHash
// when given and otherwise selected for id at the current tip.  It returns
// llmq.ErrQuorumNotFound when the quorum is unknown or no longer retained,
// which is distinct from a signature that does not verify.
//
// This function is safe for concurrent access.
func (m *Manager) Verify(t chaincfg.LLMQType, id, msgHash chainhash.Hash, sig wire.BLSSignature, quorumHash *chainhash.Hash) (bool, error) {
	var quorum *llmq.Quorum
	var err error
	if quorumHash != nil {
		quorum, err = m.quorums.GetQuorum(t, *quorumHash)
		if err != nil {
			return false, err
		}
		active, err := m.quorums.IsQuorumActive(t, *quorumHash)
		if err != nil {
			return false, err
		}
		if !active {
			return false, fmt.Errorf("%w: quorum %v was evicted",
				llmq.ErrQuorumNotFound, *quorumHash)
		}
	} else {
		quorum, err = SelectQuorumForSigning(m.quorums, t, m.quorums.TipHeight(), id)
		if err != nil {
			return false, err
		}
	}
	return verifyWithQuorum(quorum, id, msgHash, sig), nil
}

// VerifyAt checks a recovered signature made by the quorum selected for id
// at signHeight.
//
// This function is safe for concurrent access.
func (m *Manager) VerifyAt(t chaincfg.LLMQType, signHeight int32, id, msgHash chainhash.Hash, sig wire.BLSSignature) (bool, error) {
	quorum, err := SelectQuorumForSigning(m.quorums, t, signHeight, id)
	if err != nil {
		return false, err
	}
	return verifyWithQuorum(quorum, id, msgHash, sig), nil
}

func verifyWithQuorum(quorum *llmq.Quorum, id, msgHash chainhash.Hash, sig wire.BLSSignature) bool {
	s, err := bls.SignatureFromBytes(sig[:])
	if err != nil {
		return false
	}
	signHash := SignHash(quorum.Params.Type, quorum.QuorumHash(), id, msgHash)
	return quorum.PublicKey().Verify(signHash[:], s)
}

// Cleanup removes recovered signatures and votes older than the retention
// period and abandons sessions that did not reach the threshold in time.
//
// This function is safe for concurrent access.
func (m *Manager) Cleanup(now time.Time) error {
	sigs, votes, err := m.store.cleanup(now.Add(-m.cfg.SigRetention))
	if err != nil {
		return err
	}
	if sigs != 0 || votes != 0 {
		log.Debugf("Removed %d recovered sigs and %d votes", sigs, votes)
	}

	var abandoned int
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mtx.Lock()
		for signHash, s := range shard.sessions {
			if now.Sub(s.created) > m.cfg.SessionTimeout &&
				m.dropSession(shard, signHash) {

				abandoned++
			}
		}
		shard.mtx.Unlock()
	}
	if abandoned != 0 {
		log.Debugf("Abandoned %d signing sessions", abandoned)
	}
	return nil
}

// Start processes queued shares as they arrive and expires old signatures
// until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.ProcessPendingSigShares()
		case <-ticker.C:
			if err := m.Cleanup(m.cfg.Now()); err != nil {
				log.Errorf("Failed to clean up signatures: %v", err)
			}
		}
	}
}
