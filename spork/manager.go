// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spork

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/lru"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/wire"
	pkgerrors "github.com/pkg/errors"
)

const (
	// maxFutureTime is how far in the future the signing time of a spork
	// message may be.
	maxFutureTime = 2 * time.Hour

	// seenCacheSize bounds the hashes of messages already processed.
	seenCacheSize = 1024
)

var (
	// ErrUnknownSpork is returned for messages about a spork this node
	// does not know.
	ErrUnknownSpork = errors.New("unknown spork")

	// ErrBadSignature is returned when the signer of a message can not be
	// recovered.
	ErrBadSignature = errors.New("invalid spork signature")

	// ErrUnauthorizedSigner is returned when a message is signed by a key
	// that is not a spork key of the network.
	ErrUnauthorizedSigner = errors.New("spork signed by unauthorized key")

	// ErrFutureSpork is returned for messages signed too far in the future.
	ErrFutureSpork = errors.New("spork signing time too far in the future")

	// ErrNoSporkKey is returned when a spork update is requested without a
	// configured signing key.
	ErrNoSporkKey = errors.New("no spork key configured")
)

// keyID is the hash160 of a compressed spork public key.
type keyID [20]byte

func (k keyID) String() string {
	return hex.EncodeToString(k[:])
}

// Config is the configuration of a spork manager.
type Config struct {
	ChainParams *chaincfg.Params

	// DB persists the accepted spork messages.
	DB engine.Engine

	// Broadcaster relays accepted spork messages.
	Broadcaster llmq.Broadcaster

	// Now returns the current time.  time.Now is used when it is nil.
	Now func() time.Time
}

// Manager keeps the newest spork message of every signer and derives the
// values in force.
type Manager struct {
	cfg     Config
	db      engine.Engine
	minKeys int
	signers map[keyID]struct{}

	mtx       sync.RWMutex
	messages  map[ID]map[keyID]*wire.MsgSpork
	seen      lru.Cache
	signKey   *btcec.PrivateKey
	signKeyID keyID
}

// New returns a spork manager with the messages stored in the database.
func New(cfg *Config) (*Manager, error) {
	c := *cfg
	if c.Now == nil {
		c.Now = time.Now
	}
	m := &Manager{
		cfg:      c,
		db:       cfg.DB,
		minKeys:  cfg.ChainParams.MinSporkKeys,
		signers:  make(map[keyID]struct{}),
		messages: make(map[ID]map[keyID]*wire.MsgSpork),
		seen:     lru.NewCache(seenCacheSize),
	}
	for _, addr := range cfg.ChainParams.SporkAddresses {
		if err := m.AddSigner(addr); err != nil {
			return nil, err
		}
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// AddSigner authorizes the key id given as a hex encoded hash160.
func (m *Manager) AddSigner(hexKeyID string) error {
	b, err := hex.DecodeString(hexKeyID)
	if err != nil || len(b) != len(keyID{}) {
		return fmt.Errorf("invalid spork key id %q", hexKeyID)
	}
	var id keyID
	copy(id[:], b)

	m.mtx.Lock()
	m.signers[id] = struct{}{}
	m.mtx.Unlock()
	return nil
}

// SetPrivKey configures the key used by UpdateSpork.  The key must be
// encoded as WIF.  On networks without configured spork addresses the key
// becomes the only authorized signer.
func (m *Manager) SetPrivKey(wif string) error {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return fmt.Errorf("invalid spork key: %w", err)
	}
	id := pubKeyID(decoded.PrivKey.PubKey())

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.signers) == 0 {
		m.signers[id] = struct{}{}
	}
	if _, ok := m.signers[id]; !ok {
		return fmt.Errorf("%w: %v", ErrUnauthorizedSigner, id)
	}
	m.signKey = decoded.PrivKey
	m.signKeyID = id
	return nil
}

func pubKeyID(pub *btcec.PublicKey) keyID {
	var id keyID
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return id
}

func sporkKey(id ID, signer keyID) []byte {
	return engine.Key(dbnamespace.SporkBucket, dbnamespace.Uint32Key(uint32(id)),
		signer[:])
}

// load reads the persisted messages.  Messages of signers that are no longer
// authorized are skipped.
func (m *Manager) load() error {
	prefix := []byte{dbnamespace.SporkBucket}
	err := engine.ForEach(m.db, prefix, func(k, v []byte) error {
		var msg wire.MsgSpork
		if err := msg.BtcDecode(bytes.NewReader(v), wire.ProtocolVersion); err != nil {
			return err
		}
		signer, err := m.recoverSigner(&msg)
		if err != nil {
			log.Warnf("Dropping stored spork %v: %v", ID(msg.SporkID), err)
			return nil
		}
		m.store(&msg, signer)
		return nil
	})
	return pkgerrors.Wrap(err, "failed to load sporks")
}

// recoverSigner returns the authorized key id that signed msg.
func (m *Manager) recoverSigner(msg *wire.MsgSpork) (keyID, error) {
	hash := msg.SignatureHash()
	pub, _, err := ecdsa.RecoverCompact(msg.Sig, hash[:])
	if err != nil {
		return keyID{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	id := pubKeyID(pub)

	m.mtx.RLock()
	_, ok := m.signers[id]
	m.mtx.RUnlock()
	if !ok {
		return keyID{}, fmt.Errorf("%w: %v", ErrUnauthorizedSigner, id)
	}
	return id, nil
}

// store records msg as the newest message of signer.
func (m *Manager) store(msg *wire.MsgSpork, signer keyID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	bySigner, ok := m.messages[ID(msg.SporkID)]
	if !ok {
		bySigner = make(map[keyID]*wire.MsgSpork)
		m.messages[ID(msg.SporkID)] = bySigner
	}
	bySigner[signer] = msg
}

// ProcessSpork validates a spork message and makes it the message of its
// signer when it is newer than the one known.  Accepted messages are
// persisted and relayed.  Messages that are not newer are ignored.
//
// This function is safe for concurrent access.
func (m *Manager) ProcessSpork(msg *wire.MsgSpork) error {
	hash := msg.Hash()
	if m.seen.Contains(hash) {
		return nil
	}

	id := ID(msg.SporkID)
	if !id.IsKnown() {
		return fmt.Errorf("%w: %d", ErrUnknownSpork, msg.SporkID)
	}
	if msg.TimeSigned > m.cfg.Now().Add(maxFutureTime).Unix() {
		return fmt.Errorf("%w: %v signed at %d", ErrFutureSpork, id,
			msg.TimeSigned)
	}
	signer, err := m.recoverSigner(msg)
	if err != nil {
		return err
	}

	m.mtx.RLock()
	prev := m.messages[id][signer]
	m.mtx.RUnlock()
	if prev != nil && prev.TimeSigned >= msg.TimeSigned {
		log.Debugf("Ignoring %v from %v signed at %d, have %d", id, signer,
			msg.TimeSigned, prev.TimeSigned)
		m.seen.Add(hash)
		return nil
	}

	b, err := wire.EncodePayload(msg)
	if err != nil {
		return err
	}
	err = engine.Update(m.db, func(tx engine.Transaction) error {
		return tx.Put(sporkKey(id, signer), b)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to store %v", id)
	}
	m.store(msg, signer)
	m.seen.Add(hash)

	log.Infof("Spork %v set to %d by %v (signed at %d)", id, msg.Value,
		signer, msg.TimeSigned)
	if m.cfg.Broadcaster != nil {
		m.cfg.Broadcaster.Broadcast(msg)
	}
	return nil
}

// UpdateSpork signs a new value for the spork with the configured key and
// processes it like a message from the network.
//
// This function is safe for concurrent access.
func (m *Manager) UpdateSpork(id ID, value int64) (*wire.MsgSpork, error) {
	if !id.IsKnown() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSpork, int32(id))
	}
	m.mtx.RLock()
	key := m.signKey
	prev := m.messages[id][m.signKeyID]
	m.mtx.RUnlock()
	if key == nil {
		return nil, ErrNoSporkKey
	}

	msg := &wire.MsgSpork{
		SporkID:    int32(id),
		Value:      value,
		TimeSigned: m.cfg.Now().Unix(),
	}
	// Two updates within one second still have to order.
	if prev != nil && msg.TimeSigned <= prev.TimeSigned {
		msg.TimeSigned = prev.TimeSigned + 1
	}
	hash := msg.SignatureHash()
	msg.Sig = ecdsa.SignCompact(key, hash[:], true)
	if err := m.ProcessSpork(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Value returns the value of the spork in force.  A value is in force when
// at least MinSporkKeys signers announced it.  When several values qualify
// the lowest one wins.  The default value applies otherwise.
//
// This function is safe for concurrent access.
func (m *Manager) Value(id ID) int64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	counts := make(map[int64]int)
	for _, msg := range m.messages[id] {
		counts[msg.Value]++
	}
	values := make([]int64, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for _, v := range values {
		if counts[v] >= m.minKeys {
			return v
		}
	}
	return id.DefaultValue()
}

// IsSet returns whether a signed value is in force for the spork.
func (m *Manager) IsSet(id ID) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	counts := make(map[int64]int)
	for _, msg := range m.messages[id] {
		counts[msg.Value]++
		if counts[msg.Value] >= m.minKeys {
			return true
		}
	}
	return false
}

// IsSporkActive returns whether the value of the spork is at or below
// height.  Sporks switched on with value zero are active at every height.
//
// This function is safe for concurrent access.
func (m *Manager) IsSporkActive(id ID, height int64) bool {
	return m.Value(id) <= height
}

// Values returns the value in force of every known spork.
func (m *Manager) Values() map[ID]int64 {
	values := make(map[ID]int64, len(sporkDefs))
	for _, id := range KnownIDs() {
		values[id] = m.Value(id)
	}
	return values
}

// GetSporkMessages returns the newest message of every signer for every
// spork, ordered by spork and signer.  They are sent to peers that ask for a
// resync.
//
// This function is safe for concurrent access.
func (m *Manager) GetSporkMessages() []*wire.MsgSpork {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	type entry struct {
		id     ID
		signer keyID
		msg    *wire.MsgSpork
	}
	var entries []entry
	for id, bySigner := range m.messages {
		for signer, msg := range bySigner {
			entries = append(entries, entry{id, signer, msg})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].id != entries[j].id {
			return entries[i].id < entries[j].id
		}
		return bytes.Compare(entries[i].signer[:], entries[j].signer[:]) < 0
	})
	msgs := make([]*wire.MsgSpork, len(entries))
	for i := range entries {
		msgs[i] = entries[i].msg
	}
	return msgs
}
