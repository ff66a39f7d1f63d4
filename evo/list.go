// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/google/btree"
	"github.com/mndnet/mnd/wire"
)

// btreeDegree is the degree of every tree backing a list.
const btreeDegree = 16

// uniqueEntry maps a unique masternode property to its owner.
type uniqueEntry struct {
	key       string
	proTxHash chainhash.Hash
}

// idEntry maps an internal id to the proTxHash.
type idEntry struct {
	id        uint64
	proTxHash chainhash.Hash
}

func lessMN(a, b *Masternode) bool {
	return bytes.Compare(a.ProTxHash[:], b.ProTxHash[:]) < 0
}

func lessUnique(a, b uniqueEntry) bool { return a.key < b.key }

func lessID(a, b idEntry) bool { return a.id < b.id }

func lessHash(a, b chainhash.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// List is the deterministic masternode list as of one block.  A List is
// immutable: every block produces a new List that shares unchanged tree
// nodes with its parent through copy-on-write clones, so snapshots can be
// handed to any number of readers without locking.
type List struct {
	blockHash       chainhash.Hash
	height          int32
	totalRegistered uint64

	mns        *btree.BTreeG[*Masternode]
	internalID *btree.BTreeG[idEntry]
	unique     *btree.BTreeG[uniqueEntry]

	// registered holds every proTxHash ever added, removed ones included.
	registered *btree.BTreeG[chainhash.Hash]
}

// NewList returns an empty list for the given block.
func NewList(blockHash chainhash.Hash, height int32) *List {
	return &List{
		blockHash:  blockHash,
		height:     height,
		mns:        btree.NewG[*Masternode](btreeDegree, lessMN),
		internalID: btree.NewG[idEntry](btreeDegree, lessID),
		unique:     btree.NewG[uniqueEntry](btreeDegree, lessUnique),
		registered: btree.NewG[chainhash.Hash](btreeDegree, lessHash),
	}
}

// clone returns a lazily copied list that can be mutated without affecting
// the receiver.
func (l *List) clone() *List {
	return &List{
		blockHash:       l.blockHash,
		height:          l.height,
		totalRegistered: l.totalRegistered,
		mns:             l.mns.Clone(),
		internalID:      l.internalID.Clone(),
		unique:          l.unique.Clone(),
		registered:      l.registered.Clone(),
	}
}

// BlockHash returns the hash of the block the list belongs to.
func (l *List) BlockHash() chainhash.Hash { return l.blockHash }

// Height returns the height of the block the list belongs to.
func (l *List) Height() int32 { return l.height }

// TotalRegistered returns the number of masternodes ever registered.
func (l *List) TotalRegistered() uint64 { return l.totalRegistered }

// Count returns the number of masternodes in the list.
func (l *List) Count() int { return l.mns.Len() }

// ValidCount returns the number of masternodes that are not banned.
func (l *List) ValidCount() int {
	n := 0
	l.ForEachMN(true, func(*Masternode) bool {
		n++
		return true
	})
	return n
}

// ValidWeightedCount returns the number of payment slots of a full cycle.
func (l *List) ValidWeightedCount() int {
	n := 0
	l.ForEachMN(true, func(mn *Masternode) bool {
		n += mn.Type.VotingWeight()
		return true
	})
	return n
}

// GetMN returns the masternode with the given proTxHash.
func (l *List) GetMN(proTxHash chainhash.Hash) (*Masternode, bool) {
	return l.mns.Get(&Masternode{ProTxHash: proTxHash})
}

// GetValidMN returns the masternode with the given proTxHash if it is not
// banned.
func (l *List) GetValidMN(proTxHash chainhash.Hash) (*Masternode, bool) {
	mn, ok := l.GetMN(proTxHash)
	if !ok || !mn.IsValid() {
		return nil, false
	}
	return mn, true
}

// GetMNByInternalID returns the masternode with the given internal id.
func (l *List) GetMNByInternalID(id uint64) (*Masternode, bool) {
	e, ok := l.internalID.Get(idEntry{id: id})
	if !ok {
		return nil, false
	}
	return l.GetMN(e.proTxHash)
}

// GetMNByCollateral returns the masternode whose collateral is op.
func (l *List) GetMNByCollateral(op btcwire.OutPoint) (*Masternode, bool) {
	return l.uniqueOwner(collateralKey(op))
}

// GetMNByOperatorKey returns the masternode with the given operator key.
func (l *List) GetMNByOperatorKey(key wire.BLSPublicKey) (*Masternode, bool) {
	return l.uniqueOwner(operatorKey(key))
}

// GetMNByAddress returns the masternode serving at addr.
func (l *List) GetMNByAddress(addr string) (*Masternode, bool) {
	return l.uniqueOwner(addressKey(addr))
}

// WasRegistered returns whether proTxHash was ever part of the list.
func (l *List) WasRegistered(proTxHash chainhash.Hash) bool {
	return l.registered.Has(proTxHash)
}

// ForEachMN calls fn for every masternode in proTxHash order until fn
// returns false.  With onlyValid banned masternodes are skipped.
func (l *List) ForEachMN(onlyValid bool, fn func(mn *Masternode) bool) {
	l.mns.Ascend(func(mn *Masternode) bool {
		if onlyValid && !mn.IsValid() {
			return true
		}
		return fn(mn)
	})
}

// AllMNs returns every masternode in proTxHash order.
func (l *List) AllMNs(onlyValid bool) []*Masternode {
	mns := make([]*Masternode, 0, l.mns.Len())
	l.ForEachMN(onlyValid, func(mn *Masternode) bool {
		mns = append(mns, mn)
		return true
	})
	return mns
}

// These prefixes separate the namespaces of unique properties.
const (
	uniqueCollateral byte = iota + 1
	uniqueAddress
	uniqueOwner
	uniqueOperator
	uniquePlatformID
)

func collateralKey(op btcwire.OutPoint) string {
	var b [1 + chainhash.HashSize + 4]byte
	b[0] = uniqueCollateral
	copy(b[1:], op.Hash[:])
	b[33] = byte(op.Index)
	b[34] = byte(op.Index >> 8)
	b[35] = byte(op.Index >> 16)
	b[36] = byte(op.Index >> 24)
	return string(b[:])
}

func addressKey(addr string) string {
	return string([]byte{uniqueAddress}) + addr
}

func ownerKey(id wire.KeyID) string {
	return string(append([]byte{uniqueOwner}, id[:]...))
}

func operatorKey(key wire.BLSPublicKey) string {
	return string(append([]byte{uniqueOperator}, key[:]...))
}

func platformKey(id PlatformNodeID) string {
	return string(append([]byte{uniquePlatformID}, id[:]...))
}

// uniqueKeys returns the unique property keys claimed by a masternode.
func uniqueKeys(mn *Masternode) []string {
	keys := []string{collateralKey(mn.Collateral), ownerKey(mn.State.KeyIDOwner)}
	if mn.State.Address != "" {
		keys = append(keys, addressKey(mn.State.Address))
	}
	if !mn.State.PubKeyOperator.IsNull() {
		keys = append(keys, operatorKey(mn.State.PubKeyOperator))
	}
	if mn.Type == MnTypeHPMN && mn.State.PlatformNodeID != (PlatformNodeID{}) {
		keys = append(keys, platformKey(mn.State.PlatformNodeID))
	}
	return keys
}

func (l *List) uniqueOwner(key string) (*Masternode, bool) {
	e, ok := l.unique.Get(uniqueEntry{key: key})
	if !ok {
		return nil, false
	}
	return l.GetMN(e.proTxHash)
}

// hasUnique returns whether key is claimed by a masternode other than
// except.
func (l *List) hasUnique(key string, except chainhash.Hash) bool {
	e, ok := l.unique.Get(uniqueEntry{key: key})
	return ok && e.proTxHash != except
}

// addMN inserts a new masternode.  The caller assigns the internal id.
func (l *List) addMN(mn *Masternode) error {
	if l.mns.Has(mn) {
		str := fmt.Sprintf("duplicate proTxHash %v", mn.ProTxHash)
		return ruleError(ErrDuplicateProTx, str)
	}
	if l.internalID.Has(idEntry{id: mn.InternalID}) {
		return AssertError(fmt.Sprintf("duplicate internal id %d", mn.InternalID))
	}
	for _, key := range uniqueKeys(mn) {
		if l.hasUnique(key, mn.ProTxHash) {
			return uniqueError(key, mn.ProTxHash)
		}
	}
	for _, key := range uniqueKeys(mn) {
		l.unique.ReplaceOrInsert(uniqueEntry{key: key, proTxHash: mn.ProTxHash})
	}
	l.mns.ReplaceOrInsert(mn)
	l.internalID.ReplaceOrInsert(idEntry{id: mn.InternalID, proTxHash: mn.ProTxHash})
	l.registered.ReplaceOrInsert(mn.ProTxHash)
	if mn.InternalID >= l.totalRegistered {
		l.totalRegistered = mn.InternalID + 1
	}
	return nil
}

// updateMN replaces the state of an existing masternode and maintains the
// unique property index.
func (l *List) updateMN(proTxHash chainhash.Hash, state *State) error {
	old, ok := l.GetMN(proTxHash)
	if !ok {
		str := fmt.Sprintf("unknown masternode %v", proTxHash)
		return ruleError(ErrUnknownProTx, str)
	}
	updated := old.withState(state)
	newKeys := uniqueKeys(updated)
	for _, key := range newKeys {
		if l.hasUnique(key, proTxHash) {
			return uniqueError(key, proTxHash)
		}
	}
	for _, key := range uniqueKeys(old) {
		l.unique.Delete(uniqueEntry{key: key})
	}
	for _, key := range newKeys {
		l.unique.ReplaceOrInsert(uniqueEntry{key: key, proTxHash: proTxHash})
	}
	l.mns.ReplaceOrInsert(updated)
	return nil
}

// removeMN drops a masternode from the list.
func (l *List) removeMN(proTxHash chainhash.Hash) error {
	mn, ok := l.GetMN(proTxHash)
	if !ok {
		str := fmt.Sprintf("unknown masternode %v", proTxHash)
		return ruleError(ErrUnknownProTx, str)
	}
	for _, key := range uniqueKeys(mn) {
		l.unique.Delete(uniqueEntry{key: key})
	}
	l.mns.Delete(mn)
	l.internalID.Delete(idEntry{id: mn.InternalID})
	return nil
}

func uniqueError(key string, proTxHash chainhash.Hash) error {
	code := ErrDuplicateKey
	switch key[0] {
	case uniqueCollateral:
		code = ErrDuplicateCollateral
	case uniqueAddress:
		code = ErrDuplicateAddress
	case uniquePlatformID:
		code = ErrDuplicatePlatformID
	}
	str := fmt.Sprintf("masternode %v conflicts with an existing masternode "+
		"(%v)", proTxHash, code)
	return ruleError(code, str)
}

// MerkleRoot returns the merkle root of the list entries in proTxHash
// order.  It is committed to by the coinbase payload.
func (l *List) MerkleRoot() chainhash.Hash {
	leaves := make([]chainhash.Hash, 0, l.mns.Len())
	l.ForEachMN(false, func(mn *Masternode) bool {
		leaves = append(leaves, mn.entryHash())
		return true
	})
	return wire.CalcMerkleRootHashes(leaves)
}

// Serialize encodes the full list to w.
func (l *List) Serialize(w io.Writer) error {
	err := wire.WriteElements(w, l.blockHash, l.height, l.totalRegistered)
	if err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, uint64(l.mns.Len())); err != nil {
		return err
	}
	l.mns.Ascend(func(mn *Masternode) bool {
		err = mn.Serialize(w)
		return err == nil
	})
	if err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, uint64(l.registered.Len())); err != nil {
		return err
	}
	l.registered.Ascend(func(h chainhash.Hash) bool {
		err = wire.WriteElements(w, h)
		return err == nil
	})
	return err
}

// Bytes returns the serialized list.
func (l *List) Bytes() []byte {
	var buf bytes.Buffer
	_ = l.Serialize(&buf)
	return buf.Bytes()
}

// maxListEntries bounds decoded entry counts.
const maxListEntries = 1 << 20

// DeserializeList decodes a list written by Serialize.
func DeserializeList(r io.Reader) (*List, error) {
	var (
		blockHash chainhash.Hash
		height    int32
		total     uint64
	)
	if err := wire.ReadElements(r, &blockHash, &height, &total); err != nil {
		return nil, err
	}
	l := NewList(blockHash, height)
	n, err := wire.ReadCount(r, maxListEntries, "masternodes")
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		mn := new(Masternode)
		if err := mn.Deserialize(r); err != nil {
			return nil, err
		}
		if err := l.addMN(mn); err != nil {
			return nil, err
		}
	}
	n, err = wire.ReadCount(r, maxListEntries, "registered hashes")
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var h chainhash.Hash
		if err := wire.ReadElements(r, &h); err != nil {
			return nil, err
		}
		l.registered.ReplaceOrInsert(h)
	}
	l.totalRegistered = total
	return l, nil
}
