// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/wire"
)

// StateUpdate is the new state of an existing masternode.
type StateUpdate struct {
	InternalID uint64
	State      *State
}

// ListDiff describes how to get from the list at BaseBlockHash to the list
// at BlockHash.  Masternodes are referenced by internal id.
type ListDiff struct {
	BaseBlockHash   chainhash.Hash
	BlockHash       chainhash.Hash
	Height          int32
	TotalRegistered uint64

	// Added masternodes sorted by internal id.
	Added []*Masternode

	// Updated states sorted by internal id.
	Updated []StateUpdate

	// Removed internal ids in ascending order.
	Removed []uint64

	// Retired proTxHashes that were registered and removed again between
	// the two lists.
	Retired []chainhash.Hash
}

// HasChanges returns whether applying the diff changes any masternode.
func (d *ListDiff) HasChanges() bool {
	return len(d.Added) != 0 || len(d.Updated) != 0 || len(d.Removed) != 0 ||
		len(d.Retired) != 0
}

// stateBytes is used to detect state changes between two lists.
func stateBytes(s *State) []byte {
	var buf bytes.Buffer
	_ = s.Serialize(&buf)
	return buf.Bytes()
}

// BuildDiff returns the diff that turns base into to.
func BuildDiff(base, to *List) *ListDiff {
	diff := &ListDiff{
		BaseBlockHash:   base.blockHash,
		BlockHash:       to.blockHash,
		Height:          to.height,
		TotalRegistered: to.totalRegistered,
	}
	to.ForEachMN(false, func(mn *Masternode) bool {
		old, ok := base.GetMN(mn.ProTxHash)
		switch {
		case !ok:
			diff.Added = append(diff.Added, mn)
		case old.State != mn.State &&
			!bytes.Equal(stateBytes(old.State), stateBytes(mn.State)):
			diff.Updated = append(diff.Updated, StateUpdate{
				InternalID: mn.InternalID,
				State:      mn.State,
			})
		}
		return true
	})
	base.ForEachMN(false, func(mn *Masternode) bool {
		if _, ok := to.GetMN(mn.ProTxHash); !ok {
			diff.Removed = append(diff.Removed, mn.InternalID)
		}
		return true
	})
	to.registered.Ascend(func(h chainhash.Hash) bool {
		if base.registered.Has(h) {
			return true
		}
		if _, ok := to.GetMN(h); !ok {
			diff.Retired = append(diff.Retired, h)
		}
		return true
	})

	// Added masternodes must be applied in registration order so that the
	// internal ids come out the same.
	sort.Slice(diff.Added, func(i, j int) bool {
		return diff.Added[i].InternalID < diff.Added[j].InternalID
	})
	sort.Slice(diff.Updated, func(i, j int) bool {
		return diff.Updated[i].InternalID < diff.Updated[j].InternalID
	})
	sort.Slice(diff.Removed, func(i, j int) bool {
		return diff.Removed[i] < diff.Removed[j]
	})
	return diff
}

// ApplyDiff returns the list that results from applying diff to base.  The
// base list is not modified.
func ApplyDiff(base *List, diff *ListDiff) (*List, error) {
	if diff.BaseBlockHash != base.blockHash {
		str := fmt.Sprintf("diff is based on %v, not %v", diff.BaseBlockHash,
			base.blockHash)
		return nil, AssertError(str)
	}
	l := base.clone()
	l.blockHash = diff.BlockHash
	l.height = diff.Height

	for _, id := range diff.Removed {
		mn, ok := l.GetMNByInternalID(id)
		if !ok {
			return nil, AssertError(fmt.Sprintf("removed masternode %d not found", id))
		}
		if err := l.removeMN(mn.ProTxHash); err != nil {
			return nil, err
		}
	}

	// Unique properties may move between masternodes within the range of
	// the diff, so release the old ones before claiming any new ones.
	updated := make([]*Masternode, len(diff.Updated))
	for i, u := range diff.Updated {
		mn, ok := l.GetMNByInternalID(u.InternalID)
		if !ok {
			str := fmt.Sprintf("updated masternode %d not found", u.InternalID)
			return nil, AssertError(str)
		}
		for _, key := range uniqueKeys(mn) {
			l.unique.Delete(uniqueEntry{key: key})
		}
		updated[i] = mn.withState(u.State)
	}
	for _, mn := range updated {
		for _, key := range uniqueKeys(mn) {
			if l.hasUnique(key, mn.ProTxHash) {
				return nil, uniqueError(key, mn.ProTxHash)
			}
			l.unique.ReplaceOrInsert(uniqueEntry{key: key, proTxHash: mn.ProTxHash})
		}
		l.mns.ReplaceOrInsert(mn)
	}
	for _, mn := range diff.Added {
		if err := l.addMN(mn); err != nil {
			return nil, err
		}
	}
	for _, h := range diff.Retired {
		l.registered.ReplaceOrInsert(h)
	}
	l.totalRegistered = diff.TotalRegistered
	return l, nil
}

// Serialize encodes the diff to w.
func (d *ListDiff) Serialize(w io.Writer) error {
	err := wire.WriteElements(w, d.BaseBlockHash, d.BlockHash, d.Height,
		d.TotalRegistered)
	if err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, uint64(len(d.Added))); err != nil {
		return err
	}
	for _, mn := range d.Added {
		if err := mn.Serialize(w); err != nil {
			return err
		}
	}
	if err := wire.WriteVarInt(w, uint64(len(d.Updated))); err != nil {
		return err
	}
	for _, u := range d.Updated {
		if err := wire.WriteVarInt(w, u.InternalID); err != nil {
			return err
		}
		if err := u.State.Serialize(w); err != nil {
			return err
		}
	}
	if err := wire.WriteVarInt(w, uint64(len(d.Removed))); err != nil {
		return err
	}
	for _, id := range d.Removed {
		if err := wire.WriteVarInt(w, id); err != nil {
			return err
		}
	}
	if err := wire.WriteVarInt(w, uint64(len(d.Retired))); err != nil {
		return err
	}
	for _, h := range d.Retired {
		if err := wire.WriteElements(w, h); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the serialized diff.
func (d *ListDiff) Bytes() []byte {
	var buf bytes.Buffer
	_ = d.Serialize(&buf)
	return buf.Bytes()
}

// Deserialize decodes a diff from r.
func (d *ListDiff) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &d.BaseBlockHash, &d.BlockHash, &d.Height,
		&d.TotalRegistered)
	if err != nil {
		return err
	}
	n, err := wire.ReadCount(r, maxListEntries, "added masternodes")
	if err != nil {
		return err
	}
	d.Added = make([]*Masternode, n)
	for i := range d.Added {
		d.Added[i] = new(Masternode)
		if err := d.Added[i].Deserialize(r); err != nil {
			return err
		}
	}
	if n, err = wire.ReadCount(r, maxListEntries, "updated masternodes"); err != nil {
		return err
	}
	d.Updated = make([]StateUpdate, n)
	for i := range d.Updated {
		if d.Updated[i].InternalID, err = wire.ReadVarInt(r); err != nil {
			return err
		}
		d.Updated[i].State = new(State)
		if err := d.Updated[i].State.Deserialize(r); err != nil {
			return err
		}
	}
	if n, err = wire.ReadCount(r, maxListEntries, "removed masternodes"); err != nil {
		return err
	}
	d.Removed = make([]uint64, n)
	for i := range d.Removed {
		if d.Removed[i], err = wire.ReadVarInt(r); err != nil {
			return err
		}
	}
	if n, err = wire.ReadCount(r, maxListEntries, "retired masternodes"); err != nil {
		return err
	}
	d.Retired = make([]chainhash.Hash, n)
	for i := range d.Retired {
		if err := wire.ReadElements(r, &d.Retired[i]); err != nil {
			return err
		}
	}
	return nil
}
