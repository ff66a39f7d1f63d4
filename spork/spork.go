// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spork implements network wide feature switches.  A spork is a
// signed value announced by the holders of the spork keys.  A value takes
// effect once enough distinct key holders agree on it, until then the
// built-in default applies.
package spork

import (
	"fmt"
	"sort"
)

// ID identifies a spork.
type ID int32

// These constants define the known sporks.
const (
	SporkInstantSendEnabled        ID = 10001
	SporkInstantSendBlockFiltering ID = 10002
	SporkSuperblocksEnabled        ID = 10008
	SporkQuorumDKGEnabled          ID = 10016
	SporkChainLocksEnabled         ID = 10018
	SporkQuorumAllConnected        ID = 10020
	SporkQuorumPoSe                ID = 10022
)

// Off is the default value of every spork.  It is a timestamp far enough in
// the future to never be reached by a block height.
const Off int64 = 4070908800

// sporkDef describes a known spork.
type sporkDef struct {
	name         string
	defaultValue int64
}

var sporkDefs = map[ID]sporkDef{
	SporkInstantSendEnabled:        {"SPORK_2_INSTANTSEND_ENABLED", Off},
	SporkInstantSendBlockFiltering: {"SPORK_3_INSTANTSEND_BLOCK_FILTERING", Off},
	SporkSuperblocksEnabled:        {"SPORK_9_SUPERBLOCKS_ENABLED", Off},
	SporkQuorumDKGEnabled:          {"SPORK_17_QUORUM_DKG_ENABLED", Off},
	SporkChainLocksEnabled:         {"SPORK_19_CHAINLOCKS_ENABLED", Off},
	SporkQuorumAllConnected:        {"SPORK_21_QUORUM_ALL_CONNECTED", Off},
	SporkQuorumPoSe:                {"SPORK_23_QUORUM_POSE", Off},
}

// String returns the ID as a human-readable name.
func (id ID) String() string {
	if d, ok := sporkDefs[id]; ok {
		return d.name
	}
	return fmt.Sprintf("Unknown spork (%d)", int32(id))
}

// IsKnown returns whether id is a spork this node knows about.
func (id ID) IsKnown() bool {
	_, ok := sporkDefs[id]
	return ok
}

// DefaultValue returns the value of the spork when no signed value is in
// force.
func (id ID) DefaultValue() int64 {
	return sporkDefs[id].defaultValue
}

// IDFromName returns the spork with the given name.
func IDFromName(name string) (ID, bool) {
	for id, d := range sporkDefs {
		if d.name == name {
			return id, true
		}
	}
	return 0, false
}

// KnownIDs returns every known spork in ascending order.
func KnownIDs() []ID {
	ids := make([]ID, 0, len(sporkDefs))
	for id := range sporkDefs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
