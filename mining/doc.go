// Copyright (c) 2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mining creates block templates that extend the best chain.

Overview

A template carries the coinbase, the quorum commitment transactions that
are required at its height and the pool transactions that fit the policy.
The coinbase pays the masternodes that are due and its payload commits to
the masternode list and the active quorums the block produces.  Once the
coinbase chainlock rules are active the payload also references the best
chainlock the node knows of.

The cpuminer subpackage solves templates for regression test networks.
*/
package mining
