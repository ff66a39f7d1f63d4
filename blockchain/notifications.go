// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/wire"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various chain events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockAccepted indicates the associated block was accepted into
	// the block chain.  Note that this does not necessarily mean it was
	// added to the main chain.  For that, use NTBlockConnected.
	NTBlockAccepted NotificationType = iota

	// NTBlockConnected indicates the associated block was connected to the
	// main chain.
	NTBlockConnected

	// NTBlockDisconnected indicates the associated block was disconnected
	// from the main chain.
	NTBlockDisconnected

	// NTReorganization indicates that a blockchain reorganization took
	// place.
	NTReorganization

	// NTChainLocked indicates the best chain was updated to contain a
	// chainlocked block.
	NTChainLocked
)

// notificationTypeStrings is a map of notification types back to their constant
// names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTBlockAccepted:     "NTBlockAccepted",
	NTBlockConnected:    "NTBlockConnected",
	NTBlockDisconnected: "NTBlockDisconnected",
	NTReorganization:    "NTReorganization",
	NTChainLocked:       "NTChainLocked",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// BlockAcceptedNtfnsData is the structure for data indicating information
// about a block being accepted.
type BlockAcceptedNtfnsData struct {
	OnMainChain bool
	Block       *wire.MsgBlock
}

// BlockConnectedNtfnsData is the structure for data indicating a block was
// connected to or disconnected from the main chain.
type BlockConnectedNtfnsData struct {
	Block  *wire.MsgBlock
	Hash   chainhash.Hash
	Height int32

	// CbTx is the coinbase payload of the block, nil before masternode
	// activation.
	CbTx *evo.CbTx

	// List is the masternode list after the block for connections and
	// after its parent for disconnections.
	List *evo.List
}

// ReorganizationNtfnsData is the structure for data indicating information
// about a reorganization.
type ReorganizationNtfnsData struct {
	OldHash   chainhash.Hash
	OldHeight int32
	NewHash   chainhash.Hash
	NewHeight int32
}

// ChainLockedNtfnsData is the structure for data indicating the chainlock
// that is now enforced.
type ChainLockedNtfnsData struct {
	Height int32
	Hash   chainhash.Hash
}

// Notification defines notification that is sent to the subscribers and
// consists of a notification type as well as associated data that depends on
// the type as follows:
//   - NTBlockAccepted:     *BlockAcceptedNtfnsData
//   - NTBlockConnected:    *BlockConnectedNtfnsData
//   - NTBlockDisconnected: *BlockConnectedNtfnsData
//   - NTReorganization:    *ReorganizationNtfnsData
//   - NTChainLocked:       *ChainLockedNtfnsData
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe to block chain notifications.  Registers a callback to be
// executed when various events take place.  Callbacks are invoked in the
// order the events happened and never while the chain lock is held.
func (b *BlockChain) Subscribe(callback NotificationCallback) {
	b.ntfnMtx.Lock()
	b.notifications = append(b.notifications, callback)
	b.ntfnMtx.Unlock()
}

// queueNotification records a notification to be sent once the chain lock is
// released.  Queueing under the chain lock keeps the chain order.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) queueNotification(typ NotificationType, data interface{}) {
	b.ntfnMtx.Lock()
	b.outbox = append(b.outbox, &Notification{Type: typ, Data: data})
	b.ntfnMtx.Unlock()
}

// flushNotifications delivers the queued notifications to every subscriber.
// Only one goroutine delivers at a time.  Notifications queued by callbacks
// or by other goroutines while a delivery is running are sent by the
// delivering goroutine, so subscribers see every event exactly once and in
// order, and callbacks may call back into the chain.
//
// This function MUST NOT be called with the chain lock held.
func (b *BlockChain) flushNotifications() {
	b.ntfnMtx.Lock()
	if b.delivering {
		b.ntfnMtx.Unlock()
		return
	}
	b.delivering = true
	for len(b.outbox) > 0 {
		batch := b.outbox
		b.outbox = nil
		callbacks := b.notifications
		b.ntfnMtx.Unlock()

		for _, n := range batch {
			for _, callback := range callbacks {
				callback(n)
			}
		}

		b.ntfnMtx.Lock()
	}
	b.delivering = false
	b.ntfnMtx.Unlock()
}
