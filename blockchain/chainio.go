// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2018 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/database/dbnamespace"
	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/wire"
	"github.com/pkg/errors"
)

const (
	// blockHdrSize is the size of a serialized block header.
	blockHdrSize = 80

	// blockIndexEntrySize is the size of a serialized block index entry:
	// the header followed by the status byte.
	blockIndexEntrySize = blockHdrSize + 1
)

var (
	// bestChainKey is the chain state key of the hash of the best block.
	bestChainKey = engine.Key(dbnamespace.ChainStateBucket, []byte("best"))

	// chainLockKey is the chain state key of the enforced chainlock.
	chainLockKey = engine.Key(dbnamespace.ChainStateBucket, []byte("chainlock"))
)

// errDeserialize signifies that a problem was encountered when deserializing
// data.
type errDeserialize string

// Error implements the error interface.
func (e errDeserialize) Error() string {
	return string(e)
}

// blockIndexKey generates the binary key for an entry in the block index
// bucket.  The key is composed of the block height encoded as a big-endian
// 32-bit unsigned int followed by the 32 byte block hash, so iterating the
// bucket yields parents before children.
func blockIndexKey(blockHash *chainhash.Hash, blockHeight int32) []byte {
	return engine.Key(dbnamespace.BlockIndexBucket,
		dbnamespace.Uint32Key(uint32(blockHeight)), blockHash[:])
}

// blockKey returns the key of the serialized block with the given hash.
func blockKey(hash *chainhash.Hash) []byte {
	return engine.Key(dbnamespace.BlockBucket, hash[:])
}

// serializeBlockNode returns the serialized index entry of node.
func serializeBlockNode(node *blockNode) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(blockIndexEntrySize)
	header := node.Header()
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(node.status))
	return buf.Bytes(), nil
}

// deserializeBlockIndexEntry decodes a block index entry into its header and
// status.
func deserializeBlockIndexEntry(serialized []byte) (*wire.BlockHeader, blockStatus, error) {
	if len(serialized) != blockIndexEntrySize {
		return nil, statusNone, errDeserialize(fmt.Sprintf("block index "+
			"entry of %d bytes", len(serialized)))
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(serialized[:blockHdrSize])); err != nil {
		return nil, statusNone, errDeserialize(err.Error())
	}
	return &header, blockStatus(serialized[blockHdrSize]), nil
}

// dbPutBlockNode stores the index entry of node.
func dbPutBlockNode(tx engine.Transaction, node *blockNode) error {
	serialized, err := serializeBlockNode(node)
	if err != nil {
		return err
	}
	return tx.Put(blockIndexKey(&node.hash, node.height), serialized)
}

// dbStoreBlock stores the block and the index entry of its node.
func dbStoreBlock(e engine.Engine, node *blockNode, block *wire.MsgBlock) error {
	err := engine.Update(e, func(tx engine.Transaction) error {
		if err := tx.Put(blockKey(&node.hash), block.Bytes()); err != nil {
			return err
		}
		return dbPutBlockNode(tx, node)
	})
	return errors.Wrapf(err, "failed to store block %v", node.hash)
}

// dbFetchBlock loads the block with the given hash.
func dbFetchBlock(e engine.Engine, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	serialized, err := engine.Get(e, blockKey(hash))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load block %v", hash)
	}
	if serialized == nil {
		return nil, AssertError(fmt.Sprintf("block %v is not stored", hash))
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, errors.Wrapf(err, "corrupt block %v", hash)
	}
	return block, nil
}

// dbPutChainState writes the dirty index entries together with the best
// block hash.
func dbPutChainState(e engine.Engine, dirty []*blockNode, best *blockNode) error {
	err := engine.Update(e, func(tx engine.Transaction) error {
		for _, node := range dirty {
			if err := dbPutBlockNode(tx, node); err != nil {
				return err
			}
		}
		return tx.Put(bestChainKey, best.hash[:])
	})
	return errors.Wrap(err, "failed to store chain state")
}

// dbPutChainLock persists the enforced chainlock.
func dbPutChainLock(e engine.Engine, height int32, hash *chainhash.Hash) error {
	value := append(dbnamespace.Uint32Key(uint32(height)), hash[:]...)
	err := engine.Update(e, func(tx engine.Transaction) error {
		return tx.Put(chainLockKey, value)
	})
	return errors.Wrap(err, "failed to store chainlock")
}

// dbFetchChainLock loads the enforced chainlock.  The bool is false when none
// was stored.
func dbFetchChainLock(e engine.Engine) (int32, chainhash.Hash, bool, error) {
	var hash chainhash.Hash
	value, err := engine.Get(e, chainLockKey)
	if err != nil {
		return 0, hash, false, errors.Wrap(err, "failed to load chainlock")
	}
	if value == nil {
		return 0, hash, false, nil
	}
	if len(value) != 4+chainhash.HashSize {
		return 0, hash, false, errDeserialize("corrupt chainlock entry")
	}
	copy(hash[:], value[4:])
	return int32(dbnamespace.ByteOrder.Uint32(value[:4])), hash, true, nil
}

// initChainState loads the block index and the best chain from the database
// or, for a fresh database, stores the genesis block.
func (b *BlockChain) initChainState() error {
	best, err := engine.Get(b.db, bestChainKey)
	if err != nil {
		return errors.Wrap(err, "failed to load best chain")
	}
	if best == nil {
		return b.createChainState()
	}

	type entry struct {
		header *wire.BlockHeader
		status blockStatus
	}
	var entries []entry
	err = engine.ForEach(b.db, []byte{dbnamespace.BlockIndexBucket}, func(_, v []byte) error {
		header, status, err := deserializeBlockIndexEntry(v)
		if err != nil {
			return err
		}
		entries = append(entries, entry{header, status})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to load block index")
	}

	signals, err := dbFetchMnHfSignals(b.db)
	if err != nil {
		return err
	}

	// Entries are ordered by height, so every parent is known before its
	// children.
	var genesis *blockNode
	for _, e := range entries {
		var parent *blockNode
		if genesis == nil {
			if e.header.BlockHash() != b.chainParams.GenesisHash {
				return AssertError("first block index entry is not the genesis block")
			}
		} else {
			parent = b.index.LookupNode(&e.header.PrevBlock)
			if parent == nil {
				return AssertError(fmt.Sprintf("block index entry %v has "+
					"no parent", e.header.BlockHash()))
			}
		}
		node := newBlockNode(e.header, parent)
		node.status = e.status
		if bits, ok := signals[node.hash]; ok {
			node.mnhfSignals = node.mnhfSignals.with(bits, node.height)
		}
		b.index.AddNode(node)
		if genesis == nil {
			genesis = node
		}
	}
	b.index.takeDirty()

	var bestHash chainhash.Hash
	copy(bestHash[:], best)
	tip := b.index.LookupNode(&bestHash)
	if tip == nil {
		return AssertError(fmt.Sprintf("best block %v is not in the index", bestHash))
	}
	b.bestChain.SetTip(tip)

	height, hash, ok, err := dbFetchChainLock(b.db)
	if err != nil {
		return err
	}
	if ok {
		b.lockedHeight, b.lockedHash = height, hash
	}

	log.Infof("Loaded %d block index entries, best chain height %d (%v)",
		len(entries), tip.height, tip.hash)
	return nil
}

// createChainState stores the genesis block and makes it the best chain.
func (b *BlockChain) createChainState() error {
	genesis := newBlockNode(&b.chainParams.GenesisBlock.Header, nil)
	genesis.status = statusDataStored | statusValid
	if err := dbStoreBlock(b.db, genesis, b.chainParams.GenesisBlock); err != nil {
		return err
	}
	b.index.AddNode(genesis)
	b.bestChain.SetTip(genesis)
	return dbPutChainState(b.db, b.index.takeDirty(), genesis)
}
