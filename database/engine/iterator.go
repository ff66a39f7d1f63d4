// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

// Iterator walks the key/value pairs of a Range in key order.  A fresh
// iterator is positioned before the first pair.
type Iterator interface {
	// First moves the iterator to the first key/value pair. If the iterator
	// only contains one key/value pair then First and Last would moves
	// to the same key/value pair.
	// It returns whether such pair exist.
	First() bool

	// Last moves the iterator to the last key/value pair. If the iterator
	// only contains one key/value pair then First and Last would moves
	// to the same key/value pair.
	// It returns whether such pair exist.
	Last() bool

	// Seek moves the iterator to the first key/value pair whose key is greater
	// than or equal to the given key.
	// It returns whether such pair exist.
	//
	// It is safe to modify the contents of the argument after Seek returns.
	Seek(key []byte) bool

	// Next moves the iterator to the next key/value pair.
	// It returns false if the iterator is exhausted.
	Next() bool

	// Prev moves the iterator to the previous key/value pair.
	// It returns false if the iterator is exhausted.
	Prev() bool

	// Valid reports whether the iterator is positioned at a pair.
	Valid() bool

	// Error returns any accumulated error. Exhausting all the key/value pairs
	// is not considered to be an error.
	Error() error

	// Key returns the key of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to any 'seeks method'.
	Key() []byte

	// Value returns the value of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to any 'seeks method'.
	Value() []byte

	Releaser
}

// Range is a key range.
type Range struct {
	// Start of the key range, include in the range.
	Start []byte

	// Limit of the key range, not include in the range.
	Limit []byte
}

// BytesPrefix returns key range that satisfy the given prefix.
func BytesPrefix(prefix []byte) *Range {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c < 0xff {
			limit = make([]byte, i+1)
			copy(limit, prefix)
			limit[i] = c + 1
			break
		}
	}
	return &Range{prefix, limit}
}

// Key builds a storage key from a one byte bucket tag and the given parts.
func Key(bucket byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	key = append(key, bucket)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// releasedIterator is the empty iterator handed out by released snapshots.
type releasedIterator struct{}

func (releasedIterator) First() bool { return false }
func (releasedIterator) Last() bool { return false }
func (releasedIterator) Seek([]byte) bool { return false }
func (releasedIterator) Next() bool { return false }
func (releasedIterator) Prev() bool { return false }
func (releasedIterator) Valid() bool { return false }
func (releasedIterator) Error() error { return ErrSnapshotReleased }
func (releasedIterator) Key() []byte { return nil }
func (releasedIterator) Value() []byte { return nil }
func (releasedIterator) Release() {}

// ReleasedIterator returns an exhausted iterator whose Error reports
// ErrSnapshotReleased.
func ReleasedIterator() Iterator {
	return releasedIterator{}
}
