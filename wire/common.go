// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// ProtocolVersion is the latest protocol version this package supports.
const ProtocolVersion uint32 = 70230

// MaxVarCollectionSize is the upper bound on the number of elements of any
// length-prefixed collection.  It protects against memory exhaustion from
// forged length prefixes.
const MaxVarCollectionSize = 4096

const (
	// BLSPublicKeySize is the size of a compressed BLS12-381 G1 point.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS12-381 G2 point.
	BLSSignatureSize = 96
)

// BLSPublicKey is the serialized form of a BLS public key.
type BLSPublicKey [BLSPublicKeySize]byte

// String returns the public key as a hex string.
func (k BLSPublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsNull returns whether the key is all zeros.
func (k *BLSPublicKey) IsNull() bool {
	return *k == BLSPublicKey{}
}

// BLSSignature is the serialized form of a BLS signature.  The all-zero value
// is the null signature.
type BLSSignature [BLSSignatureSize]byte

// String returns the signature as a hex string.
func (s BLSSignature) String() string {
	return hex.EncodeToString(s[:])
}

// IsNull returns whether the signature is the null signature.
func (s *BLSSignature) IsNull() bool {
	return *s == BLSSignature{}
}

// KeyID is a hash160 of a secp256k1 public key.
type KeyID [20]byte

// String returns the key id as a hex string.
func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

var littleEndian = binary.LittleEndian

// readElement reads the next sequence of bytes from r using little endian
// depending on the concrete type of element pointed to.
func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *chainhash.Hash:
		_, err := io.ReadFull(r, e[:])
		return err

	case *BLSPublicKey:
		_, err := io.ReadFull(r, e[:])
		return err

	case *BLSSignature:
		_, err := io.ReadFull(r, e[:])
		return err

	case *KeyID:
		_, err := io.ReadFull(r, e[:])
		return err

	case *btcwire.OutPoint:
		if _, err := io.ReadFull(r, e.Hash[:]); err != nil {
			return err
		}
		return binary.Read(r, littleEndian, &e.Index)
	}

	// Fall back to the slower binary.Read if a fast path was not available
	// above.
	return binary.Read(r, littleEndian, element)
}

// readElements reads multiple items from r.  It is equivalent to multiple
// calls to readElement.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := readElement(r, element); err != nil {
			return err
		}
	}
	return nil
}

// writeElement writes the little endian representation of element to w.
func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case chainhash.Hash:
		_, err := w.Write(e[:])
		return err

	case BLSPublicKey:
		_, err := w.Write(e[:])
		return err

	case BLSSignature:
		_, err := w.Write(e[:])
		return err

	case KeyID:
		_, err := w.Write(e[:])
		return err

	case btcwire.OutPoint:
		if _, err := w.Write(e.Hash[:]); err != nil {
			return err
		}
		return binary.Write(w, littleEndian, e.Index)
	}

	return binary.Write(w, littleEndian, element)
}

// writeElements writes multiple items to w.  It is equivalent to multiple
// calls to writeElement.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := writeElement(w, element); err != nil {
			return err
		}
	}
	return nil
}

// ReadElements reads fixed size values from r in order.  Supported values are
// pointers to integers, bools, hashes, key ids, BLS keys and signatures and
// outpoints.
func ReadElements(r io.Reader, elements ...interface{}) error {
	return readElements(r, elements...)
}

// WriteElements is the counterpart of ReadElements.
func WriteElements(w io.Writer, elements ...interface{}) error {
	return writeElements(w, elements...)
}

// ReadVarInt reads a variable length integer from r.
func ReadVarInt(r io.Reader) (uint64, error) {
	return btcwire.ReadVarInt(r, ProtocolVersion)
}

// WriteVarInt serializes val to w using a variable number of bytes.
func WriteVarInt(w io.Writer, val uint64) error {
	return btcwire.WriteVarInt(w, ProtocolVersion, val)
}

// ReadVarBytes reads a length prefixed byte slice of at most maxAllowed bytes.
func ReadVarBytes(r io.Reader, maxAllowed uint32, fieldName string) ([]byte, error) {
	return btcwire.ReadVarBytes(r, ProtocolVersion, maxAllowed, fieldName)
}

// WriteVarBytes serializes a length prefixed byte slice to w.
func WriteVarBytes(w io.Writer, b []byte) error {
	return btcwire.WriteVarBytes(w, ProtocolVersion, b)
}

// ReadVarString reads a length prefixed string from r.
func ReadVarString(r io.Reader) (string, error) {
	return btcwire.ReadVarString(r, ProtocolVersion)
}

// WriteVarString serializes a length prefixed string to w.
func WriteVarString(w io.Writer, s string) error {
	return btcwire.WriteVarString(w, ProtocolVersion, s)
}

// ReadCount reads a collection length and rejects values above max.
func ReadCount(r io.Reader, max uint64, fieldName string) (uint64, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return 0, err
	}
	if count > max {
		str := fmt.Sprintf("too many entries for %s [count %d, max %d]",
			fieldName, count, max)
		return 0, messageError("ReadCount", str)
	}
	return count, nil
}

// ReadBitSet reads a dynamic bit set encoded as a varint bit count followed
// by the bits packed little endian into bytes.
func ReadBitSet(r io.Reader, fieldName string) ([]bool, error) {
	n, err := ReadCount(r, MaxVarCollectionSize, fieldName)
	if err != nil {
		return nil, err
	}
	packed := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, err
	}
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(uint(i)%8)) != 0
	}
	// Padding bits must be zero so that every bit set has exactly one
	// encoding.
	if n%8 != 0 && packed[len(packed)-1]>>(n%8) != 0 {
		str := fmt.Sprintf("non-zero padding in %s", fieldName)
		return nil, messageError("ReadBitSet", str)
	}
	return bits, nil
}

// WriteBitSet is the counterpart of ReadBitSet.
func WriteBitSet(w io.Writer, bits []bool) error {
	if err := WriteVarInt(w, uint64(len(bits))); err != nil {
		return err
	}
	packed := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	_, err := w.Write(packed)
	return err
}

// CountBits returns the number of set bits.
func CountBits(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

// ReadOutPoints reads a length prefixed list of outpoints.
func ReadOutPoints(r io.Reader, fieldName string) ([]btcwire.OutPoint, error) {
	count, err := ReadCount(r, MaxVarCollectionSize, fieldName)
	if err != nil {
		return nil, err
	}
	ops := make([]btcwire.OutPoint, count)
	for i := range ops {
		if err := readElement(r, &ops[i]); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// WriteOutPoints is the counterpart of ReadOutPoints.
func WriteOutPoints(w io.Writer, ops []btcwire.OutPoint) error {
	if err := WriteVarInt(w, uint64(len(ops))); err != nil {
		return err
	}
	for i := range ops {
		if err := writeElement(w, ops[i]); err != nil {
			return err
		}
	}
	return nil
}
