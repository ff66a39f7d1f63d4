// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bls implements BLS signatures over BLS12-381 together with the
// threshold algebra quorums need: Shamir sharing of secret keys, Feldman
// verification vectors and Lagrange recovery of keys and signatures.
//
// Public keys live in G1 and are 48 bytes compressed, signatures live in G2
// and are 96 bytes compressed.
package bls

import (
	"errors"
	"io"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
)

const (
	// SecretKeySize is the size of a serialized secret key.
	SecretKeySize = bls12381.ScalarSize

	// PublicKeySize is the size of a serialized public key.
	PublicKeySize = bls12381.G1SizeCompressed

	// SignatureSize is the size of a serialized signature.
	SignatureSize = bls12381.G2SizeCompressed
)

var (
	// ErrInvalidSecretKey is returned when a secret key is zero or does not
	// decode.
	ErrInvalidSecretKey = errors.New("bls: invalid secret key")

	// ErrInvalidPublicKey is returned when a public key does not decode to
	// a non-identity point of G1.
	ErrInvalidPublicKey = errors.New("bls: invalid public key")

	// ErrInvalidSignature is returned when a signature does not decode to a
	// point of G2.
	ErrInvalidSignature = errors.New("bls: invalid signature")

	// ErrNoShares is returned when a recovery is attempted without input.
	ErrNoShares = errors.New("bls: no shares to recover from")

	// ErrDuplicateID is returned when two shares carry the same member id.
	ErrDuplicateID = errors.New("bls: duplicate share id")
)

// domain separation tag of the proof of possession ciphersuite.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// SecretKey is a BLS secret key, a non-zero scalar.
type SecretKey struct {
	s bls12381.Scalar
}

// PublicKey is a BLS public key, a point of G1.
type PublicKey struct {
	p bls12381.G1
}

// Signature is a BLS signature, a point of G2.
type Signature struct {
	p bls12381.G2
}

// GenerateKey creates a new random secret key reading entropy from r.
func GenerateKey(r io.Reader) (*SecretKey, error) {
	sk := new(SecretKey)
	for {
		if err := sk.s.Random(r); err != nil {
			return nil, err
		}
		if sk.s.IsZero() == 0 {
			return sk, nil
		}
	}
}

// SecretKeyFromBytes decodes a big endian secret key.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != SecretKeySize {
		return nil, ErrInvalidSecretKey
	}
	sk := new(SecretKey)
	if err := sk.s.UnmarshalBinary(b); err != nil || sk.s.IsZero() == 1 {
		return nil, ErrInvalidSecretKey
	}
	return sk, nil
}

// Bytes returns the big endian encoding of the secret key.
func (sk *SecretKey) Bytes() []byte {
	b, _ := sk.s.MarshalBinary()
	return b
}

// PublicKey returns the public key of sk.
func (sk *SecretKey) PublicKey() *PublicKey {
	pk := new(PublicKey)
	pk.p.ScalarMult(&sk.s, bls12381.G1Generator())
	return pk
}

// Sign signs msg.
func (sk *SecretKey) Sign(msg []byte) *Signature {
	var h bls12381.G2
	h.Hash(msg, dst)
	sig := new(Signature)
	sig.p.ScalarMult(&sk.s, &h)
	return sig
}

// Equal returns whether two secret keys are the same.
func (sk *SecretKey) Equal(o *SecretKey) bool {
	return sk.s.IsEqual(&o.s) == 1
}

// PublicKeyFromBytes decodes a compressed public key.  The identity point is
// rejected.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	pk := new(PublicKey)
	if err := pk.p.SetBytes(b); err != nil || pk.p.IsIdentity() {
		return nil, ErrInvalidPublicKey
	}
	return pk, nil
}

// Bytes returns the compressed encoding of the public key.
func (pk *PublicKey) Bytes() []byte {
	return pk.p.BytesCompressed()
}

// Serialize returns the compressed encoding as a fixed size array.
func (pk *PublicKey) Serialize() [PublicKeySize]byte {
	var b [PublicKeySize]byte
	copy(b[:], pk.p.BytesCompressed())
	return b
}

// Equal returns whether two public keys are the same point.
func (pk *PublicKey) Equal(o *PublicKey) bool {
	return pk.p.IsEqual(&o.p)
}

// Verify checks that sig is a valid signature of msg by pk.
func (pk *PublicKey) Verify(msg []byte, sig *Signature) bool {
	var h bls12381.G2
	h.Hash(msg, dst)
	// e(pk, H(m)) * e(g1, sig)^-1 == 1
	res := bls12381.ProdPairFrac(
		[]*bls12381.G1{&pk.p, bls12381.G1Generator()},
		[]*bls12381.G2{&h, &sig.p},
		[]int{1, -1},
	)
	return res.IsIdentity()
}

// SignatureFromBytes decodes a compressed signature.
func SignatureFromBytes(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, ErrInvalidSignature
	}
	sig := new(Signature)
	if err := sig.p.SetBytes(b); err != nil {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// Bytes returns the compressed encoding of the signature.
func (sig *Signature) Bytes() []byte {
	return sig.p.BytesCompressed()
}

// Serialize returns the compressed encoding as a fixed size array.
func (sig *Signature) Serialize() [SignatureSize]byte {
	var b [SignatureSize]byte
	copy(b[:], sig.p.BytesCompressed())
	return b
}

// Equal returns whether two signatures are the same point.
func (sig *Signature) Equal(o *Signature) bool {
	return sig.p.IsEqual(&o.p)
}

// IsNullSignature returns whether b is the all-zero signature encoding used
// as a "no signature" sentinel.  It never decodes to a valid point.
func IsNullSignature(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// AggregateSignatures adds signatures together.
func AggregateSignatures(sigs []*Signature) (*Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoShares
	}
	agg := new(Signature)
	agg.p.SetIdentity()
	for _, s := range sigs {
		agg.p.Add(&agg.p, &s.p)
	}
	return agg, nil
}

// AggregatePublicKeys adds public keys together.
func AggregatePublicKeys(pks []*PublicKey) (*PublicKey, error) {
	if len(pks) == 0 {
		return nil, ErrNoShares
	}
	agg := new(PublicKey)
	agg.p.SetIdentity()
	for _, pk := range pks {
		agg.p.Add(&agg.p, &pk.p)
	}
	return agg, nil
}

// VerifySecureAggregated verifies an aggregate of signatures made by pks
// over the same message.  Keys are assumed to come with a proof of
// possession, which operator keys do through their registration.
func VerifySecureAggregated(pks []*PublicKey, msg []byte, sig *Signature) bool {
	agg, err := AggregatePublicKeys(pks)
	if err != nil {
		return false
	}
	return agg.Verify(msg, sig)
}
