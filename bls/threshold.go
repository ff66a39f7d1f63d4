// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bls

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
)

// ID identifies a participant of a threshold scheme.  It is the x coordinate
// at which the participant's share of the secret polynomial is evaluated.
type ID struct {
	s bls12381.Scalar
}

// IDFromHash derives the member id of a masternode from its proTxHash.  The
// hash bytes are read big endian and reduced modulo the group order.
func IDFromHash(hash *chainhash.Hash) *ID {
	id := new(ID)
	id.s.SetBytes(hash[:])
	return id
}

// Polynomial is a secret polynomial of degree threshold-1 whose constant
// term is the secret being shared.
type Polynomial struct {
	coeffs []bls12381.Scalar
}

// NewPolynomial creates a random polynomial suitable for a threshold of t.
func NewPolynomial(r io.Reader, t int) (*Polynomial, error) {
	if t < 1 {
		t = 1
	}
	p := &Polynomial{coeffs: make([]bls12381.Scalar, t)}
	for i := range p.coeffs {
		if err := p.coeffs[i].Random(r); err != nil {
			return nil, err
		}
	}
	if p.coeffs[0].IsZero() == 1 {
		p.coeffs[0].SetOne()
	}
	return p, nil
}

// Threshold returns the number of shares needed to recover the secret.
func (p *Polynomial) Threshold() int {
	return len(p.coeffs)
}

// Secret returns the shared secret, the constant term.
func (p *Polynomial) Secret() *SecretKey {
	sk := new(SecretKey)
	sk.s.Set(&p.coeffs[0])
	return sk
}

// VerificationVector returns the public commitments to every coefficient.
func (p *Polynomial) VerificationVector() VerificationVector {
	vvec := make(VerificationVector, len(p.coeffs))
	for i := range p.coeffs {
		pk := new(PublicKey)
		pk.p.ScalarMult(&p.coeffs[i], bls12381.G1Generator())
		vvec[i] = pk
	}
	return vvec
}

// SecretKeyShare evaluates the polynomial at id.
func (p *Polynomial) SecretKeyShare(id *ID) *SecretKey {
	// Horner's rule from the highest coefficient down.
	var acc bls12381.Scalar
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &id.s)
		acc.Add(&acc, &p.coeffs[i])
	}
	return &SecretKey{s: acc}
}

// VerificationVector holds the public commitments of a polynomial.  The
// first element is the public key of the shared secret.
type VerificationVector []*PublicKey

// PublicKey returns the public key of the shared secret.
func (v VerificationVector) PublicKey() *PublicKey {
	if len(v) == 0 {
		return nil
	}
	return v[0]
}

// PublicKeyShare computes the public key that matches the secret key share
// of id.
func (v VerificationVector) PublicKeyShare(id *ID) *PublicKey {
	var acc bls12381.G1
	acc.SetIdentity()
	for i := len(v) - 1; i >= 0; i-- {
		acc.ScalarMult(&id.s, &acc)
		acc.Add(&acc, &v[i].p)
	}
	return &PublicKey{p: acc}
}

// VerifySecretKeyShare checks that share is the evaluation at id of the
// polynomial committed to by v.
func (v VerificationVector) VerifySecretKeyShare(id *ID, share *SecretKey) bool {
	if len(v) == 0 {
		return false
	}
	return v.PublicKeyShare(id).Equal(share.PublicKey())
}

// Bytes serializes the vector as concatenated compressed public keys.
func (v VerificationVector) Bytes() []byte {
	b := make([]byte, 0, len(v)*PublicKeySize)
	for _, pk := range v {
		b = append(b, pk.Bytes()...)
	}
	return b
}

// VerificationVectorFromBytes decodes a vector serialized by Bytes.
func VerificationVectorFromBytes(b []byte) (VerificationVector, error) {
	if len(b) == 0 || len(b)%PublicKeySize != 0 {
		return nil, ErrInvalidPublicKey
	}
	vvec := make(VerificationVector, 0, len(b)/PublicKeySize)
	for len(b) > 0 {
		pk, err := PublicKeyFromBytes(b[:PublicKeySize])
		if err != nil {
			return nil, err
		}
		vvec = append(vvec, pk)
		b = b[PublicKeySize:]
	}
	return vvec, nil
}

// Hash returns the double SHA256 of the serialized vector.  Final
// commitments carry it as the quorum verification vector hash.
func (v VerificationVector) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(v.Bytes())
}

// AggregateVerificationVectors adds vectors element-wise.  All vectors must
// have the same length.
func AggregateVerificationVectors(vvecs []VerificationVector) (VerificationVector, error) {
	if len(vvecs) == 0 {
		return nil, ErrNoShares
	}
	n := len(vvecs[0])
	out := make(VerificationVector, n)
	for i := 0; i < n; i++ {
		pk := new(PublicKey)
		pk.p.SetIdentity()
		for _, v := range vvecs {
			if len(v) != n {
				return nil, ErrInvalidPublicKey
			}
			pk.p.Add(&pk.p, &v[i].p)
		}
		out[i] = pk
	}
	return out, nil
}

// AggregateSecretKeys adds secret keys together.  A member's final quorum
// key share is the sum of the shares it received from every contributor.
func AggregateSecretKeys(sks []*SecretKey) (*SecretKey, error) {
	if len(sks) == 0 {
		return nil, ErrNoShares
	}
	out := new(SecretKey)
	for _, sk := range sks {
		out.s.Add(&out.s, &sk.s)
	}
	return out, nil
}

// lagrangeAtZero returns the Lagrange basis coefficients evaluated at zero
// for the given distinct ids.
func lagrangeAtZero(ids []*ID) ([]bls12381.Scalar, error) {
	if len(ids) == 0 {
		return nil, ErrNoShares
	}
	coeffs := make([]bls12381.Scalar, len(ids))
	for i := range ids {
		var num, den bls12381.Scalar
		num.SetOne()
		den.SetOne()
		for j := range ids {
			if i == j {
				continue
			}
			var diff bls12381.Scalar
			diff.Sub(&ids[j].s, &ids[i].s)
			if diff.IsZero() == 1 {
				return nil, ErrDuplicateID
			}
			num.Mul(&num, &ids[j].s)
			den.Mul(&den, &diff)
		}
		den.Inv(&den)
		coeffs[i].Mul(&num, &den)
	}
	return coeffs, nil
}

// RecoverSecretKey interpolates the shared secret from threshold shares.
func RecoverSecretKey(shares []*SecretKey, ids []*ID) (*SecretKey, error) {
	if len(shares) != len(ids) {
		return nil, ErrNoShares
	}
	coeffs, err := lagrangeAtZero(ids)
	if err != nil {
		return nil, err
	}
	out := new(SecretKey)
	for i, share := range shares {
		var term bls12381.Scalar
		term.Mul(&coeffs[i], &share.s)
		out.s.Add(&out.s, &term)
	}
	return out, nil
}

// RecoverPublicKey interpolates the shared public key from public key
// shares.
func RecoverPublicKey(shares []*PublicKey, ids []*ID) (*PublicKey, error) {
	if len(shares) != len(ids) {
		return nil, ErrNoShares
	}
	coeffs, err := lagrangeAtZero(ids)
	if err != nil {
		return nil, err
	}
	out := new(PublicKey)
	out.p.SetIdentity()
	for i, share := range shares {
		var term bls12381.G1
		term.ScalarMult(&coeffs[i], &share.p)
		out.p.Add(&out.p, &term)
	}
	return out, nil
}

// RecoverSignature interpolates the threshold signature from signature
// shares.
func RecoverSignature(shares []*Signature, ids []*ID) (*Signature, error) {
	if len(shares) != len(ids) {
		return nil, ErrNoShares
	}
	coeffs, err := lagrangeAtZero(ids)
	if err != nil {
		return nil, err
	}
	out := new(Signature)
	out.p.SetIdentity()
	for i, share := range shares {
		var term bls12381.G2
		term.ScalarMult(&coeffs[i], &share.p)
		out.p.Add(&out.p, &term)
	}
	return out, nil
}
