// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bls

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	sk, err := GenerateKey(rand.Reader)
	require.NoError(t, err)
	pk := sk.PublicKey()

	msg := chainhash.DoubleHashB([]byte("hello"))
	sig := sk.Sign(msg)
	require.True(t, pk.Verify(msg, sig))
	require.False(t, pk.Verify(chainhash.DoubleHashB([]byte("other")), sig))

	other, err := GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.False(t, other.PublicKey().Verify(msg, sig))

	// Encodings survive a decode.
	pk2, err := PublicKeyFromBytes(pk.Bytes())
	require.NoError(t, err)
	require.True(t, pk.Equal(pk2))
	sig2, err := SignatureFromBytes(sig.Bytes())
	require.NoError(t, err)
	require.True(t, sig.Equal(sig2))
	sk2, err := SecretKeyFromBytes(sk.Bytes())
	require.NoError(t, err)
	require.True(t, sk.Equal(sk2))
}

func TestRejectInvalidEncodings(t *testing.T) {
	_, err := PublicKeyFromBytes(make([]byte, PublicKeySize))
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = PublicKeyFromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	// The compressed identity is a valid point but not a valid key.
	identity := make([]byte, PublicKeySize)
	identity[0] = 0xc0
	_, err = PublicKeyFromBytes(identity)
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	null := make([]byte, SignatureSize)
	require.True(t, IsNullSignature(null))
	_, err = SignatureFromBytes(null)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = SecretKeyFromBytes(make([]byte, SecretKeySize))
	require.ErrorIs(t, err, ErrInvalidSecretKey)
}

func TestAggregate(t *testing.T) {
	msg := chainhash.DoubleHashB([]byte("aggregate"))
	var (
		pks  []*PublicKey
		sigs []*Signature
	)
	for i := 0; i < 4; i++ {
		sk, err := GenerateKey(rand.Reader)
		require.NoError(t, err)
		pks = append(pks, sk.PublicKey())
		sigs = append(sigs, sk.Sign(msg))
	}
	agg, err := AggregateSignatures(sigs)
	require.NoError(t, err)
	require.True(t, VerifySecureAggregated(pks, msg, agg))
	require.False(t, VerifySecureAggregated(pks[:3], msg, agg))

	_, err = AggregateSignatures(nil)
	require.ErrorIs(t, err, ErrNoShares)
}

func makeIDs(n int) []*ID {
	ids := make([]*ID, n)
	for i := range ids {
		h := chainhash.DoubleHashH([]byte{byte(i), 0x42})
		ids[i] = IDFromHash(&h)
	}
	return ids
}

func TestThresholdRecovery(t *testing.T) {
	const (
		n         = 5
		threshold = 3
	)
	poly, err := NewPolynomial(rand.Reader, threshold)
	require.NoError(t, err)
	vvec := poly.VerificationVector()
	require.Len(t, vvec, threshold)
	require.True(t, vvec.PublicKey().Equal(poly.Secret().PublicKey()))

	ids := makeIDs(n)
	shares := make([]*SecretKey, n)
	for i, id := range ids {
		shares[i] = poly.SecretKeyShare(id)
		require.True(t, vvec.VerifySecretKeyShare(id, shares[i]))
		require.False(t, vvec.VerifySecretKeyShare(ids[(i+1)%n], shares[i]))
	}

	msg := chainhash.DoubleHashB([]byte("threshold"))
	subsets := [][]int{{0, 1, 2}, {2, 3, 4}, {4, 0, 3}, {0, 1, 2, 3, 4}}
	for _, subset := range subsets {
		var (
			sks     []*SecretKey
			pks     []*PublicKey
			sigs    []*Signature
			someIDs []*ID
		)
		for _, i := range subset {
			sks = append(sks, shares[i])
			pks = append(pks, vvec.PublicKeyShare(ids[i]))
			sigs = append(sigs, shares[i].Sign(msg))
			someIDs = append(someIDs, ids[i])
		}
		sk, err := RecoverSecretKey(sks, someIDs)
		require.NoError(t, err)
		require.True(t, sk.Equal(poly.Secret()), "subset %v", subset)

		pk, err := RecoverPublicKey(pks, someIDs)
		require.NoError(t, err)
		require.True(t, pk.Equal(vvec.PublicKey()))

		sig, err := RecoverSignature(sigs, someIDs)
		require.NoError(t, err)
		require.True(t, vvec.PublicKey().Verify(msg, sig))
	}

	// Below the threshold the recovered signature is wrong.
	sig, err := RecoverSignature(
		[]*Signature{shares[0].Sign(msg), shares[1].Sign(msg)},
		ids[:2],
	)
	require.NoError(t, err)
	require.False(t, vvec.PublicKey().Verify(msg, sig))

	_, err = RecoverSecretKey(shares[:2], []*ID{ids[0], ids[0]})
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestAggregatedContributions(t *testing.T) {
	const (
		n         = 4
		threshold = 3
	)
	ids := makeIDs(n)
	var (
		vvecs  []VerificationVector
		shares = make([][]*SecretKey, n)
	)
	for c := 0; c < n; c++ {
		poly, err := NewPolynomial(rand.Reader, threshold)
		require.NoError(t, err)
		vvecs = append(vvecs, poly.VerificationVector())
		for m := range ids {
			shares[m] = append(shares[m], poly.SecretKeyShare(ids[m]))
		}
	}
	quorumVvec, err := AggregateVerificationVectors(vvecs)
	require.NoError(t, err)

	msg := chainhash.DoubleHashB([]byte("quorum"))
	var sigs []*Signature
	for m := 0; m < threshold; m++ {
		skShare, err := AggregateSecretKeys(shares[m])
		require.NoError(t, err)
		require.True(t, quorumVvec.VerifySecretKeyShare(ids[m], skShare))
		sigs = append(sigs, skShare.Sign(msg))
	}
	sig, err := RecoverSignature(sigs, ids[:threshold])
	require.NoError(t, err)
	require.True(t, quorumVvec.PublicKey().Verify(msg, sig))
}

func TestIES(t *testing.T) {
	sk, err := GenerateKey(rand.Reader)
	require.NoError(t, err)

	plaintext := []byte("secret key share")
	ct, err := EncryptToPublicKey(rand.Reader, sk.PublicKey(), plaintext)
	require.NoError(t, err)

	got, err := DecryptWithSecretKey(sk, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	other, err := GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = DecryptWithSecretKey(other, ct)
	require.ErrorIs(t, err, ErrDecrypt)

	ct[len(ct)-1] ^= 1
	_, err = DecryptWithSecretKey(sk, ct)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptWithSecretKey(sk, ct[:10])
	require.ErrorIs(t, err, ErrDecrypt)
}
