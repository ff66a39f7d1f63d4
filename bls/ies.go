// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bls

import (
	"crypto/sha256"
	"errors"
	"io"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// iesInfo binds derived keys to this use.
var iesInfo = []byte("mnd-dkg-ies")

// ErrDecrypt is returned when an IES ciphertext cannot be opened.
var ErrDecrypt = errors.New("bls: unable to decrypt")

// deriveIESKey hashes the ECDH point and the ephemeral key into an AEAD key.
func deriveIESKey(shared *bls12381.G1, ephemeral []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared.BytesCompressed(), ephemeral, iesInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptToPublicKey encrypts plaintext so that only the owner of pk can read
// it.  The output is the ephemeral public key followed by the nonce and the
// sealed plaintext.
func EncryptToPublicKey(r io.Reader, pk *PublicKey, plaintext []byte) ([]byte, error) {
	eph, err := GenerateKey(r)
	if err != nil {
		return nil, err
	}
	ephPub := eph.PublicKey().Bytes()

	var shared bls12381.G1
	shared.ScalarMult(&eph.s, &pk.p)
	key, err := deriveIESKey(&shared, ephPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, PublicKeySize+aead.NonceSize(),
		PublicKeySize+aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(out, ephPub)
	nonce := out[PublicKeySize:]
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, ephPub), nil
}

// DecryptWithSecretKey opens a ciphertext produced by EncryptToPublicKey.
func DecryptWithSecretKey(sk *SecretKey, ciphertext []byte) ([]byte, error) {
	minLen := PublicKeySize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
	if len(ciphertext) < minLen {
		return nil, ErrDecrypt
	}
	ephPub := ciphertext[:PublicKeySize]
	eph, err := PublicKeyFromBytes(ephPub)
	if err != nil {
		return nil, ErrDecrypt
	}

	var shared bls12381.G1
	shared.ScalarMult(&sk.s, &eph.p)
	key, err := deriveIESKey(&shared, ephPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[PublicKeySize : PublicKeySize+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[PublicKeySize+aead.NonceSize():], ephPub)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
