// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mndnet/mnd/wire"
)

const (
	// MnHfTxVersion is the version of hard fork signal payloads.
	MnHfTxVersion uint8 = 1

	// MaxMnHfVersionBit is the highest version bit a deployment can use.
	MaxMnHfVersionBit = 28

	// mnhfRequestPrefix prefixes the request id a signal is signed under.
	mnhfRequestPrefix = "mnhf"
)

// MnHfSignal is a quorum signature agreeing to start the deployment that
// uses VersionBit.  QuorumHash names the quorum that signed it.
type MnHfSignal struct {
	VersionBit uint8
	QuorumHash chainhash.Hash
	Sig        wire.BLSSignature
}

// MnHfTx is the payload of a masternode hard fork signal transaction.  Such
// a transaction has neither inputs nor outputs.
type MnHfTx struct {
	Version uint8
	Signal  MnHfSignal
}

// Deserialize decodes the payload from r.
func (p *MnHfTx) Deserialize(r io.Reader) error {
	return wire.ReadElements(r, &p.Version, &p.Signal.VersionBit,
		&p.Signal.QuorumHash, &p.Signal.Sig)
}

// Serialize encodes the payload to w.
func (p *MnHfTx) Serialize(w io.Writer) error {
	return wire.WriteElements(w, p.Version, p.Signal.VersionBit,
		p.Signal.QuorumHash, p.Signal.Sig)
}

// String returns a short description of the signal.
func (p *MnHfTx) String() string {
	return fmt.Sprintf("mnhf(bit=%d, quorum=%v)", p.Signal.VersionBit,
		p.Signal.QuorumHash)
}

// MnHfRequestID returns the id quorums sign a signal for bit under:
// SHA256d("mnhf" || int64(bit)).
func MnHfRequestID(bit uint8) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, mnhfRequestPrefix)
	_ = wire.WriteElements(&buf, int64(bit))
	return chainhash.DoubleHashH(buf.Bytes())
}

// RequestID returns the id the signal is signed under.
func (p *MnHfTx) RequestID() chainhash.Hash {
	return MnHfRequestID(p.Signal.VersionBit)
}

// NewMnHfTx returns an unsigned signal transaction for bit naming the quorum
// expected to sign it.
func NewMnHfTx(bit uint8, quorumHash chainhash.Hash) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxTypeMnHfSignal)
	tx.ExtraPayload = PayloadBytes(&MnHfTx{
		Version: MnHfTxVersion,
		Signal:  MnHfSignal{VersionBit: bit, QuorumHash: quorumHash},
	})
	return tx
}

// MnHfSignHash returns the message hash the quorum signs for a signal
// transaction: the hash of tx with the signature of its payload cleared.
func MnHfSignHash(tx *wire.MsgTx, p *MnHfTx) chainhash.Hash {
	unsigned := *p
	unsigned.Signal.Sig = wire.BLSSignature{}
	c := tx.Copy()
	c.ExtraPayload = PayloadBytes(&unsigned)
	return c.TxHash()
}

// SignMnHfTx returns a copy of the signal transaction tx carrying sig.
func SignMnHfTx(tx *wire.MsgTx, sig wire.BLSSignature) (*wire.MsgTx, error) {
	p, err := MnHfTxFromTx(tx)
	if err != nil {
		return nil, err
	}
	p.Signal.Sig = sig
	signed := tx.Copy()
	signed.ExtraPayload = PayloadBytes(p)
	return signed, nil
}

// MnHfTxFromTx decodes the signal payload of tx.
func MnHfTxFromTx(tx *wire.MsgTx) (*MnHfTx, error) {
	p := new(MnHfTx)
	return p, decodePayload(tx, wire.TxTypeMnHfSignal, p)
}

// CheckMnHfTx decodes the signal payload of tx and performs the context free
// checks of the transaction.
func CheckMnHfTx(tx *wire.MsgTx) (*MnHfTx, error) {
	p, err := MnHfTxFromTx(tx)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) != 0 || len(tx.TxOut) != 0 {
		str := fmt.Sprintf("signal %v has inputs or outputs", tx.TxHash())
		return nil, ruleError(ErrBadMnHfSignal, str)
	}
	if p.Version != MnHfTxVersion {
		str := fmt.Sprintf("unsupported payload version %d", p.Version)
		return nil, ruleError(ErrBadPayload, str)
	}
	if p.Signal.VersionBit > MaxMnHfVersionBit {
		str := fmt.Sprintf("version bit %d above %d", p.Signal.VersionBit,
			MaxMnHfVersionBit)
		return nil, ruleError(ErrBadMnHfSignal, str)
	}
	if p.Signal.QuorumHash == (chainhash.Hash{}) {
		return nil, ruleError(ErrBadMnHfSignal, "signal without quorum hash")
	}
	if p.Signal.Sig.IsNull() {
		return nil, ruleError(ErrBadSignature, "signal without signature")
	}
	return p, nil
}
