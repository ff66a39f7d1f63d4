// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package evo

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/wire"
)

// MnType distinguishes regular from high performance masternodes.
type MnType uint16

const (
	// MnTypeRegular is a regular masternode.
	MnTypeRegular MnType = 0

	// MnTypeHPMN is a high performance masternode.  It is eligible for
	// platform quorums and receives several payments in a row.
	MnTypeHPMN MnType = 1
)

// String returns the masternode type as a human-readable name.
func (t MnType) String() string {
	switch t {
	case MnTypeRegular:
		return "Regular"
	case MnTypeHPMN:
		return "HighPerformance"
	}
	return fmt.Sprintf("Unknown MnType (%d)", uint16(t))
}

// VotingWeight returns the number of consecutive payments a masternode of
// the type receives per payment cycle.
func (t MnType) VotingWeight() int {
	if t == MnTypeHPMN {
		return 4
	}
	return 1
}

const (
	// ProTxVersion is the version of provider payloads with one payee.
	ProTxVersion uint16 = 1

	// ProTxMultiPayeeVersion is the first provider payload version that
	// may split the payout across several payees.
	ProTxMultiPayeeVersion uint16 = 2

	// MaxPayoutShares is the maximum number of payees of one masternode.
	MaxPayoutShares = 32

	// RewardBasisPoints is the value payout shares and the operator
	// reward are expressed in.
	RewardBasisPoints = 10000

	maxScriptSize   = 10000
	maxAddressSize  = 256
	maxCompactSigSz = 65
)

// PayoutShare is one payee of a masternode together with its share of the
// owner reward in basis points.
type PayoutShare struct {
	Script []byte
	Reward uint16
}

// PlatformNodeID identifies the platform node run by an HPMN.
type PlatformNodeID [20]byte

// ProRegTx registers a new masternode.  Collateral must point at an output
// of the registering transaction, which is expressed by a null hash.
type ProRegTx struct {
	Version        uint16
	Type           MnType
	Mode           uint16
	Collateral     btcwire.OutPoint
	Address        string
	KeyIDOwner     wire.KeyID
	PubKeyOperator wire.BLSPublicKey
	KeyIDVoting    wire.KeyID
	OperatorReward uint16
	PayoutShares   []PayoutShare
	PlatformNodeID PlatformNodeID
	InputsHash     chainhash.Hash
	Sig            []byte
}

// ProUpServTx updates the service fields of a masternode and revives it
// when it was banned.  It is signed by the operator key.
type ProUpServTx struct {
	Version              uint16
	Type                 MnType
	ProTxHash            chainhash.Hash
	Address              string
	OperatorPayoutScript []byte
	PlatformNodeID       PlatformNodeID
	InputsHash           chainhash.Hash
	Sig                  wire.BLSSignature
}

// ProUpRegTx updates the registrar fields of a masternode.  It is signed by
// the owner key with a compact ECDSA signature.
type ProUpRegTx struct {
	Version        uint16
	ProTxHash      chainhash.Hash
	Mode           uint16
	PubKeyOperator wire.BLSPublicKey
	KeyIDVoting    wire.KeyID
	PayoutShares   []PayoutShare
	InputsHash     chainhash.Hash
	Sig            []byte
}

// These constants define the reasons an operator may give when revoking.
const (
	RevokeReasonNotSpecified uint16 = iota
	RevokeReasonTermination
	RevokeReasonCompromisedKeys
	RevokeReasonChangeOfKeys
	revokeReasonLast
)

// ProUpRevTx revokes the operator of a masternode.  It is signed by the
// operator key and bans the masternode until a new operator is set.
type ProUpRevTx struct {
	Version    uint16
	ProTxHash  chainhash.Hash
	Reason     uint16
	InputsHash chainhash.Hash
	Sig        wire.BLSSignature
}

func readPayoutShares(r io.Reader, version uint16) ([]PayoutShare, error) {
	if version < ProTxMultiPayeeVersion {
		script, err := wire.ReadVarBytes(r, maxScriptSize, "payout script")
		if err != nil {
			return nil, err
		}
		return []PayoutShare{{Script: script, Reward: RewardBasisPoints}}, nil
	}
	n, err := wire.ReadCount(r, MaxPayoutShares, "payout shares")
	if err != nil {
		return nil, err
	}
	shares := make([]PayoutShare, n)
	for i := range shares {
		if shares[i].Script, err = wire.ReadVarBytes(r, maxScriptSize, "payout script"); err != nil {
			return nil, err
		}
		if err := wire.ReadElements(r, &shares[i].Reward); err != nil {
			return nil, err
		}
	}
	return shares, nil
}

func writePayoutShares(w io.Writer, version uint16, shares []PayoutShare) error {
	if version < ProTxMultiPayeeVersion {
		var script []byte
		if len(shares) > 0 {
			script = shares[0].Script
		}
		return wire.WriteVarBytes(w, script)
	}
	if err := wire.WriteVarInt(w, uint64(len(shares))); err != nil {
		return err
	}
	for _, s := range shares {
		if err := wire.WriteVarBytes(w, s.Script); err != nil {
			return err
		}
		if err := wire.WriteElements(w, s.Reward); err != nil {
			return err
		}
	}
	return nil
}

func readAddress(r io.Reader) (string, error) {
	b, err := wire.ReadVarBytes(r, maxAddressSize, "address")
	return string(b), err
}

// Deserialize decodes the payload from r.
func (p *ProRegTx) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &p.Version, &p.Type, &p.Mode, &p.Collateral)
	if err != nil {
		return err
	}
	if p.Address, err = readAddress(r); err != nil {
		return err
	}
	err = wire.ReadElements(r, &p.KeyIDOwner, &p.PubKeyOperator,
		&p.KeyIDVoting, &p.OperatorReward)
	if err != nil {
		return err
	}
	if p.PayoutShares, err = readPayoutShares(r, p.Version); err != nil {
		return err
	}
	if p.Type == MnTypeHPMN {
		if _, err := io.ReadFull(r, p.PlatformNodeID[:]); err != nil {
			return err
		}
	}
	if err := wire.ReadElements(r, &p.InputsHash); err != nil {
		return err
	}
	p.Sig, err = wire.ReadVarBytes(r, maxCompactSigSz, "signature")
	return err
}

func (p *ProRegTx) serialize(w io.Writer, withSig bool) error {
	err := wire.WriteElements(w, p.Version, p.Type, p.Mode, p.Collateral)
	if err != nil {
		return err
	}
	if err := wire.WriteVarString(w, p.Address); err != nil {
		return err
	}
	err = wire.WriteElements(w, p.KeyIDOwner, p.PubKeyOperator,
		p.KeyIDVoting, p.OperatorReward)
	if err != nil {
		return err
	}
	if err := writePayoutShares(w, p.Version, p.PayoutShares); err != nil {
		return err
	}
	if p.Type == MnTypeHPMN {
		if _, err := w.Write(p.PlatformNodeID[:]); err != nil {
			return err
		}
	}
	if err := wire.WriteElements(w, p.InputsHash); err != nil {
		return err
	}
	if !withSig {
		return nil
	}
	return wire.WriteVarBytes(w, p.Sig)
}

// Serialize encodes the payload to w.
func (p *ProRegTx) Serialize(w io.Writer) error {
	return p.serialize(w, true)
}

// Deserialize decodes the payload from r.
func (p *ProUpServTx) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &p.Version, &p.Type, &p.ProTxHash)
	if err != nil {
		return err
	}
	if p.Address, err = readAddress(r); err != nil {
		return err
	}
	p.OperatorPayoutScript, err = wire.ReadVarBytes(r, maxScriptSize, "operator payout script")
	if err != nil {
		return err
	}
	if p.Type == MnTypeHPMN {
		if _, err := io.ReadFull(r, p.PlatformNodeID[:]); err != nil {
			return err
		}
	}
	return wire.ReadElements(r, &p.InputsHash, &p.Sig)
}

func (p *ProUpServTx) serialize(w io.Writer, withSig bool) error {
	if err := wire.WriteElements(w, p.Version, p.Type, p.ProTxHash); err != nil {
		return err
	}
	if err := wire.WriteVarString(w, p.Address); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, p.OperatorPayoutScript); err != nil {
		return err
	}
	if p.Type == MnTypeHPMN {
		if _, err := w.Write(p.PlatformNodeID[:]); err != nil {
			return err
		}
	}
	if err := wire.WriteElements(w, p.InputsHash); err != nil {
		return err
	}
	if !withSig {
		return nil
	}
	return wire.WriteElements(w, p.Sig)
}

// Serialize encodes the payload to w.
func (p *ProUpServTx) Serialize(w io.Writer) error {
	return p.serialize(w, true)
}

// Deserialize decodes the payload from r.
func (p *ProUpRegTx) Deserialize(r io.Reader) error {
	err := wire.ReadElements(r, &p.Version, &p.ProTxHash, &p.Mode,
		&p.PubKeyOperator, &p.KeyIDVoting)
	if err != nil {
		return err
	}
	if p.PayoutShares, err = readPayoutShares(r, p.Version); err != nil {
		return err
	}
	if err := wire.ReadElements(r, &p.InputsHash); err != nil {
		return err
	}
	p.Sig, err = wire.ReadVarBytes(r, maxCompactSigSz, "signature")
	return err
}

func (p *ProUpRegTx) serialize(w io.Writer, withSig bool) error {
	err := wire.WriteElements(w, p.Version, p.ProTxHash, p.Mode,
		p.PubKeyOperator, p.KeyIDVoting)
	if err != nil {
		return err
	}
	if err := writePayoutShares(w, p.Version, p.PayoutShares); err != nil {
		return err
	}
	if err := wire.WriteElements(w, p.InputsHash); err != nil {
		return err
	}
	if !withSig {
		return nil
	}
	return wire.WriteVarBytes(w, p.Sig)
}

// Serialize encodes the payload to w.
func (p *ProUpRegTx) Serialize(w io.Writer) error {
	return p.serialize(w, true)
}

// Deserialize decodes the payload from r.
func (p *ProUpRevTx) Deserialize(r io.Reader) error {
	return wire.ReadElements(r, &p.Version, &p.ProTxHash, &p.Reason,
		&p.InputsHash, &p.Sig)
}

func (p *ProUpRevTx) serialize(w io.Writer, withSig bool) error {
	err := wire.WriteElements(w, p.Version, p.ProTxHash, p.Reason, p.InputsHash)
	if err != nil || !withSig {
		return err
	}
	return wire.WriteElements(w, p.Sig)
}

// Serialize encodes the payload to w.
func (p *ProUpRevTx) Serialize(w io.Writer) error {
	return p.serialize(w, true)
}

type unsignedPayload interface {
	serialize(w io.Writer, withSig bool) error
}

// signHash returns the hash a payload signature commits to.  It covers
// every field but the signature itself.
func signHash(p unsignedPayload) chainhash.Hash {
	var buf bytes.Buffer
	_ = p.serialize(&buf, false)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignHash returns the hash signed by the operator key.
func (p *ProUpServTx) SignHash() chainhash.Hash { return signHash(p) }

// SignHash returns the hash signed by the owner key.
func (p *ProUpRegTx) SignHash() chainhash.Hash { return signHash(p) }

// SignHash returns the hash signed by the operator key.
func (p *ProUpRevTx) SignHash() chainhash.Hash { return signHash(p) }

type payload interface {
	Serialize(w io.Writer) error
}

// PayloadBytes serializes a special transaction payload.
func PayloadBytes(p payload) []byte {
	var buf bytes.Buffer
	_ = p.Serialize(&buf)
	return buf.Bytes()
}

type deserializer interface {
	Deserialize(r io.Reader) error
}

// decodePayload decodes the extra payload of tx into p and requires that it
// is consumed entirely.
func decodePayload(tx *wire.MsgTx, want wire.TxType, p deserializer) error {
	if tx.Type != want || !tx.IsSpecial() {
		str := fmt.Sprintf("transaction type %v is not %v", tx.Type, want)
		return ruleError(ErrBadPayload, str)
	}
	r := bytes.NewReader(tx.ExtraPayload)
	if err := p.Deserialize(r); err != nil {
		str := fmt.Sprintf("malformed %v payload: %v", want, err)
		return ruleError(ErrBadPayload, str)
	}
	if r.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after %v payload", r.Len(), want)
		return ruleError(ErrBadPayload, str)
	}
	return nil
}

// ProRegTxFromTx decodes the registration payload of tx.
func ProRegTxFromTx(tx *wire.MsgTx) (*ProRegTx, error) {
	p := new(ProRegTx)
	return p, decodePayload(tx, wire.TxTypeProRegTx, p)
}

// ProUpServTxFromTx decodes the service update payload of tx.
func ProUpServTxFromTx(tx *wire.MsgTx) (*ProUpServTx, error) {
	p := new(ProUpServTx)
	return p, decodePayload(tx, wire.TxTypeProUpServTx, p)
}

// ProUpRegTxFromTx decodes the registrar update payload of tx.
func ProUpRegTxFromTx(tx *wire.MsgTx) (*ProUpRegTx, error) {
	p := new(ProUpRegTx)
	return p, decodePayload(tx, wire.TxTypeProUpRegTx, p)
}

// ProUpRevTxFromTx decodes the revocation payload of tx.
func ProUpRevTxFromTx(tx *wire.MsgTx) (*ProUpRevTx, error) {
	p := new(ProUpRevTx)
	return p, decodePayload(tx, wire.TxTypeProUpRevTx, p)
}

// payoutKeyID returns the key id a pay-to-pubkey-hash script pays to.
func payoutKeyID(script []byte) (wire.KeyID, bool) {
	var id wire.KeyID
	if !txscript.IsPayToPubKeyHash(script) {
		return id, false
	}
	copy(id[:], script[3:23])
	return id, true
}

// checkPayoutScript verifies a script is one of the standard payout forms.
func checkPayoutScript(script []byte) error {
	if !txscript.IsPayToPubKeyHash(script) && !txscript.IsPayToScriptHash(script) {
		return ruleError(ErrBadPayee, "payout script is not P2PKH or P2SH")
	}
	return nil
}

// checkPayoutShares verifies the payee set of a registration or registrar
// update.  Rewards must add up to exactly 100%.
func checkPayoutShares(version uint16, shares []PayoutShare, owner, voting wire.KeyID) error {
	if len(shares) == 0 || len(shares) > MaxPayoutShares {
		str := fmt.Sprintf("invalid number of payees %d", len(shares))
		return ruleError(ErrBadPayee, str)
	}
	if len(shares) > 1 && version < ProTxMultiPayeeVersion {
		return ruleError(ErrBadPayee, "multiple payees require a multi payee payload")
	}
	total := 0
	for _, s := range shares {
		if err := checkPayoutScript(s.Script); err != nil {
			return err
		}
		if s.Reward > RewardBasisPoints {
			str := fmt.Sprintf("payee reward %d above %d", s.Reward, RewardBasisPoints)
			return ruleError(ErrBadPayee, str)
		}
		total += int(s.Reward)
		if id, ok := payoutKeyID(s.Script); ok && (id == owner || id == voting) {
			return ruleError(ErrPayeeReuse, "payout key reuses the owner or voting key")
		}
	}
	if total != RewardBasisPoints {
		str := fmt.Sprintf("payee rewards sum to %d instead of %d", total, RewardBasisPoints)
		return ruleError(ErrBadPayee, str)
	}
	return nil
}

// checkAddress verifies a host:port service address.  The empty address is
// allowed and leaves the masternode banned until it is set.
func checkAddress(addr string) error {
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return ruleError(ErrBadAddress, fmt.Sprintf("invalid address %q", addr))
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return ruleError(ErrBadAddress, fmt.Sprintf("invalid port in %q", addr))
	}
	return nil
}

func checkOperatorKey(key *wire.BLSPublicKey) error {
	if key.IsNull() {
		return ruleError(ErrNullKey, "operator key is null")
	}
	if _, err := bls.PublicKeyFromBytes(key[:]); err != nil {
		return ruleError(ErrInvalidOperatorKey, "operator key is not a valid BLS key")
	}
	return nil
}

// TxFlags carries the deployment state a special transaction is checked
// against.
type TxFlags struct {
	// HPMNAllowed allows registration of high performance masternodes.
	HPMNAllowed bool

	// MultiPayeeAllowed allows payloads with several payees.
	MultiPayeeAllowed bool
}

// CheckSanity performs the context free checks of a registration.
func (p *ProRegTx) CheckSanity(flags TxFlags) error {
	maxVersion := ProTxVersion
	if flags.MultiPayeeAllowed {
		maxVersion = ProTxMultiPayeeVersion
	}
	if p.Version == 0 || p.Version > maxVersion {
		str := fmt.Sprintf("unsupported payload version %d", p.Version)
		return ruleError(ErrBadPayload, str)
	}
	switch {
	case p.Type == MnTypeRegular:
	case p.Type == MnTypeHPMN && flags.HPMNAllowed:
	default:
		str := fmt.Sprintf("masternode type %v not allowed", p.Type)
		return ruleError(ErrBadMasternodeType, str)
	}
	if p.Mode != 0 {
		return ruleError(ErrBadMode, "registration mode must be zero")
	}
	if p.KeyIDOwner == (wire.KeyID{}) || p.KeyIDVoting == (wire.KeyID{}) {
		return ruleError(ErrNullKey, "owner or voting key is null")
	}
	if err := checkOperatorKey(&p.PubKeyOperator); err != nil {
		return err
	}
	if p.OperatorReward > RewardBasisPoints {
		str := fmt.Sprintf("operator reward %d above %d", p.OperatorReward,
			RewardBasisPoints)
		return ruleError(ErrBadOperatorReward, str)
	}
	if err := checkPayoutShares(p.Version, p.PayoutShares, p.KeyIDOwner, p.KeyIDVoting); err != nil {
		return err
	}
	return checkAddress(p.Address)
}

// CheckSanity performs the context free checks of a service update.
func (p *ProUpServTx) CheckSanity(flags TxFlags) error {
	if p.Version == 0 || p.Version > ProTxMultiPayeeVersion {
		str := fmt.Sprintf("unsupported payload version %d", p.Version)
		return ruleError(ErrBadPayload, str)
	}
	if p.Type != MnTypeRegular && !(p.Type == MnTypeHPMN && flags.HPMNAllowed) {
		str := fmt.Sprintf("masternode type %v not allowed", p.Type)
		return ruleError(ErrBadMasternodeType, str)
	}
	if len(p.OperatorPayoutScript) != 0 {
		if err := checkPayoutScript(p.OperatorPayoutScript); err != nil {
			return err
		}
	}
	if p.Address == "" {
		return ruleError(ErrBadAddress, "service update without address")
	}
	return checkAddress(p.Address)
}

// CheckSanity performs the context free checks of a registrar update.
func (p *ProUpRegTx) CheckSanity(flags TxFlags) error {
	maxVersion := ProTxVersion
	if flags.MultiPayeeAllowed {
		maxVersion = ProTxMultiPayeeVersion
	}
	if p.Version == 0 || p.Version > maxVersion {
		str := fmt.Sprintf("unsupported payload version %d", p.Version)
		return ruleError(ErrBadPayload, str)
	}
	if p.Mode != 0 {
		return ruleError(ErrBadMode, "registrar mode must be zero")
	}
	if p.KeyIDVoting == (wire.KeyID{}) {
		return ruleError(ErrNullKey, "voting key is null")
	}
	return checkOperatorKey(&p.PubKeyOperator)
}

// CheckSanity performs the context free checks of a revocation.
func (p *ProUpRevTx) CheckSanity() error {
	if p.Version == 0 || p.Version > ProTxMultiPayeeVersion {
		str := fmt.Sprintf("unsupported payload version %d", p.Version)
		return ruleError(ErrBadPayload, str)
	}
	if p.Reason >= revokeReasonLast {
		str := fmt.Sprintf("unknown revocation reason %d", p.Reason)
		return ruleError(ErrBadPayload, str)
	}
	return nil
}

// verifyOperatorSig checks a BLS signature by the operator key of a
// masternode over hash.
func verifyOperatorSig(key *wire.BLSPublicKey, hash chainhash.Hash, sig *wire.BLSSignature) error {
	if sig.IsNull() {
		return ruleError(ErrBadSignature, "missing operator signature")
	}
	pk, err := bls.PublicKeyFromBytes(key[:])
	if err != nil {
		return ruleError(ErrBadSignature, "masternode has no valid operator key")
	}
	s, err := bls.SignatureFromBytes(sig[:])
	if err != nil || !pk.Verify(hash[:], s) {
		return ruleError(ErrBadSignature, "invalid operator signature")
	}
	return nil
}

// verifyOwnerSig checks a compact ECDSA signature over hash that must
// recover to the owner key id.
func verifyOwnerSig(owner wire.KeyID, hash chainhash.Hash, sig []byte) error {
	pub, compressed, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return ruleError(ErrBadSignature, "invalid owner signature")
	}
	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	var id wire.KeyID
	copy(id[:], btcutil.Hash160(serialized))
	if id != owner {
		return ruleError(ErrBadSignature, "owner signature by wrong key")
	}
	return nil
}
