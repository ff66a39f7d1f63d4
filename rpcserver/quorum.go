// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"encoding/hex"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/wire"
)

// defaultQuorumListCount is the number of quorums per type listed when the
// request does not ask for a count.
const defaultQuorumListCount = 1

// QuorumService serves the quorum related methods.
type QuorumService struct {
	node *node.Node
}

// parseLLMQType parses a quorum type given by name.
func parseLLMQType(n *node.Node, name string) (chaincfg.LLMQType, error) {
	t, ok := chaincfg.LLMQTypeFromString(name)
	if !ok {
		return 0, invalidParams("unknown quorum type " + name)
	}
	if _, ok := n.Chain.ChainParams().LLMQ(t); !ok {
		return 0, invalidParams("quorum type " + name + " is not enabled")
	}
	return t, nil
}

// decodeSig parses a hex encoded BLS signature.
func decodeSig(s string) (wire.BLSSignature, error) {
	var sig wire.BLSSignature
	err := decodeHex("signature", s, sig[:])
	return sig, err
}

// QuorumListArgs are the arguments of quorum.List.
type QuorumListArgs struct {
	Count int `json:"count"`
}

// QuorumListReply maps quorum type names to quorum hashes, newest first.
type QuorumListReply map[string][]string

// List returns the hashes of the newest quorums of each enabled type.
func (s *QuorumService) List(r *http.Request, args *QuorumListArgs, reply *QuorumListReply) error {
	count := args.Count
	if count <= 0 {
		count = defaultQuorumListCount
	}
	tip := s.node.Quorums.TipHeight()
	out := make(QuorumListReply)
	for _, t := range s.node.Chain.ChainParams().LLMQTypes() {
		quorums, err := s.node.Quorums.ScanQuorums(t, tip, count)
		if err != nil {
			return err
		}
		hashes := make([]string, 0, len(quorums))
		for _, q := range quorums {
			hashes = append(hashes, q.QuorumHash().String())
		}
		out[t.String()] = hashes
	}
	*reply = out
	return nil
}

// QuorumInfoArgs are the arguments of quorum.Info.
type QuorumInfoArgs struct {
	LLMQType       string `json:"llmqType"`
	QuorumHash     string `json:"quorumHash"`
	IncludeSkShare bool   `json:"includeSkShare"`
}

// QuorumMember describes one member of a quorum.
type QuorumMember struct {
	ProTxHash      string `json:"proTxHash"`
	PubKeyOperator string `json:"pubKeyOperator"`
	Valid          bool   `json:"valid"`
	PubKeyShare    string `json:"pubKeyShare,omitempty"`
}

// QuorumInfoReply describes a quorum.
type QuorumInfoReply struct {
	Height          int32          `json:"height"`
	Type            string         `json:"type"`
	QuorumHash      string         `json:"quorumHash"`
	QuorumIndex     int16          `json:"quorumIndex"`
	MinedBlock      string         `json:"minedBlock"`
	Members         []QuorumMember `json:"members"`
	QuorumPublicKey string         `json:"quorumPublicKey"`
	SecretKeyShare  string         `json:"secretKeyShare,omitempty"`
}

// quorumInfo fills the reply describing q.
func quorumInfo(q *llmq.Quorum, includeSkShare bool) *QuorumInfoReply {
	info := &QuorumInfoReply{
		Height:          q.Height,
		Type:            q.Params.Type.String(),
		QuorumHash:      q.QuorumHash().String(),
		QuorumIndex:     q.Index(),
		MinedBlock:      q.MinedBlock.String(),
		QuorumPublicKey: hex.EncodeToString(q.PublicKey().Bytes()),
	}
	for i, mn := range q.Members {
		member := QuorumMember{
			ProTxHash:      mn.ProTxHash.String(),
			PubKeyOperator: hex.EncodeToString(mn.State.PubKeyOperator[:]),
			Valid:          q.IsValidMember(mn.ProTxHash),
		}
		if member.Valid && q.HasVerificationVector() {
			if pk, err := q.PublicKeyShare(i); err == nil {
				member.PubKeyShare = hex.EncodeToString(pk.Bytes())
			}
		}
		info.Members = append(info.Members, member)
	}
	if includeSkShare {
		if sk, err := q.SecretKeyShare(); err == nil {
			info.SecretKeyShare = hex.EncodeToString(sk.Bytes())
		}
	}
	return info
}

// Info returns the details of one quorum.
func (s *QuorumService) Info(r *http.Request, args *QuorumInfoArgs, reply *QuorumInfoReply) error {
	t, err := parseLLMQType(s.node, args.LLMQType)
	if err != nil {
		return err
	}
	quorumHash, err := decodeHash("quorumHash", args.QuorumHash)
	if err != nil {
		return err
	}
	q, err := s.node.Quorums.GetQuorum(t, quorumHash)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	*reply = *quorumInfo(q, args.IncludeSkShare)
	return nil
}

// DKGSession describes a running DKG session.
type DKGSession struct {
	LLMQType             string `json:"llmqType"`
	QuorumIndex          int16  `json:"quorumIndex"`
	QuorumHash           string `json:"quorumHash"`
	QuorumHeight         int32  `json:"quorumHeight"`
	Phase                string `json:"phase"`
	IsMember             bool   `json:"isMember"`
	Members              int    `json:"members"`
	Contributions        int    `json:"receivedContributions"`
	Complaints           int    `json:"receivedComplaints"`
	Justifications       int    `json:"receivedJustifications"`
	PrematureCommitments int    `json:"receivedPrematureCommitments"`
	ValidMembers         int    `json:"validMembers,omitempty"`
	Failure              string `json:"failure,omitempty"`
}

// DKGStatusReply is the state of the DKG sessions of the node.
type DKGStatusReply struct {
	ProTxHash string       `json:"proTxHash"`
	Time      int64        `json:"time"`
	Sessions  []DKGSession `json:"session"`
}

// DKGStatus returns the state of the DKG sessions the node runs.
func (s *QuorumService) DKGStatus(r *http.Request, args *struct{}, reply *DKGStatusReply) error {
	reply.ProTxHash = s.node.ProTxHash().String()
	reply.Time = s.node.Now().Unix()
	reply.Sessions = []DKGSession{}
	if s.node.DKG == nil {
		return nil
	}
	for _, st := range s.node.DKG.Status() {
		reply.Sessions = append(reply.Sessions, DKGSession{
			LLMQType:             st.LLMQType.String(),
			QuorumIndex:          st.QuorumIndex,
			QuorumHash:           st.QuorumHash.String(),
			QuorumHeight:         st.QuorumHeight,
			Phase:                st.Phase.String(),
			IsMember:             st.IsMember,
			Members:              st.Members,
			Contributions:        st.Contributions,
			Complaints:           st.Complaints,
			Justifications:       st.Justifications,
			PrematureCommitments: st.PrematureCommitments,
			ValidMembers:         st.ValidMembers,
			Failure:              st.Failure,
		})
	}
	return nil
}

// SignArgs identify a signing request.  QuorumHash is optional for Sign and
// ignored elsewhere.
type SignArgs struct {
	LLMQType   string `json:"llmqType"`
	ID         string `json:"id"`
	MsgHash    string `json:"msgHash"`
	QuorumHash string `json:"quorumHash,omitempty"`
}

// parse decodes the type, request id and message hash.
func (a *SignArgs) parse(n *node.Node) (chaincfg.LLMQType, chainhash.Hash, chainhash.Hash, error) {
	var id, msgHash chainhash.Hash
	t, err := parseLLMQType(n, a.LLMQType)
	if err != nil {
		return t, id, msgHash, err
	}
	if id, err = decodeHash("id", a.ID); err != nil {
		return t, id, msgHash, err
	}
	msgHash, err = decodeHash("msgHash", a.MsgHash)
	return t, id, msgHash, err
}

// Sign asks the local masternode to sign a message with its share of the
// selected quorum.  It returns whether a share was produced.
func (s *QuorumService) Sign(r *http.Request, args *SignArgs, reply *bool) error {
	if !s.node.IsMasternode() {
		return rpcError(json2.E_SERVER, "node is not a masternode")
	}
	t, id, msgHash, err := args.parse(s.node)
	if err != nil {
		return err
	}
	var quorumHash *chainhash.Hash
	if args.QuorumHash != "" {
		h, err := decodeHash("quorumHash", args.QuorumHash)
		if err != nil {
			return err
		}
		quorumHash = &h
	}
	signed, err := s.node.Signing.RequestSign(t, id, msgHash, quorumHash)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	*reply = signed
	return nil
}

// HasRecSig returns whether a recovered signature for the message exists.
func (s *QuorumService) HasRecSig(r *http.Request, args *SignArgs, reply *bool) error {
	t, id, msgHash, err := args.parse(s.node)
	if err != nil {
		return err
	}
	*reply = s.node.Signing.HasRecoveredSig(t, id, msgHash)
	return nil
}

// IsConflicting returns whether a different message was already signed for
// the request id.
func (s *QuorumService) IsConflicting(r *http.Request, args *SignArgs, reply *bool) error {
	t, id, msgHash, err := args.parse(s.node)
	if err != nil {
		return err
	}
	*reply = s.node.Signing.IsConflicting(t, id, msgHash)
	return nil
}

// RecSigReply is a recovered threshold signature.
type RecSigReply struct {
	LLMQType   string `json:"llmqType"`
	QuorumHash string `json:"quorumHash"`
	ID         string `json:"id"`
	MsgHash    string `json:"msgHash"`
	Sig        string `json:"sig"`
	Hash       string `json:"hash"`
}

func recSigReply(rs *wire.MsgQuorumRecoveredSig) RecSigReply {
	return RecSigReply{
		LLMQType:   chaincfg.LLMQType(rs.LLMQType).String(),
		QuorumHash: rs.QuorumHash.String(),
		ID:         rs.ID.String(),
		MsgHash:    rs.MsgHash.String(),
		Sig:        hex.EncodeToString(rs.Sig[:]),
		Hash:       signing.RecoveredSigHash(rs).String(),
	}
}

// GetRecSig returns the recovered signature for the message.
func (s *QuorumService) GetRecSig(r *http.Request, args *SignArgs, reply *RecSigReply) error {
	t, id, msgHash, err := args.parse(s.node)
	if err != nil {
		return err
	}
	rs, err := s.node.Signing.GetRecoveredSig(t, id)
	if err != nil || rs.MsgHash != msgHash {
		return rpcError(json2.E_SERVER, "recovered signature not found")
	}
	*reply = recSigReply(rs)
	return nil
}

// VerifyArgs are the arguments of quorum.Verify.  Either QuorumHash or
// SignHeight selects the quorum.  A zero SignHeight means the tip.
type VerifyArgs struct {
	SignArgs
	Signature  string `json:"signature"`
	SignHeight int32  `json:"signHeight,omitempty"`
}

// Verify checks a recovered signature against the given or selected quorum.
func (s *QuorumService) Verify(r *http.Request, args *VerifyArgs, reply *bool) error {
	t, id, msgHash, err := args.parse(s.node)
	if err != nil {
		return err
	}
	sig, err := decodeSig(args.Signature)
	if err != nil {
		return err
	}
	var valid bool
	if args.QuorumHash != "" {
		quorumHash, err := decodeHash("quorumHash", args.QuorumHash)
		if err != nil {
			return err
		}
		valid, err = s.node.Signing.Verify(t, id, msgHash, sig, &quorumHash)
		if err != nil {
			return rpcError(json2.E_SERVER, err.Error())
		}
	} else {
		height := args.SignHeight
		if height <= 0 {
			height = s.node.Quorums.TipHeight()
		}
		valid, err = s.node.Signing.VerifyAt(t, height, id, msgHash, sig)
		if err != nil {
			return rpcError(json2.E_SERVER, err.Error())
		}
	}
	*reply = valid
	return nil
}

// SelectQuorumArgs are the arguments of quorum.SelectQuorum.
type SelectQuorumArgs struct {
	LLMQType string `json:"llmqType"`
	ID       string `json:"id"`
}

// SelectQuorumReply names the quorum responsible for a request id.
type SelectQuorumReply struct {
	QuorumHash string   `json:"quorumHash"`
	Recovery   []string `json:"recoveryMembers"`
}

// SelectQuorum returns the quorum responsible for signing a request id at
// the tip.
func (s *QuorumService) SelectQuorum(r *http.Request, args *SelectQuorumArgs, reply *SelectQuorumReply) error {
	t, err := parseLLMQType(s.node, args.LLMQType)
	if err != nil {
		return err
	}
	id, err := decodeHash("id", args.ID)
	if err != nil {
		return err
	}
	q, err := signing.SelectQuorumForSigning(s.node.Quorums, t,
		s.node.Quorums.TipHeight(), id)
	if err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	reply.QuorumHash = q.QuorumHash().String()
	reply.Recovery = []string{}
	for _, mn := range q.Members {
		if q.IsValidMember(mn.ProTxHash) {
			reply.Recovery = append(reply.Recovery, mn.ProTxHash.String())
		}
	}
	return nil
}
