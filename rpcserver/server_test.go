// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"github.com/mndnet/mnd/internal/chaintest"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/rpcserver"
	"github.com/mndnet/mnd/spork"
	"github.com/mndnet/mnd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// quorumReadyHeight is a tip at which the first quorums of the test network
// can sign.
const quorumReadyHeight = 48

type harness struct {
	net *chaintest.Network
	srv *httptest.Server
}

// newHarness starts a test network and serves the RPC interface of its
// first node.
func newHarness(t *testing.T, sporks ...spork.ID) *harness {
	t.Helper()
	net, err := chaintest.NewNetwork(3)
	require.NoError(t, err)
	require.NoError(t, net.Start(sporks...))

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	s, err := rpcserver.New(&rpcserver.Config{
		Node:     net.Nodes[0],
		Gatherer: reg,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{net: net, srv: srv}
}

func (h *harness) call(t *testing.T, method string, args, reply interface{}) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (h *harness) dial(t *testing.T, relay bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if relay {
		url += "?relay=1"
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads frames until match accepts one.
func readFrame(t *testing.T, conn *websocket.Conn, match func(*rpcserver.WSFrame) bool) *rpcserver.WSFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var frame rpcserver.WSFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if match(&frame) {
			return &frame
		}
	}
}

func TestChainInfo(t *testing.T) {
	h := newHarness(t)

	var info rpcserver.ChainInfoReply
	require.NoError(t, h.call(t, "blockchain.GetInfo", &struct{}{}, &info))
	require.Equal(t, "regtest", info.Chain)
	require.Equal(t, int32(1), info.Blocks)
	require.Equal(t, len(h.net.Masternodes), info.Masternodes)
	require.NotEmpty(t, info.Deployments)

	var count rpcserver.MasternodeCountReply
	require.NoError(t, h.call(t, "masternode.Count", &struct{}{}, &count))
	require.Equal(t, len(h.net.Masternodes), count.Total)
	require.Equal(t, len(h.net.Masternodes), count.Enabled)

	var list []rpcserver.MasternodeInfo
	require.NoError(t, h.call(t, "masternode.List",
		&rpcserver.MasternodeListArgs{OnlyValid: true}, &list))
	require.Len(t, list, len(h.net.Masternodes))
	for _, mn := range list {
		require.Equal(t, "ENABLED", mn.Status)
		require.Len(t, mn.Payouts, 1)
	}

	var payments rpcserver.PaymentsReply
	require.NoError(t, h.call(t, "masternode.Payments", &struct{}{}, &payments))
	require.Equal(t, int32(2), payments.Height)
	require.NotEmpty(t, payments.ProTxHash)

	var winners map[string]string
	require.NoError(t, h.call(t, "masternode.Winners",
		&rpcserver.WinnersArgs{Count: 3}, &winners))
	require.Len(t, winners, 3)
	require.Contains(t, winners, "2")
}

func TestInvalidParams(t *testing.T) {
	h := newHarness(t)

	var info rpcserver.QuorumInfoReply
	err := h.call(t, "quorum.Info", &rpcserver.QuorumInfoArgs{
		LLMQType:   "llmq_unknown",
		QuorumHash: chainhash.Hash{}.String(),
	}, &info)
	var jsonErr *json2.Error
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)

	var hash string
	err = h.call(t, "mining.SubmitBlock",
		&rpcserver.SubmitBlockArgs{Block: "zz"}, &hash)
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)

	var set string
	err = h.call(t, "spork.Set", &rpcserver.SporkSetArgs{Name: "SPORK_0"}, &set)
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)
}

func TestSporks(t *testing.T) {
	h := newHarness(t)

	var values map[string]interface{}
	require.NoError(t, h.call(t, "spork.Get", &rpcserver.SporkGetArgs{}, &values))
	require.EqualValues(t, spork.Off,
		values[spork.SporkChainLocksEnabled.String()])

	var res string
	require.NoError(t, h.call(t, "spork.Set", &rpcserver.SporkSetArgs{
		Name:  spork.SporkChainLocksEnabled.String(),
		Value: 0,
	}, &res))
	require.NoError(t, h.net.Flush())

	require.NoError(t, h.call(t, "spork.Get",
		&rpcserver.SporkGetArgs{Active: true}, &values))
	require.Equal(t, true, values[spork.SporkChainLocksEnabled.String()])
	require.Equal(t, false, values[spork.SporkInstantSendEnabled.String()])

	// The update reached the rest of the network.
	for _, n := range h.net.Nodes {
		require.Zero(t, n.Sporks.Value(spork.SporkChainLocksEnabled))
	}
}

func TestBlockTemplate(t *testing.T) {
	h := newHarness(t)

	var template rpcserver.BlockTemplateReply
	require.NoError(t, h.call(t, "mining.GetBlockTemplate",
		&rpcserver.BlockTemplateArgs{}, &template))
	require.Equal(t, int32(2), template.Height)
	require.Equal(t, uint32(2), template.CbTx.Height)
	require.NotEmpty(t, template.MasternodePayouts)

	var hash string
	require.NoError(t, h.call(t, "mining.SubmitBlock",
		&rpcserver.SubmitBlockArgs{Block: template.Block}, &hash))

	var block rpcserver.BlockReply
	require.NoError(t, h.call(t, "blockchain.GetBlock",
		&rpcserver.BlockArgs{Hash: hash}, &block))
	require.Equal(t, int32(2), block.Height)
	require.Equal(t, template.Block, block.Serialized)
	require.Equal(t, int32(2), h.net.Nodes[0].Chain.BestSnapshot().Height)

	var hashes []string
	require.NoError(t, h.call(t, "mining.Generate",
		&rpcserver.GenerateArgs{Blocks: 2}, &hashes))
	require.Len(t, hashes, 2)
	require.Equal(t, int32(4), h.net.Nodes[0].Chain.BestSnapshot().Height)
}

func TestQuorumSigning(t *testing.T) {
	h := newHarness(t, spork.SporkQuorumDKGEnabled)
	require.NoError(t, h.net.MineUntil(quorumReadyHeight))

	typ := h.net.Params.LLMQTypeChainLocks
	var quorums rpcserver.QuorumListReply
	require.NoError(t, h.call(t, "quorum.List",
		&rpcserver.QuorumListArgs{Count: 1}, &quorums))
	require.Len(t, quorums[typ.String()], 1)

	var info rpcserver.QuorumInfoReply
	require.NoError(t, h.call(t, "quorum.Info", &rpcserver.QuorumInfoArgs{
		LLMQType:       typ.String(),
		QuorumHash:     quorums[typ.String()][0],
		IncludeSkShare: true,
	}, &info))
	require.Equal(t, int32(24), info.Height)
	require.Len(t, info.Members, len(h.net.Masternodes))
	require.NotEmpty(t, info.QuorumPublicKey)
	require.NotEmpty(t, info.SecretKeyShare)
	for _, m := range info.Members {
		require.True(t, m.Valid)
		require.NotEmpty(t, m.PubKeyShare)
	}

	var status rpcserver.DKGStatusReply
	require.NoError(t, h.call(t, "quorum.DKGStatus", &struct{}{}, &status))
	require.Equal(t, h.net.Masternodes[0].ProTxHash.String(), status.ProTxHash)

	id := chainhash.HashH([]byte("rpc request"))
	msgHash := chainhash.HashH([]byte("rpc message"))
	args := &rpcserver.SignArgs{
		LLMQType: typ.String(),
		ID:       id.String(),
		MsgHash:  msgHash.String(),
	}
	var signed bool
	require.NoError(t, h.call(t, "quorum.Sign", args, &signed))
	require.True(t, signed)
	_, err := h.net.Nodes[1].Signing.RequestSign(typ, id, msgHash, nil)
	require.NoError(t, err)
	require.NoError(t, h.net.Flush())

	var has bool
	require.NoError(t, h.call(t, "quorum.HasRecSig", args, &has))
	require.True(t, has)

	var rs rpcserver.RecSigReply
	require.NoError(t, h.call(t, "quorum.GetRecSig", args, &rs))
	require.Equal(t, info.QuorumHash, rs.QuorumHash)

	var valid bool
	verify := &rpcserver.VerifyArgs{SignArgs: *args, Signature: rs.Sig}
	require.NoError(t, h.call(t, "quorum.Verify", verify, &valid))
	require.True(t, valid)

	other := chainhash.HashH([]byte("other message"))
	verify.MsgHash = other.String()
	require.NoError(t, h.call(t, "quorum.Verify", verify, &valid))
	require.False(t, valid)

	var conflicting bool
	require.NoError(t, h.call(t, "quorum.IsConflicting", &rpcserver.SignArgs{
		LLMQType: typ.String(),
		ID:       id.String(),
		MsgHash:  other.String(),
	}, &conflicting))
	require.True(t, conflicting)

	var sel rpcserver.SelectQuorumReply
	require.NoError(t, h.call(t, "quorum.SelectQuorum",
		&rpcserver.SelectQuorumArgs{LLMQType: typ.String(), ID: id.String()},
		&sel))
	require.Equal(t, info.QuorumHash, sel.QuorumHash)
}

func TestChainLockNotifications(t *testing.T) {
	h := newHarness(t, spork.SporkQuorumDKGEnabled,
		spork.SporkChainLocksEnabled)
	require.NoError(t, h.net.MineUntil(quorumReadyHeight))

	conn := h.dial(t, false)
	block, err := h.net.MineBlock()
	require.NoError(t, err)
	tip := int32(quorumReadyHeight + 1)

	frame := readFrame(t, conn, func(f *rpcserver.WSFrame) bool {
		return f.Type == "chainlock" && f.ChainLock.Height == tip
	})
	require.Equal(t, block.BlockHash().String(), frame.ChainLock.BlockHash)

	var best rpcserver.ChainLockReply
	require.NoError(t, h.call(t, "chainlock.GetBest", &struct{}{}, &best))
	require.Equal(t, tip, best.Height)
	require.True(t, best.Known)

	args := &rpcserver.ChainLockArgs{
		Height:    best.Height,
		BlockHash: best.BlockHash,
		Signature: best.Signature,
	}
	var valid bool
	require.NoError(t, h.call(t, "chainlock.Verify", args, &valid))
	require.True(t, valid)

	var height int32
	require.NoError(t, h.call(t, "chainlock.Submit", args, &height))
	require.Equal(t, tip, height)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "mnd_chainlock_best_height")
}

func TestWebsocketRelay(t *testing.T) {
	h := newHarness(t, spork.SporkQuorumDKGEnabled)
	conn := h.dial(t, true)

	// Garbage is answered with an error frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	frame := readFrame(t, conn, func(f *rpcserver.WSFrame) bool {
		return f.Type == "error"
	})
	require.NotEmpty(t, frame.Error)

	// A spork resync request is answered with the signed sporks.
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, &wire.MsgGetSporks{},
		wire.ProtocolVersion, h.net.Params.Net))
	out, err := json.Marshal(&rpcserver.WSFrame{
		Type:    "message",
		Command: (&wire.MsgGetSporks{}).Command(),
		Payload: hex.EncodeToString(buf.Bytes()),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

	readFrame(t, conn, func(f *rpcserver.WSFrame) bool {
		return f.Type == "message" && f.Command == (&wire.MsgSpork{}).Command()
	})
}
