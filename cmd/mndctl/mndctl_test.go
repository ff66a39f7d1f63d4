// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/stretchr/testify/require"
)

type WinnersArgs struct {
	Count int `json:"count"`
}

type MasternodeService struct{}

func (MasternodeService) Winners(r *http.Request, args *WinnersArgs, reply *map[string]string) error {
	if args.Count <= 0 {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "bad count"}
	}
	*reply = map[string]string{"count": strings.Repeat("x", args.Count)}
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	require.NoError(t, s.RegisterService(MasternodeService{}, "masternode"))
	server := httptest.NewServer(s)
	t.Cleanup(server.Close)
	return server
}

func TestParseParams(t *testing.T) {
	stdin := bufio.NewReader(strings.NewReader("deadbeef\n"))
	params, err := parseParams("quorum.Verify", []string{
		"llmqType=llmq_test",
		"signHeight=12",
		"msgHash=-",
	}, stdin)
	require.NoError(t, err)

	b, err := json.Marshal(params)
	require.NoError(t, err)
	require.JSONEq(t, `{"llmqType":"llmq_test","signHeight":12,"msgHash":"deadbeef"}`,
		string(b))

	_, err = parseParams("quorum.Verify", []string{"llmqType"}, stdin)
	require.Error(t, err)
	_, err = parseParams("quorum.Verify", []string{"bogus=1"}, stdin)
	require.Error(t, err)
	_, err = parseParams("quorum.Verify", []string{"id=-"}, stdin)
	require.Error(t, err, "stdin is exhausted")
}

func TestSendPostRequest(t *testing.T) {
	server := newTestServer(t)
	cfg := &config{
		RPCServer: strings.TrimPrefix(server.URL, "http://"),
		Timeout:   5 * time.Second,
	}

	params, err := parseParams("masternode.Winners", []string{"count=3"}, nil)
	require.NoError(t, err)
	req, err := json2.EncodeClientRequest("masternode.Winners", params)
	require.NoError(t, err)
	result, err := sendPostRequest(req, cfg)
	require.NoError(t, err)
	out, err := formatResult(result)
	require.NoError(t, err)
	require.Equal(t, "{\n  \"count\": \"xxx\"\n}", out)

	req, err = json2.EncodeClientRequest("masternode.Winners",
		map[string]interface{}{"count": 0})
	require.NoError(t, err)
	_, err = sendPostRequest(req, cfg)
	var jsonErr *json2.Error
	require.True(t, errors.As(err, &jsonErr))
	require.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)
}

func TestFormatResult(t *testing.T) {
	out, err := formatResult(json.RawMessage(`"abc"`))
	require.NoError(t, err)
	require.Equal(t, "abc", out)

	out, err = formatResult(json.RawMessage(`42`))
	require.NoError(t, err)
	require.Equal(t, "42", out)

	out, err = formatResult(json.RawMessage(`null`))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "localhost:19898",
		normalizeAddress("localhost", &chaincfg.RegressionNetParams))
	require.Equal(t, "localhost:9998",
		normalizeAddress("localhost", &chaincfg.MainNetParams))
	require.Equal(t, "10.0.0.1:1", normalizeAddress("10.0.0.1:1",
		&chaincfg.TestNetParams))
}

func TestCommandsHaveUsage(t *testing.T) {
	for method := range commands {
		require.True(t, strings.HasPrefix(commandUsageText(method), method))
		require.Contains(t, method, ".")
	}
}
