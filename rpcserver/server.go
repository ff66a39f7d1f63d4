// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2017 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcserver serves the JSON-RPC 2.0 interface of a node over HTTP.
// Every subsystem is exposed as a service named after it, for example
// "quorum.List" or "chainlock.GetBest".  The /ws endpoint streams chainlock,
// instant-send lock and recovered signature notifications and relays wire
// messages between the node and its websocket peers.  The /metrics endpoint
// serves the prometheus collectors.
package rpcserver

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// rpcReadTimeout bounds how long reading a request may take.
	rpcReadTimeout = 10 * time.Second

	// shutdownTimeout bounds how long in-flight requests may take once the
	// server is asked to stop.
	shutdownTimeout = 5 * time.Second
)

// Config is a descriptor containing the RPC server configuration.
type Config struct {
	// Node is the node the services operate on.
	Node *node.Node

	// Listeners are the addresses to listen on.
	Listeners []string

	// Gatherer serves /metrics.  The endpoint is disabled when it is nil.
	Gatherer prometheus.Gatherer

	// MaxWebsocketClients is the maximum number of websocket peers.  Zero
	// means unlimited.
	MaxWebsocketClients int
}

// Server provides a concurrent safe RPC server to a node.
type Server struct {
	cfg    Config
	router *mux.Router
	hub    *wsHub
}

// rpcError returns a JSON-RPC error with the given code.
func rpcError(code json2.ErrorCode, msg string) *json2.Error {
	return &json2.Error{Code: code, Message: msg}
}

// invalidParams returns the error for a malformed argument.
func invalidParams(msg string) *json2.Error {
	return rpcError(json2.E_BAD_PARAMS, msg)
}

// decodeHash parses a hex encoded hash argument.
func decodeHash(name, s string) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, invalidParams("invalid " + name + ": " + err.Error())
	}
	return *hash, nil
}

// decodeHex parses a hex argument of exactly size bytes into dst.
func decodeHex(name, s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return invalidParams("invalid " + name + ": " + err.Error())
	}
	if len(b) != len(dst) {
		return invalidParams("invalid " + name + ": wrong length")
	}
	copy(dst, b)
	return nil
}

// New returns a new RPC server for cfg.Node.  The websocket hub becomes a
// relay of the node.
func New(cfg *Config) (*Server, error) {
	if cfg.Node == nil {
		return nil, errors.New("rpcserver: node is nil")
	}
	s := &Server{cfg: *cfg}

	rpcServer := rpc.NewServer()
	codec := json2.NewCodec()
	rpcServer.RegisterCodec(codec, "application/json")
	rpcServer.RegisterCodec(codec, "application/json;charset=UTF-8")

	n := cfg.Node
	services := []struct {
		receiver interface{}
		name     string
	}{
		{&QuorumService{node: n}, "quorum"},
		{&ChainLockService{node: n}, "chainlock"},
		{&InstantSendService{node: n}, "instantsend"},
		{&MasternodeService{node: n}, "masternode"},
		{&SporkService{node: n}, "spork"},
		{&MiningService{node: n}, "mining"},
		{&BlockchainService{node: n}, "blockchain"},
	}
	for _, svc := range services {
		if err := rpcServer.RegisterService(svc.receiver, svc.name); err != nil {
			return nil, err
		}
	}

	s.hub = newWSHub(n, cfg.MaxWebsocketClients)
	n.AddRelay(s.hub)

	s.router = mux.NewRouter()
	s.router.Handle("/", rpcServer).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.hub.handleWebsocket)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer,
			promhttp.HandlerOpts{}))
	}
	return s, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured addresses and serves requests until ctx is
// done.
func (s *Server) Run(ctx context.Context) error {
	listeners := make([]net.Listener, 0, len(s.cfg.Listeners))
	for _, addr := range s.cfg.Listeners {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
		listeners = append(listeners, l)
	}

	httpServer := &http.Server{
		Handler:     s.router,
		ReadTimeout: rpcReadTimeout,
	}
	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		log.Infof("RPC server listening on %s", l.Addr())
		go func(l net.Listener) {
			errs <- httpServer.Serve(l)
		}(l)
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("RPC server failed: %v", err)
			s.hub.closeAll()
			return err
		}
	}

	log.Infof("RPC server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.closeAll()
	return httpServer.Shutdown(shutdownCtx)
}
