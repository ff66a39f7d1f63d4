// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mndnet/mnd/database/engine"
	"github.com/mndnet/mnd/database/engine/leveldb"
	"github.com/mndnet/mnd/database/engine/pebbledb"
	"github.com/mndnet/mnd/internal/limits"
	mndlog "github.com/mndnet/mnd/internal/log"
	"github.com/mndnet/mnd/internal/metrics"
	"github.com/mndnet/mnd/internal/version"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/rpcserver"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// log is the logger of the daemon itself.
var log = mndlog.MndLog

// openDB opens the state database of the configured engine, creating it on
// first use.
func openDB(cfg *config) (engine.Engine, error) {
	dbPath := filepath.Join(cfg.DataDir, cfg.DbType)
	create := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		create = true
	}

	log.Infof("Loading %s database from '%s'", cfg.DbType, dbPath)
	switch cfg.DbType {
	case "pebble":
		return pebbledb.NewDB(dbPath, create, pebbledb.DefaultCache,
			pebbledb.DefaultHandles)
	default:
		return leveldb.NewDB(dbPath, create)
	}
}

// mndMain is the real main function for mnd.  It is necessary to work around
// the fact that deferred functions do not run when os.Exit() is called.
func mndMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	defer func() {
		if mndlog.LogRotator != nil {
			mndlog.LogRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the RPC server.
	interrupt := interruptListener()
	defer log.Info("Shutdown complete")

	// Show version at startup.
	log.Infof("Version %s", version.String())

	db, err := openDB(cfg)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	defer func() {
		// Ensure the database is sync'd and closed on shutdown.
		log.Infof("Gracefully shutting down the database...")
		db.Close()
	}()

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	policy := mining.DefaultPolicy()
	if cfg.BlockMaxSize != 0 {
		policy.BlockMaxSize = cfg.BlockMaxSize
	}
	n, err := node.New(&node.Config{
		ChainParams:  cfg.params,
		DB:           db,
		ProTxHash:    cfg.proTxHash,
		OperatorKey:  cfg.operatorKey,
		SporkKey:     cfg.SporkKey,
		SigRetention: cfg.SigRetention,
		MiningPolicy: &policy,
		PayToScripts: cfg.payScripts,
	})
	if err != nil {
		log.Errorf("Unable to start node: %v", err)
		return err
	}
	if cfg.Reindex {
		log.Infof("Rebuilding masternode and quorum state")
		if err := n.Chain.Reindex(); err != nil {
			log.Errorf("Unable to reindex: %v", err)
			return err
		}
	}
	if n.IsMasternode() {
		log.Infof("Running masternode %v", n.ProTxHash())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})

	if !cfg.DisableRPC {
		rpcCfg := rpcserver.Config{
			Node:                n,
			Listeners:           cfg.RPCListeners,
			MaxWebsocketClients: cfg.RPCMaxWebsockets,
		}
		if !cfg.DisableMetrics {
			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg); err != nil {
				return err
			}
			rpcCfg.Gatherer = reg
		}
		server, err := rpcserver.New(&rpcCfg)
		if err != nil {
			log.Errorf("Unable to start RPC server: %v", err)
			return err
		}
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	if cfg.Generate {
		n.Miner.Start()
	}

	// Wait until the interrupt signal is received or a subsystem fails.
	// Errors caused by the shutdown itself are not reported.
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Errorf("%v", err)
		return err
	}
	return nil
}

func main() {
	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Work around defer not working after os.Exit()
	if err := mndMain(); err != nil {
		os.Exit(1)
	}
}
