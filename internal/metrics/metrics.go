// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics holds the prometheus collectors of every subsystem.  The
// collectors are always updated; they are only exported once Register has
// been called with a registry, which the daemon serves on /metrics.
package metrics

import (
	"github.com/mndnet/mnd/internal/version"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mnd"

var (
	// MasternodeListSize tracks the size of the tip masternode list by
	// "all" and "valid" entries.
	MasternodeListSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "evo",
		Name:      "masternodes",
		Help:      "Number of masternodes in the tip list.",
	}, []string{"kind"})

	// DKGSessions counts finished DKG sessions by quorum type and result.
	DKGSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llmq",
		Name:      "dkg_sessions_total",
		Help:      "Finished DKG sessions by quorum type and result.",
	}, []string{"llmq_type", "result"})

	// SigShares counts processed signature shares by result.
	SigShares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signing",
		Name:      "sig_shares_total",
		Help:      "Processed signature shares by result.",
	}, []string{"result"})

	// RecoveredSigs counts accepted recovered signatures by quorum type.
	RecoveredSigs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signing",
		Name:      "recovered_sigs_total",
		Help:      "Accepted recovered signatures by quorum type.",
	}, []string{"llmq_type"})

	// ConflictingSigs counts recovered signatures that conflicted with an
	// existing one.
	ConflictingSigs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signing",
		Name:      "conflicting_sigs_total",
		Help:      "Recovered signatures rejected because of a conflict.",
	})

	// BestChainLockHeight is the height of the best known chainlock.
	BestChainLockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chainlock",
		Name:      "best_height",
		Help:      "Height of the best known chainlock.",
	})

	// ISLocks counts instant-send locks by outcome.
	ISLocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "instantsend",
		Name:      "locks_total",
		Help:      "Instant-send locks by outcome.",
	}, []string{"result"})

	// BlocksConnected counts blocks connected to the main chain.
	BlocksConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_connected_total",
		Help:      "Blocks connected to the main chain.",
	})

	// BuildInfo is always 1, labelled with the running version.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Version of the running daemon.",
	}, []string{"version"})
)

var collectors = []prometheus.Collector{
	MasternodeListSize,
	DKGSessions,
	SigShares,
	RecoveredSigs,
	ConflictingSigs,
	BestChainLockHeight,
	ISLocks,
	BlocksConnected,
	BuildInfo,
}

// Register registers every collector with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	BuildInfo.WithLabelValues(version.String()).Set(1)
	return nil
}
