// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2017 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/mndnet/mnd/blockchain"
	"github.com/mndnet/mnd/chainlock"
	"github.com/mndnet/mnd/evo"
	"github.com/mndnet/mnd/instantsend"
	"github.com/mndnet/mnd/llmq"
	"github.com/mndnet/mnd/llmq/dkg"
	"github.com/mndnet/mnd/llmq/ehf"
	"github.com/mndnet/mnd/llmq/signing"
	"github.com/mndnet/mnd/mempool"
	"github.com/mndnet/mnd/mining"
	"github.com/mndnet/mnd/mining/cpuminer"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/rpcserver"
	"github.com/mndnet/mnd/spork"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if LogRotator != nil {
		LogRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by calling
// initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// LogRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	LogRotator *rotator.Rotator

	BcdbLog = backendLog.Logger("BCDB")
	chanLog = backendLog.Logger("CHAN")
	evoLog  = backendLog.Logger("EVO")
	llmqLog = backendLog.Logger("LLMQ")
	dkgLog  = backendLog.Logger("DKG")
	sigsLog = backendLog.Logger("SIGS")
	ehfsLog = backendLog.Logger("EHFS")
	chlkLog = backendLog.Logger("CHLK")
	islkLog = backendLog.Logger("ISLK")
	sprkLog = backendLog.Logger("SPRK")
	minrLog = backendLog.Logger("MINR")
	txmpLog = backendLog.Logger("TXMP")
	nodeLog = backendLog.Logger("NODE")
	RpcsLog = backendLog.Logger("RPCS")
	MndLog  = backendLog.Logger("MND")
)

// Initialize package-global logger variables.
func init() {
	blockchain.UseLogger(chanLog)
	evo.UseLogger(evoLog)
	llmq.UseLogger(llmqLog)
	dkg.UseLogger(dkgLog)
	signing.UseLogger(sigsLog)
	ehf.UseLogger(ehfsLog)
	chainlock.UseLogger(chlkLog)
	instantsend.UseLogger(islkLog)
	spork.UseLogger(sprkLog)
	mining.UseLogger(minrLog)
	cpuminer.UseLogger(minrLog)
	mempool.UseLogger(txmpLog)
	node.UseLogger(nodeLog)
	rpcserver.UseLogger(RpcsLog)
}

// SubsystemLoggers maps each subsystem identifier to its associated logger.
var SubsystemLoggers = map[string]btclog.Logger{
	"BCDB": BcdbLog,
	"CHAN": chanLog,
	"EVO":  evoLog,
	"LLMQ": llmqLog,
	"DKG":  dkgLog,
	"SIGS": sigsLog,
	"EHFS": ehfsLog,
	"CHLK": chlkLog,
	"ISLK": islkLog,
	"SPRK": sprkLog,
	"MINR": minrLog,
	"TXMP": txmpLog,
	"NODE": nodeLog,
	"RPCS": RpcsLog,
	"MND":  MndLog,
}

// InitLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func InitLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	LogRotator = r
	return nil
}

// SetLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := SubsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func SetLogLevels(logLevel string) {
	for subsystemID := range SubsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(SubsystemLoggers))
	for subsysID := range SubsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// PickNoun returns the singular or plural form of a noun depending
// on the count n.
func PickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
