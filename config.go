// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	flags "github.com/jessevdk/go-flags"
	"github.com/mndnet/mnd/bls"
	"github.com/mndnet/mnd/chaincfg"
	mndlog "github.com/mndnet/mnd/internal/log"
	"github.com/mndnet/mnd/internal/version"
	"github.com/mndnet/mnd/sampleconfig"
)

const (
	defaultConfigFilename  = "mnd.conf"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "mnd.log"
	defaultDbType          = "leveldb"
	defaultMaxRPCWebsocket = 25
)

var (
	defaultHomeDir    = btcutil.AppDataDir("mnd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
	knownDbTypes      = []string{"leveldb", "pebble"}
)

// config defines the configuration options for mnd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	TestNet        bool   `long:"testnet" description:"Use the test network"`
	RegressionTest bool   `long:"regtest" description:"Use the regression test network"`
	DbType         string `long:"dbtype" description:"Database backend to use for the chain and quorum state {leveldb, pebble}"`
	Reindex        bool   `long:"reindex" description:"Rebuild the masternode list and quorum state from the stored blocks on startup"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	RPCListeners     []string      `long:"rpclisten" description:"Add an interface/port to listen for RPC connections (default port: 9998, testnet: 19998, regtest: 19898)"`
	DisableRPC       bool          `long:"norpc" description:"Disable built-in RPC server"`
	RPCMaxWebsockets int           `long:"rpcmaxwebsockets" description:"Max number of RPC websocket connections"`
	DisableMetrics   bool          `long:"nometrics" description:"Do not serve prometheus metrics on /metrics"`
	MasternodeBLSKey string        `long:"masternodeblsprivkey" description:"Hex encoded BLS operator key of the masternode run by this node"`
	ProTxHash        string        `long:"protxhash" description:"Registration transaction hash of the masternode run by this node"`
	SporkKey         string        `long:"sporkkey" description:"WIF encoded key used to sign spork updates"`
	SigRetention     time.Duration `long:"sigretention" description:"How long recovered signatures are kept (default: network specific)"`
	Generate         bool          `long:"generate" description:"Generate (mine) blocks using the CPU"`
	MiningKeyIDs     []string      `long:"miningkeyid" description:"Hex encoded hash160 of a key to pay generated blocks to -- At least one is required with --generate"`
	BlockMaxSize     uint32        `long:"blockmaxsize" description:"Maximum block size in bytes to be used when creating a block"`

	// The fields below are derived from the options above.
	params      *chaincfg.Params
	operatorKey *bls.SecretKey
	proTxHash   chainhash.Hash
	payScripts  [][]byte
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		mndlog.SetLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := mndlog.SubsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, mndlog.SupportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		mndlog.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validDbType returns whether or not dbType is a supported database type.
func validDbType(dbType string) bool {
	for _, knownType := range knownDbTypes {
		if dbType == knownType {
			return true
		}
	}
	return false
}

// normalizeAddresses returns addrs with the default port appended to the
// entries lacking one.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := make(map[string]struct{})
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		result = append(result, addr)
	}
	return result
}

// payToKeyIDScript returns the pay-to-pubkey-hash script of a hex encoded
// hash160.
func payToKeyIDScript(keyID string) ([]byte, error) {
	b, err := hex.DecodeString(keyID)
	if err != nil || len(b) != 20 {
		return nil, fmt.Errorf("invalid key id %q", keyID)
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(b).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile copies the sample config to destinationPath.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exists.
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	return os.WriteFile(destinationPath, []byte(sampleconfig.FileContents),
		0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns a config with the default values set.
func defaultConfig() config {
	return config{
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		DbType:           defaultDbType,
		DebugLevel:       defaultLogLevel,
		RPCMaxWebsockets: defaultMaxRPCWebsocket,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in mnd functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Create the default config file when it does not exist yet.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(defaultConfigFile) {
		if err := createDefaultConfigFile(defaultConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config "+
				"file: %v\n", err)
		}
	}

	// Load additional config from file.
	parser := newConfigParser(&cfg, flags.Default)
	if preCfg.ConfigFile != "" {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) || preCfg.ConfigFile != defaultConfigFile {
				fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	fail := func(err error) (*config, []string, error) {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The two test networks can't be selected simultaneously.
	cfg.params = &chaincfg.MainNetParams
	switch {
	case cfg.TestNet && cfg.RegressionTest:
		return fail(errors.New("loadConfig: the testnet and regtest " +
			"params can't be used together -- choose one of the two"))
	case cfg.TestNet:
		cfg.params = &chaincfg.TestNetParams
	case cfg.RegressionTest:
		cfg.params = &chaincfg.RegressionNetParams
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", mndlog.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if err := mndlog.InitLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename)); err != nil {
		return fail(err)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return fail(fmt.Errorf("loadConfig: %w", err))
	}

	// Validate database type.
	if !validDbType(cfg.DbType) {
		return fail(fmt.Errorf("loadConfig: the specified database type "+
			"[%v] is invalid -- supported types %v", cfg.DbType,
			knownDbTypes))
	}

	// The masternode options go together.
	if (cfg.MasternodeBLSKey == "") != (cfg.ProTxHash == "") {
		return fail(errors.New("loadConfig: --masternodeblsprivkey and " +
			"--protxhash must be specified together"))
	}
	if cfg.MasternodeBLSKey != "" {
		b, err := hex.DecodeString(cfg.MasternodeBLSKey)
		if err != nil {
			return fail(fmt.Errorf("loadConfig: invalid masternode key: %w", err))
		}
		cfg.operatorKey, err = bls.SecretKeyFromBytes(b)
		if err != nil {
			return fail(fmt.Errorf("loadConfig: invalid masternode key: %w", err))
		}
		hash, err := chainhash.NewHashFromStr(cfg.ProTxHash)
		if err != nil {
			return fail(fmt.Errorf("loadConfig: invalid protx hash: %w", err))
		}
		cfg.proTxHash = *hash
	}

	// Check mining keys.
	for _, keyID := range cfg.MiningKeyIDs {
		script, err := payToKeyIDScript(keyID)
		if err != nil {
			return fail(fmt.Errorf("loadConfig: %w", err))
		}
		cfg.payScripts = append(cfg.payScripts, script)
	}
	if cfg.Generate && len(cfg.payScripts) == 0 {
		return fail(errors.New("loadConfig: the generate flag is set, " +
			"but there are no mining keys specified"))
	}

	if cfg.RPCMaxWebsockets < 0 {
		return fail(errors.New("loadConfig: rpcmaxwebsockets must not " +
			"be negative"))
	}

	// Default RPC to listen on localhost only.
	if !cfg.DisableRPC && len(cfg.RPCListeners) == 0 {
		cfg.RPCListeners = []string{"localhost"}
	}
	cfg.RPCListeners = normalizeAddresses(cfg.RPCListeners,
		cfg.params.DefaultRPCPort)

	return &cfg, remainingArgs, nil
}
