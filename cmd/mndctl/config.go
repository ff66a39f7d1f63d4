// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/mndnet/mnd/chaincfg"
	"github.com/mndnet/mnd/internal/version"
)

var (
	mndctlHomeDir     = btcutil.AppDataDir("mndctl", false)
	defaultConfigFile = filepath.Join(mndctlHomeDir, "mndctl.conf")
	defaultRPCServer  = "localhost"
	defaultTimeout    = 30 * time.Second
)

// config defines the configuration options for mndctl.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool          `short:"V" long:"version" description:"Display version information and exit"`
	ListCommands   bool          `short:"l" long:"listcommands" description:"List all of the supported commands and exit"`
	ConfigFile     string        `short:"C" long:"configfile" description:"Path to configuration file"`
	RPCServer      string        `short:"s" long:"rpcserver" description:"RPC server to connect to"`
	PrintJSON      bool          `short:"j" long:"json" description:"Print json messages sent and received"`
	Terminal       bool          `short:"t" long:"terminal" description:"Start an interactive session reading commands from the terminal"`
	Timeout        time.Duration `long:"timeout" description:"Time to wait for a reply"`
	TestNet        bool          `long:"testnet" description:"Connect to testnet"`
	RegressionTest bool          `long:"regtest" description:"Connect to the regression test network"`
}

// normalizeAddress returns addr with the RPC port of the network appended if
// there is not already a port specified.
func normalizeAddress(addr string, params *chaincfg.Params) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, params.DefaultRPCPort)
	}
	return addr
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

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig(args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile: defaultConfigFile,
		RPCServer:  defaultRPCServer,
		Timeout:    defaultTimeout,
	}

	// Pre-parse the command line options to see if an alternative config
	// file, the version flag, or the list commands flag was specified.  Any
	// errors aside from the help message error can be ignored here since
	// they will be caught by the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			fmt.Fprintln(os.Stdout, "")
			fmt.Fprintln(os.Stdout, "The special parameter `-` "+
				"indicates that a parameter should be read "+
				"from the\nnext unread line from standard input.")
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show options", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Show the available commands and exit if the associated flag was
	// specified.
	if preCfg.ListCommands {
		listCommands()
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if fileExists(preCfg.ConfigFile) {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	params := &chaincfg.MainNetParams
	switch {
	case cfg.TestNet && cfg.RegressionTest:
		err := errors.New("loadConfig: the testnet and regtest params " +
			"can't be used together -- choose one of the two")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	case cfg.TestNet:
		params = &chaincfg.TestNetParams
	case cfg.RegressionTest:
		params = &chaincfg.RegressionNetParams
	}

	// Add default port to RPC server based on the network if needed.
	cfg.RPCServer = normalizeAddress(cfg.RPCServer, params)

	return &cfg, remainingArgs, nil
}
