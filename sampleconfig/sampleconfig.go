// Copyright (c) 2017 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

// FileContents is a string containing the commented example config for mnd.
const FileContents = `[Application Options]

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------

; The directory to store the chain, masternode list and quorum state.  The
; network name is appended to it.  The default is ~/.mnd/data on POSIX OSes,
; $LOCALAPPDATA/Mnd/data on Windows and ~/Library/Application Support/Mnd/data
; on macOS.  Environment variables are expanded so they may be used.
; datadir=~/.mnd/data

; Database backend to use.  Either leveldb (default) or pebble.
; dbtype=leveldb

; Rebuild the masternode list and quorum state from the stored blocks.
; reindex=1


; ------------------------------------------------------------------------------
; Network settings
; ------------------------------------------------------------------------------

; Use the test network.
; testnet=1

; Use the regression test network.
; regtest=1


; ------------------------------------------------------------------------------
; Masternode settings
; ------------------------------------------------------------------------------

; The hex encoded BLS operator key and the registration transaction hash of the
; masternode run by this node.  Both must be set to take part in quorums.
; masternodeblsprivkey=
; protxhash=

; WIF encoded key used to sign spork updates.
; sporkkey=

; How long recovered signatures are kept.  The default depends on the network.
; sigretention=168h


; ------------------------------------------------------------------------------
; RPC server options
; ------------------------------------------------------------------------------

; Specify the interfaces for the RPC server listen on, one listen address per
; line.  The default port depends on the network: 9998 for mainnet, 19998 for
; testnet and 19898 for regtest.
; rpclisten=                ; all interfaces on the default port
; rpclisten=0.0.0.0         ; all ipv4 interfaces on the default port
; rpclisten=127.0.0.1:9998  ; ipv4 localhost on the default port

; Maximum number of websocket clients of the RPC server.
; rpcmaxwebsockets=25

; Disable the RPC server.
; norpc=1

; Do not serve prometheus metrics on /metrics.
; nometrics=1


; ------------------------------------------------------------------------------
; Coin generation (mining) settings
; ------------------------------------------------------------------------------

; Enable built-in CPU mining.  At least one miningkeyid must be provided.
; generate=1

; Hex encoded hash160 of a key to pay generated blocks to.  One entry per line.
; miningkeyid=

; Maximum size in bytes of generated blocks.
; blockmaxsize=2000000


; ------------------------------------------------------------------------------
; Debug
; ------------------------------------------------------------------------------

; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use mnd --debuglevel=show to list
; available subsystems.
; debuglevel=info
`
