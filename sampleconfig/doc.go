// Copyright (c) 2017 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package sampleconfig provides a single constant that contains the contents of
the sample configuration file for mnd.  It is written to the default location
the first time mnd starts so the generated file documents every option.
*/
package sampleconfig
