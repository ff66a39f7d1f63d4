// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalHelp is printed by the h command of the interactive session.
const terminalHelp = `[h]elp          print this message
[l]ist          list all available commands
[p]rotect       toggle protected mode (hides input, for keys)
[c]lear         clear command history
[q]uit/ctrl+d   exit
Enter commands with name=value arguments to execute them.`

// terminalAction is what the session does after a line was handled.
type terminalAction int

const (
	actionNone terminalAction = iota
	actionQuit
	actionClear
	actionProtect
)

// handleLine runs one line of the interactive session.  Commands never read
// from stdin here since the terminal owns it.
func handleLine(cfg *config, line string, out io.Writer) terminalAction {
	switch strings.TrimSpace(line) {
	case "":
		return actionNone
	case "h", "help":
		fmt.Fprintln(out, terminalHelp)
	case "l", "list":
		listCommands()
	case "q", "quit":
		return actionQuit
	case "p", "protect":
		return actionProtect
	case "c", "clear":
		return actionClear
	default:
		args := strings.Fields(line)
		empty := bufio.NewReader(strings.NewReader(""))
		if err := execute(cfg, args, empty); err != nil {
			fmt.Fprintln(out, err)
		}
	}
	return actionNone
}

// startTerminal reads commands from the terminal until the user quits.
func startTerminal(cfg *config) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "Terminal mode requires an interactive terminal")
		return
	}

	fmt.Println("Starting terminal mode.")
	fmt.Println("Enter h for [h]elp.")
	fmt.Println("Enter l for [l]ist of commands.")
	fmt.Println("Enter q for [q]uit.")

	var protected bool
	t := term.NewTerminal(os.Stdin, "> ")
	for {
		state, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to set raw mode on STDIN: %v\n",
				err)
			break
		}
		var line string
		if protected {
			line, err = t.ReadPassword(">*")
		} else {
			line, err = t.ReadLine()
		}
		term.Restore(fd, state)
		if err != nil {
			break
		}

		switch handleLine(cfg, line, os.Stdout) {
		case actionQuit:
			fmt.Println("exiting...")
			return
		case actionProtect:
			protected = !protected
		case actionClear:
			fmt.Println("Clearing history...")
			t = term.NewTerminal(os.Stdin, "> ")
		}
	}
	fmt.Println("exiting...")
}
