// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorilla/rpc/v2/json2"
)

const (
	showHelpMessage = "Specify -h to show available options"
	listCmdMessage  = "Specify -l to list available commands"
)

// commands maps each RPC method to the names of the parameters it accepts.
var commands = map[string][]string{
	"blockchain.GetInfo":            nil,
	"blockchain.GetBlock":           {"hash"},
	"blockchain.SendRawTransaction": {"hex", "fee"},
	"blockchain.GetRawMempool":      nil,
	"chainlock.GetBest":             nil,
	"chainlock.Verify":              {"height", "blockHash", "signature"},
	"chainlock.Submit":              {"height", "blockHash", "signature"},
	"instantsend.Verify":            {"islock"},
	"instantsend.IsLocked":          {"txid"},
	"masternode.List":               {"onlyValid"},
	"masternode.Count":              nil,
	"masternode.Payments":           nil,
	"masternode.Winners":            {"count"},
	"mining.GetBlockTemplate":       {"payToScript"},
	"mining.SubmitBlock":            {"block"},
	"mining.Generate":               {"blocks"},
	"mining.SetGenerate":            {"generate"},
	"quorum.List":                   {"count"},
	"quorum.Info":                   {"llmqType", "quorumHash", "includeSkShare"},
	"quorum.DKGStatus":              nil,
	"quorum.Sign":                   {"llmqType", "id", "msgHash", "quorumHash"},
	"quorum.HasRecSig":              {"llmqType", "id", "msgHash"},
	"quorum.GetRecSig":              {"llmqType", "id", "msgHash"},
	"quorum.IsConflicting":          {"llmqType", "id", "msgHash"},
	"quorum.Verify":                 {"llmqType", "id", "msgHash", "signature", "quorumHash", "signHeight"},
	"quorum.SelectQuorum":           {"llmqType", "id"},
	"spork.Get":                     {"active"},
	"spork.Set":                     {"name", "value"},
}

// listCommands lists all of the supported commands along with their
// parameters.
func listCommands() {
	methods := make([]string, 0, len(commands))
	for method := range commands {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	for _, method := range methods {
		fmt.Println(commandUsageText(method))
	}
}

func commandUsageText(method string) string {
	var b strings.Builder
	b.WriteString(method)
	for _, name := range commands[method] {
		fmt.Fprintf(&b, " [%s=value]", name)
	}
	return b.String()
}

// commandUsage display the usage for a specific command.
func commandUsage(method string) {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s\n", commandUsageText(method))
}

// usage displays the general usage when the help flag is not displayed and
// and an invalid command was specified.  The commandUsage function is used
// instead when a valid command was specified.
func usage(errorMessage string) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	fmt.Fprintln(os.Stderr, errorMessage)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s [OPTIONS] <command> <name=value...>\n\n",
		appName)
	fmt.Fprintln(os.Stderr, showHelpMessage)
	fmt.Fprintln(os.Stderr, listCmdMessage)
}

// parseParams turns name=value arguments into the named parameters of
// method.  Values that are valid JSON (numbers, booleans) are sent as such,
// everything else as a string.  A value of "-" is read from the next line of
// stdin.
func parseParams(method string, args []string, stdin *bufio.Reader) (map[string]interface{}, error) {
	known := make(map[string]struct{})
	for _, name := range commands[method] {
		known[name] = struct{}{}
	}

	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q is not of the form "+
				"name=value", arg)
		}
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}

		// Since some commands, such as submitblock, can involve data
		// which is too large for the Operating System to allow as a
		// normal command line parameter, support using '-' as an
		// argument to allow the argument to be read from a stdin pipe.
		if value == "-" {
			line, err := stdin.ReadString('\n')
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read data from "+
					"stdin: %w", err)
			}
			if err == io.EOF && len(line) == 0 {
				return nil, fmt.Errorf("not enough lines provided " +
					"on stdin")
			}
			value = strings.TrimRight(line, "\r\n")
		}

		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			switch decoded.(type) {
			case float64, bool:
				params[name] = json.RawMessage(value)
				continue
			}
		}
		params[name] = value
	}
	return params, nil
}

// sendPostRequest sends the marshalled JSON-RPC command using HTTP-POST mode
// to the server described in the passed config struct and returns the raw
// result.
func sendPostRequest(marshalledJSON []byte, cfg *config) (json.RawMessage, error) {
	url := "http://" + cfg.RPCServer + "/"
	if cfg.PrintJSON {
		fmt.Println(string(marshalledJSON))
	}
	httpClient := http.Client{Timeout: cfg.Timeout}
	httpResponse, err := httpClient.Post(url, "application/json",
		bytes.NewReader(marshalledJSON))
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	respBytes, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %w", err)
	}
	if cfg.PrintJSON {
		fmt.Println(string(respBytes))
	}

	var result json.RawMessage
	err = json2.DecodeClientResponse(bytes.NewReader(respBytes), &result)
	if err != nil {
		// Errors outside of the JSON-RPC layer, such as routing
		// failures, come back as plain text.
		var jsonErr *json2.Error
		if !errors.As(err, &jsonErr) && err != json2.ErrNullResult &&
			httpResponse.StatusCode != http.StatusOK {

			return nil, fmt.Errorf("%s: %s", httpResponse.Status,
				strings.TrimSpace(string(respBytes)))
		}
		if err == json2.ErrNullResult {
			return json.RawMessage("null"), nil
		}
		return nil, err
	}
	return result, nil
}

// formatResult renders a raw result the way it is printed.
func formatResult(result json.RawMessage) (string, error) {
	strResult := string(result)
	switch {
	case strings.HasPrefix(strResult, "{") || strings.HasPrefix(strResult, "["):
		var dst bytes.Buffer
		if err := json.Indent(&dst, result, "", "  "); err != nil {
			return "", fmt.Errorf("failed to format result: %w", err)
		}
		return dst.String(), nil

	case strings.HasPrefix(strResult, `"`):
		var str string
		if err := json.Unmarshal(result, &str); err != nil {
			return "", fmt.Errorf("failed to unmarshal result: %w", err)
		}
		return str, nil

	case strResult == "null":
		return "", nil
	}
	return strResult, nil
}

// execute sends the command in args and prints its result.
func execute(cfg *config, args []string, stdin *bufio.Reader) error {
	// Ensure the specified method identifies a valid command.
	method := args[0]
	if _, ok := commands[method]; !ok {
		return fmt.Errorf("unrecognized command '%s'", method)
	}

	params, err := parseParams(method, args[1:], stdin)
	if err != nil {
		commandUsage(method)
		return fmt.Errorf("%s command: %w", method, err)
	}

	// Marshal the command into a JSON-RPC byte slice in preparation for
	// sending it to the RPC server.
	marshalledJSON, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return err
	}

	// Send the JSON-RPC request to the server using the user-specified
	// connection configuration.
	result, err := sendPostRequest(marshalledJSON, cfg)
	if err != nil {
		return err
	}

	out, err := formatResult(result)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}

func main() {
	cfg, args, err := loadConfig(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	if cfg.Terminal {
		startTerminal(cfg)
		return
	}

	if len(args) < 1 {
		usage("No command specified")
		os.Exit(1)
	}

	if err := execute(cfg, args, bufio.NewReader(os.Stdin)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if _, ok := commands[args[0]]; !ok {
			fmt.Fprintln(os.Stderr, listCmdMessage)
		}
		os.Exit(1)
	}
}
