// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MessageHeaderSize is the number of bytes in a message header.
// Network (magic) 4 bytes + command 12 bytes + payload length 4 bytes +
// checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common message
// header.  Shorter commands must be zero padded.
const CommandSize = 12

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = 1024 * 1024 * 4

// Commands used in message headers which describe the type of message.
const (
	CmdQuorumContribution        = "qcontrib"
	CmdQuorumComplaint           = "qcomplaint"
	CmdQuorumJustification       = "qjustify"
	CmdQuorumPrematureCommitment = "qpcommit"
	CmdQuorumFinalCommitment     = "qfcommit"
	CmdQuorumSigShare            = "qsigshare"
	CmdQuorumRecoveredSig        = "qsigrec"
	CmdCLSig                     = "clsig"
	CmdISDLock                   = "isdlock"
	CmdSpork                     = "spork"
	CmdGetSporks                 = "getsporks"
)

// ErrUnknownMessage is the error returned when decoding an unknown message.
var ErrUnknownMessage = fmt.Errorf("received unknown message")

// Message is an interface that describes a quorum subsystem message.  The set
// of implementations is closed: only types in this package satisfy it, and
// consumers dispatch on the concrete type with a type switch.
type Message interface {
	BtcDecode(io.Reader, uint32) error
	BtcEncode(io.Writer, uint32) error
	Command() string
	MaxPayloadLength(uint32) uint32

	llmqMessage()
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func makeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case CmdQuorumContribution:
		msg = &MsgQuorumContribution{}

	case CmdQuorumComplaint:
		msg = &MsgQuorumComplaint{}

	case CmdQuorumJustification:
		msg = &MsgQuorumJustification{}

	case CmdQuorumPrematureCommitment:
		msg = &MsgQuorumPrematureCommitment{}

	case CmdQuorumFinalCommitment:
		msg = &MsgQuorumFinalCommitment{}

	case CmdQuorumSigShare:
		msg = &MsgQuorumSigShare{}

	case CmdQuorumRecoveredSig:
		msg = &MsgQuorumRecoveredSig{}

	case CmdCLSig:
		msg = &MsgCLSig{}

	case CmdISDLock:
		msg = &MsgISDLock{}

	case CmdSpork:
		msg = &MsgSpork{}

	case CmdGetSporks:
		msg = &MsgGetSporks{}

	default:
		return nil, ErrUnknownMessage
	}
	return msg, nil
}

// messageHeader defines the header structure for all protocol messages.
type messageHeader struct {
	magic    uint32  // 4 bytes
	command  string  // 12 bytes
	length   uint32  // 4 bytes
	checksum [4]byte // 4 bytes
}

// readMessageHeader reads a message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	// Read the entire header into a buffer first in case there is a short
	// read so the proper amount of read bytes are known.
	var headerBytes [MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}
	hr := bytes.NewReader(headerBytes[:])

	hdr := messageHeader{}
	var command [CommandSize]byte
	if err := readElements(hr, &hdr.magic, &command, &hdr.length, &hdr.checksum); err != nil {
		return n, nil, err
	}

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command[:], "\x00"))

	return n, &hdr, nil
}

// EncodePayload returns the payload encoding of msg without a header.
func EncodePayload(msg Message) ([]byte, error) {
	var bw bytes.Buffer
	if err := msg.BtcEncode(&bw, ProtocolVersion); err != nil {
		return nil, err
	}
	return bw.Bytes(), nil
}

// WriteMessage writes a Message to w including the necessary header
// information.
func WriteMessage(w io.Writer, msg Message, pver uint32, net uint32) error {
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			cmd, CommandSize)
		return messageError("WriteMessage", str)
	}
	var command [CommandSize]byte
	copy(command[:], cmd)

	var bw bytes.Buffer
	if err := msg.BtcEncode(&bw, pver); err != nil {
		return err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMessagePayload)
		return messageError("WriteMessage", str)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", lenp, cmd, mpl)
		return messageError("WriteMessage", str)
	}

	hdr := messageHeader{magic: net, command: cmd, length: uint32(lenp)}
	copy(hdr.checksum[:], chainhash.DoubleHashB(payload)[0:4])

	hw := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize+lenp))
	if err := writeElements(hw, hdr.magic, command, hdr.length, hdr.checksum); err != nil {
		return err
	}
	hw.Write(payload)
	_, err := w.Write(hw.Bytes())
	return err
}

// ReadMessage reads, validates, and parses the next Message from r for the
// provided protocol version and network.  It returns the parsed Message and
// raw bytes which comprise the message.
func ReadMessage(r io.Reader, pver uint32, net uint32) (Message, []byte, error) {
	_, hdr, err := readMessageHeader(r)
	if err != nil {
		return nil, nil, err
	}

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.length, MaxMessagePayload)
		return nil, nil, messageError("ReadMessage", str)
	}

	// Check for messages from the wrong network.
	if hdr.magic != net {
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return nil, nil, messageError("ReadMessage", str)
	}

	// Check for malformed commands.
	command := hdr.command
	if !utf8.ValidString(command) {
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return nil, nil, messageError("ReadMessage", str)
	}

	msg, err := makeEmptyMessage(command)
	if err != nil {
		return nil, nil, err
	}

	// Check for maximum length based on the message type as a malicious
	// client could otherwise create a well-formed header and set the length
	// to max numbers in order to exhaust the machine's memory.
	mpl := msg.MaxPayloadLength(pver)
	if hdr.length > mpl {
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for "+
			"messages of type [%v] is %v.", hdr.length, command, mpl)
		return nil, nil, messageError("ReadMessage", str)
	}

	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %v, but actual checksum is %v.",
			hdr.checksum, checksum)
		return nil, nil, messageError("ReadMessage", str)
	}

	pr := bytes.NewBuffer(payload)
	if err := msg.BtcDecode(pr, pver); err != nil {
		return nil, nil, err
	}
	if pr.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after %s payload",
			pr.Len(), command)
		return nil, nil, messageError("ReadMessage", str)
	}

	return msg, payload, nil
}
