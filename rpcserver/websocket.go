// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/wire"
)

const (
	// wsSendBufferSize is the number of frames queued for a websocket
	// client.  A client that falls further behind is disconnected.
	wsSendBufferSize = 256

	// wsWriteDeadline bounds the time a single frame write may take.
	wsWriteDeadline = 2 * time.Second
)

// These constants name the frame types of the websocket protocol.
const (
	wsTypeChainLock = "chainlock"
	wsTypeISLock    = "islock"
	wsTypeRecSig    = "recsig"
	wsTypeMessage   = "message"
	wsTypeError     = "error"
)

// ISLockNtfn announces a new instant-send lock.
type ISLockNtfn struct {
	TxID      string `json:"txid"`
	Hash      string `json:"hash"`
	CycleHash string `json:"cycleHash"`
	Signature string `json:"signature"`
}

// WSFrame is the JSON frame exchanged over /ws.  Message frames carry a wire
// message, header included, as hex in Payload.  They are only sent to clients
// that connected with the relay=1 query parameter.
type WSFrame struct {
	Type      string          `json:"type"`
	Command   string          `json:"command,omitempty"`
	Payload   string          `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ChainLock *ChainLockReply `json:"chainlock,omitempty"`
	ISLock    *ISLockNtfn     `json:"islock,omitempty"`
	RecSig    *RecSigReply    `json:"recsig,omitempty"`
}

// wsClient is a websocket connection of the hub.
type wsClient struct {
	conn       *websocket.Conn
	remoteAddr string
	relay      bool
	send       chan []byte
	quit       chan struct{}
	closeOnce  sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}

// queue hands a frame to the writer of the client without blocking.  It
// reports false when the client is gone or too slow.
func (c *wsClient) queue(b []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// writer writes queued frames until the client disconnects.
//
// It must be run as a goroutine.
func (c *wsClient) writer() {
	defer c.close()
	for {
		select {
		case b := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err != nil {
				log.Warnf("Cannot set write deadline on client %s: %v",
					c.remoteAddr, err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugf("Failed websocket send to client %s: %v",
					c.remoteAddr, err)
				return
			}
		case <-c.quit:
			return
		}
	}
}

// wsHub fans the notifications and relayed messages of a node out to the
// websocket clients and feeds the messages they send into the node.
type wsHub struct {
	node       *node.Node
	maxClients int
	upgrader   websocket.Upgrader

	mtx     sync.Mutex
	clients map[*wsClient]struct{}
}

// newWSHub returns a hub subscribed to the notifications of n.
func newWSHub(n *node.Node, maxClients int) *wsHub {
	h := &wsHub{
		node:       n,
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			// Allow all origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	n.ChainLocks.Subscribe(h.notifyChainLock)
	n.InstantSend.Subscribe(h.notifyISLock)
	n.Signing.RegisterRecoveredSigsListener(h)
	return h
}

// clientCount returns the number of connected clients.
func (h *wsHub) clientCount() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.clients)
}

// publish queues a frame to every client, or only to relaying clients when
// relayOnly is set.  Clients that cannot keep up are disconnected.
func (h *wsHub) publish(frame *WSFrame, relayOnly bool) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("Unable to marshal websocket frame: %v", err)
		return
	}

	h.mtx.Lock()
	var slow []*wsClient
	for c := range h.clients {
		if relayOnly && !c.relay {
			continue
		}
		if !c.queue(b) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mtx.Unlock()

	for _, c := range slow {
		log.Warnf("Disconnecting websocket client %s that fell behind",
			c.remoteAddr)
		c.close()
	}
}

// Broadcast relays msg to the relaying clients.
//
// This is part of the llmq.Broadcaster interface.
func (h *wsHub) Broadcast(msg wire.Message) {
	var buf bytes.Buffer
	params := h.node.Chain.ChainParams()
	if err := wire.WriteMessage(&buf, msg, wire.ProtocolVersion, params.Net); err != nil {
		log.Errorf("Unable to encode %s message: %v", msg.Command(), err)
		return
	}
	h.publish(&WSFrame{
		Type:    wsTypeMessage,
		Command: msg.Command(),
		Payload: hex.EncodeToString(buf.Bytes()),
	}, true)
}

func (h *wsHub) notifyChainLock(clsig *wire.MsgCLSig) {
	h.publish(&WSFrame{
		Type: wsTypeChainLock,
		ChainLock: &ChainLockReply{
			Height:    clsig.Height,
			BlockHash: clsig.BlockHash.String(),
			Signature: hex.EncodeToString(clsig.Sig[:]),
			Known:     true,
		},
	}, false)
}

func (h *wsHub) notifyISLock(islock *wire.MsgISDLock) {
	h.publish(&WSFrame{
		Type: wsTypeISLock,
		ISLock: &ISLockNtfn{
			TxID:      islock.TxID.String(),
			Hash:      islock.Hash().String(),
			CycleHash: islock.CycleHash.String(),
			Signature: hex.EncodeToString(islock.Sig[:]),
		},
	}, false)
}

// HandleNewRecoveredSig announces a recovered signature.
//
// This is part of the signing.RecoveredSigsListener interface.
func (h *wsHub) HandleNewRecoveredSig(rs *wire.MsgQuorumRecoveredSig) {
	reply := recSigReply(rs)
	h.publish(&WSFrame{Type: wsTypeRecSig, RecSig: &reply}, false)
}

// handleWebsocket upgrades the request and serves the client until it
// disconnects.
func (h *wsHub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.maxClients > 0 && h.clientCount() >= h.maxClients {
		log.Infof("Max websocket clients exceeded, rejecting %s",
			r.RemoteAddr)
		http.Error(w, "too many websocket clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Cannot websocket upgrade client %s: %v", r.RemoteAddr, err)
		return
	}
	c := &wsClient{
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		relay:      r.URL.Query().Get("relay") == "1",
		send:       make(chan []byte, wsSendBufferSize),
		quit:       make(chan struct{}),
	}

	h.mtx.Lock()
	h.clients[c] = struct{}{}
	h.mtx.Unlock()
	log.Infof("New websocket client %s (relay %v)", c.remoteAddr, c.relay)

	go c.writer()
	h.read(c)

	h.mtx.Lock()
	delete(h.clients, c)
	h.mtx.Unlock()
	c.close()
	log.Infof("Disconnected websocket client %s", c.remoteAddr)
}

// read processes the frames sent by a client until it disconnects.
func (h *wsHub) read(c *wsClient) {
	net := h.node.Chain.ChainParams().Net
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {

				log.Debugf("Websocket receive failed from client %s: %v",
					c.remoteAddr, err)
			}
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(b, &frame); err != nil || frame.Type != wsTypeMessage {
			h.reply(c, "", "malformed frame")
			continue
		}
		raw, err := hex.DecodeString(frame.Payload)
		if err != nil {
			h.reply(c, frame.Command, "malformed payload")
			continue
		}
		msg, _, err := wire.ReadMessage(bytes.NewReader(raw),
			wire.ProtocolVersion, net)
		if err != nil {
			h.reply(c, frame.Command, err.Error())
			continue
		}
		if err := h.node.ProcessMessage(msg); err != nil {
			log.Debugf("Rejected %s message from %s: %v", msg.Command(),
				c.remoteAddr, err)
			h.reply(c, msg.Command(), err.Error())
		}
	}
}

// reply sends an error frame to a single client.
func (h *wsHub) reply(c *wsClient, command, errStr string) {
	b, err := json.Marshal(&WSFrame{
		Type:    wsTypeError,
		Command: command,
		Error:   errStr,
	})
	if err != nil {
		return
	}
	c.queue(b)
}

// closeAll disconnects every client.
func (h *wsHub) closeAll() {
	h.mtx.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mtx.Unlock()

	for c := range clients {
		c.close()
	}
}
