// Package websocket implements a client WebSocket (RFC 6455) over the
// network.Tcp contract, so the same code runs over module TCP or module TLS
// streams. Frames are decoded pull-style from an append-only receive buffer;
// partial frames stay in place until more bytes arrive.
package websocket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
)

// handshakeTimeout bounds the HTTP upgrade exchange.
const handshakeTimeout = 10 * time.Second

// maxSendPayload is the largest data frame this client emits; longer
// payloads must be fragmented by the caller.
const maxSendPayload = 65535

// maxControlPayload is the protocol limit for control frames.
const maxControlPayload = 125

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

const (
	handshakeOKBit uint32 = 1 << iota
	handshakeFailedBit
)

var _ network.WebSocket = (*Client)(nil)

// Client is a WebSocket connection. It implements network.WebSocket.
type Client struct {
	network   network.Interface
	connectID int
	tcp       network.Tcp
	events    *modem.Bits
	logger    *slog.Logger

	headerOrder []string
	headers     map[string]string

	// sendMu serializes frame emission so data and pong frames never
	// interleave their bytes on the wire.
	sendMu       sync.Mutex
	continuation bool

	// receive state, owned by the stream callback
	rx                 []byte
	handshakeCompleted bool
	fragmented         bool
	fragmentBinary     bool
	fragment           []byte

	mu             sync.Mutex
	onConnected    func()
	onDisconnected func()
	onData         func(data []byte, binary bool)
	onError        func(code int)

	connected atomic.Bool
}

// New creates a disconnected client that will open its transport on the
// given connect id.
func New(netif network.Interface, connectID int) *Client {
	return &Client{
		network:   netif,
		connectID: connectID,
		events:    modem.NewBits(),
		logger:    slog.Default(),
		headers:   map[string]string{},
	}
}

// SetHeader adds a header to the upgrade request.
func (c *Client) SetHeader(key, value string) {
	if _, ok := c.headers[key]; !ok {
		c.headerOrder = append(c.headerOrder, key)
	}
	c.headers[key] = value
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect parses the URI, opens the transport (TLS for wss/https), performs
// the HTTP upgrade and waits for the 101 response.
func (c *Client) Connect(ctx context.Context, uri string) error {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return fmt.Errorf("websocket: invalid URI %q", uri)
	}
	scheme = strings.ToLower(scheme)
	secure := scheme == "wss" || scheme == "https"
	if !secure && scheme != "ws" && scheme != "http" {
		return fmt.Errorf("websocket: unsupported scheme %q", scheme)
	}

	hostport := rest
	path := "/"
	if host, tail, ok := strings.Cut(rest, "/"); ok {
		hostport = host
		path = "/" + tail
	}
	host := hostport
	port := 80
	if secure {
		port = 443
	}
	if h, portStr, ok := strings.Cut(hostport, ":"); ok {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("websocket: invalid port %q", portStr)
		}
		host, port = h, p
	}

	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("websocket: generate key: %w", err)
	}
	c.SetHeader("Upgrade", "websocket")
	c.SetHeader("Connection", "Upgrade")
	c.SetHeader("Sec-WebSocket-Version", "13")
	c.SetHeader("Sec-WebSocket-Key", base64.StdEncoding.EncodeToString(key))

	if secure {
		c.tcp = c.network.CreateSsl(c.connectID)
	} else {
		c.tcp = c.network.CreateTcp(c.connectID)
	}

	c.handshakeCompleted = false
	c.connected.Store(false)
	c.events.Clear(handshakeOKBit | handshakeFailedBit)

	// Callbacks are installed before the connect so a fast server cannot
	// outrun them.
	c.tcp.OnStream(c.onTcpData)
	c.tcp.OnDisconnected(func() {
		if c.connected.CompareAndSwap(true, false) {
			c.mu.Lock()
			fn := c.onDisconnected
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	if err := c.tcp.Connect(ctx, host, port); err != nil {
		return fmt.Errorf("websocket: connect %s:%d: %w", host, port, err)
	}

	var b strings.Builder
	b.WriteString("GET " + path + " HTTP/1.1\r\n")
	if _, ok := c.headers["Host"]; !ok {
		b.WriteString("Host: " + host + "\r\n")
	}
	for _, k := range c.headerOrder {
		b.WriteString(k + ": " + c.headers[k] + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := c.tcp.Send(ctx, []byte(b.String())); err != nil {
		return fmt.Errorf("websocket: send handshake: %w", err)
	}

	bits := c.events.WaitKeep(handshakeOKBit|handshakeFailedBit, handshakeTimeout)
	switch {
	case bits&handshakeOKBit != 0:
		c.connected.Store(true)
		c.mu.Lock()
		fn := c.onConnected
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	case bits&handshakeFailedBit != 0:
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(-1)
		}
		return fmt.Errorf("websocket: handshake rejected")
	default:
		return fmt.Errorf("websocket: handshake timeout")
	}
}

// Send emits one data frame (or a fragment when fin is false). The first
// frame of a message carries the text/binary opcode, continuations follow
// with opcode 0.
func (c *Client) Send(data []byte, binary, fin bool) error {
	if len(data) > maxSendPayload {
		return fmt.Errorf("websocket: payload of %d bytes exceeds frame limit", len(data))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	opcode := byte(opContinuation)
	if !c.continuation {
		if binary {
			opcode = opBinary
		} else {
			opcode = opText
		}
	}
	c.continuation = !fin

	return c.writeFrame(opcode, fin, data)
}

// Ping emits an empty ping frame.
func (c *Client) Ping() error {
	return c.sendControl(opPing, nil)
}

// Close sends a best-effort close frame and drops the transport.
func (c *Client) Close() {
	if c.connected.Load() {
		_ = c.sendControl(opClose, nil)
	}
	if c.tcp != nil {
		c.tcp.Disconnect()
	}
}

func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

func (c *Client) OnData(fn func(data []byte, binary bool)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *Client) OnError(fn func(code int)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) sendControl(opcode byte, payload []byte) error {
	if len(payload) > maxControlPayload {
		return fmt.Errorf("websocket: control payload of %d bytes exceeds limit", len(payload))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeFrame(opcode, true, payload)
}

// writeFrame masks and emits one frame. Caller holds sendMu.
func (c *Client) writeFrame(opcode byte, fin bool, payload []byte) error {
	frame := make([]byte, 0, len(payload)+8)
	first := opcode
	if fin {
		first |= 0x80
	}
	frame = append(frame, first)

	if len(payload) < 126 {
		frame = append(frame, 0x80|byte(len(payload)))
	} else {
		frame = append(frame, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	}

	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return fmt.Errorf("websocket: generate mask: %w", err)
	}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}

	if _, err := c.tcp.Send(context.Background(), frame); err != nil {
		return fmt.Errorf("websocket: send frame: %w", err)
	}
	return nil
}

// onTcpData consumes handshake bytes, then frames. Runs on the transport's
// receive goroutine.
func (c *Client) onTcpData(data []byte) {
	c.rx = append(c.rx, data...)

	if !c.handshakeCompleted {
		head := string(c.rx)
		end := strings.Index(head, "\r\n\r\n")
		if end < 0 {
			return
		}
		response := head[:end+4]
		c.rx = c.rx[end+4:]
		if strings.HasPrefix(response, "HTTP/1.1 101") {
			c.handshakeCompleted = true
			c.events.Set(handshakeOKBit)
		} else {
			c.events.Set(handshakeFailedBit)
			return
		}
	}

	for {
		consumed, ok := c.decodeFrame()
		if !ok {
			break
		}
		c.rx = c.rx[:copy(c.rx, c.rx[consumed:])]
	}
}

// decodeFrame decodes one complete frame at the head of the receive buffer
// and returns how many bytes it occupied. A short buffer returns ok=false
// and leaves the bytes in place.
func (c *Client) decodeFrame() (int, bool) {
	if len(c.rx) < 2 {
		return 0, false
	}
	fin := c.rx[0]&0x80 != 0
	opcode := c.rx[0] & 0x0F
	masked := c.rx[1]&0x80 != 0
	length := uint64(c.rx[1] & 0x7F)

	header := 2
	switch length {
	case 126:
		if len(c.rx) < 4 {
			return 0, false
		}
		length = uint64(binary.BigEndian.Uint16(c.rx[2:4]))
		header = 4
	case 127:
		if len(c.rx) < 10 {
			return 0, false
		}
		length = binary.BigEndian.Uint64(c.rx[2:10])
		header = 10
	}

	var mask [4]byte
	if masked {
		if len(c.rx) < header+4 {
			return 0, false
		}
		copy(mask[:], c.rx[header:header+4])
		header += 4
	}

	total := header + int(length)
	if uint64(len(c.rx)) < uint64(header)+length {
		return 0, false
	}

	payload := make([]byte, length)
	copy(payload, c.rx[header:total])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	c.handleFrame(opcode, fin, payload)
	return total, true
}

func (c *Client) handleFrame(opcode byte, fin bool, payload []byte) {
	switch opcode {
	case opContinuation, opText, opBinary:
		if opcode != opContinuation && c.fragmented {
			c.logger.Warn("websocket: data frame while reassembling, dropped")
			return
		}
		if opcode != opContinuation {
			c.fragmented = !fin
			c.fragmentBinary = opcode == opBinary
			c.fragment = c.fragment[:0]
		}
		c.fragment = append(c.fragment, payload...)
		if fin {
			message := make([]byte, len(c.fragment))
			copy(message, c.fragment)
			c.fragment = c.fragment[:0]
			c.fragmented = false
			c.mu.Lock()
			fn := c.onData
			c.mu.Unlock()
			if fn != nil {
				fn(message, c.fragmentBinary)
			}
		}
	case opClose:
		if c.connected.CompareAndSwap(true, false) {
			c.mu.Lock()
			fn := c.onDisconnected
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	case opPing:
		// The pong reply writes to the transport; keep it off the receive
		// goroutine.
		reply := make([]byte, len(payload))
		copy(reply, payload)
		go func() {
			if err := c.sendControl(opPong, reply); err != nil {
				c.logger.Warn("websocket: pong failed", "error", err)
			}
		}()
	case opPong:
		// Nothing to do.
	default:
		c.logger.Warn("websocket: unknown opcode, frame dropped", "opcode", opcode)
	}
}
