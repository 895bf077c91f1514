// Package httpclient implements a streaming HTTP/1.1 client on top of the
// network.Tcp contract, so it runs over any transport a modem variant can
// provide: module TCP, module TLS, or anything else honoring the callback
// shape. The response is parsed as a byte-stream state machine with a
// bounded body FIFO between the network callback and the reader.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
)

// maxBodyBuffer is the soft cap on queued body bytes. The network callback
// blocks once the FIFO holds this much, pushing backpressure onto the
// transport.
const maxBodyBuffer = 8 * 1024

// ErrPrematureClose is returned when the peer closed the connection before
// the full body arrived.
var ErrPrematureClose = errors.New("connection closed prematurely")

const (
	headersEvt uint32 = 1 << iota
	errorEvt
	completeEvt
)

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkTrailer
	stateComplete
)

type headerEntry struct {
	key   string // original case, for the wire
	value string
}

var _ network.Http = (*Client)(nil)

// Client is one HTTP request/response exchange. It implements network.Http.
type Client struct {
	network   network.Interface
	connectID int
	tcp       network.Tcp
	events    *modem.Bits

	timeout time.Duration

	// request side
	headerOrder []string // lowercased keys in insertion order
	headers     map[string]headerEntry
	content     []byte
	contentSet  bool

	requestChunked bool
	method         string
	scheme         string
	host           string
	path           string
	port           int

	// response side, owned by the network callback under mu
	mu              sync.Mutex
	state           parseState
	rx              []byte
	statusCode      int
	responseHeaders map[string]headerEntry
	responseChunked bool
	contentLength   int64
	totalReceived   int64
	chunkSize       int64
	chunkReceived   int64
	headersReceived bool

	// body FIFO shared between callback and reader under readMu
	readMu          sync.Mutex
	chunks          [][]byte
	queued          int
	eof             bool
	connected       bool
	connectionError bool
	readNotify      chan struct{}
	writeNotify     chan struct{}
}

// New creates an idle client that will open its connection on the given
// connect id.
func New(netif network.Interface, connectID int) *Client {
	return &Client{
		network:     netif,
		connectID:   connectID,
		events:      modem.NewBits(),
		timeout:     30 * time.Second,
		headers:     map[string]headerEntry{},
		statusCode:  -1,
		readNotify:  make(chan struct{}),
		writeNotify: make(chan struct{}),
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetHeader records a request header, keyed case-insensitively but emitted
// with the caller's original casing.
func (c *Client) SetHeader(key, value string) {
	lower := strings.ToLower(key)
	if _, ok := c.headers[lower]; !ok {
		c.headerOrder = append(c.headerOrder, lower)
	}
	c.headers[lower] = headerEntry{key: key, value: value}
}

// SetContent presets the request body; without it, POST and PUT switch to
// chunked upload through Write.
func (c *Client) SetContent(content []byte) {
	c.content = content
	c.contentSet = true
}

func (c *Client) parseURL(url string) error {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return fmt.Errorf("invalid URL %q", url)
	}
	c.scheme = strings.ToLower(scheme)
	if c.scheme == "https" {
		c.port = 443
	} else {
		c.port = 80
	}

	hostport := rest
	if host, path, ok := strings.Cut(rest, "/"); ok {
		hostport = host
		c.path = "/" + path
	} else {
		c.path = "/"
	}
	if host, portStr, ok := strings.Cut(hostport, ":"); ok {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", portStr)
		}
		c.host = host
		c.port = port
	} else {
		c.host = hostport
	}
	return nil
}

// buildRequest renders the request head (and preset body) exactly once.
func (c *Client) buildRequest() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", c.method, c.path)

	b.WriteString("Host: " + c.host)
	if (c.scheme == "http" && c.port != 80) || (c.scheme == "https" && c.port != 443) {
		b.WriteString(":" + strconv.Itoa(c.port))
	}
	b.WriteString("\r\n")

	for _, lower := range c.headerOrder {
		entry := c.headers[lower]
		b.WriteString(entry.key + ": " + entry.value + "\r\n")
	}

	_, userSetLength := c.headers["content-length"]
	_, userSetEncoding := c.headers["transfer-encoding"]
	hasContent := c.contentSet && len(c.content) > 0
	if hasContent && !userSetLength {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(c.content))
	} else if (c.method == "POST" || c.method == "PUT") && !userSetLength && !userSetEncoding {
		if c.requestChunked {
			b.WriteString("Transfer-Encoding: chunked\r\n")
		} else {
			b.WriteString("Content-Length: 0\r\n")
		}
	}

	if _, ok := c.headers["connection"]; !ok {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")

	if hasContent {
		b.Write(c.content)
	}
	return b.Bytes()
}

// Open connects (TLS for https), sends the request and returns. The
// response streams in through the transport callback; use StatusCode, Read
// or ReadAll to consume it.
func (c *Client) Open(ctx context.Context, method, url string) error {
	c.method = method
	if err := c.parseURL(url); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	c.resetResponseState()

	if c.scheme == "https" {
		c.tcp = c.network.CreateSsl(c.connectID)
	} else {
		c.tcp = c.network.CreateTcp(c.connectID)
	}
	c.tcp.OnStream(c.onTcpData)
	c.tcp.OnDisconnected(c.onTcpDisconnected)

	if err := c.tcp.Connect(ctx, c.host, c.port); err != nil {
		return fmt.Errorf("http: connect %s:%d: %w", c.host, c.port, err)
	}

	c.readMu.Lock()
	c.connected = true
	c.readMu.Unlock()
	c.requestChunked = (method == "POST" || method == "PUT") && !c.contentSet

	request := c.buildRequest()
	if n, err := c.tcp.Send(ctx, request); err != nil || n <= 0 {
		c.tcp.Disconnect()
		c.readMu.Lock()
		c.connected = false
		c.readMu.Unlock()
		if err == nil {
			err = errors.New("short write")
		}
		return fmt.Errorf("http: send request: %w", err)
	}
	return nil
}

func (c *Client) resetResponseState() {
	c.mu.Lock()
	c.state = stateStatusLine
	c.rx = nil
	c.statusCode = -1
	c.responseHeaders = map[string]headerEntry{}
	c.responseChunked = false
	c.contentLength = 0
	c.totalReceived = 0
	c.chunkSize = 0
	c.chunkReceived = 0
	c.headersReceived = false
	c.mu.Unlock()

	c.readMu.Lock()
	c.chunks = nil
	c.queued = 0
	c.eof = false
	c.connectionError = false
	c.readMu.Unlock()

	c.events.Clear(headersEvt | errorEvt | completeEvt)
}

// Close shuts the exchange down and wakes every waiter.
func (c *Client) Close() {
	c.readMu.Lock()
	if !c.connected {
		c.readMu.Unlock()
		return
	}
	c.connected = false
	c.eof = true
	c.wakeReadersLocked()
	c.wakeWritersLocked()
	c.readMu.Unlock()

	c.tcp.Disconnect()
}

// onTcpData is the transport stream callback. It blocks while the body FIFO
// is over the soft cap, then parses under the state mutex. The backpressure
// wait never holds the parse mutex.
func (c *Client) onTcpData(data []byte) {
	c.readMu.Lock()
	for c.queued >= maxBodyBuffer && c.connected {
		notify := c.writeNotify
		c.readMu.Unlock()
		<-notify
		c.readMu.Lock()
	}
	c.readMu.Unlock()

	c.mu.Lock()
	c.rx = append(c.rx, data...)
	c.processReceivedData()
	c.mu.Unlock()
}

// onTcpDisconnected classifies the close: premature if the headers promised
// more body than we saw, clean EOF otherwise.
func (c *Client) onTcpDisconnected() {
	c.mu.Lock()
	complete := c.isDataCompleteLocked()
	headersReceived := c.headersReceived
	c.mu.Unlock()

	c.readMu.Lock()
	c.connected = false
	if headersReceived && !complete {
		c.connectionError = true
	} else {
		c.eof = true
	}
	c.wakeReadersLocked()
	c.wakeWritersLocked()
	c.readMu.Unlock()
}

func (c *Client) isDataCompleteLocked() bool {
	if c.responseChunked {
		return c.state == stateComplete
	}
	if c.contentLength > 0 {
		return c.totalReceived >= c.contentLength
	}
	// No Content-Length and not chunked: a clean remote close is EOF.
	return true
}

// processReceivedData runs the parse state machine over the receive buffer.
// Caller holds mu.
func (c *Client) processReceivedData() {
	for len(c.rx) > 0 && c.state != stateComplete {
		switch c.state {
		case stateStatusLine:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if !c.parseStatusLine(line) {
				c.events.Set(errorEvt)
				return
			}
			c.state = stateHeaders

		case stateHeaders:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if line == "" {
				c.finishHeaders()
				continue
			}
			if !c.parseHeaderLine(line) {
				c.events.Set(errorEvt)
				return
			}

		case stateBody:
			take := int64(len(c.rx))
			if c.contentLength > 0 {
				if remaining := c.contentLength - c.totalReceived; take > remaining {
					take = remaining
				}
			}
			c.totalReceived += take
			c.addBodyChunk(c.rx[:take])
			c.rx = nil

		case stateChunkSize:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			c.chunkSize = parseChunkSize(line)
			c.chunkReceived = 0
			if c.chunkSize == 0 {
				c.state = stateChunkTrailer
			} else {
				c.state = stateChunkData
			}

		case stateChunkData:
			available := int64(len(c.rx))
			if need := c.chunkSize - c.chunkReceived; available > need {
				available = need
			}
			if available == 0 {
				return
			}
			c.addBodyChunk(c.rx[:available])
			c.totalReceived += available
			c.rx = c.rx[available:]
			c.chunkReceived += available
			if c.chunkReceived == c.chunkSize {
				if len(c.rx) >= 2 && c.rx[0] == '\r' && c.rx[1] == '\n' {
					c.rx = c.rx[2:]
				}
				c.state = stateChunkSize
			}

		case stateChunkTrailer:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			if line == "" {
				c.completeLocked()
			}
			// Trailer headers are permitted and discarded.
		}
	}

	if c.state == stateBody && !c.responseChunked &&
		c.contentLength > 0 && c.totalReceived >= c.contentLength {
		c.completeLocked()
	}
}

func (c *Client) completeLocked() {
	c.state = stateComplete
	c.events.Set(completeEvt)
	c.readMu.Lock()
	c.eof = true
	c.wakeReadersLocked()
	c.readMu.Unlock()
}

func (c *Client) finishHeaders() {
	if entry, ok := c.responseHeaders["transfer-encoding"]; ok && strings.Contains(entry.value, "chunked") {
		c.responseChunked = true
		c.state = stateChunkSize
	} else {
		c.state = stateBody
		if entry, ok := c.responseHeaders["content-length"]; ok {
			if n, err := strconv.ParseInt(entry.value, 10, 64); err == nil {
				c.contentLength = n
			}
		}
	}
	c.headersReceived = true
	c.events.Set(headersEvt)
}

// nextLine extracts one LF-terminated line, stripping the CR. Caller holds
// mu.
func (c *Client) nextLine() (string, bool) {
	i := bytes.IndexByte(c.rx, '\n')
	if i < 0 {
		return "", false
	}
	line := c.rx[:i]
	c.rx = c.rx[i+1:]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), true
}

func (c *Client) parseStatusLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return false
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 999 {
		return false
	}
	c.statusCode = status
	return true
}

func (c *Client) parseHeaderLine(line string) bool {
	key, value, found := strings.Cut(line, ":")
	if !found {
		return false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	c.responseHeaders[strings.ToLower(key)] = headerEntry{key: key, value: value}
	return true
}

// parseChunkSize reads the hexadecimal size before any extension. Malformed
// sizes read as zero, which terminates the body.
func parseChunkSize(line string) int64 {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		return 0
	}
	return n
}

// addBodyChunk appends a copy of data to the FIFO. Caller holds mu; readMu
// is taken briefly, which is safe because readers never take mu.
func (c *Client) addBodyChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	c.readMu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.queued += len(chunk)
	c.wakeReadersLocked()
	c.readMu.Unlock()
}

func (c *Client) wakeReadersLocked() {
	close(c.readNotify)
	c.readNotify = make(chan struct{})
}

func (c *Client) wakeWritersLocked() {
	close(c.writeNotify)
	c.writeNotify = make(chan struct{})
}

// Read pulls buffered body bytes, blocking up to the configured timeout for
// more. Buffered data is drained before a premature close is reported.
func (c *Client) Read(p []byte) (int, error) {
	deadline := time.After(c.timeout)
	c.readMu.Lock()
	for {
		if len(c.chunks) > 0 {
			head := c.chunks[0]
			n := copy(p, head)
			if n == len(head) {
				c.chunks = c.chunks[1:]
			} else {
				c.chunks[0] = head[n:]
			}
			c.queued -= n
			c.wakeWritersLocked()
			c.readMu.Unlock()
			return n, nil
		}
		if c.connectionError {
			c.readMu.Unlock()
			return 0, ErrPrematureClose
		}
		if c.eof || !c.connected {
			c.readMu.Unlock()
			return 0, io.EOF
		}
		notify := c.readNotify
		c.readMu.Unlock()
		select {
		case <-notify:
		case <-deadline:
			return 0, fmt.Errorf("http: read timeout")
		}
		c.readMu.Lock()
	}
}

// Write streams request body bytes after a chunked Open: each call emits one
// chunk, and a zero-length write emits the terminating chunk. Without
// chunked mode the bytes pass through unframed.
func (c *Client) Write(p []byte) (int, error) {
	c.readMu.Lock()
	connected := c.connected
	c.readMu.Unlock()
	if !connected {
		return 0, fmt.Errorf("http: connection closed")
	}

	ctx := context.Background()
	if !c.requestChunked {
		if len(p) == 0 {
			return 0, nil
		}
		return c.tcp.Send(ctx, p)
	}

	if len(p) == 0 {
		if _, err := c.tcp.Send(ctx, []byte("0\r\n\r\n")); err != nil {
			return 0, err
		}
		return 0, nil
	}
	frame := make([]byte, 0, len(p)+16)
	frame = strconv.AppendInt(frame, int64(len(p)), 16)
	frame = append(frame, '\r', '\n')
	frame = append(frame, p...)
	frame = append(frame, '\r', '\n')
	if _, err := c.tcp.Send(ctx, frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

// StatusCode blocks until the status line and headers are parsed.
func (c *Client) StatusCode() (int, error) {
	if err := c.waitHeaders(); err != nil {
		return -1, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCode, nil
}

func (c *Client) waitHeaders() error {
	c.mu.Lock()
	received := c.headersReceived
	c.mu.Unlock()
	if received {
		return nil
	}
	bits := c.events.WaitKeep(headersEvt|errorEvt, c.timeout)
	if bits&errorEvt != 0 {
		return fmt.Errorf("http: malformed response")
	}
	if bits&headersEvt == 0 {
		return fmt.Errorf("http: timed out waiting for response headers")
	}
	return nil
}

// ResponseHeader looks a header up case-insensitively, preserving nothing of
// the request state.
func (c *Client) ResponseHeader(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.responseHeaders[strings.ToLower(key)]
	return entry.value, ok
}

// BodyLength reports the Content-Length, 0 for chunked responses.
func (c *Client) BodyLength() (int64, error) {
	if err := c.waitHeaders(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responseChunked {
		return 0, nil
	}
	return c.contentLength, nil
}

// ReadAll waits for the response to complete and returns the unconsumed
// body. A premature close yields ErrPrematureClose and no data.
func (c *Client) ReadAll() ([]byte, error) {
	deadline := time.After(c.timeout)
	c.readMu.Lock()
	for !c.eof && !c.connectionError {
		notify := c.readNotify
		c.readMu.Unlock()
		select {
		case <-notify:
		case <-deadline:
			return nil, fmt.Errorf("http: timed out waiting for body")
		}
		c.readMu.Lock()
	}
	if c.connectionError {
		c.readMu.Unlock()
		return nil, ErrPrematureClose
	}
	var out []byte
	for _, chunk := range c.chunks {
		out = append(out, chunk...)
	}
	c.readMu.Unlock()
	return out, nil
}
