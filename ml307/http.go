package ml307

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
)

const (
	httpInitializedEvt uint32 = 1 << iota
	httpHeadersEvt
	httpErrorEvt
	httpIndEvt
)

// httpMaxContentChunk is the largest data-phase write the MHTTP engine
// accepts per command.
const httpMaxContentChunk = 4096

var _ network.Http = (*Http)(nil)

// Http runs requests through the HTTP engine embedded in the ML307
// firmware. One instance is one request/response exchange; the module
// assigns the slot id in the MHTTPCREATE reply.
type Http struct {
	uart   *modem.Uart
	cfg    modem.Config
	events *modem.Bits
	sub    modem.Subscription

	timeout time.Duration

	// request state
	headers        []headerEntry
	content        []byte
	requestChunked bool
	method         string
	scheme         string
	host           string
	path           string

	// response state, mutated by the URC handler under mu
	mu              sync.Mutex
	notify          chan struct{}
	statusCode      int
	responseHeaders []headerEntry
	responseChunked bool
	contentLength   int64
	headersReceived bool
	body            []byte
	bodyOffset      int64
	eof             bool
	errorCode       int

	httpID         atomic.Int32
	instanceActive atomic.Bool
}

type headerEntry struct {
	key   string
	value string
}

// NewHttp creates an idle request bound to the shared Uart.
func NewHttp(uart *modem.Uart, cfg modem.Config) *Http {
	h := &Http{
		uart:    uart,
		cfg:     cfg,
		events:  modem.NewBits(),
		timeout: 30 * time.Second,
		notify:  make(chan struct{}),
	}
	h.httpID.Store(-1)
	h.sub = uart.Subscribe(h.handleURC)
	return h
}

func (h *Http) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "MHTTPURC":
		if len(arguments) < 2 || arguments[1].Int != int(h.httpID.Load()) {
			return
		}
		switch arguments[0].String {
		case "header":
			h.handleHeaderURC(arguments)
		case "content":
			h.handleContentURC(arguments)
		case "err":
			if len(arguments) >= 3 {
				h.mu.Lock()
				h.errorCode = arguments[2].Int
				h.mu.Unlock()
				h.events.Set(httpErrorEvt)
			}
		case "ind":
			h.events.Set(httpIndEvt)
		}
	case "MHTTPCREATE":
		if len(arguments) >= 1 {
			h.httpID.Store(int32(arguments[0].Int))
			h.instanceActive.Store(true)
			h.events.Set(httpInitializedEvt)
		}
	case modem.FifoOverflowURC:
		h.events.Set(httpErrorEvt)
		go h.Close()
	}
}

func (h *Http) handleHeaderURC(arguments []at.Argument) {
	h.mu.Lock()
	h.eof = false
	h.bodyOffset = 0
	h.body = nil
	if len(arguments) >= 3 {
		h.statusCode = arguments[2].Int
	}
	if len(arguments) >= 5 {
		h.parseResponseHeaders(string(at.DecodeHex(arguments[4].String)))
	}
	h.mu.Unlock()
	h.events.Set(httpHeadersEvt)
}

// handleContentURC digests one "content" report:
// "content",<httpid>,<content_len>,<sum_len>,<cur_len>,<data>.
// Chunked transfers end on a zero cur_len, fixed-length ones once sum_len
// reaches content_len.
func (h *Http) handleContentURC(arguments []at.Argument) {
	if len(arguments) < 5 {
		return
	}
	contentLen := int64(arguments[2].Int)
	sumLen := int64(arguments[3].Int)
	curLen := int64(arguments[4].Int)

	h.mu.Lock()
	if len(arguments) >= 6 {
		h.body = at.AppendDecodeHex(h.body, []byte(arguments[5].String))
	}
	if !h.eof {
		if h.responseChunked {
			h.eof = curLen == 0
		} else {
			h.eof = sumLen >= contentLen
		}
	}
	h.bodyOffset += curLen
	lost := sumLen > h.bodyOffset
	h.broadcast()
	h.mu.Unlock()

	if lost {
		// The module reported more bytes than we saw; the stream cannot be
		// trusted any further. Close issues AT commands, so keep it off the
		// receive goroutine.
		go h.Close()
	}
}

// parseResponseHeaders splits decoded header lines at the first colon,
// preserving key case. Chunked transfer encoding switches the EOF rule.
// Caller holds mu.
func (h *Http) parseResponseHeaders(raw string) {
	h.responseHeaders = h.responseHeaders[:0]
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		h.responseHeaders = append(h.responseHeaders, headerEntry{key: key, value: value})
		if strings.EqualFold(key, "Transfer-Encoding") && strings.Contains(value, "chunked") {
			h.responseChunked = true
		}
	}
}

func (h *Http) broadcast() {
	close(h.notify)
	h.notify = make(chan struct{})
}

func (h *Http) SetTimeout(d time.Duration) {
	h.timeout = d
}

func (h *Http) SetHeader(key, value string) {
	for i := range h.headers {
		if h.headers[i].key == key {
			h.headers[i].value = value
			return
		}
	}
	h.headers = append(h.headers, headerEntry{key: key, value: value})
}

func (h *Http) SetContent(content []byte) {
	h.content = content
}

// Open creates the module-side HTTP instance, configures it, pushes the
// request headers and any preset body, and issues the request. With no
// preset body on POST/PUT the upload is chunked: Open returns once the
// module indicates it is ready for content.
func (h *Http) Open(ctx context.Context, method, url string) error {
	h.method = method

	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return fmt.Errorf("http: invalid URL %q", url)
	}
	h.scheme = scheme
	if host, path, ok := strings.Cut(rest, "/"); ok {
		h.host = host
		h.path = "/" + path
	} else {
		h.host = rest
		h.path = "/"
	}

	cmdTimeout := h.cfg.CommandTimeout
	if err := h.uart.SendCommand(fmt.Sprintf(`AT+MHTTPCREATE="%s://%s"`, h.scheme, h.host), cmdTimeout); err != nil {
		return fmt.Errorf("http: create instance: %w", err)
	}
	if h.events.Wait(httpInitializedEvt, connectWindow(ctx, h.timeout)) == 0 {
		return fmt.Errorf("http: instance id not assigned")
	}
	id := int(h.httpID.Load())

	methodSupportsContent := method == "POST" || method == "PUT"
	h.requestChunked = methodSupportsContent && h.content == nil

	if h.scheme == "https" {
		_ = h.uart.SendCommand(fmt.Sprintf(`AT+MHTTPCFG="ssl",%d,1,0`, id), cmdTimeout)
	}
	if h.requestChunked {
		_ = h.uart.SendCommand(fmt.Sprintf(`AT+MHTTPCFG="chunked",%d,1`, id), cmdTimeout)
	}

	// Header and content pushes want plain bytes; the response side is
	// switched to HEX afterwards.
	_ = h.uart.SendCommand(fmt.Sprintf(`AT+MHTTPCFG="encoding",%d,0,0`, id), cmdTimeout)

	for i, entry := range h.headers {
		line := entry.key + ": " + entry.value
		isLast := i == len(h.headers)-1
		flag := 1
		if isLast {
			flag = 0
		}
		command := fmt.Sprintf(`AT+MHTTPHEADER=%d,%d,%d,%q`, id, flag, len(line), line)
		if err := h.uart.SendCommand(command, cmdTimeout); err != nil {
			return fmt.Errorf("http: push header %s: %w", entry.key, err)
		}
	}

	if methodSupportsContent && h.content != nil {
		command := fmt.Sprintf("AT+MHTTPCONTENT=%d,0,%d", id, len(h.content))
		if err := h.uart.SendCommandData(command, cmdTimeout, h.content); err != nil {
			return fmt.Errorf("http: push content: %w", err)
		}
		h.content = nil
	}

	_ = h.uart.SendCommand(fmt.Sprintf(`AT+MHTTPCFG="encoding",%d,1,1`, id), cmdTimeout)

	request := fmt.Sprintf("AT+MHTTPREQUEST=%d,%d,0,%s", id, methodValue(method), at.EncodeHex([]byte(h.path)))
	if err := h.uart.SendCommand(request, cmdTimeout); err != nil {
		return fmt.Errorf("http: request: %w", err)
	}

	if h.requestChunked {
		if h.events.Wait(httpIndEvt, connectWindow(ctx, h.timeout)) == 0 {
			return fmt.Errorf("http: module not ready for chunked upload")
		}
	}
	return nil
}

// methodValue is the numeric request method of +MHTTPREQUEST. Unknown
// methods fall back to GET.
func methodValue(method string) int {
	switch method {
	case "GET":
		return 1
	case "POST":
		return 2
	case "PUT":
		return 3
	case "DELETE":
		return 4
	case "HEAD":
		return 5
	}
	return 1
}

// fetchHeaders blocks until the header URC lands or the engine reports an
// error.
func (h *Http) fetchHeaders() error {
	h.mu.Lock()
	received := h.headersReceived
	h.mu.Unlock()
	if received {
		return nil
	}
	bits := h.events.Wait(httpHeadersEvt|httpErrorEvt, h.timeout)
	if bits&httpErrorEvt != 0 {
		h.mu.Lock()
		code := h.errorCode
		h.mu.Unlock()
		return fmt.Errorf("http: %s", errorCodeToString(code))
	}
	if bits&httpHeadersEvt == 0 {
		return fmt.Errorf("http: timed out waiting for response headers")
	}
	h.mu.Lock()
	h.headersReceived = true
	for _, entry := range h.responseHeaders {
		if strings.EqualFold(entry.key, "Content-Length") {
			if n, err := strconv.ParseInt(entry.value, 10, 64); err == nil {
				h.contentLength = n
			}
		}
	}
	h.mu.Unlock()
	return nil
}

func (h *Http) StatusCode() (int, error) {
	if err := h.fetchHeaders(); err != nil {
		return -1, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusCode, nil
}

func (h *Http) ResponseHeader(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range h.responseHeaders {
		if strings.EqualFold(entry.key, key) {
			return entry.value, true
		}
	}
	return "", false
}

// BodyLength reports the Content-Length, or 0 for chunked responses whose
// length is unknown until EOF.
func (h *Http) BodyLength() (int64, error) {
	if err := h.fetchHeaders(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.responseChunked {
		return 0, nil
	}
	return h.contentLength, nil
}

// Read drains buffered body bytes, blocking up to the configured timeout
// for the content URCs to deliver more. There is no cap on the buffer; the
// module paces itself.
func (h *Http) Read(p []byte) (int, error) {
	deadline := time.After(h.timeout)
	h.mu.Lock()
	for {
		if len(h.body) > 0 {
			n := copy(p, h.body)
			h.body = h.body[:copy(h.body, h.body[n:])]
			h.mu.Unlock()
			return n, nil
		}
		if h.eof {
			h.mu.Unlock()
			return 0, io.EOF
		}
		if !h.instanceActive.Load() {
			h.mu.Unlock()
			return 0, fmt.Errorf("http: instance closed")
		}
		notify := h.notify
		h.mu.Unlock()
		select {
		case <-notify:
		case <-deadline:
			return 0, fmt.Errorf("http: read timeout")
		}
		h.mu.Lock()
	}
}

// Write streams request content after a chunked Open. A zero-length write
// pushes a bare CRLF because the engine appears to reject empty content
// commands.
func (h *Http) Write(p []byte) (int, error) {
	id := int(h.httpID.Load())
	if len(p) == 0 {
		command := fmt.Sprintf(`AT+MHTTPCONTENT=%d,0,2,"0D0A"`, id)
		if err := h.uart.SendCommand(command, h.cfg.CommandTimeout); err != nil {
			return 0, err
		}
		return 0, nil
	}
	sent := 0
	for sent < len(p) {
		chunk := len(p) - sent
		if chunk > httpMaxContentChunk {
			chunk = httpMaxContentChunk
		}
		command := fmt.Sprintf("AT+MHTTPCONTENT=%d,1,%d", id, chunk)
		if err := h.uart.SendCommandData(command, h.cfg.CommandTimeout, p[sent:sent+chunk]); err != nil {
			return sent, fmt.Errorf("http: write content: %w", err)
		}
		sent += chunk
	}
	return sent, nil
}

// ReadAll waits for EOF and returns the remaining buffered body.
func (h *Http) ReadAll() ([]byte, error) {
	deadline := time.After(h.timeout)
	h.mu.Lock()
	for !h.eof {
		notify := h.notify
		h.mu.Unlock()
		select {
		case <-notify:
		case <-deadline:
			return nil, fmt.Errorf("http: timed out waiting for body")
		}
		h.mu.Lock()
	}
	body := h.body
	h.body = nil
	h.mu.Unlock()
	return body, nil
}

// Close deletes the module-side instance and wakes all waiters. Safe to
// call more than once.
func (h *Http) Close() {
	if !h.instanceActive.CompareAndSwap(true, false) {
		return
	}
	_ = h.uart.SendCommand("AT+MHTTPDEL="+strconv.Itoa(int(h.httpID.Load())), h.cfg.CommandTimeout)
	h.mu.Lock()
	h.eof = true
	h.broadcast()
	h.mu.Unlock()
}

// Release drops the URC subscription once the request object is done with.
func (h *Http) Release() {
	h.Close()
	h.uart.Unsubscribe(h.sub)
}

// errorCodeToString maps the "err" URC codes to diagnostics. The numbers
// are part of the module's surface; do not renumber.
func errorCodeToString(code int) string {
	switch code {
	case 1:
		return "domain name resolution failed"
	case 2:
		return "connection to server failed"
	case 3:
		return "connection to server timeout"
	case 4:
		return "SSL handshake failed"
	case 5:
		return "connection abnormal disconnection"
	case 6:
		return "request response timeout"
	case 7:
		return "data reception parsing failed"
	case 8:
		return "cache space insufficient"
	case 9:
		return "data packet loss"
	case 10:
		return "file write failed"
	case 255:
		return "unknown error"
	default:
		return "undefined error"
	}
}
