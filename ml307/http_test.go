package ml307_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/ml307"
	"i4.energy/across/cellmux/modem"
)

func scriptHttpEngine(transport *modem.TestTransport) {
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+MHTTPCREATE="):
			transport.SendData("+MHTTPCREATE: 1\r\nOK\r\n")
		case strings.HasPrefix(data, "AT+MHTTP"):
			transport.SendData("OK\r\n")
		case !strings.HasPrefix(data, "AT"):
			// content data phase
			transport.SendData("OK\r\n")
		}
	})
}

func sendHeaderURC(transport *modem.TestTransport, status int, headers string) {
	hex := at.EncodeHex([]byte(headers))
	transport.SendData(`+MHTTPURC: "header",1,` +
		itoa(status) + `,` + itoa(len(headers)) + `,"` + hex + `"` + "\r\n")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestHttpFixedLengthResponse(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()

	if err := h.Open(context.Background(), "GET", "http://example.com/data"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sendHeaderURC(transport, 200, "Content-Type: text/plain\r\nContent-Length: 11\r\n")
	body := at.EncodeHex([]byte("Hello World"))
	transport.SendData(`+MHTTPURC: "content",1,11,11,11,"` + body + `"` + "\r\n")

	status, err := h.StatusCode()
	if err != nil || status != 200 {
		t.Fatalf("StatusCode = %d, %v", status, err)
	}
	if v, ok := h.ResponseHeader("content-type"); !ok || v != "text/plain" {
		t.Errorf("ResponseHeader(content-type) = %q, %v", v, ok)
	}
	if n, err := h.BodyLength(); err != nil || n != 11 {
		t.Errorf("BodyLength = %d, %v", n, err)
	}
	got, err := h.ReadAll()
	if err != nil || string(got) != "Hello World" {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}

	var sawRequest bool
	wantPath := at.EncodeHex([]byte("/data"))
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, "AT+MHTTPREQUEST=1,1,0,"+wantPath) {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Error("MHTTPREQUEST missing or path not HEX encoded")
	}
}

func TestHttpChunkedResponseEOF(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()

	if err := h.Open(context.Background(), "GET", "http://example.com/stream"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sendHeaderURC(transport, 200, "Transfer-Encoding: chunked\r\n")
	transport.SendData(`+MHTTPURC: "content",1,0,5,5,"` + at.EncodeHex([]byte("Hello")) + `"` + "\r\n")
	transport.SendData(`+MHTTPURC: "content",1,0,11,6,"` + at.EncodeHex([]byte(" World")) + `"` + "\r\n")
	transport.SendData(`+MHTTPURC: "content",1,0,11,0,""` + "\r\n")

	got, err := h.ReadAll()
	if err != nil || string(got) != "Hello World" {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}
	if n, err := h.BodyLength(); err != nil || n != 0 {
		t.Errorf("BodyLength = %d, %v (chunked length is unknown)", n, err)
	}
}

func TestHttpReadDrainsInPieces(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()

	if err := h.Open(context.Background(), "GET", "http://example.com/"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sendHeaderURC(transport, 200, "Content-Length: 10\r\n")
	transport.SendData(`+MHTTPURC: "content",1,10,10,10,"` + at.EncodeHex([]byte("0123456789")) + `"` + "\r\n")

	buf := make([]byte, 4)
	var out []byte
	for {
		n, err := h.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if string(out) != "0123456789" {
		t.Errorf("drained body = %q", out)
	}
}

func TestHttpErrorURC(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()

	if err := h.Open(context.Background(), "GET", "http://example.com/"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	transport.SendData("+MHTTPURC: \"err\",1,1\r\n")

	if _, err := h.StatusCode(); err == nil || !strings.Contains(err.Error(), "resolution failed") {
		t.Fatalf("StatusCode error = %v, want DNS failure diagnostic", err)
	}
}

func TestHttpPostWithPresetContent(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()

	h.SetHeader("Content-Type", "application/json")
	h.SetContent([]byte(`{"on":true}`))
	if err := h.Open(context.Background(), "POST", "http://example.com/api"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sawHeaderPush, sawContent, sawChunkedCfg bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+MHTTPHEADER=1,0,30,"Content-Type: application/json"`) {
			sawHeaderPush = true
		}
		if strings.HasPrefix(w, "AT+MHTTPCONTENT=1,0,11") {
			sawContent = true
		}
		if strings.HasPrefix(w, `AT+MHTTPCFG="chunked"`) {
			sawChunkedCfg = true
		}
	}
	if !sawHeaderPush {
		t.Error("header push command malformed")
	}
	if !sawContent {
		t.Error("preset content was not pushed")
	}
	if sawChunkedCfg {
		t.Error("chunked mode configured despite preset content")
	}
}

func TestHttpZeroLengthWriteQuirk(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptHttpEngine(transport)

	h := ml307.NewHttp(uart, testConfig())
	h.SetTimeout(2 * time.Second)
	defer h.Release()
	if err := h.Open(context.Background(), "GET", "http://example.com/"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := h.Write(nil); err != nil {
		t.Fatalf("Write(nil): %v", err)
	}
	var saw bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+MHTTPCONTENT=1,0,2,"0D0A"`) {
			saw = true
		}
	}
	if !saw {
		t.Error("empty write did not emit the CRLF placeholder")
	}
}
