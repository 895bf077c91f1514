package ec801e_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/cellmux/ec801e"
	"i4.energy/across/cellmux/modem"
)

func testConfig() modem.Config {
	return modem.Config{
		CommandTimeout: 200 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

func newTestUart(t *testing.T) (*modem.Uart, *modem.TestTransport) {
	t.Helper()
	transport := modem.NewTestTransport()
	uart := modem.NewUart(transport, modem.Config{})
	uart.Start()
	t.Cleanup(func() { uart.Close() })
	return uart, transport
}

func scriptSocket(transport *modem.TestTransport, id string) {
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QICFG"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QISTATE=1,"+id):
			// Unused slot: no state line, just OK.
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QIOPEN=1,"+id):
			transport.SendData("OK\r\n+QIOPEN: " + id + ",0\r\n")
		case strings.HasPrefix(data, "AT+QISEND="+id):
			transport.SendData(">")
		case strings.HasPrefix(data, "AT+QICLOSE="+id):
			transport.SendData("OK\r\n")
		case !strings.HasPrefix(data, "AT"):
			transport.SendData("OK\r\n+QISEND: " + id + ",0,0\r\n")
		}
	})
}

func TestTcpConnectAndSend(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptSocket(transport, "0")

	tcp := ec801e.NewTcp(uart, 0, testConfig())
	defer tcp.Close()

	if err := tcp.Connect(context.Background(), "example.com", 8080); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tcp.Connected() {
		t.Error("Connected() = false after open")
	}

	n, err := tcp.Send(context.Background(), []byte("Hello"))
	if err != nil || n != 5 {
		t.Fatalf("Send = %d, %v", n, err)
	}

	var sawOpen, sawSend, sawPayload bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+QIOPEN=1,0,"TCP","example.com",8080,0,1`) {
			sawOpen = true
		}
		if strings.HasPrefix(w, "AT+QISEND=0,5") {
			sawSend = true
		}
		if w == "Hello" {
			sawPayload = true
		}
	}
	if !sawOpen || !sawSend || !sawPayload {
		t.Errorf("wire sequence incomplete (open=%v send=%v payload=%v)", sawOpen, sawSend, sawPayload)
	}
}

func TestTcpSendRetriesOnFailedConfirmation(t *testing.T) {
	uart, transport := newTestUart(t)

	var mu sync.Mutex
	failures := 1
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QICFG"), strings.HasPrefix(data, "AT+QISTATE"),
			strings.HasPrefix(data, "AT+QICLOSE"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QIOPEN=1,0"):
			transport.SendData("OK\r\n+QIOPEN: 0,0\r\n")
		case strings.HasPrefix(data, "AT+QISEND=0"):
			transport.SendData(">")
		case !strings.HasPrefix(data, "AT"):
			mu.Lock()
			fail := failures > 0
			if fail {
				failures--
			}
			mu.Unlock()
			if fail {
				transport.SendData("OK\r\n+QISEND: 0,1,0\r\n")
			} else {
				transport.SendData("OK\r\n+QISEND: 0,0,0\r\n")
			}
		}
	})

	tcp := ec801e.NewTcp(uart, 0, testConfig())
	defer tcp.Close()
	if err := tcp.Connect(context.Background(), "example.com", 80); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	n, err := tcp.Send(context.Background(), []byte("retry me"))
	if err != nil || n != 8 {
		t.Fatalf("Send = %d, %v", n, err)
	}

	payloads := 0
	for _, w := range transport.Writes() {
		if w == "retry me" {
			payloads++
		}
	}
	if payloads != 2 {
		t.Errorf("payload written %d times, want 2 (one retry)", payloads)
	}
}

func TestTcpStaleSlotReclaimed(t *testing.T) {
	uart, transport := newTestUart(t)
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QICFG"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QISTATE=1,0"):
			// Live slot: state line precedes OK, so the flags are set
			// before the query returns.
			transport.SendData("+QISTATE: 0,\"TCP\",\"1.2.3.4\",80,0,2,1,0,0,\"uart1\"\r\nOK\r\n")
		case strings.HasPrefix(data, "AT+QICLOSE=0"):
			transport.SendData("OK\r\n+QIURC: \"closed\",0\r\n")
		case strings.HasPrefix(data, "AT+QIOPEN=1,0"):
			transport.SendData("OK\r\n+QIOPEN: 0,0\r\n")
		}
	})

	tcp := ec801e.NewTcp(uart, 0, testConfig())
	defer tcp.Close()
	if err := tcp.Connect(context.Background(), "example.com", 80); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	writes := transport.Writes()
	closeIdx, openIdx := -1, -1
	for i, w := range writes {
		if strings.HasPrefix(w, "AT+QICLOSE=0") && closeIdx < 0 {
			closeIdx = i
		}
		if strings.HasPrefix(w, "AT+QIOPEN=1,0") {
			openIdx = i
		}
	}
	if closeIdx < 0 || openIdx < closeIdx {
		t.Errorf("stale slot not reclaimed before open (close=%d open=%d)", closeIdx, openIdx)
	}
}

func TestTcpClosedURCKeepsSlotActive(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptSocket(transport, "0")

	tcp := ec801e.NewTcp(uart, 0, testConfig())
	defer tcp.Close()

	disconnected := make(chan struct{}, 1)
	tcp.OnDisconnected(func() { disconnected <- struct{}{} })

	if err := tcp.Connect(context.Background(), "example.com", 80); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	transport.SendData("+QIURC: \"closed\",0\r\n")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not fired")
	}
	if tcp.Connected() {
		t.Error("Connected() = true after closed URC")
	}

	// The slot still needs QICLOSE on teardown.
	tcp.Disconnect()
	var sawClose bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, "AT+QICLOSE=0") {
			sawClose = true
		}
	}
	if !sawClose {
		t.Error("QICLOSE not issued for half-dead slot")
	}
}

func TestSslOpenUsesQsslFamily(t *testing.T) {
	uart, transport := newTestUart(t)
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QICFG"), strings.HasPrefix(data, "AT+QSSLCFG"),
			strings.HasPrefix(data, "AT+QSSLSTATE"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QSSLOPEN=1,1,2"):
			transport.SendData("OK\r\n+QSSLOPEN: 2,0\r\n")
		}
	})

	ssl := ec801e.NewSsl(uart, 2, testConfig())
	defer ssl.Close()
	if err := ssl.Connect(context.Background(), "secure.example.com", 443); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var sawVersionCfg bool
	for _, w := range transport.Writes() {
		if strings.Contains(w, `+QSSLCFG="sslversion",1,4`) {
			sawVersionCfg = true
		}
	}
	if !sawVersionCfg {
		t.Error("TLS context not configured")
	}

	received := make(chan []byte, 1)
	ssl.OnStream(func(data []byte) { received <- data })
	transport.SendData("+QSSLURC: \"recv\",2,2,\"4869\"\r\n")
	select {
	case data := <-received:
		if string(data) != "Hi" {
			t.Errorf("stream data = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("QSSLURC recv not delivered")
	}
}

func TestUdpDatagram(t *testing.T) {
	uart, transport := newTestUart(t)
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QICFG"), strings.HasPrefix(data, "AT+QISTATE"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QIOPEN=1,5,\"UDP\""):
			transport.SendData("OK\r\n+QIOPEN: 5,0\r\n")
		case strings.HasPrefix(data, "AT+QISEND=5"):
			transport.SendData(">")
		case !strings.HasPrefix(data, "AT"):
			transport.SendData("OK\r\n+QISEND: 5,0,0\r\n")
		}
	})

	udp := ec801e.NewUdp(uart, 5, testConfig())
	defer udp.Close()

	received := make(chan []byte, 1)
	udp.OnMessage(func(data []byte) { received <- data })

	if err := udp.Connect(context.Background(), "example.com", 9000); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n, err := udp.Send(context.Background(), []byte("ping")); err != nil || n != 4 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if _, err := udp.Send(context.Background(), make([]byte, 1461)); err == nil {
		t.Error("oversized datagram accepted")
	}

	transport.SendData("+QIURC: \"recv\",5,4,\"706F6E67\"\r\n")
	select {
	case data := <-received:
		if string(data) != "pong" {
			t.Errorf("message = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
}
