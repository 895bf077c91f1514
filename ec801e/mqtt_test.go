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

func scriptMqttBroker(transport *modem.TestTransport, openResult int) {
	var mu sync.Mutex
	opened := false
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+QMTCFG"), strings.HasPrefix(data, "AT+QSSLCFG"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+QMTOPEN=3"):
			mu.Lock()
			result := openResult
			if opened {
				result = 2 // identifier occupied on re-open
			}
			opened = true
			mu.Unlock()
			transport.SendData("OK\r\n+QMTOPEN: 3," + string(rune('0'+result)) + "\r\n")
		case strings.HasPrefix(data, "AT+QMTCONN=3"):
			transport.SendData("OK\r\n+QMTCONN: 3,0,0\r\n")
		case strings.HasPrefix(data, "AT+QMTSUB=3"), strings.HasPrefix(data, "AT+QMTUNS=3"),
			strings.HasPrefix(data, "AT+QMTPUBEX=3"), strings.HasPrefix(data, "AT+QMTDISC=3"):
			transport.SendData("OK\r\n")
		}
	})
}

func TestMqttTwoPhaseConnect(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport, 0)

	mq := ec801e.NewMqtt(uart, 3, testConfig())
	defer mq.Close()

	connected := make(chan struct{}, 1)
	mq.OnConnected(func() { connected <- struct{}{} })

	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "dev-1", "u", "p"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected not fired")
	}
	if !mq.IsConnected() {
		t.Error("IsConnected() = false")
	}

	var sawVersion, sawOpen, sawConn bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+QMTCFG="version",3,4`) {
			sawVersion = true
		}
		if strings.HasPrefix(w, `AT+QMTOPEN=3,"broker.example.com",1883`) {
			sawOpen = true
		}
		if strings.HasPrefix(w, `AT+QMTCONN=3,"dev-1","u","p"`) {
			sawConn = true
		}
	}
	if !sawVersion || !sawOpen || !sawConn {
		t.Errorf("handshake sequence incomplete (version=%v open=%v conn=%v)", sawVersion, sawOpen, sawConn)
	}
}

func TestMqttOpenOccupiedIsTolerated(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport, 2)

	mq := ec801e.NewMqtt(uart, 3, testConfig())
	defer mq.Close()

	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "dev-1", "", ""); err != nil {
		t.Fatalf("Connect with occupied identifier: %v", err)
	}
}

func TestMqttPublishSendsRawPayload(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport, 0)

	mq := ec801e.NewMqtt(uart, 3, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := mq.Publish(context.Background(), "state", []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var sawCmd, sawPayload bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+QMTPUBEX=3,0,0,0,"state",7`) {
			sawCmd = true
		}
		if w == `{"v":1}` {
			sawPayload = true
		}
	}
	if !sawCmd || !sawPayload {
		t.Errorf("publish sequence incomplete (cmd=%v payload=%v)", sawCmd, sawPayload)
	}
}

func TestMqttMessageDelivery(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport, 0)

	mq := ec801e.NewMqtt(uart, 3, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type msg struct {
		topic   string
		payload string
	}
	received := make(chan msg, 1)
	mq.OnMessage(func(topic string, payload []byte) {
		received <- msg{topic: topic, payload: string(payload)}
	})

	transport.SendData(`+QMTRECV: 3,0,"cmd/led","4F4E"` + "\r\n")
	select {
	case m := <-received:
		if m.topic != "cmd/led" || m.payload != "ON" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMqttStatDisconnects(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport, 0)

	mq := ec801e.NewMqtt(uart, 3, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	disconnected := make(chan struct{}, 1)
	errs := make(chan string, 1)
	mq.OnDisconnected(func() { disconnected <- struct{}{} })
	mq.OnError(func(message string) { errs <- message })

	transport.SendData("+QMTSTAT: 3,1\r\n")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not fired")
	}
	select {
	case m := <-errs:
		if !strings.Contains(m, "reset by peer") {
			t.Errorf("error message = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not fired")
	}
	if mq.IsConnected() {
		t.Error("IsConnected() = true after QMTSTAT")
	}
	if err := mq.Publish(context.Background(), "t", []byte("x"), 0); err == nil {
		t.Error("Publish succeeded after disconnect")
	}
}
