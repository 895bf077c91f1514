package ml307_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/ml307"
	"i4.energy/across/cellmux/modem"
)

func scriptMqttBroker(transport *modem.TestTransport) {
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+MQTTSTATE=1"):
			transport.SendData("+MQTTSTATE: 3\r\nOK\r\n")
		case strings.HasPrefix(data, "AT+MQTTCFG"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+MQTTCONN=1"):
			transport.SendData("OK\r\n+MQTTURC: \"conn\",1,0\r\n")
		case strings.HasPrefix(data, "AT+MQTTSUB=1"), strings.HasPrefix(data, "AT+MQTTUNSUB=1"):
			transport.SendData("OK\r\n")
		case strings.HasPrefix(data, "AT+MQTTPUB=1"):
			transport.SendData(">")
		case strings.HasPrefix(data, "AT+MQTTDISC=1"):
			transport.SendData("OK\r\n+MQTTURC: \"conn\",1,2\r\n")
		default:
			if !strings.HasPrefix(data, "AT") {
				// publish payload data phase
				transport.SendData("OK\r\n")
			}
		}
	})
}

func TestMqttConnectLifecycle(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport)

	mq := ml307.NewMqtt(uart, 1, testConfig())
	defer mq.Close()

	connected := make(chan struct{}, 1)
	mq.OnConnected(func() { connected <- struct{}{} })

	err := mq.Connect(context.Background(), "broker.example.com", 1883, "client-1", "user", "pass")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected not fired")
	}

	var sawVersionlessCfg, sawConn bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+MQTTCFG="keepalive",1,120`) {
			sawVersionlessCfg = true
		}
		if strings.HasPrefix(w, `AT+MQTTCONN=1,"broker.example.com",1883,"client-1","user","pass"`) {
			sawConn = true
		}
	}
	if !sawVersionlessCfg {
		t.Error("keepalive configuration missing or wrong default")
	}
	if !sawConn {
		t.Error("MQTTCONN command malformed")
	}
}

func TestMqttPublishRequiresConnection(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport)

	mq := ml307.NewMqtt(uart, 1, testConfig())
	defer mq.Close()

	if err := mq.Publish(context.Background(), "t", []byte("x"), 0); err == nil {
		t.Error("Publish succeeded while disconnected")
	}
	if err := mq.Subscribe(context.Background(), "t", 0); err == nil {
		t.Error("Subscribe succeeded while disconnected")
	}
	if err := mq.Unsubscribe(context.Background(), "t"); err == nil {
		t.Error("Unsubscribe succeeded while disconnected")
	}
}

func TestMqttPublishDataPhase(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport)

	mq := ml307.NewMqtt(uart, 1, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := mq.Publish(context.Background(), "sensors/temp", []byte("21.5"), 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var sawHeader, sawPayload bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, `AT+MQTTPUB=1,"sensors/temp",1,0,0,4`) {
			sawHeader = true
		}
		if w == "21.5" {
			sawPayload = true
		}
	}
	if !sawHeader || !sawPayload {
		t.Errorf("publish wire sequence incomplete (header=%v payload=%v)", sawHeader, sawPayload)
	}
}

func TestMqttMessageDelivery(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport)

	mq := ml307.NewMqtt(uart, 1, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type msg struct {
		topic   string
		payload string
	}
	received := make(chan msg, 4)
	mq.OnMessage(func(topic string, payload []byte) {
		received <- msg{topic: topic, payload: string(payload)}
	})

	// Complete message in one URC.
	transport.SendData(`+MQTTURC: "publish",1,0,"cmd",5,5,"48656C6C6F"` + "\r\n")
	select {
	case m := <-received:
		if m.topic != "cmd" || m.payload != "Hello" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Split message accumulates until total length is reached.
	part1 := at.EncodeHex([]byte("Hello "))
	part2 := at.EncodeHex([]byte("World"))
	transport.SendData(`+MQTTURC: "publish",1,0,"cmd",11,6,"` + part1 + `"` + "\r\n")
	transport.SendData(`+MQTTURC: "publish",1,0,"cmd",11,5,"` + part2 + `"` + "\r\n")
	select {
	case m := <-received:
		if m.payload != "Hello World" {
			t.Errorf("reassembled payload = %q", m.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("split message not delivered")
	}
}

func TestMqttDisconnectURC(t *testing.T) {
	uart, transport := newTestUart(t)
	scriptMqttBroker(transport)

	mq := ml307.NewMqtt(uart, 1, testConfig())
	defer mq.Close()
	if err := mq.Connect(context.Background(), "broker.example.com", 1883, "c", "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	disconnected := make(chan struct{}, 1)
	errs := make(chan string, 1)
	mq.OnDisconnected(func() { disconnected <- struct{}{} })
	mq.OnError(func(message string) { errs <- message })

	// Ping timeout (code 5) drops the session and reports an error.
	transport.SendData("+MQTTURC: \"conn\",1,5\r\n")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not fired")
	}
	select {
	case m := <-errs:
		if !strings.Contains(m, "ping timeout") {
			t.Errorf("error message = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not fired")
	}
	if err := mq.Publish(context.Background(), "t", []byte("x"), 0); err == nil {
		t.Error("Publish succeeded after disconnect URC")
	}
}
