package ec801e

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
)

const (
	mqttConnectedEvt uint32 = 1 << iota
	mqttDisconnectedEvt
	mqttOpenCompleteEvt
	mqttOpenFailedEvt
)

var _ network.Mqtt = (*Mqtt)(nil)

// mqttSslContextID is the QSSL configuration context reserved for MQTT.
const mqttSslContextID = 2

// Mqtt is an MQTT session running inside the module. The connect handshake
// is two-phase: QMTOPEN brings up the network link, QMTCONN performs the
// protocol connect.
type Mqtt struct {
	uart   *modem.Uart
	id     int
	cfg    modem.Config
	events *modem.Bits
	sub    modem.Subscription

	keepAlive int

	mu             sync.Mutex
	onConnected    func()
	onDisconnected func()
	onMessage      func(topic string, payload []byte)
	onError        func(message string)
	errorCode      int

	connected atomic.Bool
}

func NewMqtt(uart *modem.Uart, connectID int, cfg modem.Config) *Mqtt {
	m := &Mqtt{
		uart:      uart,
		id:        connectID,
		cfg:       cfg,
		events:    modem.NewBits(),
		keepAlive: 120,
	}
	m.sub = uart.Subscribe(m.handleURC)
	return m
}

func (m *Mqtt) SetKeepAlive(seconds int) {
	m.keepAlive = seconds
}

func (m *Mqtt) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "QMTRECV":
		if len(arguments) >= 4 && arguments[0].Int == m.id {
			m.mu.Lock()
			fn := m.onMessage
			m.mu.Unlock()
			if fn != nil {
				fn(arguments[2].String, at.DecodeHex(arguments[3].String))
			}
		}
	case "QMTSTAT":
		if len(arguments) >= 2 && arguments[0].Int == m.id {
			reason := arguments[1].Int
			if m.connected.CompareAndSwap(true, false) {
				m.mu.Lock()
				onDisc, onErr := m.onDisconnected, m.onError
				m.mu.Unlock()
				if onErr != nil {
					onErr(disconnectReasonToString(reason))
				}
				if onDisc != nil {
					onDisc()
				}
			}
			m.events.Set(mqttDisconnectedEvt)
		}
	case "QMTCONN":
		if len(arguments) == 3 && arguments[0].Int == m.id {
			m.mu.Lock()
			m.errorCode = arguments[2].Int
			code := m.errorCode
			m.mu.Unlock()
			if code == 0 {
				m.connected.Store(true)
				m.events.Set(mqttConnectedEvt)
			} else {
				if m.connected.CompareAndSwap(true, false) {
					m.mu.Lock()
					fn := m.onDisconnected
					m.mu.Unlock()
					if fn != nil {
						fn()
					}
				}
				m.events.Set(mqttDisconnectedEvt)
			}
		}
	case "QMTOPEN":
		if len(arguments) == 2 && arguments[0].Int == m.id {
			m.mu.Lock()
			m.errorCode = arguments[1].Int
			code := m.errorCode
			m.mu.Unlock()
			if code == 0 {
				m.events.Set(mqttOpenCompleteEvt)
			} else {
				m.events.Set(mqttOpenFailedEvt)
			}
		}
	}
}

// Connect configures and opens the session. An occupied-identifier result
// on QMTOPEN is tolerated: the link already exists and QMTCONN can proceed.
func (m *Mqtt) Connect(ctx context.Context, broker string, port int, clientID, username, password string) error {
	timeout := connectWindow(ctx, m.cfg.ConnectTimeout)

	if m.connected.Load() {
		m.Disconnect()
		if m.events.Wait(mqttDisconnectedEvt, timeout) == 0 {
			return fmt.Errorf("mqtt %d: previous session did not close", m.id)
		}
	}

	cmdTimeout := m.cfg.CommandTimeout
	if port == 8883 {
		sslCfg := fmt.Sprintf(`AT+QSSLCFG="sslversion",%d,4;+QSSLCFG="ciphersuite",%d,0xFFFF;+QSSLCFG="seclevel",%d,0`,
			mqttSslContextID, mqttSslContextID, mqttSslContextID)
		_ = m.uart.SendCommand(sslCfg, cmdTimeout)
		if err := m.uart.SendCommand(fmt.Sprintf(`AT+QMTCFG="ssl",%d,1,%d`, m.id, mqttSslContextID), cmdTimeout); err != nil {
			return fmt.Errorf("mqtt %d: enable SSL: %w", m.id, err)
		}
	}

	// Protocol 3.1.1 is version 4 in the QMT numbering.
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+QMTCFG="version",%d,4`, m.id), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set version: %w", m.id, err)
	}
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+QMTCFG="session",%d,1`, m.id), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set clean session: %w", m.id, err)
	}
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+QMTCFG="keepalive",%d,%d`, m.id, m.keepAlive), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set keepalive: %w", m.id, err)
	}
	// ASCII out, HEX in.
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+QMTCFG="dataformat",%d,0,1`, m.id), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set data format: %w", m.id, err)
	}

	open := fmt.Sprintf(`AT+QMTOPEN=%d,%q,%d`, m.id, broker, port)
	if err := m.uart.SendCommand(open, cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: open: %w", m.id, err)
	}
	bits := m.events.Wait(mqttOpenCompleteEvt|mqttOpenFailedEvt, timeout)
	switch {
	case bits&mqttOpenFailedEvt != 0:
		m.mu.Lock()
		code := m.errorCode
		m.mu.Unlock()
		if code != 2 {
			return fmt.Errorf("mqtt %d: open failed: %s", m.id, openResultToString(code))
		}
		// Identifier occupied: the link is already up, keep going.
	case bits&mqttOpenCompleteEvt == 0:
		return fmt.Errorf("mqtt %d: open timeout", m.id)
	}

	m.events.Clear(mqttConnectedEvt | mqttDisconnectedEvt)
	conn := fmt.Sprintf(`AT+QMTCONN=%d,%q,%q,%q`, m.id, clientID, username, password)
	if err := m.uart.SendCommand(conn, cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: connect command: %w", m.id, err)
	}

	bits = m.events.Wait(mqttConnectedEvt|mqttDisconnectedEvt, timeout)
	switch {
	case bits&mqttDisconnectedEvt != 0:
		m.mu.Lock()
		code := m.errorCode
		m.mu.Unlock()
		return fmt.Errorf("mqtt %d: broker rejected connection: %s", m.id, connectResultToString(code))
	case bits&mqttConnectedEvt == 0:
		return fmt.Errorf("mqtt %d: connect timeout", m.id)
	}

	m.mu.Lock()
	fn := m.onConnected
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (m *Mqtt) IsConnected() bool {
	return m.connected.Load()
}

func (m *Mqtt) Disconnect() {
	if !m.connected.Load() {
		return
	}
	_ = m.uart.SendCommand("AT+QMTDISC="+strconv.Itoa(m.id), m.cfg.CommandTimeout)
}

// Publish sends one message. The module expects the payload as raw bytes
// immediately after accepting the command.
func (m *Mqtt) Publish(ctx context.Context, topic string, payload []byte, qos int) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+QMTPUBEX=%d,0,%d,0,%q,%d`, m.id, qos, topic, len(payload))
	if err := m.uart.SendCommand(command, m.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("mqtt %d: publish to %s: %w", m.id, topic, err)
	}
	if err := m.uart.SendData(payload); err != nil {
		return fmt.Errorf("mqtt %d: publish payload: %w", m.id, err)
	}
	return nil
}

func (m *Mqtt) Subscribe(ctx context.Context, topic string, qos int) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+QMTSUB=%d,0,%q,%d`, m.id, topic, qos)
	if err := m.uart.SendCommand(command, m.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("mqtt %d: subscribe %s: %w", m.id, topic, err)
	}
	return nil
}

func (m *Mqtt) Unsubscribe(ctx context.Context, topic string) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+QMTUNS=%d,0,%q`, m.id, topic)
	if err := m.uart.SendCommand(command, m.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("mqtt %d: unsubscribe %s: %w", m.id, topic, err)
	}
	return nil
}

func (m *Mqtt) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = fn
	m.mu.Unlock()
}

func (m *Mqtt) OnDisconnected(fn func()) {
	m.mu.Lock()
	m.onDisconnected = fn
	m.mu.Unlock()
}

func (m *Mqtt) OnMessage(fn func(topic string, payload []byte)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

func (m *Mqtt) OnError(fn func(message string)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Close releases the URC subscription.
func (m *Mqtt) Close() {
	m.uart.Unsubscribe(m.sub)
}

// openResultToString maps QMTOPEN result codes to diagnostics.
func openResultToString(code int) string {
	switch code {
	case 0:
		return "network opened"
	case 1:
		return "wrong parameter"
	case 2:
		return "MQTT identifier occupied"
	case 3:
		return "PDP activation failed"
	case 4:
		return "domain name resolution failed"
	case 5:
		return "network disconnected"
	default:
		return "unknown error"
	}
}

// connectResultToString maps QMTCONN CONNACK codes to diagnostics. The
// numbers follow the MQTT 3.1.1 return codes; do not renumber.
func connectResultToString(code int) string {
	switch code {
	case 0:
		return "connection accepted"
	case 1:
		return "rejected: unacceptable protocol version"
	case 2:
		return "rejected: identifier rejected"
	case 3:
		return "rejected: server unavailable"
	case 4:
		return "rejected: bad username or password"
	case 5:
		return "rejected: not authorized"
	default:
		return "unknown error"
	}
}

// disconnectReasonToString maps QMTSTAT reasons to diagnostics; the codes
// are part of the module's surface.
func disconnectReasonToString(code int) string {
	switch code {
	case 0:
		return "closed normally"
	case 1:
		return "connection reset by peer"
	case 2:
		return "PINGREQ timeout"
	case 3:
		return "CONNECT send failure"
	case 4:
		return "CONNACK receive failure"
	case 5:
		return "server closed after client DISCONNECT"
	case 6:
		return "client closed after repeated send failures"
	case 7:
		return "link down or server unavailable"
	case 8:
		return "closed by client"
	default:
		return "unknown error"
	}
}
