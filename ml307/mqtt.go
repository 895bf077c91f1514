package ml307

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
	mqttInitializedEvt
)

var _ network.Mqtt = (*Mqtt)(nil)

// Mqtt is an MQTT session running inside the module, addressed by its
// connect id. Outbound payloads travel in the command data phase as ASCII;
// inbound payloads arrive HEX-encoded and, for large messages, split across
// several "publish" URCs that are reassembled here.
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
	payload        []byte

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
	case "MQTTURC":
		if len(arguments) < 2 || arguments[1].Int != m.id {
			return
		}
		switch arguments[0].String {
		case "conn":
			if len(arguments) >= 3 {
				m.handleConnResult(arguments[2].Int)
			}
		case "suback":
			// Subscription acknowledgements carry nothing we track.
		case "publish":
			if len(arguments) >= 7 {
				m.handlePublish(arguments)
			}
		}
	case "MQTTSTATE":
		if len(arguments) == 1 {
			m.connected.Store(arguments[0].Int != 3)
			m.events.Set(mqttInitializedEvt)
		}
	}
}

func (m *Mqtt) handleConnResult(code int) {
	if code == 0 {
		if m.connected.CompareAndSwap(false, true) {
			m.mu.Lock()
			fn := m.onConnected
			m.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
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
	if code == 5 || code == 6 {
		m.mu.Lock()
		fn := m.onError
		m.mu.Unlock()
		if fn != nil {
			fn(connStateToString(code))
		}
	}
}

// handlePublish delivers a message, reassembling payloads the module split
// across URCs. Arguments: "publish",<id>,<msgid>,<topic>,<total>,<cur>,<hex>.
func (m *Mqtt) handlePublish(arguments []at.Argument) {
	topic := arguments[3].String
	total := arguments[4].Int
	current := arguments[5].Int

	m.mu.Lock()
	fn := m.onMessage
	if total == current {
		m.mu.Unlock()
		if fn != nil {
			fn(topic, at.DecodeHex(arguments[6].String))
		}
		return
	}
	m.payload = at.AppendDecodeHex(m.payload, []byte(arguments[6].String))
	if len(m.payload) >= total {
		payload := m.payload
		m.payload = nil
		m.mu.Unlock()
		if fn != nil {
			fn(topic, payload)
		}
		return
	}
	m.mu.Unlock()
}

// Connect configures the session and brings it up. A live session on the
// same id is torn down first so the slot state is known.
func (m *Mqtt) Connect(ctx context.Context, broker string, port int, clientID, username, password string) error {
	timeout := connectWindow(ctx, m.cfg.ConnectTimeout)

	if m.IsConnected() {
		m.Disconnect()
		if m.events.Wait(mqttDisconnectedEvt, timeout) == 0 {
			return fmt.Errorf("mqtt %d: previous session did not close", m.id)
		}
	}

	cmdTimeout := m.cfg.CommandTimeout
	if port == 8883 {
		if err := m.uart.SendCommand(fmt.Sprintf(`AT+MQTTCFG="ssl",%d,1`, m.id), cmdTimeout); err != nil {
			return fmt.Errorf("mqtt %d: enable SSL: %w", m.id, err)
		}
	}
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+MQTTCFG="clean",%d,1`, m.id), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set clean session: %w", m.id, err)
	}
	// The ML307 wants the keepalive and the ping request interval set
	// separately, to the same value.
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+MQTTCFG="keepalive",%d,%d`, m.id, m.keepAlive), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set keepalive: %w", m.id, err)
	}
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+MQTTCFG="pingreq",%d,%d`, m.id, m.keepAlive), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set ping interval: %w", m.id, err)
	}
	// ASCII out, HEX in.
	if err := m.uart.SendCommand(fmt.Sprintf(`AT+MQTTCFG="encoding",%d,0,1`, m.id), cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: set encoding: %w", m.id, err)
	}

	m.events.Clear(mqttConnectedEvt | mqttDisconnectedEvt)
	conn := fmt.Sprintf(`AT+MQTTCONN=%d,%q,%d,%q,%q,%q`, m.id, broker, port, clientID, username, password)
	if err := m.uart.SendCommand(conn, cmdTimeout); err != nil {
		return fmt.Errorf("mqtt %d: connect command: %w", m.id, err)
	}

	bits := m.events.Wait(mqttConnectedEvt|mqttDisconnectedEvt, timeout)
	if bits&mqttConnectedEvt == 0 {
		return fmt.Errorf("mqtt %d: broker %s:%d did not accept the connection", m.id, broker, port)
	}
	return nil
}

// IsConnected queries the module-side session state and reports it. False is
// also returned when the state query itself times out.
func (m *Mqtt) IsConnected() bool {
	_ = m.uart.SendCommand("AT+MQTTSTATE="+strconv.Itoa(m.id), m.cfg.CommandTimeout)
	if m.events.Wait(mqttInitializedEvt, m.cfg.ConnectTimeout) == 0 {
		return false
	}
	return m.connected.Load()
}

func (m *Mqtt) Disconnect() {
	if !m.connected.Load() {
		return
	}
	_ = m.uart.SendCommand("AT+MQTTDISC="+strconv.Itoa(m.id), m.cfg.CommandTimeout)
}

// Publish sends one message. Payloads above 64KB are rejected by the module
// with CME error 601; that limit is the module's, not checked here.
func (m *Mqtt) Publish(ctx context.Context, topic string, payload []byte, qos int) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+MQTTPUB=%d,%q,%d,0,0,%d`, m.id, topic, qos, len(payload))
	if err := m.uart.SendCommandData(command, m.cfg.CommandTimeout, payload); err != nil {
		return fmt.Errorf("mqtt %d: publish to %s: %w", m.id, topic, err)
	}
	return nil
}

func (m *Mqtt) Subscribe(ctx context.Context, topic string, qos int) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+MQTTSUB=%d,%q,%d`, m.id, topic, qos)
	if err := m.uart.SendCommand(command, m.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("mqtt %d: subscribe %s: %w", m.id, topic, err)
	}
	return nil
}

func (m *Mqtt) Unsubscribe(ctx context.Context, topic string) error {
	if !m.connected.Load() {
		return fmt.Errorf("mqtt %d: not connected", m.id)
	}
	command := fmt.Sprintf(`AT+MQTTUNSUB=%d,%q`, m.id, topic)
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

// Close releases the URC subscription. A connected session is left to the
// module's keepalive; call Disconnect first for a clean shutdown.
func (m *Mqtt) Close() {
	m.uart.Unsubscribe(m.sub)
}

// connStateToString maps the "conn" URC result codes to diagnostics.
func connStateToString(code int) string {
	switch code {
	case 0:
		return "connected"
	case 1:
		return "reconnecting"
	case 2:
		return "disconnected: user initiated"
	case 3:
		return "disconnected: rejected (protocol version, identifier, username or password)"
	case 4:
		return "disconnected: server disconnected"
	case 5:
		return "disconnected: ping timeout"
	case 6:
		return "disconnected: network error"
	case 255:
		return "disconnected: unknown error"
	default:
		return "unknown error"
	}
}
