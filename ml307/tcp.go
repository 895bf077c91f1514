package ml307

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
)

// maxHexPacket is the largest binary chunk per MIPSEND. The module accepts
// 1460 bytes per packet and the HEX encoding doubles every byte.
const maxHexPacket = 1460 / 2

// Per-endpoint event bits.
const (
	tcpConnected uint32 = 1 << iota
	tcpDisconnected
	tcpError
	tcpSendComplete
	tcpInitialized
)

var _ network.Tcp = (*Tcp)(nil)

// Tcp is a TCP (or, via NewSsl, TLS) stream terminated inside the module
// and addressed by its connect id. Inbound payloads arrive HEX-encoded in
// MIPURC "rtcp" reports and are pushed to the stream callback on the receive
// goroutine.
type Tcp struct {
	uart   *modem.Uart
	id     int
	cfg    modem.Config
	events *modem.Bits
	sub    modem.Subscription

	configureSsl func() error

	mu             sync.Mutex
	onStream       func([]byte)
	onDisconnected func()

	connected      atomic.Bool
	instanceActive atomic.Bool
}

// NewTcp creates an endpoint for the given connect id. The URC subscription
// is live from this point on; Close releases it.
func NewTcp(uart *modem.Uart, connectID int, cfg modem.Config) *Tcp {
	t := &Tcp{
		uart:   uart,
		id:     connectID,
		cfg:    cfg,
		events: modem.NewBits(),
	}
	t.configureSsl = t.configurePlain
	t.sub = uart.Subscribe(t.handleURC)
	return t
}

func (t *Tcp) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "MIPOPEN":
		if len(arguments) == 2 && arguments[0].Int == t.id {
			ok := arguments[1].Int == 0
			t.connected.Store(ok)
			if ok {
				t.instanceActive.Store(true)
				t.events.Clear(tcpDisconnected | tcpError)
				t.events.Set(tcpConnected)
			} else {
				t.events.Set(tcpError)
			}
		}
	case "MIPCLOSE":
		if len(arguments) == 1 && arguments[0].Int == t.id {
			t.instanceActive.Store(false)
			t.events.Set(tcpDisconnected)
		}
	case "MIPSEND":
		if len(arguments) == 2 && arguments[0].Int == t.id {
			t.events.Set(tcpSendComplete)
		}
	case "MIPURC":
		if len(arguments) >= 3 && arguments[1].Int == t.id {
			switch arguments[0].String {
			case "rtcp":
				if t.connected.Load() && len(arguments) >= 4 {
					t.mu.Lock()
					fn := t.onStream
					t.mu.Unlock()
					if fn != nil {
						fn(at.DecodeHex(arguments[3].String))
					}
				}
			case "disconn":
				t.notifyDisconnected()
				t.instanceActive.Store(false)
				t.events.Set(tcpDisconnected)
			}
		}
	case "MIPSTATE":
		if len(arguments) >= 5 && arguments[0].Int == t.id {
			t.connected.Store(arguments[4].String == "CONNECTED")
			t.instanceActive.Store(arguments[4].String != "INITIAL")
			t.events.Set(tcpInitialized)
		}
	case modem.FifoOverflowURC:
		t.events.Set(tcpError)
		// Teardown issues AT commands; keep it off the receive goroutine.
		go t.Disconnect()
	}
}

func (t *Tcp) notifyDisconnected() {
	if t.connected.CompareAndSwap(true, false) {
		t.mu.Lock()
		fn := t.onDisconnected
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Connect probes the slot state, reclaims it if a stale session is live,
// switches the slot to HEX encoding and opens the connection.
func (t *Tcp) Connect(ctx context.Context, host string, port int) error {
	timeout := connectWindow(ctx, t.cfg.ConnectTimeout)
	t.events.Clear(tcpConnected | tcpDisconnected | tcpError)

	_ = t.uart.SendCommand("AT+MIPSTATE="+strconv.Itoa(t.id), t.cfg.CommandTimeout)
	if t.events.Wait(tcpInitialized, timeout) == 0 {
		return fmt.Errorf("tcp %d: slot state query timed out", t.id)
	}

	if t.instanceActive.Load() {
		if t.uart.SendCommand("AT+MIPCLOSE="+strconv.Itoa(t.id), t.cfg.CommandTimeout) == nil {
			t.events.Wait(tcpDisconnected, timeout)
		}
	}

	if err := t.configureSsl(); err != nil {
		return err
	}

	if err := t.uart.SendCommand(fmt.Sprintf(`AT+MIPCFG="encoding",%d,1,1`, t.id), t.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("tcp %d: set HEX encoding: %w", t.id, err)
	}

	open := fmt.Sprintf(`AT+MIPOPEN=%d,"TCP",%q,%d,,0`, t.id, host, port)
	if err := t.uart.SendCommand(open, t.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("tcp %d: open: %w", t.id, err)
	}

	bits := t.events.Wait(tcpConnected|tcpError, timeout)
	switch {
	case bits&tcpConnected != 0:
		return nil
	case bits&tcpError != 0:
		return fmt.Errorf("tcp %d: connect to %s:%d refused", t.id, host, port)
	default:
		return fmt.Errorf("tcp %d: connect to %s:%d timed out", t.id, host, port)
	}
}

func (t *Tcp) configurePlain() error {
	if err := t.uart.SendCommand(fmt.Sprintf(`AT+MIPCFG="ssl",%d,0,0`, t.id), t.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("tcp %d: disable SSL: %w", t.id, err)
	}
	return nil
}

// Disconnect closes the modem-side slot if it is active and delivers the
// disconnect notification exactly once.
func (t *Tcp) Disconnect() {
	if t.instanceActive.Load() {
		if t.uart.SendCommand("AT+MIPCLOSE="+strconv.Itoa(t.id), t.cfg.CommandTimeout) == nil {
			t.events.Wait(tcpDisconnected, t.cfg.ConnectTimeout)
		}
	}
	t.notifyDisconnected()
}

// Send cuts data into HEX-doubled packets and waits for the module's send
// confirmation after each one. The per-chunk command timeout tracks the
// line speed: 10 bits per byte on the wire plus a processing margin.
func (t *Tcp) Send(ctx context.Context, data []byte) (int, error) {
	if !t.connected.Load() {
		return -1, fmt.Errorf("tcp %d: not connected", t.id)
	}

	command := make([]byte, 0, 32+maxHexPacket*2)
	sent := 0
	for sent < len(data) {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		chunk := len(data) - sent
		if chunk > maxHexPacket {
			chunk = maxHexPacket
		}

		command = command[:0]
		command = append(command, "AT+MIPSEND="...)
		command = strconv.AppendInt(command, int64(t.id), 10)
		command = append(command, ',')
		command = strconv.AppendInt(command, int64(chunk), 10)
		command = append(command, ',')
		command = at.AppendEncodeHex(command, data[sent:sent+chunk])
		command = append(command, at.CRLF...)

		baud := t.uart.BaudRate()
		if baud <= 0 {
			baud = 115200
		}
		txTime := time.Duration(len(command)) * 10 * time.Second / time.Duration(baud)
		if err := t.uart.SendCommandRaw(string(command), txTime+100*time.Millisecond); err != nil {
			t.Disconnect()
			return -1, fmt.Errorf("tcp %d: send chunk: %w", t.id, err)
		}

		if t.events.Wait(tcpSendComplete, t.cfg.ConnectTimeout) == 0 {
			return -1, fmt.Errorf("tcp %d: no send confirmation", t.id)
		}
		sent += chunk
	}
	return len(data), nil
}

func (t *Tcp) OnStream(fn func(data []byte)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *Tcp) OnDisconnected(fn func()) {
	t.mu.Lock()
	t.onDisconnected = fn
	t.mu.Unlock()
}

func (t *Tcp) Connected() bool {
	return t.connected.Load()
}

// Close tears the endpoint down: the slot is closed if still active and the
// URC subscription is released. The endpoint is unusable afterwards.
func (t *Tcp) Close() {
	t.Disconnect()
	t.uart.Unsubscribe(t.sub)
}

// connectWindow bounds an endpoint wait by both the configured connect
// timeout and the caller's context deadline.
func connectWindow(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < fallback {
			return until
		}
	}
	return fallback
}
