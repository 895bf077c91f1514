package ec801e

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

// maxPacket is the largest chunk per QISEND; the data phase carries plain
// binary, so the full module packet size is usable.
const maxPacket = 1460

// qicfgSetup keeps received data on one line, switches the view to HEX and
// enables send confirmations. Issued before every open; the settings are
// global per module, re-applying them is harmless.
const qicfgSetup = `AT+QICFG="close/mode",1;+QICFG="viewmode",1;+QICFG="sendinfo",1;+QICFG="dataformat",0,1`

const (
	sockConnected uint32 = 1 << iota
	sockDisconnected
	sockError
	sockSendComplete
	sockSendFailed
	sockInitialized
)

var _ network.Tcp = (*Tcp)(nil)

// Tcp is a TCP stream terminated inside the module, addressed by its
// connect id. Inbound payloads arrive HEX-encoded in QIURC "recv" reports.
type Tcp struct {
	uart   *modem.Uart
	id     int
	cfg    modem.Config
	events *modem.Bits
	sub    modem.Subscription

	mu             sync.Mutex
	onStream       func([]byte)
	onDisconnected func()

	connected      atomic.Bool
	instanceActive atomic.Bool
}

func NewTcp(uart *modem.Uart, connectID int, cfg modem.Config) *Tcp {
	t := &Tcp{
		uart:   uart,
		id:     connectID,
		cfg:    cfg,
		events: modem.NewBits(),
	}
	t.sub = uart.Subscribe(t.handleURC)
	return t
}

func (t *Tcp) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "QIOPEN":
		if len(arguments) == 2 && arguments[0].Int == t.id {
			if arguments[1].Int == 0 {
				t.connected.Store(true)
				t.instanceActive.Store(true)
				t.events.Clear(sockDisconnected | sockError)
				t.events.Set(sockConnected)
			} else {
				t.connected.Store(false)
				t.events.Set(sockError)
				t.mu.Lock()
				fn := t.onDisconnected
				t.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
	case "QISEND":
		if len(arguments) == 3 && arguments[0].Int == t.id {
			if arguments[1].Int == 0 {
				t.events.Set(sockSendComplete)
			} else {
				t.events.Set(sockSendFailed)
			}
		}
	case "QIURC":
		if len(arguments) >= 2 && arguments[1].Int == t.id {
			switch arguments[0].String {
			case "recv":
				if len(arguments) >= 4 && t.connected.Load() {
					t.mu.Lock()
					fn := t.onStream
					t.mu.Unlock()
					if fn != nil {
						fn(at.DecodeHex(arguments[3].String))
					}
				}
			case "closed":
				// instanceActive stays set: the slot still needs QICLOSE.
				t.notifyDisconnected()
				t.events.Set(sockDisconnected)
			}
		}
	case "QISTATE":
		if len(arguments) > 5 && arguments[0].Int == t.id {
			t.connected.Store(arguments[5].Int == 2)
			t.instanceActive.Store(true)
			t.events.Set(sockInitialized)
		}
	case modem.FifoOverflowURC:
		t.events.Set(sockError)
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

// Connect reclaims a stale slot if the state query reports one, then opens
// the connection. The QISTATE reply line, if any, lands before the command's
// OK, so the slot flags are settled once the query returns.
func (t *Tcp) Connect(ctx context.Context, host string, port int) error {
	timeout := connectWindow(ctx, t.cfg.ConnectTimeout)
	t.events.Clear(sockConnected | sockDisconnected | sockError)

	_ = t.uart.SendCommand(qicfgSetup, t.cfg.CommandTimeout)
	_ = t.uart.SendCommand("AT+QISTATE=1,"+strconv.Itoa(t.id), t.cfg.CommandTimeout)

	if t.instanceActive.Load() {
		_ = t.uart.SendCommand("AT+QICLOSE="+strconv.Itoa(t.id), t.cfg.CommandTimeout)
		t.events.Wait(sockDisconnected, timeout)
		t.instanceActive.Store(false)
	}

	open := fmt.Sprintf(`AT+QIOPEN=1,%d,"TCP",%q,%d,0,1`, t.id, host, port)
	if err := t.uart.SendCommand(open, t.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("tcp %d: open: %w", t.id, err)
	}

	bits := t.events.Wait(sockConnected|sockError, timeout)
	switch {
	case bits&sockConnected != 0:
		return nil
	case bits&sockError != 0:
		return fmt.Errorf("tcp %d: connect to %s:%d refused", t.id, host, port)
	default:
		return fmt.Errorf("tcp %d: connect to %s:%d timed out", t.id, host, port)
	}
}

// Disconnect closes the modem-side slot and delivers the disconnect
// notification exactly once.
func (t *Tcp) Disconnect() {
	if t.instanceActive.Load() {
		if t.uart.SendCommand("AT+QICLOSE="+strconv.Itoa(t.id), t.cfg.CommandTimeout) == nil {
			t.instanceActive.Store(false)
		}
	}
	t.notifyDisconnected()
}

// Send pushes data in module-sized packets through the QISEND data phase.
// A send-failed confirmation pauses briefly and retries the same chunk; a
// missing confirmation fails the call.
func (t *Tcp) Send(ctx context.Context, data []byte) (int, error) {
	if !t.connected.Load() {
		return -1, fmt.Errorf("tcp %d: not connected", t.id)
	}
	sent := 0
	for sent < len(data) {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		chunk := len(data) - sent
		if chunk > maxPacket {
			chunk = maxPacket
		}
		command := fmt.Sprintf("AT+QISEND=%d,%d", t.id, chunk)
		if err := t.uart.SendCommandData(command, t.cfg.CommandTimeout, data[sent:sent+chunk]); err != nil {
			t.Disconnect()
			return -1, fmt.Errorf("tcp %d: send chunk: %w", t.id, err)
		}

		bits := t.events.Wait(sockSendComplete|sockSendFailed, t.cfg.ConnectTimeout)
		switch {
		case bits&sockSendFailed != 0:
			time.Sleep(100 * time.Millisecond)
			continue
		case bits&sockSendComplete == 0:
			return -1, fmt.Errorf("tcp %d: send timeout", t.id)
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

// Close tears the endpoint down and releases its URC subscription.
func (t *Tcp) Close() {
	t.Disconnect()
	t.uart.Unsubscribe(t.sub)
}

func connectWindow(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < fallback {
			return until
		}
	}
	return fallback
}
