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
	udpConnected uint32 = 1 << iota
	udpDisconnected
	udpError
	udpSendComplete
	udpInitialized
)

var _ network.Udp = (*Udp)(nil)

// Udp is a module-side UDP socket bound to one remote peer. Datagrams do
// not span MIPURC reports, so every "rudp" payload is one message.
type Udp struct {
	uart   *modem.Uart
	id     int
	cfg    modem.Config
	events *modem.Bits
	sub    modem.Subscription

	mu        sync.Mutex
	onMessage func([]byte)

	connected      atomic.Bool
	instanceActive atomic.Bool
}

func NewUdp(uart *modem.Uart, connectID int, cfg modem.Config) *Udp {
	u := &Udp{
		uart:   uart,
		id:     connectID,
		cfg:    cfg,
		events: modem.NewBits(),
	}
	u.sub = uart.Subscribe(u.handleURC)
	return u
}

func (u *Udp) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "MIPOPEN":
		if len(arguments) == 2 && arguments[0].Int == u.id {
			ok := arguments[1].Int == 0
			u.connected.Store(ok)
			if ok {
				u.instanceActive.Store(true)
				u.events.Clear(udpDisconnected | udpError)
				u.events.Set(udpConnected)
			} else {
				u.events.Set(udpError)
			}
		}
	case "MIPCLOSE":
		if len(arguments) == 1 && arguments[0].Int == u.id {
			u.instanceActive.Store(false)
			u.events.Set(udpDisconnected)
		}
	case "MIPSEND":
		if len(arguments) == 2 && arguments[0].Int == u.id {
			u.events.Set(udpSendComplete)
		}
	case "MIPURC":
		if len(arguments) == 4 && arguments[1].Int == u.id {
			switch arguments[0].String {
			case "rudp":
				if u.connected.Load() {
					u.mu.Lock()
					fn := u.onMessage
					u.mu.Unlock()
					if fn != nil {
						fn(at.DecodeHex(arguments[3].String))
					}
				}
			case "disconn":
				u.connected.Store(false)
				u.instanceActive.Store(false)
				u.events.Set(udpDisconnected)
			}
		}
	case "MIPSTATE":
		if len(arguments) == 5 && arguments[0].Int == u.id {
			u.connected.Store(arguments[4].String == "CONNECTED")
			u.instanceActive.Store(arguments[4].String != "INITIAL")
			u.events.Set(udpInitialized)
		}
	case modem.FifoOverflowURC:
		u.events.Set(udpError)
		go u.Disconnect()
	}
}

func (u *Udp) Connect(ctx context.Context, host string, port int) error {
	timeout := connectWindow(ctx, u.cfg.ConnectTimeout)
	u.events.Clear(udpConnected | udpDisconnected | udpError)

	_ = u.uart.SendCommand("AT+MIPSTATE="+strconv.Itoa(u.id), u.cfg.CommandTimeout)
	if u.events.Wait(udpInitialized, timeout) == 0 {
		return fmt.Errorf("udp %d: slot state query timed out", u.id)
	}

	if u.instanceActive.Load() {
		if u.uart.SendCommand("AT+MIPCLOSE="+strconv.Itoa(u.id), u.cfg.CommandTimeout) == nil {
			u.events.Wait(udpDisconnected, timeout)
		}
	}

	if err := u.uart.SendCommand(fmt.Sprintf(`AT+MIPCFG="encoding",%d,1,1`, u.id), u.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("udp %d: set HEX encoding: %w", u.id, err)
	}
	if err := u.uart.SendCommand(fmt.Sprintf(`AT+MIPCFG="ssl",%d,0,0`, u.id), u.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("udp %d: disable SSL: %w", u.id, err)
	}

	open := fmt.Sprintf(`AT+MIPOPEN=%d,"UDP",%q,%d,,0`, u.id, host, port)
	if err := u.uart.SendCommand(open, u.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("udp %d: open: %w", u.id, err)
	}

	bits := u.events.Wait(udpConnected|udpError, timeout)
	switch {
	case bits&udpConnected != 0:
		return nil
	case bits&udpError != 0:
		return fmt.Errorf("udp %d: connect to %s:%d refused", u.id, host, port)
	default:
		return fmt.Errorf("udp %d: connect to %s:%d timed out", u.id, host, port)
	}
}

func (u *Udp) Disconnect() {
	if !u.instanceActive.Load() {
		return
	}
	_ = u.uart.SendCommand("AT+MIPCLOSE="+strconv.Itoa(u.id), u.cfg.CommandTimeout)
	u.connected.Store(false)
}

// Send transmits one datagram. Payloads beyond a single packet are refused;
// UDP has no chunking.
func (u *Udp) Send(ctx context.Context, data []byte) (int, error) {
	if !u.connected.Load() {
		return -1, fmt.Errorf("udp %d: not connected", u.id)
	}
	if len(data) > maxHexPacket {
		return -1, fmt.Errorf("udp %d: datagram of %d bytes exceeds packet limit", u.id, len(data))
	}

	command := make([]byte, 0, 32+len(data)*2)
	command = append(command, "AT+MIPSEND="...)
	command = strconv.AppendInt(command, int64(u.id), 10)
	command = append(command, ',')
	command = strconv.AppendInt(command, int64(len(data)), 10)
	command = append(command, ',')
	command = at.AppendEncodeHex(command, data)
	command = append(command, at.CRLF...)

	if err := u.uart.SendCommandRaw(string(command), u.cfg.CommandTimeout); err != nil {
		return -1, fmt.Errorf("udp %d: send: %w", u.id, err)
	}
	return len(data), nil
}

func (u *Udp) OnMessage(fn func(data []byte)) {
	u.mu.Lock()
	u.onMessage = fn
	u.mu.Unlock()
}

func (u *Udp) Connected() bool {
	return u.connected.Load()
}

// Close tears the endpoint down and releases its URC subscription.
func (u *Udp) Close() {
	u.Disconnect()
	u.uart.Unsubscribe(u.sub)
}
