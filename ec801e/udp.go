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

var _ network.Udp = (*Udp)(nil)

// Udp is a module-side UDP socket bound to one remote peer.
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
	case "QIOPEN":
		if len(arguments) == 2 && arguments[0].Int == u.id {
			ok := arguments[1].Int == 0
			u.connected.Store(ok)
			if ok {
				u.instanceActive.Store(true)
				u.events.Clear(sockDisconnected | sockError)
				u.events.Set(sockConnected)
			} else {
				u.events.Set(sockError)
			}
		}
	case "QISEND":
		if len(arguments) == 3 && arguments[0].Int == u.id {
			if arguments[1].Int == 0 {
				u.events.Set(sockSendComplete)
			} else {
				u.events.Set(sockSendFailed)
			}
		}
	case "QIURC":
		if len(arguments) >= 2 && arguments[1].Int == u.id {
			switch arguments[0].String {
			case "recv":
				if len(arguments) >= 4 && u.connected.Load() {
					u.mu.Lock()
					fn := u.onMessage
					u.mu.Unlock()
					if fn != nil {
						fn(at.DecodeHex(arguments[3].String))
					}
				}
			case "closed":
				u.connected.Store(false)
				u.instanceActive.Store(false)
				u.events.Set(sockDisconnected)
			}
		}
	case "QISTATE":
		if len(arguments) > 5 && arguments[0].Int == u.id {
			u.connected.Store(arguments[5].Int == 2)
			u.instanceActive.Store(true)
			u.events.Set(sockInitialized)
		}
	case modem.FifoOverflowURC:
		u.events.Set(sockError)
		go u.Disconnect()
	}
}

func (u *Udp) Connect(ctx context.Context, host string, port int) error {
	timeout := connectWindow(ctx, u.cfg.ConnectTimeout)
	u.events.Clear(sockConnected | sockDisconnected | sockError)

	_ = u.uart.SendCommand(qicfgSetup, u.cfg.CommandTimeout)
	_ = u.uart.SendCommand("AT+QISTATE=1,"+strconv.Itoa(u.id), u.cfg.CommandTimeout)

	if u.instanceActive.Load() {
		_ = u.uart.SendCommand("AT+QICLOSE="+strconv.Itoa(u.id), u.cfg.CommandTimeout)
		u.events.Wait(sockDisconnected, timeout)
		u.instanceActive.Store(false)
	}

	open := fmt.Sprintf(`AT+QIOPEN=1,%d,"UDP",%q,%d,0,1`, u.id, host, port)
	if err := u.uart.SendCommand(open, u.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("udp %d: open: %w", u.id, err)
	}

	bits := u.events.Wait(sockConnected|sockError, timeout)
	switch {
	case bits&sockConnected != 0:
		return nil
	case bits&sockError != 0:
		return fmt.Errorf("udp %d: connect to %s:%d refused", u.id, host, port)
	default:
		return fmt.Errorf("udp %d: connect to %s:%d timed out", u.id, host, port)
	}
}

func (u *Udp) Disconnect() {
	if !u.instanceActive.Load() {
		return
	}
	if u.uart.SendCommand("AT+QICLOSE="+strconv.Itoa(u.id), u.cfg.CommandTimeout) == nil {
		u.instanceActive.Store(false)
	}
}

// Send transmits one datagram through the QISEND data phase.
func (u *Udp) Send(ctx context.Context, data []byte) (int, error) {
	if !u.connected.Load() {
		return -1, fmt.Errorf("udp %d: not connected", u.id)
	}
	if len(data) > maxPacket {
		return -1, fmt.Errorf("udp %d: datagram of %d bytes exceeds packet limit", u.id, len(data))
	}

	command := fmt.Sprintf("AT+QISEND=%d,%d", u.id, len(data))
	if err := u.uart.SendCommandData(command, u.cfg.CommandTimeout, data); err != nil {
		return -1, fmt.Errorf("udp %d: send: %w", u.id, err)
	}

	bits := u.events.Wait(sockSendComplete|sockSendFailed, u.cfg.ConnectTimeout)
	switch {
	case bits&sockSendFailed != 0:
		return -1, fmt.Errorf("udp %d: module rejected the datagram", u.id)
	case bits&sockSendComplete == 0:
		return -1, fmt.Errorf("udp %d: send timeout", u.id)
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
