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

// sslContextID is the QSSL configuration context used for socket TLS. The
// MQTT client uses context 2 so the two never fight over settings.
const sslContextID = 1

var _ network.Tcp = (*Ssl)(nil)

// Ssl is a TLS stream terminated inside the module. It mirrors Tcp but
// speaks the parallel QSSL command family; send confirmations still arrive
// as QISEND.
type Ssl struct {
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

func NewSsl(uart *modem.Uart, connectID int, cfg modem.Config) *Ssl {
	s := &Ssl{
		uart:   uart,
		id:     connectID,
		cfg:    cfg,
		events: modem.NewBits(),
	}
	s.sub = uart.Subscribe(s.handleURC)
	return s
}

func (s *Ssl) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "QSSLOPEN":
		if len(arguments) == 2 && arguments[0].Int == s.id && !s.instanceActive.Load() {
			if arguments[1].Int == 0 {
				s.connected.Store(true)
				s.instanceActive.Store(true)
				s.events.Clear(sockDisconnected | sockError)
				s.events.Set(sockConnected)
			} else {
				s.connected.Store(false)
				s.events.Set(sockError)
			}
		}
	case "QSSLCLOSE":
		if len(arguments) == 1 && arguments[0].Int == s.id {
			s.instanceActive.Store(false)
		}
	case "QISEND":
		if len(arguments) == 3 && arguments[0].Int == s.id {
			if arguments[1].Int == 0 {
				s.events.Set(sockSendComplete)
			} else {
				s.events.Set(sockSendFailed)
			}
		}
	case "QSSLURC":
		if len(arguments) >= 2 && arguments[1].Int == s.id {
			switch arguments[0].String {
			case "recv":
				if len(arguments) >= 4 {
					s.mu.Lock()
					fn := s.onStream
					s.mu.Unlock()
					if fn != nil {
						fn(at.DecodeHex(arguments[3].String))
					}
				}
			case "closed":
				// instanceActive stays set: the slot still needs QSSLCLOSE.
				s.notifyDisconnected()
				s.events.Set(sockDisconnected)
			}
		}
	case "QSSLSTATE":
		if len(arguments) > 5 && arguments[0].Int == s.id {
			s.connected.Store(arguments[5].Int == 2)
			s.instanceActive.Store(true)
			s.events.Set(sockInitialized)
		}
	case modem.FifoOverflowURC:
		s.events.Set(sockError)
		go s.Disconnect()
	}
}

func (s *Ssl) notifyDisconnected() {
	if s.connected.CompareAndSwap(true, false) {
		s.mu.Lock()
		fn := s.onDisconnected
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Connect configures the TLS context, reclaims a stale slot and opens the
// session. Certificate verification is off unless CA material has been
// provisioned onto the module.
func (s *Ssl) Connect(ctx context.Context, host string, port int) error {
	timeout := connectWindow(ctx, s.cfg.ConnectTimeout)
	s.events.Clear(sockConnected | sockDisconnected | sockError)

	_ = s.uart.SendCommand(qicfgSetup, s.cfg.CommandTimeout)
	sslCfg := fmt.Sprintf(`AT+QSSLCFG="sslversion",%d,4;+QSSLCFG="ciphersuite",%d,0xFFFF;+QSSLCFG="seclevel",%d,0`,
		sslContextID, sslContextID, sslContextID)
	_ = s.uart.SendCommand(sslCfg, s.cfg.CommandTimeout)

	_ = s.uart.SendCommand(fmt.Sprintf("AT+QSSLSTATE=1,%d", s.id), s.cfg.CommandTimeout)

	if s.instanceActive.Load() {
		_ = s.uart.SendCommand("AT+QSSLCLOSE="+strconv.Itoa(s.id), s.cfg.CommandTimeout)
		s.events.Wait(sockDisconnected, timeout)
		s.instanceActive.Store(false)
	}

	open := fmt.Sprintf(`AT+QSSLOPEN=1,%d,%d,%q,%d,1`, sslContextID, s.id, host, port)
	if err := s.uart.SendCommand(open, s.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("ssl %d: open: %w", s.id, err)
	}

	bits := s.events.Wait(sockConnected|sockError, timeout)
	switch {
	case bits&sockConnected != 0:
		return nil
	case bits&sockError != 0:
		return fmt.Errorf("ssl %d: connect to %s:%d refused", s.id, host, port)
	default:
		return fmt.Errorf("ssl %d: connect to %s:%d timed out", s.id, host, port)
	}
}

func (s *Ssl) Disconnect() {
	if s.instanceActive.Load() {
		_ = s.uart.SendCommand("AT+QSSLCLOSE="+strconv.Itoa(s.id), s.cfg.CommandTimeout)
	}
	s.notifyDisconnected()
}

func (s *Ssl) Send(ctx context.Context, data []byte) (int, error) {
	if !s.connected.Load() {
		return -1, fmt.Errorf("ssl %d: not connected", s.id)
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
		command := fmt.Sprintf("AT+QSSLSEND=%d,%d", s.id, chunk)
		if err := s.uart.SendCommandData(command, s.cfg.CommandTimeout, data[sent:sent+chunk]); err != nil {
			s.Disconnect()
			return -1, fmt.Errorf("ssl %d: send chunk: %w", s.id, err)
		}

		bits := s.events.Wait(sockSendComplete|sockSendFailed, s.cfg.ConnectTimeout)
		switch {
		case bits&sockSendFailed != 0:
			time.Sleep(100 * time.Millisecond)
			continue
		case bits&sockSendComplete == 0:
			return -1, fmt.Errorf("ssl %d: send timeout", s.id)
		}
		sent += chunk
	}
	return len(data), nil
}

func (s *Ssl) OnStream(fn func(data []byte)) {
	s.mu.Lock()
	s.onStream = fn
	s.mu.Unlock()
}

func (s *Ssl) OnDisconnected(fn func()) {
	s.mu.Lock()
	s.onDisconnected = fn
	s.mu.Unlock()
}

func (s *Ssl) Connected() bool {
	return s.connected.Load()
}

// Close tears the endpoint down and releases its URC subscription.
func (s *Ssl) Close() {
	s.Disconnect()
	s.uart.Unsubscribe(s.sub)
}
