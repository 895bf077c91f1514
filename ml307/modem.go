// Package ml307 drives China Mobile ML307-family modules: the MIP socket
// stack, the MQTT client and the MHTTP engine embedded in the module
// firmware, all multiplexed over the shared AT Uart.
package ml307

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
	"i4.energy/across/cellmux/websocket"
)

var _ modem.Modem = (*Modem)(nil)

// Modem is the ML307 supervisor and endpoint factory.
type Modem struct {
	*modem.Base
	sub modem.Subscription
}

// New wraps a started Uart. Stale HTTP instances left over from a previous
// host run are deleted so their slots are usable again.
func New(uart *modem.Uart, cfg modem.Config) *Modem {
	m := &Modem{Base: modem.NewBase(uart, cfg)}
	m.sub = uart.Subscribe(m.handleURC)
	m.resetConnections()
	return m
}

func (m *Modem) resetConnections() {
	for id := 0; id < 4; id++ {
		_ = m.Uart().SendCommand(fmt.Sprintf("AT+MHTTPDEL=%d", id), m.Config().CommandTimeout)
	}
}

func (m *Modem) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "MIPCALL":
		if len(arguments) >= 3 && arguments[1].Int == 1 {
			m.SignalNetworkReady()
		}
	case "MATREADY":
		// The module rebooted underneath us; registration is gone.
		m.NetworkLost()
	}
}

// WaitForNetworkReady augments the common registration wait: the ML307 is
// only usable once the PDP context has an address, so MIPCALL is polled with
// exponential backoff until the IP report lands.
func (m *Modem) WaitForNetworkReady(ctx context.Context) error {
	if err := m.Base.WaitForNetworkReady(ctx); err != nil {
		return err
	}
	delay := 10 * time.Millisecond
	for i := 0; i < 10; i++ {
		_ = m.Uart().SendCommand("AT+MIPCALL?", m.Config().CommandTimeout)
		if m.WaitNetworkReadyKeep(delay) {
			return nil
		}
		delay *= 2
		if delay > time.Second {
			delay = time.Second
		}
	}
	return fmt.Errorf("%w: registered but no IP address", modem.ErrNetwork)
}

// Reboot restarts the module.
func (m *Modem) Reboot() error {
	return m.Uart().SendCommand("AT+MREBOOT=0", m.Config().CommandTimeout)
}

// SetSleepMode enables or disables autonomous module sleep, optionally
// delayed by delaySeconds.
func (m *Modem) SetSleepMode(enable bool, delaySeconds int) error {
	timeout := m.Config().CommandTimeout
	if enable {
		if delaySeconds > 0 {
			if err := m.Uart().SendCommand(fmt.Sprintf(`AT+MLPMCFG="delaysleep",%d`, delaySeconds), timeout); err != nil {
				return err
			}
		}
		return m.Uart().SendCommand(`AT+MLPMCFG="sleepmode",2,0`, timeout)
	}
	return m.Uart().SendCommand(`AT+MLPMCFG="sleepmode",0,0`, timeout)
}

// Close detaches the variant URC handler before shutting down the base.
func (m *Modem) Close() error {
	m.Uart().Unsubscribe(m.sub)
	return m.Base.Close()
}

func (m *Modem) CreateTcp(connectID int) network.Tcp {
	return NewTcp(m.Uart(), connectID, m.Config())
}

func (m *Modem) CreateSsl(connectID int) network.Tcp {
	return NewSsl(m.Uart(), connectID, m.Config())
}

func (m *Modem) CreateUdp(connectID int) network.Udp {
	return NewUdp(m.Uart(), connectID, m.Config())
}

func (m *Modem) CreateMqtt(connectID int) network.Mqtt {
	return NewMqtt(m.Uart(), connectID, m.Config())
}

// CreateHttp returns an endpoint backed by the module's own HTTP engine.
// The connect id is assigned by the module at request time, so the argument
// only reserves the slot conceptually.
func (m *Modem) CreateHttp(connectID int) network.Http {
	return NewHttp(m.Uart(), m.Config())
}

func (m *Modem) CreateWebSocket(connectID int) network.WebSocket {
	return websocket.New(m, connectID)
}
