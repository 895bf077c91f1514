// Package ec801e drives Quectel EC801E-family modules (EC801E, NT26K): the
// QI socket stack with its QSSL TLS twin and the QMT MQTT client. HTTP on
// this family is the generic streaming client layered over a module TCP
// stream.
package ec801e

import (
	"fmt"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/httpclient"
	"i4.energy/across/cellmux/modem"
	"i4.energy/across/cellmux/network"
	"i4.energy/across/cellmux/websocket"
)

var _ modem.Modem = (*Modem)(nil)

// Modem is the EC801E supervisor and endpoint factory.
type Modem struct {
	*modem.Base
	sub modem.Subscription
}

// New wraps a started Uart, silences command echo and pins URC delivery to
// the AT port.
func New(uart *modem.Uart, cfg modem.Config) *Modem {
	m := &Modem{Base: modem.NewBase(uart, cfg)}
	m.sub = uart.Subscribe(m.handleURC)
	timeout := m.Config().CommandTimeout
	_ = uart.SendCommand("ATE0", timeout)
	_ = uart.SendCommand(`AT+QURCCFG="urcport","uart1"`, timeout)
	return m
}

func (m *Modem) handleURC(command string, arguments []at.Argument) {
	// Registration and identity URCs are handled by the base; the family
	// sockets subscribe on their own.
}

// SetSleepMode enables or disables autonomous sleep, optionally delayed.
func (m *Modem) SetSleepMode(enable bool, delaySeconds int) error {
	timeout := m.Config().CommandTimeout
	if enable {
		if delaySeconds > 0 {
			if err := m.Uart().SendCommand(fmt.Sprintf("AT+QSCLKEX=1,%d,30", delaySeconds), timeout); err != nil {
				return err
			}
		}
		return m.Uart().SendCommand("AT+QSCLK=1", timeout)
	}
	return m.Uart().SendCommand("AT+QSCLK=0", timeout)
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

// CreateHttp layers the streaming HTTP/1.1 client over this family's
// sockets; the module has no usable HTTP engine of its own.
func (m *Modem) CreateHttp(connectID int) network.Http {
	return httpclient.New(m, connectID)
}

func (m *Modem) CreateWebSocket(connectID int) network.WebSocket {
	return websocket.New(m, connectID)
}
