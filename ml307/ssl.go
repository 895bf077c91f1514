package ml307

import (
	"fmt"

	"i4.energy/across/cellmux/modem"
)

// NewSsl creates a TLS endpoint. It is the TCP endpoint with the slot's SSL
// configuration forced on; the TLS session itself terminates inside the
// module firmware.
func NewSsl(uart *modem.Uart, connectID int, cfg modem.Config) *Tcp {
	t := NewTcp(uart, connectID, cfg)
	t.configureSsl = func() error {
		// Certificate verification stays off; provisioning CA material onto
		// the module is an operator task.
		if err := uart.SendCommand(`AT+MSSLCFG="auth",0,0`, cfg.CommandTimeout); err != nil {
			return fmt.Errorf("ssl %d: set auth mode: %w", connectID, err)
		}
		if err := uart.SendCommand(fmt.Sprintf(`AT+MIPCFG="ssl",%d,1,0`, connectID), cfg.CommandTimeout); err != nil {
			return fmt.Errorf("ssl %d: enable SSL: %w", connectID, err)
		}
		return nil
	}
	return t
}
