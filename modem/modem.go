// Package modem contains the serial AT core shared by all supported module
// families: the Uart line codec, the transport abstraction and the common
// supervisor that tracks SIM and network registration state.
package modem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellmux/at"
	"i4.energy/across/cellmux/network"
)

// Network readiness bits on the supervisor event group.
const (
	netReadyBit uint32 = 1 << iota
	netErrorBit
)

// CeregState is the 4G registration state reported by +CEREG.
type CeregState struct {
	Stat int
	Tac  string
	Ci   string
	AcT  int
}

// String renders the state as compact JSON for diagnostics.
func (s CeregState) String() string {
	out := fmt.Sprintf(`{"stat":%d`, s.Stat)
	if s.Tac != "" {
		out += fmt.Sprintf(`,"tac":%q`, s.Tac)
	}
	if s.Ci != "" {
		out += fmt.Sprintf(`,"ci":%q`, s.Ci)
	}
	if s.AcT >= 0 {
		out += fmt.Sprintf(`,"AcT":%d`, s.AcT)
	}
	return out + "}"
}

// Modem is a detected cellular module: an endpoint factory plus identity,
// registration and lifecycle operations. Implementations live in the
// family packages.
type Modem interface {
	network.Interface

	// WaitForNetworkReady blocks until the module is registered and usable.
	// A nil return means ready; otherwise one of ErrNoSIM,
	// ErrRegistrationDenied, ErrNetworkTimeout or ErrNetwork.
	WaitForNetworkReady(ctx context.Context) error

	Imei() (string, error)
	Iccid() (string, error)
	ModuleRevision() (string, error)
	CarrierName() (string, error)
	Csq() int
	RegistrationState() (CeregState, error)

	Reboot() error
	SetFlightMode(enable bool) error
	SetSleepMode(enable bool, delaySeconds int) error
	OnNetworkStateChanged(func(ready bool))

	Uart() *Uart
	Close() error
}

// Base implements the family-independent half of Modem. Family supervisors
// embed it and layer their own URC handling and endpoint factories on top.
type Base struct {
	uart   *Uart
	cfg    Config
	events *Bits
	sub    Subscription

	mu             sync.Mutex
	imei           string
	iccid          string
	carrier        string
	revision       string
	csq            int
	cereg          CeregState
	onNetworkState func(bool)

	pinReady     atomic.Bool
	networkReady atomic.Bool
	closed       atomic.Bool
}

// NewBase wraps a started Uart and registers the common URC handler.
func NewBase(uart *Uart, cfg Config) *Base {
	cfg.setDefaults()
	b := &Base{
		uart:   uart,
		cfg:    cfg,
		events: NewBits(),
		csq:    -1,
	}
	b.pinReady.Store(true)
	b.sub = uart.Subscribe(b.handleURC)
	return b
}

// Uart exposes the shared serial core so endpoints can borrow it. Endpoints
// must not outlive the modem.
func (b *Base) Uart() *Uart { return b.uart }

// Config returns the settings the modem was built with.
func (b *Base) Config() Config { return b.cfg }

// NetworkReady reports the last observed registration readiness.
func (b *Base) NetworkReady() bool { return b.networkReady.Load() }

// PinReady reports whether the SIM answered the last CPIN query.
func (b *Base) PinReady() bool { return b.pinReady.Load() }

// OnNetworkStateChanged installs the callback fired on every readiness
// transition. It runs on the receive goroutine.
func (b *Base) OnNetworkStateChanged(fn func(ready bool)) {
	b.mu.Lock()
	b.onNetworkState = fn
	b.mu.Unlock()
}

// handleURC tracks the identity and registration URCs every family shares.
func (b *Base) handleURC(command string, arguments []at.Argument) {
	switch command {
	case "CGSN":
		if len(arguments) >= 1 {
			b.mu.Lock()
			b.imei = arguments[0].String
			b.mu.Unlock()
		}
	case "ICCID":
		if len(arguments) >= 1 {
			b.mu.Lock()
			b.iccid = arguments[0].String
			b.mu.Unlock()
		}
	case "COPS":
		if len(arguments) >= 4 {
			b.mu.Lock()
			b.carrier = arguments[2].String
			b.mu.Unlock()
		}
	case "CSQ":
		if len(arguments) >= 1 {
			b.mu.Lock()
			b.csq = arguments[0].Int
			b.mu.Unlock()
		}
	case "CPIN":
		if len(arguments) >= 1 {
			b.pinReady.Store(arguments[0].String == "READY")
		}
	case "CEREG":
		if len(arguments) >= 1 {
			b.handleCereg(arguments)
		}
	}
}

// handleCereg digests both the solicited +CEREG: <n>,<stat>,... reply and
// the unsolicited +CEREG: <stat>,... form; the leading <n> is present
// exactly when the second argument is numeric.
func (b *Base) handleCereg(arguments []at.Argument) {
	state := CeregState{AcT: -1}
	statIndex := 0
	if len(arguments) >= 2 && arguments[1].Type == at.TypeInt {
		statIndex = 1
	}
	state.Stat = arguments[statIndex].Int
	if len(arguments) > statIndex+2 {
		state.Tac = arguments[statIndex+1].String
		state.Ci = arguments[statIndex+2].String
		if len(arguments) > statIndex+3 {
			state.AcT = arguments[statIndex+3].Int
		}
	}

	b.mu.Lock()
	b.cereg = state
	fn := b.onNetworkState
	b.mu.Unlock()

	ready := state.Stat == 1 || state.Stat == 5
	if b.networkReady.Load() != ready {
		b.networkReady.Store(ready)
		if fn != nil {
			fn(ready)
		}
	}
	if ready {
		b.events.Set(netReadyBit)
	} else if state.Stat == 3 {
		b.events.Set(netErrorBit)
	}
}

// WaitForNetworkReady performs the SIM check and registration wait of §4.2:
// poll CPIN up to ten times, enable CEREG URCs, then block until the module
// registers, is denied, or the context deadline passes.
func (b *Base) WaitForNetworkReady(ctx context.Context) error {
	b.networkReady.Store(false)
	b.mu.Lock()
	b.cereg = CeregState{AcT: -1}
	b.mu.Unlock()
	b.events.Clear(netReadyBit | netErrorBit)

	for i := 0; i < 10; i++ {
		err := b.uart.SendCommand("AT+CPIN?", b.cfg.CommandTimeout)
		if err == nil {
			b.pinReady.Store(true)
			break
		}
		if CMECode(err) == 10 {
			b.pinReady.Store(false)
			return ErrNoSIM
		}
		select {
		case <-ctx.Done():
			return ErrNetworkTimeout
		case <-time.After(time.Second):
		}
	}

	if err := b.uart.SendCommand("AT+CEREG=2", b.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("%w: enable CEREG URC: %v", ErrNetwork, err)
	}
	if err := b.uart.SendCommand("AT+CEREG?", b.cfg.CommandTimeout); err != nil {
		return fmt.Errorf("%w: query CEREG: %v", ErrNetwork, err)
	}

	timeout := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	bits := b.events.Wait(netReadyBit|netErrorBit, timeout)
	switch {
	case bits&netReadyBit != 0:
		return nil
	case bits&netErrorBit != 0:
		b.mu.Lock()
		stat := b.cereg.Stat
		b.mu.Unlock()
		if stat == 3 {
			return ErrRegistrationDenied
		}
		if !b.pinReady.Load() {
			return ErrNoSIM
		}
		return ErrNetwork
	default:
		return ErrNetworkTimeout
	}
}

// SignalNetworkReady is used by family supervisors whose own URCs (such as
// the ML307 PDP-context report) confirm readiness.
func (b *Base) SignalNetworkReady() {
	b.networkReady.Store(true)
	b.events.Set(netReadyBit)
}

// NetworkLost marks readiness gone and fires the state-change callback once.
func (b *Base) NetworkLost() {
	if b.networkReady.CompareAndSwap(true, false) {
		b.mu.Lock()
		fn := b.onNetworkState
		b.mu.Unlock()
		if fn != nil {
			fn(false)
		}
	}
}

// WaitNetworkReadyKeep waits for the readiness bit without consuming it.
func (b *Base) WaitNetworkReadyKeep(timeout time.Duration) bool {
	return b.events.WaitKeep(netReadyBit, timeout) != 0
}

// Imei returns the module serial number, cached after the first query.
func (b *Base) Imei() (string, error) {
	b.mu.Lock()
	v := b.imei
	b.mu.Unlock()
	if v != "" {
		return v, nil
	}
	if err := b.uart.SendCommand("AT+CGSN=1", b.cfg.CommandTimeout); err != nil {
		return "", fmt.Errorf("query IMEI: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.imei, nil
}

// Iccid returns the SIM card identifier.
func (b *Base) Iccid() (string, error) {
	if err := b.uart.SendCommand("AT+ICCID", b.cfg.CommandTimeout); err != nil {
		return "", fmt.Errorf("query ICCID: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iccid, nil
}

// ModuleRevision returns the firmware revision line, cached after the first
// query. Multi-line revisions keep only the last line, which is what Detect
// keys the family choice on.
func (b *Base) ModuleRevision() (string, error) {
	b.mu.Lock()
	v := b.revision
	b.mu.Unlock()
	if v != "" {
		return v, nil
	}
	if err := b.uart.SendCommand("AT+CGMR", b.cfg.CommandTimeout); err != nil {
		return "", fmt.Errorf("query revision: %w", err)
	}
	rev := b.uart.Response()
	b.mu.Lock()
	b.revision = rev
	b.mu.Unlock()
	return rev, nil
}

// CarrierName returns the registered operator name.
func (b *Base) CarrierName() (string, error) {
	if err := b.uart.SendCommand("AT+COPS?", b.cfg.CommandTimeout); err != nil {
		return "", fmt.Errorf("query carrier: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.carrier, nil
}

// Csq returns the last observed signal quality, -1 when none was reported
// yet. The query window is deliberately tiny; the value is refreshed by the
// URC whenever the module answers.
func (b *Base) Csq() int {
	_ = b.uart.SendCommand("AT+CSQ", 10*time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.csq
}

// RegistrationState refreshes and returns the CEREG state.
func (b *Base) RegistrationState() (CeregState, error) {
	if err := b.uart.SendCommand("AT+CEREG?", b.cfg.CommandTimeout); err != nil {
		return CeregState{}, fmt.Errorf("query CEREG: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cereg, nil
}

// Reboot is family specific; the base has no portable way to do it.
func (b *Base) Reboot() error { return ErrNotSupported }

// SetSleepMode is family specific.
func (b *Base) SetSleepMode(enable bool, delaySeconds int) error {
	return ErrNotSupported
}

// SetFlightMode switches the radio off (CFUN=4) or back to normal (CFUN=1),
// keeping DTR in the matching state so the module may sleep while grounded.
func (b *Base) SetFlightMode(enable bool) error {
	if enable {
		if err := b.uart.SendCommand("AT+CFUN=4", b.cfg.CommandTimeout); err != nil {
			return err
		}
		b.uart.SetDTR(true)
		b.networkReady.Store(false)
		return nil
	}
	b.uart.SetDTR(false)
	return b.uart.SendCommand("AT+CFUN=1", b.cfg.CommandTimeout)
}

// Close detaches the supervisor from the Uart and shuts the link down.
func (b *Base) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.uart.Unsubscribe(b.sub)
	return b.uart.Close()
}
