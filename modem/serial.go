package modem

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialDialer opens a cellular module attached to a local serial port using
// go.bug.st/serial. The port is configured 8N1 without flow control, as the
// AT interface of the supported module families requires.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB1".
	PortName string
	// BaudRate is the initial line speed. Detection will re-probe other
	// rates if the module does not answer here. Defaults to 115200.
	BaudRate int
	// RingPoll, when non-zero, enables polling of the ring-indicator modem
	// status line at the given interval. Activity is surfaced as EventRing.
	RingPoll time.Duration
}

// Dial implements Dialer.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}
	t := &serialTransport{port: port, baud: baud}
	if d.RingPoll > 0 {
		t.events = make(chan Event, 4)
		t.stopRing = make(chan struct{})
		go t.ringLoop(d.RingPoll)
	}
	return t, nil
}

type serialTransport struct {
	port     serial.Port
	baud     int
	events   chan Event
	stopRing chan struct{}
}

func (t *serialTransport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }

func (t *serialTransport) Close() error {
	if t.stopRing != nil {
		close(t.stopRing)
	}
	return t.port.Close()
}

func (t *serialTransport) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := t.port.SetMode(mode); err != nil {
		return fmt.Errorf("set baud rate %d: %w", baud, err)
	}
	t.baud = baud
	return nil
}

func (t *serialTransport) SetDTR(high bool) error {
	return t.port.SetDTR(high)
}

func (t *serialTransport) Events() <-chan Event {
	return t.events
}

// ringLoop watches the RI status line. RI is low-active; a transition into
// the active state is reported once until the line deasserts again.
func (t *serialTransport) ringLoop(interval time.Duration) {
	defer close(t.events)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	active := false
	for {
		select {
		case <-t.stopRing:
			return
		case <-ticker.C:
			bits, err := t.port.GetModemStatusBits()
			if err != nil {
				continue
			}
			if bits.RI && !active {
				select {
				case t.events <- EventRing:
				default:
				}
			}
			active = bits.RI
		}
	}
}
