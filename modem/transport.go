package modem

import (
	"context"
	"io"
)

// Transport represents an established, bidirectional byte stream to a
// cellular module.
//
// A Transport is assumed to be already connected and ready for use. It
// provides the low-level I/O primitives required to send AT commands and
// receive responses, plus baud-rate control for the detection sequence.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser

	// SetBaudRate reconfigures the line speed. Implementations without a
	// physical line (emulators, fakes) may treat it as a no-op.
	SetBaudRate(baud int) error
}

// ControlLines is implemented by transports that expose the DTR output used
// to hold the module awake. DTR is active-low: driving it low asserts
// "module active".
type ControlLines interface {
	SetDTR(high bool) error
}

// Event is an out-of-band condition reported by a transport driver.
type Event int

const (
	// EventOverflow signals that the driver lost inbound bytes. The Uart
	// converts it into the synthetic FIFO_OVERFLOW URC; every endpoint
	// treats that as fatal for its slot.
	EventOverflow Event = iota
	// EventBreak signals a line break condition.
	EventBreak
	// EventBufferFull signals the driver ring buffer filled up.
	EventBufferFull
	// EventRing signals ring-indicator activity: the module has data and
	// the host must be kept from sleeping until it is drained.
	EventRing
)

// EventSource is implemented by transports whose driver reports out-of-band
// conditions. The channel is drained by the Uart's event goroutine and must
// be closed when the transport closes.
type EventSource interface {
	Events() <-chan Event
}

// Dialer opens a Transport to a cellular module.
//
// Dialer abstracts how the connection is created (for example, via a serial
// port, a TCP-based emulator, or a test double) and is used during modem
// construction only. Once a Transport is obtained, the Dialer is no longer
// needed.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may perform
	// blocking operations and should respect cancellation and deadlines
	// provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// PowerManager is the host power-management hook the DTR activation guard
// and the ring-indicator path take references on. Acquire prevents the host
// from sleeping until the matching Release.
type PowerManager interface {
	Acquire()
	Release()
}

// NoopPowerManager satisfies PowerManager on hosts without managed sleep.
type NoopPowerManager struct{}

func (NoopPowerManager) Acquire() {}
func (NoopPowerManager) Release() {}
