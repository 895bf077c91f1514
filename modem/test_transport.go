package modem

import (
	"io"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using
// channels. The Uart's receive goroutine continuously reads from the
// transport, so reads must block until data is available, like a real serial
// port would. Exported for use by the family packages' tests.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	events   chan Event
	writes   []string
	baud     int
	dtrHigh  bool
	onWrite  func(data string)
	closed   bool
}

// NewTestTransport creates a new test transport.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
		events:   make(chan Event, 4),
		baud:     115200,
	}
}

func (t *TestTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.writes = append(t.writes, string(p))
	fn := t.onWrite
	t.mu.Unlock()
	if fn != nil {
		fn(string(p))
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (int, error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	close(t.events)
	return nil
}

func (t *TestTransport) SetBaudRate(baud int) error {
	t.mu.Lock()
	t.baud = baud
	t.mu.Unlock()
	return nil
}

func (t *TestTransport) SetDTR(high bool) error {
	t.mu.Lock()
	t.dtrHigh = high
	t.mu.Unlock()
	return nil
}

func (t *TestTransport) Events() <-chan Event {
	return t.events
}

// SendData queues data to be read by the transport, simulating bytes
// arriving from the module.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// SendEvent queues a driver event.
func (t *TestTransport) SendEvent(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.events <- ev
	}
}

// OnWrite installs a responder invoked synchronously with every chunk the
// Uart writes. Tests use it to script command/response exchanges.
func (t *TestTransport) OnWrite(fn func(data string)) {
	t.mu.Lock()
	t.onWrite = fn
	t.mu.Unlock()
}

// Writes returns everything written so far.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	copy(out, t.writes)
	return out
}

// BaudRate returns the last configured line speed.
func (t *TestTransport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baud
}

// DTRHigh returns the last DTR level driven by the Uart.
func (t *TestTransport) DTRHigh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtrHigh
}
