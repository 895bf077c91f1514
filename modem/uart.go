package modem

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/cellmux/at"
)

// Command completion bits.
const (
	bitCommandDone uint32 = 1 << iota
	bitCommandError
)

// FifoOverflowURC is the synthetic URC delivered to every subscriber when
// the transport driver reports lost inbound bytes. Endpoints treat it as
// fatal for their slot.
const FifoOverflowURC = "FIFO_OVERFLOW"

// baudProbeOrder is the sequence of rates tried during detection, most
// likely first.
var baudProbeOrder = []int{115200, 921600, 460800, 230400, 57600, 38400, 19200, 9600}

// UrcHandler receives one parsed URC. Handlers run on the Uart's receive
// goroutine and must not block it for long; anything that needs to issue AT
// commands has to be dispatched to another goroutine.
type UrcHandler func(command string, arguments []at.Argument)

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	id uint64
}

type subscriber struct {
	id uint64
	fn UrcHandler
}

// Uart drives the serial link to a cellular module. It interleaves
// synchronous request/response AT commands with asynchronous URCs: a single
// receive goroutine frames lines from the byte stream, routes URCs to the
// registered handlers in subscription order, and gates SendCommand callers
// on the OK/ERROR terminators. At most one command is in flight at any time.
type Uart struct {
	transport Transport
	logger    *slog.Logger
	pm        PowerManager
	dtr       ControlLines

	// cmdMu serializes commands across all endpoints.
	cmdMu           sync.Mutex
	signals         *Bits
	waitForResponse atomic.Bool
	cmeCode         atomic.Int32
	baudRate        atomic.Int32

	// mu guards the response slot and the subscriber list.
	mu       sync.Mutex
	response string
	subs     []subscriber
	nextID   uint64

	// rx is touched only by the receive goroutine.
	rx []byte

	dtrMu    sync.Mutex
	ringHeld atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// NewUart wraps an established transport. Start must be called before any
// command is sent.
func NewUart(transport Transport, cfg Config) *Uart {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pm := cfg.PowerManager
	if pm == nil {
		pm = NoopPowerManager{}
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	u := &Uart{
		transport: transport,
		logger:    logger,
		pm:        pm,
		signals:   NewBits(),
	}
	u.baudRate.Store(int32(baud))
	if lines, ok := transport.(ControlLines); ok {
		u.dtr = lines
	}
	return u
}

// Start launches the receive goroutine and, when the transport reports
// driver events, the event goroutine.
func (u *Uart) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	u.group = group
	group.Go(func() error { return u.receiveLoop(ctx) })
	if source, ok := u.transport.(EventSource); ok {
		if events := source.Events(); events != nil {
			group.Go(func() error { return u.eventLoop(ctx, events) })
		}
	}
}

// Close shuts the Uart down and closes the transport. Outstanding waiters
// observe a command error.
func (u *Uart) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if u.cancel != nil {
		u.cancel()
	}
	err := u.transport.Close()
	u.signals.Set(bitCommandError)
	if u.group != nil {
		u.group.Wait()
	}
	return err
}

// receiveLoop is the sole reader of the transport and the sole mutator of
// the receive buffer and the response slot.
func (u *Uart) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 512)
	for {
		n, err := u.transport.Read(buf)
		if n > 0 {
			if u.ringHeld.CompareAndSwap(true, false) {
				u.pm.Release()
			}
			u.rx = append(u.rx, buf[:n]...)
			for u.parseResponse() {
			}
		}
		if err != nil {
			if u.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("uart read: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// eventLoop drains transport driver events. Overflow becomes the synthetic
// FIFO_OVERFLOW URC; ring-indicator activity takes a power-management
// reference that the receive path releases once data arrives.
func (u *Uart) eventLoop(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev {
			case EventOverflow, EventBufferFull:
				u.logger.Error("uart receive overflow")
				u.handleURC(FifoOverflowURC, nil)
			case EventBreak:
				u.logger.Warn("uart break condition")
			case EventRing:
				if u.ringHeld.CompareAndSwap(false, true) {
					u.pm.Acquire()
				}
			}
		}
	}
}

func (u *Uart) consume(n int) {
	u.rx = u.rx[:copy(u.rx, u.rx[n:])]
}

// parseResponse extracts one record from the head of the receive buffer.
// It returns false when more bytes are needed.
func (u *Uart) parseResponse() bool {
	if len(u.rx) == 0 {
		return false
	}
	// A pending command may be waiting for the data prompt.
	if u.waitForResponse.Load() && u.rx[0] == at.Prompt {
		u.consume(1)
		u.signals.Set(bitCommandDone)
		return true
	}

	end := bytes.Index(u.rx, []byte(at.CRLF))
	if end < 0 {
		// Known firmware defect: the "ind" URC arrives without its line
		// terminator. Insert one before the next URC, or at the end.
		if bytes.HasPrefix(u.rx, []byte(`+MHTTPURC: "ind"`)) {
			if next := bytes.IndexByte(u.rx[1:], '+'); next >= 0 {
				pos := next + 1
				patched := make([]byte, 0, len(u.rx)+2)
				patched = append(patched, u.rx[:pos]...)
				patched = append(patched, at.CRLF...)
				patched = append(patched, u.rx[pos:]...)
				u.rx = patched
			} else {
				u.rx = append(u.rx, at.CRLF...)
			}
			end = bytes.Index(u.rx, []byte(at.CRLF))
		} else {
			return false
		}
	}

	if end == 0 {
		u.consume(2)
		return true
	}

	line := u.rx[:end]
	if u.logger.Enabled(context.Background(), slog.LevelDebug) {
		u.logger.Debug("<<", "line", string(line))
	}

	switch {
	case line[0] == '+':
		command, arguments := at.SplitURC(string(line))
		u.consume(end + 2)
		u.handleURC(command, arguments)
	case string(line) == at.OK:
		u.consume(end + 2)
		u.signals.Set(bitCommandDone)
	case string(line) == at.ERROR:
		u.consume(end + 2)
		u.signals.Set(bitCommandError)
	case line[0] == at.WakeMarker:
		u.consume(end + 2)
	default:
		u.mu.Lock()
		u.response = string(line)
		u.mu.Unlock()
		u.consume(end + 2)
	}
	return true
}

// handleURC routes one URC. CME errors complete the pending command and are
// not forwarded; everything else reaches every subscriber in registration
// order. The subscriber list is snapshotted so callbacks never run with the
// list mutex held.
func (u *Uart) handleURC(command string, arguments []at.Argument) {
	if command == at.CmeError {
		if len(arguments) > 0 && arguments[0].Type == at.TypeInt {
			u.cmeCode.Store(int32(arguments[0].Int))
		}
		u.signals.Set(bitCommandError)
		return
	}
	u.mu.Lock()
	subs := make([]subscriber, len(u.subs))
	copy(subs, u.subs)
	u.mu.Unlock()
	for _, s := range subs {
		s.fn(command, arguments)
	}
}

// SendCommand writes one AT command terminated by CRLF and waits up to
// timeout for its final result code. A nil return means the module answered
// OK; ERROR and +CME ERROR map to ErrCommandFailed or a *CMEError. A
// non-positive timeout sends without waiting.
func (u *Uart) SendCommand(command string, timeout time.Duration) error {
	return u.send(command, timeout, true, nil)
}

// SendCommandRaw behaves like SendCommand but writes the command bytes
// verbatim, for callers that build their own framing.
func (u *Uart) SendCommandRaw(command string, timeout time.Duration) error {
	return u.send(command, timeout, false, nil)
}

// SendCommandData writes the command, waits for the first completion (OK or
// the '>' data prompt), then writes the raw payload and waits again. This is
// the shape of the data-phase commands of both module families.
func (u *Uart) SendCommandData(command string, timeout time.Duration, data []byte) error {
	return u.send(command, timeout, true, data)
}

func (u *Uart) send(command string, timeout time.Duration, addCRLF bool, data []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	u.cmdMu.Lock()
	defer u.cmdMu.Unlock()

	if u.logger.Enabled(context.Background(), slog.LevelDebug) {
		u.logger.Debug(">>", "command", command)
	}

	u.signals.Clear(bitCommandDone | bitCommandError)
	u.waitForResponse.Store(true)
	u.cmeCode.Store(0)
	u.mu.Lock()
	u.response = ""
	u.mu.Unlock()

	wire := command
	if addCRLF {
		wire += at.CRLF
	}
	if _, err := u.transport.Write([]byte(wire)); err != nil {
		u.waitForResponse.Store(false)
		return fmt.Errorf("write command: %w", err)
	}
	if timeout <= 0 {
		u.waitForResponse.Store(false)
		return nil
	}
	if err := u.waitCompletion(timeout); err != nil {
		return err
	}

	if len(data) > 0 {
		u.waitForResponse.Store(true)
		if _, err := u.transport.Write(data); err != nil {
			u.waitForResponse.Store(false)
			return fmt.Errorf("write payload: %w", err)
		}
		return u.waitCompletion(timeout)
	}
	return nil
}

func (u *Uart) waitCompletion(timeout time.Duration) error {
	bits := u.signals.Wait(bitCommandDone|bitCommandError, timeout)
	u.waitForResponse.Store(false)
	if bits&bitCommandDone != 0 {
		return nil
	}
	if bits&bitCommandError != 0 {
		if u.closed.Load() {
			return ErrClosed
		}
		if code := int(u.cmeCode.Load()); code != 0 {
			return &CMEError{Code: code}
		}
		return ErrCommandFailed
	}
	return ErrCommandTimeout
}

// SendData writes raw bytes with no command framing and no completion wait,
// for data phases the module consumes without acknowledging. The caller must
// already own the command window the bytes belong to.
func (u *Uart) SendData(data []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if _, err := u.transport.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// Response returns the most recent non-terminator line observed after the
// last command send. Multi-line replies keep only the final line.
func (u *Uart) Response() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.response
}

// CmeErrorCode returns the CME code of the last failed command, 0 if none.
func (u *Uart) CmeErrorCode() int {
	return int(u.cmeCode.Load())
}

// Subscribe appends a URC handler and returns its handle. Handlers are
// invoked in subscription order.
func (u *Uart) Subscribe(fn UrcHandler) Subscription {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	u.subs = append(u.subs, subscriber{id: u.nextID, fn: fn})
	return Subscription{id: u.nextID}
}

// Unsubscribe removes the handler named by the handle. Unknown handles are
// ignored.
func (u *Uart) Unsubscribe(s Subscription) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, e := range u.subs {
		if e.id == s.id {
			u.subs = append(u.subs[:i], u.subs[i+1:]...)
			return
		}
	}
}

// BaudRate returns the current line speed.
func (u *Uart) BaudRate() int {
	return int(u.baudRate.Load())
}

// DetectBaudRate probes the known rates until the module answers AT. The
// loop retries every second until the timeout elapses; a negative timeout
// retries forever.
func (u *Uart) DetectBaudRate(timeout time.Duration) (int, error) {
	start := time.Now()
	for {
		for _, rate := range baudProbeOrder {
			if err := u.transport.SetBaudRate(rate); err != nil {
				return 0, err
			}
			if u.SendCommand("AT", 20*time.Millisecond) == nil {
				u.logger.Info("detected baud rate", "baud", rate)
				u.baudRate.Store(int32(rate))
				return rate, nil
			}
		}
		if timeout >= 0 && time.Since(start) >= timeout {
			return 0, ErrBaudDetect
		}
		time.Sleep(time.Second)
	}
}

// SetBaudRate detects the module's current rate and, if it differs from
// target, switches both sides with AT+IPR and confirms the module still
// answers afterwards.
func (u *Uart) SetBaudRate(target int, timeout time.Duration) error {
	rate, err := u.DetectBaudRate(timeout)
	if err != nil {
		return err
	}
	if rate == target {
		return nil
	}
	if err := u.SendCommand(fmt.Sprintf("AT+IPR=%d", target), time.Second); err != nil {
		return fmt.Errorf("set baud rate %d: %w", target, err)
	}
	if err := u.transport.SetBaudRate(target); err != nil {
		return err
	}
	u.baudRate.Store(int32(target))
	if err := u.SendCommand("AT", 500*time.Millisecond); err != nil {
		return fmt.Errorf("probe at %d baud: %w", target, err)
	}
	return nil
}

// SetDTR drives the DTR output. Low asserts "module active". The call
// settles for 20ms so the module observes the edge. Absent DTR lines make
// this a no-op.
func (u *Uart) SetDTR(high bool) {
	if u.dtr == nil {
		return
	}
	if err := u.dtr.SetDTR(high); err != nil {
		u.logger.Warn("set DTR", "high", high, "error", err)
		return
	}
	time.Sleep(20 * time.Millisecond)
}

// HoldActive asserts DTR and takes a power-management reference so neither
// side sleeps during a command sequence. The returned release restores both;
// call it exactly once. Guards are exclusive: concurrent holders serialize.
func (u *Uart) HoldActive() (release func()) {
	u.dtrMu.Lock()
	u.pm.Acquire()
	u.SetDTR(false)
	return func() {
		u.SetDTR(true)
		u.pm.Release()
		u.dtrMu.Unlock()
	}
}
