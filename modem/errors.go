package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrClosed is returned when an operation is attempted on a Uart or
	// modem that has been shut down.
	ErrClosed = errors.New("modem closed")

	// ErrCommandTimeout is returned when a command's bounded wait expired
	// without a final result code. The modem-side slot may still be busy;
	// the next user of the slot must reclaim it.
	ErrCommandTimeout = errors.New("AT command timeout")

	// ErrCommandFailed is returned when the module answered ERROR without a
	// CME error code.
	ErrCommandFailed = errors.New("AT command failed")

	// ErrBaudDetect is returned when no probed baud rate produced a
	// response within the detection window.
	ErrBaudDetect = errors.New("baud rate detection failed")

	// ErrNoSIM is returned by WaitForNetworkReady when the module reports
	// that no SIM card is inserted (CME error 10).
	ErrNoSIM = errors.New("SIM card not inserted")

	// ErrRegistrationDenied is returned when network registration was
	// rejected by the carrier (CEREG stat 3).
	ErrRegistrationDenied = errors.New("network registration denied")

	// ErrNetworkTimeout is returned when registration did not complete
	// within the caller's deadline.
	ErrNetworkTimeout = errors.New("network registration timeout")

	// ErrNetwork is returned for registration failures that are neither a
	// denial nor a missing SIM.
	ErrNetwork = errors.New("network registration failed")

	// ErrNotSupported is returned by lifecycle operations a module family
	// does not implement.
	ErrNotSupported = errors.New("operation not supported by this module")
)

// CMEError carries the numeric code of a +CME ERROR reply. The codes follow
// GSM 27.007 plus vendor extensions; they are preserved verbatim for
// diagnostic surfaces.
type CMEError struct {
	Code int
}

func (e *CMEError) Error() string {
	return fmt.Sprintf("CME error %d", e.Code)
}

// CMECode extracts the CME error code from err, or -1 when err does not
// carry one.
func CMECode(err error) int {
	var cme *CMEError
	if errors.As(err, &cme) {
		return cme.Code
	}
	return -1
}
