// Package cellmux multiplexes a single cellular-module serial link into
// concurrent typed network endpoints: TCP, TLS and UDP sockets, MQTT
// sessions, HTTP requests and WebSocket connections. Detect probes the
// attached module and returns the matching family driver.
package cellmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"i4.energy/across/cellmux/ec801e"
	"i4.energy/across/cellmux/ml307"
	"i4.energy/across/cellmux/modem"
)

// Detect dials the transport, finds the module's baud rate, moves it to the
// configured target rate and identifies the family from the firmware
// revision. Unrecognized modules get the ML307 driver with a warning, which
// matches how unknown-but-compatible clones usually behave.
func Detect(ctx context.Context, cfg modem.Config) (modem.Modem, error) {
	if cfg.Dialer == nil {
		return nil, modem.ErrNoDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	detectTimeout := cfg.DetectTimeout
	if detectTimeout == 0 {
		detectTimeout = 30 * time.Second
	}

	transport, err := cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}

	uart := modem.NewUart(transport, cfg)
	uart.Start()

	if err := uart.SetBaudRate(baud, detectTimeout); err != nil {
		uart.Close()
		return nil, fmt.Errorf("negotiate baud rate: %w", err)
	}

	if err := uart.SendCommand("AT+CGMR", 3*time.Second); err != nil {
		uart.Close()
		return nil, fmt.Errorf("query module revision: %w", err)
	}
	revision := uart.Response()
	logger.Info("detected module", "revision", revision)

	switch {
	case strings.HasPrefix(revision, "EC801E"), strings.HasPrefix(revision, "NT26K"):
		return ec801e.New(uart, cfg), nil
	case strings.HasPrefix(revision, "ML307"):
		return ml307.New(uart, cfg), nil
	default:
		logger.Warn("unrecognized module, defaulting to ML307 driver", "revision", revision)
		return ml307.New(uart, cfg), nil
	}
}
