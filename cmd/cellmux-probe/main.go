// cellmux-probe detects a cellular module on a serial port, reports its
// identity and waits for network registration. It is the field diagnostic
// for cellmux deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cellmux "i4.energy/across/cellmux"
	"i4.energy/across/cellmux/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB1", "Serial port to connect to the module")
	flag.Int("baud-rate", 115200, "Target baud rate")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Duration("network-timeout", 60*time.Second, "How long to wait for network registration")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		WithBaudRate(config.BaudRate).
		WithLogger(logger.With("component", "uart")).
		Build()
	if err != nil {
		logger.Error("Failed to build modem config", "error", err)
		os.Exit(1)
	}

	logger.Info("Probing module", "port", config.SerialPort, "baud", config.BaudRate)
	m, err := cellmux.Detect(ctx, modemConfig)
	if err != nil {
		logger.Error("Module detection failed", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if revision, err := m.ModuleRevision(); err == nil {
		logger.Info("Module revision", "revision", revision)
	}
	if imei, err := m.Imei(); err == nil {
		logger.Info("IMEI", "imei", imei)
	} else {
		logger.Warn("IMEI query failed", "error", err)
	}
	if iccid, err := m.Iccid(); err == nil {
		logger.Info("ICCID", "iccid", iccid)
	} else {
		logger.Warn("ICCID query failed (no SIM?)", "error", err)
	}

	logger.Info("Waiting for network registration", "timeout", config.NetworkTimeout)
	waitCtx, waitCancel := context.WithTimeout(ctx, config.NetworkTimeout)
	defer waitCancel()
	switch err := m.WaitForNetworkReady(waitCtx); {
	case err == nil:
		logger.Info("Network ready")
	case errors.Is(err, modem.ErrNoSIM):
		logger.Error("No SIM card inserted")
		os.Exit(2)
	case errors.Is(err, modem.ErrRegistrationDenied):
		logger.Error("Registration denied by carrier")
		os.Exit(3)
	default:
		logger.Error("Network not ready", "error", err)
		os.Exit(4)
	}

	if state, err := m.RegistrationState(); err == nil {
		logger.Info("Registration state", "cereg", state.String())
	}
	if carrier, err := m.CarrierName(); err == nil {
		logger.Info("Carrier", "name", carrier)
	}
	logger.Info("Signal quality", "csq", m.Csq())
}
