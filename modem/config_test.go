package modem_test

import (
	"errors"
	"testing"
	"time"

	"i4.energy/across/cellmux/modem"
)

func TestConfigBuilderRequiresDialer(t *testing.T) {
	_, err := modem.NewConfigBuilder().Build()
	if !errors.Is(err, modem.ErrNoDialer) {
		t.Fatalf("Build() error = %v, want ErrNoDialer", err)
	}
}

func TestConfigBuilderDefaults(t *testing.T) {
	cfg, err := modem.NewConfigBuilder().
		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB1"}).
		Build()
	if err != nil {
		t.Fatalf("Build(): %v", err)
	}
	if cfg.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want 115200", cfg.BaudRate)
	}
	if cfg.CommandTimeout != time.Second {
		t.Errorf("CommandTimeout = %v, want 1s", cfg.CommandTimeout)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
	if cfg.DetectTimeout != 30*time.Second {
		t.Errorf("DetectTimeout = %v, want 30s", cfg.DetectTimeout)
	}
	if cfg.PowerManager == nil {
		t.Error("PowerManager default missing")
	}
}

func TestConfigBuilderOverrides(t *testing.T) {
	cfg, err := modem.NewConfigBuilder().
		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB1"}).
		WithBaudRate(921600).
		WithCommandTimeout(3 * time.Second).
		WithConnectTimeout(15 * time.Second).
		WithDetectTimeout(-1).
		Build()
	if err != nil {
		t.Fatalf("Build(): %v", err)
	}
	if cfg.BaudRate != 921600 || cfg.CommandTimeout != 3*time.Second ||
		cfg.ConnectTimeout != 15*time.Second || cfg.DetectTimeout != -1 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
