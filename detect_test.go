package cellmux_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	cellmux "i4.energy/across/cellmux"
	"i4.energy/across/cellmux/ec801e"
	"i4.energy/across/cellmux/ml307"
	"i4.energy/across/cellmux/modem"
)

// transportDialer hands out a pre-built transport.
type transportDialer struct {
	transport modem.Transport
}

func (d transportDialer) Dial(ctx context.Context) (modem.Transport, error) {
	return d.transport, nil
}

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context) (modem.Transport, error) {
	return nil, errors.New("port unavailable")
}

// scriptModule answers the detection sequence with the given CGMR reply and
// acknowledges every other command.
func scriptModule(transport *modem.TestTransport, revision string) {
	transport.OnWrite(func(data string) {
		switch {
		case strings.HasPrefix(data, "AT+CGMR"):
			transport.SendData(revision + "\r\nOK\r\n")
		case strings.HasPrefix(data, "AT"):
			transport.SendData("OK\r\n")
		}
	})
}

func detectConfig(transport *modem.TestTransport) modem.Config {
	return modem.Config{
		Dialer:         transportDialer{transport: transport},
		CommandTimeout: 100 * time.Millisecond,
		DetectTimeout:  5 * time.Second,
	}
}

func TestDetectML307(t *testing.T) {
	transport := modem.NewTestTransport()
	scriptModule(transport, "ML307R-DL-00")

	m, err := cellmux.Detect(context.Background(), detectConfig(transport))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	defer m.Close()

	if _, ok := m.(*ml307.Modem); !ok {
		t.Fatalf("Detect returned %T, want *ml307.Modem", m)
	}
	rev, err := m.ModuleRevision()
	if err != nil || rev != "ML307R-DL-00" {
		t.Errorf("ModuleRevision = %q, %v", rev, err)
	}

	// ML307 startup clears stale HTTP slots.
	var sawDel bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, "AT+MHTTPDEL=0") {
			sawDel = true
		}
	}
	if !sawDel {
		t.Error("stale HTTP instances not reset at startup")
	}
}

func TestDetectEC801E(t *testing.T) {
	transport := modem.NewTestTransport()
	scriptModule(transport, "EC801ECNLCR01A01M08")

	m, err := cellmux.Detect(context.Background(), detectConfig(transport))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	defer m.Close()

	if _, ok := m.(*ec801e.Modem); !ok {
		t.Fatalf("Detect returned %T, want *ec801e.Modem", m)
	}

	var sawEcho, sawUrcPort bool
	for _, w := range transport.Writes() {
		if strings.HasPrefix(w, "ATE0") {
			sawEcho = true
		}
		if strings.HasPrefix(w, `AT+QURCCFG="urcport","uart1"`) {
			sawUrcPort = true
		}
	}
	if !sawEcho || !sawUrcPort {
		t.Errorf("EC801E startup hygiene incomplete (echo=%v urcport=%v)", sawEcho, sawUrcPort)
	}
}

func TestDetectNT26KUsesEC801EDriver(t *testing.T) {
	transport := modem.NewTestTransport()
	scriptModule(transport, "NT26K-R01A02")

	m, err := cellmux.Detect(context.Background(), detectConfig(transport))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	defer m.Close()
	if _, ok := m.(*ec801e.Modem); !ok {
		t.Fatalf("Detect returned %T, want *ec801e.Modem", m)
	}
}

func TestDetectUnknownFallsBackToML307(t *testing.T) {
	transport := modem.NewTestTransport()
	scriptModule(transport, "SIMCOM_A7670")

	m, err := cellmux.Detect(context.Background(), detectConfig(transport))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	defer m.Close()
	if _, ok := m.(*ml307.Modem); !ok {
		t.Fatalf("Detect returned %T, want *ml307.Modem fallback", m)
	}
}

func TestDetectRequiresDialer(t *testing.T) {
	_, err := cellmux.Detect(context.Background(), modem.Config{})
	if !errors.Is(err, modem.ErrNoDialer) {
		t.Fatalf("err = %v, want ErrNoDialer", err)
	}
}

func TestDetectDialFailure(t *testing.T) {
	_, err := cellmux.Detect(context.Background(), modem.Config{Dialer: failingDialer{}})
	if err == nil {
		t.Fatal("Detect succeeded with failing dialer")
	}
}

func TestDetectNoModuleAnswer(t *testing.T) {
	transport := modem.NewTestTransport()
	cfg := detectConfig(transport)
	cfg.DetectTimeout = 50 * time.Millisecond

	_, err := cellmux.Detect(context.Background(), cfg)
	if !errors.Is(err, modem.ErrBaudDetect) {
		t.Fatalf("err = %v, want ErrBaudDetect", err)
	}
}
