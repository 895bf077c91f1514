package modem

import (
	"log/slog"
	"time"
)

// Config carries the settings shared by the Uart core and the modem
// supervisor built on top of it.
type Config struct {
	// Dialer opens the transport to the module. Required.
	Dialer Dialer
	// BaudRate is the target line speed negotiated after detection.
	BaudRate int
	// DetectTimeout bounds the baud-rate detection loop. A negative value
	// retries forever.
	DetectTimeout time.Duration
	// CommandTimeout is the default window for AT commands that do not
	// specify their own.
	CommandTimeout time.Duration
	// ConnectTimeout bounds endpoint connect/close/send-confirm waits.
	ConnectTimeout time.Duration
	// Logger receives wire-level debug traces. Nil disables them.
	Logger *slog.Logger
	// PowerManager is the host sleep-prevention hook. Defaults to a no-op.
	PowerManager PowerManager
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.DetectTimeout == 0 {
		c.DetectTimeout = 30 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PowerManager == nil {
		c.PowerManager = NoopPowerManager{}
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder with empty settings; Build applies the
// defaults for everything left unset.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithBaudRate(baud int) *ConfigBuilder {
	b.config.BaudRate = baud
	return b
}

func (b *ConfigBuilder) WithDetectTimeout(d time.Duration) *ConfigBuilder {
	b.config.DetectTimeout = d
	return b
}

func (b *ConfigBuilder) WithCommandTimeout(d time.Duration) *ConfigBuilder {
	b.config.CommandTimeout = d
	return b
}

func (b *ConfigBuilder) WithConnectTimeout(d time.Duration) *ConfigBuilder {
	b.config.ConnectTimeout = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithPowerManager(pm PowerManager) *ConfigBuilder {
	b.config.PowerManager = pm
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	c := b.config
	c.setDefaults()
	return c, nil
}
