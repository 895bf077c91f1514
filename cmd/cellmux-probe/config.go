package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the probe tool configuration
type Config struct {
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB1")
	SerialPort string
	// BaudRate is the target line speed negotiated after detection
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// NetworkTimeout bounds the wait for network registration
	NetworkTimeout time.Duration
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.SerialPort = "/dev/ttyUSB1"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.NetworkTimeout = 60 * time.Second
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if port := os.Getenv("SERIAL_PORT"); port != "" {
			c.SerialPort = port
		}
		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}
		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}
		if timeout := os.Getenv("NETWORK_TIMEOUT"); timeout != "" {
			if d, err := time.ParseDuration(timeout); err == nil {
				c.NetworkTimeout = d
			}
		}
		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "network-timeout":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.NetworkTimeout = d
				}
			}
		})
		return nil
	}
}
