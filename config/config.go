package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the device layer settings that are read from the environment.
type Config struct {
	// EventRetries is the number of further attempts made to send an event after the first fails.
	EventRetries int `env:"ATC_EVENT_RETRIES" envDefault:"3"`
	// EventTimeout bounds each attempt to send an event.
	EventTimeout time.Duration `env:"ATC_EVENT_TIMEOUT" envDefault:"5s"`
	// EventInterval is the minimum time between two events of the same action and instance on a device.
	EventInterval time.Duration `env:"ATC_EVENT_INTERVAL" envDefault:"1s"`
	// RulesPath is a directory of JSON rule sets providing per device settings, empty for none.
	RulesPath string `env:"ATC_RULES_PATH"`
}

// Default returns the configuration used when nothing is set in the environment.
func Default() Config {
	return Config{
		EventRetries:  3,
		EventTimeout:  5 * time.Second,
		EventInterval: time.Second,
	}
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.EventRetries < 0 {
		return fmt.Errorf("ATC_EVENT_RETRIES must not be negative: %d", c.EventRetries)
	}

	if c.EventTimeout <= 0 {
		return fmt.Errorf("ATC_EVENT_TIMEOUT must be positive: %s", c.EventTimeout)
	}

	if c.EventInterval < 0 {
		return fmt.Errorf("ATC_EVENT_INTERVAL must not be negative: %s", c.EventInterval)
	}

	return nil
}
