package atc

import (
	"github.com/atc-home/atc/config"
	"github.com/atc-home/atc/rules"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
)

type Option func(*options)

type options struct {
	logger   logwrap.Logger
	section  persistence.Section
	sender   EventSender
	cfg      config.Config
	settings map[string]rules.Settings
	engine   *rules.Engine
	clock    clockwork.Clock
	metrics  *Metrics
}

func newOptions(opts []Option) options {
	o := options{
		logger:   logwrap.New(discard.Discard()),
		cfg:      config.Default(),
		settings: map[string]rules.Settings{},
		clock:    clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.section == nil {
		o.section = memory.New()
	}

	return o
}

// WithSection persists state into s rather than a private in memory section.
func WithSection(s persistence.Section) Option {
	return func(o *options) {
		o.section = s
	}
}

// WithEventSender sets the transport device events are published through.
func WithEventSender(es EventSender) Option {
	return func(o *options) {
		o.sender = es
	}
}

func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithSettings provides capability settings keyed by capability implementation name, overlaying any given before.
func WithSettings(settings map[string]rules.Settings) Option {
	return func(o *options) {
		for ns, s := range settings {
			o.settings[ns] = s
		}
	}
}

// WithRules has a Hub look up capability settings for each device it creates. The engine must already be compiled.
func WithRules(e *rules.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithClock replaces the real clock used to timestamp and rate limit events.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
