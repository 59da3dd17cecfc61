package atc

import (
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"log"
)

func WithGoLogger(parentLogger *log.Logger) Option {
	return WithLogWrapLogger(logwrap.New(golog.Wrap(parentLogger)))
}

func WithLogWrapLogger(lw logwrap.Logger) Option {
	return func(o *options) {
		o.logger = lw
	}
}
