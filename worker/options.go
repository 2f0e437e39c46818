package worker

import (
	"time"

	"github.com/quintans/jobprocessor/processor"
)

type config struct {
	name     string
	interval time.Duration
	codec    Codec
	logger   processor.Logger
}

type Option func(*config)

// WithCodec sets the payload and result codec. Defaults to JSON.
func WithCodec(c Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
	}
}

func WithPollingInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.interval = d
	}
}

// WithServiceName overrides the service name, which defaults to the job kind.
func WithServiceName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

func WithLogger(logger processor.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}
