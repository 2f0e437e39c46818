package processor

import (
	"github.com/quintans/jobprocessor/backoff"
)

type options struct {
	logger     Logger
	metrics    *Metrics
	storeRetry backoff.Backoff
}

type Option func(*options)

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithStoreRetry retries failing job store calls with the delays of b.
// Without it, the first store fault ends the run.
func WithStoreRetry(b backoff.Backoff) Option {
	return func(o *options) {
		o.storeRetry = b
	}
}
