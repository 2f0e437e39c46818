// Package backoff computes the delays between retries of a failing operation.
package backoff

import (
	"errors"
	"time"
)

// ErrFinished is returned when no retry is left.
var ErrFinished = errors.New("no more retries")

// Backoff calculates the delay before a retry.
type Backoff interface {
	// NextDelay returns how long to wait before retry number retry (1-based),
	// or ErrFinished when the operation must not be retried again.
	NextDelay(retry int) (time.Duration, error)
}

type ExponentialBackoff struct {
	incBackoff time.Duration
	maxBackoff time.Duration
	maxRetries int
}

func NewExponentialBackoff(options ...ExponentialBackoffOption) ExponentialBackoff {
	b := ExponentialBackoff{
		incBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		maxRetries: 5,
	}
	for _, o := range options {
		o(&b)
	}

	return b
}

func (b ExponentialBackoff) NextDelay(retry int) (time.Duration, error) {
	if retry < 1 || retry > b.maxRetries {
		return 0, ErrFinished
	}
	factor := int64(1)
	var backoff int64
	for i := 1; i <= retry; i++ {
		backoff = factor * int64(b.incBackoff)
		if backoff > b.maxBackoff.Nanoseconds() {
			backoff = b.maxBackoff.Nanoseconds()
			break
		}
		factor = factor * 2
	}
	return time.Duration(backoff), nil
}

type ExponentialBackoffOption func(*ExponentialBackoff)

func IncBackoffOption(backoff time.Duration) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		b.incBackoff = backoff
	}
}

func MaxBackoffOption(backoff time.Duration) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		b.maxBackoff = backoff
	}
}

func MaxRetriesOption(retries int) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		b.maxRetries = retries
	}
}

// FixedBackoff retries once per listed delay.
type FixedBackoff struct {
	retries []time.Duration
}

func NewFixedBackoff(retries ...time.Duration) FixedBackoff {
	return FixedBackoff{retries: retries}
}

func (b FixedBackoff) NextDelay(retry int) (time.Duration, error) {
	if retry > 0 && retry <= len(b.retries) {
		return b.retries[retry-1], nil
	}
	return 0, ErrFinished
}
