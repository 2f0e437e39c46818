package lib

import (
	"sync"
)

// Latch is a one-shot signal:
//   - Set(): closes the channel returned by Done. Later calls do nothing.
//   - IsSet(): reports, without blocking, whether Set was called.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch creates an unset Latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set releases every current and future waiter.
func (l *Latch) Set() {
	l.once.Do(func() {
		close(l.ch)
	})
}

// IsSet reports whether the latch was released.
func (l *Latch) IsSet() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once Set is called.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}
