package processor

import "github.com/quintans/jobprocessor/internal/lib"

// StopSignal is a process-wide shutdown request. Run only observes it.
type StopSignal interface {
	// Stopped reports whether shutdown was requested.
	Stopped() bool
	// Done is closed when shutdown is requested.
	Done() <-chan struct{}
}

// StopFlag is a StopSignal set by the owning process.
type StopFlag struct {
	latch *lib.Latch
}

func NewStopFlag() *StopFlag {
	return &StopFlag{latch: lib.NewLatch()}
}

// Stop requests shutdown. It is safe to call more than once and from any goroutine.
func (s *StopFlag) Stop() {
	s.latch.Set()
}

func (s *StopFlag) Stopped() bool {
	return s.latch.IsSet()
}

func (s *StopFlag) Done() <-chan struct{} {
	return s.latch.Done()
}
