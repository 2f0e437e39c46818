package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

var errNoHandle = errors.New("job processor returned no execution handle")

// Handle is a reference to a job computation running on its own goroutine.
// It is owned by the supervisor for the lifetime of one job.
type Handle[A any] struct {
	done      chan struct{}
	artifacts A
	err       error
}

// Go starts fn on a new goroutine and returns immediately.
// A panic inside fn is recovered and reported by Result as a *PanicError.
func Go[A any](ctx context.Context, fn func(context.Context) (A, error)) *Handle[A] {
	h := &Handle[A]{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		h.artifacts, h.err = fn(ctx)
	}()
	return h
}

// Failed returns an already finished handle that resolves to err.
func Failed[A any](err error) *Handle[A] {
	h := &Handle[A]{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

// IsFinished reports whether the computation has finished, without blocking.
func (h *Handle[A]) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed when the computation finishes.
func (h *Handle[A]) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the computation finishes and returns its outcome.
func (h *Handle[A]) Result() (A, error) {
	<-h.done
	return h.artifacts, h.err
}

// PanicError is the fault produced by a job that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "panic: " + e.Message()
}

// Message extracts a best-effort description of the panic value.
func (e *PanicError) Message() string {
	switch v := e.Value.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	case nil:
		return "Unknown panic"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FailureMessage converts an execution fault into the diagnostic persisted with a failed job.
// The result is never empty.
func FailureMessage(err error) string {
	var msg string
	var pe *PanicError
	if errors.As(err, &pe) {
		msg = pe.Message()
	} else if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		return "Unknown error"
	}
	return msg
}
