package processor

import "strconv"

// Budget caps how many jobs a single Run dispatches.
// The zero value is a fixed budget of zero jobs.
type Budget struct {
	remaining int
	unbounded bool
}

// Unbounded runs until stopped.
func Unbounded() Budget {
	return Budget{unbounded: true}
}

// Exactly allows at most n jobs to be dispatched. Negative values count as zero.
func Exactly(n int) Budget {
	if n < 0 {
		n = 0
	}
	return Budget{remaining: n}
}

// IsUnbounded reports whether the budget never runs out.
func (b Budget) IsUnbounded() bool {
	return b.unbounded
}

// Remaining returns the jobs left to dispatch and false when unbounded.
func (b Budget) Remaining() (int, bool) {
	return b.remaining, !b.unbounded
}

// Exhausted reports whether no further claim is allowed.
func (b Budget) Exhausted() bool {
	return !b.unbounded && b.remaining <= 0
}

func (b Budget) dispatch() Budget {
	if !b.unbounded && b.remaining > 0 {
		b.remaining--
	}
	return b
}

func (b Budget) String() string {
	if b.unbounded {
		return "unbounded"
	}
	return strconv.Itoa(b.remaining)
}
