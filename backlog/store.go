// Package backlog defines the job store shared by queued job workers.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound      = errors.New("no job with the given ID was found")
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrLeaseLost is returned when a terminal write carries a ticket that is no longer current,
	// because the job's lease expired and it was claimed again.
	ErrLeaseLost = errors.New("job lease lost")
)

const (
	DefaultLockDuration = 5 * time.Minute
	DefaultMaxAttempts  = 3
)

// ExpiredMessage is recorded for a job whose last allowed lease ran out.
const ExpiredMessage = "lease expired with no outcome"

type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Store represents the backlog of jobs shared by all worker instances.
type Store interface {
	// Enqueue adds a pending job. An empty ID is generated.
	Enqueue(context.Context, *Entry) error
	// Claim exclusively takes the next claimable job of the given kind.
	// It returns nil, nil when there is none.
	Claim(ctx context.Context, kind string) (*Entry, error)
	// Complete records the result of a claimed job.
	Complete(ctx context.Context, ticket Ticket, result []byte, took time.Duration) error
	// Fail records the failure of a claimed job.
	Fail(ctx context.Context, ticket Ticket, msg string, took time.Duration) error
	// Get gets a stored job
	Get(ctx context.Context, id string) (*Entry, error)
	// Delete deletes a stored job
	Delete(ctx context.Context, id string) error
	// Clear all the jobs
	Clear(context.Context) error
}

type Entry struct {
	ID             string
	Kind           string
	Payload        []byte
	Status         Status
	Attempts       int
	Version        int64
	CreatedAt      time.Time
	RunAt          time.Time
	ClaimedAt      time.Time
	LockedUntil    time.Time
	Result         []byte
	Error          string
	ProcessingTime time.Duration
}

// Ticket identifies one claim of an entry.
func (e *Entry) Ticket() Ticket {
	return Ticket{ID: e.ID, Version: e.Version}
}

// IsClaimable reports whether the entry may be claimed at now given the maximum attempts.
func (e *Entry) IsClaimable(now time.Time, maxAttempts int) bool {
	switch e.Status {
	case StatusPending:
		return !e.RunAt.After(now)
	case StatusClaimed:
		return e.LockedUntil.Before(now) && e.Attempts < maxAttempts
	default:
		return false
	}
}

// IsExpired reports whether the entry holds a lease that ran out with no attempts left.
func (e *Entry) IsExpired(now time.Time, maxAttempts int) bool {
	return e.Status == StatusClaimed && e.LockedUntil.Before(now) && e.Attempts >= maxAttempts
}

// Ticket is the identity of a claim: the entry ID and the version the claim produced.
type Ticket struct {
	ID      string
	Version int64
}

func (t Ticket) String() string {
	return fmt.Sprintf("%s@%d", t.ID, t.Version)
}
