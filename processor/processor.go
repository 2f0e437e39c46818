// Package processor runs the claim, execute and record loop shared by every queued job worker.
//
// Many instances may run the loop against the same job store. Each instance holds at most one
// job at a time; scaling out means starting more instances. A job runs on its own goroutine and
// is polled until it resolves, then exactly one outcome is persisted: its artifacts through
// SaveResult, or a diagnostic message through SaveFailure when it panicked or returned an error.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// DefaultPollingInterval applies when a processor does not set its own.
const DefaultPollingInterval = 250 * time.Millisecond

// ErrStore marks a job store fault that ended a run.
var ErrStore = errors.New("job store fault")

// Claim is a job exclusively handed to one caller of GetNextJob.
type Claim[ID comparable, J any] struct {
	ID  ID
	Job J
}

// JobProcessor is implemented by concrete workers.
// S is the job store handle, ID identifies a job in that store, J is the job payload and
// A the artifacts a successful run produces.
type JobProcessor[S any, ID comparable, J any, A any] interface {
	// ServiceName labels logs and metrics.
	ServiceName() string
	// PollingInterval is the idle backlog sleep and the supervisor poll cadence.
	PollingInterval() time.Duration

	// GetNextJob claims the next job, or returns nil when nothing is claimable.
	// It must be concurrency-safe: one job is never handed to two callers, even across processes.
	GetNextJob(ctx context.Context, store S) (*Claim[ID, J], error)
	// ProcessJob starts the job and returns without waiting for it.
	ProcessJob(ctx context.Context, store S, job J, startedAt time.Time) *Handle[A]
	// SaveResult records a successful outcome. Called at most once per job.
	SaveResult(ctx context.Context, store S, id ID, startedAt time.Time, artifacts A) error
	// SaveFailure records a failed outcome. Called at most once per job.
	SaveFailure(ctx context.Context, store S, id ID, startedAt time.Time, msg string) error
}

// Settings supplies ServiceName and PollingInterval to processors that embed it.
type Settings struct {
	Name     string
	Interval time.Duration
}

func (s Settings) ServiceName() string {
	return s.Name
}

func (s Settings) PollingInterval() time.Duration {
	if s.Interval <= 0 {
		return DefaultPollingInterval
	}
	return s.Interval
}

type runner[S any, ID comparable, J any, A any] struct {
	options
	p        JobProcessor[S, ID, J, A]
	store    S
	name     string
	interval time.Duration
}

// Run claims and supervises jobs one at a time until the budget is used up, the backlog of a
// bounded run is empty, or shutdown is requested through stop or ctx.
//
// Shutdown is only observed before a claim: a job in flight always runs to its persisted outcome.
// Job faults are contained and recorded; store faults end the run with an error wrapping ErrStore.
// stop may be nil.
func Run[S any, ID comparable, J any, A any](
	ctx context.Context,
	p JobProcessor[S, ID, J, A],
	store S,
	stop StopSignal,
	budget Budget,
	opts ...Option,
) error {
	r := &runner[S, ID, J, A]{
		options: options{
			logger: DefaultLogger(),
		},
		p:        p,
		store:    store,
		name:     p.ServiceName(),
		interval: p.PollingInterval(),
	}
	for _, o := range opts {
		o(&r.options)
	}
	if r.interval <= 0 {
		r.interval = DefaultPollingInterval
	}

	for !budget.Exhausted() {
		if stopRequested(ctx, stop) {
			r.logger.Warn("Stop signal received, shutting down %s component while waiting for a new job", r.name)
			return nil
		}

		claim, err := r.nextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Warn("Context cancelled, shutting down %s component while waiting for a new job", r.name)
				return nil
			}
			return err
		}
		if claim == nil {
			r.metrics.idlePoll(r.name)
			if !budget.IsUnbounded() {
				r.logger.Info("No more jobs to process. %s can stop now.", r.name)
				return nil
			}
			r.idle(ctx, stop)
			continue
		}

		budget = budget.dispatch()
		if err := r.dispatch(ctx, claim); err != nil {
			return err
		}
	}

	r.logger.Info("Requested number of jobs is processed. %s can stop now.", r.name)
	return nil
}

func stopRequested(ctx context.Context, stop StopSignal) bool {
	return ctx.Err() != nil || (stop != nil && stop.Stopped())
}

func (r *runner[S, ID, J, A]) nextJob(ctx context.Context) (*Claim[ID, J], error) {
	var claim *Claim[ID, J]
	err := r.withStore(ctx, "claim", func(c context.Context) error {
		var err error
		claim, err = r.p.GetNextJob(c, r.store)
		return err
	})
	return claim, err
}

// idle sleeps one polling interval, waking early on shutdown.
func (r *runner[S, ID, J, A]) idle(ctx context.Context, stop StopSignal) {
	var stopped <-chan struct{}
	if stop != nil {
		stopped = stop.Done()
	}

	t := time.NewTimer(r.interval)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	case <-stopped:
	}
}

func (r *runner[S, ID, J, A]) dispatch(ctx context.Context, claim *Claim[ID, J]) error {
	startedAt := time.Now()
	r.metrics.jobClaimed(r.name)

	// the job and its outcome must survive a cancellation of the run
	jobCtx := context.WithoutCancel(ctx)

	r.logger.Debug("Spawning thread processing %s job with id %v", r.name, claim.ID)
	h := r.start(jobCtx, claim.Job, startedAt)

	return r.waitForTask(jobCtx, claim.ID, startedAt, h)
}

// start calls ProcessJob, turning a panic or a missing handle into a failed handle.
func (r *runner[S, ID, J, A]) start(ctx context.Context, job J, startedAt time.Time) (h *Handle[A]) {
	defer func() {
		if rec := recover(); rec != nil {
			h = Failed[A](&PanicError{Value: rec, Stack: debug.Stack()})
		}
	}()

	h = r.p.ProcessJob(ctx, r.store, job, startedAt)
	if h == nil {
		h = Failed[A](errNoHandle)
	}
	return h
}

// waitForTask polls the handle every interval and persists its outcome once it finishes.
func (r *runner[S, ID, J, A]) waitForTask(ctx context.Context, id ID, startedAt time.Time, h *Handle[A]) error {
	for {
		finished := h.IsFinished()
		r.logger.Debug("Polling %s task with id %v. Is finished: %t", r.name, id, finished)
		if finished {
			return r.resolve(ctx, id, startedAt, h)
		}
		time.Sleep(r.interval)
	}
}

func (r *runner[S, ID, J, A]) resolve(ctx context.Context, id ID, startedAt time.Time, h *Handle[A]) error {
	artifacts, jobErr := h.Result()
	took := time.Since(startedAt)

	if jobErr != nil {
		msg := FailureMessage(jobErr)
		r.logger.Error("Error occurred while processing %s job %v: %s", r.name, id, msg)
		var pe *PanicError
		if errors.As(jobErr, &pe) {
			r.logger.Debug("%s job %v panicked at:\n%s", r.name, id, pe.Stack)
		}

		err := r.withStore(ctx, "save failure", func(c context.Context) error {
			return r.p.SaveFailure(c, r.store, id, startedAt, msg)
		})
		if err != nil {
			return err
		}
		r.metrics.jobResolved(r.name, outcomeFailure, took)
		return nil
	}

	r.logger.Debug("%s Job %v finished successfully", r.name, id)
	err := r.withStore(ctx, "save result", func(c context.Context) error {
		return r.p.SaveResult(c, r.store, id, startedAt, artifacts)
	})
	if err != nil {
		return err
	}
	r.metrics.jobResolved(r.name, outcomeSuccess, took)
	return nil
}

// withStore calls fn, retrying according to the store retry policy.
func (r *runner[S, ID, J, A]) withStore(ctx context.Context, op string, fn func(context.Context) error) error {
	for retry := 1; ; retry++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		r.metrics.storeFault(r.name, op)

		if r.storeRetry == nil {
			return fmt.Errorf("%s %s: %w: %w", r.name, op, ErrStore, err)
		}
		delay, bErr := r.storeRetry.NextDelay(retry)
		if bErr != nil {
			return fmt.Errorf("%s %s after %d attempts: %w: %w", r.name, op, retry, ErrStore, err)
		}

		r.logger.Warn("Job store %s failed for %s. Retry %d in %s: %v", op, r.name, retry, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s %s: %w: %w", r.name, op, ErrStore, ctx.Err())
		}
	}
}
