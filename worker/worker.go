// Package worker binds a typed job handler to one kind of job kept in a backlog.Store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quintans/jobprocessor/backlog"
	"github.com/quintans/jobprocessor/processor"
)

// Func computes the artifacts of one job.
type Func[J, A any] func(ctx context.Context, job J) (A, error)

var _ processor.JobProcessor[backlog.Store, backlog.Ticket, int, int] = (*Worker[int, int])(nil)

// Worker processes jobs of a single kind.
// Payloads are decoded into J and artifacts encoded from A with the configured codec.
type Worker[J, A any] struct {
	processor.Settings
	kind    string
	handler Func[J, A]
	codec   Codec
	logger  processor.Logger
}

func New[J, A any](kind string, handler Func[J, A], opts ...Option) *Worker[J, A] {
	cfg := config{
		name:   kind,
		codec:  JSONCodec{},
		logger: processor.DefaultLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	return &Worker[J, A]{
		Settings: processor.Settings{
			Name:     cfg.name,
			Interval: cfg.interval,
		},
		kind:    kind,
		handler: handler,
		codec:   cfg.codec,
		logger:  cfg.logger,
	}
}

func (w *Worker[J, A]) Kind() string {
	return w.kind
}

// Enqueue adds job to the store and returns its ID.
func (w *Worker[J, A]) Enqueue(ctx context.Context, store backlog.Store, job J) (string, error) {
	return w.EnqueueAt(ctx, store, job, time.Time{})
}

// EnqueueAt adds job to the store so that it is not claimed before runAt.
func (w *Worker[J, A]) EnqueueAt(ctx context.Context, store backlog.Store, job J, runAt time.Time) (string, error) {
	payload, err := w.codec.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode %s job: %w", w.kind, err)
	}
	e := &backlog.Entry{
		Kind:    w.kind,
		Payload: payload,
		RunAt:   runAt,
	}
	if err := store.Enqueue(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetNextJob claims the next job of the worker's kind.
// A job whose payload cannot be decoded is failed on the spot and the next one is claimed.
func (w *Worker[J, A]) GetNextJob(ctx context.Context, store backlog.Store) (*processor.Claim[backlog.Ticket, J], error) {
	for {
		e, err := store.Claim(ctx, w.kind)
		if err != nil {
			return nil, fmt.Errorf("claim %s job: %w", w.kind, err)
		}
		if e == nil {
			return nil, nil
		}

		var job J
		if err := w.codec.Unmarshal(e.Payload, &job); err != nil {
			msg := fmt.Sprintf("decode %s payload: %v", w.codec.Name(), err)
			w.logger.Error("Discarding %s job %s: %s", w.Name, e.ID, msg)
			if err := w.record(store.Fail(ctx, e.Ticket(), msg, 0), e.Ticket()); err != nil {
				return nil, err
			}
			continue
		}

		return &processor.Claim[backlog.Ticket, J]{ID: e.Ticket(), Job: job}, nil
	}
}

func (w *Worker[J, A]) ProcessJob(ctx context.Context, _ backlog.Store, job J, _ time.Time) *processor.Handle[A] {
	return processor.Go(ctx, func(ctx context.Context) (A, error) {
		return w.handler(ctx, job)
	})
}

// SaveResult stores the encoded artifacts. Artifacts that cannot be encoded are stored as a failure.
func (w *Worker[J, A]) SaveResult(ctx context.Context, store backlog.Store, id backlog.Ticket, startedAt time.Time, artifacts A) error {
	took := time.Since(startedAt)
	result, err := w.codec.Marshal(artifacts)
	if err != nil {
		msg := fmt.Sprintf("encode %s result: %v", w.codec.Name(), err)
		w.logger.Error("Failing %s job %s: %s", w.Name, id, msg)
		return w.record(store.Fail(ctx, id, msg, took), id)
	}
	return w.record(store.Complete(ctx, id, result, took), id)
}

func (w *Worker[J, A]) SaveFailure(ctx context.Context, store backlog.Store, id backlog.Ticket, startedAt time.Time, msg string) error {
	return w.record(store.Fail(ctx, id, msg, time.Since(startedAt)), id)
}

// record drops ErrLeaseLost: the instance that reclaimed the job owns its outcome.
func (w *Worker[J, A]) record(err error, id backlog.Ticket) error {
	if errors.Is(err, backlog.ErrLeaseLost) {
		w.logger.Warn("Lease of %s job %s was lost, outcome discarded", w.Name, id)
		return nil
	}
	return err
}
