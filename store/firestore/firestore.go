package firestore

import (
	"context"
	"fmt"
	"time"

	gfs "cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quintans/jobprocessor/backlog"
)

const (
	deleteBatchSize = 100
	// concurrent claimers contend on the head of the queue
	claimTxAttempts = 20
)

var _ backlog.Store = (*Store)(nil)

type Entry struct {
	ID             string    `firestore:"id"`
	Kind           string    `firestore:"kind"`
	Payload        []byte    `firestore:"payload,omitempty"`
	Status         string    `firestore:"status"`
	Attempts       int       `firestore:"attempts"`
	Version        int64     `firestore:"version"`
	CreatedAt      time.Time `firestore:"created_at"`
	RunAt          time.Time `firestore:"run_at"`
	ClaimedAt      time.Time `firestore:"claimed_at"`
	LockedUntil    time.Time `firestore:"locked_until"`
	Result         []byte    `firestore:"result,omitempty"`
	Error          string    `firestore:"error,omitempty"`
	ProcessingTime int64     `firestore:"processing_time"`
}

func toEntry(e *backlog.Entry) *Entry {
	return &Entry{
		ID:             e.ID,
		Kind:           e.Kind,
		Payload:        e.Payload,
		Status:         string(e.Status),
		Attempts:       e.Attempts,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt.UTC(),
		RunAt:          e.RunAt.UTC(),
		ClaimedAt:      e.ClaimedAt.UTC(),
		LockedUntil:    e.LockedUntil.UTC(),
		Result:         e.Result,
		Error:          e.Error,
		ProcessingTime: e.ProcessingTime.Nanoseconds(),
	}
}

func fromEntry(e *Entry) *backlog.Entry {
	if e == nil {
		return nil
	}
	return &backlog.Entry{
		ID:             e.ID,
		Kind:           e.Kind,
		Payload:        e.Payload,
		Status:         backlog.Status(e.Status),
		Attempts:       e.Attempts,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt.UTC(),
		RunAt:          e.RunAt.UTC(),
		ClaimedAt:      e.ClaimedAt.UTC(),
		LockedUntil:    e.LockedUntil.UTC(),
		Result:         e.Result,
		Error:          e.Error,
		ProcessingTime: time.Duration(e.ProcessingTime),
	}
}

type StoreOption func(*Store)

func CollectionPathOption(collectionPath string) StoreOption {
	return func(s *Store) {
		s.collectionPath = collectionPath
	}
}

// LockDurationOption sets how long a claim is leased before another worker may take the job over.
func LockDurationOption(d time.Duration) StoreOption {
	return func(s *Store) {
		s.lockDuration = d
	}
}

// MaxAttemptsOption sets how many times a job may be claimed.
func MaxAttemptsOption(n int) StoreOption {
	return func(s *Store) {
		s.maxAttempts = n
	}
}

// Store is a firestore job store.
// Claims run inside a transaction, so two workers never take the same document.
type Store struct {
	client         *gfs.Client
	lockDuration   time.Duration
	maxAttempts    int
	collectionPath string
}

func New(firestoreClient *gfs.Client, options ...StoreOption) *Store {
	s := &Store{
		client:         firestoreClient,
		lockDuration:   backlog.DefaultLockDuration,
		maxAttempts:    backlog.DefaultMaxAttempts,
		collectionPath: "jobs",
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *Store) collectionRef() *gfs.CollectionRef {
	return s.client.Collection(s.collectionPath)
}

func (s *Store) docRef(id string) *gfs.DocumentRef {
	return s.collectionRef().Doc(id)
}

func (s *Store) Enqueue(ctx context.Context, e *backlog.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RunAt.IsZero() {
		e.RunAt = e.CreatedAt
	}
	e.Status = backlog.StatusPending

	_, err := s.docRef(e.ID).Create(ctx, toEntry(e))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("enqueue job '%s': %w", e.ID, backlog.ErrJobAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue '%s': %w", e.ID, err)
	}

	return nil
}

func (s *Store) Claim(ctx context.Context, kind string) (*backlog.Entry, error) {
	var claimed *Entry
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *gfs.Transaction) error {
		claimed = nil
		now := time.Now().UTC()

		// a transaction must do all its reads before any write.
		// Needs a composite index on (kind, status, run_at, created_at) outside the emulator.
		docs, err := tx.Documents(
			s.collectionRef().
				Where("kind", "==", kind).
				Where("status", "in", []string{string(backlog.StatusPending), string(backlog.StatusClaimed)}).
				OrderBy("run_at", gfs.Asc).
				OrderBy("created_at", gfs.Asc),
		).GetAll()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			entry := &Entry{}
			if err := doc.DataTo(entry); err != nil {
				return err
			}
			e := fromEntry(entry)

			if e.IsExpired(now, s.maxAttempts) {
				entry.Status = string(backlog.StatusFailed)
				entry.Error = backlog.ExpiredMessage
				entry.LockedUntil = time.Time{}
				entry.Version++
				if err := tx.Set(doc.Ref, entry); err != nil {
					return err
				}
				continue
			}

			if !e.IsClaimable(now, s.maxAttempts) {
				continue
			}
			entry.Status = string(backlog.StatusClaimed)
			entry.Attempts++
			entry.Version++
			entry.ClaimedAt = now
			entry.LockedUntil = now.Add(s.lockDuration)
			if err := tx.Set(doc.Ref, entry); err != nil {
				return err
			}
			claimed = entry
			return nil
		}
		return nil
	}, gfs.MaxAttempts(claimTxAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to claim '%s': %w", kind, err)
	}
	return fromEntry(claimed), nil
}

func (s *Store) Complete(ctx context.Context, ticket backlog.Ticket, result []byte, took time.Duration) error {
	return s.finish(ctx, ticket, func(e *Entry) {
		e.Status = string(backlog.StatusCompleted)
		e.Result = result
		e.ProcessingTime = took.Nanoseconds()
	})
}

func (s *Store) Fail(ctx context.Context, ticket backlog.Ticket, msg string, took time.Duration) error {
	return s.finish(ctx, ticket, func(e *Entry) {
		e.Status = string(backlog.StatusFailed)
		e.Error = msg
		e.ProcessingTime = took.Nanoseconds()
	})
}

func (s *Store) finish(ctx context.Context, ticket backlog.Ticket, updateFn func(*Entry)) error {
	ref := s.docRef(ticket.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *gfs.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return backlog.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		entry := &Entry{}
		if err := doc.DataTo(entry); err != nil {
			return err
		}
		if entry.Status != string(backlog.StatusClaimed) || entry.Version != ticket.Version {
			return backlog.ErrLeaseLost
		}
		updateFn(entry)
		entry.LockedUntil = time.Time{}
		entry.Version++
		return tx.Set(ref, entry)
	})
	if err != nil {
		return fmt.Errorf("finish job '%s': %w", ticket, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*backlog.Entry, error) {
	doc, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("get job '%s': %w", id, backlog.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get '%s': %w", id, err)
	}
	entry := &Entry{}
	err = doc.DataTo(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to convert doc to entry on get: %w", err)
	}

	return fromEntry(entry), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.docRef(id).Delete(ctx, gfs.Exists)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("delete job '%s': %w", id, backlog.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete '%s': %w", id, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	for {
		// Get a batch of documents
		iter := s.collectionRef().Limit(deleteBatchSize).Documents(ctx)
		numDeleted := 0

		// Iterate through the documents, adding
		// a delete operation for each one to a
		// WriteBatch.
		batch := s.client.Batch()
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to iterate on batch delete: %w", err)
			}

			batch.Delete(doc.Ref)
			numDeleted++
		}

		// If there are no documents to delete,
		// the process is over.
		if numDeleted == 0 {
			return nil
		}

		_, err := batch.Commit(ctx)
		if err != nil {
			return fmt.Errorf("failed to batch delete: %w", err)
		}
	}
}
