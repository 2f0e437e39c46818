package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quintans/jobprocessor/backlog"
)

var _ backlog.Store = (*MemStore)(nil)

type StoreOption func(*MemStore)

// LockDurationOption sets how long a claim is leased before another worker may take the job over.
func LockDurationOption(d time.Duration) StoreOption {
	return func(s *MemStore) {
		s.lockDuration = d
	}
}

// MaxAttemptsOption sets how many times a job may be claimed.
func MaxAttemptsOption(n int) StoreOption {
	return func(s *MemStore) {
		s.maxAttempts = n
	}
}

// MemStore simulates a remote storage.
// Pending jobs wait in one priority queue per kind; claimed and finished jobs are indexed by ID.
type MemStore struct {
	mu           sync.Mutex
	queues       map[string]*PriorityQueue
	locked       map[string]*MemEntry
	done         map[string]*MemEntry
	seq          int64
	lockDuration time.Duration
	maxAttempts  int
}

func New(options ...StoreOption) *MemStore {
	s := &MemStore{
		queues:       map[string]*PriorityQueue{},
		locked:       map[string]*MemEntry{},
		done:         map[string]*MemEntry{},
		lockDuration: backlog.DefaultLockDuration,
		maxAttempts:  backlog.DefaultMaxAttempts,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *MemStore) Enqueue(_ context.Context, e *backlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if s.find(e.ID) != nil {
		return fmt.Errorf("enqueue job '%s': %w", e.ID, backlog.ErrJobAlreadyExists)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.RunAt.IsZero() {
		e.RunAt = e.CreatedAt
	}
	e.Status = backlog.StatusPending

	entry := *e
	s.push(&MemEntry{Entry: &entry})

	return nil
}

func (s *MemStore) Claim(_ context.Context, kind string) (*backlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.expireLeases(now)

	q := s.queues[kind]
	if q == nil || q.Len() == 0 || q.Head().RunAt.After(now) {
		return nil, nil
	}

	// Lock by popping.
	entry := heap.Pop(q).(*MemEntry)
	entry.Status = backlog.StatusClaimed
	entry.Attempts++
	entry.Version++
	entry.ClaimedAt = now
	entry.LockedUntil = now.Add(s.lockDuration)
	s.locked[entry.ID] = entry

	claimed := *entry.Entry
	return &claimed, nil
}

// expireLeases returns jobs whose lease ran out to their queue, or fails them when no attempt is left.
func (s *MemStore) expireLeases(now time.Time) {
	for id, entry := range s.locked {
		if !entry.LockedUntil.Before(now) {
			continue
		}
		delete(s.locked, id)
		if entry.IsExpired(now, s.maxAttempts) {
			entry.Status = backlog.StatusFailed
			entry.Error = backlog.ExpiredMessage
			entry.LockedUntil = time.Time{}
			entry.Version++
			s.done[id] = entry
			continue
		}
		entry.Status = backlog.StatusPending
		entry.LockedUntil = time.Time{}
		s.push(entry)
	}
}

func (s *MemStore) Complete(_ context.Context, ticket backlog.Ticket, result []byte, took time.Duration) error {
	return s.finish(ticket, func(e *backlog.Entry) {
		e.Status = backlog.StatusCompleted
		e.Result = result
		e.ProcessingTime = took
	})
}

func (s *MemStore) Fail(_ context.Context, ticket backlog.Ticket, msg string, took time.Duration) error {
	return s.finish(ticket, func(e *backlog.Entry) {
		e.Status = backlog.StatusFailed
		e.Error = msg
		e.ProcessingTime = took
	})
}

func (s *MemStore) finish(ticket backlog.Ticket, update func(*backlog.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.locked[ticket.ID]
	if !ok {
		if s.find(ticket.ID) == nil {
			return fmt.Errorf("finish job '%s': %w", ticket, backlog.ErrJobNotFound)
		}
		return fmt.Errorf("finish job '%s': %w", ticket, backlog.ErrLeaseLost)
	}
	if entry.Version != ticket.Version {
		return fmt.Errorf("finish job '%s': %w", ticket, backlog.ErrLeaseLost)
	}

	delete(s.locked, ticket.ID)
	update(entry.Entry)
	entry.LockedUntil = time.Time{}
	entry.Version++
	s.done[ticket.ID] = entry

	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*backlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.find(id)
	if entry == nil {
		return nil, fmt.Errorf("get job '%s': %w", id, backlog.ErrJobNotFound)
	}
	cp := *entry.Entry
	return &cp, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		for i, entry := range *q {
			if entry.ID == id {
				q.Remove(i)
				return nil
			}
		}
	}

	if _, ok := s.locked[id]; ok {
		delete(s.locked, id)
		return nil
	}
	if _, ok := s.done[id]; ok {
		delete(s.done, id)
		return nil
	}

	return fmt.Errorf("delete job '%s': %w", id, backlog.ErrJobNotFound)
}

func (s *MemStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues = map[string]*PriorityQueue{}
	s.locked = map[string]*MemEntry{}
	s.done = map[string]*MemEntry{}

	return nil
}

func (s *MemStore) push(entry *MemEntry) {
	q := s.queues[entry.Kind]
	if q == nil {
		q = &PriorityQueue{}
		s.queues[entry.Kind] = q
	}
	s.seq++
	entry.seq = s.seq
	heap.Push(q, entry)
}

func (s *MemStore) find(id string) *MemEntry {
	if e, ok := s.locked[id]; ok {
		return e
	}
	if e, ok := s.done[id]; ok {
		return e
	}
	for _, q := range s.queues {
		for _, e := range *q {
			if e.ID == id {
				return e
			}
		}
	}
	return nil
}

type MemEntry struct {
	*backlog.Entry
	index int
	seq   int64
}

// PriorityQueue implements the heap.Interface.
type PriorityQueue []*MemEntry

// Len returns the PriorityQueue length.
func (pq PriorityQueue) Len() int { return len(pq) }

// Less orders by run time, then creation time, then insertion order.
func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// Swap exchanges the indexes of the items.
func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push implements the heap.Interface.Push.
// Adds x as element Len().
func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	entry := x.(*MemEntry)
	entry.index = n
	*pq = append(*pq, entry)
}

// Pop implements the heap.Interface.Pop.
// Removes and returns element Len() - 1.
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	entry := old[n-1]
	entry.index = -1 // for safety
	*pq = old[0 : n-1]
	return entry
}

// Head returns the first entry of a PriorityQueue without removing it.
func (pq *PriorityQueue) Head() *MemEntry {
	return (*pq)[0]
}

// Remove removes and returns the element at index i from the PriorityQueue.
func (pq *PriorityQueue) Remove(i int) *MemEntry {
	return heap.Remove(pq, i).(*MemEntry)
}
