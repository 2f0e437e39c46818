// Package backlogtest checks that a backlog.Store honours the claim contract.
package backlogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quintans/jobprocessor/backlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store using the given lease duration and maximum attempts.
type Factory func(t *testing.T, lockDuration time.Duration, maxAttempts int) backlog.Store

// Run runs the conformance suite against the stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("enqueue and get", func(t *testing.T) { testEnqueue(t, newStore(t, time.Minute, 3)) })
	t.Run("claim order", func(t *testing.T) { testClaimOrder(t, newStore(t, time.Minute, 3)) })
	t.Run("delayed run", func(t *testing.T) { testDelayedRun(t, newStore(t, time.Minute, 3)) })
	t.Run("complete", func(t *testing.T) { testComplete(t, newStore(t, time.Minute, 3)) })
	t.Run("fail", func(t *testing.T) { testFail(t, newStore(t, time.Minute, 3)) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, newStore(t, time.Minute, 3)) })
	t.Run("lease expiry", func(t *testing.T) { testLeaseExpiry(t, newStore(t, 300*time.Millisecond, 2)) })
	t.Run("delete and clear", func(t *testing.T) { testDeleteAndClear(t, newStore(t, time.Minute, 3)) })
}

func enqueue(t *testing.T, s backlog.Store, kind, payload string) *backlog.Entry {
	t.Helper()
	e := &backlog.Entry{Kind: kind, Payload: []byte(payload)}
	require.NoError(t, s.Enqueue(context.Background(), e))
	require.NotEmpty(t, e.ID)
	return e
}

func testEnqueue(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	e := enqueue(t, s, "witness", "block-1")

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPending, got.Status)
	assert.Equal(t, "witness", got.Kind)
	assert.Equal(t, []byte("block-1"), got.Payload)
	assert.Equal(t, 0, got.Attempts)

	err = s.Enqueue(ctx, &backlog.Entry{ID: e.ID, Kind: "witness"})
	assert.ErrorIs(t, err, backlog.ErrJobAlreadyExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, backlog.ErrJobNotFound)
}

func testClaimOrder(t *testing.T, s backlog.Store) {
	ctx := context.Background()

	got, err := s.Claim(ctx, "proof")
	require.NoError(t, err)
	assert.Nil(t, got)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		e := &backlog.Entry{
			ID:        fmt.Sprintf("proof-%d", i),
			Kind:      "proof",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Enqueue(ctx, e))
	}
	enqueue(t, s, "witness", "other")

	for i := 1; i <= 3; i++ {
		got, err := s.Claim(ctx, "proof")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, fmt.Sprintf("proof-%d", i), got.ID)
		assert.Equal(t, backlog.StatusClaimed, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.LockedUntil.After(time.Now()))
	}

	got, err = s.Claim(ctx, "proof")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDelayedRun(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	e := &backlog.Entry{Kind: "sealer", RunAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, s.Enqueue(ctx, e))

	got, err := s.Claim(ctx, "sealer")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testComplete(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	e := enqueue(t, s, "witness", "block-2")

	claimed, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = s.Complete(ctx, claimed.Ticket(), []byte("artifacts"), 2*time.Second)
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusCompleted, got.Status)
	assert.Equal(t, []byte("artifacts"), got.Result)
	assert.Equal(t, 2*time.Second, got.ProcessingTime)

	// outcomes are written once
	err = s.Complete(ctx, claimed.Ticket(), []byte("again"), time.Second)
	assert.ErrorIs(t, err, backlog.ErrLeaseLost)
	err = s.Fail(ctx, claimed.Ticket(), "late", time.Second)
	assert.ErrorIs(t, err, backlog.ErrLeaseLost)

	err = s.Complete(ctx, backlog.Ticket{ID: "missing", Version: 1}, nil, 0)
	assert.ErrorIs(t, err, backlog.ErrJobNotFound)

	got, err = s.Claim(ctx, "witness")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testFail(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	e := enqueue(t, s, "witness", "block-3")

	claimed, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = s.Fail(ctx, claimed.Ticket(), "out of gas", 500*time.Millisecond)
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusFailed, got.Status)
	assert.Equal(t, "out of gas", got.Error)
	assert.Empty(t, got.Result)

	err = s.Complete(ctx, claimed.Ticket(), []byte("x"), 0)
	assert.ErrorIs(t, err, backlog.ErrLeaseLost)
}

func testConcurrentClaims(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	const jobs = 20
	const workers = 5
	for i := 0; i < jobs; i++ {
		enqueue(t, s, "prover", fmt.Sprintf("job-%d", i))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := s.Claim(ctx, "prover")
				if !assert.NoError(t, err) || e == nil {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testLeaseExpiry(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	e := enqueue(t, s, "witness", "stalled")

	first, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	require.NotNil(t, first)

	got, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	assert.Nil(t, got, "job is leased")

	time.Sleep(500 * time.Millisecond)

	second, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	require.NotNil(t, second, "expired lease is claimable again")
	assert.Equal(t, e.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	err = s.Complete(ctx, first.Ticket(), []byte("stale"), time.Second)
	assert.ErrorIs(t, err, backlog.ErrLeaseLost)

	time.Sleep(500 * time.Millisecond)

	got, err = s.Claim(ctx, "witness")
	require.NoError(t, err)
	assert.Nil(t, got, "no attempts left")

	final, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusFailed, final.Status)
	assert.Equal(t, backlog.ExpiredMessage, final.Error)

	err = s.Complete(ctx, second.Ticket(), []byte("late"), time.Second)
	assert.ErrorIs(t, err, backlog.ErrLeaseLost)
}

func testDeleteAndClear(t *testing.T, s backlog.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "witness", "a")
	enqueue(t, s, "witness", "b")

	require.NoError(t, s.Delete(ctx, a.ID))
	_, err := s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, backlog.ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, a.ID), backlog.ErrJobNotFound)

	require.NoError(t, s.Clear(ctx))
	got, err := s.Claim(ctx, "witness")
	require.NoError(t, err)
	assert.Nil(t, got)
}
