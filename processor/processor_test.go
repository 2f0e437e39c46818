package processor_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quintans/jobprocessor/backoff"
	"github.com/quintans/jobprocessor/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	id  int
	run func(ctx context.Context) (string, error)
}

type testStore struct {
	mu         sync.Mutex
	pending    []testJob
	claims     int
	unresolved int
	overlaps   int
	results    map[int]string
	failures   map[int]string
	claimErrs  int
	saveErrs   int
	saveCtxErr error
}

func newTestStore(jobs ...testJob) *testStore {
	return &testStore{
		pending:  jobs,
		results:  map[int]string{},
		failures: map[int]string{},
	}
}

func (s *testStore) add(jobs ...testJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, jobs...)
}

func (s *testStore) snapshot() (claims int, results map[int]string, failures map[int]string, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims, s.results, s.failures, len(s.pending)
}

type testProcessor struct {
	processor.Settings
}

func newTestProcessor() testProcessor {
	return testProcessor{processor.Settings{Name: "test", Interval: 10 * time.Millisecond}}
}

func (testProcessor) GetNextJob(_ context.Context, s *testStore) (*processor.Claim[int, testJob], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErrs > 0 {
		s.claimErrs--
		return nil, errors.New("connection refused")
	}
	if len(s.pending) == 0 {
		return nil, nil
	}
	if s.unresolved > 0 {
		s.overlaps++
	}
	j := s.pending[0]
	s.pending = s.pending[1:]
	s.claims++
	s.unresolved++
	return &processor.Claim[int, testJob]{ID: j.id, Job: j}, nil
}

func (testProcessor) ProcessJob(ctx context.Context, _ *testStore, job testJob, _ time.Time) *processor.Handle[string] {
	return processor.Go(ctx, job.run)
}

func (testProcessor) SaveResult(ctx context.Context, s *testStore, id int, _ time.Time, artifacts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErrs > 0 {
		s.saveErrs--
		return errors.New("write timeout")
	}
	s.saveCtxErr = ctx.Err()
	s.results[id] = artifacts
	s.unresolved--
	return nil
}

func (testProcessor) SaveFailure(ctx context.Context, s *testStore, id int, _ time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveCtxErr = ctx.Err()
	s.failures[id] = msg
	s.unresolved--
	return nil
}

func okJob(id int) testJob {
	return testJob{id: id, run: func(context.Context) (string, error) {
		time.Sleep(25 * time.Millisecond)
		return fmt.Sprintf("artifact-%d", id), nil
	}}
}

func panicJob(id int) testJob {
	return testJob{id: id, run: func(context.Context) (string, error) {
		panic("witness generation exploded")
	}}
}

func okJobs(n int) []testJob {
	jobs := make([]testJob, n)
	for i := range jobs {
		jobs[i] = okJob(i + 1)
	}
	return jobs
}

func TestRunZeroBudgetClaimsNothing(t *testing.T) {
	store := newTestStore(okJobs(3)...)

	err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(0))
	require.NoError(t, err)

	claims, _, _, pending := store.snapshot()
	assert.Equal(t, 0, claims)
	assert.Equal(t, 3, pending)
}

func TestRunBudgetCapsClaims(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJobs(3)...)

		err := processor.Run(t.Context(), newTestProcessor(), store, processor.NewStopFlag(), processor.Exactly(2))
		require.NoError(t, err)

		claims, results, failures, pending := store.snapshot()
		assert.Equal(t, 2, claims)
		assert.Equal(t, map[int]string{1: "artifact-1", 2: "artifact-2"}, results)
		assert.Empty(t, failures)
		assert.Equal(t, 1, pending)
	})
}

func TestRunExactBudgetDrainsAll(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJobs(4)...)

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(4))
		require.NoError(t, err)

		claims, results, _, pending := store.snapshot()
		assert.Equal(t, 4, claims)
		assert.Len(t, results, 4)
		assert.Equal(t, 0, pending)
	})
}

func TestRunBoundedStopsWhenBacklogDrains(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJobs(2)...)

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(5))
		require.NoError(t, err)

		claims, results, _, _ := store.snapshot()
		assert.Equal(t, 2, claims)
		assert.Len(t, results, 2)
	})
}

func TestRunBoundedEmptyBacklogReturnsImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore()
		start := time.Now()

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(5))
		require.NoError(t, err)

		claims, _, _, _ := store.snapshot()
		assert.Equal(t, 0, claims)
		// no idle sleep happened
		assert.Equal(t, start, time.Now())
	})
}

func TestRunStopBeforeFirstClaim(t *testing.T) {
	store := newTestStore(okJobs(2)...)
	stop := processor.NewStopFlag()
	stop.Stop()

	err := processor.Run(t.Context(), newTestProcessor(), store, stop, processor.Unbounded())
	require.NoError(t, err)

	claims, _, _, pending := store.snapshot()
	assert.Equal(t, 0, claims)
	assert.Equal(t, 2, pending)
}

func TestRunStopDuringSupervisionLetsJobFinish(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		slow := testJob{id: 1, run: func(context.Context) (string, error) {
			close(started)
			<-release
			return "proof", nil
		}}
		store := newTestStore(slow, okJob(2))
		stop := processor.NewStopFlag()

		done := make(chan error)
		go func() {
			done <- processor.Run(t.Context(), newTestProcessor(), store, stop, processor.Unbounded())
		}()

		<-started
		stop.Stop()
		time.Sleep(time.Second)
		close(release)

		require.NoError(t, <-done)

		claims, results, failures, pending := store.snapshot()
		assert.Equal(t, 1, claims)
		assert.Equal(t, map[int]string{1: "proof"}, results)
		assert.Empty(t, failures)
		assert.Equal(t, 1, pending)
	})
}

func TestRunContextCancelDuringSupervisionLetsJobFinish(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var jobCtxErr error
		slow := testJob{id: 7, run: func(ctx context.Context) (string, error) {
			close(started)
			<-release
			jobCtxErr = ctx.Err()
			return "done", nil
		}}
		store := newTestStore(slow)
		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan error)
		go func() {
			done <- processor.Run(ctx, newTestProcessor(), store, nil, processor.Unbounded())
		}()

		<-started
		cancel()
		close(release)

		require.NoError(t, <-done)
		assert.NoError(t, jobCtxErr)

		_, results, _, _ := store.snapshot()
		assert.Equal(t, map[int]string{7: "done"}, results)
		assert.NoError(t, store.saveCtxErr)
	})
}

func TestRunPanicIsRecordedAsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(panicJob(1), okJob(2))

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(2))
		require.NoError(t, err)

		claims, results, failures, _ := store.snapshot()
		assert.Equal(t, 2, claims)
		assert.Equal(t, map[int]string{1: "witness generation exploded"}, failures)
		assert.Equal(t, map[int]string{2: "artifact-2"}, results)
	})
}

func TestRunReturnedErrorIsRecordedAsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		failing := testJob{id: 3, run: func(context.Context) (string, error) {
			return "", errors.New("bytecode not found")
		}}
		store := newTestStore(failing)

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(1))
		require.NoError(t, err)

		_, results, failures, _ := store.snapshot()
		assert.Empty(t, results)
		assert.Equal(t, map[int]string{3: "bytecode not found"}, failures)
	})
}

type brokenProcessor struct {
	testProcessor
	nilHandle bool
}

func (b brokenProcessor) ProcessJob(context.Context, *testStore, testJob, time.Time) *processor.Handle[string] {
	if b.nilHandle {
		return nil
	}
	panic(errors.New("vm setup failed"))
}

func TestRunContainsProcessJobFaults(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJob(1))
		err := processor.Run(t.Context(), brokenProcessor{testProcessor: newTestProcessor()}, store, nil, processor.Exactly(1))
		require.NoError(t, err)

		_, results, failures, _ := store.snapshot()
		assert.Empty(t, results)
		assert.Equal(t, map[int]string{1: "vm setup failed"}, failures)

		store = newTestStore(okJob(2))
		err = processor.Run(t.Context(), brokenProcessor{testProcessor: newTestProcessor(), nilHandle: true}, store, nil, processor.Exactly(1))
		require.NoError(t, err)

		_, _, failures, _ = store.snapshot()
		assert.Equal(t, map[int]string{2: "job processor returned no execution handle"}, failures)
	})
}

func TestRunNeverOverlapsJobs(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		jobs := okJobs(5)
		jobs[2] = panicJob(3)
		store := newTestStore(jobs...)

		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(10))
		require.NoError(t, err)

		claims, results, failures, _ := store.snapshot()
		assert.Equal(t, 5, claims)
		assert.Equal(t, 0, store.overlaps)
		assert.Len(t, results, 4)
		assert.Len(t, failures, 1)
		for id := range failures {
			assert.NotContains(t, results, id)
		}
	})
}

func TestRunUnboundedSleepsUntilWorkArrives(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore()
		stop := processor.NewStopFlag()
		p := newTestProcessor()

		done := make(chan error)
		go func() {
			done <- processor.Run(t.Context(), p, store, stop, processor.Unbounded())
		}()

		time.Sleep(time.Second)
		synctest.Wait()
		claims, _, _, _ := store.snapshot()
		assert.Equal(t, 0, claims)

		store.add(okJob(1), okJob(2))
		time.Sleep(time.Second)
		synctest.Wait()

		claims, results, _, _ := store.snapshot()
		assert.Equal(t, 2, claims)
		assert.Len(t, results, 2)

		stop.Stop()
		require.NoError(t, <-done)
	})
}

func TestRunStoreFaultIsFatal(t *testing.T) {
	store := newTestStore(okJob(1))
	store.claimErrs = 1

	err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Unbounded())
	require.ErrorIs(t, err, processor.ErrStore)
	assert.Contains(t, err.Error(), "connection refused")

	claims, _, _, _ := store.snapshot()
	assert.Equal(t, 0, claims)
}

func TestRunStoreRetry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJob(1))
		store.claimErrs = 2
		store.saveErrs = 1

		retry := processor.WithStoreRetry(backoff.NewFixedBackoff(time.Second, time.Second))
		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(1), retry)
		require.NoError(t, err)

		_, results, _, _ := store.snapshot()
		assert.Equal(t, map[int]string{1: "artifact-1"}, results)
	})

	synctest.Test(t, func(t *testing.T) {
		store := newTestStore(okJob(1))
		store.claimErrs = 3

		retry := processor.WithStoreRetry(backoff.NewFixedBackoff(time.Second, time.Second))
		err := processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(1), retry)
		require.ErrorIs(t, err, processor.ErrStore)
	})
}

func TestRunMetrics(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics, err := processor.NewMetrics(reg)
		require.NoError(t, err)

		store := newTestStore(okJob(1), panicJob(2), okJob(3))
		err = processor.Run(t.Context(), newTestProcessor(), store, nil, processor.Exactly(5), processor.WithMetrics(metrics))
		require.NoError(t, err)

		expected := `
# HELP job_processor_jobs_claimed_total Jobs claimed from the backlog.
# TYPE job_processor_jobs_claimed_total counter
job_processor_jobs_claimed_total{service="test"} 3
# HELP job_processor_jobs_resolved_total Jobs resolved, by outcome.
# TYPE job_processor_jobs_resolved_total counter
job_processor_jobs_resolved_total{outcome="failure",service="test"} 1
job_processor_jobs_resolved_total{outcome="success",service="test"} 2
# HELP job_processor_idle_polls_total Claim attempts that found an empty backlog.
# TYPE job_processor_idle_polls_total counter
job_processor_idle_polls_total{service="test"} 1
`
		err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
			"job_processor_jobs_claimed_total",
			"job_processor_jobs_resolved_total",
			"job_processor_idle_polls_total",
		)
		require.NoError(t, err)

		_, err = processor.NewMetrics(reg)
		require.Error(t, err)
	})
}
