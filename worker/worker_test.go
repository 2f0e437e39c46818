package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/quintans/jobprocessor/backlog"
	"github.com/quintans/jobprocessor/processor"
	"github.com/quintans/jobprocessor/store/memory"
	"github.com/quintans/jobprocessor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sumJob struct {
	Terms []int `json:"terms" msgpack:"terms"`
}

type sumResult struct {
	Total int `json:"total" msgpack:"total"`
}

func sum(_ context.Context, job sumJob) (sumResult, error) {
	time.Sleep(30 * time.Millisecond)
	var r sumResult
	for _, t := range job.Terms {
		if t < 0 {
			panic(fmt.Sprintf("negative term %d", t))
		}
		r.Total += t
	}
	if r.Total == 0 {
		return r, errors.New("nothing to sum")
	}
	return r, nil
}

func newSumWorker(opts ...worker.Option) *worker.Worker[sumJob, sumResult] {
	opts = append([]worker.Option{worker.WithPollingInterval(10 * time.Millisecond)}, opts...)
	return worker.New("sum", sum, opts...)
}

func TestWorkerDrainsBacklog(t *testing.T) {
	for _, codec := range []worker.Codec{worker.JSONCodec{}, worker.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				ctx := context.Background()
				store := memory.New()
				w := newSumWorker(worker.WithCodec(codec))

				ok, err := w.Enqueue(ctx, store, sumJob{Terms: []int{1, 2, 3}})
				require.NoError(t, err)
				failed, err := w.Enqueue(ctx, store, sumJob{})
				require.NoError(t, err)
				panicked, err := w.Enqueue(ctx, store, sumJob{Terms: []int{1, -1}})
				require.NoError(t, err)

				err = processor.Run(ctx, w, backlog.Store(store), nil, processor.Exactly(10))
				require.NoError(t, err)

				e, err := store.Get(ctx, ok)
				require.NoError(t, err)
				assert.Equal(t, backlog.StatusCompleted, e.Status)
				var r sumResult
				require.NoError(t, codec.Unmarshal(e.Result, &r))
				assert.Equal(t, 6, r.Total)
				assert.GreaterOrEqual(t, e.ProcessingTime, 30*time.Millisecond)

				e, err = store.Get(ctx, failed)
				require.NoError(t, err)
				assert.Equal(t, backlog.StatusFailed, e.Status)
				assert.Equal(t, "nothing to sum", e.Error)

				e, err = store.Get(ctx, panicked)
				require.NoError(t, err)
				assert.Equal(t, backlog.StatusFailed, e.Status)
				assert.Equal(t, "negative term -1", e.Error)
			})
		})
	}
}

func TestWorkerIgnoresOtherKinds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := memory.New()
		require.NoError(t, store.Enqueue(ctx, &backlog.Entry{ID: "other", Kind: "product", Payload: []byte(`{}`)}))

		claim, err := newSumWorker().GetNextJob(ctx, store)
		require.NoError(t, err)
		assert.Nil(t, claim)
	})
}

func TestWorkerFailsUndecodablePayload(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := memory.New()
		w := newSumWorker()

		require.NoError(t, store.Enqueue(ctx, &backlog.Entry{ID: "garbage", Kind: "sum", Payload: []byte("not json")}))
		time.Sleep(time.Millisecond)
		id, err := w.Enqueue(ctx, store, sumJob{Terms: []int{4}})
		require.NoError(t, err)

		claim, err := w.GetNextJob(ctx, store)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, id, claim.ID.ID)
		assert.Equal(t, []int{4}, claim.Job.Terms)

		e, err := store.Get(ctx, "garbage")
		require.NoError(t, err)
		assert.Equal(t, backlog.StatusFailed, e.Status)
		assert.Contains(t, e.Error, "decode json payload")
	})
}

func TestWorkerRespectsRunAt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := memory.New()
		w := newSumWorker()

		_, err := w.EnqueueAt(ctx, store, sumJob{Terms: []int{1}}, time.Now().Add(time.Minute))
		require.NoError(t, err)

		claim, err := w.GetNextJob(ctx, store)
		require.NoError(t, err)
		assert.Nil(t, claim)

		time.Sleep(2 * time.Minute)
		claim, err = w.GetNextJob(ctx, store)
		require.NoError(t, err)
		assert.NotNil(t, claim)
	})
}

func TestWorkerDiscardsOutcomeAfterLeaseLost(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := memory.New(memory.LockDurationOption(time.Second), memory.MaxAttemptsOption(2))
		w := newSumWorker()

		id, err := w.Enqueue(ctx, store, sumJob{Terms: []int{2}})
		require.NoError(t, err)

		stale, err := w.GetNextJob(ctx, store)
		require.NoError(t, err)
		require.NotNil(t, stale)
		startedAt := time.Now()

		time.Sleep(2 * time.Second)
		current, err := w.GetNextJob(ctx, store)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, stale.ID.ID, current.ID.ID)
		assert.NotEqual(t, stale.ID, current.ID)

		require.NoError(t, w.SaveResult(ctx, store, current.ID, startedAt, sumResult{Total: 2}))
		require.NoError(t, w.SaveFailure(ctx, store, stale.ID, startedAt, "too late"))

		e, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backlog.StatusCompleted, e.Status)
		assert.Empty(t, e.Error)
	})
}

func TestWorkerDefaults(t *testing.T) {
	w := worker.New("sum", sum)
	assert.Equal(t, "sum", w.ServiceName())
	assert.Equal(t, "sum", w.Kind())
	assert.Equal(t, processor.DefaultPollingInterval, w.PollingInterval())

	w = worker.New("sum", sum, worker.WithServiceName("summing"), worker.WithPollingInterval(time.Second))
	assert.Equal(t, "summing", w.ServiceName())
	assert.Equal(t, time.Second, w.PollingInterval())
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, worker.CodecNameMsgpack, worker.GetCodec("msgpack").Name())
	assert.Equal(t, worker.CodecNameJSON, worker.GetCodec("json").Name())
	assert.Equal(t, worker.CodecNameJSON, worker.GetCodec("").Name())
}
