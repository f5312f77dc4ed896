package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	"github.com/JakeFAU/doris-feishu-pusher/internal/queue/memory"
	memstore "github.com/JakeFAU/doris-feishu-pusher/internal/storage/memory"
	"github.com/JakeFAU/doris-feishu-pusher/internal/worker"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

func seededStore(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.NewStore()
	require.NoError(t, store.CreateTask(context.Background(), push.Task{
		ID: "daily", Name: "Daily", Cron: "@daily", SQL: "SELECT 1", Style: push.StyleText, Enabled: true,
	}))
	return store
}

func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, nil, nil, nil, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherRunReturnsWhenQueueDrains(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	w := worker.New(queue, nil, nil, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, nil, nil, nil, []*worker.Worker{w, w})

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

func TestSubmitCreatesQueuedRun(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	queue := memory.NewQueue(4)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	dispatch := New(queue, store, &seqIDs{}, fixedClock{t: now}, nil)

	runID, err := dispatch.Submit(context.Background(), "daily", push.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, push.RunStatusQueued, run.Status)
	require.Equal(t, push.TriggerManual, run.Trigger)
	require.True(t, run.Submitted.Equal(now))

	item, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, push.QueueItem{RunID: "run-1", TaskID: "daily", Trigger: push.TriggerManual, Submitted: now.UnixNano()}, item)
}

func TestSubmitUnknownTask(t *testing.T) {
	t.Parallel()

	dispatch := New(memory.NewQueue(1), memstore.NewStore(), &seqIDs{}, fixedClock{t: time.Now()}, nil)
	_, err := dispatch.Submit(context.Background(), "missing", push.TriggerManual)
	require.ErrorIs(t, err, push.ErrTaskNotFound)
}

func TestSubmitMarksRunFailedWhenQueueRejects(t *testing.T) {
	t.Parallel()

	store := seededStore(t)
	dispatch := New(&errorQueue{err: push.ErrQueueClosed}, store, &seqIDs{}, fixedClock{t: time.Now()}, nil)

	runID, err := dispatch.Submit(context.Background(), "daily", push.TriggerSchedule)
	require.ErrorIs(t, err, push.ErrQueueClosed)

	run, getErr := store.GetRun(context.Background(), runID)
	require.NoError(t, getErr)
	require.Equal(t, push.RunStatusFailed, run.Status)
	require.NotNil(t, run.Finished)
	require.Contains(t, run.ErrorText, "queue closed")
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil, nil, nil, nil)

	err := dispatch.Enqueue(context.Background(), push.QueueItem{RunID: "run"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ push.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (push.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return push.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, push.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (push.QueueItem, error) {
	return push.QueueItem{}, nil
}
