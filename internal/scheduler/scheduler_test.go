package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
	err   error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan string, 16)}
}

func (f *fakeSubmitter) Submit(_ context.Context, taskID string, trigger push.Trigger) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, taskID+":"+string(trigger))
	f.mu.Unlock()
	select {
	case f.ch <- taskID:
	default:
	}
	return "run-" + taskID, f.err
}

func newScheduler(sub push.Submitter) *Scheduler {
	return New(Config{Location: time.UTC, EnqueueTimeout: time.Second}, sub, zap.NewNop())
}

func task(id, spec string, enabled bool) push.Task {
	return push.Task{ID: id, Name: id, Cron: spec, SQL: "SELECT 1", Enabled: enabled}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newScheduler(newFakeSubmitter())
	require.False(t, s.Running())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.True(t, s.Running())

	require.NoError(t, s.Shutdown(context.Background()))
	require.False(t, s.Running())
}

func TestShutdownWhenStoppedIsNoop(t *testing.T) {
	s := newScheduler(newFakeSubmitter())
	require.NoError(t, s.Shutdown(context.Background()))
	require.False(t, s.Running())
}

func TestScheduleFiresSubmitter(t *testing.T) {
	sub := newFakeSubmitter()
	s := newScheduler(sub)
	require.NoError(t, s.Schedule(task("tick", "@every 1s", true)))
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown(context.Background()) }()

	select {
	case id := <-sub.ch:
		require.Equal(t, "tick", id)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task never fired")
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Contains(t, sub.calls, "tick:schedule")
}

func TestSubmitErrorsDoNotStopScheduler(t *testing.T) {
	sub := newFakeSubmitter()
	sub.err = errors.New("queue full")
	s := newScheduler(sub)
	require.NoError(t, s.Schedule(task("tick", "@every 1s", true)))
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown(context.Background()) }()

	select {
	case <-sub.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task never fired")
	}
	require.True(t, s.Running())
}

func TestScheduleReplacesAndRemoves(t *testing.T) {
	s := newScheduler(newFakeSubmitter())

	require.NoError(t, s.Schedule(task("a", "0 9 * * *", true)))
	require.NoError(t, s.Schedule(task("a", "30 8 * * 1-5", true)))
	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "30 8 * * 1-5", entries[0].Spec)

	require.NoError(t, s.Schedule(task("a", "0 9 * * *", false)))
	require.Empty(t, s.Entries())

	require.NoError(t, s.Schedule(task("b", "@daily", true)))
	s.Unschedule("b")
	s.Unschedule("missing")
	require.Empty(t, s.Entries())
}

func TestScheduleRejectsBadCron(t *testing.T) {
	s := newScheduler(newFakeSubmitter())
	err := s.Schedule(task("bad", "every day", true))
	require.ErrorIs(t, err, push.ErrInvalidTask)
	require.Empty(t, s.Entries())
}

func TestSyncMatchesTaskList(t *testing.T) {
	s := newScheduler(newFakeSubmitter())
	require.NoError(t, s.Schedule(task("stale", "@hourly", true)))

	err := s.Sync([]push.Task{
		task("a", "0 9 * * *", true),
		task("b", "*/10 * * * * *", true),
		task("off", "@daily", false),
		task("broken", "61 * * * *", true),
	})
	require.ErrorIs(t, err, push.ErrInvalidTask)
	require.Contains(t, err.Error(), "task broken")

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].TaskID)
	require.Equal(t, "b", entries[1].TaskID)
}

func TestEntriesReportNextRunOnceStarted(t *testing.T) {
	s := newScheduler(newFakeSubmitter())
	require.NoError(t, s.Schedule(task("a", "@hourly", true)))
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown(context.Background()) }()

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Next.IsZero())
	require.True(t, entries[0].Next.After(time.Now()))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("0 9 * * *"))
	require.NoError(t, Validate("0 0 9 * * *"))
	require.NoError(t, Validate("@every 90s"))
	require.ErrorIs(t, Validate("nonsense"), push.ErrInvalidTask)
}
