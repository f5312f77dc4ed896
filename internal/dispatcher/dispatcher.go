// Package dispatcher turns push requests into queued runs and fans the queue out to workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	"github.com/JakeFAU/doris-feishu-pusher/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   push.Queue
	store   push.Repository
	ids     push.IDGenerator
	clock   push.Clock
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(
	queue push.Queue,
	store push.Repository,
	ids push.IDGenerator,
	clock push.Clock,
	workers []*worker.Worker,
) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		store:   store,
		ids:     ids,
		clock:   clock,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, which
// happens when the context finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Submit records a queued run for the task and enqueues it. It returns the run ID.
func (d *Dispatcher) Submit(ctx context.Context, taskID string, trigger push.Trigger) (string, error) {
	if _, err := d.store.GetTask(ctx, taskID); err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}
	runID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := d.clock.Now()
	run := push.Run{
		ID:        runID,
		TaskID:    taskID,
		Trigger:   trigger,
		Status:    push.RunStatusQueued,
		Submitted: now,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	item := push.QueueItem{RunID: runID, TaskID: taskID, Trigger: trigger, Submitted: now.UnixNano()}
	if err := d.Enqueue(ctx, item); err != nil {
		d.abandon(context.WithoutCancel(ctx), run, err)
		return runID, err
	}
	return runID, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item push.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// abandon marks a run that never reached the queue as failed.
func (d *Dispatcher) abandon(ctx context.Context, run push.Run, cause error) {
	finished := d.clock.Now()
	run.Status = push.RunStatusFailed
	run.Finished = &finished
	run.ErrorText = cause.Error()
	updateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = d.store.UpdateRun(updateCtx, run)
}
