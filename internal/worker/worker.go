// Package worker implements the push pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/metrics"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// Config controls Worker behavior.
type Config struct {
	ArchivePrefix string
	Topic         string
	JobTimeout    time.Duration
}

// Worker consumes queue items and executes the push pipeline.
type Worker struct {
	queue     push.Queue
	store     push.Repository
	querier   push.Querier
	notifier  push.Notifier
	archiver  push.Archiver
	publisher push.Publisher
	hasher    push.Hasher
	clock     push.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archiver and publisher are optional.
func New(
	queue push.Queue,
	store push.Repository,
	querier push.Querier,
	notifier push.Notifier,
	archiver push.Archiver,
	publisher push.Publisher,
	hasher push.Hasher,
	clock push.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		querier:   querier,
		notifier:  notifier,
		archiver:  archiver,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, push.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.String("task_id", item.TaskID))
		if _, err := w.Execute(ctx, item); err != nil {
			w.logger.Warn("run failed",
				zap.String("run_id", item.RunID),
				zap.String("task_id", item.TaskID),
				zap.Error(err),
			)
		}
	}
}

// Execute runs one item to a terminal status and returns the final run record.
// The returned error is the cause of a failed run.
func (w *Worker) Execute(ctx context.Context, item push.QueueItem) (push.Run, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	run, err := w.startRun(ctx, item)
	if err != nil {
		return run, err
	}

	execErr := w.process(ctx, &run)
	switch {
	case execErr != nil:
		run.Status = push.RunStatusFailed
		run.ErrorText = execErr.Error()
	case run.Status == push.RunStatusRunning:
		run.Status = push.RunStatusSucceeded
	}

	// Finalize even when the caller is shutting down so the run never stays "running".
	w.finish(context.WithoutCancel(ctx), &run)
	return run, execErr
}

func (w *Worker) startRun(ctx context.Context, item push.QueueItem) (push.Run, error) {
	run, err := w.store.GetRun(ctx, item.RunID)
	switch {
	case errors.Is(err, push.ErrRunNotFound):
		run = push.Run{
			ID:        item.RunID,
			TaskID:    item.TaskID,
			Trigger:   item.Trigger,
			Status:    push.RunStatusQueued,
			Submitted: time.Unix(0, item.Submitted).In(w.clock.Now().Location()),
		}
		if err := w.store.CreateRun(ctx, run); err != nil {
			return run, fmt.Errorf("create run: %w", err)
		}
	case err != nil:
		return push.Run{}, fmt.Errorf("load run: %w", err)
	}

	started := w.clock.Now()
	run.Status = push.RunStatusRunning
	run.Started = &started
	if err := w.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("mark run running: %w", err)
	}
	return run, nil
}

func (w *Worker) process(ctx context.Context, run *push.Run) error {
	task, err := w.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Enabled && run.Trigger == push.TriggerSchedule {
		run.Status = push.RunStatusSkipped
		run.ErrorText = push.ErrTaskDisabled.Error()
		return nil
	}

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	queryStart := time.Now()
	result, err := w.querier.Query(jobCtx, task.SQL, task.MaxRows)
	metrics.ObserveQuery(task.ID, time.Since(queryStart))
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	run.RowCount = result.Len()

	hash, err := w.hasher.Hash(result.Canonical())
	if err != nil {
		return fmt.Errorf("hash result: %w", err)
	}
	run.ResultHash = hash

	if task.SkipUnchanged {
		prev, err := w.lastDeliveredHash(ctx, task.ID)
		if err != nil {
			return err
		}
		if prev == hash {
			w.logger.Info("result unchanged, skipping push", zap.String("task_id", task.ID), zap.String("run_id", run.ID))
			run.Status = push.RunStatusSkipped
			return nil
		}
	}

	if err := w.notifier.Notify(jobCtx, task, result, w.clock.Now()); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	// The message is already out; an archive failure is recorded but does not fail the run.
	if uri, err := w.archive(jobCtx, task, run.ID, result); err != nil {
		w.logger.Warn("archive result failed", zap.String("run_id", run.ID), zap.Error(err))
		run.ErrorText = err.Error()
	} else {
		run.ArchiveURI = uri
	}
	return nil
}

// lastDeliveredHash returns the result hash of the newest succeeded run, or "".
// The run being executed is still running, so it never matches itself.
func (w *Worker) lastDeliveredHash(ctx context.Context, taskID string) (string, error) {
	prev, err := w.store.LatestRun(ctx, taskID, push.RunStatusSucceeded)
	if errors.Is(err, push.ErrRunNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last delivered run: %w", err)
	}
	return prev.ResultHash, nil
}

func (w *Worker) archive(ctx context.Context, task push.Task, runID string, result push.ResultSet) (string, error) {
	if w.archiver == nil {
		return "", nil
	}
	data, err := result.CSV()
	if err != nil {
		return "", fmt.Errorf("render csv: %w", err)
	}
	uri, err := w.archiver.PutObject(ctx, w.buildArchivePath(task.ID, runID), "text/csv; charset=utf-8", data)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return uri, nil
}

func (w *Worker) buildArchivePath(taskID, runID string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.csv", taskID, runID)
	}
	return fmt.Sprintf("%s/%s/%s.csv", prefix, taskID, runID)
}

func (w *Worker) finish(ctx context.Context, run *push.Run) {
	finished := w.clock.Now()
	run.Finished = &finished
	if err := w.store.UpdateRun(ctx, *run); err != nil {
		w.logger.Error("final run status update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	metrics.ObserveRun(string(run.Trigger), string(run.Status))
	w.publishEvent(ctx, *run)

	w.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.String("status", string(run.Status)),
		zap.Int("rows", run.RowCount),
		zap.Duration("elapsed", finished.Sub(*run.Started)),
	)
}

func (w *Worker) publishEvent(ctx context.Context, run push.Run) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	taskName := run.TaskID
	if task, err := w.store.GetTask(ctx, run.TaskID); err == nil {
		taskName = task.Name
	}
	event := push.RunEvent{
		RunID:      run.ID,
		TaskID:     run.TaskID,
		TaskName:   taskName,
		Trigger:    run.Trigger,
		Status:     run.Status,
		RowCount:   run.RowCount,
		ArchiveURI: run.ArchiveURI,
		Error:      run.ErrorText,
		FinishedAt: *run.Finished,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish run event failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}
