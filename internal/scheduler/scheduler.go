// Package scheduler turns task cron specs into queued runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/logging"
	"github.com/JakeFAU/doris-feishu-pusher/internal/metrics"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// Parser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as "@daily" or "@every 1h".
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config tunes the scheduler.
type Config struct {
	Location       *time.Location
	EnqueueTimeout time.Duration
}

// Entry describes one scheduled task.
type Entry struct {
	TaskID string    `json:"task_id"`
	Spec   string    `json:"spec"`
	Next   time.Time `json:"next_run"`
}

type scheduled struct {
	id   cron.EntryID
	spec string
}

// Scheduler owns the cron runner and the mapping from task id to entry.
type Scheduler struct {
	cron           *cron.Cron
	submitter      push.Submitter
	logger         *zap.Logger
	enqueueTimeout time.Duration

	mu      sync.RWMutex
	running bool
	tasks   map[string]scheduled
}

// New constructs a Scheduler. It does not start the cron runner.
func New(cfg Config, submitter push.Submitter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cronLogger := logging.NewCronLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		submitter:      submitter,
		logger:         logger,
		enqueueTimeout: timeout,
		tasks:          make(map[string]scheduled),
	}
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: cron %q: %v", push.ErrInvalidTask, spec, err)
	}
	return nil
}

// Schedule adds or replaces the entry for task. Disabled tasks are removed.
func (s *Scheduler) Schedule(task push.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(task)
}

// Unschedule removes the entry for taskID if present.
func (s *Scheduler) Unschedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(taskID)
}

// Sync makes the schedule match tasks exactly. Tasks that fail to schedule
// are skipped and reported together.
func (s *Scheduler) Sync(tasks []push.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		keep[task.ID] = struct{}{}
	}
	for id := range s.tasks {
		if _, ok := keep[id]; !ok {
			s.removeLocked(id)
		}
	}

	var errs []error
	for _, task := range tasks {
		if err := s.scheduleLocked(task); err != nil {
			s.logger.Warn("failed to schedule task", zap.String("task_id", task.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Entries lists scheduled tasks ordered by task id.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.tasks))
	for taskID, sc := range s.tasks {
		out = append(out, Entry{
			TaskID: taskID,
			Spec:   sc.spec,
			Next:   s.cron.Entry(sc.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Start launches the cron runner. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	metrics.SetSchedulerRunning(true)
	s.logger.Info("scheduler started", zap.Int("entries", len(s.tasks)))
	return nil
}

// Shutdown stops the cron runner and waits for in-flight callbacks or ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopped := s.cron.Stop()
	s.running = false
	metrics.SetSchedulerRunning(false)
	s.mu.Unlock()

	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler jobs: %w", ctx.Err())
	}
}

// Running reports whether the cron runner is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) scheduleLocked(task push.Task) error {
	s.removeLocked(task.ID)
	if !task.Enabled {
		return nil
	}
	schedule, err := Parser.Parse(task.Cron)
	if err != nil {
		return fmt.Errorf("%w: cron %q: %v", push.ErrInvalidTask, task.Cron, err)
	}
	taskID := task.ID
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(taskID) }))
	s.tasks[taskID] = scheduled{id: id, spec: task.Cron}
	s.logger.Debug("task scheduled", zap.String("task_id", taskID), zap.String("cron", task.Cron))
	return nil
}

func (s *Scheduler) removeLocked(taskID string) {
	if sc, ok := s.tasks[taskID]; ok {
		s.cron.Remove(sc.id)
		delete(s.tasks, taskID)
	}
}

func (s *Scheduler) fire(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.enqueueTimeout)
	defer cancel()

	runID, err := s.submitter.Submit(ctx, taskID, push.TriggerSchedule)
	if err != nil {
		s.logger.Error("failed to submit scheduled run", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.logger.Info("scheduled run submitted", zap.String("task_id", taskID), zap.String("run_id", runID))
}
