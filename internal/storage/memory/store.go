// Package memory provides in-process implementations for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// Store keeps tasks and runs in maps. It is the default backend.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]push.Task
	runs       map[string]push.Run
	runsByTask map[string][]string
	now        func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[string]push.Task),
		runs:       make(map[string]push.Run),
		runsByTask: make(map[string][]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask stores a new task.
func (s *Store) CreateTask(_ context.Context, task push.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return push.ErrTaskExists
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	return nil
}

// UpdateTask replaces an existing task, keeping its creation time.
func (s *Store) UpdateTask(_ context.Context, task push.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return push.ErrTaskNotFound
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = task
	return nil
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return push.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	for _, runID := range s.runsByTask[taskID] {
		delete(s.runs, runID)
	}
	delete(s.runsByTask, taskID)
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(_ context.Context, taskID string) (push.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return push.Task{}, push.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns all tasks ordered by ID.
func (s *Store) ListTasks(_ context.Context) ([]push.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]push.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run push.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[run.TaskID]; !ok {
		return push.ErrTaskNotFound
	}
	if _, exists := s.runs[run.ID]; exists {
		return push.ErrRunExists
	}
	s.runs[run.ID] = cloneRun(run)
	s.runsByTask[run.TaskID] = append(s.runsByTask[run.TaskID], run.ID)
	return nil
}

// UpdateRun replaces an existing run.
func (s *Store) UpdateRun(_ context.Context, run push.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return push.ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (push.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return push.Run{}, push.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns up to limit runs for a task, newest first.
func (s *Store) ListRuns(_ context.Context, taskID string, limit int) ([]push.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.runsByTask[taskID]
	out := make([]push.Run, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneRun(s.runs[ids[i]]))
	}
	return out, nil
}

// LatestRun returns the newest run of a task with the given status.
func (s *Store) LatestRun(_ context.Context, taskID string, status push.RunStatus) (push.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.runsByTask[taskID]
	for i := len(ids) - 1; i >= 0; i-- {
		if run := s.runs[ids[i]]; run.Status == status {
			return cloneRun(run), nil
		}
	}
	return push.Run{}, push.ErrRunNotFound
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func cloneRun(run push.Run) push.Run {
	if run.Started != nil {
		started := *run.Started
		run.Started = &started
	}
	if run.Finished != nil {
		finished := *run.Finished
		run.Finished = &finished
	}
	return run
}
