package push

import (
	"context"
	"time"
)

// TaskStore persists task definitions.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, taskID string) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
}

// RunStore persists run history. ListRuns returns newest first. LatestRun
// returns the newest run of a task in the given status, or ErrRunNotFound.
// CreateRun rejects runs whose task does not exist.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, taskID string, limit int) ([]Run, error)
	LatestRun(ctx context.Context, taskID string, status RunStatus) (Run, error)
}

// Repository is the task and run surface used by the run pipeline and API.
type Repository interface {
	TaskStore
	RunStore
}

// Store combines task and run persistence behind one backend.
type Store interface {
	Repository
	Close() error
}

// Querier executes read-only statements against the analytical store.
type Querier interface {
	Query(ctx context.Context, statement string, maxRows int) (ResultSet, error)
	Ping(ctx context.Context) error
}

// Notifier formats a result set for a task and delivers it.
type Notifier interface {
	Notify(ctx context.Context, task Task, result ResultSet, at time.Time) error
}

// Archiver writes result snapshots and returns a URI.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to detect unchanged results.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Submitter creates a queued run for a task and hands it to the run pipeline.
type Submitter interface {
	Submit(ctx context.Context, taskID string, trigger Trigger) (string, error)
}
