// Package postgres persists tasks and runs in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// Schema creates the tables used by Store. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS push_tasks (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	cron           TEXT NOT NULL,
	sql            TEXT NOT NULL,
	webhook_url    TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	style          TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	max_rows       INTEGER NOT NULL DEFAULT 0,
	skip_unchanged BOOLEAN NOT NULL DEFAULT FALSE,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS push_runs (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES push_tasks(id) ON DELETE CASCADE,
	run_trigger  TEXT NOT NULL,
	status       TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	row_count    INTEGER NOT NULL DEFAULT 0,
	result_hash  TEXT NOT NULL DEFAULT '',
	archive_uri  TEXT NOT NULL DEFAULT '',
	error_text   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS push_runs_task_submitted ON push_runs (task_id, submitted_at DESC);
`

const (
	taskColumns = `id, name, description, cron, sql, webhook_url, webhook_secret, style, title,
	max_rows, skip_unchanged, enabled, created_at, updated_at`
	runColumns = `id, task_id, run_trigger, status, submitted_at, started_at, finished_at,
	row_count, result_hash, archive_uri, error_text`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements push.Store on a pgx pool.
type Store struct {
	pool pool
	now  func() time.Time
}

// NewStore connects to Postgres and applies Schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, now func() time.Time) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: p, now: now}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateTask inserts a task, failing with push.ErrTaskExists on conflict.
func (s *Store) CreateTask(ctx context.Context, task push.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	query := `INSERT INTO push_tasks (` + taskColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.Name, task.Description, task.Cron, task.SQL, task.WebhookURL, task.WebhookSecret,
		string(task.Style), task.Title, task.MaxRows, task.SkipUnchanged, task.Enabled, task.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrTaskExists
	}
	return nil
}

// UpdateTask replaces the mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, task push.Task) error {
	query := `UPDATE push_tasks SET
	name = $2, description = $3, cron = $4, sql = $5, webhook_url = $6, webhook_secret = $7,
	style = $8, title = $9, max_rows = $10, skip_unchanged = $11, enabled = $12, updated_at = $13
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.Name, task.Description, task.Cron, task.SQL, task.WebhookURL, task.WebhookSecret,
		string(task.Style), task.Title, task.MaxRows, task.SkipUnchanged, task.Enabled, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task; its runs go with it.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM push_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrTaskNotFound
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (push.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM push_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return push.Task{}, push.ErrTaskNotFound
	}
	if err != nil {
		return push.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by ID.
func (s *Store) ListTasks(ctx context.Context) ([]push.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM push_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []push.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateRun inserts a run.
func (s *Store) CreateRun(ctx context.Context, run push.Run) error {
	query := `INSERT INTO push_runs (` + runColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.TaskID, string(run.Trigger), string(run.Status), run.Submitted, run.Started, run.Finished,
		run.RowCount, run.ResultHash, run.ArchiveURI, run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrRunExists
	}
	return nil
}

// UpdateRun replaces the mutable columns of a run.
func (s *Store) UpdateRun(ctx context.Context, run push.Run) error {
	query := `UPDATE push_runs SET
	status = $2, started_at = $3, finished_at = $4, row_count = $5, result_hash = $6,
	archive_uri = $7, error_text = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.Started, run.Finished, run.RowCount, run.ResultHash,
		run.ArchiveURI, run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return push.ErrRunNotFound
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (push.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM push_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return push.Run{}, push.ErrRunNotFound
	}
	if err != nil {
		return push.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs for a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]push.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM push_runs WHERE task_id = $1 ORDER BY submitted_at DESC, id DESC LIMIT $2`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []push.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the newest run of a task with the given status.
func (s *Store) LatestRun(ctx context.Context, taskID string, status push.RunStatus) (push.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM push_runs WHERE task_id = $1 AND status = $2 ORDER BY submitted_at DESC, id DESC LIMIT 1`,
		taskID, string(status),
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return push.Run{}, push.ErrRunNotFound
	}
	if err != nil {
		return push.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

func scanTask(row pgx.Row) (push.Task, error) {
	var (
		task  push.Task
		style string
	)
	err := row.Scan(
		&task.ID, &task.Name, &task.Description, &task.Cron, &task.SQL, &task.WebhookURL, &task.WebhookSecret,
		&style, &task.Title, &task.MaxRows, &task.SkipUnchanged, &task.Enabled, &task.CreatedAt, &task.UpdatedAt,
	)
	task.Style = push.MessageStyle(style)
	return task, err
}

func scanRun(row pgx.Row) (push.Run, error) {
	var (
		run               push.Run
		trigger, status   string
		started, finished *time.Time
	)
	err := row.Scan(
		&run.ID, &run.TaskID, &trigger, &status, &run.Submitted, &started, &finished,
		&run.RowCount, &run.ResultHash, &run.ArchiveURI, &run.ErrorText,
	)
	run.Trigger = push.Trigger(trigger)
	run.Status = push.RunStatus(status)
	run.Started = started
	run.Finished = finished
	return run, err
}
