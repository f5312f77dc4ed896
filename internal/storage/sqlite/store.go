// Package sqlite persists tasks and runs in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed" // schema.sql
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

//go:embed schema.sql
var schema string

const (
	taskColumns = `id, name, description, cron, sql, webhook_url, webhook_secret, style, title,
	max_rows, skip_unchanged, enabled, created_at, updated_at`
	runColumns = `id, task_id, run_trigger, status, submitted_at, started_at, finished_at,
	row_count, result_hash, archive_uri, error_text`
)

// Store implements push.Store on SQLite.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Open creates the parent directory, opens the database and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writes serialized and pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a task, failing with push.ErrTaskExists on conflict.
func (s *Store) CreateTask(ctx context.Context, task push.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`,
		task.ID, task.Name, task.Description, task.Cron, task.SQL, task.WebhookURL, task.WebhookSecret,
		string(task.Style), task.Title, task.MaxRows, task.SkipUnchanged, task.Enabled,
		formatTime(task.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if affected(res) == 0 {
		return push.ErrTaskExists
	}
	return nil
}

// UpdateTask replaces the mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, task push.Task) error {
	res, err := s.db.ExecContext(ctx, `UPDATE push_tasks SET
	name = ?, description = ?, cron = ?, sql = ?, webhook_url = ?, webhook_secret = ?,
	style = ?, title = ?, max_rows = ?, skip_unchanged = ?, enabled = ?, updated_at = ?
WHERE id = ?`,
		task.Name, task.Description, task.Cron, task.SQL, task.WebhookURL, task.WebhookSecret,
		string(task.Style), task.Title, task.MaxRows, task.SkipUnchanged, task.Enabled, formatTime(s.now()),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected(res) == 0 {
		return push.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task; its runs go with it.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected(res) == 0 {
		return push.ErrTaskNotFound
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (push.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM push_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return push.Task{}, push.ErrTaskNotFound
	}
	if err != nil {
		return push.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks ordered by ID.
func (s *Store) ListTasks(ctx context.Context) ([]push.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM push_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer s.closeRows(rows)

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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO push_runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`,
		run.ID, run.TaskID, string(run.Trigger), string(run.Status), formatTime(run.Submitted),
		nullableTime(run.Started), nullableTime(run.Finished),
		run.RowCount, run.ResultHash, run.ArchiveURI, run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if affected(res) == 0 {
		return push.ErrRunExists
	}
	return nil
}

// UpdateRun replaces the mutable columns of a run.
func (s *Store) UpdateRun(ctx context.Context, run push.Run) error {
	res, err := s.db.ExecContext(ctx, `UPDATE push_runs SET
	status = ?, started_at = ?, finished_at = ?, row_count = ?, result_hash = ?, archive_uri = ?, error_text = ?
WHERE id = ?`,
		string(run.Status), nullableTime(run.Started), nullableTime(run.Finished),
		run.RowCount, run.ResultHash, run.ArchiveURI, run.ErrorText, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected(res) == 0 {
		return push.ErrRunNotFound
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (push.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM push_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return push.Run{}, push.ErrRunNotFound
	}
	if err != nil {
		return push.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs for a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]push.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM push_runs WHERE task_id = ? ORDER BY submitted_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer s.closeRows(rows)

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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM push_runs WHERE task_id = ? AND status = ? ORDER BY submitted_at DESC, id DESC LIMIT 1`,
		taskID, string(status),
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return push.Run{}, push.ErrRunNotFound
	}
	if err != nil {
		return push.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

func (s *Store) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", zap.Error(err))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (push.Task, error) {
	var (
		task             push.Task
		style            string
		created, updated string
	)
	if err := row.Scan(
		&task.ID, &task.Name, &task.Description, &task.Cron, &task.SQL, &task.WebhookURL, &task.WebhookSecret,
		&style, &task.Title, &task.MaxRows, &task.SkipUnchanged, &task.Enabled, &created, &updated,
	); err != nil {
		return push.Task{}, err
	}
	task.Style = push.MessageStyle(style)
	var err error
	if task.CreatedAt, err = parseTime(created); err != nil {
		return push.Task{}, err
	}
	if task.UpdatedAt, err = parseTime(updated); err != nil {
		return push.Task{}, err
	}
	return task, nil
}

func scanRun(row scanner) (push.Run, error) {
	var (
		run               push.Run
		trigger, status   string
		submitted         string
		started, finished sql.NullString
	)
	if err := row.Scan(
		&run.ID, &run.TaskID, &trigger, &status, &submitted, &started, &finished,
		&run.RowCount, &run.ResultHash, &run.ArchiveURI, &run.ErrorText,
	); err != nil {
		return push.Run{}, err
	}
	run.Trigger = push.Trigger(trigger)
	run.Status = push.RunStatus(status)
	var err error
	if run.Submitted, err = parseTime(submitted); err != nil {
		return push.Run{}, err
	}
	if run.Started, err = parseNullableTime(started); err != nil {
		return push.Run{}, err
	}
	if run.Finished, err = parseNullableTime(finished); err != nil {
		return push.Run{}, err
	}
	return run, nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}

// Times are stored as fixed-width UTC text so lexical order matches time order.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(storedTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
