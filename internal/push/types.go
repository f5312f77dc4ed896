// Package push defines core types shared across subsystems.
package push

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors returned by stores and the run pipeline.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskExists    = errors.New("task already exists")
	ErrRunNotFound   = errors.New("run not found")
	ErrRunExists     = errors.New("run already exists")
	ErrInvalidTask   = errors.New("invalid task")
	ErrReadOnlyQuery = errors.New("only read-only statements are allowed")
	ErrTaskDisabled  = errors.New("task is disabled")
	ErrNoWebhook     = errors.New("no webhook configured")
	ErrQueueClosed   = errors.New("queue closed")
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkipped:
		return true
	default:
		return false
	}
}

// Trigger records what started a run.
type Trigger string

// Trigger values.
const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// MessageStyle selects the Feishu message layout used for a task.
type MessageStyle string

// Supported message styles.
const (
	StyleText MessageStyle = "text"
	StylePost MessageStyle = "post"
	StyleCard MessageStyle = "card"
)

// Task is a push definition: what to query, when, and where to send it.
type Task struct {
	ID            string       `json:"id" mapstructure:"id"`
	Name          string       `json:"name" mapstructure:"name"`
	Description   string       `json:"description,omitempty" mapstructure:"description"`
	Cron          string       `json:"cron" mapstructure:"cron"`
	SQL           string       `json:"sql" mapstructure:"sql"`
	WebhookURL    string       `json:"webhook_url,omitempty" mapstructure:"webhook_url"`
	WebhookSecret string       `json:"webhook_secret,omitempty" mapstructure:"webhook_secret"`
	Style         MessageStyle `json:"style" mapstructure:"style"`
	Title         string       `json:"title,omitempty" mapstructure:"title"`
	MaxRows       int          `json:"max_rows" mapstructure:"max_rows"`
	SkipUnchanged bool         `json:"skip_unchanged" mapstructure:"skip_unchanged"`
	Enabled       bool         `json:"enabled" mapstructure:"enabled"`
	CreatedAt     time.Time    `json:"created_at" mapstructure:"-"`
	UpdatedAt     time.Time    `json:"updated_at" mapstructure:"-"`
}

// Normalize trims user input and fills in defaults.
func (t Task) Normalize() Task {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	t.Cron = strings.TrimSpace(t.Cron)
	t.SQL = strings.TrimSpace(t.SQL)
	t.WebhookURL = strings.TrimSpace(t.WebhookURL)
	t.Title = strings.TrimSpace(t.Title)
	if t.Style == "" {
		t.Style = StyleCard
	}
	if t.Title == "" {
		t.Title = t.Name
	}
	return t
}

// Validate checks the fields every task needs. Cron syntax is checked by the scheduler.
func (t Task) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	case t.Cron == "":
		return fmt.Errorf("%w: cron is required", ErrInvalidTask)
	case t.SQL == "":
		return fmt.Errorf("%w: sql is required", ErrInvalidTask)
	case t.MaxRows < 0:
		return fmt.Errorf("%w: max_rows must be >= 0", ErrInvalidTask)
	}
	switch t.Style {
	case StyleText, StylePost, StyleCard:
	default:
		return fmt.Errorf("%w: unknown style %q", ErrInvalidTask, t.Style)
	}
	if t.WebhookURL != "" {
		u, err := url.Parse(t.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook_url must be an absolute http(s) URL", ErrInvalidTask)
		}
	}
	return nil
}

// Run records one execution of a task.
type Run struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Trigger    Trigger    `json:"trigger"`
	Status     RunStatus  `json:"status"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	RowCount   int        `json:"row_count"`
	ResultHash string     `json:"result_hash,omitempty"`
	ArchiveURI string     `json:"archive_uri,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	TaskID    string
	Trigger   Trigger
	Submitted int64
}

// RunEvent is published after a run reaches a terminal status.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Trigger    Trigger   `json:"trigger"`
	Status     RunStatus `json:"status"`
	RowCount   int       `json:"row_count"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
