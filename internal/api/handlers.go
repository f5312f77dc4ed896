package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/feishu"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	"github.com/JakeFAU/doris-feishu-pusher/internal/scheduler"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	maxBodyBytes    = 1 << 20
	// redactedSecret replaces webhook secrets in responses. Sending it back
	// on update keeps the stored secret.
	redactedSecret = "******"
	submitTimeout  = 5 * time.Second
	pingTimeout    = 5 * time.Second
)

func (s *Server) mountAPI(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handle(s.listTasks))
		r.Post("/", s.handle(s.createTask))
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handle(s.getTask))
			r.Put("/", s.handle(s.updateTask))
			r.Delete("/", s.handle(s.deleteTask))
			r.Post("/run", s.handle(s.runTask))
			r.Get("/runs", s.handle(s.listRuns))
		})
	})
	r.Get("/runs/{runID}", s.handle(s.getRun))
	r.Post("/query/preview", s.handle(s.previewQuery))
	r.Post("/feishu/test", s.handle(s.testFeishu))
	r.Get("/scheduler", s.handle(s.schedulerStatus))
	r.Get("/events", s.handle(s.listEvents))
	r.Get("/doris/ping", s.handle(s.pingDoris))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) error {
	tasks, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for i := range tasks {
		tasks[i] = redact(tasks[i])
	}
	s.success(w, http.StatusOK, tasks)
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) error {
	task, err := s.deps.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		return err
	}
	s.success(w, http.StatusOK, redact(task))
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) error {
	var task push.Task
	if err := decodeJSON(w, r, &task); err != nil {
		return err
	}
	task, err := s.prepareTask(task)
	if err != nil {
		return err
	}
	now := s.deps.Clock.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	if err := s.deps.Store.CreateTask(r.Context(), task); err != nil {
		return err
	}
	if err := s.deps.Scheduler.Schedule(task); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	s.logger.Info("task created", zap.String("task_id", task.ID), zap.String("cron", task.Cron))
	s.success(w, http.StatusCreated, redact(task))
	return nil
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) error {
	existing, err := s.deps.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		return err
	}
	var task push.Task
	if err := decodeJSON(w, r, &task); err != nil {
		return err
	}
	task.ID = existing.ID
	if task.WebhookSecret == redactedSecret {
		task.WebhookSecret = existing.WebhookSecret
	}
	task, err = s.prepareTask(task)
	if err != nil {
		return err
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Store.UpdateTask(r.Context(), task); err != nil {
		return err
	}
	if err := s.deps.Scheduler.Schedule(task); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	s.logger.Info("task updated", zap.String("task_id", task.ID), zap.Bool("enabled", task.Enabled))
	s.success(w, http.StatusOK, redact(task))
	return nil
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) error {
	taskID := chi.URLParam(r, "taskID")
	if err := s.deps.Store.DeleteTask(r.Context(), taskID); err != nil {
		return err
	}
	s.deps.Scheduler.Unschedule(taskID)
	s.logger.Info("task deleted", zap.String("task_id", taskID))
	s.success(w, http.StatusOK, map[string]string{"id": taskID})
	return nil
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	runID, err := s.deps.Submitter.Submit(ctx, chi.URLParam(r, "taskID"), push.TriggerManual)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewHTTPError(http.StatusServiceUnavailable, "run queue is full")
		}
		return err
	}
	s.success(w, http.StatusAccepted, map[string]string{"run_id": runID})
	return nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) error {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		return err
	}
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.deps.Store.GetTask(r.Context(), taskID); err != nil {
		return err
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), taskID, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	s.success(w, http.StatusOK, runs)
	return nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) error {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		return err
	}
	s.success(w, http.StatusOK, run)
	return nil
}

type previewRequest struct {
	SQL     string `json:"sql"`
	MaxRows int    `json:"max_rows"`
}

func (s *Server) previewQuery(w http.ResponseWriter, r *http.Request) error {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.SQL == "" {
		return NewHTTPError(http.StatusBadRequest, "sql is required")
	}
	if req.MaxRows < 0 {
		return NewHTTPError(http.StatusBadRequest, "max_rows must be >= 0")
	}
	result, err := s.deps.Querier.Query(r.Context(), req.SQL, req.MaxRows)
	if err != nil {
		return err
	}
	s.success(w, http.StatusOK, result)
	return nil
}

type feishuTestRequest struct {
	WebhookURL string `json:"webhook_url"`
	Secret     string `json:"secret"`
	Text       string `json:"text"`
}

func (s *Server) testFeishu(w http.ResponseWriter, r *http.Request) error {
	var req feishuTestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	text := req.Text
	if text == "" {
		text = fmt.Sprintf("%s test message at %s", s.cfg.Service.Name, s.deps.Clock.Now().Format(timestampLayout))
	}
	err := s.deps.Feishu.SendText(r.Context(), feishu.Target{URL: req.WebhookURL, Secret: req.Secret}, text)
	var apiErr *feishu.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr):
		return NewHTTPError(http.StatusBadGateway, "feishu rejected the message: %s", apiErr.Error())
	case errors.Is(err, push.ErrNoWebhook):
		return err
	default:
		return NewHTTPError(http.StatusBadGateway, "feishu delivery failed: %s", err.Error())
	}
	s.success(w, http.StatusOK, map[string]string{"message": "sent"})
	return nil
}

type schedulerResponse struct {
	Running bool              `json:"running"`
	Queued  int               `json:"queued"`
	Entries []scheduler.Entry `json:"entries"`
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) error {
	resp := schedulerResponse{
		Running: s.deps.Scheduler.Running(),
		Entries: s.deps.Scheduler.Entries(),
	}
	if s.deps.Queue != nil {
		resp.Queued = s.deps.Queue.Len()
	}
	s.success(w, http.StatusOK, resp)
	return nil
}

// listEvents returns the newest run events from the in-memory event log,
// optionally filtered by task_id.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) error {
	if s.deps.Events == nil {
		return NewHTTPError(http.StatusNotFound, "run events are not kept in memory (events.backend=%s)", s.cfg.Events.Backend)
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		return err
	}
	taskID := r.URL.Query().Get("task_id")
	events := make([]push.RunEvent, 0, limit)
	for _, msg := range s.deps.Events.Recent(0) {
		event, ok := msg.Payload.(push.RunEvent)
		if !ok || (taskID != "" && event.TaskID != taskID) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	s.success(w, http.StatusOK, events)
	return nil
}

func (s *Server) pingDoris(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.deps.Querier.Ping(ctx); err != nil {
		return NewHTTPError(http.StatusServiceUnavailable, "doris unavailable: %s", err.Error())
	}
	s.success(w, http.StatusOK, map[string]string{"doris": "ok"})
	return nil
}

// prepareTask normalizes and validates a task including its cron spec.
func (s *Server) prepareTask(task push.Task) (push.Task, error) {
	task = task.Normalize()
	if err := task.Validate(); err != nil {
		return task, err
	}
	if err := scheduler.Validate(task.Cron); err != nil {
		return task, err
	}
	return task, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return NewHTTPError(http.StatusBadRequest, "request body is empty")
		}
		return NewHTTPError(http.StatusBadRequest, "invalid JSON: %s", err.Error())
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultRunLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return min(limit, maxRunLimit), nil
}

func redact(task push.Task) push.Task {
	if task.WebhookSecret != "" {
		task.WebhookSecret = redactedSecret
	}
	return task
}
