package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
	"github.com/JakeFAU/doris-feishu-pusher/internal/dispatcher"
	"github.com/JakeFAU/doris-feishu-pusher/internal/feishu"
	pubmemory "github.com/JakeFAU/doris-feishu-pusher/internal/publisher/memory"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	queuememory "github.com/JakeFAU/doris-feishu-pusher/internal/queue/memory"
	"github.com/JakeFAU/doris-feishu-pusher/internal/scheduler"
	memstore "github.com/JakeFAU/doris-feishu-pusher/internal/storage/memory"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	server    *Server
	store     *memstore.Store
	queue     *queuememory.Queue
	scheduler *fakeScheduler
	querier   *fakeQuerier
	sender    *fakeSender
	events    *pubmemory.Publisher
	staticDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.StaticDir = t.TempDir()

	env := &testEnv{
		store:     memstore.NewStore(),
		queue:     queuememory.NewQueue(8),
		scheduler: newFakeScheduler(),
		querier:   &fakeQuerier{},
		sender:    &fakeSender{},
		events:    pubmemory.New(0),
		staticDir: cfg.Server.StaticDir,
	}
	clock := fixedClock{now: testNow}
	dispatch := dispatcher.New(env.queue, env.store, &seqIDs{}, clock, nil)
	env.server = NewServer(Deps{
		Store:     env.store,
		Submitter: dispatch,
		Scheduler: env.scheduler,
		Querier:   env.querier,
		Feishu:    env.sender,
		Clock:     clock,
		Events:    env.events,
		Queue:     env.queue,
	}, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthReportsSchedulerState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "success", body["status"])
	require.Equal(t, "Feishu-Doris scheduled push platform", body["service"])
	require.Equal(t, "1.0.0", body["version"])
	require.Equal(t, false, body["scheduler_running"])
	require.Equal(t, "2024-05-01 09:30:00", body["timestamp"])

	env.scheduler.setRunning(true)
	body = decodeBody(t, env.do(http.MethodGet, "/health", ""))
	require.Equal(t, true, body["scheduler_running"])
}

func TestRootServesIndex(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	html := "<html><body>pusher</body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(env.staticDir, "index.html"), []byte(html), 0o600))

	rec := env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, html, rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestRootMissingIndexIs404WithPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Contains(t, body["error"], IndexPath(env.staticDir))
	require.EqualValues(t, http.StatusNotFound, body["status_code"])
	require.Equal(t, "http://example.com/", body["request_url"])
}

func TestStaticAssets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.staticDir, "js"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(env.staticDir, "js", "app.js"), []byte("console.log(1)"), 0o600))

	rec := env.do(http.MethodGet, "/static/js/app.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "console.log(1)", rec.Body.String())
}

func TestStaticMissingFileUsesErrorShape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/static/missing.js", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "static file not found: missing.js", body["error"])
	require.EqualValues(t, http.StatusNotFound, body["status_code"])
	require.Equal(t, "http://example.com/static/missing.js", body["request_url"])
}

func TestStaticDirectoryIsNotListed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.staticDir, "assets"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(env.staticDir, "assets", "a.js"), []byte("1"), 0o600))

	for _, path := range []string{"/static/assets/", "/static/assets", "/static/"} {
		rec := env.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.NotContains(t, rec.Body.String(), "a.js\"", path)
		require.EqualValues(t, http.StatusNotFound, decodeBody(t, rec)["status_code"], path)
	}
}

func TestRequestTimeoutUsesErrorShape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tests := []struct {
		name    string
		handler http.Handler
	}{
		{
			name: "handler ignores deadline",
			handler: http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
			}),
		},
		{
			name: "handler returns context error",
			handler: env.server.handle(func(_ http.ResponseWriter, r *http.Request) error {
				<-r.Context().Done()
				return fmt.Errorf("query: %w", r.Context().Err())
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := env.server.timeoutMiddleware(20 * time.Millisecond)(tt.handler)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))

			require.Equal(t, http.StatusServiceUnavailable, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decodeBody(t, rec)
			require.Equal(t, "failed", body["status"])
			require.Contains(t, body["error"], "request timed out")
			require.EqualValues(t, http.StatusServiceUnavailable, body["status_code"])
			require.Equal(t, "http://example.com/slow", body["request_url"])
		})
	}
}

func TestRequestTimeoutLeavesFastResponses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	h := env.server.timeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestGenericErrorIs500WithTruncatedDetail(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	long := strings.Repeat("数", 800)
	env.server.router.Get("/boom", env.server.handle(func(http.ResponseWriter, *http.Request) error {
		return errors.New(long)
	}))

	rec := env.do(http.MethodPost, "/boom", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(http.MethodGet, "/boom?x=1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "internal server error", body["error"])
	detail, ok := body["detail"].(string)
	require.True(t, ok)
	require.Equal(t, maxDetailRunes, utf8.RuneCountInString(detail))
	require.Equal(t, "http://example.com/boom?x=1", body["request_url"])
	require.Equal(t, http.MethodGet, body["request_method"])
}

func TestPanicIs500(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server.router.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := env.do(http.MethodGet, "/panic", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "panic: kaboom", body["detail"])
}

func TestHTTPErrorKeepsStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server.router.Get("/teapot", env.server.handle(func(http.ResponseWriter, *http.Request) error {
		return fmt.Errorf("wrapped: %w", NewHTTPError(http.StatusTeapot, "short and stout"))
	}))

	rec := env.do(http.MethodGet, "/teapot", "")
	require.Equal(t, http.StatusTeapot, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "short and stout", body["error"])
	require.EqualValues(t, http.StatusTeapot, body["status_code"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "/nope")

	rec = env.do(http.MethodPatch, "/api/tasks/abc", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.EqualValues(t, http.StatusMethodNotAllowed, decodeBody(t, rec)["status_code"])
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestAllowOrigin(t *testing.T) {
	t.Parallel()

	patternOnly := allowOrigin(config.CORSConfig{OriginPattern: `https?://.*`})
	require.True(t, patternOnly(nil, "https://bi.example.com"))
	require.True(t, patternOnly(nil, "http://localhost:3000"))
	require.False(t, patternOnly(nil, "ftp://files.example.com"))
	require.False(t, patternOnly(nil, "null"))

	listed := allowOrigin(config.CORSConfig{AllowedOrigins: []string{"app://desktop"}})
	require.True(t, listed(nil, "app://desktop"))
	require.False(t, listed(nil, "https://other"))

	wildcard := allowOrigin(config.CORSConfig{AllowedOrigins: []string{"*"}})
	require.True(t, wildcard(nil, "anything"))
}

func TestRequestIDAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab", truncate("abc", 2))
	require.Equal(t, "飞书", truncate("飞书机器人", 2))
}

type fakeScheduler struct {
	mu          sync.Mutex
	running     bool
	scheduled   map[string]push.Task
	unscheduled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: map[string]push.Task{}}
}

func (f *fakeScheduler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeScheduler) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func (f *fakeScheduler) Schedule(task push.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[task.ID] = task
	return nil
}

func (f *fakeScheduler) Unschedule(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, taskID)
	f.unscheduled = append(f.unscheduled, taskID)
}

func (f *fakeScheduler) Entries() []scheduler.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.Entry, 0, len(f.scheduled))
	for id, task := range f.scheduled {
		out = append(out, scheduler.Entry{TaskID: id, Spec: task.Cron, Next: testNow.Add(time.Hour)})
	}
	return out
}

type fakeQuerier struct {
	result  push.ResultSet
	err     error
	pingErr error
	lastSQL string
	lastMax int
}

func (f *fakeQuerier) Query(_ context.Context, statement string, maxRows int) (push.ResultSet, error) {
	f.lastSQL, f.lastMax = statement, maxRows
	return f.result, f.err
}

func (f *fakeQuerier) Ping(context.Context) error { return f.pingErr }

type fakeSender struct {
	err    error
	target feishu.Target
	text   string
}

func (f *fakeSender) SendText(_ context.Context, target feishu.Target, text string) error {
	f.target, f.text = target, text
	return f.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}
