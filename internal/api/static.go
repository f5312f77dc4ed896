package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05"

// IndexPath returns the absolute path the root route serves.
func IndexPath(staticDir string) string {
	path := filepath.Join(staticDir, "index.html")
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func (s *Server) mountStatic(r chi.Router) {
	r.Get("/", s.handle(s.index))
	r.Get("/static/*", s.handle(s.staticFile))
	r.Head("/static/*", s.handle(s.staticFile))
	r.Get("/health", s.handle(s.health))
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) error {
	path := IndexPath(s.cfg.Server.StaticDir)
	f, err := os.Open(path) //nolint:gosec // path is built from configuration
	if err != nil {
		return NewHTTPError(http.StatusNotFound, "frontend file not found: %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Debug("close index failed", zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index: %w", err)
	}
	if info.IsDir() {
		return NewHTTPError(http.StatusNotFound, "frontend file not found: %s", path)
	}
	http.ServeContent(w, r, "index.html", info.ModTime(), f)
	return nil
}

// staticFile serves one file below the static dir. Missing files and
// directories are 404s; directories are never listed.
func (s *Server) staticFile(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "*")
	f, err := http.Dir(s.cfg.Server.StaticDir).Open("/" + name)
	if err != nil {
		return NewHTTPError(http.StatusNotFound, "static file not found: %s", name)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Debug("close static file failed", zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat static file: %w", err)
	}
	if info.IsDir() {
		return NewHTTPError(http.StatusNotFound, "static file not found: %s", name)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

type healthResponse struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	Version          string `json:"version"`
	SchedulerRunning bool   `json:"scheduler_running"`
	Timestamp        string `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) error {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "success",
		Service:          s.cfg.Service.Name,
		Version:          s.cfg.Service.Version,
		SchedulerRunning: s.deps.Scheduler.Running(),
		Timestamp:        s.deps.Clock.Now().Format(timestampLayout),
	})
	return nil
}
