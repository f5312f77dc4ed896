package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// maxDetailRunes caps the detail echoed back for unexpected errors.
const maxDetailRunes = 500

// HTTPError is an explicitly raised request error that keeps its status code.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

// NewHTTPError builds an HTTPError with a formatted detail.
func NewHTTPError(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Detail: fmt.Sprintf(format, args...)}
}

// handlerFunc is an http.HandlerFunc that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			if errors.Is(r.Context().Err(), context.DeadlineExceeded) && !errors.As(err, new(*HTTPError)) {
				err = NewHTTPError(http.StatusServiceUnavailable, "request timed out: %v", err)
			}
			s.writeError(w, r, err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if httpErr, ok := asHTTPError(err); ok {
		s.logger.Warn("request failed",
			zap.String("url", requestURL(r)),
			zap.Int("status", httpErr.Status),
			zap.String("detail", httpErr.Detail),
		)
		s.writeJSON(w, httpErr.Status, map[string]any{
			"status":      "failed",
			"error":       httpErr.Detail,
			"request_url": requestURL(r),
			"status_code": httpErr.Status,
		})
		return
	}
	s.internalError(w, r, err, zap.StackSkip("stack", 2))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, stack zap.Field) {
	s.logger.Error("unhandled error",
		zap.String("method", r.Method),
		zap.String("url", requestURL(r)),
		zap.Error(err),
		stack,
	)
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"status":         "failed",
		"error":          "internal server error",
		"detail":         truncate(err.Error(), maxDetailRunes),
		"request_url":    requestURL(r),
		"request_method": r.Method,
	})
}

// asHTTPError maps explicit HTTP errors and domain sentinels onto a status.
func asHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	var status int
	switch {
	case errors.Is(err, push.ErrTaskNotFound), errors.Is(err, push.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, push.ErrTaskExists):
		status = http.StatusConflict
	case errors.Is(err, push.ErrInvalidTask),
		errors.Is(err, push.ErrReadOnlyQuery),
		errors.Is(err, push.ErrNoWebhook):
		status = http.StatusBadRequest
	case errors.Is(err, push.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	default:
		return nil, false
	}
	return &HTTPError{Status: status, Detail: err.Error()}, true
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// requestURL reconstructs the absolute URL the client asked for.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
