// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET / and /static/* for the frontend bundle.
//   - GET /health for service metadata and scheduler state.
//   - GET /metrics for Prometheus scraping.
//   - /api/tasks, /api/runs, /api/query, /api/feishu, /api/scheduler and
//     /api/doris for managing push tasks and their runs.
//
// Handlers return errors; *HTTPError values keep their status code and every
// other error (or panic) becomes a 500 with a truncated detail.
package api
