package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SchedulerRunner is the scheduler surface the lifecycle hook drives.
type SchedulerRunner interface {
	Start() error
	Shutdown(ctx context.Context) error
	Running() bool
}

// Banner is logged when the service starts and stops.
type Banner struct {
	Service   string
	Version   string
	Addr      string
	Root      string
	IndexPath string
}

// Lifecycle keeps the scheduler running while the server accepts requests.
type Lifecycle struct {
	scheduler SchedulerRunner
	banner    Banner
	logger    *zap.Logger
}

// NewLifecycle constructs a Lifecycle.
func NewLifecycle(scheduler SchedulerRunner, banner Banner, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{scheduler: scheduler, banner: banner, logger: logger}
}

// Startup starts the scheduler unless it is already running. A failure is
// returned so the caller can abort startup.
func (l *Lifecycle) Startup(ctx context.Context) error {
	l.logger.Info("service starting",
		zap.String("service", l.banner.Service),
		zap.String("version", l.banner.Version),
		zap.String("addr", l.banner.Addr),
		zap.String("root", l.banner.Root),
		zap.String("frontend", l.banner.IndexPath),
	)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("startup canceled: %w", err)
	}
	if l.scheduler.Running() {
		l.logger.Info("scheduler already running, skipping start")
		return nil
	}
	if err := l.scheduler.Start(); err != nil {
		l.logger.Error("scheduler start failed", zap.Error(err), zap.Stack("stack"))
		return fmt.Errorf("start scheduler: %w", err)
	}
	l.logger.Info("scheduler started")
	return nil
}

// Shutdown stops the scheduler if it is running. It never fails; errors are logged.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.logger.Info("service stopping", zap.String("service", l.banner.Service))
	if !l.scheduler.Running() {
		l.logger.Info("scheduler not running, nothing to stop")
		return
	}
	if err := l.scheduler.Shutdown(ctx); err != nil {
		l.logger.Warn("scheduler shutdown incomplete", zap.Error(err))
		return
	}
	l.logger.Info("scheduler stopped")
}
