package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// hookToken matches the bot token segment of a Feishu webhook URL.
var hookToken = regexp.MustCompile(`(/hook/)[^/?#"\s]+`)

// RedactHook masks webhook tokens in s.
func RedactHook(s string) string {
	return hookToken.ReplaceAllString(s, "${1}******")
}

// CronLogger adapts zap to the robfig/cron Logger interface.
type CronLogger struct {
	sugar *zap.SugaredLogger
}

// NewCronLogger wraps logger for cron.
func NewCronLogger(logger *zap.Logger) CronLogger {
	return CronLogger{sugar: logger.Sugar()}
}

// Info logs routine scheduler activity at debug level; cron is chatty.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Error logs scheduler failures.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// LeveledLogger adapts zap to the go-retryablehttp LeveledLogger interface.
// retryablehttp logs request URLs and transport errors; webhook tokens in
// either are masked.
type LeveledLogger struct {
	sugar *zap.SugaredLogger
}

// NewLeveledLogger wraps logger for retryablehttp.
func NewLeveledLogger(logger *zap.Logger) LeveledLogger {
	return LeveledLogger{sugar: logger.Sugar()}
}

// Error logs at error level.
func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(RedactHook(msg), redact(keysAndValues)...)
}

// Info logs at debug level; retryablehttp logs every request at info.
func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(RedactHook(msg), redact(keysAndValues)...)
}

// Debug logs at debug level.
func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(RedactHook(msg), redact(keysAndValues)...)
}

// Warn logs at warn level.
func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(RedactHook(msg), redact(keysAndValues)...)
}

func redact(keysAndValues []interface{}) []interface{} {
	out := make([]interface{}, len(keysAndValues))
	for i, v := range keysAndValues {
		switch val := v.(type) {
		case string:
			out[i] = RedactHook(val)
		case error:
			out[i] = RedactHook(val.Error())
		case fmt.Stringer:
			out[i] = RedactHook(val.String())
		default:
			out[i] = v
		}
	}
	return out
}
