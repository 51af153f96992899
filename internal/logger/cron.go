package logger

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger adapts a zap logger to cron.Logger. cron's routine messages go
// to debug level.
func CronLogger(l *zap.Logger) cron.Logger {
	return cronLogger{l: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
