// Package logger holds the worker's process-wide zap logger. Every line
// written through it carries the service name, and job-scoped lines carry a
// truncated job id.
package logger

import (
	"go.uber.org/zap"
)

const serviceName = "transcript-worker"

// Logger discards everything until Init or Replace is called.
var Logger = zap.NewNop()

// Init builds the global logger: human-readable development output when
// debug is set, production JSON otherwise.
func Init(debug bool) error {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
	}
	config.InitialFields = map[string]any{"service": serviceName}

	l, err := config.Build()
	if err != nil {
		return err
	}

	Logger = l
	return nil
}

// Replace swaps the global logger and returns a func restoring the previous one.
func Replace(l *zap.Logger) (restore func()) {
	prev := Logger
	Logger = l
	return func() { Logger = prev }
}

func Debug(msg string, fields ...zap.Field) {
	Logger.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Logger.Error(msg, fields...)
}

// Fatal logs and exits the process. Only main should call it.
func Fatal(msg string, fields ...zap.Field) {
	Logger.Fatal(msg, fields...)
}

func Sync() error {
	return Logger.Sync()
}

// ShortID keeps the first 8 characters of a job or entity id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// JobID is the field every job-scoped log line carries.
func JobID(id string) zap.Field {
	return zap.String("job_id", ShortID(id))
}
