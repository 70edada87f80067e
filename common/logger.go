// Context-aware logging utilities layered over the global Logger: bound
// field sets, request-context extraction, and operation timing helpers.
package common

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextLogger carries an immutable field set. Each With* call returns a
// new logger so bound loggers can be shared across goroutines.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a logger bound to the given base fields, merged
// over the service-wide fields set by Configure.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	merged := make(logrus.Fields, len(baseFields)+len(fields))
	for k, v := range baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ContextLogger{logger: logger, fields: merged}
}

// ServiceLogger returns a logger bound to a component name.
func ServiceLogger(component string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{"component": component})
}

// WithField returns a copy with one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a copy with the given fields added.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

// WithError returns a copy with the error message bound.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// WithContext returns a copy carrying the request and user ids bound to ctx,
// when present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	fields := map[string]interface{}{}
	if id := RequestIDFrom(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := UserIDFrom(ctx); id != "" {
		fields["user_id"] = id
	}
	if len(fields) == 0 {
		return cl
	}
	return cl.WithFields(fields)
}

func (cl *ContextLogger) Debug(msg string)                          { cl.entry().Debug(msg) }
func (cl *ContextLogger) Debugf(format string, args ...interface{}) { cl.entry().Debugf(format, args...) }
func (cl *ContextLogger) Info(msg string)                           { cl.entry().Info(msg) }
func (cl *ContextLogger) Infof(format string, args ...interface{})  { cl.entry().Infof(format, args...) }
func (cl *ContextLogger) Warn(msg string)                           { cl.entry().Warn(msg) }
func (cl *ContextLogger) Warnf(format string, args ...interface{})  { cl.entry().Warnf(format, args...) }
func (cl *ContextLogger) Error(msg string)                          { cl.entry().Error(msg) }
func (cl *ContextLogger) Errorf(format string, args ...interface{}) { cl.entry().Errorf(format, args...) }
func (cl *ContextLogger) Fatal(msg string)                          { cl.entry().Fatal(msg) }

func (cl *ContextLogger) entry() *logrus.Entry {
	return cl.logger.WithFields(cl.fields)
}

// LogOperation runs fn, logging start, completion with elapsed seconds, and
// failure with elapsed seconds and the error. The error is returned as-is.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	op := logger.WithField("operation", operation)
	op.Info("operation started")

	err := fn()
	elapsed := time.Since(start)
	done := op.WithField("elapsed_seconds", elapsed.Seconds())

	if err != nil {
		done.WithError(err).Error("operation failed")
		return err
	}
	done.Info("operation completed")
	return nil
}

// LogExecutionTime returns a done-func that logs the elapsed time for op
// when called. Use with defer; works the same from goroutines.
func LogExecutionTime(logger *ContextLogger, op string) func() {
	start := time.Now()
	return func() {
		logger.WithFields(map[string]interface{}{
			"operation":       op,
			"elapsed_seconds": time.Since(start).Seconds(),
		}).Info("operation completed")
	}
}

// LogPanic recovers a panic and logs it with a stack trace. Use with defer
// in goroutines that must not take the process down.
func LogPanic(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}
