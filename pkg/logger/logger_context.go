package logger

import (
	"context"
	"time"

	pcontext "github.com/cdimage/cdimage/pkg/context"
)

// WithContext wraps a logger so every entry carries the run ID, build key
// and stage recorded on ctx.
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{
		ctx:    ctx,
		logger: logger,
	}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) fields(extra []Field) []Field {
	var fields []Field
	if id := pcontext.GetRunID(cl.ctx); id != "" {
		fields = append(fields, WithField("run_id", id))
	}
	if key := pcontext.GetBuildKey(cl.ctx); key != "" {
		fields = append(fields, WithField("build", key))
	}
	if d := pcontext.GetDuration(cl.ctx); d > 0 {
		fields = append(fields, WithField("elapsed", d.Round(time.Millisecond).String()))
	}
	return append(fields, extra...)
}

func (cl *contextualLogger) target() Logger {
	if stage := pcontext.GetStage(cl.ctx); stage != "" {
		return cl.logger.WithStage(stage)
	}
	return cl.logger
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.target().Info(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.target().Error(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.target().Warn(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.target().Debug(message, cl.fields(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.target().Success(message, cl.fields(fields)...)
}

func (cl *contextualLogger) WithStage(stage string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithStage(stage),
	}
}
